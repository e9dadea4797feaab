// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/autotest/autotest-sub010/lib/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig holds the settings used to connect to SSH hosts.
type SSHConfig struct {
	User    string
	Port    string
	Signers []ssh.Signer
	// HostKeyCallback verifies host keys. If nil, any host key is
	// accepted.
	HostKeyCallback ssh.HostKeyCallback
	ConnectTimeout  time.Duration
}

// LoadSSHConfig reads the private key and known hosts files named in
// cfg.
func LoadSSHConfig(cfg config.SSHConfig, logger logrus.FieldLogger) (SSHConfig, error) {
	conf := SSHConfig{
		User:           cfg.User,
		Port:           cfg.Port,
		ConnectTimeout: cfg.ConnectTimeout.Duration(),
	}
	if cfg.PrivateKeyFile != "" {
		buf, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return conf, err
		}
		signer, err := ssh.ParsePrivateKey(buf)
		if err != nil {
			return conf, fmt.Errorf("%s: %w", cfg.PrivateKeyFile, err)
		}
		conf.Signers = []ssh.Signer{signer}
	}
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return conf, err
		}
		conf.HostKeyCallback = cb
	} else {
		conf.HostKeyCallback = func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			logger.WithFields(logrus.Fields{
				"Host":        hostname,
				"Fingerprint": ssh.FingerprintSHA256(key),
			}).Debug("accepting host key without verification")
			return nil
		}
	}
	return conf, nil
}

// NewSSHHost returns a Host that runs commands on hostname (which
// may include a ":port" suffix) over SSH.
func NewSSHHost(hostname string, conf SSHConfig) *SSHHost {
	return &SSHHost{hostname: hostname, conf: conf}
}

// An SSHHost uses a multiplexed SSH connection to execute shell
// commands on a remote host. It reconnects automatically after
// errors.
//
// An SSHHost must not be copied.
type SSHHost struct {
	hostname string
	conf     SSHConfig

	client      *ssh.Client
	clientErr   error
	clientOnce  sync.Once // initialized private state
	clientSetup chan bool // len>0 while client setup is in progress
}

func (sh *SSHHost) Hostname() string {
	return sh.hostname
}

// Run runs cmd on the host. If an existing connection is not usable,
// it sets up a new connection.
func (sh *SSHHost) Run(ctx context.Context, cmd string, opts RunOptions) (*Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	session, err := sh.newSession(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: Timeout, Host: sh.hostname, Command: cmd, Err: ctx.Err()}
		}
		return nil, &Error{Kind: Unreachable, Host: sh.hostname, Command: cmd, Err: err}
	}
	defer session.Close()
	for k, v := range opts.Env {
		err = session.Setenv(k, v)
		if err != nil {
			return nil, &Error{Kind: Unreachable, Host: sh.hostname, Command: cmd, Err: err}
		}
	}
	var stdout, stderr bytes.Buffer
	session.Stdin = opts.Stdin
	session.Stderr = &stderr
	captured := &stdout
	if opts.Stdout != nil {
		session.Stdout = opts.Stdout
		captured = nil
	} else {
		session.Stdout = &stdout
	}
	t0 := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		// Output buffers may still be in use by session.Run,
		// so the result carries no output.
		res := &Result{Command: cmd, Duration: time.Since(t0)}
		return res, &Error{Kind: Timeout, Host: sh.hostname, Command: cmd, Result: res, Err: ctx.Err()}
	}
	var exiterr *ssh.ExitError
	if errors.As(err, &exiterr) {
		return finish(sh.hostname, cmd, t0, exiterr.ExitStatus(), captured, &stderr, opts)
	} else if err != nil {
		// Connection dropped, or the remote side never
		// reported an exit status.
		return nil, &Error{Kind: Unreachable, Host: sh.hostname, Command: cmd, Err: err}
	}
	return finish(sh.hostname, cmd, t0, 0, captured, &stderr, opts)
}

func (sh *SSHHost) IsReachable(ctx context.Context) bool {
	return isReachable(ctx, sh)
}

func (sh *SSHHost) CopyTo(ctx context.Context, localPath, remotePath string) error {
	return copyTo(ctx, sh, localPath, remotePath)
}

func (sh *SSHHost) CopyFrom(ctx context.Context, remotePath, localPath string) error {
	return copyFrom(ctx, sh, remotePath, localPath)
}

// Close shuts down any active connections.
func (sh *SSHHost) Close() error {
	// Ensure sh is initialized
	sh.sshClient(context.Background(), false)

	sh.clientSetup <- true
	if sh.client != nil {
		defer sh.client.Close()
	}
	sh.client, sh.clientErr = nil, errors.New("closed")
	<-sh.clientSetup
	return nil
}

// Create a new SSH session. If session setup fails or the SSH client
// hasn't been setup yet, setup a new SSH client and try again.
func (sh *SSHHost) newSession(ctx context.Context) (*ssh.Session, error) {
	try := func(create bool) (*ssh.Session, error) {
		client, err := sh.sshClient(ctx, create)
		if err != nil {
			return nil, err
		}
		return client.NewSession()
	}
	session, err := try(false)
	if err != nil {
		session, err = try(true)
	}
	return session, err
}

// Get the latest SSH client. If another goroutine is in the process
// of setting one up, wait for it to finish and return its result (or
// the last successfully setup client, if it fails).
func (sh *SSHHost) sshClient(ctx context.Context, create bool) (*ssh.Client, error) {
	sh.clientOnce.Do(func() {
		sh.clientSetup = make(chan bool, 1)
		sh.clientErr = errors.New("client not yet created")
	})
	defer func() { <-sh.clientSetup }()
	select {
	case sh.clientSetup <- true:
		if create {
			client, err := sh.setupSSHClient(ctx)
			if err == nil || sh.client == nil {
				if sh.client != nil {
					// Hang up the previous
					// (non-working) client
					go sh.client.Close()
				}
				sh.client, sh.clientErr = client, err
			}
			if err != nil {
				return nil, err
			}
		}
	default:
		// Another goroutine is doing the above case.  Wait
		// for it to finish and return whatever it leaves in
		// sh.client.
		sh.clientSetup <- true
	}
	return sh.client, sh.clientErr
}

func (sh *SSHHost) hostPort() string {
	h, p, err := net.SplitHostPort(sh.hostname)
	if err != nil || p == "" {
		// Hostname does not specify a port. Use the
		// configured port, or "ssh".
		if h == "" {
			h = sh.hostname
		}
		if p = sh.conf.Port; p == "" {
			p = "ssh"
		}
	}
	return net.JoinHostPort(h, p)
}

// Create a new SSH client.
func (sh *SSHHost) setupSSHClient(ctx context.Context) (*ssh.Client, error) {
	timeout := sh.conf.ConnectTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	hostKeyCallback := sh.conf.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	addr := sh.hostPort()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn.SetDeadline(time.Now().Add(timeout))
	cconn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            sh.conf.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(sh.conf.Signers...)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(cconn, chans, reqs), nil
}
