// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// LocalHost runs commands on the machine the caller is running on.
type LocalHost struct {
	// Name reported by Hostname(). Default "localhost".
	Name string
}

func (lh *LocalHost) Hostname() string {
	if lh.Name == "" {
		return "localhost"
	}
	return lh.Name
}

func (lh *LocalHost) Run(ctx context.Context, command string, opts RunOptions) (*Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	// Run in a new process group, and kill the whole group on
	// timeout, so grandchildren don't keep our pipes open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second
	if len(opts.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range opts.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdin = opts.Stdin
	cmd.Stderr = &stderr
	captured := &stdout
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
		captured = nil
	} else {
		cmd.Stdout = &stdout
	}
	t0 := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		res := &Result{Command: command, Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Duration: time.Since(t0)}
		return res, &Error{Kind: Timeout, Host: lh.Hostname(), Command: command, Result: res, Err: ctx.Err()}
	}
	var exiterr *exec.ExitError
	if errors.As(err, &exiterr) {
		return finish(lh.Hostname(), command, t0, exiterr.ExitCode(), captured, &stderr, opts)
	} else if err != nil {
		return nil, &Error{Kind: Unreachable, Host: lh.Hostname(), Command: command, Err: err}
	}
	return finish(lh.Hostname(), command, t0, 0, captured, &stderr, opts)
}

func (lh *LocalHost) IsReachable(ctx context.Context) bool {
	return isReachable(ctx, lh)
}

func (lh *LocalHost) CopyTo(ctx context.Context, localPath, remotePath string) error {
	return copyLocal(ctx, localPath, remotePath)
}

func (lh *LocalHost) CopyFrom(ctx context.Context, remotePath, localPath string) error {
	return copyLocal(ctx, remotePath, localPath)
}

func (lh *LocalHost) Close() error {
	return nil
}
