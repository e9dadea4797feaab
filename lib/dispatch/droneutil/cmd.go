// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droneutil

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/autotest/autotest-sub010/lib/cmd"
	"github.com/autotest/autotest-sub010/lib/config"
	"github.com/autotest/autotest-sub010/lib/dispatch/executor"
	"github.com/autotest/autotest-sub010/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// Command runs a batch of calls read from stdin, or (as
// "drone-utility run-wrapped PIDFILE -- COMMAND...") supervises one
// process.
var Command cmd.RunFunc = command

func command(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) > 0 && args[0] == WrapperMarker {
		return runWrapped(prog+" "+WrapperMarker, args[1:], stdin, stdout, stderr)
	}
	return runBatch(prog, args, stdin, stdout, stderr)
}

func runWrapped(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 2 || args[1] != "--" {
		fmt.Fprintf(stderr, "usage: %s PIDFILE -- COMMAND [ARGS...]\n", prog)
		return 2
	}
	err := RunWrapped(args[0], args[2:], stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %s\n", prog, err)
		return 1
	}
	return 0
}

func runBatch(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	configFile := flags.String("config", "", "site configuration `file` (default: built-in defaults)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	logger := ctxlog.New(stderr, "text", "info")
	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile, logger)
	} else {
		cfg, err = config.Load(strings.NewReader(""), nil)
	}
	if err != nil {
		logger.WithError(err).Error("loading config")
		return 1
	}
	logger = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.Level)

	var calls []Call
	err = json.NewDecoder(stdin).Decode(&calls)
	if err != nil {
		logger.WithError(err).Error("decoding calls")
		return 1
	}

	hosts := NewHostCache(cfg, logger)
	defer hosts.Close()
	u, err := NewUtility(cfg, hosts.Get, logger)
	if err != nil {
		logger.WithError(err).Error("bad configuration")
		return 1
	}
	ctx := ctxlog.Context(context.Background(), logger)
	resp := u.ExecuteCalls(ctx, calls)
	err = json.NewEncoder(stdout).Encode(resp)
	if err != nil {
		logger.WithError(err).Error("writing response")
		return 1
	}
	return 0
}

// NewUtility returns a Utility configured from cfg. hosts is used
// for file transfers to and from other machines.
func NewUtility(cfg *config.Config, hosts func(string) (executor.Host, error), logger logrus.FieldLogger) (*Utility, error) {
	argv, err := cfg.Commands.RunWrappedArgv()
	if err != nil {
		return nil, err
	}
	return &Utility{
		RunWrapped:      argv,
		Hosts:           hosts,
		WarningDuration: cfg.Scheduler.DroneBatchWarning.Duration(),
		Logger:          logger,
	}, nil
}

// HostCache reuses one executor.Host per remote hostname.
type HostCache struct {
	cfg    *config.Config
	logger logrus.FieldLogger
	mtx    sync.Mutex
	hosts  map[string]executor.Host
	ssh    *executor.SSHConfig
}

// NewHostCache returns a HostCache that connects to remote hosts
// with the SSH settings in cfg.
func NewHostCache(cfg *config.Config, logger logrus.FieldLogger) *HostCache {
	return &HostCache{cfg: cfg, logger: logger}
}

// Get returns the Host for hostname, creating it if needed.
func (hc *HostCache) Get(hostname string) (executor.Host, error) {
	hc.mtx.Lock()
	defer hc.mtx.Unlock()
	if h, ok := hc.hosts[hostname]; ok {
		return h, nil
	}
	var h executor.Host
	if hostname == "localhost" {
		h = &executor.LocalHost{}
	} else {
		if hc.ssh == nil {
			conf, err := executor.LoadSSHConfig(hc.cfg.SSH, hc.logger)
			if err != nil {
				return nil, err
			}
			hc.ssh = &conf
		}
		conf := *hc.ssh
		if dc, ok := hc.cfg.Drones[hostname]; ok && dc.RemoteUser != "" {
			conf.User = dc.RemoteUser
		}
		h = executor.NewSSHHost(hostname, conf)
	}
	if hc.hosts == nil {
		hc.hosts = map[string]executor.Host{}
	}
	hc.hosts[hostname] = h
	return h, nil
}

// Close closes all cached hosts.
func (hc *HostCache) Close() {
	hc.mtx.Lock()
	defer hc.mtx.Unlock()
	for _, h := range hc.hosts {
		h.Close()
	}
	hc.hosts = nil
}
