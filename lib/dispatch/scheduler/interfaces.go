// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"

	"github.com/autotest/autotest-sub010/lib/dispatch/agent"
	"github.com/autotest/autotest-sub010/lib/dispatch/dronemgr"
	"github.com/autotest/autotest-sub010/lib/dispatch/executor"
)

// A DroneManager runs and tracks the processes started by agents.
// *dronemgr.Manager is one.
type DroneManager interface {
	agent.DroneManager
	Refresh(context.Context) error
	ExecuteActions(context.Context) error
	ReinitializeDrones(context.Context) error
	MaxRunnableProcesses(username string, allowed []string) int
	TotalRunningProcesses() int
	OrphanedProcesses() []dronemgr.Process
}

// A HostProber checks whether a test host answers.
type HostProber interface {
	IsReachable(ctx context.Context, hostname string) bool
}

// sshProber checks reachability by connecting over ssh.
type sshProber struct {
	conf executor.SSHConfig
}

func (p sshProber) IsReachable(ctx context.Context, hostname string) bool {
	h := executor.NewSSHHost(hostname, p.conf)
	defer h.Close()
	return h.IsReachable(ctx)
}
