// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package agent runs the processes that move host queue entries and
// special tasks through their lifecycle. An Agent is a sequence of
// Tasks; each Task wraps one drone-managed process.
package agent

import (
	"strings"
	"time"

	"github.com/autotest/autotest-sub010/lib/config"
	"github.com/autotest/autotest-sub010/lib/dispatch/dronemgr"
	"github.com/autotest/autotest-sub010/lib/dispatch/store"
	"github.com/sirupsen/logrus"
)

// DroneManager is the part of dronemgr.Manager that tasks use.
type DroneManager interface {
	ExecuteCommand(dronemgr.ExecuteRequest) (dronemgr.PidfileID, error)
	GetPidfileContents(id dronemgr.PidfileID, secondRead bool) dronemgr.PidfileContents
	IsProcessRunning(dronemgr.Process) bool
	KillProcess(dronemgr.PidfileID) error
	RegisterPidfile(dronemgr.PidfileID)
	UnregisterPidfile(dronemgr.PidfileID)
	DeclareProcessCount(dronemgr.PidfileID, int)
	PidfileIDFrom(executionTag, pidfileName string) dronemgr.PidfileID
	AbsolutePath(path string, onResultsRepository bool) string
	CopyToResultsRepository(p dronemgr.Process, sourcePath, destinationPath string) error
	CopyResultsOnDrone(p dronemgr.Process, sourcePath, destinationPath string) error
	WriteLinesToFile(filePath string, lines []string, pairedWith *dronemgr.Process) error
	AttachFileToExecution(resultsDir, contents, filePath string) (string, error)
}

// Abort requests made by the scheduler itself are attributed to
// this user.
const SystemUser = "autotest_system"

const lostProcessError = `Autoserv failed abnormally during execution for this job, probably due to a
system error on the Autotest server.  Full results may not be available.  Sorry.`

// Env holds the state shared by all tasks: the database, the drone
// manager, configuration, and the bookkeeping that outlives a single
// task.
type Env struct {
	Store  *store.Store
	Drones DroneManager
	Config *config.Config
	Logger logrus.FieldLogger
	// Returns the current time. Default is time.Now.
	Now func() time.Time

	autoserv []string
	parser   []string

	// Parse processes currently running.
	parsers int
	// Ready-delay task of each atomic group job that is
	// waiting for more hosts.
	delays map[int64]*DelayTask
}

// NewEnv returns an Env using the commands configured in cfg.
func NewEnv(st *store.Store, drones DroneManager, cfg *config.Config, logger logrus.FieldLogger) (*Env, error) {
	env := &Env{
		Store:  st,
		Drones: drones,
		Logger: logger,
		Now:    time.Now,
		delays: map[int64]*DelayTask{},
	}
	if env.Logger == nil {
		env.Logger = logrus.StandardLogger()
	}
	err := env.SetConfig(cfg)
	if err != nil {
		return nil, err
	}
	return env, nil
}

// SetConfig replaces the configuration. It must not be called while
// a task is running.
func (env *Env) SetConfig(cfg *config.Config) error {
	autoserv, err := cfg.Commands.AutoservArgv()
	if err != nil {
		return err
	}
	parser, err := cfg.Commands.ParserArgv()
	if err != nil {
		return err
	}
	env.Config, env.autoserv, env.parser = cfg, autoserv, parser
	return nil
}

// RunningParsers returns the number of parse processes started and
// not yet finished.
func (env *Env) RunningParsers() int {
	return env.parsers
}

func (env *Env) now() time.Time {
	if env.Now == nil {
		return time.Now()
	}
	return env.Now()
}

// autoservCommand returns the autoserv command line for the given
// machines. Profiles, if any, are attached to machine names with
// "#".
func (env *Env) autoservCommand(machines, profiles []string, job *store.Job, verbose bool, extra ...string) []string {
	argv := append([]string(nil), env.autoserv...)
	argv = append(argv, "-p", "-r", dronemgr.WorkingDirectory)
	if len(machines) > 0 {
		list := make([]string, len(machines))
		for i, m := range machines {
			if i < len(profiles) && profiles[i] != "" {
				m += "#" + profiles[i]
			}
			list[i] = m
		}
		argv = append(argv, "-m", strings.Join(list, ","))
	}
	if job != nil {
		argv = append(argv, "-u", job.Owner, "-l", job.Name)
	}
	if verbose {
		argv = append(argv, "--verbose")
	}
	return append(argv, extra...)
}
