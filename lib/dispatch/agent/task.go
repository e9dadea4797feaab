// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/autotest/autotest-sub010/lib/dispatch/dronemgr"
	"github.com/sirupsen/logrus"
)

// Task is one step of an Agent: usually a single autotest process.
type Task interface {
	// Start the task if needed, then check on its progress.
	Poll(context.Context) error
	// Stop the task. Some tasks (e.g., post-job tasks) ignore
	// aborts and finish normally.
	Abort(context.Context) error
	// Attach to a process started by a previous scheduler.
	Recover(context.Context) error
	// Register the pidfiles this task will read, so the drone
	// manager refreshes them.
	RegisterPidfiles()

	IsDone() bool
	Success() bool
	Aborted() bool
	Started() bool
	// Number of processes the task will run. Used for
	// throttling.
	NumProcesses() int
	Owner() string
	HostIDs() []int64
	EntryIDs() []int64
	Monitor() *Monitor
	// Tasks to run after this one is done.
	FollowOn() []Task
	String() string
}

// hooks are the steps of a task's lifecycle. baseTask supplies
// defaults; a concrete task overrides the ones it needs.
type hooks interface {
	prolog(context.Context) error
	run(context.Context) error
	tick(context.Context) error
	epilog(context.Context) error
	cleanup(context.Context) error
	commandLine(context.Context) ([]string, error)
	workingDirectory() string
	pidfileName() string
	pairedWith() *Monitor
	NumProcesses() int
	Owner() string
	String() string
}

type baseTask struct {
	env         *Env
	h           hooks
	logFileName string

	started    bool
	done       bool
	success    bool
	aborted    bool
	prologDone bool
	monitor    *Monitor
	hostIDs    []int64
	entryIDs   []int64
	followOn   []Task
}

func (t *baseTask) logger() logrus.FieldLogger {
	return t.env.Logger.WithField("Task", t.h.String())
}

func (t *baseTask) Poll(ctx context.Context) error {
	if !t.started {
		err := t.start(ctx)
		if err != nil {
			return err
		}
	}
	if t.started && !t.done {
		return t.h.tick(ctx)
	}
	return nil
}

func (t *baseTask) start(ctx context.Context) error {
	if !t.prologDone {
		err := t.h.prolog(ctx)
		if err != nil {
			return fmt.Errorf("%s: prolog: %w", t.h, err)
		}
		t.prologDone = true
	}
	err := t.h.run(ctx)
	if errors.Is(err, dronemgr.ErrCapacityExhausted) {
		t.logger().WithError(err).Debug("deferring start")
		return nil
	} else if err != nil {
		return fmt.Errorf("%s: run: %w", t.h, err)
	}
	t.started = true
	return nil
}

// finished marks the task done and runs its epilog.
func (t *baseTask) finished(ctx context.Context, success bool) error {
	if t.done {
		return nil
	}
	t.started = true
	t.done = true
	t.success = success
	return t.h.epilog(ctx)
}

func (t *baseTask) Abort(ctx context.Context) error {
	if t.monitor != nil {
		t.monitor.Kill()
	}
	t.done = true
	t.aborted = true
	return t.h.cleanup(ctx)
}

func (t *baseTask) Recover(ctx context.Context) error {
	if paired := t.h.pairedWith(); paired != nil && !paired.HasProcess() {
		return nil
	}
	m := t.env.newMonitor()
	m.Attach(t.h.workingDirectory(), t.h.pidfileName(), t.h.NumProcesses())
	if !m.HasProcess() {
		// Nothing to recover. The task starts normally.
		return nil
	}
	t.monitor = m
	t.started = true
	t.prologDone = true
	t.logger().WithField("Process", m.Process().String()).Info("recovered process")
	return nil
}

func (t *baseTask) RegisterPidfiles() {
	t.env.Drones.RegisterPidfile(t.env.Drones.PidfileIDFrom(t.h.workingDirectory(), t.h.pidfileName()))
	if paired := t.h.pairedWith(); paired != nil && paired.PidfileID() != "" {
		t.env.Drones.RegisterPidfile(paired.PidfileID())
	}
}

func (t *baseTask) prolog(ctx context.Context) error {
	t.RegisterPidfiles()
	return nil
}

func (t *baseTask) run(ctx context.Context) error {
	paired := t.h.pairedWith()
	if paired != nil && !paired.HasProcess() {
		t.logger().WithField("PidfileID", paired.PidfileID()).Error("no paired results")
		return t.finished(ctx, false)
	}
	argv, err := t.h.commandLine(ctx)
	if err != nil {
		return err
	}
	req := dronemgr.ExecuteRequest{
		Command:          argv,
		WorkingDirectory: t.h.workingDirectory(),
		PidfileName:      t.h.pidfileName(),
		NumProcesses:     t.h.NumProcesses(),
		LogFile:          t.logFile(),
		Username:         t.h.Owner(),
	}
	if paired != nil {
		req.PairedWith = paired.PidfileID()
	}
	m := t.env.newMonitor()
	err = m.Run(req)
	if err != nil {
		return err
	}
	t.monitor = m
	return nil
}

func (t *baseTask) tick(ctx context.Context) error {
	if t.monitor == nil {
		return nil
	}
	code := t.monitor.ExitCode()
	if code == nil {
		return nil
	}
	return t.finished(ctx, *code == 0)
}

func (t *baseTask) epilog(ctx context.Context) error {
	t.logger().WithField("Success", t.success).Info("finished")
	return t.h.cleanup(ctx)
}

func (t *baseTask) cleanup(ctx context.Context) error {
	if t.monitor != nil && t.logFileName != "" {
		t.monitor.TryCopyToResultsRepository(t.logFile(), "")
	}
	return nil
}

func (t *baseTask) logFile() string {
	if t.logFileName == "" {
		return ""
	}
	return path.Join(t.h.workingDirectory(), t.logFileName)
}

// copyResults copies the task's working directory to the results
// repository, if m has a process.
func (t *baseTask) copyResults(m *Monitor) {
	if m != nil && m.HasProcess() {
		m.TryCopyToResultsRepository(t.h.workingDirectory()+"/", "")
	}
}

func (t *baseTask) pidfileName() string   { return dronemgr.AutoservPidfile }
func (t *baseTask) pairedWith() *Monitor  { return nil }
func (t *baseTask) NumProcesses() int     { return 1 }
func (t *baseTask) Owner() string         { return "" }
func (t *baseTask) IsDone() bool          { return t.done }
func (t *baseTask) Success() bool         { return t.success }
func (t *baseTask) Aborted() bool         { return t.aborted }
func (t *baseTask) Started() bool         { return t.started }
func (t *baseTask) HostIDs() []int64      { return t.hostIDs }
func (t *baseTask) EntryIDs() []int64     { return t.entryIDs }
func (t *baseTask) Monitor() *Monitor     { return t.monitor }
func (t *baseTask) FollowOn() []Task      { return t.followOn }
func (t *baseTask) addFollowOn(next Task) { t.followOn = append(t.followOn, next) }
