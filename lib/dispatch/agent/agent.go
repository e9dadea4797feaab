// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package agent

import (
	"context"
	"strings"
)

// An Agent runs a sequence of tasks, one at a time. A finished task
// may append follow-on tasks (e.g., a job's autoserv run is followed
// by log gathering and parsing).
//
// An Agent is not safe for concurrent use.
type Agent struct {
	tasks  []Task
	cursor int
}

// New returns an Agent that runs the given tasks in order.
func New(tasks ...Task) *Agent {
	return &Agent{tasks: tasks}
}

// Task returns the current task, or nil if the agent is done.
func (a *Agent) Task() Task {
	if a.cursor >= len(a.tasks) {
		return nil
	}
	return a.tasks[a.cursor]
}

// Tick polls the current task. When it finishes, the agent moves on
// to the next task, which starts on the next Tick.
func (a *Agent) Tick(ctx context.Context) error {
	t := a.Task()
	if t == nil {
		return nil
	}
	err := t.Poll(ctx)
	if err != nil {
		return err
	}
	if t.IsDone() {
		a.advance(t)
	}
	return nil
}

// Abort aborts the current task. Tasks that ignore aborts keep
// running; the agent moves on from tasks that honor them.
func (a *Agent) Abort(ctx context.Context) error {
	t := a.Task()
	if t == nil {
		return nil
	}
	err := t.Abort(ctx)
	if err != nil {
		return err
	}
	if t.Aborted() {
		a.advance(t)
	}
	return nil
}

func (a *Agent) advance(t Task) {
	a.tasks = append(a.tasks, t.FollowOn()...)
	a.cursor++
}

// IsDone returns true when no tasks remain.
func (a *Agent) IsDone() bool {
	return a.Task() == nil
}

// Started returns true if the current task has started. A new agent
// (or one that just moved on to a new task) has not started, and is
// subject to process throttling.
func (a *Agent) Started() bool {
	t := a.Task()
	return t != nil && t.Started()
}

// NumProcesses returns the number of processes the current task
// runs or will run.
func (a *Agent) NumProcesses() int {
	if t := a.Task(); t != nil {
		return t.NumProcesses()
	}
	return 0
}

// Owner returns the user responsible for the current task.
func (a *Agent) Owner() string {
	if t := a.Task(); t != nil {
		return t.Owner()
	}
	return ""
}

// HostIDs returns the hosts used by the current task.
func (a *Agent) HostIDs() []int64 {
	if t := a.Task(); t != nil {
		return t.HostIDs()
	}
	return nil
}

// EntryIDs returns the host queue entries handled by the current
// task.
func (a *Agent) EntryIDs() []int64 {
	if t := a.Task(); t != nil {
		return t.EntryIDs()
	}
	return nil
}

func (a *Agent) String() string {
	var names []string
	for _, t := range a.tasks[a.cursor:] {
		names = append(names, t.String())
	}
	return "agent[" + strings.Join(names, ", ") + "]"
}
