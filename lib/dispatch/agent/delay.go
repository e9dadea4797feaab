// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package agent

import (
	"context"
	"time"
)

// DelayTask calls a function once, on the first Poll after a delay.
// It runs no processes.
type DelayTask struct {
	env      *Env
	name     string
	end      time.Time
	callback func(context.Context) error

	done    bool
	success bool
	aborted bool
}

// NewDelayTask returns a task that calls callback once delay has
// elapsed.
func (env *Env) NewDelayTask(delay time.Duration, name string, callback func(context.Context) error) *DelayTask {
	return &DelayTask{
		env:      env,
		name:     name,
		end:      env.now().Add(delay),
		callback: callback,
	}
}

// End returns the time after which the callback will be called.
func (dt *DelayTask) End() time.Time {
	return dt.end
}

func (dt *DelayTask) Poll(ctx context.Context) error {
	if dt.done || dt.env.now().Before(dt.end) {
		return nil
	}
	dt.done = true
	dt.success = true
	return dt.callback(ctx)
}

func (dt *DelayTask) Abort(context.Context) error {
	dt.abort()
	return nil
}

func (dt *DelayTask) abort() {
	dt.done = true
	dt.aborted = true
}

func (dt *DelayTask) Recover(context.Context) error { return nil }
func (dt *DelayTask) RegisterPidfiles()             {}
func (dt *DelayTask) IsDone() bool                  { return dt.done }
func (dt *DelayTask) Success() bool                 { return dt.success }
func (dt *DelayTask) Aborted() bool                 { return dt.aborted }
func (dt *DelayTask) Started() bool                 { return true }
func (dt *DelayTask) NumProcesses() int             { return 0 }
func (dt *DelayTask) Owner() string                 { return "" }
func (dt *DelayTask) HostIDs() []int64              { return nil }
func (dt *DelayTask) EntryIDs() []int64             { return nil }
func (dt *DelayTask) Monitor() *Monitor             { return nil }
func (dt *DelayTask) FollowOn() []Task              { return nil }
func (dt *DelayTask) String() string                { return dt.name }
