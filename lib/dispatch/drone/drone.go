// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package drone represents one worker machine that runs processes on
// the scheduler's behalf. A Drone queues calls during a scheduler
// tick and sends them to the machine's drone utility in one batch.
package drone

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/autotest/autotest-sub010/lib/config"
	"github.com/autotest/autotest-sub010/lib/dispatch/droneutil"
	"github.com/autotest/autotest-sub010/lib/dispatch/executor"
	"github.com/sirupsen/logrus"
)

// Options are the settings shared by all drones.
type Options struct {
	// Drone utility command line for remote drones.
	Command []string
	// Per-batch timeout.
	Timeout time.Duration
	SSH     executor.SSHConfig
	// Utility used by the "localhost" drone.
	LocalUtility *droneutil.Utility
	Logger       logrus.FieldLogger
}

// New returns a Drone for hostname. The hostname "localhost" runs
// calls in this process; a drone with a Hypervisor is reached by
// running commands through the hypervisor host.
func New(hostname string, dc config.DroneConfig, opts Options) *Drone {
	var t Transport
	if hostname == "localhost" {
		util := opts.LocalUtility
		if util == nil {
			util = &droneutil.Utility{Logger: opts.Logger}
		}
		t = &LocalTransport{Utility: util}
	} else {
		sshConf := opts.SSH
		if dc.RemoteUser != "" {
			sshConf.User = dc.RemoteUser
		}
		if dc.Port != "" {
			sshConf.Port = dc.Port
		}
		var host executor.Host
		if dc.Hypervisor != "" {
			host = &executor.WrappedHost{
				Name:       hostname,
				Hypervisor: executor.NewSSHHost(dc.Hypervisor, sshConf),
				Prefix:     dc.CommandPrefix,
			}
		} else {
			host = executor.NewSSHHost(hostname, sshConf)
		}
		t = &RemoteTransport{Host: host, Command: opts.Command, Timeout: opts.Timeout}
	}
	return NewWithTransport(hostname, t, dc, opts.Logger)
}

// NewWithTransport returns a Drone that uses the given Transport.
func NewWithTransport(hostname string, t Transport, dc config.DroneConfig, logger logrus.FieldLogger) *Drone {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Drone{
		hostname:  hostname,
		transport: t,
		conf:      dc,
		logger:    logger.WithField("Drone", hostname),
	}
}

// Drone is a proxy for one worker machine.
type Drone struct {
	hostname  string
	transport Transport
	logger    logrus.FieldLogger

	mtx              sync.Mutex
	conf             config.DroneConfig
	queue            []droneutil.Call
	activeProcesses  int
	lastContact      time.Time
	unreachableSince time.Time
	lastError        error
}

func (d *Drone) Hostname() string {
	return d.hostname
}

// Configure replaces the drone's settings (capacity, enabled,
// allowed users).
func (d *Drone) Configure(dc config.DroneConfig) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.conf = dc
}

// Config returns the drone's current settings.
func (d *Drone) Config() config.DroneConfig {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.conf
}

// QueueCall adds a call to the batch that will be sent by the next
// ExecuteQueuedCalls.
func (d *Drone) QueueCall(call droneutil.Call) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.queue = append(d.queue, call)
}

// QueuedCalls returns the number of calls waiting to be sent.
func (d *Drone) QueuedCalls() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.queue)
}

// ClearQueue discards any queued calls and returns them.
func (d *Drone) ClearQueue() []droneutil.Call {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	calls := d.queue
	d.queue = nil
	return calls
}

// ExecuteQueuedCalls sends all queued calls in one batch. The queue
// is emptied only if the batch is delivered; per-call errors are
// returned in the results and do not count as delivery failures.
func (d *Drone) ExecuteQueuedCalls(ctx context.Context) ([]droneutil.Result, error) {
	d.mtx.Lock()
	calls := d.queue
	d.mtx.Unlock()
	if len(calls) == 0 {
		return nil, nil
	}
	results, err := d.ExecuteCalls(ctx, calls)
	if err != nil {
		return nil, err
	}
	d.mtx.Lock()
	// Calls queued while the batch was in flight stay queued.
	d.queue = d.queue[len(calls):]
	d.mtx.Unlock()
	return results, nil
}

// Call sends a single call in its own batch and decodes its result
// into dst.
func (d *Drone) Call(ctx context.Context, call droneutil.Call, dst interface{}) error {
	results, err := d.ExecuteCalls(ctx, []droneutil.Call{call})
	if err != nil {
		return err
	}
	return results[0].Decode(dst)
}

// ExecuteCalls sends calls in one batch, logs any warnings from the
// drone, and records whether the drone was reachable.
func (d *Drone) ExecuteCalls(ctx context.Context, calls []droneutil.Call) ([]droneutil.Result, error) {
	t0 := time.Now()
	resp, err := d.transport.Execute(ctx, calls)
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if err != nil {
		if d.unreachableSince.IsZero() {
			d.unreachableSince = t0
		}
		d.lastError = err
		return nil, fmt.Errorf("drone %s: %w", d.hostname, err)
	}
	if len(resp.Results) != len(calls) {
		err = fmt.Errorf("drone %s: got %d results for %d calls", d.hostname, len(resp.Results), len(calls))
		d.lastError = err
		return nil, err
	}
	if !d.unreachableSince.IsZero() {
		d.logger.WithField("Since", d.unreachableSince).Info("drone is reachable again")
	}
	d.lastContact = time.Now()
	d.unreachableSince = time.Time{}
	d.lastError = nil
	for _, warning := range resp.Warnings {
		d.logger.WithField("Warning", warning).Warn("warning from drone")
	}
	d.logger.WithFields(logrus.Fields{
		"Calls":    len(calls),
		"Duration": time.Since(t0).Seconds(),
	}).Debug("executed calls")
	return resp.Results, nil
}

// Unreachable returns true if every batch since at least threshold
// ago has failed.
func (d *Drone) Unreachable(threshold time.Duration) bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return !d.unreachableSince.IsZero() && time.Since(d.unreachableSince) >= threshold
}

// LastContact returns the time of the last delivered batch.
func (d *Drone) LastContact() time.Time {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.lastContact
}

// LastError returns the error from the last batch, or nil if it
// succeeded.
func (d *Drone) LastError() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.lastError
}

func (d *Drone) ActiveProcesses() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.activeProcesses
}

// SetActiveProcesses records the number of processes currently
// running on the drone.
func (d *Drone) SetActiveProcesses(n int) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.activeProcesses = n
}

// AddActiveProcesses accounts for n newly started processes.
func (d *Drone) AddActiveProcesses(n int) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.activeProcesses += n
}

func (d *Drone) MaxProcesses() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.conf.MaxProcesses
}

// SpareCapacity returns the number of additional processes the
// drone can run. It is never negative.
func (d *Drone) SpareCapacity() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if spare := d.conf.MaxProcesses - d.activeProcesses; spare > 0 {
		return spare
	}
	return 0
}

// Enabled returns false if the drone is disabled in the
// configuration.
func (d *Drone) Enabled() bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return !d.conf.Disabled
}

// UsableBy returns true if user may run processes on the drone.
func (d *Drone) UsableBy(user string) bool {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if len(d.conf.Users) == 0 {
		return true
	}
	for _, u := range d.conf.Users {
		if u == user {
			return true
		}
	}
	return false
}

// Status is a snapshot of a drone's state, for management views.
type Status struct {
	Hostname         string
	Enabled          bool
	ActiveProcesses  int
	MaxProcesses     int
	QueuedCalls      int
	LastContact      time.Time
	UnreachableSince time.Time `json:",omitempty"`
	LastError        string    `json:",omitempty"`
}

func (d *Drone) Status() Status {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	st := Status{
		Hostname:         d.hostname,
		Enabled:          !d.conf.Disabled,
		ActiveProcesses:  d.activeProcesses,
		MaxProcesses:     d.conf.MaxProcesses,
		QueuedCalls:      len(d.queue),
		LastContact:      d.lastContact,
		UnreachableSince: d.unreachableSince,
	}
	if d.lastError != nil {
		st.LastError = d.lastError.Error()
	}
	return st
}

// Close releases the drone's connections.
func (d *Drone) Close() error {
	return d.transport.Close()
}
