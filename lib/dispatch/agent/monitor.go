// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package agent

import (
	"errors"
	"strconv"
	"time"

	"github.com/autotest/autotest-sub010/lib/dispatch/dronemgr"
	"github.com/sirupsen/logrus"
)

// Monitor follows one process through its pidfile. It is created
// by Run (start a new process) or Attach (follow a process started
// earlier, possibly by a previous scheduler).
//
// A process that disappears without recording an exit status, or
// whose pidfile never names a process within PidfileTimeout, or
// whose pidfile is corrupt, is "lost": it reports exit status 1.
// A process started by Run whose launch never reached its drone is
// launched again instead.
type Monitor struct {
	env       *Env
	req       *dronemgr.ExecuteRequest
	pidfileID dronemgr.PidfileID
	start     time.Time
	state     dronemgr.PidfileContents
	lost      bool
}

func (env *Env) newMonitor() *Monitor {
	return &Monitor{env: env}
}

// Run queues a new process and starts monitoring its pidfile.
func (m *Monitor) Run(req dronemgr.ExecuteRequest) error {
	if nice := m.env.Config.Scheduler.NiceLevel; nice != 0 {
		req.Command = append([]string{"nice", "-n", strconv.Itoa(nice)}, req.Command...)
	}
	id, err := m.env.Drones.ExecuteCommand(req)
	if err != nil {
		return err
	}
	m.req = &req
	m.start = m.env.now()
	m.pidfileID = id
	return nil
}

// Attach starts monitoring the pidfile in an existing execution
// directory. If numProcesses is not negative, the drone manager
// accounts for that many processes while it runs.
func (m *Monitor) Attach(executionPath, pidfileName string, numProcesses int) {
	m.start = m.env.now()
	m.pidfileID = m.env.Drones.PidfileIDFrom(executionPath, pidfileName)
	if numProcesses >= 0 {
		m.env.Drones.DeclareProcessCount(m.pidfileID, numProcesses)
	}
}

// PidfileID returns the pidfile being monitored.
func (m *Monitor) PidfileID() dronemgr.PidfileID {
	return m.pidfileID
}

// Kill queues a kill of the process, if there is one.
func (m *Monitor) Kill() {
	if !m.HasProcess() {
		return
	}
	err := m.env.Drones.KillProcess(m.pidfileID)
	if err != nil {
		m.env.Logger.WithField("PidfileID", m.pidfileID).WithError(err).Warn("kill failed")
	}
}

// HasProcess returns true if the pidfile has named a process.
func (m *Monitor) HasProcess() bool {
	m.refresh()
	return m.state.Process != nil
}

// Process returns the process named by the pidfile, or nil.
func (m *Monitor) Process() *dronemgr.Process {
	m.refresh()
	return m.state.Process
}

// ExitCode returns the raw wait status of the exited process, or nil
// if it is still running or has not started.
func (m *Monitor) ExitCode() *int {
	m.refresh()
	return m.state.ExitStatus
}

// NumTestsFailed returns the number of failed tests, or -1 if
// unknown.
func (m *Monitor) NumTestsFailed() int {
	m.refresh()
	if m.state.ExitStatus == nil {
		return -1
	}
	return m.state.NumTestsFailed
}

// Lost returns true if the process was declared lost.
func (m *Monitor) Lost() bool {
	return m.lost
}

// TryCopyToResultsRepository copies source (results-relative) from
// the process's drone to the results repository, if there is a
// process.
func (m *Monitor) TryCopyToResultsRepository(source, destination string) {
	if p := m.Process(); p != nil {
		err := m.env.Drones.CopyToResultsRepository(*p, source, destination)
		if err != nil {
			m.logger().WithError(err).Warn("cannot copy to results repository")
		}
	}
}

// TryCopyResultsOnDrone copies between results paths on the
// process's drone, if there is a process.
func (m *Monitor) TryCopyResultsOnDrone(source, destination string) {
	if p := m.Process(); p != nil {
		err := m.env.Drones.CopyResultsOnDrone(*p, source, destination)
		if err != nil {
			m.logger().WithError(err).Warn("cannot copy results on drone")
		}
	}
}

func (m *Monitor) logger() logrus.FieldLogger {
	return m.env.Logger.WithField("PidfileID", m.pidfileID)
}

func (m *Monitor) refresh() {
	if m.lost || m.pidfileID == "" {
		return
	}
	if !m.read(false) {
		return
	}
	if m.state.Process == nil {
		if m.env.now().Sub(m.start) > m.env.Config.Scheduler.PidfileTimeout.Duration() {
			m.logger().Error("process failed to write pidfile")
			m.onLostProcess(nil)
		}
		return
	}
	if m.state.ExitStatus != nil || m.env.Drones.IsProcessRunning(*m.state.Process) {
		return
	}
	// The process may have exited between the pidfile read and
	// the process table read.
	if !m.read(true) {
		return
	}
	if m.state.ExitStatus == nil {
		m.logger().WithField("Process", m.state.Process.String()).Error("process died without writing exit code")
		m.onLostProcess(m.state.Process)
	}
}

// read updates m.state. If the pidfile is corrupt, it declares the
// process lost and returns false.
func (m *Monitor) read(secondRead bool) bool {
	pc := m.env.Drones.GetPidfileContents(m.pidfileID, secondRead)
	if errors.Is(pc.Err, dronemgr.ErrLaunchFailed) && m.req != nil {
		m.relaunch()
		return false
	}
	if pc.IsInvalid() {
		m.logger().WithError(pc.Err).Error("pidfile error")
		m.onLostProcess(nil)
		return false
	}
	m.state = pc
	return true
}

// relaunch queues the process again after its launch was not
// delivered. If that fails too, the next refresh tries again.
func (m *Monitor) relaunch() {
	m.state = dronemgr.PidfileContents{}
	id, err := m.env.Drones.ExecuteCommand(*m.req)
	if err != nil {
		m.logger().WithError(err).Warn("cannot relaunch process")
		return
	}
	m.logger().Info("relaunched process after undelivered launch")
	m.start = m.env.now()
	m.pidfileID = id
}

func (m *Monitor) onLostProcess(p *dronemgr.Process) {
	status := 1
	m.lost = true
	m.state = dronemgr.PidfileContents{Process: p, ExitStatus: &status}
}
