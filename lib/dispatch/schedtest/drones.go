// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package schedtest provides an in-memory drone manager and database
// fixtures for scheduler tests.
package schedtest

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/autotest/autotest-sub010/lib/dispatch/drone"
	"github.com/autotest/autotest-sub010/lib/dispatch/dronemgr"
)

// StubDroneManager is an in-memory drone manager for scheduler and
// agent tests. Executed processes start immediately with a fake
// pid, and stay running until the test calls Exit or Lose.
type StubDroneManager struct {
	ResultsDir string
	// Total process capacity. Zero means unlimited.
	Capacity int
	// Processes accounted for, by pidfile.
	Running map[dronemgr.PidfileID]int

	Pidfiles   map[dronemgr.PidfileID]dronemgr.PidfileContents
	SecondRead map[dronemgr.PidfileID]dronemgr.PidfileContents
	// Processes currently alive.
	Processes  map[dronemgr.Process]bool
	Registered map[dronemgr.PidfileID]bool
	Executed   []dronemgr.ExecuteRequest
	Killed     []dronemgr.PidfileID
	// Lines written with WriteLinesToFile, by path.
	Written map[string][]string
	// Files attached with AttachFileToExecution, by path.
	Attached map[string]string
	// "source -> destination" for every copy.
	Copies  []string
	Orphans []dronemgr.Process

	Refreshes      int
	ActionsRuns    int
	Reinitializes  int
	HostnameForPid string

	mtx     sync.Mutex
	nextPid int
}

// NewStubDroneManager returns a stub with the given capacity.
func NewStubDroneManager(capacity int) *StubDroneManager {
	return &StubDroneManager{
		ResultsDir:     "/results",
		Capacity:       capacity,
		Running:        map[dronemgr.PidfileID]int{},
		Pidfiles:       map[dronemgr.PidfileID]dronemgr.PidfileContents{},
		SecondRead:     map[dronemgr.PidfileID]dronemgr.PidfileContents{},
		Processes:      map[dronemgr.Process]bool{},
		Registered:     map[dronemgr.PidfileID]bool{},
		Written:        map[string][]string{},
		Attached:       map[string]string{},
		HostnameForPid: "drone1",
		nextPid:        1000,
	}
}

func (sdm *StubDroneManager) ExecuteCommand(req dronemgr.ExecuteRequest) (dronemgr.PidfileID, error) {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	if sdm.Capacity > 0 && sdm.totalRunning()+req.NumProcesses > sdm.Capacity {
		return "", dronemgr.ErrCapacityExhausted
	}
	argv := make([]string, len(req.Command))
	for i, arg := range req.Command {
		if arg == dronemgr.WorkingDirectory {
			arg = sdm.AbsolutePath(req.WorkingDirectory, false)
		}
		argv[i] = arg
	}
	req.Command = argv
	sdm.Executed = append(sdm.Executed, req)
	id := sdm.pidfileIDFrom(req.WorkingDirectory, req.PidfileName)
	sdm.nextPid++
	p := dronemgr.Process{Hostname: sdm.HostnameForPid, Pid: sdm.nextPid}
	sdm.Processes[p] = true
	sdm.Pidfiles[id] = dronemgr.PidfileContents{Process: &p}
	sdm.Running[id] = req.NumProcesses
	sdm.Registered[id] = true
	return id, nil
}

// LastExecuted returns the most recent ExecuteCommand request.
func (sdm *StubDroneManager) LastExecuted() dronemgr.ExecuteRequest {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	if len(sdm.Executed) == 0 {
		return dronemgr.ExecuteRequest{}
	}
	return sdm.Executed[len(sdm.Executed)-1]
}

// ExecutedCommands returns the executed argv, joined with spaces.
func (sdm *StubDroneManager) ExecutedCommands() []string {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	var cmds []string
	for _, req := range sdm.Executed {
		cmds = append(cmds, strings.Join(req.Command, " "))
	}
	return cmds
}

// StartProcess makes the pidfile in workingDirectory name a running
// process, as if it had been started by an earlier scheduler.
func (sdm *StubDroneManager) StartProcess(workingDirectory, pidfileName string) dronemgr.Process {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	id := sdm.pidfileIDFrom(workingDirectory, pidfileName)
	sdm.nextPid++
	p := dronemgr.Process{Hostname: sdm.HostnameForPid, Pid: sdm.nextPid}
	sdm.Processes[p] = true
	sdm.Pidfiles[id] = dronemgr.PidfileContents{Process: &p}
	return p
}

// Exit records an exit status (raw wait status) and failed test count
// in the pidfile, and ends the process.
func (sdm *StubDroneManager) Exit(id dronemgr.PidfileID, status, failed int) {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	pc := sdm.Pidfiles[id]
	if pc.Process != nil {
		delete(sdm.Processes, *pc.Process)
	}
	pc.ExitStatus = &status
	pc.NumTestsFailed = failed
	sdm.Pidfiles[id] = pc
	delete(sdm.Running, id)
}

// Lose ends the process without recording an exit status.
func (sdm *StubDroneManager) Lose(id dronemgr.PidfileID) {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	if pc := sdm.Pidfiles[id]; pc.Process != nil {
		delete(sdm.Processes, *pc.Process)
	}
	delete(sdm.Running, id)
}

// Corrupt makes the pidfile unparseable.
func (sdm *StubDroneManager) Corrupt(id dronemgr.PidfileID) {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	pc := sdm.Pidfiles[id]
	if pc.Process != nil {
		delete(sdm.Processes, *pc.Process)
	}
	sdm.Pidfiles[id] = dronemgr.PidfileContents{Err: fmt.Errorf("%w: stub", dronemgr.ErrInvalidPidfile)}
	delete(sdm.Running, id)
}

// FailLaunch reports the launch behind the pidfile as undelivered,
// as the drone manager does when the drone batch fails.
func (sdm *StubDroneManager) FailLaunch(id dronemgr.PidfileID) {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	if pc := sdm.Pidfiles[id]; pc.Process != nil {
		delete(sdm.Processes, *pc.Process)
	}
	sdm.Pidfiles[id] = dronemgr.PidfileContents{Err: fmt.Errorf("%s: %w", id, dronemgr.ErrLaunchFailed)}
	delete(sdm.Running, id)
}

func (sdm *StubDroneManager) GetPidfileContents(id dronemgr.PidfileID, secondRead bool) dronemgr.PidfileContents {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	if secondRead {
		if pc, ok := sdm.SecondRead[id]; ok {
			return pc
		}
	}
	return sdm.Pidfiles[id]
}

func (sdm *StubDroneManager) IsProcessRunning(p dronemgr.Process) bool {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	return sdm.Processes[dronemgr.Process{Hostname: p.Hostname, Pid: p.Pid}]
}

// KillProcess ends the process as if by SIGKILL.
func (sdm *StubDroneManager) KillProcess(id dronemgr.PidfileID) error {
	sdm.mtx.Lock()
	pc, ok := sdm.Pidfiles[id]
	sdm.Killed = append(sdm.Killed, id)
	sdm.mtx.Unlock()
	if !ok || pc.Process == nil {
		return dronemgr.ErrNoProcess
	}
	sdm.Exit(id, 9, 0)
	return nil
}

func (sdm *StubDroneManager) RegisterPidfile(id dronemgr.PidfileID) {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	sdm.Registered[id] = true
}

func (sdm *StubDroneManager) UnregisterPidfile(id dronemgr.PidfileID) {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	delete(sdm.Registered, id)
}

func (sdm *StubDroneManager) DeclareProcessCount(id dronemgr.PidfileID, n int) {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	sdm.Registered[id] = true
	if pc := sdm.Pidfiles[id]; pc.IsRunning() {
		sdm.Running[id] = n
	}
}

func (sdm *StubDroneManager) PidfileIDFrom(executionTag, pidfileName string) dronemgr.PidfileID {
	return sdm.pidfileIDFrom(executionTag, pidfileName)
}

func (sdm *StubDroneManager) pidfileIDFrom(executionTag, pidfileName string) dronemgr.PidfileID {
	return dronemgr.PidfileID(path.Join(sdm.AbsolutePath(executionTag, false), pidfileName))
}

func (sdm *StubDroneManager) MaxRunnableProcesses(username string, allowed []string) int {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	if sdm.Capacity == 0 {
		return 1 << 20
	}
	return sdm.Capacity - sdm.totalRunning()
}

func (sdm *StubDroneManager) TotalRunningProcesses() int {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	return sdm.totalRunning()
}

func (sdm *StubDroneManager) totalRunning() int {
	n := 0
	for _, count := range sdm.Running {
		n += count
	}
	return n
}

func (sdm *StubDroneManager) AbsolutePath(p string, onResultsRepository bool) string {
	if path.IsAbs(p) {
		return p
	}
	return path.Join(sdm.ResultsDir, p)
}

func (sdm *StubDroneManager) CopyToResultsRepository(p dronemgr.Process, source, destination string) error {
	return sdm.copy(source, destination)
}

func (sdm *StubDroneManager) CopyResultsOnDrone(p dronemgr.Process, source, destination string) error {
	return sdm.copy(source, destination)
}

func (sdm *StubDroneManager) copy(source, destination string) error {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	if destination == "" {
		destination = source
	}
	sdm.Copies = append(sdm.Copies, source+" -> "+destination)
	return nil
}

func (sdm *StubDroneManager) WriteLinesToFile(filePath string, lines []string, pairedWith *dronemgr.Process) error {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	sdm.Written[filePath] = append(sdm.Written[filePath], lines...)
	return nil
}

func (sdm *StubDroneManager) AttachFileToExecution(resultsDir, contents, filePath string) (string, error) {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	if filePath == "" {
		filePath = fmt.Sprintf("%s/control.%d", resultsDir, len(sdm.Attached))
	}
	sdm.Attached[filePath] = contents
	return filePath, nil
}

// AttachedPaths returns the paths of attached files, sorted.
func (sdm *StubDroneManager) AttachedPaths() []string {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	var paths []string
	for p := range sdm.Attached {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (sdm *StubDroneManager) Refresh(context.Context) error {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	sdm.Refreshes++
	return nil
}

func (sdm *StubDroneManager) ExecuteActions(context.Context) error {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	sdm.ActionsRuns++
	return nil
}

func (sdm *StubDroneManager) ReinitializeDrones(context.Context) error {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	sdm.Reinitializes++
	return nil
}

func (sdm *StubDroneManager) OrphanedProcesses() []dronemgr.Process {
	sdm.mtx.Lock()
	defer sdm.mtx.Unlock()
	return append([]dronemgr.Process(nil), sdm.Orphans...)
}

func (sdm *StubDroneManager) Drones() []drone.Status {
	return []drone.Status{{Hostname: sdm.HostnameForPid, Enabled: true}}
}
