// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dronemgr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Names of the pidfiles written in an execution's working directory.
const (
	AutoservPidfile  = ".autoserv_execute"
	CrashinfoPidfile = ".collect_crashinfo_execute"
	ParserPidfile    = ".parser_execute"
)

// ErrInvalidPidfile is wrapped by PidfileContents.Err when a pidfile
// cannot be parsed.
var ErrInvalidPidfile = errors.New("corrupt pidfile")

// PidfileID identifies a launched process by the absolute path of
// its pidfile, regardless of which drone it runs on.
type PidfileID string

func (id PidfileID) String() string {
	return string(id)
}

// Process is a process on a drone. Hostname and Pid identify it.
type Process struct {
	Hostname string
	Pid      int
	Ppid     int `json:",omitempty"`
}

func (p Process) key() Process {
	return Process{Hostname: p.Hostname, Pid: p.Pid}
}

func (p Process) String() string {
	return fmt.Sprintf("%s/%d", p.Hostname, p.Pid)
}

// PidfileContents is the parsed state of a pidfile. The zero value
// means the pidfile has not been written yet.
type PidfileContents struct {
	Process *Process
	// Exit status as a raw wait status; nil until the process
	// has exited.
	ExitStatus *int
	// Number of failed tests; meaningful only when ExitStatus
	// is not nil.
	NumTestsFailed int
	// Non-nil if the pidfile is corrupt.
	Err error
}

// IsInvalid returns true if the pidfile could not be parsed.
func (pc PidfileContents) IsInvalid() bool {
	return pc.Err != nil
}

// IsRunning returns true if the pidfile names a process that has not
// recorded an exit status.
func (pc PidfileContents) IsRunning() bool {
	return pc.Err == nil && pc.Process != nil && pc.ExitStatus == nil
}

func (pc PidfileContents) equal(other PidfileContents) bool {
	switch {
	case (pc.Err == nil) != (other.Err == nil):
		return false
	case pc.Err != nil:
		return pc.Err.Error() == other.Err.Error()
	case (pc.Process == nil) != (other.Process == nil):
		return false
	case pc.Process != nil && *pc.Process != *other.Process:
		return false
	case (pc.ExitStatus == nil) != (other.ExitStatus == nil):
		return false
	case pc.ExitStatus != nil && *pc.ExitStatus != *other.ExitStatus:
		return false
	}
	return pc.NumTestsFailed == other.NumTestsFailed
}

// parsePidfile parses "pid\n" or "pid\nexitstatus\nfailedcount\n".
// Two lines means the writer was caught between lines; the exit
// status is ignored until the next read.
func parsePidfile(hostname, raw string) PidfileContents {
	var pc PidfileContents
	if raw == "" {
		return pc
	}
	lines := strings.Split(strings.TrimSuffix(raw, "\n"), "\n")
	if len(lines) > 3 {
		return PidfileContents{Err: fmt.Errorf("%w (%d lines): %q", ErrInvalidPidfile, len(lines), lines)}
	}
	var ints [3]int
	for i, line := range lines {
		n, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			return PidfileContents{Err: fmt.Errorf("%w: line %d: %q is not an integer", ErrInvalidPidfile, i+1, line)}
		}
		ints[i] = n
	}
	pc.Process = &Process{Hostname: hostname, Pid: ints[0]}
	if len(lines) == 3 {
		status := ints[1]
		pc.ExitStatus = &status
		pc.NumTestsFailed = ints[2]
	}
	return pc
}
