// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droneutil

import (
	"encoding/json"
	"fmt"
)

// Method names accepted in a Call.
const (
	MethodInitialize    = "initialize"
	MethodRefresh       = "refresh"
	MethodKillProcess   = "kill_process"
	MethodExecute       = "execute_command"
	MethodWriteToFile   = "write_to_file"
	MethodCopy          = "copy_file_or_directory"
	MethodSendFileTo    = "send_file_to"
	MethodGetFileFrom   = "get_file_from"
	MethodReadFile      = "read_file"
	MethodRemoveFile    = "remove_file"
	MethodProcessStatus = "process_status"
)

// A Call is one operation in a batch sent to a drone.
type Call struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// NewCall returns a Call with args encoded as JSON.
func NewCall(method string, args interface{}) Call {
	buf, err := json.Marshal(args)
	if err != nil {
		// Only reachable with unencodable arg types, which
		// is a programming error.
		panic(fmt.Sprintf("encoding %s args: %s", method, err))
	}
	return Call{Method: method, Args: buf}
}

// String returns a short description suitable for logs.
func (call Call) String() string {
	return call.Method + string(call.Args)
}

// Response is the reply to a batch of calls. Results[i] is the
// outcome of the i'th call.
type Response struct {
	Results  []Result `json:"results"`
	Warnings []string `json:"warnings,omitempty"`
}

// Result is the outcome of one call: either a value or an error.
type Result struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error *ErrorEnvelope  `json:"error,omitempty"`
}

// Decode unmarshals the result value into dst, or returns the
// call's error.
func (r Result) Decode(dst interface{}) error {
	if r.Error != nil {
		return r.Error
	}
	if dst == nil || len(r.Value) == 0 {
		return nil
	}
	return json.Unmarshal(r.Value, dst)
}

// ErrorEnvelope carries an error across the drone channel.
type ErrorEnvelope struct {
	// "NonZeroExit", "Timeout", "Unreachable" for errors from
	// running commands on other hosts; "Error" otherwise.
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (e *ErrorEnvelope) Error() string {
	if e.Kind == "" || e.Kind == "Error" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

type InitializeArgs struct {
	ResultsDir string
}

type RefreshArgs struct {
	PidfilePaths []string
}

// RefreshResult reports the drone's pidfiles and wrapped processes.
// PidfilesSecondRead is read after the process table, so a process
// that is missing from Processes but wrote its exit status in the
// meantime is not mistaken for a lost process.
type RefreshResult struct {
	Pidfiles           map[string]string
	Processes          []ProcessInfo
	PidfilesSecondRead map[string]string
}

// ProcessInfo describes one process started by execute_command.
type ProcessInfo struct {
	Pid  int
	Pgid int
	Ppid int
	Comm string
	Args string
}

type KillProcessArgs struct {
	Pid int
}

type ProcessStatusArgs struct {
	Pid int
}

type ExecuteArgs struct {
	Command          []string
	WorkingDirectory string
	LogFile          string
	PidfileName      string
}

type WriteToFileArgs struct {
	Path     string
	Contents string
}

type CopyArgs struct {
	Source      string
	Destination string
}

type TransferArgs struct {
	Hostname    string
	Source      string
	Destination string
	CanFail     bool
}

type PathArgs struct {
	Path string
}
