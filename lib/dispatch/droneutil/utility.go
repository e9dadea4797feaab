// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package droneutil executes batches of calls on a drone: starting
// and killing wrapped processes, reading their pidfiles, and moving
// result files around.
//
// The scheduler's own machine runs a Utility in process; remote
// drones run the "drone-utility" subcommand, which reads a JSON
// batch on stdin and writes a JSON Response on stdout.
package droneutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/autotest/autotest-sub010/lib/dispatch/executor"
	"github.com/sirupsen/logrus"
)

const (
	// TemporaryDirectory is the directory under the results
	// directory that initialize empties.
	TemporaryDirectory = "drone_tmp"
	// TransferFailedFile marks results that could not be sent to
	// the results repository.
	TransferFailedFile = ".transfer_failed"

	defaultWarningDuration = 60 * time.Second
	defaultMaxTransfers    = 5
)

// Utility executes calls on the local machine.
type Utility struct {
	// Argv prefix of the process supervisor. The pidfile path,
	// "--", and the command are appended. Default is this
	// executable's "drone-utility run-wrapped".
	RunWrapped []string
	// Returns running supervisor processes. Default runs ps(1).
	ListProcesses func() ([]ProcessInfo, error)
	// Returns a Host for send_file_to and get_file_from.
	Hosts func(hostname string) (executor.Host, error)
	// Batches slower than this produce a warning.
	WarningDuration time.Duration
	// Concurrent file transfers.
	MaxTransfers int
	Logger       logrus.FieldLogger

	mtx      sync.Mutex
	warnings []string
}

func (u *Utility) logger() logrus.FieldLogger {
	if u.Logger == nil {
		return logrus.StandardLogger()
	}
	return u.Logger
}

func (u *Utility) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	u.logger().Warn(msg)
	u.mtx.Lock()
	defer u.mtx.Unlock()
	u.warnings = append(u.warnings, msg)
}

type method func(ctx context.Context, args json.RawMessage) (interface{}, error)

func (u *Utility) methods() map[string]method {
	return map[string]method{
		MethodInitialize:    u.initialize,
		MethodRefresh:       u.refresh,
		MethodKillProcess:   u.killProcess,
		MethodProcessStatus: u.processStatus,
		MethodExecute:       u.executeCommand,
		MethodWriteToFile:   u.writeToFile,
		MethodCopy:          u.copyFileOrDirectory,
		MethodReadFile:      u.readFile,
		MethodRemoveFile:    u.removeFile,
	}
}

// ExecuteCalls executes the given calls in order and returns their
// results in the same order. A failed call does not prevent later
// calls from running.
//
// File transfers (send_file_to, get_file_from) run concurrently, up
// to MaxTransfers at a time. ExecuteCalls waits for all of them to
// finish before returning.
func (u *Utility) ExecuteCalls(ctx context.Context, calls []Call) *Response {
	t0 := time.Now()
	resp := &Response{Results: make([]Result, len(calls))}
	methods := u.methods()
	maxTransfers := u.MaxTransfers
	if maxTransfers < 1 {
		maxTransfers = defaultMaxTransfers
	}
	transferSlots := make(chan bool, maxTransfers)
	var transfers sync.WaitGroup
	for i, call := range calls {
		switch call.Method {
		case MethodSendFileTo, MethodGetFileFrom:
			transferSlots <- true
			transfers.Add(1)
			go func(i int, call Call) {
				defer transfers.Done()
				defer func() { <-transferSlots }()
				resp.Results[i] = u.transfer(ctx, call)
			}(i, call)
			continue
		}
		m, ok := methods[call.Method]
		if !ok {
			resp.Results[i] = errorResult(fmt.Errorf("unknown method %q", call.Method))
			continue
		}
		resp.Results[i] = toResult(m(ctx, call.Args))
	}
	transfers.Wait()

	if d, limit := time.Since(t0), u.warningDuration(); d > limit {
		u.reportLongExecution(calls, d)
	}
	u.mtx.Lock()
	resp.Warnings, u.warnings = u.warnings, nil
	u.mtx.Unlock()
	return resp
}

func (u *Utility) warningDuration() time.Duration {
	if u.WarningDuration > 0 {
		return u.WarningDuration
	}
	return defaultWarningDuration
}

func (u *Utility) reportLongExecution(calls []Call, d time.Duration) {
	count := map[string]int{}
	for _, call := range calls {
		count[call.Method]++
	}
	var lines []string
	for method, n := range count {
		lines = append(lines, fmt.Sprintf("%d %s", n, method))
	}
	sort.Strings(lines)
	u.warn("Execution took %s\n%s", d, strings.Join(lines, "\n"))
}

func toResult(v interface{}, err error) Result {
	if err != nil {
		return errorResult(err)
	}
	if v == nil {
		return Result{}
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return errorResult(err)
	}
	return Result{Value: buf}
}

func errorResult(err error) Result {
	env := &ErrorEnvelope{Kind: "Error", Message: err.Error()}
	var xerr *executor.Error
	if errors.As(err, &xerr) {
		env.Kind = xerr.Kind.String()
		if xerr.Result != nil {
			env.Payload, _ = json.Marshal(struct {
				ExitStatus int
				Stderr     string
			}{xerr.Result.ExitStatus, string(xerr.Result.Stderr)})
		}
	}
	return Result{Error: env}
}

func decodeArgs(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return errors.New("missing args")
	}
	err := json.Unmarshal(raw, dst)
	if err != nil {
		return fmt.Errorf("decoding args: %w", err)
	}
	return nil
}

func (u *Utility) initialize(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args InitializeArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	tmp := filepath.Join(args.ResultsDir, TemporaryDirectory)
	if err := os.RemoveAll(tmp); err != nil {
		return nil, err
	}
	return nil, ensureDirectoryExists(tmp)
}

func (u *Utility) readPidfiles(paths []string) map[string]string {
	pidfiles := map[string]string{}
	for _, path := range paths {
		buf, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		pidfiles[path] = string(buf)
	}
	return pidfiles
}

func (u *Utility) refresh(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args RefreshArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	list := u.ListProcesses
	if list == nil {
		list = listWrappedProcesses
	}
	res := RefreshResult{Pidfiles: u.readPidfiles(args.PidfilePaths)}
	procs, err := list()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	res.Processes = procs
	res.PidfilesSecondRead = u.readPidfiles(args.PidfilePaths)
	return res, nil
}

func (u *Utility) writeToFile(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args WriteToFileArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := ensureDirectoryExists(filepath.Dir(args.Path)); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(args.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err == nil {
		_, err = f.WriteString(args.Contents)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		// Reported as a warning, not a failed call.
		u.warn("Error writing to file %s: %s", args.Path, err)
	}
	return nil, nil
}

func (u *Utility) readFile(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args PathArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	buf, err := os.ReadFile(args.Path)
	if err != nil {
		return nil, err
	}
	return string(buf), nil
}

func (u *Utility) removeFile(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args PathArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return nil, os.RemoveAll(args.Path)
}

func ensureDirectoryExists(path string) error {
	fi, err := os.Stat(path)
	if err == nil && !fi.IsDir() {
		return fmt.Errorf("path %s exists as a file, not a directory", path)
	} else if err == nil {
		return nil
	}
	return os.MkdirAll(path, 0755)
}
