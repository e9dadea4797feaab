// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droneutil

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// WrapperMarker appears in the argv of every supervisor process, and
// identifies processes started by execute_command in the process
// table.
const WrapperMarker = "run-wrapped"

var logSeparator = strings.Repeat("*", 80) + "\n"

func (u *Utility) wrapperArgv() ([]string, error) {
	if len(u.RunWrapped) > 0 {
		return u.RunWrapped, nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return []string{self, "drone-utility", WrapperMarker}, nil
}

func (u *Utility) executeCommand(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args ExecuteArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if len(args.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	var out *os.File
	if args.LogFile != "" {
		err := ensureDirectoryExists(filepath.Dir(args.LogFile))
		if err == nil {
			out, err = os.OpenFile(args.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		}
		if err != nil {
			u.warn("Error opening log file %s: %s", args.LogFile, err)
		} else {
			fmt.Fprintf(out, "\n%s%s> %s\n%s", logSeparator, time.Now().Format("15:04:05 01/02/06"), strings.Join(args.Command, " "), logSeparator)
		}
	}
	if out == nil {
		var err error
		out, err = os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, err
		}
	}
	defer out.Close()

	if err := ensureDirectoryExists(args.WorkingDirectory); err != nil {
		return nil, err
	}
	pidfile := filepath.Join(args.WorkingDirectory, args.PidfileName)
	if _, err := os.Stat(pidfile); err == nil {
		u.warn("Pidfile %s already exists", pidfile)
		os.Remove(pidfile)
	}

	wrapper, err := u.wrapperArgv()
	if err != nil {
		return nil, err
	}
	argv := append(append(append([]string(nil), wrapper...), pidfile, "--"), args.Command...)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = args.WorkingDirectory
	cmd.Stdout = out
	cmd.Stderr = out
	// Detach from our session, so the process survives us and
	// can be killed as a group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	err = cmd.Start()
	if err != nil {
		return nil, err
	}
	// Reap when done, in case we outlive it (which is always
	// true on the scheduler host).
	go cmd.Wait()
	u.logger().WithField("Pid", cmd.Process.Pid).Debugf("started %q", argv)
	return cmd.Process.Pid, nil
}

func processRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

func (u *Utility) killProcess(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args KillProcessArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if !processRunning(args.Pid) {
		return false, nil
	}
	// Wake it up if stopped, then ask it to exit. Signal the
	// process group so the wrapped command gets the signal too.
	for _, sig := range []unix.Signal{unix.SIGCONT, unix.SIGTERM} {
		err := unix.Kill(-args.Pid, sig)
		if err == unix.ESRCH {
			// Not a group leader.
			err = unix.Kill(args.Pid, sig)
		}
		if err != nil && err != unix.ESRCH {
			return nil, err
		}
	}
	return true, nil
}

func (u *Utility) processStatus(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args ProcessStatusArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return processRunning(args.Pid), nil
}

// listWrappedProcesses returns the supervisor processes in the
// process table. Only group leaders are returned, so the commands
// they run (and their children) are not counted separately.
func listWrappedProcesses() ([]ProcessInfo, error) {
	out, err := exec.Command("ps", "x", "-o", "pid=,pgid=,ppid=,comm=,args=").Output()
	if err != nil {
		return nil, err
	}
	return parsePS(out), nil
}

func parsePS(out []byte) []ProcessInfo {
	var procs []ProcessInfo
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(nil, 1<<20)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		var ints [3]int
		ok := true
		for i := range ints {
			n, err := strconv.Atoi(fields[i])
			if err != nil {
				ok = false
				break
			}
			ints[i] = n
		}
		if !ok {
			continue
		}
		args := strings.Join(fields[4:], " ")
		if !isWrapper(fields[4:]) || ints[0] != ints[1] {
			continue
		}
		procs = append(procs, ProcessInfo{
			Pid:  ints[0],
			Pgid: ints[1],
			Ppid: ints[2],
			Comm: fields[3],
			Args: args,
		})
	}
	return procs
}

// isWrapper returns true if argv is a supervisor command line: the
// marker appears before the "--" that starts the wrapped command.
func isWrapper(argv []string) bool {
	for _, arg := range argv {
		if arg == "--" {
			return false
		}
		if arg == WrapperMarker || strings.HasSuffix(arg, "/"+WrapperMarker) || strings.HasPrefix(filepath.Base(arg), WrapperMarker+".") {
			return true
		}
	}
	return false
}
