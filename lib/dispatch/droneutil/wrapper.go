// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droneutil

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// FailedCountEnv names the environment variable that tells a wrapped
// command where to write its count of failed tests.
const FailedCountEnv = "AUTOTEST_FAILED_COUNT_FILE"

// RunWrapped runs argv, and maintains pidfile on its behalf: first
// the supervisor's pid, then (when argv exits) the pid, the raw wait
// status, and the number of failed tests reported by the command.
//
// The wait status is encoded the way wait(2) reports it: exit code
// in bits 8-15, terminating signal in the low bits.
func RunWrapped(pidfile string, argv []string, stdin io.Reader, stdout, stderr io.Writer) error {
	// Signals must be caught before the pid is published.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigs)

	pid := os.Getpid()
	err := writePidfile(pidfile, fmt.Sprintf("%d\n", pid))
	if err != nil {
		return err
	}
	failedFile := pidfile + ".failed_count"
	os.Remove(failedFile)

	status := 127 << 8
	if len(argv) > 0 {
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Stdin, cmd.Stdout, cmd.Stderr = stdin, stdout, stderr
		cmd.Env = append(os.Environ(), FailedCountEnv+"="+failedFile)
		if err := cmd.Start(); err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		} else {
			waited := make(chan struct{})
			go func() {
				for {
					select {
					case sig := <-sigs:
						cmd.Process.Signal(sig)
					case <-waited:
						return
					}
				}
			}()
			cmd.Wait()
			close(waited)
			if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
				status = int(ws)
			} else {
				status = cmd.ProcessState.ExitCode() << 8
			}
		}
	}
	return writePidfile(pidfile, fmt.Sprintf("%d\n%d\n%d\n", pid, status, readFailedCount(failedFile)))
}

func readFailedCount(path string) int {
	buf, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(buf)))
	if err != nil {
		return 0
	}
	return n
}

// writePidfile replaces the pidfile atomically, so a reader never
// sees a partial write.
func writePidfile(path, contents string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	_, err = tmp.WriteString(contents)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), 0644)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		os.Remove(tmp.Name())
	}
	return err
}
