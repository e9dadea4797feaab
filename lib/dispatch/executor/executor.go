// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package executor runs commands and copies files on lab machines:
// the scheduler host itself, hosts reached over SSH, and guests
// reached through a hypervisor.
//
// Every failure is reported as an *Error whose Kind tells callers
// whether the command ran and failed, ran out of time, or could not
// be started at all. Unreachable hosts need repair; timeouts alone
// do not.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Kind classifies an Error.
type Kind int

const (
	NonZeroExit Kind = iota + 1
	Timeout
	Unreachable
)

var kindString = map[Kind]string{
	NonZeroExit: "NonZeroExit",
	Timeout:     "Timeout",
	Unreachable: "Unreachable",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	return kindString[k]
}

// MarshalText implements encoding.TextMarshaler so a JSON-encoded
// map[Kind]anything uses the kind's string as the key.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(kindString[k]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	for kk, s := range kindString {
		if s == string(text) {
			*k = kk
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", text)
}

// Error is returned by Host methods.
type Error struct {
	Kind    Kind
	Host    string
	Command string
	// Result is the outcome of a command that ran (NonZeroExit),
	// or whatever output was captured before a Timeout.
	Result *Result
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case NonZeroExit:
		msg := fmt.Sprintf("command %q on %s exited %d", e.Command, e.Host, e.Result.ExitStatus)
		if tail := lastLine(e.Result.Stderr); tail != "" {
			msg += ": " + tail
		}
		return msg
	case Timeout:
		return fmt.Sprintf("command %q on %s timed out: %s", e.Command, e.Host, e.Err)
	default:
		return fmt.Sprintf("%s unreachable: %s", e.Host, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func lastLine(buf []byte) string {
	lines := strings.Split(strings.TrimSpace(string(buf)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func kindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsTimeout returns true if err is an Error with Kind Timeout.
func IsTimeout(err error) bool { return kindOf(err) == Timeout }

// IsUnreachable returns true if err is an Error with Kind
// Unreachable.
func IsUnreachable(err error) bool { return kindOf(err) == Unreachable }

// IsNonZeroExit returns true if err is an Error with Kind
// NonZeroExit.
func IsNonZeroExit(err error) bool { return kindOf(err) == NonZeroExit }

// Result is the outcome of a command that ran to completion.
type Result struct {
	Command    string
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
	Duration   time.Duration
}

// RunOptions modify the behavior of Host.Run.
type RunOptions struct {
	// Zero means no timeout other than ctx's deadline.
	Timeout time.Duration
	// Return a nil error for a nonzero exit status.
	IgnoreStatus bool
	Stdin        io.Reader
	// If non-nil, stdout is written here instead of being
	// captured in Result.Stdout.
	Stdout io.Writer
	Env    map[string]string
}

// Host is a machine that can run commands and exchange files.
type Host interface {
	// Hostname returns the name used in logs and errors.
	Hostname() string
	// Run runs a shell command.
	Run(ctx context.Context, cmd string, opts RunOptions) (*Result, error)
	// IsReachable returns true if a trivial command succeeds.
	IsReachable(ctx context.Context) bool
	// CopyTo copies a local file or directory to remotePath on the
	// host, replacing anything already there with the same name.
	CopyTo(ctx context.Context, localPath, remotePath string) error
	// CopyFrom copies remotePath on the host to localPath.
	CopyFrom(ctx context.Context, remotePath, localPath string) error
	// Close releases any open connections.
	Close() error
}

var reachableTimeout = 20 * time.Second

func isReachable(ctx context.Context, h Host) bool {
	_, err := h.Run(ctx, "true", RunOptions{Timeout: reachableTimeout})
	return err == nil
}

// finish converts the outcome of a command into a Result and Error
// according to opts.
func finish(host, cmd string, t0 time.Time, exitStatus int, stdout, stderr *bytes.Buffer, opts RunOptions) (*Result, error) {
	res := &Result{
		Command:    cmd,
		ExitStatus: exitStatus,
		Stderr:     stderr.Bytes(),
		Duration:   time.Since(t0),
	}
	if stdout != nil {
		res.Stdout = stdout.Bytes()
	}
	if exitStatus != 0 && !opts.IgnoreStatus {
		return res, &Error{Kind: NonZeroExit, Host: host, Command: cmd, Result: res}
	}
	return res, nil
}

// ShellEscape quotes s for use as a single word in a POSIX shell
// command.
func ShellEscape(s string) string {
	return "'" + strings.Replace(s, "'", "'\\''", -1) + "'"
}

// ShellJoin quotes each element of argv and joins them with spaces.
func ShellJoin(argv []string) string {
	words := make([]string, len(argv))
	for i, arg := range argv {
		words[i] = ShellEscape(arg)
	}
	return strings.Join(words, " ")
}
