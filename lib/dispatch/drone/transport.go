// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package drone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/autotest/autotest-sub010/lib/dispatch/droneutil"
	"github.com/autotest/autotest-sub010/lib/dispatch/executor"
)

// A Transport delivers a batch of calls to a drone utility and
// returns its response.
type Transport interface {
	Execute(ctx context.Context, calls []droneutil.Call) (*droneutil.Response, error)
	Close() error
}

// LocalTransport runs calls in this process.
type LocalTransport struct {
	Utility *droneutil.Utility
}

func (lt *LocalTransport) Execute(ctx context.Context, calls []droneutil.Call) (*droneutil.Response, error) {
	return lt.Utility.ExecuteCalls(ctx, calls), nil
}

func (lt *LocalTransport) Close() error {
	return nil
}

// RemoteTransport runs the drone utility program on Host, sending
// the batch on its stdin.
type RemoteTransport struct {
	Host    executor.Host
	Command []string
	Timeout time.Duration
}

func (rt *RemoteTransport) Execute(ctx context.Context, calls []droneutil.Call) (*droneutil.Response, error) {
	buf, err := json.Marshal(calls)
	if err != nil {
		return nil, err
	}
	res, err := rt.Host.Run(ctx, executor.ShellJoin(rt.Command), executor.RunOptions{
		Stdin:   bytes.NewReader(buf),
		Timeout: rt.Timeout,
	})
	if err != nil {
		return nil, err
	}
	var resp droneutil.Response
	err = json.Unmarshal(res.Stdout, &resp)
	if err != nil {
		return nil, fmt.Errorf("invalid response from drone utility on %s: %w (stdout %q, stderr %q)", rt.Host.Hostname(), err, truncate(res.Stdout), truncate(res.Stderr))
	}
	if len(resp.Results) != len(calls) {
		return nil, fmt.Errorf("drone utility on %s returned %d results for %d calls", rt.Host.Hostname(), len(resp.Results), len(calls))
	}
	return &resp, nil
}

func (rt *RemoteTransport) Close() error {
	return rt.Host.Close()
}

func truncate(buf []byte) []byte {
	if len(buf) > 512 {
		return append(buf[:512:512], "..."...)
	}
	return buf
}
