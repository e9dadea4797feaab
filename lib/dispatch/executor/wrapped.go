// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package executor

import (
	"context"
	"strings"
)

// WrappedHost is a virtualized guest whose commands are run through
// its hypervisor host: each command is passed as a single argument
// to Prefix (e.g., "virsh-exec guest1 --" or "lxc-attach -n guest1
// -- /bin/sh -c") on the hypervisor.
type WrappedHost struct {
	Name       string
	Hypervisor Host
	Prefix     string
}

func (wh *WrappedHost) Hostname() string {
	return wh.Name
}

func (wh *WrappedHost) wrap(cmd string) string {
	return strings.TrimSpace(wh.Prefix) + " " + ShellEscape(cmd)
}

func (wh *WrappedHost) Run(ctx context.Context, cmd string, opts RunOptions) (*Result, error) {
	res, err := wh.Hypervisor.Run(ctx, wh.wrap(cmd), opts)
	if res != nil {
		res.Command = cmd
	}
	if err, ok := err.(*Error); ok {
		err.Host = wh.Name
		err.Command = cmd
	}
	return res, err
}

func (wh *WrappedHost) IsReachable(ctx context.Context) bool {
	return isReachable(ctx, wh)
}

func (wh *WrappedHost) CopyTo(ctx context.Context, localPath, remotePath string) error {
	return copyTo(ctx, wh, localPath, remotePath)
}

func (wh *WrappedHost) CopyFrom(ctx context.Context, remotePath, localPath string) error {
	return copyFrom(ctx, wh, remotePath, localPath)
}

// Close does nothing. The hypervisor's connections belong to
// whoever created it.
func (wh *WrappedHost) Close() error {
	return nil
}
