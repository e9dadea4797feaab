// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package droneutil

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/autotest/autotest-sub010/lib/dispatch/executor"
)

// copyFileOrDirectory copies Source to Destination on this machine.
// If Source ends with "/", the directory's contents are copied into
// Destination, which must exist; otherwise Source itself is copied.
func (u *Utility) copyFileOrDirectory(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args CopyArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return nil, copyLocal(ctx, args.Source, args.Destination)
}

func copyLocal(ctx context.Context, src, dst string) error {
	if strings.TrimRight(src, "/") == strings.TrimRight(dst, "/") {
		return nil
	}
	if err := ensureDirectoryExists(filepath.Dir(strings.TrimRight(dst, "/"))); err != nil {
		return err
	}
	if strings.HasSuffix(src, "/") {
		if fi, err := os.Stat(dst); err != nil {
			return err
		} else if !fi.IsDir() {
			return fmt.Errorf("%s is not a directory", dst)
		}
		ents, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, ent := range ents {
			err = copyLocal(ctx, filepath.Join(src, ent.Name()), filepath.Join(dst, ent.Name()))
			if err != nil {
				return err
			}
		}
		return nil
	}
	return (&executor.LocalHost{}).CopyTo(ctx, src, dst)
}

func (u *Utility) transfer(ctx context.Context, call Call) Result {
	var args TransferArgs
	if err := decodeArgs(call.Args, &args); err != nil {
		return errorResult(err)
	}
	if u.Hosts == nil {
		return errorResult(fmt.Errorf("%s: no remote host access configured", call.Method))
	}
	host, err := u.Hosts(args.Hostname)
	if err != nil {
		return errorResult(err)
	}
	if call.Method == MethodGetFileFrom {
		err = ensureDirectoryExists(filepath.Dir(args.Destination))
		if err == nil {
			err = host.CopyFrom(ctx, args.Source, args.Destination)
		}
		return toResult(nil, err)
	}
	_, err = host.Run(ctx, "mkdir -p "+executor.ShellEscape(path.Dir(args.Destination)), executor.RunOptions{})
	if err == nil {
		err = host.CopyTo(ctx, args.Source, args.Destination)
	}
	if err == nil {
		return Result{}
	}
	if !args.CanFail {
		return errorResult(err)
	}
	u.logger().WithError(err).WithField("Host", args.Hostname).Warn("transfer failed, leaving marker")
	return toResult(nil, markTransferFailed(ctx, args, err))
}

// markTransferFailed leaves evidence of a failed transfer next to
// the results, so they can be found and resent by hand.
func markTransferFailed(ctx context.Context, args TransferArgs, xferErr error) error {
	fi, err := os.Stat(args.Source)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		msg := fmt.Sprintf("%s:%s\n%s\n%s\n", args.Hostname, args.Destination, time.Now().Format(time.RFC3339), xferErr)
		return os.WriteFile(filepath.Join(args.Source, TransferFailedFile), []byte(msg), 0644)
	}
	return copyLocal(ctx, args.Source, args.Destination+TransferFailedFile)
}
