// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/autotest/autotest-sub010/lib/cmd"
	"github.com/autotest/autotest-sub010/lib/dispatch"
	"github.com/autotest/autotest-sub010/lib/dispatch/droneutil"
)

var (
	handler = cmd.Multi(map[string]cmd.RunFunc{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"scheduler":     dispatch.Command,
		"drone-utility": droneutil.Command,
	})
)

func main() {
	os.Exit(handler(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
