// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"strings"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&CmdSuite{})

type CmdSuite struct{}

var testCmd = Multi(map[string]RunFunc{
	"echo": func(prog string, args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
		fmt.Fprintln(stdout, strings.Join(args, " "))
		return 0
	},
	"version":   Version,
	"--version": Version,
})

func (s *CmdSuite) TestHello(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd("prog", []string{"echo", "hello", "world"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "hello world\n")
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CmdSuite) TestUnknownSubcommand(c *check.C) {
	stderr := bytes.NewBuffer(nil)
	exited := testCmd("prog", []string{"nope"}, bytes.NewReader(nil), io.Discard, stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms)unrecognized command "nope".*echo\n.*version\n`)
	c.Check(stderr.String(), check.Not(check.Matches), `(?ms).*--version.*`)
}

func (s *CmdSuite) TestVersion(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	exited := testCmd("/usr/bin/autotest-scheduler", []string{"version"}, bytes.NewReader(nil), stdout, io.Discard)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `autotest-scheduler dev \(go.*\)\n`)
}

func (s *CmdSuite) TestParseFlags(c *check.C) {
	var flags flag.FlagSet
	loud := flags.Bool("loud", false, "be loud")
	stderr := bytes.NewBuffer(nil)
	ok, code := ParseFlags(&flags, "prog", []string{"-loud"}, "", stderr)
	c.Check(ok, check.Equals, true)
	c.Check(code, check.Equals, 0)
	c.Check(*loud, check.Equals, true)

	ok, code = ParseFlags(&flags, "prog", []string{"extra"}, "", stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 2)

	stderr.Reset()
	ok, code = ParseFlags(&flags, "prog", []string{"-help"}, "", stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Matches, `(?ms)Usage: prog .*-loud.*`)
}
