// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest provides tools for testing command line tools.
package cmdtest

import (
	"io"
	"os"

	check "gopkg.in/check.v1"
)

// LeakCheck redirects os.Stdout and os.Stderr to temp files, and
// returns a func (to be deferred by the caller) that restores them
// and fails the test if anything was written there. A RunFunc should
// only write to the stdout and stderr it was given.
//
//	func (s *Suite) TestSomething(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		...
//	}
func LeakCheck(c *check.C) func() {
	orig := map[string]**os.File{"stdout": &os.Stdout, "stderr": &os.Stderr}
	saved := map[string]*os.File{}
	tmp := map[string]*os.File{}
	for name, f := range orig {
		tf, err := os.CreateTemp(c.MkDir(), name)
		c.Assert(err, check.IsNil)
		saved[name], tmp[name] = *f, tf
		*f = tf
	}
	return func() {
		for name, f := range orig {
			*f = saved[name]
			tf := tmp[name]
			_, err := tf.Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(tf)
			c.Assert(err, check.IsNil)
			tf.Close()
			c.Check(string(leaked), check.Equals, "", check.Commentf("output leaked to os.%s", name))
		}
	}
}
