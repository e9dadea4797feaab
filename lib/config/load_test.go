// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/autotest/autotest-sub010/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&LoadSuite{})

type LoadSuite struct{}

func (s *LoadSuite) TestEmpty(c *check.C) {
	cfg, err := Load(&bytes.Buffer{}, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	c.Check(cfg.Scheduler.TickPause, check.Equals, Duration(5*time.Second))
	c.Check(cfg.Scheduler.SyncWaitPolicy, check.Equals, SyncWaitAbort)
	c.Check(cfg.Scheduler.MetahostSchedulers, check.DeepEquals, []string{"label"})
	c.Check(cfg.Scheduler.HostProbeInterval, check.Equals, Duration(2*time.Minute))
	c.Check(cfg.Scheduler.HostUnreachableGrace, check.Equals, Duration(10*time.Minute))
	c.Check(cfg.Database.Driver, check.Equals, "postgres")
	c.Assert(cfg.Drones, check.HasLen, 1)
	c.Check(cfg.Drones["localhost"].MaxProcesses, check.Equals, 20)
}

func (s *LoadSuite) TestDroneDefaults(c *check.C) {
	cfg, err := Load(bytes.NewBufferString(`
DroneDefaults:
  MaxProcesses: 7
  Users: [alice]
Drones:
  drone1:
    MaxProcesses: 3
  drone2:
    Disabled: true
  drone3:
    Users: [bob, carol]
`), ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	c.Check(cfg.Drones, check.HasLen, 3)
	c.Check(cfg.Drones["drone1"].MaxProcesses, check.Equals, 3)
	c.Check(cfg.Drones["drone1"].Users, check.DeepEquals, []string{"alice"})
	c.Check(cfg.Drones["drone2"].MaxProcesses, check.Equals, 7)
	c.Check(cfg.Drones["drone2"].Disabled, check.Equals, true)
	c.Check(cfg.Drones["drone3"].Users, check.DeepEquals, []string{"bob", "carol"})
}

func (s *LoadSuite) TestOverrideDefaults(c *check.C) {
	cfg, err := Load(bytes.NewBufferString(`
Scheduler:
  TickPause: 250ms
  SyncWaitPolicy: release
Database:
  Driver: sqlite
  Connection: "file::memory:"
`), nil)
	c.Assert(err, check.IsNil)
	c.Check(cfg.Scheduler.TickPause.Duration(), check.Equals, 250*time.Millisecond)
	c.Check(cfg.Scheduler.SyncWaitPolicy, check.Equals, SyncWaitRelease)
	c.Check(cfg.Scheduler.CleanInterval.Duration(), check.Equals, 5*time.Minute)
	c.Check(cfg.Database.Driver, check.Equals, "sqlite")
}

func (s *LoadSuite) TestInvalid(c *check.C) {
	for _, trial := range []struct {
		yaml string
		msg  string
	}{
		{"Scheduler: {TickPause: 0s}", `(?s).*TickPause must be positive.*`},
		{"Scheduler: {TickPause: 5}", `(?s).*duration must be given as a string.*`},
		{"Scheduler: {SyncWaitPolicy: wait}", `(?s).*SyncWaitPolicy "wait" must be.*`},
		{"Scheduler: {MetahostSchedulers: []}", `(?s).*MetahostSchedulers must not be empty.*`},
		{"Database: {Driver: mysql}", `(?s).*Database.Driver "mysql".*`},
		{"Commands: {Autoserv: \"\"}", `(?s).*Commands.Autoserv: empty command.*`},
		{"Drones: {d1: {MaxProcesses: -1}}", `(?s).*Drones.d1.MaxProcesses must be at least 1.*`},
		{"Drones: {d1: {Hypervisor: hv1}}", `(?s).*Drones.d1: Hypervisor requires CommandPrefix.*`},
	} {
		c.Logf("trial %q", trial.yaml)
		_, err := Load(bytes.NewBufferString(trial.yaml), nil)
		c.Check(err, check.ErrorMatches, trial.msg)
	}
}

func (s *LoadSuite) TestCommandArgv(c *check.C) {
	cc := CommandsConfig{
		Autoserv:     `/usr/local/autotest/server/autoserv --ssh-port "2222"`,
		Parser:       "tko-parse",
		DroneUtility: "ssh-wrapper 'drone utility'",
	}
	argv, err := cc.AutoservArgv()
	c.Check(err, check.IsNil)
	c.Check(argv, check.DeepEquals, []string{"/usr/local/autotest/server/autoserv", "--ssh-port", "2222"})
	argv, err = cc.DroneUtilityArgv()
	c.Check(err, check.IsNil)
	c.Check(argv, check.DeepEquals, []string{"ssh-wrapper", "drone utility"})
	argv, err = cc.RunWrappedArgv()
	c.Check(err, check.IsNil)
	c.Check(argv, check.IsNil)
}

func (s *LoadSuite) TestWatch(c *check.C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "scheduler.yml")
	c.Assert(os.WriteFile(path, []byte("Scheduler: {TickPause: 1s}\n"), 0644), check.IsNil)

	ctx, cancel := context.WithCancel(ctxlog.Context(context.Background(), ctxlog.TestLogger(c)))
	defer cancel()
	updates := make(chan *Config, 10)
	done := make(chan error)
	go func() {
		done <- Watch(ctx, path, func(cfg *Config) { updates <- cfg })
	}()

	// Give the watcher a moment to start, then replace the file
	// by rename.
	time.Sleep(100 * time.Millisecond)
	tmp := path + ".tmp"
	c.Assert(os.WriteFile(filepath.Join(dir, "unrelated.yml"), []byte("x"), 0644), check.IsNil)
	c.Assert(os.WriteFile(tmp, []byte("Scheduler: {TickPause: 2s}\n"), 0644), check.IsNil)
	c.Assert(os.Rename(tmp, path), check.IsNil)

	select {
	case cfg := <-updates:
		c.Check(cfg.Scheduler.TickPause.Duration(), check.Equals, 2*time.Second)
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for reload")
	}
	cancel()
	c.Check(<-done, check.IsNil)
}

func (s *LoadSuite) TestLoadFileError(c *check.C) {
	path := filepath.Join(c.MkDir(), "bad.yml")
	c.Assert(os.WriteFile(path, []byte("Scheduler: {SyncWaitPolicy: later}"), 0644), check.IsNil)
	_, err := LoadFile(path, nil)
	c.Assert(err, check.NotNil)
	c.Check(strings.HasPrefix(err.Error(), path+": "), check.Equals, true)
}
