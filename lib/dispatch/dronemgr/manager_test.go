// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dronemgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/autotest/autotest-sub010/lib/config"
	"github.com/autotest/autotest-sub010/lib/dispatch/drone"
	"github.com/autotest/autotest-sub010/lib/dispatch/droneutil"
	"github.com/autotest/autotest-sub010/lib/dispatch/executor"
	"github.com/autotest/autotest-sub010/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ManagerSuite{})

// fakeUtility answers drone calls from in-memory pidfiles and
// processes.
type fakeUtility struct {
	sync.Mutex
	hostname  string
	pidfiles  map[string]string
	processes map[int]droneutil.ProcessInfo
	batches   [][]droneutil.Call
	fail      error
	failCount int
	nextPid   int
}

func (fu *fakeUtility) Execute(ctx context.Context, calls []droneutil.Call) (*droneutil.Response, error) {
	fu.Lock()
	defer fu.Unlock()
	if fu.fail != nil {
		fu.failCount++
		return nil, fu.fail
	}
	fu.batches = append(fu.batches, calls)
	resp := &droneutil.Response{}
	for _, call := range calls {
		var value interface{}
		switch call.Method {
		case droneutil.MethodRefresh:
			var args droneutil.RefreshArgs
			json.Unmarshal(call.Args, &args)
			res := droneutil.RefreshResult{Pidfiles: map[string]string{}, PidfilesSecondRead: map[string]string{}}
			for _, path := range args.PidfilePaths {
				if raw, ok := fu.pidfiles[path]; ok {
					res.Pidfiles[path] = raw
					res.PidfilesSecondRead[path] = raw
				}
			}
			for _, pi := range fu.processes {
				res.Processes = append(res.Processes, pi)
			}
			value = res
		case droneutil.MethodExecute:
			var args droneutil.ExecuteArgs
			json.Unmarshal(call.Args, &args)
			fu.nextPid++
			pid := 1000 + fu.nextPid
			fu.pidfiles[filepath.Join(args.WorkingDirectory, args.PidfileName)] = fmt.Sprintf("%d\n", pid)
			fu.processes[pid] = droneutil.ProcessInfo{Pid: pid, Pgid: pid, Ppid: 1}
			value = pid
		case droneutil.MethodKillProcess:
			var args droneutil.KillProcessArgs
			json.Unmarshal(call.Args, &args)
			delete(fu.processes, args.Pid)
		}
		buf, _ := json.Marshal(value)
		resp.Results = append(resp.Results, droneutil.Result{Value: buf})
	}
	return resp, nil
}

func (fu *fakeUtility) Close() error { return nil }

// finish makes the process tracked by path exit.
func (fu *fakeUtility) finish(path string, status, failed int) {
	fu.Lock()
	defer fu.Unlock()
	var pid int
	fmt.Sscanf(fu.pidfiles[path], "%d", &pid)
	delete(fu.processes, pid)
	fu.pidfiles[path] = fmt.Sprintf("%d\n%d\n%d\n", pid, status, failed)
}

func (fu *fakeUtility) setFail(err error) {
	fu.Lock()
	defer fu.Unlock()
	fu.fail = err
	fu.failCount = 0
}

// methods returns the methods of all calls received, in order.
func (fu *fakeUtility) methods() []string {
	fu.Lock()
	defer fu.Unlock()
	var methods []string
	for _, batch := range fu.batches {
		for _, call := range batch {
			methods = append(methods, call.Method)
		}
	}
	return methods
}

// lastCall returns the most recent call received with the given
// method.
func (fu *fakeUtility) lastCall(c *check.C, method string, dst interface{}) {
	fu.Lock()
	defer fu.Unlock()
	for i := len(fu.batches) - 1; i >= 0; i-- {
		for j := len(fu.batches[i]) - 1; j >= 0; j-- {
			if call := fu.batches[i][j]; call.Method == method {
				c.Assert(json.Unmarshal(call.Args, dst), check.IsNil)
				return
			}
		}
	}
	c.Fatalf("no %s call received", method)
}

type ManagerSuite struct {
	cfg       *config.Config
	utilities map[string]*fakeUtility
	drones    map[string]*drone.Drone
}

func (s *ManagerSuite) SetUpTest(c *check.C) {
	cfg, err := config.Load(strings.NewReader(`
Scheduler:
  DroneCallRetries: 1
  MaxPidfileRefreshes: 2
Results:
  Host: localhost
  Dir: /results
  DroneDir: /drones
Drones:
  drone1:
    MaxProcesses: 2
  drone2:
    MaxProcesses: 5
  localhost:
    MaxProcesses: 1
    Disabled: true
`), nil)
	c.Assert(err, check.IsNil)
	s.cfg = cfg
	s.utilities = map[string]*fakeUtility{}
	s.drones = map[string]*drone.Drone{}
}

func (s *ManagerSuite) newManager(c *check.C) *Manager {
	m, err := New(s.cfg, Options{
		NewDrone: func(hostname string, dc config.DroneConfig) *drone.Drone {
			fu := &fakeUtility{
				hostname:  hostname,
				pidfiles:  map[string]string{},
				processes: map[int]droneutil.ProcessInfo{},
			}
			s.utilities[hostname] = fu
			d := drone.NewWithTransport(hostname, fu, dc, ctxlog.TestLogger(c))
			s.drones[hostname] = d
			return d
		},
		RetryInterval: 1,
		Registry:      prometheus.NewRegistry(),
		Logger:        ctxlog.TestLogger(c),
	})
	c.Assert(err, check.IsNil)
	return m
}

func (s *ManagerSuite) execute(c *check.C, m *Manager, dir string, n int) PidfileID {
	id, err := m.ExecuteCommand(ExecuteRequest{
		Command:          []string{"autotest-remote", "-r", WorkingDirectory},
		WorkingDirectory: dir,
		PidfileName:      AutoservPidfile,
		NumProcesses:     n,
	})
	c.Assert(err, check.IsNil)
	return id
}

func (s *ManagerSuite) TestNoDrones(c *check.C) {
	s.cfg.Drones = nil
	_, err := New(s.cfg, Options{NewDrone: func(string, config.DroneConfig) *drone.Drone { return nil }})
	c.Check(err, check.Equals, ErrNoDrones)
}

func (s *ManagerSuite) TestInitialize(c *check.C) {
	m := s.newManager(c)
	c.Check(m.Initialize(context.Background()), check.IsNil)
	var args droneutil.InitializeArgs
	s.utilities["drone2"].lastCall(c, droneutil.MethodInitialize, &args)
	c.Check(args.ResultsDir, check.Equals, "/drones")

	for _, fu := range s.utilities {
		fu.setFail(&executor.Error{Kind: executor.Unreachable, Host: fu.hostname, Err: errors.New("no route to host")})
	}
	c.Check(m.Initialize(context.Background()), check.Equals, ErrNoDrones)
	c.Check(m.ReinitializeDrones(context.Background()), check.ErrorMatches, `(?s)3 errors occurred.*no route to host.*`)
}

func (s *ManagerSuite) TestPlacementMostSpare(c *check.C) {
	m := s.newManager(c)
	s.drones["drone1"].SetActiveProcesses(1)
	id := s.execute(c, m, "1-user/host1", 1)
	c.Check(id, check.Equals, PidfileID("/drones/1-user/host1/.autoserv_execute"))
	c.Check(s.drones["drone2"].QueuedCalls(), check.Equals, 1)
	c.Check(s.drones["drone1"].QueuedCalls(), check.Equals, 0)
	c.Check(s.drones["drone2"].ActiveProcesses(), check.Equals, 1)

	c.Assert(m.ExecuteActions(context.Background()), check.IsNil)
	var args droneutil.ExecuteArgs
	s.utilities["drone2"].lastCall(c, droneutil.MethodExecute, &args)
	c.Check(args.Command, check.DeepEquals, []string{"autotest-remote", "-r", "/drones/1-user/host1"})
	c.Check(args.WorkingDirectory, check.Equals, "/drones/1-user/host1")
	c.Check(args.PidfileName, check.Equals, AutoservPidfile)
	c.Check(args.LogFile, check.Matches, `/drones/drone_tmp/execute\.[-0-9a-f]{36}`)
}

func (s *ManagerSuite) TestPlacementTieBreak(c *check.C) {
	s.cfg.Drones["drone2"] = config.DroneConfig{MaxProcesses: 2}
	m := s.newManager(c)
	s.execute(c, m, "1-user/host1", 1)
	c.Check(s.drones["drone1"].QueuedCalls(), check.Equals, 1)
	s.execute(c, m, "2-user/host1", 1)
	c.Check(s.drones["drone2"].QueuedCalls(), check.Equals, 1)
	s.execute(c, m, "3-user/host1", 1)
	c.Check(s.drones["drone1"].QueuedCalls(), check.Equals, 2)
}

func (s *ManagerSuite) TestCapacityExhausted(c *check.C) {
	m := s.newManager(c)
	c.Check(m.MaxRunnableProcesses("", nil), check.Equals, 5)
	s.execute(c, m, "1-user/host1", 4)
	c.Check(m.MaxRunnableProcesses("", nil), check.Equals, 2)
	s.execute(c, m, "2-user/host1", 2)
	s.execute(c, m, "3-user/host1", 1)
	c.Check(m.TotalRunningProcesses(), check.Equals, 7)
	c.Check(m.MaxRunnableProcesses("", nil), check.Equals, 0)
	_, err := m.ExecuteCommand(ExecuteRequest{Command: []string{"true"}, WorkingDirectory: "4-user/host1", PidfileName: AutoservPidfile, NumProcesses: 1})
	c.Check(errors.Is(err, ErrCapacityExhausted), check.Equals, true)
	for hostname, d := range s.drones {
		c.Check(d.ActiveProcesses() <= d.MaxProcesses(), check.Equals, true, check.Commentf("%s", hostname))
	}

	// A request larger than any drone's spare capacity is
	// refused even though some capacity is free.
	s.drones["drone2"].SetActiveProcesses(3)
	_, err = m.ExecuteCommand(ExecuteRequest{Command: []string{"true"}, WorkingDirectory: "5-user/host1", PidfileName: AutoservPidfile, NumProcesses: 3})
	c.Check(errors.Is(err, ErrCapacityExhausted), check.Equals, true)
}

func (s *ManagerSuite) TestPlacementFilters(c *check.C) {
	s.cfg.Drones["drone2"] = config.DroneConfig{MaxProcesses: 5, Users: []string{"alice"}}
	m := s.newManager(c)
	c.Check(m.MaxRunnableProcesses("bob", nil), check.Equals, 2)
	c.Check(m.MaxRunnableProcesses("alice", nil), check.Equals, 5)
	c.Check(m.MaxRunnableProcesses("alice", []string{"drone1"}), check.Equals, 2)
	c.Check(m.MaxRunnableProcesses("alice", []string{"localhost"}), check.Equals, 0)

	_, err := m.ExecuteCommand(ExecuteRequest{Command: []string{"true"}, WorkingDirectory: "1-bob/host1", PidfileName: AutoservPidfile, NumProcesses: 1, Username: "bob"})
	c.Check(err, check.IsNil)
	c.Check(s.drones["drone1"].QueuedCalls(), check.Equals, 1)

	// drone2 fails its refresh, so it is excluded.
	s.utilities["drone2"].setFail(&executor.Error{Kind: executor.Timeout, Host: "drone2", Err: context.DeadlineExceeded})
	c.Check(m.Refresh(context.Background()), check.NotNil)
	// drone1 still accounts for bob's pending launch.
	c.Check(m.MaxRunnableProcesses("alice", nil), check.Equals, 1)
	_, err = m.ExecuteCommand(ExecuteRequest{Command: []string{"true"}, WorkingDirectory: "2-alice/host1", PidfileName: AutoservPidfile, NumProcesses: 1, Username: "alice"})
	c.Check(err, check.IsNil)
	c.Check(s.drones["drone1"].QueuedCalls(), check.Equals, 2)
	c.Check(s.drones["drone2"].QueuedCalls(), check.Equals, 0)
}

func (s *ManagerSuite) TestRefreshRoundTrip(c *check.C) {
	ctx := context.Background()
	m := s.newManager(c)
	id := s.execute(c, m, "1-user/host1", 1)
	c.Check(m.GetPidfileContents(id, false), check.DeepEquals, PidfileContents{})
	c.Assert(m.ExecuteActions(ctx), check.IsNil)
	c.Assert(m.Refresh(ctx), check.IsNil)

	pc := m.GetPidfileContents(id, false)
	c.Assert(pc.Process, check.NotNil)
	c.Check(*pc.Process, check.Equals, Process{Hostname: "drone2", Pid: 1001})
	c.Check(pc.IsRunning(), check.Equals, true)
	c.Check(m.IsProcessRunning(*pc.Process), check.Equals, true)
	c.Check(s.drones["drone2"].ActiveProcesses(), check.Equals, 1)

	s.utilities["drone2"].finish(string(id), 256, 3)
	c.Assert(m.Refresh(ctx), check.IsNil)
	pc = m.GetPidfileContents(id, false)
	c.Assert(pc.ExitStatus, check.NotNil)
	c.Check(*pc.ExitStatus, check.Equals, 256)
	c.Check(pc.NumTestsFailed, check.Equals, 3)
	c.Check(pc.IsRunning(), check.Equals, false)
	c.Check(m.GetPidfileContents(id, true).equal(pc), check.Equals, true)
	c.Check(m.IsProcessRunning(Process{Hostname: "drone2", Pid: 1001}), check.Equals, false)
	c.Check(s.drones["drone2"].ActiveProcesses(), check.Equals, 0)

	// Refreshing again without changes gives the same state.
	before := map[PidfileID]PidfileContents{}
	for k, v := range m.pidfiles {
		before[k] = v
	}
	c.Assert(m.Refresh(ctx), check.IsNil)
	c.Check(m.pidfiles, check.HasLen, len(before))
	for k, v := range before {
		c.Check(m.pidfiles[k].equal(v), check.Equals, true)
	}
}

func (s *ManagerSuite) TestUnreachableDroneKeepsState(c *check.C) {
	ctx := context.Background()
	m := s.newManager(c)
	s.drones["drone1"].SetActiveProcesses(2)
	id1 := s.execute(c, m, "1-user/host1", 1)
	c.Check(s.drones["drone2"].QueuedCalls(), check.Equals, 1)
	s.drones["drone1"].SetActiveProcesses(0)
	s.drones["drone2"].SetActiveProcesses(5)
	id2 := s.execute(c, m, "2-user/host2", 1)
	c.Check(s.drones["drone1"].QueuedCalls(), check.Equals, 1)
	c.Assert(m.ExecuteActions(ctx), check.IsNil)
	c.Assert(m.Refresh(ctx), check.IsNil)
	c.Check(m.GetPidfileContents(id1, false).Process.Hostname, check.Equals, "drone2")
	c.Check(m.GetPidfileContents(id2, false).Process.Hostname, check.Equals, "drone1")

	s.utilities["drone1"].setFail(&executor.Error{Kind: executor.Timeout, Host: "drone1", Err: context.DeadlineExceeded})
	s.utilities["drone1"].finish(string(id2), 0, 0)
	s.utilities["drone2"].finish(string(id1), 0, 0)
	err := m.Refresh(ctx)
	c.Check(err, check.ErrorMatches, `(?s).*drone drone1: .*timed out.*`)
	// Refresh retries once.
	c.Check(s.utilities["drone1"].failCount, check.Equals, 2)

	c.Check(m.GetPidfileContents(id1, false).IsRunning(), check.Equals, false)
	pc2 := m.GetPidfileContents(id2, false)
	c.Check(pc2.IsRunning(), check.Equals, true)
	c.Check(m.IsProcessRunning(*pc2.Process), check.Equals, true)
	c.Check(s.drones["drone1"].ActiveProcesses(), check.Equals, 1)
	c.Check(s.drones["drone2"].ActiveProcesses(), check.Equals, 0)

	s.utilities["drone1"].setFail(nil)
	c.Assert(m.Refresh(ctx), check.IsNil)
	c.Check(m.GetPidfileContents(id2, false).IsRunning(), check.Equals, false)
	c.Check(s.drones["drone1"].ActiveProcesses(), check.Equals, 0)
}

func (s *ManagerSuite) TestLaunchCountedBeforePidfile(c *check.C) {
	ctx := context.Background()
	m := s.newManager(c)
	id := s.execute(c, m, "1-user/host1", 3)
	// The batch is lost, so no pidfile appears.
	s.drones["drone2"].ClearQueue()
	c.Assert(m.Refresh(ctx), check.IsNil)
	c.Check(s.drones["drone2"].ActiveProcesses(), check.Equals, 3)
	m.UnregisterPidfile(id)
	c.Assert(m.Refresh(ctx), check.IsNil)
	c.Check(s.drones["drone2"].ActiveProcesses(), check.Equals, 0)
}

func (s *ManagerSuite) TestDeclareProcessCount(c *check.C) {
	ctx := context.Background()
	m := s.newManager(c)
	id := m.PidfileIDFrom("1-user/host1", ParserPidfile)
	c.Check(id, check.Equals, PidfileID("/drones/1-user/host1/.parser_execute"))
	s.utilities["drone1"].pidfiles[string(id)] = "77\n"
	m.RegisterPidfile(id)
	c.Assert(m.Refresh(ctx), check.IsNil)
	c.Check(s.drones["drone1"].ActiveProcesses(), check.Equals, 0)
	m.DeclareProcessCount(id, 2)
	c.Assert(m.Refresh(ctx), check.IsNil)
	c.Check(s.drones["drone1"].ActiveProcesses(), check.Equals, 2)
	c.Check(m.TotalRunningProcesses(), check.Equals, 2)
}

func (s *ManagerSuite) TestDropOldPidfiles(c *check.C) {
	ctx := context.Background()
	m := s.newManager(c)
	leaked := m.PidfileIDFrom("1-user/host1", AutoservPidfile)
	watched := m.PidfileIDFrom("2-user/host1", AutoservPidfile)
	m.RegisterPidfile(leaked)
	m.RegisterPidfile(watched)
	for i := 0; i < 4; i++ {
		c.Assert(m.Refresh(ctx), check.IsNil)
		m.GetPidfileContents(watched, false)
	}
	c.Check(m.registered, check.HasLen, 1)
	_, ok := m.registered[watched]
	c.Check(ok, check.Equals, true)
}

func (s *ManagerSuite) TestInvalidPidfile(c *check.C) {
	m := s.newManager(c)
	id := m.PidfileIDFrom("1-user/host1", AutoservPidfile)
	s.utilities["drone1"].pidfiles[string(id)] = "garbage\n"
	m.RegisterPidfile(id)
	c.Assert(m.Refresh(context.Background()), check.IsNil)
	pc := m.GetPidfileContents(id, false)
	c.Check(pc.IsInvalid(), check.Equals, true)
	c.Check(pc.IsRunning(), check.Equals, false)
	c.Check(errors.Is(pc.Err, ErrInvalidPidfile), check.Equals, true)
}

func (s *ManagerSuite) TestKillProcess(c *check.C) {
	ctx := context.Background()
	m := s.newManager(c)
	id := s.execute(c, m, "1-user/host1", 1)
	c.Check(errors.Is(m.KillProcess(id), ErrNoProcess), check.Equals, true)
	c.Assert(m.ExecuteActions(ctx), check.IsNil)
	c.Assert(m.Refresh(ctx), check.IsNil)
	c.Check(m.KillProcess(id), check.IsNil)
	c.Assert(m.ExecuteActions(ctx), check.IsNil)
	var args droneutil.KillProcessArgs
	s.utilities["drone2"].lastCall(c, droneutil.MethodKillProcess, &args)
	c.Check(args.Pid, check.Equals, 1001)
	c.Assert(m.Refresh(ctx), check.IsNil)
	c.Check(m.IsProcessRunning(Process{Hostname: "drone2", Pid: 1001}), check.Equals, false)
	// Exit status not written yet, so the pidfile still says
	// running; only an authoritative read completes it.
	c.Check(m.GetPidfileContents(id, false).IsRunning(), check.Equals, true)
}

func (s *ManagerSuite) TestPairedWith(c *check.C) {
	ctx := context.Background()
	m := s.newManager(c)
	s.drones["drone2"].SetActiveProcesses(5)
	first := s.execute(c, m, "1-user/host1", 1)
	c.Check(s.drones["drone1"].QueuedCalls(), check.Equals, 1)
	s.drones["drone2"].SetActiveProcesses(0)

	// Paired before the first process has written its pid.
	_, err := m.ExecuteCommand(ExecuteRequest{Command: []string{"collect"}, WorkingDirectory: "1-user/host1", PidfileName: CrashinfoPidfile, PairedWith: first})
	c.Check(err, check.IsNil)
	c.Check(s.drones["drone1"].QueuedCalls(), check.Equals, 2)

	c.Assert(m.ExecuteActions(ctx), check.IsNil)
	c.Assert(m.Refresh(ctx), check.IsNil)
	_, err = m.ExecuteCommand(ExecuteRequest{Command: []string{"parse"}, WorkingDirectory: "1-user/host1", PidfileName: ParserPidfile, PairedWith: first})
	c.Check(err, check.IsNil)
	c.Check(s.drones["drone1"].QueuedCalls(), check.Equals, 1)

	_, err = m.ExecuteCommand(ExecuteRequest{Command: []string{"x"}, WorkingDirectory: "9", PidfileName: ParserPidfile, PairedWith: "/nonexistent"})
	c.Check(errors.Is(err, ErrNoProcess), check.Equals, true)
}

func (s *ManagerSuite) TestExecuteActionsFailure(c *check.C) {
	ctx := context.Background()
	m := s.newManager(c)
	first := s.execute(c, m, "1-user/host1", 1)
	fu := s.utilities["drone2"]

	// A timed-out batch may have run, so it is not retried.
	fu.setFail(&executor.Error{Kind: executor.Timeout, Host: "drone2", Err: context.DeadlineExceeded})
	c.Check(m.ExecuteActions(ctx), check.ErrorMatches, `(?s).*timed out.*`)
	c.Check(fu.failCount, check.Equals, 1)
	c.Check(s.drones["drone2"].QueuedCalls(), check.Equals, 0)
	// The launch may yet write its pidfile.
	c.Check(m.GetPidfileContents(first, false).Err, check.IsNil)
	c.Check(m.countActiveProcesses("drone2"), check.Equals, 1)

	s.execute(c, m, "2-user/host1", 1)
	fu.setFail(&executor.Error{Kind: executor.Unreachable, Host: "drone2", Err: errors.New("connection refused")})
	c.Check(m.ExecuteActions(ctx), check.ErrorMatches, `(?s).*unreachable.*`)
	c.Check(fu.failCount, check.Equals, 2)
	c.Check(s.drones["drone2"].QueuedCalls(), check.Equals, 0)
}

func (s *ManagerSuite) TestUndeliveredLaunch(c *check.C) {
	ctx := context.Background()
	m := s.newManager(c)
	_, err := m.AttachFileToExecution("1-user/host1", "platform=x\n", "1-user/host1/host_keyvals/host1")
	c.Assert(err, check.IsNil)
	id := s.execute(c, m, "1-user/host1", 2)
	c.Check(s.drones["drone2"].ActiveProcesses(), check.Equals, 2)
	fu := s.utilities["drone2"]
	fu.setFail(&executor.Error{Kind: executor.Unreachable, Host: "drone2", Err: errors.New("connection refused")})
	c.Check(m.ExecuteActions(ctx), check.ErrorMatches, `(?s).*unreachable.*`)
	c.Check(s.drones["drone2"].QueuedCalls(), check.Equals, 0)
	c.Check(s.drones["drone2"].ActiveProcesses(), check.Equals, 0)

	pc := m.GetPidfileContents(id, false)
	c.Check(pc.Process, check.IsNil)
	c.Check(errors.Is(pc.Err, ErrLaunchFailed), check.Equals, true)
	c.Check(m.countActiveProcesses("drone2"), check.Equals, 0)

	// Launching again clears the failure and writes the attached
	// file again.
	fu.setFail(nil)
	c.Check(s.execute(c, m, "1-user/host1", 2), check.Equals, id)
	c.Check(m.GetPidfileContents(id, false).Err, check.IsNil)
	c.Assert(m.ExecuteActions(ctx), check.IsNil)
	var write droneutil.WriteToFileArgs
	s.utilities["drone2"].lastCall(c, droneutil.MethodWriteToFile, &write)
	c.Check(write, check.DeepEquals, droneutil.WriteToFileArgs{Path: "/drones/1-user/host1/host_keyvals/host1", Contents: "platform=x\n"})
	c.Assert(m.Refresh(ctx), check.IsNil)
	pc = m.GetPidfileContents(id, false)
	c.Check(pc.Process, check.NotNil)
	c.Check(pc.IsRunning(), check.Equals, true)
}

func (s *ManagerSuite) TestUnreachableDroneKeepsUnwrittenPidfile(c *check.C) {
	ctx := context.Background()
	m := s.newManager(c)
	id := s.execute(c, m, "1-user/host1", 1)
	c.Assert(m.ExecuteActions(ctx), check.IsNil)
	fu := s.utilities["drone2"]
	fu.pidfiles[string(id)] = "garbage\n"
	c.Assert(m.Refresh(ctx), check.IsNil)
	c.Check(m.GetPidfileContents(id, false).IsInvalid(), check.Equals, true)

	fu.setFail(&executor.Error{Kind: executor.Unreachable, Host: "drone2", Err: errors.New("connection refused")})
	c.Check(m.Refresh(ctx), check.NotNil)
	pc := m.GetPidfileContents(id, false)
	c.Check(pc.IsInvalid(), check.Equals, true)
	c.Check(errors.Is(pc.Err, ErrInvalidPidfile), check.Equals, true)
	c.Check(pc.equal(m.GetPidfileContents(id, true)), check.Equals, true)
}

func (s *ManagerSuite) TestResultsTransfers(c *check.C) {
	m := s.newManager(c)
	remote := Process{Hostname: "drone1", Pid: 10}
	local := Process{Hostname: "localhost", Pid: 11}

	c.Check(m.CopyToResultsRepository(remote, "1-user/host1", ""), check.IsNil)
	var transfer droneutil.TransferArgs
	c.Assert(m.ExecuteActions(context.Background()), check.IsNil)
	s.utilities["localhost"].lastCall(c, droneutil.MethodGetFileFrom, &transfer)
	c.Check(transfer, check.DeepEquals, droneutil.TransferArgs{Hostname: "drone1", Source: "/drones/1-user/host1", Destination: "/results/1-user/host1", CanFail: true})

	c.Check(m.CopyToResultsRepository(local, "2-user/host1", "2-user/renamed"), check.IsNil)
	c.Assert(m.ExecuteActions(context.Background()), check.IsNil)
	var cp droneutil.CopyArgs
	s.utilities["localhost"].lastCall(c, droneutil.MethodCopy, &cp)
	c.Check(cp, check.DeepEquals, droneutil.CopyArgs{Source: "/drones/2-user/host1", Destination: "/results/2-user/renamed"})

	c.Check(m.CopyResultsOnDrone(remote, "3-user/host1", "3-user/copy"), check.IsNil)
	c.Check(m.WriteLinesToFile("3-user/host1/.machines", []string{"host1", "host2"}, &remote), check.IsNil)
	c.Check(m.WriteLinesToFile("3-user/status.log", []string{"INFO"}, nil), check.IsNil)
	c.Check(m.CopyToResultsRepository(Process{Hostname: "nonexistent"}, "x", ""), check.ErrorMatches, `unknown drone "nonexistent"`)
	c.Assert(m.ExecuteActions(context.Background()), check.IsNil)
	s.utilities["drone1"].lastCall(c, droneutil.MethodCopy, &cp)
	c.Check(cp, check.DeepEquals, droneutil.CopyArgs{Source: "/drones/3-user/host1", Destination: "/drones/3-user/copy"})
	var write droneutil.WriteToFileArgs
	s.utilities["drone1"].lastCall(c, droneutil.MethodWriteToFile, &write)
	c.Check(write, check.DeepEquals, droneutil.WriteToFileArgs{Path: "/drones/3-user/host1/.machines", Contents: "host1\nhost2\n"})
	s.utilities["localhost"].lastCall(c, droneutil.MethodWriteToFile, &write)
	c.Check(write, check.DeepEquals, droneutil.WriteToFileArgs{Path: "/results/3-user/status.log", Contents: "INFO\n"})
}

func (s *ManagerSuite) TestRemoteResultsRepository(c *check.C) {
	s.cfg.Results.Host = "results1"
	m := s.newManager(c)
	c.Check(s.utilities["results1"], check.NotNil)
	c.Check(m.Drones(), check.HasLen, 3)
	c.Check(m.CopyToResultsRepository(Process{Hostname: "drone1", Pid: 10}, "1-user/host1", ""), check.IsNil)
	c.Assert(m.ExecuteActions(context.Background()), check.IsNil)
	var transfer droneutil.TransferArgs
	s.utilities["drone1"].lastCall(c, droneutil.MethodSendFileTo, &transfer)
	c.Check(transfer.Hostname, check.Equals, "results1")
	c.Check(m.WriteLinesToFile("1-user/status.log", []string{"x"}, nil), check.IsNil)
	s.utilities["results1"].setFail(&executor.Error{Kind: executor.Timeout, Host: "results1", Err: context.DeadlineExceeded})
	c.Check(m.ExecuteActions(context.Background()), check.NotNil)
	c.Check(s.drones["results1"].QueuedCalls(), check.Equals, 0)
}

func (s *ManagerSuite) TestAttachFile(c *check.C) {
	m := s.newManager(c)
	path, err := m.AttachFileToExecution("1-user/host1", "control file", "")
	c.Check(err, check.IsNil)
	c.Check(path, check.Matches, `drone_tmp/attach\..*`)
	_, err = m.AttachFileToExecution("1-user/host1", "keyvals", "1-user/host1/keyval")
	c.Check(err, check.IsNil)
	_, err = m.AttachFileToExecution("1-user/host1", "again", "1-user/host1/keyval")
	c.Check(err, check.ErrorMatches, `file .* already attached .*`)

	s.execute(c, m, "1-user/host1", 1)
	c.Assert(m.ExecuteActions(context.Background()), check.IsNil)
	methods := s.utilities["drone2"].methods()
	c.Check(methods, check.DeepEquals, []string{droneutil.MethodWriteToFile, droneutil.MethodWriteToFile, droneutil.MethodExecute})
	c.Check(m.attached, check.HasLen, 0)
}

func (s *ManagerSuite) TestOrphans(c *check.C) {
	m := s.newManager(c)
	s.utilities["drone2"].processes[50] = droneutil.ProcessInfo{Pid: 50, Pgid: 50, Ppid: 1}
	s.utilities["drone1"].processes[40] = droneutil.ProcessInfo{Pid: 40, Pgid: 40, Ppid: 1}
	s.utilities["drone1"].processes[30] = droneutil.ProcessInfo{Pid: 30, Pgid: 30, Ppid: 29}
	c.Assert(m.Refresh(context.Background()), check.IsNil)
	c.Check(m.OrphanedProcesses(), check.DeepEquals, []Process{
		{Hostname: "drone1", Pid: 40, Ppid: 1},
		{Hostname: "drone2", Pid: 50, Ppid: 1},
	})
	c.Check(m.IsProcessRunning(Process{Hostname: "drone1", Pid: 30}), check.Equals, true)
}

func (s *ManagerSuite) TestReloadConfig(c *check.C) {
	m := s.newManager(c)
	cfg := *s.cfg
	cfg.Drones = map[string]config.DroneConfig{
		"drone1":    {MaxProcesses: 10},
		"drone3":    {MaxProcesses: 1},
		"localhost": {MaxProcesses: 1},
	}
	m.ReloadConfig(&cfg)
	var hostnames []string
	for _, st := range m.Drones() {
		hostnames = append(hostnames, st.Hostname)
	}
	c.Check(hostnames, check.DeepEquals, []string{"drone1", "drone2", "localhost", "drone3"})
	c.Check(s.drones["drone1"].MaxProcesses(), check.Equals, 10)
	c.Check(s.drones["drone2"].Enabled(), check.Equals, false)
	c.Check(s.drones["drone2"].MaxProcesses(), check.Equals, 5)
	c.Check(s.drones["localhost"].Enabled(), check.Equals, true)
	c.Check(s.drones["drone3"].QueuedCalls(), check.Equals, 1)
	c.Check(m.MaxRunnableProcesses("", nil), check.Equals, 10)
}

func (s *ManagerSuite) TestParsePidfile(c *check.C) {
	status := func(n int) *int { return &n }
	for _, trial := range []struct {
		raw    string
		expect PidfileContents
		err    string
	}{
		{"", PidfileContents{}, ""},
		{"123\n", PidfileContents{Process: &Process{Hostname: "h", Pid: 123}}, ""},
		{"123\n0\n", PidfileContents{Process: &Process{Hostname: "h", Pid: 123}}, ""},
		{"123\n0\n2\n", PidfileContents{Process: &Process{Hostname: "h", Pid: 123}, ExitStatus: status(0), NumTestsFailed: 2}, ""},
		{"123\n9\n0", PidfileContents{Process: &Process{Hostname: "h", Pid: 123}, ExitStatus: status(9)}, ""},
		{"1\n2\n3\n4\n", PidfileContents{}, `corrupt pidfile \(4 lines\).*`},
		{"abc\n", PidfileContents{}, `corrupt pidfile: line 1: "abc" is not an integer`},
		{"1\nx\n0\n", PidfileContents{}, `corrupt pidfile: line 2: .*`},
	} {
		comment := check.Commentf("%q", trial.raw)
		pc := parsePidfile("h", trial.raw)
		if trial.err != "" {
			c.Check(pc.Err, check.ErrorMatches, trial.err, comment)
			c.Check(pc.Process, check.IsNil, comment)
			continue
		}
		c.Check(pc.Err, check.IsNil, comment)
		c.Check(pc.equal(trial.expect), check.Equals, true, comment)
	}
}

func (s *ManagerSuite) TestMetrics(c *check.C) {
	reg := prometheus.NewRegistry()
	m, err := New(s.cfg, Options{
		NewDrone: func(hostname string, dc config.DroneConfig) *drone.Drone {
			return drone.NewWithTransport(hostname, &fakeUtility{pidfiles: map[string]string{}, processes: map[int]droneutil.ProcessInfo{}}, dc, nil)
		},
		Registry: reg,
	})
	c.Assert(err, check.IsNil)
	s.execute(c, m, "1-user/host1", 1)
	c.Assert(m.Refresh(context.Background()), check.IsNil)
	mfs, err := reg.Gather()
	c.Assert(err, check.IsNil)
	var names []string
	for _, mf := range mfs {
		names = append(names, mf.GetName())
	}
	sort.Strings(names)
	c.Check(names, check.DeepEquals, []string{
		"autotest_scheduler_drone_active_processes",
		"autotest_scheduler_drone_max_processes",
		"autotest_scheduler_drone_unreachable",
		"autotest_scheduler_pidfiles_registered",
	})
}
