// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package agent

import (
	"time"

	"github.com/autotest/autotest-sub010/lib/config"
	"github.com/autotest/autotest-sub010/lib/dispatch/schedtest"
	"github.com/autotest/autotest-sub010/lib/dispatch/store"
	check "gopkg.in/check.v1"
)

func (s *AgentSuite) TestNextGroupName(c *check.C) {
	jobID := schedtest.AddJob(c, s.st, schedtest.DefaultJob())
	for _, subdir := range []string{"rack.group0", "rack.group3", "group1", "host5"} {
		schedtest.SetEntry(c, s.st, schedtest.AddEntry(c, s.st, jobID, 0, 0), store.EntryRunning, 0, subdir)
	}
	for group, expect := range map[string]string{
		"rack":  "rack.group4",
		"":      "group2",
		".x/y":  "_x_y.group0",
		"other": "other.group0",
	} {
		name, err := s.env.nextGroupName(s.ctx, jobID, group)
		c.Check(err, check.IsNil)
		c.Check(name, check.Equals, expect, check.Commentf("group %q", group))
	}
}

func (s *AgentSuite) TestGroupName(c *check.C) {
	agID := schedtest.AddAtomicGroup(c, s.st, "rack", 3)
	labelID := schedtest.AddLabel(c, s.st, "rack-east", false, false, agID)
	jobID := schedtest.AddJob(c, s.st, schedtest.DefaultJob())

	e := schedtest.Entry(c, s.st, schedtest.AddAtomicEntry(c, s.st, jobID, agID, labelID))
	name, err := s.env.groupName(s.ctx, &e)
	c.Check(err, check.IsNil)
	c.Check(name, check.Equals, "rack-east")

	e = schedtest.Entry(c, s.st, schedtest.AddAtomicEntry(c, s.st, jobID, agID, 0))
	name, err = s.env.groupName(s.ctx, &e)
	c.Check(err, check.IsNil)
	c.Check(name, check.Equals, "rack")

	e = schedtest.Entry(c, s.st, schedtest.AddEntry(c, s.st, jobID, 0, labelID))
	name, err = s.env.groupName(s.ctx, &e)
	c.Check(err, check.IsNil)
	c.Check(name, check.Equals, "")
}

func (s *AgentSuite) TestSynchronousJobRunsSortedGroup(c *check.C) {
	opts := schedtest.DefaultJob()
	opts.SynchCount = 2
	jobID := schedtest.AddJob(c, s.st, opts)
	var entryIDs []int64
	for _, hostname := range []string{"host10", "host2", "host9"} {
		hostID := schedtest.AddHost(c, s.st, hostname)
		id := schedtest.AddEntry(c, s.st, jobID, hostID, 0)
		schedtest.SetEntry(c, s.st, id, store.EntryPending, hostID, "")
		entryIDs = append(entryIDs, id)
	}
	e := schedtest.Entry(c, s.st, entryIDs[0])
	c.Assert(s.env.RunIfReady(s.ctx, &e), check.IsNil)

	// host10 (the triggering entry) is joined by host2, the
	// lowest-numbered Pending host.
	c.Check(e.Status, check.Equals, store.EntryStarting)
	c.Check(e.ExecutionSubdir, check.Equals, "group0")
	c.Check(schedtest.Entry(c, s.st, entryIDs[1]).Status, check.Equals, store.EntryStarting)
	c.Check(schedtest.Entry(c, s.st, entryIDs[1]).ExecutionSubdir, check.Equals, "group0")
	c.Check(schedtest.Entry(c, s.st, entryIDs[2]).Status, check.Equals, store.EntryPending)
}

func (s *AgentSuite) TestSynchronousJobNotReady(c *check.C) {
	opts := schedtest.DefaultJob()
	opts.SynchCount = 2
	jobID := schedtest.AddJob(c, s.st, opts)
	hostID := schedtest.AddHost(c, s.st, "host1")
	pending := schedtest.AddEntry(c, s.st, jobID, hostID, 0)
	schedtest.SetEntry(c, s.st, pending, store.EntryPending, hostID, "")
	queued := schedtest.AddEntry(c, s.st, jobID, 0, 0)

	e := schedtest.Entry(c, s.st, pending)
	c.Assert(s.env.RunIfReady(s.ctx, &e), check.IsNil)
	c.Check(schedtest.Entry(c, s.st, pending).Status, check.Equals, store.EntryPending)
	c.Check(schedtest.Entry(c, s.st, queued).Status, check.Equals, store.EntryQueued)
}

func (s *AgentSuite) TestStopIfNecessary(c *check.C) {
	opts := schedtest.DefaultJob()
	opts.SynchCount = 2
	jobID := schedtest.AddJob(c, s.st, opts)
	hostID := schedtest.AddHost(c, s.st, "host1")
	pending := schedtest.AddEntry(c, s.st, jobID, hostID, 0)
	schedtest.SetEntry(c, s.st, pending, store.EntryPending, hostID, "")
	c.Assert(s.st.SetHostStatus(s.ctx, hostID, store.HostPending), check.IsNil)
	queued := schedtest.AddEntry(c, s.st, jobID, 0, 0)
	running := schedtest.AddEntry(c, s.st, jobID, 0, 0)
	schedtest.SetEntry(c, s.st, running, store.EntryRunning, 0, "group0")

	// Two unrun entries are enough.
	c.Assert(s.env.StopIfNecessary(s.ctx, jobID), check.IsNil)
	c.Check(schedtest.Entry(c, s.st, queued).Status, check.Equals, store.EntryQueued)

	e := schedtest.Entry(c, s.st, queued)
	c.Assert(s.env.SetEntryStatus(s.ctx, &e, store.EntryFailed), check.IsNil)
	c.Check(schedtest.Entry(c, s.st, pending).Status, check.Equals, store.EntryStopped)
	c.Check(schedtest.Host(c, s.st, hostID).Status, check.Equals, store.HostReady)
	c.Check(schedtest.Entry(c, s.st, running).Status, check.Equals, store.EntryRunning)
}

func (s *AgentSuite) TestRequeueReleasesMetahost(c *check.C) {
	labelID := schedtest.AddLabel(c, s.st, "x86", false, false, 0)
	hostID := schedtest.AddHost(c, s.st, "host1")
	jobID := schedtest.AddJob(c, s.st, schedtest.DefaultJob())
	entryID := schedtest.AddEntry(c, s.st, jobID, 0, labelID)
	c.Assert(s.st.AssignHost(s.ctx, entryID, hostID), check.IsNil)
	schedtest.SetStartedOn(c, s.st, entryID, s.now)

	e := schedtest.Entry(c, s.st, entryID)
	c.Assert(s.env.Requeue(s.ctx, &e), check.IsNil)
	e = schedtest.Entry(c, s.st, entryID)
	c.Check(e.Status, check.Equals, store.EntryQueued)
	c.Check(e.HostID.Valid, check.Equals, false)
	c.Check(e.StartedOn.Valid, check.Equals, false)
	blocked, err := s.st.IneligibleHosts(s.ctx, []int64{jobID})
	c.Assert(err, check.IsNil)
	c.Check(blocked[jobID], check.HasLen, 0)
}

func (s *AgentSuite) TestAbortEntryByStatus(c *check.C) {
	jobID := schedtest.AddJob(c, s.st, schedtest.DefaultJob())
	for _, trial := range []struct {
		status     store.EntryStatus
		hostStatus store.HostStatus
		final      store.EntryStatus
		cleanup    bool
	}{
		{store.EntryQueued, store.HostPending, store.EntryAborted, false},
		{store.EntryPending, store.HostReady, store.EntryAborted, false},
		{store.EntryRunning, store.HostReady, store.EntryAborted, false},
		{store.EntryVerifying, store.HostVerifying, store.EntryAborted, true},
		{store.EntryParsing, store.HostPending, store.EntryParsing, false},
	} {
		c.Logf("status %s", trial.status)
		hostID := schedtest.AddHost(c, s.st, "host-"+string(trial.status))
		c.Assert(s.st.SetHostStatus(s.ctx, hostID, store.HostPending), check.IsNil)
		if trial.status == store.EntryVerifying {
			c.Assert(s.st.SetHostStatus(s.ctx, hostID, store.HostVerifying), check.IsNil)
		}
		entryID := schedtest.AddEntry(c, s.st, jobID, hostID, 0)
		schedtest.SetEntry(c, s.st, entryID, trial.status, hostID, "")
		c.Assert(s.st.AbortEntry(s.ctx, entryID, "bob", s.now), check.IsNil)

		before := len(schedtest.SpecialTasks(c, s.st))
		e := schedtest.Entry(c, s.st, entryID)
		c.Assert(s.env.AbortEntry(s.ctx, &e), check.IsNil)
		c.Check(schedtest.Entry(c, s.st, entryID).Status, check.Equals, trial.final)
		c.Check(schedtest.Host(c, s.st, hostID).Status, check.Equals, trial.hostStatus)
		tasks := schedtest.SpecialTasks(c, s.st)
		if trial.cleanup {
			c.Assert(tasks, check.HasLen, before+1)
			c.Check(tasks[before].Task, check.Equals, store.TaskCleanup)
			c.Check(tasks[before].RequestedBy, check.Equals, "alice")
		} else {
			c.Check(tasks, check.HasLen, before)
		}
	}
}

// atomicJob sets up a job needing 2 of an atomic group's 3 machines,
// with hosts assigned to all three entries and the first two
// Pending.
func (s *AgentSuite) atomicJob(c *check.C) (jobID int64, entryIDs, hostIDs []int64) {
	agID := schedtest.AddAtomicGroup(c, s.st, "rack", 3)
	opts := schedtest.DefaultJob()
	opts.SynchCount = 2
	jobID = schedtest.AddJob(c, s.st, opts)
	for i, hostname := range []string{"host1", "host2", "host3"} {
		hostID := schedtest.AddHost(c, s.st, hostname)
		id := schedtest.AddAtomicEntry(c, s.st, jobID, agID, 0)
		status := store.EntryPending
		if i == 2 {
			status = store.EntryQueued
		}
		schedtest.SetEntry(c, s.st, id, status, hostID, "")
		entryIDs = append(entryIDs, id)
		hostIDs = append(hostIDs, hostID)
	}
	return
}

func (s *AgentSuite) TestAtomicGroupWaitsForMoreHosts(c *check.C) {
	_, entryIDs, _ := s.atomicJob(c)
	e := schedtest.Entry(c, s.st, entryIDs[0])
	c.Assert(s.env.RunIfReady(s.ctx, &e), check.IsNil)
	c.Check(e.Status, check.Equals, store.EntryWaiting)

	dt, err := s.env.ScheduleDelayTask(s.ctx, &e)
	c.Assert(err, check.IsNil)
	c.Assert(dt, check.NotNil)
	c.Check(e.Status, check.Equals, store.EntryPending)
	c.Check(dt.End(), check.Equals, s.now.Add(5*time.Minute))
	e2 := schedtest.Entry(c, s.st, entryIDs[1])
	again, err := s.env.ScheduleDelayTask(s.ctx, &e2)
	c.Assert(err, check.IsNil)
	c.Check(again, check.IsNil)

	s.now = s.now.Add(4 * time.Minute)
	c.Assert(dt.Poll(s.ctx), check.IsNil)
	c.Check(dt.IsDone(), check.Equals, false)

	s.now = s.now.Add(time.Minute)
	c.Assert(dt.Poll(s.ctx), check.IsNil)
	c.Check(dt.IsDone(), check.Equals, true)
	for i, expect := range []store.EntryStatus{store.EntryStarting, store.EntryStarting, store.EntryQueued} {
		e := schedtest.Entry(c, s.st, entryIDs[i])
		c.Check(e.Status, check.Equals, expect)
		if expect == store.EntryStarting {
			c.Check(e.ExecutionSubdir, check.Equals, "rack.group0")
		}
	}
	c.Check(s.env.delays, check.HasLen, 0)
}

func (s *AgentSuite) TestAtomicGroupRunsWhenAllHostsPending(c *check.C) {
	_, entryIDs, hostIDs := s.atomicJob(c)
	schedtest.SetEntry(c, s.st, entryIDs[2], store.EntryPending, hostIDs[2], "")
	e := schedtest.Entry(c, s.st, entryIDs[2])
	c.Assert(s.env.RunIfReady(s.ctx, &e), check.IsNil)
	for _, id := range entryIDs {
		c.Check(schedtest.Entry(c, s.st, id).Status, check.Equals, store.EntryStarting)
	}
}

func (s *AgentSuite) TestSyncWaitPolicy(c *check.C) {
	for _, policy := range []config.SyncWaitPolicy{config.SyncWaitAbort, config.SyncWaitRelease} {
		c.Logf("policy %s", policy)
		s.SetUpTest(c)
		s.cfg.Scheduler.SyncWaitPolicy = policy
		jobID, entryIDs, hostIDs := s.atomicJob(c)
		c.Assert(s.st.SetHostStatus(s.ctx, hostIDs[0], store.HostPending), check.IsNil)
		e := schedtest.Entry(c, s.st, entryIDs[0])
		dt, err := s.env.ScheduleDelayTask(s.ctx, &e)
		c.Assert(err, check.IsNil)

		// One of the Pending hosts went away while waiting.
		schedtest.SetEntry(c, s.st, entryIDs[1], store.EntryQueued, hostIDs[1], "")
		s.now = s.now.Add(time.Hour)
		c.Assert(dt.Poll(s.ctx), check.IsNil)

		e = schedtest.Entry(c, s.st, entryIDs[0])
		switch policy {
		case config.SyncWaitAbort:
			for _, id := range entryIDs {
				c.Check(schedtest.Entry(c, s.st, id).Aborted, check.Equals, true)
			}
			by, _, err := s.st.AbortInfo(s.ctx, entryIDs[0])
			c.Check(err, check.IsNil)
			c.Check(by, check.Equals, SystemUser)
			c.Check(s.env.delays[jobID], check.Equals, dt)
		case config.SyncWaitRelease:
			c.Check(e.Status, check.Equals, store.EntryQueued)
			c.Check(e.Aborted, check.Equals, false)
			c.Check(schedtest.Host(c, s.st, hostIDs[0]).Status, check.Equals, store.HostReady)
			c.Check(s.env.delays, check.HasLen, 0)
		}
		s.TearDownTest(c)
	}
}
