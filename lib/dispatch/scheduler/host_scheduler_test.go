// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"

	"github.com/autotest/autotest-sub010/lib/dispatch/schedtest"
	"github.com/autotest/autotest-sub010/lib/dispatch/store"
	"github.com/autotest/autotest-sub010/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&HostSchedulerSuite{})

type HostSchedulerSuite struct {
	ctx context.Context
	st  *store.Store
}

func (s *HostSchedulerSuite) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.st = schedtest.NewStore(c)
}

func (s *HostSchedulerSuite) TearDownTest(c *check.C) {
	s.st.Close()
}

func (s *HostSchedulerSuite) hostScheduler(c *check.C, entryIDs ...int64) (*HostScheduler, []store.Entry) {
	hs, err := newHostScheduler(s.st, nil, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	var entries []store.Entry
	for _, id := range entryIDs {
		entries = append(entries, schedtest.Entry(c, s.st, id))
	}
	c.Assert(hs.Refresh(s.ctx, entries), check.IsNil)
	return hs, entries
}

func (s *HostSchedulerSuite) TestACL(c *check.C) {
	allowed := schedtest.AddHost(c, s.st, "host1")
	denied := schedtest.AddHost(c, s.st, "host2")
	schedtest.AddACL(c, s.st, "lab", "alice", allowed)
	schedtest.AddACL(c, s.st, "other", "bob", denied)
	jobID := schedtest.AddJob(c, s.st, schedtest.DefaultJob())
	e1 := schedtest.AddEntry(c, s.st, jobID, allowed, 0)
	e2 := schedtest.AddEntry(c, s.st, jobID, denied, 0)
	hs, entries := s.hostScheduler(c, e1, e2)

	h, ok, err := hs.ScheduleEntry(entries[0])
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, true)
	c.Check(h.Hostname, check.Equals, "host1")
	_, ok, err = hs.ScheduleEntry(entries[1])
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, false)

	// host1 has been handed out.
	_, ok, _ = hs.ScheduleEntry(entries[0])
	c.Check(ok, check.Equals, false)
}

func (s *HostSchedulerSuite) TestInvalidHostSkipsChecks(c *check.C) {
	hostID := schedtest.AddHost(c, s.st, "oneoff")
	_, err := s.st.DB().Exec(`UPDATE hosts SET invalid=? WHERE id=?`, true, hostID)
	c.Assert(err, check.IsNil)
	jobID := schedtest.AddJob(c, s.st, schedtest.DefaultJob())
	e := schedtest.AddEntry(c, s.st, jobID, hostID, 0)
	hs, entries := s.hostScheduler(c, e)
	c.Check(hs.IsHostUsable(hostID), check.Equals, false)
	c.Check(hs.IsHostEligible(hostID, entries[0]), check.Equals, true)
	_, ok, err := hs.ScheduleEntry(entries[0])
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, true)
}

func (s *HostSchedulerSuite) TestDependencies(c *check.C) {
	gpu := schedtest.AddLabel(c, s.st, "gpu", false, false, 0)
	x86 := schedtest.AddLabel(c, s.st, "x86", false, false, 0)
	plain := schedtest.AddHost(c, s.st, "host1")
	fancy := schedtest.AddHost(c, s.st, "host2")
	schedtest.LabelHost(c, s.st, plain, x86)
	schedtest.LabelHost(c, s.st, fancy, x86)
	schedtest.LabelHost(c, s.st, fancy, gpu)
	schedtest.AddACL(c, s.st, "lab", "alice", plain, fancy)
	jobID := schedtest.AddJob(c, s.st, schedtest.DefaultJob())
	schedtest.AddDependency(c, s.st, jobID, gpu)
	e := schedtest.AddEntry(c, s.st, jobID, 0, x86)
	hs, entries := s.hostScheduler(c, e)

	c.Check(hs.IsHostEligible(plain, entries[0]), check.Equals, false)
	c.Check(hs.IsHostEligible(fancy, entries[0]), check.Equals, true)
	h, ok, err := hs.ScheduleEntry(entries[0])
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, true)
	c.Check(h.ID, check.Equals, fancy)
	// The ineligible host was dropped from the label.
	c.Check(hs.HostsInLabel(x86), check.DeepEquals, store.IDSet{})
}

func (s *HostSchedulerSuite) TestOnlyIfNeeded(c *check.C) {
	x86 := schedtest.AddLabel(c, s.st, "x86", false, false, 0)
	special := schedtest.AddLabel(c, s.st, "special", false, true, 0)
	reserved := schedtest.AddHost(c, s.st, "host1")
	schedtest.LabelHost(c, s.st, reserved, x86)
	schedtest.LabelHost(c, s.st, reserved, special)
	schedtest.AddACL(c, s.st, "lab", "alice", reserved)

	plainJob := schedtest.AddJob(c, s.st, schedtest.DefaultJob())
	byLabel := schedtest.AddEntry(c, s.st, plainJob, 0, x86)
	bySpecial := schedtest.AddEntry(c, s.st, plainJob, 0, special)
	byHost := schedtest.AddEntry(c, s.st, plainJob, reserved, 0)
	neededJob := schedtest.AddJob(c, s.st, schedtest.DefaultJob())
	schedtest.AddDependency(c, s.st, neededJob, special)
	needed := schedtest.AddEntry(c, s.st, neededJob, 0, x86)
	hs, entries := s.hostScheduler(c, byLabel, bySpecial, byHost, needed)

	for i, expect := range []bool{false, true, true, true} {
		c.Check(hs.IsHostEligible(reserved, entries[i]), check.Equals, expect, check.Commentf("entry %d", entries[i].ID))
	}
}

func (s *HostSchedulerSuite) TestIneligibleHostsBlockMetahost(c *check.C) {
	x86 := schedtest.AddLabel(c, s.st, "x86", false, false, 0)
	var hosts []int64
	for _, name := range []string{"host1", "host2"} {
		id := schedtest.AddHost(c, s.st, name)
		schedtest.LabelHost(c, s.st, id, x86)
		hosts = append(hosts, id)
	}
	schedtest.AddACL(c, s.st, "lab", "alice", hosts...)
	jobID := schedtest.AddJob(c, s.st, schedtest.DefaultJob())
	c.Assert(s.st.BlockHost(s.ctx, jobID, hosts[0]), check.IsNil)
	e := schedtest.AddEntry(c, s.st, jobID, 0, x86)
	hs, entries := s.hostScheduler(c, e)
	h, ok, err := hs.ScheduleEntry(entries[0])
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, true)
	c.Check(h.ID, check.Equals, hosts[1])
}

func (s *HostSchedulerSuite) TestAtomicGroupMembership(c *check.C) {
	ag := schedtest.AddAtomicGroup(c, s.st, "rack", 4)
	rack := schedtest.AddLabel(c, s.st, "rack1", false, false, ag)
	inRack := schedtest.AddHost(c, s.st, "host1")
	schedtest.LabelHost(c, s.st, inRack, rack)
	loose := schedtest.AddHost(c, s.st, "host2")
	schedtest.AddACL(c, s.st, "lab", "alice", inRack, loose)
	jobID := schedtest.AddJob(c, s.st, schedtest.DefaultJob())
	plain := schedtest.AddEntry(c, s.st, jobID, inRack, 0)
	atomic := schedtest.AddAtomicEntry(c, s.st, jobID, ag, 0)
	hs, entries := s.hostScheduler(c, plain, atomic)

	c.Check(hs.IsHostEligible(inRack, entries[0]), check.Equals, false)
	c.Check(hs.IsHostEligible(loose, entries[0]), check.Equals, true)
	c.Check(hs.IsHostEligible(inRack, entries[1]), check.Equals, true)
	c.Check(hs.IsHostEligible(loose, entries[1]), check.Equals, false)

	job, err := s.st.Job(s.ctx, jobID)
	c.Assert(err, check.IsNil)
	group, err := s.st.AtomicGroup(s.ctx, ag)
	c.Assert(err, check.IsNil)
	job.SynchCount = 2
	c.Check(hs.FindEligibleAtomicGroup(entries[1], job, group), check.HasLen, 0)
	job.SynchCount = 1
	found := hs.FindEligibleAtomicGroup(entries[1], job, group)
	c.Assert(found, check.HasLen, 1)
	c.Check(found[0].ID, check.Equals, inRack)
	c.Check(hs.IsHostUsable(inRack), check.Equals, false)
}

func (s *HostSchedulerSuite) TestNoMetahostScheduler(c *check.C) {
	hs, err := newHostScheduler(s.st, nil, ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	hs.metahost = nil
	c.Assert(hs.Refresh(s.ctx, nil), check.IsNil)
	_, _, err = hs.ScheduleEntry(store.Entry{ID: 7})
	c.Check(err, check.ErrorMatches, `no metahost scheduler can handle entry 7`)
}
