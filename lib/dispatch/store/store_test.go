// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/autotest/autotest-sub010/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&StoreSuite{})

type StoreSuite struct {
	ctx context.Context
	st  *Store
}

func (s *StoreSuite) SetUpTest(c *check.C) {
	logger := ctxlog.TestLogger(c)
	s.ctx = ctxlog.Context(context.Background(), logger)
	st, err := Open("sqlite", "file:"+filepath.Join(c.MkDir(), "autotest.db")+"?_pragma=busy_timeout(5000)", logger)
	c.Assert(err, check.IsNil)
	c.Assert(st.Migrate(s.ctx), check.IsNil)
	s.st = st
}

func (s *StoreSuite) TearDownTest(c *check.C) {
	s.st.Close()
}

func (s *StoreSuite) addHost(c *check.C, hostname string) int64 {
	id, err := s.st.insert(s.ctx, `INSERT INTO hosts (hostname) VALUES (?)`, hostname)
	c.Assert(err, check.IsNil)
	return id
}

func (s *StoreSuite) addJob(c *check.C, owner string, priority int, created time.Time) int64 {
	id, err := s.st.insert(s.ctx, `INSERT INTO jobs (owner, name, priority, created_on) VALUES (?, ?, ?, ?)`,
		owner, "test job", priority, created)
	c.Assert(err, check.IsNil)
	return id
}

func (s *StoreSuite) addEntry(c *check.C, jobID, hostID, metaHost int64) int64 {
	host := sql.NullInt64{Int64: hostID, Valid: hostID != 0}
	meta := sql.NullInt64{Int64: metaHost, Valid: metaHost != 0}
	id, err := s.st.insert(s.ctx, `INSERT INTO host_queue_entries (job_id, host_id, meta_host) VALUES (?, ?, ?)`,
		jobID, host, meta)
	c.Assert(err, check.IsNil)
	return id
}

func (s *StoreSuite) addLabel(c *check.C, name string) int64 {
	id, err := s.st.insert(s.ctx, `INSERT INTO labels (name) VALUES (?)`, name)
	c.Assert(err, check.IsNil)
	return id
}

func (s *StoreSuite) TestAssignHostRefusesBusyHost(c *check.C) {
	host := s.addHost(c, "host1")
	job1 := s.addJob(c, "alice", 0, time.Now())
	job2 := s.addJob(c, "bob", 0, time.Now())
	a := s.addEntry(c, job1, host, 0)
	b := s.addEntry(c, job2, host, 0)

	c.Assert(s.st.AssignHost(s.ctx, a, host), check.IsNil)
	c.Check(s.st.SetEntryStatus(s.ctx, a, EntryRunning), check.IsNil)

	err := s.st.AssignHost(s.ctx, b, host)
	c.Check(errors.Is(err, ErrConflict), check.Equals, true)
	e, err := s.st.Entry(s.ctx, b)
	c.Assert(err, check.IsNil)
	c.Check(e.Status, check.Equals, EntryQueued)
	c.Check(e.Active, check.Equals, false)

	c.Check(s.st.SetEntryStatus(s.ctx, a, EntryCompleted), check.IsNil)
	c.Check(s.st.AssignHost(s.ctx, b, host), check.IsNil)
	e, err = s.st.Entry(s.ctx, b)
	c.Assert(err, check.IsNil)
	c.Check(e.Status, check.Equals, EntryVerifying)
	c.Check(e.Active, check.Equals, true)
}

func (s *StoreSuite) TestAssignHostRefusesNonQueuedEntry(c *check.C) {
	host := s.addHost(c, "host1")
	job := s.addJob(c, "alice", 0, time.Now())
	e := s.addEntry(c, job, host, 0)
	c.Assert(s.st.AssignHost(s.ctx, e, host), check.IsNil)
	err := s.st.AssignHost(s.ctx, e, host)
	c.Check(errors.Is(err, ErrConflict), check.Equals, true)

	other := s.addHost(c, "host2")
	e2 := s.addEntry(c, job, other, 0)
	c.Check(s.st.AbortEntry(s.ctx, e2, "alice", time.Now()), check.IsNil)
	err = s.st.AssignHost(s.ctx, e2, other)
	c.Check(errors.Is(err, ErrConflict), check.Equals, true)
}

func (s *StoreSuite) TestAssignMetahostBlocksHost(c *check.C) {
	label := s.addLabel(c, "pool")
	host := s.addHost(c, "host1")
	job := s.addJob(c, "alice", 0, time.Now())
	e := s.addEntry(c, job, 0, label)

	c.Assert(s.st.AssignHost(s.ctx, e, host), check.IsNil)
	blocks, err := s.st.IneligibleHosts(s.ctx, []int64{job})
	c.Assert(err, check.IsNil)
	c.Check(blocks[job][host], check.Equals, true)

	entry, err := s.st.Entry(s.ctx, e)
	c.Assert(err, check.IsNil)
	c.Check(s.st.ReleaseHost(s.ctx, entry), check.IsNil)
	blocks, err = s.st.IneligibleHosts(s.ctx, []int64{job})
	c.Assert(err, check.IsNil)
	c.Check(blocks[job][host], check.Equals, false)
	entry, err = s.st.Entry(s.ctx, e)
	c.Assert(err, check.IsNil)
	c.Check(entry.HostID.Valid, check.Equals, false)
}

func (s *StoreSuite) TestSetEntryStatusFlags(c *check.C) {
	job := s.addJob(c, "alice", 0, time.Now())
	id := s.addEntry(c, job, s.addHost(c, "host1"), 0)
	for _, trial := range []struct {
		status   EntryStatus
		active   bool
		complete bool
	}{
		{EntryQueued, false, false},
		{EntryVerifying, true, false},
		{EntryPending, true, false},
		{EntryWaiting, false, false},
		{EntryRunning, true, false},
		{EntryGathering, true, false},
		{EntryParsing, false, false},
		{EntryFailed, false, true},
		{EntryAborted, false, true},
	} {
		c.Check(s.st.SetEntryStatus(s.ctx, id, trial.status), check.IsNil)
		e, err := s.st.Entry(s.ctx, id)
		c.Assert(err, check.IsNil)
		c.Check(e.Status, check.Equals, trial.status)
		c.Check(e.Active, check.Equals, trial.active, check.Commentf("%s", trial.status))
		c.Check(e.Complete, check.Equals, trial.complete, check.Commentf("%s", trial.status))
	}
}

func (s *StoreSuite) TestQueuedEntriesOrder(c *check.C) {
	label := s.addLabel(c, "pool")
	h1 := s.addHost(c, "host1")
	h2 := s.addHost(c, "host2")
	low := s.addJob(c, "alice", 0, time.Now())
	high := s.addJob(c, "bob", 10, time.Now())
	lowMeta := s.addEntry(c, low, 0, label)
	lowHost := s.addEntry(c, low, h1, 0)
	highMeta := s.addEntry(c, high, 0, label)
	highHost := s.addEntry(c, high, h2, 0)
	done := s.addEntry(c, high, h1, 0)
	c.Assert(s.st.SetEntryStatus(s.ctx, done, EntryCompleted), check.IsNil)

	entries, err := s.st.QueuedEntries(s.ctx)
	c.Assert(err, check.IsNil)
	var ids []int64
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	c.Check(ids, check.DeepEquals, []int64{highHost, highMeta, lowHost, lowMeta})
}

func (s *StoreSuite) TestReadyHosts(c *check.C) {
	ready := s.addHost(c, "ready1")
	locked := s.addHost(c, "locked1")
	busy := s.addHost(c, "busy1")
	broken := s.addHost(c, "broken1")
	_, err := s.st.exec(s.ctx, `UPDATE hosts SET locked=? WHERE id=?`, true, locked)
	c.Assert(err, check.IsNil)
	c.Assert(s.st.SetHostStatus(s.ctx, broken, HostRepairFailed), check.IsNil)
	job := s.addJob(c, "alice", 0, time.Now())
	e := s.addEntry(c, job, busy, 0)
	c.Assert(s.st.SetEntryStatus(s.ctx, e, EntryRunning), check.IsNil)

	hosts, err := s.st.ReadyHosts(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(hosts, check.HasLen, 1)
	c.Check(hosts[ready].Hostname, check.Equals, "ready1")
}

func (s *StoreSuite) TestClearInactiveBlocks(c *check.C) {
	host := s.addHost(c, "host1")
	finished := s.addJob(c, "alice", 0, time.Now())
	running := s.addJob(c, "bob", 0, time.Now())
	e1 := s.addEntry(c, finished, host, 0)
	s.addEntry(c, running, host, 0)
	c.Assert(s.st.SetEntryStatus(s.ctx, e1, EntryCompleted), check.IsNil)
	c.Assert(s.st.BlockHost(s.ctx, finished, host), check.IsNil)
	c.Assert(s.st.BlockHost(s.ctx, running, host), check.IsNil)

	n, err := s.st.ClearInactiveBlocks(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, int64(1))
	blocks, err := s.st.IneligibleHosts(s.ctx, []int64{finished, running})
	c.Assert(err, check.IsNil)
	c.Check(blocks[finished], check.HasLen, 0)
	c.Check(blocks[running][host], check.Equals, true)
}

func (s *StoreSuite) TestAbortEntry(c *check.C) {
	job := s.addJob(c, "alice", 0, time.Now())
	id := s.addEntry(c, job, s.addHost(c, "host1"), 0)
	when := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.Assert(s.st.AbortEntry(s.ctx, id, "bob", when), check.IsNil)
	// A second request keeps the first requester.
	c.Assert(s.st.AbortEntry(s.ctx, id, "carol", when.Add(time.Hour)), check.IsNil)

	by, on, err := s.st.AbortInfo(s.ctx, id)
	c.Assert(err, check.IsNil)
	c.Check(by, check.Equals, "bob")
	c.Check(on.Equal(when), check.Equals, true)

	aborting, err := s.st.AbortingEntries(s.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(aborting, check.HasLen, 1)
	c.Check(aborting[0].ID, check.Equals, id)

	c.Assert(s.st.SetEntryStatus(s.ctx, id, EntryAborted), check.IsNil)
	err = s.st.AbortEntry(s.ctx, id, "bob", when)
	c.Check(errors.Is(err, ErrNotFound), check.Equals, true)
	aborting, err = s.st.AbortingEntries(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(aborting, check.HasLen, 0)
}

func (s *StoreSuite) TestEntriesPastMaxRuntime(c *check.C) {
	job := s.addJob(c, "alice", 0, time.Now())
	_, err := s.st.exec(s.ctx, `UPDATE jobs SET max_runtime_hrs=? WHERE id=?`, 1, job)
	c.Assert(err, check.IsNil)
	id := s.addEntry(c, job, s.addHost(c, "host1"), 0)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.Assert(s.st.SetEntryStatus(s.ctx, id, EntryRunning), check.IsNil)
	c.Assert(s.st.SetStartedOn(s.ctx, id, started), check.IsNil)

	expired, err := s.st.EntriesPastMaxRuntime(s.ctx, started.Add(time.Hour))
	c.Assert(err, check.IsNil)
	c.Check(expired, check.HasLen, 0)
	expired, err = s.st.EntriesPastMaxRuntime(s.ctx, started.Add(time.Hour+time.Second))
	c.Assert(err, check.IsNil)
	c.Assert(expired, check.HasLen, 1)
	c.Check(expired[0].ID, check.Equals, id)

	c.Assert(s.st.SetStartedOn(s.ctx, id, time.Time{}), check.IsNil)
	expired, err = s.st.EntriesPastMaxRuntime(s.ctx, started.Add(2*time.Hour))
	c.Assert(err, check.IsNil)
	c.Check(expired, check.HasLen, 0)
}

func (s *StoreSuite) TestJobsPastTimeout(c *check.C) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := s.addJob(c, "alice", 0, created)
	s.addEntry(c, job, s.addHost(c, "host1"), 0)
	jobs, err := s.st.JobsPastTimeout(s.ctx, created.Add(23*time.Hour))
	c.Assert(err, check.IsNil)
	c.Check(jobs, check.HasLen, 0)
	jobs, err = s.st.JobsPastTimeout(s.ctx, created.Add(25*time.Hour))
	c.Assert(err, check.IsNil)
	c.Assert(jobs, check.HasLen, 1)
	c.Check(jobs[0].ID, check.Equals, job)
	c.Check(jobs[0].Tag(), check.Equals, "1-alice")
}

func (s *StoreSuite) TestJobCache(c *check.C) {
	id := s.addJob(c, "alice", 3, time.Now())
	job, err := s.st.Job(s.ctx, id)
	c.Assert(err, check.IsNil)
	c.Check(job.Priority, check.Equals, 3)
	c.Check(job.RunVerify, check.Equals, true)
	_, err = s.st.exec(s.ctx, `UPDATE jobs SET priority=? WHERE id=?`, 5, id)
	c.Assert(err, check.IsNil)
	job, err = s.st.Job(s.ctx, id)
	c.Assert(err, check.IsNil)
	c.Check(job.Priority, check.Equals, 3)

	_, err = s.st.Job(s.ctx, id+100)
	c.Check(errors.Is(err, ErrNotFound), check.Equals, true)
}

func (s *StoreSuite) TestQueuedSpecialTasks(c *check.C) {
	h1 := s.addHost(c, "host1")
	h2 := s.addHost(c, "host2")
	h3 := s.addHost(c, "host3")
	job := s.addJob(c, "alice", 0, time.Now())
	e := s.addEntry(c, job, h2, 0)
	c.Assert(s.st.SetEntryStatus(s.ctx, e, EntryRunning), check.IsNil)
	_, err := s.st.exec(s.ctx, `UPDATE hosts SET locked=? WHERE id=?`, true, h3)
	c.Assert(err, check.IsNil)

	verify, err := s.st.CreateSpecialTask(s.ctx, h1, TaskVerify, 0, "")
	c.Assert(err, check.IsNil)
	cleanup, err := s.st.CreateSpecialTask(s.ctx, h1, TaskCleanup, 0, "")
	c.Assert(err, check.IsNil)
	repair, err := s.st.CreateSpecialTask(s.ctx, h1, TaskRepair, 0, "")
	c.Assert(err, check.IsNil)
	// host2 is held by an active entry, except for its own tasks
	_, err = s.st.CreateSpecialTask(s.ctx, h2, TaskVerify, 0, "")
	c.Assert(err, check.IsNil)
	own, err := s.st.CreateSpecialTask(s.ctx, h2, TaskCleanup, e, "alice")
	c.Assert(err, check.IsNil)
	_, err = s.st.CreateSpecialTask(s.ctx, h3, TaskRepair, 0, "")
	c.Assert(err, check.IsNil)
	done, err := s.st.CreateSpecialTask(s.ctx, h1, TaskReset, 0, "")
	c.Assert(err, check.IsNil)
	c.Assert(s.st.FinishSpecialTask(s.ctx, done.ID, true), check.IsNil)

	tasks, err := s.st.QueuedSpecialTasks(s.ctx)
	c.Assert(err, check.IsNil)
	var ids []int64
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	c.Check(ids, check.DeepEquals, []int64{repair.ID, cleanup.ID, own.ID, verify.ID})
	c.Check(own.RequestedBy, check.Equals, "alice")
	c.Check(own.ExecutionPath("host2"), check.Equals, "hosts/host2/5-cleanup")

	n, err := s.st.CountEntryTasks(s.ctx, e, false, TaskCleanup, TaskVerify)
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, 1)
	c.Assert(s.st.ActivateSpecialTask(s.ctx, own.ID), check.IsNil)
	active, err := s.st.ActiveSpecialTasks(s.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(active, check.HasLen, 1)
	c.Check(active[0].ID, check.Equals, own.ID)
	c.Assert(s.st.FinishSpecialTask(s.ctx, own.ID, false), check.IsNil)
	n, err = s.st.CountEntryTasks(s.ctx, e, false, TaskCleanup, TaskVerify)
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, 0)
	n, err = s.st.CountEntryTasks(s.ctx, e, true, TaskCleanup)
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, 1)
}

func (s *StoreSuite) TestDeleteQueuedVerifies(c *check.C) {
	host := s.addHost(c, "host1")
	keep, err := s.st.CreateSpecialTask(s.ctx, host, TaskVerify, 0, "")
	c.Assert(err, check.IsNil)
	drop, err := s.st.CreateSpecialTask(s.ctx, host, TaskVerify, 0, "")
	c.Assert(err, check.IsNil)
	c.Assert(s.st.DeleteQueuedVerifies(s.ctx, host, keep.ID), check.IsNil)
	_, err = s.st.SpecialTask(s.ctx, drop.ID)
	c.Check(errors.Is(err, ErrNotFound), check.Equals, true)
	_, err = s.st.SpecialTask(s.ctx, keep.ID)
	c.Check(err, check.IsNil)
}

func (s *StoreSuite) TestWithTxRollback(c *check.C) {
	host := s.addHost(c, "host1")
	failed := errors.New("failed")
	err := s.st.WithTx(s.ctx, func(ctx context.Context) error {
		c.Check(s.st.SetHostStatus(ctx, host, HostRepairing), check.IsNil)
		// nested calls join the outer transaction
		return s.st.WithTx(ctx, func(ctx context.Context) error {
			c.Check(s.st.SetHostDirty(ctx, host, true), check.IsNil)
			return failed
		})
	})
	c.Check(err, check.Equals, failed)
	h, err := s.st.Host(s.ctx, host)
	c.Assert(err, check.IsNil)
	c.Check(h.Status, check.Equals, HostReady)
	c.Check(h.Dirty, check.Equals, false)

	err = s.st.WithTx(s.ctx, func(ctx context.Context) error {
		return s.st.SetHostStatus(ctx, host, HostRepairing)
	})
	c.Check(err, check.IsNil)
	h, err = s.st.Host(s.ctx, host)
	c.Assert(err, check.IsNil)
	c.Check(h.Status, check.Equals, HostRepairing)
}

func (s *StoreSuite) TestLabelRelations(c *check.C) {
	h1 := s.addHost(c, "host1")
	h2 := s.addHost(c, "host2")
	pool := s.addLabel(c, "pool")
	platform := s.addLabel(c, "x86")
	_, err := s.st.exec(s.ctx, `UPDATE labels SET platform=? WHERE id=?`, true, platform)
	c.Assert(err, check.IsNil)
	for _, pair := range [][2]int64{{h1, pool}, {h1, platform}, {h2, pool}} {
		_, err := s.st.exec(s.ctx, `INSERT INTO hosts_labels (host_id, label_id) VALUES (?, ?)`, pair[0], pair[1])
		c.Assert(err, check.IsNil)
	}
	rel, err := s.st.HostLabels(s.ctx, []int64{h1, h2})
	c.Assert(err, check.IsNil)
	c.Check(rel[h1], check.DeepEquals, IDSet{pool: true, platform: true})
	c.Check(rel[h2], check.DeepEquals, IDSet{pool: true})

	p, names, err := s.st.PlatformAndLabels(s.ctx, h1)
	c.Assert(err, check.IsNil)
	c.Check(p, check.Equals, "x86")
	c.Check(names, check.DeepEquals, []string{"pool", "x86"})

	empty, err := s.st.HostLabels(s.ctx, nil)
	c.Assert(err, check.IsNil)
	c.Check(empty, check.HasLen, 0)
}

func (s *StoreSuite) TestHostnameLess(c *check.C) {
	names := []string{"host10", "Host2", "alpha", "host1", "host2a", "beta3"}
	sort.Slice(names, func(i, j int) bool { return HostnameLess(names[i], names[j]) })
	c.Check(names, check.DeepEquals, []string{"alpha", "beta3", "host1", "Host2", "host10", "host2a"})
}
