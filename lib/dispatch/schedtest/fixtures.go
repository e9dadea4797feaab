// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package schedtest

import (
	"context"
	"database/sql"
	"path/filepath"
	"time"

	"github.com/autotest/autotest-sub010/lib/config"
	"github.com/autotest/autotest-sub010/lib/dispatch/store"
	"github.com/autotest/autotest-sub010/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

// NewStore returns a migrated store backed by a fresh sqlite
// database in a temporary directory.
func NewStore(c *check.C) *store.Store {
	logger := ctxlog.TestLogger(c)
	st, err := store.Open("sqlite", "file:"+filepath.Join(c.MkDir(), "autotest.db")+"?_pragma=busy_timeout(5000)", logger)
	c.Assert(err, check.IsNil)
	c.Assert(st.Migrate(context.Background()), check.IsNil)
	return st
}

// Config returns a scheduler configuration suitable for tests.
func Config() *config.Config {
	cfg := &config.Config{}
	cfg.Commands.Autoserv = "autoserv"
	cfg.Commands.Parser = "parser"
	cfg.Commands.DroneUtility = "drone-utility"
	cfg.Results.Host = "localhost"
	cfg.Results.Dir = "/results"
	cfg.Scheduler.TickPause = config.Duration(time.Second)
	cfg.Scheduler.CleanInterval = config.Duration(time.Hour)
	cfg.Scheduler.MaxProcessesStartedPerCycle = 100
	cfg.Scheduler.MaxParseProcesses = 5
	cfg.Scheduler.PidfileTimeout = config.Duration(5 * time.Minute)
	cfg.Scheduler.SyncWaitTimeout = config.Duration(5 * time.Minute)
	cfg.Scheduler.SyncWaitPolicy = config.SyncWaitAbort
	cfg.Scheduler.SyncStartTimeout = config.Duration(30 * time.Minute)
	cfg.Scheduler.MetahostSchedulers = []string{"label"}
	cfg.Drones = map[string]config.DroneConfig{"drone1": {MaxProcesses: 100}}
	return cfg
}

// JobOptions holds the non-default columns of a new job.
type JobOptions struct {
	Owner             string
	Name              string
	Priority          int
	ControlType       store.ControlType
	CreatedOn         time.Time
	SynchCount        int
	RunVerify         bool
	RebootBefore      store.RebootBefore
	RebootAfter       store.RebootAfter
	ParseFailedRepair bool
	MaxRuntimeHrs     int
	TimeoutHrs        int
}

// DefaultJob returns the options of a plain client job owned by
// "alice".
func DefaultJob() JobOptions {
	return JobOptions{
		Owner:             "alice",
		Name:              "sleeptest",
		ControlType:       store.ControlClient,
		CreatedOn:         time.Now().Add(-time.Minute).UTC(),
		SynchCount:        1,
		RunVerify:         true,
		ParseFailedRepair: true,
		MaxRuntimeHrs:     72,
		TimeoutHrs:        24,
	}
}

func insert(c *check.C, st *store.Store, query string, args ...interface{}) int64 {
	db := st.DB()
	var id int64
	err := db.QueryRowx(db.Rebind(query+" RETURNING id"), args...).Scan(&id)
	c.Assert(err, check.IsNil)
	return id
}

func exec(c *check.C, st *store.Store, query string, args ...interface{}) {
	db := st.DB()
	_, err := db.Exec(db.Rebind(query), args...)
	c.Assert(err, check.IsNil)
}

// AddHost adds a Ready host.
func AddHost(c *check.C, st *store.Store, hostname string) int64 {
	return insert(c, st, `INSERT INTO hosts (hostname) VALUES (?)`, hostname)
}

// SetHost updates a host's protection and lock flag.
func SetHost(c *check.C, st *store.Store, id int64, protection store.Protection, locked bool) {
	exec(c, st, `UPDATE hosts SET protection=?, locked=? WHERE id=?`, protection, locked, id)
}

// AddLabel adds a label, optionally in an atomic group (0 for none).
func AddLabel(c *check.C, st *store.Store, name string, platform, onlyIfNeeded bool, atomicGroupID int64) int64 {
	ag := sql.NullInt64{Int64: atomicGroupID, Valid: atomicGroupID != 0}
	return insert(c, st, `INSERT INTO labels (name, platform, only_if_needed, atomic_group_id) VALUES (?, ?, ?, ?)`,
		name, platform, onlyIfNeeded, ag)
}

// LabelHost adds a label to a host.
func LabelHost(c *check.C, st *store.Store, hostID, labelID int64) {
	exec(c, st, `INSERT INTO hosts_labels (host_id, label_id) VALUES (?, ?)`, hostID, labelID)
}

// AddAtomicGroup adds an atomic group.
func AddAtomicGroup(c *check.C, st *store.Store, name string, maxMachines int) int64 {
	return insert(c, st, `INSERT INTO atomic_groups (name, max_number_of_machines) VALUES (?, ?)`, name, maxMachines)
}

// AddACL creates an ACL group containing the given user and hosts.
// The user is created if needed.
func AddACL(c *check.C, st *store.Store, name, login string, hostIDs ...int64) int64 {
	db := st.DB()
	var userID int64
	err := db.Get(&userID, db.Rebind(`SELECT id FROM users WHERE login=?`), login)
	if err == sql.ErrNoRows {
		userID = insert(c, st, `INSERT INTO users (login) VALUES (?)`, login)
	} else {
		c.Assert(err, check.IsNil)
	}
	aclID := insert(c, st, `INSERT INTO acl_groups (name) VALUES (?)`, name)
	exec(c, st, `INSERT INTO acl_groups_users (aclgroup_id, user_id) VALUES (?, ?)`, aclID, userID)
	for _, hostID := range hostIDs {
		exec(c, st, `INSERT INTO acl_groups_hosts (aclgroup_id, host_id) VALUES (?, ?)`, aclID, hostID)
	}
	return aclID
}

// AddJob adds a job.
func AddJob(c *check.C, st *store.Store, opts JobOptions) int64 {
	if opts.CreatedOn.IsZero() {
		opts.CreatedOn = time.Now().UTC()
	}
	if opts.SynchCount == 0 {
		opts.SynchCount = 1
	}
	if opts.ControlType == 0 {
		opts.ControlType = store.ControlClient
	}
	return insert(c, st, `INSERT INTO jobs (owner, name, priority, control_file, control_type, created_on,
		synch_count, timeout, run_verify, reboot_before, reboot_after, parse_failed_repair, max_runtime_hrs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		opts.Owner, opts.Name, opts.Priority, "job.run_test('sleeptest')", opts.ControlType, opts.CreatedOn,
		opts.SynchCount, opts.TimeoutHrs, opts.RunVerify, opts.RebootBefore, opts.RebootAfter,
		opts.ParseFailedRepair, opts.MaxRuntimeHrs)
}

// AddDependency makes a job require a label.
func AddDependency(c *check.C, st *store.Store, jobID, labelID int64) {
	exec(c, st, `INSERT INTO jobs_dependency_labels (job_id, label_id) VALUES (?, ?)`, jobID, labelID)
}

// AddEntry adds a Queued entry for a host (hostID) or a label
// (metaHost). Zero means none.
func AddEntry(c *check.C, st *store.Store, jobID, hostID, metaHost int64) int64 {
	host := sql.NullInt64{Int64: hostID, Valid: hostID != 0}
	meta := sql.NullInt64{Int64: metaHost, Valid: metaHost != 0}
	return insert(c, st, `INSERT INTO host_queue_entries (job_id, host_id, meta_host) VALUES (?, ?, ?)`,
		jobID, host, meta)
}

// AddAtomicEntry adds a Queued entry for an atomic group.
func AddAtomicEntry(c *check.C, st *store.Store, jobID, atomicGroupID, metaHost int64) int64 {
	meta := sql.NullInt64{Int64: metaHost, Valid: metaHost != 0}
	return insert(c, st, `INSERT INTO host_queue_entries (job_id, meta_host, atomic_group_id) VALUES (?, ?, ?)`,
		jobID, meta, atomicGroupID)
}

// SetEntry sets an entry's status, flags, host and execution
// subdirectory directly.
func SetEntry(c *check.C, st *store.Store, id int64, status store.EntryStatus, hostID int64, subdir string) {
	host := sql.NullInt64{Int64: hostID, Valid: hostID != 0}
	exec(c, st, `UPDATE host_queue_entries SET status=?, active=?, complete=?, host_id=?, execution_subdir=? WHERE id=?`,
		status, status.Active(), status.Complete(), host, subdir, id)
}

// SetStartedOn sets an entry's start time.
func SetStartedOn(c *check.C, st *store.Store, id int64, t time.Time) {
	exec(c, st, `UPDATE host_queue_entries SET started_on=? WHERE id=?`, t, id)
}

// Entry returns an entry, failing the test on error.
func Entry(c *check.C, st *store.Store, id int64) store.Entry {
	e, err := st.Entry(context.Background(), id)
	c.Assert(err, check.IsNil)
	return e
}

// Host returns a host, failing the test on error.
func Host(c *check.C, st *store.Store, id int64) store.Host {
	h, err := st.Host(context.Background(), id)
	c.Assert(err, check.IsNil)
	return h
}

// SpecialTasks returns all special tasks, ordered by id.
func SpecialTasks(c *check.C, st *store.Store) []store.SpecialTask {
	var tasks []store.SpecialTask
	err := st.DB().Select(&tasks, `SELECT id, host_id, task, time_requested, is_active, is_complete, success,
		queue_entry_id, requested_by FROM special_tasks ORDER BY id`)
	c.Assert(err, check.IsNil)
	return tasks
}
