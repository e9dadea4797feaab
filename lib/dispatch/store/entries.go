// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

const entryColumns = `host_queue_entries.id, host_queue_entries.job_id, host_queue_entries.host_id,
	host_queue_entries.profile, host_queue_entries.status, host_queue_entries.meta_host,
	host_queue_entries.active, host_queue_entries.complete, host_queue_entries.deleted,
	host_queue_entries.execution_subdir, host_queue_entries.atomic_group_id,
	host_queue_entries.aborted, host_queue_entries.started_on`

// Entry returns the host queue entry with the given id.
func (s *Store) Entry(ctx context.Context, id int64) (Entry, error) {
	var e Entry
	err := s.get(ctx, &e, `SELECT `+entryColumns+` FROM host_queue_entries WHERE id=?`, id)
	if err != nil {
		return e, fmt.Errorf("host queue entry %d: %w", id, err)
	}
	return e, nil
}

// EntriesWithStatus returns the entries in any of the given
// statuses, ordered by id.
func (s *Store) EntriesWithStatus(ctx context.Context, statuses ...EntryStatus) ([]Entry, error) {
	var entries []Entry
	err := s.selectIn(ctx, &entries, `SELECT `+entryColumns+` FROM host_queue_entries
		WHERE status IN (?) ORDER BY id`, statuses)
	return entries, err
}

// QueuedEntries returns the entries waiting to be scheduled, by job
// priority, then non-metahost before metahost, then job and entry
// id.
func (s *Store) QueuedEntries(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := s.selectRows(ctx, &entries, `SELECT `+entryColumns+` FROM host_queue_entries
		INNER JOIN jobs ON (host_queue_entries.job_id = jobs.id)
		WHERE NOT host_queue_entries.complete AND NOT host_queue_entries.active
		 AND host_queue_entries.status=?
		ORDER BY jobs.priority DESC, (host_queue_entries.meta_host IS NOT NULL),
		 host_queue_entries.job_id, host_queue_entries.id`, EntryQueued)
	return entries, err
}

// AbortingEntries returns entries that have been aborted but not
// yet reached a final status.
func (s *Store) AbortingEntries(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := s.selectRows(ctx, &entries, `SELECT `+entryColumns+` FROM host_queue_entries
		WHERE aborted AND NOT complete ORDER BY id`)
	return entries, err
}

// JobEntries returns all entries of a job, ordered by id.
func (s *Store) JobEntries(ctx context.Context, jobID int64) ([]Entry, error) {
	var entries []Entry
	err := s.selectRows(ctx, &entries, `SELECT `+entryColumns+` FROM host_queue_entries
		WHERE job_id=? ORDER BY id`, jobID)
	return entries, err
}

// GroupEntries returns the entries of a job that share an execution
// subdirectory.
func (s *Store) GroupEntries(ctx context.Context, jobID int64, subdir string) ([]Entry, error) {
	var entries []Entry
	err := s.selectRows(ctx, &entries, `SELECT `+entryColumns+` FROM host_queue_entries
		WHERE job_id=? AND execution_subdir=? ORDER BY id`, jobID, subdir)
	return entries, err
}

// CountJobEntries returns the number of a job's entries in any of
// the given statuses.
func (s *Store) CountJobEntries(ctx context.Context, jobID int64, statuses ...EntryStatus) (int, error) {
	query, args, err := sqlx.In(`SELECT COUNT(*) FROM host_queue_entries WHERE job_id=? AND status IN (?)`, jobID, statuses)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.get(ctx, &n, query, args...)
	return n, err
}

// AtomicJobStarted returns true if any of a job's atomic group
// entries has reached Starting or beyond.
func (s *Store) AtomicJobStarted(ctx context.Context, jobID int64) (bool, error) {
	var n int
	err := s.get(ctx, &n, `SELECT COUNT(*) FROM host_queue_entries
		WHERE job_id=? AND atomic_group_id IS NOT NULL AND status IN (?, ?, ?)`,
		jobID, EntryStarting, EntryRunning, EntryCompleted)
	return n > 0, err
}

// CountAssignedHosts returns the number of a job's entries that have
// a host.
func (s *Store) CountAssignedHosts(ctx context.Context, jobID int64) (int, error) {
	var n int
	err := s.get(ctx, &n, `SELECT COUNT(*) FROM host_queue_entries WHERE job_id=? AND host_id IS NOT NULL`, jobID)
	return n, err
}

// ExecutionSubdirs returns the distinct execution subdirectories of
// a job's entries.
func (s *Store) ExecutionSubdirs(ctx context.Context, jobID int64) ([]string, error) {
	var subdirs []string
	err := s.selectRows(ctx, &subdirs, `SELECT DISTINCT execution_subdir FROM host_queue_entries WHERE job_id=?`, jobID)
	return subdirs, err
}

// SetEntryStatus updates an entry's status and the active and
// complete flags derived from it.
func (s *Store) SetEntryStatus(ctx context.Context, id int64, status EntryStatus) error {
	s.logger.WithFields(logrus.Fields{"HostQueueEntry": id, "Status": status}).Info("entry status")
	_, err := s.exec(ctx, `UPDATE host_queue_entries SET status=?, active=?, complete=? WHERE id=?`,
		status, status.Active(), status.Complete(), id)
	return err
}

// SetExecutionSubdir updates an entry's execution subdirectory.
func (s *Store) SetExecutionSubdir(ctx context.Context, id int64, subdir string) error {
	_, err := s.exec(ctx, `UPDATE host_queue_entries SET execution_subdir=? WHERE id=?`, subdir, id)
	return err
}

// SetStartedOn updates an entry's start time. The zero time clears
// it.
func (s *Store) SetStartedOn(ctx context.Context, id int64, t time.Time) error {
	startedOn := sql.NullTime{Time: t, Valid: !t.IsZero()}
	_, err := s.exec(ctx, `UPDATE host_queue_entries SET started_on=? WHERE id=?`, startedOn, id)
	return err
}

// ReleaseHost removes a metahost entry's host assignment and the
// block created when it was assigned.
func (s *Store) ReleaseHost(ctx context.Context, e Entry) error {
	if !e.HostID.Valid {
		return nil
	}
	return s.WithTx(ctx, func(ctx context.Context) error {
		s.logger.WithField("HostQueueEntry", e.ID).Info("releasing host")
		err := s.UnblockHost(ctx, e.JobID, e.HostID.Int64)
		if err != nil {
			return err
		}
		_, err = s.exec(ctx, `UPDATE host_queue_entries SET host_id=NULL WHERE id=?`, e.ID)
		return err
	})
}

// AssignHost marks a Queued entry Verifying on the given host. It
// fails with ErrConflict if the entry is no longer Queued, or if
// another active entry holds the host.
func (s *Store) AssignHost(ctx context.Context, entryID, hostID int64) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		e, err := s.Entry(ctx, entryID)
		if err != nil {
			return err
		}
		if e.Status != EntryQueued || e.Aborted || e.Complete {
			return fmt.Errorf("entry %d is %s: %w", entryID, e.Status, ErrConflict)
		}
		if e.HostID.Valid && e.HostID.Int64 != hostID {
			return fmt.Errorf("entry %d is assigned to host %d, not %d: %w", entryID, e.HostID.Int64, hostID, ErrConflict)
		}
		var holder []int64
		err = s.selectRows(ctx, &holder, `SELECT id FROM host_queue_entries
			WHERE host_id=? AND active AND id<>?`, hostID, entryID)
		if err != nil {
			return err
		}
		if len(holder) > 0 {
			return fmt.Errorf("host %d is held by entry %d: %w", hostID, holder[0], ErrConflict)
		}
		if !e.HostID.Valid {
			s.logger.WithFields(logrus.Fields{"HostQueueEntry": entryID, "Host": hostID}).Info("assigning host")
			err = s.BlockHost(ctx, e.JobID, hostID)
			if err != nil {
				return err
			}
		}
		n, err := s.exec(ctx, `UPDATE host_queue_entries SET host_id=?, status=?, active=?, complete=?
			WHERE id=? AND status=? AND NOT aborted`,
			hostID, EntryVerifying, true, false, entryID, EntryQueued)
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("entry %d changed during assignment: %w", entryID, ErrConflict)
		}
		return nil
	})
}

// CloneEntry inserts a new Queued entry with the template's job,
// metahost, atomic group and profile.
func (s *Store) CloneEntry(ctx context.Context, template Entry) (Entry, error) {
	id, err := s.insert(ctx, `INSERT INTO host_queue_entries
		(job_id, profile, status, meta_host, atomic_group_id) VALUES (?, ?, ?, ?, ?)`,
		template.JobID, template.Profile, EntryQueued, template.MetaHost, template.AtomicGroupID)
	if err != nil {
		return Entry{}, err
	}
	return s.Entry(ctx, id)
}

// AbortEntry flags an entry for abort, recording who asked. The
// dispatcher acts on the flag in its next tick.
func (s *Store) AbortEntry(ctx context.Context, id int64, abortedBy string, now time.Time) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		n, err := s.exec(ctx, `UPDATE host_queue_entries SET aborted=? WHERE id=? AND NOT complete`, true, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("host queue entry %d: %w", id, ErrNotFound)
		}
		var existing []int64
		err = s.selectRows(ctx, &existing, `SELECT queue_entry_id FROM aborted_host_queue_entries WHERE queue_entry_id=?`, id)
		if err != nil || len(existing) > 0 {
			return err
		}
		_, err = s.exec(ctx, `INSERT INTO aborted_host_queue_entries (queue_entry_id, aborted_by, aborted_on) VALUES (?, ?, ?)`,
			id, abortedBy, now)
		return err
	})
}

// AbortInfo returns who aborted an entry and when, or ErrNotFound.
func (s *Store) AbortInfo(ctx context.Context, id int64) (string, time.Time, error) {
	var row struct {
		AbortedBy string    `db:"aborted_by"`
		AbortedOn time.Time `db:"aborted_on"`
	}
	err := s.get(ctx, &row, `SELECT aborted_by, aborted_on FROM aborted_host_queue_entries WHERE queue_entry_id=?`, id)
	return row.AbortedBy, row.AbortedOn, err
}

// EntriesPastMaxRuntime returns started, incomplete, unaborted
// entries whose job's max runtime has elapsed.
func (s *Store) EntriesPastMaxRuntime(ctx context.Context, now time.Time) ([]Entry, error) {
	var rows []struct {
		Entry
		MaxRuntimeHrs int `db:"max_runtime_hrs"`
	}
	err := s.selectRows(ctx, &rows, `SELECT `+entryColumns+`, jobs.max_runtime_hrs
		FROM host_queue_entries INNER JOIN jobs ON (host_queue_entries.job_id = jobs.id)
		WHERE NOT host_queue_entries.complete AND NOT host_queue_entries.aborted
		 AND host_queue_entries.started_on IS NOT NULL
		ORDER BY host_queue_entries.id`)
	if err != nil {
		return nil, err
	}
	var expired []Entry
	for _, row := range rows {
		if row.StartedOn.Time.Add(time.Duration(row.MaxRuntimeHrs) * time.Hour).Before(now) {
			expired = append(expired, row.Entry)
		}
	}
	return expired, nil
}

// ActiveAndComplete returns entries whose active and complete flags
// are both set, which never happens unless something outside the
// scheduler wrote them.
func (s *Store) ActiveAndComplete(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := s.selectRows(ctx, &entries, `SELECT `+entryColumns+` FROM host_queue_entries
		WHERE active AND complete ORDER BY id`)
	return entries, err
}
