// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

const taskColumns = `special_tasks.id, special_tasks.host_id, special_tasks.task, special_tasks.time_requested,
	special_tasks.is_active, special_tasks.is_complete, special_tasks.success,
	special_tasks.queue_entry_id, special_tasks.requested_by`

// CreateSpecialTask queues a special task on a host, optionally on
// behalf of a queue entry (entryID 0 means none).
func (s *Store) CreateSpecialTask(ctx context.Context, hostID int64, task TaskType, entryID int64, requestedBy string) (SpecialTask, error) {
	entry := sql.NullInt64{Int64: entryID, Valid: entryID != 0}
	id, err := s.insert(ctx, `INSERT INTO special_tasks (host_id, task, time_requested, queue_entry_id, requested_by)
		VALUES (?, ?, ?, ?, ?)`, hostID, task, time.Now().UTC(), entry, requestedBy)
	if err != nil {
		return SpecialTask{}, err
	}
	s.logger.WithFields(logrus.Fields{
		"SpecialTask":    id,
		"Task":           task,
		"Host":           hostID,
		"HostQueueEntry": entryID,
	}).Info("created special task")
	return s.SpecialTask(ctx, id)
}

// SpecialTask returns the special task with the given id.
func (s *Store) SpecialTask(ctx context.Context, id int64) (SpecialTask, error) {
	var t SpecialTask
	err := s.get(ctx, &t, `SELECT `+taskColumns+` FROM special_tasks WHERE id=?`, id)
	if err != nil {
		return t, fmt.Errorf("special task %d: %w", id, err)
	}
	return t, nil
}

// ActiveSpecialTasks returns tasks that were running when the
// scheduler last stopped.
func (s *Store) ActiveSpecialTasks(ctx context.Context) ([]SpecialTask, error) {
	var tasks []SpecialTask
	err := s.selectRows(ctx, &tasks, `SELECT `+taskColumns+` FROM special_tasks
		WHERE is_active AND NOT is_complete ORDER BY id`)
	return tasks, err
}

// QueuedSpecialTasks returns tasks that are ready to start: not
// started, on an unlocked host that no active entry holds unless the
// task is for that entry. Repair tasks come first, then Cleanup,
// Reset and Verify.
func (s *Store) QueuedSpecialTasks(ctx context.Context) ([]SpecialTask, error) {
	var tasks []SpecialTask
	err := s.selectRows(ctx, &tasks, `SELECT `+taskColumns+` FROM special_tasks
		INNER JOIN hosts ON (hosts.id = special_tasks.host_id)
		LEFT JOIN host_queue_entries AS active_hqe
		 ON (active_hqe.host_id = special_tasks.host_id AND active_hqe.active)
		WHERE NOT special_tasks.is_active AND NOT special_tasks.is_complete
		 AND NOT hosts.locked
		 AND (active_hqe.id IS NULL OR active_hqe.id = special_tasks.queue_entry_id)
		ORDER BY special_tasks.id`)
	if err != nil {
		return nil, err
	}
	seen := map[int64]bool{}
	uniq := tasks[:0]
	for _, t := range tasks {
		if !seen[t.ID] {
			seen[t.ID] = true
			uniq = append(uniq, t)
		}
	}
	sort.SliceStable(uniq, func(i, j int) bool {
		return uniq[i].Task.Priority() < uniq[j].Task.Priority()
	})
	return uniq, nil
}

// HostHasQueuedSpecialTask returns true if a task is waiting to
// start on the host.
func (s *Store) HostHasQueuedSpecialTask(ctx context.Context, hostID int64) (bool, error) {
	var n int
	err := s.get(ctx, &n, `SELECT COUNT(*) FROM special_tasks
		WHERE host_id=? AND NOT is_active AND NOT is_complete`, hostID)
	return n > 0, err
}

// CountEntryTasks returns the number of tasks of the given types
// created for an entry. Unless includeComplete is set, only
// incomplete tasks are counted.
func (s *Store) CountEntryTasks(ctx context.Context, entryID int64, includeComplete bool, types ...TaskType) (int, error) {
	query := `SELECT COUNT(*) FROM special_tasks WHERE queue_entry_id=? AND task IN (?)`
	if !includeComplete {
		query += ` AND NOT is_complete`
	}
	query, args, err := sqlx.In(query, entryID, types)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.get(ctx, &n, query, args...)
	return n, err
}

// ActivateSpecialTask marks a task as started.
func (s *Store) ActivateSpecialTask(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `UPDATE special_tasks SET is_active=? WHERE id=?`, true, id)
	return err
}

// FinishSpecialTask marks a task as complete.
func (s *Store) FinishSpecialTask(ctx context.Context, id int64, success bool) error {
	_, err := s.exec(ctx, `UPDATE special_tasks SET is_active=?, is_complete=?, success=? WHERE id=?`,
		false, true, success, id)
	return err
}

// DeleteQueuedVerifies deletes queued Verify tasks on a host that
// were not requested for an entry, except the given task.
func (s *Store) DeleteQueuedVerifies(ctx context.Context, hostID, exceptID int64) error {
	_, err := s.exec(ctx, `DELETE FROM special_tasks
		WHERE host_id=? AND task=? AND NOT is_active AND NOT is_complete
		 AND queue_entry_id IS NULL AND id<>?`, hostID, TaskVerify, exceptID)
	return err
}
