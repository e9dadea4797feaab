// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"context"
	"fmt"
	"time"
)

const jobColumns = `jobs.id, jobs.owner, jobs.name, jobs.priority, jobs.control_file, jobs.control_type,
	jobs.created_on, jobs.synch_count, jobs.timeout, jobs.run_verify, jobs.reboot_before,
	jobs.reboot_after, jobs.parse_failed_repair, jobs.max_runtime_hrs`

// Job returns the job with the given id. Jobs do not change once
// they are queued, so they are cached.
func (s *Store) Job(ctx context.Context, id int64) (Job, error) {
	if j, ok := s.jobs.Get(id); ok {
		return j.(Job), nil
	}
	var j Job
	err := s.get(ctx, &j, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	if err != nil {
		return j, fmt.Errorf("job %d: %w", id, err)
	}
	s.jobs.Add(id, j)
	return j, nil
}

// JobACLs returns the ACL groups of each job's owner.
func (s *Store) JobACLs(ctx context.Context, jobIDs []int64) (Relation, error) {
	return s.selectRelation(ctx, `SELECT jobs.id AS l, acl_groups_users.aclgroup_id AS r
		FROM jobs
		INNER JOIN users ON users.login = jobs.owner
		INNER JOIN acl_groups_users ON acl_groups_users.user_id = users.id
		WHERE jobs.id IN (?)`, jobIDs)
}

// JobDependencies returns the labels each job requires.
func (s *Store) JobDependencies(ctx context.Context, jobIDs []int64) (Relation, error) {
	return s.selectRelation(ctx, `SELECT job_id AS l, label_id AS r
		FROM jobs_dependency_labels WHERE job_id IN (?)`, jobIDs)
}

// IneligibleHosts returns the hosts each job must not be scheduled
// on again.
func (s *Store) IneligibleHosts(ctx context.Context, jobIDs []int64) (Relation, error) {
	return s.selectRelation(ctx, `SELECT job_id AS l, host_id AS r
		FROM ineligible_host_queues WHERE job_id IN (?)`, jobIDs)
}

// BlockHost makes a host ineligible for further entries of a job.
func (s *Store) BlockHost(ctx context.Context, jobID, hostID int64) error {
	s.logger.Infof("creating block %d/%d", jobID, hostID)
	_, err := s.insert(ctx, `INSERT INTO ineligible_host_queues (job_id, host_id) VALUES (?, ?)`, jobID, hostID)
	return err
}

// UnblockHost removes the blocks created by BlockHost.
func (s *Store) UnblockHost(ctx context.Context, jobID, hostID int64) error {
	s.logger.Infof("removing block %d/%d", jobID, hostID)
	_, err := s.exec(ctx, `DELETE FROM ineligible_host_queues WHERE job_id=? AND host_id=?`, jobID, hostID)
	return err
}

// ClearInactiveBlocks deletes the blocks of jobs with no incomplete
// entries, and returns the number deleted.
func (s *Store) ClearInactiveBlocks(ctx context.Context) (int64, error) {
	return s.exec(ctx, `DELETE FROM ineligible_host_queues WHERE job_id NOT IN
		(SELECT DISTINCT job_id FROM host_queue_entries WHERE NOT complete)`)
}

// JobsPastTimeout returns jobs with incomplete entries that were
// created more than their timeout ago.
func (s *Store) JobsPastTimeout(ctx context.Context, now time.Time) ([]Job, error) {
	var jobs []Job
	err := s.selectRows(ctx, &jobs, `SELECT `+jobColumns+` FROM jobs
		WHERE id IN (SELECT DISTINCT job_id FROM host_queue_entries WHERE NOT complete)
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var expired []Job
	for _, j := range jobs {
		if j.CreatedOn.Add(time.Duration(j.TimeoutHrs) * time.Hour).Before(now) {
			expired = append(expired, j)
		}
	}
	return expired, nil
}

// SyncJobsPastStartTimeout returns synchronous jobs created before
// cutoff that still have Pending entries.
func (s *Store) SyncJobsPastStartTimeout(ctx context.Context, cutoff time.Time) ([]Job, error) {
	var jobs []Job
	err := s.selectRows(ctx, &jobs, `SELECT `+jobColumns+` FROM jobs
		WHERE synch_count > 1
		 AND id IN (SELECT DISTINCT job_id FROM host_queue_entries WHERE status=?)
		ORDER BY id`, EntryPending)
	if err != nil {
		return nil, err
	}
	var expired []Job
	for _, j := range jobs {
		if j.CreatedOn.Before(cutoff) {
			expired = append(expired, j)
		}
	}
	return expired, nil
}
