// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"context"
	"strings"
)

// Tables used by the scheduler. "ID" is replaced with the
// driver's auto-increment primary key type.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id ID,
		login varchar(255) NOT NULL UNIQUE)`,
	`CREATE TABLE IF NOT EXISTS atomic_groups (
		id ID,
		name varchar(255) NOT NULL UNIQUE,
		max_number_of_machines integer NOT NULL DEFAULT 1,
		invalid boolean NOT NULL DEFAULT FALSE)`,
	`CREATE TABLE IF NOT EXISTS labels (
		id ID,
		name varchar(255) NOT NULL UNIQUE,
		platform boolean NOT NULL DEFAULT FALSE,
		invalid boolean NOT NULL DEFAULT FALSE,
		only_if_needed boolean NOT NULL DEFAULT FALSE,
		atomic_group_id integer NULL REFERENCES atomic_groups(id))`,
	`CREATE TABLE IF NOT EXISTS hosts (
		id ID,
		hostname varchar(255) NOT NULL UNIQUE,
		locked boolean NOT NULL DEFAULT FALSE,
		status varchar(255) NOT NULL DEFAULT 'Ready',
		invalid boolean NOT NULL DEFAULT FALSE,
		protection smallint NOT NULL DEFAULT 0,
		dirty boolean NOT NULL DEFAULT FALSE)`,
	`CREATE TABLE IF NOT EXISTS hosts_labels (
		host_id integer NOT NULL REFERENCES hosts(id),
		label_id integer NOT NULL REFERENCES labels(id),
		PRIMARY KEY (host_id, label_id))`,
	`CREATE TABLE IF NOT EXISTS acl_groups (
		id ID,
		name varchar(255) NOT NULL UNIQUE)`,
	`CREATE TABLE IF NOT EXISTS acl_groups_users (
		aclgroup_id integer NOT NULL REFERENCES acl_groups(id),
		user_id integer NOT NULL REFERENCES users(id),
		PRIMARY KEY (aclgroup_id, user_id))`,
	`CREATE TABLE IF NOT EXISTS acl_groups_hosts (
		aclgroup_id integer NOT NULL REFERENCES acl_groups(id),
		host_id integer NOT NULL REFERENCES hosts(id),
		PRIMARY KEY (aclgroup_id, host_id))`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id ID,
		owner varchar(255) NOT NULL,
		name varchar(255) NOT NULL,
		priority integer NOT NULL DEFAULT 0,
		control_file text NOT NULL DEFAULT '',
		control_type smallint NOT NULL DEFAULT 2,
		created_on timestamp NOT NULL,
		synch_count integer NOT NULL DEFAULT 1,
		timeout integer NOT NULL DEFAULT 24,
		run_verify boolean NOT NULL DEFAULT TRUE,
		reboot_before smallint NOT NULL DEFAULT 0,
		reboot_after smallint NOT NULL DEFAULT 0,
		parse_failed_repair boolean NOT NULL DEFAULT TRUE,
		max_runtime_hrs integer NOT NULL DEFAULT 72)`,
	`CREATE TABLE IF NOT EXISTS jobs_dependency_labels (
		job_id integer NOT NULL REFERENCES jobs(id),
		label_id integer NOT NULL REFERENCES labels(id),
		PRIMARY KEY (job_id, label_id))`,
	`CREATE TABLE IF NOT EXISTS host_queue_entries (
		id ID,
		job_id integer NOT NULL REFERENCES jobs(id),
		host_id integer NULL REFERENCES hosts(id),
		profile varchar(255) NOT NULL DEFAULT '',
		status varchar(255) NOT NULL DEFAULT 'Queued',
		meta_host integer NULL REFERENCES labels(id),
		active boolean NOT NULL DEFAULT FALSE,
		complete boolean NOT NULL DEFAULT FALSE,
		deleted boolean NOT NULL DEFAULT FALSE,
		execution_subdir varchar(255) NOT NULL DEFAULT '',
		atomic_group_id integer NULL REFERENCES atomic_groups(id),
		aborted boolean NOT NULL DEFAULT FALSE,
		started_on timestamp NULL)`,
	// At most one active entry per (job, host).
	`CREATE UNIQUE INDEX IF NOT EXISTS host_queue_entries_active_job_host
		ON host_queue_entries (job_id, host_id) WHERE active`,
	`CREATE INDEX IF NOT EXISTS host_queue_entries_status
		ON host_queue_entries (status)`,
	`CREATE TABLE IF NOT EXISTS aborted_host_queue_entries (
		queue_entry_id integer PRIMARY KEY REFERENCES host_queue_entries(id),
		aborted_by varchar(255) NOT NULL,
		aborted_on timestamp NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS ineligible_host_queues (
		id ID,
		job_id integer NOT NULL REFERENCES jobs(id),
		host_id integer NOT NULL REFERENCES hosts(id))`,
	`CREATE TABLE IF NOT EXISTS special_tasks (
		id ID,
		host_id integer NOT NULL REFERENCES hosts(id),
		task varchar(64) NOT NULL,
		time_requested timestamp NOT NULL,
		is_active boolean NOT NULL DEFAULT FALSE,
		is_complete boolean NOT NULL DEFAULT FALSE,
		success boolean NOT NULL DEFAULT FALSE,
		queue_entry_id integer NULL REFERENCES host_queue_entries(id),
		requested_by varchar(255) NOT NULL DEFAULT '')`,
}

// Migrate creates any missing tables. Production databases are
// managed by the frontend's migrations; this is for standalone
// installations and tests.
func (s *Store) Migrate(ctx context.Context) error {
	id := "integer PRIMARY KEY AUTOINCREMENT"
	if s.db.DriverName() == "postgres" {
		id = "bigserial PRIMARY KEY"
	}
	return s.WithTx(ctx, func(ctx context.Context) error {
		for _, stmt := range schema {
			_, err := s.exec(ctx, strings.Replace(stmt, "id ID,", "id "+id+",", 1))
			if err != nil {
				return err
			}
		}
		return nil
	})
}
