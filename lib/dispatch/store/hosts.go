// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

const hostColumns = `hosts.id, hosts.hostname, hosts.locked, hosts.status, hosts.invalid, hosts.protection, hosts.dirty`

// Host returns the host with the given id.
func (s *Store) Host(ctx context.Context, id int64) (Host, error) {
	var h Host
	err := s.get(ctx, &h, `SELECT `+hostColumns+` FROM hosts WHERE id=?`, id)
	if err != nil {
		return h, fmt.Errorf("host %d: %w", id, err)
	}
	return h, nil
}

// HostByName returns the host with the given hostname.
func (s *Store) HostByName(ctx context.Context, hostname string) (Host, error) {
	var h Host
	err := s.get(ctx, &h, `SELECT `+hostColumns+` FROM hosts WHERE hostname=?`, hostname)
	if err != nil {
		return h, fmt.Errorf("host %q: %w", hostname, err)
	}
	return h, nil
}

// Hosts returns all hosts, ordered by id.
func (s *Store) Hosts(ctx context.Context) ([]Host, error) {
	var hosts []Host
	err := s.selectRows(ctx, &hosts, `SELECT `+hostColumns+` FROM hosts ORDER BY id`)
	return hosts, err
}

// ReadyHosts returns the hosts that can take a new job: unlocked,
// status Ready, and not used by any active entry.
func (s *Store) ReadyHosts(ctx context.Context) (map[int64]Host, error) {
	var hosts []Host
	err := s.selectRows(ctx, &hosts, `SELECT `+hostColumns+` FROM hosts
		LEFT JOIN host_queue_entries AS active_hqe
		 ON (hosts.id = active_hqe.host_id AND active_hqe.active)
		WHERE active_hqe.host_id IS NULL
		 AND NOT hosts.locked
		 AND (hosts.status IS NULL OR hosts.status = ?)`, HostReady)
	if err != nil {
		return nil, err
	}
	result := make(map[int64]Host, len(hosts))
	for _, h := range hosts {
		result[h.ID] = h
	}
	return result, nil
}

// HostsWithStatus returns unlocked, valid hosts in any of the given
// statuses.
func (s *Store) HostsWithStatus(ctx context.Context, statuses ...HostStatus) ([]Host, error) {
	var hosts []Host
	err := s.selectIn(ctx, &hosts, `SELECT `+hostColumns+` FROM hosts
		WHERE NOT locked AND NOT invalid AND status IN (?) ORDER BY id`, statuses)
	return hosts, err
}

// SetHostStatus updates a host's status.
func (s *Store) SetHostStatus(ctx context.Context, id int64, status HostStatus) error {
	s.logger.WithFields(logrus.Fields{"Host": id, "Status": status}).Info("host status")
	_, err := s.exec(ctx, `UPDATE hosts SET status=? WHERE id=?`, status, id)
	return err
}

// SetHostDirty updates a host's dirty flag.
func (s *Store) SetHostDirty(ctx context.Context, id int64, dirty bool) error {
	_, err := s.exec(ctx, `UPDATE hosts SET dirty=? WHERE id=?`, dirty, id)
	return err
}

// HostACLs returns the ACL groups of each host.
func (s *Store) HostACLs(ctx context.Context, hostIDs []int64) (Relation, error) {
	return s.selectRelation(ctx, `SELECT host_id AS l, aclgroup_id AS r
		FROM acl_groups_hosts WHERE host_id IN (?)`, hostIDs)
}

// HostLabels returns the labels of each host.
func (s *Store) HostLabels(ctx context.Context, hostIDs []int64) (Relation, error) {
	return s.selectRelation(ctx, `SELECT host_id AS l, label_id AS r
		FROM hosts_labels WHERE host_id IN (?)`, hostIDs)
}

// PlatformAndLabels returns the name of the host's platform label
// (empty if none) and the names of all its labels, sorted.
func (s *Store) PlatformAndLabels(ctx context.Context, hostID int64) (string, []string, error) {
	var labels []Label
	err := s.selectRows(ctx, &labels, `SELECT labels.id, labels.name, labels.platform, labels.invalid, labels.only_if_needed, labels.atomic_group_id
		FROM labels INNER JOIN hosts_labels ON labels.id = hosts_labels.label_id
		WHERE hosts_labels.host_id=? ORDER BY labels.name`, hostID)
	if err != nil {
		return "", nil, err
	}
	var platform string
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		if l.Platform {
			platform = l.Name
		}
		names = append(names, l.Name)
	}
	return platform, names, nil
}

// Labels returns all labels keyed by id.
func (s *Store) Labels(ctx context.Context) (map[int64]Label, error) {
	var labels []Label
	err := s.selectRows(ctx, &labels, `SELECT id, name, platform, invalid, only_if_needed, atomic_group_id FROM labels`)
	if err != nil {
		return nil, err
	}
	result := make(map[int64]Label, len(labels))
	for _, l := range labels {
		result[l.ID] = l
	}
	return result, nil
}

// AtomicGroup returns the atomic group with the given id.
func (s *Store) AtomicGroup(ctx context.Context, id int64) (AtomicGroup, error) {
	var ag AtomicGroup
	err := s.get(ctx, &ag, `SELECT id, name, max_number_of_machines, invalid FROM atomic_groups WHERE id=?`, id)
	if err != nil {
		return ag, fmt.Errorf("atomic group %d: %w", id, err)
	}
	return ag, nil
}
