// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/autotest/autotest-sub010/lib/dispatch/store"
	"github.com/sirupsen/logrus"
)

// A MetahostScheduler chooses a host for entries that name a label
// (a "metahost") instead of a host.
type MetahostScheduler interface {
	// CanSchedule returns true if this scheduler handles e.
	CanSchedule(e store.Entry) bool
	// Schedule returns the host to use for e, taking it from hs's
	// available hosts, or false if none is eligible now.
	Schedule(e store.Entry, hs *HostScheduler) (store.Host, bool)
}

var (
	metahostSchedulersMtx sync.Mutex
	metahostSchedulers    = map[string]func() MetahostScheduler{
		"label": func() MetahostScheduler { return labelScheduler{} },
	}
)

// RegisterMetahostScheduler makes a metahost scheduler available
// under name, for use in the MetahostSchedulers config entry.
func RegisterMetahostScheduler(name string, newScheduler func() MetahostScheduler) {
	metahostSchedulersMtx.Lock()
	defer metahostSchedulersMtx.Unlock()
	metahostSchedulers[name] = newScheduler
}

func lookupMetahostSchedulers(names []string) ([]MetahostScheduler, error) {
	metahostSchedulersMtx.Lock()
	defer metahostSchedulersMtx.Unlock()
	if len(names) == 0 {
		names = []string{"label"}
	}
	var list []MetahostScheduler
	for _, name := range names {
		newScheduler, ok := metahostSchedulers[name]
		if !ok {
			return nil, fmt.Errorf("unknown metahost scheduler %q", name)
		}
		list = append(list, newScheduler())
	}
	return list, nil
}

// labelScheduler assigns a metahost entry the first eligible ready
// host with the entry's label.
type labelScheduler struct{}

func (labelScheduler) CanSchedule(e store.Entry) bool {
	return e.MetaHost.Valid
}

func (labelScheduler) Schedule(e store.Entry, hs *HostScheduler) (store.Host, bool) {
	label := e.MetaHost.Int64
	ineligible := hs.IneligibleHosts(e)
	for _, id := range sortedIDs(hs.HostsInLabel(label)) {
		if !hs.IsHostUsable(id) || ineligible[id] {
			continue
		}
		if !hs.IsHostEligible(id, e) {
			hs.RemoveHostFromLabel(id, label)
			continue
		}
		return hs.PopHost(id), true
	}
	return store.Host{}, false
}

// HostScheduler decides which ready hosts can run which queued
// entries. Refresh loads a snapshot of the ready hosts and the ACL,
// label and block relations once per tick; hosts are removed from
// the snapshot as they are handed out.
type HostScheduler struct {
	store    *store.Store
	logger   logrus.FieldLogger
	metahost []MetahostScheduler

	available  map[int64]store.Host
	jobACLs    store.Relation
	ineligible store.Relation
	jobDeps    store.Relation
	hostACLs   store.Relation
	hostLabels store.Relation
	labelHosts store.Relation
	labels     map[int64]store.Label
}

func newHostScheduler(st *store.Store, names []string, logger logrus.FieldLogger) (*HostScheduler, error) {
	list, err := lookupMetahostSchedulers(names)
	if err != nil {
		return nil, err
	}
	return &HostScheduler{store: st, logger: logger, metahost: list}, nil
}

// Refresh loads the data needed to schedule the given entries.
func (hs *HostScheduler) Refresh(ctx context.Context, entries []store.Entry) error {
	var err error
	hs.available, err = hs.store.ReadyHosts(ctx)
	if err != nil {
		return err
	}
	jobIDs := make([]int64, 0, len(entries))
	seen := map[int64]bool{}
	for _, e := range entries {
		if !seen[e.JobID] {
			seen[e.JobID] = true
			jobIDs = append(jobIDs, e.JobID)
		}
	}
	if hs.jobACLs, err = hs.store.JobACLs(ctx, jobIDs); err != nil {
		return err
	}
	if hs.ineligible, err = hs.store.IneligibleHosts(ctx, jobIDs); err != nil {
		return err
	}
	if hs.jobDeps, err = hs.store.JobDependencies(ctx, jobIDs); err != nil {
		return err
	}
	hostIDs := make([]int64, 0, len(hs.available))
	for id := range hs.available {
		hostIDs = append(hostIDs, id)
	}
	if hs.hostACLs, err = hs.store.HostACLs(ctx, hostIDs); err != nil {
		return err
	}
	if hs.hostLabels, err = hs.store.HostLabels(ctx, hostIDs); err != nil {
		return err
	}
	hs.labelHosts = store.Relation{}
	for hostID, labels := range hs.hostLabels {
		for labelID := range labels {
			if hs.labelHosts[labelID] == nil {
				hs.labelHosts[labelID] = store.IDSet{}
			}
			hs.labelHosts[labelID][hostID] = true
		}
	}
	hs.labels, err = hs.store.Labels(ctx)
	return err
}

// HostsInLabel returns the available hosts with the given label.
func (hs *HostScheduler) HostsInLabel(labelID int64) store.IDSet {
	set := store.IDSet{}
	for id := range hs.labelHosts[labelID] {
		set[id] = true
	}
	return set
}

// RemoveHostFromLabel stops a host from being considered for the
// label again this tick.
func (hs *HostScheduler) RemoveHostFromLabel(hostID, labelID int64) {
	delete(hs.labelHosts[labelID], hostID)
}

// PopHost removes a host from the available hosts and returns it.
func (hs *HostScheduler) PopHost(hostID int64) store.Host {
	h := hs.available[hostID]
	delete(hs.available, hostID)
	return h
}

// IneligibleHosts returns the hosts e's job must not use.
func (hs *HostScheduler) IneligibleHosts(e store.Entry) store.IDSet {
	set := store.IDSet{}
	for id := range hs.ineligible[e.JobID] {
		set[id] = true
	}
	return set
}

// IsHostUsable returns true if the host is still available and can
// be used for metahosts. Invalid (one-time) hosts cannot.
func (hs *HostScheduler) IsHostUsable(hostID int64) bool {
	h, ok := hs.available[hostID]
	return ok && !h.Invalid
}

// IsHostEligible returns true if the host meets e's ACL, label and
// atomic group requirements. Invalid hosts are one-time hosts
// created for a specific job and skip the checks.
func (hs *HostScheduler) IsHostEligible(hostID int64, e store.Entry) bool {
	if h, ok := hs.available[hostID]; ok && h.Invalid {
		return true
	}
	deps := hs.jobDeps[e.JobID]
	hostLabels := hs.hostLabels[hostID]
	return hs.aclAccessible(hostID, e) &&
		hasAll(hostLabels, deps) &&
		hs.onlyIfNeededOK(deps, hostLabels, e) &&
		hs.atomicGroupOK(hostLabels, e)
}

func (hs *HostScheduler) aclAccessible(hostID int64, e store.Entry) bool {
	jobACLs := hs.jobACLs[e.JobID]
	for acl := range hs.hostACLs[hostID] {
		if jobACLs[acl] {
			return true
		}
	}
	return false
}

func hasAll(set, want store.IDSet) bool {
	for id := range want {
		if !set[id] {
			return false
		}
	}
	return true
}

// onlyIfNeededOK returns false if the host has an only_if_needed
// label that the job neither depends on nor requests as its
// metahost. Entries for a specific host are not restricted.
func (hs *HostScheduler) onlyIfNeededOK(deps, hostLabels store.IDSet, e store.Entry) bool {
	if !e.MetaHost.Valid {
		return true
	}
	for id := range hostLabels {
		if !hs.labels[id].OnlyIfNeeded || id == e.MetaHost.Int64 {
			continue
		}
		if !deps[id] {
			return false
		}
	}
	return true
}

// atomicGroupOK returns true if the host's atomic group (via its
// labels) is the one e asks for. A host in no atomic group matches
// only entries that ask for none.
func (hs *HostScheduler) atomicGroupOK(hostLabels store.IDSet, e store.Entry) bool {
	groups := map[int64]bool{}
	for id := range hostLabels {
		if l := hs.labels[id]; l.AtomicGroupID.Valid {
			groups[l.AtomicGroupID.Int64] = true
		}
	}
	if len(groups) > 1 {
		hs.logger.WithField("HostQueueEntry", e.ID).Errorf("host labels name more than one atomic group: %v", sortedIDs(groups))
	}
	if len(groups) == 0 {
		return !e.AtomicGroupID.Valid
	}
	if !e.AtomicGroupID.Valid {
		return false
	}
	// With more than one group the choice is arbitrary, so it
	// matches if any does.
	return groups[e.AtomicGroupID.Int64]
}

// ScheduleEntry returns the host e should run on, and removes it from
// the available hosts. It returns false if no host is available now.
func (hs *HostScheduler) ScheduleEntry(e store.Entry) (store.Host, bool, error) {
	if e.HostID.Valid {
		id := e.HostID.Int64
		if _, ok := hs.available[id]; !ok || !hs.IsHostEligible(id, e) {
			return store.Host{}, false, nil
		}
		return hs.PopHost(id), true, nil
	}
	for _, ms := range hs.metahost {
		if ms.CanSchedule(e) {
			h, ok := ms.Schedule(e, hs)
			return h, ok, nil
		}
	}
	return store.Host{}, false, fmt.Errorf("no metahost scheduler can handle entry %d", e.ID)
}

// FindEligibleAtomicGroup returns a group of available hosts, all
// from one label of e's atomic group, on which e's job can run. It
// returns nil if no label has enough eligible hosts. The returned
// hosts are removed from the available hosts.
func (hs *HostScheduler) FindEligibleAtomicGroup(e store.Entry, job store.Job, ag store.AtomicGroup) []store.Host {
	var metahostHosts store.IDSet
	if e.MetaHost.Valid {
		metahostHosts = hs.HostsInLabel(e.MetaHost.Int64)
	}
	ineligible := hs.IneligibleHosts(e)
	var labelIDs []int64
	for id, l := range hs.labels {
		if l.AtomicGroupID.Valid && l.AtomicGroupID.Int64 == ag.ID && !l.Invalid {
			labelIDs = append(labelIDs, id)
		}
	}
	sort.Slice(labelIDs, func(i, j int) bool { return labelIDs[i] < labelIDs[j] })
	for _, labelID := range labelIDs {
		var eligible []store.Host
		for id := range hs.labelHosts[labelID] {
			if metahostHosts != nil && !metahostHosts[id] {
				continue
			}
			if ineligible[id] || !hs.IsHostUsable(id) || !hs.IsHostEligible(id, e) {
				continue
			}
			eligible = append(eligible, hs.available[id])
		}
		if len(eligible) < job.SynchCount {
			continue
		}
		sort.Slice(eligible, func(i, j int) bool {
			return store.HostnameLess(eligible[i].Hostname, eligible[j].Hostname)
		})
		if len(eligible) > ag.MaxNumberOfMachines {
			eligible = eligible[:ag.MaxNumberOfMachines]
		}
		for _, h := range eligible {
			hs.PopHost(h.ID)
			for _, hosts := range hs.labelHosts {
				delete(hosts, h.ID)
			}
		}
		return eligible
	}
	return nil
}

func sortedIDs(set map[int64]bool) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
