// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/autotest/autotest-sub010/lib/dispatch/agent"
	"github.com/autotest/autotest-sub010/lib/dispatch/store"
	"github.com/sirupsen/logrus"
)

type processKey struct {
	hostname string
	pid      int
}

// Initialize rebuilds the agents of a previous scheduler from the
// database and the processes still running on the drones. It must be
// called once, before the first Tick.
func (d *Dispatcher) Initialize(ctx context.Context) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.lastClean = d.now()

	tasks, err := d.recoveryTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		t.RegisterPidfiles()
	}
	err = d.drones.Refresh(ctx)
	if err != nil {
		d.logger.WithError(err).Warn("drone refresh incomplete")
	}
	err = d.recoverTasks(ctx, tasks)
	if err != nil {
		return err
	}
	err = d.recoverPendingEntries(ctx)
	if err != nil {
		return err
	}
	err = d.checkUnrecoveredVerifyingEntries(ctx)
	if err != nil {
		return err
	}
	err = d.reverifyHosts(ctx, "recovering active host, which probably indicates a scheduler bug",
		store.HostRepairing, store.HostVerifying, store.HostCleaning, store.HostResetting)
	if err != nil {
		return err
	}
	if d.cfg.Scheduler.RecoverHosts {
		err = d.reverifyHosts(ctx, "reverifying dead host", store.HostRepairFailed)
		if err != nil {
			return err
		}
	}
	// Killing orphans can leave files behind, so the drones are
	// reinitialized after the actions run.
	err = d.drones.ExecuteActions(ctx)
	if err != nil {
		d.logger.WithError(err).Warn("some drone actions failed")
	}
	err = d.drones.ReinitializeDrones(ctx)
	if err != nil {
		d.logger.WithError(err).Warn("cannot reinitialize some drones")
	}
	d.updateMetrics()
	return nil
}

// recoveryTasks returns tasks for the active entries and the active
// special tasks.
func (d *Dispatcher) recoveryTasks(ctx context.Context) ([]agent.Task, error) {
	tasks, err := d.entryTasks(ctx)
	if err != nil {
		return nil, err
	}
	active, err := d.store.ActiveSpecialTasks(ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range active {
		t, err := d.env.NewSpecialTask(ctx, st)
		if err != nil {
			d.logger.WithError(err).WithField("SpecialTask", st.ID).Error("cannot recover special task")
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// recoverTasks attaches each task to its running process, if any,
// and adds an agent for it. Drone processes that no task claims are
// orphans.
func (d *Dispatcher) recoverTasks(ctx context.Context, tasks []agent.Task) error {
	orphans := map[processKey]string{}
	for _, p := range d.drones.OrphanedProcesses() {
		orphans[processKey{p.Hostname, p.Pid}] = p.String()
	}
	for _, t := range tasks {
		err := t.Recover(ctx)
		if err != nil {
			d.logger.WithError(err).WithField("Task", t.String()).Error("cannot recover task")
		}
		if m := t.Monitor(); m != nil && m.HasProcess() {
			p := m.Process()
			delete(orphans, processKey{p.Hostname, p.Pid})
		}
		d.addAgent(agent.New(t))
	}
	if len(orphans) == 0 {
		return nil
	}
	var list []string
	for _, p := range orphans {
		list = append(list, p)
		d.logger.WithField("Process", p).Error("unrecovered orphan process")
	}
	if d.cfg.Scheduler.DieOnOrphans {
		return fmt.Errorf("unrecovered orphan processes remain: %s", strings.Join(list, ", "))
	}
	return nil
}

// recoverPendingEntries runs Pending entries that have no agent
// through OnPending again.
func (d *Dispatcher) recoverPendingEntries(ctx context.Context) error {
	entries, err := d.store.EntriesWithStatus(ctx, store.EntryPending)
	if err != nil {
		return err
	}
	for _, e := range entries {
		// OnPending for an earlier entry may have started
		// this one's job.
		e, err := d.store.Entry(ctx, e.ID)
		if err != nil {
			return err
		}
		if e.Status != store.EntryPending || len(d.agentsForEntry(e.ID)) > 0 {
			continue
		}
		d.logger.WithField("HostQueueEntry", e.ID).Info("recovering Pending entry")
		err = d.store.WithTx(ctx, func(ctx context.Context) error {
			return d.env.OnPending(ctx, &e)
		})
		if err != nil {
			d.logger.WithError(err).WithField("HostQueueEntry", e.ID).Error("cannot recover Pending entry")
		}
	}
	return nil
}

// checkUnrecoveredVerifyingEntries returns an error if a Verifying
// entry has no incomplete Cleanup or Verify task that would move it
// on.
func (d *Dispatcher) checkUnrecoveredVerifyingEntries(ctx context.Context) error {
	entries, err := d.store.EntriesWithStatus(ctx, store.EntryVerifying)
	if err != nil {
		return err
	}
	var stuck []string
	for _, e := range entries {
		n, err := d.store.CountEntryTasks(ctx, e.ID, false, store.TaskCleanup, store.TaskVerify, store.TaskReset)
		if err != nil {
			return err
		}
		if n == 0 {
			stuck = append(stuck, e.String())
		}
	}
	if len(stuck) > 0 {
		return fmt.Errorf("%d unrecovered verifying host queue entries: %s", len(stuck), strings.Join(stuck, "; "))
	}
	return nil
}

// reverifyHosts queues a Cleanup task for each unlocked, valid host
// in one of the given statuses, unless something is already going to
// happen to the host.
func (d *Dispatcher) reverifyHosts(ctx context.Context, message string, statuses ...store.HostStatus) error {
	hosts, err := d.store.HostsWithStatus(ctx, statuses...)
	if err != nil {
		return err
	}
	for _, h := range hosts {
		if d.hostAgent(h.ID) != nil {
			continue
		}
		queued, err := d.store.HostHasQueuedSpecialTask(ctx, h.ID)
		if err != nil {
			return err
		}
		if queued {
			continue
		}
		d.logger.WithFields(logrus.Fields{"Host": h.Hostname, "Status": h.Status}).Info(message)
		_, err = d.store.CreateSpecialTask(ctx, h.ID, store.TaskCleanup, 0, agent.SystemUser)
		if err != nil {
			return err
		}
	}
	return nil
}
