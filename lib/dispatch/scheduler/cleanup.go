// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/autotest/autotest-sub010/lib/dispatch/agent"
	"github.com/autotest/autotest-sub010/lib/dispatch/store"
	"github.com/sirupsen/logrus"
)

// Maximum number of hosts probed at once.
const probeConcurrency = 16

func (d *Dispatcher) runCleanupMaybe(ctx context.Context) error {
	interval := d.cfg.Scheduler.CleanInterval.Duration()
	if interval <= 0 || d.now().Sub(d.lastClean) < interval {
		return nil
	}
	d.logger.Info("running periodic cleanup")
	err := d.cleanup(ctx)
	if err != nil {
		return err
	}
	d.lastClean = d.now()
	return nil
}

// cleanup aborts jobs that timed out, gives up on synchronous jobs
// that could not gather their hosts, deletes stale host blocks, and
// reports inconsistent entries.
func (d *Dispatcher) cleanup(ctx context.Context) error {
	now := d.now()
	jobs, err := d.store.JobsPastTimeout(ctx, now)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		d.logger.WithFields(logrus.Fields{"Job": job.ID, "TimeoutHrs": job.TimeoutHrs}).Info("aborting timed out job")
		entries, err := d.store.JobEntries(ctx, job.ID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Complete || e.Aborted {
				continue
			}
			err = d.store.AbortEntry(ctx, e.ID, agent.SystemUser, now)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				d.logger.WithError(err).WithField("HostQueueEntry", e.ID).Error("cannot abort entry")
			}
		}
	}

	if timeout := d.cfg.Scheduler.SyncStartTimeout.Duration(); timeout > 0 {
		jobs, err = d.store.SyncJobsPastStartTimeout(ctx, now.Add(-timeout))
		if err != nil {
			return err
		}
		for _, job := range jobs {
			d.logger.WithField("Job", job.ID).Info("synchronous job did not start in time")
			err := d.store.WithTx(ctx, func(ctx context.Context) error {
				return d.env.ApplySyncWaitPolicy(ctx, job)
			})
			if err != nil {
				d.logger.WithError(err).WithField("Job", job.ID).Error("cannot apply sync wait policy")
			}
		}
	}

	n, err := d.store.ClearInactiveBlocks(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		d.logger.WithField("Blocks", n).Info("deleted inactive host blocks")
	}

	bad, err := d.store.ActiveAndComplete(ctx)
	if err != nil {
		return err
	}
	for _, e := range bad {
		d.logger.WithField("HostQueueEntry", e.ID).Error("entry is both active and complete")
	}
	return nil
}

func (d *Dispatcher) probeHostsMaybe(ctx context.Context) error {
	interval := d.cfg.Scheduler.HostProbeInterval.Duration()
	if interval <= 0 || d.prober == nil || d.now().Sub(d.lastProbe) < interval {
		return nil
	}
	d.lastProbe = d.now()
	return d.probeHosts(ctx)
}

// probeHosts checks that idle Ready hosts answer. A host that has not
// answered for HostUnreachableGrace gets a Repair task, or goes
// straight to Repair Failed if it must not be repaired.
func (d *Dispatcher) probeHosts(ctx context.Context) error {
	hosts, err := d.store.HostsWithStatus(ctx, store.HostReady)
	if err != nil {
		return err
	}
	var idle []store.Host
	for _, h := range hosts {
		if d.hostAgent(h.ID) == nil {
			idle = append(idle, h)
		}
	}
	reachable := d.probe(ctx, idle)

	now := d.now()
	grace := d.cfg.Scheduler.HostUnreachableGrace.Duration()
	probed := map[int64]bool{}
	for i, h := range idle {
		probed[h.ID] = true
		if reachable[i] {
			delete(d.unreachableSince, h.ID)
			continue
		}
		since, ok := d.unreachableSince[h.ID]
		if !ok {
			since = now
			d.unreachableSince[h.ID] = now
		}
		if now.Sub(since) < grace {
			d.logger.WithField("Host", h.Hostname).Info("host is unreachable")
			continue
		}
		delete(d.unreachableSince, h.ID)
		err := d.store.WithTx(ctx, func(ctx context.Context) error {
			return d.repairUnreachable(ctx, h)
		})
		if err != nil {
			d.logger.WithError(err).WithField("Host", h.Hostname).Error("cannot repair unreachable host")
		}
	}
	for id := range d.unreachableSince {
		if !probed[id] {
			delete(d.unreachableSince, id)
		}
	}
	return nil
}

func (d *Dispatcher) repairUnreachable(ctx context.Context, h store.Host) error {
	logger := d.logger.WithField("Host", h.Hostname)
	if h.Protection == store.DoNotRepair {
		logger.Warn("host is unreachable and must not be repaired")
		return d.store.SetHostStatus(ctx, h.ID, store.HostRepairFailed)
	}
	queued, err := d.store.HostHasQueuedSpecialTask(ctx, h.ID)
	if err != nil || queued {
		return err
	}
	logger.Warn("host is unreachable, scheduling repair")
	_, err = d.store.CreateSpecialTask(ctx, h.ID, store.TaskRepair, 0, agent.SystemUser)
	return err
}

// probe checks the hosts concurrently. It returns one result per
// host.
func (d *Dispatcher) probe(ctx context.Context, hosts []store.Host) []bool {
	timeout := d.cfg.Scheduler.DroneCallTimeout.Duration()
	if timeout <= 0 {
		timeout = time.Minute
	}
	results := make([]bool, len(hosts))
	sem := make(chan struct{}, probeConcurrency)
	var wg sync.WaitGroup
	for i, h := range hosts {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, hostname string) {
			defer wg.Done()
			defer func() { <-sem }()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			results[i] = d.prober.IsReachable(ctx, hostname)
		}(i, h.Hostname)
	}
	wg.Wait()
	return results
}
