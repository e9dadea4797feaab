// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package agent

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/autotest/autotest-sub010/lib/config"
	"github.com/autotest/autotest-sub010/lib/dispatch/dronemgr"
	"github.com/autotest/autotest-sub010/lib/dispatch/store"
	"github.com/sirupsen/logrus"
)

var allPidfiles = []string{dronemgr.AutoservPidfile, dronemgr.CrashinfoPidfile, dronemgr.ParserPidfile}

func entryLogger(logger logrus.FieldLogger, e *store.Entry) logrus.FieldLogger {
	return logger.WithFields(logrus.Fields{"HostQueueEntry": e.ID, "Job": e.JobID})
}

// SetEntryStatus updates e and its database row. When e reaches a
// final status, its job's unrun entries are stopped if the job can
// no longer run, and its pidfiles are no longer refreshed.
func (env *Env) SetEntryStatus(ctx context.Context, e *store.Entry, status store.EntryStatus) error {
	err := env.Store.SetEntryStatus(ctx, e.ID, status)
	if err != nil {
		return err
	}
	e.Status, e.Active, e.Complete = status, status.Active(), status.Complete()
	if !e.Complete {
		return nil
	}
	if status != store.EntryAborted {
		err = env.StopIfNecessary(ctx, e.JobID)
		if err != nil {
			return err
		}
	}
	if e.ExecutionSubdir == "" {
		return nil
	}
	job, err := env.Store.Job(ctx, e.JobID)
	if err != nil {
		return err
	}
	for _, name := range allPidfiles {
		env.Drones.UnregisterPidfile(env.Drones.PidfileIDFrom(e.ExecutionTag(job), name))
	}
	return nil
}

func (env *Env) setExecutionSubdir(ctx context.Context, e *store.Entry, subdir string) error {
	err := env.Store.SetExecutionSubdir(ctx, e.ID, subdir)
	if err != nil {
		return err
	}
	e.ExecutionSubdir = subdir
	return nil
}

// SchedulePreJobTasks moves a newly assigned entry into Verifying
// and queues the Cleanup or Verify task its job and host call for.
// If neither is needed, the entry goes straight to Pending.
func (env *Env) SchedulePreJobTasks(ctx context.Context, e *store.Entry) error {
	job, err := env.Store.Job(ctx, e.JobID)
	if err != nil {
		return err
	}
	if !e.HostID.Valid {
		return fmt.Errorf("entry %d has no host", e.ID)
	}
	host, err := env.Store.Host(ctx, e.HostID.Int64)
	if err != nil {
		return err
	}
	entryLogger(env.Logger, e).WithFields(logrus.Fields{
		"JobName": job.Name,
		"Host":    host.Hostname,
	}).Info("scheduled on host")
	err = env.SetEntryStatus(ctx, e, store.EntryVerifying)
	if err != nil {
		return err
	}
	var task store.TaskType
	switch {
	case job.RebootBefore == store.RebootBeforeAlways,
		job.RebootBefore == store.RebootBeforeIfDirty && host.Dirty:
		task = store.TaskCleanup
	case job.RunVerify && host.Protection != store.DoNotVerify:
		task = store.TaskVerify
	default:
		return env.OnPending(ctx, e)
	}
	_, err = env.Store.CreateSpecialTask(ctx, host.ID, task, e.ID, "")
	return err
}

// OnPending is called when an entry's host has passed its pre-job
// tasks. The entry and host go Pending, and the job runs if enough
// of its entries are Pending.
func (env *Env) OnPending(ctx context.Context, e *store.Entry) error {
	err := env.SetEntryStatus(ctx, e, store.EntryPending)
	if err != nil {
		return err
	}
	if e.HostID.Valid {
		err = env.Store.SetHostStatus(ctx, e.HostID.Int64, store.HostPending)
		if err != nil {
			return err
		}
	}
	err = env.RunIfReady(ctx, e)
	if err != nil {
		return err
	}
	job, err := env.Store.Job(ctx, e.JobID)
	if err != nil {
		return err
	}
	if job.SynchCount == 1 && e.Status == store.EntryPending {
		entryLogger(env.Logger, e).Warn("asynchronous job stuck in Pending")
	}
	return nil
}

// isReady returns true if the job has enough Pending entries to run
// and is not an atomic group job that has already started.
func (env *Env) isReady(ctx context.Context, job store.Job) (bool, error) {
	pending, err := env.Store.CountJobEntries(ctx, job.ID, store.EntryPending)
	if err != nil {
		return false, err
	}
	started, err := env.Store.AtomicJobStarted(ctx, job.ID)
	if err != nil {
		return false, err
	}
	ready := pending >= job.SynchCount && !started
	if !ready {
		env.Logger.WithFields(logrus.Fields{
			"Job":           job.ID,
			"Pending":       pending,
			"SynchCount":    job.SynchCount,
			"AtomicStarted": started,
		}).Info("job not ready")
	}
	return ready, nil
}

// RunIfReady starts e's job if enough hosts are Pending, and stops
// the job's unrun entries if it can no longer run.
func (env *Env) RunIfReady(ctx context.Context, e *store.Entry) error {
	job, err := env.Store.Job(ctx, e.JobID)
	if err != nil {
		return err
	}
	ready, err := env.isReady(ctx, job)
	if err != nil {
		return err
	}
	switch {
	case !ready:
		return env.StopIfNecessary(ctx, job.ID)
	case e.AtomicGroupID.Valid:
		return env.runWithReadyDelay(ctx, e, job)
	default:
		return env.run(ctx, e, job)
	}
}

// runWithReadyDelay runs an atomic group job now if it has all the
// hosts it could use, or if its wait for more hosts is over.
// Otherwise the entry goes Waiting, and a DelayTask is scheduled for
// it.
func (env *Env) runWithReadyDelay(ctx context.Context, e *store.Entry, job store.Job) error {
	delay := env.Config.Scheduler.SyncWaitTimeout.Duration()
	ag, err := env.Store.AtomicGroup(ctx, e.AtomicGroupID.Int64)
	if err != nil {
		return err
	}
	pending, err := env.Store.CountJobEntries(ctx, job.ID, store.EntryPending)
	if err != nil {
		return err
	}
	assigned, err := env.Store.CountAssignedHosts(ctx, job.ID)
	if err != nil {
		return err
	}
	maxNeeded := assigned
	if ag.MaxNumberOfMachines < maxNeeded {
		maxNeeded = ag.MaxNumberOfMachines
	}
	dt := env.delays[job.ID]
	expired := dt != nil && !env.now().Before(dt.end)
	if delay <= 0 || pending >= maxNeeded || expired {
		return env.run(ctx, e, job)
	}
	return env.SetEntryStatus(ctx, e, store.EntryWaiting)
}

// ScheduleDelayTask moves a Waiting entry to Pending, and returns a
// task that runs the entry's job when the wait for more hosts is
// over. It returns nil if the job already has a delay task.
func (env *Env) ScheduleDelayTask(ctx context.Context, e *store.Entry) (*DelayTask, error) {
	err := env.SetEntryStatus(ctx, e, store.EntryPending)
	if err != nil {
		return nil, err
	}
	if env.delays[e.JobID] != nil {
		return nil, nil
	}
	delay := env.Config.Scheduler.SyncWaitTimeout.Duration()
	entryID, jobID := e.ID, e.JobID
	env.Logger.WithFields(logrus.Fields{"Job": jobID, "Delay": delay}).Info("waiting for more hosts")
	dt := env.NewDelayTask(delay, fmt.Sprintf("ready delay for job %d", jobID), func(ctx context.Context) error {
		env.Logger.WithField("Job", jobID).Info("done waiting for extra hosts")
		job, err := env.Store.Job(ctx, jobID)
		if err != nil {
			return err
		}
		pending, err := env.Store.CountJobEntries(ctx, jobID, store.EntryPending)
		if err != nil {
			return err
		}
		if pending < job.SynchCount {
			env.Logger.WithFields(logrus.Fields{"Job": jobID, "Pending": pending}).Info("too few Pending hosts after waiting for extras")
			return env.ApplySyncWaitPolicy(ctx, job)
		}
		e, err := env.Store.Entry(ctx, entryID)
		if err != nil {
			return err
		}
		if e.Status != store.EntryPending {
			return nil
		}
		return env.run(ctx, &e, job)
	})
	env.delays[jobID] = dt
	return dt, nil
}

// ApplySyncWaitPolicy handles a synchronous job that could not
// gather enough hosts: its entries are either aborted, or its
// Pending entries are released back to the queue.
func (env *Env) ApplySyncWaitPolicy(ctx context.Context, job store.Job) error {
	entries, err := env.Store.JobEntries(ctx, job.ID)
	if err != nil {
		return err
	}
	policy := env.Config.Scheduler.SyncWaitPolicy
	env.Logger.WithFields(logrus.Fields{"Job": job.ID, "Policy": policy}).Info("synchronous job could not gather enough hosts")
	for i := range entries {
		e := &entries[i]
		if e.Complete {
			continue
		}
		if policy == config.SyncWaitRelease {
			if e.Status != store.EntryPending {
				continue
			}
			if e.HostID.Valid {
				err = env.Store.SetHostStatus(ctx, e.HostID.Int64, store.HostReady)
				if err != nil {
					return err
				}
			}
			err = env.Requeue(ctx, e)
		} else {
			err = env.Store.AbortEntry(ctx, e.ID, SystemUser, env.now())
		}
		if err != nil {
			return err
		}
	}
	if policy == config.SyncWaitRelease {
		env.abortDelayTask(job.ID)
	}
	return nil
}

// run assigns a group of Pending entries, including e, to run the
// job together, and moves them to Starting.
func (env *Env) run(ctx context.Context, e *store.Entry, job store.Job) error {
	if e.AtomicGroupID.Valid {
		started, err := env.Store.AtomicJobStarted(ctx, job.ID)
		if err != nil {
			return err
		}
		if started {
			entryLogger(env.Logger, e).Error("run called on running atomic job")
			return nil
		}
	}
	entries, err := env.chooseGroupToRun(ctx, e, job)
	if err != nil || len(entries) == 0 {
		return err
	}
	for i := range entries {
		err = env.SetEntryStatus(ctx, &entries[i], store.EntryStarting)
		if err != nil {
			return err
		}
		if entries[i].ID == e.ID {
			*e = entries[i]
		}
	}
	env.abortDelayTask(job.ID)
	return nil
}

func (env *Env) chooseGroupToRun(ctx context.Context, e *store.Entry, job store.Job) ([]store.Entry, error) {
	wanted := job.SynchCount
	if e.AtomicGroupID.Valid {
		ag, err := env.Store.AtomicGroup(ctx, e.AtomicGroupID.Int64)
		if err != nil {
			return nil, err
		}
		wanted = ag.MaxNumberOfMachines
	}
	chosen := []store.Entry{*e}
	if wanted > 1 {
		entries, err := env.Store.JobEntries(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		type candidate struct {
			entry    store.Entry
			hostname string
		}
		var pending []candidate
		for _, other := range entries {
			if other.ID == e.ID || other.Status != store.EntryPending || !other.HostID.Valid {
				continue
			}
			h, err := env.Store.Host(ctx, other.HostID.Int64)
			if err != nil {
				return nil, err
			}
			pending = append(pending, candidate{other, h.Hostname})
		}
		sort.SliceStable(pending, func(i, j int) bool {
			return store.HostnameLess(pending[i].hostname, pending[j].hostname)
		})
		for i := 0; i < len(pending) && len(chosen) < wanted; i++ {
			chosen = append(chosen, pending[i].entry)
		}
	}
	if len(chosen) < job.SynchCount {
		env.Logger.WithFields(logrus.Fields{
			"Job":        job.ID,
			"Chosen":     len(chosen),
			"SynchCount": job.SynchCount,
		}).Error("job not started, too few chosen entries")
		return nil, nil
	}

	var subdir string
	if len(chosen) == 1 {
		if !e.HostID.Valid {
			return nil, fmt.Errorf("entry %d has no host", e.ID)
		}
		h, err := env.Store.Host(ctx, e.HostID.Int64)
		if err != nil {
			return nil, err
		}
		subdir = h.Hostname
	} else {
		group, err := env.groupName(ctx, e)
		if err != nil {
			return nil, err
		}
		subdir, err = env.nextGroupName(ctx, job.ID, group)
		if err != nil {
			return nil, err
		}
		env.Logger.WithFields(logrus.Fields{"Job": job.ID, "Group": subdir, "Entries": len(chosen)}).Info("running synchronous job")
	}
	for i := range chosen {
		err := env.setExecutionSubdir(ctx, &chosen[i], subdir)
		if err != nil {
			return nil, err
		}
	}
	*e = chosen[0]
	return chosen, nil
}

// nextGroupName returns the next unused "[group.]groupN" execution
// subdirectory for a job.
func (env *Env) nextGroupName(ctx context.Context, jobID int64, group string) (string, error) {
	prefix := ""
	if group != "" {
		prefix = strings.ReplaceAll(group, "/", "_")
		if strings.HasPrefix(prefix, ".") {
			prefix = "_" + prefix[1:]
		}
		prefix += "."
	}
	re := regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + `group(\d+)`)
	subdirs, err := env.Store.ExecutionSubdirs(ctx, jobID)
	if err != nil {
		return "", err
	}
	next := 0
	for _, subdir := range subdirs {
		m := re.FindStringSubmatch(subdir)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err == nil && n >= next {
			next = n + 1
		}
	}
	return fmt.Sprintf("%sgroup%d", prefix, next), nil
}

// groupName returns the name of an atomic group entry's host group:
// the first of its metahost and job dependency labels that belongs
// to an atomic group, or else the atomic group's name. Entries
// outside atomic groups have no group name.
func (env *Env) groupName(ctx context.Context, e *store.Entry) (string, error) {
	if !e.AtomicGroupID.Valid {
		return "", nil
	}
	labels, err := env.Store.Labels(ctx)
	if err != nil {
		return "", err
	}
	var ids []int64
	if e.MetaHost.Valid {
		ids = append(ids, e.MetaHost.Int64)
	}
	deps, err := env.Store.JobDependencies(ctx, []int64{e.JobID})
	if err != nil {
		return "", err
	}
	var depIDs []int64
	for id := range deps[e.JobID] {
		depIDs = append(depIDs, id)
	}
	sort.Slice(depIDs, func(i, j int) bool { return depIDs[i] < depIDs[j] })
	ids = append(ids, depIDs...)
	for _, id := range ids {
		if l, ok := labels[id]; ok && l.AtomicGroupID.Valid {
			return l.Name, nil
		}
	}
	ag, err := env.Store.AtomicGroup(ctx, e.AtomicGroupID.Int64)
	if err != nil {
		return "", err
	}
	return ag.Name, nil
}

// StopIfNecessary stops a job's Queued and Pending entries if fewer
// unrun entries remain than the job needs to run.
func (env *Env) StopIfNecessary(ctx context.Context, jobID int64) error {
	job, err := env.Store.Job(ctx, jobID)
	if err != nil {
		return err
	}
	unrun, err := env.Store.CountJobEntries(ctx, jobID, store.EntryQueued, store.EntryPending, store.EntryVerifying)
	if err != nil {
		return err
	}
	if unrun >= job.SynchCount {
		return nil
	}
	entries, err := env.Store.JobEntries(ctx, jobID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Status != store.EntryQueued && e.Status != store.EntryPending {
			continue
		}
		if e.Status == store.EntryPending && e.HostID.Valid {
			err = env.Store.SetHostStatus(ctx, e.HostID.Int64, store.HostReady)
			if err != nil {
				return err
			}
		}
		err = env.Store.SetEntryStatus(ctx, e.ID, store.EntryStopped)
		if err != nil {
			return err
		}
	}
	return nil
}

// Requeue returns an entry to the queue after a failed pre-job
// task. A metahost entry gives up its host.
func (env *Env) Requeue(ctx context.Context, e *store.Entry) error {
	err := env.SetEntryStatus(ctx, e, store.EntryQueued)
	if err != nil {
		return err
	}
	err = env.Store.SetStartedOn(ctx, e.ID, time.Time{})
	if err != nil {
		return err
	}
	e.StartedOn.Valid = false
	err = env.setExecutionSubdir(ctx, e, "")
	if err != nil {
		return err
	}
	if e.MetaHost.Valid && e.HostID.Valid {
		err = env.Store.ReleaseHost(ctx, *e)
		if err != nil {
			return err
		}
		e.HostID.Valid = false
	}
	return nil
}

// AbortEntry finishes aborting an entry whose agents (if any) have
// been aborted. Entries in post-job statuses are left for their
// post-job tasks to finish.
func (env *Env) AbortEntry(ctx context.Context, e *store.Entry) error {
	switch e.Status {
	case store.EntryGathering, store.EntryParsing, store.EntryArchiving:
		return nil
	case store.EntryStarting, store.EntryPending, store.EntryRunning, store.EntryWaiting:
		if e.HostID.Valid {
			err := env.Store.SetHostStatus(ctx, e.HostID.Int64, store.HostReady)
			if err != nil {
				return err
			}
		}
	case store.EntryVerifying:
		if e.HostID.Valid {
			job, err := env.Store.Job(ctx, e.JobID)
			if err != nil {
				return err
			}
			_, err = env.Store.CreateSpecialTask(ctx, e.HostID.Int64, store.TaskCleanup, 0, job.Owner)
			if err != nil {
				return err
			}
		}
	}
	err := env.SetEntryStatus(ctx, e, store.EntryAborted)
	if err != nil {
		return err
	}
	env.abortDelayTask(e.JobID)
	return nil
}

func (env *Env) abortDelayTask(jobID int64) {
	if dt := env.delays[jobID]; dt != nil {
		dt.abort()
		delete(env.delays, jobID)
	}
}
