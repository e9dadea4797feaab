// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package agent

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/autotest/autotest-sub010/lib/dispatch/dronemgr"
	"github.com/autotest/autotest-sub010/lib/dispatch/store"
)

// specialTask runs autoserv on one host for a row in the
// special_tasks table, optionally on behalf of a queue entry.
type specialTask struct {
	baseTask
	task      store.SpecialTask
	host      store.Host
	entry     *store.Entry
	job       *store.Job
	extraArgs []string
}

// NewSpecialTask returns the Task that performs st.
func (env *Env) NewSpecialTask(ctx context.Context, st store.SpecialTask) (Task, error) {
	host, err := env.Store.Host(ctx, st.HostID)
	if err != nil {
		return nil, err
	}
	base := specialTask{
		baseTask: baseTask{env: env},
		task:     st,
		host:     host,
	}
	if st.QueueEntryID.Valid {
		e, err := env.Store.Entry(ctx, st.QueueEntryID.Int64)
		if err != nil {
			return nil, err
		}
		job, err := env.Store.Job(ctx, e.JobID)
		if err != nil {
			return nil, err
		}
		base.entry, base.job = &e, &job
	}
	base.hostIDs = []int64{host.ID}

	var t Task
	switch st.Task {
	case store.TaskRepair:
		rt := &repairTask{specialTask: base}
		rt.extraArgs = []string{"-R", "--host-protection", host.Protection.AttrName()}
		// The entry is left out of the task's entries, so aborting
		// it leaves the repair running.
		rt.h = rt
		t = rt
	case store.TaskVerify:
		vt := &verifyTask{preJobTask{specialTask: base}}
		vt.extraArgs = []string{"-v"}
		vt.setEntryIDs()
		vt.h = vt
		t = vt
	case store.TaskCleanup:
		ct := &cleanupTask{preJobTask{specialTask: base}}
		ct.extraArgs = []string{"--cleanup"}
		ct.setEntryIDs()
		ct.h = ct
		t = ct
	case store.TaskReset:
		rt := &resetTask{cleanupTask{preJobTask{specialTask: base}}}
		rt.extraArgs = []string{"--reset"}
		rt.setEntryIDs()
		rt.h = rt
		t = rt
	default:
		return nil, fmt.Errorf("special task %d: unknown task type %q", st.ID, st.Task)
	}
	return t, nil
}

func (t *specialTask) setEntryIDs() {
	if t.entry != nil {
		t.entryIDs = []int64{t.entry.ID}
	}
}

func (t *specialTask) String() string {
	return fmt.Sprintf("%s task %d on %s", t.task.Task, t.task.ID, t.host.Hostname)
}

func (t *specialTask) workingDirectory() string {
	return t.task.ExecutionPath(t.host.Hostname)
}

func (t *specialTask) Owner() string {
	return t.task.RequestedBy
}

func (t *specialTask) commandLine(context.Context) ([]string, error) {
	return t.env.autoservCommand([]string{t.host.Hostname}, nil, t.job, true, t.extraArgs...), nil
}

func (t *specialTask) keyvalPath() string {
	return path.Join(t.workingDirectory(), "keyval")
}

func (t *specialTask) prolog(ctx context.Context) error {
	err := t.baseTask.prolog(ctx)
	if err != nil {
		return err
	}
	err = t.env.Store.ActivateSpecialTask(ctx, t.task.ID)
	if err != nil {
		return err
	}
	return writeHostKeyvals(ctx, t.env, t.workingDirectory(), t.host)
}

func (t *specialTask) cleanup(ctx context.Context) error {
	err := t.baseTask.cleanup(ctx)
	if err != nil {
		return err
	}
	// An aborted task counts as a failure.
	err = t.env.Store.FinishSpecialTask(ctx, t.task.ID, t.success)
	if err != nil {
		return err
	}
	if t.monitor != nil {
		t.copyResults(t.monitor)
		t.env.Drones.UnregisterPidfile(t.monitor.PidfileID())
	}
	return nil
}

func (t *specialTask) setHostStatus(ctx context.Context, status store.HostStatus) error {
	err := t.env.Store.SetHostStatus(ctx, t.host.ID, status)
	if err != nil {
		return err
	}
	t.host.Status = status
	return nil
}

// failQueueEntry fails the task's entry after its host could not be
// repaired. Metahost entries are not failed: they get another host.
func (t *specialTask) failQueueEntry(ctx context.Context) error {
	if t.entry == nil || t.entry.MetaHost.Valid {
		return nil
	}
	e, err := t.env.Store.Entry(ctx, t.entry.ID)
	if err != nil {
		return err
	}
	*t.entry = e
	if e.Status != store.EntryQueued {
		// aborted
		return nil
	}
	err = t.env.setExecutionSubdir(ctx, t.entry, t.host.Hostname)
	if err != nil {
		return err
	}
	writeKeyvalAfterJob(t.env, t.monitor, t.keyvalPath(), "job_queued", strconv.FormatInt(t.job.CreatedOn.Unix(), 10))
	writeKeyvalAfterJob(t.env, t.monitor, t.keyvalPath(), "job_finished", strconv.FormatInt(t.env.now().Unix(), 10))

	tag := t.entry.ExecutionTag(*t.job)
	if t.monitor != nil {
		t.monitor.TryCopyResultsOnDrone(t.workingDirectory()+"/", tag+"/")
	}
	t.env.Drones.RegisterPidfile(t.env.Drones.PidfileIDFrom(tag, dronemgr.AutoservPidfile))
	if t.job.ParseFailedRepair {
		return t.env.SetEntryStatus(ctx, t.entry, store.EntryParsing)
	}
	return t.env.SetEntryStatus(ctx, t.entry, store.EntryFailed)
}

type repairTask struct {
	specialTask
}

func (t *repairTask) prolog(ctx context.Context) error {
	err := t.specialTask.prolog(ctx)
	if err != nil {
		return err
	}
	t.logger().Info("repair task starting")
	return t.setHostStatus(ctx, store.HostRepairing)
}

func (t *repairTask) epilog(ctx context.Context) error {
	err := t.specialTask.epilog(ctx)
	if err != nil {
		return err
	}
	if t.success {
		return t.setHostStatus(ctx, store.HostReady)
	}
	err = t.setHostStatus(ctx, store.HostRepairFailed)
	if err != nil {
		return err
	}
	return t.failQueueEntry(ctx)
}

// preJobTask is a special task that prepares a host for a job.
type preJobTask struct {
	specialTask
}

// copyDebugLog copies the task's autoserv debug log into the entry's
// results directory.
func (t *preJobTask) copyDebugLog(ctx context.Context) error {
	if t.entry == nil || t.entry.MetaHost.Valid || t.monitor == nil {
		return nil
	}
	err := t.env.setExecutionSubdir(ctx, t.entry, t.host.Hostname)
	if err != nil {
		return err
	}
	wd := t.workingDirectory()
	t.monitor.TryCopyToResultsRepository(
		path.Join(wd, "debug", "autoserv.DEBUG"),
		path.Join(t.entry.ExecutionTag(*t.job), path.Base(wd)))
	return nil
}

// epilog handles a failed pre-job task: the entry goes back to the
// queue and the host gets a Repair task, unless its protection says
// otherwise or it already failed a repair for this entry.
func (t *preJobTask) epilog(ctx context.Context) error {
	err := t.specialTask.epilog(ctx)
	if err != nil || t.success {
		return err
	}
	err = t.copyDebugLog(ctx)
	if err != nil {
		return err
	}
	if t.host.Protection == store.DoNotVerify {
		// Failure is ignored on these hosts.
		t.success = true
		return nil
	}
	var entryID int64
	if t.entry != nil {
		err = t.env.Requeue(ctx, t.entry)
		if err != nil {
			return err
		}
		repairs, err := t.env.Store.CountEntryTasks(ctx, t.entry.ID, true, store.TaskRepair)
		if err != nil {
			return err
		}
		if repairs > 0 {
			err = t.setHostStatus(ctx, store.HostRepairFailed)
			if err != nil {
				return err
			}
			return t.failQueueEntry(ctx)
		}
		entryID = t.entry.ID
	}
	err = t.setHostStatus(ctx, store.HostRepairFailed)
	if err != nil {
		return err
	}
	if t.host.Protection == store.DoNotRepair {
		t.logger().Info("not repairing host with protection " + t.host.Protection.String())
		return nil
	}
	_, err = t.env.Store.CreateSpecialTask(ctx, t.host.ID, store.TaskRepair, entryID, t.task.RequestedBy)
	return err
}

type verifyTask struct {
	preJobTask
}

func (t *verifyTask) prolog(ctx context.Context) error {
	err := t.specialTask.prolog(ctx)
	if err != nil {
		return err
	}
	t.logger().Info("starting verify")
	if t.entry != nil {
		err = t.env.SetEntryStatus(ctx, t.entry, store.EntryVerifying)
		if err != nil {
			return err
		}
	}
	err = t.setHostStatus(ctx, store.HostVerifying)
	if err != nil {
		return err
	}
	// One verify will do.
	return t.env.Store.DeleteQueuedVerifies(ctx, t.host.ID, t.task.ID)
}

func (t *verifyTask) epilog(ctx context.Context) error {
	err := t.preJobTask.epilog(ctx)
	if err != nil || !t.success {
		return err
	}
	if t.entry != nil {
		return t.env.OnPending(ctx, t.entry)
	}
	return t.setHostStatus(ctx, store.HostReady)
}

type cleanupTask struct {
	preJobTask
}

func (t *cleanupTask) prolog(ctx context.Context) error {
	return t.prologWithStatus(ctx, store.HostCleaning)
}

func (t *cleanupTask) prologWithStatus(ctx context.Context, status store.HostStatus) error {
	err := t.specialTask.prolog(ctx)
	if err != nil {
		return err
	}
	t.logger().Info("starting " + strings.ToLower(string(t.task.Task)))
	err = t.setHostStatus(ctx, status)
	if err != nil {
		return err
	}
	if t.entry != nil {
		return t.env.SetEntryStatus(ctx, t.entry, store.EntryVerifying)
	}
	return nil
}

func (t *cleanupTask) epilog(ctx context.Context) error {
	err := t.preJobTask.epilog(ctx)
	if err != nil || !t.success {
		return err
	}
	err = t.env.Store.SetHostDirty(ctx, t.host.ID, false)
	if err != nil {
		return err
	}
	t.host.Dirty = false
	err = t.setHostStatus(ctx, store.HostReady)
	if err != nil {
		return err
	}
	if t.entry == nil {
		return nil
	}
	if t.job.RunVerify && t.host.Protection != store.DoNotVerify {
		_, err = t.env.Store.CreateSpecialTask(ctx, t.host.ID, store.TaskVerify, t.entry.ID, "")
		return err
	}
	return t.env.OnPending(ctx, t.entry)
}

type resetTask struct {
	cleanupTask
}

func (t *resetTask) prolog(ctx context.Context) error {
	return t.prologWithStatus(ctx, store.HostResetting)
}

// writeHostKeyvals attaches a host's platform and labels to the
// execution in wd.
func writeHostKeyvals(ctx context.Context, env *Env, wd string, host store.Host) error {
	platform, labels, err := env.Store.PlatformAndLabels(ctx, host.ID)
	if err != nil {
		return err
	}
	for i, l := range labels {
		labels[i] = url.PathEscape(l)
	}
	contents := "platform=" + platform + "\nlabels=" + strings.Join(labels, ",") + "\n"
	_, err = env.Drones.AttachFileToExecution(wd, contents, path.Join(wd, "host_keyvals", host.Hostname))
	return err
}

// writeKeyvalAfterJob appends key=value to a keyval file on the
// drone where m's process ran. Nothing is written if there is no
// process.
func writeKeyvalAfterJob(env *Env, m *Monitor, keyvalPath, key, value string) {
	if m == nil {
		return
	}
	p := m.Process()
	if p == nil {
		return
	}
	err := env.Drones.WriteLinesToFile(keyvalPath, []string{key + "=" + value}, p)
	if err != nil {
		env.Logger.WithError(err).WithField("Path", keyvalPath).Warn("cannot write keyval")
	}
}
