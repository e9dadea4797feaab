// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package agent

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/autotest/autotest-sub010/lib/dispatch/store"
)

// queueTask runs autoserv for a group of a job's entries: a
// synchronous group, a single host, or a hostless entry.
type queueTask struct {
	baseTask
	job         store.Job
	entries     []store.Entry
	hosts       []store.Host
	controlPath string
	// Appends the task that follows this one.
	finish func(ctx context.Context) error
}

func (env *Env) newQueueTask(ctx context.Context, entries []store.Entry) (queueTask, error) {
	if len(entries) == 0 {
		return queueTask{}, fmt.Errorf("no entries")
	}
	job, err := env.Store.Job(ctx, entries[0].JobID)
	if err != nil {
		return queueTask{}, err
	}
	t := queueTask{
		baseTask: baseTask{env: env},
		job:      job,
		entries:  entries,
	}
	for _, e := range entries {
		t.entryIDs = append(t.entryIDs, e.ID)
		if !e.HostID.Valid {
			continue
		}
		h, err := env.Store.Host(ctx, e.HostID.Int64)
		if err != nil {
			return queueTask{}, err
		}
		t.hosts = append(t.hosts, h)
		t.hostIDs = append(t.hostIDs, h.ID)
	}
	return t, nil
}

func (t *queueTask) String() string {
	return fmt.Sprintf("queue task for job %s (%d entries)", t.job.Tag(), len(t.entries))
}

func (t *queueTask) workingDirectory() string {
	return consistentExecutionTag(t.env, t.job, t.entries)
}

func (t *queueTask) NumProcesses() int {
	return len(t.entries)
}

func (t *queueTask) Owner() string {
	return t.job.Owner
}

func (t *queueTask) keyvalPath() string {
	return path.Join(t.workingDirectory(), "keyval")
}

func (t *queueTask) commandLine(ctx context.Context) ([]string, error) {
	wd := t.workingDirectory()
	if t.controlPath == "" {
		p, err := t.env.Drones.AttachFileToExecution(wd, t.job.ControlFile, "")
		if err != nil {
			return nil, err
		}
		t.controlPath = p
	}
	hostnames := map[int64]string{}
	for _, h := range t.hosts {
		hostnames[h.ID] = h.Hostname
	}
	var machines, profiles []string
	for _, e := range t.entries {
		if !e.HostID.Valid {
			continue
		}
		machines = append(machines, hostnames[e.HostID.Int64])
		profiles = append(profiles, e.Profile)
	}
	argv := t.env.autoservCommand(machines, profiles, &t.job, false,
		"-P", t.entries[0].ExecutionTag(t.job),
		"-n", t.env.Drones.AbsolutePath(t.controlPath, false))
	if !t.job.IsServerJob() {
		argv = append(argv, "-c")
	}
	return argv, nil
}

// prolog writes the job keyvals, and moves the entries to Running.
func (t *queueTask) prolog(ctx context.Context) error {
	lines := []string{"job_queued=" + strconv.FormatInt(t.job.CreatedOn.Unix(), 10)}
	group, err := t.env.groupName(ctx, &t.entries[0])
	if err != nil {
		return err
	}
	if group != "" {
		lines = append(lines, "host_group_name="+group)
	}
	_, err = t.env.Drones.AttachFileToExecution(t.workingDirectory(), strings.Join(lines, "\n")+"\n", t.keyvalPath())
	if err != nil {
		return err
	}
	now := t.env.now()
	for i := range t.entries {
		err = t.env.SetEntryStatus(ctx, &t.entries[i], store.EntryRunning)
		if err != nil {
			return err
		}
		err = t.env.Store.SetStartedOn(ctx, t.entries[i].ID, now)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *queueTask) epilog(ctx context.Context) error {
	err := t.baseTask.epilog(ctx)
	if err != nil {
		return err
	}
	return t.finishTask(ctx)
}

func (t *queueTask) Abort(ctx context.Context) error {
	err := t.baseTask.Abort(ctx)
	if err != nil {
		return err
	}
	err = t.logAbort(ctx)
	if err != nil {
		return err
	}
	return t.finishTask(ctx)
}

func (t *queueTask) finishTask(ctx context.Context) error {
	if t.monitor == nil {
		return nil
	}
	writeKeyvalAfterJob(t.env, t.monitor, t.keyvalPath(), "job_finished", strconv.FormatInt(t.env.now().Unix(), 10))
	if t.monitor.Lost() {
		err := t.env.Drones.WriteLinesToFile(path.Join(t.workingDirectory(), "job_failure"), []string{lostProcessError}, nil)
		if err != nil {
			t.logger().WithError(err).Warn("cannot write job_failure file")
		}
	}
	return t.finish(ctx)
}

// logAbort records who aborted the job and when, in the job keyvals
// and status.log.
func (t *queueTask) logAbort(ctx context.Context) error {
	if t.monitor == nil || !t.monitor.HasProcess() {
		return nil
	}
	abortedBy := map[string]bool{}
	var abortedOn time.Time
	for _, e := range t.entries {
		by, on, err := t.env.Store.AbortInfo(ctx, e.ID)
		if err != nil {
			continue
		}
		abortedBy[by] = true
		if on.After(abortedOn) {
			abortedOn = on
		}
	}
	by := SystemUser
	if len(abortedBy) == 1 {
		for name := range abortedBy {
			by = name
		}
	} else {
		abortedOn = t.env.now()
	}
	writeKeyvalAfterJob(t.env, t.monitor, t.keyvalPath(), "aborted_by", by)
	writeKeyvalAfterJob(t.env, t.monitor, t.keyvalPath(), "aborted_on", strconv.FormatInt(abortedOn.Unix(), 10))
	comment := fmt.Sprintf("INFO\t----\t----\tJob aborted by %s on %s", by, abortedOn.Local().Format("2006-01-02 15:04:05"))
	return t.env.Drones.WriteLinesToFile(path.Join(t.workingDirectory(), "status.log"), []string{comment}, t.monitor.Process())
}

// NewQueueTask returns a task that runs a job on a group of entries
// in Starting (or, when recovering, Running) status. When autoserv
// finishes, the entries go to Gathering, and the agent continues with
// log gathering and parsing.
func (env *Env) NewQueueTask(ctx context.Context, entries []store.Entry) (Task, error) {
	qt, err := env.newQueueTask(ctx, entries)
	if err != nil {
		return nil, err
	}
	t := &hostQueueTask{qt}
	t.h = t
	t.finish = t.toGathering
	return t, nil
}

type hostQueueTask struct {
	queueTask
}

func (t *hostQueueTask) prolog(ctx context.Context) error {
	err := checkEntryStatuses(t, t.entries, t.hosts, []store.EntryStatus{store.EntryStarting, store.EntryRunning},
		[]store.HostStatus{store.HostPending, store.HostRunning})
	if err != nil {
		return err
	}
	err = t.queueTask.prolog(ctx)
	if err != nil {
		return err
	}
	wd := t.workingDirectory()
	for i := range t.hosts {
		err = writeHostKeyvals(ctx, t.env, wd, t.hosts[i])
		if err != nil {
			return err
		}
		err = t.env.Store.SetHostStatus(ctx, t.hosts[i].ID, store.HostRunning)
		if err != nil {
			return err
		}
		err = t.env.Store.SetHostDirty(ctx, t.hosts[i].ID, true)
		if err != nil {
			return err
		}
		t.hosts[i].Status, t.hosts[i].Dirty = store.HostRunning, true
	}
	if t.job.SynchCount == 1 && len(t.hosts) == 1 {
		err = t.env.Drones.WriteLinesToFile(path.Join(t.job.Tag(), ".machines"), []string{t.hosts[0].Hostname}, nil)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *hostQueueTask) toGathering(ctx context.Context) error {
	for i := range t.entries {
		err := t.env.SetEntryStatus(ctx, &t.entries[i], store.EntryGathering)
		if err != nil {
			return err
		}
	}
	for _, h := range t.hosts {
		err := t.env.Store.SetHostStatus(ctx, h.ID, store.HostRunning)
		if err != nil {
			return err
		}
	}
	next, err := t.env.NewGatherLogsTask(ctx, t.entries)
	if err != nil {
		return err
	}
	t.addFollowOn(next)
	return nil
}

// NewHostlessQueueTask returns a task that runs a job that needs no
// hosts. Its results go in the "hostless" subdirectory, and it
// continues straight to parsing.
func (env *Env) NewHostlessQueueTask(ctx context.Context, e store.Entry) (Task, error) {
	qt, err := env.newQueueTask(ctx, []store.Entry{e})
	if err != nil {
		return nil, err
	}
	t := &hostlessQueueTask{qt}
	t.h = t
	t.finish = t.toParsing
	return t, nil
}

type hostlessQueueTask struct {
	queueTask
}

func (t *hostlessQueueTask) prolog(ctx context.Context) error {
	err := t.env.setExecutionSubdir(ctx, &t.entries[0], "hostless")
	if err != nil {
		return err
	}
	return t.queueTask.prolog(ctx)
}

func (t *hostlessQueueTask) toParsing(ctx context.Context) error {
	err := t.env.SetEntryStatus(ctx, &t.entries[0], store.EntryParsing)
	if err != nil {
		return err
	}
	next, err := t.env.NewParseTask(ctx, t.entries)
	if err != nil {
		return err
	}
	t.addFollowOn(next)
	return nil
}

// consistentExecutionTag returns the execution tag shared by all
// entries. Entries that disagree are logged; the first one wins.
func consistentExecutionTag(env *Env, job store.Job, entries []store.Entry) string {
	tag := entries[0].ExecutionTag(job)
	for _, e := range entries[1:] {
		if other := e.ExecutionTag(job); other != tag {
			env.Logger.WithField("Job", job.ID).Errorf("inconsistent execution paths %q (entry %d) and %q (entry %d)", other, e.ID, tag, entries[0].ID)
		}
	}
	return tag
}

// checkEntryStatuses returns an error if an entry or its host is not
// in one of the allowed statuses. A nil hostStatuses list allows any
// host status.
func checkEntryStatuses(t fmt.Stringer, entries []store.Entry, hosts []store.Host, entryStatuses []store.EntryStatus, hostStatuses []store.HostStatus) error {
	for _, e := range entries {
		ok := false
		for _, s := range entryStatuses {
			ok = ok || e.Status == s
		}
		if !ok {
			return fmt.Errorf("%s attempting to start entry with invalid status %s: %s", t, e.Status, e)
		}
	}
	if hostStatuses == nil {
		return nil
	}
	for _, h := range hosts {
		ok := false
		for _, s := range hostStatuses {
			ok = ok || h.Status == s
		}
		if !ok {
			return fmt.Errorf("%s attempting to start on host %s with invalid status %s", t, h.Hostname, h.Status)
		}
	}
	return nil
}
