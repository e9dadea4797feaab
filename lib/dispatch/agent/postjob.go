// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/autotest/autotest-sub010/lib/dispatch/dronemgr"
	"github.com/autotest/autotest-sub010/lib/dispatch/store"
	"golang.org/x/sys/unix"
)

// postJobTask runs a process in a finished job's results directory,
// on the drone where autoserv ran. Post-job tasks ignore aborts: an
// aborted job still gets its logs gathered and parsed.
type postJobTask struct {
	baseTask
	job      store.Job
	entries  []store.Entry
	autoserv *Monitor
}

func (env *Env) newPostJobTask(ctx context.Context, entries []store.Entry, logFileName string) (postJobTask, error) {
	if len(entries) == 0 {
		return postJobTask{}, fmt.Errorf("no entries")
	}
	job, err := env.Store.Job(ctx, entries[0].JobID)
	if err != nil {
		return postJobTask{}, err
	}
	t := postJobTask{
		baseTask: baseTask{env: env, logFileName: logFileName},
		job:      job,
		entries:  entries,
		autoserv: env.newMonitor(),
	}
	for _, e := range entries {
		t.entryIDs = append(t.entryIDs, e.ID)
	}
	t.autoserv.Attach(t.workingDirectory(), dronemgr.AutoservPidfile, -1)
	return t, nil
}

func (t *postJobTask) workingDirectory() string {
	return consistentExecutionTag(t.env, t.job, t.entries)
}

func (t *postJobTask) resultsDir() string {
	return t.env.Drones.AbsolutePath(t.workingDirectory(), false)
}

func (t *postJobTask) pairedWith() *Monitor {
	return t.autoserv
}

func (t *postJobTask) Owner() string {
	return t.job.Owner
}

func (t *postJobTask) Abort(context.Context) error {
	return nil
}

// wasAborted returns true if the job's entries were aborted. If
// they disagree, it logs an error and returns true.
func (t *postJobTask) wasAborted(ctx context.Context) (bool, error) {
	var aborted *bool
	for i := range t.entries {
		e, err := t.env.Store.Entry(ctx, t.entries[i].ID)
		if err != nil {
			return false, err
		}
		t.entries[i] = e
		if aborted == nil {
			aborted = &e.Aborted
		} else if *aborted != e.Aborted {
			var states []string
			for _, e := range t.entries {
				states = append(states, fmt.Sprintf("%s (aborted: %v)", e, e.Aborted))
			}
			t.logger().Errorf("entries have inconsistent abort state: %s", strings.Join(states, "; "))
			return true, nil
		}
	}
	return aborted != nil && *aborted, nil
}

func (t *postJobTask) finalStatus(ctx context.Context) (store.EntryStatus, error) {
	aborted, err := t.wasAborted(ctx)
	if err != nil {
		return "", err
	}
	if aborted {
		return store.EntryAborted, nil
	}
	if code := t.autoserv.ExitCode(); code != nil && *code == 0 {
		return store.EntryCompleted, nil
	}
	return store.EntryFailed, nil
}

func (t *postJobTask) setAllStatuses(ctx context.Context, status store.EntryStatus) error {
	for i := range t.entries {
		err := t.env.SetEntryStatus(ctx, &t.entries[i], status)
		if err != nil {
			return err
		}
	}
	return nil
}

// pidfileLabel returns the autoserv --pidfile-label for the task's
// pidfile name: ".collect_crashinfo_execute" -> "collect_crashinfo".
func pidfileLabel(name string) string {
	return strings.TrimSuffix(strings.TrimPrefix(name, "."), "_execute")
}

// NewGatherLogsTask returns a task that collects crash information
// from a job's hosts if autoserv did not exit normally, then
// reboots or releases the hosts and continues with parsing.
func (env *Env) NewGatherLogsTask(ctx context.Context, entries []store.Entry) (Task, error) {
	pj, err := env.newPostJobTask(ctx, entries, ".collect_crashinfo.log")
	if err != nil {
		return nil, err
	}
	t := &gatherLogsTask{postJobTask: pj}
	for _, e := range entries {
		if !e.HostID.Valid {
			continue
		}
		h, err := env.Store.Host(ctx, e.HostID.Int64)
		if err != nil {
			return nil, err
		}
		t.hosts = append(t.hosts, h)
		t.hostIDs = append(t.hostIDs, h.ID)
	}
	t.h = t
	return t, nil
}

type gatherLogsTask struct {
	postJobTask
	hosts []store.Host
}

func (t *gatherLogsTask) String() string {
	return fmt.Sprintf("gather logs for %s", t.workingDirectory())
}

func (t *gatherLogsTask) pidfileName() string {
	return dronemgr.CrashinfoPidfile
}

func (t *gatherLogsTask) NumProcesses() int {
	return len(t.entries)
}

func (t *gatherLogsTask) commandLine(context.Context) ([]string, error) {
	var hostnames []string
	for _, h := range t.hosts {
		hostnames = append(hostnames, h.Hostname)
	}
	argv := append([]string(nil), t.env.autoserv...)
	return append(argv, "-p",
		"--pidfile-label="+pidfileLabel(t.pidfileName()),
		"--use-existing-results", "--collect-crashinfo",
		"-m", strings.Join(hostnames, ","),
		"-r", t.resultsDir()), nil
}

func (t *gatherLogsTask) prolog(ctx context.Context) error {
	// Host statuses are re-read: the queue task that preceded this
	// one updated them.
	hosts := make([]store.Host, len(t.hosts))
	for i, h := range t.hosts {
		h, err := t.env.Store.Host(ctx, h.ID)
		if err != nil {
			return err
		}
		hosts[i] = h
	}
	t.hosts = hosts
	err := checkEntryStatuses(t, t.entries, t.hosts, []store.EntryStatus{store.EntryGathering}, []store.HostStatus{store.HostRunning})
	if err != nil {
		return err
	}
	return t.postJobTask.prolog(ctx)
}

// run collects crash information only if autoserv was killed by a
// signal or never recorded an exit status.
func (t *gatherLogsTask) run(ctx context.Context) error {
	code := t.autoserv.ExitCode()
	if code == nil || unix.WaitStatus(uint32(*code)).Signaled() {
		return t.postJobTask.run(ctx)
	}
	return t.finished(ctx, true)
}

func (t *gatherLogsTask) epilog(ctx context.Context) error {
	err := t.postJobTask.epilog(ctx)
	if err != nil {
		return err
	}
	err = t.setAllStatuses(ctx, store.EntryParsing)
	if err != nil {
		return err
	}
	err = t.rebootHosts(ctx)
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

// rebootHosts queues a Cleanup task for each host if the job was
// aborted, or if the job's reboot_after setting calls for one.
// Otherwise the hosts go back to Ready.
func (t *gatherLogsTask) rebootHosts(ctx context.Context) error {
	status, err := t.finalStatus(ctx)
	if err != nil {
		return err
	}
	finalSuccess, failed := false, 0
	if t.autoserv.HasProcess() {
		finalSuccess = status == store.EntryCompleted
		failed = t.autoserv.NumTestsFailed()
	}
	reboot := status == store.EntryAborted ||
		t.job.RebootAfter == store.RebootAfterAlways ||
		(t.job.RebootAfter == store.RebootAfterIfAllTestsPassed && finalSuccess && failed == 0)
	for _, h := range t.hosts {
		if reboot {
			// The job is over, so the cleanup is not tied to
			// its entry.
			_, err = t.env.Store.CreateSpecialTask(ctx, h.ID, store.TaskCleanup, 0, t.job.Owner)
		} else {
			err = t.env.Store.SetHostStatus(ctx, h.ID, store.HostReady)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// NewParseTask returns a task that parses a job's results into the
// results database, copies the results to the results repository,
// and sets the entries' final status. The number of parse processes
// is limited by MaxParseProcesses.
func (env *Env) NewParseTask(ctx context.Context, entries []store.Entry) (Task, error) {
	pj, err := env.newPostJobTask(ctx, entries, ".parse.log")
	if err != nil {
		return nil, err
	}
	t := &parseTask{postJobTask: pj}
	t.h = t
	return t, nil
}

type parseTask struct {
	postJobTask
	counted bool
}

func (t *parseTask) String() string {
	return fmt.Sprintf("parse %s", t.workingDirectory())
}

func (t *parseTask) pidfileName() string {
	return dronemgr.ParserPidfile
}

// NumProcesses is zero: parse processes are limited separately.
func (t *parseTask) NumProcesses() int {
	return 0
}

func (t *parseTask) commandLine(context.Context) ([]string, error) {
	argv := append([]string(nil), t.env.parser...)
	return append(argv, "--write-pidfile", "-l", "2", "-r", "-o", t.resultsDir()), nil
}

func (t *parseTask) prolog(ctx context.Context) error {
	err := checkEntryStatuses(t, t.entries, nil, []store.EntryStatus{store.EntryParsing}, nil)
	if err != nil {
		return err
	}
	return t.postJobTask.prolog(ctx)
}

func (t *parseTask) run(ctx context.Context) error {
	return t.tryStart(ctx)
}

func (t *parseTask) tick(ctx context.Context) error {
	if t.monitor == nil {
		return t.tryStart(ctx)
	}
	return t.postJobTask.tick(ctx)
}

func (t *parseTask) tryStart(ctx context.Context) error {
	if t.env.parsers >= t.env.Config.Scheduler.MaxParseProcesses {
		return nil
	}
	err := t.postJobTask.run(ctx)
	if err != nil {
		return err
	}
	if t.monitor != nil {
		t.env.parsers++
		t.counted = true
	}
	return nil
}

func (t *parseTask) Recover(ctx context.Context) error {
	err := t.postJobTask.Recover(ctx)
	if err == nil && t.monitor != nil && !t.counted {
		t.env.parsers++
		t.counted = true
	}
	return err
}

func (t *parseTask) epilog(ctx context.Context) error {
	if t.counted {
		t.env.parsers--
		t.counted = false
	}
	err := t.postJobTask.epilog(ctx)
	if err != nil {
		return err
	}
	t.copyResults(t.autoserv)
	status, err := t.finalStatus(ctx)
	if err != nil {
		return err
	}
	return t.setAllStatuses(ctx, status)
}
