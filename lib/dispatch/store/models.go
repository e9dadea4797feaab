// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// HostStatus is the status column of a host.
type HostStatus string

const (
	HostReady        HostStatus = "Ready"
	HostRunning      HostStatus = "Running"
	HostVerifying    HostStatus = "Verifying"
	HostRepairing    HostStatus = "Repairing"
	HostRepairFailed HostStatus = "Repair Failed"
	HostCleaning     HostStatus = "Cleaning"
	HostResetting    HostStatus = "Resetting"
	HostPending      HostStatus = "Pending"
)

// Protection says which automated repair actions are permitted on a
// host.
type Protection int

const (
	NoProtection Protection = iota
	RepairSoftwareOnly
	RepairFilesystemOnly
	DoNotRepair
	DoNotVerify
)

var protectionNames = []string{
	"NO_PROTECTION",
	"REPAIR_SOFTWARE_ONLY",
	"REPAIR_FILESYSTEM_ONLY",
	"DO_NOT_REPAIR",
	"DO_NOT_VERIFY",
}

// AttrName returns the name autoserv expects in --host-protection.
func (p Protection) AttrName() string {
	if p < 0 || int(p) >= len(protectionNames) {
		return protectionNames[0]
	}
	return protectionNames[p]
}

func (p Protection) String() string {
	return strings.ToLower(strings.ReplaceAll(p.AttrName(), "_", " "))
}

// Host is a row in the hosts table.
type Host struct {
	ID         int64      `db:"id"`
	Hostname   string     `db:"hostname"`
	Locked     bool       `db:"locked"`
	Status     HostStatus `db:"status"`
	Invalid    bool       `db:"invalid"`
	Protection Protection `db:"protection"`
	Dirty      bool       `db:"dirty"`
}

func (h Host) String() string {
	return h.Hostname
}

// RebootBefore says when a host is cleaned before a job runs on it.
type RebootBefore int

const (
	RebootBeforeNever RebootBefore = iota
	RebootBeforeIfDirty
	RebootBeforeAlways
)

// RebootAfter says when a host is cleaned after a job ran on it.
type RebootAfter int

const (
	RebootAfterNever RebootAfter = iota
	RebootAfterIfAllTestsPassed
	RebootAfterAlways
)

// ControlType is the kind of control file a job runs.
type ControlType int

const (
	ControlServer ControlType = 1
	ControlClient ControlType = 2
)

// Job is a row in the jobs table.
type Job struct {
	ID                int64        `db:"id"`
	Owner             string       `db:"owner"`
	Name              string       `db:"name"`
	Priority          int          `db:"priority"`
	ControlFile       string       `db:"control_file"`
	ControlType       ControlType  `db:"control_type"`
	CreatedOn         time.Time    `db:"created_on"`
	SynchCount        int          `db:"synch_count"`
	TimeoutHrs        int          `db:"timeout"`
	RunVerify         bool         `db:"run_verify"`
	RebootBefore      RebootBefore `db:"reboot_before"`
	RebootAfter       RebootAfter  `db:"reboot_after"`
	ParseFailedRepair bool         `db:"parse_failed_repair"`
	MaxRuntimeHrs     int          `db:"max_runtime_hrs"`
}

// Tag is the job's results directory name.
func (j Job) Tag() string {
	return fmt.Sprintf("%d-%s", j.ID, j.Owner)
}

// IsServerJob returns true if the control file runs on the server.
func (j Job) IsServerJob() bool {
	return j.ControlType == ControlServer
}

func (j Job) String() string {
	return fmt.Sprintf("%d-%s", j.ID, j.Owner)
}

// EntryStatus is the status column of a host queue entry.
type EntryStatus string

const (
	EntryQueued    EntryStatus = "Queued"
	EntryStarting  EntryStatus = "Starting"
	EntryVerifying EntryStatus = "Verifying"
	EntryPending   EntryStatus = "Pending"
	EntryWaiting   EntryStatus = "Waiting"
	EntryRunning   EntryStatus = "Running"
	EntryGathering EntryStatus = "Gathering"
	EntryParsing   EntryStatus = "Parsing"
	EntryArchiving EntryStatus = "Archiving"
	EntryAborted   EntryStatus = "Aborted"
	EntryCompleted EntryStatus = "Completed"
	EntryFailed    EntryStatus = "Failed"
	EntryStopped   EntryStatus = "Stopped"
	EntryTemplate  EntryStatus = "Template"
)

// Active returns true for statuses in which an entry holds its host.
// Parsing and Archiving entries have released their hosts.
func (s EntryStatus) Active() bool {
	switch s {
	case EntryStarting, EntryVerifying, EntryPending, EntryRunning,
		EntryGathering:
		return true
	}
	return false
}

// Complete returns true for terminal statuses.
func (s EntryStatus) Complete() bool {
	switch s {
	case EntryAborted, EntryCompleted, EntryFailed, EntryStopped, EntryTemplate:
		return true
	}
	return false
}

// Entry is a row in the host_queue_entries table: one (job, host or
// metahost) pairing.
type Entry struct {
	ID              int64         `db:"id"`
	JobID           int64         `db:"job_id"`
	HostID          sql.NullInt64 `db:"host_id"`
	Profile         string        `db:"profile"`
	Status          EntryStatus   `db:"status"`
	MetaHost        sql.NullInt64 `db:"meta_host"`
	Active          bool          `db:"active"`
	Complete        bool          `db:"complete"`
	Deleted         bool          `db:"deleted"`
	ExecutionSubdir string        `db:"execution_subdir"`
	AtomicGroupID   sql.NullInt64 `db:"atomic_group_id"`
	Aborted         bool          `db:"aborted"`
	StartedOn       sql.NullTime  `db:"started_on"`
}

// IsHostless returns true for entries that run without any host.
func (e Entry) IsHostless() bool {
	return !e.HostID.Valid && !e.MetaHost.Valid && !e.AtomicGroupID.Valid
}

// ExecutionTag is the entry's results directory relative to the
// results repository.
func (e Entry) ExecutionTag(job Job) string {
	return job.Tag() + "/" + e.ExecutionSubdir
}

func (e Entry) String() string {
	host := "no host"
	if e.HostID.Valid {
		host = "host " + strconv.FormatInt(e.HostID.Int64, 10)
	}
	var flags []string
	if e.Active {
		flags = append(flags, "active")
	}
	if e.Complete {
		flags = append(flags, "complete")
	}
	if e.Aborted {
		flags = append(flags, "aborted")
	}
	s := fmt.Sprintf("%s/%d (%d) %s", host, e.JobID, e.ID, e.Status)
	if len(flags) > 0 {
		s += " [" + strings.Join(flags, ",") + "]"
	}
	return s
}

// TaskType names a special task.
type TaskType string

const (
	TaskVerify  TaskType = "Verify"
	TaskRepair  TaskType = "Repair"
	TaskCleanup TaskType = "Cleanup"
	TaskReset   TaskType = "Reset"
)

// Priority orders queued special tasks; lower runs first.
func (t TaskType) Priority() int {
	switch t {
	case TaskRepair:
		return 0
	case TaskCleanup:
		return 1
	case TaskReset:
		return 2
	default:
		return 3
	}
}

// SpecialTask is a row in the special_tasks table.
type SpecialTask struct {
	ID            int64         `db:"id"`
	HostID        int64         `db:"host_id"`
	Task          TaskType      `db:"task"`
	TimeRequested time.Time     `db:"time_requested"`
	IsActive      bool          `db:"is_active"`
	IsComplete    bool          `db:"is_complete"`
	Success       bool          `db:"success"`
	QueueEntryID  sql.NullInt64 `db:"queue_entry_id"`
	RequestedBy   string        `db:"requested_by"`
}

// ExecutionPath is the task's results directory relative to the
// results repository.
func (t SpecialTask) ExecutionPath(hostname string) string {
	return fmt.Sprintf("hosts/%s/%d-%s", hostname, t.ID, strings.ToLower(string(t.Task)))
}

func (t SpecialTask) String() string {
	return fmt.Sprintf("%s task %d on host %d", t.Task, t.ID, t.HostID)
}

// Label is a row in the labels table.
type Label struct {
	ID            int64         `db:"id"`
	Name          string        `db:"name"`
	Platform      bool          `db:"platform"`
	Invalid       bool          `db:"invalid"`
	OnlyIfNeeded  bool          `db:"only_if_needed"`
	AtomicGroupID sql.NullInt64 `db:"atomic_group_id"`
}

// AtomicGroup is a row in the atomic_groups table.
type AtomicGroup struct {
	ID                  int64  `db:"id"`
	Name                string `db:"name"`
	MaxNumberOfMachines int    `db:"max_number_of_machines"`
	Invalid             bool   `db:"invalid"`
}

var alphanumHost = regexp.MustCompile(`^([a-z-]+)(\d+)$`)

// HostnameLess orders hostnames by name, then by trailing number:
// host2 sorts before host10. Names that do not end in digits compare
// as lower case strings.
func HostnameLess(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	ma, mb := alphanumHost.FindStringSubmatch(la), alphanumHost.FindStringSubmatch(lb)
	if ma == nil || mb == nil {
		return la < lb
	}
	if ma[1] != mb[1] {
		return ma[1] < mb[1]
	}
	na, _ := strconv.ParseUint(ma[2], 10, 64)
	nb, _ := strconv.ParseUint(mb[2], 10, 64)
	if na != nb {
		return na < nb
	}
	return la < lb
}
