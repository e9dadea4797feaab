// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scheduler matches queued host queue entries with ready
// hosts, and drives the agents that verify hosts, run jobs, and
// collect their results.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/autotest/autotest-sub010/lib/config"
	"github.com/autotest/autotest-sub010/lib/dispatch/agent"
	"github.com/autotest/autotest-sub010/lib/dispatch/executor"
	"github.com/autotest/autotest-sub010/lib/dispatch/store"
	"github.com/autotest/autotest-sub010/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// ErrLockLost is returned by Tick when the dispatcher no longer holds
// the database lock that makes it the only dispatcher.
var ErrLockLost = errors.New("scheduler lock lost")

// Options are the optional parts of a Dispatcher.
type Options struct {
	Registry *prometheus.Registry
	// Checks host reachability for the host probe sweep. Default
	// connects with ssh using the SSH config.
	Prober HostProber
	// Called at the start of each tick. If it returns false, the
	// tick does nothing and returns ErrLockLost.
	LockCheck func() bool
	// Returns the current time. Default is time.Now.
	Now func() time.Time
}

// A Dispatcher owns the agents of one scheduler process. Each Tick
// reconciles the database with the processes running on the drones
// and starts whatever can run next.
//
// Tick, Initialize and ReloadConfig may be called from different
// goroutines; they are serialized.
type Dispatcher struct {
	logger    logrus.FieldLogger
	store     *store.Store
	drones    DroneManager
	env       *agent.Env
	cfg       *config.Config
	hosts     *HostScheduler
	prober    HostProber
	lockCheck func() bool
	now       func() time.Time

	agents           []*agent.Agent
	lastClean        time.Time
	lastProbe        time.Time
	unreachableSince map[int64]time.Time
	ticks            int

	mtx     sync.Mutex
	runOnce sync.Once
	stop    chan struct{}
	stopped chan struct{}

	mTicks             prometheus.Counter
	mTickErrors        prometheus.Counter
	mTickDuration      prometheus.Summary
	mAgents            prometheus.Gauge
	mRunningProcesses  prometheus.Gauge
	mRunningParsers    prometheus.Gauge
	mProcessesStarted  prometheus.Counter
	mEntriesScheduled  prometheus.Counter
	mEntriesForceAbort prometheus.Counter
}

// New returns a new Dispatcher. Call Initialize before the first
// Tick.
func New(ctx context.Context, st *store.Store, drones DroneManager, cfg *config.Config, opts Options) (*Dispatcher, error) {
	logger := ctxlog.FromContext(ctx)
	hosts, err := newHostScheduler(st, cfg.Scheduler.MetahostSchedulers, logger)
	if err != nil {
		return nil, err
	}
	env, err := agent.NewEnv(st, drones, cfg, logger)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		logger:           logger,
		store:            st,
		drones:           drones,
		env:              env,
		cfg:              cfg,
		hosts:            hosts,
		prober:           opts.Prober,
		lockCheck:        opts.LockCheck,
		now:              opts.Now,
		unreachableSince: map[int64]time.Time{},
		stop:             make(chan struct{}),
		stopped:          make(chan struct{}),
	}
	if d.now == nil {
		d.now = time.Now
	}
	env.Now = d.now
	if d.prober == nil && cfg.Scheduler.HostProbeInterval > 0 {
		conf, err := executor.LoadSSHConfig(cfg.SSH, logger)
		if err != nil {
			return nil, fmt.Errorf("host probe: %w", err)
		}
		d.prober = sshProber{conf: conf}
	}
	d.registerMetrics(opts.Registry)
	return d, nil
}

func (d *Dispatcher) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	d.mTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "autotest",
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Number of scheduler ticks run.",
	})
	reg.MustRegister(d.mTicks)
	d.mTickErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "autotest",
		Subsystem: "scheduler",
		Name:      "tick_errors_total",
		Help:      "Number of scheduler ticks that ended with an error.",
	})
	reg.MustRegister(d.mTickErrors)
	d.mTickDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace:  "autotest",
		Subsystem:  "scheduler",
		Name:       "tick_duration_seconds",
		Help:       "Time taken by each scheduler tick.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
	reg.MustRegister(d.mTickDuration)
	d.mAgents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "autotest",
		Subsystem: "scheduler",
		Name:      "agents",
		Help:      "Number of agents (queue entries and special tasks being handled).",
	})
	reg.MustRegister(d.mAgents)
	d.mRunningProcesses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "autotest",
		Subsystem: "scheduler",
		Name:      "running_processes",
		Help:      "Number of processes running on all drones.",
	})
	reg.MustRegister(d.mRunningProcesses)
	d.mRunningParsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "autotest",
		Subsystem: "scheduler",
		Name:      "running_parsers",
		Help:      "Number of result parser processes running.",
	})
	reg.MustRegister(d.mRunningParsers)
	d.mProcessesStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "autotest",
		Subsystem: "scheduler",
		Name:      "agent_processes_started_total",
		Help:      "Number of processes started by agents.",
	})
	reg.MustRegister(d.mProcessesStarted)
	d.mEntriesScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "autotest",
		Subsystem: "scheduler",
		Name:      "entries_scheduled_total",
		Help:      "Number of queue entries assigned to hosts.",
	})
	reg.MustRegister(d.mEntriesScheduled)
	d.mEntriesForceAbort = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "autotest",
		Subsystem: "scheduler",
		Name:      "entries_past_max_runtime_total",
		Help:      "Number of queue entries aborted for exceeding their job's max runtime.",
	})
	reg.MustRegister(d.mEntriesForceAbort)
}

func (d *Dispatcher) updateMetrics() {
	d.mAgents.Set(float64(len(d.agents)))
	d.mRunningProcesses.Set(float64(d.drones.TotalRunningProcesses()))
	d.mRunningParsers.Set(float64(d.env.RunningParsers()))
}

// ReloadConfig applies a new configuration, starting with the next
// tick. Metahost schedulers and the host prober are fixed at
// startup.
func (d *Dispatcher) ReloadConfig(cfg *config.Config) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	err := d.env.SetConfig(cfg)
	if err != nil {
		return err
	}
	d.cfg = cfg
	return nil
}

// Start runs ticks in a background goroutine until Stop is called.
func (d *Dispatcher) Start() {
	go d.runOnce.Do(d.run)
}

// Done returns a channel that closes when the tick loop exits,
// either after Stop or because the scheduler lock was lost.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.stopped
}

// Stop stops the tick loop, waiting for a tick in progress to
// finish. No other method should be called after Stop.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.stopped
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	ctx := ctxlog.Context(context.Background(), d.logger)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-timer.C:
		}
		err := d.Tick(ctx)
		if errors.Is(err, ErrLockLost) {
			d.logger.WithError(err).Error("stopping")
			return
		} else if err != nil {
			d.logger.WithError(err).Error("tick failed")
		}
		d.mtx.Lock()
		pause := d.cfg.Scheduler.TickPause.Duration()
		d.mtx.Unlock()
		timer.Reset(pause)
	}
}

// Tick runs one scheduling cycle. Errors concerning a single entry,
// host or agent are logged, and the entry is retried in the next
// tick. An error return means the cycle was cut short.
func (d *Dispatcher) Tick(ctx context.Context) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.lockCheck != nil && !d.lockCheck() {
		return ErrLockLost
	}
	t0 := d.now()
	err := d.tick(ctx)
	d.mTicks.Inc()
	if err != nil {
		d.mTickErrors.Inc()
	}
	d.mTickDuration.Observe(d.now().Sub(t0).Seconds())
	d.updateMetrics()
	d.ticks++
	return err
}

func (d *Dispatcher) tick(ctx context.Context) error {
	err := d.drones.Refresh(ctx)
	if err != nil {
		// Unreachable drones keep their last known state.
		d.logger.WithError(err).Warn("drone refresh incomplete")
	}
	for _, step := range []struct {
		name string
		fn   func(context.Context) error
	}{
		{"periodic cleanup", d.runCleanupMaybe},
		{"abort entries past max runtime", d.abortEntriesPastMaxRuntime},
		{"find aborting entries", d.findAborting},
		{"schedule delay tasks", d.scheduleDelayTasks},
		{"schedule running entries", d.scheduleRunningEntries},
		{"schedule special tasks", d.scheduleSpecialTasks},
		{"schedule new jobs", d.scheduleNewJobs},
		{"handle agents", d.handleAgents},
		{"probe hosts", d.probeHostsMaybe},
	} {
		err := step.fn(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	err = d.drones.ExecuteActions(ctx)
	if err != nil {
		d.logger.WithError(err).Warn("some drone actions failed")
	}
	return nil
}

func (d *Dispatcher) addAgent(a *agent.Agent) {
	d.logger.WithField("Agent", a.String()).Debug("adding agent")
	d.agents = append(d.agents, a)
}

func (d *Dispatcher) removeAgent(a *agent.Agent) {
	for i, x := range d.agents {
		if x == a {
			d.agents = append(d.agents[:i], d.agents[i+1:]...)
			return
		}
	}
}

// agentsForEntry returns the agents whose current task handles the
// entry.
func (d *Dispatcher) agentsForEntry(entryID int64) []*agent.Agent {
	var found []*agent.Agent
	for _, a := range d.agents {
		for _, id := range a.EntryIDs() {
			if id == entryID {
				found = append(found, a)
				break
			}
		}
	}
	return found
}

// hostAgent returns the agent whose current task uses the host, if
// any.
func (d *Dispatcher) hostAgent(hostID int64) *agent.Agent {
	for _, a := range d.agents {
		for _, id := range a.HostIDs() {
			if id == hostID {
				return a
			}
		}
	}
	return nil
}

// Agents returns a description of each agent, for status reports.
func (d *Dispatcher) Agents() []string {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var list []string
	for _, a := range d.agents {
		list = append(list, a.String())
	}
	return list
}

// canStartAgent applies process throttling to an agent that has not
// started its current task.
func (d *Dispatcher) canStartAgent(a *agent.Agent, startedThisTick int, reachedLimit bool) bool {
	n := a.NumProcesses()
	if n == 0 {
		return true
	}
	// Once an agent has been held back, later agents are too, so
	// agents needing many processes are not starved.
	if reachedLimit {
		return false
	}
	if n > d.drones.MaxRunnableProcesses(a.Owner(), nil) {
		return false
	}
	if startedThisTick == 0 {
		return true
	}
	return startedThisTick+n <= d.cfg.Scheduler.MaxProcessesStartedPerCycle
}

// handleAgents ticks every agent that is running or allowed to
// start, and removes the agents that are done.
func (d *Dispatcher) handleAgents(ctx context.Context) error {
	started, reachedLimit := 0, false
	for _, a := range append([]*agent.Agent(nil), d.agents...) {
		if !a.Started() {
			if !d.canStartAgent(a, started, reachedLimit) {
				reachedLimit = true
				continue
			}
			started += a.NumProcesses()
		}
		// Agent ticks are not wrapped in a transaction: a process
		// they launch cannot be rolled back with the database.
		err := a.Tick(ctx)
		if err != nil {
			d.logger.WithError(err).WithField("Agent", a.String()).Error("agent tick failed")
		}
		if a.IsDone() {
			d.logger.WithField("Agent", a.String()).Info("agent finished")
			d.removeAgent(a)
		}
	}
	d.mProcessesStarted.Add(float64(started))
	d.logger.WithField("RunningProcesses", d.drones.TotalRunningProcesses()).Debug("handled agents")
	return nil
}

// abortEntriesPastMaxRuntime flags entries whose job has run longer
// than its max runtime. They are aborted by findAborting in the same
// tick.
func (d *Dispatcher) abortEntriesPastMaxRuntime(ctx context.Context) error {
	now := d.now()
	entries, err := d.store.EntriesPastMaxRuntime(ctx, now)
	if err != nil {
		return err
	}
	for _, e := range entries {
		d.logger.WithField("HostQueueEntry", e.ID).Info("aborting entry past max runtime")
		err = d.store.AbortEntry(ctx, e.ID, agent.SystemUser, now)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			d.logger.WithError(err).WithField("HostQueueEntry", e.ID).Error("cannot abort entry")
			continue
		}
		d.mEntriesForceAbort.Inc()
	}
	return nil
}

// findAborting aborts the agents of every aborted, incomplete entry,
// then finishes aborting the entry.
func (d *Dispatcher) findAborting(ctx context.Context) error {
	entries, err := d.store.AbortingEntries(ctx)
	if err != nil {
		return err
	}
	jobs := map[int64]bool{}
	var jobIDs []int64
	for i := range entries {
		e := &entries[i]
		logger := d.logger.WithField("HostQueueEntry", e.ID)
		switch e.Status {
		case store.EntryGathering, store.EntryParsing, store.EntryArchiving:
			// Post-job tasks run to completion.
			logger.Debug("aborted entry is finishing post-job tasks")
		default:
			logger.WithField("Status", e.Status).Info("aborting")
		}
		for _, a := range d.agentsForEntry(e.ID) {
			err := a.Abort(ctx)
			if err != nil {
				logger.WithError(err).Error("cannot abort agent")
			}
		}
		err := d.store.WithTx(ctx, func(ctx context.Context) error {
			return d.env.AbortEntry(ctx, e)
		})
		if err != nil {
			logger.WithError(err).Error("cannot abort entry")
			continue
		}
		if !jobs[e.JobID] {
			jobs[e.JobID] = true
			jobIDs = append(jobIDs, e.JobID)
		}
	}
	for _, id := range jobIDs {
		err := d.store.WithTx(ctx, func(ctx context.Context) error {
			return d.env.StopIfNecessary(ctx, id)
		})
		if err != nil {
			d.logger.WithError(err).WithField("Job", id).Error("cannot stop job")
		}
	}
	return nil
}

// scheduleDelayTasks starts a ready-delay agent for each atomic
// group job that has a Waiting entry.
func (d *Dispatcher) scheduleDelayTasks(ctx context.Context) error {
	entries, err := d.store.EntriesWithStatus(ctx, store.EntryWaiting)
	if err != nil {
		return err
	}
	for i := range entries {
		e := &entries[i]
		var dt *agent.DelayTask
		err := d.store.WithTx(ctx, func(ctx context.Context) error {
			var err error
			dt, err = d.env.ScheduleDelayTask(ctx, e)
			return err
		})
		if err != nil {
			d.logger.WithError(err).WithField("HostQueueEntry", e.ID).Error("cannot schedule delay task")
			continue
		}
		if dt != nil {
			d.addAgent(agent.New(dt))
		}
	}
	return nil
}

// scheduleRunningEntries creates agents for entries that are past
// their pre-job tasks but have no agent: newly Starting entries, and
// entries whose agent was lost.
func (d *Dispatcher) scheduleRunningEntries(ctx context.Context) error {
	tasks, err := d.entryTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		d.addAgent(agent.New(t))
	}
	return nil
}

// entryTasks returns a task for each group of active entries with no
// agent.
func (d *Dispatcher) entryTasks(ctx context.Context) ([]agent.Task, error) {
	entries, err := d.store.EntriesWithStatus(ctx, store.EntryStarting, store.EntryRunning, store.EntryGathering, store.EntryParsing)
	if err != nil {
		return nil, err
	}
	var tasks []agent.Task
	used := map[int64]bool{}
	for _, e := range entries {
		if used[e.ID] || len(d.agentsForEntry(e.ID)) > 0 {
			continue
		}
		t, group, err := d.entryTask(ctx, e)
		for _, g := range group {
			used[g.ID] = true
		}
		if err != nil {
			d.logger.WithError(err).WithField("HostQueueEntry", e.ID).Error("cannot create agent for entry")
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (d *Dispatcher) entryTask(ctx context.Context, e store.Entry) (agent.Task, []store.Entry, error) {
	if e.IsHostless() && (e.Status == store.EntryStarting || e.Status == store.EntryRunning) {
		t, err := d.env.NewHostlessQueueTask(ctx, e)
		return t, []store.Entry{e}, err
	}
	group, err := d.store.GroupEntries(ctx, e.JobID, e.ExecutionSubdir)
	if err != nil {
		return nil, nil, err
	}
	var members []store.Entry
	for _, g := range group {
		if g.Status == e.Status {
			members = append(members, g)
		}
	}
	for _, g := range members {
		if g.HostID.Valid && g.Status != store.EntryParsing {
			if a := d.hostAgent(g.HostID.Int64); a != nil {
				return nil, members, fmt.Errorf("host %d already has an agent: %s", g.HostID.Int64, a)
			}
		}
	}
	var t agent.Task
	switch e.Status {
	case store.EntryStarting, store.EntryRunning:
		t, err = d.env.NewQueueTask(ctx, members)
	case store.EntryGathering:
		t, err = d.env.NewGatherLogsTask(ctx, members)
	case store.EntryParsing:
		t, err = d.env.NewParseTask(ctx, members)
	default:
		err = fmt.Errorf("no task for entry status %s", e.Status)
	}
	return t, members, err
}

// scheduleSpecialTasks starts queued special tasks, most urgent
// first, on hosts that are not busy.
func (d *Dispatcher) scheduleSpecialTasks(ctx context.Context) error {
	tasks, err := d.store.QueuedSpecialTasks(ctx)
	if err != nil {
		return err
	}
	for _, st := range tasks {
		if d.hostAgent(st.HostID) != nil {
			continue
		}
		t, err := d.env.NewSpecialTask(ctx, st)
		if err != nil {
			d.logger.WithError(err).WithField("SpecialTask", st.ID).Error("cannot create agent for special task")
			continue
		}
		d.addAgent(agent.New(t))
	}
	return nil
}

// scheduleNewJobs assigns hosts to queued entries, in priority order.
func (d *Dispatcher) scheduleNewJobs(ctx context.Context) error {
	entries, err := d.store.QueuedEntries(ctx)
	if err != nil || len(entries) == 0 {
		return err
	}
	err = d.hosts.Refresh(ctx, entries)
	if err != nil {
		return err
	}
	for _, e := range entries {
		var added []*agent.Agent
		err := d.store.WithTx(ctx, func(ctx context.Context) error {
			added = nil
			switch {
			case e.IsHostless():
				a, err := d.scheduleHostless(ctx, e)
				if a != nil {
					added = append(added, a)
				}
				return err
			case e.AtomicGroupID.Valid && !e.HostID.Valid:
				return d.scheduleAtomicGroup(ctx, e)
			default:
				h, ok, err := d.hosts.ScheduleEntry(e)
				if err != nil || !ok {
					return err
				}
				if d.hostAgent(h.ID) != nil {
					return nil
				}
				return d.runEntry(ctx, e, h)
			}
		})
		if err != nil {
			d.logger.WithError(err).WithField("HostQueueEntry", e.ID).Error("cannot schedule entry")
			continue
		}
		for _, a := range added {
			d.addAgent(a)
		}
	}
	return nil
}

// runEntry assigns the host to the entry and queues its pre-job
// tasks. An entry that lost a race for its host stays Queued.
func (d *Dispatcher) runEntry(ctx context.Context, e store.Entry, h store.Host) error {
	logger := d.logger.WithFields(logrus.Fields{"HostQueueEntry": e.ID, "Host": h.Hostname})
	err := d.store.AssignHost(ctx, e.ID, h.ID)
	if errors.Is(err, store.ErrConflict) {
		logger.WithError(err).Info("not scheduling entry")
		return nil
	} else if err != nil {
		return err
	}
	e, err = d.store.Entry(ctx, e.ID)
	if err != nil {
		return err
	}
	d.mEntriesScheduled.Inc()
	return d.env.SchedulePreJobTasks(ctx, &e)
}

func (d *Dispatcher) scheduleHostless(ctx context.Context, e store.Entry) (*agent.Agent, error) {
	err := d.env.SetEntryStatus(ctx, &e, store.EntryStarting)
	if err != nil {
		return nil, err
	}
	t, err := d.env.NewHostlessQueueTask(ctx, e)
	if err != nil {
		return nil, err
	}
	return agent.New(t), nil
}

// scheduleAtomicGroup finds a group of hosts for an atomic group
// entry. The entry takes the first host; a copy of the entry is made
// for each other host.
func (d *Dispatcher) scheduleAtomicGroup(ctx context.Context, e store.Entry) error {
	job, err := d.store.Job(ctx, e.JobID)
	if err != nil {
		return err
	}
	ag, err := d.store.AtomicGroup(ctx, e.AtomicGroupID.Int64)
	if err != nil {
		return err
	}
	if job.SynchCount > ag.MaxNumberOfMachines {
		d.logger.WithFields(logrus.Fields{
			"HostQueueEntry":      e.ID,
			"Job":                 job.ID,
			"SynchCount":          job.SynchCount,
			"AtomicGroup":         ag.Name,
			"MaxNumberOfMachines": ag.MaxNumberOfMachines,
		}).Error("job needs more hosts than its atomic group allows, aborting entry")
		return d.env.SetEntryStatus(ctx, &e, store.EntryAborted)
	}
	hosts := d.hosts.FindEligibleAtomicGroup(e, job, ag)
	if len(hosts) == 0 {
		return nil
	}
	var names []string
	for _, h := range hosts {
		names = append(names, h.Hostname)
	}
	d.logger.WithFields(logrus.Fields{"HostQueueEntry": e.ID, "Hosts": names}).Info("expanding atomic group entry")
	for _, h := range hosts[1:] {
		clone, err := d.store.CloneEntry(ctx, e)
		if err != nil {
			return err
		}
		err = d.runEntry(ctx, clone, h)
		if err != nil {
			return err
		}
	}
	return d.runEntry(ctx, e, hosts[0])
}
