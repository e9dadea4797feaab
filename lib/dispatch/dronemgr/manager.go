// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dronemgr places processes on drones, tracks them by
// pidfile, and refreshes their state from the drones once per
// scheduler tick.
//
// Except for Drones and ReloadConfig, Manager methods are meant to
// be called from the scheduler's tick goroutine.
package dronemgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/autotest/autotest-sub010/lib/config"
	"github.com/autotest/autotest-sub010/lib/dispatch/drone"
	"github.com/autotest/autotest-sub010/lib/dispatch/droneutil"
	"github.com/autotest/autotest-sub010/lib/dispatch/executor"
	"github.com/cenkalti/backoff/v4"
	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	// ErrCapacityExhausted is returned by ExecuteCommand when no
	// usable drone has enough spare capacity. The caller should
	// retry on a later tick.
	ErrCapacityExhausted = errors.New("no drone has capacity")
	// ErrLaunchFailed is wrapped by PidfileContents.Err when the
	// batch carrying a process launch could not be delivered. The
	// caller may call ExecuteCommand again.
	ErrLaunchFailed = errors.New("launch was not delivered to drone")
	// ErrNoProcess is returned when a pidfile does not (yet)
	// identify a process.
	ErrNoProcess = errors.New("no process recorded for pidfile")
	ErrNoDrones  = errors.New("no valid drones found")
)

// WorkingDirectory is replaced by the absolute working directory
// wherever it appears in an ExecuteRequest's Command.
const WorkingDirectory = "@WORKING_DIRECTORY@"

// Options configures a Manager beyond what is in the config file.
type Options struct {
	// Returns a Drone for hostname. Default is drone.New with
	// settings from the config.
	NewDrone func(hostname string, dc config.DroneConfig) *drone.Drone
	// Delay before the first retry of a failed drone batch.
	RetryInterval time.Duration
	Registry      *prometheus.Registry
	Logger        logrus.FieldLogger
}

type pidfileInfo struct {
	age int
	// Processes to account for while running; -1 if unknown.
	numProcesses int
	// Drone chosen by ExecuteCommand, used until the pidfile
	// names a process.
	launchedOn string
	// The launch batch failed; nothing will write this pidfile.
	launchFailed bool
	// Results dir and attached files of the last launch, restored
	// if the launch is not delivered.
	resultsDir string
	attached   map[string]string
}

// Manager coordinates a set of drones.
type Manager struct {
	logger        logrus.FieldLogger
	newDrone      func(string, config.DroneConfig) *drone.Drone
	retryInterval time.Duration

	mtx          sync.Mutex
	cfg          *config.Config
	drones       map[string]*drone.Drone
	order        []string
	resultsDrone *drone.Drone

	processes          map[Process]Process
	pidfiles           map[PidfileID]PidfileContents
	pidfilesSecondRead map[PidfileID]PidfileContents
	registered         map[PidfileID]*pidfileInfo
	attached           map[string]map[string]string

	mActiveProcesses *prometheus.GaugeVec
	mMaxProcesses    *prometheus.GaugeVec
	mUnreachable     *prometheus.GaugeVec
	mBatchErrors     *prometheus.CounterVec
	mPidfiles        prometheus.Gauge
}

// New returns a Manager for the drones listed in cfg. Drones are
// ordered by hostname; placement ties go to the earlier drone.
func New(cfg *config.Config, opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &Manager{
		logger:             logger,
		newDrone:           opts.NewDrone,
		retryInterval:      opts.RetryInterval,
		cfg:                cfg,
		drones:             map[string]*drone.Drone{},
		processes:          map[Process]Process{},
		pidfiles:           map[PidfileID]PidfileContents{},
		pidfilesSecondRead: map[PidfileID]PidfileContents{},
		registered:         map[PidfileID]*pidfileInfo{},
		attached:           map[string]map[string]string{},
	}
	if m.retryInterval <= 0 {
		m.retryInterval = 500 * time.Millisecond
	}
	if m.newDrone == nil {
		factory, err := defaultDroneFactory(cfg, logger)
		if err != nil {
			return nil, err
		}
		m.newDrone = factory
	}
	var hostnames []string
	for hostname := range cfg.Drones {
		hostnames = append(hostnames, hostname)
	}
	sort.Strings(hostnames)
	for _, hostname := range hostnames {
		m.addDrone(hostname, cfg.Drones[hostname])
	}
	if len(m.drones) == 0 {
		return nil, ErrNoDrones
	}
	if d, ok := m.drones[cfg.Results.Host]; ok {
		m.resultsDrone = d
	} else {
		m.resultsDrone = m.newDrone(cfg.Results.Host, cfg.DroneDefaults)
	}
	logger.WithField("Host", cfg.Results.Host).Info("using results repository")
	m.registerMetrics(opts.Registry)
	return m, nil
}

func defaultDroneFactory(cfg *config.Config, logger logrus.FieldLogger) (func(string, config.DroneConfig) *drone.Drone, error) {
	sshConf, err := executor.LoadSSHConfig(cfg.SSH, logger)
	if err != nil {
		return nil, err
	}
	argv, err := cfg.Commands.DroneUtilityArgv()
	if err != nil {
		return nil, err
	}
	util, err := droneutil.NewUtility(cfg, droneutil.NewHostCache(cfg, logger).Get, logger)
	if err != nil {
		return nil, err
	}
	opts := drone.Options{
		Command:      argv,
		Timeout:      cfg.Scheduler.DroneCallTimeout.Duration(),
		SSH:          sshConf,
		LocalUtility: util,
		Logger:       logger,
	}
	return func(hostname string, dc config.DroneConfig) *drone.Drone {
		return drone.New(hostname, dc, opts)
	}, nil
}

func (m *Manager) addDrone(hostname string, dc config.DroneConfig) *drone.Drone {
	m.logger.WithField("Drone", hostname).Info("adding drone")
	d := m.newDrone(hostname, dc)
	m.drones[hostname] = d
	m.order = append(m.order, hostname)
	return d
}

// droneList returns the drones in registration order. Caller must
// have lock.
func (m *Manager) droneList() []*drone.Drone {
	list := make([]*drone.Drone, 0, len(m.order))
	for _, hostname := range m.order {
		list = append(list, m.drones[hostname])
	}
	return list
}

// Initialize prepares every drone's results directory. It fails
// only if no drone could be initialized.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mtx.Lock()
	call := m.initializeCall()
	m.mtx.Unlock()
	errs := m.callAllDrones(ctx, call)
	ok := 0
	for hostname, err := range errs {
		if err != nil {
			m.logger.WithField("Drone", hostname).WithError(err).Error("drone initialization failed")
		} else {
			ok++
		}
	}
	if ok == 0 {
		return ErrNoDrones
	}
	return nil
}

// ReinitializeDrones clears the drones' temporary directories.
func (m *Manager) ReinitializeDrones(ctx context.Context) error {
	m.mtx.Lock()
	call := m.initializeCall()
	m.mtx.Unlock()
	var merr error
	for _, err := range m.callAllDrones(ctx, call) {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr
}

// Caller must have lock.
func (m *Manager) initializeCall() droneutil.Call {
	return droneutil.NewCall(droneutil.MethodInitialize, droneutil.InitializeArgs{ResultsDir: m.absolutePath("", false)})
}

// callAllDrones sends call to every drone concurrently and returns
// each drone's error.
func (m *Manager) callAllDrones(ctx context.Context, call droneutil.Call) map[string]error {
	m.mtx.Lock()
	drones := m.droneList()
	m.mtx.Unlock()
	errs := make(map[string]error, len(drones))
	var mtx sync.Mutex
	var wg sync.WaitGroup
	for _, d := range drones {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.callWithRetry(ctx, d, func() error {
				return d.Call(ctx, call, nil)
			}, true)
			mtx.Lock()
			errs[d.Hostname()] = err
			mtx.Unlock()
		}()
	}
	wg.Wait()
	return errs
}

// callWithRetry calls fn until it succeeds or DroneCallRetries
// retries have failed. Unless retryAll is true, only errors that
// show the batch was never delivered are retried.
func (m *Manager) callWithRetry(ctx context.Context, d *drone.Drone, fn func() error, retryAll bool) error {
	m.mtx.Lock()
	retries := m.cfg.Scheduler.DroneCallRetries
	m.mtx.Unlock()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.retryInterval
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !retryAll && !executor.IsUnreachable(err) {
			return backoff.Permanent(err)
		}
		m.logger.WithFields(logrus.Fields{
			"Drone":   d.Hostname(),
			"Attempt": attempt,
		}).WithError(err).Warn("drone call failed")
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx))
	if err != nil {
		m.mBatchErrors.WithLabelValues(d.Hostname()).Inc()
	}
	return err
}

// Refresh reads the registered pidfiles and the process table from
// every drone. A drone that cannot be reached keeps its last-known
// processes and pidfiles; the returned error lists such drones.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mtx.Lock()
	m.dropOldPidfiles()
	paths := make([]string, 0, len(m.registered))
	for id := range m.registered {
		paths = append(paths, string(id))
	}
	sort.Strings(paths)
	drones := m.droneList()
	m.mtx.Unlock()

	call := droneutil.NewCall(droneutil.MethodRefresh, droneutil.RefreshArgs{PidfilePaths: paths})
	results := make([]droneutil.RefreshResult, len(drones))
	errs := make([]error, len(drones))
	var wg sync.WaitGroup
	for i, d := range drones {
		i, d := i, d
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.callWithRetry(ctx, d, func() error {
				return d.Call(ctx, call, &results[i])
			}, true)
		}()
	}
	wg.Wait()

	m.mtx.Lock()
	defer m.mtx.Unlock()
	processes := map[Process]Process{}
	pidfiles := map[PidfileID]PidfileContents{}
	secondRead := map[PidfileID]PidfileContents{}
	var merr error
	for i, d := range drones {
		hostname := d.Hostname()
		if errs[i] != nil {
			merr = multierror.Append(merr, errs[i])
			for k, p := range m.processes {
				if k.Hostname == hostname {
					processes[k] = p
				}
			}
			m.keepFrom(pidfiles, m.pidfiles, hostname)
			m.keepFrom(secondRead, m.pidfilesSecondRead, hostname)
			continue
		}
		res := results[i]
		for _, pi := range res.Processes {
			p := Process{Hostname: hostname, Pid: pi.Pid, Ppid: pi.Ppid}
			processes[p.key()] = p
		}
		for path, raw := range res.Pidfiles {
			pidfiles[PidfileID(path)] = parsePidfile(hostname, raw)
		}
		for path, raw := range res.PidfilesSecondRead {
			secondRead[PidfileID(path)] = parsePidfile(hostname, raw)
		}
	}
	m.processes = processes
	m.pidfiles = pidfiles
	m.pidfilesSecondRead = secondRead
	for i, d := range drones {
		if errs[i] == nil {
			d.SetActiveProcesses(m.countActiveProcesses(d.Hostname()))
		}
	}
	m.updateMetrics()
	return merr
}

// keepFrom copies the last-known pidfiles of an unreachable drone
// from src to dst: those naming a process on hostname, and those
// (unwritten or corrupt) whose launch went to hostname. Caller must
// have lock.
func (m *Manager) keepFrom(dst, src map[PidfileID]PidfileContents, hostname string) {
	for id, pc := range src {
		if pc.Process != nil {
			if pc.Process.Hostname == hostname {
				dst[id] = pc
			}
		} else if info, ok := m.registered[id]; ok && info.launchedOn == hostname {
			dst[id] = pc
		}
	}
}

// countActiveProcesses returns the number of processes accounted to
// registered pidfiles running on hostname, including launches that
// have not written a pid yet. Caller must have lock.
func (m *Manager) countActiveProcesses(hostname string) int {
	n := 0
	for id, info := range m.registered {
		if info.numProcesses <= 0 {
			continue
		}
		pc := m.pidfiles[id]
		switch {
		case pc.Err != nil:
		case pc.Process == nil && info.launchedOn == hostname:
			n += info.numProcesses
		case pc.IsRunning() && pc.Process.Hostname == hostname:
			n += info.numProcesses
		}
	}
	return n
}

// dropOldPidfiles forgets pidfiles nobody has asked about for
// MaxPidfileRefreshes refreshes. Caller must have lock.
func (m *Manager) dropOldPidfiles() {
	for id, info := range m.registered {
		if info.age > m.cfg.Scheduler.MaxPidfileRefreshes {
			m.logger.WithField("PidfileID", id).Warn("dropping leaked pidfile")
			delete(m.registered, id)
		} else {
			info.age++
		}
	}
}

// ExecuteActions sends the calls queued during this tick to every
// drone and then to the results repository. A drone whose batch
// still fails after retries has its queue discarded; if the drone
// was unreachable, its launches are reported with ErrLaunchFailed.
func (m *Manager) ExecuteActions(ctx context.Context) error {
	m.mtx.Lock()
	drones := m.droneList()
	results := m.resultsDrone
	separate := m.drones[results.Hostname()] != results
	m.mtx.Unlock()

	var merr error
	var mtx sync.Mutex
	var wg sync.WaitGroup
	for _, d := range drones {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.executeQueuedCalls(ctx, d); err != nil {
				mtx.Lock()
				merr = multierror.Append(merr, err)
				mtx.Unlock()
			}
		}()
	}
	wg.Wait()
	if separate {
		if err := m.executeQueuedCalls(ctx, results); err != nil {
			m.logger.WithError(err).Error("results repository failed to execute calls")
			merr = multierror.Append(merr, err)
		}
	}
	return merr
}

func (m *Manager) executeQueuedCalls(ctx context.Context, d *drone.Drone) error {
	if d.QueuedCalls() == 0 {
		return nil
	}
	var results []droneutil.Result
	err := m.callWithRetry(ctx, d, func() error {
		var err error
		results, err = d.ExecuteQueuedCalls(ctx)
		return err
	}, false)
	if err != nil {
		calls := d.ClearQueue()
		m.logger.WithFields(logrus.Fields{
			"Drone": d.Hostname(),
			"Calls": len(calls),
		}).WithError(err).Error("discarding queued calls")
		if executor.IsUnreachable(err) {
			// Nothing in the batch ran. After a timeout the
			// launches may still write their pidfiles.
			m.launchesFailed(d, calls)
		}
		return err
	}
	for i, res := range results {
		if res.Error != nil {
			m.logger.WithFields(logrus.Fields{
				"Drone": d.Hostname(),
				"Call":  i,
			}).WithError(res.Error).Warn("drone call returned error")
		}
	}
	return nil
}

// launchesFailed marks the pidfiles of the undelivered launches in
// calls, so their monitors can launch again instead of waiting for a
// pidfile that will never be written.
func (m *Manager) launchesFailed(d *drone.Drone, calls []droneutil.Call) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, call := range calls {
		if call.Method != droneutil.MethodExecute {
			continue
		}
		var args droneutil.ExecuteArgs
		if err := json.Unmarshal(call.Args, &args); err != nil {
			m.logger.WithError(err).Error("cannot decode queued execute call")
			continue
		}
		id := PidfileID(filepath.Join(args.WorkingDirectory, args.PidfileName))
		info, ok := m.registered[id]
		if !ok || info.launchedOn != d.Hostname() {
			continue
		}
		m.logger.WithFields(logrus.Fields{
			"Drone":     d.Hostname(),
			"PidfileID": id,
		}).Warn("process launch was not delivered")
		info.launchFailed = true
		info.launchedOn = ""
		if len(info.attached) > 0 {
			files := m.attached[info.resultsDir]
			if files == nil {
				files = map[string]string{}
				m.attached[info.resultsDir] = files
			}
			for path, contents := range info.attached {
				if _, ok := files[path]; !ok {
					files[path] = contents
				}
			}
			info.attached = nil
		}
		if info.numProcesses > 0 {
			d.AddActiveProcesses(-info.numProcesses)
		}
	}
}

// ExecuteRequest describes a process to launch.
type ExecuteRequest struct {
	// argv; WorkingDirectory elements are replaced by the
	// absolute working directory.
	Command []string
	// Working directory, relative to the results directory.
	WorkingDirectory string
	PidfileName      string
	// Processes to account for while this one runs.
	NumProcesses int
	// Log file, relative to the results directory. Default is
	// a new temporary path.
	LogFile string
	// Run on the same drone as this earlier process.
	PairedWith PidfileID
	Username   string
	// If not empty, only these drones may be used.
	DronesAllowed []string
}

// ExecuteCommand queues a process launch on the drone with the most
// spare capacity and returns the PidfileID that will track it. The
// launch happens in ExecuteActions.
func (m *Manager) ExecuteCommand(req ExecuteRequest) (PidfileID, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	absWorkdir := m.absolutePath(req.WorkingDirectory, false)
	logFile := req.LogFile
	if logFile == "" {
		logFile = temporaryPath("execute")
	}
	logFile = m.absolutePath(logFile, false)
	argv := make([]string, len(req.Command))
	for i, arg := range req.Command {
		if arg == WorkingDirectory {
			arg = absWorkdir
		}
		argv[i] = arg
	}

	var d *drone.Drone
	var err error
	if req.PairedWith != "" {
		d, err = m.droneForPidfile(req.PairedWith)
	} else {
		d, err = m.chooseDrone(req.NumProcesses, req.Username, req.DronesAllowed)
	}
	if err != nil {
		return "", fmt.Errorf("cannot execute %q: %w", strings.Join(argv, " "), err)
	}
	m.logger.WithFields(logrus.Fields{
		"Drone":   d.Hostname(),
		"Command": argv,
		"LogFile": logFile,
	}).Info("executing command")
	attached := m.writeAttachedFiles(req.WorkingDirectory, d)
	d.QueueCall(droneutil.NewCall(droneutil.MethodExecute, droneutil.ExecuteArgs{
		Command:          argv,
		WorkingDirectory: absWorkdir,
		LogFile:          logFile,
		PidfileName:      req.PidfileName,
	}))
	d.AddActiveProcesses(req.NumProcesses)

	id := PidfileID(filepath.Join(absWorkdir, req.PidfileName))
	info := m.registerPidfile(id)
	info.numProcesses = req.NumProcesses
	info.launchedOn = d.Hostname()
	info.launchFailed = false
	info.resultsDir = req.WorkingDirectory
	info.attached = attached
	return id, nil
}

type candidate struct {
	d     *drone.Drone
	spare int
	index int
}

// chooseDrone returns the usable drone with the most spare
// capacity, provided it can take n more processes. Caller must have
// lock.
func (m *Manager) chooseDrone(n int, username string, allowed []string) (*drone.Drone, error) {
	heap := binaryheap.NewWith(func(a, b interface{}) int {
		ca, cb := a.(candidate), b.(candidate)
		if ca.spare != cb.spare {
			return cb.spare - ca.spare
		}
		return ca.index - cb.index
	})
	var summary []string
	for i, d := range m.droneList() {
		if !m.usable(d, username, allowed) {
			continue
		}
		heap.Push(candidate{d: d, spare: d.SpareCapacity(), index: i})
		summary = append(summary, fmt.Sprintf("%s %d/%d", d.Hostname(), d.ActiveProcesses(), d.MaxProcesses()))
	}
	top, ok := heap.Peek()
	if !ok || top.(candidate).spare < n {
		m.logger.WithFields(logrus.Fields{
			"Processes": n,
			"Drones":    strings.Join(summary, ","),
			"User":      username,
		}).Warn("no drone has capacity")
		return nil, ErrCapacityExhausted
	}
	return top.(candidate).d, nil
}

// usable returns true if d can accept new processes for username.
// Caller must have lock.
func (m *Manager) usable(d *drone.Drone, username string, allowed []string) bool {
	if !d.Enabled() || d.Unreachable(m.cfg.Scheduler.DroneUnreachableThreshold.Duration()) || !d.UsableBy(username) {
		return false
	}
	if len(allowed) == 0 {
		return true
	}
	for _, hostname := range allowed {
		if hostname == d.Hostname() {
			return true
		}
	}
	return false
}

// droneForPidfile returns the drone running (or about to run) the
// process tracked by id. Caller must have lock.
func (m *Manager) droneForPidfile(id PidfileID) (*drone.Drone, error) {
	hostname := ""
	if pc := m.pidfiles[id]; pc.Process != nil {
		hostname = pc.Process.Hostname
	} else if info, ok := m.registered[id]; ok {
		hostname = info.launchedOn
	}
	if hostname == "" {
		return nil, fmt.Errorf("%s: %w", id, ErrNoProcess)
	}
	return m.droneByName(hostname)
}

func (m *Manager) droneByName(hostname string) (*drone.Drone, error) {
	d, ok := m.drones[hostname]
	if !ok {
		return nil, fmt.Errorf("unknown drone %q", hostname)
	}
	return d, nil
}

// MaxRunnableProcesses returns the largest number of processes a
// single ExecuteCommand could place right now for username.
func (m *Manager) MaxRunnableProcesses(username string, allowed []string) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	most := 0
	for _, d := range m.droneList() {
		if m.usable(d, username, allowed) {
			if spare := d.SpareCapacity(); spare > most {
				most = spare
			}
		}
	}
	return most
}

// TotalRunningProcesses returns the number of processes accounted
// to all drones.
func (m *Manager) TotalRunningProcesses() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	total := 0
	for _, d := range m.drones {
		total += d.ActiveProcesses()
	}
	return total
}

// RegisterPidfile makes Refresh read the given pidfile.
func (m *Manager) RegisterPidfile(id PidfileID) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.registerPidfile(id)
}

func (m *Manager) registerPidfile(id PidfileID) *pidfileInfo {
	info, ok := m.registered[id]
	if !ok {
		m.logger.WithField("PidfileID", id).Info("monitoring pidfile")
		info = &pidfileInfo{numProcesses: -1}
		m.registered[id] = info
	}
	info.age = 0
	return info
}

// UnregisterPidfile stops reading the given pidfile.
func (m *Manager) UnregisterPidfile(id PidfileID) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.registered[id]; ok {
		m.logger.WithField("PidfileID", id).Info("forgetting pidfile")
		delete(m.registered, id)
	}
}

// DeclareProcessCount sets the number of processes to account for
// while the given pidfile's process runs.
func (m *Manager) DeclareProcessCount(id PidfileID, n int) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.registerPidfile(id).numProcesses = n
}

// PidfileIDFrom returns the PidfileID for a pidfile in an execution
// directory.
func (m *Manager) PidfileIDFrom(executionTag, pidfileName string) PidfileID {
	return PidfileID(filepath.Join(m.AbsolutePath(executionTag, false), pidfileName))
}

// GetPidfileContents returns the state read by the last Refresh.
// With secondRead, it returns the copy read after the process table.
func (m *Manager) GetPidfileContents(id PidfileID, secondRead bool) PidfileContents {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if info, ok := m.registered[id]; ok {
		info.age = 0
		if info.launchFailed {
			return PidfileContents{Err: fmt.Errorf("%s: %w", id, ErrLaunchFailed)}
		}
	}
	if secondRead {
		return m.pidfilesSecondRead[id]
	}
	return m.pidfiles[id]
}

// IsProcessRunning returns true if the last Refresh saw p.
func (m *Manager) IsProcessRunning(p Process) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	_, ok := m.processes[p.key()]
	return ok
}

// KillProcess queues a kill of the process tracked by id.
func (m *Manager) KillProcess(id PidfileID) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	pc := m.pidfiles[id]
	if pc.Process == nil {
		return fmt.Errorf("%s: %w", id, ErrNoProcess)
	}
	d, err := m.droneByName(pc.Process.Hostname)
	if err != nil {
		return err
	}
	m.logger.WithField("Process", pc.Process.String()).Info("killing process")
	d.QueueCall(droneutil.NewCall(droneutil.MethodKillProcess, droneutil.KillProcessArgs{Pid: pc.Process.Pid}))
	return nil
}

// OrphanedProcesses returns supervised processes whose parent has
// exited, in hostname and pid order.
func (m *Manager) OrphanedProcesses() []Process {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var orphans []Process
	for _, p := range m.processes {
		if p.Ppid == 1 {
			orphans = append(orphans, p)
		}
	}
	sort.Slice(orphans, func(i, j int) bool {
		if orphans[i].Hostname != orphans[j].Hostname {
			return orphans[i].Hostname < orphans[j].Hostname
		}
		return orphans[i].Pid < orphans[j].Pid
	})
	return orphans
}

// Drones returns the status of each drone in registration order.
func (m *Manager) Drones() []drone.Status {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var list []drone.Status
	for _, d := range m.droneList() {
		list = append(list, d.Status())
	}
	return list
}

// ReloadConfig applies new drone settings. Drones added to the
// config are added; drones removed from it are disabled.
func (m *Manager) ReloadConfig(cfg *config.Config) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.cfg = cfg
	for _, hostname := range m.order {
		dc, ok := cfg.Drones[hostname]
		if !ok {
			m.logger.WithField("Drone", hostname).Warn("drone removed from config, disabling")
			dc = m.drones[hostname].Config()
			dc.Disabled = true
		}
		m.drones[hostname].Configure(dc)
	}
	var added []string
	for hostname := range cfg.Drones {
		if _, ok := m.drones[hostname]; !ok {
			added = append(added, hostname)
		}
	}
	sort.Strings(added)
	for _, hostname := range added {
		d := m.addDrone(hostname, cfg.Drones[hostname])
		d.QueueCall(m.initializeCall())
	}
	m.updateMetrics()
}

// Close releases all drone connections.
func (m *Manager) Close() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, d := range m.drones {
		d.Close()
	}
	if m.drones[m.resultsDrone.Hostname()] != m.resultsDrone {
		m.resultsDrone.Close()
	}
}
