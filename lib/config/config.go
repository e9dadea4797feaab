// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/shlex"
)

// Duration is time.Duration but looks like "12s" in YAML/JSON,
// rather than a number of nanoseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		dur, err := time.ParseDuration(s)
		*d = Duration(dur)
		return err
	}
	return fmt.Errorf("duration must be given as a string like \"600s\" or \"1h30m\"")
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Duration returns a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the scheduler and drone configuration.
type Config struct {
	SystemLogs struct {
		Format string
		Level  string
	}
	Management struct {
		Listen string
		Token  string
	}
	Database  DatabaseConfig
	Scheduler SchedulerConfig
	Commands  CommandsConfig
	Results   ResultsConfig
	SSH       SSHConfig

	DroneDefaults DroneConfig
	Drones        map[string]DroneConfig
}

type DatabaseConfig struct {
	Driver     string
	Connection string
}

type SchedulerConfig struct {
	TickPause                   Duration
	CleanInterval               Duration
	MaxProcessesStartedPerCycle int
	MaxParseProcesses           int
	PidfileTimeout              Duration
	MaxPidfileRefreshes         int
	SyncWaitTimeout             Duration
	SyncWaitPolicy              SyncWaitPolicy
	SyncStartTimeout            Duration
	DieOnOrphans                bool
	RecoverHosts                bool
	NiceLevel                   int
	MetahostSchedulers          []string
	HostProbeInterval           Duration
	HostUnreachableGrace        Duration
	DroneCallTimeout            Duration
	DroneCallRetries            int
	DroneUnreachableThreshold   Duration
	DroneBatchWarning           Duration
}

// SyncWaitPolicy says what happens to a synchronous job that cannot
// gather enough ready hosts in time.
type SyncWaitPolicy string

const (
	SyncWaitAbort   SyncWaitPolicy = "abort"
	SyncWaitRelease SyncWaitPolicy = "release"
)

type CommandsConfig struct {
	Autoserv     string
	Parser       string
	DroneUtility string
	RunWrapped   string
}

// AutoservArgv returns the autoserv command split into argv.
func (cc CommandsConfig) AutoservArgv() ([]string, error) {
	return splitCommand("Autoserv", cc.Autoserv)
}

// ParserArgv returns the parser command split into argv.
func (cc CommandsConfig) ParserArgv() ([]string, error) {
	return splitCommand("Parser", cc.Parser)
}

// DroneUtilityArgv returns the remote drone utility command split
// into argv.
func (cc CommandsConfig) DroneUtilityArgv() ([]string, error) {
	return splitCommand("DroneUtility", cc.DroneUtility)
}

// RunWrappedArgv returns the supervisor command, or nil if none is
// configured.
func (cc CommandsConfig) RunWrappedArgv() ([]string, error) {
	if cc.RunWrapped == "" {
		return nil, nil
	}
	return splitCommand("RunWrapped", cc.RunWrapped)
}

func splitCommand(key, cmd string) ([]string, error) {
	argv, err := shlex.Split(cmd)
	if err != nil {
		return nil, fmt.Errorf("Commands.%s: %w", key, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("Commands.%s: empty command", key)
	}
	return argv, nil
}

type ResultsConfig struct {
	Host     string
	Dir      string
	DroneDir string
}

type SSHConfig struct {
	User           string
	Port           string
	PrivateKeyFile string
	KnownHostsFile string
	ConnectTimeout Duration
}

// DroneConfig holds the settings for one drone. Zero fields are
// filled in from DroneDefaults when the configuration is loaded.
type DroneConfig struct {
	MaxProcesses  int
	Disabled      bool
	Users         []string
	RemoteUser    string
	Port          string
	Hypervisor    string
	CommandPrefix string
}
