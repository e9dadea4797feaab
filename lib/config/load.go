// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"dario.cat/mergo"
	"github.com/hashicorp/go-multierror"
	"github.com/ghodss/yaml"
)

// DefaultConfigFile is the site configuration path used when none is
// given on the command line.
const DefaultConfigFile = "/etc/autotest/scheduler.yml"

//go:embed config.default.yml
var DefaultYAML []byte

type logger interface {
	Warnf(string, ...interface{})
}

// Load reads a site configuration from rdr and returns it layered
// on top of the defaults.
func Load(rdr io.Reader, log logger) (*Config, error) {
	buf, err := io.ReadAll(rdr)
	if err != nil {
		return nil, err
	}
	var cfg Config
	err = yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %s", err)
	}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.Drones) == 0 {
		if log != nil {
			log.Warnf("config does not list any drones, using localhost")
		}
		cfg.Drones = map[string]DroneConfig{"localhost": {}}
	}
	for name, dc := range cfg.Drones {
		err = mergo.Merge(&dc, cfg.DroneDefaults)
		if err != nil {
			return nil, fmt.Errorf("Drones.%s: %s", name, err)
		}
		cfg.Drones[name] = dc
	}
	err = cfg.check()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile loads the configuration file at path.
func LoadFile(path string, log logger) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, err := Load(f, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (cfg *Config) check() error {
	var errs *multierror.Error
	sc := &cfg.Scheduler
	if sc.TickPause <= 0 {
		errs = multierror.Append(errs, errors.New("Scheduler.TickPause must be positive"))
	}
	if sc.MaxProcessesStartedPerCycle < 1 {
		errs = multierror.Append(errs, errors.New("Scheduler.MaxProcessesStartedPerCycle must be at least 1"))
	}
	if sc.MaxParseProcesses < 1 {
		errs = multierror.Append(errs, errors.New("Scheduler.MaxParseProcesses must be at least 1"))
	}
	if sc.DroneCallRetries < 0 {
		errs = multierror.Append(errs, errors.New("Scheduler.DroneCallRetries must not be negative"))
	}
	switch sc.SyncWaitPolicy {
	case SyncWaitAbort, SyncWaitRelease:
	default:
		errs = multierror.Append(errs, fmt.Errorf("Scheduler.SyncWaitPolicy %q must be %q or %q", sc.SyncWaitPolicy, SyncWaitAbort, SyncWaitRelease))
	}
	if len(sc.MetahostSchedulers) == 0 {
		errs = multierror.Append(errs, errors.New("Scheduler.MetahostSchedulers must not be empty"))
	}
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = multierror.Append(errs, fmt.Errorf("Database.Driver %q must be \"postgres\" or \"sqlite\"", cfg.Database.Driver))
	}
	for _, split := range []func() ([]string, error){
		cfg.Commands.AutoservArgv,
		cfg.Commands.ParserArgv,
		cfg.Commands.DroneUtilityArgv,
		cfg.Commands.RunWrappedArgv,
	} {
		if _, err := split(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for name, dc := range cfg.Drones {
		if dc.MaxProcesses < 1 && !dc.Disabled {
			errs = multierror.Append(errs, fmt.Errorf("Drones.%s.MaxProcesses must be at least 1", name))
		}
		if dc.Hypervisor != "" && dc.CommandPrefix == "" {
			errs = multierror.Append(errs, fmt.Errorf("Drones.%s: Hypervisor requires CommandPrefix", name))
		}
	}
	return errs.ErrorOrNil()
}
