// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatch runs the scheduler as a service: it opens the
// database, takes the scheduler lock, connects to the drones, and
// runs the dispatcher tick loop, while serving a management API.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/autotest/autotest-sub010/lib/cmd"
	"github.com/autotest/autotest-sub010/lib/config"
	"github.com/autotest/autotest-sub010/lib/dblock"
	"github.com/autotest/autotest-sub010/lib/dispatch/dronemgr"
	"github.com/autotest/autotest-sub010/lib/dispatch/executor"
	"github.com/autotest/autotest-sub010/lib/dispatch/scheduler"
	"github.com/autotest/autotest-sub010/lib/dispatch/store"
	"github.com/autotest/autotest-sub010/lib/service"
	"github.com/autotest/autotest-sub010/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var Command cmd.RunFunc = service.Command("autotest-scheduler", newHandler)

var errNotReady = errors.New("scheduler is not running yet")

func newHandler(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) service.Handler {
	logger := ctxlog.FromContext(ctx)
	// Unreadable keys would otherwise only show up after the
	// scheduler lock is acquired.
	if _, err := executor.LoadSSHConfig(cfg.SSH, logger); err != nil {
		return service.ErrorHandler(ctx, fmt.Errorf("loading SSH config: %w", err))
	}
	h := &handler{
		ctx:      ctx,
		logger:   logger,
		cfg:      cfg,
		registry: reg,
		stopped:  make(chan struct{}),
	}
	h.httpHandler = h.routes()
	go h.run()
	return h
}

// handler brings up the dispatcher in the background. Until the
// scheduler lock is acquired and recovery is done, the management
// API responds 503.
type handler struct {
	ctx         context.Context
	logger      logrus.FieldLogger
	registry    *prometheus.Registry
	httpHandler http.Handler
	stopped     chan struct{}

	mtx        sync.Mutex
	cfg        *config.Config
	err        error
	store      *store.Store
	drones     *dronemgr.Manager
	dispatcher *scheduler.Dispatcher
}

// ServeHTTP implements service.Handler.
func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler. A scheduler still waiting
// for the lock is healthy.
func (h *handler) CheckHealth() error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.err
}

// Done implements service.Handler.
func (h *handler) Done() <-chan struct{} {
	return h.stopped
}

// ReloadConfig implements service.Reloader.
func (h *handler) ReloadConfig(cfg *config.Config) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if cfg.Database != h.cfg.Database {
		h.logger.Warn("Database config changed, restart to apply")
	}
	h.cfg = cfg
	if h.drones != nil {
		h.drones.ReloadConfig(cfg)
	}
	if h.dispatcher != nil {
		return h.dispatcher.ReloadConfig(cfg)
	}
	return nil
}

func (h *handler) fail(err error) {
	h.logger.WithError(err).Error("scheduler failed")
	h.mtx.Lock()
	h.err = err
	h.mtx.Unlock()
}

// running returns the store, drone manager and dispatcher, or
// errNotReady.
func (h *handler) running() (*store.Store, *dronemgr.Manager, *scheduler.Dispatcher, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.err != nil {
		return nil, nil, nil, h.err
	}
	if h.dispatcher == nil {
		return nil, nil, nil, errNotReady
	}
	return h.store, h.drones, h.dispatcher, nil
}

func (h *handler) run() {
	defer close(h.stopped)
	h.mtx.Lock()
	cfg := h.cfg
	h.mtx.Unlock()

	st, err := store.Open(cfg.Database.Driver, cfg.Database.Connection, h.logger)
	if err != nil {
		h.fail(err)
		return
	}
	defer st.Close()

	if !dblock.Migrations.Lock(h.ctx, st.GetDB) {
		return
	}
	err = st.Migrate(h.ctx)
	dblock.Migrations.Unlock()
	if err != nil {
		h.fail(fmt.Errorf("migrating database: %w", err))
		return
	}

	if !dblock.Scheduler.Lock(h.ctx, st.GetDB) {
		return
	}
	defer dblock.Scheduler.Unlock()

	drones, err := dronemgr.New(cfg, dronemgr.Options{Registry: h.registry, Logger: h.logger})
	if err != nil {
		h.fail(err)
		return
	}
	defer drones.Close()
	err = drones.Initialize(h.ctx)
	if err != nil {
		h.fail(err)
		return
	}

	disp, err := scheduler.New(h.ctx, st, drones, cfg, scheduler.Options{
		Registry:  h.registry,
		LockCheck: dblock.Scheduler.Check,
	})
	if err != nil {
		h.fail(err)
		return
	}
	err = disp.Initialize(h.ctx)
	if err != nil {
		h.fail(fmt.Errorf("recovery failed: %w", err))
		return
	}

	h.mtx.Lock()
	h.store, h.drones, h.dispatcher = st, drones, disp
	if h.cfg != cfg {
		// Reloaded while starting up.
		drones.ReloadConfig(h.cfg)
		err = disp.ReloadConfig(h.cfg)
	}
	h.mtx.Unlock()
	if err != nil {
		h.fail(err)
		return
	}

	disp.Start()
	h.logger.Info("scheduler started")
	select {
	case <-h.ctx.Done():
		disp.Stop()
	case <-disp.Done():
		h.fail(scheduler.ErrLockLost)
	}
	h.mtx.Lock()
	h.dispatcher = nil
	h.mtx.Unlock()
}
