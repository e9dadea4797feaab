// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.RunFunc that brings up a system service.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"time"

	"github.com/autotest/autotest-sub010/lib/cmd"
	"github.com/autotest/autotest-sub010/lib/config"
	"github.com/autotest/autotest-sub010/sdk/go/ctxlog"
	"github.com/coreos/go-systemd/daemon"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

// A Reloader is a Handler that can apply a changed config file
// without restarting.
type Reloader interface {
	ReloadConfig(*config.Config) error
}

type NewHandlerFunc func(_ context.Context, _ *config.Config, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    string
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.RunFunc that loads the config file, calls
// newHandler with the loaded config, and brings up an http server
// with the returned handler on Management.Listen.
//
// Health checks and metrics are served by the command itself; all
// other requests go to the handler. Every route requires
// Management.Token.
func Command(svcName string, newHandler NewHandlerFunc) cmd.RunFunc {
	c := &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
	return c.RunCommand
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", config.DefaultConfigFile, "Site configuration `file`")
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	var cfg *config.Config
	if *configFile == "-" {
		cfg, err = config.Load(stdin, log)
	} else {
		cfg, err = config.LoadFile(*configFile, log)
	}
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.Level)
	logger := log.WithFields(logrus.Fields{
		"PID":     os.Getpid(),
		"Service": c.svcName,
	})
	ctx, cancel := context.WithCancel(ctxlog.Context(c.ctx, logger))
	defer cancel()

	reg := prometheus.NewRegistry()
	// autotest_version_running{version="1.2.3~4"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "autotest",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.VersionString()).Set(1)
	reg.MustRegister(mVersion)

	handler := c.newHandler(ctx, cfg, reg)
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	if reloader, ok := handler.(Reloader); ok && *configFile != "-" {
		go func() {
			err := config.Watch(ctx, *configFile, func(cfg *config.Config) {
				if err := reloader.ReloadConfig(cfg); err != nil {
					logger.WithError(err).Error("cannot apply reloaded config")
				}
			})
			if err != nil {
				logger.WithError(err).Warn("not watching config file for changes")
			}
		}()
	}

	listener, err := net.Listen("tcp", cfg.Management.Listen)
	if err != nil {
		return 1
	}
	srv := &http.Server{
		Handler:           RequireToken(cfg.Management.Token, Routes(reg, logger, handler)),
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: time.Minute,
	}
	logger.WithFields(logrus.Fields{
		"Listen":  listener.Addr().String(),
		"Version": cmd.VersionString(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}
	go func() {
		// Shut down server if caller cancels context
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		// Shut down server if handler dies
		<-handler.Done()
		srv.Close()
	}()
	err = srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = handler.CheckHealth()
	}
	if err != nil {
		return 1
	}
	return 0
}

// Routes returns an http.Handler that serves health checks at
// /_health/ping and metrics at /metrics, and passes everything else
// to next.
func Routes(reg *prometheus.Registry, logger logrus.FieldLogger, next Handler) http.Handler {
	mux := httprouter.New()
	mux.HandlerFunc("GET", "/_health/ping", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]string{"health": "OK"}
		if err := next.CheckHealth(); err != nil {
			resp = map[string]string{"health": "ERROR", "error": err.Error()}
			w.WriteHeader(http.StatusInternalServerError)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	metricsH := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: logger,
	})
	mux.Handler("GET", "/metrics", metricsH)
	mux.NotFound = next
	return mux
}

// RequireToken returns an http.Handler that passes requests carrying
// token (as "Authorization: Bearer token") to next, and rejects all
// others. If token is empty, every request is rejected.
func RequireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			http.Error(w, "management token is not configured", http.StatusForbidden)
			return
		}
		auth := r.Header.Get("Authorization")
		if auth == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if given := strings.TrimPrefix(auth, "Bearer "); given != token {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
