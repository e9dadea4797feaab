// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/autotest/autotest-sub010/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// ErrorHandler returns a Handler for a service that failed to start:
// it is never healthy, its Done channel is already closed, and it
// answers every request with 500 and the startup error.
func ErrorHandler(ctx context.Context, err error) Handler {
	logger := ctxlog.FromContext(ctx)
	logger.WithError(err).Error("service failed to start")
	done := make(chan struct{})
	close(done)
	return &errorHandler{err: err, logger: logger, done: done}
}

type errorHandler struct {
	err    error
	logger logrus.FieldLogger
	done   chan struct{}
}

func (eh *errorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eh.logger.WithError(eh.err).WithField("Path", r.URL.Path).Warn("request to failed service")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": eh.err.Error()})
}

func (eh *errorHandler) CheckHealth() error    { return eh.err }
func (eh *errorHandler) Done() <-chan struct{} { return eh.done }
