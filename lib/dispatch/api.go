// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/autotest/autotest-sub010/lib/dispatch/agent"
	"github.com/autotest/autotest-sub010/lib/dispatch/drone"
	"github.com/autotest/autotest-sub010/lib/dispatch/store"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"github.com/julienschmidt/httprouter"
)

func (h *handler) routes() http.Handler {
	mux := httprouter.New()
	mux.HandlerFunc("GET", "/autotest/v1/dispatch/drones", h.apiDrones)
	mux.HandlerFunc("GET", "/autotest/v1/dispatch/agents", h.apiAgents)
	mux.HandlerFunc("GET", "/autotest/v1/dispatch/entries", h.apiEntries)
	mux.HandlerFunc("POST", "/autotest/v1/dispatch/entries/abort", h.apiEntryAbort)
	return mux
}

type droneEnt struct {
	drone.Status
	// "3 seconds ago"
	LastContactAgo string `json:",omitempty"`
}

type entryEnt struct {
	store.Entry
	Hostname string `json:",omitempty"`
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errNotReady):
		code = http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	}
	http.Error(w, err.Error(), code)
}

// hostFilter returns a function that matches hostnames against the
// request's "host" glob pattern ("**" and "{a,b}" are allowed). With
// no pattern, everything matches.
func hostFilter(r *http.Request) (func(string) bool, error) {
	pattern := r.FormValue("host")
	if pattern == "" {
		return func(string) bool { return true }, nil
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, errors.New("invalid host pattern")
	}
	return func(hostname string) bool {
		ok, _ := doublestar.Match(pattern, hostname)
		return ok
	}, nil
}

// Management API: status of all drones.
func (h *handler) apiDrones(w http.ResponseWriter, r *http.Request) {
	_, drones, _, err := h.running()
	if err != nil {
		writeError(w, err)
		return
	}
	match, err := hostFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var resp struct {
		Items []droneEnt `json:"items"`
	}
	for _, st := range drones.Drones() {
		if !match(st.Hostname) {
			continue
		}
		ent := droneEnt{Status: st}
		if !st.LastContact.IsZero() {
			ent.LastContactAgo = humanize.RelTime(st.LastContact, time.Now(), "ago", "from now")
		}
		resp.Items = append(resp.Items, ent)
	}
	writeJSON(w, resp)
}

// Management API: the dispatcher's agents.
func (h *handler) apiAgents(w http.ResponseWriter, r *http.Request) {
	_, _, disp, err := h.running()
	if err != nil {
		writeError(w, err)
		return
	}
	var resp struct {
		Items []string `json:"items"`
	}
	resp.Items = disp.Agents()
	writeJSON(w, resp)
}

// Management API: entries that are queued or in progress.
func (h *handler) apiEntries(w http.ResponseWriter, r *http.Request) {
	st, _, _, err := h.running()
	if err != nil {
		writeError(w, err)
		return
	}
	match, err := hostFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	entries, err := st.EntriesWithStatus(ctx,
		store.EntryQueued, store.EntryStarting, store.EntryVerifying, store.EntryPending,
		store.EntryWaiting, store.EntryRunning, store.EntryGathering, store.EntryParsing,
		store.EntryArchiving)
	if err != nil {
		writeError(w, err)
		return
	}
	hosts, err := st.Hosts(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	hostnames := map[int64]string{}
	for _, host := range hosts {
		hostnames[host.ID] = host.Hostname
	}
	var resp struct {
		Items []entryEnt `json:"items"`
	}
	for _, e := range entries {
		ent := entryEnt{Entry: e}
		if e.HostID.Valid {
			ent.Hostname = hostnames[e.HostID.Int64]
		}
		if !match(ent.Hostname) {
			continue
		}
		resp.Items = append(resp.Items, ent)
	}
	writeJSON(w, resp)
}

// Management API: flag an entry for abort. The dispatcher acts on it
// in its next tick.
func (h *handler) apiEntryAbort(w http.ResponseWriter, r *http.Request) {
	st, _, _, err := h.running()
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := strconv.ParseInt(r.FormValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "id parameter must be an integer", http.StatusBadRequest)
		return
	}
	by := r.FormValue("by")
	if by == "" {
		by = agent.SystemUser
	}
	err = st.AbortEntry(r.Context(), id, by, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	h.logger.WithField("HostQueueEntry", id).WithField("AbortedBy", by).Info("entry aborted via management API")
	w.WriteHeader(http.StatusAccepted)
}
