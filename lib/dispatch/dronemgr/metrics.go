// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dronemgr

import (
	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m.mActiveProcesses = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "autotest",
		Subsystem: "scheduler",
		Name:      "drone_active_processes",
		Help:      "Processes accounted to each drone at the last refresh.",
	}, []string{"drone"})
	reg.MustRegister(m.mActiveProcesses)
	m.mMaxProcesses = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "autotest",
		Subsystem: "scheduler",
		Name:      "drone_max_processes",
		Help:      "Configured process capacity of each drone (0 if disabled).",
	}, []string{"drone"})
	reg.MustRegister(m.mMaxProcesses)
	m.mUnreachable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "autotest",
		Subsystem: "scheduler",
		Name:      "drone_unreachable",
		Help:      "1 if the last batch sent to the drone failed.",
	}, []string{"drone"})
	reg.MustRegister(m.mUnreachable)
	m.mBatchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autotest",
		Subsystem: "scheduler",
		Name:      "drone_batch_errors_total",
		Help:      "Drone batches that failed after all retries.",
	}, []string{"drone"})
	reg.MustRegister(m.mBatchErrors)
	m.mPidfiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "autotest",
		Subsystem: "scheduler",
		Name:      "pidfiles_registered",
		Help:      "Pidfiles read on each refresh.",
	})
	reg.MustRegister(m.mPidfiles)
}

// updateMetrics must be called with lock held.
func (m *Manager) updateMetrics() {
	for _, d := range m.droneList() {
		st := d.Status()
		m.mActiveProcesses.WithLabelValues(st.Hostname).Set(float64(st.ActiveProcesses))
		max := st.MaxProcesses
		if !st.Enabled {
			max = 0
		}
		m.mMaxProcesses.WithLabelValues(st.Hostname).Set(float64(max))
		unreachable := 0.0
		if !st.UnreachableSince.IsZero() {
			unreachable = 1
		}
		m.mUnreachable.WithLabelValues(st.Hostname).Set(unreachable)
	}
	m.mPidfiles.Set(float64(len(m.registered)))
}
