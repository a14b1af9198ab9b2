// Copyright (C) The Agave Platform Authors. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package fairshare

import "github.com/prometheus/client_golang/prometheus"

type selectorMetrics struct {
	selections *prometheus.CounterVec
	emptyPolls *prometheus.CounterVec
}

// newSelectorMetrics registers selection counters on reg. A nil reg
// disables metrics; the returned struct is still safe to use.
func newSelectorMetrics(reg *prometheus.Registry) *selectorMetrics {
	m := &selectorMetrics{
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agave",
			Subsystem: "fairshare",
			Name:      "selections_total",
			Help:      "Number of jobs selected for advancement, by requested status.",
		}, []string{"status"}),
		emptyPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agave",
			Subsystem: "fairshare",
			Name:      "empty_polls_total",
			Help:      "Number of selection attempts that found no eligible job, by requested status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.selections, m.emptyPolls)
	}
	return m
}

func (m *selectorMetrics) selected(status string) {
	m.selections.WithLabelValues(status).Inc()
}

func (m *selectorMetrics) empty(status string) {
	m.emptyPolls.WithLabelValues(status).Inc()
}
