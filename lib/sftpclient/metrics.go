// Copyright (C) The Agave Platform Authors. All rights reserved.
//
// SPDX-License-Identifier: BSD-3-Clause

package sftpclient

import (
	"github.com/prometheus/client_golang/prometheus"
)

type clientMetrics struct {
	connects    prometheus.Counter
	transfers   *prometheus.CounterVec
	transferred *prometheus.CounterVec
	skips       prometheus.Counter
}

func newClientMetrics() *clientMetrics {
	return &clientMetrics{
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agave",
			Subsystem: "sftp",
			Name:      "connections_total",
			Help:      "Number of SSH/SFTP sessions established.",
		}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agave",
			Subsystem: "sftp",
			Name:      "transfers_total",
			Help:      "Number of completed file transfers.",
		}, []string{"direction"}),
		transferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agave",
			Subsystem: "sftp",
			Name:      "transferred_bytes_total",
			Help:      "Bytes moved across the wire, by direction.",
		}, []string{"direction"}),
		skips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agave",
			Subsystem: "sftp",
			Name:      "sync_skips_total",
			Help:      "Number of files skipped by sync because the remote copy was already current.",
		}),
	}
}

// RegisterMetrics adds the client's collectors to reg. Call at most
// once per registry.
func (c *Client) RegisterMetrics(reg *prometheus.Registry) {
	reg.MustRegister(c.metrics.connects)
	reg.MustRegister(c.metrics.transfers)
	reg.MustRegister(c.metrics.transferred)
	reg.MustRegister(c.metrics.skips)
}

func (m *clientMetrics) uploaded(n int64) {
	m.transfers.WithLabelValues("put").Inc()
	m.transferred.WithLabelValues("put").Add(float64(n))
}

func (m *clientMetrics) downloaded(n int64) {
	m.transfers.WithLabelValues("get").Inc()
	m.transferred.WithLabelValues("get").Add(float64(n))
}
