// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects transfer statistics for the gateway. A nil *Metrics
// is valid and collects nothing.
type Metrics struct {
	bytesRead      prometheus.Counter
	bytesWritten   prometheus.Counter
	activeContexts prometheus.Gauge
}

// NewMetrics builds the collector set and registers it when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gromox",
			Subsystem: "http",
			Name:      "bytes_read_total",
			Help:      "Bytes read from client sockets.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gromox",
			Subsystem: "http",
			Name:      "bytes_written_total",
			Help:      "Bytes written to client sockets.",
		}),
		activeContexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gromox",
			Subsystem: "http",
			Name:      "active_contexts",
			Help:      "HTTP contexts currently bound to a socket.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.bytesRead, m.bytesWritten, m.activeContexts)
	}
	return m
}

// AddBytesRead adds n to the bytes-read statistic.
func (m *Metrics) AddBytesRead(n int64) {
	if m != nil {
		m.bytesRead.Add(float64(n))
	}
}

// AddBytesWritten adds n to the bytes-written statistic.
func (m *Metrics) AddBytesWritten(n int64) {
	if m != nil {
		m.bytesWritten.Add(float64(n))
	}
}

func (m *Metrics) contextUp() {
	if m != nil {
		m.activeContexts.Inc()
	}
}

func (m *Metrics) contextDown() {
	if m != nil {
		m.activeContexts.Dec()
	}
}
