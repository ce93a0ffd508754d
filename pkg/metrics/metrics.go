// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for sniplex sessions.
package metrics

import (
	"context"
	"errors"

	sperrors "github.com/absmach/sniplex/pkg/errors"
	"github.com/absmach/sniplex/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defNamespace = "sniplex"

var _ session.Handler = (*Metrics)(nil)

// Metrics holds the session collectors. It implements session.Handler so it
// can be chained with other hooks.
type Metrics struct {
	// Connection metrics
	ActiveConnections  prometheus.Gauge
	TotalConnections   prometheus.Counter
	ConnectionErrors   *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram

	// Routing metrics
	RoutedConnections *prometheus.CounterVec
	ActiveRelays      prometheus.Gauge
	RelayedBytes      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// A nil reg registers nothing, which is convenient in tests.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = defNamespace
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of client connections currently held",
			},
		),
		TotalConnections: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of accepted client connections",
			},
		),
		ConnectionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_errors_total",
				Help:      "Total number of connections that ended with an error",
			},
			[]string{"state", "error_type"},
		),
		ConnectionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Relay duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 3600},
			},
		),
		RoutedConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "routed_connections_total",
				Help:      "Total number of connections relayed to a backend",
			},
			[]string{"backend"},
		),
		ActiveRelays: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_relays",
				Help:      "Number of connections currently relaying",
			},
		),
		RelayedBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relayed_bytes_total",
				Help:      "Total number of bytes relayed, replayed handshakes excluded",
			},
			[]string{"direction"},
		),
	}
}

// Connect counts an accepted connection.
func (m *Metrics) Connect(ctx context.Context, c *session.Client) {
	m.TotalConnections.Inc()
	m.ActiveConnections.Inc()
}

// Route counts a connection relayed to its backend.
func (m *Metrics) Route(ctx context.Context, c *session.Client) {
	m.RoutedConnections.WithLabelValues(c.Backend).Inc()
	m.ActiveRelays.Inc()
}

// Fail counts a failed connection by the state it failed in and its cause.
func (m *Metrics) Fail(ctx context.Context, c *session.Client, err error) {
	state := "unknown"
	var serr *sperrors.SessionError
	if errors.As(err, &serr) {
		state = serr.Op
	}
	m.ConnectionErrors.WithLabelValues(state, sperrors.Kind(err)).Inc()
}

// Disconnect releases the gauges and records the relay totals.
func (m *Metrics) Disconnect(ctx context.Context, c *session.Client, stats session.Stats) {
	m.ActiveConnections.Dec()
	if c.Backend == "" || stats.Duration == 0 {
		return
	}
	m.ActiveRelays.Dec()
	m.ConnectionDuration.Observe(stats.Duration.Seconds())
	m.RelayedBytes.WithLabelValues(session.Upstream.String()).Add(float64(stats.Upstream))
	m.RelayedBytes.WithLabelValues(session.Downstream.String()).Add(float64(stats.Downstream))
}
