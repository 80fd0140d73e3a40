// Copyright (c) CoAP Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the bridge.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	// Inbound CoAP metrics
	InboundMessages *prometheus.CounterVec
	InboundDropped  *prometheus.CounterVec

	// Upstream HTTP metrics
	UpstreamRequests *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	UpstreamAlerts   *prometheus.CounterVec

	// Alert relay metrics
	PollCycles    prometheus.Counter
	PollFailures  *prometheus.CounterVec
	AlertsRelayed *prometheus.CounterVec

	// Circuit breaker metrics
	BreakerState prometheus.Gauge
	BreakerTrips prometheus.Counter

	// Rate limiter metrics
	RateLimitedRequests *prometheus.CounterVec
}

// New creates a new Metrics instance with all counters, gauges, and histograms.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "coapbridge"
	}

	m := &Metrics{
		InboundMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbound_messages_total",
				Help:      "Total number of inbound CoAP messages by category and status",
			},
			[]string{"category", "status"},
		),
		InboundDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbound_dropped_total",
				Help:      "Total number of inbound messages dropped before processing",
			},
			[]string{"category", "reason"},
		),
		UpstreamRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_requests_total",
				Help:      "Total number of management API requests",
			},
			[]string{"endpoint", "status"},
		),
		UpstreamDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_duration_seconds",
				Help:      "Management API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		UpstreamAlerts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_alerts_total",
				Help:      "Total number of alert flags returned by record submissions",
			},
			[]string{"category"},
		),
		PollCycles: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_cycles_total",
				Help:      "Total number of completed alert poll cycles",
			},
		),
		PollFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_failures_total",
				Help:      "Total number of per-category poll failures",
			},
			[]string{"category"},
		),
		AlertsRelayed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_relayed_total",
				Help:      "Total number of alerts relayed to the device",
			},
			[]string{"category", "status"},
		),
		BreakerState: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Upstream circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
		),
		BreakerTrips: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_trips_total",
				Help:      "Total number of upstream circuit breaker trips",
			},
		),
		RateLimitedRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Total number of rate limited inbound requests",
			},
			[]string{"limiter_type"},
		),
	}

	return m
}

// ObserveUpstream tracks a management API request lifecycle.
func (m *Metrics) ObserveUpstream(endpoint string, f func() (string, error)) error {
	start := time.Now()

	status, err := f()
	duration := time.Since(start).Seconds()

	m.UpstreamRequests.WithLabelValues(endpoint, status).Inc()
	m.UpstreamDuration.WithLabelValues(endpoint).Observe(duration)

	return err
}
