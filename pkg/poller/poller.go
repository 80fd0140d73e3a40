// Copyright (c) CoAP Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package poller implements the alert relay loop of the bridge.
//
// # Cycle
//
// The poller is a single long-lived task. Each cycle it walks the sensor
// categories in a fixed order, queries the management API for the latest
// alerts, and relays the newest alert per category to the device when its
// id differs from the last one seen. After the three categories it sleeps
// for the configured interval; cycles never overlap, so the last-seen map
// has exactly one writer and needs no lock.
//
// # Delivery semantics
//
// The last-seen id is updated before the notification is attempted, so a
// notifier failure does not cause the same alert to be reprocessed on a
// later cycle: the target property is at-most-once relay per new alert id.
// Per-category failures are logged and isolated; the poller itself only
// stops with its context.
package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgebridge/coapbridge/pkg/metrics"
	"github.com/edgebridge/coapbridge/pkg/sensor"
	"github.com/edgebridge/coapbridge/pkg/upstream"
)

// DefaultInterval is the pause between poll cycles.
const DefaultInterval = 5 * time.Second

// AlertSource lists alerts for a category, newest first.
type AlertSource interface {
	LatestAlerts(ctx context.Context, category sensor.Category) ([]upstream.Alert, error)
}

// Notifier relays one alert to the constrained device, best effort.
type Notifier interface {
	Notify(ctx context.Context, category sensor.Category, alert upstream.Alert) error
}

// Config holds poller configuration.
type Config struct {
	// Interval is the pause between cycles. Defaults to DefaultInterval.
	Interval time.Duration

	// Metrics instruments poll cycles. Optional.
	Metrics *metrics.Metrics

	// Logger for poller events.
	Logger *slog.Logger
}

// Poller polls the management API and relays new alerts downstream.
type Poller struct {
	config   Config
	source   AlertSource
	notifier Notifier
	logger   *slog.Logger

	// lastSeen maps category to the last relayed alert id. Touched only by
	// the Run goroutine; volatile on purpose, reset on restart.
	lastSeen map[sensor.Category]int64
}

// New creates a new poller with empty dedup state.
func New(cfg Config, source AlertSource, notifier Notifier) *Poller {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Poller{
		config:   cfg,
		source:   source,
		notifier: notifier,
		logger:   cfg.Logger,
		lastSeen: make(map[sensor.Category]int64),
	}
}

// Run executes poll cycles until the context is cancelled. It never returns
// an error other than the context's.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("alert poller started",
		slog.Duration("interval", p.config.Interval))

	for {
		p.cycle(ctx)

		select {
		case <-ctx.Done():
			p.logger.Info("alert poller stopped")
			return ctx.Err()
		case <-time.After(p.config.Interval):
		}
	}
}

// cycle polls every category once, sequentially and in fixed order.
func (p *Poller) cycle(ctx context.Context) {
	for _, category := range sensor.Categories {
		if ctx.Err() != nil {
			return
		}
		p.poll(ctx, category)
	}
	if p.config.Metrics != nil {
		p.config.Metrics.PollCycles.Inc()
	}
}

// poll checks one category. Any failure is confined to this category and
// this cycle.
func (p *Poller) poll(ctx context.Context, category sensor.Category) {
	alerts, err := p.source.LatestAlerts(ctx, category)
	if err != nil {
		if p.config.Metrics != nil {
			p.config.Metrics.PollFailures.WithLabelValues(string(category)).Inc()
		}
		p.logger.Warn("alert poll failed",
			slog.String("category", string(category)),
			slog.String("error", err.Error()))
		return
	}

	if len(alerts) == 0 {
		return
	}

	latest := alerts[0]
	last, seen := p.lastSeen[category]
	if seen && last == latest.ID {
		return
	}

	// Mark seen before notifying: a notifier failure must not cause the
	// same alert to be relayed again on the next cycle.
	p.lastSeen[category] = latest.ID

	p.logger.Info("new alert observed",
		slog.String("category", string(category)),
		slog.Int64("alert_id", latest.ID))

	if err := p.notifier.Notify(ctx, category, latest); err != nil {
		if p.config.Metrics != nil {
			p.config.Metrics.AlertsRelayed.WithLabelValues(string(category), "error").Inc()
		}
		p.logger.Warn("alert relay failed",
			slog.String("category", string(category)),
			slog.Int64("alert_id", latest.ID),
			slog.String("error", err.Error()))
		return
	}

	if p.config.Metrics != nil {
		p.config.Metrics.AlertsRelayed.WithLabelValues(string(category), "success").Inc()
	}
}
