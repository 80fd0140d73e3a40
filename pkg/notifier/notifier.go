// Copyright (c) CoAP Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package notifier pushes newly raised alerts down to the constrained
// device over CoAP.
//
// Delivery is best effort: a failed PUT is logged and swallowed, the poll
// cycle continues, and the alert is not queued or retried. The notifier
// keeps one lazily-dialed session to the fixed device endpoint and redials
// on the next notification after a failure.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/plgd-dev/go-coap/v3/udp/client"

	bridgeerrors "github.com/edgebridge/coapbridge/pkg/errors"
	"github.com/edgebridge/coapbridge/pkg/sensor"
	"github.com/edgebridge/coapbridge/pkg/upstream"
)

// AlertResource is the resource path on the device that accepts alerts.
const AlertResource = "/alert"

// DefaultTimeout bounds each outbound CoAP exchange.
const DefaultTimeout = 5 * time.Second

// Config holds notifier configuration.
type Config struct {
	// DeviceAddress is the constrained device endpoint (host:port).
	DeviceAddress string

	// Timeout bounds each notification exchange. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Logger for notifier events.
	Logger *slog.Logger
}

// Notifier sends alert notifications to the device.
type Notifier struct {
	config Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *client.Conn
}

// New creates a new notifier. No connection is opened until the first
// notification.
func New(cfg Config) *Notifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Notifier{
		config: cfg,
		logger: cfg.Logger,
	}
}

// Notify sends one alert to the device as a PUT to the alert resource with
// a JSON body {"type": category, "alert": record}. The device's response
// code is logged but not otherwise interpreted.
func (n *Notifier) Notify(ctx context.Context, category sensor.Category, alert upstream.Alert) error {
	body, err := buildPayload(category, alert)
	if err != nil {
		return bridgeerrors.New("notify", "coap", string(category), n.config.DeviceAddress, err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.config.Timeout)
	defer cancel()

	conn, err := n.session()
	if err != nil {
		return bridgeerrors.New("notify", "coap", string(category), n.config.DeviceAddress,
			bridgeerrors.Wrap(bridgeerrors.ErrDeviceUnreachable, err.Error()))
	}

	resp, err := conn.Put(ctx, AlertResource, message.AppJSON, bytes.NewReader(body))
	if err != nil {
		n.reset()
		return bridgeerrors.New("notify", "coap", string(category), n.config.DeviceAddress, err)
	}

	n.logger.Info("alert relayed to device",
		slog.String("category", string(category)),
		slog.Int64("alert_id", alert.ID),
		slog.String("device", n.config.DeviceAddress),
		slog.String("code", resp.Code().String()))
	return nil
}

// session returns the shared device connection, dialing it if needed.
func (n *Notifier) session() (*client.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn != nil {
		return n.conn, nil
	}

	conn, err := udp.Dial(n.config.DeviceAddress)
	if err != nil {
		return nil, err
	}
	n.conn = conn
	return conn, nil
}

// reset drops the device connection so the next notification redials.
func (n *Notifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
}

// Close releases the device connection.
func (n *Notifier) Close() {
	n.reset()
}

// buildPayload encodes the downstream alert body, preserving the raw
// upstream record.
func buildPayload(category sensor.Category, alert upstream.Alert) ([]byte, error) {
	return json.Marshal(struct {
		Type  string         `json:"type"`
		Alert upstream.Alert `json:"alert"`
	}{
		Type:  string(category),
		Alert: alert,
	})
}
