// Copyright (c) CoAP Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package upstream implements the client for the sensor management API.
//
// The client covers the two endpoints the bridge consumes:
//
//	POST {base}/sensor/{category}/record  - submit a canonical reading
//	POST {base}/alerts/{category}/get     - list alerts, newest first
//
// Record submissions are fire-and-forget: a failed submission is logged and
// counted but never retried. All calls are bounded by the client timeout and
// guarded by a shared circuit breaker, whose open state is treated as one
// more fail-fast submission failure.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/edgebridge/coapbridge/pkg/breaker"
	bridgeerrors "github.com/edgebridge/coapbridge/pkg/errors"
	"github.com/edgebridge/coapbridge/pkg/metrics"
	"github.com/edgebridge/coapbridge/pkg/sensor"
)

// DefaultTimeout bounds each management API call.
const DefaultTimeout = 3 * time.Second

// AlertResponse is the management API's answer to a record submission.
type AlertResponse struct {
	Alert      bool    `json:"alert"`
	Message    string  `json:"message,omitempty"`
	Value      float64 `json:"value"`
	Threshold  float64 `json:"threshold,omitempty"`
	DeviceID   string  `json:"deviceID"`
	RecordedAt string  `json:"recordedAt"`
}

// Alert is one record from the alert list endpoint. Identity is the id
// field; the raw record is preserved so upstream-defined fields survive the
// relay to the device untouched.
type Alert struct {
	ID  int64
	Raw json.RawMessage
}

// UnmarshalJSON keeps the full record while extracting the id.
func (a *Alert) UnmarshalJSON(data []byte) error {
	var head struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	a.ID = head.ID
	a.Raw = append(a.Raw[:0], data...)
	return nil
}

// MarshalJSON emits the preserved raw record.
func (a Alert) MarshalJSON() ([]byte, error) {
	if a.Raw == nil {
		return []byte("null"), nil
	}
	return a.Raw, nil
}

// Config holds upstream client configuration.
type Config struct {
	// BaseURL is the management API base URL, without a trailing slash.
	BaseURL string

	// Timeout bounds each API call. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Breaker guards API calls. Optional.
	Breaker *breaker.CircuitBreaker

	// Metrics instruments API calls. Optional.
	Metrics *metrics.Metrics

	// Logger for client events.
	Logger *slog.Logger
}

// Client talks to the sensor management API. It is safe for concurrent use
// by detached reporting goroutines; the shared http.Client owns connection
// reuse and release.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *breaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a new management API client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		cb:      cfg.Breaker,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// Report submits a canonical reading for the given category and reports
// whether the submission succeeded. A nil reading means normalization
// produced nothing; Report then fails without touching the network. An
// alert flag in the immediate response is surfaced in the logs only, since
// alert relay is owned by the poller.
func (c *Client) Report(ctx context.Context, category sensor.Category, reading any) bool {
	if reading == nil {
		c.logger.Debug("nothing to report",
			slog.String("category", string(category)))
		return false
	}

	submissionID := uuid.NewString()

	var resp AlertResponse
	err := c.call(ctx, "record", fmt.Sprintf("%s/sensor/%s/record", c.baseURL, category), reading, &resp)
	if err != nil {
		c.logger.Warn("record submission failed",
			slog.String("category", string(category)),
			slog.String("submission", submissionID),
			slog.String("error", err.Error()))
		return false
	}

	if resp.Alert {
		if c.metrics != nil {
			c.metrics.UpstreamAlerts.WithLabelValues(string(category)).Inc()
		}
		c.logger.Warn("upstream raised an alert on submission",
			slog.String("category", string(category)),
			slog.String("submission", submissionID),
			slog.String("device", resp.DeviceID),
			slog.String("message", resp.Message),
			slog.Float64("value", resp.Value),
			slog.Float64("threshold", resp.Threshold))
	} else {
		c.logger.Debug("reading recorded",
			slog.String("category", string(category)),
			slog.String("submission", submissionID),
			slog.String("device", resp.DeviceID))
	}

	return true
}

// LatestAlerts queries the alert list for the given category. The API
// returns alerts newest first.
func (c *Client) LatestAlerts(ctx context.Context, category sensor.Category) ([]Alert, error) {
	var alerts []Alert
	err := c.call(ctx, "alerts", fmt.Sprintf("%s/alerts/%s/get", c.baseURL, category), struct{}{}, &alerts)
	if err != nil {
		return nil, bridgeerrors.New("poll", "http", string(category), c.baseURL, err)
	}
	return alerts, nil
}

// call issues one POST with a JSON body and decodes a JSON response into
// out. The breaker sees every transport error, timeout, and non-200 status.
func (c *Client) call(ctx context.Context, endpoint, url string, body, out any) error {
	do := func() error {
		payload, err := json.Marshal(body)
		if err != nil {
			return bridgeerrors.Wrap(err, "failed to encode request body")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return bridgeerrors.Wrap(err, "failed to build request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return bridgeerrors.Wrap(bridgeerrors.ErrUpstreamUnavailable, err.Error())
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			// Drain so the connection can be reused
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("%w: %d", bridgeerrors.ErrUpstreamStatus, resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return bridgeerrors.Wrap(err, "failed to decode response body")
		}
		return nil
	}

	wrapped := func() error {
		if c.cb != nil {
			return c.cb.Call(do)
		}
		return do()
	}

	if c.metrics != nil {
		return c.metrics.ObserveUpstream(endpoint, func() (string, error) {
			err := wrapped()
			if err != nil {
				return "error", err
			}
			return "success", nil
		})
	}
	return wrapped()
}

// Ping checks upstream reachability for the health checker.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return bridgeerrors.ErrUpstreamUnavailable
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}
