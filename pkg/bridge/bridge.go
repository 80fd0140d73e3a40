// Copyright (c) CoAP Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge implements the inbound CoAP server of the sensor bridge.
//
// # Overview
//
// The bridge binds a UDP CoAP server and registers one resource per sensor
// category:
//
//	PUT /sensor/distance
//	PUT /sensor/microphone
//	PUT /sensor/motion
//
// Each PUT carries a UTF-8 JSON body {"deviceId": string, "value": any}.
// The handler decodes the payload, normalizes the value for the category,
// and answers immediately:
//
//	2.04 Changed, body "OK"       - payload decoded, reading scheduled
//	4.00 Bad Request, diagnostic  - payload is not valid JSON
//
// # Fire-and-forget hand-off
//
// The upstream submission runs in a detached goroutine that is never joined
// by the request path. Protocol-level responsiveness to the constrained
// device is therefore never gated on the latency or availability of the
// management API. A reading whose value failed to normalize is still handed
// to the reporter, which treats the absent reading as a no-op failure.
//
// # Rate limiting
//
// A global token bucket and a per-device limiter protect the upstream from
// device floods. Over-limit requests get 5.03 Service Unavailable and are
// not forwarded.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"

	"github.com/edgebridge/coapbridge/pkg/metrics"
	"github.com/edgebridge/coapbridge/pkg/ratelimit"
	"github.com/edgebridge/coapbridge/pkg/sensor"
)

// UnknownDevice is the device id used when the payload omits one.
const UnknownDevice = "UNKNOWN"

// Reporter forwards a canonical reading to the management API. A nil
// reading must be treated as a no-op failure.
type Reporter interface {
	Report(ctx context.Context, category sensor.Category, reading any) bool
}

// Config holds the bridge server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// Limiter is the per-device rate limiter. Optional.
	Limiter *ratelimit.Limiter

	// GlobalLimiter bounds the aggregate inbound rate. Optional.
	GlobalLimiter *ratelimit.TokenBucket

	// Metrics instruments inbound traffic. Optional.
	Metrics *metrics.Metrics

	// Logger for server events
	Logger *slog.Logger
}

// Bridge is the inbound CoAP server terminating device traffic.
type Bridge struct {
	config   Config
	reporter Reporter
	router   *mux.Router
}

// New creates a new bridge with one handler per sensor category.
func New(cfg Config, reporter Reporter) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := &Bridge{
		config:   cfg,
		reporter: reporter,
		router:   mux.NewRouter(),
	}

	for _, category := range sensor.Categories {
		category := category
		b.router.Handle(category.ResourcePath(), mux.HandlerFunc(func(w mux.ResponseWriter, r *mux.Message) {
			b.serve(category, w, r)
		}))
	}

	return b
}

// Listen binds the UDP socket and serves until the context is cancelled.
// A bind failure is the only fatal startup condition of the bridge.
func (b *Bridge) Listen(ctx context.Context) error {
	conn, err := coapnet.NewListenUDP("udp", b.config.Address)
	if err != nil {
		return fmt.Errorf("failed to bind CoAP server socket on %s: %w", b.config.Address, err)
	}
	defer conn.Close()

	srv := udp.NewServer(options.WithMux(b.router), options.WithContext(ctx))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(conn)
	}()

	b.config.Logger.Info("CoAP bridge started",
		slog.String("address", b.config.Address))

	select {
	case <-ctx.Done():
		srv.Stop()
		<-errCh
		b.config.Logger.Info("CoAP bridge stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

// serve adapts a mux request to the transport-independent handler.
func (b *Bridge) serve(category sensor.Category, w mux.ResponseWriter, r *mux.Message) {
	remote := w.Conn().RemoteAddr().String()

	if r.Code() != codes.PUT {
		b.respond(w, codes.MethodNotAllowed, []byte("only PUT is supported"), category)
		return
	}

	payload, err := r.ReadBody()
	if err != nil {
		b.respond(w, codes.BadRequest, []byte("unreadable payload"), category)
		return
	}

	code, body := b.handleReading(category, payload, remote)
	b.respond(w, code, body, category)
}

func (b *Bridge) respond(w mux.ResponseWriter, code codes.Code, body []byte, category sensor.Category) {
	if err := w.SetResponse(code, message.TextPlain, bytes.NewReader(body)); err != nil {
		b.config.Logger.Error("failed to set response",
			slog.String("category", string(category)),
			slog.String("error", err.Error()))
	}
}

// handleReading is the request core: decode, rate-limit, normalize, and
// schedule the detached upstream submission. It returns the CoAP response
// to send and never blocks on the management API.
func (b *Bridge) handleReading(category sensor.Category, payload []byte, remote string) (codes.Code, []byte) {
	var raw sensor.RawReading
	if err := json.Unmarshal(payload, &raw); err != nil {
		b.count(category, "bad_request")
		b.config.Logger.Warn("malformed inbound payload",
			slog.String("category", string(category)),
			slog.String("remote", remote),
			slog.String("error", err.Error()))
		return codes.BadRequest, []byte(fmt.Sprintf("invalid JSON payload: %s", err))
	}

	if raw.DeviceID == "" {
		raw.DeviceID = UnknownDevice
	}

	if !b.allow(raw.DeviceID) {
		b.count(category, "rate_limited")
		b.config.Logger.Warn("inbound reading rate limited",
			slog.String("category", string(category)),
			slog.String("device", raw.DeviceID),
			slog.String("remote", remote))
		return codes.ServiceUnavailable, []byte("rate limit exceeded")
	}

	reading, ok := sensor.Normalize(category, raw.DeviceID, raw.Value)
	if !ok {
		// The device already gets its acknowledgement; the reporter turns
		// the absent reading into a logged no-op.
		b.config.Logger.Warn("reading did not normalize",
			slog.String("category", string(category)),
			slog.String("device", raw.DeviceID),
			slog.Any("value", raw.Value))
	}

	b.count(category, "accepted")
	b.config.Logger.Debug("reading accepted",
		slog.String("category", string(category)),
		slog.String("device", raw.DeviceID),
		slog.String("remote", remote))

	go b.reporter.Report(context.Background(), category, reading)

	return codes.Changed, []byte("OK")
}

func (b *Bridge) allow(deviceID string) bool {
	if b.config.GlobalLimiter != nil && !b.config.GlobalLimiter.Allow() {
		if b.config.Metrics != nil {
			b.config.Metrics.RateLimitedRequests.WithLabelValues("global").Inc()
		}
		return false
	}
	if b.config.Limiter != nil && !b.config.Limiter.Allow(deviceID) {
		if b.config.Metrics != nil {
			b.config.Metrics.RateLimitedRequests.WithLabelValues("per_device").Inc()
		}
		return false
	}
	return true
}

func (b *Bridge) count(category sensor.Category, status string) {
	if b.config.Metrics != nil {
		b.config.Metrics.InboundMessages.WithLabelValues(string(category), status).Inc()
	}
}
