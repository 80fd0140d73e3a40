// Copyright (c) CoAP Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package main runs the CoAP sensor bridge: an inbound CoAP server for
// device readings, an upstream reporter towards the management API, and an
// alert poller relaying new alerts back to the device.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/edgebridge/coapbridge"
	"github.com/edgebridge/coapbridge/pkg/breaker"
	"github.com/edgebridge/coapbridge/pkg/bridge"
	"github.com/edgebridge/coapbridge/pkg/health"
	"github.com/edgebridge/coapbridge/pkg/metrics"
	"github.com/edgebridge/coapbridge/pkg/notifier"
	"github.com/edgebridge/coapbridge/pkg/poller"
	"github.com/edgebridge/coapbridge/pkg/ratelimit"
	"github.com/edgebridge/coapbridge/pkg/upstream"
)

const envPrefix = "BRIDGE_"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	cfg, err := coapbridge.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		slog.Error(fmt.Sprintf("failed to load configuration: %s", err))
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)

	m := metrics.New("coapbridge")

	cb := breaker.New(breaker.Config{
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: cfg.BreakerResetTimeout,
	})
	cb.OnStateChange(func(from, to breaker.State) {
		m.BreakerState.Set(float64(to))
		if to == breaker.StateOpen {
			m.BreakerTrips.Inc()
		}
		logger.Warn("upstream circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	})

	client := upstream.New(upstream.Config{
		BaseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		Timeout: cfg.HTTPTimeout,
		Breaker: cb,
		Metrics: m,
		Logger:  logger,
	})

	inbound := bridge.New(bridge.Config{
		Address:       cfg.Address(),
		Limiter:       ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, 0),
		GlobalLimiter: ratelimit.NewTokenBucket(cfg.RateLimitCapacity*10, cfg.RateLimitRefill*10),
		Metrics:       m,
		Logger:        logger,
	}, client)

	device := notifier.New(notifier.Config{
		DeviceAddress: cfg.DeviceAddress(),
		Timeout:       cfg.CoAPTimeout,
		Logger:        logger,
	})
	defer device.Close()

	relay := poller.New(poller.Config{
		Interval: cfg.PollInterval,
		Metrics:  m,
		Logger:   logger,
	}, client, device)

	checker := health.NewChecker(10 * time.Second)
	checker.Register("upstream", client.Ping)

	g.Go(func() error {
		return inbound.Listen(ctx)
	})

	g.Go(func() error {
		err := relay.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return serveHTTP(ctx, cfg.MetricsPort, metricsMux(), logger, "metrics")
	})

	g.Go(func() error {
		return serveHTTP(ctx, cfg.HealthPort, healthMux(checker), logger, "health")
	})

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error(fmt.Sprintf("bridge terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("bridge stopped")
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func healthMux(checker *health.Checker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/health/live", health.LivenessHandler())
	mux.HandleFunc("/health/ready", checker.ReadinessHandler())
	return mux
}

func serveHTTP(ctx context.Context, port int, mux *http.ServeMux, logger *slog.Logger, name string) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info(fmt.Sprintf("%s server started", name), slog.Int("port", port))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
