// Copyright (c) CoAP Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package coapbridge holds the shared service configuration for the
// CoAP sensor bridge.
package coapbridge

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the bridge configuration, loaded from the environment.
type Config struct {
	// Inbound CoAP server
	Host string `env:"HOST" envDefault:""`
	Port string `env:"PORT" envDefault:"4832"`

	// Upstream management API
	APIBaseURL  string        `env:"API_BASE_URL" envDefault:"http://localhost:8080/api/sensormanager"`
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"3s"`

	// Downstream constrained device
	DeviceHost  string        `env:"DEVICE_HOST" envDefault:"localhost"`
	DevicePort  string        `env:"DEVICE_PORT" envDefault:"5683"`
	CoAPTimeout time.Duration `env:"COAP_TIMEOUT" envDefault:"5s"`

	// Alert polling
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`

	// Observability
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT" envDefault:"8081"`

	// Inbound rate limiting
	RateLimitCapacity int64 `env:"RATE_LIMIT_CAPACITY" envDefault:"100"`
	RateLimitRefill   int64 `env:"RATE_LIMIT_REFILL" envDefault:"50"`

	// Upstream circuit breaker
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`
}

// NewConfig loads configuration from the environment using the given options.
func NewConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return cfg, nil
}

// Address returns the inbound CoAP listen address.
func (c Config) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// DeviceAddress returns the constrained device address.
func (c Config) DeviceAddress() string {
	return fmt.Sprintf("%s:%s", c.DeviceHost, c.DevicePort)
}
