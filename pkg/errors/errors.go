// Copyright (c) CoAP Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the bridge.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrMalformedPayload indicates an inbound payload that failed to decode.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrNoReading indicates that normalization produced no canonical reading.
	ErrNoReading = errors.New("no canonical reading")

	// ErrUnknownCategory indicates an unrecognized sensor category.
	ErrUnknownCategory = errors.New("unknown sensor category")

	// ErrTimeout indicates an operation timeout.
	ErrTimeout = errors.New("timeout")

	// ErrUpstreamUnavailable indicates the management API is unavailable.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamStatus indicates a non-200 response from the management API.
	ErrUpstreamStatus = errors.New("unexpected upstream status")

	// ErrDeviceUnreachable indicates the constrained device did not respond.
	ErrDeviceUnreachable = errors.New("device unreachable")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// BridgeError wraps an error with bridge context.
type BridgeError struct {
	Op         string // Operation that failed
	Transport  string // Transport (coap, http)
	Category   string // Sensor category, if any
	RemoteAddr string // Peer address, if known
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *BridgeError) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Transport, e.Op, e.Category, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Transport, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *BridgeError) Unwrap() error {
	return e.Err
}

// New creates a new BridgeError.
func New(op, transport, category, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &BridgeError{
		Op:         op,
		Transport:  transport,
		Category:   category,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
