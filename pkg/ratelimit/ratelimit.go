// Copyright (c) CoAP Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token bucket rate limiting for inbound readings.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimitExceeded is returned when rate limit is exceeded.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
// capacity is the maximum number of tokens.
// refillRate is the number of tokens added per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request should be allowed.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN checks if N requests should be allowed.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}

	return false
}

// refill adds tokens based on elapsed time.
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tokensToAdd := int64(elapsed * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Limiter manages per-device rate limiters. Devices are keyed by their
// reported device id, falling back to the remote address when absent.
type Limiter struct {
	mu         sync.RWMutex
	limiters   map[string]*TokenBucket
	capacity   int64
	refillRate int64
	maxDevices int
}

// NewLimiter creates a new rate limiter with per-device tracking.
func NewLimiter(capacity, refillRate int64, maxDevices int) *Limiter {
	if maxDevices == 0 {
		maxDevices = 1000
	}

	return &Limiter{
		limiters:   make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxDevices: maxDevices,
	}
}

// Allow checks if a request from the given device should be allowed.
func (l *Limiter) Allow(deviceID string) bool {
	l.mu.RLock()
	tb, exists := l.limiters[deviceID]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		// Double-check after acquiring write lock
		tb, exists = l.limiters[deviceID]
		if !exists {
			if len(l.limiters) >= l.maxDevices {
				l.mu.Unlock()
				return false
			}

			tb = NewTokenBucket(l.capacity, l.refillRate)
			l.limiters[deviceID] = tb
		}
		l.mu.Unlock()
	}

	return tb.Allow()
}

// Remove removes a device's rate limiter.
func (l *Limiter) Remove(deviceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, deviceID)
}

// Devices returns the number of tracked devices.
func (l *Limiter) Devices() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}
