// Copyright (c) CoAP Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import "testing"

func TestTokenBucketExhaustion(t *testing.T) {
	tb := NewTokenBucket(2, 1)

	if !tb.Allow() || !tb.Allow() {
		t.Fatal("first two requests should be allowed")
	}
	if tb.Allow() {
		t.Error("third request should be rejected")
	}
}

func TestLimiterPerDevice(t *testing.T) {
	l := NewLimiter(1, 1, 0)

	if !l.Allow("dev1") {
		t.Fatal("first request from dev1 should be allowed")
	}
	if l.Allow("dev1") {
		t.Error("second request from dev1 should be rejected")
	}
	// Other devices have their own bucket.
	if !l.Allow("dev2") {
		t.Error("first request from dev2 should be allowed")
	}

	if got := l.Devices(); got != 2 {
		t.Errorf("Devices() = %d, want 2", got)
	}
}

func TestLimiterMaxDevices(t *testing.T) {
	l := NewLimiter(1, 1, 2)

	l.Allow("dev1")
	l.Allow("dev2")
	if l.Allow("dev3") {
		t.Error("request beyond max tracked devices should be rejected")
	}

	l.Remove("dev1")
	if !l.Allow("dev3") {
		t.Error("request should be allowed after a slot frees up")
	}
}
