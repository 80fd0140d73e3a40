// Copyright (c) CoAP Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/edgebridge/coapbridge/pkg/ratelimit"
	"github.com/edgebridge/coapbridge/pkg/sensor"
)

type reportCall struct {
	category sensor.Category
	reading  any
}

type mockReporter struct {
	mu    sync.Mutex
	calls []reportCall
	done  chan struct{}
}

func newMockReporter() *mockReporter {
	return &mockReporter{done: make(chan struct{}, 16)}
}

func (m *mockReporter) Report(ctx context.Context, category sensor.Category, reading any) bool {
	m.mu.Lock()
	m.calls = append(m.calls, reportCall{category: category, reading: reading})
	m.mu.Unlock()
	m.done <- struct{}{}
	return reading != nil
}

// await blocks until n submissions were scheduled or the timeout expires.
func (m *mockReporter) await(t *testing.T, n int) []reportCall {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-m.done:
		case <-deadline:
			t.Fatalf("timed out waiting for submission %d of %d", i+1, n)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]reportCall, len(m.calls))
	copy(calls, m.calls)
	return calls
}

func (m *mockReporter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testBridge(reporter Reporter) *Bridge {
	return New(Config{
		Address: "localhost:0",
		Logger:  slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}, reporter)
}

func TestHandleReadingValid(t *testing.T) {
	reporter := newMockReporter()
	b := testBridge(reporter)

	code, body := b.handleReading(sensor.Distance, []byte(`{"deviceId":"dev1","value":"23.5"}`), "10.0.0.5:4832")
	if code != codes.Changed {
		t.Fatalf("code = %v, want Changed", code)
	}
	if string(body) != "OK" {
		t.Fatalf("body = %q, want OK", body)
	}

	calls := reporter.await(t, 1)
	if len(calls) != 1 {
		t.Fatalf("submissions = %d, want exactly 1", len(calls))
	}
	reading, ok := calls[0].reading.(sensor.DistanceReading)
	if !ok {
		t.Fatalf("submitted %T, want DistanceReading", calls[0].reading)
	}
	want := sensor.DistanceReading{DeviceID: "dev1", DistanceCm: 23.5}
	if reading != want {
		t.Errorf("submitted %+v, want %+v", reading, want)
	}
}

func TestHandleReadingMalformed(t *testing.T) {
	reporter := newMockReporter()
	b := testBridge(reporter)

	code, body := b.handleReading(sensor.Distance, []byte(`not-json`), "10.0.0.5:4832")
	if code != codes.BadRequest {
		t.Fatalf("code = %v, want BadRequest", code)
	}
	if len(body) == 0 {
		t.Error("bad request response has no diagnostic body")
	}

	// Malformed payloads must trigger zero upstream submissions.
	time.Sleep(50 * time.Millisecond)
	if n := reporter.count(); n != 0 {
		t.Errorf("submissions = %d, want 0", n)
	}
}

func TestHandleReadingDefaultsDeviceID(t *testing.T) {
	reporter := newMockReporter()
	b := testBridge(reporter)

	code, _ := b.handleReading(sensor.Microphone, []byte(`{"value":62.1}`), "10.0.0.5:4832")
	if code != codes.Changed {
		t.Fatalf("code = %v, want Changed", code)
	}

	calls := reporter.await(t, 1)
	reading, ok := calls[0].reading.(sensor.MicrophoneReading)
	if !ok {
		t.Fatalf("submitted %T, want MicrophoneReading", calls[0].reading)
	}
	if reading.DeviceID != UnknownDevice {
		t.Errorf("DeviceID = %q, want %q", reading.DeviceID, UnknownDevice)
	}
}

func TestHandleReadingUnnormalizable(t *testing.T) {
	reporter := newMockReporter()
	b := testBridge(reporter)

	// A value that does not coerce still gets an acknowledgement, and the
	// reporter is still scheduled with an absent reading.
	code, body := b.handleReading(sensor.Distance, []byte(`{"deviceId":"dev1","value":"far"}`), "10.0.0.5:4832")
	if code != codes.Changed {
		t.Fatalf("code = %v, want Changed", code)
	}
	if string(body) != "OK" {
		t.Fatalf("body = %q, want OK", body)
	}

	calls := reporter.await(t, 1)
	if calls[0].reading != nil {
		t.Errorf("submitted %v, want nil reading", calls[0].reading)
	}
}

func TestHandleReadingRateLimited(t *testing.T) {
	reporter := newMockReporter()
	b := New(Config{
		Address: "localhost:0",
		Limiter: ratelimit.NewLimiter(1, 1, 0),
		Logger:  slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}, reporter)

	payload := []byte(`{"deviceId":"flood","value":"1"}`)
	if code, _ := b.handleReading(sensor.Distance, payload, "10.0.0.5:4832"); code != codes.Changed {
		t.Fatalf("first request code = %v, want Changed", code)
	}
	if code, _ := b.handleReading(sensor.Distance, payload, "10.0.0.5:4832"); code != codes.ServiceUnavailable {
		t.Fatalf("second request code = %v, want ServiceUnavailable", code)
	}

	reporter.await(t, 1)
	time.Sleep(50 * time.Millisecond)
	if n := reporter.count(); n != 1 {
		t.Errorf("submissions = %d, want 1 (rate limited request not forwarded)", n)
	}
}

func TestHandleReadingIndependentCategories(t *testing.T) {
	reporter := newMockReporter()
	b := testBridge(reporter)

	requests := []struct {
		category sensor.Category
		payload  string
	}{
		{sensor.Distance, `{"deviceId":"d1","value":"10.5"}`},
		{sensor.Microphone, `{"deviceId":"m1","value":"70"}`},
		{sensor.Motion, `{"deviceId":"p1","value":"yes"}`},
	}

	for _, req := range requests {
		code, _ := b.handleReading(req.category, []byte(req.payload), "10.0.0.5:4832")
		if code != codes.Changed {
			t.Fatalf("%s request code = %v, want Changed", req.category, code)
		}
	}

	calls := reporter.await(t, 3)
	if len(calls) != 3 {
		t.Fatalf("submissions = %d, want 3", len(calls))
	}

	byCategory := make(map[sensor.Category]any)
	for _, c := range calls {
		byCategory[c.category] = c.reading
	}

	if r, ok := byCategory[sensor.Distance].(sensor.DistanceReading); !ok || r.DistanceCm != 10.5 || r.DeviceID != "d1" {
		t.Errorf("distance submission = %+v", byCategory[sensor.Distance])
	}
	if r, ok := byCategory[sensor.Microphone].(sensor.MicrophoneReading); !ok || r.Decibels != 70 || r.DeviceID != "m1" {
		t.Errorf("microphone submission = %+v", byCategory[sensor.Microphone])
	}
	if r, ok := byCategory[sensor.Motion].(sensor.MotionReading); !ok || !r.MotionDetected || r.DeviceID != "p1" {
		t.Errorf("motion submission = %+v", byCategory[sensor.Motion])
	}
}
