// Copyright (c) CoAP Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/edgebridge/coapbridge/pkg/breaker"
	"github.com/edgebridge/coapbridge/pkg/sensor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordedRequest struct {
	path string
	body []byte
}

// fakeAPI is a management API double that records every request.
type fakeAPI struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	response string
}

func (f *fakeAPI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{path: r.URL.Path, body: body})
		f.mu.Unlock()

		if f.status != 0 && f.status != http.StatusOK {
			w.WriteHeader(f.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, f.response)
	}
}

func (f *fakeAPI) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	reqs := make([]recordedRequest, len(f.requests))
	copy(reqs, f.requests)
	return reqs
}

func TestReportSuccess(t *testing.T) {
	api := &fakeAPI{response: `{"alert":false,"value":23.5,"deviceID":"dev1","recordedAt":"2026-01-02T15:04:05Z"}`}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Logger: testLogger()})

	reading := sensor.DistanceReading{DeviceID: "dev1", DistanceCm: 23.5}
	if !c.Report(context.Background(), sensor.Distance, reading) {
		t.Fatal("Report returned false, want success")
	}

	reqs := api.recorded()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	if reqs[0].path != "/sensor/distance/record" {
		t.Errorf("path = %q, want /sensor/distance/record", reqs[0].path)
	}

	var got sensor.DistanceReading
	if err := json.Unmarshal(reqs[0].body, &got); err != nil {
		t.Fatalf("request body is not valid JSON: %v", err)
	}
	if got != reading {
		t.Errorf("request body = %+v, want %+v", got, reading)
	}
}

func TestReportSurfacesAlertFlag(t *testing.T) {
	api := &fakeAPI{response: `{"alert":true,"message":"too close","value":2.1,"threshold":5,"deviceID":"dev1","recordedAt":"2026-01-02T15:04:05Z"}`}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Logger: testLogger()})

	// An alert flag in the response is logged only; the submission still
	// counts as a success.
	if !c.Report(context.Background(), sensor.Distance, sensor.DistanceReading{DeviceID: "dev1", DistanceCm: 2.1}) {
		t.Fatal("Report returned false, want success despite alert flag")
	}
}

func TestReportAbsentReading(t *testing.T) {
	api := &fakeAPI{response: `{}`}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Logger: testLogger()})

	if c.Report(context.Background(), sensor.Distance, nil) {
		t.Fatal("Report(nil) returned true, want failure")
	}
	if n := len(api.recorded()); n != 0 {
		t.Errorf("requests = %d, want 0 for absent reading", n)
	}
}

func TestReportUpstreamFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "server error", status: http.StatusInternalServerError},
		{name: "not found", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{status: tt.status}
			srv := httptest.NewServer(api.handler())
			defer srv.Close()

			c := New(Config{BaseURL: srv.URL, Logger: testLogger()})
			if c.Report(context.Background(), sensor.Motion, sensor.MotionReading{DeviceID: "p1"}) {
				t.Error("Report returned true, want failure")
			}
		})
	}
}

func TestReportTimeout(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	c := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, Logger: testLogger()})
	if c.Report(context.Background(), sensor.Distance, sensor.DistanceReading{DeviceID: "d1"}) {
		t.Error("Report returned true, want failure on timeout")
	}
}

func TestLatestAlerts(t *testing.T) {
	api := &fakeAPI{response: `[
		{"id":12,"deviceId":"dev1","motionDetected":true,"alertReason":"movement","alertStatus":"new","createdAt":"2026-01-02T15:04:05Z"},
		{"id":11,"deviceId":"dev1","motionDetected":true,"alertReason":"movement","alertStatus":"resolved","createdAt":"2026-01-01T10:00:00Z"}
	]`}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Logger: testLogger()})

	alerts, err := c.LatestAlerts(context.Background(), sensor.Motion)
	if err != nil {
		t.Fatalf("LatestAlerts: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("alerts = %d, want 2", len(alerts))
	}
	if alerts[0].ID != 12 || alerts[1].ID != 11 {
		t.Errorf("alert ids = %d, %d, want 12, 11", alerts[0].ID, alerts[1].ID)
	}

	reqs := api.recorded()
	if reqs[0].path != "/alerts/motion/get" {
		t.Errorf("path = %q, want /alerts/motion/get", reqs[0].path)
	}

	// The raw record must survive round-tripping so upstream-defined fields
	// reach the device untouched.
	var record map[string]any
	if err := json.Unmarshal(alerts[0].Raw, &record); err != nil {
		t.Fatalf("raw record is not valid JSON: %v", err)
	}
	if record["alertReason"] != "movement" {
		t.Errorf("alertReason = %v, want movement", record["alertReason"])
	}
}

func TestLatestAlertsFailure(t *testing.T) {
	api := &fakeAPI{status: http.StatusBadGateway}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Logger: testLogger()})
	if _, err := c.LatestAlerts(context.Background(), sensor.Distance); err == nil {
		t.Error("LatestAlerts returned nil error, want failure")
	}
}

func TestBreakerFailsFast(t *testing.T) {
	api := &fakeAPI{status: http.StatusInternalServerError}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	cb := breaker.New(breaker.Config{MaxFailures: 2, ResetTimeout: time.Minute})
	c := New(Config{BaseURL: srv.URL, Breaker: cb, Logger: testLogger()})

	reading := sensor.DistanceReading{DeviceID: "d1", DistanceCm: 1}
	for i := 0; i < 3; i++ {
		c.Report(context.Background(), sensor.Distance, reading)
	}

	// The third submission must have been rejected without a network call.
	if n := len(api.recorded()); n != 2 {
		t.Errorf("requests = %d, want 2 (breaker open on third)", n)
	}
	if cb.State() != breaker.StateOpen {
		t.Errorf("breaker state = %v, want open", cb.State())
	}
}
