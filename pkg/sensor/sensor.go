// Copyright (c) CoAP Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package sensor defines the closed set of sensor categories handled by the
// bridge and the normalization rules that turn raw device values into the
// canonical payloads the management API expects.
package sensor

import (
	"fmt"
	"strconv"
	"strings"
)

// Category identifies a sensor kind. The set is closed: every category has
// an entry in the dispatch table below.
type Category string

const (
	Distance   Category = "distance"
	Microphone Category = "microphone"
	Motion     Category = "motion"
)

// Categories lists all supported categories in the fixed order the alert
// poller walks them.
var Categories = []Category{Distance, Microphone, Motion}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	_, ok := rules[c]
	return ok
}

// ResourcePath returns the inbound CoAP resource path for the category.
func (c Category) ResourcePath() string {
	return "/sensor/" + string(c)
}

// RawReading is an inbound payload as decoded from the device, with no
// validation guarantees. Value may be a string, number, or boolean.
type RawReading struct {
	DeviceID string `json:"deviceId"`
	Value    any    `json:"value"`
}

// DistanceReading is the canonical distance payload.
type DistanceReading struct {
	DeviceID   string  `json:"deviceId"`
	DistanceCm float64 `json:"distanceCm"`
}

// MicrophoneReading is the canonical microphone payload.
type MicrophoneReading struct {
	DeviceID string  `json:"deviceId"`
	Decibels float64 `json:"decibels"`
}

// MotionReading is the canonical motion payload.
type MotionReading struct {
	DeviceID       string `json:"deviceId"`
	MotionDetected bool   `json:"motionDetected"`
}

// rule maps a category to its normalization function. Each function returns
// the canonical payload and whether the raw value coerced successfully.
type rule func(deviceID string, raw any) (any, bool)

var rules = map[Category]rule{
	Distance: func(deviceID string, raw any) (any, bool) {
		v, ok := toFloat(raw)
		if !ok {
			return nil, false
		}
		return DistanceReading{DeviceID: deviceID, DistanceCm: v}, true
	},
	Microphone: func(deviceID string, raw any) (any, bool) {
		v, ok := toFloat(raw)
		if !ok {
			return nil, false
		}
		return MicrophoneReading{DeviceID: deviceID, Decibels: v}, true
	},
	Motion: func(deviceID string, raw any) (any, bool) {
		return MotionReading{DeviceID: deviceID, MotionDetected: toBool(raw)}, true
	},
}

// Normalize converts a raw device value into the canonical payload for the
// given category. The second return value is false when the value does not
// coerce to the expected type; motion never fails. Normalize performs no I/O.
func Normalize(c Category, deviceID string, raw any) (any, bool) {
	r, ok := rules[c]
	if !ok {
		return nil, false
	}
	return r(deviceID, raw)
}

// toFloat coerces JSON-decoded values to float64.
func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// truthy tokens accepted for motion values, matched case-insensitively.
var truthy = map[string]bool{
	"1":    true,
	"true": true,
	"yes":  true,
}

// toBool coerces a raw value to a motion flag. Non-string values are
// stringified first, so boolean true and numeric 1 behave like "true"
// and "1".
func toBool(raw any) bool {
	if raw == nil {
		return false
	}
	s := strings.ToLower(strings.TrimSpace(fmt.Sprint(raw)))
	return truthy[s]
}
