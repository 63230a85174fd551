// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package detector defines the contract between the monitor core and its
// sensor front ends. The core consumes only events; signal processing lives
// behind this boundary, typically in a separate process reached over the
// bridge.
package detector

import (
	"context"
	"encoding/json"

	"github.com/Azure/cribwatch/errors"
	"github.com/Azure/cribwatch/event"
	"github.com/Azure/cribwatch/iso"
)

type (
	// Detector is a sensor front end that publishes events under its own id.
	Detector interface {
		// ID returns the detector's stable id, which is also its bus topic.
		ID() string

		// Start begins event production. It fails if already started.
		Start(ctx context.Context) error

		// Stop halts event production. Stopping twice is a no-op.
		Stop()

		// Calibrate runs a calibration cycle against current conditions,
		// e.g. an empty crib, and reports the measured baseline.
		Calibrate(ctx context.Context) (*CalibrationResult, error)

		// State returns the detector's latest judgment of its readings.
		State() event.State
	}

	// CalibrationResult reports the outcome of a calibration cycle. It is
	// exchanged with non-Go front ends, so times use the ISO interchange
	// forms.
	CalibrationResult struct {
		// Success reports whether calibration produced a usable baseline.
		Success bool `json:"success"`

		// Message describes the outcome for the caregiver.
		Message string `json:"message,omitempty"`

		// Baseline holds the measured per-field resting values.
		Baseline map[string]float64 `json:"baseline,omitempty"`

		// RecommendedSettings holds tuning the front end suggests applying.
		RecommendedSettings map[string]any `json:"recommended_settings,omitempty"`

		// Elapsed is how long the cycle took.
		Elapsed iso.Duration `json:"elapsed"`
	}

	// Announce is the hello payload an out-of-process detector publishes
	// when it comes up, decoded from bridge traffic.
	Announce struct {
		// Detector is the announcing detector's id.
		Detector string `json:"detector"`

		// Kind names the sensing modality (e.g. "radar", "audio").
		Kind string `json:"kind,omitempty"`

		// FirmwareVersion identifies the front end build.
		FirmwareVersion string `json:"firmware_version,omitempty"`

		// StartedAt is when the front end came up.
		StartedAt iso.DateTime `json:"started_at"`

		// Capabilities lists the payload fields the detector produces.
		Capabilities []string `json:"capabilities,omitempty"`
	}
)

// ParseAnnounce decodes and validates an announce payload.
func ParseAnnounce(data []byte) (*Announce, error) {
	var a Announce
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, &errors.Error{
			Message:     "cannot decode announce payload",
			Kind:        errors.PayloadInvalid,
			NestedError: err,
		}
	}
	if a.Detector == "" {
		return nil, &errors.Error{
			Message:      "announce must name its detector",
			Kind:         errors.PayloadInvalid,
			PropertyName: "detector",
		}
	}
	return &a, nil
}

// Encode serializes the announce payload.
func (a *Announce) Encode() ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, &errors.Error{
			Message:     "cannot encode announce payload",
			Kind:        errors.PayloadInvalid,
			NestedError: err,
		}
	}
	return data, nil
}
