// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package fusion

import (
	"strings"
	"time"

	"github.com/Azure/cribwatch/event"
)

type (
	// SignalValue is a single field extracted from an event for fusion
	// bookkeeping. Each configured (detector, field) source has one slot,
	// overwritten whenever a newer event arrives.
	SignalValue struct {
		Value      any
		Confidence float64
		Timestamp  time.Time
		Detector   string
		Field      string
		Weight     float64
	}

	// FusedSignal is the result of combining the available source values for
	// one logical channel.
	FusedSignal struct {
		// Channel is the logical signal name (e.g. "respiration_rate").
		Channel string

		// Value is the combined value.
		Value any

		// Confidence scores the combined value, in [0, 1].
		Confidence float64

		// Timestamp is the instant of fusion.
		Timestamp time.Time

		// Sources are the contributing detector ids, sorted.
		Sources []string

		// Agreement scores inter-source consistency, in [0, 1].
		Agreement float64

		// Degraded is true when fewer sources contributed than the channel
		// ideally has.
		Degraded bool
	}
)

// DetectorPrefix prefixes the synthetic detector ids of fused channels. The
// engine ignores events from such detectors to prevent feedback loops.
const DetectorPrefix = "fusion."

// stateUncertainConfidence is the confidence floor below which a fused event
// reports UNCERTAIN rather than NORMAL.
const stateUncertainConfidence = 0.3

// Detector returns the synthetic detector id of the signal's channel.
func (s *FusedSignal) Detector() string {
	return DetectorPrefix + s.Channel
}

// Event converts the fused signal deterministically to a bus event. The
// combined value is carried under the channel's own field name alongside the
// fusion annotations; a degraded or low-confidence signal reports UNCERTAIN
// so that downstream consumers see doubt rather than silence.
func (s *FusedSignal) Event(
	sequence uint64,
	sessionID string,
) (*event.Event, error) {
	state := event.StateNormal
	if s.Degraded || s.Confidence < stateUncertainConfidence {
		state = event.StateUncertain
	}

	return event.New(
		s.Detector(),
		s.Timestamp,
		s.Confidence,
		state,
		map[string]any{
			s.Channel:   s.Value,
			"agreement": s.Agreement,
			"sources":   strings.Join(s.Sources, ","),
			"degraded":  s.Degraded,
		},
		sequence,
		sessionID,
	)
}

// clone returns an isolated copy of the signal, so a snapshot handed to a
// reader is never aliased to engine state.
func (s *FusedSignal) clone() *FusedSignal {
	cpy := *s
	cpy.Sources = append([]string{}, s.Sources...)
	return &cpy
}
