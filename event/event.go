// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package event defines the immutable reading emitted by detectors and the
// bounded buffers that hold recent readings.
package event

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Azure/cribwatch/errors"
	"github.com/Azure/cribwatch/internal/wallclock"
	"github.com/google/uuid"
)

type (
	// Event is an immutable reading from one source at one instant. Events
	// are created once by a detector (or the fusion engine) and are shared
	// read-only across consumers; no field may be modified after creation.
	Event struct {
		// Detector is the stable source id (e.g. "radar",
		// "fusion.respiration_rate").
		Detector string

		// Timestamp is the wall-clock instant of the reading.
		Timestamp time.Time

		// Confidence is the source's trust in the reading, in [0, 1].
		Confidence float64

		// State is the source's own judgment of the reading.
		State State

		// Value is the detector-specific payload: field name to scalar
		// (float64, bool, or string after normalization).
		Value map[string]any

		// Sequence increases monotonically per source.
		Sequence uint64

		// SessionID groups events from one monitoring session.
		SessionID string
	}

	// State is a source's judgment of a reading.
	State int

	// Source stamps events for one detector with its session id and a
	// monotonically increasing sequence. One Source per emitting detector.
	Source struct {
		detector string
		session  string
		seq      atomic.Uint64
	}
)

// The defined source states.
const (
	StateNormal State = iota
	StateWarning
	StateAlert
	StateUncertain
)

var stateNames = map[State]string{
	StateNormal:    "NORMAL",
	StateWarning:   "WARNING",
	StateAlert:     "ALERT",
	StateUncertain: "UNCERTAIN",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// MarshalText marshals the state to its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText unmarshals the state from its name.
func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState parses a state name.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, &errors.Error{
		Message:       "unknown state",
		Kind:          errors.ArgumentInvalid,
		PropertyName:  "State",
		PropertyValue: name,
	}
}

// New creates a validated event. The confidence must be within [0, 1] and
// every payload value must be a scalar; violations fail construction so that
// no out-of-range reading ever enters the pipeline.
func New(
	detector string,
	timestamp time.Time,
	confidence float64,
	state State,
	value map[string]any,
	sequence uint64,
	sessionID string,
) (*Event, error) {
	if detector == "" {
		return nil, &errors.Error{
			Message:      "detector id must not be empty",
			Kind:         errors.ArgumentInvalid,
			PropertyName: "Detector",
		}
	}

	if err := validateConfidence(confidence); err != nil {
		return nil, err
	}

	normalized, err := normalizeValue(value)
	if err != nil {
		return nil, err
	}

	return &Event{
		Detector:   detector,
		Timestamp:  timestamp,
		Confidence: confidence,
		State:      state,
		Value:      normalized,
		Sequence:   sequence,
		SessionID:  sessionID,
	}, nil
}

// NewSource creates an event source for the given detector id. An empty
// session id is replaced with a generated one.
func NewSource(detector, sessionID string) *Source {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &Source{detector: detector, session: sessionID}
}

// ID returns the detector id of the source.
func (s *Source) ID() string {
	return s.detector
}

// SessionID returns the session id the source stamps on its events.
func (s *Source) SessionID() string {
	return s.session
}

// Event creates a validated event stamped with the source's detector id,
// session, the current time, and the next sequence number.
func (s *Source) Event(
	state State,
	confidence float64,
	value map[string]any,
) (*Event, error) {
	return New(
		s.detector,
		wallclock.Instance.Now(),
		confidence,
		state,
		value,
		s.seq.Add(1),
		s.session,
	)
}

// Clone returns a deep copy of the event. Consumers that need to hold a
// payload beyond the delivery callback without aliasing use this.
func (e *Event) Clone() *Event {
	cpy := *e
	cpy.Value = make(map[string]any, len(e.Value))
	for k, v := range e.Value {
		cpy.Value[k] = v
	}
	return &cpy
}

// Number returns the named payload field as a float64.
func (e *Event) Number(field string) (float64, bool) {
	v, ok := e.Value[field].(float64)
	return v, ok
}

// Bool returns the named payload field as a bool.
func (e *Event) Bool(field string) (bool, bool) {
	v, ok := e.Value[field].(bool)
	return v, ok
}

// Lookup resolves a dotted field path against the event. The known roots
// are "confidence", "state", "sequence", and "value.<field>"; a bare field
// name is shorthand for "value.<field>". Lookup is total: an unknown path
// yields ok=false, never an error.
func (e *Event) Lookup(path string) (any, bool) {
	switch path {
	case "confidence":
		return e.Confidence, true
	case "state":
		return e.State.String(), true
	case "sequence":
		return float64(e.Sequence), true
	case "":
		return nil, false
	}

	if field, ok := cutPrefix(path, "value."); ok {
		v, ok := e.Value[field]
		return v, ok
	}

	v, ok := e.Value[path]
	return v, ok
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return s, false
}

func validateConfidence(confidence float64) error {
	// NaN fails both comparisons below, so it is rejected here too.
	if !(confidence >= 0 && confidence <= 1) {
		return &errors.Error{
			Message:       "confidence must be within [0, 1]",
			Kind:          errors.ArgumentInvalid,
			PropertyName:  "Confidence",
			PropertyValue: confidence,
		}
	}
	return nil
}

// normalizeValue copies the payload, converting every numeric type to
// float64. Non-scalar values are rejected; they have no meaning to fusion
// or to rule evaluation and would corrupt the wire form.
func normalizeValue(value map[string]any) (map[string]any, error) {
	if value == nil {
		return map[string]any{}, nil
	}

	normalized := make(map[string]any, len(value))
	for field, v := range value {
		scalar, ok := normalizeScalar(v)
		if !ok {
			return nil, &errors.Error{
				Message:       fmt.Sprintf("payload field %q is not a scalar", field),
				Kind:          errors.ArgumentInvalid,
				PropertyName:  field,
				PropertyValue: v,
			}
		}
		normalized[field] = scalar
	}
	return normalized, nil
}

func normalizeScalar(v any) (any, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool, string:
		return n, true
	default:
		return nil, false
	}
}
