// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package event

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/Azure/cribwatch/errors"
	"github.com/fxamacker/cbor/v2"
)

type (
	// wireEvent is the canonical binary form of an event. Integer keys keep
	// the encoding compact; the deterministic encode mode keeps it canonical
	// so equal events always produce equal bytes.
	wireEvent struct {
		Detector   string         `cbor:"1,keyasint"`
		Timestamp  int64          `cbor:"2,keyasint"` // unix nanoseconds
		Confidence float64        `cbor:"3,keyasint"`
		State      string         `cbor:"4,keyasint"`
		Value      map[string]any `cbor:"5,keyasint,omitempty"`
		Sequence   uint64         `cbor:"6,keyasint"`
		SessionID  string         `cbor:"7,keyasint,omitempty"`
	}

	// jsonEvent is the debug form of an event, readable in logs and usable
	// by tooling that cannot speak the binary form.
	jsonEvent struct {
		Detector   string         `json:"detector"`
		Timestamp  time.Time      `json:"timestamp"`
		Confidence float64        `json:"confidence"`
		State      State          `json:"state"`
		Value      map[string]any `json:"value,omitempty"`
		Sequence   uint64         `json:"sequence"`
		SessionID  string         `json:"session_id,omitempty"`
	}
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeUnixDynamic

	var err error
	if encMode, err = opts.EncMode(); err != nil {
		panic(err)
	}

	dec := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		UTF8:           cbor.UTF8RejectInvalid,
	}
	if decMode, err = dec.DecMode(); err != nil {
		panic(err)
	}
}

// Encode serializes the event to its canonical compact binary form.
func (e *Event) Encode() ([]byte, error) {
	data, err := encMode.Marshal(&wireEvent{
		Detector:   e.Detector,
		Timestamp:  e.Timestamp.UnixNano(),
		Confidence: e.Confidence,
		State:      e.State.String(),
		Value:      e.Value,
		Sequence:   e.Sequence,
		SessionID:  e.SessionID,
	})
	if err != nil {
		return nil, &errors.Error{
			Message:     "cannot encode event",
			Kind:        errors.PayloadInvalid,
			NestedError: err,
		}
	}
	return data, nil
}

// Decode deserializes an event from its binary form. All construction
// invariants are re-checked, so a malformed or out-of-range payload is
// rejected at the boundary rather than entering the pipeline.
func Decode(data []byte) (*Event, error) {
	var w wireEvent
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, &errors.Error{
			Message:     "cannot decode event",
			Kind:        errors.PayloadInvalid,
			NestedError: err,
		}
	}

	state, err := ParseState(w.State)
	if err != nil {
		return nil, payloadInvalid(err)
	}

	e, err := New(
		w.Detector,
		time.Unix(0, w.Timestamp),
		w.Confidence,
		state,
		w.Value,
		w.Sequence,
		w.SessionID,
	)
	if err != nil {
		return nil, payloadInvalid(err)
	}
	return e, nil
}

// MarshalJSON serializes the event to its debug JSON form.
func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(&jsonEvent{
		Detector:   e.Detector,
		Timestamp:  e.Timestamp,
		Confidence: e.Confidence,
		State:      e.State,
		Value:      e.Value,
		Sequence:   e.Sequence,
		SessionID:  e.SessionID,
	})
}

// UnmarshalJSON deserializes the event from its debug JSON form, re-checking
// all construction invariants.
func (e *Event) UnmarshalJSON(data []byte) error {
	var j jsonEvent
	if err := json.Unmarshal(data, &j); err != nil {
		return &errors.Error{
			Message:     "cannot decode event",
			Kind:        errors.PayloadInvalid,
			NestedError: err,
		}
	}

	parsed, err := New(
		j.Detector,
		j.Timestamp,
		j.Confidence,
		j.State,
		j.Value,
		j.Sequence,
		j.SessionID,
	)
	if err != nil {
		return payloadInvalid(err)
	}

	*e = *parsed
	return nil
}

// payloadInvalid rewraps a construction error as a payload error, since on
// this path the bad value arrived over the wire rather than from a caller.
func payloadInvalid(err error) error {
	if e, ok := err.(*errors.Error); ok && e.Kind == errors.ArgumentInvalid {
		return &errors.Error{
			Message:       e.Message,
			Kind:          errors.PayloadInvalid,
			PropertyName:  e.PropertyName,
			PropertyValue: e.PropertyValue,
		}
	}
	return err
}
