// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package errors defines the structured errors shared by the monitor core.
package errors

import "time"

type (
	// Error represents a structured monitor error.
	Error struct {
		Message string
		Kind    Kind

		NestedError error

		PropertyName  string
		PropertyValue any

		TimeoutName  string
		TimeoutValue time.Duration
	}

	// Kind defines the type of error being raised.
	Kind int
)

// The following are the defined error kinds.
const (
	// ArgumentInvalid indicates a caller-supplied value that violates a
	// core invariant (e.g. confidence outside [0, 1]).
	ArgumentInvalid Kind = iota

	// ConfigurationInvalid indicates a malformed rule or settings value.
	ConfigurationInvalid

	// PayloadInvalid indicates wire data that cannot be decoded into a
	// valid event.
	PayloadInvalid

	// StateInvalid indicates an operation against a component in the
	// wrong lifecycle state (e.g. publishing on a closed bus).
	StateInvalid

	// NotFound indicates a lookup by id that matched nothing.
	NotFound

	// Timeout indicates an operation that exceeded its deadline.
	Timeout

	// Cancellation indicates an operation interrupted by its context.
	Cancellation

	// UnknownError indicates an error from outside the monitor core.
	UnknownError
)

// Error returns the error as a string.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the nested error, if any.
func (e *Error) Unwrap() error {
	return e.NestedError
}
