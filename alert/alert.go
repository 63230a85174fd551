// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package alert evaluates configurable rules against the event stream, owns
// the alert lifecycle, monitors detector liveness, and supports operator
// pause. It is the component that decides when a caregiver is woken.
package alert

import (
	"fmt"
	"time"

	"github.com/Azure/cribwatch/errors"
	"github.com/Azure/cribwatch/event"
	"github.com/Azure/cribwatch/internal/wallclock"
	"github.com/google/uuid"
)

type (
	// Alert is a point-in-time judgment requiring attention. Alerts are
	// immutable; acknowledge and resolve produce new values rather than
	// mutating in place.
	Alert struct {
		// ID uniquely identifies the alert.
		ID string

		// Severity grades how urgently the alert needs attention.
		Severity Severity

		// RuleName names the rule that fired.
		RuleName string

		// Message is the rendered, human-readable description.
		Message string

		// ContributingEvents are the events known at trigger time.
		ContributingEvents []*event.Event

		// CreatedAt is the trigger instant.
		CreatedAt time.Time

		Acknowledged   bool
		AcknowledgedAt time.Time

		Resolved   bool
		ResolvedAt time.Time
	}

	// Severity grades an alert.
	Severity int

	// Level is the overall judgment derived from the active alerts.
	Level int
)

// The defined alert severities.
const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

// The defined overall levels.
const (
	LevelOK Level = iota
	LevelWarning
	LevelCritical
)

var severityNames = map[Severity]string{
	SeverityInfo:     "INFO",
	SeverityWarning:  "WARNING",
	SeverityCritical: "CRITICAL",
}

var levelNames = map[Level]string{
	LevelOK:       "OK",
	LevelWarning:  "WARNING",
	LevelCritical: "CRITICAL",
}

// NewAlert creates an alert for a rule firing at the current instant.
func NewAlert(
	severity Severity,
	ruleName string,
	message string,
	contributing []*event.Event,
) *Alert {
	return &Alert{
		ID:                 uuid.NewString(),
		Severity:           severity,
		RuleName:           ruleName,
		Message:            message,
		ContributingEvents: contributing,
		CreatedAt:          wallclock.Instance.Now(),
	}
}

// Acknowledge returns an acknowledged copy of the alert.
func (a *Alert) Acknowledge(at time.Time) *Alert {
	cpy := *a
	cpy.Acknowledged = true
	cpy.AcknowledgedAt = at
	return &cpy
}

// Resolve returns a resolved copy of the alert.
func (a *Alert) Resolve(at time.Time) *Alert {
	cpy := *a
	cpy.Resolved = true
	cpy.ResolvedAt = at
	return &cpy
}

// String returns the severity name.
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SEVERITY(%d)", int(s))
}

// MarshalText marshals the severity to its name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText unmarshals the severity from its name.
func (s *Severity) UnmarshalText(b []byte) error {
	parsed, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity parses a severity name.
func ParseSeverity(name string) (Severity, error) {
	for s, n := range severityNames {
		if n == name {
			return s, nil
		}
	}
	return 0, &errors.Error{
		Message:       "unknown severity",
		Kind:          errors.ArgumentInvalid,
		PropertyName:  "Severity",
		PropertyValue: name,
	}
}

// Level maps the severity to the overall level it imposes while active. An
// informational alert does not raise the level above OK.
func (s Severity) Level() Level {
	switch s {
	case SeverityCritical:
		return LevelCritical
	case SeverityWarning:
		return LevelWarning
	default:
		return LevelOK
	}
}

// String returns the level name.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// MarshalText marshals the level to its name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}
