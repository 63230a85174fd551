// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package alert

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/cribwatch/errors"
	"github.com/Azure/cribwatch/event"
)

type (
	// Rule describes when an alert fires. Rules are stateless descriptions;
	// the engine owns the timing state that accompanies them.
	Rule struct {
		// Name uniquely identifies the rule.
		Name string

		// Conditions are the per-detector tests combined by Combinator.
		Conditions []Condition

		// Combinator selects how conditions combine; all if unset.
		Combinator Combinator

		// Duration is how long the combined result must hold before the
		// rule fires. Zero fires immediately.
		Duration time.Duration

		// Severity grades the resulting alert.
		Severity Severity

		// Cooldown suppresses re-triggering for this long after a firing.
		Cooldown time.Duration

		// Message is the alert message template. Placeholders of the form
		// {field} are replaced with the field's value from the most recent
		// event that carries it; unresolved placeholders are left verbatim.
		Message string
	}

	// Condition is a single threshold test against one detector's latest
	// event.
	Condition struct {
		// Detector names the detector whose latest event is tested.
		Detector string

		// Field is the value path tested, resolved the same way event
		// lookups are (confidence, state, sequence, value.<field>).
		Field string

		// Operator compares the field against Threshold.
		Operator Operator

		// Threshold is the comparison operand. Ordering operators require
		// a number; equality also accepts booleans and strings.
		Threshold any

		// Duration is how long this condition must hold before it counts
		// as satisfied. Zero counts immediately.
		Duration time.Duration
	}

	// Operator is a comparison operator.
	Operator string

	// Combinator selects how a rule's conditions combine.
	Combinator string

	// ruleState is the mutable timing state for one rule, held by the
	// engine in an array parallel to its rules.
	ruleState struct {
		// conditionSince records when each condition most recently became
		// true, zero while false.
		conditionSince []time.Time

		// combinedSince records when the combined result most recently
		// became true, zero while false.
		combinedSince time.Time

		// lastTriggered records the last firing, zero if never fired.
		lastTriggered time.Time
	}
)

// The defined comparison operators.
const (
	OperatorLess           Operator = "<"
	OperatorGreater        Operator = ">"
	OperatorLessOrEqual    Operator = "<="
	OperatorGreaterOrEqual Operator = ">="
	OperatorEqual          Operator = "=="
	OperatorNotEqual       Operator = "!="
)

// The defined condition combinators.
const (
	CombinatorAll Combinator = "all"
	CombinatorAny Combinator = "any"
)

var placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)

func (r *Rule) validate() error {
	if r.Name == "" {
		return &errors.Error{
			Message:      "rule name must not be empty",
			Kind:         errors.ConfigurationInvalid,
			PropertyName: "Name",
		}
	}
	if len(r.Conditions) == 0 {
		return &errors.Error{
			Message:       "rule must have at least one condition",
			Kind:          errors.ConfigurationInvalid,
			PropertyName:  "Conditions",
			PropertyValue: r.Name,
		}
	}
	switch r.Combinator {
	case CombinatorAll, CombinatorAny, "":
	default:
		return &errors.Error{
			Message:       "unknown combinator",
			Kind:          errors.ConfigurationInvalid,
			PropertyName:  "Combinator",
			PropertyValue: string(r.Combinator),
		}
	}
	for i := range r.Conditions {
		if err := r.Conditions[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Condition) validate() error {
	if c.Detector == "" {
		return &errors.Error{
			Message:      "condition detector must not be empty",
			Kind:         errors.ConfigurationInvalid,
			PropertyName: "Detector",
		}
	}
	if c.Field == "" {
		return &errors.Error{
			Message:      "condition field must not be empty",
			Kind:         errors.ConfigurationInvalid,
			PropertyName: "Field",
		}
	}
	switch c.Operator {
	case OperatorLess, OperatorGreater, OperatorLessOrEqual,
		OperatorGreaterOrEqual, OperatorEqual, OperatorNotEqual:
	default:
		return &errors.Error{
			Message:       "unknown operator",
			Kind:          errors.ConfigurationInvalid,
			PropertyName:  "Operator",
			PropertyValue: string(c.Operator),
		}
	}
	switch c.Operator {
	case OperatorEqual, OperatorNotEqual:
		switch c.Threshold.(type) {
		case float64, int, bool, string:
		default:
			return &errors.Error{
				Message:       "equality threshold must be a number, boolean, or string",
				Kind:          errors.ConfigurationInvalid,
				PropertyName:  "Threshold",
				PropertyValue: c.Threshold,
			}
		}
	default:
		switch c.Threshold.(type) {
		case float64, int:
		default:
			return &errors.Error{
				Message:       "ordering threshold must be a number",
				Kind:          errors.ConfigurationInvalid,
				PropertyName:  "Threshold",
				PropertyValue: c.Threshold,
			}
		}
	}
	return nil
}

// evaluate reports whether the rule fires at now, updating the timing state
// as a side effect. The cooldown check comes first so a cooling-down rule
// does not accrue or reset duration timers.
func (r *Rule) evaluate(
	state *ruleState,
	current map[string]*event.Event,
	now time.Time,
) bool {
	if r.Cooldown > 0 && !state.lastTriggered.IsZero() &&
		now.Sub(state.lastTriggered) < r.Cooldown {
		return false
	}

	combined := r.Combinator == CombinatorAll || r.Combinator == ""
	for i := range r.Conditions {
		satisfied := r.Conditions[i].evaluate(
			&state.conditionSince[i],
			current[r.Conditions[i].Detector],
			now,
		)
		if r.Combinator == CombinatorAny {
			combined = combined || satisfied
		} else {
			combined = combined && satisfied
		}
	}

	if !combined {
		state.combinedSince = time.Time{}
		return false
	}
	if state.combinedSince.IsZero() {
		state.combinedSince = now
	}
	return r.Duration <= 0 || now.Sub(state.combinedSince) >= r.Duration
}

// trigger records a firing and clears the timers so the next evaluation
// starts fresh.
func (s *ruleState) trigger(now time.Time) {
	s.lastTriggered = now
	s.combinedSince = time.Time{}
	for i := range s.conditionSince {
		s.conditionSince[i] = time.Time{}
	}
}

// evaluate reports whether the condition is satisfied at now, tracking how
// long the raw comparison has held in since.
func (c *Condition) evaluate(
	since *time.Time,
	e *event.Event,
	now time.Time,
) bool {
	if e == nil || !c.compare(e) {
		*since = time.Time{}
		return false
	}
	if since.IsZero() {
		*since = now
	}
	return c.Duration <= 0 || now.Sub(*since) >= c.Duration
}

// compare applies the operator to the event's field value. A missing field
// or mismatched type compares false rather than erroring; a detector that
// stops publishing a field simply stops satisfying conditions on it.
func (c *Condition) compare(e *event.Event) bool {
	v, ok := e.Lookup(c.Field)
	if !ok {
		return false
	}

	switch c.Operator {
	case OperatorEqual:
		return scalarEqual(v, c.Threshold)
	case OperatorNotEqual:
		return !scalarEqual(v, c.Threshold)
	}

	n, ok := asNumber(v)
	if !ok {
		return false
	}
	t, ok := asNumber(c.Threshold)
	if !ok {
		return false
	}
	switch c.Operator {
	case OperatorLess:
		return n < t
	case OperatorGreater:
		return n > t
	case OperatorLessOrEqual:
		return n <= t
	case OperatorGreaterOrEqual:
		return n >= t
	}
	return false
}

func scalarEqual(v, threshold any) bool {
	if n, ok := asNumber(v); ok {
		t, ok := asNumber(threshold)
		return ok && n == t
	}
	switch v := v.(type) {
	case bool:
		t, ok := threshold.(bool)
		return ok && v == t
	case string:
		t, ok := threshold.(string)
		return ok && v == t
	}
	return false
}

func asNumber(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// renderMessage substitutes {field} placeholders from the current events.
// When several detectors carry the field, the most recent event wins.
// Placeholders that resolve nowhere are left verbatim.
func renderMessage(template string, current map[string]*event.Event) string {
	if template == "" || !strings.Contains(template, "{") {
		return template
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		field := m[1 : len(m)-1]
		var value any
		var at time.Time
		found := false
		for _, e := range current {
			v, ok := e.Lookup(field)
			if !ok {
				continue
			}
			if !found || e.Timestamp.After(at) {
				value, at, found = v, e.Timestamp, true
			}
		}
		if !found {
			return m
		}
		return formatScalar(value)
	})
}

func formatScalar(v any) string {
	switch v := v.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case string:
		return v
	default:
		return ""
	}
}
