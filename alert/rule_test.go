// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package alert

import (
	"testing"
	"time"

	"github.com/Azure/cribwatch/errors"
	"github.com/Azure/cribwatch/event"
	"github.com/stretchr/testify/require"
)

func reading(
	t *testing.T,
	detector string,
	ts time.Time,
	state event.State,
	confidence float64,
	value map[string]any,
) *event.Event {
	t.Helper()
	e, err := event.New(detector, ts, confidence, state, value, 1, "")
	require.NoError(t, err)
	return e
}

func TestCompare(t *testing.T) {
	now := time.Unix(1700000000, 0)
	e := reading(t, "radar", now, event.StateWarning, 0.75, map[string]any{
		"respiration_rate": 8.0,
		"moving":           false,
		"posture":          "prone",
	})

	tests := []struct {
		name      string
		condition Condition
		expected  bool
	}{
		{
			name:      "LessTrue",
			condition: Condition{Field: "respiration_rate", Operator: OperatorLess, Threshold: 10.0},
			expected:  true,
		},
		{
			name:      "LessFalse",
			condition: Condition{Field: "respiration_rate", Operator: OperatorLess, Threshold: 8.0},
			expected:  false,
		},
		{
			name:      "LessOrEqualBoundary",
			condition: Condition{Field: "respiration_rate", Operator: OperatorLessOrEqual, Threshold: 8.0},
			expected:  true,
		},
		{
			name:      "Greater",
			condition: Condition{Field: "respiration_rate", Operator: OperatorGreater, Threshold: 5.0},
			expected:  true,
		},
		{
			name:      "GreaterOrEqualBoundary",
			condition: Condition{Field: "respiration_rate", Operator: OperatorGreaterOrEqual, Threshold: 8.0},
			expected:  true,
		},
		{
			name:      "IntThreshold",
			condition: Condition{Field: "respiration_rate", Operator: OperatorLess, Threshold: 10},
			expected:  true,
		},
		{
			name:      "EqualNumber",
			condition: Condition{Field: "respiration_rate", Operator: OperatorEqual, Threshold: 8},
			expected:  true,
		},
		{
			name:      "EqualBool",
			condition: Condition{Field: "moving", Operator: OperatorEqual, Threshold: false},
			expected:  true,
		},
		{
			name:      "EqualString",
			condition: Condition{Field: "posture", Operator: OperatorEqual, Threshold: "prone"},
			expected:  true,
		},
		{
			name:      "NotEqualState",
			condition: Condition{Field: "state", Operator: OperatorNotEqual, Threshold: "NORMAL"},
			expected:  true,
		},
		{
			name:      "EqualState",
			condition: Condition{Field: "state", Operator: OperatorEqual, Threshold: "WARNING"},
			expected:  true,
		},
		{
			name:      "ConfidencePath",
			condition: Condition{Field: "confidence", Operator: OperatorLess, Threshold: 0.8},
			expected:  true,
		},
		{
			name:      "ValuePrefixPath",
			condition: Condition{Field: "value.respiration_rate", Operator: OperatorGreater, Threshold: 5.0},
			expected:  true,
		},
		{
			name:      "MissingField",
			condition: Condition{Field: "heart_rate", Operator: OperatorGreater, Threshold: 0.0},
			expected:  false,
		},
		{
			name:      "TypeMismatchOrdering",
			condition: Condition{Field: "posture", Operator: OperatorGreater, Threshold: 1.0},
			expected:  false,
		},
		{
			name:      "TypeMismatchEquality",
			condition: Condition{Field: "moving", Operator: OperatorEqual, Threshold: "false"},
			expected:  false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.expected, test.condition.compare(e))
		})
	}
}

func TestConditionDuration(t *testing.T) {
	start := time.Unix(1700000000, 0)
	c := Condition{
		Detector:  "radar",
		Field:     "respiration_rate",
		Operator:  OperatorLess,
		Threshold: 10.0,
		Duration:  3 * time.Second,
	}

	low := reading(t, "radar", start, event.StateWarning, 0.9,
		map[string]any{"respiration_rate": 8.0})
	normal := reading(t, "radar", start, event.StateNormal, 0.9,
		map[string]any{"respiration_rate": 28.0})

	var since time.Time

	// The comparison holds but has not held long enough yet.
	require.False(t, c.evaluate(&since, low, start))
	require.False(t, c.evaluate(&since, low, start.Add(2*time.Second)))

	// Three seconds of continuous truth satisfies the condition.
	require.True(t, c.evaluate(&since, low, start.Add(3*time.Second)))

	// A break resets the clock.
	require.False(t, c.evaluate(&since, normal, start.Add(4*time.Second)))
	require.False(t, c.evaluate(&since, low, start.Add(5*time.Second)))
	require.False(t, c.evaluate(&since, low, start.Add(7*time.Second)))
	require.True(t, c.evaluate(&since, low, start.Add(8*time.Second)))

	// A missing event is never satisfied.
	require.False(t, c.evaluate(&since, nil, start.Add(9*time.Second)))
}

func TestRuleEvaluateCombinators(t *testing.T) {
	now := time.Unix(1700000000, 0)

	lowRate := reading(t, "radar", now, event.StateWarning, 0.9,
		map[string]any{"respiration_rate": 8.0})
	noSound := reading(t, "audio", now, event.StateNormal, 0.9,
		map[string]any{"sound_level": 0.05})
	loud := reading(t, "audio", now, event.StateNormal, 0.9,
		map[string]any{"sound_level": 0.9})

	conditions := []Condition{
		{Detector: "radar", Field: "respiration_rate", Operator: OperatorLess, Threshold: 10.0},
		{Detector: "audio", Field: "sound_level", Operator: OperatorLess, Threshold: 0.1},
	}

	t.Run("AllRequiresEvery", func(t *testing.T) {
		r := Rule{Name: "apnea", Conditions: conditions, Combinator: CombinatorAll}
		state := ruleState{conditionSince: make([]time.Time, 2)}

		// Only one of two conditions holds.
		current := map[string]*event.Event{"radar": lowRate, "audio": loud}
		require.False(t, r.evaluate(&state, current, now))

		current["audio"] = noSound
		require.True(t, r.evaluate(&state, current, now))
	})

	t.Run("DefaultCombinatorIsAll", func(t *testing.T) {
		r := Rule{Name: "apnea", Conditions: conditions}
		state := ruleState{conditionSince: make([]time.Time, 2)}

		current := map[string]*event.Event{"radar": lowRate, "audio": loud}
		require.False(t, r.evaluate(&state, current, now))
	})

	t.Run("AnyRequiresOne", func(t *testing.T) {
		r := Rule{Name: "apnea", Conditions: conditions, Combinator: CombinatorAny}
		state := ruleState{conditionSince: make([]time.Time, 2)}

		current := map[string]*event.Event{"radar": lowRate, "audio": loud}
		require.True(t, r.evaluate(&state, current, now))
	})

	t.Run("MissingDetector", func(t *testing.T) {
		r := Rule{Name: "apnea", Conditions: conditions, Combinator: CombinatorAll}
		state := ruleState{conditionSince: make([]time.Time, 2)}

		current := map[string]*event.Event{"radar": lowRate}
		require.False(t, r.evaluate(&state, current, now))
	})
}

func TestRuleEvaluateDuration(t *testing.T) {
	start := time.Unix(1700000000, 0)
	r := Rule{
		Name:     "sustained_low",
		Duration: 3 * time.Second,
		Conditions: []Condition{{
			Detector:  "radar",
			Field:     "respiration_rate",
			Operator:  OperatorLess,
			Threshold: 10.0,
		}},
	}
	state := ruleState{conditionSince: make([]time.Time, 1)}

	low := reading(t, "radar", start, event.StateWarning, 0.9,
		map[string]any{"respiration_rate": 8.0})
	normal := reading(t, "radar", start, event.StateNormal, 0.9,
		map[string]any{"respiration_rate": 28.0})

	current := map[string]*event.Event{"radar": low}
	require.False(t, r.evaluate(&state, current, start))
	require.False(t, r.evaluate(&state, current, start.Add(2*time.Second)))
	require.True(t, r.evaluate(&state, current, start.Add(3*time.Second)))

	// Recovery in the middle restarts the sustain window.
	state = ruleState{conditionSince: make([]time.Time, 1)}
	require.False(t, r.evaluate(&state, current, start))
	current["radar"] = normal
	require.False(t, r.evaluate(&state, current, start.Add(2*time.Second)))
	current["radar"] = low
	require.False(t, r.evaluate(&state, current, start.Add(3*time.Second)))
	require.False(t, r.evaluate(&state, current, start.Add(5*time.Second)))
	require.True(t, r.evaluate(&state, current, start.Add(6*time.Second)))
}

func TestRuleCooldown(t *testing.T) {
	start := time.Unix(1700000000, 0)
	r := Rule{
		Name:     "low_rate",
		Cooldown: time.Minute,
		Conditions: []Condition{{
			Detector:  "radar",
			Field:     "respiration_rate",
			Operator:  OperatorLess,
			Threshold: 10.0,
		}},
	}
	state := ruleState{conditionSince: make([]time.Time, 1)}

	low := reading(t, "radar", start, event.StateWarning, 0.9,
		map[string]any{"respiration_rate": 8.0})
	current := map[string]*event.Event{"radar": low}

	require.True(t, r.evaluate(&state, current, start))
	state.trigger(start)

	// Still satisfied, but cooling down.
	require.False(t, r.evaluate(&state, current, start.Add(30*time.Second)))
	require.False(t, r.evaluate(&state, current, start.Add(59*time.Second)))

	// The cooldown lapses.
	require.True(t, r.evaluate(&state, current, start.Add(time.Minute)))
}

func TestCooldownFreezesTimers(t *testing.T) {
	start := time.Unix(1700000000, 0)
	r := Rule{
		Name:     "sustained_low",
		Duration: 2 * time.Second,
		Cooldown: 10 * time.Second,
		Conditions: []Condition{{
			Detector:  "radar",
			Field:     "respiration_rate",
			Operator:  OperatorLess,
			Threshold: 10.0,
		}},
	}
	state := ruleState{conditionSince: make([]time.Time, 1)}

	low := reading(t, "radar", start, event.StateWarning, 0.9,
		map[string]any{"respiration_rate": 8.0})
	current := map[string]*event.Event{"radar": low}

	require.False(t, r.evaluate(&state, current, start))
	require.True(t, r.evaluate(&state, current, start.Add(2*time.Second)))
	state.trigger(start.Add(2 * time.Second))

	// During cooldown no duration accrues, so the first post-cooldown
	// evaluation starts the sustain window from scratch.
	require.False(t, r.evaluate(&state, current, start.Add(5*time.Second)))
	require.False(t, r.evaluate(&state, current, start.Add(12*time.Second)))
	require.True(t, r.evaluate(&state, current, start.Add(14*time.Second)))
}

func TestRenderMessage(t *testing.T) {
	earlier := time.Unix(1700000000, 0)
	later := earlier.Add(time.Minute)

	current := map[string]*event.Event{
		"radar": reading(t, "radar", later, event.StateWarning, 0.9,
			map[string]any{"respiration_rate": 8.0, "moving": false}),
		"audio": reading(t, "audio", earlier, event.StateNormal, 0.8,
			map[string]any{"respiration_rate": 12.0, "sound_level": 0.05}),
	}

	tests := []struct {
		name     string
		template string
		expected string
	}{
		{
			name:     "NoPlaceholders",
			template: "breathing anomaly",
			expected: "breathing anomaly",
		},
		{
			name:     "Empty",
			template: "",
			expected: "",
		},
		{
			name:     "Field",
			template: "sound level {sound_level}",
			expected: "sound level 0.05",
		},
		{
			name:     "MostRecentWins",
			template: "respiration rate {respiration_rate}",
			expected: "respiration rate 8",
		},
		{
			name:     "Bool",
			template: "moving: {moving}",
			expected: "moving: false",
		},
		{
			name:     "Unresolved",
			template: "heart rate {heart_rate}",
			expected: "heart rate {heart_rate}",
		},
		{
			name:     "Multiple",
			template: "{respiration_rate} bpm, sound {sound_level}",
			expected: "8 bpm, sound 0.05",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.expected, renderMessage(test.template, current))
		})
	}
}

func TestRuleValidate(t *testing.T) {
	valid := Condition{
		Detector:  "radar",
		Field:     "respiration_rate",
		Operator:  OperatorLess,
		Threshold: 10.0,
	}

	tests := []struct {
		name string
		rule Rule
	}{
		{
			name: "EmptyName",
			rule: Rule{Conditions: []Condition{valid}},
		},
		{
			name: "NoConditions",
			rule: Rule{Name: "apnea"},
		},
		{
			name: "UnknownCombinator",
			rule: Rule{Name: "apnea", Combinator: "most", Conditions: []Condition{valid}},
		},
		{
			name: "EmptyDetector",
			rule: Rule{Name: "apnea", Conditions: []Condition{{
				Field: "x", Operator: OperatorLess, Threshold: 1.0,
			}}},
		},
		{
			name: "EmptyField",
			rule: Rule{Name: "apnea", Conditions: []Condition{{
				Detector: "radar", Operator: OperatorLess, Threshold: 1.0,
			}}},
		},
		{
			name: "UnknownOperator",
			rule: Rule{Name: "apnea", Conditions: []Condition{{
				Detector: "radar", Field: "x", Operator: "~=", Threshold: 1.0,
			}}},
		},
		{
			name: "OrderingThresholdNotNumeric",
			rule: Rule{Name: "apnea", Conditions: []Condition{{
				Detector: "radar", Field: "x", Operator: OperatorLess, Threshold: "ten",
			}}},
		},
		{
			name: "EqualityThresholdNotScalar",
			rule: Rule{Name: "apnea", Conditions: []Condition{{
				Detector: "radar", Field: "x", Operator: OperatorEqual, Threshold: []int{1},
			}}},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.rule.validate()
			require.Error(t, err)
			require.Equal(t, errors.ConfigurationInvalid,
				err.(*errors.Error).Kind)
		})
	}

	r := Rule{
		Name:       "apnea",
		Combinator: CombinatorAny,
		Conditions: []Condition{valid, {
			Detector: "audio", Field: "posture",
			Operator: OperatorEqual, Threshold: "prone",
		}},
	}
	require.NoError(t, r.validate())
}
