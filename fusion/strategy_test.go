// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package fusion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func signal(value any, confidence, weight float64) SignalValue {
	return SignalValue{
		Value:      value,
		Confidence: confidence,
		Timestamp:  time.Now(),
		Weight:     weight,
	}
}

func TestCombineWeightedAverage(t *testing.T) {
	cv := crossValidation{}

	t.Run("BlendsSources", func(t *testing.T) {
		result, ok := combineWeightedAverage([]SignalValue{
			signal(14.0, 0.9, 1),
			signal(14.5, 0.8, 1),
		}, cv)
		require.True(t, ok)

		// The blend must land strictly between the sources and lean toward
		// the more trusted one.
		value := result.value.(float64)
		require.Greater(t, value, 14.0)
		require.Less(t, value, 14.5)
		require.InDelta(t, (14.0*0.9+14.5*0.8)/(0.9+0.8), value, 1e-9)
		require.False(t, result.degraded)
	})

	t.Run("RespectsWeights", func(t *testing.T) {
		result, ok := combineWeightedAverage([]SignalValue{
			signal(14.0, 1, 3),
			signal(20.0, 1, 1),
		}, cv)
		require.True(t, ok)
		require.InDelta(t, 15.5, result.value.(float64), 1e-9)
	})

	t.Run("DropsNonNumeric", func(t *testing.T) {
		result, ok := combineWeightedAverage([]SignalValue{
			signal(28.0, 0.9, 1),
			signal(true, 0.9, 1),
			signal("prone", 0.9, 1),
		}, cv)
		require.True(t, ok)
		require.InDelta(t, 28.0, result.value.(float64), 1e-9)
	})

	t.Run("NoNumericSources", func(t *testing.T) {
		_, ok := combineWeightedAverage([]SignalValue{
			signal(true, 0.9, 1),
			signal("prone", 0.9, 1),
		}, cv)
		require.False(t, ok)
	})

	t.Run("ZeroConfidenceDegrades", func(t *testing.T) {
		result, ok := combineWeightedAverage([]SignalValue{
			signal(28.0, 0, 1),
			signal(30.0, 0, 1),
		}, cv)
		require.True(t, ok)
		require.True(t, result.degraded)
		require.Equal(t, 0.0, result.value)
		require.Equal(t, 0.0, result.confidence)
	})

	t.Run("ZeroMeanAgreement", func(t *testing.T) {
		// A near-zero mean falls back to absolute spread, keeping the ratio
		// finite.
		result, ok := combineWeightedAverage([]SignalValue{
			signal(0.1, 1, 1),
			signal(-0.1, 1, 1),
		}, cv)
		require.True(t, ok)
		require.InDelta(t, 0.9, result.agreement, 1e-9)
	})
}

func TestCombineWeightedAverageCrossValidation(t *testing.T) {
	cv := crossValidation{enabled: true, bonus: 0.1, penalty: 0.2}

	t.Run("AgreementBonus", func(t *testing.T) {
		result, ok := combineWeightedAverage([]SignalValue{
			signal(28.0, 0.9, 1),
			signal(28.2, 0.9, 1),
		}, cv)
		require.True(t, ok)
		require.Greater(t, result.agreement, agreementHigh)
		require.InDelta(t, 1.0, result.confidence, 1e-9)
	})

	t.Run("DisagreementPenalty", func(t *testing.T) {
		result, ok := combineWeightedAverage([]SignalValue{
			signal(5.0, 0.9, 1),
			signal(35.0, 0.9, 1),
		}, cv)
		require.True(t, ok)
		require.Less(t, result.agreement, agreementLow)
		require.InDelta(t, 0.7, result.confidence, 1e-9)
	})

	t.Run("SingleSourceUnadjusted", func(t *testing.T) {
		result, ok := combineWeightedAverage([]SignalValue{
			signal(28.0, 0.9, 1),
		}, cv)
		require.True(t, ok)
		require.Equal(t, 1.0, result.agreement)
		require.InDelta(t, 0.9, result.confidence, 1e-9)
	})

	t.Run("Disabled", func(t *testing.T) {
		result, ok := combineWeightedAverage([]SignalValue{
			signal(28.0, 0.9, 1),
			signal(28.2, 0.9, 1),
		}, crossValidation{bonus: 0.1, penalty: 0.2})
		require.True(t, ok)
		require.InDelta(t, 0.9, result.confidence, 1e-9)
	})
}

func TestCombineBestConfidence(t *testing.T) {
	result, ok := combineBestConfidence([]SignalValue{
		signal("shallow", 0.6, 1),
		signal("regular", 0.9, 1),
		signal("apnea", 0.3, 1),
	})
	require.True(t, ok)
	require.Equal(t, "regular", result.value)
	require.InDelta(t, 0.9, result.confidence, 1e-9)
	require.Equal(t, 1.0, result.agreement)

	_, ok = combineBestConfidence(nil)
	require.False(t, ok)
}

func TestCombineVoting(t *testing.T) {
	t.Run("SplitVote", func(t *testing.T) {
		result, ok := combineVoting([]SignalValue{
			signal(true, 0.9, 1),
			signal(false, 0.9, 1),
		})
		require.True(t, ok)

		// An even split means no consensus: agreement and confidence both
		// collapse to zero and the tie resolves to false.
		require.Equal(t, false, result.value)
		require.Equal(t, 0.0, result.agreement)
		require.Equal(t, 0.0, result.confidence)
	})

	t.Run("Majority", func(t *testing.T) {
		result, ok := combineVoting([]SignalValue{
			signal(true, 0.8, 1),
			signal(true, 0.6, 1),
			signal(false, 1.0, 1),
		})
		require.True(t, ok)
		require.Equal(t, true, result.value)
		require.InDelta(t, 1.0/3.0, result.agreement, 1e-9)
		require.InDelta(t, (0.8+0.6+1.0)/3.0*(1.0/3.0), result.confidence, 1e-9)
	})

	t.Run("NumericTruthiness", func(t *testing.T) {
		result, ok := combineVoting([]SignalValue{
			signal(0.4, 0.9, 1),
			signal(0.0, 0.9, 1),
			signal(1.0, 0.9, 1),
		})
		require.True(t, ok)
		require.Equal(t, true, result.value)
	})

	t.Run("NoVotes", func(t *testing.T) {
		_, ok := combineVoting([]SignalValue{signal("prone", 0.9, 1)})
		require.False(t, ok)
	})
}

func TestCombineAny(t *testing.T) {
	t.Run("AnyPositiveSurfaces", func(t *testing.T) {
		result, ok := combineAny([]SignalValue{
			signal(true, 0.95, 1),
			signal(false, 0.9, 1),
		})
		require.True(t, ok)

		// A single positive source wins regardless of the negative one, at
		// the positive source's own confidence.
		require.Equal(t, true, result.value)
		require.InDelta(t, 0.95, result.confidence, 1e-9)
		require.InDelta(t, 0.5, result.agreement, 1e-9)
	})

	t.Run("AllNegative", func(t *testing.T) {
		result, ok := combineAny([]SignalValue{
			signal(false, 0.7, 1),
			signal(false, 0.9, 1),
		})
		require.True(t, ok)
		require.Equal(t, false, result.value)
		require.InDelta(t, 0.9, result.confidence, 1e-9)
		require.Equal(t, 1.0, result.agreement)
	})

	t.Run("AllPositive", func(t *testing.T) {
		result, ok := combineAny([]SignalValue{
			signal(true, 0.7, 1),
			signal(true, 0.9, 1),
		})
		require.True(t, ok)
		require.Equal(t, true, result.value)
		require.InDelta(t, 0.9, result.confidence, 1e-9)
		require.Equal(t, 1.0, result.agreement)
	})
}

func TestCombineAll(t *testing.T) {
	t.Run("AllPositive", func(t *testing.T) {
		result, ok := combineAll([]SignalValue{
			signal(true, 0.9, 1),
			signal(true, 0.7, 1),
		})
		require.True(t, ok)

		// The weakest source caps trust.
		require.Equal(t, true, result.value)
		require.InDelta(t, 0.7, result.confidence, 1e-9)
		require.Equal(t, 1.0, result.agreement)
	})

	t.Run("OneNegative", func(t *testing.T) {
		result, ok := combineAll([]SignalValue{
			signal(true, 0.9, 1),
			signal(false, 0.8, 1),
			signal(true, 0.7, 1),
		})
		require.True(t, ok)
		require.Equal(t, false, result.value)
		require.InDelta(t, 0.7, result.confidence, 1e-9)
		require.InDelta(t, 2.0/3.0, result.agreement, 1e-9)
	})
}

func TestCombineMax(t *testing.T) {
	result, ok := combineMax([]SignalValue{
		signal(27.0, 0.8, 1),
		signal(29.5, 0.6, 1),
		signal("prone", 0.9, 1),
	})
	require.True(t, ok)
	require.InDelta(t, 29.5, result.value.(float64), 1e-9)
	require.InDelta(t, 0.6, result.confidence, 1e-9)
	require.Equal(t, 1.0, result.agreement)

	_, ok = combineMax([]SignalValue{signal(true, 0.9, 1)})
	require.False(t, ok)
}

func TestCombineUnknownStrategy(t *testing.T) {
	// An unrecognized strategy falls back to weighted averaging rather than
	// failing the channel.
	result, ok := combine(Strategy("mystery"), []SignalValue{
		signal(14.0, 1, 1),
	}, crossValidation{})
	require.True(t, ok)
	require.InDelta(t, 14.0, result.value.(float64), 1e-9)
}
