// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package fusion

import "math"

// Strategy selects how a channel combines its source values.
type Strategy string

// The defined fusion strategies.
const (
	// StrategyWeightedAverage combines continuous signals as the weighted,
	// confidence-scaled mean of the numeric sources.
	StrategyWeightedAverage Strategy = "weighted_average"

	// StrategyBestConfidence takes the single source with the highest
	// confidence.
	StrategyBestConfidence Strategy = "best_confidence"

	// StrategyVoting takes the majority of truthy votes.
	StrategyVoting Strategy = "voting"

	// StrategyAny is a boolean OR, used for safety-critical detections
	// where any single positive source must surface.
	StrategyAny Strategy = "any"

	// StrategyAll is a boolean AND; the weakest source caps trust.
	StrategyAll Strategy = "all"

	// StrategyMax takes the numeric source with the highest value.
	StrategyMax Strategy = "max"
)

// Cross-validation adjusts confidence by the configured bonus above the high
// agreement threshold and by the configured penalty below the low one.
const (
	agreementHigh = 0.8
	agreementLow  = 0.5
)

type (
	// crossValidation carries the resolved cross-validation settings into
	// strategy evaluation.
	crossValidation struct {
		enabled bool
		bonus   float64
		penalty float64
	}

	// combined is one strategy evaluation result. degraded marks results
	// that are valid but untrustworthy beyond what the source count shows,
	// such as a weighted average whose denominator collapsed.
	combined struct {
		value      any
		confidence float64
		agreement  float64
		degraded   bool
	}
)

// combine dispatches to the strategy, falling back to weighted averaging for
// an unknown strategy rather than failing the channel. ok is false when the
// sources offer nothing usable (e.g. no numeric values for a numeric
// strategy), in which case the channel stays unchanged.
func combine(
	strategy Strategy,
	signals []SignalValue,
	cv crossValidation,
) (combined, bool) {
	switch strategy {
	case StrategyBestConfidence:
		return combineBestConfidence(signals)
	case StrategyVoting:
		return combineVoting(signals)
	case StrategyAny:
		return combineAny(signals)
	case StrategyAll:
		return combineAll(signals)
	case StrategyMax:
		return combineMax(signals)
	default:
		return combineWeightedAverage(signals, cv)
	}
}

func combineWeightedAverage(
	signals []SignalValue,
	cv crossValidation,
) (combined, bool) {
	numeric := numericSignals(signals)
	if len(numeric) == 0 {
		return combined{}, false
	}

	var sum, denom float64
	for _, s := range numeric {
		v, _ := s.Value.(float64)
		sum += v * s.Weight * s.Confidence
		denom += s.Weight * s.Confidence
	}

	agreement, confidence := agreementScore(numeric)

	if denom == 0 {
		// All contributing confidences are zero; averaging is meaningless,
		// but the channel still reports rather than dividing by zero.
		return combined{
			value:     0.0,
			agreement: agreement,
			degraded:  true,
		}, true
	}

	if cv.enabled && len(numeric) > 1 {
		switch {
		case agreement > agreementHigh:
			confidence = clamp01(confidence + cv.bonus)
		case agreement < agreementLow:
			confidence = clamp01(confidence - cv.penalty)
		}
	}

	return combined{
		value:      sum / denom,
		confidence: confidence,
		agreement:  agreement,
	}, true
}

func combineBestConfidence(signals []SignalValue) (combined, bool) {
	if len(signals) == 0 {
		return combined{}, false
	}

	best := signals[0]
	for _, s := range signals[1:] {
		if s.Confidence > best.Confidence {
			best = s
		}
	}

	return combined{
		value:      best.Value,
		confidence: best.Confidence,
		agreement:  1,
	}, true
}

func combineVoting(signals []SignalValue) (combined, bool) {
	votes, confidences := booleanVotes(signals)
	if len(votes) == 0 {
		return combined{}, false
	}

	var trues, confidenceSum float64
	for i, v := range votes {
		if v {
			trues++
		}
		confidenceSum += confidences[i]
	}
	total := float64(len(votes))
	falses := total - trues

	// A split vote yields agreement 0 and therefore confidence 0.
	agreement := math.Abs(trues-falses) / total

	return combined{
		value:      trues > falses,
		confidence: clamp01(confidenceSum / total * agreement),
		agreement:  agreement,
	}, true
}

func combineAny(signals []SignalValue) (combined, bool) {
	votes, confidences := booleanVotes(signals)
	if len(votes) == 0 {
		return combined{}, false
	}

	var trues int
	confidence := 0.0
	maxAll := 0.0
	for i, v := range votes {
		maxAll = math.Max(maxAll, confidences[i])
		if v {
			trues++
			confidence = math.Max(confidence, confidences[i])
		}
	}

	if trues == 0 {
		// All sources concur on false; trust the most confident of them.
		return combined{
			value:      false,
			confidence: maxAll,
			agreement:  1,
		}, true
	}

	return combined{
		value:      true,
		confidence: confidence,
		agreement:  float64(trues) / float64(len(votes)),
	}, true
}

func combineAll(signals []SignalValue) (combined, bool) {
	votes, confidences := booleanVotes(signals)
	if len(votes) == 0 {
		return combined{}, false
	}

	all := true
	trues := 0
	confidence := 1.0
	for i, v := range votes {
		confidence = math.Min(confidence, confidences[i])
		if v {
			trues++
		} else {
			all = false
		}
	}
	majority := math.Max(float64(trues), float64(len(votes)-trues))

	return combined{
		value:      all,
		confidence: confidence,
		agreement:  majority / float64(len(votes)),
	}, true
}

func combineMax(signals []SignalValue) (combined, bool) {
	numeric := numericSignals(signals)
	if len(numeric) == 0 {
		return combined{}, false
	}

	best := numeric[0]
	bestValue, _ := best.Value.(float64)
	for _, s := range numeric[1:] {
		if v, _ := s.Value.(float64); v > bestValue {
			best, bestValue = s, v
		}
	}

	return combined{
		value:      bestValue,
		confidence: best.Confidence,
		agreement:  1,
	}, true
}

// agreementScore derives inter-source consistency from the spread of the
// numeric values, and the weight-weighted mean confidence as the base
// confidence. The coefficient-of-variation shape and its clamping are load
// bearing: alert thresholds downstream are tuned against them.
func agreementScore(numeric []SignalValue) (agreement, confidence float64) {
	var mean, weightSum, weightedConfidence float64
	for _, s := range numeric {
		v, _ := s.Value.(float64)
		mean += v
		weightSum += s.Weight
		weightedConfidence += s.Weight * s.Confidence
	}
	n := float64(len(numeric))
	mean /= n

	if weightSum > 0 {
		confidence = weightedConfidence / weightSum
	}

	if len(numeric) < 2 {
		return 1, confidence
	}

	var variance float64
	for _, s := range numeric {
		v, _ := s.Value.(float64)
		variance += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(variance / n)

	// Near-zero means make the ratio blow up; fall back to the absolute
	// spread there.
	if math.Abs(mean) < 1e-9 {
		agreement = 1 - math.Min(1, stddev)
	} else {
		agreement = 1 - math.Min(1, stddev/math.Abs(mean))
	}
	return clamp01(agreement), confidence
}

// numericSignals filters to float64-valued sources, dropping the rest
// silently per the degrade-gracefully policy.
func numericSignals(signals []SignalValue) []SignalValue {
	numeric := make([]SignalValue, 0, len(signals))
	for _, s := range signals {
		if _, ok := s.Value.(float64); ok {
			numeric = append(numeric, s)
		}
	}
	return numeric
}

// booleanVotes extracts boolean votes, treating numeric values as truthy
// when nonzero. Other values are dropped silently.
func booleanVotes(signals []SignalValue) ([]bool, []float64) {
	votes := make([]bool, 0, len(signals))
	confidences := make([]float64, 0, len(signals))
	for _, s := range signals {
		switch v := s.Value.(type) {
		case bool:
			votes = append(votes, v)
			confidences = append(confidences, s.Confidence)
		case float64:
			votes = append(votes, v != 0)
			confidences = append(confidences, s.Confidence)
		}
	}
	return votes, confidences
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
