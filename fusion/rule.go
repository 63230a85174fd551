// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package fusion

import (
	"strings"
	"time"

	"github.com/Azure/cribwatch/errors"
)

type (
	// Source identifies one contributing (detector, field) pair for a
	// channel, with its relative weight.
	Source struct {
		// Detector is the contributing detector id.
		Detector string

		// Field names the payload field carrying the value.
		Field string

		// Weight scales this source's contribution for weighted strategies.
		// Zero means the default weight of 1.
		Weight float64
	}

	// Rule configures one fused output channel.
	Rule struct {
		// Channel is the logical signal name; the fused output publishes as
		// detector "fusion." + Channel.
		Channel string

		// Strategy selects how source values combine. An unknown strategy
		// falls back to weighted averaging at evaluation time.
		Strategy Strategy

		// Sources are the contributing (detector, field) pairs.
		Sources []Source

		// MinSources gates fusion: with fewer live sources than this, the
		// channel produces nothing. Zero means 1.
		MinSources int

		// SignalMaxAge excludes sources older than this from fusion. Zero
		// means the engine default.
		SignalMaxAge time.Duration
	}
)

func (r *Rule) validate() error {
	if r.Channel == "" {
		return &errors.Error{
			Message:      "fusion channel must not be empty",
			Kind:         errors.ConfigurationInvalid,
			PropertyName: "Channel",
		}
	}

	if len(r.Sources) == 0 {
		return &errors.Error{
			Message:       "fusion rule has no sources",
			Kind:          errors.ConfigurationInvalid,
			PropertyName:  "Sources",
			PropertyValue: r.Channel,
		}
	}

	if r.MinSources > len(r.Sources) {
		return &errors.Error{
			Message:       "min sources exceeds the configured source count",
			Kind:          errors.ConfigurationInvalid,
			PropertyName:  "MinSources",
			PropertyValue: r.MinSources,
		}
	}

	for _, s := range r.Sources {
		if s.Detector == "" || s.Field == "" {
			return &errors.Error{
				Message:       "fusion source requires a detector and a field",
				Kind:          errors.ConfigurationInvalid,
				PropertyName:  "Sources",
				PropertyValue: r.Channel,
			}
		}

		// Fused channels never feed fusion; events with the fusion prefix
		// are ignored at intake, so such a source could never update.
		if strings.HasPrefix(s.Detector, DetectorPrefix) {
			return &errors.Error{
				Message:       "fusion source must not be a fused channel",
				Kind:          errors.ConfigurationInvalid,
				PropertyName:  "Sources",
				PropertyValue: s.Detector,
			}
		}

		if s.Weight < 0 {
			return &errors.Error{
				Message:       "fusion source weight must not be negative",
				Kind:          errors.ConfigurationInvalid,
				PropertyName:  "Weight",
				PropertyValue: s.Weight,
			}
		}
	}

	return nil
}

// minSources returns the effective minimum source count.
func (r *Rule) minSources() int {
	if r.MinSources <= 0 {
		return 1
	}
	return r.MinSources
}

// maxAge returns the effective staleness bound given the engine default.
func (r *Rule) maxAge(engineDefault time.Duration) time.Duration {
	if r.SignalMaxAge > 0 {
		return r.SignalMaxAge
	}
	return engineDefault
}

// weight returns the effective weight of the source.
func (s *Source) weight() float64 {
	if s.Weight == 0 {
		return 1
	}
	return s.Weight
}
