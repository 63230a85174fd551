// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package detector

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/Azure/cribwatch/bus"
	"github.com/Azure/cribwatch/errors"
	"github.com/Azure/cribwatch/event"
	"github.com/Azure/cribwatch/internal/log"
	"github.com/Azure/cribwatch/internal/options"
	"github.com/Azure/cribwatch/internal/wallclock"
	"github.com/Azure/cribwatch/iso"
)

type (
	// Simulated is a detector producing synthetic vitals on a fixed
	// interval. It backs wiring tests and the daemon's demo mode; it never
	// reads real sensors.
	Simulated struct {
		source     *event.Source
		pub        *bus.Publisher
		vitals     []Vital
		interval   time.Duration
		confidence float64
		rng        *rand.Rand

		mu   sync.Mutex
		done chan struct{}
		wg   sync.WaitGroup

		log log.Logger
	}

	// Vital describes one synthetic payload field as a resting value with a
	// uniform jitter band.
	Vital struct {
		Field  string
		Base   float64
		Jitter float64
	}

	// SimulatedOption represents a single simulated detector option.
	SimulatedOption interface{ simulated(*SimulatedOptions) }

	// SimulatedOptions are the resolved simulated detector options.
	SimulatedOptions struct {
		// Interval is the event production period.
		Interval time.Duration

		// Confidence stamps every produced event.
		Confidence float64

		// SessionID stamps every produced event; empty generates one.
		SessionID string

		// Seed fixes the jitter sequence for reproducible runs.
		Seed int64

		Logger *slog.Logger
	}

	// WithInterval sets the event production period.
	WithInterval time.Duration

	// WithConfidence sets the confidence stamped on produced events.
	WithConfidence float64

	// WithSessionID sets the session id stamped on produced events.
	WithSessionID string

	// WithSeed fixes the jitter sequence for reproducible runs.
	WithSeed int64

	// This option is not used directly; see WithLogger below.
	withLogger struct{ *slog.Logger }
)

// Defaults for unset simulated detector options.
const (
	DefaultInterval   = time.Second
	DefaultConfidence = 0.9
)

// NewSimulated creates a simulated detector publishing onto the bus under
// the given id.
func NewSimulated(
	b *bus.Bus,
	id string,
	vitals []Vital,
	opt ...SimulatedOption,
) (*Simulated, error) {
	var opts SimulatedOptions
	opts.Apply(opt)

	if b == nil {
		return nil, &errors.Error{
			Message:      "bus must not be nil",
			Kind:         errors.ArgumentInvalid,
			PropertyName: "bus",
		}
	}
	if id == "" {
		return nil, &errors.Error{
			Message:      "detector id must not be empty",
			Kind:         errors.ArgumentInvalid,
			PropertyName: "id",
		}
	}
	if len(vitals) == 0 {
		return nil, &errors.Error{
			Message:      "simulated detector needs at least one vital",
			Kind:         errors.ArgumentInvalid,
			PropertyName: "vitals",
		}
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	confidence := opts.Confidence
	if confidence == 0 {
		confidence = DefaultConfidence
	}
	if confidence < 0 || confidence > 1 {
		return nil, &errors.Error{
			Message:       "confidence must be within [0, 1]",
			Kind:          errors.ArgumentInvalid,
			PropertyName:  "Confidence",
			PropertyValue: confidence,
		}
	}

	seed := opts.Seed
	if seed == 0 {
		seed = wallclock.Instance.Now().UnixNano()
	}

	return &Simulated{
		source:     event.NewSource(id, opts.SessionID),
		pub:        b.NewPublisher(),
		vitals:     vitals,
		interval:   interval,
		confidence: confidence,
		// #nosec G404
		rng: rand.New(rand.NewSource(seed)),
		log: log.Wrap(opts.Logger),
	}, nil
}

// ID returns the detector id.
func (s *Simulated) ID() string {
	return s.source.ID()
}

// Start begins event production.
func (s *Simulated) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return &errors.Error{
			Message: "simulated detector is already started",
			Kind:    errors.StateInvalid,
		}
	}

	done := make(chan struct{})
	s.done = done
	s.wg.Add(1)
	go s.run(ctx, done)
	return nil
}

// Stop halts event production, waiting for the in-flight tick to finish.
// Stopping twice is a no-op.
func (s *Simulated) Stop() {
	s.mu.Lock()
	if s.done == nil {
		s.mu.Unlock()
		return
	}
	close(s.done)
	s.done = nil
	s.mu.Unlock()

	s.wg.Wait()
}

// State returns the judgment of the latest produced event. The simulation
// always reads as normal.
func (s *Simulated) State() event.State {
	return event.StateNormal
}

// Calibrate reports the configured resting values as the baseline.
func (s *Simulated) Calibrate(
	ctx context.Context,
) (*CalibrationResult, error) {
	start := wallclock.Instance.Now()

	baseline := make(map[string]float64, len(s.vitals))
	for _, v := range s.vitals {
		baseline[v.Field] = v.Base
	}

	return &CalibrationResult{
		Success:  true,
		Message:  "synthetic baseline applied",
		Baseline: baseline,
		RecommendedSettings: map[string]any{
			"interval": s.interval.String(),
		},
		Elapsed: iso.Duration(wallclock.Instance.Now().Sub(start)),
	}, nil
}

func (s *Simulated) run(ctx context.Context, done chan struct{}) {
	defer s.wg.Done()

	timer := wallclock.Instance.NewTimer(s.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-timer.C():
			s.publish(ctx)
			timer.Reset(s.interval)
		}
	}
}

func (s *Simulated) publish(ctx context.Context) {
	value := make(map[string]any, len(s.vitals))
	for _, v := range s.vitals {
		value[v.Field] = v.Base + (s.rng.Float64()*2-1)*v.Jitter
	}

	ev, err := s.source.Event(event.StateNormal, s.confidence, value)
	if err != nil {
		s.log.Err(ctx, err, slog.String("detector", s.ID()))
		return
	}
	if err := s.pub.Send(ctx, ev); err != nil {
		s.log.Err(ctx, err, slog.String("detector", s.ID()))
	}
}

// Apply resolves the provided list of options.
func (o *SimulatedOptions) Apply(
	opts []SimulatedOption,
	rest ...SimulatedOption,
) {
	for opt := range options.Apply[SimulatedOption](opts, rest...) {
		opt.simulated(o)
	}
}

func (o *SimulatedOptions) simulated(opt *SimulatedOptions) {
	if o != nil {
		*opt = *o
	}
}

func (o WithInterval) simulated(opt *SimulatedOptions) {
	opt.Interval = time.Duration(o)
}

func (o WithConfidence) simulated(opt *SimulatedOptions) {
	opt.Confidence = float64(o)
}

func (o WithSessionID) simulated(opt *SimulatedOptions) {
	opt.SessionID = string(o)
}

func (o WithSeed) simulated(opt *SimulatedOptions) {
	opt.Seed = int64(o)
}

// WithLogger enables logging with the provided slog logger.
func WithLogger(logger *slog.Logger) SimulatedOption {
	return withLogger{logger}
}

func (o withLogger) simulated(opt *SimulatedOptions) {
	opt.Logger = o.Logger
}
