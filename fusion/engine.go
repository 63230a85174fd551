// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package fusion combines possibly-disagreeing, possibly-partial readings
// from multiple detectors into confidence-scored signals, one per configured
// channel, and republishes them on the bus as synthetic detector events.
package fusion

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/cribwatch/bus"
	"github.com/Azure/cribwatch/errors"
	"github.com/Azure/cribwatch/event"
	"github.com/Azure/cribwatch/internal/log"
	"github.com/Azure/cribwatch/internal/options"
	"github.com/Azure/cribwatch/internal/wallclock"
	"github.com/Azure/cribwatch/metrics"
	"github.com/google/uuid"
)

type (
	// Engine is the fusion engine. Its latest-value and channel-state tables
	// are mutated only by ProcessEvent; snapshot readers always receive
	// isolated copies.
	Engine struct {
		transport  *bus.Bus
		pub        *bus.Publisher
		rules      []Rule
		byDetector map[string][]int

		signalMaxAge time.Duration
		cv           crossValidation
		sessionID    string
		onChannel    func(*FusedSignal)

		mu       sync.RWMutex
		latest   map[sourceKey]*SignalValue
		channels map[string]*channelState

		listening atomic.Bool
		log       log.Logger
	}

	// EngineOption represents a single engine option.
	EngineOption interface{ engine(*EngineOptions) }

	// EngineOptions are the resolved engine options.
	EngineOptions struct {
		// SignalMaxAge is the default staleness bound for source values;
		// rules may override it.
		SignalMaxAge time.Duration

		// CrossValidation enables the agreement-based confidence adjustment
		// for multi-source numeric channels.
		CrossValidation bool

		// AgreementBonus is added to confidence above the high agreement
		// threshold.
		AgreementBonus float64

		// DisagreementPenalty is subtracted from confidence below the low
		// agreement threshold.
		DisagreementPenalty float64

		// SessionID stamps the fused events; empty generates one.
		SessionID string

		// OnChannel is invoked with each newly emitted fused signal.
		OnChannel func(*FusedSignal)

		Logger *slog.Logger
	}

	// WithSignalMaxAge sets the default staleness bound for source values.
	WithSignalMaxAge time.Duration

	// WithCrossValidation enables or disables the agreement-based
	// confidence adjustment.
	WithCrossValidation bool

	// WithAgreementBonus sets the cross-validation confidence bonus.
	WithAgreementBonus float64

	// WithDisagreementPenalty sets the cross-validation confidence penalty.
	WithDisagreementPenalty float64

	// WithSessionID sets the session id stamped on fused events.
	WithSessionID string

	// This option is not used directly; see WithChannelCallback below.
	withChannelCallback struct{ fn func(*FusedSignal) }

	// This option is not used directly; see WithLogger below.
	withLogger struct{ *slog.Logger }

	sourceKey struct {
		detector string
		field    string
	}

	channelState struct {
		signal   *FusedSignal
		sequence uint64
	}

	// emission is a fused signal due for publication, captured under the
	// lock and published after release.
	emission struct {
		signal   *FusedSignal
		sequence uint64
	}
)

// Defaults for unset engine options.
const (
	DefaultSignalMaxAge        = 10 * time.Second
	DefaultAgreementBonus      = 0.1
	DefaultDisagreementPenalty = 0.2
)

// emitConfidenceDelta bounds re-emission under noisy but stable inputs: a
// confidence drift within this band alone does not republish.
const emitConfidenceDelta = 0.1

// New creates a fusion engine publishing fused signals onto the bus.
func New(b *bus.Bus, rules []Rule, opt ...EngineOption) (*Engine, error) {
	var opts EngineOptions
	opts.CrossValidation = true
	opts.Apply(opt)

	if b == nil {
		return nil, &errors.Error{
			Message:      "bus must not be nil",
			Kind:         errors.ArgumentInvalid,
			PropertyName: "bus",
		}
	}

	byDetector := make(map[string][]int)
	channels := make(map[string]*channelState, len(rules))
	for i, r := range rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if _, ok := channels[r.Channel]; ok {
			return nil, &errors.Error{
				Message:       "duplicate fusion channel",
				Kind:          errors.ConfigurationInvalid,
				PropertyName:  "Channel",
				PropertyValue: r.Channel,
			}
		}
		channels[r.Channel] = &channelState{}

		for _, s := range r.Sources {
			if !slices.Contains(byDetector[s.Detector], i) {
				byDetector[s.Detector] = append(byDetector[s.Detector], i)
			}
		}
	}

	signalMaxAge := opts.SignalMaxAge
	if signalMaxAge <= 0 {
		signalMaxAge = DefaultSignalMaxAge
	}

	bonus := opts.AgreementBonus
	if bonus == 0 {
		bonus = DefaultAgreementBonus
	}
	penalty := opts.DisagreementPenalty
	if penalty == 0 {
		penalty = DefaultDisagreementPenalty
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	return &Engine{
		transport:  b,
		pub:        b.NewPublisher(),
		rules:      rules,
		byDetector: byDetector,

		signalMaxAge: signalMaxAge,
		cv: crossValidation{
			enabled: opts.CrossValidation,
			bonus:   bonus,
			penalty: penalty,
		},
		sessionID: sessionID,
		onChannel: opts.OnChannel,

		latest:   make(map[sourceKey]*SignalValue),
		channels: channels,

		log: log.Wrap(opts.Logger),
	}, nil
}

// Listen subscribes the engine to every bus topic and starts processing.
// The returned closure stops it.
func (e *Engine) Listen(ctx context.Context) (func(), error) {
	if !e.listening.CompareAndSwap(false, true) {
		return nil, &errors.Error{
			Message: "fusion engine is already listening",
			Kind:    errors.StateInvalid,
		}
	}

	sub, err := e.transport.NewSubscriber(e.ProcessEvent)
	if err != nil {
		e.listening.Store(false)
		return nil, err
	}

	done, err := sub.Listen(ctx)
	if err != nil {
		e.listening.Store(false)
		return nil, err
	}

	return func() {
		done()
		e.listening.Store(false)
	}, nil
}

// ProcessEvent folds one event into the latest-value table and re-evaluates
// every channel the event's detector feeds. It is idempotent for an
// already-seen reading and may be called directly or via bus subscription.
// Events from fused channels are ignored to prevent feedback loops.
func (e *Engine) ProcessEvent(ctx context.Context, ev *event.Event) {
	if ev == nil || strings.HasPrefix(ev.Detector, DetectorPrefix) {
		return
	}

	affected := e.byDetector[ev.Detector]
	if len(affected) == 0 {
		return
	}

	e.mu.Lock()
	for _, i := range affected {
		for _, s := range e.rules[i].Sources {
			if s.Detector != ev.Detector {
				continue
			}
			v, ok := ev.Value[s.Field]
			if !ok || v == nil {
				// Missing fields are dropped silently; the slot keeps its
				// previous value until it goes stale.
				continue
			}
			e.latest[sourceKey{s.Detector, s.Field}] = &SignalValue{
				Value:      v,
				Confidence: ev.Confidence,
				Timestamp:  ev.Timestamp,
				Detector:   s.Detector,
				Field:      s.Field,
				Weight:     s.weight(),
			}
		}
	}

	emitted := make([]emission, 0, len(affected))
	for _, i := range affected {
		if em, ok := e.evaluate(ctx, &e.rules[i]); ok {
			emitted = append(emitted, em)
		}
	}
	e.mu.Unlock()

	// Publication happens outside the lock so a subscriber or callback can
	// immediately read engine state without deadlocking.
	for _, em := range emitted {
		e.emit(ctx, em)
	}
}

// GetChannel returns an isolated copy of the channel's current fused signal,
// or nil if the channel has not fused yet or is unknown.
func (e *Engine) GetChannel(name string) *FusedSignal {
	e.mu.RLock()
	defer e.mu.RUnlock()

	state, ok := e.channels[name]
	if !ok || state.signal == nil {
		return nil
	}
	return state.signal.clone()
}

// GetAllChannels returns isolated copies of every channel's current fused
// signal, omitting channels that have not fused yet.
func (e *Engine) GetAllChannels() map[string]*FusedSignal {
	e.mu.RLock()
	defer e.mu.RUnlock()

	all := make(map[string]*FusedSignal, len(e.channels))
	for name, state := range e.channels {
		if state.signal != nil {
			all[name] = state.signal.clone()
		}
	}
	return all
}

// evaluate runs one channel's fusion cycle, updating channel state and
// returning the emission if one is due. A failure in one channel is
// contained so the remaining channels still evaluate. Callers must hold the
// write lock.
func (e *Engine) evaluate(ctx context.Context, r *Rule) (em emission, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Warn(ctx, "fusion strategy failed",
				slog.String("channel", r.Channel),
				slog.Any("panic", p))
			em, ok = emission{}, false
		}
	}()

	now := wallclock.Instance.Now()
	maxAge := r.maxAge(e.signalMaxAge)

	gathered := make([]SignalValue, 0, len(r.Sources))
	for _, s := range r.Sources {
		sv := e.latest[sourceKey{s.Detector, s.Field}]
		if sv == nil || sv.Value == nil {
			continue
		}
		if now.Sub(sv.Timestamp) > maxAge {
			continue
		}
		gathered = append(gathered, *sv)
	}

	if len(gathered) < r.minSources() {
		// Too few live sources; the channel state stays as it was.
		return emission{}, false
	}

	result, ok := combine(r.Strategy, gathered, e.cv)
	if !ok {
		return emission{}, false
	}

	sources := make([]string, 0, len(gathered))
	for _, sv := range gathered {
		if !slices.Contains(sources, sv.Detector) {
			sources = append(sources, sv.Detector)
		}
	}
	slices.Sort(sources)

	signal := &FusedSignal{
		Channel:    r.Channel,
		Value:      result.value,
		Confidence: result.confidence,
		Timestamp:  now,
		Sources:    sources,
		Agreement:  result.agreement,
		Degraded:   result.degraded || len(gathered) < len(r.Sources),
	}

	state := e.channels[r.Channel]
	if !shouldEmit(state.signal, signal) {
		return emission{}, false
	}

	state.sequence++
	state.signal = signal

	return emission{signal: signal, sequence: state.sequence}, true
}

// emit publishes a fused signal as its synthetic event and invokes the
// channel-update callback.
func (e *Engine) emit(ctx context.Context, em emission) {
	ev, err := em.signal.Event(em.sequence, e.sessionID)
	if err != nil {
		e.log.Err(ctx, err, slog.String("channel", em.signal.Channel))
		return
	}

	if e.log.Enabled(ctx, slog.LevelDebug) {
		e.log.Debug(ctx, "fused signal emitted", log.Value("signal", em.signal))
	}

	metrics.FusionEmitted.WithLabelValues(em.signal.Channel).Inc()
	metrics.FusionAgreement.WithLabelValues(em.signal.Channel).
		Set(em.signal.Agreement)

	if err := e.pub.Send(ctx, ev); err != nil {
		e.log.Err(ctx, err, slog.String("channel", em.signal.Channel))
	}

	if e.onChannel != nil {
		e.notify(ctx, em.signal.clone())
	}
}

// shouldEmit suppresses a re-emission unless the fused value changed, the
// confidence moved beyond the emission band, or the contributing source set
// changed.
func shouldEmit(prev, next *FusedSignal) bool {
	if prev == nil {
		return true
	}
	if !equalValue(prev.Value, next.Value) {
		return true
	}
	if math.Abs(prev.Confidence-next.Confidence) > emitConfidenceDelta {
		return true
	}
	return !slices.Equal(prev.Sources, next.Sources)
}

// notify invokes the channel-update callback with panic isolation.
func (e *Engine) notify(ctx context.Context, signal *FusedSignal) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Warn(ctx, "channel callback panicked",
				slog.Any("panic", p),
				slog.String("channel", signal.Channel))
		}
	}()
	e.onChannel(signal)
}

// equalValue compares two scalar payload values.
func equalValue(a, b any) bool {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	default:
		return a == b
	}
}

// Apply resolves the provided list of options.
func (o *EngineOptions) Apply(opts []EngineOption, rest ...EngineOption) {
	for opt := range options.Apply[EngineOption](opts, rest...) {
		opt.engine(o)
	}
}

func (o *EngineOptions) engine(opt *EngineOptions) {
	if o != nil {
		*opt = *o
	}
}

func (o WithSignalMaxAge) engine(opt *EngineOptions) {
	opt.SignalMaxAge = time.Duration(o)
}

func (o WithCrossValidation) engine(opt *EngineOptions) {
	opt.CrossValidation = bool(o)
}

func (o WithAgreementBonus) engine(opt *EngineOptions) {
	opt.AgreementBonus = float64(o)
}

func (o WithDisagreementPenalty) engine(opt *EngineOptions) {
	opt.DisagreementPenalty = float64(o)
}

func (o WithSessionID) engine(opt *EngineOptions) {
	opt.SessionID = string(o)
}

// WithChannelCallback registers a callback invoked with each newly emitted
// fused signal.
func WithChannelCallback(fn func(*FusedSignal)) EngineOption {
	return withChannelCallback{fn}
}

func (o withChannelCallback) engine(opt *EngineOptions) {
	opt.OnChannel = o.fn
}

// WithLogger enables logging with the provided slog logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return withLogger{logger}
}

func (o withLogger) engine(opt *EngineOptions) {
	opt.Logger = o.Logger
}
