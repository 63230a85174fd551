// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package alert

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/cribwatch/bus"
	"github.com/Azure/cribwatch/errors"
	"github.com/Azure/cribwatch/event"
	"github.com/Azure/cribwatch/internal/container"
	"github.com/Azure/cribwatch/internal/log"
	"github.com/Azure/cribwatch/internal/options"
	"github.com/Azure/cribwatch/internal/wallclock"
	"github.com/Azure/cribwatch/metrics"
)

type (
	// Engine evaluates alert rules against the event stream. Rule timing
	// state is owned exclusively by ProcessEvent; everything readers touch
	// is snapshotted under the lock.
	Engine struct {
		transport *bus.Bus
		rules     []Rule
		states    []ruleState
		manager   *Manager
		health    *HealthMonitor
		buffer    *event.Buffer
		maxPause  time.Duration

		onAlert   func(*Alert)
		onState   func(*State)
		notifiers *container.List[Notifier]

		mu         sync.RWMutex
		current    map[string]*event.Event
		paused     bool
		pauseUntil time.Time

		listening atomic.Bool
		log       log.Logger
	}

	// State is a point-in-time snapshot of the overall alerting picture,
	// suitable for a dashboard poll.
	State struct {
		// Level is the worst level imposed by the active alerts.
		Level Level

		// ActiveAlerts are the unresolved alerts, oldest first.
		ActiveAlerts []*Alert

		// DetectorStates are the latest per-detector judgments.
		DetectorStates map[string]event.State

		// Paused reports whether alerting is paused, with PauseExpiry the
		// instant the pause lapses.
		Paused      bool
		PauseExpiry time.Time
	}

	// EngineOption represents a single engine option.
	EngineOption interface{ engine(*EngineOptions) }

	// EngineOptions are the resolved engine options.
	EngineOptions struct {
		// BufferCapacity bounds the recent-event buffer.
		BufferCapacity int

		// HistoryLimit bounds the resolved-alert history.
		HistoryLimit int

		// MaxPause caps a single pause request; longer requests are clamped.
		MaxPause time.Duration

		// DetectorTimeout is how long a detector may stay silent before it
		// is marked offline.
		DetectorTimeout time.Duration

		// HealthCheckInterval is how often detector liveness is swept.
		HealthCheckInterval time.Duration

		// OnAlert is invoked with each newly triggered alert.
		OnAlert func(*Alert)

		// OnStateChange is invoked with a fresh snapshot after anything the
		// snapshot reflects changes.
		OnStateChange func(*State)

		// OnDetectorOffline is invoked once per online-to-offline transition.
		OnDetectorOffline func(detector string, lastSeen time.Time)

		// Notifiers receive every triggered alert.
		Notifiers []Notifier

		Logger *slog.Logger
	}

	// WithBufferCapacity sets the recent-event buffer capacity.
	WithBufferCapacity int

	// WithHistoryLimit sets the resolved-alert history cap.
	WithHistoryLimit int

	// WithMaxPause caps a single pause request.
	WithMaxPause time.Duration

	// WithDetectorTimeout sets the detector liveness timeout.
	WithDetectorTimeout time.Duration

	// WithHealthCheckInterval sets the liveness sweep interval.
	WithHealthCheckInterval time.Duration

	// This option is not used directly; see WithAlertCallback below.
	withAlertCallback struct{ fn func(*Alert) }

	// This option is not used directly; see WithStateCallback below.
	withStateCallback struct{ fn func(*State) }

	// This option is not used directly; see WithOfflineCallback below.
	withOfflineCallback struct {
		fn func(detector string, lastSeen time.Time)
	}

	// This option is not used directly; see WithNotifier below.
	withNotifier struct{ n Notifier }

	// This option is not used directly; see WithLogger below.
	withLogger struct{ *slog.Logger }
)

// Pause bounds applied to operator pause requests.
const (
	DefaultPauseDuration = 5 * time.Minute
	DefaultMaxPause      = time.Hour
)

// New creates an alert engine evaluating the given rules.
func New(b *bus.Bus, rules []Rule, opt ...EngineOption) (*Engine, error) {
	var opts EngineOptions
	opts.Apply(opt)

	if b == nil {
		return nil, &errors.Error{
			Message:      "bus must not be nil",
			Kind:         errors.ArgumentInvalid,
			PropertyName: "bus",
		}
	}

	names := make(map[string]struct{}, len(rules))
	states := make([]ruleState, len(rules))
	for i := range rules {
		if err := rules[i].validate(); err != nil {
			return nil, err
		}
		if _, ok := names[rules[i].Name]; ok {
			return nil, &errors.Error{
				Message:       "duplicate rule name",
				Kind:          errors.ConfigurationInvalid,
				PropertyName:  "Name",
				PropertyValue: rules[i].Name,
			}
		}
		names[rules[i].Name] = struct{}{}
		states[i].conditionSince = make([]time.Time, len(rules[i].Conditions))
	}

	maxPause := opts.MaxPause
	if maxPause <= 0 {
		maxPause = DefaultMaxPause
	}

	e := &Engine{
		transport: b,
		rules:     rules,
		states:    states,
		manager:   NewManager(opts.HistoryLimit),
		buffer:    event.NewBuffer(opts.BufferCapacity),
		maxPause:  maxPause,

		onAlert:   opts.OnAlert,
		onState:   opts.OnStateChange,
		notifiers: container.NewList[Notifier](),

		current: make(map[string]*event.Event),

		log: log.Wrap(opts.Logger),
	}
	e.health = NewHealthMonitor(
		opts.DetectorTimeout,
		opts.HealthCheckInterval,
		opts.OnDetectorOffline,
		opts.Logger,
	)
	for _, n := range opts.Notifiers {
		e.notifiers.Append(n)
	}
	return e, nil
}

// Listen subscribes the engine to every bus topic and starts the detector
// liveness sweep. The returned closure stops both.
func (e *Engine) Listen(ctx context.Context) (func(), error) {
	if !e.listening.CompareAndSwap(false, true) {
		return nil, &errors.Error{
			Message: "alert engine is already listening",
			Kind:    errors.StateInvalid,
		}
	}

	sub, err := e.transport.NewSubscriber(e.ProcessEvent)
	if err != nil {
		e.listening.Store(false)
		return nil, err
	}

	done, err := bus.Listen(ctx, sub, e.health)
	if err != nil {
		e.listening.Store(false)
		return nil, err
	}

	return func() {
		done()
		e.listening.Store(false)
	}, nil
}

// ProcessEvent folds one event into the buffer, liveness tracking, and the
// per-detector snapshot, then evaluates every rule in registration order.
// Buffering and liveness happen even while paused; only rule evaluation is
// skipped. It may be called directly or via bus subscription.
func (e *Engine) ProcessEvent(ctx context.Context, ev *event.Event) {
	if ev == nil {
		return
	}

	e.buffer.Add(ev)
	e.health.Record(ev.Detector)

	now := wallclock.Instance.Now()

	e.mu.Lock()
	e.current[ev.Detector] = ev

	if e.paused {
		if now.Before(e.pauseUntil) {
			e.mu.Unlock()
			return
		}
		// The pause lapsed; alerting resumes with this event.
		e.paused = false
		e.pauseUntil = time.Time{}
	}

	var fired []*Alert
	for i := range e.rules {
		r := &e.rules[i]
		if !r.evaluate(&e.states[i], e.current, now) {
			continue
		}
		e.states[i].trigger(now)
		fired = append(fired, NewAlert(
			r.Severity,
			r.Name,
			renderMessage(r.Message, e.current),
			contributing(e.current),
		))
	}
	e.mu.Unlock()

	// Raising happens outside the lock so notifiers and callbacks can read
	// engine state without deadlocking.
	for _, a := range fired {
		e.raise(ctx, a)
	}
}

// Pause suspends rule evaluation until the returned expiry, clamping the
// requested duration to the configured maximum. Events continue to buffer
// and feed liveness while paused. Pausing again replaces the expiry.
func (e *Engine) Pause(ctx context.Context, d time.Duration) time.Time {
	if d <= 0 {
		d = DefaultPauseDuration
	}
	if d > e.maxPause {
		d = e.maxPause
	}
	expiry := wallclock.Instance.Now().Add(d)

	e.mu.Lock()
	e.paused = true
	e.pauseUntil = expiry
	e.mu.Unlock()

	e.log.Info(ctx, "alerting paused",
		slog.Duration("duration", d),
		slog.Time("expiry", expiry),
	)
	e.notifyState(ctx)
	return expiry
}

// Resume lifts a pause immediately. Resuming while not paused is a no-op.
func (e *Engine) Resume(ctx context.Context) {
	e.mu.Lock()
	wasPaused := e.paused
	e.paused = false
	e.pauseUntil = time.Time{}
	e.mu.Unlock()

	if wasPaused {
		e.log.Info(ctx, "alerting resumed")
		e.notifyState(ctx)
	}
}

// Acknowledge marks an active alert acknowledged, reporting false if the ID
// is not active.
func (e *Engine) Acknowledge(ctx context.Context, id string) bool {
	if !e.manager.Acknowledge(id) {
		return false
	}
	e.log.Info(ctx, "alert acknowledged", slog.String("id", id))
	e.notifyState(ctx)
	return true
}

// Resolve moves an active alert into history, reporting false if the ID is
// not active.
func (e *Engine) Resolve(ctx context.Context, id string) bool {
	if !e.manager.Resolve(id) {
		return false
	}
	e.log.Info(ctx, "alert resolved", slog.String("id", id))
	e.notifyState(ctx)
	return true
}

// Active returns the active alerts, oldest first.
func (e *Engine) Active() []*Alert {
	return e.manager.Active()
}

// History returns retained resolved alerts, oldest first, optionally
// filtered to those created at or after since.
func (e *Engine) History(since time.Time) []*Alert {
	return e.manager.History(since)
}

// Recent returns buffered events, optionally filtered by detector and
// minimum timestamp, keeping the most recent when limit truncates.
func (e *Engine) Recent(
	detector string,
	since time.Time,
	limit int,
) []*event.Event {
	return e.buffer.Select(detector, since, limit)
}

// Health returns the engine's detector liveness monitor.
func (e *Engine) Health() *HealthMonitor {
	return e.health
}

// RegisterNotifier adds a delivery channel for future alerts, returning a
// function that removes it again.
func (e *Engine) RegisterNotifier(n Notifier) func() {
	return e.notifiers.Append(n)
}

// CurrentState returns a point-in-time snapshot of the alerting picture. An
// expired pause is reported as not paused even before the next event clears
// it.
func (e *Engine) CurrentState() *State {
	e.mu.RLock()
	paused := e.paused
	expiry := e.pauseUntil
	detectorStates := make(map[string]event.State, len(e.current))
	for detector, ev := range e.current {
		detectorStates[detector] = ev.State
	}
	e.mu.RUnlock()

	if paused && !wallclock.Instance.Now().Before(expiry) {
		paused = false
		expiry = time.Time{}
	}

	active := e.manager.Active()
	level := LevelOK
	for _, a := range active {
		if l := a.Severity.Level(); l > level {
			level = l
		}
	}

	return &State{
		Level:          level,
		ActiveAlerts:   active,
		DetectorStates: detectorStates,
		Paused:         paused,
		PauseExpiry:    expiry,
	}
}

// raise registers a new alert and fans it out to callbacks and notifiers.
func (e *Engine) raise(ctx context.Context, a *Alert) {
	if !e.manager.Add(a) {
		return
	}

	metrics.AlertsTriggered.
		WithLabelValues(a.RuleName, a.Severity.String()).Inc()
	e.log.Warn(ctx, "alert triggered",
		slog.String("id", a.ID),
		slog.String("rule", a.RuleName),
		slog.String("severity", a.Severity.String()),
		slog.String("message", a.Message),
	)

	if e.onAlert != nil {
		e.notifyAlert(ctx, a)
	}
	e.notifyState(ctx)

	for n := range e.notifiers.All() {
		e.deliver(ctx, n, a)
	}
}

// deliver invokes one notifier with panic isolation; a failed or panicking
// notifier is logged and the rest still run.
func (e *Engine) deliver(ctx context.Context, n Notifier, a *Alert) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Warn(ctx, "notifier panicked",
				slog.Any("panic", p),
				slog.String("id", a.ID))
		}
	}()
	if !n.Notify(ctx, a) {
		e.log.Warn(ctx, "notifier delivery failed",
			slog.String("id", a.ID),
			slog.String("rule", a.RuleName))
	}
}

// notifyAlert invokes the alert callback with panic isolation.
func (e *Engine) notifyAlert(ctx context.Context, a *Alert) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Warn(ctx, "alert callback panicked",
				slog.Any("panic", p),
				slog.String("id", a.ID))
		}
	}()
	e.onAlert(a)
}

// notifyState invokes the state-change callback with a fresh snapshot.
func (e *Engine) notifyState(ctx context.Context) {
	if e.onState == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			e.log.Warn(ctx, "state callback panicked", slog.Any("panic", p))
		}
	}()
	e.onState(e.CurrentState())
}

// contributing snapshots the currently-known events, sorted by detector for
// a stable listing.
func contributing(current map[string]*event.Event) []*event.Event {
	events := make([]*event.Event, 0, len(current))
	for _, e := range current {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Detector < events[j].Detector
	})
	return events
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

func (o WithBufferCapacity) engine(opt *EngineOptions) {
	opt.BufferCapacity = int(o)
}

func (o WithHistoryLimit) engine(opt *EngineOptions) {
	opt.HistoryLimit = int(o)
}

func (o WithMaxPause) engine(opt *EngineOptions) {
	opt.MaxPause = time.Duration(o)
}

func (o WithDetectorTimeout) engine(opt *EngineOptions) {
	opt.DetectorTimeout = time.Duration(o)
}

func (o WithHealthCheckInterval) engine(opt *EngineOptions) {
	opt.HealthCheckInterval = time.Duration(o)
}

// WithAlertCallback registers a callback invoked with each newly triggered
// alert.
func WithAlertCallback(fn func(*Alert)) EngineOption {
	return withAlertCallback{fn}
}

func (o withAlertCallback) engine(opt *EngineOptions) {
	opt.OnAlert = o.fn
}

// WithStateCallback registers a callback invoked with a fresh snapshot
// whenever the alerting picture changes.
func WithStateCallback(fn func(*State)) EngineOption {
	return withStateCallback{fn}
}

func (o withStateCallback) engine(opt *EngineOptions) {
	opt.OnStateChange = o.fn
}

// WithOfflineCallback registers a callback invoked once per detector
// online-to-offline transition.
func WithOfflineCallback(fn func(detector string, lastSeen time.Time)) EngineOption {
	return withOfflineCallback{fn}
}

func (o withOfflineCallback) engine(opt *EngineOptions) {
	opt.OnDetectorOffline = o.fn
}

// WithNotifier adds an alert delivery channel.
func WithNotifier(n Notifier) EngineOption {
	return withNotifier{n}
}

func (o withNotifier) engine(opt *EngineOptions) {
	opt.Notifiers = append(opt.Notifiers, o.n)
}

// WithLogger enables logging with the provided slog logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return withLogger{logger}
}

func (o withLogger) engine(opt *EngineOptions) {
	opt.Logger = o.Logger
}
