// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package monitor assembles the decision pipeline and exposes the read-only
// query surface a dashboard polls: the current alerting picture, recent
// events, active and historical alerts, acknowledge/resolve by id, and
// pause/resume. Side-effect-bearing calls are idempotent or explicitly
// rejected; an unknown alert id reports NotFound rather than failing
// silently.
package monitor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Azure/cribwatch/alert"
	"github.com/Azure/cribwatch/bus"
	"github.com/Azure/cribwatch/errors"
	"github.com/Azure/cribwatch/event"
	"github.com/Azure/cribwatch/fusion"
	"github.com/Azure/cribwatch/internal/log"
	"github.com/Azure/cribwatch/internal/options"
)

type (
	// Monitor is the dashboard-facing facade over the decision pipeline. It
	// runs the engines' lifecycle as one unit; all queries delegate to the
	// engines' own snapshot methods and never expose mutable state.
	Monitor struct {
		transport *bus.Bus
		fusion    *fusion.Engine
		alerts    *alert.Engine
		extra     []bus.Listener

		listening atomic.Bool
		log       log.Logger
	}

	// Option represents a single monitor option.
	Option interface{ monitor(*Options) }

	// Options are the resolved monitor options.
	Options struct {
		// Listeners are additional components started and stopped with the
		// engines, such as a broker bridge.
		Listeners []bus.Listener

		Logger *slog.Logger
	}

	// This option is not used directly; see WithListener below.
	withListener struct{ l bus.Listener }

	// This option is not used directly; see WithLogger below.
	withLogger struct{ *slog.Logger }
)

// New assembles a monitor over the given engines. Nothing runs until Listen
// is called.
func New(
	b *bus.Bus,
	fusionEngine *fusion.Engine,
	alertEngine *alert.Engine,
	opt ...Option,
) (*Monitor, error) {
	var opts Options
	opts.Apply(opt)

	if b == nil {
		return nil, &errors.Error{
			Message:      "bus must not be nil",
			Kind:         errors.ArgumentInvalid,
			PropertyName: "bus",
		}
	}
	if fusionEngine == nil {
		return nil, &errors.Error{
			Message:      "fusion engine must not be nil",
			Kind:         errors.ArgumentInvalid,
			PropertyName: "fusionEngine",
		}
	}
	if alertEngine == nil {
		return nil, &errors.Error{
			Message:      "alert engine must not be nil",
			Kind:         errors.ArgumentInvalid,
			PropertyName: "alertEngine",
		}
	}

	return &Monitor{
		transport: b,
		fusion:    fusionEngine,
		alerts:    alertEngine,
		extra:     opts.Listeners,
		log:       log.Wrap(opts.Logger),
	}, nil
}

// Listen starts the engines and any additional listeners, stopping the
// already-started ones if any fails. The returned closure stops them all.
func (m *Monitor) Listen(ctx context.Context) (func(), error) {
	if !m.listening.CompareAndSwap(false, true) {
		return nil, &errors.Error{
			Message: "monitor is already listening",
			Kind:    errors.StateInvalid,
		}
	}

	listeners := make([]bus.Listener, 0, 2+len(m.extra))
	listeners = append(listeners, m.fusion, m.alerts)
	listeners = append(listeners, m.extra...)

	done, err := bus.Listen(ctx, listeners...)
	if err != nil {
		m.listening.Store(false)
		return nil, err
	}

	m.log.Info(ctx, "monitor listening")
	return func() {
		done()
		m.listening.Store(false)
	}, nil
}

// State returns a point-in-time snapshot of the alerting picture.
func (m *Monitor) State() *alert.State {
	return m.alerts.CurrentState()
}

// RecentEvents returns buffered events, optionally filtered by detector and
// minimum timestamp, keeping the most recent when limit truncates. An empty
// detector matches everything.
func (m *Monitor) RecentEvents(
	detector string,
	since time.Time,
	limit int,
) []*event.Event {
	return m.alerts.Recent(detector, since, limit)
}

// ActiveAlerts returns the unresolved alerts, oldest first.
func (m *Monitor) ActiveAlerts() []*alert.Alert {
	return m.alerts.Active()
}

// AlertHistory returns retained resolved alerts, oldest first, optionally
// filtered to those created at or after since.
func (m *Monitor) AlertHistory(since time.Time) []*alert.Alert {
	return m.alerts.History(since)
}

// Acknowledge marks an active alert acknowledged. Acknowledging an alert
// that is not active reports NotFound.
func (m *Monitor) Acknowledge(ctx context.Context, id string) error {
	if !m.alerts.Acknowledge(ctx, id) {
		return notFound(id)
	}
	return nil
}

// Resolve moves an active alert into history. Resolving an alert that is
// not active reports NotFound.
func (m *Monitor) Resolve(ctx context.Context, id string) error {
	if !m.alerts.Resolve(ctx, id) {
		return notFound(id)
	}
	return nil
}

// Pause suspends alerting for the duration, clamped to the engine's
// configured maximum, returning the pause expiry.
func (m *Monitor) Pause(ctx context.Context, d time.Duration) time.Time {
	return m.alerts.Pause(ctx, d)
}

// Resume lifts a pause immediately.
func (m *Monitor) Resume(ctx context.Context) {
	m.alerts.Resume(ctx)
}

// Channel returns an isolated copy of a channel's current fused signal, or
// nil if the channel has not fused yet or is unknown.
func (m *Monitor) Channel(name string) *fusion.FusedSignal {
	return m.fusion.GetChannel(name)
}

// Channels returns isolated copies of every channel's current fused signal.
func (m *Monitor) Channels() map[string]*fusion.FusedSignal {
	return m.fusion.GetAllChannels()
}

// DetectorHealth returns the per-detector liveness reports, sorted by
// detector id.
func (m *Monitor) DetectorHealth() []alert.DetectorStatus {
	return m.alerts.Health().Statuses()
}

// OfflineDetectors returns the detectors currently considered offline.
func (m *Monitor) OfflineDetectors() []string {
	return m.alerts.Health().Offline()
}

// RegisterNotifier adds an alert delivery channel for future alerts,
// returning a function that removes it again.
func (m *Monitor) RegisterNotifier(n alert.Notifier) func() {
	return m.alerts.RegisterNotifier(n)
}

// notFound reports an alert id that matched nothing active.
func notFound(id string) error {
	return &errors.Error{
		Message:       "no active alert with this id",
		Kind:          errors.NotFound,
		PropertyName:  "id",
		PropertyValue: id,
	}
}

// Apply resolves the provided list of options.
func (o *Options) Apply(opts []Option, rest ...Option) {
	for opt := range options.Apply[Option](opts, rest...) {
		opt.monitor(o)
	}
}

func (o *Options) monitor(opt *Options) {
	if o != nil {
		*opt = *o
	}
}

// WithListener adds a component started and stopped with the engines.
func WithListener(l bus.Listener) Option {
	return withListener{l}
}

func (o withListener) monitor(opt *Options) {
	opt.Listeners = append(opt.Listeners, o.l)
}

// WithLogger enables logging with the provided slog logger.
func WithLogger(logger *slog.Logger) Option {
	return withLogger{logger}
}

func (o withLogger) monitor(opt *Options) {
	opt.Logger = o.Logger
}
