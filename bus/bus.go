// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package bus provides the topic-addressed publish/subscribe transport that
// connects detectors to the monitor core. Delivery is at-most-once and
// best-effort: each subscriber owns a bounded queue drained by its own
// receive loop, so a slow or failing subscriber can never stall a publisher,
// and a subscriber that is not listening when an event is published never
// sees it. Within one publisher→subscriber path events arrive in publish
// order; across detectors there is no ordering guarantee.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Azure/cribwatch/errors"
	"github.com/Azure/cribwatch/event"
	"github.com/Azure/cribwatch/internal/container"
	"github.com/Azure/cribwatch/internal/log"
	"github.com/Azure/cribwatch/internal/options"
	"github.com/Azure/cribwatch/metrics"
)

type (
	// Bus is the in-process event transport. The zero value is not usable;
	// create instances with New.
	Bus struct {
		subscribers *container.List[*registration]
		queueSize   int
		log         log.Logger
	}

	// Handler is the user-provided callback invoked for each delivered
	// event. It runs on the subscriber's receive loop, so a single
	// subscriber's events are handled serially; a panic is isolated and
	// logged rather than propagated.
	Handler = func(context.Context, *event.Event)

	// Publisher is a handle for publishing events onto the bus. The event's
	// detector id is its topic.
	Publisher struct {
		bus *Bus
	}

	// Subscriber is a handle receiving matching events via its callback. It
	// must be explicitly run with Listen and stopped with the returned
	// closure; it receives nothing before Listen or after stop.
	Subscriber struct {
		bus       *Bus
		topics    []string
		handler   Handler
		queueSize int
		log       log.Logger

		listening atomic.Bool
	}

	// registration is one listening subscriber's delivery endpoint.
	registration struct {
		topics []string
		queue  *container.Queue[*event.Event]
	}

	// Listener represents a component with a Listen lifecycle, such as a
	// subscriber or an engine driven by one.
	Listener interface {
		Listen(context.Context) (func(), error)
	}

	// Option represents a single bus option.
	Option interface{ bus(*Options) }

	// Options are the resolved bus options.
	Options struct {
		// QueueSize bounds each subscriber's delivery queue. Events beyond
		// it are dropped rather than queued.
		QueueSize int

		Logger *slog.Logger
	}

	// SubscriberOption represents a single subscriber option.
	SubscriberOption interface{ subscriber(*SubscriberOptions) }

	// SubscriberOptions are the resolved subscriber options.
	SubscriberOptions struct {
		// Topics are the topic filters to receive; empty subscribes to
		// everything.
		Topics []string

		// QueueSize overrides the bus-level queue bound for this subscriber.
		QueueSize int

		Logger *slog.Logger
	}

	// WithQueueSize sets the delivery queue bound.
	WithQueueSize int

	// WithTopics sets the subscriber's topic filters.
	WithTopics []string

	// This option is not used directly; see WithLogger below.
	withLogger struct{ *slog.Logger }
)

// DefaultQueueSize bounds a subscriber's delivery queue when no explicit
// size is configured.
const DefaultQueueSize = 128

// New creates an event bus.
func New(opt ...Option) *Bus {
	var opts Options
	opts.Apply(opt)

	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &Bus{
		subscribers: container.NewList[*registration](),
		queueSize:   queueSize,
		log:         log.Wrap(opts.Logger),
	}
}

// NewPublisher creates a publisher handle on the bus.
func (b *Bus) NewPublisher() *Publisher {
	return &Publisher{bus: b}
}

// NewSubscriber creates a subscriber with the given callback. It receives no
// events until Listen is called.
func (b *Bus) NewSubscriber(
	handler Handler,
	opt ...SubscriberOption,
) (*Subscriber, error) {
	var opts SubscriberOptions
	opts.Apply(opt)

	if handler == nil {
		return nil, &errors.Error{
			Message:      "handler must not be nil",
			Kind:         errors.ArgumentInvalid,
			PropertyName: "handler",
		}
	}

	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = b.queueSize
	}

	logger := b.log
	if opts.Logger != nil {
		logger = log.Wrap(opts.Logger)
	}

	return &Subscriber{
		bus:       b,
		topics:    opts.Topics,
		handler:   handler,
		queueSize: queueSize,
		log:       logger,
	}, nil
}

// Send makes the event available to every listening subscriber whose filter
// matches the event's detector id. A publish with no matching subscribers is
// not an error; a subscriber whose queue is full simply misses the event.
func (p *Publisher) Send(ctx context.Context, e *event.Event) error {
	if e == nil {
		return &errors.Error{
			Message:      "event must not be nil",
			Kind:         errors.ArgumentInvalid,
			PropertyName: "event",
		}
	}

	metrics.EventsPublished.WithLabelValues(e.Detector).Inc()

	for reg := range p.bus.subscribers.All() {
		if !matchesAny(reg.topics, e.Detector) {
			continue
		}
		if !reg.queue.Send(e) {
			metrics.EventsDropped.WithLabelValues(e.Detector).Inc()
			p.bus.log.Warn(ctx, "subscriber queue full, event dropped",
				slog.String("topic", e.Detector),
				slog.Uint64("sequence", e.Sequence))
		}
	}
	return nil
}

// Listen registers the subscriber and starts its receive loop. It returns a
// closure that stops the loop; stopping is idempotent and safe to invoke
// concurrently with an in-flight delivery, which is allowed to complete.
func (s *Subscriber) Listen(ctx context.Context) (func(), error) {
	if !s.listening.CompareAndSwap(false, true) {
		return nil, &errors.Error{
			Message: "subscriber is already listening",
			Kind:    errors.StateInvalid,
		}
	}

	reg := &registration{
		topics: s.topics,
		queue:  container.NewQueue[*event.Event](s.queueSize),
	}
	remove := s.bus.subscribers.Append(reg)

	go s.receive(ctx, reg.queue)

	return sync.OnceFunc(func() {
		// Unregister first so no further events are accepted, then close the
		// queue so the loop drains what was already delivered and exits.
		remove()
		reg.queue.Close()
		s.listening.Store(false)
	}), nil
}

// receive drains the queue, dispatching each event to the callback. It exits
// when the queue closes or the context is done, never blocking indefinitely
// on either.
func (s *Subscriber) receive(
	ctx context.Context,
	queue *container.Queue[*event.Event],
) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-queue.C():
			if !ok {
				return
			}
			s.dispatch(ctx, e)
		}
	}
}

// dispatch invokes the callback with panic isolation, so one misbehaving
// subscriber cannot stop delivery to others or crash a publisher.
func (s *Subscriber) dispatch(ctx context.Context, e *event.Event) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Warn(ctx, "subscriber callback panicked",
				slog.Any("panic", p),
				slog.String("topic", e.Detector))
		}
	}()
	s.handler(ctx, e)
}

// Listen starts all of the provided listeners, stopping the already-started
// ones if any fails. The returned closure stops them all.
func Listen(ctx context.Context, listeners ...Listener) (func(), error) {
	done := make([]func(), 0, len(listeners))
	for _, l := range listeners {
		c, err := l.Listen(ctx)
		if err != nil {
			for _, fn := range done {
				fn()
			}
			return nil, err
		}
		done = append(done, c)
	}
	return func() {
		for _, fn := range done {
			fn()
		}
	}, nil
}

// Apply resolves the provided list of options.
func (o *Options) Apply(opts []Option, rest ...Option) {
	for opt := range options.Apply[Option](opts, rest...) {
		opt.bus(o)
	}
}

func (o *Options) bus(opt *Options) {
	if o != nil {
		*opt = *o
	}
}

// Apply resolves the provided list of options.
func (o *SubscriberOptions) Apply(
	opts []SubscriberOption,
	rest ...SubscriberOption,
) {
	for opt := range options.Apply[SubscriberOption](opts, rest...) {
		opt.subscriber(o)
	}
}

func (o *SubscriberOptions) subscriber(opt *SubscriberOptions) {
	if o != nil {
		*opt = *o
	}
}

func (o WithQueueSize) bus(opt *Options) {
	opt.QueueSize = int(o)
}

func (o WithQueueSize) subscriber(opt *SubscriberOptions) {
	opt.QueueSize = int(o)
}

func (o WithTopics) subscriber(opt *SubscriberOptions) {
	opt.Topics = append(opt.Topics, o...)
}

// WithLogger enables logging with the provided slog logger.
func WithLogger(logger *slog.Logger) interface {
	Option
	SubscriberOption
} {
	return withLogger{logger}
}

func (o withLogger) bus(opt *Options) {
	opt.Logger = o.Logger
}

func (o withLogger) subscriber(opt *SubscriberOptions) {
	opt.Logger = o.Logger
}
