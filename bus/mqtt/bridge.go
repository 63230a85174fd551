// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Azure/cribwatch/bus"
	"github.com/Azure/cribwatch/detector"
	"github.com/Azure/cribwatch/errors"
	"github.com/Azure/cribwatch/event"
	"github.com/Azure/cribwatch/internal/log"
	"github.com/Azure/cribwatch/internal/options"
	"github.com/Azure/cribwatch/metrics"
)

// Broker topic layout. Detector front ends publish binary events under
// their own id; the bridge republishes fused channels for external
// consumers such as the dashboard process.
const (
	// EventTopicPrefix is where front ends publish detector events.
	EventTopicPrefix = "cribwatch/events/"

	// FusionTopicPrefix is where the bridge republishes fused signals.
	FusionTopicPrefix = "cribwatch/fusion/"

	// AnnounceTopicPrefix is where front ends announce themselves.
	AnnounceTopicPrefix = "cribwatch/announce/"
)

// DefaultOutboundTopic is the bus filter selecting events relayed to the
// broker when none is configured: every fused channel.
const DefaultOutboundTopic = "fusion.#"

// fusedPrefix is the synthetic detector prefix of fused channels. It is
// part of the event wire contract, so external publishers must not use it.
const fusedPrefix = "fusion."

// eventContentType is the MQTT content type of bridged events.
const eventContentType = "application/cbor"

type (
	// Bridge relays events between the in-process bus and an MQTT broker.
	// Inbound, it decodes detector events published by out-of-process front
	// ends and puts them on the bus; outbound, it republishes fused signals
	// for external consumers. Both directions are at-most-once: a payload
	// that cannot be decoded or delivered is dropped and counted, never
	// retried.
	Bridge struct {
		transport *bus.Bus
		pub       *bus.Publisher
		client    Client
		outbound  []string
		announce  func(context.Context, *detector.Announce)

		listening atomic.Bool
		log       log.Logger
	}

	// BridgeOption represents a single bridge option.
	BridgeOption interface{ bridge(*BridgeOptions) }

	// BridgeOptions are the resolved bridge options.
	BridgeOptions struct {
		// OutboundTopics are the bus topic filters relayed to the broker;
		// empty relays the fused channels.
		OutboundTopics []string

		// AnnounceCallback is invoked for each detector announcement.
		AnnounceCallback func(context.Context, *detector.Announce)

		Logger *slog.Logger
	}

	// WithOutboundTopics sets the bus topic filters relayed to the broker.
	WithOutboundTopics []string
)

// NewBridge creates a bridge between the bus and the broker client. It
// relays nothing until Listen is called.
func NewBridge(b *bus.Bus, client Client, opt ...BridgeOption) (*Bridge, error) {
	var opts BridgeOptions
	opts.Apply(opt)

	if b == nil {
		return nil, &errors.Error{
			Message:      "bus must not be nil",
			Kind:         errors.ArgumentInvalid,
			PropertyName: "bus",
		}
	}
	if client == nil {
		return nil, &errors.Error{
			Message:      "client must not be nil",
			Kind:         errors.ArgumentInvalid,
			PropertyName: "client",
		}
	}

	outbound := opts.OutboundTopics
	if len(outbound) == 0 {
		outbound = []string{DefaultOutboundTopic}
	}

	return &Bridge{
		transport: b,
		pub:       b.NewPublisher(),
		client:    client,
		outbound:  outbound,
		announce:  opts.AnnounceCallback,
		log:       log.Wrap(opts.Logger),
	}, nil
}

// Listen subscribes both directions of the bridge: detector events and
// announcements from the broker, and outbound topics from the bus. It
// returns a closure that unwires them all.
func (b *Bridge) Listen(ctx context.Context) (func(), error) {
	if !b.listening.CompareAndSwap(false, true) {
		return nil, &errors.Error{
			Message: "bridge is already listening",
			Kind:    errors.StateInvalid,
		}
	}

	var cleanup []func()
	fail := func(err error) (func(), error) {
		for _, fn := range cleanup {
			fn()
		}
		b.listening.Store(false)
		return nil, err
	}

	// NoLocal keeps republished events from echoing back through our own
	// subscription when the outbound filters overlap the event topics.
	events, err := b.client.Subscribe(
		ctx,
		EventTopicPrefix+"#",
		b.receiveEvent,
		WithNoLocal(true),
	)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, func() { b.unsubscribe(events) })

	announce, err := b.client.Subscribe(
		ctx,
		AnnounceTopicPrefix+"+",
		b.receiveAnnounce,
	)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, func() { b.unsubscribe(announce) })

	sub, err := b.transport.NewSubscriber(
		b.relay,
		bus.WithTopics(b.outbound),
	)
	if err != nil {
		return fail(err)
	}
	stop, err := sub.Listen(ctx)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, stop)

	b.log.Info(ctx, "bridge listening",
		slog.String("client_id", b.client.ClientID()),
		slog.Any("outbound", b.outbound))

	return sync.OnceFunc(func() {
		for _, fn := range cleanup {
			fn()
		}
		b.listening.Store(false)
	}), nil
}

// receiveEvent decodes an inbound detector event and publishes it onto the
// bus. Malformed payloads and reserved detector ids are dropped.
func (b *Bridge) receiveEvent(ctx context.Context, msg *Message) error {
	e, err := event.Decode(msg.Payload)
	if err != nil {
		metrics.BridgeDropped.WithLabelValues("inbound").Inc()
		b.log.Warn(ctx, "malformed event dropped",
			slog.String("topic", msg.Topic),
			slog.String("error", err.Error()))
		return nil
	}

	// Fused channel ids belong to the fusion engine; an external publisher
	// cannot impersonate one.
	if strings.HasPrefix(e.Detector, fusedPrefix) {
		metrics.BridgeDropped.WithLabelValues("inbound").Inc()
		b.log.Warn(ctx, "reserved detector id dropped",
			slog.String("topic", msg.Topic),
			slog.String("detector", e.Detector))
		return nil
	}

	if b.log.Enabled(ctx, slog.LevelDebug) {
		b.log.Debug(ctx, "event bridged", log.Value("event", e))
	}

	metrics.BridgeRelayed.WithLabelValues("inbound").Inc()
	return b.pub.Send(ctx, e)
}

// receiveAnnounce decodes a detector announcement and notifies the callback.
func (b *Bridge) receiveAnnounce(ctx context.Context, msg *Message) error {
	a, err := detector.ParseAnnounce(msg.Payload)
	if err != nil {
		metrics.BridgeDropped.WithLabelValues("inbound").Inc()
		b.log.Warn(ctx, "malformed announce dropped",
			slog.String("topic", msg.Topic),
			slog.String("error", err.Error()))
		return nil
	}

	b.log.Info(ctx, "detector announced",
		slog.String("detector", a.Detector),
		slog.String("kind", a.Kind),
		slog.String("firmware_version", a.FirmwareVersion))

	if b.announce != nil {
		b.notifyAnnounce(ctx, a)
	}
	return nil
}

// notifyAnnounce invokes the announce callback with panic isolation.
func (b *Bridge) notifyAnnounce(ctx context.Context, a *detector.Announce) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Warn(ctx, "announce callback panicked",
				slog.Any("panic", p),
				slog.String("detector", a.Detector))
		}
	}()
	b.announce(ctx, a)
}

// relay republishes a bus event to the broker.
func (b *Bridge) relay(ctx context.Context, e *event.Event) {
	data, err := e.Encode()
	if err != nil {
		metrics.BridgeDropped.WithLabelValues("outbound").Inc()
		b.log.Err(ctx, err, slog.String("detector", e.Detector))
		return
	}

	topic := outboundTopic(e.Detector)
	err = b.client.Publish(ctx, topic, data,
		WithContentType(eventContentType))
	if err != nil {
		metrics.BridgeDropped.WithLabelValues("outbound").Inc()
		b.log.Err(ctx, err, slog.String("topic", topic))
		return
	}
	metrics.BridgeRelayed.WithLabelValues("outbound").Inc()
}

// unsubscribe closes a broker subscription, logging rather than failing on
// error since it runs during teardown.
func (b *Bridge) unsubscribe(sub Subscription) {
	ctx := context.Background()
	if err := sub.Unsubscribe(ctx); err != nil {
		b.log.Err(ctx, err)
	}
}

// outboundTopic maps a bus topic to its broker topic. Fused channels are
// republished under FusionTopicPrefix; anything else keeps the detector
// event layout.
func outboundTopic(detector string) string {
	if strings.HasPrefix(detector, fusedPrefix) {
		return FusionTopicPrefix + strings.TrimPrefix(detector, fusedPrefix)
	}
	return EventTopicPrefix + detector
}

// Apply resolves the provided list of options.
func (o *BridgeOptions) Apply(opts []BridgeOption, rest ...BridgeOption) {
	for opt := range options.Apply[BridgeOption](opts, rest...) {
		opt.bridge(o)
	}
}

func (o *BridgeOptions) bridge(opt *BridgeOptions) {
	if o != nil {
		*opt = *o
	}
}

func (o WithOutboundTopics) bridge(opt *BridgeOptions) {
	opt.OutboundTopics = append(opt.OutboundTopics, o...)
}

// WithAnnounceCallback registers a callback invoked for each detector
// announcement received over the bridge.
func WithAnnounceCallback(
	fn func(context.Context, *detector.Announce),
) BridgeOption {
	return withAnnounceCallback{fn}
}

type withAnnounceCallback struct {
	fn func(context.Context, *detector.Announce)
}

func (o withAnnounceCallback) bridge(opt *BridgeOptions) {
	opt.AnnounceCallback = o.fn
}

func (o withLogger) bridge(opt *BridgeOptions) {
	opt.Logger = o.Logger
}
