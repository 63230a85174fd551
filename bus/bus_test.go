// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package bus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Azure/cribwatch/bus"
	"github.com/Azure/cribwatch/errors"
	"github.com/Azure/cribwatch/event"
	"github.com/stretchr/testify/require"
)

// collector gathers delivered events and signals each arrival.
type collector struct {
	mu       sync.Mutex
	events   []*event.Event
	received chan struct{}
}

func newCollector(expected int) *collector {
	return &collector{received: make(chan struct{}, expected)}
}

func (c *collector) handle(_ context.Context, e *event.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	c.received <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []*event.Event {
	t.Helper()
	for range n {
		select {
		case <-c.received:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*event.Event{}, c.events...)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func publish(
	t *testing.T,
	pub *bus.Publisher,
	src *event.Source,
	value map[string]any,
) *event.Event {
	t.Helper()
	e, err := src.Event(event.StateNormal, 0.9, value)
	require.NoError(t, err)
	require.NoError(t, pub.Send(context.Background(), e))
	return e
}

func TestPublishDelivery(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	pub := b.NewPublisher()
	src := event.NewSource("radar", "")

	c := newCollector(1)
	sub, err := b.NewSubscriber(c.handle, bus.WithTopics{"radar"})
	require.NoError(t, err)

	stop, err := sub.Listen(ctx)
	require.NoError(t, err)
	t.Cleanup(stop)

	sent := publish(t, pub, src, map[string]any{"respiration_rate": 28.0})

	got := c.wait(t, 1)
	require.Len(t, got, 1)
	require.Same(t, sent, got[0])
}

func TestTopicFiltering(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	pub := b.NewPublisher()

	fused := newCollector(2)
	fusedSub, err := b.NewSubscriber(fused.handle, bus.WithTopics{"fusion.#"})
	require.NoError(t, err)
	stopFused, err := fusedSub.Listen(ctx)
	require.NoError(t, err)
	t.Cleanup(stopFused)

	all := newCollector(3)
	allSub, err := b.NewSubscriber(all.handle)
	require.NoError(t, err)
	stopAll, err := allSub.Listen(ctx)
	require.NoError(t, err)
	t.Cleanup(stopAll)

	publish(t, pub, event.NewSource("radar", ""), nil)
	publish(t, pub, event.NewSource("fusion.respiration_rate", ""), nil)
	publish(t, pub, event.NewSource("fusion.heart_rate", ""), nil)

	// The unfiltered subscriber sees everything.
	gotAll := all.wait(t, 3)
	require.Len(t, gotAll, 3)

	// The filtered subscriber sees only the fused channels.
	gotFused := fused.wait(t, 2)
	require.Len(t, gotFused, 2)
	for _, e := range gotFused {
		require.Contains(t, e.Detector, "fusion.")
	}
}

func TestDeliveryOrder(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	pub := b.NewPublisher()
	src := event.NewSource("radar", "")

	c := newCollector(20)
	sub, err := b.NewSubscriber(c.handle)
	require.NoError(t, err)
	stop, err := sub.Listen(ctx)
	require.NoError(t, err)
	t.Cleanup(stop)

	for range 20 {
		publish(t, pub, src, nil)
	}

	got := c.wait(t, 20)
	require.Len(t, got, 20)
	for i, e := range got {
		require.Equal(t, uint64(i+1), e.Sequence)
	}
}

func TestNoDeliveryBeforeListen(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	pub := b.NewPublisher()
	src := event.NewSource("radar", "")

	c := newCollector(1)
	sub, err := b.NewSubscriber(c.handle)
	require.NoError(t, err)

	// Published before Listen, so never delivered.
	publish(t, pub, src, nil)

	stop, err := sub.Listen(ctx)
	require.NoError(t, err)
	t.Cleanup(stop)

	sent := publish(t, pub, src, nil)

	got := c.wait(t, 1)
	require.Len(t, got, 1)
	require.Same(t, sent, got[0])
}

func TestStop(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	pub := b.NewPublisher()
	src := event.NewSource("radar", "")

	c := newCollector(2)
	sub, err := b.NewSubscriber(c.handle)
	require.NoError(t, err)

	stop, err := sub.Listen(ctx)
	require.NoError(t, err)

	publish(t, pub, src, nil)
	c.wait(t, 1)

	stop()
	publish(t, pub, src, nil)

	// Stopping again is a no-op.
	stop()

	require.Equal(t, 1, c.len())

	// A stopped subscriber can listen again.
	stop, err = sub.Listen(ctx)
	require.NoError(t, err)
	t.Cleanup(stop)

	publish(t, pub, src, nil)
	c.wait(t, 1)
	require.Equal(t, 2, c.len())
}

func TestListenTwice(t *testing.T) {
	ctx := context.Background()
	b := bus.New()

	sub, err := b.NewSubscriber(func(context.Context, *event.Event) {})
	require.NoError(t, err)

	stop, err := sub.Listen(ctx)
	require.NoError(t, err)
	t.Cleanup(stop)

	_, err = sub.Listen(ctx)
	require.Error(t, err)

	e, ok := err.(*errors.Error)
	require.True(t, ok)
	require.Equal(t, errors.StateInvalid, e.Kind)
}

func TestNilHandler(t *testing.T) {
	b := bus.New()

	_, err := b.NewSubscriber(nil)
	require.Error(t, err)

	e, ok := err.(*errors.Error)
	require.True(t, ok)
	require.Equal(t, errors.ArgumentInvalid, e.Kind)
}

func TestNilEvent(t *testing.T) {
	b := bus.New()
	pub := b.NewPublisher()

	err := pub.Send(context.Background(), nil)
	require.Error(t, err)

	e, ok := err.(*errors.Error)
	require.True(t, ok)
	require.Equal(t, errors.ArgumentInvalid, e.Kind)
}

func TestPanicIsolation(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	pub := b.NewPublisher()
	src := event.NewSource("radar", "")

	faulty := newCollector(2)
	faultySub, err := b.NewSubscriber(func(ctx context.Context, e *event.Event) {
		faulty.handle(ctx, e)
		if e.Sequence == 1 {
			panic("handler failure")
		}
	})
	require.NoError(t, err)
	stopFaulty, err := faultySub.Listen(ctx)
	require.NoError(t, err)
	t.Cleanup(stopFaulty)

	healthy := newCollector(2)
	healthySub, err := b.NewSubscriber(healthy.handle)
	require.NoError(t, err)
	stopHealthy, err := healthySub.Listen(ctx)
	require.NoError(t, err)
	t.Cleanup(stopHealthy)

	publish(t, pub, src, nil)
	publish(t, pub, src, nil)

	// The panic neither kills the faulty subscriber's loop nor affects the
	// healthy one.
	require.Len(t, faulty.wait(t, 2), 2)
	require.Len(t, healthy.wait(t, 2), 2)
}

func TestQueueOverflow(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	pub := b.NewPublisher()
	src := event.NewSource("radar", "")

	entered := make(chan struct{})
	gate := make(chan struct{})
	c := newCollector(2)
	sub, err := b.NewSubscriber(func(ctx context.Context, e *event.Event) {
		if e.Sequence == 1 {
			close(entered)
			<-gate
		}
		c.handle(ctx, e)
	}, bus.WithQueueSize(1))
	require.NoError(t, err)

	stop, err := sub.Listen(ctx)
	require.NoError(t, err)
	t.Cleanup(stop)

	// The first event occupies the handler; the second fills the queue; the
	// third finds it full and is dropped rather than blocking the publisher.
	publish(t, pub, src, nil)
	<-entered
	publish(t, pub, src, nil)
	publish(t, pub, src, nil)

	close(gate)

	got := c.wait(t, 2)
	require.Len(t, got, 2)
	require.Equal(t, uint64(1), got[0].Sequence)
	require.Equal(t, uint64(2), got[1].Sequence)
}

func TestListenAll(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	pub := b.NewPublisher()
	src := event.NewSource("radar", "")

	first := newCollector(1)
	firstSub, err := b.NewSubscriber(first.handle)
	require.NoError(t, err)

	second := newCollector(1)
	secondSub, err := b.NewSubscriber(second.handle)
	require.NoError(t, err)

	stop, err := bus.Listen(ctx, firstSub, secondSub)
	require.NoError(t, err)

	publish(t, pub, src, nil)
	first.wait(t, 1)
	second.wait(t, 1)

	stop()
	publish(t, pub, src, nil)
	require.Equal(t, 1, first.len())
	require.Equal(t, 1, second.len())
}

func TestListenAllUnwindsOnFailure(t *testing.T) {
	ctx := context.Background()
	b := bus.New()

	first, err := b.NewSubscriber(func(context.Context, *event.Event) {})
	require.NoError(t, err)
	second, err := b.NewSubscriber(func(context.Context, *event.Event) {})
	require.NoError(t, err)

	// Occupy the second subscriber so the combined start fails.
	stopSecond, err := second.Listen(ctx)
	require.NoError(t, err)
	t.Cleanup(stopSecond)

	_, err = bus.Listen(ctx, first, second)
	require.Error(t, err)

	// The first subscriber was stopped during unwind, so it can start again.
	stop, err := first.Listen(ctx)
	require.NoError(t, err)
	stop()
}
