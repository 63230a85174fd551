// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package wallclock

import (
	"context"
	"sync"
	"time"
)

type (
	// Manual is a WallClock whose time only moves when advanced by the
	// caller. Timers fire when an Advance or Set crosses their deadline.
	// It exists for tests of time-gated logic (cooldowns, sustained
	// conditions, staleness) and has no production use.
	Manual struct {
		mu     sync.Mutex
		now    time.Time
		timers []*manualTimer
	}

	manualTimer struct {
		clock    *Manual
		ch       chan time.Time
		deadline time.Time
		stopped  bool
	}
)

// NewManual creates a manual clock starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward, firing any timers whose deadlines are
// crossed.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	fired := m.expiredLocked()
	m.mu.Unlock()

	for _, t := range fired {
		t.ch <- t.clock.Now()
	}
}

// Set jumps the clock to the given instant, firing crossed timers.
func (m *Manual) Set(now time.Time) {
	m.mu.Lock()
	m.now = now
	fired := m.expiredLocked()
	m.mu.Unlock()

	for _, t := range fired {
		t.ch <- t.clock.Now()
	}
}

func (m *Manual) expiredLocked() []*manualTimer {
	var fired []*manualTimer
	remaining := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped && !t.deadline.After(m.now) {
			fired = append(fired, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	m.timers = remaining
	return fired
}

// After returns a channel that fires once the clock advances past d.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	return m.NewTimer(d).C()
}

// NewTimer creates a timer driven by the manual clock.
func (m *Manual) NewTimer(d time.Duration) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &manualTimer{
		clock: m,
		// Buffer of 1 matches time.Timer; a fire never blocks Advance.
		ch:       make(chan time.Time, 1),
		deadline: m.now.Add(d),
	}
	m.timers = append(m.timers, t)
	return t
}

// WithTimeoutCause cancels the context once the clock advances past the
// timeout.
func (m *Manual) WithTimeoutCause(
	parent context.Context,
	timeout time.Duration,
	cause error,
) (context.Context, context.CancelFunc) {
	ctx, cancelCause := context.WithCancelCause(parent)

	go func(t Timer) {
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C():
			cancelCause(cause)
		}
	}(m.NewTimer(timeout))

	return ctx, func() { cancelCause(nil) }
}

func (t *manualTimer) C() <-chan time.Time {
	return t.ch
}

func (t *manualTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	active := !t.stopped && t.deadline.After(t.clock.now)
	t.stopped = false
	t.deadline = t.clock.now.Add(d)
	for _, existing := range t.clock.timers {
		if existing == t {
			return active
		}
	}
	t.clock.timers = append(t.clock.timers, t)
	return active
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	active := !t.stopped && t.deadline.After(t.clock.now)
	t.stopped = true
	return active
}
