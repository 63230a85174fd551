// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package event

import (
	"sync"
	"time"
)

// DefaultBufferCapacity is used when a buffer is created with no explicit
// capacity.
const DefaultBufferCapacity = 1000

// Buffer is a bounded, time-ordered ring of recent events. Once full, adding
// a new event evicts the oldest. All query methods return isolated copies of
// the slice, so a caller can never observe a later mutation.
type Buffer struct {
	mu   sync.RWMutex
	ring []*Event
	next int
	full bool
}

// NewBuffer creates a buffer holding at most capacity events. A non-positive
// capacity falls back to DefaultBufferCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{ring: make([]*Event, capacity)}
}

// Add appends the event, evicting the oldest if the buffer is at capacity.
func (b *Buffer) Add(e *Event) {
	if e == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring[b.next] = e
	b.next++
	if b.next == len(b.ring) {
		b.next = 0
		b.full = true
	}
}

// Len returns the number of events currently held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.full {
		return len(b.ring)
	}
	return b.next
}

// Cap returns the configured capacity.
func (b *Buffer) Cap() int {
	return len(b.ring)
}

// All returns the held events, oldest first.
func (b *Buffer) All() []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot()
}

// Select returns held events matching the filters, oldest first. An empty
// detector matches all detectors; a zero since matches all times; a
// non-positive limit applies no bound. When limit truncates, the most recent
// matches are kept.
func (b *Buffer) Select(
	detector string,
	since time.Time,
	limit int,
) []*Event {
	b.mu.RLock()
	all := b.snapshot()
	b.mu.RUnlock()

	matched := all[:0]
	for _, e := range all {
		if detector != "" && e.Detector != detector {
			continue
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		matched = append(matched, e)
	}

	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// snapshot copies the ring into a fresh slice, oldest first. Callers must
// hold the lock.
func (b *Buffer) snapshot() []*Event {
	if !b.full {
		return append([]*Event{}, b.ring[:b.next]...)
	}

	out := make([]*Event, 0, len(b.ring))
	out = append(out, b.ring[b.next:]...)
	out = append(out, b.ring[:b.next]...)
	return out
}
