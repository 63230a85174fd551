// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package container

import "sync"

// Queue is a concurrency-safe bounded channel. Send never blocks; once the
// queue is full or closed, values are rejected rather than queued, which is
// what keeps a slow consumer from ever stalling a producer.
type Queue[T any] struct {
	mu     sync.RWMutex
	ch     chan T
	closed bool
}

func NewQueue[T any](size int) *Queue[T] {
	return &Queue[T]{ch: make(chan T, size)}
}

// Send enqueues the value if there is room, reporting whether it was
// accepted.
func (q *Queue[T]) Send(value T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return false
	}

	select {
	case q.ch <- value:
		return true
	default:
		return false
	}
}

// C returns the receive side of the queue. It is closed by Close once all
// previously accepted values have been drained by the receiver.
func (q *Queue[T]) C() <-chan T {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.ch
}

// Close rejects all further sends and closes the channel. Values already
// accepted remain receivable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		close(q.ch)
		q.closed = true
	}
}
