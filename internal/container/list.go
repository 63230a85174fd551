// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package container provides concurrency-safe containers used by the monitor
// core.
package container

import (
	"iter"
	"sync"
)

type listNode[T any] struct {
	value T
	prev  *listNode[T]
	next  *listNode[T]
}

// List is an appendable list supporting removal through the closure returned
// by Append. Iteration holds a read lock, so entries may be added or removed
// concurrently with an in-flight iteration without invalidating it.
type List[T any] struct {
	mu    sync.RWMutex
	first *listNode[T]
	last  *listNode[T]
}

func NewList[T any]() *List[T] {
	return &List[T]{}
}

func (l *List[T]) Append(value T) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	node := &listNode[T]{value: value}
	if l.last == nil {
		l.first = node
	} else {
		l.last.next = node
	}
	node.prev = l.last
	l.last = node

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if node == nil {
			// node was already deleted
			return
		}

		if node.prev == nil {
			l.first = node.next
		} else {
			node.prev.next = node.next
		}

		if node.next == nil {
			l.last = node.prev
		} else {
			node.next.prev = node.prev
		}

		// set this to nil so the node can be garbage collected
		node = nil
	}
}

func (l *List[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		l.mu.RLock()
		defer l.mu.RUnlock()

		curr := l.first
		for curr != nil && yield(curr.value) {
			curr = curr.next
		}
	}
}
