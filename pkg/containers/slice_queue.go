// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package containers

import "sync"

// SliceQueue is an unbounded queue with a signal channel. Consumers wait on
// C and then drain with Pop until it returns false.
type SliceQueue[T any] struct {
	// C is signaled (capacity 1, non-blocking send) whenever an element
	// is pushed to a possibly-empty queue.
	C chan struct{}

	mu    sync.Mutex
	elems []T
}

// NewSliceQueue creates a new SliceQueue.
func NewSliceQueue[T any]() *SliceQueue[T] {
	return &SliceQueue[T]{
		C: make(chan struct{}, 1),
	}
}

// Push appends elem at the back of the queue and signals C.
func (q *SliceQueue[T]) Push(elem T) {
	q.mu.Lock()
	q.elems = append(q.elems, elem)
	q.mu.Unlock()

	select {
	case q.C <- struct{}{}:
	default:
	}
}

// Pop removes and returns the front element, if any.
func (q *SliceQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.elems) == 0 {
		var noVal T
		return noVal, false
	}

	elem := q.elems[0]
	q.elems = q.elems[1:]
	return elem, true
}

// Size returns the number of queued elements.
func (q *SliceQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.elems)
}
