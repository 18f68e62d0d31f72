// Copyright 2022 PingCAP, Inc.
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

import (
	"sync"

	"github.com/edwingeng/deque"
)

// Queue is an unbounded FIFO queue that is safe for concurrent use.
type Queue[T any] interface {
	Push(elem T)
	Pop() (T, bool)
	Peek() (T, bool)
	Size() int
}

// SliceQueue is a Queue that additionally signals on C whenever an element
// is pushed. C has a buffer of one, so consumers must drain the queue with Pop
// after each signal.
//
//nolint:structcheck
type SliceQueue[T any] struct {
	// mu protects deque, because it is not thread-safe.
	mu    sync.RWMutex
	deque deque.Deque

	C chan struct{}
}

// NewSliceQueue creates a new SliceQueue instance
func NewSliceQueue[T any]() *SliceQueue[T] {
	return &SliceQueue[T]{
		deque: deque.NewDeque(),
		C:     make(chan struct{}, 1),
	}
}

// Push implements Queue.Push
func (q *SliceQueue[T]) Push(elem T) {
	q.mu.Lock()
	q.deque.PushBack(elem)
	q.mu.Unlock()

	select {
	case q.C <- struct{}{}:
	default:
	}
}

// Pop implements Queue.Pop
func (q *SliceQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deque.Empty() {
		var noVal T
		return noVal, false
	}

	return q.deque.PopFront().(T), true
}

// Peek implements Queue.Peek
func (q *SliceQueue[T]) Peek() (T, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.deque.Empty() {
		var noVal T
		return noVal, false
	}

	return q.deque.Front().(T), true
}

// Size implements Queue.Size
func (q *SliceQueue[T]) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.deque.Len()
}
