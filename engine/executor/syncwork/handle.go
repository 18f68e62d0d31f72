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

package syncwork

import (
	"context"
	"sync"

	"github.com/syncflow/syncwork/engine/lib/registry"
	"github.com/syncflow/syncwork/engine/pkg/clock"
	"github.com/syncflow/syncwork/pkg/errors"
	"go.uber.org/atomic"
)

type item struct {
	id         string
	contract   registry.ContractID
	submitTime clock.MonotonicTime
	// startTime is written under Dispatcher.transitionMu before the worker runs
	// and read by the same goroutine afterwards.
	startTime clock.MonotonicTime
	run       func(ctx context.Context) (any, error)

	state atomic.Int32

	mu       sync.Mutex
	result   any
	err      error
	doneTime clock.MonotonicTime
	done     chan struct{}

	abandonCtx    context.Context
	abandonCancel context.CancelFunc
	abandoned     atomic.Bool
	observed      atomic.Bool
}

func newItem(
	id string,
	contract registry.ContractID,
	submitTime clock.MonotonicTime,
	run func(ctx context.Context) (any, error),
) *item {
	ctx, cancel := context.WithCancel(context.Background())
	it := &item{
		id:            id,
		contract:      contract,
		submitTime:    submitTime,
		run:           run,
		done:          make(chan struct{}),
		abandonCtx:    ctx,
		abandonCancel: cancel,
	}
	it.state.Store(int32(StateNotStarted))
	return it
}

func (it *item) State() State {
	return State(it.state.Load())
}

func (it *item) complete(state State, result any, err error, doneTime clock.MonotonicTime) {
	it.mu.Lock()
	it.result = result
	it.err = err
	it.doneTime = doneTime
	it.state.Store(int32(state))
	close(it.done)
	it.mu.Unlock()

	it.abandonCancel()
}

// interrupt wakes up waiters of an item that will never reach a terminal
// state. The state is left as is.
func (it *item) interrupt(err error) {
	it.mu.Lock()
	it.err = err
	close(it.done)
	it.mu.Unlock()

	it.abandonCancel()
}

func (it *item) status() Status[any] {
	it.mu.Lock()
	defer it.mu.Unlock()

	return Status[any]{
		State:  State(it.state.Load()),
		Result: it.result,
		Err:    it.err,
	}
}

func (it *item) doneAt() (clock.MonotonicTime, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if !State(it.state.Load()).IsTerminal() {
		return 0, false
	}
	return it.doneTime, true
}

// Handle is the caller's view of one submitted work item.
type Handle[Res any] struct {
	d  *Dispatcher
	it *item
}

// ID returns the unique ID of the work item.
func (h *Handle[Res]) ID() string {
	return h.it.id
}

// Contract returns the contract the item was submitted for.
func (h *Handle[Res]) Contract() registry.ContractID {
	return h.it.contract
}

// Poll returns the current status without blocking. When the status is
// terminal, ownership of the result passes to the caller and the dispatcher
// stops tracking the item; the handle keeps returning the same status.
func (h *Handle[Res]) Poll() Status[Res] {
	st := h.it.status()
	if st.State.IsTerminal() {
		h.d.observe(h.it)
	}

	ret := Status[Res]{State: st.State, Err: st.Err}
	if st.Result != nil {
		ret.Result = st.Result.(Res)
	}
	return ret
}

// Done returns a channel that is closed when the item reaches a terminal
// state, or when the dispatcher closes before the item was admitted. In the
// latter case Poll reports StateQueued with ErrDispatcherClosed.
func (h *Handle[Res]) Done() <-chan struct{} {
	return h.it.done
}

// Wait blocks the calling goroutine until Done is closed or ctx is done.
func (h *Handle[Res]) Wait(ctx context.Context) (Res, error) {
	select {
	case <-ctx.Done():
		var noVal Res
		return noVal, errors.Trace(ctx.Err())
	case <-h.it.done:
	}
	st := h.Poll()
	return st.Result, st.Err
}

// Abandon tells the dispatcher the caller is no longer interested in the
// result. An item that has not been admitted yet is withdrawn and its worker
// never runs; an admitted item runs to completion and its ticket is released
// as usual, but the result is dropped.
func (h *Handle[Res]) Abandon() {
	h.d.abandon(h.it)
}
