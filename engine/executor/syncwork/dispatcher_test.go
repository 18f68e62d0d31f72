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
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/syncflow/syncwork/engine/lib/registry"
	"github.com/syncflow/syncwork/engine/pkg/clock"
	"github.com/syncflow/syncwork/engine/pkg/quota"
	"github.com/syncflow/syncwork/pkg/errors"
	"go.uber.org/atomic"
)

type echoRequest struct {
	Text string `json:"text"`
}

// Validate implements registry.Validator.
func (r echoRequest) Validate() error {
	if r.Text == "invalid" {
		return errors.New("text must not be invalid")
	}
	return nil
}

type echoResult struct {
	Text string `json:"text"`
}

var (
	echoContract  = registry.NewContract[echoRequest, echoResult]("echo")
	blockContract = registry.NewContract[*blockRequest, struct{}]("block")
	failContract  = registry.NewContract[string, int]("fail")
	panicContract = registry.NewContract[int, int]("panic")
)

type blockRequest struct {
	started chan struct{}
	release chan struct{}
}

func newBlockRequest() *blockRequest {
	return &blockRequest{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

type blockWorker struct {
	calls atomic.Int64
}

func (w *blockWorker) Work(ctx context.Context, req *blockRequest) (struct{}, error) {
	w.calls.Inc()
	close(req.started)
	select {
	case <-req.release:
		return struct{}{}, nil
	case <-ctx.Done():
		return struct{}{}, ctx.Err()
	}
}

type testSuite struct {
	quota    quota.ConcurrencyQuota
	block    *blockWorker
	dispatch *Dispatcher
}

func newTestSuite(t *testing.T, limit int, opts ...DispatcherOption) *testSuite {
	q, err := quota.NewConcurrencyQuota(limit)
	require.NoError(t, err)

	block := &blockWorker{}
	r := registry.NewRegistry()
	registry.MustRegister(r, echoContract, registry.WorkerFunc[echoRequest, echoResult](
		func(_ context.Context, req echoRequest) (echoResult, error) {
			return echoResult{Text: strings.ToUpper(req.Text)}, nil
		}))
	registry.MustRegister(r, blockContract, registry.Worker[*blockRequest, struct{}](block))
	registry.MustRegister(r, failContract, registry.WorkerFunc[string, int](
		func(_ context.Context, msg string) (int, error) {
			return 0, errors.New(msg)
		}))
	registry.MustRegister(r, panicContract, registry.WorkerFunc[int, int](
		func(_ context.Context, v int) (int, error) {
			panic(v)
		}))
	r.Seal()

	return &testSuite{
		quota:    q,
		block:    block,
		dispatch: NewDispatcher(q, r, opts...),
	}
}

func (s *testSuite) close(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.dispatch.Close(ctx))
}

func TestDispatcherSubmitAndWait(t *testing.T) {
	t.Parallel()

	s := newTestSuite(t, 2)
	defer s.close(t)

	h, err := Submit(s.dispatch, echoContract, echoRequest{Text: "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, h.ID())
	require.Equal(t, registry.ContractID("echo"), h.Contract())

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "HELLO", res.Text)

	// The result has been handed over, the handle keeps it.
	st := h.Poll()
	require.Equal(t, StateCompleted, st.State)
	require.Equal(t, "HELLO", st.Result.Text)
	require.NoError(t, st.Err)

	_, err = s.dispatch.Poll(h.ID())
	require.True(t, errors.Is(err, errors.ErrWorkItemNotFound), err)
	require.Equal(t, 0, s.dispatch.Tracked())
	require.Equal(t, int64(0), s.quota.InUse())
}

func TestDispatcherPollByID(t *testing.T) {
	t.Parallel()

	s := newTestSuite(t, 1)
	defer s.close(t)

	req := newBlockRequest()
	h, err := Submit(s.dispatch, blockContract, req)
	require.NoError(t, err)
	<-req.started

	st, err := s.dispatch.Poll(h.ID())
	require.NoError(t, err)
	require.Equal(t, StateRunning, st.State)
	require.Equal(t, int64(1), s.dispatch.Running())

	close(req.release)
	<-h.Done()
	st, err = s.dispatch.Poll(h.ID())
	require.NoError(t, err)
	require.Equal(t, StateCompleted, st.State)

	_, err = s.dispatch.Poll(h.ID())
	require.True(t, errors.Is(err, errors.ErrWorkItemNotFound), err)
	_, err = s.dispatch.Poll("unknown")
	require.True(t, errors.Is(err, errors.ErrWorkItemNotFound), err)
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	t.Parallel()

	for _, limit := range []int{1, 3, 8} {
		limit := limit
		t.Run(fmt.Sprintf("limit-%d", limit), func(t *testing.T) {
			t.Parallel()

			q, err := quota.NewConcurrencyQuota(limit)
			require.NoError(t, err)

			var (
				current atomic.Int64
				maxSeen atomic.Int64
			)
			contract := registry.NewContract[int, int]("count")
			r := registry.NewRegistry()
			registry.MustRegister(r, contract, registry.WorkerFunc[int, int](
				func(_ context.Context, v int) (int, error) {
					n := current.Inc()
					for {
						old := maxSeen.Load()
						if n <= old || maxSeen.CompareAndSwap(old, n) {
							break
						}
					}
					time.Sleep(2 * time.Millisecond)
					current.Dec()
					return v * 2, nil
				}))
			r.Seal()
			d := NewDispatcher(q, r)
			defer func() {
				require.NoError(t, d.Close(context.Background()))
			}()

			const total = 64
			handles := make([]*Handle[int], 0, total)
			for i := 0; i < total; i++ {
				h, err := Submit(d, contract, i)
				require.NoError(t, err)
				handles = append(handles, h)
			}
			for i, h := range handles {
				res, err := h.Wait(context.Background())
				require.NoError(t, err)
				require.Equal(t, i*2, res)
			}
			require.LessOrEqual(t, maxSeen.Load(), int64(limit))
			require.Equal(t, int64(0), q.InUse())
			require.Equal(t, int64(0), d.Running())
			require.Equal(t, int64(0), d.Queued())
		})
	}
}

func collectEvents(t *testing.T, d *Dispatcher, n int, submit func()) []Event {
	receiver := d.EventReceiver()
	defer receiver.Close()

	submit()

	events := make([]Event, 0, n)
	timeout := time.After(10 * time.Second)
	for len(events) < n {
		select {
		case ev := <-receiver.C:
			events = append(events, ev)
		case <-timeout:
			require.FailNow(t, "timed out waiting for events", "got %v", events)
		}
	}
	return events
}

func statesByID(events []Event) map[string][]State {
	ret := make(map[string][]State)
	for _, ev := range events {
		ret[ev.ID] = append(ret[ev.ID], ev.State)
	}
	return ret
}

func TestDispatcherStateSequence(t *testing.T) {
	t.Parallel()

	s := newTestSuite(t, 2)
	defer s.close(t)

	var failed, panicked, again *Handle[int]
	var echo *Handle[echoResult]
	events := collectEvents(t, s.dispatch, 12, func() {
		var err error
		echo, err = Submit(s.dispatch, echoContract, echoRequest{Text: "x"})
		require.NoError(t, err)
		failed, err = Submit(s.dispatch, failContract, "boom")
		require.NoError(t, err)
		panicked, err = Submit(s.dispatch, panicContract, 7)
		require.NoError(t, err)
		again, err = Submit(s.dispatch, failContract, "again")
		require.NoError(t, err)
	})

	byID := statesByID(events)
	require.Equal(t, []State{StateQueued, StateRunning, StateCompleted}, byID[echo.ID()])
	require.Equal(t, []State{StateQueued, StateRunning, StateFailed}, byID[failed.ID()])
	require.Equal(t, []State{StateQueued, StateRunning, StateFailed}, byID[panicked.ID()])
	require.Equal(t, []State{StateQueued, StateRunning, StateFailed}, byID[again.ID()])

	_, err := failed.Wait(context.Background())
	require.ErrorContains(t, err, "boom")
	_, err = panicked.Wait(context.Background())
	require.True(t, errors.Is(err, errors.ErrWorkerPanic), err)
	st := panicked.Poll()
	require.Equal(t, StateFailed, st.State)
	require.Equal(t, 0, st.Result)

	require.Equal(t, int64(0), s.quota.InUse())
}

func TestDispatcherZeroLimit(t *testing.T) {
	t.Parallel()

	s := newTestSuite(t, 0)
	defer s.close(t)

	h, err := Submit(s.dispatch, echoContract, echoRequest{Text: "later"})
	require.NoError(t, err)
	require.Never(t, func() bool {
		return h.Poll().State != StateQueued
	}, 100*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, int64(1), s.dispatch.Queued())

	require.NoError(t, s.quota.SetLimit(context.Background(), 1))
	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "LATER", res.Text)
}

func TestDispatcherLimitOneRunsBackToBack(t *testing.T) {
	t.Parallel()

	s := newTestSuite(t, 1)
	defer s.close(t)

	first, second := newBlockRequest(), newBlockRequest()
	var h1, h2 *Handle[struct{}]
	events := collectEvents(t, s.dispatch, 6, func() {
		var err error
		h1, err = Submit(s.dispatch, blockContract, first)
		require.NoError(t, err)
		<-first.started
		h2, err = Submit(s.dispatch, blockContract, second)
		require.NoError(t, err)

		require.Never(t, func() bool {
			return h2.Poll().State != StateQueued
		}, 50*time.Millisecond, 10*time.Millisecond)
		close(first.release)
		<-second.started
		close(second.release)
	})

	var order []string
	for _, ev := range events {
		switch {
		case ev.ID == h1.ID() && ev.State.IsTerminal():
			order = append(order, "first-done")
		case ev.ID == h2.ID() && ev.State == StateRunning:
			order = append(order, "second-running")
		}
	}
	require.Equal(t, []string{"first-done", "second-running"}, order)
}

func TestDispatcherRejectsSubmission(t *testing.T) {
	t.Parallel()

	s := newTestSuite(t, 1)
	defer s.close(t)

	unbound := registry.NewContract[echoRequest, echoResult]("unbound")
	_, err := Submit(s.dispatch, unbound, echoRequest{Text: "x"})
	require.True(t, errors.Is(err, errors.ErrUnboundContract), err)

	_, err = Submit(s.dispatch, echoContract, echoRequest{Text: "invalid"})
	require.True(t, errors.Is(err, errors.ErrInvalidRequest), err)

	_, err = Submit(s.dispatch, blockContract, nil)
	require.True(t, errors.Is(err, errors.ErrInvalidRequest), err)

	_, err = SubmitRaw(s.dispatch, "echo", []byte("{"))
	require.True(t, errors.Is(err, errors.ErrDecodeRequest), err)
	_, err = SubmitRaw(s.dispatch, "echo", []byte(`{"text":"invalid"}`))
	require.True(t, errors.Is(err, errors.ErrInvalidRequest), err)

	// Nothing was tracked or admitted.
	require.Equal(t, 0, s.dispatch.Tracked())
	require.Equal(t, int64(0), s.dispatch.Queued())
}

func TestDispatcherSubmitRaw(t *testing.T) {
	t.Parallel()

	s := newTestSuite(t, 1)
	defer s.close(t)

	h, err := SubmitRaw(s.dispatch, "echo", []byte(`{"text":"raw"}`))
	require.NoError(t, err)
	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, echoResult{Text: "RAW"}, res)
}

func TestDispatcherAbandonQueued(t *testing.T) {
	t.Parallel()

	s := newTestSuite(t, 0)
	defer s.close(t)

	req := newBlockRequest()
	h, err := Submit(s.dispatch, blockContract, req)
	require.NoError(t, err)
	require.Equal(t, 1, s.dispatch.Tracked())

	h.Abandon()
	require.Eventually(t, func() bool {
		return s.dispatch.Tracked() == 0 && s.dispatch.Queued() == 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.quota.SetLimit(context.Background(), 1))
	require.Never(t, func() bool {
		return s.block.calls.Load() > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, int64(0), s.quota.InUse())
	require.Equal(t, StateQueued, h.Poll().State)
}

func TestDispatcherAbandonRunning(t *testing.T) {
	t.Parallel()

	s := newTestSuite(t, 1)
	defer s.close(t)

	req := newBlockRequest()
	h, err := Submit(s.dispatch, blockContract, req)
	require.NoError(t, err)
	<-req.started

	require.NoError(t, s.dispatch.Abandon(h.ID()))
	require.Equal(t, int64(1), s.quota.InUse())
	require.Equal(t, 1, s.dispatch.Tracked())

	close(req.release)
	<-h.Done()
	require.Eventually(t, func() bool {
		return s.dispatch.Tracked() == 0
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, int64(0), s.quota.InUse())

	err = s.dispatch.Abandon(h.ID())
	require.True(t, errors.Is(err, errors.ErrWorkItemNotFound), err)
}

func TestDispatcherClose(t *testing.T) {
	t.Parallel()

	s := newTestSuite(t, 1)
	receiver := s.dispatch.EventReceiver()
	defer receiver.Close()

	running := newBlockRequest()
	h1, err := Submit(s.dispatch, blockContract, running)
	require.NoError(t, err)
	<-running.started
	h2, err := Submit(s.dispatch, echoContract, echoRequest{Text: "queued"})
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() {
		closed <- s.dispatch.Close(context.Background())
	}()

	// The queued item is never admitted. It is not reported as failed.
	_, err = h2.Wait(context.Background())
	require.True(t, errors.Is(err, errors.ErrDispatcherClosed), err)
	st := h2.Poll()
	require.Equal(t, StateQueued, st.State)
	require.True(t, errors.Is(st.Err, errors.ErrDispatcherClosed), st.Err)

	_, err = Submit(s.dispatch, echoContract, echoRequest{Text: "late"})
	require.True(t, errors.Is(err, errors.ErrDispatcherClosed), err)

	// Running work is waited for.
	select {
	case <-closed:
		require.FailNow(t, "close returned before running work finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(running.release)
	require.NoError(t, <-closed)

	_, err = h1.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), s.quota.InUse())
	require.Equal(t, int64(0), s.dispatch.Queued())
	require.Equal(t, 0, s.dispatch.Tracked())

	// Every transition made before Close returned is delivered before the
	// receiver is closed.
	var events []Event
	for ev := range receiver.C {
		events = append(events, ev)
	}
	byID := statesByID(events)
	require.Equal(t, []State{StateQueued, StateRunning, StateCompleted}, byID[h1.ID()])
	require.Equal(t, []State{StateQueued}, byID[h2.ID()])

	// Close is idempotent.
	require.NoError(t, s.dispatch.Close(context.Background()))
}

func TestDispatcherCloseWithZeroLimit(t *testing.T) {
	t.Parallel()

	s := newTestSuite(t, 0)

	handles := make([]*Handle[echoResult], 0, 3)
	for i := 0; i < 3; i++ {
		h, err := Submit(s.dispatch, echoContract, echoRequest{Text: "never"})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	require.Eventually(t, func() bool {
		return s.dispatch.Queued() == 3
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.dispatch.Close(context.Background()))
	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			require.FailNow(t, "handle not woken up by close")
		}
		st := h.Poll()
		require.Equal(t, StateQueued, st.State)
		require.True(t, errors.Is(st.Err, errors.ErrDispatcherClosed), st.Err)
	}
	require.Equal(t, int64(0), s.dispatch.Queued())
	require.Equal(t, int64(0), s.dispatch.Running())
	require.Equal(t, 0, s.dispatch.Tracked())
}

func TestDispatcherCloseTimeout(t *testing.T) {
	t.Parallel()

	s := newTestSuite(t, 1)

	req := newBlockRequest()
	h, err := Submit(s.dispatch, blockContract, req)
	require.NoError(t, err)
	<-req.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.dispatch.Close(ctx)
	require.ErrorIs(t, errors.Cause(err), context.DeadlineExceeded)

	// The worker context is canceled once Close gives up.
	_, err = h.Wait(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.Eventually(t, func() bool {
		return s.quota.InUse() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestDispatcherSweepUnobserved(t *testing.T) {
	t.Parallel()

	mockClock := clock.NewMock()
	s := newTestSuite(t, 1,
		WithClock(mockClock),
		WithResultTTL(time.Minute),
		WithSweepInterval(10*time.Second))
	defer s.close(t)

	h, err := Submit(s.dispatch, echoContract, echoRequest{Text: "x"})
	require.NoError(t, err)
	<-h.Done()
	require.Equal(t, 1, s.dispatch.Tracked())

	mockClock.Add(30 * time.Second)
	require.Equal(t, 0, s.dispatch.sweep())
	require.Equal(t, 1, s.dispatch.Tracked())

	mockClock.Add(30 * time.Second)
	require.Equal(t, 1, s.dispatch.sweep())
	require.Equal(t, 0, s.dispatch.Tracked())

	// The handle still owns the result.
	require.Equal(t, "X", h.Poll().Result.Text)
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	s := newTestSuite(t, 1, WithSweepInterval(time.Millisecond))
	defer s.close(t)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = s.dispatch.Run(ctx)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	wg.Wait()
	require.ErrorIs(t, errors.Cause(runErr), context.Canceled)
}
