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
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syncflow/syncwork/engine/lib/registry"
	"github.com/syncflow/syncwork/engine/pkg/clock"
	"github.com/syncflow/syncwork/engine/pkg/logutil"
	"github.com/syncflow/syncwork/engine/pkg/notifier"
	"github.com/syncflow/syncwork/engine/pkg/quota"
	"github.com/syncflow/syncwork/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	defaultResultTTL     = 10 * time.Minute
	defaultSweepInterval = 30 * time.Second

	tracerName = "github.com/syncflow/syncwork/engine/executor/syncwork"
)

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClock sets the clock used for submit times and result expiry.
func WithClock(c clock.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithResultTTL sets how long a finished item that nobody has observed is kept.
func WithResultTTL(ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.resultTTL = ttl }
}

// WithSweepInterval sets how often Run looks for expired results.
func WithSweepInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.sweepInterval = interval }
}

// WithTracer sets the tracer used to span worker executions.
func WithTracer(tracer trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = tracer }
}

// Dispatcher accepts work for the contracts bound in a registry, runs it under
// a concurrency quota, and tracks each item until the caller observes its
// result.
//
// Submit never blocks: admission and execution happen on a goroutine owned by
// the dispatcher.
type Dispatcher struct {
	quota    quota.ConcurrencyQuota
	registry *registry.Registry

	clock         clock.Clock
	logger        *zap.Logger
	tracer        trace.Tracer
	resultTTL     time.Duration
	sweepInterval time.Duration

	// workCtx is passed to workers. It is only canceled when Close gives up
	// waiting for them.
	workCtx    context.Context
	workCancel context.CancelFunc

	items sync.Map // string -> *item

	// transitionMu orders Running transitions after the terminal transitions
	// of the items whose tickets they reuse.
	transitionMu sync.Mutex

	queued  atomic.Int64
	running atomic.Int64

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup

	events *notifier.Notifier[Event]
}

// NewDispatcher creates a Dispatcher. The registry should be sealed.
func NewDispatcher(q quota.ConcurrencyQuota, r *registry.Registry, opts ...DispatcherOption) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		quota:         q,
		registry:      r,
		clock:         clock.New(),
		logger:        logutil.NewLogger4Framework(),
		tracer:        otel.Tracer(tracerName),
		resultTTL:     defaultResultTTL,
		sweepInterval: defaultSweepInterval,
		workCtx:       ctx,
		workCancel:    cancel,
		events:        notifier.NewNotifier[Event](),
	}
	for _, opt := range opts {
		opt(d)
	}
	if !r.Sealed() {
		d.logger.Warn("dispatcher created with an unsealed registry")
	}
	return d
}

// Submit queues req for the worker bound to contract and returns immediately.
func Submit[Req, Res any](d *Dispatcher, contract registry.Contract[Req, Res], req Req) (*Handle[Res], error) {
	if err := validateRequest(contract.ID(), req); err != nil {
		return nil, err
	}
	worker, err := registry.Resolve(d.registry, contract)
	if err != nil {
		return nil, err
	}

	it, err := d.enqueue(contract.ID(), func(ctx context.Context) (any, error) {
		return worker.Work(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return &Handle[Res]{d: d, it: it}, nil
}

// SubmitRaw is like Submit for callers that only know the contract ID. The
// payload is decoded as JSON into the contract's request type.
func SubmitRaw(d *Dispatcher, id registry.ContractID, payload []byte) (*Handle[any], error) {
	worker, err := d.registry.ResolveRaw(id)
	if err != nil {
		return nil, err
	}
	req, err := worker.Decode(payload)
	if err != nil {
		return nil, err
	}
	if err := validateRequest(id, req); err != nil {
		return nil, err
	}

	it, err := d.enqueue(id, func(ctx context.Context) (any, error) {
		return worker.Work(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return &Handle[any]{d: d, it: it}, nil
}

func validateRequest(id registry.ContractID, req any) error {
	v := reflect.ValueOf(req)
	if !v.IsValid() {
		return errors.ErrInvalidRequest.GenWithStackByArgs(id, "request is nil")
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Func, reflect.Chan:
		if v.IsNil() {
			return errors.ErrInvalidRequest.GenWithStackByArgs(id, "request is nil")
		}
	default:
	}
	if validator, ok := req.(registry.Validator); ok {
		if err := validator.Validate(); err != nil {
			return errors.ErrInvalidRequest.GenWithStackByArgs(id, err.Error())
		}
	}
	return nil
}

func (d *Dispatcher) enqueue(
	contract registry.ContractID,
	run func(ctx context.Context) (any, error),
) (*item, error) {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()

	if d.closed {
		return nil, errors.ErrDispatcherClosed.GenWithStackByArgs()
	}

	it := newItem(uuid.NewString(), contract, d.clock.Mono(), run)
	d.items.Store(it.id, it)

	d.transitionMu.Lock()
	it.state.Store(int32(StateQueued))
	d.queued.Inc()
	d.events.Notify(Event{ID: it.id, Contract: contract, State: StateQueued})
	d.transitionMu.Unlock()

	submittedCounter.WithLabelValues(string(contract)).Inc()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.execute(it)
	}()
	return it, nil
}

func (d *Dispatcher) execute(it *item) {
	ticket, err := d.quota.Consume(it.abandonCtx)
	if err != nil {
		if errors.Is(err, errors.ErrQuotaClosed) {
			d.shutdown(it)
			return
		}
		// The only other way out of Consume is an abandoned handle.
		d.withdraw(it)
		return
	}

	startTime := d.clock.Mono()
	d.transitionMu.Lock()
	it.state.Store(int32(StateRunning))
	it.startTime = startTime
	d.queued.Dec()
	d.running.Inc()
	queueDuration := startTime.Sub(it.submitTime)
	d.events.Notify(Event{
		ID:            it.id,
		Contract:      it.contract,
		State:         StateRunning,
		QueueDuration: queueDuration,
	})
	d.transitionMu.Unlock()
	queueDurationHistogram.WithLabelValues(string(it.contract)).Observe(queueDuration.Seconds())

	result, err := d.runWorker(it)
	d.finish(it, ticket, result, err)
}

func (d *Dispatcher) runWorker(it *item) (result any, err error) {
	ctx, span := d.tracer.Start(d.workCtx, "syncwork/"+string(it.contract),
		trace.WithAttributes(
			attribute.String("syncwork.item_id", it.id),
			attribute.String("syncwork.contract", string(it.contract)),
		))
	defer func() {
		if r := recover(); r != nil {
			err = errors.ErrWorkerPanic.GenWithStackByArgs(it.contract, r)
			logutil.WithItem(d.logger, it.id).Error("worker panicked",
				zap.String("contract", string(it.contract)),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return it.run(ctx)
}

// finish releases the ticket and then publishes the terminal state.
func (d *Dispatcher) finish(it *item, ticket *quota.Ticket, result any, err error) {
	endTime := d.clock.Mono()

	d.transitionMu.Lock()
	if releaseErr := d.quota.Release(ticket); releaseErr != nil {
		d.logger.Panic("failed to release admission ticket",
			zap.String("id", it.id), zap.Error(releaseErr))
	}
	d.running.Dec()

	state := StateCompleted
	if err != nil {
		state = StateFailed
		result = nil
	}
	runDuration := endTime.Sub(it.startTime)
	it.complete(state, result, err, endTime)
	d.events.Notify(Event{
		ID:          it.id,
		Contract:    it.contract,
		State:       state,
		Err:         err,
		RunDuration: runDuration,
	})
	d.transitionMu.Unlock()

	finishedCounter.WithLabelValues(string(it.contract), state.String()).Inc()
	runDurationHistogram.WithLabelValues(string(it.contract)).Observe(runDuration.Seconds())
	if err != nil {
		logutil.WithItem(d.logger, it.id).Info("work item failed",
			zap.String("contract", string(it.contract)),
			zap.Error(err))
	}

	if it.abandoned.Load() {
		d.items.Delete(it.id)
	}
}

// shutdown gives up on an item that was still waiting for admission when the
// dispatcher closed. The item stays Queued; its handle is woken up with
// ErrDispatcherClosed.
func (d *Dispatcher) shutdown(it *item) {
	d.transitionMu.Lock()
	d.queued.Dec()
	d.transitionMu.Unlock()

	it.interrupt(errors.ErrDispatcherClosed.GenWithStackByArgs())
	d.items.Delete(it.id)
	withdrawnCounter.WithLabelValues(string(it.contract)).Inc()
	logutil.WithItem(d.logger, it.id).Debug("queued work item dropped on close",
		zap.String("contract", string(it.contract)))
}

// withdraw drops an abandoned item that never got a ticket.
func (d *Dispatcher) withdraw(it *item) {
	d.transitionMu.Lock()
	d.queued.Dec()
	d.transitionMu.Unlock()

	it.abandonCancel()
	d.items.Delete(it.id)
	withdrawnCounter.WithLabelValues(string(it.contract)).Inc()
	d.logger.Debug("abandoned work item withdrawn",
		zap.String("id", it.id),
		zap.String("contract", string(it.contract)))
}

// observe hands the result of a terminal item over to the caller.
func (d *Dispatcher) observe(it *item) {
	if it.observed.Swap(true) {
		return
	}
	d.items.Delete(it.id)
}

func (d *Dispatcher) abandon(it *item) {
	if it.abandoned.Swap(true) {
		return
	}
	it.abandonCancel()
	// A running item stays tracked until finish drops it.
	if it.State() != StateRunning {
		d.items.Delete(it.id)
	}
}

// Poll returns the status of the item with the given ID. Once a terminal
// status has been returned the item is forgotten and later polls return
// ErrWorkItemNotFound.
func (d *Dispatcher) Poll(id string) (Status[any], error) {
	value, ok := d.items.Load(id)
	if !ok {
		return Status[any]{}, errors.ErrWorkItemNotFound.GenWithStackByArgs(id)
	}
	it := value.(*item)
	st := it.status()
	if st.State.IsTerminal() {
		d.observe(it)
	}
	return st, nil
}

// Abandon stops tracking the item with the given ID. See Handle.Abandon.
func (d *Dispatcher) Abandon(id string) error {
	value, ok := d.items.Load(id)
	if !ok {
		return errors.ErrWorkItemNotFound.GenWithStackByArgs(id)
	}
	d.abandon(value.(*item))
	return nil
}

// Queued returns the number of items waiting for admission.
func (d *Dispatcher) Queued() int64 {
	return d.queued.Load()
}

// Running returns the number of items whose worker is executing.
func (d *Dispatcher) Running() int64 {
	return d.running.Load()
}

// Tracked returns the number of items the dispatcher still owns.
func (d *Dispatcher) Tracked() int {
	count := 0
	d.items.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// EventReceiver returns a receiver of state transition events. The caller
// must Close it.
func (d *Dispatcher) EventReceiver() *notifier.Receiver[Event] {
	return d.events.NewReceiver()
}

// Run evicts finished items that were never observed, until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := d.clock.Ticker(d.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-ticker.C:
			if n := d.sweep(); n > 0 {
				d.logger.Info("evicted unobserved work results", zap.Int("count", n))
			}
		}
	}
}

func (d *Dispatcher) sweep() int {
	now := d.clock.Mono()
	evicted := 0
	d.items.Range(func(key, value any) bool {
		it := value.(*item)
		if doneTime, ok := it.doneAt(); ok && now.Sub(doneTime) >= d.resultTTL {
			d.items.Delete(key)
			evicted++
		}
		return true
	})
	return evicted
}

// Close stops accepting work. Items waiting for admission stay Queued and
// their handles are woken up with ErrDispatcherClosed. Running items are
// waited for until ctx is done, at which point their context is canceled and
// Close returns.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	d.closeMu.Unlock()

	d.quota.Close()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		// Deliver the last transitions before the receivers are closed.
		if flushErr := d.events.Flush(ctx); flushErr != nil {
			d.logger.Warn("failed to flush work item events", zap.Error(flushErr))
		}
	case <-ctx.Done():
		err = errors.Trace(ctx.Err())
		d.logger.Warn("close dispatcher before running work finished",
			zap.Int64("running", d.running.Load()))
	}
	d.workCancel()
	d.events.Close()
	return err
}

// String implements fmt.Stringer
func (d *Dispatcher) String() string {
	return fmt.Sprintf("Dispatcher{limit: %d, queued: %d, running: %d}",
		d.quota.Limit(), d.queued.Load(), d.running.Load())
}
