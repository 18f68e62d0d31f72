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

package quota

import (
	"context"
	"runtime"
	"sync"

	"github.com/syncflow/syncwork/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

const (
	// MaxConcurrencyLimit is the largest limit a ConcurrencyQuota accepts.
	MaxConcurrencyLimit = 1 << 20

	// reservedParallelism is subtracted from the available parallelism when
	// deriving the default limit, leaving room for the runtime's own goroutines
	// (membership keepalive, HTTP, metrics).
	reservedParallelism = 2
)

// DeriveConcurrencyLimit returns the default limit for a node with the given
// available parallelism, floored at zero.
func DeriveConcurrencyLimit(parallelism int) int {
	limit := parallelism - reservedParallelism
	if limit < 0 {
		return 0
	}
	return limit
}

// DefaultConcurrencyLimit derives the limit from runtime.NumCPU.
func DefaultConcurrencyLimit() int {
	return DeriveConcurrencyLimit(runtime.NumCPU())
}

// Ticket is one unit of a ConcurrencyQuota. It must be released exactly once.
type Ticket struct {
	id       uint64
	owner    *concurrencyQuotaImpl
	released atomic.Bool
}

// ID returns the sequence number of the ticket, unique per quota.
func (t *Ticket) ID() uint64 {
	return t.id
}

// ConcurrencyQuota bounds how many work items run at the same time on a node.
type ConcurrencyQuota interface {
	// Consume blocks until a ticket is available, ctx is done, or the quota is
	// closed. Waiters are admitted in FIFO order.
	Consume(ctx context.Context) (*Ticket, error)
	// TryConsume acquires a ticket without blocking.
	TryConsume() (*Ticket, bool)
	// Release returns the ticket to the quota.
	Release(ticket *Ticket) error
	// SetLimit changes the limit without blocking. When lowering below the
	// tickets in use, the surplus is taken back as those tickets are
	// released, ahead of any queued Consume.
	SetLimit(ctx context.Context, limit int) error
	// Limit returns the current limit.
	Limit() int
	// InUse returns the number of tickets not yet released.
	InUse() int64
	// Waiting returns the number of blocked Consume calls.
	Waiting() int64
	// Close wakes up all waiters with ErrQuotaClosed. Tickets in use can still
	// be released.
	Close()
}

// NewConcurrencyQuota creates a ConcurrencyQuota with the given limit. A limit
// of zero is valid: Consume blocks until the limit is raised.
func NewConcurrencyQuota(limit int) (ConcurrencyQuota, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}

	sem := semaphore.NewWeighted(MaxConcurrencyLimit)
	// The units above the limit are held by the quota itself, so that the
	// limit can be moved without replacing the semaphore.
	if !sem.TryAcquire(int64(MaxConcurrencyLimit - limit)) {
		return nil, errors.ErrUnknown.GenWithStackByArgs()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &concurrencyQuotaImpl{
		sem:         sem,
		closeCtx:    ctx,
		closeCancel: cancel,
	}
	q.limit.Store(int64(limit))
	return q, nil
}

func checkLimit(limit int) error {
	if limit < 0 || limit > MaxConcurrencyLimit {
		return errors.ErrInvalidConcurrencyLimit.GenWithStackByArgs(limit, MaxConcurrencyLimit)
	}
	return nil
}

type concurrencyQuotaImpl struct {
	sem *semaphore.Weighted

	// limitMu serializes SetLimit and Release.
	limitMu sync.Mutex
	limit   atomic.Int64
	// owed is the number of units a lowered limit still has to take back
	// from tickets in use. Protected by limitMu.
	owed int64

	inUse   atomic.Int64
	waiting atomic.Int64
	nextID  atomic.Uint64

	closeCtx    context.Context
	closeCancel context.CancelFunc
}

func (q *concurrencyQuotaImpl) Consume(ctx context.Context) (*Ticket, error) {
	if q.closeCtx.Err() != nil {
		return nil, errors.ErrQuotaClosed.GenWithStackByArgs()
	}

	q.waiting.Inc()
	defer q.waiting.Dec()

	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(q.closeCtx, cancel)
	defer stop()

	if err := q.sem.Acquire(acquireCtx, 1); err != nil {
		if q.closeCtx.Err() != nil {
			return nil, errors.ErrQuotaClosed.GenWithStackByArgs()
		}
		return nil, errors.Trace(err)
	}
	if q.closeCtx.Err() != nil {
		q.sem.Release(1)
		return nil, errors.ErrQuotaClosed.GenWithStackByArgs()
	}
	return q.newTicket(), nil
}

func (q *concurrencyQuotaImpl) TryConsume() (*Ticket, bool) {
	if q.closeCtx.Err() != nil {
		return nil, false
	}
	if !q.sem.TryAcquire(1) {
		return nil, false
	}
	return q.newTicket(), true
}

func (q *concurrencyQuotaImpl) newTicket() *Ticket {
	q.inUse.Inc()
	return &Ticket{
		id:    q.nextID.Inc(),
		owner: q,
	}
}

func (q *concurrencyQuotaImpl) Release(ticket *Ticket) error {
	if ticket == nil || ticket.owner != q {
		return errors.ErrInvalidArgument.GenWithStackByArgs("ticket does not belong to this quota")
	}
	if ticket.released.Swap(true) {
		return errors.ErrTicketReleased.GenWithStackByArgs(ticket.id)
	}

	q.limitMu.Lock()
	defer q.limitMu.Unlock()

	q.inUse.Dec()
	if q.owed > 0 {
		q.owed--
		return nil
	}
	q.sem.Release(1)
	return nil
}

func (q *concurrencyQuotaImpl) SetLimit(_ context.Context, limit int) error {
	if err := checkLimit(limit); err != nil {
		return err
	}

	q.limitMu.Lock()
	defer q.limitMu.Unlock()

	current := int64(q.limit.Load())
	target := int64(limit)
	switch {
	case target > current:
		grant := target - current
		// Cancel debts first, the remaining units go to the semaphore.
		if q.owed >= grant {
			q.owed -= grant
			grant = 0
		} else {
			grant -= q.owed
			q.owed = 0
		}
		if grant > 0 {
			q.sem.Release(grant)
		}
	case target < current:
		// Free units can only exist when nobody is queued, since a queued
		// Consume would have taken them. Whatever is not free now is owed
		// by tickets in use and withheld in Release.
		need := current - target
		for need > 0 && q.sem.TryAcquire(1) {
			need--
		}
		q.owed += need
	default:
		return nil
	}
	q.limit.Store(target)
	return nil
}

func (q *concurrencyQuotaImpl) Limit() int {
	return int(q.limit.Load())
}

func (q *concurrencyQuotaImpl) InUse() int64 {
	return q.inUse.Load()
}

func (q *concurrencyQuotaImpl) Waiting() int64 {
	return q.waiting.Load()
}

func (q *concurrencyQuotaImpl) Close() {
	q.closeCancel()
}
