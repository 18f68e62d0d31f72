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

package registry

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/pingcap/log"
	"github.com/syncflow/syncwork/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RawWorker is the type-erased form of a bound worker. It is used by callers
// that only know the contract ID, such as the HTTP API.
type RawWorker interface {
	ContractID() ContractID
	// Decode unmarshals a JSON request into the contract's request type.
	Decode(payload []byte) (any, error)
	// Work runs the worker on a request produced by Decode.
	Work(ctx context.Context, req any) (any, error)
}

type binding struct {
	id      ContractID
	reqType reflect.Type
	resType reflect.Type
	worker  any
	raw     RawWorker
}

// Registry binds every contract to exactly one worker. It is populated during
// bootstrap, then sealed; a sealed registry is read-only and Resolve takes no
// lock.
type Registry struct {
	mu       sync.Mutex
	sealed   atomic.Bool
	bindings map[ContractID]*binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bindings: make(map[ContractID]*binding),
	}
}

// Register binds worker to contract. Binding a contract twice returns
// ErrDuplicateContract. Registering on a sealed registry is a programming
// error and panics.
func Register[Req, Res any](r *Registry, contract Contract[Req, Res], worker Worker[Req, Res]) error {
	if contract.ID() == "" {
		return errors.ErrInvalidArgument.GenWithStackByArgs("empty contract id")
	}
	if worker == nil {
		return errors.ErrInvalidArgument.GenWithStackByArgs("nil worker for contract " + string(contract.ID()))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		log.Panic("register worker after bootstrap",
			zap.String("contract", string(contract.ID())),
			zap.Error(errors.ErrRegistrySealed.GenWithStackByArgs(contract.ID())))
	}
	if _, exists := r.bindings[contract.ID()]; exists {
		return errors.ErrDuplicateContract.GenWithStackByArgs(contract.ID())
	}
	r.bindings[contract.ID()] = &binding{
		id:      contract.ID(),
		reqType: contract.RequestType(),
		resType: contract.ResultType(),
		worker:  worker,
		raw:     &rawWorker[Req, Res]{id: contract.ID(), worker: worker},
	}
	log.Info("register worker",
		zap.String("contract", string(contract.ID())),
		zap.Stringer("request", contract.RequestType()),
		zap.Stringer("result", contract.ResultType()))
	return nil
}

// MustRegister is like Register but panics on any error.
func MustRegister[Req, Res any](r *Registry, contract Contract[Req, Res], worker Worker[Req, Res]) {
	if err := Register(r, contract, worker); err != nil {
		log.Panic("failed to register worker",
			zap.String("contract", string(contract.ID())),
			zap.Error(err))
	}
}

// Seal freezes the registry. It is idempotent.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed.Store(true)
}

// Sealed returns whether Seal has been called.
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Validate checks that every required contract is bound.
func (r *Registry) Validate(required ...ContractID) error {
	var errs error
	for _, id := range required {
		if _, ok := r.lookup(id); !ok {
			errs = multierr.Append(errs, errors.ErrUnboundContract.GenWithStackByArgs(id))
		}
	}
	return errs
}

// Contracts returns the bound contract IDs in ascending order.
func (r *Registry) Contracts() []ContractID {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	ids := make([]ContractID, 0, len(r.bindings))
	for id := range r.bindings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Resolve returns the worker bound to contract. The request and result types
// must match the registered ones exactly, otherwise ErrUnboundContract is
// returned.
func Resolve[Req, Res any](r *Registry, contract Contract[Req, Res]) (Worker[Req, Res], error) {
	b, ok := r.lookup(contract.ID())
	if !ok {
		return nil, errors.ErrUnboundContract.GenWithStackByArgs(contract.ID())
	}
	if b.reqType != contract.RequestType() || b.resType != contract.ResultType() {
		log.Warn("contract type mismatch",
			zap.String("contract", string(contract.ID())),
			zap.Stringer("registered-request", b.reqType),
			zap.Stringer("registered-result", b.resType),
			zap.Stringer("request", contract.RequestType()),
			zap.Stringer("result", contract.ResultType()))
		return nil, errors.ErrUnboundContract.GenWithStackByArgs(contract.ID())
	}
	return b.worker.(Worker[Req, Res]), nil
}

// ResolveRaw returns the type-erased worker bound to id.
func (r *Registry) ResolveRaw(id ContractID) (RawWorker, error) {
	b, ok := r.lookup(id)
	if !ok {
		return nil, errors.ErrUnboundContract.GenWithStackByArgs(id)
	}
	return b.raw, nil
}

func (r *Registry) lookup(id ContractID) (*binding, bool) {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	b, ok := r.bindings[id]
	return b, ok
}

type rawWorker[Req, Res any] struct {
	id     ContractID
	worker Worker[Req, Res]
}

func (w *rawWorker[Req, Res]) ContractID() ContractID {
	return w.id
}

func (w *rawWorker[Req, Res]) Decode(payload []byte) (any, error) {
	var req Req
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errors.WrapError(errors.ErrDecodeRequest, err, w.id)
		}
	}
	return req, nil
}

func (w *rawWorker[Req, Res]) Work(ctx context.Context, req any) (any, error) {
	typed, ok := req.(Req)
	if !ok {
		return nil, errors.ErrInvalidRequest.GenWithStackByArgs(w.id,
			fmt.Sprintf("unexpected request type %T", req))
	}
	return w.worker.Work(ctx, typed)
}
