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
	"reflect"
)

// ContractID names a work contract, e.g. "password-verifier".
type ContractID string

// Contract is a typed token for a (request, result) pair. Tokens with equal IDs
// denote the same contract.
type Contract[Req, Res any] struct {
	id ContractID
}

// NewContract creates a contract token.
func NewContract[Req, Res any](id ContractID) Contract[Req, Res] {
	return Contract[Req, Res]{id: id}
}

// ID returns the contract identifier.
func (c Contract[Req, Res]) ID() ContractID {
	return c.id
}

// RequestType returns the reflect.Type of Req.
func (c Contract[Req, Res]) RequestType() reflect.Type {
	return reflect.TypeOf((*Req)(nil)).Elem()
}

// ResultType returns the reflect.Type of Res.
func (c Contract[Req, Res]) ResultType() reflect.Type {
	return reflect.TypeOf((*Res)(nil)).Elem()
}

// Worker executes requests of one contract. Implementations must be safe for
// concurrent use and must not assume which goroutine calls them.
type Worker[Req, Res any] interface {
	Work(ctx context.Context, req Req) (Res, error)
}

// WorkerFunc adapts an ordinary function to Worker.
type WorkerFunc[Req, Res any] func(ctx context.Context, req Req) (Res, error)

// Work implements Worker.Work
func (f WorkerFunc[Req, Res]) Work(ctx context.Context, req Req) (Res, error) {
	return f(ctx, req)
}

// Validator is implemented by requests that can check their own shape before
// they are queued.
type Validator interface {
	Validate() error
}
