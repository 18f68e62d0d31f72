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

// Package demo contains the workers bound by the demo executor.
package demo

import (
	"context"
	"time"

	"github.com/syncflow/syncwork/engine/lib/registry"
	"github.com/syncflow/syncwork/engine/pkg/clock"
	"github.com/syncflow/syncwork/pkg/errors"
)

// Contracts of the demo workers.
var (
	PasswordVerifierContract = registry.NewContract[PasswordVerifierRequest, PasswordVerifierResult](
		"password-verifier")
	TestDelaySuccessContract = registry.NewContract[TestDelaySuccessRequest, TestDelaySuccessResult](
		"test-delay-success")
	TestDelayExceptionContract = registry.NewContract[TestDelayExceptionRequest, TestDelayExceptionResult](
		"test-delay-exception")
)

// Contracts returns the IDs of every demo contract.
func Contracts() []registry.ContractID {
	return []registry.ContractID{
		PasswordVerifierContract.ID(),
		TestDelaySuccessContract.ID(),
		TestDelayExceptionContract.ID(),
	}
}

// Bind registers the demo workers on r.
func Bind(r *registry.Registry) error {
	return BindWithClock(r, clock.New())
}

// BindWithClock is like Bind, delays are measured on clk.
func BindWithClock(r *registry.Registry, clk clock.Clock) error {
	if err := registry.Register(r, PasswordVerifierContract,
		registry.Worker[PasswordVerifierRequest, PasswordVerifierResult](NewPasswordVerifier())); err != nil {
		return err
	}
	if err := registry.Register(r, TestDelaySuccessContract,
		registry.Worker[TestDelaySuccessRequest, TestDelaySuccessResult](NewTestDelaySuccess(clk))); err != nil {
		return err
	}
	return registry.Register(r, TestDelayExceptionContract,
		registry.Worker[TestDelayExceptionRequest, TestDelayExceptionResult](NewTestDelayException(clk)))
}

func delay(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := clk.Timer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-timer.C:
		return nil
	}
}
