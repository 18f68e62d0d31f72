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

package demo

import (
	"context"
	"time"

	"github.com/syncflow/syncwork/engine/pkg/clock"
	"github.com/syncflow/syncwork/pkg/errors"
)

// TestDelaySuccessRequest asks the worker to wait DelayMs before succeeding.
type TestDelaySuccessRequest struct {
	Started time.Time `json:"started"`
	DelayMs int       `json:"delay_ms"`
}

// Validate implements registry.Validator.
func (r TestDelaySuccessRequest) Validate() error {
	if r.DelayMs < 0 {
		return errors.Errorf("delay_ms %d is negative", r.DelayMs)
	}
	return nil
}

// TestDelaySuccessResult echoes the start time and reports when work ended.
type TestDelaySuccessResult struct {
	Started time.Time `json:"started"`
	Ended   time.Time `json:"ended"`
}

// TestDelaySuccess waits and succeeds.
type TestDelaySuccess struct {
	clock clock.Clock
}

// NewTestDelaySuccess creates a TestDelaySuccess.
func NewTestDelaySuccess(clk clock.Clock) *TestDelaySuccess {
	return &TestDelaySuccess{clock: clk}
}

// Work implements registry.Worker.
func (w *TestDelaySuccess) Work(ctx context.Context, req TestDelaySuccessRequest) (TestDelaySuccessResult, error) {
	if err := delay(ctx, w.clock, time.Duration(req.DelayMs)*time.Millisecond); err != nil {
		return TestDelaySuccessResult{}, err
	}
	return TestDelaySuccessResult{
		Started: req.Started,
		Ended:   w.clock.Now(),
	}, nil
}

// TestDelayExceptionRequest asks the worker to wait DelayMs before failing.
type TestDelayExceptionRequest struct {
	DelayMs int `json:"delay_ms"`
}

// Validate implements registry.Validator.
func (r TestDelayExceptionRequest) Validate() error {
	if r.DelayMs < 0 {
		return errors.Errorf("delay_ms %d is negative", r.DelayMs)
	}
	return nil
}

// TestDelayExceptionResult is never produced.
type TestDelayExceptionResult struct{}

// TestDelayException waits and fails with ErrTestDelayException.
type TestDelayException struct {
	clock clock.Clock
}

// NewTestDelayException creates a TestDelayException.
func NewTestDelayException(clk clock.Clock) *TestDelayException {
	return &TestDelayException{clock: clk}
}

// Work implements registry.Worker.
func (w *TestDelayException) Work(ctx context.Context, req TestDelayExceptionRequest) (TestDelayExceptionResult, error) {
	if err := delay(ctx, w.clock, time.Duration(req.DelayMs)*time.Millisecond); err != nil {
		return TestDelayExceptionResult{}, err
	}
	return TestDelayExceptionResult{}, errors.ErrTestDelayException.GenWithStackByArgs(req.DelayMs)
}
