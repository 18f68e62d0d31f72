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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/syncflow/syncwork/engine/lib/registry"
	"github.com/syncflow/syncwork/engine/pkg/clock"
	"github.com/syncflow/syncwork/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

func TestPasswordVerifier(t *testing.T) {
	t.Parallel()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	v := NewPasswordVerifier()
	ctx := context.Background()

	res, err := v.Work(ctx, PasswordVerifierRequest{Password: "hunter2", PasswordHash: string(hash)})
	require.NoError(t, err)
	require.True(t, res.IsValid)

	res, err = v.Work(ctx, PasswordVerifierRequest{Password: "hunter3", PasswordHash: string(hash)})
	require.NoError(t, err)
	require.False(t, res.IsValid)

	_, err = v.Work(ctx, PasswordVerifierRequest{Password: "hunter2", PasswordHash: "not-a-hash"})
	require.Error(t, err)

	require.Error(t, PasswordVerifierRequest{Password: "x"}.Validate())
}

func TestTestDelaySuccess(t *testing.T) {
	t.Parallel()

	mockClock := clock.NewMock()
	w := NewTestDelaySuccess(mockClock)
	started := mockClock.Now()

	type result struct {
		res TestDelaySuccessResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := w.Work(context.Background(), TestDelaySuccessRequest{Started: started, DelayMs: 500})
		done <- result{res, err}
	}()

	// Advance until the worker's timer has been armed and fired.
	require.Eventually(t, func() bool {
		mockClock.Add(100 * time.Millisecond)
		return len(done) == 1
	}, 5*time.Second, 10*time.Millisecond)
	r := <-done
	require.NoError(t, r.err)
	require.Equal(t, started, r.res.Started)
	require.False(t, r.res.Ended.Before(started.Add(500*time.Millisecond)))

	require.Error(t, TestDelaySuccessRequest{DelayMs: -1}.Validate())
}

func TestTestDelayException(t *testing.T) {
	t.Parallel()

	w := NewTestDelayException(clock.New())
	_, err := w.Work(context.Background(), TestDelayExceptionRequest{DelayMs: 1})
	require.True(t, errors.Is(err, errors.ErrTestDelayException), err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Work(ctx, TestDelayExceptionRequest{DelayMs: 60000})
	require.ErrorIs(t, errors.Cause(err), context.Canceled)
}

func TestBind(t *testing.T) {
	t.Parallel()

	r := registry.NewRegistry()
	require.NoError(t, Bind(r))
	r.Seal()
	require.NoError(t, r.Validate(Contracts()...))
	require.ElementsMatch(t, Contracts(), r.Contracts())

	// Binding twice is a duplicate.
	r2 := registry.NewRegistry()
	require.NoError(t, Bind(r2))
	require.True(t, errors.Is(Bind(r2), errors.ErrDuplicateContract))
}
