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

package errors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestWrapError(t *testing.T) {
	t.Parallel()

	require.Nil(t, WrapError(ErrInvalidArgument, nil))

	cause := New("bad input")
	err := WrapError(ErrInvalidArgument, cause, "limit")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid argument: limit")
	require.True(t, Is(err, ErrInvalidArgument))
	require.False(t, Is(err, ErrUnknown))
}

func TestIs(t *testing.T) {
	t.Parallel()

	require.False(t, Is(nil, ErrUnknown))
	require.False(t, Is(New("plain"), ErrUnknown))

	err := ErrWorkItemNotFound.GenWithStackByArgs("id-1")
	require.True(t, Is(err, ErrWorkItemNotFound))
	require.True(t, Is(Trace(err), ErrWorkItemNotFound))
	require.True(t, Is(Annotate(err, "poll"), ErrWorkItemNotFound))

	combined := multierr.Append(
		ErrUnboundContract.GenWithStackByArgs("a"),
		ErrDuplicateContract.GenWithStackByArgs("b"))
	require.True(t, Is(combined, ErrUnboundContract))
	require.True(t, Is(combined, ErrDuplicateContract))
	require.False(t, Is(combined, ErrRegistrySealed))
}

func TestRFCCode(t *testing.T) {
	t.Parallel()

	_, ok := RFCCode(nil)
	require.False(t, ok)
	_, ok = RFCCode(New("plain"))
	require.False(t, ok)

	code, ok := RFCCode(Trace(ErrDispatcherClosed.GenWithStackByArgs()))
	require.True(t, ok)
	require.Equal(t, "SYNCWORK:ErrDispatcherClosed", string(code))

	code, ok = RFCCode(WrapError(ErrDecodeRequest, New("eof"), "contract"))
	require.True(t, ok)
	require.Equal(t, "SYNCWORK:ErrDecodeRequest", string(code))
}

func TestIsContextCanceledError(t *testing.T) {
	t.Parallel()

	require.True(t, IsContextCanceledError(context.Canceled))
	require.True(t, IsContextCanceledError(Trace(context.DeadlineExceeded)))
	require.False(t, IsContextCanceledError(ErrUnknown.GenWithStackByArgs()))
	require.False(t, IsContextCanceledError(nil))
}
