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

package clock

import (
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/gavv/monotime"
)

type (
	// Timer alias to bclock.Timer
	Timer = bclock.Timer
	// Ticker alias to bclock.Ticker
	Ticker = bclock.Ticker
	// MonotonicTime is a point on the monotonic clock, measured from an
	// unspecified origin.
	MonotonicTime time.Duration
)

var unixEpoch = time.Unix(0, 0)

// Clock is a wall clock that can also read monotonic time. Work items record
// their submit time with Mono so that ages survive wall clock adjustments.
type Clock interface {
	bclock.Clock
	Mono() MonotonicTime
}

type withRealMono struct {
	bclock.Clock
}

func (r withRealMono) Mono() MonotonicTime {
	return MonotonicTime(monotime.Now())
}

// Mock is a Clock whose time only moves when told to.
type Mock struct {
	*bclock.Mock
}

// Mono implements Clock.Mono
func (r Mock) Mono() MonotonicTime {
	return MonotonicTime(r.Now().Sub(unixEpoch))
}

// New returns a Clock backed by the system clock.
func New() Clock {
	return withRealMono{bclock.New()}
}

// NewMock returns a new mock clock set to the unix epoch.
func NewMock() *Mock {
	return &Mock{bclock.NewMock()}
}

// Sub returns the duration m-other.
func (m MonotonicTime) Sub(other MonotonicTime) time.Duration {
	return time.Duration(m - other)
}
