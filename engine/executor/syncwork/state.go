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
	"time"

	"github.com/syncflow/syncwork/engine/lib/registry"
)

// State is the lifecycle state of a work item.
type State int32

// All states of a work item. An item moves Queued -> Running -> Completed or
// Queued -> Running -> Failed and visits every state at most once.
const (
	StateNotStarted State = iota
	StateQueued
	StateRunning
	StateCompleted
	StateFailed
)

var stateNames = map[State]string{
	StateNotStarted: "not-started",
	StateQueued:     "queued",
	StateRunning:    "running",
	StateCompleted:  "completed",
	StateFailed:     "failed",
}

// String implements fmt.Stringer
func (s State) String() string {
	name, ok := stateNames[s]
	if !ok {
		return "unknown"
	}
	return name
}

// IsTerminal returns true for Completed and Failed.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Status is a point-in-time view of a work item. Result is only set when
// State is StateCompleted. Err is set when State is StateFailed, or with
// StateQueued once the dispatcher closed before admitting the item.
type Status[Res any] struct {
	State  State
	Result Res
	Err    error
}

// Event is broadcast on every state transition of a work item.
type Event struct {
	ID       string
	Contract registry.ContractID
	State    State
	Err      error
	// QueueDuration is set once the item leaves Queued.
	QueueDuration time.Duration
	// RunDuration is set on terminal events.
	RunDuration time.Duration
}
