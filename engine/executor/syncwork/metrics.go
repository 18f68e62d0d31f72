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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/syncflow/syncwork/engine/pkg/promutil"
)

var (
	factory = promutil.NewFactory4Framework()

	submittedCounter = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatcher",
		Name:      "submitted_total",
		Help:      "number of work items accepted by the dispatcher",
	}, []string{"contract"})

	finishedCounter = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatcher",
		Name:      "finished_total",
		Help:      "number of work items that reached a terminal state",
	}, []string{"contract", "state"})

	withdrawnCounter = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatcher",
		Name:      "withdrawn_total",
		Help:      "number of work items abandoned before admission",
	}, []string{"contract"})

	queueDurationHistogram = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dispatcher",
		Name:      "queue_duration_seconds",
		Help:      "time a work item waited for admission",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms ~ 32s
	}, []string{"contract"})

	runDurationHistogram = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dispatcher",
		Name:      "run_duration_seconds",
		Help:      "time a worker spent on a work item",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms ~ 32s
	}, []string{"contract"})
)
