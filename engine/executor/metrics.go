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

package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/syncflow/syncwork/engine/pkg/promutil"
)

var (
	factory = promutil.NewFactory4Framework()

	executorWorkItemGauge = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "executor",
		Name:      "work_items",
		Help:      "number of work items by state",
	}, []string{"state"})

	executorConcurrencyLimitGauge = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "executor",
		Name:      "concurrency_limit",
		Help:      "the maximum number of work items running at the same time",
	})

	executorTicketsInUseGauge = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "executor",
		Name:      "tickets_in_use",
		Help:      "number of admission tickets not yet released",
	})

	executorMembersGauge = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "executor",
		Name:      "cluster_members",
		Help:      "number of executors visible in the cluster",
	})
)
