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

package promutil

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

var _ prometheus.Gatherer = globalMetricGatherer

// NOTICE: we don't use prometheus.DefaultRegistry so that metrics registered
// by third-party libraries don't leak into the executor's /metrics.
var (
	globalMetricRegistry                     = NewRegistry()
	globalMetricGatherer prometheus.Gatherer = globalMetricRegistry
)

func init() {
	globalMetricRegistry.MustRegister(systemID, collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	globalMetricRegistry.MustRegister(systemID, collectors.NewGoCollector())
}

// Registry is used for registering metric
type Registry struct {
	sync.Mutex
	*prometheus.Registry

	// collectorByOwner is for cleaning all collectors of a contract at once.
	collectorByOwner map[string][]prometheus.Collector
}

// NewRegistry return a new Registry
func NewRegistry() *Registry {
	return &Registry{
		Registry:         prometheus.NewRegistry(),
		collectorByOwner: make(map[string][]prometheus.Collector),
	}
}

// MustRegister registers the provided Collector on behalf of owner.
func (r *Registry) MustRegister(owner string, c prometheus.Collector) {
	if c == nil {
		return
	}
	r.Lock()
	defer r.Unlock()

	r.Registry.MustRegister(c)
	r.collectorByOwner[owner] = append(r.collectorByOwner[owner], c)
}

// Unregister unregisters all Collectors of owner.
func (r *Registry) Unregister(owner string) {
	r.Lock()
	defer r.Unlock()

	cls, exists := r.collectorByOwner[owner]
	if !exists {
		return
	}
	for _, collector := range cls {
		r.Registry.Unregister(collector)
	}
	delete(r.collectorByOwner, owner)
}

// Gather implements Gatherer interface
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	// NOT NEED lock here. prometheus.Registry has thread-safe methods
	return r.Registry.Gather()
}
