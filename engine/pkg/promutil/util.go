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
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routine to get a Factory:
// 1. The executor maintains a process-level Registry singleton.
// 2. The dispatcher uses NewFactory4Framework for its own metrics.
// 3. A worker uses NewFactory4Contract to produce metrics labelled with its
// contract, without any concern about registration or the http handler.

const (
	systemID    = "syncwork-system"
	frameworkID = "syncwork-framework"

	frameworkMetricPrefix = "syncwork"
	contractMetricPrefix  = "syncwork_contract"

	constLabelFrameworkKey = "framework"
	constLabelContractKey  = "contract"
)

// HTTPHandlerForMetric return http.Handler for prometheus metric
func HTTPHandlerForMetric() http.Handler {
	return HTTPHandlerForMetricImpl(globalMetricGatherer)
}

// HTTPHandlerForMetricImpl return http.Handler for the given gatherer.
func HTTPHandlerForMetricImpl(gather prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gather, promhttp.HandlerOpts{})
}

// NewFactory4Framework return a Factory for the dispatcher and the executor.
func NewFactory4Framework() Factory {
	return NewFactory4FrameworkImpl(globalMetricRegistry)
}

// NewFactory4FrameworkImpl is like NewFactory4Framework with a custom registry.
func NewFactory4FrameworkImpl(reg *Registry) Factory {
	return &wrappingFactory{
		r:      reg,
		owner:  frameworkID,
		prefix: frameworkMetricPrefix,
		constLabels: prometheus.Labels{
			constLabelFrameworkKey: "true",
		},
	}
}

// NewFactory4Contract return a Factory for the worker bound to contractID.
func NewFactory4Contract(contractID string) Factory {
	return NewFactory4ContractImpl(globalMetricRegistry, contractID)
}

// NewFactory4ContractImpl is like NewFactory4Contract with a custom registry.
func NewFactory4ContractImpl(reg *Registry, contractID string) Factory {
	return &wrappingFactory{
		r:      reg,
		owner:  contractID,
		prefix: contractMetricPrefix,
		constLabels: prometheus.Labels{
			constLabelContractKey: contractID,
		},
	}
}
