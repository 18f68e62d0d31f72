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
	"github.com/prometheus/client_golang/prometheus"
)

// Factory is the interface to create some native prometheus metric.
// Every metric created by a Factory is registered with the Factory's Registry
// and carries the Factory's const labels. Panic if it can't register
// successfully.
type Factory interface {
	// NewCounter works like the function of the same name in the prometheus
	// package.
	NewCounter(opts prometheus.CounterOpts) prometheus.Counter

	// NewCounterVec works like the function of the same name in the
	// prometheus package.
	NewCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec

	// NewGauge works like the function of the same name in the prometheus
	// package.
	NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge

	// NewGaugeVec works like the function of the same name in the prometheus
	// package.
	NewGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec

	// NewHistogramVec works like the function of the same name in the
	// prometheus package.
	NewHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec
}

// wrappingFactory attaches const labels and a namespace prefix to every metric
// it creates, then registers it under owner.
type wrappingFactory struct {
	r           *Registry
	owner       string
	prefix      string
	constLabels prometheus.Labels
}

func (f *wrappingFactory) namespace(ns string) string {
	if f.prefix == "" {
		return ns
	}
	if ns == "" {
		return f.prefix
	}
	return f.prefix + "_" + ns
}

func (f *wrappingFactory) labels(origin prometheus.Labels) prometheus.Labels {
	if len(f.constLabels) == 0 {
		return origin
	}
	ret := make(prometheus.Labels, len(origin)+len(f.constLabels))
	for k, v := range origin {
		ret[k] = v
	}
	for k, v := range f.constLabels {
		ret[k] = v
	}
	return ret
}

// NewCounter implements Factory.NewCounter.
func (f *wrappingFactory) NewCounter(opts prometheus.CounterOpts) prometheus.Counter {
	opts.Namespace = f.namespace(opts.Namespace)
	opts.ConstLabels = f.labels(opts.ConstLabels)
	c := prometheus.NewCounter(opts)
	f.r.MustRegister(f.owner, c)
	return c
}

// NewCounterVec implements Factory.NewCounterVec.
func (f *wrappingFactory) NewCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	opts.Namespace = f.namespace(opts.Namespace)
	opts.ConstLabels = f.labels(opts.ConstLabels)
	c := prometheus.NewCounterVec(opts, labelNames)
	f.r.MustRegister(f.owner, c)
	return c
}

// NewGauge implements Factory.NewGauge.
func (f *wrappingFactory) NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	opts.Namespace = f.namespace(opts.Namespace)
	opts.ConstLabels = f.labels(opts.ConstLabels)
	c := prometheus.NewGauge(opts)
	f.r.MustRegister(f.owner, c)
	return c
}

// NewGaugeVec implements Factory.NewGaugeVec.
func (f *wrappingFactory) NewGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	opts.Namespace = f.namespace(opts.Namespace)
	opts.ConstLabels = f.labels(opts.ConstLabels)
	c := prometheus.NewGaugeVec(opts, labelNames)
	f.r.MustRegister(f.owner, c)
	return c
}

// NewHistogramVec implements Factory.NewHistogramVec.
func (f *wrappingFactory) NewHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
	opts.Namespace = f.namespace(opts.Namespace)
	opts.ConstLabels = f.labels(opts.ConstLabels)
	c := prometheus.NewHistogramVec(opts, labelNames)
	f.r.MustRegister(f.owner, c)
	return c
}
