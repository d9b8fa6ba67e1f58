// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package telemetry provides the engine's internal metrics: counters, gauges
// and histograms registered on a process-wide Prometheus registry, exported
// in text format by Handler.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	mu       sync.Mutex
	registry = newRegistry()
)

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// Options for the metric constructors.
type Options struct {
	// NoDoubleUnderscoreSep joins subsystem and name with a single "_"
	// instead of the default "__".
	NoDoubleUnderscoreSep bool
}

// DefaultOptions for the metric constructors.
var DefaultOptions = Options{
	NoDoubleUnderscoreSep: false,
}

func (o Options) nameWithSeparator(subsystem, name string) string {
	if subsystem == "" {
		return name
	}
	if o.NoDoubleUnderscoreSep {
		return subsystem + "_" + name
	}
	return subsystem + "__" + name
}

func mustRegister(c prometheus.Collector) {
	mu.Lock()
	defer mu.Unlock()
	registry.MustRegister(c)
}

// Reset swaps in a fresh registry. Metrics created before Reset keep
// working but are no longer gathered; tests call this before building
// the metrics they assert on.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	registry = prometheus.NewRegistry()
}
