// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Gauge tracks the value of one health metric of the engine.
type Gauge struct {
	gv *prometheus.GaugeVec
}

// NewGauge creates a Gauge with default options and registers it.
func NewGauge(subsystem, name string, tags []string, help string) *Gauge {
	return NewGaugeWithOpts(subsystem, name, tags, help, DefaultOptions)
}

// NewGaugeWithOpts creates a Gauge and registers it.
func NewGaugeWithOpts(subsystem, name string, tags []string, help string, opts Options) *Gauge {
	g := &Gauge{
		gv: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: opts.nameWithSeparator(subsystem, name),
				Help: help,
			},
			tags,
		),
	}
	mustRegister(g.gv)
	return g
}

// Set sets the value of the gauge for the given tag values.
func (g *Gauge) Set(value float64, tagValues ...string) {
	g.gv.WithLabelValues(tagValues...).Set(value)
}

// Inc increments the gauge for the given tag values.
func (g *Gauge) Inc(tagValues ...string) {
	g.gv.WithLabelValues(tagValues...).Inc()
}

// Dec decrements the gauge for the given tag values.
func (g *Gauge) Dec(tagValues ...string) {
	g.gv.WithLabelValues(tagValues...).Dec()
}

// Add adds the given value to the gauge for the given tag values.
func (g *Gauge) Add(value float64, tagValues ...string) {
	g.gv.WithLabelValues(tagValues...).Add(value)
}

// Sub subtracts the given value from the gauge for the given tag values.
func (g *Gauge) Sub(value float64, tagValues ...string) {
	g.gv.WithLabelValues(tagValues...).Sub(value)
}

// Delete removes the series matching the tag values.
func (g *Gauge) Delete(tagValues ...string) {
	g.gv.DeleteLabelValues(tagValues...)
}

// Get returns the current value for the given tag values. Test helper.
func (g *Gauge) Get(tagValues ...string) float64 {
	m := &dto.Metric{}
	if err := g.gv.WithLabelValues(tagValues...).Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
