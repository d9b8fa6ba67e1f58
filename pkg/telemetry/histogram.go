// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Histogram tracks the distribution of one metric of the engine.
type Histogram struct {
	hv *prometheus.HistogramVec
}

// NewHistogram creates a Histogram with default options and registers it.
func NewHistogram(subsystem, name string, tags []string, help string, buckets []float64) *Histogram {
	return NewHistogramWithOpts(subsystem, name, tags, help, buckets, DefaultOptions)
}

// NewHistogramWithOpts creates a Histogram and registers it.
func NewHistogramWithOpts(subsystem, name string, tags []string, help string, buckets []float64, opts Options) *Histogram {
	h := &Histogram{
		hv: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    opts.nameWithSeparator(subsystem, name),
				Help:    help,
				Buckets: buckets,
			},
			tags,
		),
	}
	mustRegister(h.hv)
	return h
}

// Observe samples the given value for the given tag values.
func (h *Histogram) Observe(value float64, tagValues ...string) {
	h.hv.WithLabelValues(tagValues...).Observe(value)
}

// Delete removes the series matching the tag values.
func (h *Histogram) Delete(tagValues ...string) {
	h.hv.DeleteLabelValues(tagValues...)
}

// Get returns the sample count and sum for the given tag values. Test helper.
func (h *Histogram) Get(tagValues ...string) (uint64, float64) {
	m := &dto.Metric{}
	obs, err := h.hv.GetMetricWithLabelValues(tagValues...)
	if err != nil {
		return 0, 0
	}
	if err := obs.(prometheus.Metric).Write(m); err != nil {
		return 0, 0
	}
	hist := m.GetHistogram()
	return hist.GetSampleCount(), hist.GetSampleSum()
}
