// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Counter tracks how many times something happens.
type Counter struct {
	cv *prometheus.CounterVec
}

// NewCounter creates a Counter with default options and registers it.
func NewCounter(subsystem, name string, tags []string, help string) *Counter {
	return NewCounterWithOpts(subsystem, name, tags, help, DefaultOptions)
}

// NewCounterWithOpts creates a Counter and registers it.
func NewCounterWithOpts(subsystem, name string, tags []string, help string, opts Options) *Counter {
	c := &Counter{
		cv: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: opts.nameWithSeparator(subsystem, name),
				Help: help,
			},
			tags,
		),
	}
	mustRegister(c.cv)
	return c
}

// InitializeToZero creates the counter with the given tags and sets it to 0.
// Used to make sure a metric is reported even before the first increment.
func (c *Counter) InitializeToZero(tagValues ...string) {
	c.cv.WithLabelValues(tagValues...)
}

// Inc increments the counter for the given tag values.
func (c *Counter) Inc(tagValues ...string) {
	c.cv.WithLabelValues(tagValues...).Inc()
}

// Add adds the given value to the counter for the given tag values.
func (c *Counter) Add(value float64, tagValues ...string) {
	c.cv.WithLabelValues(tagValues...).Add(value)
}

// Delete removes the series matching the tag values.
func (c *Counter) Delete(tagValues ...string) {
	c.cv.DeleteLabelValues(tagValues...)
}

// Get returns the current value for the given tag values. Test helper.
func (c *Counter) Get(tagValues ...string) float64 {
	m := &dto.Metric{}
	if err := c.cv.WithLabelValues(tagValues...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
