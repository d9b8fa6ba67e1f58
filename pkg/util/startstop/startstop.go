// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package startstop provides helpers to start and stop groups of components
// that expose a plain Start/Stop pair.
package startstop

import "sync"

// Startable represents a startable object
type Startable interface {
	Start()
}

// Stoppable represents a stoppable object
type Stoppable interface {
	Stop()
}

// StartStoppable represents a startable and stoppable object
type StartStoppable interface {
	Startable
	Stoppable
}

// Starter starts a collection of components in order.
type Starter struct {
	components []Startable
}

// NewStarter returns a new Starter over the given components.
func NewStarter(components ...Startable) *Starter {
	return &Starter{components: components}
}

// Add appends a component to the starter.
func (s *Starter) Add(component Startable) {
	s.components = append(s.components, component)
}

// Start starts all components in the order they were added.
func (s *Starter) Start() {
	for _, c := range s.components {
		c.Start()
	}
}

// Stopper stops a collection of components.
type Stopper interface {
	Stoppable
	Add(components ...Stoppable)
}

type serialStopper struct {
	components []Stoppable
}

// NewSerialStopper returns a stopper that stops components one after the
// other, in the order they were added.
func NewSerialStopper(components ...Stoppable) Stopper {
	return &serialStopper{components: components}
}

func (s *serialStopper) Add(components ...Stoppable) {
	s.components = append(s.components, components...)
}

func (s *serialStopper) Stop() {
	for _, c := range s.components {
		c.Stop()
	}
}

type parallelStopper struct {
	components []Stoppable
}

// NewParallelStopper returns a stopper that stops all components
// concurrently and returns once every Stop call came back.
func NewParallelStopper(components ...Stoppable) Stopper {
	return &parallelStopper{components: components}
}

func (s *parallelStopper) Add(components ...Stoppable) {
	s.components = append(s.components, components...)
}

func (s *parallelStopper) Stop() {
	wg := &sync.WaitGroup{}
	for _, component := range s.components {
		wg.Add(1)
		go func(c Stoppable) {
			c.Stop()
			wg.Done()
		}(component)
	}
	wg.Wait()
}
