// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package hl7 implements the HL7 v2 layer of the engine: a schema registry
// with single-parent inheritance, a lazy parsed view over raw ER7 bytes,
// structural validation and ACK generation.
//
// Raw bytes are immutable everywhere: reads parse on demand and cache,
// edits assemble new bytes and return a new view.
package hl7

import (
	"fmt"
	"sync"
)

// FieldDef describes one field position within a segment.
type FieldDef struct {
	Name     string
	Required bool
	MaxLen   int
	Repeats  bool
}

// SegmentDef describes a segment and its fields, keyed by 1-based position.
// Positions without validation rules are simply absent.
type SegmentDef struct {
	Name   string
	Fields map[int]FieldDef
}

// SegmentRef places a segment within a message structure.
type SegmentRef struct {
	Name     string
	Required bool
	Repeats  bool
}

// MessageDef describes a message structure, e.g. "ADT_A01".
type MessageDef struct {
	Type     string
	Segments []SegmentRef
}

// Schema is a named, versioned set of segment and message definitions.
// A schema may extend a base category; lookups walk the chain until a
// definition is found.
type Schema struct {
	Category string
	Base     string

	mu       sync.RWMutex
	segments map[string]*SegmentDef
	messages map[string]*MessageDef
}

// NewSchema creates an empty schema for a category. base may be empty.
func NewSchema(category, base string) *Schema {
	return &Schema{
		Category: category,
		Base:     base,
		segments: make(map[string]*SegmentDef),
		messages: make(map[string]*MessageDef),
	}
}

// AddSegment registers a segment definition, replacing any previous one.
func (s *Schema) AddSegment(def *SegmentDef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments[def.Name] = def
}

// AddMessage registers a message structure, replacing any previous one.
func (s *Schema) AddMessage(def *MessageDef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[def.Type] = def
}

func (s *Schema) segment(name string) (*SegmentDef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.segments[name]
	return def, ok
}

func (s *Schema) message(msgType string) (*MessageDef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.messages[msgType]
	return def, ok
}

// Registry holds schemas by category. It is read-mostly after startup;
// registration is synchronized.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry returns an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry. The built-in "2.4"
// schema is registered on it at init.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Register adds a schema. Registering a category twice is an error.
func (r *Registry) Register(s *Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.schemas[s.Category]; dup {
		return fmt.Errorf("hl7: schema category %q already registered", s.Category)
	}
	if s.Base != "" {
		if _, ok := r.schemas[s.Base]; !ok {
			return fmt.Errorf("hl7: schema %q extends unknown category %q", s.Category, s.Base)
		}
	}
	r.schemas[s.Category] = s
	return nil
}

// MustRegister adds a schema and panics on conflict. Used by built-ins.
func (r *Registry) MustRegister(s *Schema) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Get returns the schema for a category.
func (r *Registry) Get(category string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[category]
	return s, ok
}

// Reset drops every registered schema except the built-in base. Tests use
// this to start from a known state.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for category := range r.schemas {
		if category != BaseCategory {
			delete(r.schemas, category)
		}
	}
}

// maxChainDepth guards against registration cycles introduced through
// Reset/Register sequences.
const maxChainDepth = 16

// ResolveSegment finds a segment definition, walking the inheritance chain.
func (r *Registry) ResolveSegment(category, name string) (*SegmentDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for depth := 0; category != "" && depth < maxChainDepth; depth++ {
		s, ok := r.schemas[category]
		if !ok {
			return nil, false
		}
		if def, ok := s.segment(name); ok {
			return def, true
		}
		category = s.Base
	}
	return nil, false
}

// ResolveMessage finds a message structure, walking the inheritance chain.
func (r *Registry) ResolveMessage(category, msgType string) (*MessageDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for depth := 0; category != "" && depth < maxChainDepth; depth++ {
		s, ok := r.schemas[category]
		if !ok {
			return nil, false
		}
		if def, ok := s.message(msgType); ok {
			return def, true
		}
		category = s.Base
	}
	return nil, false
}
