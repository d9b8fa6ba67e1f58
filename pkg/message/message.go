// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package message defines the in-flight message that travels between hosts.
// The raw payload is immutable; a lazy HL7 parsed view is attached on first
// use and carried along so downstream hosts never re-parse.
package message

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/santemesh/hie/pkg/hl7"
)

// Status is the lifecycle state of an in-flight message.
type Status string

// Message statuses.
const (
	StatusCreated   Status = "Created"
	StatusQueued    Status = "Queued"
	StatusCompleted Status = "Completed"
	StatusError     Status = "Error"
	StatusDiscarded Status = "Discarded"
)

// Terminal reports whether a message in this status may still be processed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDiscarded
}

// Content types the engine knows about.
const (
	ContentTypeHL7   = "application/hl7-v2+er7"
	ContentTypePlain = "text/plain"
)

// Message is one unit of work flowing through a production. RawBytes are
// never mutated after construction; transforms produce a new Message via
// WithRaw.
type Message struct {
	ID            string
	CorrelationID string
	SessionID     string
	SequenceNum   int64

	RawBytes    []byte
	ContentType string
	Encoding    string

	SourceConfig string
	TargetConfig string
	MessageType  string

	Status     Status
	RetryCount int
	ExpiresAt  *time.Time
	ReceivedAt time.Time

	mu     sync.Mutex
	parsed *hl7.Message
}

// New creates a message at ingress: fresh id and session, Created status.
// When the payload parses as HL7 the correlation id is MSH-10 and the
// message type is filled in; otherwise the correlation id falls back to the
// message id.
func New(raw []byte, contentType, sourceConfig string) *Message {
	m := &Message{
		ID:           uuid.New().String(),
		SessionID:    uuid.New().String(),
		RawBytes:     raw,
		ContentType:  contentType,
		Encoding:     "utf-8",
		SourceConfig: sourceConfig,
		Status:       StatusCreated,
		ReceivedAt:   time.Now().UTC(),
	}
	m.CorrelationID = m.ID
	if contentType == ContentTypeHL7 {
		if parsed, err := hl7.Parse(raw); err == nil {
			m.parsed = parsed
			m.MessageType = parsed.MessageType()
			if ctrl := parsed.ControlID(); ctrl != "" {
				m.CorrelationID = ctrl
			}
		}
	}
	return m
}

// Parsed returns the lazy HL7 view over the raw bytes, building it on first
// call. It returns an error for payloads that are not parseable HL7.
func (m *Message) Parsed() (*hl7.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.parsed != nil {
		return m.parsed, nil
	}
	parsed, err := hl7.Parse(m.RawBytes)
	if err != nil {
		return nil, err
	}
	m.parsed = parsed
	return parsed, nil
}

// GetField resolves an HL7 field path against the parsed view, returning
// def when the payload is not HL7 or the field is absent.
func (m *Message) GetField(path, def string) string {
	parsed, err := m.Parsed()
	if err != nil {
		return def
	}
	return parsed.GetField(path, def)
}

// WithRaw returns a copy of the message carrying new raw bytes, preserving
// identity, session and routing fields. Used by transforms: the original
// message is unchanged.
func (m *Message) WithRaw(raw []byte) *Message {
	c := m.clone()
	c.RawBytes = raw
	c.parsed = nil
	if m.ContentType == ContentTypeHL7 {
		if parsed, err := hl7.Parse(raw); err == nil {
			c.parsed = parsed
			c.MessageType = parsed.MessageType()
		}
	}
	return c
}

// NextLeg returns a copy of the message addressed to target, re-entering the
// Created state. Session and correlation ids carry over; the leg gets its
// own id so every persisted header row is distinct.
func (m *Message) NextLeg(target string) *Message {
	c := m.clone()
	c.ID = uuid.New().String()
	c.TargetConfig = target
	c.Status = StatusCreated
	c.RetryCount = 0
	return c
}

// Expired reports whether the message carries a deadline that has passed.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

func (m *Message) clone() *Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Message{
		ID:            m.ID,
		CorrelationID: m.CorrelationID,
		SessionID:     m.SessionID,
		SequenceNum:   m.SequenceNum,
		RawBytes:      m.RawBytes,
		ContentType:   m.ContentType,
		Encoding:      m.Encoding,
		SourceConfig:  m.SourceConfig,
		TargetConfig:  m.TargetConfig,
		MessageType:   m.MessageType,
		Status:        m.Status,
		RetryCount:    m.RetryCount,
		ExpiresAt:     m.ExpiresAt,
		ReceivedAt:    m.ReceivedAt,
		parsed:        m.parsed,
	}
}
