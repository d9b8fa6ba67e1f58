// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package store persists one header row per message leg and one
// content-addressed body row per distinct payload. Two backends implement
// the same interface: an embedded buntdb file (the default) and postgres.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/santemesh/hie/pkg/message"
)

// ErrNotFound is returned for lookups of unknown header ids.
var ErrNotFound = errors.New("store: message not found")

// Leg is the input for one persisted source→target hand-off.
type Leg struct {
	ID            string // header id; generated when empty
	ProjectID     string
	SessionID     string
	CorrelationID string
	SequenceNum   int64
	SourceConfig  string
	TargetConfig  string
	MessageType   string
	Status        message.Status
	ReceivedAt    time.Time

	RawBytes      []byte
	ContentType   string
	BodyClassName string
	HL7Type       string
	HL7ControlID  string
}

// LegFromMessage builds the persisted form of an in-flight message.
func LegFromMessage(m *message.Message) Leg {
	leg := Leg{
		ID:            m.ID,
		SessionID:     m.SessionID,
		CorrelationID: m.CorrelationID,
		SequenceNum:   m.SequenceNum,
		SourceConfig:  m.SourceConfig,
		TargetConfig:  m.TargetConfig,
		MessageType:   m.MessageType,
		Status:        m.Status,
		ReceivedAt:    m.ReceivedAt,
		RawBytes:      m.RawBytes,
		ContentType:   m.ContentType,
		BodyClassName: "RawContent",
	}
	if m.ContentType == message.ContentTypeHL7 {
		leg.BodyClassName = "HL7Message"
		leg.HL7Type = m.MessageType
		if parsed, err := m.Parsed(); err == nil {
			leg.HL7ControlID = parsed.ControlID()
		}
	}
	return leg
}

// Header is one persisted leg.
type Header struct {
	ID            string     `db:"id" json:"id"`
	ProjectID     string     `db:"project_id" json:"project_id,omitempty"`
	SessionID     string     `db:"session_id" json:"session_id"`
	CorrelationID string     `db:"correlation_id" json:"correlation_id"`
	SequenceNum   int64      `db:"sequence_num" json:"sequence_num"`
	SourceConfig  string     `db:"source_config_name" json:"source_config_name"`
	TargetConfig  string     `db:"target_config_name" json:"target_config_name"`
	MessageType   string     `db:"message_type" json:"message_type"`
	Status        string     `db:"status" json:"status"`
	ReceivedAt    time.Time  `db:"received_at" json:"received_at"`
	CompletedAt   *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	LatencyMS     int64      `db:"latency_ms" json:"latency_ms"`
	BodyID        string     `db:"body_id" json:"body_id"`
	AckContent    []byte     `db:"ack_content" json:"ack_content,omitempty"`
	ErrorMessage  string     `db:"error_message" json:"error_message,omitempty"`
}

// Body is one persisted payload, shared by every leg carrying the same
// bytes.
type Body struct {
	ID              string `db:"id" json:"id"`
	BodyClassName   string `db:"body_class_name" json:"body_class_name"`
	ContentType     string `db:"content_type" json:"content_type"`
	ContentEncoding string `db:"content_encoding" json:"content_encoding,omitempty"`
	ContentSize     int    `db:"content_size" json:"content_size"`
	RawContent      []byte `db:"raw_content" json:"raw_content"`
	HL7Type         string `db:"hl7_message_type" json:"hl7_message_type,omitempty"`
	HL7ControlID    string `db:"hl7_control_id" json:"hl7_control_id,omitempty"`
}

// Filters narrow a per-project listing.
type Filters struct {
	Status      message.Status
	ItemName    string // matches either end of the leg
	MessageType string
	Direction   string // "inbound" (no source) or "outbound" (has target)
	Since       time.Time
	Until       time.Time
}

// MessageQuery is the multi-field selector of the query surface.
type MessageQuery struct {
	SessionID     string
	CorrelationID string
	SourceConfig  string
	TargetConfig  string
	Status        message.Status
	MessageType   string
	From          time.Time
	To            time.Time
	OrderDesc     bool
	Limit         int
	Offset        int
}

// Stats summarize a backend.
type Stats struct {
	Headers   int   `json:"headers"`
	Bodies    int   `json:"bodies"`
	BodyBytes int64 `json:"body_bytes"`
}

// Store is the persistence plane of the engine.
type Store interface {
	StoreHeader(ctx context.Context, leg Leg) (string, error)
	UpdateStatus(ctx context.Context, id string, status message.Status, ack []byte, errMsg string) error
	GetByID(ctx context.Context, id string) (Header, error)
	GetContent(ctx context.Context, id string) ([]byte, error)
	ListByProject(ctx context.Context, projectID string, f Filters, limit, offset int) ([]Header, int, error)
	Query(ctx context.Context, q MessageQuery) ([]Header, error)
	DeleteOlderThan(ctx context.Context, days int) (int, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

func (f Filters) matches(h Header) bool {
	if f.Status != "" && h.Status != string(f.Status) {
		return false
	}
	if f.ItemName != "" && h.SourceConfig != f.ItemName && h.TargetConfig != f.ItemName {
		return false
	}
	if f.MessageType != "" && h.MessageType != f.MessageType {
		return false
	}
	switch f.Direction {
	case "inbound":
		if h.TargetConfig != "" {
			return false
		}
	case "outbound":
		if h.TargetConfig == "" {
			return false
		}
	}
	if !f.Since.IsZero() && h.ReceivedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && h.ReceivedAt.After(f.Until) {
		return false
	}
	return true
}

func (q MessageQuery) matches(h Header) bool {
	if q.SessionID != "" && h.SessionID != q.SessionID {
		return false
	}
	if q.CorrelationID != "" && h.CorrelationID != q.CorrelationID {
		return false
	}
	if q.SourceConfig != "" && h.SourceConfig != q.SourceConfig {
		return false
	}
	if q.TargetConfig != "" && h.TargetConfig != q.TargetConfig {
		return false
	}
	if q.Status != "" && h.Status != string(q.Status) {
		return false
	}
	if q.MessageType != "" && h.MessageType != q.MessageType {
		return false
	}
	if !q.From.IsZero() && h.ReceivedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && h.ReceivedAt.After(q.To) {
		return false
	}
	return true
}
