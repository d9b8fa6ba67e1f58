// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package adapter holds the protocol-specific I/O layers a host attaches
// to: the MLLP listener and client, the file poller and writer, and the
// HTTP inbound endpoint. Adapters share a three-state lifecycle and a
// metrics block; inbound adapters deliver payloads to the owning host
// through a Handler callback.
package adapter

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/santemesh/hie/pkg/metrics"
)

// State of an adapter.
type State int32

// Adapter states.
const (
	StateCreated State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateStarted:
		return "Started"
	case StateStopped:
		return "Stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Adapter is the common lifecycle contract.
type Adapter interface {
	Start() error
	Stop() error
	State() State
}

// Meta describes where an inbound payload came from.
type Meta struct {
	RemoteAddr  string
	Path        string
	ContentType string
	MessageType string
	Priority    string
}

// Handler is the inbound callback: the owning host consumes the payload
// and returns the bytes to answer with (an HL7 ACK for MLLP, a message id
// for HTTP), or nil for no response.
type Handler func(payload []byte, meta Meta) (response []byte, err error)

// lifecycle is the shared state machine.
type lifecycle struct {
	state atomic.Int32
}

func (l *lifecycle) State() State { return State(l.state.Load()) }

func (l *lifecycle) transition(from, to State) error {
	if !l.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("adapter: illegal transition to %s from %s", to, l.State())
	}
	return nil
}

// MetricsBlock carries the per-adapter counters, mirrored to the default
// telemetry set under the owning host's name.
type MetricsBlock struct {
	host string
	kind string

	ConnectionsTotal  atomic.Int64
	ConnectionsActive atomic.Int64
	BytesReceived     atomic.Int64
	BytesSent         atomic.Int64
	ErrorsTotal       atomic.Int64
}

func newMetricsBlock(host, kind string) *MetricsBlock {
	return &MetricsBlock{host: host, kind: kind}
}

func (b *MetricsBlock) connOpened() {
	b.ConnectionsTotal.Inc()
	active := b.ConnectionsActive.Inc()
	metrics.TlmConnectionsActive.Set(float64(active), b.host, b.kind)
}

func (b *MetricsBlock) connClosed() {
	active := b.ConnectionsActive.Dec()
	metrics.TlmConnectionsActive.Set(float64(active), b.host, b.kind)
}

func (b *MetricsBlock) received(n int) {
	b.BytesReceived.Add(int64(n))
	metrics.TlmMessageSize.Observe(float64(n), b.host, "in")
}

func (b *MetricsBlock) sent(n int) {
	b.BytesSent.Add(int64(n))
	metrics.TlmMessageSize.Observe(float64(n), b.host, "out")
}

func (b *MetricsBlock) failed(err error) {
	b.ErrorsTotal.Inc()
	metrics.TlmMessagesFailed.Inc(b.host, errorKind(err))
}
