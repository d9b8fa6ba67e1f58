// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package metrics declares the default metric set of the engine. Counters
// are paired with expvar mirrors, visible under the "hie" expvar map, so
// both surfaces report the same totals.
package metrics

import (
	"expvar"

	"github.com/santemesh/hie/pkg/telemetry"
)

// ProcessingTimeBuckets covers sub-second message handling up to slow 10s legs.
var ProcessingTimeBuckets = []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// MessageSizeBuckets covers HL7 payloads from tiny ACKs up to 1 MiB.
var MessageSizeBuckets = []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576}

var (
	// EngineExpvars groups the engine expvar metrics.
	EngineExpvars *expvar.Map
	// MessagesReceived is the total number of messages received by all hosts.
	MessagesReceived = expvar.Int{}
	// TlmMessagesReceived is the total number of messages received by a host.
	TlmMessagesReceived = telemetry.NewCounter("", "messages_received_total",
		[]string{"host", "type"}, "Total number of messages received by a host")
	// MessagesSent is the total number of messages sent by all hosts.
	MessagesSent = expvar.Int{}
	// TlmMessagesSent is the total number of messages sent by a host to a target.
	TlmMessagesSent = telemetry.NewCounter("", "messages_sent_total",
		[]string{"host", "target"}, "Total number of messages sent by a host to a target")
	// MessagesFailed is the total number of messages that failed processing.
	MessagesFailed = expvar.Int{}
	// TlmMessagesFailed is the total number of messages that failed processing.
	TlmMessagesFailed = telemetry.NewCounter("", "messages_failed_total",
		[]string{"host", "error"}, "Total number of messages that failed processing")
	// Retries is the total number of send retries.
	Retries = expvar.Int{}
	// TlmRetries is the total number of send retries per host.
	TlmRetries = telemetry.NewCounter("", "retries_total",
		[]string{"host"}, "Total number of send retries")
	// Reconnects is the total number of outbound reconnections.
	Reconnects = expvar.Int{}
	// TlmReconnects is the total number of outbound reconnections per host.
	TlmReconnects = telemetry.NewCounter("", "reconnects_total",
		[]string{"host"}, "Total number of outbound reconnections")
	// TlmAcks counts acknowledgements by MSA code.
	TlmAcks = telemetry.NewCounter("", "acks_total",
		[]string{"host", "code"}, "Total number of acknowledgements by MSA code")

	// TlmProcessingSeconds measures per-message processing latency.
	TlmProcessingSeconds = telemetry.NewHistogram("", "message_processing_seconds",
		[]string{"host"}, "Message processing latency", ProcessingTimeBuckets)
	// TlmMessageSize measures message sizes by direction.
	TlmMessageSize = telemetry.NewHistogram("", "message_size_bytes",
		[]string{"host", "direction"}, "Message size in bytes", MessageSizeBuckets)

	// TlmConnectionsActive tracks open connections per adapter.
	TlmConnectionsActive = telemetry.NewGauge("", "connections_active",
		[]string{"host", "adapter"}, "Number of open connections")
	// TlmQueueDepth tracks the number of queued messages per host.
	TlmQueueDepth = telemetry.NewGauge("", "queue_depth",
		[]string{"host"}, "Number of queued messages")
	// TlmHostStatus tracks the lifecycle state code of each host.
	TlmHostStatus = telemetry.NewGauge("", "host_status",
		[]string{"host", "type"}, "Host lifecycle state code")
	// TlmWalPending tracks the number of pending write-ahead log entries.
	TlmWalPending = telemetry.NewGauge("", "wal_pending",
		nil, "Number of pending write-ahead log entries")
)

func init() {
	EngineExpvars = expvar.NewMap("hie")
	EngineExpvars.Set("MessagesReceived", &MessagesReceived)
	EngineExpvars.Set("MessagesSent", &MessagesSent)
	EngineExpvars.Set("MessagesFailed", &MessagesFailed)
	EngineExpvars.Set("Retries", &Retries)
	EngineExpvars.Set("Reconnects", &Reconnects)
}
