// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package adapter

import (
	"errors"
	"fmt"

	"github.com/santemesh/hie/pkg/errs"
	"github.com/santemesh/hie/pkg/hl7"
	"github.com/santemesh/hie/pkg/mllp"
)

func isA[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// ConnectionError wraps a failed dial, read or write on a peer connection.
// Transport faults are transient: the caller may reconnect and retry.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("adapter: connection to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Retryable implements the errs seam.
func (e *ConnectionError) Retryable() bool { return true }

// TimeoutError wraps an exceeded read, write or ACK deadline.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("adapter: %s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Retryable implements the errs seam.
func (e *TimeoutError) Retryable() bool { return true }

// Timeout marks the error as a timeout for net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// SendError is a delivery that kept failing after the adapter's own retry
// budget. The host decides whether the message dies or re-queues.
type SendError struct {
	Target   string
	Attempts int
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("adapter: send to %s failed after %d attempts: %v", e.Target, e.Attempts, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Retryable defers to the underlying cause.
func (e *SendError) Retryable() bool { return errs.IsRetryable(e.Err) }

// errorKind labels failures for the messages_failed_total metric.
func errorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case isA[*mllp.FrameError](err):
		return "frame"
	case isA[*hl7.ValidationError](err):
		return "validation"
	case isA[*errs.BackpressureError](err):
		return "backpressure"
	case isA[*TimeoutError](err) || errs.IsTimeout(err):
		return "timeout"
	case isA[*ConnectionError](err):
		return "connection"
	case isA[*SendError](err):
		return "send"
	default:
		return "internal"
	}
}
