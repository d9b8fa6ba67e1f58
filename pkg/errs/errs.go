// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package errs holds the retryability seam shared by the error types of the
// codec, adapter, host and engine packages.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Retryable is implemented by errors that know whether the operation that
// produced them may be retried.
type Retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err, or any error it wraps, declares itself
// retryable. Plain timeouts are retryable by convention.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return IsTimeout(err)
}

// BackpressureError means a host queue refused a message because it was
// full. Inbound adapters translate it into their protocol's back-off
// signal (a 503, an AR ack).
type BackpressureError struct {
	Host     string
	Capacity int
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("queue for %s is full (capacity %d)", e.Host, e.Capacity)
}

// Retryable: the sender may try again once the queue drains.
func (e *BackpressureError) Retryable() bool { return true }

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
