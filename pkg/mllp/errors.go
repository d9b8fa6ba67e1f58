// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package mllp

import (
	"errors"
	"fmt"
)

// ErrConnClosed is returned when the connection closes in the middle of a
// frame. A close between frames surfaces as io.EOF instead.
var ErrConnClosed = errors.New("connection closed mid-frame")

// FrameError reports a malformed or oversized frame. The connection remains
// usable: the next read resynchronizes on the start block.
type FrameError struct {
	Reason string
	Size   int
	Limit  int
}

func (e *FrameError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("mllp: %s (%d > %d bytes)", e.Reason, e.Size, e.Limit)
	}
	return fmt.Sprintf("mllp: %s", e.Reason)
}

// Retryable implements the errs.Retryable interface. Resending the same
// bytes cannot fix a bad frame.
func (e *FrameError) Retryable() bool { return false }
