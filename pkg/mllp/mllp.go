// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package mllp implements the Minimal Lower Layer Protocol framing used to
// carry HL7 v2 messages over TCP: <SB> payload <EB><CR>.
//
// The reader tolerates what real-world senders produce: stray bytes and
// keepalives before the start block are skipped, and the trailing carriage
// return is optional.
package mllp

import (
	"bytes"
	"io"
	"net"
	"time"
)

// MLLP block delimiters.
const (
	StartBlock     = 0x0b
	EndBlock       = 0x1c
	CarriageReturn = 0x0d
)

// crPeekTimeout bounds the wait for the optional trailing CR once the end
// block was read.
const crPeekTimeout = 100 * time.Millisecond

// Wrap frames a payload: prepend SB, append EB+CR.
func Wrap(payload []byte) []byte {
	framed := make([]byte, 0, len(payload)+3)
	framed = append(framed, StartBlock)
	framed = append(framed, payload...)
	framed = append(framed, EndBlock, CarriageReturn)
	return framed
}

// Unwrap extracts the payload from a framed block. Bytes before the start
// block and after the end block are ignored.
func Unwrap(frame []byte) ([]byte, error) {
	start := bytes.IndexByte(frame, StartBlock)
	if start < 0 {
		return nil, &FrameError{Reason: "no start block"}
	}
	end := bytes.IndexByte(frame[start:], EndBlock)
	if end < 0 {
		return nil, &FrameError{Reason: "no end block"}
	}
	return frame[start+1 : start+end], nil
}

// Reader decodes MLLP frames from one connection. It keeps its buffered
// state across frames, so use a single Reader per connection.
type Reader struct {
	conn        net.Conn
	readTimeout time.Duration
	maxSize     int

	buffered []byte // bytes read but not yet consumed
	scratch  []byte
}

// NewReader returns a Reader over conn. readTimeout bounds each ReadFrame
// call; zero disables the deadline. maxSize bounds the payload size.
func NewReader(conn net.Conn, readTimeout time.Duration, maxSize int) *Reader {
	return &Reader{
		conn:        conn,
		readTimeout: readTimeout,
		maxSize:     maxSize,
		scratch:     make([]byte, 4096),
	}
}

// ReadFrame reads one frame and returns its payload.
//
// Garbage before the start block is discarded. The optional trailing CR is
// consumed when it arrives within a short grace window, so a non-compliant
// sender that omits it does not stall the loop. Returns io.EOF when the
// connection closes between frames, ErrConnClosed when it closes mid-frame,
// a *FrameError past maxSize, and the deadline error on timeout.
func (r *Reader) ReadFrame() ([]byte, error) {
	if r.readTimeout > 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(r.readTimeout)); err != nil {
			return nil, err
		}
	}

	// Scan to the start block.
	for {
		b, err := r.readByte()
		if err != nil {
			return nil, err
		}
		if b == StartBlock {
			break
		}
	}

	var payload bytes.Buffer
	for {
		b, err := r.readByte()
		if err != nil {
			if err == io.EOF {
				return nil, ErrConnClosed
			}
			return nil, err
		}
		if b == EndBlock {
			break
		}
		if r.maxSize > 0 && payload.Len() >= r.maxSize {
			return nil, &FrameError{Reason: "frame exceeds maximum size", Size: payload.Len() + 1, Limit: r.maxSize}
		}
		payload.WriteByte(b)
	}

	r.consumeTrailingCR()
	return payload.Bytes(), nil
}

// consumeTrailingCR eats the CR most senders append after the end block,
// waiting at most crPeekTimeout for it. A different byte is left for the
// next frame scan.
func (r *Reader) consumeTrailingCR() {
	if len(r.buffered) == 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(crPeekTimeout)); err != nil {
			return
		}
		if err := r.fill(); err != nil {
			return
		}
	}
	if len(r.buffered) > 0 && r.buffered[0] == CarriageReturn {
		r.buffered = r.buffered[1:]
	}
}

func (r *Reader) readByte() (byte, error) {
	if len(r.buffered) == 0 {
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	b := r.buffered[0]
	r.buffered = r.buffered[1:]
	return b, nil
}

func (r *Reader) fill() error {
	// Only called with an empty buffer, so reusing scratch is safe.
	n, err := r.conn.Read(r.scratch)
	if n > 0 {
		r.buffered = r.scratch[:n]
		return nil
	}
	if err == nil {
		err = io.EOF
	}
	return err
}

// WriteFrame wraps the payload and writes the whole frame within timeout.
// Zero timeout disables the deadline.
func WriteFrame(conn net.Conn, payload []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	_, err := conn.Write(Wrap(payload))
	return err
}
