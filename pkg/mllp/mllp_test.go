// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package mllp

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/santemesh/hie/pkg/errs"
)

const sampleADT = "MSH|^~\\&|PAS|HOSP|EPR|HOSP|20240101120000||ADT^A01|MSG001|P|2.4\rPID|1||12345\r"

func TestWrapUnwrapRoundtrip(t *testing.T) {
	payloads := [][]byte{
		[]byte(sampleADT),
		[]byte(""),
		[]byte("x"),
		{0x00, 0xff, 0x7f},
		[]byte("MSA|AA|MSG001"),
	}
	for _, p := range payloads {
		framed := Wrap(p)
		assert.Equal(t, byte(StartBlock), framed[0])
		assert.Equal(t, byte(EndBlock), framed[len(framed)-2])
		assert.Equal(t, byte(CarriageReturn), framed[len(framed)-1])

		got, err := Unwrap(framed)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestUnwrapErrors(t *testing.T) {
	_, err := Unwrap([]byte("no delimiters"))
	assert.Error(t, err)
	_, err = Unwrap([]byte{StartBlock, 'a', 'b'})
	assert.Error(t, err)
}

func pipeReader(t *testing.T, timeout time.Duration, maxSize int) (net.Conn, *Reader) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, NewReader(server, timeout, maxSize)
}

func TestReadFrameWithTrailingCR(t *testing.T) {
	client, reader := pipeReader(t, time.Second, 1024)

	go func() {
		client.Write(Wrap([]byte(sampleADT)))
	}()

	payload, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte(sampleADT), payload)
}

func TestReadFrameSkipsGarbageBeforeStartBlock(t *testing.T) {
	client, reader := pipeReader(t, time.Second, 1024)

	go func() {
		client.Write([]byte("\r\n\x00keepalive"))
		client.Write(Wrap([]byte("MSA|AA|1")))
	}()

	payload, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("MSA|AA|1"), payload)
}

func TestReadFrameWithoutTrailingCR(t *testing.T) {
	client, reader := pipeReader(t, time.Second, 1024)

	go func() {
		client.Write([]byte{StartBlock})
		client.Write([]byte("payload"))
		client.Write([]byte{EndBlock})
		// No CR, and nothing else: the reader must give up the peek.
	}()

	payload, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), payload)
}

func TestReadFrameBackToBackWithoutCR(t *testing.T) {
	client, reader := pipeReader(t, time.Second, 1024)

	go func() {
		frame := append([]byte{StartBlock}, []byte("one")...)
		frame = append(frame, EndBlock)
		frame = append(frame, StartBlock)
		frame = append(frame, []byte("two")...)
		frame = append(frame, EndBlock, CarriageReturn)
		client.Write(frame)
	}()

	payload, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), payload)

	payload, err = reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), payload)
}

func TestReadFrameSplitAcrossWrites(t *testing.T) {
	client, reader := pipeReader(t, time.Second, 1024)

	framed := Wrap([]byte(sampleADT))
	go func() {
		for _, b := range framed {
			client.Write([]byte{b})
		}
	}()

	payload, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte(sampleADT), payload)
}

func TestReadFrameOversize(t *testing.T) {
	client, reader := pipeReader(t, time.Second, 8)

	go func() {
		client.Write(Wrap([]byte("way too large for the limit")))
	}()

	_, err := reader.ReadFrame()
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 8, fe.Limit)
	assert.False(t, errs.IsRetryable(err))
}

func TestReadFrameEOFBetweenFrames(t *testing.T) {
	client, reader := pipeReader(t, time.Second, 1024)

	go client.Close()

	_, err := reader.ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestReadFrameEOFMidFrame(t *testing.T) {
	client, reader := pipeReader(t, time.Second, 1024)

	go func() {
		client.Write([]byte{StartBlock})
		client.Write([]byte("partial"))
		client.Close()
	}()

	_, err := reader.ReadFrame()
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestReadFrameTimeout(t *testing.T) {
	_, reader := pipeReader(t, 50*time.Millisecond, 1024)

	_, err := reader.ReadFrame()
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))
}

func TestWriteFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		done <- buf[:n]
	}()

	require.NoError(t, WriteFrame(client, []byte("MSA|AA|1"), time.Second))
	assert.Equal(t, Wrap([]byte("MSA|AA|1")), <-done)
}
