// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/santemesh/hie/pkg/errs"
	"github.com/santemesh/hie/pkg/mllp"
)

var testMsg = []byte("MSH|^~\\&|PAS|HOSP|EPR|HOSP|20240101120000||ADT^A01|MSG001|P|2.4\rPID|1||12345\r")

func echoHandler(reply []byte) Handler {
	return func(payload []byte, meta Meta) ([]byte, error) {
		return reply, nil
	}
}

func TestMLLPInboundRoundtrip(t *testing.T) {
	received := make(chan []byte, 1)
	handler := func(payload []byte, meta Meta) ([]byte, error) {
		received <- payload
		return []byte("ACK"), nil
	}
	a, err := NewMLLPInbound("adt_in", MLLPInboundSettings{Port: 0}, handler)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	conn, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, mllp.WriteFrame(conn, testMsg, time.Second))
	ack, err := mllp.NewReader(conn, 2*time.Second, 0).ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("ACK"), ack)

	select {
	case got := <-received:
		assert.Equal(t, testMsg, got)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw the message")
	}
	assert.EqualValues(t, 1, a.Metrics().ConnectionsTotal.Load())
}

func TestMLLPInboundOversizeFrameKeepsConnection(t *testing.T) {
	a, err := NewMLLPInbound("adt_in", MLLPInboundSettings{Port: 0, MaxMessageSize: 16}, echoHandler([]byte("ACK")))
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	conn, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Over the limit: dropped, connection stays up.
	require.NoError(t, mllp.WriteFrame(conn, bytes.Repeat([]byte("x"), 64), time.Second))
	// Within the limit: acknowledged.
	require.NoError(t, mllp.WriteFrame(conn, []byte("small"), time.Second))

	ack, err := mllp.NewReader(conn, 2*time.Second, 0).ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("ACK"), ack)
	assert.EqualValues(t, 1, a.Metrics().ErrorsTotal.Load())
}

func TestMLLPInboundConnectionLimit(t *testing.T) {
	a, err := NewMLLPInbound("adt_in", MLLPInboundSettings{Port: 0, MaxConnections: 1}, echoHandler(nil))
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	first, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	defer first.Close()

	// Second connection is refused once the limit is reached.
	assert.Eventually(t, func() bool {
		second, err := net.Dial("tcp", a.Addr().String())
		if err != nil {
			return false
		}
		defer second.Close()
		second.SetReadDeadline(time.Now().Add(time.Second))
		_, err = second.Read(make([]byte, 1))
		return err == io.EOF
	}, 3*time.Second, 50*time.Millisecond)
}

// mllpAckServer accepts one connection and answers every frame with ack.
func mllpAckServer(t *testing.T, ack []byte) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				reader := mllp.NewReader(conn, 5*time.Second, 0)
				for {
					if _, err := reader.ReadFrame(); err != nil {
						return
					}
					if err := mllp.WriteFrame(conn, ack, time.Second); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return listener
}

func TestMLLPOutboundSend(t *testing.T) {
	listener := mllpAckServer(t, []byte("AA"))
	defer listener.Close()
	host, port := splitHostPort(t, listener.Addr().String())

	a, err := NewMLLPOutbound("epr_out", MLLPOutboundSettings{IPAddress: host, Port: port})
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	ack, err := a.Send(context.Background(), testMsg)
	require.NoError(t, err)
	assert.Equal(t, []byte("AA"), ack)

	// Second send reuses the pooled connection.
	_, err = a.Send(context.Background(), testMsg)
	require.NoError(t, err)
	assert.EqualValues(t, 1, a.Metrics().ConnectionsTotal.Load())
}

func TestMLLPOutboundRetriesThenFails(t *testing.T) {
	// Grab a port nothing listens on.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port := splitHostPort(t, listener.Addr().String())
	listener.Close()

	a, err := NewMLLPOutbound("epr_out", MLLPOutboundSettings{
		IPAddress:      host,
		Port:           port,
		ConnectTimeout: 200 * time.Millisecond,
		ReconnectDelay: 10 * time.Millisecond,
		MaxRetries:     2,
	})
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	_, err = a.Send(context.Background(), testMsg)
	require.Error(t, err)
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, 3, sendErr.Attempts)
	assert.True(t, errs.IsRetryable(err))
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var port int
	_, err = fmt.Sscanf(portStr, "%d", &port)
	require.NoError(t, err)
	return host, port
}

func TestFileInboundProcessesMatchingFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir := "/var/spool/in"
	require.NoError(t, fs.MkdirAll(dir, 0o755))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "b.hl7"), testMsg, 0o644))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "skip.txt"), []byte("nope"), 0o644))

	received := make(chan Meta, 4)
	handler := func(payload []byte, meta Meta) ([]byte, error) {
		assert.Equal(t, testMsg, payload)
		received <- meta
		return nil, nil
	}
	a, err := NewFileInbound("file_in", FileInboundSettings{
		WatchDirectory: dir,
		Patterns:       "*.hl7",
		PollInterval:   10 * time.Millisecond,
	}, handler, fs, nil)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	select {
	case meta := <-received:
		assert.Equal(t, filepath.Join(dir, "b.hl7"), meta.Path)
		assert.Equal(t, "application/hl7-v2+er7", meta.ContentType)
	case <-time.After(3 * time.Second):
		t.Fatal("file was never processed")
	}

	// The processed file is consumed; the non-matching one survives.
	assert.Eventually(t, func() bool {
		ok, _ := afero.Exists(fs, filepath.Join(dir, "b.hl7"))
		return !ok
	}, 2*time.Second, 20*time.Millisecond)
	ok, err := afero.Exists(fs, filepath.Join(dir, "skip.txt"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileInboundMoveTo(t *testing.T) {
	fs := afero.NewMemMapFs()
	dir, archive := "/in", "/archive"
	require.NoError(t, fs.MkdirAll(dir, 0o755))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "msg.hl7"), testMsg, 0o644))

	a, err := NewFileInbound("file_in", FileInboundSettings{
		WatchDirectory: dir,
		PollInterval:   10 * time.Millisecond,
		MoveTo:         archive,
	}, echoHandler(nil), fs, nil)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	assert.Eventually(t, func() bool {
		ok, _ := afero.Exists(fs, filepath.Join(archive, "msg.hl7"))
		return ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestFileInboundMissingDirectory(t *testing.T) {
	a, err := NewFileInbound("file_in", FileInboundSettings{
		WatchDirectory: "/does/not/exist",
	}, echoHandler(nil), afero.NewMemMapFs(), nil)
	require.NoError(t, err)
	require.Error(t, a.Start())
	assert.Equal(t, StateStopped, a.State())
}

func TestFileOutboundWritesAtomically(t *testing.T) {
	fs := afero.NewMemMapFs()
	a, err := NewFileOutbound("file_out", FileOutboundSettings{
		Directory:       "/out",
		FilenamePattern: "%id%.hl7",
	}, fs, nil)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	require.NoError(t, a.Send(context.Background(), testMsg, "abc-123"))

	data, err := afero.ReadFile(fs, "/out/abc-123.hl7")
	require.NoError(t, err)
	assert.Equal(t, testMsg, data)
	ok, err := afero.Exists(fs, "/out/abc-123.hl7.tmp")
	require.NoError(t, err)
	assert.False(t, ok, "temp file must not survive the rename")
}

func TestFileOutboundSanitizesFilename(t *testing.T) {
	a, err := NewFileOutbound("file_out", FileOutboundSettings{Directory: "/out"}, afero.NewMemMapFs(), nil)
	require.NoError(t, err)
	assert.Equal(t, "a_b.hl7", a.filename("a/b"))
}

func TestHTTPInbound(t *testing.T) {
	handler := func(payload []byte, meta Meta) ([]byte, error) {
		if bytes.Equal(payload, []byte("overload")) {
			return nil, &errs.BackpressureError{Host: "http_in", Capacity: 10}
		}
		assert.Equal(t, "ADT_A01", meta.MessageType)
		return []byte("msg-1"), nil
	}
	a, err := NewHTTPInbound("http_in", HTTPInboundSettings{Port: 0}, handler)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	url := fmt.Sprintf("http://%s/messages", a.Addr())
	post := func(body []byte, contentType string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("X-Message-Type", "ADT_A01")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post(testMsg, "application/hl7-v2+er7")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []byte("msg-1"), body)

	resp = post(testMsg, "application/json")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	getReq, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	getResp, err := http.DefaultClient.Do(getReq)
	require.NoError(t, err)
	getResp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, getResp.StatusCode)

	resp = post([]byte("overload"), "text/plain")
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHTTPInboundRateLimit(t *testing.T) {
	a, err := NewHTTPInbound("http_in", HTTPInboundSettings{
		Port:      0,
		RateLimit: 1,
		RateBurst: 1,
	}, echoHandler([]byte("ok")))
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	url := fmt.Sprintf("http://%s/messages", a.Addr())
	var limited bool
	for i := 0; i < 5; i++ {
		resp, err := http.Post(url, "text/plain", bytes.NewReader([]byte("m")))
		require.NoError(t, err)
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
	}
	assert.True(t, limited, "burst should exceed the limiter")
}

func TestLifecycleTransitions(t *testing.T) {
	a, err := NewMLLPOutbound("op", MLLPOutboundSettings{IPAddress: "127.0.0.1", Port: 9999})
	require.NoError(t, err)
	assert.Equal(t, StateCreated, a.State())
	require.NoError(t, a.Start())
	assert.Equal(t, StateStarted, a.State())
	require.Error(t, a.Start(), "double start is rejected")
	require.NoError(t, a.Stop())
	assert.Equal(t, StateStopped, a.State())
	require.Error(t, a.Stop(), "double stop is rejected")
}
