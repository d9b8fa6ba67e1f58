// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package adapter

import (
	"context"
	"fmt"
	"net"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/santemesh/hie/pkg/config"
	"github.com/santemesh/hie/pkg/errs"
	"github.com/santemesh/hie/pkg/metrics"
	"github.com/santemesh/hie/pkg/mllp"
	"github.com/santemesh/hie/pkg/util/log"
)

// MLLPOutboundSettings come from the adapter settings bag of a TCP
// operation.
type MLLPOutboundSettings struct {
	IPAddress      string
	Port           int
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	AckTimeout     time.Duration
	ReconnectDelay time.Duration
	MaxRetries     int
	KeepAlive      *bool
	PoolSize       int64
	ConnTTL        time.Duration
	MaxMessageSize int
}

func (s *MLLPOutboundSettings) fill() error {
	if s.IPAddress == "" {
		return &config.Error{Path: "adapter/IPAddress", Reason: "IPAddress is required"}
	}
	if s.Port <= 0 || s.Port > 65535 {
		return &config.Error{Path: "adapter/Port", Reason: fmt.Sprintf("invalid port %d", s.Port)}
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = 10 * time.Second
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = 10 * time.Second
	}
	if s.AckTimeout <= 0 {
		s.AckTimeout = 30 * time.Second
	}
	if s.ReconnectDelay <= 0 {
		s.ReconnectDelay = 5 * time.Second
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 3
	}
	if s.PoolSize <= 0 {
		s.PoolSize = 1
	}
	if s.ConnTTL <= 0 {
		s.ConnTTL = 10 * time.Minute
	}
	if s.MaxMessageSize <= 0 {
		s.MaxMessageSize = 10 << 20
	}
	return nil
}

type pooledConn struct {
	net.Conn
	createdAt time.Time
}

// MLLPOutbound is a lazy-connecting MLLP client. Connections live in a
// bounded pool; a send owns one connection for its whole write+ACK
// exchange, so request/response correlation needs no interleaving logic.
type MLLPOutbound struct {
	lifecycle
	hostName string
	settings MLLPOutboundSettings
	metrics  *MetricsBlock
	addr     string

	// sem bounds live connections; free holds idle ones.
	sem  *semaphore.Weighted
	free chan *pooledConn
}

// NewMLLPOutbound builds the client adapter from a decoded settings bag.
func NewMLLPOutbound(hostName string, settings MLLPOutboundSettings) (*MLLPOutbound, error) {
	if err := settings.fill(); err != nil {
		return nil, err
	}
	return &MLLPOutbound{
		hostName: hostName,
		settings: settings,
		metrics:  newMetricsBlock(hostName, "mllp-out"),
		addr:     fmt.Sprintf("%s:%d", settings.IPAddress, settings.Port),
		sem:      semaphore.NewWeighted(settings.PoolSize),
		free:     make(chan *pooledConn, settings.PoolSize),
	}, nil
}

// Metrics exposes the adapter counters.
func (a *MLLPOutbound) Metrics() *MetricsBlock { return a.metrics }

// Start marks the adapter usable; connects are lazy.
func (a *MLLPOutbound) Start() error {
	return a.transition(StateCreated, StateStarted)
}

// Stop closes every pooled connection.
func (a *MLLPOutbound) Stop() error {
	if err := a.transition(StateStarted, StateStopped); err != nil {
		return err
	}
	for {
		select {
		case conn := <-a.free:
			conn.Close()
			a.metrics.connClosed()
		default:
			return nil
		}
	}
}

// acquire takes a pooled connection or dials a new one, blocking until a
// slot is free or the context expires. Stale connections are recycled.
func (a *MLLPOutbound) acquire(ctx context.Context) (*pooledConn, error) {
	for {
		select {
		case conn := <-a.free:
			if time.Since(conn.createdAt) > a.settings.ConnTTL {
				log.Debugf("%s | recycling stale connection to %s", a.hostName, a.addr)
				a.discard(conn)
				continue
			}
			return conn, nil
		default:
		}
		break
	}

	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, &TimeoutError{Op: "acquire connection", Err: err}
	}
	conn, err := a.dial()
	if err != nil {
		a.sem.Release(1)
		return nil, err
	}
	return conn, nil
}

func (a *MLLPOutbound) dial() (*pooledConn, error) {
	dialer := net.Dialer{Timeout: a.settings.ConnectTimeout}
	if a.settings.KeepAlive == nil || *a.settings.KeepAlive {
		dialer.KeepAlive = 30 * time.Second
	} else {
		dialer.KeepAlive = -1
	}
	conn, err := dialer.Dial("tcp", a.addr)
	if err != nil {
		return nil, &ConnectionError{Addr: a.addr, Err: err}
	}
	a.metrics.connOpened()
	return &pooledConn{Conn: conn, createdAt: time.Now()}, nil
}

// release returns a healthy connection to the free list.
func (a *MLLPOutbound) release(conn *pooledConn) {
	select {
	case a.free <- conn:
	default:
		a.discard(conn)
	}
}

// discard closes a connection and frees its pool slot.
func (a *MLLPOutbound) discard(conn *pooledConn) {
	conn.Close()
	a.sem.Release(1)
	a.metrics.connClosed()
}

// Send delivers one payload and returns the raw ACK. Transport failures
// retry up to MaxRetries with ReconnectDelay between attempts,
// disconnecting before each retry.
func (a *MLLPOutbound) Send(ctx context.Context, payload []byte) ([]byte, error) {
	return a.send(ctx, payload, true)
}

// SendNoAck delivers one payload fire-and-forget.
func (a *MLLPOutbound) SendNoAck(ctx context.Context, payload []byte) error {
	_, err := a.send(ctx, payload, false)
	return err
}

func (a *MLLPOutbound) send(ctx context.Context, payload []byte, wantAck bool) ([]byte, error) {
	if a.State() != StateStarted {
		return nil, &ConnectionError{Addr: a.addr, Err: fmt.Errorf("adapter not started")}
	}

	attempts := 0
	var ack []byte
	operation := func() error {
		attempts++
		conn, err := a.acquire(ctx)
		if err != nil {
			a.metrics.failed(err)
			if errs.IsRetryable(err) {
				metrics.TlmRetries.Inc(a.hostName)
				metrics.Retries.Add(1)
				return err
			}
			return backoff.Permanent(err)
		}

		ack, err = a.exchange(conn, payload, wantAck)
		if err != nil {
			// A failed exchange poisons the connection: drop it and let
			// the retry dial a fresh one.
			a.discard(conn)
			a.metrics.failed(err)
			metrics.TlmReconnects.Inc(a.hostName)
			metrics.Reconnects.Add(1)
			return err
		}
		a.release(conn)
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(a.settings.ReconnectDelay),
			uint64(a.settings.MaxRetries),
		), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, &SendError{Target: a.addr, Attempts: attempts, Err: err}
	}
	a.metrics.sent(len(payload))
	return ack, nil
}

func (a *MLLPOutbound) exchange(conn *pooledConn, payload []byte, wantAck bool) ([]byte, error) {
	if err := mllp.WriteFrame(conn, payload, a.settings.WriteTimeout); err != nil {
		return nil, wrapNetErr("write", a.addr, err)
	}
	if !wantAck {
		return nil, nil
	}
	reader := mllp.NewReader(conn, a.settings.AckTimeout, a.settings.MaxMessageSize)
	ack, err := reader.ReadFrame()
	if err != nil {
		return nil, wrapNetErr("read ack", a.addr, err)
	}
	a.metrics.received(len(ack))
	return ack, nil
}

func wrapNetErr(op, addr string, err error) error {
	if errs.IsTimeout(err) {
		return &TimeoutError{Op: op, Err: err}
	}
	return &ConnectionError{Addr: addr, Err: err}
}
