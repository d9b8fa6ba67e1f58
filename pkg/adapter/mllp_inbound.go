// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package adapter

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/santemesh/hie/pkg/config"
	"github.com/santemesh/hie/pkg/mllp"
	"github.com/santemesh/hie/pkg/util/log"
)

// MLLPInboundSettings come from the adapter settings bag of a TCP service.
type MLLPInboundSettings struct {
	Port            int
	Host            string
	MaxConnections  int64
	ReadTimeout     time.Duration
	AckTimeout      time.Duration
	MaxMessageSize  int
	ShutdownTimeout time.Duration
}

func (s *MLLPInboundSettings) fill() error {
	if s.Port < 0 || s.Port > 65535 {
		return &config.Error{Path: "adapter/Port", Reason: fmt.Sprintf("invalid port %d", s.Port)}
	}
	if s.Host == "" {
		s.Host = "0.0.0.0"
	}
	if s.MaxConnections <= 0 {
		s.MaxConnections = 100
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = 30 * time.Second
	}
	if s.AckTimeout <= 0 {
		s.AckTimeout = 30 * time.Second
	}
	if s.MaxMessageSize <= 0 {
		s.MaxMessageSize = 10 << 20
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = 5 * time.Second
	}
	return nil
}

// MLLPInbound listens for MLLP connections and hands each frame to the
// host. The per-connection loop acknowledges a frame before reading the
// next one, which is how the adapter back-pressures fast senders.
type MLLPInbound struct {
	lifecycle
	hostName string
	settings MLLPInboundSettings
	handler  Handler
	metrics  *MetricsBlock

	listener net.Listener
	sem      *semaphore.Weighted
	shutdown chan struct{}
	wg       sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// NewMLLPInbound builds the listener adapter from a decoded settings bag.
func NewMLLPInbound(hostName string, settings MLLPInboundSettings, handler Handler) (*MLLPInbound, error) {
	if err := settings.fill(); err != nil {
		return nil, err
	}
	return &MLLPInbound{
		hostName: hostName,
		settings: settings,
		handler:  handler,
		metrics:  newMetricsBlock(hostName, "mllp-in"),
		shutdown: make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Metrics exposes the adapter counters.
func (a *MLLPInbound) Metrics() *MetricsBlock { return a.metrics }

// Addr returns the bound address once started; useful with Port 0.
func (a *MLLPInbound) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Start binds the listener and begins accepting.
func (a *MLLPInbound) Start() error {
	if err := a.transition(StateCreated, StateStarted); err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", a.settings.Host, a.settings.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		a.state.Store(int32(StateStopped))
		return &ConnectionError{Addr: addr, Err: err}
	}
	a.listener = listener
	a.sem = semaphore.NewWeighted(a.settings.MaxConnections)

	a.wg.Add(1)
	go a.acceptLoop()
	log.Infof("%s | mllp listening on %s", a.hostName, listener.Addr())
	return nil
}

func (a *MLLPInbound) acceptLoop() {
	defer a.wg.Done()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.shutdown:
				return
			default:
			}
			log.Warnf("%s | accept failed: %v", a.hostName, err)
			return
		}
		if !a.sem.TryAcquire(1) {
			// Over MaxConnections: refuse immediately.
			log.Warnf("%s | refusing connection from %s: connection limit reached", a.hostName, conn.RemoteAddr())
			conn.Close()
			continue
		}
		a.track(conn)
		a.wg.Add(1)
		go a.serve(conn)
	}
}

func (a *MLLPInbound) serve(conn net.Conn) {
	defer a.wg.Done()
	defer a.sem.Release(1)
	defer a.untrack(conn)
	defer conn.Close()

	a.metrics.connOpened()
	defer a.metrics.connClosed()

	remote := conn.RemoteAddr().String()
	reader := mllp.NewReader(conn, a.settings.ReadTimeout, a.settings.MaxMessageSize)
	for {
		select {
		case <-a.shutdown:
			return
		default:
		}

		payload, err := reader.ReadFrame()
		if err != nil {
			var frameErr *mllp.FrameError
			if errors.As(err, &frameErr) {
				// Drop the frame, keep the connection.
				a.metrics.failed(err)
				log.Warnf("%s | dropping bad frame from %s: %v", a.hostName, remote, err)
				continue
			}
			if err != mllp.ErrConnClosed {
				log.Debugf("%s | connection from %s closed: %v", a.hostName, remote, err)
			}
			return
		}
		a.metrics.received(len(payload))

		ack, err := a.handler(payload, Meta{RemoteAddr: remote})
		if err != nil {
			a.metrics.failed(err)
			log.Warnf("%s | message from %s failed: %v", a.hostName, remote, err)
		}
		if len(ack) == 0 {
			continue
		}
		if err := mllp.WriteFrame(conn, ack, a.settings.AckTimeout); err != nil {
			a.metrics.failed(err)
			log.Warnf("%s | could not write ack to %s: %v", a.hostName, remote, err)
			return
		}
		a.metrics.sent(len(ack))
	}
}

func (a *MLLPInbound) track(conn net.Conn) {
	a.connMu.Lock()
	a.conns[conn] = struct{}{}
	a.connMu.Unlock()
}

func (a *MLLPInbound) untrack(conn net.Conn) {
	a.connMu.Lock()
	delete(a.conns, conn)
	a.connMu.Unlock()
}

// Stop closes the listener, lets in-flight connection loops drain, and
// force-closes whatever remains after the shutdown timeout.
func (a *MLLPInbound) Stop() error {
	if err := a.transition(StateStarted, StateStopped); err != nil {
		return err
	}
	close(a.shutdown)
	if a.listener != nil {
		a.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(a.settings.ShutdownTimeout):
		a.connMu.Lock()
		n := len(a.conns)
		for conn := range a.conns {
			conn.Close()
		}
		a.connMu.Unlock()
		if n > 0 {
			log.Warnf("%s | force-closed %d connections at shutdown", a.hostName, n)
		}
		<-done
	}
	return nil
}
