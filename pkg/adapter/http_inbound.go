// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package adapter

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/santemesh/hie/pkg/config"
	"github.com/santemesh/hie/pkg/util/log"
)

// HTTPInboundSettings come from the adapter settings bag of an HTTP
// service.
type HTTPInboundSettings struct {
	Host string
	Port int
	Path string
	// Methods and ContentTypes are comma-separated lists.
	Methods      string
	ContentTypes string
	MaxBodySize  int64
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	RateBurst int
}

func (s *HTTPInboundSettings) fill() error {
	if s.Port < 0 || s.Port > 65535 {
		return &config.Error{Path: "adapter/Port", Reason: fmt.Sprintf("invalid port %d", s.Port)}
	}
	if s.Host == "" {
		s.Host = "0.0.0.0"
	}
	if s.Path == "" {
		s.Path = "/messages"
	}
	if s.Methods == "" {
		s.Methods = http.MethodPost
	}
	if s.ContentTypes == "" {
		s.ContentTypes = "application/hl7-v2+er7,text/plain"
	}
	if s.MaxBodySize <= 0 {
		s.MaxBodySize = 10 << 20
	}
	if s.RateBurst <= 0 {
		s.RateBurst = 10
	}
	return nil
}

// HTTPInbound accepts messages over HTTP POST. Success answers 202 with
// the message id; overload answers 503 so the sender backs off.
type HTTPInbound struct {
	lifecycle
	hostName string
	settings HTTPInboundSettings
	handler  Handler
	metrics  *MetricsBlock

	methods      map[string]struct{}
	contentTypes map[string]struct{}
	limiter      *rate.Limiter
	listener     net.Listener
	server       *http.Server
}

// NewHTTPInbound builds the endpoint adapter from a decoded settings bag.
func NewHTTPInbound(hostName string, settings HTTPInboundSettings, handler Handler) (*HTTPInbound, error) {
	if err := settings.fill(); err != nil {
		return nil, err
	}
	a := &HTTPInbound{
		hostName:     hostName,
		settings:     settings,
		handler:      handler,
		metrics:      newMetricsBlock(hostName, "http-in"),
		methods:      make(map[string]struct{}),
		contentTypes: make(map[string]struct{}),
	}
	for _, m := range strings.Split(settings.Methods, ",") {
		a.methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
	}
	for _, ct := range strings.Split(settings.ContentTypes, ",") {
		a.contentTypes[strings.TrimSpace(ct)] = struct{}{}
	}
	if settings.RateLimit > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(settings.RateLimit), settings.RateBurst)
	}
	return a, nil
}

// Metrics exposes the adapter counters.
func (a *HTTPInbound) Metrics() *MetricsBlock { return a.metrics }

// Addr returns the bound address once started.
func (a *HTTPInbound) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Start binds the listener and serves.
func (a *HTTPInbound) Start() error {
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

	router := mux.NewRouter()
	router.PathPrefix(a.settings.Path).HandlerFunc(a.receive)
	a.server = &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := a.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Errorf("%s | http server: %v", a.hostName, err)
		}
	}()
	log.Infof("%s | http listening on %s%s", a.hostName, listener.Addr(), a.settings.Path)
	return nil
}

func (a *HTTPInbound) receive(w http.ResponseWriter, r *http.Request) {
	a.metrics.connOpened()
	defer a.metrics.connClosed()

	if _, ok := a.methods[r.Method]; !ok {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	contentType := r.Header.Get("Content-Type")
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	if _, ok := a.contentTypes[strings.TrimSpace(contentType)]; !ok {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}
	if a.limiter != nil && !a.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.settings.MaxBodySize))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	a.metrics.received(len(body))

	response, err := a.handler(body, Meta{
		RemoteAddr:  r.RemoteAddr,
		Path:        r.URL.Path,
		ContentType: contentType,
		MessageType: r.Header.Get("X-Message-Type"),
		Priority:    r.Header.Get("X-Priority"),
	})
	if err != nil {
		a.metrics.failed(err)
		status, reason := httpStatusFor(err)
		http.Error(w, reason, status)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	w.Write(response)
}

// httpStatusFor maps the error taxonomy onto response codes: queue
// pressure asks the sender to back off, bad payloads are the sender's
// fault, the rest is ours.
func httpStatusFor(err error) (int, string) {
	switch errorKind(err) {
	case "validation":
		return http.StatusBadRequest, err.Error()
	case "backpressure":
		return http.StatusServiceUnavailable, "queue full"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// Stop shuts the server down, draining in-flight requests briefly.
func (a *HTTPInbound) Stop() error {
	if err := a.transition(StateStarted, StateStopped); err != nil {
		return err
	}
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(ctx)
	}
	return nil
}
