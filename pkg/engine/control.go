// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/santemesh/hie/pkg/config"
	"github.com/santemesh/hie/pkg/status/health"
	"github.com/santemesh/hie/pkg/telemetry"
	"github.com/santemesh/hie/pkg/util/log"
)

// controlServer is the local management surface of a running engine.
type controlServer struct {
	engine   *Engine
	addr     string
	listener net.Listener
	server   *http.Server
}

func newControlServer(e *Engine, addr string) *controlServer {
	c := &controlServer{engine: e, addr: addr}

	router := mux.NewRouter()
	router.HandleFunc("/status", c.status).Methods(http.MethodGet)
	router.HandleFunc("/status/{host}", c.hostStatus).Methods(http.MethodGet)
	router.HandleFunc("/hosts/{name}/restart", c.hostAction((*Engine).RestartHost)).Methods(http.MethodPost)
	router.HandleFunc("/hosts/{name}/enable", c.hostAction((*Engine).EnableHost)).Methods(http.MethodPost)
	router.HandleFunc("/hosts/{name}/disable", c.hostAction((*Engine).DisableHost)).Methods(http.MethodPost)
	router.HandleFunc("/hosts/{name}/config", c.reloadConfig).Methods(http.MethodPut)
	router.HandleFunc("/healthz", c.healthz).Methods(http.MethodGet)
	router.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)

	c.server = &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}
	return c
}

func (c *controlServer) start() error {
	listener, err := net.Listen("tcp", c.addr)
	if err != nil {
		return err
	}
	c.listener = listener
	go func() {
		if err := c.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Errorf("engine | control server: %v", err)
		}
	}()
	log.Infof("engine | control API listening on %s", listener.Addr())
	return nil
}

func (c *controlServer) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.server.Shutdown(ctx); err != nil {
		log.Warnf("engine | control server shutdown: %v", err)
	}
}

// Addr returns the bound address once started, for tests using port 0.
func (c *controlServer) Addr() net.Addr {
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("engine | control response write: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// actionStatus maps host-management errors onto response codes: unknown
// hosts are 404, lifecycle conflicts 409.
func actionStatus(err error) int {
	var notFound *HostNotFoundError
	if errors.As(err, &notFound) {
		return http.StatusNotFound
	}
	return http.StatusConflict
}

func (c *controlServer) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.engine.GetStatus())
}

func (c *controlServer) hostStatus(w http.ResponseWriter, r *http.Request) {
	hs, err := c.engine.HostStatusFor(mux.Vars(r)["host"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, hs)
}

func (c *controlServer) hostAction(action func(*Engine, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if err := action(c.engine, name); err != nil {
			writeError(w, actionStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"host": name, "result": "ok"})
	}
}

func (c *controlServer) reloadConfig(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var overlay config.SettingsBag
	if err := json.NewDecoder(r.Body).Decode(&overlay); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := c.engine.ReloadHostConfig(name, overlay); err != nil {
		writeError(w, actionStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"host": name, "result": "reloaded"})
}

func (c *controlServer) healthz(w http.ResponseWriter, r *http.Request) {
	status := health.GetStatus()
	code := http.StatusOK
	if len(status.Unhealthy) > 0 || c.engine.Failed() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
