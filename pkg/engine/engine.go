// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package engine wires a validated production into running hosts: it
// instantiates items through the host registry, carries messages between
// them with write-ahead durability, and exposes the control surface host
// management goes through.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	cache "github.com/patrickmn/go-cache"
	"go.uber.org/atomic"

	"github.com/santemesh/hie/pkg/config"
	"github.com/santemesh/hie/pkg/errs"
	"github.com/santemesh/hie/pkg/hl7"
	"github.com/santemesh/hie/pkg/host"
	"github.com/santemesh/hie/pkg/message"
	"github.com/santemesh/hie/pkg/status/health"
	"github.com/santemesh/hie/pkg/store"
	"github.com/santemesh/hie/pkg/util/log"
	"github.com/santemesh/hie/pkg/util/startstop"
	"github.com/santemesh/hie/pkg/wal"
)

// FatalError means the durability plane failed: the WAL or the store is
// gone and the engine refuses further messages rather than lose them.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("engine: fatal %s failure: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Retryable implements the errs seam: a fatal engine is done accepting.
func (e *FatalError) Retryable() bool { return false }

// HostNotFoundError names a host the control surface asked for that is
// not part of the production.
type HostNotFoundError struct {
	Name string
}

func (e *HostNotFoundError) Error() string {
	return fmt.Sprintf("engine: host %q not found", e.Name)
}

// sessionTTL bounds how long a session keeps its sequence counter after
// its last message.
const sessionTTL = 30 * time.Minute

// Options tune an engine beyond its production config.
type Options struct {
	// Clock defaults to the wall clock; tests inject a mock.
	Clock clock.Clock
	// Schemas defaults to the built-in HL7 registry.
	Schemas *hl7.Registry
}

// Engine runs one production.
type Engine struct {
	cfg     *config.Production
	clk     clock.Clock
	schemas *hl7.Registry

	store   store.Store
	wal     *wal.WAL
	janitor *store.Janitor

	mu       sync.Mutex
	hosts    map[string]host.Host
	items    map[string]config.Item
	disabled map[string]bool
	running  bool

	// seq holds the per-session dispatch counters.
	seqMu sync.Mutex
	seq   *cache.Cache

	// walIDs maps in-flight message ids to their WAL entry ids.
	walMu  sync.Mutex
	walIDs map[string]string

	fatal   atomic.Bool
	control *controlServer
}

// New opens the persistence plane and returns an engine ready to Deploy.
func New(ctx context.Context, cfg *config.Production, opts Options) (*Engine, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Schemas == nil {
		opts.Schemas = hl7.DefaultRegistry()
	}

	st, err := store.Open(ctx, cfg.Persistence)
	if err != nil {
		return nil, err
	}

	var w *wal.WAL
	if cfg.WAL.Directory != "" {
		w, err = wal.Open(cfg.WAL.Directory, wal.Options{
			SyncMode:        wal.SyncMode(cfg.WAL.SyncMode),
			SegmentMaxBytes: cfg.WAL.SegmentMaxBytes,
			MaxRetries:      cfg.WAL.MaxRetries,
			BatchInterval:   cfg.WAL.BatchInterval,
			Clock:           opts.Clock,
		})
		if err != nil {
			st.Close()
			return nil, err
		}
	} else {
		log.Warnf("engine | no WAL directory configured, messages are not durable across restarts")
	}

	var janitor *store.Janitor
	if cfg.Persistence.RetentionDays > 0 {
		janitor, err = store.NewJanitor(st, cfg.Persistence.RetentionDays, cfg.Persistence.JanitorSchedule)
		if err != nil {
			if w != nil {
				w.Close()
			}
			st.Close()
			return nil, err
		}
	}

	e := &Engine{
		cfg:      cfg,
		clk:      opts.Clock,
		schemas:  opts.Schemas,
		store:    st,
		wal:      w,
		janitor:  janitor,
		hosts:    make(map[string]host.Host),
		items:    make(map[string]config.Item),
		disabled: make(map[string]bool),
		seq:      cache.New(sessionTTL, sessionTTL),
		walIDs:   make(map[string]string),
	}
	if cfg.Control.Addr != "" {
		e.control = newControlServer(e, cfg.Control.Addr)
	}
	return e, nil
}

// Store exposes the persistence plane, mostly for the control API and
// embedders.
func (e *Engine) Store() store.Store { return e.store }

// Deploy validates the production and instantiates every enabled item.
func (e *Engine) Deploy() error {
	if err := e.cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine: cannot deploy while running")
	}
	for _, item := range e.cfg.Items {
		if _, dup := e.items[item.Name]; dup {
			return &config.Error{Path: "items/" + item.Name, Reason: "duplicate item name"}
		}
		e.items[item.Name] = item
		if !item.IsEnabled() {
			e.disabled[item.Name] = true
			continue
		}
		h, err := e.buildHost(item)
		if err != nil {
			return err
		}
		e.hosts[item.Name] = h
	}
	log.Infof("engine | deployed production %q with %d hosts", e.cfg.Name, len(e.hosts))
	return nil
}

func (e *Engine) buildHost(item config.Item) (host.Host, error) {
	return host.New(item, host.Deps{
		Dispatch: e.dispatch,
		Recorder: &engineRecorder{e: e},
		Schemas:  e.schemas,
		Routes:   e.cfg.RoutesFor(item.Name),
		Clock:    e.clk,
	})
}

// byStage returns the deployed hosts of one type, name-sorted for a
// deterministic start order.
func (e *Engine) byStage(t config.ItemType) []host.Host {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []host.Host
	for _, h := range e.hosts {
		if h.Type() == t {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Start brings the production up: operations first, then processes, then
// the WAL replay, then services, so nothing can arrive before its
// downstream exists. Idempotent while running.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	for _, stage := range []config.ItemType{config.TypeOperation, config.TypeProcess} {
		if err := e.startStage(stage); err != nil {
			return err
		}
	}
	e.replayPending()
	if err := e.startStage(config.TypeService); err != nil {
		return err
	}

	if e.janitor != nil {
		e.janitor.Start()
	}
	if e.control != nil {
		if err := e.control.start(); err != nil {
			return err
		}
	}
	log.Infof("engine | production %q running", e.cfg.Name)
	return nil
}

func (e *Engine) startStage(t config.ItemType) error {
	for _, h := range e.byStage(t) {
		if err := h.Start(); err != nil {
			return fmt.Errorf("engine: starting %s: %w", h.Name(), err)
		}
		if delay := e.cfg.Settings.StartupDelay; delay > 0 {
			e.clk.Sleep(delay)
		}
	}
	return nil
}

// hostStopper adapts a host's error-returning Stop to the stopper's
// errorless contract. A failed stop is logged; it must not wedge the
// rest of the shutdown.
type hostStopper struct{ h host.Host }

func (s hostStopper) Stop() {
	if err := s.h.Stop(); err != nil {
		log.Errorf("engine | stopping %s: %v", s.h.Name(), err)
	}
}

// Stop shuts the production down in reverse: services stop receiving,
// processes and operations drain, then the durability plane closes.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	if e.control != nil {
		e.control.stop()
	}
	if e.janitor != nil {
		e.janitor.Stop()
	}

	start := time.Now()
	for _, stage := range []config.ItemType{config.TypeService, config.TypeProcess, config.TypeOperation} {
		stopper := startstop.NewParallelStopper()
		for _, h := range e.byStage(stage) {
			if h.State() == host.StateRunning || h.State() == host.StatePaused {
				stopper.Add(hostStopper{h})
			}
		}
		stopper.Stop()
	}
	if budget := e.cfg.Settings.ShutdownTimeout; budget > 0 && time.Since(start) > budget {
		log.Warnf("engine | shutdown took %s, over the %s budget", time.Since(start).Round(time.Millisecond), budget)
	}

	if e.wal != nil {
		if err := e.wal.Close(); err != nil {
			log.Warnf("engine | wal close: %v", err)
		}
	}
	if err := e.store.Close(); err != nil {
		log.Warnf("engine | store close: %v", err)
	}
	log.Infof("engine | production %q stopped", e.cfg.Name)
	return nil
}

// nextSeq increments the per-session dispatch counter.
func (e *Engine) nextSeq(session string) int64 {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	n := int64(1)
	if v, ok := e.seq.Get(session); ok {
		n = v.(int64) + 1
	}
	e.seq.Set(session, n, cache.DefaultExpiration)
	return n
}

// dispatch is the only road between hosts: WAL first, then the store,
// then the target queue. A durability failure is fatal.
func (e *Engine) dispatch(ctx context.Context, m *message.Message, target string) error {
	if e.fatal.Load() {
		return &FatalError{Op: "dispatch", Err: fmt.Errorf("engine is in error state")}
	}
	h := e.GetHost(target)
	if h == nil {
		return fmt.Errorf("engine: dispatch to unknown host %q", target)
	}

	m.SequenceNum = e.nextSeq(m.SessionID)

	if e.wal != nil {
		entry, err := e.wal.Append(target, m.ID, m.RawBytes, walMetadata(m))
		if err != nil {
			e.fatalize("wal append", err)
			return &FatalError{Op: "wal append", Err: err}
		}
		e.walMu.Lock()
		e.walIDs[m.ID] = entry.ID
		e.walMu.Unlock()
	}

	m.Status = message.StatusQueued
	if _, err := e.store.StoreHeader(ctx, store.LegFromMessage(m)); err != nil {
		e.fatalize("store header", err)
		return &FatalError{Op: "store header", Err: err}
	}

	if err := h.SubmitWait(ctx, m); err != nil {
		// The WAL entry stays pending: the message replays on restart.
		return err
	}
	return nil
}

func walMetadata(m *message.Message) map[string]string {
	return map[string]string{
		"source":       m.SourceConfig,
		"target":       m.TargetConfig,
		"session":      m.SessionID,
		"correlation":  m.CorrelationID,
		"content_type": m.ContentType,
		"message_type": m.MessageType,
	}
}

// replayPending re-queues every WAL entry that never completed. Runs after
// the downstream stages are up and before services open.
func (e *Engine) replayPending() {
	if e.wal == nil {
		return
	}
	pending := e.wal.GetPending()
	if len(pending) == 0 {
		return
	}
	log.Infof("engine | replaying %d pending messages from the write-ahead log", len(pending))
	for _, entry := range pending {
		m := messageFromEntry(entry)
		h := e.GetHost(m.TargetConfig)
		if h == nil {
			log.Errorf("engine | pending message %s targets unknown host %q, leaving in log", entry.MessageID, m.TargetConfig)
			continue
		}
		e.walMu.Lock()
		e.walIDs[m.ID] = entry.ID
		e.walMu.Unlock()
		if err := h.Submit(m); err != nil {
			log.Warnf("engine | could not replay message %s to %s: %v", m.ID, m.TargetConfig, err)
		}
	}
}

func messageFromEntry(entry wal.Entry) *message.Message {
	md := entry.Metadata
	m := &message.Message{
		ID:            entry.MessageID,
		CorrelationID: md["correlation"],
		SessionID:     md["session"],
		RawBytes:      entry.Payload,
		ContentType:   md["content_type"],
		Encoding:      "utf-8",
		SourceConfig:  md["source"],
		TargetConfig:  md["target"],
		MessageType:   md["message_type"],
		Status:        message.StatusCreated,
		RetryCount:    entry.RetryCount,
		ReceivedAt:    entry.Timestamp,
	}
	if m.CorrelationID == "" {
		m.CorrelationID = m.ID
	}
	return m
}

// fatalize flips the engine into its terminal error state.
func (e *Engine) fatalize(op string, err error) {
	if e.fatal.Swap(true) {
		return
	}
	log.Criticalf("engine | %s failed, refusing further messages: %v", op, err)
}

// Failed reports whether the engine hit a fatal durability error.
func (e *Engine) Failed() bool { return e.fatal.Load() }

// walID resolves and forgets the WAL entry of a finished message.
func (e *Engine) walID(messageID string) (string, bool) {
	e.walMu.Lock()
	defer e.walMu.Unlock()
	id, ok := e.walIDs[messageID]
	if ok {
		delete(e.walIDs, messageID)
	}
	return id, ok
}

// engineRecorder persists message outcomes to the WAL and the store.
type engineRecorder struct {
	e *Engine
}

func (r *engineRecorder) Rejected(m *message.Message, ferr error) {
	m.Status = message.StatusError
	if _, err := r.e.store.StoreHeader(context.Background(), store.LegFromMessage(m)); err != nil {
		r.e.fatalize("store header", err)
		return
	}
	if err := r.e.store.UpdateStatus(context.Background(), m.ID, message.StatusError, nil, ferr.Error()); err != nil {
		log.Errorf("engine | cannot record rejection of %s: %v", m.ID, err)
	}
}

func (r *engineRecorder) Completed(m *message.Message) {
	if err := r.e.store.UpdateStatus(context.Background(), m.ID, message.StatusCompleted, nil, ""); err != nil {
		log.Errorf("engine | cannot mark %s completed: %v", m.ID, err)
	}
	if r.e.wal == nil {
		return
	}
	if id, ok := r.e.walID(m.ID); ok {
		if err := r.e.wal.Complete(id); err != nil {
			log.Errorf("engine | wal complete for %s: %v", m.ID, err)
		}
	}
}

func (r *engineRecorder) Failed(m *message.Message, ferr error) bool {
	if err := r.e.store.UpdateStatus(context.Background(), m.ID, message.StatusError, nil, ferr.Error()); err != nil {
		log.Errorf("engine | cannot mark %s failed: %v", m.ID, err)
	}
	retryable := errs.IsRetryable(ferr)
	if r.e.wal == nil {
		return retryable && m.RetryCount < wal.DefaultMaxRetries
	}
	e := r.e
	e.walMu.Lock()
	id, ok := e.walIDs[m.ID]
	e.walMu.Unlock()
	if !ok {
		return false
	}
	shouldRetry, err := e.wal.Fail(id, ferr)
	if err != nil {
		log.Errorf("engine | wal fail for %s: %v", m.ID, err)
	}
	requeue := shouldRetry && retryable
	if !requeue {
		// Retry budget spent or permanent error: forget the mapping.
		e.walID(m.ID)
	}
	return requeue
}

func (r *engineRecorder) Discarded(m *message.Message) {
	if err := r.e.store.UpdateStatus(context.Background(), m.ID, message.StatusDiscarded, nil, ""); err != nil {
		log.Errorf("engine | cannot mark %s discarded: %v", m.ID, err)
	}
	if r.e.wal == nil {
		return
	}
	if id, ok := r.e.walID(m.ID); ok {
		if err := r.e.wal.Complete(id); err != nil {
			log.Errorf("engine | wal complete for %s: %v", m.ID, err)
		}
	}
}

// GetHost returns a deployed host by name, nil when unknown or disabled.
func (e *Engine) GetHost(name string) host.Host {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hosts[name]
}

// RestartHost stops and restarts one host.
func (e *Engine) RestartHost(name string) error {
	h := e.GetHost(name)
	if h == nil {
		return &HostNotFoundError{Name: name}
	}
	if h.State() == host.StateRunning || h.State() == host.StatePaused {
		if err := h.Stop(); err != nil {
			return err
		}
	}
	// A fresh instance: the state machine of a stopped adapter does not
	// rewind, and queued messages replay from the WAL.
	e.mu.Lock()
	item := e.items[name]
	e.mu.Unlock()
	fresh, err := e.buildHost(item)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.hosts[name] = fresh
	e.mu.Unlock()
	return fresh.Start()
}

// EnableHost deploys and starts a disabled host.
func (e *Engine) EnableHost(name string) error {
	e.mu.Lock()
	item, known := e.items[name]
	if !known {
		e.mu.Unlock()
		return &HostNotFoundError{Name: name}
	}
	if !e.disabled[name] {
		e.mu.Unlock()
		return fmt.Errorf("engine: host %q is already enabled", name)
	}
	e.mu.Unlock()

	h, err := e.buildHost(item)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.hosts[name] = h
	delete(e.disabled, name)
	running := e.running
	e.mu.Unlock()
	if running {
		return h.Start()
	}
	return nil
}

// DisableHost stops a host and removes it from dispatch.
func (e *Engine) DisableHost(name string) error {
	e.mu.Lock()
	h, ok := e.hosts[name]
	if !ok {
		e.mu.Unlock()
		return &HostNotFoundError{Name: name}
	}
	delete(e.hosts, name)
	e.disabled[name] = true
	e.mu.Unlock()

	if h.State() == host.StateRunning || h.State() == host.StatePaused {
		return h.Stop()
	}
	return nil
}

// ReloadHostConfig applies a settings overlay to one host: stop, merge,
// rebuild, start. Undrained messages replay from the WAL.
func (e *Engine) ReloadHostConfig(name string, overlay config.SettingsBag) error {
	e.mu.Lock()
	item, known := e.items[name]
	if !known {
		e.mu.Unlock()
		return &HostNotFoundError{Name: name}
	}
	item.Settings = item.Settings.Merge(overlay)
	e.mu.Unlock()

	// Rebuild first so an invalid overlay never takes the host down.
	fresh, err := e.buildHost(item)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.items[name] = item
	old := e.hosts[name]
	e.hosts[name] = fresh
	running := e.running
	e.mu.Unlock()

	if old != nil && (old.State() == host.StateRunning || old.State() == host.StatePaused) {
		if err := old.Stop(); err != nil {
			log.Warnf("engine | stopping %s for reload: %v", name, err)
		}
	}
	if running {
		return fresh.Start()
	}
	return nil
}

// HostStatus is one host's line in the status report.
type HostStatus struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	State      string `json:"state"`
	QueueDepth int    `json:"queue_depth"`
	Enabled    bool   `json:"enabled"`
}

// Status is the engine-wide report the control API serves.
type Status struct {
	Production string        `json:"production"`
	Running    bool          `json:"running"`
	Failed     bool          `json:"failed"`
	WALPending int           `json:"wal_pending"`
	Hosts      []HostStatus  `json:"hosts"`
	Health     health.Status `json:"health"`
}

// GetStatus snapshots the production.
func (e *Engine) GetStatus() Status {
	e.mu.Lock()
	s := Status{
		Production: e.cfg.Name,
		Running:    e.running,
		Failed:     e.fatal.Load(),
	}
	names := make([]string, 0, len(e.items))
	for name := range e.items {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		hs := HostStatus{Name: name, Type: string(e.items[name].Type), Enabled: !e.disabled[name]}
		if h, ok := e.hosts[name]; ok {
			hs.State = h.State().String()
			hs.QueueDepth = h.QueueDepth()
		} else {
			hs.State = "Disabled"
		}
		s.Hosts = append(s.Hosts, hs)
	}
	e.mu.Unlock()

	if e.wal != nil {
		s.WALPending = e.wal.Pending()
	}
	s.Health = health.GetStatus()
	return s
}

// HostStatusFor reports a single host.
func (e *Engine) HostStatusFor(name string) (HostStatus, error) {
	for _, hs := range e.GetStatus().Hosts {
		if hs.Name == name {
			return hs, nil
		}
	}
	return HostStatus{}, &HostNotFoundError{Name: name}
}
