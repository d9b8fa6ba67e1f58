// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package host implements the three runtime item kinds of a production:
// services receive messages from the outside, processes route them,
// operations deliver them. All three share a bounded queue, a worker pool
// and a lifecycle state machine; the engine wires them together through
// the Deps it hands each factory.
package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/santemesh/hie/pkg/config"
	"github.com/santemesh/hie/pkg/errs"
	"github.com/santemesh/hie/pkg/hl7"
	"github.com/santemesh/hie/pkg/message"
	"github.com/santemesh/hie/pkg/metrics"
	"github.com/santemesh/hie/pkg/status/health"
	"github.com/santemesh/hie/pkg/util/log"
)

// State of a host.
type State int32

// Host states.
const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StatePaused
	StateStopping
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateError:
		return "Error"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// legalTransitions is the full lifecycle chain; anything else is rejected
// with the state unchanged.
var legalTransitions = map[State][]State{
	StateCreated:  {StateStarting},
	StateStarting: {StateRunning, StateStopping, StateError},
	StateRunning:  {StatePaused, StateStopping, StateError},
	StatePaused:   {StateRunning, StateStopping, StateError},
	StateStopping: {StateStopped, StateError},
	StateStopped:  {StateStarting},
	StateError:    {StateStarting, StateStopping},
}

// Host is the engine-facing contract shared by services, processes and
// operations.
type Host interface {
	Name() string
	Type() config.ItemType
	State() State

	Start() error
	Stop() error
	Pause() error
	Resume() error

	// Submit enqueues without blocking; a full queue returns a
	// *BackpressureError. SubmitWait blocks until there is room or the
	// context expires.
	Submit(m *message.Message) error
	SubmitWait(ctx context.Context, m *message.Message) error
	QueueDepth() int
}

// BackpressureError re-exports the shared queue-full error type.
type BackpressureError = errs.BackpressureError

// ErrMessageDiscarded is returned by a worker when a delete rule consumed
// the message; the leg ends Discarded, not Error.
var ErrMessageDiscarded = fmt.Errorf("message discarded by routing rule")

// Recorder receives message outcomes. The engine implements it on top of
// the WAL and the message store; tests use lighter fakes.
type Recorder interface {
	// Rejected persists an ingress message that failed validation; it is
	// the only record such a message leaves.
	Rejected(m *message.Message, err error)
	// Completed marks a leg done.
	Completed(m *message.Message)
	// Failed marks a leg failed and reports whether it should be
	// re-queued for another attempt.
	Failed(m *message.Message, err error) (requeue bool)
	// Discarded marks a leg consumed by a delete rule.
	Discarded(m *message.Message)
}

// DispatchFunc hands a message leg to the named target host.
type DispatchFunc func(ctx context.Context, m *message.Message, target string) error

// Deps is everything a host factory needs beyond its config item.
type Deps struct {
	Dispatch DispatchFunc
	Recorder Recorder
	Schemas  *hl7.Registry
	Routes   []config.Route
	Clock    clock.Clock
}

func (d *Deps) fill() {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Recorder == nil {
		d.Recorder = noopRecorder{}
	}
	if d.Dispatch == nil {
		d.Dispatch = func(context.Context, *message.Message, string) error {
			return fmt.Errorf("host: no dispatcher wired")
		}
	}
}

type noopRecorder struct{}

func (noopRecorder) Rejected(*message.Message, error) {}
func (noopRecorder) Completed(*message.Message)       {}
func (noopRecorder) Failed(*message.Message, error) bool {
	return false
}
func (noopRecorder) Discarded(*message.Message) {}

// Settings shared by every host kind, decoded from the item's "host"
// settings bag.
type Settings struct {
	QueueSize       int           `mapstructure:"QueueSize"`
	MessageTimeout  time.Duration `mapstructure:"MessageTimeout"`
	MaxErrors       int           `mapstructure:"MaxErrors"`
	ErrorDelay      time.Duration `mapstructure:"ErrorDelay"`
	RetryInterval   time.Duration `mapstructure:"RetryInterval"`
	ShutdownTimeout time.Duration `mapstructure:"ShutdownTimeout"`
}

func (s *Settings) fill() {
	if s.QueueSize <= 0 {
		s.QueueSize = 1000
	}
	if s.MessageTimeout <= 0 {
		s.MessageTimeout = 30 * time.Second
	}
	if s.MaxErrors <= 0 {
		s.MaxErrors = 5
	}
	if s.ErrorDelay <= 0 {
		s.ErrorDelay = 5 * time.Second
	}
	if s.RetryInterval <= 0 {
		s.RetryInterval = 5 * time.Second
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = 10 * time.Second
	}
}

// dequeuePoll bounds how long a worker waits on an empty queue before
// re-checking the paused flag and shutdown signal.
const dequeuePoll = 250 * time.Millisecond

// base carries the machinery common to all host kinds: the queue, the
// worker pool and the state machine. Concrete kinds embed it and set
// handler.
type base struct {
	name     string
	itemType config.ItemType
	poolSize int
	settings Settings
	deps     Deps
	clk      clock.Clock

	queue   chan *message.Message
	handler func(ctx context.Context, m *message.Message) error

	// startFn/stopFn bracket the worker pool: adapters start before the
	// workers and stop before the queue drains.
	startFn func() error
	stopFn  func() error

	stateMu sync.Mutex
	state   State

	paused       atomic.Bool
	consecErrs   atomic.Int32
	stopDeadline atomic.Int64 // unix nanos; set once Stop begins
	shutdown     chan struct{}
	wg           sync.WaitGroup
	healthID     health.ID
}

func newBase(item config.Item, deps Deps, settings Settings) (*base, error) {
	deps.fill()
	settings.fill()
	return &base{
		name:     item.Name,
		itemType: item.Type,
		poolSize: item.GetPoolSize(),
		settings: settings,
		deps:     deps,
		clk:      deps.Clock,
		queue:    make(chan *message.Message, settings.QueueSize),
		shutdown: make(chan struct{}),
		state:    StateCreated,
	}, nil
}

func (b *base) Name() string          { return b.name }
func (b *base) Type() config.ItemType { return b.itemType }

func (b *base) State() State {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

// transition moves to a new state if the lifecycle allows it.
func (b *base) transition(to State) error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	for _, allowed := range legalTransitions[b.state] {
		if allowed == to {
			log.Debugf("%s | %s -> %s", b.name, b.state, to)
			b.state = to
			metrics.TlmHostStatus.Set(float64(to), b.name, string(b.itemType))
			return nil
		}
	}
	return fmt.Errorf("host %s: illegal transition to %s from %s", b.name, to, b.state)
}

// Start brings up the adapter, then the worker pool.
func (b *base) Start() error {
	if err := b.transition(StateStarting); err != nil {
		return err
	}
	if b.startFn != nil {
		if err := b.startFn(); err != nil {
			b.transition(StateError)
			return err
		}
	}
	b.healthID = health.Register("host/" + b.name)
	if b.handler != nil {
		for i := 0; i < b.poolSize; i++ {
			b.wg.Add(1)
			go b.work()
		}
	} else {
		// No worker pool: the adapter drives this host, so liveness is
		// proven by a dedicated pinger.
		b.wg.Add(1)
		go b.pingLoop()
	}
	if err := b.transition(StateRunning); err != nil {
		return err
	}
	log.Infof("%s | started (%s, %d workers)", b.name, b.itemType, b.poolSize)
	return nil
}

// Stop stops the adapter, signals the workers and waits up to the
// shutdown budget for them to drain.
func (b *base) Stop() error {
	if err := b.transition(StateStopping); err != nil {
		return err
	}
	if b.stopFn != nil {
		if err := b.stopFn(); err != nil {
			log.Warnf("%s | adapter stop: %v", b.name, err)
		}
	}
	b.stopDeadline.Store(b.clk.Now().Add(b.settings.ShutdownTimeout).UnixNano())
	close(b.shutdown)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.settings.ShutdownTimeout):
		log.Warnf("%s | workers did not drain within %s", b.name, b.settings.ShutdownTimeout)
	}
	// Whatever is still queued will not run: record the cancellation so
	// no message is left looking queued. The WAL replays them on restart.
	cancelErr := fmt.Errorf("host %s: processing canceled by shutdown", b.name)
	for drained := false; !drained; {
		select {
		case m := <-b.queue:
			b.deps.Recorder.Failed(m, cancelErr)
		default:
			drained = true
		}
	}
	health.Deregister(b.healthID)
	if err := b.transition(StateStopped); err != nil {
		return err
	}
	log.Infof("%s | stopped", b.name)
	return nil
}

// Pause keeps the queue accepting but stops the workers from dequeuing.
func (b *base) Pause() error {
	if err := b.transition(StatePaused); err != nil {
		return err
	}
	b.paused.Store(true)
	return nil
}

// Resume reverses Pause.
func (b *base) Resume() error {
	if err := b.transition(StateRunning); err != nil {
		return err
	}
	b.paused.Store(false)
	return nil
}

func (b *base) accepting() bool {
	switch b.State() {
	case StateStopping, StateStopped, StateError:
		return false
	}
	return true
}

// Submit enqueues without blocking.
func (b *base) Submit(m *message.Message) error {
	if !b.accepting() {
		return fmt.Errorf("host %s: not accepting messages in state %s", b.name, b.State())
	}
	select {
	case b.queue <- m:
		m.Status = message.StatusQueued
		metrics.TlmQueueDepth.Set(float64(len(b.queue)), b.name)
		return nil
	default:
		return &BackpressureError{Host: b.name, Capacity: b.settings.QueueSize}
	}
}

// SubmitWait blocks until there is queue room or ctx expires.
func (b *base) SubmitWait(ctx context.Context, m *message.Message) error {
	if !b.accepting() {
		return fmt.Errorf("host %s: not accepting messages in state %s", b.name, b.State())
	}
	select {
	case b.queue <- m:
		m.Status = message.StatusQueued
		metrics.TlmQueueDepth.Set(float64(len(b.queue)), b.name)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth is the number of queued messages.
func (b *base) QueueDepth() int { return len(b.queue) }

// pingLoop keeps the health entry of a worker-less host alive.
func (b *base) pingLoop() {
	defer b.wg.Done()
	health.Ping(b.healthID)
	ticker := b.clk.Ticker(health.DefaultPingFreq / 2)
	defer ticker.Stop()
	for {
		select {
		case <-b.shutdown:
			return
		case <-ticker.C:
			health.Ping(b.healthID)
		}
	}
}

// work is the pull loop of one worker.
func (b *base) work() {
	defer b.wg.Done()
	for {
		health.Ping(b.healthID)
		if b.State() == StateError {
			return
		}
		if b.paused.Load() {
			select {
			case <-b.shutdown:
				return
			case <-b.clk.After(dequeuePoll):
			}
			continue
		}
		select {
		case <-b.shutdown:
			b.drain()
			return
		case m := <-b.queue:
			metrics.TlmQueueDepth.Set(float64(len(b.queue)), b.name)
			if !b.handle(m) {
				return
			}
		case <-b.clk.After(dequeuePoll):
		}
	}
}

// drain empties whatever is already queued during shutdown, giving up at
// the stop deadline so Stop can cancel the rest.
func (b *base) drain() {
	for {
		if d := b.stopDeadline.Load(); d > 0 && b.clk.Now().UnixNano() >= d {
			return
		}
		select {
		case m := <-b.queue:
			if !b.handle(m) {
				return
			}
		default:
			return
		}
	}
}

// handle processes one message. The false return stops the worker: the
// host crossed its consecutive-error threshold.
func (b *base) handle(m *message.Message) bool {
	if m.Expired(b.clk.Now()) {
		log.Warnf("%s | dropping expired message %s", b.name, m.ID)
		b.deps.Recorder.Discarded(m)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.settings.MessageTimeout)
	start := time.Now()
	err := b.handler(ctx, m)
	cancel()
	metrics.TlmProcessingSeconds.Observe(time.Since(start).Seconds(), b.name)

	switch {
	case err == nil:
		b.consecErrs.Store(0)
		b.deps.Recorder.Completed(m)
		return true
	case err == ErrMessageDiscarded:
		b.consecErrs.Store(0)
		b.deps.Recorder.Discarded(m)
		return true
	}

	metrics.TlmMessagesFailed.Inc(b.name, failureLabel(err))
	metrics.MessagesFailed.Add(1)
	log.Errorf("%s | message %s failed: %v", b.name, m.ID, err)

	if b.deps.Recorder.Failed(m, err) {
		b.requeueLater(m)
	}

	if n := b.consecErrs.Inc(); int(n) >= b.settings.MaxErrors {
		log.Criticalf("%s | %d consecutive failures, entering Error state", b.name, n)
		b.transition(StateError)
		return false
	}
	// Back off before pulling the next message so a broken downstream
	// does not burn the whole queue.
	select {
	case <-b.shutdown:
	case <-b.clk.After(b.settings.ErrorDelay):
	}
	return true
}

// requeueLater re-enqueues a retryable failure after RetryInterval.
func (b *base) requeueLater(m *message.Message) {
	m.RetryCount++
	metrics.TlmRetries.Inc(b.name)
	metrics.Retries.Add(1)
	log.Infof("%s | retrying message %s in %s (attempt %d)",
		b.name, m.ID, b.settings.RetryInterval, m.RetryCount+1)
	b.clk.AfterFunc(b.settings.RetryInterval, func() {
		if err := b.Submit(m); err != nil {
			log.Errorf("%s | could not requeue message %s: %v", b.name, m.ID, err)
			b.deps.Recorder.Failed(m, err)
		}
	})
}

func failureLabel(err error) string {
	switch {
	case errs.IsTimeout(err):
		return "timeout"
	case errs.IsRetryable(err):
		return "retryable"
	default:
		return "permanent"
	}
}
