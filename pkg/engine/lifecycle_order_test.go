// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/santemesh/hie/pkg/config"
	"github.com/santemesh/hie/pkg/host"
	"github.com/santemesh/hie/pkg/message"
)

// lifecycleLog collects start/stop events across all stub hosts of a test.
type lifecycleLog struct {
	mu     sync.Mutex
	events []string
}

func (l *lifecycleLog) add(event string) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *lifecycleLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// index returns the position of event, or -1.
func (l *lifecycleLog) index(event string) int {
	for i, e := range l.snapshot() {
		if e == event {
			return i
		}
	}
	return -1
}

// stubHost is a minimal Host that only tracks its lifecycle.
type stubHost struct {
	name string
	typ  config.ItemType
	log  *lifecycleLog

	mu    sync.Mutex
	state host.State
}

func (s *stubHost) Name() string          { return s.name }
func (s *stubHost) Type() config.ItemType { return s.typ }

func (s *stubHost) State() host.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubHost) setState(st host.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *stubHost) Start() error {
	s.log.add("start:" + s.name)
	s.setState(host.StateRunning)
	return nil
}

func (s *stubHost) Stop() error {
	s.log.add("stop:" + s.name)
	s.setState(host.StateStopped)
	return nil
}

func (s *stubHost) Pause() error  { s.setState(host.StatePaused); return nil }
func (s *stubHost) Resume() error { s.setState(host.StateRunning); return nil }

func (s *stubHost) Submit(m *message.Message) error                          { return nil }
func (s *stubHost) SubmitWait(ctx context.Context, m *message.Message) error { return nil }
func (s *stubHost) QueueDepth() int                                          { return 0 }

var (
	stubLogMu sync.Mutex
	stubLog   *lifecycleLog
	stubHosts = map[string]*stubHost{}
	stubOnce  sync.Once
)

func stubFactory(t config.ItemType) host.Factory {
	return func(item config.Item, deps host.Deps) (host.Host, error) {
		stubLogMu.Lock()
		defer stubLogMu.Unlock()
		s := &stubHost{name: item.Name, typ: t, log: stubLog, state: host.StateCreated}
		stubHosts[item.Name] = s
		return s, nil
	}
}

func registerStubClasses() {
	stubOnce.Do(func() {
		host.Register("StubService", config.TypeService, stubFactory(config.TypeService))
		host.Register("StubProcess", config.TypeProcess, stubFactory(config.TypeProcess))
		host.Register("StubOperation", config.TypeOperation, stubFactory(config.TypeOperation))
	})
}

func stubItem(name, className string, t config.ItemType) config.Item {
	return config.Item{Name: name, ClassName: className, Type: t}
}

func TestStartBringsOperationsUpBeforeServices(t *testing.T) {
	registerStubClasses()
	stubLogMu.Lock()
	stubLog = &lifecycleLog{}
	stubHosts = map[string]*stubHost{}
	stubLogMu.Unlock()
	log := stubLog

	cfg := memoryProduction("StageProd", t.TempDir())
	cfg.Items = []config.Item{
		// Declared in reverse of the start order to prove sorting is by
		// stage, not by declaration.
		stubItem("ADT_In", "StubService", config.TypeService),
		stubItem("Lab_In", "StubService", config.TypeService),
		stubItem("Router", "StubProcess", config.TypeProcess),
		stubItem("EPR_Out", "StubOperation", config.TypeOperation),
		stubItem("RIS_Out", "StubOperation", config.TypeOperation),
	}

	e, err := New(context.Background(), cfg, Options{})
	require.NoError(t, err)
	require.NoError(t, e.Deploy())
	require.NoError(t, e.Start())

	// Every operation and the router must be running before any service
	// starts accepting connections.
	for _, op := range []string{"EPR_Out", "RIS_Out"} {
		for _, svc := range []string{"ADT_In", "Lab_In"} {
			assert.Less(t, log.index("start:"+op), log.index("start:"+svc),
				"%s must start before %s", op, svc)
		}
		assert.Less(t, log.index("start:"+op), log.index("start:Router"))
	}
	assert.Less(t, log.index("start:Router"), log.index("start:ADT_In"))

	for _, name := range []string{"EPR_Out", "RIS_Out", "Router", "ADT_In", "Lab_In"} {
		require.Contains(t, stubHosts, name)
		assert.Equal(t, host.StateRunning, stubHosts[name].State(), name)
	}

	require.NoError(t, e.Stop())

	// Shutdown runs the stages in reverse: services quiesce first so no
	// new work arrives while the downstream drains.
	for _, svc := range []string{"ADT_In", "Lab_In"} {
		for _, op := range []string{"EPR_Out", "RIS_Out"} {
			assert.Less(t, log.index("stop:"+svc), log.index("stop:"+op),
				"%s must stop before %s", svc, op)
		}
		assert.Less(t, log.index("stop:"+svc), log.index("stop:Router"))
	}
	assert.Less(t, log.index("stop:Router"), log.index("stop:EPR_Out"))
}
