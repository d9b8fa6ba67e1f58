// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package host

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/santemesh/hie/pkg/adapter"
	"github.com/santemesh/hie/pkg/config"
	"github.com/santemesh/hie/pkg/errs"
	"github.com/santemesh/hie/pkg/hl7"
	"github.com/santemesh/hie/pkg/message"
)

var adtA01 = []byte("MSH|^~\\&|PAS|HOSP|EPR|HOSP|20240101120000||ADT^A01|MSG001|P|2.4\r" +
	"EVN|A01|20240101120000\r" +
	"PID|1||12345^^^HOSP^MR||SMITH^JOHN\r" +
	"PV1|1|I|WARD1\r")

type fakeRecorder struct {
	mu        sync.Mutex
	rejected  []string
	completed []string
	failed    []string
	discarded []string
	requeue   bool
}

func (r *fakeRecorder) Rejected(m *message.Message, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, m.ID)
}

func (r *fakeRecorder) Completed(m *message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, m.ID)
}

func (r *fakeRecorder) Failed(m *message.Message, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, m.ID)
	return r.requeue
}

func (r *fakeRecorder) Discarded(m *message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discarded = append(r.discarded, m.ID)
}

func (r *fakeRecorder) counts() (rejected, completed, failed, discarded int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rejected), len(r.completed), len(r.failed), len(r.discarded)
}

type fakeDispatcher struct {
	mu      sync.Mutex
	legs    []string // "target:correlation"
	failErr error
}

func (d *fakeDispatcher) dispatch(ctx context.Context, m *message.Message, target string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failErr != nil {
		return d.failErr
	}
	d.legs = append(d.legs, target+":"+m.CorrelationID)
	return nil
}

func (d *fakeDispatcher) targets() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.legs))
	copy(out, d.legs)
	return out
}

func hostItem(name string, t config.ItemType, hostSettings map[string]string) config.Item {
	return config.Item{
		Name:     name,
		Type:     t,
		Settings: config.SettingsBag{config.TargetHost: hostSettings},
	}
}

func testBase(t *testing.T, settings Settings, deps Deps, handler func(context.Context, *message.Message) error) *base {
	t.Helper()
	b, err := newBase(config.Item{Name: "test_host", Type: config.TypeProcess, PoolSize: 1}, deps, settings)
	require.NoError(t, err)
	b.handler = handler
	return b
}

func TestLifecycle(t *testing.T) {
	b := testBase(t, Settings{ShutdownTimeout: time.Second}, Deps{}, func(context.Context, *message.Message) error { return nil })
	assert.Equal(t, StateCreated, b.State())
	require.Error(t, b.Pause(), "cannot pause before start")
	require.NoError(t, b.Start())
	assert.Equal(t, StateRunning, b.State())
	require.Error(t, b.Start(), "double start is an illegal transition")
	require.NoError(t, b.Pause())
	assert.Equal(t, StatePaused, b.State())
	require.NoError(t, b.Resume())
	require.NoError(t, b.Stop())
	assert.Equal(t, StateStopped, b.State())
	require.Error(t, b.Stop())
}

func TestSubmitBackpressure(t *testing.T) {
	block := make(chan struct{})
	b := testBase(t, Settings{QueueSize: 1, ShutdownTimeout: time.Second}, Deps{},
		func(ctx context.Context, m *message.Message) error {
			<-block
			return nil
		})
	// Not started: the queue accepts, nothing dequeues.
	require.NoError(t, b.Submit(message.New([]byte("a"), message.ContentTypePlain, "src")))

	err := b.Submit(message.New([]byte("b"), message.ContentTypePlain, "src"))
	require.Error(t, err)
	var bp *BackpressureError
	require.ErrorAs(t, err, &bp)
	assert.Equal(t, "test_host", bp.Host)
	assert.True(t, errs.IsRetryable(err))

	// SubmitWait gives up when the context expires.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, b.SubmitWait(ctx, message.New([]byte("c"), message.ContentTypePlain, "src")))
	close(block)
}

func TestSingleWorkerPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	rec := &fakeRecorder{}
	b := testBase(t, Settings{ShutdownTimeout: time.Second}, Deps{Recorder: rec},
		func(ctx context.Context, m *message.Message) error {
			mu.Lock()
			order = append(order, string(m.RawBytes))
			mu.Unlock()
			return nil
		})
	require.NoError(t, b.Start())
	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, b.Submit(message.New([]byte(p), message.ContentTypePlain, "src")))
	}
	assert.Eventually(t, func() bool {
		_, completed, _, _ := rec.counts()
		return completed == 3
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, b.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three"}, order)
}

func TestConsecutiveErrorsEnterErrorState(t *testing.T) {
	rec := &fakeRecorder{}
	b := testBase(t, Settings{
		MaxErrors:       2,
		ErrorDelay:      time.Millisecond,
		ShutdownTimeout: time.Second,
	}, Deps{Recorder: rec},
		func(ctx context.Context, m *message.Message) error {
			return fmt.Errorf("downstream broken")
		})
	require.NoError(t, b.Start())
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Submit(message.New([]byte("x"), message.ContentTypePlain, "src")))
	}
	assert.Eventually(t, func() bool {
		return b.State() == StateError
	}, 3*time.Second, 10*time.Millisecond)
	_, _, failed, _ := rec.counts()
	assert.Equal(t, 2, failed, "worker stops at the error threshold")
}

func TestFailureRequeuesWhenRecorderAsks(t *testing.T) {
	rec := &fakeRecorder{requeue: true}
	var mu sync.Mutex
	attempts := 0
	b := testBase(t, Settings{
		MaxErrors:       10,
		ErrorDelay:      time.Millisecond,
		RetryInterval:   10 * time.Millisecond,
		ShutdownTimeout: time.Second,
	}, Deps{Recorder: rec},
		func(ctx context.Context, m *message.Message) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return fmt.Errorf("transient")
			}
			return nil
		})
	require.NoError(t, b.Start())
	defer b.Stop()

	m := message.New([]byte("x"), message.ContentTypePlain, "src")
	require.NoError(t, b.Submit(m))
	assert.Eventually(t, func() bool {
		_, completed, _, _ := rec.counts()
		return completed == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, m.RetryCount)
}

func TestPauseStopsDequeue(t *testing.T) {
	rec := &fakeRecorder{}
	b := testBase(t, Settings{ShutdownTimeout: time.Second}, Deps{Recorder: rec},
		func(ctx context.Context, m *message.Message) error { return nil })
	require.NoError(t, b.Start())
	require.NoError(t, b.Pause())

	require.NoError(t, b.Submit(message.New([]byte("x"), message.ContentTypePlain, "src")))
	time.Sleep(400 * time.Millisecond)
	_, completed, _, _ := rec.counts()
	assert.Zero(t, completed, "paused host must not process")

	require.NoError(t, b.Resume())
	assert.Eventually(t, func() bool {
		_, completed, _, _ := rec.counts()
		return completed == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, b.Stop())
}

func TestServiceImmediateAck(t *testing.T) {
	disp := &fakeDispatcher{}
	rec := &fakeRecorder{}
	s, err := newService(hostItem("adt_in", config.TypeService, map[string]string{
		"AckMode":           AckModeImmediate,
		"TargetConfigNames": "router",
	}), Deps{Dispatch: disp.dispatch, Recorder: rec})
	require.NoError(t, err)

	ack, err := s.onHL7(adtA01, adapter.Meta{})
	require.NoError(t, err)
	parsed, err := hl7.Parse(ack)
	require.NoError(t, err)
	assert.Equal(t, "AA", parsed.GetField("MSA-1", ""))
	assert.Equal(t, "MSG001", parsed.GetField("MSA-2", ""))
	assert.Equal(t, []string{"router:MSG001"}, disp.targets())

	rejected, _, _, _ := rec.counts()
	assert.Zero(t, rejected)
}

func TestServiceValidationFailureAcksAE(t *testing.T) {
	s, err := newService(hostItem("adt_in", config.TypeService, map[string]string{
		"AckMode": AckModeApplication,
	}), Deps{})
	require.NoError(t, err)

	// Missing MSH-9 and MSH-10.
	bad := []byte("MSH|^~\\&|PAS|HOSP|EPR|HOSP|20240101120000||||P|2.4\rPID|1||12345\r")
	ack, err := s.onHL7(bad, adapter.Meta{})
	require.Error(t, err)
	require.NotNil(t, ack)
	parsed, perr := hl7.Parse(ack)
	require.NoError(t, perr)
	assert.Equal(t, "AE", parsed.GetField("MSA-1", ""))
}

func TestServiceBadMessageHandlerReroutes(t *testing.T) {
	disp := &fakeDispatcher{}
	s, err := newService(hostItem("adt_in", config.TypeService, map[string]string{
		"AckMode":           AckModeNever,
		"BadMessageHandler": "quarantine",
	}), Deps{Dispatch: disp.dispatch})
	require.NoError(t, err)

	bad := []byte("MSH|^~\\&|PAS|HOSP|EPR|HOSP|20240101120000||||P|2.4\r")
	_, err = s.onHL7(bad, adapter.Meta{})
	require.Error(t, err)
	targets := disp.targets()
	require.Len(t, targets, 1)
	assert.True(t, strings.HasPrefix(targets[0], "quarantine:"))
}

func TestServiceApplicationAckReportsQueueFull(t *testing.T) {
	disp := &fakeDispatcher{failErr: &BackpressureError{Host: "router", Capacity: 1}}
	s, err := newService(hostItem("adt_in", config.TypeService, map[string]string{
		"AckMode":           AckModeApplication,
		"TargetConfigNames": "router",
	}), Deps{Dispatch: disp.dispatch})
	require.NoError(t, err)

	ack, err := s.onHL7(adtA01, adapter.Meta{})
	require.Error(t, err)
	parsed, perr := hl7.Parse(ack)
	require.NoError(t, perr)
	assert.Equal(t, "AR", parsed.GetField("MSA-1", ""))
}

func TestRouterDispatchesPerRule(t *testing.T) {
	disp := &fakeDispatcher{}
	rec := &fakeRecorder{}
	routes := []config.Route{
		{Name: "a01", Source: "router", Priority: 100, Condition: `{MSH-9.2} = "A01"`, Targets: []string{"epr_out"}},
		{Name: "rest", Source: "router", Priority: 1, Action: "delete"},
	}
	h, err := newRouter(hostItem("router", config.TypeProcess, nil), Deps{
		Dispatch: disp.dispatch,
		Recorder: rec,
		Routes:   routes,
	})
	require.NoError(t, err)
	require.NoError(t, h.Start())
	defer h.Stop()

	require.NoError(t, h.Submit(message.New(adtA01, message.ContentTypeHL7, "adt_in")))
	a08 := []byte(strings.Replace(string(adtA01), "ADT^A01", "ADT^A08", 1))
	require.NoError(t, h.Submit(message.New(a08, message.ContentTypeHL7, "adt_in")))

	assert.Eventually(t, func() bool {
		_, completed, _, discarded := rec.counts()
		return completed == 1 && discarded == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"epr_out:MSG001"}, disp.targets())
}

func TestRouterBadConditionIsConfigError(t *testing.T) {
	_, err := newRouter(hostItem("router", config.TypeProcess, nil), Deps{
		Routes: []config.Route{{Name: "broken", Source: "router", Condition: `{MSH-9} = `}},
	})
	require.Error(t, err)
	var cfgErr *config.Error
	require.ErrorAs(t, err, &cfgErr)
}

func scriptedOperation(t *testing.T, rca string, acks []string) (*Operation, *fakeRecorder) {
	t.Helper()
	rec := &fakeRecorder{requeue: true}
	op, err := newOperation(hostItem("epr_out", config.TypeOperation, map[string]string{
		"ReplyCodeActions": rca,
		"RetryInterval":    "10ms",
		"ErrorDelay":       "1ms",
		"MaxErrors":        "10",
	}), Deps{Recorder: rec})
	require.NoError(t, err)
	var mu sync.Mutex
	i := 0
	op.send = func(ctx context.Context, m *message.Message) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		code := acks[i%len(acks)]
		i++
		parsed, err := hl7.Parse(adtA01)
		require.NoError(t, err)
		ack, err := hl7.CreateAck(parsed, code, "")
		require.NoError(t, err)
		return ack, nil
	}
	return op, rec
}

func TestOperationAckActions(t *testing.T) {
	m := message.New(adtA01, message.ContentTypeHL7, "router")

	op, _ := scriptedOperation(t, "", []string{"AA"})
	require.NoError(t, op.deliver(context.Background(), m))

	op, _ = scriptedOperation(t, "", []string{"AE"})
	err := op.deliver(context.Background(), m)
	require.Error(t, err)
	var ackErr *AckError
	require.ErrorAs(t, err, &ackErr)
	assert.Equal(t, "AE", ackErr.Code)
	assert.False(t, errs.IsRetryable(err), "default actions fail hard on AE")

	op, _ = scriptedOperation(t, ":?E=R,:*=S", []string{"CE"})
	err = op.deliver(context.Background(), m)
	require.ErrorAs(t, err, &ackErr)
	assert.True(t, errs.IsRetryable(err))

	// Warning logs and succeeds.
	op, _ = scriptedOperation(t, ":AE=W,:*=F", []string{"AE"})
	require.NoError(t, op.deliver(context.Background(), m))
}

func TestOperationRetriesUntilAccepted(t *testing.T) {
	// AE twice then AA, with AE mapped to retry.
	op, rec := scriptedOperation(t, ":?E=R,:AA=S,:*=F", []string{"AE", "AE", "AA"})
	require.NoError(t, op.Start())
	defer op.Stop()

	m := message.New(adtA01, message.ContentTypeHL7, "router")
	require.NoError(t, op.Submit(m))
	assert.Eventually(t, func() bool {
		_, completed, _, _ := rec.counts()
		return completed == 1
	}, 5*time.Second, 10*time.Millisecond)
	_, _, failed, _ := rec.counts()
	assert.Equal(t, 2, failed)
	assert.Equal(t, 2, m.RetryCount)
}

func TestOperationRejectsBadReplyCodeActions(t *testing.T) {
	_, err := newOperation(hostItem("epr_out", config.TypeOperation, map[string]string{
		"ReplyCodeActions": ":AA=C",
	}), Deps{})
	require.Error(t, err)
	var cfgErr *config.Error
	require.ErrorAs(t, err, &cfgErr)
}

func TestRegistryKnowsBuiltins(t *testing.T) {
	item := config.Item{
		Name:      "adt_in",
		ClassName: "HL7TCPService",
		Type:      config.TypeService,
		Settings: config.SettingsBag{
			config.TargetAdapter: {"Port": "0"},
		},
	}
	h, err := New(item, Deps{})
	require.NoError(t, err)
	assert.Equal(t, config.TypeService, h.Type())

	item.ClassName = "No.Such.Class"
	_, err = New(item, Deps{})
	require.Error(t, err)
}

func TestStopCancelsQueuedBacklog(t *testing.T) {
	rec := &fakeRecorder{}
	b := testBase(t, Settings{
		QueueSize:       64,
		ShutdownTimeout: 500 * time.Millisecond,
	}, Deps{Recorder: rec}, func(ctx context.Context, m *message.Message) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	require.NoError(t, b.Start())
	for i := 0; i < 50; i++ {
		require.NoError(t, b.Submit(message.New([]byte(fmt.Sprintf("msg %d", i)), message.ContentTypePlain, "test")))
	}

	start := time.Now()
	require.NoError(t, b.Stop())
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, 0, b.QueueDepth())

	// Every message is accounted for: handled before the deadline or
	// recorded as canceled. Nothing is left looking queued.
	assert.Eventually(t, func() bool {
		_, completed, failed, _ := rec.counts()
		return completed+failed == 50
	}, 2*time.Second, 20*time.Millisecond)
	_, completed, failed, _ := rec.counts()
	assert.Greater(t, failed, 0, "the backlog cannot drain within the budget")
	assert.Greater(t, completed, 0, "some messages drain before the deadline")
}
