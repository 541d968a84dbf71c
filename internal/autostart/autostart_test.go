package autostart

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/pmisflow/internal/definition"
	"github.com/pitabwire/pmisflow/internal/observability"
	"github.com/pitabwire/pmisflow/internal/workflow"
	"github.com/pitabwire/pmisflow/model"
)

func testEngine(t *testing.T) (*workflow.Engine, *workflow.MemoryWorkflowStore) {
	t.Helper()
	defs := []model.DefinitionFile{{
		Version: "1",
		Templates: []model.WorkflowTemplate{{
			ID: "ra-2", Name: "RA Bill", Module: model.ModuleRABill, Active: true, Default: true,
			Steps: []model.WorkflowStep{
				{ID: "ra-ae", Sequence: 1, Role: "AE"},
				{ID: "ra-ee", Sequence: 2, Role: "EE"},
			},
		}},
	}}
	store := workflow.NewMemoryWorkflowStore()
	return workflow.NewEngine(definition.NewRegistry(defs), store), store
}

func bill(id string) SubmissionEvent {
	return SubmissionEvent{
		EntityType:  "RABill",
		EntityID:    id,
		Entity:      map[string]any{"net_payable": 120000.0},
		SubmittedBy: "contractor-1",
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type fakeStarter struct {
	mu    sync.Mutex
	calls []workflow.StartRequest
	actor []model.Actor
	err   error
}

func (f *fakeStarter) Start(_ context.Context, req workflow.StartRequest, actor model.Actor) (model.WorkflowInstance, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	f.actor = append(f.actor, actor)
	if f.err != nil {
		return model.WorkflowInstance{}, false, f.err
	}
	return model.WorkflowInstance{ID: "wf-" + req.EntityID}, len(f.calls) == 1, nil
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// --- ChannelSource ---

func TestConsumer_channelSourceStartsWorkflow(t *testing.T) {
	engine, store := testEngine(t)
	src := NewChannelSource(4)
	consumer := NewConsumer(src, engine, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	if err := src.Publish(ctx, bill("B-1")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	// A duplicate submission must not create a second instance.
	if err := src.Publish(ctx, bill("B-1")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := src.Publish(ctx, bill("B-2")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	waitFor(t, func() bool { return store.Len() == 2 })

	inst, err := store.FindActiveForEntity(context.Background(), "RABill", "B-1")
	if err != nil {
		t.Fatalf("FindActiveForEntity() error = %v", err)
	}
	if inst.StartedBy != "contractor-1" {
		t.Errorf("StartedBy = %q, want contractor-1", inst.StartedBy)
	}
	if inst.CurrentStepID == nil || *inst.CurrentStepID != "ra-ae" {
		t.Errorf("CurrentStepID = %v, want ra-ae", inst.CurrentStepID)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestChannelSource_publishAfterClose(t *testing.T) {
	src := NewChannelSource(1)
	src.Close()
	src.Close()
	if err := src.Publish(context.Background(), bill("B-1")); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish() error = %v, want ErrClosed", err)
	}
}

func TestChannelSource_publishRespectsContext(t *testing.T) {
	src := NewChannelSource(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := src.Publish(ctx, bill("B-1")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Publish() error = %v, want deadline exceeded", err)
	}
}

func TestChannelSource_stampsEventID(t *testing.T) {
	src := NewChannelSource(1)
	if err := src.Publish(context.Background(), bill("B-1")); err != nil {
		t.Fatal(err)
	}
	ev := <-src.ch
	if ev.EventID == "" {
		t.Error("Publish should assign an event ID")
	}
}

func TestConsumer_runEndsWhenSourceCloses(t *testing.T) {
	src := NewChannelSource(2)
	starter := &fakeStarter{}
	consumer := NewConsumer(src, starter, nil, nil)

	_ = src.Publish(context.Background(), bill("B-1"))
	src.Close()

	if err := consumer.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if starter.count() != 1 {
		t.Errorf("Start calls = %d, want 1 (buffered event delivered)", starter.count())
	}
}

// --- Outcomes ---

func TestConsumer_Handle_outcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)

	starter := &fakeStarter{}
	consumer := NewConsumer(NewChannelSource(0), starter, nil, metrics)
	ctx := context.Background()

	if got := consumer.Handle(ctx, bill("B-1")); got != ResultStarted {
		t.Errorf("first Handle() = %q, want %q", got, ResultStarted)
	}
	if got := consumer.Handle(ctx, bill("B-1")); got != ResultExisting {
		t.Errorf("second Handle() = %q, want %q", got, ResultExisting)
	}

	starter.err = model.NewNoMatchingTemplateError(model.ModuleRisk)
	if got := consumer.Handle(ctx, bill("B-2")); got != ResultNoTemplate {
		t.Errorf("Handle() = %q, want %q", got, ResultNoTemplate)
	}

	starter.err = errors.New("database unavailable")
	if got := consumer.Handle(ctx, bill("B-3")); got != ResultFailed {
		t.Errorf("Handle() = %q, want %q", got, ResultFailed)
	}

	for result, want := range map[string]float64{
		ResultStarted: 1, ResultExisting: 1, ResultNoTemplate: 1, ResultFailed: 1,
	} {
		if got := testutil.ToFloat64(metrics.AutostartEventsTotal.WithLabelValues(result)); got != want {
			t.Errorf("autostart_events_total{result=%q} = %v, want %v", result, got, want)
		}
	}

	if starter.actor[0].ID != "contractor-1" {
		t.Errorf("actor = %+v, want submitter", starter.actor[0])
	}
	if starter.calls[0].Entity == nil {
		t.Error("entity payload should be passed to Start")
	}
}

func TestConsumer_Handle_moduleOverride(t *testing.T) {
	starter := &fakeStarter{}
	consumer := NewConsumer(NewChannelSource(0), starter, nil, nil)

	mod := model.ModuleVariation
	ev := bill("B-1")
	ev.Module = &mod
	ev.Entity = nil
	consumer.Handle(context.Background(), ev)

	req := starter.calls[0]
	if req.Module == nil || *req.Module != model.ModuleVariation {
		t.Errorf("Module = %v, want VARIATION", req.Module)
	}
	if req.Entity != nil {
		t.Errorf("Entity = %v, want nil", req.Entity)
	}
}

// --- RedisSource ---

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisSource_publishAndConsume(t *testing.T) {
	client := newTestRedis(t)
	engine, store := testEngine(t)
	src := NewRedisSource(client, "pmis.submitted", nil)
	consumer := NewConsumer(src, engine, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := src.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	go func() {
		for ev := range events {
			consumer.Handle(ctx, ev)
		}
	}()

	if err := src.Publish(ctx, bill("B-9")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	waitFor(t, func() bool { return store.Len() == 1 })
	if _, err := store.FindActiveForEntity(ctx, "RABill", "B-9"); err != nil {
		t.Errorf("FindActiveForEntity() error = %v", err)
	}
}

func TestRedisSource_dropsMalformedPayloads(t *testing.T) {
	client := newTestRedis(t)
	src := NewRedisSource(client, "pmis.submitted", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := src.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := client.Publish(ctx, "pmis.submitted", "{not json").Err(); err != nil {
		t.Fatal(err)
	}
	if err := src.Publish(ctx, bill("B-10")); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.EntityID != "B-10" {
			t.Errorf("EntityID = %q, want B-10", ev.EntityID)
		}
		if ev.EventID == "" {
			t.Error("EventID should be stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestRedisSource_channelClosesOnCancel(t *testing.T) {
	client := newTestRedis(t)
	src := NewRedisSource(client, "pmis.submitted", nil)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := src.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	cancel()

	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
