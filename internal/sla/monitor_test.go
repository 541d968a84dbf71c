package sla

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/pmisflow/internal/definition"
	"github.com/pitabwire/pmisflow/internal/observability"
	"github.com/pitabwire/pmisflow/internal/workflow"
	"github.com/pitabwire/pmisflow/model"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type stubLister struct {
	items []workflow.OverdueItem
	err   error
	calls atomic.Int32
}

func (s *stubLister) ListOverdue(_ context.Context, _ time.Time) ([]workflow.OverdueItem, error) {
	s.calls.Add(1)
	return s.items, s.err
}

func overdue(id string, module model.Module, by time.Duration) workflow.OverdueItem {
	return workflow.OverdueItem{
		Instance:  model.WorkflowInstance{ID: id, Module: module},
		Step:      model.WorkflowStep{ID: "s1", Role: "EE"},
		Deadline:  t0,
		OverdueBy: by,
	}
}

func TestNewMonitor_invalidSchedule(t *testing.T) {
	if _, err := NewMonitor(&stubLister{}, "every tuesday", nil, nil); err == nil {
		t.Fatal("NewMonitor() should reject an invalid schedule")
	}
}

func TestMonitor_Next(t *testing.T) {
	m, err := NewMonitor(&stubLister{}, "*/15 * * * *", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Next(t0.Add(time.Minute)); !got.Equal(t0.Add(15 * time.Minute)) {
		t.Errorf("Next() = %v, want %v", got, t0.Add(15*time.Minute))
	}
}

func TestMonitor_Check_publishesCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	core, logs := observer.New(zap.WarnLevel)

	lister := &stubLister{items: []workflow.OverdueItem{
		overdue("wf-1", model.ModuleRABill, 30*time.Hour),
		overdue("wf-2", model.ModuleRABill, 2*time.Hour),
		overdue("wf-3", model.ModuleTender, time.Hour),
	}}
	m, err := NewMonitor(lister, "@every 1m", zap.New(core), metrics)
	if err != nil {
		t.Fatal(err)
	}

	items, err := m.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(items) != 3 {
		t.Errorf("len(items) = %d, want 3", len(items))
	}

	cases := map[model.Module]float64{
		model.ModuleRABill: 2,
		model.ModuleTender: 1,
		model.ModuleDesign: 0,
	}
	for mod, want := range cases {
		if got := testutil.ToFloat64(metrics.WorkflowOverdue.WithLabelValues(string(mod))); got != want {
			t.Errorf("overdue{module=%s} = %v, want %v", mod, got, want)
		}
	}
	if got := testutil.ToFloat64(metrics.SLAChecksTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("sla_checks_total{ok} = %v, want 1", got)
	}
	if logs.FilterMessage("workflow step overdue").Len() != 3 {
		t.Errorf("overdue warnings = %d, want 3", logs.FilterMessage("workflow step overdue").Len())
	}
}

func TestMonitor_Check_resetsClearedModules(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	lister := &stubLister{items: []workflow.OverdueItem{overdue("wf-1", model.ModuleRABill, time.Hour)}}
	m, _ := NewMonitor(lister, "@every 1m", nil, metrics)

	_, _ = m.Check(context.Background())
	lister.items = nil
	_, _ = m.Check(context.Background())

	if got := testutil.ToFloat64(metrics.WorkflowOverdue.WithLabelValues("RA_BILL")); got != 0 {
		t.Errorf("overdue{RA_BILL} = %v, want 0 after breach cleared", got)
	}
}

func TestMonitor_Check_error(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	m, _ := NewMonitor(&stubLister{err: errors.New("store down")}, "@every 1m", nil, metrics)

	if _, err := m.Check(context.Background()); err == nil {
		t.Fatal("Check() should surface lister errors")
	}
	if got := testutil.ToFloat64(metrics.SLAChecksTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("sla_checks_total{error} = %v, want 1", got)
	}
}

func TestMonitor_Check_withEngine(t *testing.T) {
	defs := []model.DefinitionFile{{
		Version: "1",
		Templates: []model.WorkflowTemplate{{
			ID: "ra", Module: model.ModuleRABill, Active: true, Default: true,
			Steps: []model.WorkflowStep{{ID: "ra-ae", Sequence: 1, Role: "AE", SLADays: 2}},
		}},
	}}
	clock := t0
	engine := workflow.NewEngine(definition.NewRegistry(defs), workflow.NewMemoryWorkflowStore(),
		workflow.WithClock(func() time.Time { return clock }))
	if _, _, err := engine.Start(context.Background(), workflow.StartRequest{EntityType: "RABill", EntityID: "B-1"}, model.Actor{ID: "u"}); err != nil {
		t.Fatal(err)
	}

	m, _ := NewMonitor(engine, "@every 1m", nil, nil)

	m.now = func() time.Time { return t0.Add(24 * time.Hour) }
	items, err := m.Check(context.Background())
	if err != nil || len(items) != 0 {
		t.Fatalf("Check() = %d items, %v; want none within SLA", len(items), err)
	}

	m.now = func() time.Time { return t0.Add(72 * time.Hour) }
	items, err = m.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].OverdueBy != 24*time.Hour {
		t.Fatalf("Check() = %+v, want one item 24h overdue", items)
	}
}

func TestMonitor_Run_stopsOnCancel(t *testing.T) {
	lister := &stubLister{}
	m, _ := NewMonitor(lister, "@every 1s", nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for lister.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if lister.calls.Load() == 0 {
		t.Error("scheduled check never ran")
	}
}
