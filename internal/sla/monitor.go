// Package sla periodically reports workflow instances that have outlived their
// current step's SLA. It only reads; breaching an SLA never changes an
// instance.
package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/pmisflow/internal/observability"
	"github.com/pitabwire/pmisflow/internal/workflow"
	"github.com/pitabwire/pmisflow/model"
)

// OverdueLister lists overdue instances. *workflow.Engine satisfies it.
type OverdueLister interface {
	ListOverdue(ctx context.Context, now time.Time) ([]workflow.OverdueItem, error)
}

// Monitor runs overdue checks on a cron schedule.
type Monitor struct {
	lister   OverdueLister
	schedule cron.Schedule
	expr     string
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewMonitor creates a Monitor. expr is a standard five-field cron expression
// or a descriptor such as "@every 15m". metrics may be nil.
func NewMonitor(lister OverdueLister, expr string, logger *zap.Logger, metrics *observability.Metrics) (*Monitor, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("sla: invalid schedule %q: %w", expr, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		lister:   lister,
		schedule: schedule,
		expr:     expr,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}, nil
}

// Check lists overdue instances once, publishes per-module counts and logs
// each breach.
func (m *Monitor) Check(ctx context.Context) ([]workflow.OverdueItem, error) {
	now := m.now().UTC()
	items, err := m.lister.ListOverdue(ctx, now)
	if err != nil {
		m.metrics.RecordSLACheck("error")
		m.logger.Error("sla check failed", zap.Error(err))
		return nil, err
	}

	counts := make(map[string]int)
	for _, item := range items {
		counts[string(item.Instance.Module)]++
		m.logger.Warn("workflow step overdue",
			zap.String("instance_id", item.Instance.ID),
			zap.String("module", string(item.Instance.Module)),
			zap.String("entity_id", item.Instance.EntityID),
			zap.String("step_id", item.Step.ID),
			zap.String("role", item.Step.Role),
			zap.Time("deadline", item.Deadline),
			zap.Float64("overdue_hours", item.OverdueBy.Hours()),
		)
	}

	modules := make([]string, 0, len(model.Modules))
	for _, mod := range model.Modules {
		modules = append(modules, string(mod))
	}
	m.metrics.SetOverdue(counts, modules)
	m.metrics.RecordSLACheck("ok")

	m.logger.Info("sla check complete", zap.Int("overdue", len(items)))
	return items, nil
}

// Next returns the next scheduled check after t.
func (m *Monitor) Next(t time.Time) time.Time {
	return m.schedule.Next(t)
}

// Run schedules Check until ctx is cancelled. A check still running when the
// next one is due is skipped.
func (m *Monitor) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(m.schedule, cron.FuncJob(func() {
		_, _ = m.Check(ctx)
	}))
	c.Start()
	m.logger.Info("sla monitor started", zap.String("schedule", m.expr))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
