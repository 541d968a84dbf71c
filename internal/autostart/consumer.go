package autostart

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/pmisflow/internal/observability"
	"github.com/pitabwire/pmisflow/internal/workflow"
	"github.com/pitabwire/pmisflow/model"
)

// Outcome labels recorded per consumed event.
const (
	ResultStarted    = "started"
	ResultExisting   = "existing"
	ResultNoTemplate = "no_template"
	ResultFailed     = "failed"
)

// Starter starts workflows. *workflow.Engine satisfies it.
type Starter interface {
	Start(ctx context.Context, req workflow.StartRequest, actor model.Actor) (model.WorkflowInstance, bool, error)
}

// Consumer reads submission events and starts a workflow for each.
type Consumer struct {
	source  Source
	starter Starter
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewConsumer creates a Consumer. metrics may be nil.
func NewConsumer(source Source, starter Starter, logger *zap.Logger, metrics *observability.Metrics) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{source: source, starter: starter, logger: logger, metrics: metrics}
}

// Run consumes events until ctx is cancelled or the source closes. A failed
// start is logged and counted; it never stops the loop.
func (c *Consumer) Run(ctx context.Context) error {
	events, err := c.source.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.Handle(ctx, ev)
		}
	}
}

// Handle starts the workflow for one event and returns the outcome label.
func (c *Consumer) Handle(ctx context.Context, ev SubmissionEvent) string {
	ctx = observability.ExtractTraceContext(ctx, ev.Trace)
	ctx, span := observability.StartSpan(ctx, "autostart.consume",
		observability.AttrEventID.String(ev.EventID),
		observability.AttrEntityType.String(ev.EntityType),
		observability.AttrEntityID.String(ev.EntityID),
	)

	req := workflow.StartRequest{
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		Module:     ev.Module,
	}
	if ev.Entity != nil {
		req.Entity = model.Record(ev.Entity)
	}

	inst, created, err := c.starter.Start(ctx, req, model.Actor{ID: ev.SubmittedBy})
	observability.EndSpanWithError(span, err)

	logger := c.logger.With(
		zap.String("event_id", ev.EventID),
		zap.String("entity_type", ev.EntityType),
		zap.String("entity_id", ev.EntityID),
	)

	var result string
	switch {
	case model.HasCode(err, model.ErrNoMatchingTemplate):
		result = ResultNoTemplate
		logger.Info("no workflow template for submitted entity", zap.Error(err))
	case err != nil:
		result = ResultFailed
		logger.Error("autostart failed", zap.Error(err))
	case created:
		result = ResultStarted
		logger.Debug("workflow auto-started", zap.String("instance_id", inst.ID))
	default:
		result = ResultExisting
		logger.Debug("workflow already running", zap.String("instance_id", inst.ID))
	}
	c.metrics.RecordAutostartEvent(result)
	return result
}
