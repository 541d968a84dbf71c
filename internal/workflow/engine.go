package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/pmisflow/internal/delegation"
	"github.com/pitabwire/pmisflow/internal/observability"
	"github.com/pitabwire/pmisflow/internal/rules"
	"github.com/pitabwire/pmisflow/model"
)

const defaultMaxRetries = 3

// Catalog is the reference data the engine reads: templates, trigger rules
// and delegations. *definition.Registry implements it.
type Catalog interface {
	rules.TemplateSource
	delegation.Source
	StepIDsForRole(role string, module *model.Module) []string
}

// StartRequest identifies the entity a workflow is started for.
type StartRequest struct {
	EntityType string
	EntityID   string
	// Entity is evaluated against trigger rules. Nil behaves as an entity
	// with no fields.
	Entity model.Entity
	// Module overrides the entity-type mapping when set.
	Module     *model.Module
	AssignedTo *string
}

// OverdueItem is an instance whose current step is past its SLA deadline.
type OverdueItem struct {
	Instance  model.WorkflowInstance `json:"instance"`
	Step      model.WorkflowStep     `json:"step"`
	Deadline  time.Time              `json:"deadline"`
	OverdueBy time.Duration          `json:"overdue_by"`
}

// Engine manages the lifecycle of workflow instances.
type Engine struct {
	catalog    Catalog
	store      WorkflowStore
	selector   *rules.Selector
	delegation *delegation.Resolver
	logger     *zap.Logger
	metrics    *observability.Metrics
	maxRetries int
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's fallback logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records transitions on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMaxRetries sets how many times a conflicting transition is retried.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new workflow engine.
func NewEngine(catalog Catalog, store WorkflowStore, opts ...Option) *Engine {
	e := &Engine{
		catalog:    catalog,
		store:      store,
		delegation: delegation.NewResolver(catalog),
		logger:     zap.NewNop(),
		maxRetries: defaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.selector = rules.NewSelector(catalog, e.logger)
	return e
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// Start resolves a template for the entity and creates an instance at its
// first step. If a non-terminal instance already exists for the entity it is
// returned with created=false.
func (e *Engine) Start(ctx context.Context, req StartRequest, actor model.Actor) (inst model.WorkflowInstance, created bool, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start",
		observability.AttrEntityType.String(req.EntityType),
		observability.AttrEntityID.String(req.EntityID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if req.EntityType == "" || req.EntityID == "" {
		return model.WorkflowInstance{}, false, model.NewBadRequestError("entity_type and entity_id are required")
	}

	// 1. Resolve module.
	var module model.Module
	if req.Module != nil {
		module = *req.Module
	} else {
		m, ok := model.ModuleForEntityType(req.EntityType)
		if !ok {
			return model.WorkflowInstance{}, false, model.NewNoMatchingTemplateError(model.Module(req.EntityType))
		}
		module = m
	}
	if !module.Valid() {
		return model.WorkflowInstance{}, false, model.NewNoMatchingTemplateError(module)
	}

	// 2. Return the running instance, if any.
	existing, err := e.store.FindActiveForEntity(ctx, req.EntityType, req.EntityID)
	if err == nil {
		return existing, false, nil
	}
	if !model.HasCode(err, model.ErrNotFound) {
		return model.WorkflowInstance{}, false, err
	}

	// 3. Select template.
	entity := req.Entity
	if entity == nil {
		entity = model.Record{}
	}
	tpl, ok := e.selector.FindTemplate(ctx, module, entity)
	if !ok {
		return model.WorkflowInstance{}, false, model.NewNoMatchingTemplateError(module)
	}

	// 4. Enter the first step.
	first, ok := tpl.FirstStep()
	if !ok {
		return model.WorkflowInstance{}, false, model.NewEmptyTemplateError(tpl.ID)
	}

	now := e.clock()
	inst = model.WorkflowInstance{
		ID:         uuid.New().String(),
		TemplateID: tpl.ID,
		Module:     tpl.Module,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Status:     model.StatusInProgress,
		AssignedTo: req.AssignedTo,
		StartedBy:  actor.ID,
		StartedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	inst.SetCurrentStep(first)
	opening := e.openRow(inst.ID, first, model.ActionStarted, actor.ID, "", now, nil)

	// 5. Persist; a concurrent start may have won.
	stored, created, err := e.store.Create(ctx, inst, opening)
	if err != nil {
		return model.WorkflowInstance{}, false, err
	}
	if !created {
		return stored, false, nil
	}

	e.metrics.RecordTransition(string(stored.Module), string(model.ActionStarted))
	observability.LoggerFrom(ctx, e.logger).Info("workflow started",
		zap.String("instance_id", stored.ID),
		zap.String("template_id", tpl.ID),
		zap.String("entity_type", stored.EntityType),
		zap.String("entity_id", stored.EntityID),
		zap.String("actor", actor.ID),
	)
	return stored, true, nil
}

// Forward moves the instance to the next step, or completes it when the
// current step is the last.
func (e *Engine) Forward(ctx context.Context, instanceID string, actor model.Actor, remarks string) (result model.ForwardResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.forward", observability.AttrInstanceID.String(instanceID))
	defer func() { observability.EndSpanWithError(span, err) }()

	var (
		message   string
		nextStep  *model.WorkflowStep
		completed bool
		spent     float64
	)
	inst, err := e.transition(ctx, instanceID, func(inst model.WorkflowInstance, open *model.WorkflowAuditLog) (Mutation, error) {
		nextStep, completed = nil, false

		tpl, step, err := e.actionable(inst)
		if err != nil {
			return Mutation{}, err
		}
		now := e.clock()
		if err := e.authorize(ctx, actor, inst, tpl, step, now); err != nil {
			return Mutation{}, err
		}
		if step.RemarksRequired && strings.TrimSpace(remarks) == "" {
			return Mutation{}, model.NewRemarksRequiredError(step.Label())
		}

		spent = hoursSince(open, now)
		from := step.Sequence
		next, hasNext := tpl.NextStep(step)
		if hasNext {
			inst.SetCurrentStep(next)
			inst.Status = model.StatusInProgress
			inst.AssignedTo = nil
			nextStep = &next
			message = fmt.Sprintf("Forwarded to %s", next.Label())
			return Mutation{
				Instance:    inst,
				CloseOpenAt: &now,
				Append:      []model.WorkflowAuditLog{e.openRow(inst.ID, next, model.ActionForward, actor.ID, remarks, now, &from)},
			}, nil
		}

		inst.ClearCurrentStep()
		inst.Status = model.StatusCompleted
		inst.AssignedTo = nil
		inst.CompletedAt = &now
		completed = true
		message = "Workflow completed"
		return Mutation{
			Instance:    inst,
			CloseOpenAt: &now,
			Append:      []model.WorkflowAuditLog{e.terminalRow(inst.ID, model.ActionComplete, actor.ID, remarks, now, from)},
		}, nil
	})
	if err != nil {
		return model.ForwardResult{}, err
	}

	action := model.ActionForward
	if completed {
		action = model.ActionComplete
	}
	e.recorded(ctx, inst, action, actor, spent)
	return model.ForwardResult{
		Instance:   inst,
		Message:    message,
		NextStep:   nextStep,
		IsComplete: completed,
	}, nil
}

// Revert sends the instance back to an earlier step.
func (e *Engine) Revert(ctx context.Context, instanceID string, toSequence int, actor model.Actor, remarks string) (result model.RevertResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.revert",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrToSequence.Int(toSequence),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	var (
		target model.WorkflowStep
		spent  float64
	)
	inst, err := e.transition(ctx, instanceID, func(inst model.WorkflowInstance, open *model.WorkflowAuditLog) (Mutation, error) {
		tpl, step, err := e.actionable(inst)
		if err != nil {
			return Mutation{}, err
		}
		now := e.clock()
		if err := e.authorize(ctx, actor, inst, tpl, step, now); err != nil {
			return Mutation{}, err
		}
		if toSequence >= step.Sequence {
			return Mutation{}, model.NewInvalidTargetError(toSequence, step.Sequence)
		}
		t, ok := tpl.StepBySequence(toSequence)
		if !ok {
			return Mutation{}, model.NewStepNotFoundError(toSequence)
		}
		if !step.CanRevert {
			return Mutation{}, model.NewRevertNotAllowedError(step.Label())
		}

		target = t
		spent = hoursSince(open, now)
		from := step.Sequence
		inst.SetCurrentStep(t)
		inst.Status = model.StatusReverted
		inst.AssignedTo = nil
		return Mutation{
			Instance:    inst,
			CloseOpenAt: &now,
			Append:      []model.WorkflowAuditLog{e.openRow(inst.ID, t, model.ActionRevert, actor.ID, remarks, now, &from)},
		}, nil
	})
	if err != nil {
		return model.RevertResult{}, err
	}

	e.recorded(ctx, inst, model.ActionRevert, actor, spent)
	return model.RevertResult{
		Instance:   inst,
		Message:    fmt.Sprintf("Reverted to %s", target.Label()),
		TargetStep: target,
	}, nil
}

// Reject ends the instance as REJECTED.
func (e *Engine) Reject(ctx context.Context, instanceID string, actor model.Actor, remarks string) (result model.RejectResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.reject", observability.AttrInstanceID.String(instanceID))
	defer func() { observability.EndSpanWithError(span, err) }()

	var spent float64
	inst, err := e.transition(ctx, instanceID, func(inst model.WorkflowInstance, open *model.WorkflowAuditLog) (Mutation, error) {
		tpl, step, err := e.actionable(inst)
		if err != nil {
			return Mutation{}, err
		}
		now := e.clock()
		if err := e.authorize(ctx, actor, inst, tpl, step, now); err != nil {
			return Mutation{}, err
		}
		spent = hoursSince(open, now)
		return e.terminate(inst, model.StatusRejected, model.ActionReject, actor.ID, remarks, step.Sequence, now), nil
	})
	if err != nil {
		return model.RejectResult{}, err
	}

	e.recorded(ctx, inst, model.ActionReject, actor, spent)
	return model.RejectResult{Instance: inst, Message: "Workflow rejected"}, nil
}

// Cancel withdraws a running instance. Only the actor who started it or a
// superuser may cancel.
func (e *Engine) Cancel(ctx context.Context, instanceID string, actor model.Actor, reason string) (result model.RejectResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.cancel", observability.AttrInstanceID.String(instanceID))
	defer func() { observability.EndSpanWithError(span, err) }()

	var spent float64
	inst, err := e.transition(ctx, instanceID, func(inst model.WorkflowInstance, open *model.WorkflowAuditLog) (Mutation, error) {
		if inst.Status.IsTerminal() {
			return Mutation{}, model.NewInvalidTransitionError(
				fmt.Sprintf("workflow instance %q is %s", inst.ID, inst.Status),
			)
		}
		if actor.ID != inst.StartedBy && !actor.Superuser {
			return Mutation{}, model.NewForbiddenError("only the initiator or a superuser may cancel a workflow")
		}
		now := e.clock()
		spent = hoursSince(open, now)
		from := 0
		if inst.CurrentStepSequence != nil {
			from = *inst.CurrentStepSequence
		}
		return e.terminate(inst, model.StatusCancelled, model.ActionCancel, actor.ID, reason, from, now), nil
	})
	if err != nil {
		return model.RejectResult{}, err
	}

	e.recorded(ctx, inst, model.ActionCancel, actor, spent)
	return model.RejectResult{Instance: inst, Message: "Workflow cancelled"}, nil
}

// Get returns an instance by ID.
func (e *Engine) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	return e.store.Get(ctx, instanceID)
}

// CanAct reports whether actor may forward, revert or reject the instance in
// its current state.
func (e *Engine) CanAct(ctx context.Context, instanceID string, actor model.Actor) (bool, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return false, err
	}
	tpl, step, err := e.actionable(inst)
	if err != nil {
		if model.HasCode(err, model.ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}
	return e.authorize(ctx, actor, inst, tpl, step, e.clock()) == nil, nil
}

// PendingFor lists the actionable instances whose current step the actor is
// responsible for, directly, by assignment or through a delegation.
func (e *Engine) PendingFor(ctx context.Context, actor model.Actor) (instances []model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.pending_for")
	defer func() { observability.EndSpanWithError(span, err) }()

	set := make(map[string]struct{})
	for _, id := range e.catalog.StepIDsForRole(actor.Role, nil) {
		set[id] = struct{}{}
	}
	for _, g := range e.delegation.Grants(actor.ID, e.clock()) {
		for _, id := range e.catalog.StepIDsForRole(g.Role, g.Module) {
			set[id] = struct{}{}
		}
	}
	stepIDs := make([]string, 0, len(set))
	for id := range set {
		stepIDs = append(stepIDs, id)
	}
	sort.Strings(stepIDs)

	return e.store.FindPending(ctx, PendingFilter{StepIDs: stepIDs, AssignedTo: actor.ID})
}

// History returns the audit trail as display entries, oldest first.
func (e *Engine) History(ctx context.Context, instanceID string) ([]model.HistoryEntry, error) {
	inst, rows, err := e.trail(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	tpl, _ := e.catalog.Template(inst.TemplateID)

	entries := make([]model.HistoryEntry, 0, len(rows))
	for _, r := range rows {
		seq := r.StepSequence
		if seq == nil {
			seq = r.FromStep
		}
		entries = append(entries, model.HistoryEntry{
			Action:         r.Action,
			StepLabel:      stepLabel(tpl, seq),
			StepSequence:   r.StepSequence,
			PerformedBy:    r.PerformedBy,
			Remarks:        r.Remarks,
			EnteredAt:      r.EnteredAt,
			ExitedAt:       r.ExitedAt,
			TimeSpentHours: r.TimeSpentHours,
			FromStep:       r.FromStep,
			ToStep:         r.ToStep,
		})
	}
	return entries, nil
}

// TAT computes turn-around time for an instance. Only closed occupancy
// intervals contribute to the totals.
func (e *Engine) TAT(ctx context.Context, instanceID string, now time.Time) (model.TATReport, error) {
	inst, rows, err := e.trail(ctx, instanceID)
	if err != nil {
		return model.TATReport{}, err
	}
	tpl, _ := e.catalog.Template(inst.TemplateID)

	report := model.TATReport{InstanceID: inst.ID}
	bySeq := make(map[int]*model.StepTAT)
	for _, r := range rows {
		if r.IsOpen() || r.TimeSpentHours == nil {
			continue
		}
		report.TotalHours += *r.TimeSpentHours
		if r.StepSequence == nil {
			continue
		}
		st, ok := bySeq[*r.StepSequence]
		if !ok {
			st = &model.StepTAT{Sequence: *r.StepSequence, Label: stepLabel(tpl, r.StepSequence)}
			if step, found := tpl.StepBySequence(*r.StepSequence); found {
				st.Role = step.Role
			}
			bySeq[*r.StepSequence] = st
		}
		st.Hours += *r.TimeSpentHours
		st.Visits++
	}

	report.StepBreakdown = make([]model.StepTAT, 0, len(bySeq))
	for _, st := range bySeq {
		report.StepBreakdown = append(report.StepBreakdown, *st)
	}
	sort.Slice(report.StepBreakdown, func(i, j int) bool {
		return report.StepBreakdown[i].Sequence < report.StepBreakdown[j].Sequence
	})

	end := now.UTC()
	if inst.CompletedAt != nil {
		end = *inst.CompletedAt
	}
	report.ElapsedHours = end.Sub(inst.StartedAt).Hours()
	return report, nil
}

// SLADeadline returns when the current step's SLA expires. ok is false for
// terminal instances and for steps without an SLA.
func (e *Engine) SLADeadline(ctx context.Context, instanceID string) (deadline time.Time, ok bool, err error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return time.Time{}, false, err
	}
	open, err := e.store.OpenAuditLogs(ctx, []string{inst.ID})
	if err != nil {
		return time.Time{}, false, err
	}
	row, hasOpen := open[inst.ID]
	if !hasOpen {
		return time.Time{}, false, nil
	}
	step, found := e.currentStep(inst)
	if !found {
		return time.Time{}, false, nil
	}
	deadline, ok = slaDeadline(step, row)
	return deadline, ok, nil
}

// IsOverdue reports whether the current step has passed its SLA deadline.
func (e *Engine) IsOverdue(ctx context.Context, instanceID string, now time.Time) (bool, error) {
	deadline, ok, err := e.SLADeadline(ctx, instanceID)
	if err != nil || !ok {
		return false, err
	}
	return now.After(deadline), nil
}

// ListOverdue returns every running instance past its current step's SLA
// deadline, most overdue first.
func (e *Engine) ListOverdue(ctx context.Context, now time.Time) ([]OverdueItem, error) {
	active, err := e.store.FindActive(ctx, WorkflowFilters{})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(active))
	for _, inst := range active {
		ids = append(ids, inst.ID)
	}
	open, err := e.store.OpenAuditLogs(ctx, ids)
	if err != nil {
		return nil, err
	}

	var items []OverdueItem
	for _, inst := range active {
		row, ok := open[inst.ID]
		if !ok {
			continue
		}
		step, ok := e.currentStep(inst)
		if !ok {
			continue
		}
		deadline, ok := slaDeadline(step, row)
		if !ok || !now.After(deadline) {
			continue
		}
		items = append(items, OverdueItem{
			Instance:  inst,
			Step:      step,
			Deadline:  deadline,
			OverdueBy: now.Sub(deadline),
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].OverdueBy > items[j].OverdueBy
	})
	return items, nil
}

// transition runs fn through the store, retrying on version conflicts.
func (e *Engine) transition(ctx context.Context, instanceID string, fn TransitionFunc) (model.WorkflowInstance, error) {
	var err error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		var inst model.WorkflowInstance
		inst, err = e.store.Transition(ctx, instanceID, fn)
		if err == nil {
			return inst, nil
		}
		if !model.HasCode(err, model.ErrConflict) {
			return model.WorkflowInstance{}, err
		}
		observability.LoggerFrom(ctx, e.logger).Debug("workflow transition conflict, retrying",
			zap.String("instance_id", instanceID),
			zap.Int("attempt", attempt+1),
		)
	}
	return model.WorkflowInstance{}, err
}

// actionable returns the template and current step of a non-terminal
// instance.
func (e *Engine) actionable(inst model.WorkflowInstance) (model.WorkflowTemplate, model.WorkflowStep, error) {
	if inst.Status.IsTerminal() {
		return model.WorkflowTemplate{}, model.WorkflowStep{}, model.NewInvalidTransitionError(
			fmt.Sprintf("workflow instance %q is %s", inst.ID, inst.Status),
		)
	}
	tpl, ok := e.catalog.Template(inst.TemplateID)
	if !ok {
		return model.WorkflowTemplate{}, model.WorkflowStep{}, model.NewNotFoundError(
			fmt.Sprintf("workflow template %q not found", inst.TemplateID),
		)
	}
	if inst.CurrentStepID == nil {
		return model.WorkflowTemplate{}, model.WorkflowStep{}, model.NewInvalidTransitionError(
			fmt.Sprintf("workflow instance %q has no current step", inst.ID),
		)
	}
	step, ok := tpl.StepByID(*inst.CurrentStepID)
	if !ok {
		return model.WorkflowTemplate{}, model.WorkflowStep{}, model.NewNotFoundError(
			fmt.Sprintf("step %q not found in template %q", *inst.CurrentStepID, tpl.ID),
		)
	}
	return tpl, step, nil
}

func (e *Engine) currentStep(inst model.WorkflowInstance) (model.WorkflowStep, bool) {
	if inst.Status.IsTerminal() || inst.CurrentStepID == nil {
		return model.WorkflowStep{}, false
	}
	tpl, ok := e.catalog.Template(inst.TemplateID)
	if !ok {
		return model.WorkflowStep{}, false
	}
	return tpl.StepByID(*inst.CurrentStepID)
}

// authorize returns FORBIDDEN unless the actor is assigned, holds the step
// role directly or by delegation, or is a superuser.
func (e *Engine) authorize(ctx context.Context, actor model.Actor, inst model.WorkflowInstance, tpl model.WorkflowTemplate, step model.WorkflowStep, now time.Time) error {
	switch {
	case actor.ID != "" && inst.AssignedTo != nil && *inst.AssignedTo == actor.ID:
		return nil
	case actor.Role != "" && actor.Role == step.Role:
		return nil
	case actor.Superuser:
		return nil
	}
	if g, ok := e.delegation.CanActAs(actor.ID, step.Role, tpl.Module, now); ok {
		observability.LoggerFrom(ctx, e.logger).Info("acting under delegation",
			zap.String("instance_id", inst.ID),
			zap.String("actor", actor.ID),
			zap.String("delegation_id", g.DelegationID),
			zap.String("delegator_id", g.DelegatorID),
		)
		return nil
	}
	return model.NewForbiddenError(
		fmt.Sprintf("user %q cannot act on step %q (requires role %s)", actor.ID, step.Label(), step.Role),
	)
}

func (e *Engine) terminate(inst model.WorkflowInstance, status model.Status, action model.AuditAction, actorID, remarks string, from int, now time.Time) Mutation {
	inst.ClearCurrentStep()
	inst.Status = status
	inst.AssignedTo = nil
	inst.CompletedAt = &now
	return Mutation{
		Instance:    inst,
		CloseOpenAt: &now,
		Append:      []model.WorkflowAuditLog{e.terminalRow(inst.ID, action, actorID, remarks, now, from)},
	}
}

func (e *Engine) openRow(instanceID string, step model.WorkflowStep, action model.AuditAction, actorID, remarks string, now time.Time, from *int) model.WorkflowAuditLog {
	stepID, seq := step.ID, step.Sequence
	return model.WorkflowAuditLog{
		ID:           uuid.New().String(),
		InstanceID:   instanceID,
		StepID:       &stepID,
		StepSequence: &seq,
		Action:       action,
		PerformedBy:  actorID,
		Remarks:      remarks,
		EnteredAt:    now,
		FromStep:     from,
		ToStep:       &seq,
	}
}

// terminalRow is written already closed with zero time spent.
func (e *Engine) terminalRow(instanceID string, action model.AuditAction, actorID, remarks string, now time.Time, from int) model.WorkflowAuditLog {
	row := model.WorkflowAuditLog{
		ID:          uuid.New().String(),
		InstanceID:  instanceID,
		Action:      action,
		PerformedBy: actorID,
		Remarks:     remarks,
		EnteredAt:   now,
	}
	if from > 0 {
		row.FromStep = &from
	}
	return row.Close(now)
}

func (e *Engine) recorded(ctx context.Context, inst model.WorkflowInstance, action model.AuditAction, actor model.Actor, spentHours float64) {
	e.metrics.RecordTransition(string(inst.Module), string(action))
	e.metrics.ObserveStepDuration(string(inst.Module), spentHours)
	observability.LoggerFrom(ctx, e.logger).Info("workflow transition",
		zap.String("instance_id", inst.ID),
		zap.String("action", string(action)),
		zap.String("status", string(inst.Status)),
		zap.String("actor", actor.ID),
	)
}

func (e *Engine) trail(ctx context.Context, instanceID string) (model.WorkflowInstance, []model.WorkflowAuditLog, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, nil, err
	}
	rows, err := e.store.GetAuditLogs(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].EnteredAt.Before(rows[j].EnteredAt)
	})
	return inst, rows, nil
}

func hoursSince(open *model.WorkflowAuditLog, now time.Time) float64 {
	if open == nil {
		return 0
	}
	return now.Sub(open.EnteredAt).Hours()
}

func stepLabel(tpl model.WorkflowTemplate, seq *int) string {
	if seq == nil {
		return ""
	}
	if step, ok := tpl.StepBySequence(*seq); ok {
		return step.Label()
	}
	return fmt.Sprintf("Step %d", *seq)
}

func slaDeadline(step model.WorkflowStep, open model.WorkflowAuditLog) (time.Time, bool) {
	if step.SLADays <= 0 {
		return time.Time{}, false
	}
	return open.EnteredAt.AddDate(0, 0, step.SLADays), true
}
