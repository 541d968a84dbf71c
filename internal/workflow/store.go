package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/pmisflow/model"
)

// WorkflowStore persists workflow instances and their audit trail. Every
// mutating method is atomic: the instance row and its audit rows commit
// together or not at all.
type WorkflowStore interface {
	// Create persists a new instance together with its opening audit row. If a
	// non-terminal instance already exists for the same entity, nothing is
	// written and the existing instance is returned with created=false.
	Create(ctx context.Context, inst model.WorkflowInstance, opening model.WorkflowAuditLog) (stored model.WorkflowInstance, created bool, err error)

	// Get retrieves an instance by ID. Returns NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// FindActiveForEntity returns the non-terminal instance for an entity.
	// Returns NOT_FOUND if there is none.
	FindActiveForEntity(ctx context.Context, entityType, entityID string) (model.WorkflowInstance, error)

	// Transition serializes mutation of one instance. fn receives the current
	// instance and its open audit row (nil when none) while the instance is
	// held exclusively; the returned Mutation is applied in the same unit of
	// work. If fn returns an error nothing is written. A concurrent change
	// detected at write time returns CONFLICT.
	Transition(ctx context.Context, instanceID string, fn TransitionFunc) (model.WorkflowInstance, error)

	// GetAuditLogs returns the audit trail in insertion order.
	GetAuditLogs(ctx context.Context, instanceID string) ([]model.WorkflowAuditLog, error)

	// OpenAuditLogs returns the open audit row for each of the given
	// instances that has one, keyed by instance ID.
	OpenAuditLogs(ctx context.Context, instanceIDs []string) (map[string]model.WorkflowAuditLog, error)

	// FindPending returns actionable instances (IN_PROGRESS or REVERTED) whose
	// current step is one of StepIDs or that are assigned to AssignedTo,
	// ordered by started_at ascending.
	FindPending(ctx context.Context, filter PendingFilter) ([]model.WorkflowInstance, error)

	// FindActive returns non-terminal instances, ordered by started_at
	// ascending.
	FindActive(ctx context.Context, filters WorkflowFilters) ([]model.WorkflowInstance, error)
}

// TransitionFunc computes the changes for one transition.
type TransitionFunc func(inst model.WorkflowInstance, open *model.WorkflowAuditLog) (Mutation, error)

// Mutation describes one atomic change to an instance and its audit trail.
type Mutation struct {
	// Instance is the updated instance. Its Version must be the version
	// passed to the TransitionFunc; the store increments it.
	Instance model.WorkflowInstance
	// CloseOpenAt, when set, exits the open audit row at that time.
	CloseOpenAt *time.Time
	// Append lists audit rows to insert, in order.
	Append []model.WorkflowAuditLog
}

// PendingFilter selects instances awaiting an actor.
type PendingFilter struct {
	StepIDs    []string
	AssignedTo string
}

// WorkflowFilters are optional filters for listing workflow instances.
type WorkflowFilters struct {
	Module model.Module
	Limit  int
	Offset int
}
