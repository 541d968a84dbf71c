package model

import "time"

// Status is the lifecycle state of a workflow instance.
type Status string

// Workflow instance statuses. PENDING is never assigned by the engine;
// instances are created directly IN_PROGRESS.
const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusRejected   Status = "REJECTED"
	StatusReverted   Status = "REVERTED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// IsActionable reports whether an actor is expected to act on the instance.
func (s Status) IsActionable() bool {
	return s == StatusInProgress || s == StatusReverted
}

// NonTerminalStatuses are the statuses counted by the one-active-instance
// per entity invariant.
var NonTerminalStatuses = []Status{StatusPending, StatusInProgress, StatusReverted}

// AuditAction names the transition an audit row records.
type AuditAction string

// Audit actions.
const (
	ActionStarted  AuditAction = "STARTED"
	ActionForward  AuditAction = "FORWARD"
	ActionRevert   AuditAction = "REVERT"
	ActionReject   AuditAction = "REJECT"
	ActionComplete AuditAction = "COMPLETE"
	ActionCancel   AuditAction = "CANCEL"
)

// WorkflowInstance is one run of a template against one entity.
type WorkflowInstance struct {
	ID                  string     `json:"id"`
	TemplateID          string     `json:"template_id"`
	Module              Module     `json:"module"`
	EntityType          string     `json:"entity_type"`
	EntityID            string     `json:"entity_id"`
	CurrentStepID       *string    `json:"current_step_id"`
	CurrentStepSequence *int       `json:"current_step_sequence"`
	Status              Status     `json:"status"`
	AssignedTo          *string    `json:"assigned_to,omitempty"`
	StartedBy           string     `json:"started_by"`
	StartedAt           time.Time  `json:"started_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
	Version             int        `json:"version"`
}

// SetCurrentStep points the instance at step.
func (i *WorkflowInstance) SetCurrentStep(step WorkflowStep) {
	id, seq := step.ID, step.Sequence
	i.CurrentStepID = &id
	i.CurrentStepSequence = &seq
}

// ClearCurrentStep removes the current step pointer.
func (i *WorkflowInstance) ClearCurrentStep() {
	i.CurrentStepID = nil
	i.CurrentStepSequence = nil
}

// WorkflowAuditLog is an append-only record of one transition. The open row
// (ExitedAt == nil) tracks the current step's occupancy interval.
type WorkflowAuditLog struct {
	ID             string      `json:"id"`
	InstanceID     string      `json:"instance_id"`
	StepID         *string     `json:"step_id"`
	StepSequence   *int        `json:"step_sequence"`
	Action         AuditAction `json:"action"`
	PerformedBy    string      `json:"performed_by"`
	Remarks        string      `json:"remarks"`
	EnteredAt      time.Time   `json:"entered_at"`
	ExitedAt       *time.Time  `json:"exited_at"`
	TimeSpentHours *float64    `json:"time_spent_hours"`
	FromStep       *int        `json:"from_step"`
	ToStep         *int        `json:"to_step"`
}

// IsOpen reports whether the row has not been exited yet.
func (a WorkflowAuditLog) IsOpen() bool {
	return a.ExitedAt == nil
}

// Close returns a copy of the row exited at the given time with the derived
// time spent in hours.
func (a WorkflowAuditLog) Close(at time.Time) WorkflowAuditLog {
	exited := at
	hours := at.Sub(a.EnteredAt).Hours()
	a.ExitedAt = &exited
	a.TimeSpentHours = &hours
	return a
}

// HistoryEntry is the display projection of an audit row.
type HistoryEntry struct {
	Action         AuditAction `json:"action"`
	StepLabel      string      `json:"step_label"`
	StepSequence   *int        `json:"step_sequence,omitempty"`
	PerformedBy    string      `json:"performed_by"`
	Remarks        string      `json:"remarks"`
	EnteredAt      time.Time   `json:"entered_at"`
	ExitedAt       *time.Time  `json:"exited_at"`
	TimeSpentHours *float64    `json:"time_spent_hours"`
	FromStep       *int        `json:"from_step,omitempty"`
	ToStep         *int        `json:"to_step,omitempty"`
}

// StepTAT is the time spent at one step sequence.
type StepTAT struct {
	Sequence int     `json:"sequence"`
	Label    string  `json:"label"`
	Role     string  `json:"role"`
	Hours    float64 `json:"hours"`
	Visits   int     `json:"visits"`
}

// TATReport summarises turn-around time for an instance.
type TATReport struct {
	InstanceID    string    `json:"instance_id"`
	TotalHours    float64   `json:"total_hours"`
	ElapsedHours  float64   `json:"elapsed_hours"`
	StepBreakdown []StepTAT `json:"step_breakdown"`
}

// ForwardResult is returned by a successful forward.
type ForwardResult struct {
	Instance   WorkflowInstance `json:"instance"`
	Message    string           `json:"message"`
	NextStep   *WorkflowStep    `json:"next_step,omitempty"`
	IsComplete bool             `json:"is_complete"`
}

// RevertResult is returned by a successful revert.
type RevertResult struct {
	Instance   WorkflowInstance `json:"instance"`
	Message    string           `json:"message"`
	TargetStep WorkflowStep     `json:"target_step"`
}

// RejectResult is returned by a successful reject or cancel.
type RejectResult struct {
	Instance WorkflowInstance `json:"instance"`
	Message  string           `json:"message"`
}
