package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/pmisflow/model"
)

// MemoryWorkflowStore is an in-memory WorkflowStore for tests and
// single-process deployments.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance // key: instance ID
	audit     map[string][]model.WorkflowAuditLog
	locks     sync.Map // key: instance ID, value: *sync.Mutex
}

// NewMemoryWorkflowStore creates a new in-memory workflow store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		instances: make(map[string]model.WorkflowInstance),
		audit:     make(map[string][]model.WorkflowAuditLog),
	}
}

// Create persists a new instance and its opening audit row.
func (s *MemoryWorkflowStore) Create(_ context.Context, inst model.WorkflowInstance, opening model.WorkflowAuditLog) (model.WorkflowInstance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.activeForEntityLocked(inst.EntityType, inst.EntityID); ok {
		return existing, false, nil
	}
	if _, exists := s.instances[inst.ID]; exists {
		return model.WorkflowInstance{}, false, model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}

	s.instances[inst.ID] = inst
	s.audit[inst.ID] = []model.WorkflowAuditLog{opening}
	return inst, true, nil
}

// Get retrieves a workflow instance by ID.
func (s *MemoryWorkflowStore) Get(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return inst, nil
}

// FindActiveForEntity returns the non-terminal instance for an entity.
func (s *MemoryWorkflowStore) FindActiveForEntity(_ context.Context, entityType, entityID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if inst, ok := s.activeForEntityLocked(entityType, entityID); ok {
		return inst, nil
	}
	return model.WorkflowInstance{}, model.NewNotFoundError(
		fmt.Sprintf("no active workflow for %s %q", entityType, entityID),
	)
}

func (s *MemoryWorkflowStore) activeForEntityLocked(entityType, entityID string) (model.WorkflowInstance, bool) {
	for _, inst := range s.instances {
		if inst.EntityType == entityType && inst.EntityID == entityID && !inst.Status.IsTerminal() {
			return inst, true
		}
	}
	return model.WorkflowInstance{}, false
}

// Transition runs fn while holding the instance's lock and applies the
// resulting mutation with an optimistic version check.
func (s *MemoryWorkflowStore) Transition(_ context.Context, instanceID string, fn TransitionFunc) (model.WorkflowInstance, error) {
	lock := s.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	inst, exists := s.instances[instanceID]
	open := openRow(s.audit[instanceID])
	s.mu.RUnlock()
	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}

	m, err := fn(inst, open)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.instances[instanceID]
	if current.Version != m.Instance.Version {
		return model.WorkflowInstance{}, model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", instanceID, m.Instance.Version, current.Version),
		)
	}

	rows := append([]model.WorkflowAuditLog(nil), s.audit[instanceID]...)
	if m.CloseOpenAt != nil {
		idx := openIndex(rows)
		if idx < 0 {
			return model.WorkflowInstance{}, model.NewConflictError(
				fmt.Sprintf("workflow instance %q has no open audit row", instanceID),
			)
		}
		rows[idx] = rows[idx].Close(*m.CloseOpenAt)
	}
	rows = append(rows, m.Append...)
	if err := checkOccupancy(m.Instance, rows); err != nil {
		return model.WorkflowInstance{}, err
	}

	next := m.Instance
	next.Version++
	next.UpdatedAt = time.Now().UTC()
	s.instances[instanceID] = next
	s.audit[instanceID] = rows
	return next, nil
}

func (s *MemoryWorkflowStore) instanceLock(instanceID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(instanceID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// GetAuditLogs returns the audit trail in insertion order.
func (s *MemoryWorkflowStore) GetAuditLogs(_ context.Context, instanceID string) ([]model.WorkflowAuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.instances[instanceID]; !exists {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	rows := s.audit[instanceID]
	out := make([]model.WorkflowAuditLog, len(rows))
	copy(out, rows)
	return out, nil
}

// OpenAuditLogs returns the open audit row per instance.
func (s *MemoryWorkflowStore) OpenAuditLogs(_ context.Context, instanceIDs []string) (map[string]model.WorkflowAuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.WorkflowAuditLog, len(instanceIDs))
	for _, id := range instanceIDs {
		if row := openRow(s.audit[id]); row != nil {
			out[id] = *row
		}
	}
	return out, nil
}

// FindPending returns actionable instances on any of the filter's steps or
// assigned to the filter's user.
func (s *MemoryWorkflowStore) FindPending(_ context.Context, filter PendingFilter) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps := make(map[string]bool, len(filter.StepIDs))
	for _, id := range filter.StepIDs {
		steps[id] = true
	}

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if !inst.Status.IsActionable() {
			continue
		}
		onStep := inst.CurrentStepID != nil && steps[*inst.CurrentStepID]
		assigned := filter.AssignedTo != "" && inst.AssignedTo != nil && *inst.AssignedTo == filter.AssignedTo
		if onStep || assigned {
			result = append(result, inst)
		}
	}
	sortByStart(result)
	return result, nil
}

// FindActive returns non-terminal instances.
func (s *MemoryWorkflowStore) FindActive(_ context.Context, filters WorkflowFilters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status.IsTerminal() {
			continue
		}
		if filters.Module != "" && inst.Module != filters.Module {
			continue
		}
		result = append(result, inst)
	}
	sortByStart(result)

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return nil, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

func sortByStart(instances []model.WorkflowInstance) {
	sort.Slice(instances, func(i, j int) bool {
		if !instances[i].StartedAt.Equal(instances[j].StartedAt) {
			return instances[i].StartedAt.Before(instances[j].StartedAt)
		}
		return instances[i].ID < instances[j].ID
	})
}

func openIndex(rows []model.WorkflowAuditLog) int {
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].IsOpen() {
			return i
		}
	}
	return -1
}

func openRow(rows []model.WorkflowAuditLog) *model.WorkflowAuditLog {
	if idx := openIndex(rows); idx >= 0 {
		row := rows[idx]
		return &row
	}
	return nil
}

// checkOccupancy enforces that an instance has at most one open audit row,
// and none once terminal.
func checkOccupancy(inst model.WorkflowInstance, rows []model.WorkflowAuditLog) error {
	open := 0
	for _, r := range rows {
		if r.IsOpen() {
			open++
		}
	}
	if open > 1 || (inst.Status.IsTerminal() && open != 0) {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q would have %d open audit rows in status %s", inst.ID, open, inst.Status),
		)
	}
	return nil
}

// Len returns the number of stored instances.
func (s *MemoryWorkflowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}
