package workflow

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/pmisflow/model"
)

//go:embed schema.sql
var schemaSQL string

const instanceColumns = `id, template_id, module, entity_type, entity_id,
	current_step_id, current_step_sequence, status, assigned_to,
	started_by, started_at, completed_at, updated_at, version`

const auditColumns = `id, instance_id, step_id, step_sequence, action,
	performed_by, remarks, entered_at, exited_at, time_spent_hours,
	from_step, to_step`

// PgWorkflowStore is a PostgreSQL-backed WorkflowStore using pgx/v5.
type PgWorkflowStore struct {
	pool *pgxpool.Pool
}

// NewPgWorkflowStore creates a new PostgreSQL workflow store.
func NewPgWorkflowStore(pool *pgxpool.Pool) *PgWorkflowStore {
	return &PgWorkflowStore{pool: pool}
}

// Migrate creates the workflow tables, indexes and the audit immutability
// trigger if they don't exist.
func (s *PgWorkflowStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply workflow schema: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *PgWorkflowStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgWorkflowStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, fn)
}

// Create inserts a new instance and its opening audit row. The partial unique
// index on (entity_type, entity_id) decides the winner between concurrent
// starts for the same entity.
func (s *PgWorkflowStore) Create(ctx context.Context, inst model.WorkflowInstance, opening model.WorkflowAuditLog) (model.WorkflowInstance, bool, error) {
	var stored model.WorkflowInstance
	created := false

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO workflow_instances (`+instanceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (entity_type, entity_id)
				WHERE status IN ('PENDING', 'IN_PROGRESS', 'REVERTED')
			DO NOTHING`,
			inst.ID, inst.TemplateID, inst.Module, inst.EntityType, inst.EntityID,
			inst.CurrentStepID, inst.CurrentStepSequence, inst.Status, inst.AssignedTo,
			inst.StartedBy, inst.StartedAt, inst.CompletedAt, inst.UpdatedAt, inst.Version,
		)
		if err != nil {
			return fmt.Errorf("insert workflow instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			existing, err := scanInstance(tx.QueryRow(ctx, `
				SELECT `+instanceColumns+`
				FROM workflow_instances
				WHERE entity_type = $1 AND entity_id = $2
				  AND status IN ('PENDING', 'IN_PROGRESS', 'REVERTED')`,
				inst.EntityType, inst.EntityID,
			))
			if err != nil {
				return fmt.Errorf("query active workflow instance: %w", err)
			}
			stored = existing
			return nil
		}
		if err := insertAudit(ctx, tx, opening); err != nil {
			return err
		}
		stored = inst
		created = true
		return nil
	})
	if err != nil {
		return model.WorkflowInstance{}, false, err
	}
	return stored, created, nil
}

// Get retrieves a workflow instance by ID.
func (s *PgWorkflowStore) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE id = $1`,
		instanceID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// FindActiveForEntity returns the non-terminal instance for an entity.
func (s *PgWorkflowStore) FindActiveForEntity(ctx context.Context, entityType, entityID string) (model.WorkflowInstance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE entity_type = $1 AND entity_id = $2
		  AND status IN ('PENDING', 'IN_PROGRESS', 'REVERTED')`,
		entityType, entityID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("no active workflow for %s %q", entityType, entityID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query active workflow instance: %w", err)
	}
	return inst, nil
}

// Transition locks the instance row for the duration of fn and writes the
// mutation in the same transaction.
func (s *PgWorkflowStore) Transition(ctx context.Context, instanceID string, fn TransitionFunc) (model.WorkflowInstance, error) {
	var result model.WorkflowInstance

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		inst, err := scanInstance(tx.QueryRow(ctx, `
			SELECT `+instanceColumns+`
			FROM workflow_instances
			WHERE id = $1
			FOR UPDATE`,
			instanceID,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return model.NewNotFoundError(
				fmt.Sprintf("workflow instance %q not found", instanceID),
			)
		}
		if err != nil {
			return fmt.Errorf("lock workflow instance: %w", err)
		}

		var open *model.WorkflowAuditLog
		row, err := scanAudit(tx.QueryRow(ctx, `
			SELECT `+auditColumns+`
			FROM workflow_audit_logs
			WHERE instance_id = $1 AND exited_at IS NULL`,
			instanceID,
		))
		switch {
		case err == nil:
			open = &row
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("query open audit row: %w", err)
		}

		m, err := fn(inst, open)
		if err != nil {
			return err
		}

		next := m.Instance
		next.Version = m.Instance.Version + 1
		next.UpdatedAt = time.Now().UTC()

		tag, err := tx.Exec(ctx, `
			UPDATE workflow_instances SET
				current_step_id = $1,
				current_step_sequence = $2,
				status = $3,
				assigned_to = $4,
				completed_at = $5,
				version = $6,
				updated_at = $7
			WHERE id = $8 AND version = $9`,
			next.CurrentStepID, next.CurrentStepSequence, next.Status, next.AssignedTo,
			next.CompletedAt, next.Version, next.UpdatedAt,
			instanceID, m.Instance.Version,
		)
		if err != nil {
			return fmt.Errorf("update workflow instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewConflictError(
				fmt.Sprintf("workflow instance %q version conflict (expected %d)", instanceID, m.Instance.Version),
			)
		}

		if m.CloseOpenAt != nil {
			if open == nil {
				return model.NewConflictError(
					fmt.Sprintf("workflow instance %q has no open audit row", instanceID),
				)
			}
			closed := open.Close(*m.CloseOpenAt)
			tag, err := tx.Exec(ctx, `
				UPDATE workflow_audit_logs SET
					exited_at = $1,
					time_spent_hours = $2
				WHERE id = $3 AND exited_at IS NULL`,
				closed.ExitedAt, closed.TimeSpentHours, closed.ID,
			)
			if err != nil {
				return fmt.Errorf("close audit row: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return model.NewConflictError(
					fmt.Sprintf("audit row %q already closed", closed.ID),
				)
			}
		}

		for _, a := range m.Append {
			if err := insertAudit(ctx, tx, a); err != nil {
				return err
			}
		}

		result = next
		return nil
	})
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	return result, nil
}

// GetAuditLogs returns the audit trail in insertion order.
func (s *PgWorkflowStore) GetAuditLogs(ctx context.Context, instanceID string) ([]model.WorkflowAuditLog, error) {
	if _, err := s.Get(ctx, instanceID); err != nil {
		return nil, err
	}
	return s.queryAudit(ctx, `
		SELECT `+auditColumns+`
		FROM workflow_audit_logs
		WHERE instance_id = $1
		ORDER BY seq ASC`,
		instanceID,
	)
}

// OpenAuditLogs returns the open audit row per instance.
func (s *PgWorkflowStore) OpenAuditLogs(ctx context.Context, instanceIDs []string) (map[string]model.WorkflowAuditLog, error) {
	out := make(map[string]model.WorkflowAuditLog, len(instanceIDs))
	if len(instanceIDs) == 0 {
		return out, nil
	}
	rows, err := s.queryAudit(ctx, `
		SELECT `+auditColumns+`
		FROM workflow_audit_logs
		WHERE instance_id = ANY($1) AND exited_at IS NULL`,
		instanceIDs,
	)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.InstanceID] = r
	}
	return out, nil
}

// FindPending returns actionable instances on any of the filter's steps or
// assigned to the filter's user.
func (s *PgWorkflowStore) FindPending(ctx context.Context, filter PendingFilter) ([]model.WorkflowInstance, error) {
	if len(filter.StepIDs) == 0 && filter.AssignedTo == "" {
		return nil, nil
	}
	stepIDs := filter.StepIDs
	if stepIDs == nil {
		stepIDs = []string{}
	}
	return s.queryInstances(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE status IN ('IN_PROGRESS', 'REVERTED')
		  AND (current_step_id = ANY($1) OR ($2 <> '' AND assigned_to = $2))
		ORDER BY started_at ASC, id ASC`,
		stepIDs, filter.AssignedTo,
	)
}

// FindActive returns non-terminal instances.
func (s *PgWorkflowStore) FindActive(ctx context.Context, filters WorkflowFilters) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + `
	          FROM workflow_instances
	          WHERE status IN ('PENDING', 'IN_PROGRESS', 'REVERTED')`
	var args []any
	argIdx := 1

	if filters.Module != "" {
		query += fmt.Sprintf(" AND module = $%d", argIdx)
		args = append(args, filters.Module)
		argIdx++
	}

	query += " ORDER BY started_at ASC, id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryInstances(ctx, query, args...)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	err := row.Scan(
		&inst.ID, &inst.TemplateID, &inst.Module, &inst.EntityType, &inst.EntityID,
		&inst.CurrentStepID, &inst.CurrentStepSequence, &inst.Status, &inst.AssignedTo,
		&inst.StartedBy, &inst.StartedAt, &inst.CompletedAt, &inst.UpdatedAt, &inst.Version,
	)
	return inst, err
}

func scanAudit(row rowScanner) (model.WorkflowAuditLog, error) {
	var a model.WorkflowAuditLog
	err := row.Scan(
		&a.ID, &a.InstanceID, &a.StepID, &a.StepSequence, &a.Action,
		&a.PerformedBy, &a.Remarks, &a.EnteredAt, &a.ExitedAt, &a.TimeSpentHours,
		&a.FromStep, &a.ToStep,
	)
	return a, err
}

func insertAudit(ctx context.Context, tx pgx.Tx, a model.WorkflowAuditLog) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO workflow_audit_logs (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.InstanceID, a.StepID, a.StepSequence, a.Action,
		a.PerformedBy, a.Remarks, a.EnteredAt, a.ExitedAt, a.TimeSpentHours,
		a.FromStep, a.ToStep,
	)
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

// queryInstances executes a query and returns workflow instances.
func (s *PgWorkflowStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *PgWorkflowStore) queryAudit(ctx context.Context, query string, args ...any) ([]model.WorkflowAuditLog, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit rows: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowAuditLog
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
