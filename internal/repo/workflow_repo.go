package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/crmflow/internal/domain"
)

// WorkflowRepo: репозиторий для работы с workflows.
// Все выборки фильтруются по tenant_id: чужой workflow неотличим от отсутствующего.
type WorkflowRepo struct {
	pool *pgxpool.Pool
}

// NewWorkflowRepo создаёт новый WorkflowRepo.
func NewWorkflowRepo(pool *pgxpool.Pool) *WorkflowRepo {
	return &WorkflowRepo{pool: pool}
}

const workflowColumns = `
	w.id, w.tenant_id, w.name, w.description, w.status, w.trigger_type,
	w.trigger_types, w.trigger_config, w.created_at, w.updated_at`

// CreateWithVersion создаёт workflow и его первую версию в одной транзакции.
// Имя, занятое в рамках tenant, даёт ErrAlreadyExists.
func (r *WorkflowRepo) CreateWithVersion(ctx context.Context, wf *domain.Workflow, v *domain.Version) error {
	configJSON, err := json.Marshal(nonNilMap(wf.TriggerConfig))
	if err != nil {
		return fmt.Errorf("marshal trigger config: %w", err)
	}

	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO workflows (id, tenant_id, name, description, status, trigger_type,
			                       trigger_types, trigger_config, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			wf.ID,
			wf.TenantID,
			wf.Name,
			wf.Description,
			wf.Status,
			nullString(wf.TriggerType),
			nonNilStrings(wf.TriggerTypes),
			configJSON,
			wf.CreatedAt,
			wf.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: workflow name %q", ErrAlreadyExists, wf.Name)
		}
		if err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}

		return insertVersion(ctx, tx, v)
	})
}

// GetByID возвращает workflow tenant по ID.
func (r *WorkflowRepo) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*domain.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows w WHERE w.id = $1 AND w.tenant_id = $2`
	return scanWorkflow(r.pool.QueryRow(ctx, query, id, tenantID))
}

// List возвращает страницу workflows tenant и общее количество.
func (r *WorkflowRepo) List(ctx context.Context, filter domain.WorkflowFilter) ([]domain.WorkflowSummary, int, error) {
	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}

	var total int
	if err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM workflows
		WHERE tenant_id = $1 AND ($2::text IS NULL OR status = $2)
	`, filter.TenantID, status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflows: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+workflowColumns+`,
		       COALESCE((SELECT MAX(v.version_number) FROM workflow_versions v WHERE v.workflow_id = w.id), 0),
		       EXISTS (SELECT 1 FROM workflow_versions v WHERE v.workflow_id = w.id AND v.is_published),
		       (SELECT COUNT(*) FROM workflow_runs r WHERE r.workflow_id = w.id)
		FROM workflows w
		WHERE w.tenant_id = $1 AND ($2::text IS NULL OR w.status = $2)
		ORDER BY w.updated_at DESC, w.id
		LIMIT $3 OFFSET $4
	`, filter.TenantID, status, pageLimit(filter.Limit), filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	items := make([]domain.WorkflowSummary, 0)
	for rows.Next() {
		var s domain.WorkflowSummary
		var triggerType *string
		var configJSON []byte
		if err := rows.Scan(
			&s.ID, &s.TenantID, &s.Name, &s.Description, &s.Status, &triggerType,
			&s.TriggerTypes, &configJSON, &s.CreatedAt, &s.UpdatedAt,
			&s.LatestVersion, &s.IsPublished, &s.RunCount,
		); err != nil {
			return nil, 0, fmt.Errorf("scan workflow: %w", err)
		}
		s.TriggerType = derefString(triggerType)
		if err := unmarshalMap(configJSON, &s.TriggerConfig); err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

// ListActiveByTriggerType возвращает активные workflows tenant,
// опубликованная версия которых содержит trigger-узел данного типа.
func (r *WorkflowRepo) ListActiveByTriggerType(ctx context.Context, tenantID uuid.UUID, triggerType string) ([]domain.Workflow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+workflowColumns+`
		FROM workflows w
		WHERE w.tenant_id = $1 AND w.status = 'active' AND $2 = ANY (w.trigger_types)
		ORDER BY w.created_at
	`, tenantID, triggerType)
	if err != nil {
		return nil, fmt.Errorf("list workflows by trigger type: %w", err)
	}
	defer rows.Close()

	var out []domain.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *wf)
	}
	return out, rows.Err()
}

// Update сохраняет name, description и status.
// Архивный workflow не меняется: ErrInvalidState.
func (r *WorkflowRepo) Update(ctx context.Context, wf *domain.Workflow) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE workflows
		SET name = $3, description = $4, status = $5, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status <> 'archived'
	`, wf.ID, wf.TenantID, wf.Name, wf.Description, wf.Status)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: workflow name %q", ErrAlreadyExists, wf.Name)
	}
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missingOrState(ctx, wf.TenantID, wf.ID)
	}
	return nil
}

// Delete удаляет workflow (каскадно удалит versions, runs, results, logs, jobs).
func (r *WorkflowRepo) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM workflows WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// missingOrState различает отсутствие строки и неподходящее состояние
// после условного UPDATE без затронутых строк.
func (r *WorkflowRepo) missingOrState(ctx context.Context, tenantID, id uuid.UUID) error {
	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1 AND tenant_id = $2)`, id, tenantID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check workflow: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidState
}

// lockWorkflow блокирует строку workflow до конца транзакции.
func lockWorkflow(ctx context.Context, tx pgx.Tx, tenantID, id uuid.UUID) (*domain.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows w WHERE w.id = $1 AND w.tenant_id = $2 FOR UPDATE`
	return scanWorkflow(tx.QueryRow(ctx, query, id, tenantID))
}

// scanWorkflow сканирует одну строку в Workflow.
func scanWorkflow(row pgx.Row) (*domain.Workflow, error) {
	var wf domain.Workflow
	var triggerType *string
	var configJSON []byte

	err := row.Scan(
		&wf.ID,
		&wf.TenantID,
		&wf.Name,
		&wf.Description,
		&wf.Status,
		&triggerType,
		&wf.TriggerTypes,
		&configJSON,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}

	wf.TriggerType = derefString(triggerType)
	if err := unmarshalMap(configJSON, &wf.TriggerConfig); err != nil {
		return nil, err
	}
	return &wf, nil
}

func unmarshalMap(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal json: %w", err)
	}
	return nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
