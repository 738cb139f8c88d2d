package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/crmflow/internal/domain"
)

// RunRepo: репозиторий для работы с runs.
//
// Переходы статусов выполняются условными UPDATE: строка меняется,
// только если текущий статус допускает переход. Иначе ErrInvalidState.
type RunRepo struct {
	pool *pgxpool.Pool
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

const runColumns = `
	id, workflow_id, version_id, tenant_id, trigger_type, trigger_data, context,
	status, error, started_at, completed_at, created_at`

// Create создаёт новый run.
func (r *RunRepo) Create(ctx context.Context, run *domain.Run) error {
	return insertRun(ctx, r.pool, run)
}

// CreateWithinLimit создаёт run, если tenant не превысил maxRuns запусков
// за последние window. Проверка и вставка сериализуются advisory-локом tenant.
// При превышении возвращает *RateLimitError.
func (r *RunRepo) CreateWithinLimit(ctx context.Context, run *domain.Run, maxRuns int, window time.Duration) error {
	if maxRuns <= 0 || window <= 0 {
		return r.Create(ctx, run)
	}

	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text))`, run.TenantID); err != nil {
			return fmt.Errorf("lock tenant: %w", err)
		}

		now := time.Now()
		since := now.Add(-window)

		var count int
		var oldest *time.Time
		err := tx.QueryRow(ctx, `
			SELECT COUNT(*), MIN(COALESCE(started_at, created_at))
			FROM workflow_runs
			WHERE tenant_id = $1 AND COALESCE(started_at, created_at) > $2
		`, run.TenantID, since).Scan(&count, &oldest)
		if err != nil {
			return fmt.Errorf("count recent runs: %w", err)
		}

		if count >= maxRuns {
			retryAfter := window
			if oldest != nil {
				retryAfter = oldest.Add(window).Sub(now)
			}
			if retryAfter < time.Second {
				retryAfter = time.Second
			}
			return &RateLimitError{Limit: maxRuns, Window: window, RetryAfter: retryAfter}
		}

		return insertRun(ctx, tx, run)
	})
}

// GetByID возвращает run по ID без проверки tenant (для исполнителя).
func (r *RunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	return scanRun(r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id))
}

// Get возвращает run tenant по ID.
func (r *RunRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Run, error) {
	return scanRun(r.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE id = $1 AND tenant_id = $2`, id, tenantID))
}

// List возвращает страницу runs tenant (новые первыми) и общее количество.
func (r *RunRepo) List(ctx context.Context, filter domain.RunFilter) ([]domain.Run, int, error) {
	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}
	workflowID := nullUUID(filter.WorkflowID)

	var total int
	if err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM workflow_runs
		WHERE tenant_id = $1
		  AND ($2::uuid IS NULL OR workflow_id = $2)
		  AND ($3::text IS NULL OR status = $3)
	`, filter.TenantID, workflowID, status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM workflow_runs
		WHERE tenant_id = $1
		  AND ($2::uuid IS NULL OR workflow_id = $2)
		  AND ($3::text IS NULL OR status = $3)
		ORDER BY created_at DESC, id
		LIMIT $4 OFFSET $5
	`, filter.TenantID, workflowID, status, pageLimit(filter.Limit), filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs, err := collectRuns(rows)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// ListPending возвращает pending runs в порядке создания.
func (r *RunRepo) ListPending(ctx context.Context, limit int) ([]domain.Run, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM workflow_runs
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
	`, pageLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list pending runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// Start переводит run из pending в running.
// ErrInvalidState означает, что run уже взят другим исполнителем или отменён.
func (r *RunRepo) Start(ctx context.Context, run *domain.Run) error {
	run.MarkRunning()
	return r.transition(ctx, run.ID, `
		UPDATE workflow_runs SET status = 'running', started_at = $2
		WHERE id = $1 AND status = 'pending'
	`, run.StartedAt)
}

// ResumeStart переводит run из waiting в running.
func (r *RunRepo) ResumeStart(ctx context.Context, run *domain.Run) error {
	run.MarkRunning()
	return r.transition(ctx, run.ID, `
		UPDATE workflow_runs SET status = 'running', started_at = COALESCE(started_at, $2)
		WHERE id = $1 AND status = 'waiting'
	`, run.StartedAt)
}

// MarkWaiting переводит running run в waiting и сохраняет контекст.
func (r *RunRepo) MarkWaiting(ctx context.Context, run *domain.Run) error {
	contextJSON, err := json.Marshal(nonNilMap(run.Context))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	run.MarkWaiting()
	return r.transition(ctx, run.ID, `
		UPDATE workflow_runs SET status = 'waiting', context = $2
		WHERE id = $1 AND status = 'running'
	`, contextJSON)
}

// Finish записывает терминальный статус running run.
// Отменённый run не перезаписывается: ErrInvalidState.
func (r *RunRepo) Finish(ctx context.Context, run *domain.Run) error {
	contextJSON, err := json.Marshal(nonNilMap(run.Context))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	if run.CompletedAt == nil {
		now := time.Now()
		run.CompletedAt = &now
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE workflow_runs
		SET status = $2, error = $3, context = $4, completed_at = $5
		WHERE id = $1 AND status = 'running'
	`, run.ID, run.Status, nullString(run.Error), contextJSON, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missingOrState(ctx, run.ID)
	}
	return nil
}

// Cancel отменяет run tenant, если он ещё не завершён.
// Возвращает обновлённый run; ErrNotFound если run нет,
// ErrInvalidState если run уже в терминальном статусе.
func (r *RunRepo) Cancel(ctx context.Context, tenantID, id uuid.UUID) (*domain.Run, error) {
	run, err := scanRun(r.pool.QueryRow(ctx, `
		UPDATE workflow_runs SET status = 'cancelled', completed_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status IN ('pending', 'running', 'waiting')
		RETURNING `+runColumns,
		id, tenantID))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := r.Get(ctx, tenantID, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidState
	}
	return run, err
}

// SaveContext сохраняет накопленный контекст run.
func (r *RunRepo) SaveContext(ctx context.Context, runID uuid.UUID, runCtx map[string]any) error {
	contextJSON, err := json.Marshal(nonNilMap(runCtx))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	_, err = r.pool.Exec(ctx, `UPDATE workflow_runs SET context = $2 WHERE id = $1`, runID, contextJSON)
	if err != nil {
		return fmt.Errorf("save context: %w", err)
	}
	return nil
}

func (r *RunRepo) transition(ctx context.Context, id uuid.UUID, query string, arg any) error {
	result, err := r.pool.Exec(ctx, query, id, arg)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.missingOrState(ctx, id)
	}
	return nil
}

func (r *RunRepo) missingOrState(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflow_runs WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check run: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidState
}

func insertRun(ctx context.Context, q querier, run *domain.Run) error {
	triggerJSON, err := json.Marshal(nonNilMap(run.TriggerData))
	if err != nil {
		return fmt.Errorf("marshal trigger data: %w", err)
	}
	contextJSON, err := json.Marshal(nonNilMap(run.Context))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO workflow_runs (id, workflow_id, version_id, tenant_id, trigger_type,
		                           trigger_data, context, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		run.ID,
		run.WorkflowID,
		run.VersionID,
		run.TenantID,
		run.TriggerType,
		triggerJSON,
		contextJSON,
		run.Status,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func collectRuns(rows pgx.Rows) ([]domain.Run, error) {
	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// scanRun сканирует одну строку в Run.
func scanRun(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	var triggerJSON, contextJSON []byte
	var errMsg *string

	err := row.Scan(
		&run.ID,
		&run.WorkflowID,
		&run.VersionID,
		&run.TenantID,
		&run.TriggerType,
		&triggerJSON,
		&contextJSON,
		&run.Status,
		&errMsg,
		&run.StartedAt,
		&run.CompletedAt,
		&run.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	run.Error = derefString(errMsg)
	if err := unmarshalMap(triggerJSON, &run.TriggerData); err != nil {
		return nil, err
	}
	if err := unmarshalMap(contextJSON, &run.Context); err != nil {
		return nil, err
	}
	return &run, nil
}
