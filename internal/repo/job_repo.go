package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/crmflow/internal/domain"
)

// JobRepo: репозиторий отложенных заданий scheduler.
type JobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepo создаёт новый JobRepo.
func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

const jobColumns = `
	id, kind, tenant_id, workflow_id, run_id, node_id, cron_expr, timezone,
	due_at, status, last_fired_at, created_at, updated_at`

// TriggerJobSpec: cron-задание для trigger-узла опубликованной версии.
type TriggerJobSpec struct {
	NodeID   string
	CronExpr string
	Timezone string
	DueAt    time.Time
}

// ScheduleResume создаёт resume-задание для приостановленного run.
// Tenant и workflow берутся из самого run.
func (r *JobRepo) ScheduleResume(ctx context.Context, runID uuid.UUID, nodeID string, dueAt time.Time) (*domain.ScheduledJob, error) {
	job, err := scanJob(r.pool.QueryRow(ctx, `
		INSERT INTO scheduled_jobs (id, kind, tenant_id, workflow_id, run_id, node_id, due_at)
		SELECT $1, 'resume', r.tenant_id, r.workflow_id, r.id, $3, $4
		FROM workflow_runs r
		WHERE r.id = $2
		RETURNING `+jobColumns,
		uuid.New(), runID, nodeID, dueAt))
	if err != nil {
		return nil, fmt.Errorf("schedule resume: %w", err)
	}
	return job, nil
}

// CancelForRun отменяет ещё не сработавшие задания run.
func (r *JobRepo) CancelForRun(ctx context.Context, runID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE scheduled_jobs SET status = 'cancelled', updated_at = NOW()
		WHERE run_id = $1 AND status = 'scheduled'
	`, runID)
	if err != nil {
		return fmt.Errorf("cancel run jobs: %w", err)
	}
	return nil
}

// ReplaceTriggerJobs заменяет cron-задания workflow на specs.
// Старые задания отменяются; пустой specs просто снимает расписание.
func (r *JobRepo) ReplaceTriggerJobs(ctx context.Context, tenantID, workflowID uuid.UUID, specs []TriggerJobSpec) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE scheduled_jobs SET status = 'cancelled', updated_at = NOW()
			WHERE workflow_id = $1 AND kind = 'trigger' AND status = 'scheduled'
		`, workflowID)
		if err != nil {
			return fmt.Errorf("cancel trigger jobs: %w", err)
		}

		for _, s := range specs {
			tz := s.Timezone
			if tz == "" {
				tz = "UTC"
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO scheduled_jobs (id, kind, tenant_id, workflow_id, node_id, cron_expr, timezone, due_at)
				VALUES ($1, 'trigger', $2, $3, $4, $5, $6, $7)
			`, uuid.New(), tenantID, workflowID, s.NodeID, s.CronExpr, tz, s.DueAt)
			if err != nil {
				return fmt.Errorf("insert trigger job: %w", err)
			}
		}
		return nil
	})
}

// ClaimDue забирает до limit заданий с due_at <= now.
//
// Выборка идёт с FOR UPDATE SKIP LOCKED, поэтому несколько scheduler
// не получат одно задание дважды. Для каждого задания вызывается next:
// не-nil время перевзводит cron-задание, nil переводит задание в fired.
// Возвращаются задания в состоянии до срабатывания (с исходным DueAt).
func (r *JobRepo) ClaimDue(ctx context.Context, now time.Time, limit int,
	next func(job *domain.ScheduledJob) *time.Time,
) ([]domain.ScheduledJob, error) {
	var claimed []domain.ScheduledJob

	err := withTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+jobColumns+`
			FROM scheduled_jobs
			WHERE status = 'scheduled' AND due_at <= $1
			ORDER BY due_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, now, limit)
		if err != nil {
			return fmt.Errorf("select due jobs: %w", err)
		}
		jobs, err := collectJobs(rows)
		if err != nil {
			return err
		}

		for _, job := range jobs {
			fired := job
			fired.RecordFire(now, next(&job))
			_, err := tx.Exec(ctx, `
				UPDATE scheduled_jobs
				SET status = $2, due_at = $3, last_fired_at = $4, updated_at = $4
				WHERE id = $1
			`, fired.ID, fired.Status, fired.DueAt, now)
			if err != nil {
				return fmt.Errorf("update job %s: %w", job.ID, err)
			}
		}
		claimed = jobs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ListByWorkflow возвращает активные задания workflow tenant.
func (r *JobRepo) ListByWorkflow(ctx context.Context, tenantID, workflowID uuid.UUID) ([]domain.ScheduledJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM scheduled_jobs
		WHERE tenant_id = $1 AND workflow_id = $2 AND status = 'scheduled'
		ORDER BY due_at
	`, tenantID, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]domain.ScheduledJob, error) {
	defer rows.Close()
	jobs := make([]domain.ScheduledJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// scanJob сканирует одну строку в ScheduledJob.
func scanJob(row pgx.Row) (*domain.ScheduledJob, error) {
	var job domain.ScheduledJob
	err := row.Scan(
		&job.ID,
		&job.Kind,
		&job.TenantID,
		&job.WorkflowID,
		&job.RunID,
		&job.NodeID,
		&job.CronExpr,
		&job.Timezone,
		&job.DueAt,
		&job.Status,
		&job.LastFiredAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &job, nil
}
