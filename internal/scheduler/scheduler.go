package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/crmflow/internal/domain"
	"github.com/shaiso/crmflow/internal/nodes"
	"github.com/shaiso/crmflow/internal/repo"
	"github.com/shaiso/crmflow/internal/telemetry"
)

// JobStore: хранилище отложенных заданий (repo.JobRepo).
type JobStore interface {
	ClaimDue(ctx context.Context, now time.Time, limit int,
		next func(job *domain.ScheduledJob) *time.Time) ([]domain.ScheduledJob, error)
	ReplaceTriggerJobs(ctx context.Context, tenantID, workflowID uuid.UUID, specs []repo.TriggerJobSpec) error
	ScheduleResume(ctx context.Context, runID uuid.UUID, nodeID string, dueAt time.Time) (*domain.ScheduledJob, error)
	CancelForRun(ctx context.Context, runID uuid.UUID) error
}

// TriggerStarter создаёт run по cron (workflows.Service).
type TriggerStarter interface {
	TriggerScheduled(ctx context.Context, tenantID, workflowID uuid.UUID, payload map[string]any) (*domain.Run, error)
}

// Resumer продолжает приостановленный run: публикует run.resume
// (mq.Notifier) или передаёт run оркестратору напрямую.
type Resumer interface {
	Resume(ctx context.Context, runID uuid.UUID, nodeID string) error
}

// Leader сообщает, является ли экземпляр лидером (repo.LeaderLock).
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context)
}

// Scheduler: планировщик, обрабатывающий due задания.
type Scheduler struct {
	jobs      JobStore
	triggers  TriggerStarter
	resumer   Resumer
	leader    Leader
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

// Config: конфигурация Scheduler.
type Config struct {
	Jobs     JobStore
	Triggers TriggerStarter
	Resumer  Resumer

	// Leader: опционально; без него Run тикает всегда.
	Leader Leader

	Logger    *slog.Logger
	BatchSize int // количество заданий за один тик (default: 100)
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		jobs:      cfg.Jobs,
		triggers:  cfg.Triggers,
		resumer:   cfg.Resumer,
		leader:    cfg.Leader,
		logger:    logger.With("component", "scheduler"),
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Schedule регистрирует продолжение run в момент resumeAt.
func (s *Scheduler) Schedule(ctx context.Context, resumeAt time.Time, runID uuid.UUID, nodeID string) error {
	job, err := s.jobs.ScheduleResume(ctx, runID, nodeID, resumeAt)
	if err != nil {
		return fmt.Errorf("schedule resume: %w", err)
	}
	s.logger.Debug("resume scheduled",
		"job_id", job.ID,
		"run_id", runID,
		"node_id", nodeID,
		"due_at", resumeAt,
	)
	return nil
}

// CancelScheduled отменяет ожидающие задания run.
func (s *Scheduler) CancelScheduled(ctx context.Context, runID uuid.UUID) error {
	return s.jobs.CancelForRun(ctx, runID)
}

// SyncWorkflowTriggers приводит cron-задания workflow к его графу.
//
// Для активного workflow создаётся по заданию на каждый schedule_trigger узел
// с первым срабатыванием после текущего момента. Неактивный workflow
// теряет все trigger-задания.
func (s *Scheduler) SyncWorkflowTriggers(ctx context.Context, wf *domain.Workflow, graph []domain.Node) error {
	now := s.now()

	var specs []repo.TriggerJobSpec
	if wf.Status == domain.WorkflowStatusActive {
		for _, node := range graph {
			if node.Type != nodes.TypeScheduleTrigger {
				continue
			}
			expr, tz := triggerSpec(node)
			due, err := NextCronTime(expr, tz, now)
			if err != nil {
				return fmt.Errorf("node %s: %w", node.ID, err)
			}
			specs = append(specs, repo.TriggerJobSpec{
				NodeID:   node.ID,
				CronExpr: expr,
				Timezone: tz,
				DueAt:    due,
			})
		}
	}

	if err := s.jobs.ReplaceTriggerJobs(ctx, wf.TenantID, wf.ID, specs); err != nil {
		return fmt.Errorf("replace trigger jobs: %w", err)
	}
	s.logger.Info("schedule triggers synced",
		"workflow_id", wf.ID,
		"tenant_id", wf.TenantID,
		"jobs", len(specs),
	)
	return nil
}

// Tick выполняет один тик планировщика.
//
// 1. Забирает due задания (cron-задания сразу перевзводятся)
// 2. resume-задания передаёт Resumer
// 3. trigger-задания создают run через TriggerStarter
//
// Ошибки одного задания не блокируют обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()

	jobs, err := s.jobs.ClaimDue(ctx, now, s.batchSize, func(job *domain.ScheduledJob) *time.Time {
		return nextDue(job, now)
	})
	if err != nil {
		return fmt.Errorf("claim due jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	s.logger.Debug("found due jobs", "count", len(jobs))

	var failed int
	for i := range jobs {
		job := &jobs[i]

		err := s.fire(ctx, job)
		status := "ok"
		if err != nil {
			status = "error"
			failed++
			s.logger.Error("failed to fire job",
				"job_id", job.ID,
				"kind", job.Kind,
				"workflow_id", job.WorkflowID,
				"error", err,
			)
		}
		telemetry.SchedulerJobs.WithLabelValues(string(job.Kind), status).Inc()
	}

	s.logger.Info("scheduler tick completed",
		"due", len(jobs),
		"failed", failed,
	)
	return nil
}

// fire выполняет одно задание.
func (s *Scheduler) fire(ctx context.Context, job *domain.ScheduledJob) error {
	switch job.Kind {
	case domain.JobKindResume:
		if job.RunID == nil {
			return errors.New("resume job without run_id")
		}
		return s.resumer.Resume(ctx, *job.RunID, job.NodeID)

	case domain.JobKindTrigger:
		run, err := s.triggers.TriggerScheduled(ctx, job.TenantID, job.WorkflowID, map[string]any{
			"scheduled_at": job.DueAt.UTC().Format(time.RFC3339),
			"node_id":      job.NodeID,
			"cron":         job.CronExpr,
			"timezone":     job.Timezone,
		})
		if err != nil {
			return err
		}
		s.logger.Info("scheduled run created",
			"job_id", job.ID,
			"workflow_id", job.WorkflowID,
			"run_id", run.ID,
		)
		return nil

	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// Run вызывает Tick каждые interval до отмены ctx.
// При заданном Leader тикает только лидер.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	tk := time.NewTicker(interval)
	defer tk.Stop()

	if s.leader != nil {
		defer s.leader.Release(context.WithoutCancel(ctx))
	}

	var isLeader bool
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
		}

		if s.leader != nil {
			ok, err := s.leader.TryAcquire(ctx)
			if err != nil {
				s.logger.Warn("leader lock failed", "error", err)
				continue
			}
			if ok != isLeader {
				s.logger.Info("leadership changed", "leader", ok)
				isLeader = ok
			}
			if !ok {
				// не лидер, пропускаем тик
				continue
			}
		}

		if err := s.Tick(ctx); err != nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}
	}
}
