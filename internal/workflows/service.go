package workflows

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/crmflow/internal/domain"
	"github.com/shaiso/crmflow/internal/executor"
	"github.com/shaiso/crmflow/internal/nodes"
)

// WorkflowStore: хранилище workflows (repo.WorkflowRepo).
type WorkflowStore interface {
	CreateWithVersion(ctx context.Context, wf *domain.Workflow, v *domain.Version) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*domain.Workflow, error)
	List(ctx context.Context, filter domain.WorkflowFilter) ([]domain.WorkflowSummary, int, error)
	Update(ctx context.Context, wf *domain.Workflow) error
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
	ListActiveByTriggerType(ctx context.Context, tenantID uuid.UUID, triggerType string) ([]domain.Workflow, error)
}

// VersionStore: хранилище версий (repo.VersionRepo).
type VersionStore interface {
	SaveNext(ctx context.Context, tenantID uuid.UUID, v *domain.Version) error
	GetByID(ctx context.Context, tenantID, workflowID, versionID uuid.UUID) (*domain.Version, error)
	GetByNumber(ctx context.Context, tenantID, workflowID uuid.UUID, number int) (*domain.Version, error)
	GetLatest(ctx context.Context, tenantID, workflowID uuid.UUID) (*domain.Version, error)
	GetPublished(ctx context.Context, tenantID, workflowID uuid.UUID) (*domain.Version, error)
	ListSummaries(ctx context.Context, tenantID, workflowID uuid.UUID) ([]domain.VersionSummary, error)
	Publish(ctx context.Context, tenantID, workflowID, versionID uuid.UUID, snap domain.TriggerSnapshot) (*domain.Version, error)
}

// RunStore: хранилище runs (repo.RunRepo).
type RunStore interface {
	Create(ctx context.Context, run *domain.Run) error
	CreateWithinLimit(ctx context.Context, run *domain.Run, maxRuns int, window time.Duration) error
	Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Run, error)
	List(ctx context.Context, filter domain.RunFilter) ([]domain.Run, int, error)
	Cancel(ctx context.Context, tenantID, id uuid.UUID) (*domain.Run, error)
}

// ResultStore: результаты узлов и журнал (repo.ResultRepo).
type ResultStore interface {
	ListNodeResults(ctx context.Context, runID uuid.UUID) ([]domain.RunNodeResult, error)
	ListLogs(ctx context.Context, runID uuid.UUID) ([]domain.RunLog, error)
}

// JobCanceller отменяет отложенные задания run (repo.JobRepo).
type JobCanceller interface {
	CancelForRun(ctx context.Context, runID uuid.UUID) error
}

// TriggerSyncer синхронизирует cron-задания опубликованной версии (scheduler.Scheduler).
type TriggerSyncer interface {
	SyncWorkflowTriggers(ctx context.Context, wf *domain.Workflow, nodes []domain.Node) error
}

// RunNotifier уведомляет пул исполнителей (mq.Notifier или orchestrator напрямую).
type RunNotifier interface {
	RunPending(ctx context.Context, runID uuid.UUID) error
	RunCancelled(ctx context.Context, runID uuid.UUID) error
}

// NodeExecutor выполняет узлы в отладочном режиме (executor.Engine).
type NodeExecutor interface {
	ExecuteNode(ctx context.Context, g domain.Graph, in executor.ExecuteNodeInput) (*executor.NodeTestResult, error)
}

// RateLimit: лимит ручных запусков tenant в скользящем окне.
type RateLimit struct {
	MaxRuns int
	Window  time.Duration
}

// Config: зависимости Service.
type Config struct {
	Workflows WorkflowStore
	Versions  VersionStore
	Runs      RunStore
	Results   ResultStore
	Jobs      JobCanceller
	Triggers  TriggerSyncer
	Notifier  RunNotifier
	Executor  NodeExecutor
	Registry  *nodes.Registry
	RateLimit RateLimit
	Logger    *slog.Logger
}

// Service: операции над workflows и runs.
type Service struct {
	workflows WorkflowStore
	versions  VersionStore
	runs      RunStore
	results   ResultStore
	jobs      JobCanceller
	triggers  TriggerSyncer
	notifier  RunNotifier
	executor  NodeExecutor
	registry  *nodes.Registry
	limit     RateLimit
	logger    *slog.Logger

	now func() time.Time
}

// New создаёт Service. Triggers, Notifier и Jobs необязательны.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = nodes.DefaultRegistry()
	}
	return &Service{
		workflows: cfg.Workflows,
		versions:  cfg.Versions,
		runs:      cfg.Runs,
		results:   cfg.Results,
		jobs:      cfg.Jobs,
		triggers:  cfg.Triggers,
		notifier:  cfg.Notifier,
		executor:  cfg.Executor,
		registry:  registry,
		limit:     cfg.RateLimit,
		logger:    logger.With("component", "workflows"),
		now:       time.Now,
	}
}

// Registry возвращает реестр узлов (каталог для API).
func (s *Service) Registry() *nodes.Registry {
	return s.registry
}
