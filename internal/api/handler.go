package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/crmflow/internal/domain"
	"github.com/shaiso/crmflow/internal/engine"
	"github.com/shaiso/crmflow/internal/executor"
	"github.com/shaiso/crmflow/internal/nodes"
	"github.com/shaiso/crmflow/internal/workflows"
)

// Service: операции над workflows и runs, которые выставляет API.
// Реализуется *workflows.Service.
type Service interface {
	Create(ctx context.Context, tenantID uuid.UUID, in workflows.CreateInput) (*workflows.Detail, error)
	Get(ctx context.Context, tenantID, id uuid.UUID, versionNumber int) (*workflows.Detail, error)
	List(ctx context.Context, filter domain.WorkflowFilter) ([]domain.WorkflowSummary, int, error)
	Update(ctx context.Context, tenantID, id uuid.UUID, in workflows.UpdateInput) (*domain.Workflow, error)
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
	SaveVersion(ctx context.Context, tenantID, id uuid.UUID, in workflows.GraphInput) (*domain.Version, error)
	Publish(ctx context.Context, tenantID, id, versionID uuid.UUID) (*domain.Version, error)

	Trigger(ctx context.Context, tenantID, id uuid.UUID, triggerData map[string]any) (*domain.Run, error)
	TestTrigger(ctx context.Context, tenantID, id uuid.UUID, in workflows.TestTriggerInput) (*engine.Simulation, error)
	ExecuteNode(ctx context.Context, tenantID, id uuid.UUID, in workflows.ExecuteNodeInput) (*executor.NodeTestResult, error)
	TriggerSchema(ctx context.Context, tenantID, id uuid.UUID) ([]workflows.TriggerSchema, error)

	ListRuns(ctx context.Context, filter domain.RunFilter) ([]domain.Run, int, error)
	GetRun(ctx context.Context, tenantID, runID uuid.UUID) (*domain.Run, error)
	RunLogs(ctx context.Context, tenantID, runID uuid.UUID) ([]domain.RunLog, error)
	RunNodeResults(ctx context.Context, tenantID, runID uuid.UUID) ([]domain.RunNodeResult, error)
	Cancel(ctx context.Context, tenantID, runID uuid.UUID) (*domain.Run, error)
}

// Catalog: каталог типов узлов для палитры редактора.
type Catalog interface {
	Definitions(category string) []nodes.Definition
	Definition(nodeType string) (nodes.Definition, error)
	Categories() []nodes.Category
}

// Handler: главный обработчик API с зависимостями.
type Handler struct {
	svc     Service
	catalog Catalog
	logger  *slog.Logger
}

// Config: конфигурация для создания Handler.
type Config struct {
	Service Service
	Catalog Catalog
	Logger  *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:     cfg.Service,
		catalog: cfg.Catalog,
		logger:  logger,
	}
}
