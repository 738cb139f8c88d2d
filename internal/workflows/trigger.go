package workflows

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/crmflow/internal/domain"
	"github.com/shaiso/crmflow/internal/engine"
	"github.com/shaiso/crmflow/internal/executor"
	"github.com/shaiso/crmflow/internal/nodes"
	"github.com/shaiso/crmflow/internal/repo"
	"github.com/shaiso/crmflow/internal/telemetry"
)

// TriggerTypeManual: источник run, запущенного через API.
const TriggerTypeManual = "manual"

// Trigger запускает опубликованную версию workflow вручную.
// Проверяет лимит запусков tenant; при превышении возвращает *RateLimitError
// и run не создаётся.
func (s *Service) Trigger(ctx context.Context, tenantID, id uuid.UUID, triggerData map[string]any) (*domain.Run, error) {
	wf, err := s.workflows.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, mapRepoErr(err, nil)
	}
	return s.startRun(ctx, wf, TriggerTypeManual, triggerData, true)
}

// TriggerScheduled запускает workflow по cron без ручного лимита.
func (s *Service) TriggerScheduled(ctx context.Context, tenantID, id uuid.UUID, payload map[string]any) (*domain.Run, error) {
	wf, err := s.workflows.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, mapRepoErr(err, nil)
	}
	return s.startRun(ctx, wf, nodes.TypeScheduleTrigger, payload, false)
}

// TriggerEvent запускает все активные workflows tenant, слушающие triggerType.
//
// Для message_received_trigger учитывается channel из config триггера.
// Лимит tenant действует и здесь: workflow сверх лимита пропускается.
// Ошибка одного workflow не останавливает остальные.
func (s *Service) TriggerEvent(ctx context.Context, tenantID uuid.UUID, triggerType string, payload map[string]any) ([]domain.Run, error) {
	if !s.registry.IsTrigger(triggerType) {
		return nil, invalid(fmt.Sprintf("unknown trigger type %q", triggerType))
	}

	targets, err := s.workflows.ListActiveByTriggerType(ctx, tenantID, triggerType)
	if err != nil {
		return nil, err
	}

	var runs []domain.Run
	var errs []error
	for i := range targets {
		wf := &targets[i]
		if !matchesEvent(wf, triggerType, payload) {
			continue
		}
		run, err := s.startRun(ctx, wf, triggerType, payload, true)
		if err != nil {
			s.logger.Warn("event run not started",
				"workflow_id", wf.ID, "trigger_type", triggerType, "error", err)
			if !errors.Is(err, repo.ErrRateLimited) {
				errs = append(errs, err)
			}
			continue
		}
		runs = append(runs, *run)
	}
	return runs, errors.Join(errs...)
}

// matchesEvent применяет фильтры основного триггера к событию.
func matchesEvent(wf *domain.Workflow, triggerType string, payload map[string]any) bool {
	if wf.TriggerType != triggerType || triggerType != nodes.TypeMessageReceivedTrigger {
		return true
	}
	channel := nodes.GetConfigString(wf.TriggerConfig, "channel")
	if channel == "" {
		return true
	}
	got, _ := payload["channel"].(string)
	return got == channel
}

// startRun создаёт pending run опубликованной версии и уведомляет пул.
func (s *Service) startRun(ctx context.Context, wf *domain.Workflow, triggerType string,
	triggerData map[string]any, limited bool,
) (*domain.Run, error) {
	if wf.IsArchived() {
		return nil, ErrArchived
	}
	if wf.Status != domain.WorkflowStatusActive {
		return nil, ErrNotActive
	}

	version, err := s.versions.GetPublished(ctx, wf.TenantID, wf.ID)
	if err != nil {
		return nil, mapRepoErr(err, nil, ErrNotPublished)
	}

	if triggerData == nil {
		triggerData = map[string]any{}
	}
	run := &domain.Run{
		ID:          uuid.New(),
		WorkflowID:  wf.ID,
		VersionID:   version.ID,
		TenantID:    wf.TenantID,
		TriggerType: triggerType,
		TriggerData: triggerData,
		Status:      domain.RunStatusPending,
		CreatedAt:   s.now(),
	}

	if limited && s.limit.MaxRuns > 0 {
		err = s.runs.CreateWithinLimit(ctx, run, s.limit.MaxRuns, s.limit.Window)
	} else {
		err = s.runs.Create(ctx, run)
	}
	if err != nil {
		if errors.Is(err, repo.ErrRateLimited) {
			telemetry.RateLimited.Inc()
			return nil, err
		}
		return nil, mapRepoErr(err, nil)
	}

	telemetry.RunsStarted.WithLabelValues(triggerType).Inc()
	telemetry.FromContext(ctx).Info("run created",
		"run_id", run.ID, "workflow_id", wf.ID, "tenant_id", wf.TenantID, "trigger_type", triggerType)

	// Без уведомления run подхватит polling orchestrator.
	if s.notifier != nil {
		if err := s.notifier.RunPending(ctx, run.ID); err != nil {
			s.logger.Warn("failed to notify pending run", "run_id", run.ID, "error", err)
		}
	}
	return run, nil
}

// TestTriggerInput: параметры dry-run.
type TestTriggerInput struct {
	TriggerData map[string]any
	VersionID   *uuid.UUID
}

// TestTrigger строит план выполнения без вызова обработчиков.
// Версия: указанная, иначе опубликованная, иначе последняя.
func (s *Service) TestTrigger(ctx context.Context, tenantID, id uuid.UUID, in TestTriggerInput) (*engine.Simulation, error) {
	v, err := s.resolveVersion(ctx, tenantID, id, in.VersionID)
	if err != nil {
		return nil, err
	}
	return engine.Simulate(v.Graph(), in.TriggerData, s.registry.IsTrigger), nil
}

// ExecuteNodeInput: параметры отладочного запуска узла.
type ExecuteNodeInput struct {
	NodeID          string
	TriggerData     map[string]any
	ExecuteUpstream bool
	VersionID       *uuid.UUID

	// Nodes и Edges: несохранённый граф редактора; если Nodes задан,
	// он используется вместо сохранённой версии.
	Nodes []domain.Node
	Edges []domain.Edge
}

// ExecuteNode выполняет узел (и его предков) на тестовых данных.
// Ошибка самого узла возвращается в результате, не как error.
func (s *Service) ExecuteNode(ctx context.Context, tenantID, id uuid.UUID, in ExecuteNodeInput) (*executor.NodeTestResult, error) {
	if in.NodeID == "" {
		return nil, invalid("node_id is required")
	}

	var g domain.Graph
	var settings domain.Settings
	if len(in.Nodes) > 0 {
		if _, err := s.workflows.GetByID(ctx, tenantID, id); err != nil {
			return nil, mapRepoErr(err, nil)
		}
		g = domain.Graph{Nodes: in.Nodes, Edges: in.Edges}
	} else {
		v, err := s.resolveVersion(ctx, tenantID, id, in.VersionID)
		if err != nil {
			return nil, err
		}
		g = v.Graph()
		settings = v.Settings
	}

	if res := engine.Validate(g, s.registry.IsTrigger, engine.ValidateOptions{}); !res.Valid {
		return nil, invalid(res.Errors...)
	}

	result, err := s.executor.ExecuteNode(ctx, g, executor.ExecuteNodeInput{
		TenantID:        tenantID,
		WorkflowID:      id,
		NodeID:          in.NodeID,
		TriggerData:     in.TriggerData,
		ExecuteUpstream: in.ExecuteUpstream,
		Settings:        settings,
	})
	if errors.Is(err, engine.ErrNodeNotFound) {
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, in.NodeID)
	}
	return result, err
}

// TriggerSchema: пример входных данных для trigger-узла.
type TriggerSchema struct {
	NodeID  string              `json:"node_id"`
	Type    string              `json:"type"`
	Label   string              `json:"label"`
	Example map[string]any      `json:"example"`
	Fields  []nodes.ConfigField `json:"fields,omitempty"`
	Config  map[string]any      `json:"config,omitempty"`
}

// TriggerSchema возвращает примеры payload для trigger-узлов
// опубликованной (иначе последней) версии.
func (s *Service) TriggerSchema(ctx context.Context, tenantID, id uuid.UUID) ([]TriggerSchema, error) {
	v, err := s.resolveVersion(ctx, tenantID, id, nil)
	if err != nil {
		return nil, err
	}

	out := make([]TriggerSchema, 0)
	for _, n := range v.Nodes {
		if !s.registry.IsTrigger(n.Type) {
			continue
		}
		schema := TriggerSchema{NodeID: n.ID, Type: n.Type, Label: n.Label(), Example: map[string]any{}, Config: n.Data.Config}
		if def, err := s.registry.Definition(n.Type); err == nil {
			if def.ExamplePayload != nil {
				schema.Example = def.ExamplePayload
			}
			schema.Fields = def.Fields
		}
		out = append(out, schema)
	}
	return out, nil
}

// resolveVersion выбирает версию: указанную, опубликованную или последнюю.
func (s *Service) resolveVersion(ctx context.Context, tenantID, id uuid.UUID, versionID *uuid.UUID) (*domain.Version, error) {
	if versionID != nil {
		v, err := s.versions.GetByID(ctx, tenantID, id, *versionID)
		return v, mapRepoErr(err, nil)
	}

	v, err := s.versions.GetPublished(ctx, tenantID, id)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	v, err = s.versions.GetLatest(ctx, tenantID, id)
	return v, mapRepoErr(err, nil)
}
