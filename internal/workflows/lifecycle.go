package workflows

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/shaiso/crmflow/internal/domain"
	"github.com/shaiso/crmflow/internal/engine"
	"github.com/shaiso/crmflow/internal/telemetry"
)

// GraphInput: граф и настройки новой версии.
type GraphInput struct {
	Nodes     []domain.Node
	Edges     []domain.Edge
	Variables map[string]any
	Settings  domain.Settings
	CreatedBy string
}

// CreateInput: параметры создания workflow.
type CreateInput struct {
	Name        string
	Description string
	GraphInput
}

// UpdateInput: частичное обновление workflow. Nil поля не меняются.
type UpdateInput struct {
	Name        *string
	Description *string
	Status      *domain.WorkflowStatus
}

// Detail: workflow с выбранной версией и списком версий.
type Detail struct {
	Workflow *domain.Workflow        `json:"workflow"`
	Version  *domain.Version         `json:"version,omitempty"`
	Versions []domain.VersionSummary `json:"versions"`
}

// Create создаёт workflow в статусе draft и его первую версию.
// Граф проверяется, только если узлы переданы.
func (s *Service) Create(ctx context.Context, tenantID uuid.UUID, in CreateInput) (*Detail, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, invalid("name is required")
	}
	if len(in.Nodes) > 0 {
		if err := s.validateGraph(domain.Graph{Nodes: in.Nodes, Edges: in.Edges}, false); err != nil {
			return nil, err
		}
	}

	now := s.now()
	wf := &domain.Workflow{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Name:        name,
		Description: in.Description,
		Status:      domain.WorkflowStatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	v := s.newVersion(wf.ID, in.GraphInput)
	v.VersionNumber = 1

	if err := s.workflows.CreateWithVersion(ctx, wf, v); err != nil {
		return nil, mapRepoErr(err, nil)
	}

	telemetry.FromContext(ctx).Info("workflow created", "workflow_id", wf.ID, "tenant_id", tenantID)
	return &Detail{Workflow: wf, Version: v, Versions: []domain.VersionSummary{summaryOf(v)}}, nil
}

// Get возвращает workflow, версию versionNumber (0 означает последнюю) и список версий.
func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID, versionNumber int) (*Detail, error) {
	wf, err := s.workflows.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, mapRepoErr(err, nil)
	}

	var v *domain.Version
	if versionNumber > 0 {
		v, err = s.versions.GetByNumber(ctx, tenantID, id, versionNumber)
	} else {
		v, err = s.versions.GetLatest(ctx, tenantID, id)
	}
	if err != nil {
		return nil, mapRepoErr(err, nil)
	}

	versions, err := s.versions.ListSummaries(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Workflow: wf, Version: v, Versions: versions}, nil
}

// List возвращает страницу workflows tenant и общее количество.
func (s *Service) List(ctx context.Context, filter domain.WorkflowFilter) ([]domain.WorkflowSummary, int, error) {
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, 0, invalid(fmt.Sprintf("unknown status %q", *filter.Status))
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, 0, invalid("limit and offset must not be negative")
	}
	return s.workflows.List(ctx, filter)
}

// Update меняет name, description и status.
//
// Архивный workflow не меняется. Перевод в active требует опубликованной версии.
func (s *Service) Update(ctx context.Context, tenantID, id uuid.UUID, in UpdateInput) (*domain.Workflow, error) {
	wf, err := s.workflows.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, mapRepoErr(err, nil)
	}
	if wf.IsArchived() {
		return nil, ErrArchived
	}

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, invalid("name must not be empty")
		}
		wf.Name = name
	}
	if in.Description != nil {
		wf.Description = *in.Description
	}
	var published *domain.Version
	if in.Status != nil && *in.Status != wf.Status {
		next := *in.Status
		if !next.IsValid() {
			return nil, invalid(fmt.Sprintf("unknown status %q", next))
		}
		if !wf.Status.CanTransitionTo(next) {
			return nil, fmt.Errorf("%w: cannot change status from %s to %s", ErrConflict, wf.Status, next)
		}
		if next == domain.WorkflowStatusActive {
			published, err = s.versions.GetPublished(ctx, tenantID, id)
			if err != nil {
				return nil, mapRepoErr(err, nil, ErrNotPublished)
			}
		}
		wf.Status = next
	}

	if err := s.workflows.Update(ctx, wf); err != nil {
		return nil, mapRepoErr(err, ErrArchived)
	}
	wf.UpdatedAt = s.now()

	// Архивный или выключенный workflow не должен срабатывать по расписанию.
	switch {
	case wf.Status != domain.WorkflowStatusActive:
		s.syncTriggers(ctx, wf, nil)
	case published != nil:
		s.syncTriggers(ctx, wf, published.Nodes)
	}
	return wf, nil
}

// Delete удаляет workflow вместе с версиями, runs и заданиями.
func (s *Service) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	if err := s.workflows.Delete(ctx, tenantID, id); err != nil {
		return mapRepoErr(err, nil)
	}
	telemetry.FromContext(ctx).Info("workflow deleted", "workflow_id", id, "tenant_id", tenantID)
	return nil
}

// SaveVersion сохраняет граф как следующую версию.
// Граф проверяется без требования trigger-узла: черновики могут быть неполными.
//
// Публикация прежних версий снимается, активный workflow становится draft
// до следующего Publish, его cron-задания удаляются.
func (s *Service) SaveVersion(ctx context.Context, tenantID, id uuid.UUID, in GraphInput) (*domain.Version, error) {
	if err := s.validateGraph(domain.Graph{Nodes: in.Nodes, Edges: in.Edges}, false); err != nil {
		return nil, err
	}

	v := s.newVersion(id, in)
	if err := s.versions.SaveNext(ctx, tenantID, v); err != nil {
		return nil, mapRepoErr(err, ErrArchived)
	}

	if s.triggers != nil {
		wf, err := s.workflows.GetByID(ctx, tenantID, id)
		if err != nil {
			return nil, mapRepoErr(err, nil)
		}
		s.syncTriggers(ctx, wf, nil)
	}

	telemetry.FromContext(ctx).Info("version saved",
		"workflow_id", id, "version", v.VersionNumber, "tenant_id", tenantID)
	return v, nil
}

// Publish публикует версию.
//
// Граф версии проверяется заново (с требованием trigger-узла и проверкой config);
// при ошибке состояние не меняется. После фиксации cron-триггеры
// опубликованного графа переносятся в задания scheduler.
func (s *Service) Publish(ctx context.Context, tenantID, id, versionID uuid.UUID) (*domain.Version, error) {
	wf, err := s.workflows.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, mapRepoErr(err, nil)
	}
	if wf.IsArchived() {
		return nil, ErrArchived
	}

	v, err := s.versions.GetByID(ctx, tenantID, id, versionID)
	if err != nil {
		return nil, mapRepoErr(err, nil)
	}
	if err := s.validateGraph(v.Graph(), true); err != nil {
		return nil, err
	}

	snap := domain.BuildTriggerSnapshot(v.Nodes, s.registry.IsTrigger)
	published, err := s.versions.Publish(ctx, tenantID, id, versionID, snap)
	if err != nil {
		return nil, mapRepoErr(err, ErrArchived)
	}

	wf.Status = domain.WorkflowStatusActive
	wf.TriggerType = snap.TriggerType
	wf.TriggerTypes = snap.TriggerTypes
	wf.TriggerConfig = snap.TriggerConfig
	s.syncTriggers(ctx, wf, published.Nodes)

	telemetry.FromContext(ctx).Info("version published",
		"workflow_id", id, "version", published.VersionNumber, "tenant_id", tenantID)
	return published, nil
}

// validateGraph проверяет структуру графа и, при публикации, config узлов.
func (s *Service) validateGraph(g domain.Graph, publishing bool) error {
	res := engine.Validate(g, s.registry.IsTrigger, engine.ValidateOptions{RequireTrigger: publishing})
	errs := append([]string(nil), res.Errors...)

	if publishing {
		for _, n := range g.Nodes {
			if err := s.registry.ValidateConfig(n.Type, n.Data.Config); err != nil {
				errs = append(errs, fmt.Sprintf("node %s: %v", n.ID, err))
			}
		}
	}
	if len(errs) > 0 {
		return invalid(errs...)
	}
	return nil
}

// syncTriggers переносит cron-триггеры в scheduler. Ошибка только логируется:
// публикация уже зафиксирована.
func (s *Service) syncTriggers(ctx context.Context, wf *domain.Workflow, nodes []domain.Node) {
	if s.triggers == nil {
		return
	}
	if err := s.triggers.SyncWorkflowTriggers(ctx, wf, nodes); err != nil {
		s.logger.Error("failed to sync schedule triggers", "workflow_id", wf.ID, "error", err)
	}
}

func (s *Service) newVersion(workflowID uuid.UUID, in GraphInput) *domain.Version {
	nodes := in.Nodes
	if nodes == nil {
		nodes = []domain.Node{}
	}
	edges := in.Edges
	if edges == nil {
		edges = []domain.Edge{}
	}
	return &domain.Version{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		Nodes:      nodes,
		Edges:      edges,
		Variables:  in.Variables,
		Settings:   in.Settings,
		CreatedBy:  in.CreatedBy,
		CreatedAt:  s.now(),
	}
}

func summaryOf(v *domain.Version) domain.VersionSummary {
	return domain.VersionSummary{
		ID:            v.ID,
		VersionNumber: v.VersionNumber,
		IsPublished:   v.IsPublished,
		PublishedAt:   v.PublishedAt,
		CreatedBy:     v.CreatedBy,
		CreatedAt:     v.CreatedAt,
	}
}
