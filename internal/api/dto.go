package api

import (
	"github.com/google/uuid"

	"github.com/shaiso/crmflow/internal/domain"
	"github.com/shaiso/crmflow/internal/workflows"
)

// Workflow DTOs

// GraphRequest: граф и настройки версии.
type GraphRequest struct {
	Nodes     []domain.Node   `json:"nodes,omitempty"`
	Edges     []domain.Edge   `json:"edges,omitempty"`
	Variables map[string]any  `json:"variables,omitempty"`
	Settings  domain.Settings `json:"settings"`
	CreatedBy string          `json:"created_by,omitempty"`
}

func (r GraphRequest) toInput() workflows.GraphInput {
	return workflows.GraphInput{
		Nodes:     r.Nodes,
		Edges:     r.Edges,
		Variables: r.Variables,
		Settings:  r.Settings,
		CreatedBy: r.CreatedBy,
	}
}

// CreateWorkflowRequest: запрос на создание workflow с первой версией.
type CreateWorkflowRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	GraphRequest
}

// UpdateWorkflowRequest: частичное обновление workflow.
type UpdateWorkflowRequest struct {
	Name        *string                `json:"name,omitempty"`
	Description *string                `json:"description,omitempty"`
	Status      *domain.WorkflowStatus `json:"status,omitempty"`
}

// PublishRequest: запрос на публикацию версии.
type PublishRequest struct {
	VersionID uuid.UUID `json:"version_id"`
}

// Trigger DTOs

// TriggerRequest: ручной запуск. Data: trigger payload.
type TriggerRequest struct {
	Data map[string]any `json:"data,omitempty"`
}

// TriggerResponse: ответ на ручной запуск.
type TriggerResponse struct {
	RunID  uuid.UUID        `json:"run_id"`
	Status domain.RunStatus `json:"status"`
}

// TestTriggerRequest: dry-run.
type TestTriggerRequest struct {
	Data      map[string]any `json:"data,omitempty"`
	VersionID *uuid.UUID     `json:"version_id,omitempty"`
}

// ExecuteNodeRequest: отладочный запуск узла.
// Nodes и Edges: несохранённый граф редактора.
type ExecuteNodeRequest struct {
	NodeID          string         `json:"node_id"`
	TriggerData     map[string]any `json:"trigger_data,omitempty"`
	ExecuteUpstream bool           `json:"execute_upstream"`
	VersionID       *uuid.UUID     `json:"version_id,omitempty"`
	Nodes           []domain.Node  `json:"nodes,omitempty"`
	Edges           []domain.Edge  `json:"edges,omitempty"`
}
