package domain

import (
	"time"

	"github.com/google/uuid"
)

// Workflow: автоматизация, принадлежащая одному tenant.
//
// Workflow: это "рецепт": сам граф хранится в версиях (Version).
// Опубликованной может быть не более одной версии, её и исполняют триггеры.
type Workflow struct {
	// ID: уникальный идентификатор workflow.
	ID uuid.UUID `json:"id"`

	// TenantID: владелец. Все запросы фильтруются по нему.
	TenantID uuid.UUID `json:"tenant_id"`

	// Name: имя, уникальное в рамках tenant.
	Name string `json:"name"`

	// Description: описание назначения.
	Description string `json:"description,omitempty"`

	// Status: draft, active или archived.
	Status WorkflowStatus `json:"status"`

	// TriggerType: основной тип триггера опубликованной версии.
	// Пусто, пока ничего не опубликовано.
	TriggerType string `json:"trigger_type,omitempty"`

	// TriggerTypes: все типы триггеров опубликованной версии.
	// По этому набору маршрутизируются входящие события.
	TriggerTypes []string `json:"trigger_types,omitempty"`

	// TriggerConfig: снимок config основного trigger-узла на момент публикации.
	TriggerConfig map[string]any `json:"trigger_config,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsArchived возвращает true для архивного workflow.
func (w *Workflow) IsArchived() bool {
	return w.Status == WorkflowStatusArchived
}

// HasTriggerType проверяет, слушает ли workflow указанный тип триггера.
func (w *Workflow) HasTriggerType(t string) bool {
	for _, tt := range w.TriggerTypes {
		if tt == t {
			return true
		}
	}
	return false
}

// WorkflowSummary: строка списка workflows.
type WorkflowSummary struct {
	Workflow

	// LatestVersion: номер последней версии (0, если версий нет).
	LatestVersion int `json:"latest_version"`

	// IsPublished: есть ли у workflow опубликованная версия.
	IsPublished bool `json:"is_published"`

	// RunCount: количество run за всё время.
	RunCount int `json:"run_count"`
}

// TriggerSnapshot: производные поля workflow, пересчитываемые при публикации.
type TriggerSnapshot struct {
	TriggerType   string
	TriggerTypes  []string
	TriggerConfig map[string]any
}

// BuildTriggerSnapshot собирает снимок триггеров из узлов графа.
// Основным считается первый trigger-узел в порядке списка узлов.
func BuildTriggerSnapshot(nodes []Node, isTrigger func(string) bool) TriggerSnapshot {
	var snap TriggerSnapshot
	seen := make(map[string]bool)
	for _, n := range nodes {
		if !isTrigger(n.Type) {
			continue
		}
		if snap.TriggerType == "" {
			snap.TriggerType = n.Type
			snap.TriggerConfig = n.Data.Config
		}
		if !seen[n.Type] {
			seen[n.Type] = true
			snap.TriggerTypes = append(snap.TriggerTypes, n.Type)
		}
	}
	if snap.TriggerConfig == nil {
		snap.TriggerConfig = map[string]any{}
	}
	if snap.TriggerTypes == nil {
		snap.TriggerTypes = []string{}
	}
	return snap
}
