package domain

import (
	"time"

	"github.com/google/uuid"
)

// Run: один запуск опубликованной версии workflow.
//
// Run создаётся когда:
// - пользователь запускает workflow вручную (API/CLI)
// - scheduler срабатывает по cron
// - приходит входящее событие (новое сообщение, тикет)
type Run struct {
	// ID: уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	WorkflowID uuid.UUID `json:"workflow_id"`

	// VersionID: версия, которую исполняет run.
	VersionID uuid.UUID `json:"version_id"`

	TenantID uuid.UUID `json:"tenant_id"`

	// TriggerType: источник запуска: тип trigger-узла или "manual".
	TriggerType string `json:"trigger_type"`

	// TriggerData: данные триггера, доступны узлам как context.trigger.
	TriggerData map[string]any `json:"trigger_data,omitempty"`

	// Context: накопленный контекст: {trigger: ..., <nodeId>: output}.
	Context map[string]any `json:"context,omitempty"`

	Status RunStatus `json:"status"`

	// Error: текст ошибки, если run завершился с FAILED.
	Error string `json:"error,omitempty"`

	// StartedAt: когда run впервые перешёл в RUNNING.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt: время перехода в терминальный статус.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *Run) IsFinished() bool {
	return r.Status.IsTerminal()
}

// MarkRunning переводит run в статус RUNNING.
// StartedAt выставляется только при первом старте.
func (r *Run) MarkRunning() {
	now := time.Now()
	r.Status = RunStatusRunning
	if r.StartedAt == nil {
		r.StartedAt = &now
	}
}

// MarkWaiting переводит run в статус WAITING.
func (r *Run) MarkWaiting() {
	r.Status = RunStatusWaiting
}

// MarkCompleted переводит run в статус COMPLETED.
func (r *Run) MarkCompleted() {
	now := time.Now()
	r.Status = RunStatusCompleted
	r.CompletedAt = &now
}

// MarkFailed переводит run в статус FAILED с ошибкой.
func (r *Run) MarkFailed(err string) {
	now := time.Now()
	r.Status = RunStatusFailed
	r.CompletedAt = &now
	r.Error = err
}

// MarkCancelled переводит run в статус CANCELLED.
func (r *Run) MarkCancelled() {
	now := time.Now()
	r.Status = RunStatusCancelled
	r.CompletedAt = &now
}

// RunNodeResult: результат выполнения одного узла. Только добавляется.
type RunNodeResult struct {
	ID       int64            `json:"id"`
	RunID    uuid.UUID        `json:"run_id"`
	NodeID   string           `json:"node_id"`
	NodeType string           `json:"node_type"`
	Status   NodeResultStatus `json:"status"`
	Output   any              `json:"output,omitempty"`
	Error    string           `json:"error,omitempty"`

	// Attempts: сколько раз вызывался обработчик.
	Attempts int `json:"attempts"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// RunLog: запись журнала run. Порядок записей сохраняется.
type RunLog struct {
	ID    int64     `json:"id"`
	RunID uuid.UUID `json:"run_id"`

	// NodeID: узел-источник; пусто для записей уровня run.
	NodeID string `json:"node_id,omitempty"`

	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// RunFilter: фильтр для списка run.
type RunFilter struct {
	TenantID   uuid.UUID
	WorkflowID *uuid.UUID
	Status     *RunStatus
	Limit      int
	Offset     int
}

// WorkflowFilter: фильтр для списка workflows.
type WorkflowFilter struct {
	TenantID uuid.UUID
	Status   *WorkflowStatus
	Limit    int
	Offset   int
}
