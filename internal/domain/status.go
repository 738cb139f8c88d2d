package domain

// WorkflowStatus: статус workflow.
//
// Жизненный цикл:
//
//	DRAFT → ACTIVE (при публикации версии)
//	      ↘ ARCHIVED (терминальный, из любого статуса)
type WorkflowStatus string

const (
	// WorkflowStatusDraft: workflow создан, ни одна версия не опубликована.
	WorkflowStatusDraft WorkflowStatus = "draft"

	// WorkflowStatusActive: есть опубликованная версия, триггеры работают.
	WorkflowStatusActive WorkflowStatus = "active"

	// WorkflowStatusArchived: workflow выведен из эксплуатации.
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// IsValid проверяет, что статус известен.
func (s WorkflowStatus) IsValid() bool {
	switch s {
	case WorkflowStatusDraft, WorkflowStatusActive, WorkflowStatusArchived:
		return true
	default:
		return false
	}
}

// CanTransitionTo возвращает true, если переход из s в next допустим.
// Из ARCHIVED выхода нет.
func (s WorkflowStatus) CanTransitionTo(next WorkflowStatus) bool {
	if !next.IsValid() {
		return false
	}
	if s == WorkflowStatusArchived {
		return next == WorkflowStatusArchived
	}
	return true
}

// RunStatus: статус выполнения run.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → COMPLETED
//	                  ↘ FAILED
//	                  ↘ WAITING → RUNNING (после resume)
//	(из PENDING, RUNNING, WAITING) → CANCELLED
type RunStatus string

const (
	// RunStatusPending: run создан, ждёт свободного слота исполнителя.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning: run в процессе выполнения.
	RunStatusRunning RunStatus = "running"

	// RunStatusWaiting: run приостановлен узлом ожидания до resume.
	RunStatusWaiting RunStatus = "waiting"

	// RunStatusCompleted: все узлы выполнены успешно.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed: run остановлен на первой ошибке узла.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled: run отменён пользователем.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal возвращает true, если статус финальный (run завершён).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// IsCancellable возвращает true, если из статуса допустима отмена.
func (s RunStatus) IsCancellable() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusWaiting:
		return true
	default:
		return false
	}
}

// IsValid проверяет, что статус известен.
func (s RunStatus) IsValid() bool {
	return s.IsTerminal() || s.IsCancellable()
}

// CancellableRunStatuses: статусы, из которых run можно отменить.
var CancellableRunStatuses = []RunStatus{RunStatusPending, RunStatusRunning, RunStatusWaiting}

// NodeResultStatus: итог выполнения одного узла.
type NodeResultStatus string

const (
	NodeResultCompleted NodeResultStatus = "completed"
	NodeResultFailed    NodeResultStatus = "failed"
)

// LogLevel: уровень записи журнала run.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// JobKind: тип отложенного задания.
type JobKind string

const (
	// JobKindResume: продолжить приостановленный run.
	JobKindResume JobKind = "resume"

	// JobKindTrigger: запустить workflow по cron.
	JobKindTrigger JobKind = "trigger"
)

// JobStatus: статус отложенного задания.
type JobStatus string

const (
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusFired     JobStatus = "fired"
	JobStatusCancelled JobStatus = "cancelled"
)
