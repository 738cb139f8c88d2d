package domain

import (
	"time"

	"github.com/google/uuid"
)

// ScheduledJob: отложенное действие, которое выполнит scheduler.
//
// Два вида:
//   - resume: продолжить run, приостановленный узлом ожидания;
//   - trigger: запустить workflow по cron-выражению schedule_trigger узла.
//
// Scheduler выбирает задания с due_at <= now и статусом scheduled.
type ScheduledJob struct {
	ID uuid.UUID `json:"id"`

	Kind JobKind `json:"kind"`

	TenantID   uuid.UUID `json:"tenant_id"`
	WorkflowID uuid.UUID `json:"workflow_id"`

	// RunID: приостановленный run (только для resume).
	RunID *uuid.UUID `json:"run_id,omitempty"`

	// NodeID: узел ожидания (resume) или trigger-узел (trigger).
	NodeID string `json:"node_id"`

	// CronExpr: cron-выражение (только для trigger).
	// Формат: "минуты часы дни месяцы дни_недели"
	// Примеры:
	//   "0 9 * * *":     каждый день в 9:00
	//   "*/5 * * * *":   каждые 5 минут
	CronExpr string `json:"cron_expr,omitempty"`

	// Timezone: часовой пояс для cron. По умолчанию: "UTC".
	Timezone string `json:"timezone,omitempty"`

	// DueAt: когда задание должно сработать.
	DueAt time.Time `json:"due_at"`

	Status JobStatus `json:"status"`

	// LastFiredAt: время последнего срабатывания.
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsCron возвращает true для периодического задания.
func (j *ScheduledJob) IsCron() bool {
	return j.Kind == JobKindTrigger && j.CronExpr != ""
}

// IsDue проверяет, пора ли выполнять.
func (j *ScheduledJob) IsDue(now time.Time) bool {
	if j.Status != JobStatusScheduled {
		return false
	}
	return !now.Before(j.DueAt)
}

// RecordFire записывает срабатывание. Для cron задание перевзводится на nextDue,
// разовое задание переходит в FIRED.
func (j *ScheduledJob) RecordFire(now time.Time, nextDue *time.Time) {
	j.LastFiredAt = &now
	j.UpdatedAt = now
	if nextDue != nil {
		j.DueAt = *nextDue
		j.Status = JobStatusScheduled
		return
	}
	j.Status = JobStatusFired
}
