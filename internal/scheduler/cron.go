package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/crmflow/internal/domain"
	"github.com/shaiso/crmflow/internal/nodes"
)

// cronParser: парсер cron-выражений schedule_trigger.
// Набор полей совпадает с проверкой в nodes.ScheduleTriggerHandler.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextCronTime вычисляет следующее время срабатывания после from.
//
// Выражение интерпретируется в timezone; пустой или неизвестный
// timezone означает UTC. Результат возвращается в UTC для хранения в БД.
func NextCronTime(expr, timezone string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}

	next := schedule.Next(from.In(location(timezone)))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", expr)
	}
	return next.UTC(), nil
}

// ValidateCronExpr проверяет валидность cron-выражения.
func ValidateCronExpr(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// nextDue возвращает время перевзвода задания после срабатывания.
// Resume-задания разовые: nil.
func nextDue(job *domain.ScheduledJob, now time.Time) *time.Time {
	if !job.IsCron() {
		return nil
	}
	next, err := NextCronTime(job.CronExpr, job.Timezone, now)
	if err != nil {
		return nil
	}
	return &next
}

// triggerSpec извлекает cron и timezone из config schedule_trigger узла.
func triggerSpec(node domain.Node) (expr, timezone string) {
	expr = nodes.GetConfigString(node.Data.Config, "cron")
	timezone = nodes.GetConfigString(node.Data.Config, "timezone")
	if timezone == "" {
		timezone = "UTC"
	}
	return expr, timezone
}

func location(timezone string) *time.Location {
	if timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
