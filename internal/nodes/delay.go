package nodes

import (
	"context"
	"fmt"
	"time"
)

const (
	// TypeDelay: тип узла задержки.
	TypeDelay = "delay"

	// Ключи конфигурации delay.
	configDurationSec = "duration_sec"
	configDurationMs  = "duration_ms"
	configUntil       = "until"
	configMode        = "mode"

	// modeWait: всегда приостанавливать run, не ждать в процессе.
	modeWait = "wait"

	// DefaultSuspendThreshold: задержки от этого значения не держат слот
	// исполнителя: run переходит в WAITING.
	DefaultSuspendThreshold = time.Minute
)

var delayDefinition = Definition{
	Type:        TypeDelay,
	Label:       "Delay",
	Description: "Pause the run; long pauses put it into waiting state",
	Category:    CategoryFlow,
	Fields: []ConfigField{
		{Name: configDurationSec, Type: "number"},
		{Name: configDurationMs, Type: "number"},
		{Name: configUntil, Type: "string", Description: "RFC3339 time to resume at"},
		{Name: configMode, Type: "string", Description: `"wait" always suspends the run`},
	},
}

// DelayHandler: узел задержки.
//
// Короткая задержка выполняется в процессе с поддержкой отмены через context.
// Длинная (не меньше SuspendThreshold), явный режим "wait" или время until
// приостанавливают run: обработчик возвращает SuspendError, исполнитель
// переводит run в WAITING и ставит задание на resume.
//
// Конфигурация:
//
//	{"duration_sec": 10}
//	{"duration_ms": 500}
//	{"until": "2026-03-01T09:00:00Z"}
//	{"duration_sec": 5, "mode": "wait"}
//
// Output:
//
//	{"duration_ms": 10000, "suspended": false}
type DelayHandler struct {
	SuspendThreshold time.Duration

	now func() time.Time
}

// NewDelayHandler создаёт DelayHandler.
func NewDelayHandler() *DelayHandler {
	return &DelayHandler{SuspendThreshold: DefaultSuspendThreshold, now: time.Now}
}

// Execute выполняет задержку или приостанавливает run.
func (h *DelayHandler) Execute(ctx context.Context, inv *Invocation) (any, error) {
	if inv.Resumed {
		return map[string]any{
			"suspended":  true,
			"resumed_at": h.now().UTC().Format(time.RFC3339),
		}, nil
	}

	duration, resumeAt, err := h.parse(inv.Config)
	if err != nil {
		return nil, err
	}

	suspend := GetConfigString(inv.Config, configMode) == modeWait ||
		GetConfigString(inv.Config, configUntil) != "" ||
		duration >= h.SuspendThreshold

	if suspend {
		if inv.TestMode() {
			inv.logger().Warn("delay skipped in test mode", "resume_at", resumeAt.Format(time.RFC3339))
			return map[string]any{
				"duration_ms": duration.Milliseconds(),
				"suspended":   false,
				"skipped":     true,
			}, nil
		}
		inv.logger().Info("run suspended", "resume_at", resumeAt.Format(time.RFC3339))
		return nil, Suspend(resumeAt, "delay")
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, cancelled(ctx)
	case <-timer.C:
		return map[string]any{
			"duration_ms": duration.Milliseconds(),
			"suspended":   false,
		}, nil
	}
}

// ValidateConfig проверяет, что задержка задана.
// Задержка из выражения проверяется только при исполнении.
func (h *DelayHandler) ValidateConfig(config map[string]any) error {
	for _, key := range []string{configUntil, configDurationSec, configDurationMs} {
		if isExpr(config[key]) {
			return nil
		}
	}
	_, _, err := h.parse(config)
	return err
}

// parse извлекает длительность и момент resume.
func (h *DelayHandler) parse(config map[string]any) (time.Duration, time.Time, error) {
	now := h.now()

	if until := GetConfigString(config, configUntil); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return 0, time.Time{}, fmt.Errorf("%w: %s: until must be RFC3339", ErrInvalidConfig, TypeDelay)
		}
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, t, nil
	}

	if sec := GetConfigInt(config, configDurationSec); sec > 0 {
		d := time.Duration(sec) * time.Second
		return d, now.Add(d), nil
	}

	if ms := GetConfigInt(config, configDurationMs); ms > 0 {
		d := time.Duration(ms) * time.Millisecond
		return d, now.Add(d), nil
	}

	return 0, time.Time{}, fmt.Errorf("%w: %s: duration_sec, duration_ms or until required",
		ErrInvalidConfig, TypeDelay)
}
