package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Типы trigger-узлов.
const (
	TypeManualTrigger          = "manual_trigger"
	TypeWebhookTrigger         = "webhook_trigger"
	TypeMessageReceivedTrigger = "message_received_trigger"
	TypeTicketCreatedTrigger   = "ticket_created_trigger"
	TypeScheduleTrigger        = "schedule_trigger"
)

// cronParser: парсер стандартных 5-польных cron-выражений.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// TriggerHandler: обработчик trigger-узлов.
//
// В полном run trigger-узлы не вызываются: их данные уже лежат
// в context.trigger. Обработчик нужен для тестового запуска узла,
// где он возвращает переданные тестовые данные.
type TriggerHandler struct{}

// Execute возвращает данные триггера.
func (TriggerHandler) Execute(ctx context.Context, inv *Invocation) (any, error) {
	select {
	case <-ctx.Done():
		return nil, cancelled(ctx)
	default:
	}
	return inv.Context.Trigger(), nil
}

// ScheduleTriggerHandler: trigger по cron с проверкой выражения.
type ScheduleTriggerHandler struct {
	TriggerHandler
}

// ValidateConfig проверяет cron и timezone.
func (ScheduleTriggerHandler) ValidateConfig(config map[string]any) error {
	expr := GetConfigString(config, "cron")
	if expr == "" {
		return fmt.Errorf("%w: %s: cron is required", ErrInvalidConfig, TypeScheduleTrigger)
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %s: invalid cron %q: %v", ErrInvalidConfig, TypeScheduleTrigger, expr, err)
	}
	if tz := GetConfigString(config, "timezone"); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("%w: %s: invalid timezone %q", ErrInvalidConfig, TypeScheduleTrigger, tz)
		}
	}
	return nil
}

func registerTriggers(r *Registry) {
	r.Register(Definition{
		Type:        TypeManualTrigger,
		Label:       "Manual trigger",
		Description: "Run started from the API or the editor",
		Category:    CategoryTriggers,
		IsTrigger:   true,
		ExamplePayload: map[string]any{
			"contact_id": "c_123",
			"note":       "started by hand",
		},
	}, TriggerHandler{})

	r.Register(Definition{
		Type:        TypeWebhookTrigger,
		Label:       "Webhook",
		Description: "Run started by an inbound HTTP call",
		Category:    CategoryTriggers,
		IsTrigger:   true,
		ExamplePayload: map[string]any{
			"headers": map[string]any{"content-type": "application/json"},
			"body":    map[string]any{"event": "order.paid", "order_id": "o_987"},
		},
	}, TriggerHandler{})

	r.Register(Definition{
		Type:        TypeMessageReceivedTrigger,
		Label:       "Message received",
		Description: "Inbound e-mail, SMS or chat message",
		Category:    CategoryTriggers,
		IsTrigger:   true,
		Fields: []ConfigField{
			{Name: "channel", Type: "string", Description: "email, sms or chat; empty matches any"},
		},
		ExamplePayload: map[string]any{
			"message_id": "m_456",
			"channel":    "email",
			"from":       "customer@example.com",
			"subject":    "Question about my order",
			"body":       "Hi, where is my order?",
			"contact_id": "c_123",
		},
	}, TriggerHandler{})

	r.Register(Definition{
		Type:        TypeTicketCreatedTrigger,
		Label:       "Ticket created",
		Description: "New support ticket",
		Category:    CategoryTriggers,
		IsTrigger:   true,
		ExamplePayload: map[string]any{
			"ticket_id":  "t_789",
			"subject":    "Cannot log in",
			"priority":   "high",
			"contact_id": "c_123",
		},
	}, TriggerHandler{})

	r.Register(Definition{
		Type:        TypeScheduleTrigger,
		Label:       "Schedule",
		Description: "Run on a cron schedule",
		Category:    CategoryTriggers,
		IsTrigger:   true,
		Fields: []ConfigField{
			{Name: "cron", Type: "cron", Required: true, Description: "minute hour day month weekday"},
			{Name: "timezone", Type: "string", Default: "UTC"},
		},
		ExamplePayload: map[string]any{
			"scheduled_at": "2026-01-01T09:00:00Z",
		},
	}, ScheduleTriggerHandler{})
}
