package nodes

import (
	"context"
	"fmt"
)

// TypeEmitEvent: публикация события CRM.
const TypeEmitEvent = "emit_event"

var emitEventDefinition = Definition{
	Type:        TypeEmitEvent,
	Label:       "Emit event",
	Description: "Publish a CRM event; workflows listening for its trigger type start",
	Category:    CategoryIntegrations,
	Fields: []ConfigField{
		{Name: "event_type", Type: "string", Required: true,
			Description: "trigger type to fire, e.g. ticket_created_trigger"},
		{Name: "payload", Type: "object"},
	},
}

// EmitEventHandler публикует событие через Services.Events.
//
// Событие с event_type = "ticket_created_trigger" запустит все активные
// workflows этого tenant, у которых есть такой trigger-узел.
// В тестовом запуске событие не публикуется.
type EmitEventHandler struct{}

// NewEmitEventHandler создаёт EmitEventHandler.
func NewEmitEventHandler() *EmitEventHandler {
	return &EmitEventHandler{}
}

// Execute публикует событие.
func (h *EmitEventHandler) Execute(ctx context.Context, inv *Invocation) (any, error) {
	eventType := GetConfigString(inv.Config, "event_type")
	if eventType == "" {
		return nil, fmt.Errorf("%w: %s: event_type is required", ErrInvalidConfig, TypeEmitEvent)
	}
	payload := GetConfigMap(inv.Config, "payload")
	if payload == nil {
		payload = map[string]any{}
	}

	events := inv.services().Events
	if inv.TestMode() || events == nil {
		inv.logger().Warn("event not published", "event_type", eventType, "test_mode", inv.TestMode())
		return map[string]any{"event_type": eventType, "published": false, "payload": payload}, nil
	}

	if err := events.PublishEvent(ctx, inv.TenantID, eventType, payload); err != nil {
		return nil, NewExecutionError("publish event failed: "+err.Error(), err)
	}
	inv.logger().Info("event published", "event_type", eventType)
	return map[string]any{"event_type": eventType, "published": true, "payload": payload}, nil
}

// ValidateConfig проверяет event_type и payload.
func (h *EmitEventHandler) ValidateConfig(config map[string]any) error {
	if GetConfigString(config, "event_type") == "" {
		return fmt.Errorf("%w: %s: event_type is required", ErrInvalidConfig, TypeEmitEvent)
	}
	if raw, ok := config["payload"]; ok && raw != nil && !isExpr(raw) {
		if _, ok := raw.(map[string]any); !ok {
			return fmt.Errorf("%w: %s: payload must be an object", ErrInvalidConfig, TypeEmitEvent)
		}
	}
	return nil
}
