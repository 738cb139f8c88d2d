package mq

import (
	"context"

	"github.com/google/uuid"
)

// jsonPublisher: то, что Notifier требует от Publisher.
type jsonPublisher interface {
	PublishJSON(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error
}

// Notifier переводит вызовы сервисов в сообщения RabbitMQ.
//
// Реализует интерфейсы уведомлений workflows.Service, scheduler.Resumer
// и nodes.EventPublisher.
type Notifier struct {
	pub jsonPublisher
}

// NewNotifier создаёт Notifier поверх publisher.
func NewNotifier(pub jsonPublisher) *Notifier {
	return &Notifier{pub: pub}
}

// RunPending сообщает orchestrator о новом pending run.
func (n *Notifier) RunPending(ctx context.Context, runID uuid.UUID) error {
	return n.pub.PublishJSON(ctx, ExchangeRuns, RoutingKeyPending, MessageTypeRunPending, RunPayload{RunID: runID})
}

// RunCancelled сообщает orchestrator об отмене run.
func (n *Notifier) RunCancelled(ctx context.Context, runID uuid.UUID) error {
	return n.pub.PublishJSON(ctx, ExchangeRuns, RoutingKeyCancelled, MessageTypeRunCancelled, RunPayload{RunID: runID})
}

// Resume просит orchestrator продолжить приостановленный run.
func (n *Notifier) Resume(ctx context.Context, runID uuid.UUID, nodeID string) error {
	return n.pub.PublishJSON(ctx, ExchangeRuns, RoutingKeyResume, MessageTypeRunResume,
		RunResumePayload{RunID: runID, NodeID: nodeID})
}

// PublishEvent публикует входящее событие CRM для tenant.
func (n *Notifier) PublishEvent(ctx context.Context, tenantID uuid.UUID, eventType string, payload map[string]any) error {
	return n.pub.PublishJSON(ctx, ExchangeEvents, RoutingKeyInbound, MessageTypeEventInbound,
		EventInboundPayload{TenantID: tenantID, TriggerType: eventType, Payload: payload})
}
