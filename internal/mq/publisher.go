package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType: тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeRunPending   MessageType = "run.pending"
	MessageTypeRunCancelled MessageType = "run.cancelled"
	MessageTypeRunResume    MessageType = "run.resume"
	MessageTypeEventInbound MessageType = "event.inbound"
)

// Message: конверт сообщения.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// RunPayload: payload run.pending и run.cancelled.
type RunPayload struct {
	RunID uuid.UUID `json:"run_id"`
}

// RunResumePayload: payload run.resume.
type RunResumePayload struct {
	RunID  uuid.UUID `json:"run_id"`
	NodeID string    `json:"node_id"`
}

// EventInboundPayload: payload event.inbound.
type EventInboundPayload struct {
	TenantID    uuid.UUID      `json:"tenant_id"`
	TriggerType string         `json:"trigger_type"`
	Payload     map[string]any `json:"payload"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// NewMessage собирает конверт с новым ID.
func NewMessage(msgType MessageType, payload any) (*Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   body,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Publish публикует сообщение в exchange с routing key.
// Trace context из ctx передаётся в заголовках.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				Headers:      injectTrace(ctx),
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Type:         string(msg.Type),
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// PublishJSON оборачивает payload в Message и публикует.
func (p *Publisher) PublishJSON(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, exchange, routingKey, msg)
}
