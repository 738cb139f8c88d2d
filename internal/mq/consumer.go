package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/crmflow/internal/telemetry"
)

// ErrPoison: сообщение нельзя обработать повторно (битый payload).
// Handler возвращает ошибку, обёрнутую в ErrPoison, чтобы сообщение
// сразу ушло в DLQ без повторной доставки.
var ErrPoison = errors.New("poison message")

// Handler: функция обработки сообщения.
// Ошибка приводит к nack. Первая доставка возвращается в очередь,
// повторная (или ErrPoison) уходит без возврата в DLQ, если она настроена.
type Handler func(ctx context.Context, msg *Message) error

// Consumer потребляет сообщения из очереди RabbitMQ.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    Queue
	bind     *Binding
	handler  Handler
	prefetch int
}

// ConsumerConfig: конфигурация consumer.
type ConsumerConfig struct {
	Queue   Queue
	Handler Handler

	// Broadcast: вместо Queue потреблять из временной эксклюзивной
	// очереди с этой привязкой (пересоздаётся при reconnect).
	Broadcast *Binding

	// Prefetch: количество сообщений для предварительной загрузки.
	Prefetch int
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	name := string(cfg.Queue)
	if cfg.Broadcast != nil {
		name = string(cfg.Broadcast.Exchange) + "/" + string(cfg.Broadcast.RoutingKey)
	}

	return &Consumer{
		conn:     conn,
		logger:   logger.With("queue", name),
		queue:    cfg.Queue,
		bind:     cfg.Broadcast,
		handler:  cfg.Handler,
		prefetch: prefetch,
	}
}

// Run потребляет сообщения до отмены ctx.
// После разрыва соединения ждёт reconnect и продолжает.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		deliveries, ch, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "error", err)
			if err := c.waitReconnect(ctx); err != nil {
				return err
			}
			continue
		}

		c.logger.Info("consumer started")

		if err := c.processDeliveries(ctx, deliveries); err != nil {
			_ = ch.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("deliveries channel closed, reconnecting")
			if err := c.waitReconnect(ctx); err != nil {
				return err
			}
		}
	}
}

func (c *Consumer) waitReconnect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.conn.ReconnectNotify():
		c.logger.Info("reconnected, restarting consumer")
		return nil
	}
}

// setupConsume открывает отдельный канал consumer.
func (c *Consumer) setupConsume() (<-chan amqp.Delivery, *amqp.Channel, error) {
	ch, err := c.conn.OpenChannel()
	if err != nil {
		return nil, nil, err
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}

	queue := c.queue
	if c.bind != nil {
		queue, err = declareBroadcastQueue(ch, *c.bind)
		if err != nil {
			_ = ch.Close()
			return nil, nil, err
		}
	}

	deliveries, err := ch.Consume(
		string(queue), // queue
		"",              // consumer tag (auto-generated)
		false,           // auto-ack (мы ack вручную)
		false,           // exclusive
		false,           // no-local
		false,           // no-wait
		nil,             // args
	)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, ch, nil
}

func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries channel closed")
			}
			c.handleDelivery(ctx, raw)
		}
	}
}

// handleDelivery обрабатывает одно сообщение.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	ctx = extractTrace(ctx, raw.Headers)

	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("failed to unmarshal message", "error", err, "body", string(raw.Body))
		_ = raw.Nack(false, false)
		return
	}

	ctx, span := telemetry.Tracer().Start(ctx, "mq.consume "+string(msg.Type),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", string(c.queue)),
			attribute.String("messaging.message.id", msg.ID),
		))
	defer span.End()

	c.logger.Debug("received message", "message_id", msg.ID, "type", msg.Type)

	err := c.handler(ctx, &msg)
	if err == nil {
		_ = raw.Ack(false)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	requeue := !raw.Redelivered && !errors.Is(err, ErrPoison)
	c.logger.Error("handler failed",
		"message_id", msg.ID,
		"type", msg.Type,
		"requeue", requeue,
		"error", err,
	)
	_ = raw.Nack(false, requeue)
}

// ParsePayload разбирает payload сообщения в T.
// Ошибка разбора оборачивается в ErrPoison.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		return result, fmt.Errorf("%w: unmarshal %s payload: %v", ErrPoison, msg.Type, err)
	}
	return result, nil
}
