package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange: тип для имени обменника.
type Exchange string

// Queue: тип для имени очереди.
type Queue string

// RoutingKey: тип для ключа маршрутизации.
type RoutingKey string

// Exchanges: имена обменников.
const (
	ExchangeRuns   Exchange = "crmflow.runs"
	ExchangeEvents Exchange = "crmflow.events"
	ExchangeDLQ    Exchange = "crmflow.dlq"
)

// Queues: имена очередей.
const (
	QueueRunsPending   Queue = "runs.pending"
	QueueRunsControl   Queue = "runs.control"
	QueueEventsInbound Queue = "events.inbound"
	QueueDLQEvents     Queue = "dlq.events"
)

// Routing keys.
const (
	RoutingKeyPending   RoutingKey = "pending"
	RoutingKeyCancelled RoutingKey = "cancelled"
	RoutingKeyResume    RoutingKey = "resume"
	RoutingKeyInbound   RoutingKey = "inbound"
	RoutingKeyDLQEvents RoutingKey = "events"
)

// SetupTopology объявляет exchanges, queues и bindings. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

func declareExchanges(ch *amqp.Channel) error {
	for _, name := range []Exchange{ExchangeRuns, ExchangeEvents, ExchangeDLQ} {
		err := ch.ExchangeDeclare(
			string(name), // name
			"direct",     // type
			true,         // durable
			false,        // auto-deleted
			false,        // internal
			false,        // no-wait
			nil,          // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}
	return nil
}

func declareQueues(ch *amqp.Channel) error {
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQEvents),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// runs.pending: потеря сообщения не страшна: pending run подхватит polling
		{QueueRunsPending, nil},

		// runs.control: продолжение run; отмена рассылается каждому
		// оркестратору через его эксклюзивную очередь (BroadcastBinding)
		{QueueRunsControl, nil},

		// events.inbound: необработанные события уходят в DLQ
		{QueueEventsInbound, dlqArgs},

		{QueueDLQEvents, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}
	return nil
}

func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueRunsPending, RoutingKeyPending, ExchangeRuns},
		{QueueRunsControl, RoutingKeyResume, ExchangeRuns},
		{QueueEventsInbound, RoutingKeyInbound, ExchangeEvents},
		{QueueDLQEvents, RoutingKeyDLQEvents, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}
	return nil
}

// Binding: привязка очереди к exchange.
type Binding struct {
	Exchange   Exchange
	RoutingKey RoutingKey
}

// CancelBroadcast: привязка эксклюзивной очереди отмен.
// Каждый оркестратор получает свою копию run.cancelled.
var CancelBroadcast = Binding{Exchange: ExchangeRuns, RoutingKey: RoutingKeyCancelled}

// declareBroadcastQueue объявляет временную очередь с именем от сервера.
// Очередь живёт, пока открыт канал consumer.
func declareBroadcastQueue(ch *amqp.Channel, b Binding) (Queue, error) {
	q, err := ch.QueueDeclare(
		"",    // name (выдаст сервер)
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return "", fmt.Errorf("declare broadcast queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, string(b.RoutingKey), string(b.Exchange), false, nil); err != nil {
		return "", fmt.Errorf("bind broadcast queue to %s: %w", b.Exchange, err)
	}
	return Queue(q.Name), nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  crmflow RabbitMQ Topology:

    crmflow.runs (direct)
    ├── runs.pending [routing: pending]
    │       Consumer: Orchestrator
    ├── runs.control [routing: resume]
    │       Consumer: Orchestrator
    └── amq.gen-* (exclusive, per instance) [routing: cancelled]
            Consumer: каждый Orchestrator

    crmflow.events (direct)
    └── events.inbound [routing: inbound]
            Consumer: Orchestrator (TriggerEvent)
            DLQ: dlq.events

    crmflow.dlq (direct)
    └── dlq.events [routing: events]
            Manual processing
  `
}
