// Package mq: транспорт RabbitMQ между API, scheduler и orchestrator.
//
// Структура:
//   - connection.go: соединение с автоматическим reconnect
//   - topology.go:   exchanges, queues, bindings
//   - publisher.go:  публикация сообщений
//   - consumer.go:   потребление с ack/nack и DLQ
//   - tracing.go:    перенос trace context в заголовках AMQP
//   - notifier.go:   адаптер publisher к интерфейсам сервисов
//
// Типы сообщений:
//   - run.pending:    новый run ожидает выполнения
//   - run.cancelled:  run отменён, исполнитель должен прервать его
//   - run.resume:     срок ожидания истёк, run продолжается
//   - event.inbound:  входящее событие CRM (новое сообщение, тикет)
package mq
