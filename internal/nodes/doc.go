// Package nodes содержит реестр типов узлов и встроенные обработчики.
//
// # Обработчик
//
// Каждый тип узла реализует Handler:
//
//	type Handler interface {
//	    Execute(ctx context.Context, inv *Invocation) (any, error)
//	}
//
// Invocation содержит вычисленный config, контекст run, журнал узла,
// идентификаторы run/tenant/workflow и внешние зависимости (Services).
// Обработчик возвращает output или ошибку; NodeExecutionError несёт
// сообщение для пользователя. SuspendError приостанавливает run.
//
// # Registry
//
//	registry := nodes.DefaultRegistry()
//	handler, err := registry.Get("http_request")
//	if errors.Is(err, nodes.ErrNodeTypeNotFound) {
//	    // неизвестный тип
//	}
//
// Признак триггера хранится в Definition.IsTrigger и не выводится из имени типа.
//
// # Встроенные типы
//
//   - trigger.go:   manual, webhook, message_received, ticket_created, schedule
//   - transform.go: transform, set_variable, output
//   - http.go:      http_request
//   - event.go:     emit_event
//   - delay.go:     delay (короткая в процессе, длинная через WAITING)
//   - script.go:    code, condition (JavaScript в goja)
//
// Retry и таймауты находятся в исполнителе, обработчики просто возвращают ошибки.
package nodes
