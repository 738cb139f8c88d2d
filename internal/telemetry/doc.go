// Package telemetry обеспечивает наблюдаемость crmflow.
//
// Включает:
//   - logging.go: structured logging через slog
//   - metrics.go: Prometheus метрики
//   - tracing.go: OpenTelemetry трейсинг (OTLP/HTTP)
//
// Все сервисы используют единый формат логирования
// и экспортируют метрики на /metrics endpoint.
package telemetry
