package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName: имя инструментирования для спанов crmflow.
const TracerName = "github.com/shaiso/crmflow"

// TracingConfig: настройки трейсинга.
type TracingConfig struct {
	ServiceName  string
	Environment  string
	OTLPEndpoint string // host:port, путь добавляет exporter
	SampleRatio  float64
}

// SetupTracing настраивает глобальный TracerProvider с OTLP/HTTP exporter.
// Возвращает функцию shutdown, которую нужно вызвать при выходе.
func SetupTracing(ctx context.Context, cfg TracingConfig, logger *slog.Logger) (func(context.Context) error, error) {
	logger.Info("setting up tracing",
		"service_name", cfg.ServiceName,
		"otlp_endpoint", cfg.OTLPEndpoint,
	)

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// ShutdownTracing останавливает provider с таймаутом 10 секунд.
func ShutdownTracing(shutdown func(context.Context) error, logger *slog.Logger) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := shutdown(ctx); err != nil {
		logger.Error("tracing shutdown failed", "error", err)
	}
}

// Tracer возвращает tracer crmflow из глобального provider.
// Без SetupTracing спаны не записываются.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
