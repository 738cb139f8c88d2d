// crmflow Orchestrator: исполняет runs.
//
// Orchestrator:
//   - Получает runs.pending, run.resume и отмены из RabbitMQ
//   - Создаёт runs по входящим CRM событиям (events.inbound)
//   - Исполняет графы через executor с лимитами параллелизма
//   - Подбирает pending runs из БД (polling fallback)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/crmflow/internal/config"
	"github.com/shaiso/crmflow/internal/executor"
	"github.com/shaiso/crmflow/internal/mq"
	"github.com/shaiso/crmflow/internal/nodes"
	"github.com/shaiso/crmflow/internal/orchestrator"
	"github.com/shaiso/crmflow/internal/repo"
	"github.com/shaiso/crmflow/internal/scheduler"
	"github.com/shaiso/crmflow/internal/telemetry"
	"github.com/shaiso/crmflow/internal/workflows"
)

const serviceName = "crmflow-orchestrator"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting " + serviceName)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
			ServiceName:  serviceName,
			Environment:  cfg.Tracing.Environment,
			OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
			SampleRatio:  cfg.Tracing.SampleRatio,
		}, logger)
		if err != nil {
			logger.Warn("tracing disabled", "error", err)
		} else {
			defer telemetry.ShutdownTracing(shutdown, logger)
		}
	}

	pool, err := repo.NewPool(ctx, cfg.DB.URL, cfg.DB.MaxConns)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	// Репозитории
	runRepo := repo.NewRunRepo(pool)
	versionRepo := repo.NewVersionRepo(pool)
	jobRepo := repo.NewJobRepo(pool)

	registry := nodes.DefaultRegistry()
	services := &nodes.Services{}

	// Orchestrator только откладывает resume; тикает scheduler.
	delays := scheduler.New(scheduler.Config{Jobs: jobRepo, Logger: logger})

	// RabbitMQ
	var (
		mqConn *mq.Connection
		events orchestrator.EventTrigger
	)
	mqConn, err = mq.NewConnection(cfg.RabbitMQ.URL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		mqConn = nil
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		} else {
			logger.Debug("topology ready" + mq.TopologyInfo())
		}

		notifier := mq.NewNotifier(mq.NewPublisher(mqConn, logger))
		services.Events = notifier

		// Runs по событиям создаёт тот же сервис, что и API.
		events = workflows.New(workflows.Config{
			Workflows: repo.NewWorkflowRepo(pool),
			Versions:  versionRepo,
			Runs:      runRepo,
			Results:   repo.NewResultRepo(pool),
			Jobs:      jobRepo,
			Notifier:  notifier,
			Registry:  registry,
			Logger:    logger,
		})
	}

	engine := executor.New(executor.Config{
		Registry: registry,
		Store:    repo.NewExecutionStore(pool),
		Services: services,
		Logger:   logger,
	})

	orch := orchestrator.New(orchestrator.Config{
		Runs:                   runRepo,
		Versions:               versionRepo,
		Engine:                 engine,
		Scheduler:              delays,
		Events:                 events,
		Conn:                   mqConn,
		MaxConcurrentRuns:      cfg.Orchestrator.MaxConcurrentRuns,
		MaxConcurrentPerTenant: cfg.Orchestrator.MaxConcurrentPerTenant,
		PollInterval:           cfg.Orchestrator.PollInterval,
		Logger:                 logger,
	})

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if mqConn != nil && !mqConn.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("rabbitmq disconnected"))
			return
		}
		stats := orch.Stats()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok active=%d capacity=%d", stats.Active, stats.Capacity)
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":" + cfg.Orchestrator.HTTPPort
	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	orch.Stop()
	logger.Info(serviceName + " stopped")
}
