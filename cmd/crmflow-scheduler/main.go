// crmflow Scheduler: срабатывание cron триггеров и отложенных resume.
//
// Тикает только лидер (pg advisory lock), поэтому можно запускать
// несколько экземпляров.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/crmflow/internal/config"
	"github.com/shaiso/crmflow/internal/mq"
	"github.com/shaiso/crmflow/internal/repo"
	"github.com/shaiso/crmflow/internal/scheduler"
	"github.com/shaiso/crmflow/internal/telemetry"
	"github.com/shaiso/crmflow/internal/workflows"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting crmflow-scheduler")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx, cfg.DB.URL, cfg.DB.MaxConns)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("db connected")

	// Без брокера scheduler бесполезен: resume уходит только через run.resume.
	mqConn, err := mq.NewConnection(cfg.RabbitMQ.URL, logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()

	if err := mq.SetupTopology(ctx, mqConn); err != nil {
		logger.Warn("failed to setup topology", "error", err)
	}
	notifier := mq.NewNotifier(mq.NewPublisher(mqConn, logger))

	runRepo := repo.NewRunRepo(pool)
	jobRepo := repo.NewJobRepo(pool)

	svc := workflows.New(workflows.Config{
		Workflows: repo.NewWorkflowRepo(pool),
		Versions:  repo.NewVersionRepo(pool),
		Runs:      runRepo,
		Results:   repo.NewResultRepo(pool),
		Jobs:      jobRepo,
		Notifier:  notifier,
		Logger:    logger,
	})

	sched := scheduler.New(scheduler.Config{
		Jobs:      jobRepo,
		Triggers:  svc,
		Resumer:   notifier,
		Leader:    repo.NewLeaderLock(pool, repo.SchedulerLockKey),
		BatchSize: cfg.Scheduler.BatchSize,
		Logger:    logger,
	})

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":" + cfg.Scheduler.HTTPPort
	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	if err := sched.Run(ctx, cfg.Scheduler.TickInterval); err != nil {
		logger.Error("scheduler stopped with error", "error", err)
	}
	logger.Info("crmflow-scheduler stopped")
}
