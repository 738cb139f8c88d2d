// crmflow API: HTTP API редактора и исполнения workflows.
//
// В обычном режиме API только создаёт runs и уведомляет orchestrator
// через RabbitMQ. С API_EMBEDDED=true orchestrator и scheduler
// запускаются в этом же процессе (без брокера).
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/crmflow/internal/api"
	"github.com/shaiso/crmflow/internal/auth"
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

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.ValidateAuth()
	}
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting crmflow-api", "embedded", cfg.API.Embedded)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
			ServiceName:  api.ServiceName,
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
	logger.Info("connected to database")

	if err := repo.Migrate(ctx, pool); err != nil {
		logger.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}

	// Репозитории
	workflowRepo := repo.NewWorkflowRepo(pool)
	versionRepo := repo.NewVersionRepo(pool)
	runRepo := repo.NewRunRepo(pool)
	resultRepo := repo.NewResultRepo(pool)
	jobRepo := repo.NewJobRepo(pool)

	registry := nodes.DefaultRegistry()
	services := &nodes.Services{}

	// Cron-задания публикуемых версий пишутся в JobRepo напрямую;
	// тикает их отдельный scheduler.
	triggers := scheduler.New(scheduler.Config{Jobs: jobRepo, Logger: logger})

	var (
		notifier workflows.RunNotifier
		orch     *orchestrator.Orchestrator
	)

	engine := executor.New(executor.Config{
		Registry: registry,
		Store:    repo.NewExecutionStore(pool),
		Services: services,
		Logger:   logger,
	})

	if cfg.API.Embedded {
		orch = orchestrator.New(orchestrator.Config{
			Runs:                   runRepo,
			Versions:               versionRepo,
			Engine:                 engine,
			Scheduler:              triggers,
			MaxConcurrentRuns:      cfg.Orchestrator.MaxConcurrentRuns,
			MaxConcurrentPerTenant: cfg.Orchestrator.MaxConcurrentPerTenant,
			PollInterval:           cfg.Orchestrator.PollInterval,
			Logger:                 logger,
		})
		notifier = orch
	} else {
		mqConn, err := mq.NewConnection(cfg.RabbitMQ.URL, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, runs are picked up by orchestrator polling", "error", err)
		} else {
			defer mqConn.Close()
			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			n := mq.NewNotifier(mq.NewPublisher(mqConn, logger))
			notifier = n
			services.Events = n
		}
	}

	svc := workflows.New(workflows.Config{
		Workflows: workflowRepo,
		Versions:  versionRepo,
		Runs:      runRepo,
		Results:   resultRepo,
		Jobs:      jobRepo,
		Triggers:  triggers,
		Notifier:  notifier,
		Executor:  engine,
		Registry:  registry,
		RateLimit: workflows.RateLimit{MaxRuns: cfg.RateLimit.MaxRuns, Window: cfg.RateLimit.Window},
		Logger:    logger,
	})

	var verifier auth.TokenVerifier
	if !cfg.Auth.DevMode {
		v, err := auth.NewOIDCVerifier(ctx, cfg.Auth.Issuer, cfg.Auth.ClientID, cfg.Auth.TenantClaim)
		if err != nil {
			logger.Error("failed to create token verifier", "error", err)
			os.Exit(1)
		}
		verifier = v
	} else {
		logger.Warn("auth dev mode: X-Tenant-ID accepted without token")
	}

	handler := api.NewHandler(api.Config{
		Service: svc,
		Catalog: registry,
		Logger:  logger,
	})
	e := handler.NewServer(auth.RequireTenant(auth.Options{
		Verifier: verifier,
		DevMode:  cfg.Auth.DevMode,
		Logger:   logger,
	}))

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if orch != nil {
		if err := orch.Start(gctx); err != nil {
			logger.Error("failed to start orchestrator", "error", err)
			os.Exit(1)
		}
		ticker := scheduler.New(scheduler.Config{
			Jobs:      jobRepo,
			Triggers:  svc,
			Resumer:   orch,
			Leader:    repo.NewLeaderLock(pool, repo.SchedulerLockKey),
			BatchSize: cfg.Scheduler.BatchSize,
			Logger:    logger,
		})
		g.Go(func() error {
			return ticker.Run(gctx, cfg.Scheduler.TickInterval)
		})
	}

	g.Go(func() error {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Graceful shutdown с таймаутом 10 секунд
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
	}
	if orch != nil {
		orch.Stop()
	}

	logger.Info("stopped")
}
