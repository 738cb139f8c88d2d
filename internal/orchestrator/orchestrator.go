package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/crmflow/internal/domain"
	"github.com/shaiso/crmflow/internal/executor"
	"github.com/shaiso/crmflow/internal/mq"
	"github.com/shaiso/crmflow/internal/telemetry"
)

// Default configuration values.
const (
	defaultPollInterval     = 10 * time.Second
	defaultBatchSize        = 100
	defaultMaxConcurrent    = 20
	defaultMaxPerTenant     = 5
	defaultDrainTimeout     = 30 * time.Second
	defaultResumeRetryDelay = 2 * time.Second
	defaultConsumerPrefetch = 10
)

// RunStore: операции над runs (repo.RunRepo).
type RunStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	ListPending(ctx context.Context, limit int) ([]domain.Run, error)
	Start(ctx context.Context, run *domain.Run) error
	ResumeStart(ctx context.Context, run *domain.Run) error
	MarkWaiting(ctx context.Context, run *domain.Run) error
	Finish(ctx context.Context, run *domain.Run) error
}

// VersionStore загружает версию run (repo.VersionRepo).
type VersionStore interface {
	Get(ctx context.Context, versionID uuid.UUID) (*domain.Version, error)
}

// Executor исполняет граф (executor.Engine).
type Executor interface {
	Execute(ctx context.Context, run *domain.Run, version *domain.Version) (*executor.Outcome, error)
	Resume(ctx context.Context, run *domain.Run, version *domain.Version, nodeID string) (*executor.Outcome, error)
}

// ResumeScheduler откладывает продолжение run (scheduler.Scheduler).
type ResumeScheduler interface {
	Schedule(ctx context.Context, resumeAt time.Time, runID uuid.UUID, nodeID string) error
}

// EventTrigger создаёт runs по входящему событию (workflows.Service).
type EventTrigger interface {
	TriggerEvent(ctx context.Context, tenantID uuid.UUID, triggerType string, payload map[string]any) ([]domain.Run, error)
}

// Orchestrator: пул исполнения runs.
//
// Orchestrator:
//   - Получает новые runs из очереди RabbitMQ (event-driven) или напрямую (Submit)
//   - Периодически проверяет pending runs в БД (polling fallback)
//   - Ограничивает параллельность глобально и по tenant
//   - Исполняет граф через Executor и финализирует run
//   - Приостанавливает run в WAITING и планирует продолжение
type Orchestrator struct {
	runs      RunStore
	versions  VersionStore
	engine    Executor
	scheduler ResumeScheduler
	events    EventTrigger

	// conn: опционально; без него только Submit и polling.
	conn *mq.Connection

	mu    sync.Mutex
	slots *slots

	// runsCtx: родительский контекст исполнений; отменяется,
	// если при Stop runs не успели завершиться за drainTimeout.
	runsCtx    context.Context
	runsCancel context.CancelFunc
	runsWG     sync.WaitGroup

	// wake: сигнал poll loop, что освободился слот.
	wake chan struct{}

	pollInterval     time.Duration
	batchSize        int
	drainTimeout     time.Duration
	resumeRetryDelay time.Duration

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	group      *errgroup.Group
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config: конфигурация Orchestrator.
type Config struct {
	Runs      RunStore
	Versions  VersionStore
	Engine    Executor
	Scheduler ResumeScheduler

	// Events: опционально; включает consumer events.inbound.
	Events EventTrigger

	// Conn: опционально; включает consumers RabbitMQ.
	Conn *mq.Connection

	MaxConcurrentRuns      int           // default: 20
	MaxConcurrentPerTenant int           // default: 5
	PollInterval           time.Duration // интервал polling (default: 10s)
	BatchSize              int           // количество runs за один poll (default: 100)
	DrainTimeout           time.Duration // ожидание runs при Stop (default: 30s)

	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	maxRuns := cfg.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = defaultMaxConcurrent
	}
	perTenant := cfg.MaxConcurrentPerTenant
	if perTenant <= 0 {
		perTenant = defaultMaxPerTenant
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = defaultDrainTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runsCtx, runsCancel := context.WithCancel(context.Background())

	return &Orchestrator{
		runs:             cfg.Runs,
		versions:         cfg.Versions,
		engine:           cfg.Engine,
		scheduler:        cfg.Scheduler,
		events:           cfg.Events,
		conn:             cfg.Conn,
		slots:            newSlots(maxRuns, perTenant),
		runsCtx:          runsCtx,
		runsCancel:       runsCancel,
		wake:             make(chan struct{}, 1),
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		drainTimeout:     drain,
		resumeRetryDelay: defaultResumeRetryDelay,
		logger:           logger.With("component", "orchestrator"),
	}
}

// Start запускает Orchestrator.
//
// Запускает:
//   - Consumer для runs.pending
//   - Consumer для runs.control (resume) и эксклюзивной очереди отмен
//   - Consumer для events.inbound (если задан Events)
//   - Polling горутину для fallback
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.IsStopped() {
		return ErrOrchestratorStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.logger.Info("starting orchestrator",
		"poll_interval", o.pollInterval,
		"batch_size", o.batchSize,
		"max_concurrent_runs", o.slots.max,
		"max_concurrent_per_tenant", o.slots.perTenant,
	)

	g, gctx := errgroup.WithContext(ctx)
	o.group = g

	if o.conn != nil {
		consumers := []mq.ConsumerConfig{
			{Queue: mq.QueueRunsPending, Handler: o.handleRunPending, Prefetch: defaultConsumerPrefetch},
			{Queue: mq.QueueRunsControl, Handler: o.handleRunControl, Prefetch: defaultConsumerPrefetch},
			{Broadcast: &mq.CancelBroadcast, Handler: o.handleRunControl, Prefetch: defaultConsumerPrefetch},
		}
		if o.events != nil {
			consumers = append(consumers, mq.ConsumerConfig{
				Queue: mq.QueueEventsInbound, Handler: o.handleEventInbound, Prefetch: defaultConsumerPrefetch,
			})
		}
		for _, cfg := range consumers {
			consumer := mq.NewConsumer(o.conn, o.logger, cfg)
			g.Go(func() error {
				if err := consumer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		}
	}

	g.Go(func() error {
		o.pollLoop(gctx)
		return nil
	})

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает приём новых runs и ждёт завершения исполняемых.
// Runs, не успевшие за drainTimeout, отменяются.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	if o.stopped {
		o.stoppedMu.Unlock()
		return
	}
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}
	if o.group != nil {
		if err := o.group.Wait(); err != nil {
			o.logger.Error("orchestrator intake error", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		o.runsWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(o.drainTimeout):
		o.logger.Warn("drain timeout, cancelling active runs", "active_runs", o.ActiveRunsCount())
		o.runsCancel()
		<-done
	}
	o.runsCancel()

	o.logger.Info("orchestrator stopped")
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// pollLoop: цикл polling для fallback.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте (подхватываем runs созданные пока были выключены)
	o.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.wake:
		}
		o.poll(ctx)
	}
}

// poll выполняет один цикл polling.
func (o *Orchestrator) poll(ctx context.Context) {
	runs, err := o.runs.ListPending(ctx, o.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error("failed to list pending runs", "error", err)
		}
		return
	}
	if len(runs) == 0 {
		return
	}

	o.logger.Debug("poll found pending runs", "count", len(runs))

	var admitted int
	for i := range runs {
		run := runs[i]
		err := o.dispatch(&run, "")
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, ErrRunAlreadyActive), errors.Is(err, ErrNoCapacity):
			// останется pending до следующего poll
		default:
			o.logger.Error("failed to dispatch run from poll", "run_id", run.ID, "error", err)
		}
	}
	if admitted > 0 {
		o.logger.Debug("poll admitted runs", "count", admitted)
	}
}

// dispatch занимает слот и исполняет run в отдельной горутине.
func (o *Orchestrator) dispatch(run *domain.Run, resumeNode string) error {
	if o.IsStopped() {
		return ErrOrchestratorStopped
	}

	state := NewRunState(run, resumeNode)
	runCtx, cancel := context.WithCancel(o.runsCtx)
	state.cancel = cancel

	o.mu.Lock()
	err := o.slots.admit(state)
	o.mu.Unlock()
	if err != nil {
		cancel()
		return err
	}

	telemetry.ActiveRuns.Inc()
	o.runsWG.Add(1)
	go func() {
		defer o.runsWG.Done()
		defer o.release(state)
		o.process(runCtx, state)
	}()
	return nil
}

// release освобождает слот и будит poll loop.
func (o *Orchestrator) release(state *RunState) {
	state.cancel()

	o.mu.Lock()
	o.slots.release(state.RunID())
	o.mu.Unlock()

	telemetry.ActiveRuns.Dec()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// ActiveRunsCount возвращает количество исполняемых runs.
func (o *Orchestrator) ActiveRunsCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.slots.active)
}

// Stats возвращает загрузку пула.
func (o *Orchestrator) Stats() RunStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.slots.stats()
}
