package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/crmflow/internal/domain"
	"github.com/shaiso/crmflow/internal/engine"
	"github.com/shaiso/crmflow/internal/nodes"
	"github.com/shaiso/crmflow/internal/telemetry"
)

// Outcome: итог исполнения (или его части до приостановки).
type Outcome struct {
	// Status: completed, failed, cancelled или waiting.
	Status domain.RunStatus

	// Context: контекст run на момент остановки.
	Context map[string]any

	// Error: сообщение об ошибке для failed/cancelled.
	Error string

	// FailedNodeID: узел, остановивший run.
	FailedNodeID string

	// WaitingNodeID и ResumeAt заполнены для waiting.
	WaitingNodeID string
	ResumeAt      *time.Time
}

// Config: конфигурация Engine.
type Config struct {
	Registry *nodes.Registry
	Store    Store

	// Services: внешние зависимости обработчиков (HTTP клиент, события).
	Services *nodes.Services

	Logger *slog.Logger

	// Tracer (опционально; по умолчанию telemetry.Tracer()).
	Tracer trace.Tracer
}

// Engine исполняет графы версий.
type Engine struct {
	registry *nodes.Registry
	store    Store
	services *nodes.Services
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New создаёт Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = nodes.DefaultRegistry()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer()
	}
	return &Engine{
		registry: registry,
		store:    cfg.Store,
		services: cfg.Services,
		logger:   logger,
		tracer:   tracer,
	}
}

// Registry возвращает реестр узлов.
func (e *Engine) Registry() *nodes.Registry {
	return e.registry
}

// Execute исполняет run с начала.
//
// Возвращает error только при сбое хранилища; ошибки узлов
// отражаются в Outcome.
func (e *Engine) Execute(ctx context.Context, run *domain.Run, version *domain.Version) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "run.execute", trace.WithAttributes(
		attribute.String("run.id", run.ID.String()),
		attribute.String("workflow.id", run.WorkflowID.String()),
		attribute.Int("version.number", version.VersionNumber),
	))
	defer span.End()

	runCtx := engine.NewRunContext(run.TriggerData)

	if err := e.runLog(ctx, run, domain.LogLevelInfo, "run started", map[string]any{
		"trigger_type":   run.TriggerType,
		"version_number": version.VersionNumber,
	}); err != nil {
		return nil, err
	}

	outcome, err := e.walk(ctx, run, version, runCtx, nil, "")
	recordOutcome(span, outcome, err)
	return outcome, err
}

// Resume продолжает run после WAITING.
//
// Узлы, у которых уже есть результат, пропускаются: их output лежит
// в сохранённом контексте. Узел nodeID вызывается повторно
// с Invocation.Resumed = true.
func (e *Engine) Resume(ctx context.Context, run *domain.Run, version *domain.Version, nodeID string) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "run.resume", trace.WithAttributes(
		attribute.String("run.id", run.ID.String()),
		attribute.String("node.id", nodeID),
	))
	defer span.End()

	results, err := e.store.ListNodeResults(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list node results: %w", err)
	}
	done := make(map[string]bool, len(results))
	for _, r := range results {
		if r.Status == domain.NodeResultCompleted {
			done[r.NodeID] = true
		}
	}

	var runCtx engine.RunContext
	if run.Context != nil {
		runCtx = engine.RunContext(run.Context)
	}
	if !runCtx.Has(engine.TriggerKey) {
		runCtx = engine.AddToContext(runCtx, engine.TriggerKey, engine.NewRunContext(run.TriggerData).Trigger())
	}

	if err := e.runLog(ctx, run, domain.LogLevelInfo, "run resumed", map[string]any{"node_id": nodeID}); err != nil {
		return nil, err
	}

	outcome, err := e.walk(ctx, run, version, runCtx, done, nodeID)
	recordOutcome(span, outcome, err)
	return outcome, err
}

// walk обходит план, пропуская узлы из done.
func (e *Engine) walk(ctx context.Context, run *domain.Run, version *domain.Version,
	runCtx engine.RunContext, done map[string]bool, resumedNode string,
) (*Outcome, error) {
	logger := telemetry.WithRunID(e.logger, run.ID.String())

	// Запись результатов не должна обрываться отменой run.
	pctx := context.WithoutCancel(ctx)

	order, err := engine.FullOrder(version.Graph(), e.registry.IsTrigger)
	if err != nil {
		msg := "invalid graph: " + err.Error()
		if err := e.runLog(pctx, run, domain.LogLevelError, msg, nil); err != nil {
			return nil, err
		}
		return &Outcome{Status: domain.RunStatusFailed, Context: runCtx.Map(), Error: msg}, nil
	}

	for _, node := range order {
		if done[node.ID] {
			continue
		}
		if e.registry.IsTrigger(node.Type) {
			continue
		}

		if ctx.Err() != nil {
			return e.stopCancelled(ctx, run, runCtx, "")
		}

		res := e.invoke(ctx, run, version.Settings, node, runCtx, node.ID == resumedNode, logger)

		if err := e.store.AppendLogs(pctx, run.ID, res.logs); err != nil {
			return nil, fmt.Errorf("append node logs: %w", err)
		}

		if s, ok := nodes.IsSuspend(res.err); ok {
			if err := e.store.SaveContext(pctx, run.ID, runCtx.Map()); err != nil {
				return nil, fmt.Errorf("save context: %w", err)
			}
			resumeAt := s.ResumeAt.UTC()
			logger.Info("run suspended", "node_id", node.ID, "resume_at", resumeAt)
			return &Outcome{
				Status:        domain.RunStatusWaiting,
				Context:       runCtx.Map(),
				WaitingNodeID: node.ID,
				ResumeAt:      &resumeAt,
			}, nil
		}

		result := &domain.RunNodeResult{
			RunID:       run.ID,
			NodeID:      node.ID,
			NodeType:    node.Type,
			Attempts:    res.attempts,
			StartedAt:   res.startedAt,
			CompletedAt: res.completedAt,
		}

		if res.err != nil {
			nodeErr := nodes.AsExecutionError(node.ID, node.Type, res.err)
			result.Status = domain.NodeResultFailed
			result.Error = nodeErr.Message
			if err := e.store.SaveNodeResult(pctx, result); err != nil {
				return nil, fmt.Errorf("save node result: %w", err)
			}

			if ctx.Err() != nil {
				return e.stopCancelled(ctx, run, runCtx, node.ID)
			}
			return e.stopFailed(pctx, run, runCtx, node, nodeErr.Message)
		}

		result.Status = domain.NodeResultCompleted
		result.Output = res.output
		if err := e.store.SaveNodeResult(pctx, result); err != nil {
			return nil, fmt.Errorf("save node result: %w", err)
		}

		runCtx = engine.AddToContext(runCtx, node.ID, res.output)
		if err := e.store.SaveContext(pctx, run.ID, runCtx.Map()); err != nil {
			return nil, fmt.Errorf("save context: %w", err)
		}
	}

	if err := e.runLog(pctx, run, domain.LogLevelInfo, "run completed", nil); err != nil {
		return nil, err
	}
	return &Outcome{Status: domain.RunStatusCompleted, Context: runCtx.Map()}, nil
}

func (e *Engine) stopFailed(ctx context.Context, run *domain.Run, runCtx engine.RunContext, node domain.Node, msg string) (*Outcome, error) {
	if err := e.store.SaveContext(ctx, run.ID, runCtx.Map()); err != nil {
		return nil, fmt.Errorf("save context: %w", err)
	}
	errMsg := fmt.Sprintf("node %s (%s) failed: %s", node.ID, node.Type, msg)
	if err := e.runLog(ctx, run, domain.LogLevelError, "run failed", map[string]any{
		"node_id": node.ID,
		"error":   msg,
	}); err != nil {
		return nil, err
	}
	return &Outcome{
		Status:       domain.RunStatusFailed,
		Context:      runCtx.Map(),
		Error:        errMsg,
		FailedNodeID: node.ID,
	}, nil
}

func (e *Engine) stopCancelled(ctx context.Context, run *domain.Run, runCtx engine.RunContext, nodeID string) (*Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	if err := e.store.SaveContext(ctx, run.ID, runCtx.Map()); err != nil {
		return nil, fmt.Errorf("save context: %w", err)
	}
	if err := e.runLog(ctx, run, domain.LogLevelWarn, "run cancelled", map[string]any{"node_id": nodeID}); err != nil {
		return nil, err
	}
	return &Outcome{
		Status:       domain.RunStatusCancelled,
		Context:      runCtx.Map(),
		Error:        "run cancelled",
		FailedNodeID: nodeID,
	}, nil
}

// nodeRun: результат вызова узла со всеми попытками.
type nodeRun struct {
	output      any
	err         error
	attempts    int
	logs        []domain.RunLog
	startedAt   time.Time
	completedAt time.Time
}

// invoke вычисляет config узла и вызывает обработчик с retry и таймаутом.
func (e *Engine) invoke(ctx context.Context, run *domain.Run, settings domain.Settings,
	node domain.Node, runCtx engine.RunContext, resumed bool, logger *slog.Logger,
) nodeRun {
	ctx, span := e.tracer.Start(ctx, "node.execute", trace.WithAttributes(
		attribute.String("node.id", node.ID),
		attribute.String("node.type", node.Type),
	))
	defer span.End()

	log := newNodeLog(run.ID, node.ID, logger)
	res := nodeRun{startedAt: time.Now().UTC()}

	defer func() {
		res.completedAt = time.Now().UTC()
		status := "completed"
		if _, ok := nodes.IsSuspend(res.err); ok {
			status = "suspended"
		} else if res.err != nil {
			status = "failed"
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		}
		telemetry.NodeExecutions.WithLabelValues(node.Type, status).Inc()
		telemetry.NodeDuration.WithLabelValues(node.Type).Observe(res.completedAt.Sub(res.startedAt).Seconds())
	}()

	handler, err := e.registry.Get(node.Type)
	if err != nil {
		log.Error("unknown node type", "type", node.Type)
		res.err = nodes.NewExecutionError("unknown node type "+node.Type, err)
		res.logs = log.drain()
		return res
	}

	inv := &nodes.Invocation{
		NodeID:     node.ID,
		NodeType:   node.Type,
		Config:     engine.ResolveConfig(node.Data.Config, runCtx),
		Context:    runCtx,
		Logger:     log,
		RunID:      run.ID,
		TenantID:   run.TenantID,
		WorkflowID: run.WorkflowID,
		Run:        run,
		Services:   e.services,
		Resumed:    resumed,
	}

	policy := settings.Retry
	attempts := maxAttempts(policy)
	timeout := time.Duration(settings.NodeTimeoutSec) * time.Second

	for attempt := 1; ; attempt++ {
		inv.Attempt = attempt
		res.attempts = attempt
		res.output, res.err = callHandler(ctx, handler, inv, timeout)
		if res.err == nil {
			break
		}
		if attempt >= attempts || !shouldRetry(ctx, res.err) {
			break
		}

		delay := calculateBackoff(attempt, policy)
		log.Warn("retrying node", "attempt", attempt, "delay", delay, "error", res.err)
		if err := sleep(ctx, delay); err != nil {
			res.err = fmt.Errorf("%w: %v", nodes.ErrNodeCancelled, err)
			break
		}
	}

	if res.err == nil {
		out, err := normalizeOutput(res.output)
		if err != nil {
			res.err = nodes.NewExecutionError("output is not JSON-serializable: "+err.Error(), err)
		} else {
			res.output = out
		}
	}

	if res.err != nil {
		if _, ok := nodes.IsSuspend(res.err); !ok {
			log.Error("node failed", "error", res.err, "attempts", res.attempts)
		}
	}
	res.logs = log.drain()
	return res
}

// callHandler вызывает обработчик с таймаутом и перехватом паники.
func callHandler(ctx context.Context, h nodes.Handler, inv *nodes.Invocation, timeout time.Duration) (out any, err error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = nodes.NewExecutionError(fmt.Sprintf("handler panic: %v", r), nil)
		}
	}()

	out, err = h.Execute(callCtx, inv)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = nodes.NewExecutionError(fmt.Sprintf("node exceeded timeout %s", timeout), nodes.ErrNodeTimeout)
	}
	return out, err
}

// normalizeOutput приводит output к JSON-представлению, в котором
// он будет прочитан из хранилища.
func normalizeOutput(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// runLog пишет запись уровня run.
func (e *Engine) runLog(ctx context.Context, run *domain.Run, level domain.LogLevel, msg string, data map[string]any) error {
	entry := domain.RunLog{
		RunID:     run.ID,
		Level:     level,
		Message:   msg,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.AppendLogs(ctx, run.ID, []domain.RunLog{entry}); err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

func recordOutcome(span trace.Span, o *Outcome, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(attribute.String("run.status", string(o.Status)))
	if o.Status == domain.RunStatusFailed {
		span.SetStatus(codes.Error, o.Error)
	}
}
