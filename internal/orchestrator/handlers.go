package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/crmflow/internal/domain"
	"github.com/shaiso/crmflow/internal/executor"
	"github.com/shaiso/crmflow/internal/mq"
	"github.com/shaiso/crmflow/internal/repo"
	"github.com/shaiso/crmflow/internal/telemetry"
	"github.com/shaiso/crmflow/internal/workflows"
)

// Submit ставит pending run на исполнение. Не блокирует.
//
// ErrNoCapacity и ErrRunAlreadyActive не фатальны: run остаётся
// pending и будет подхвачен polling.
func (o *Orchestrator) Submit(ctx context.Context, runID uuid.UUID) error {
	run, err := o.loadRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != domain.RunStatusPending {
		return ErrRunNotPending
	}
	return o.dispatch(run, "")
}

// RunPending: Submit без ошибок занятости.
// Позволяет использовать Orchestrator как notifier сервиса workflows
// при запуске в одном процессе с API.
func (o *Orchestrator) RunPending(ctx context.Context, runID uuid.UUID) error {
	err := o.Submit(ctx, runID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNoCapacity), errors.Is(err, ErrRunAlreadyActive), errors.Is(err, ErrRunNotPending):
		o.logger.Debug("run not admitted", "run_id", runID, "reason", err)
		return nil
	default:
		return err
	}
}

// Cancel отменяет контекст run, исполняемого в этом процессе.
// Возвращает false, если run здесь не исполняется.
func (o *Orchestrator) Cancel(runID uuid.UUID) bool {
	o.mu.Lock()
	state, ok := o.slots.active[runID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	o.logger.Info("cancelling active run", "run_id", runID)
	state.cancel()
	return true
}

// RunCancelled: Cancel в форме notifier сервиса workflows.
func (o *Orchestrator) RunCancelled(_ context.Context, runID uuid.UUID) error {
	o.Cancel(runID)
	return nil
}

// Resume продолжает run после WAITING с узла nodeID.
//
// Если свободного слота нет (или run ещё не освободил слот после
// приостановки), продолжение переносится через scheduler на resumeRetryDelay:
// задание уже сработало и иначе было бы потеряно.
func (o *Orchestrator) Resume(ctx context.Context, runID uuid.UUID, nodeID string) error {
	run, err := o.loadRun(ctx, runID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			o.logger.Warn("resume for unknown run", "run_id", runID)
			return nil
		}
		return err
	}
	if run.Status != domain.RunStatusWaiting {
		// отменён во время ожидания
		o.logger.Debug("resume skipped", "run_id", runID, "status", run.Status)
		return nil
	}

	err = o.dispatch(run, nodeID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNoCapacity), errors.Is(err, ErrRunAlreadyActive), errors.Is(err, ErrOrchestratorStopped):
		at := time.Now().Add(o.resumeRetryDelay)
		o.logger.Debug("resume deferred", "run_id", runID, "resume_at", at, "reason", err)
		return o.scheduler.Schedule(ctx, at, runID, nodeID)
	default:
		return err
	}
}

func (o *Orchestrator) loadRun(ctx context.Context, runID uuid.UUID) (*domain.Run, error) {
	run, err := o.runs.GetByID(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// process исполняет run, занявший слот.
//
// 1. Условный переход pending → running (или waiting → running)
// 2. Загрузка версии
// 3. Execute / Resume
// 4. Финализация
func (o *Orchestrator) process(ctx context.Context, state *RunState) {
	run := state.Run
	logger := telemetry.WithWorkflowID(telemetry.WithRunID(o.logger, run.ID.String()), run.WorkflowID.String())
	ctx = telemetry.WithLogger(ctx, logger)

	var err error
	if state.IsResume() {
		err = o.runs.ResumeStart(ctx, run)
	} else {
		err = o.runs.Start(ctx, run)
	}
	if err != nil {
		if errors.Is(err, repo.ErrInvalidState) || errors.Is(err, repo.ErrNotFound) {
			// взят другим исполнителем или отменён
			logger.Debug("run not started", "reason", err)
			return
		}
		logger.Error("failed to start run", "error", err)
		return
	}

	logger.Info("run started", "resume_node", state.ResumeNode, "tenant_id", run.TenantID)

	version, err := o.versions.Get(ctx, run.VersionID)
	if err != nil {
		msg := fmt.Sprintf("load version: %v", err)
		if errors.Is(err, repo.ErrNotFound) {
			msg = fmt.Sprintf("%v: %s", ErrVersionNotFound, run.VersionID)
		}
		o.finalize(ctx, logger, run, &executor.Outcome{
			Status:  domain.RunStatusFailed,
			Context: run.Context,
			Error:   msg,
		})
		return
	}

	var outcome *executor.Outcome
	if state.IsResume() {
		outcome, err = o.engine.Resume(ctx, run, version, state.ResumeNode)
	} else {
		outcome, err = o.engine.Execute(ctx, run, version)
	}
	if err != nil {
		logger.Error("execution aborted", "error", err)
		outcome = &executor.Outcome{
			Status:  domain.RunStatusFailed,
			Context: run.Context,
			Error:   err.Error(),
		}
	}

	o.finalize(ctx, logger, run, outcome)
}

// finalize записывает итог исполнения условными переходами.
// Run, отменённый во время исполнения, не перезаписывается.
func (o *Orchestrator) finalize(ctx context.Context, logger *slog.Logger, run *domain.Run, outcome *executor.Outcome) {
	ctx = context.WithoutCancel(ctx)
	run.Context = outcome.Context

	if outcome.Status == domain.RunStatusWaiting {
		o.suspend(ctx, logger, run, outcome)
		return
	}

	switch outcome.Status {
	case domain.RunStatusCompleted:
		run.MarkCompleted()
	case domain.RunStatusCancelled:
		run.MarkCancelled()
		run.Error = outcome.Error
	default:
		run.MarkFailed(outcome.Error)
	}

	if err := o.runs.Finish(ctx, run); err != nil {
		if errors.Is(err, repo.ErrInvalidState) {
			logger.Info("run already finalized", "status", run.Status)
			return
		}
		logger.Error("failed to finish run", "status", run.Status, "error", err)
		return
	}

	telemetry.RunsFinished.WithLabelValues(string(run.Status)).Inc()
	logger.Info("run finished",
		"status", run.Status,
		"duration", run.Duration(),
		"error", run.Error,
	)
}

// suspend переводит run в WAITING и планирует продолжение.
func (o *Orchestrator) suspend(ctx context.Context, logger *slog.Logger, run *domain.Run, outcome *executor.Outcome) {
	if err := o.runs.MarkWaiting(ctx, run); err != nil {
		if errors.Is(err, repo.ErrInvalidState) {
			logger.Info("run cancelled while suspending")
			return
		}
		logger.Error("failed to suspend run", "error", err)
		return
	}

	resumeAt := time.Now()
	if outcome.ResumeAt != nil {
		resumeAt = *outcome.ResumeAt
	}
	if err := o.scheduler.Schedule(ctx, resumeAt, run.ID, outcome.WaitingNodeID); err != nil {
		logger.Error("failed to schedule resume", "node_id", outcome.WaitingNodeID, "error", err)
		return
	}

	telemetry.RunsFinished.WithLabelValues(string(domain.RunStatusWaiting)).Inc()
	logger.Info("run suspended", "node_id", outcome.WaitingNodeID, "resume_at", resumeAt)
}

// handleRunPending обрабатывает run.pending.
func (o *Orchestrator) handleRunPending(ctx context.Context, msg *mq.Message) error {
	payload, err := mq.ParsePayload[mq.RunPayload](msg)
	if err != nil {
		return err
	}

	o.logger.Debug("received run.pending event", "run_id", payload.RunID)

	if err := o.RunPending(ctx, payload.RunID); err != nil {
		if errors.Is(err, ErrRunNotFound) {
			o.logger.Warn("run.pending for unknown run", "run_id", payload.RunID)
			return nil
		}
		if errors.Is(err, ErrOrchestratorStopped) {
			// подхватит polling после рестарта
			return nil
		}
		return err
	}
	return nil
}

// handleRunControl обрабатывает run.cancelled и run.resume.
func (o *Orchestrator) handleRunControl(ctx context.Context, msg *mq.Message) error {
	switch msg.Type {
	case mq.MessageTypeRunCancelled:
		payload, err := mq.ParsePayload[mq.RunPayload](msg)
		if err != nil {
			return err
		}
		if !o.Cancel(payload.RunID) {
			o.logger.Debug("cancelled run is not active here", "run_id", payload.RunID)
		}
		return nil

	case mq.MessageTypeRunResume:
		payload, err := mq.ParsePayload[mq.RunResumePayload](msg)
		if err != nil {
			return err
		}
		return o.Resume(ctx, payload.RunID, payload.NodeID)

	default:
		return fmt.Errorf("%w: unexpected message type %q", mq.ErrPoison, msg.Type)
	}
}

// handleEventInbound создаёт runs по входящему событию CRM.
func (o *Orchestrator) handleEventInbound(ctx context.Context, msg *mq.Message) error {
	payload, err := mq.ParsePayload[mq.EventInboundPayload](msg)
	if err != nil {
		return err
	}

	runs, err := o.events.TriggerEvent(ctx, payload.TenantID, payload.TriggerType, payload.Payload)
	if err != nil {
		var verr *workflows.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%w: %v", mq.ErrPoison, err)
		}
		// повторная доставка создала бы дубли уже запущенных runs
		if len(runs) > 0 {
			o.logger.Error("inbound event partially processed",
				"tenant_id", payload.TenantID,
				"trigger_type", payload.TriggerType,
				"runs", len(runs),
				"error", err,
			)
			return nil
		}
		return err
	}

	o.logger.Info("inbound event processed",
		"tenant_id", payload.TenantID,
		"trigger_type", payload.TriggerType,
		"runs", len(runs),
	)
	return nil
}
