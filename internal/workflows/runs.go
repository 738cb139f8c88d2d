package workflows

import (
	"context"

	"github.com/google/uuid"

	"github.com/shaiso/crmflow/internal/domain"
	"github.com/shaiso/crmflow/internal/telemetry"
)

// ListRuns возвращает страницу runs tenant и общее количество.
func (s *Service) ListRuns(ctx context.Context, filter domain.RunFilter) ([]domain.Run, int, error) {
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, 0, invalid("unknown run status " + string(*filter.Status))
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, 0, invalid("limit and offset must not be negative")
	}
	return s.runs.List(ctx, filter)
}

// GetRun возвращает run tenant.
func (s *Service) GetRun(ctx context.Context, tenantID, runID uuid.UUID) (*domain.Run, error) {
	run, err := s.runs.Get(ctx, tenantID, runID)
	return run, mapRepoErr(err, nil)
}

// RunLogs возвращает журнал run в порядке записи.
func (s *Service) RunLogs(ctx context.Context, tenantID, runID uuid.UUID) ([]domain.RunLog, error) {
	if _, err := s.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	return s.results.ListLogs(ctx, runID)
}

// RunNodeResults возвращает результаты узлов run в порядке выполнения.
func (s *Service) RunNodeResults(ctx context.Context, tenantID, runID uuid.UUID) ([]domain.RunNodeResult, error) {
	if _, err := s.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	return s.results.ListNodeResults(ctx, runID)
}

// Cancel отменяет run из pending, running или waiting.
// Для завершённого run возвращает ErrNotCancellable.
// Отложенные задания run отменяются, пул получает уведомление.
func (s *Service) Cancel(ctx context.Context, tenantID, runID uuid.UUID) (*domain.Run, error) {
	run, err := s.runs.Cancel(ctx, tenantID, runID)
	if err != nil {
		return nil, mapRepoErr(err, ErrNotCancellable)
	}

	telemetry.RunsFinished.WithLabelValues(string(domain.RunStatusCancelled)).Inc()
	telemetry.FromContext(ctx).Info("run cancelled", "run_id", runID, "tenant_id", tenantID)

	if s.jobs != nil {
		if err := s.jobs.CancelForRun(ctx, runID); err != nil {
			s.logger.Error("failed to cancel scheduled jobs", "run_id", runID, "error", err)
		}
	}
	if s.notifier != nil {
		if err := s.notifier.RunCancelled(ctx, runID); err != nil {
			s.logger.Warn("failed to notify cancelled run", "run_id", runID, "error", err)
		}
	}
	return run, nil
}
