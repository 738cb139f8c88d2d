package executor

import (
	"context"

	"github.com/google/uuid"

	"github.com/shaiso/crmflow/internal/domain"
)

// Store сохраняет результаты исполнения.
// Реализуется repo.ResultRepo и repo.RunRepo (см. repo.ExecutionStore).
type Store interface {
	// SaveNodeResult добавляет результат узла.
	SaveNodeResult(ctx context.Context, result *domain.RunNodeResult) error

	// AppendLogs добавляет записи журнала run в заданном порядке.
	AppendLogs(ctx context.Context, runID uuid.UUID, logs []domain.RunLog) error

	// SaveContext сохраняет накопленный контекст run.
	SaveContext(ctx context.Context, runID uuid.UUID, runCtx map[string]any) error

	// ListNodeResults возвращает результаты узлов run в порядке добавления.
	ListNodeResults(ctx context.Context, runID uuid.UUID) ([]domain.RunNodeResult, error)
}
