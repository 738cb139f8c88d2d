package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/crmflow/internal/domain"
)

// ResultRepo: результаты узлов и журнал run. Записи только добавляются.
type ResultRepo struct {
	pool *pgxpool.Pool
}

// NewResultRepo создаёт новый ResultRepo.
func NewResultRepo(pool *pgxpool.Pool) *ResultRepo {
	return &ResultRepo{pool: pool}
}

// SaveNodeResult добавляет результат узла. ID заполняется из БД.
func (r *ResultRepo) SaveNodeResult(ctx context.Context, res *domain.RunNodeResult) error {
	var outputJSON []byte
	if res.Output != nil {
		var err error
		outputJSON, err = json.Marshal(res.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
	}

	err := r.pool.QueryRow(ctx, `
		INSERT INTO run_node_results (run_id, node_id, node_type, status, output, error,
		                              attempts, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`,
		res.RunID,
		res.NodeID,
		res.NodeType,
		res.Status,
		outputJSON,
		nullString(res.Error),
		res.Attempts,
		res.StartedAt,
		res.CompletedAt,
	).Scan(&res.ID)
	if err != nil {
		return fmt.Errorf("insert node result: %w", err)
	}
	return nil
}

// ListNodeResults возвращает результаты узлов run в порядке записи.
func (r *ResultRepo) ListNodeResults(ctx context.Context, runID uuid.UUID) ([]domain.RunNodeResult, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, run_id, node_id, node_type, status, output, error, attempts, started_at, completed_at
		FROM run_node_results
		WHERE run_id = $1
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list node results: %w", err)
	}
	defer rows.Close()

	out := make([]domain.RunNodeResult, 0)
	for rows.Next() {
		var res domain.RunNodeResult
		var outputJSON []byte
		var errMsg *string
		if err := rows.Scan(
			&res.ID, &res.RunID, &res.NodeID, &res.NodeType, &res.Status,
			&outputJSON, &errMsg, &res.Attempts, &res.StartedAt, &res.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan node result: %w", err)
		}
		res.Error = derefString(errMsg)
		if len(outputJSON) > 0 {
			if err := json.Unmarshal(outputJSON, &res.Output); err != nil {
				return nil, fmt.Errorf("unmarshal output: %w", err)
			}
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// AppendLogs добавляет записи журнала одним batch, сохраняя порядок.
func (r *ResultRepo) AppendLogs(ctx context.Context, runID uuid.UUID, logs []domain.RunLog) error {
	if len(logs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, l := range logs {
		var dataJSON []byte
		if len(l.Data) > 0 {
			var err error
			dataJSON, err = json.Marshal(l.Data)
			if err != nil {
				return fmt.Errorf("marshal log data: %w", err)
			}
		}
		batch.Queue(`
			INSERT INTO run_logs (run_id, node_id, level, message, data, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, runID, nullString(l.NodeID), l.Level, l.Message, dataJSON, l.CreatedAt)
	}

	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert run logs: %w", err)
	}
	return nil
}

// ListLogs возвращает журнал run в порядке записи.
func (r *ResultRepo) ListLogs(ctx context.Context, runID uuid.UUID) ([]domain.RunLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, run_id, node_id, level, message, data, created_at
		FROM run_logs
		WHERE run_id = $1
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.RunLog, 0)
	for rows.Next() {
		var l domain.RunLog
		var nodeID *string
		var dataJSON []byte
		if err := rows.Scan(&l.ID, &l.RunID, &nodeID, &l.Level, &l.Message, &dataJSON, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		l.NodeID = derefString(nodeID)
		if err := unmarshalMap(dataJSON, &l.Data); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ExecutionStore объединяет RunRepo и ResultRepo в хранилище исполнителя.
type ExecutionStore struct {
	*RunRepo
	*ResultRepo
}

// NewExecutionStore создаёт ExecutionStore поверх одного пула.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{RunRepo: NewRunRepo(pool), ResultRepo: NewResultRepo(pool)}
}
