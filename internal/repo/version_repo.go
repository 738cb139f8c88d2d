package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/crmflow/internal/domain"
)

// VersionRepo: репозиторий версий workflow.
// Версии неизменяемы: после вставки меняются только is_published и published_at.
type VersionRepo struct {
	pool *pgxpool.Pool
}

// NewVersionRepo создаёт новый VersionRepo.
func NewVersionRepo(pool *pgxpool.Pool) *VersionRepo {
	return &VersionRepo{pool: pool}
}

const versionColumns = `
	v.id, v.workflow_id, v.version_number, v.nodes, v.edges, v.variables,
	v.settings, v.is_published, v.published_at, v.created_by, v.created_at`

// SaveNext сохраняет граф как следующую версию workflow.
//
// Строка workflow блокируется до конца транзакции, поэтому параллельные
// сохранения получают последовательные номера. Новая версия не опубликована,
// публикация предыдущих снимается. Активный workflow без опубликованной
// версии возвращается в draft. Для архивного workflow возвращается ErrInvalidState.
func (r *VersionRepo) SaveNext(ctx context.Context, tenantID uuid.UUID, v *domain.Version) error {
	return withTx(ctx, r.pool, func(tx pgx.Tx) error {
		wf, err := lockWorkflow(ctx, tx, tenantID, v.WorkflowID)
		if err != nil {
			return err
		}
		if wf.IsArchived() {
			return fmt.Errorf("%w: workflow is archived", ErrInvalidState)
		}

		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(version_number), 0) + 1 FROM workflow_versions WHERE workflow_id = $1
		`, v.WorkflowID).Scan(&v.VersionNumber); err != nil {
			return fmt.Errorf("next version number: %w", err)
		}
		v.IsPublished = false
		v.PublishedAt = nil

		_, err = tx.Exec(ctx, `
			UPDATE workflow_versions SET is_published = FALSE
			WHERE workflow_id = $1 AND is_published
		`, v.WorkflowID)
		if err != nil {
			return fmt.Errorf("unpublish versions: %w", err)
		}

		if err := insertVersion(ctx, tx, v); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE workflows
			SET status = CASE WHEN status = 'active' THEN 'draft' ELSE status END, updated_at = NOW()
			WHERE id = $1
		`, v.WorkflowID)
		if err != nil {
			return fmt.Errorf("touch workflow: %w", err)
		}
		return nil
	})
}

// GetByID возвращает версию по ID в рамках workflow tenant.
func (r *VersionRepo) GetByID(ctx context.Context, tenantID, workflowID, versionID uuid.UUID) (*domain.Version, error) {
	return scanVersion(r.pool.QueryRow(ctx, `
		SELECT `+versionColumns+`
		FROM workflow_versions v JOIN workflows w ON w.id = v.workflow_id
		WHERE v.id = $1 AND v.workflow_id = $2 AND w.tenant_id = $3
	`, versionID, workflowID, tenantID))
}

// Get возвращает версию по ID без проверки tenant.
// Используется исполнителем: run уже привязан к версии.
func (r *VersionRepo) Get(ctx context.Context, versionID uuid.UUID) (*domain.Version, error) {
	return scanVersion(r.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM workflow_versions v WHERE v.id = $1`, versionID))
}

// GetByNumber возвращает версию по номеру.
func (r *VersionRepo) GetByNumber(ctx context.Context, tenantID, workflowID uuid.UUID, number int) (*domain.Version, error) {
	return scanVersion(r.pool.QueryRow(ctx, `
		SELECT `+versionColumns+`
		FROM workflow_versions v JOIN workflows w ON w.id = v.workflow_id
		WHERE v.workflow_id = $1 AND v.version_number = $2 AND w.tenant_id = $3
	`, workflowID, number, tenantID))
}

// GetLatest возвращает версию с максимальным номером.
func (r *VersionRepo) GetLatest(ctx context.Context, tenantID, workflowID uuid.UUID) (*domain.Version, error) {
	return scanVersion(r.pool.QueryRow(ctx, `
		SELECT `+versionColumns+`
		FROM workflow_versions v JOIN workflows w ON w.id = v.workflow_id
		WHERE v.workflow_id = $1 AND w.tenant_id = $2
		ORDER BY v.version_number DESC
		LIMIT 1
	`, workflowID, tenantID))
}

// GetPublished возвращает опубликованную версию или ErrNotFound.
func (r *VersionRepo) GetPublished(ctx context.Context, tenantID, workflowID uuid.UUID) (*domain.Version, error) {
	return scanVersion(r.pool.QueryRow(ctx, `
		SELECT `+versionColumns+`
		FROM workflow_versions v JOIN workflows w ON w.id = v.workflow_id
		WHERE v.workflow_id = $1 AND w.tenant_id = $2 AND v.is_published
	`, workflowID, tenantID))
}

// ListSummaries возвращает версии без графа, новые первыми.
func (r *VersionRepo) ListSummaries(ctx context.Context, tenantID, workflowID uuid.UUID) ([]domain.VersionSummary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT v.id, v.version_number, v.is_published, v.published_at, v.created_by, v.created_at
		FROM workflow_versions v JOIN workflows w ON w.id = v.workflow_id
		WHERE v.workflow_id = $1 AND w.tenant_id = $2
		ORDER BY v.version_number DESC
	`, workflowID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.VersionSummary, 0)
	for rows.Next() {
		var s domain.VersionSummary
		if err := rows.Scan(&s.ID, &s.VersionNumber, &s.IsPublished, &s.PublishedAt, &s.CreatedBy, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Publish публикует версию и активирует workflow в одной транзакции:
// снимает публикацию с остальных версий, публикует целевую,
// записывает снимок триггеров и переводит workflow в active.
// Для архивного workflow возвращается ErrInvalidState.
func (r *VersionRepo) Publish(ctx context.Context, tenantID, workflowID, versionID uuid.UUID,
	snap domain.TriggerSnapshot,
) (*domain.Version, error) {
	configJSON, err := json.Marshal(nonNilMap(snap.TriggerConfig))
	if err != nil {
		return nil, fmt.Errorf("marshal trigger config: %w", err)
	}

	var published *domain.Version
	err = withTx(ctx, r.pool, func(tx pgx.Tx) error {
		wf, err := lockWorkflow(ctx, tx, tenantID, workflowID)
		if err != nil {
			return err
		}
		if wf.IsArchived() {
			return fmt.Errorf("%w: workflow is archived", ErrInvalidState)
		}

		_, err = tx.Exec(ctx, `
			UPDATE workflow_versions SET is_published = FALSE
			WHERE workflow_id = $1 AND is_published AND id <> $2
		`, workflowID, versionID)
		if err != nil {
			return fmt.Errorf("unpublish versions: %w", err)
		}

		now := time.Now()
		published, err = scanVersion(tx.QueryRow(ctx, `
			UPDATE workflow_versions v
			SET is_published = TRUE, published_at = $3
			WHERE v.id = $1 AND v.workflow_id = $2
			RETURNING `+versionColumns,
			versionID, workflowID, now))
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE workflows
			SET status = 'active', trigger_type = $2, trigger_types = $3, trigger_config = $4, updated_at = $5
			WHERE id = $1
		`, workflowID, nullString(snap.TriggerType), nonNilStrings(snap.TriggerTypes), configJSON, now)
		if err != nil {
			return fmt.Errorf("update workflow triggers: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return published, nil
}

// insertVersion вставляет строку версии.
func insertVersion(ctx context.Context, q querier, v *domain.Version) error {
	nodesJSON, err := json.Marshal(nonNilNodes(v.Nodes))
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	edgesJSON, err := json.Marshal(nonNilEdges(v.Edges))
	if err != nil {
		return fmt.Errorf("marshal edges: %w", err)
	}
	varsJSON, err := json.Marshal(nonNilMap(v.Variables))
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	settingsJSON, err := json.Marshal(v.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO workflow_versions (id, workflow_id, version_number, nodes, edges, variables,
		                               settings, is_published, published_at, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		v.ID,
		v.WorkflowID,
		v.VersionNumber,
		nodesJSON,
		edgesJSON,
		varsJSON,
		settingsJSON,
		v.IsPublished,
		v.PublishedAt,
		v.CreatedBy,
		v.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: version %d", ErrAlreadyExists, v.VersionNumber)
	}
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

// scanVersion сканирует одну строку в Version.
func scanVersion(row pgx.Row) (*domain.Version, error) {
	var v domain.Version
	var nodesJSON, edgesJSON, varsJSON, settingsJSON []byte

	err := row.Scan(
		&v.ID,
		&v.WorkflowID,
		&v.VersionNumber,
		&nodesJSON,
		&edgesJSON,
		&varsJSON,
		&settingsJSON,
		&v.IsPublished,
		&v.PublishedAt,
		&v.CreatedBy,
		&v.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan version: %w", err)
	}

	if err := json.Unmarshal(nodesJSON, &v.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal(edgesJSON, &v.Edges); err != nil {
		return nil, fmt.Errorf("unmarshal edges: %w", err)
	}
	if err := unmarshalMap(varsJSON, &v.Variables); err != nil {
		return nil, err
	}
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &v.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}
	return &v, nil
}

func nonNilNodes(n []domain.Node) []domain.Node {
	if n == nil {
		return []domain.Node{}
	}
	return n
}

func nonNilEdges(e []domain.Edge) []domain.Edge {
	if e == nil {
		return []domain.Edge{}
	}
	return e
}
