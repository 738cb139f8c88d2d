package workflows

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/crmflow/internal/domain"
	"github.com/shaiso/crmflow/internal/repo"
)

// memDB: in-memory хранилище с семантикой repo для тестов сервиса.
type memDB struct {
	mu        sync.Mutex
	workflows map[uuid.UUID]*domain.Workflow
	versions  map[uuid.UUID]*domain.Version
	runs      map[uuid.UUID]*domain.Run
	logs      map[uuid.UUID][]domain.RunLog
	results   map[uuid.UUID][]domain.RunNodeResult

	rateLimitErr error
}

func newMemDB() *memDB {
	return &memDB{
		workflows: make(map[uuid.UUID]*domain.Workflow),
		versions:  make(map[uuid.UUID]*domain.Version),
		runs:      make(map[uuid.UUID]*domain.Run),
		logs:      make(map[uuid.UUID][]domain.RunLog),
		results:   make(map[uuid.UUID][]domain.RunNodeResult),
	}
}

func (db *memDB) workflow(tenantID, id uuid.UUID) (*domain.Workflow, error) {
	wf, ok := db.workflows[id]
	if !ok || wf.TenantID != tenantID {
		return nil, repo.ErrNotFound
	}
	return wf, nil
}

type memWorkflows struct{ db *memDB }

func (m memWorkflows) CreateWithVersion(_ context.Context, wf *domain.Workflow, v *domain.Version) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, other := range m.db.workflows {
		if other.TenantID == wf.TenantID && other.Name == wf.Name {
			return repo.ErrAlreadyExists
		}
	}
	cp := *wf
	m.db.workflows[wf.ID] = &cp
	vc := *v
	m.db.versions[v.ID] = &vc
	return nil
}

func (m memWorkflows) GetByID(_ context.Context, tenantID, id uuid.UUID) (*domain.Workflow, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	wf, err := m.db.workflow(tenantID, id)
	if err != nil {
		return nil, err
	}
	cp := *wf
	return &cp, nil
}

func (m memWorkflows) List(_ context.Context, filter domain.WorkflowFilter) ([]domain.WorkflowSummary, int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []domain.WorkflowSummary
	for _, wf := range m.db.workflows {
		if wf.TenantID == filter.TenantID {
			out = append(out, domain.WorkflowSummary{Workflow: *wf})
		}
	}
	return out, len(out), nil
}

func (m memWorkflows) Update(_ context.Context, wf *domain.Workflow) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	cur, err := m.db.workflow(wf.TenantID, wf.ID)
	if err != nil {
		return err
	}
	if cur.IsArchived() {
		return repo.ErrInvalidState
	}
	cur.Name, cur.Description, cur.Status = wf.Name, wf.Description, wf.Status
	return nil
}

func (m memWorkflows) Delete(_ context.Context, tenantID, id uuid.UUID) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, err := m.db.workflow(tenantID, id); err != nil {
		return err
	}
	delete(m.db.workflows, id)
	return nil
}

func (m memWorkflows) ListActiveByTriggerType(_ context.Context, tenantID uuid.UUID, triggerType string) ([]domain.Workflow, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []domain.Workflow
	for _, wf := range m.db.workflows {
		if wf.TenantID == tenantID && wf.Status == domain.WorkflowStatusActive && wf.HasTriggerType(triggerType) {
			out = append(out, *wf)
		}
	}
	return out, nil
}

type memVersions struct{ db *memDB }

func (m memVersions) list(workflowID uuid.UUID) []*domain.Version {
	var out []*domain.Version
	for _, v := range m.db.versions {
		if v.WorkflowID == workflowID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out
}

func (m memVersions) SaveNext(_ context.Context, tenantID uuid.UUID, v *domain.Version) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	wf, err := m.db.workflow(tenantID, v.WorkflowID)
	if err != nil {
		return err
	}
	if wf.IsArchived() {
		return repo.ErrInvalidState
	}
	for _, prev := range m.list(v.WorkflowID) {
		prev.IsPublished = false
	}
	if wf.Status == domain.WorkflowStatusActive {
		wf.Status = domain.WorkflowStatusDraft
	}
	v.VersionNumber = len(m.list(v.WorkflowID)) + 1
	cp := *v
	m.db.versions[v.ID] = &cp
	return nil
}

func (m memVersions) GetByID(_ context.Context, tenantID, workflowID, versionID uuid.UUID) (*domain.Version, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, err := m.db.workflow(tenantID, workflowID); err != nil {
		return nil, err
	}
	v, ok := m.db.versions[versionID]
	if !ok || v.WorkflowID != workflowID {
		return nil, repo.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m memVersions) find(tenantID, workflowID uuid.UUID, match func(*domain.Version) bool) (*domain.Version, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, err := m.db.workflow(tenantID, workflowID); err != nil {
		return nil, err
	}
	for _, v := range m.list(workflowID) {
		if match(v) {
			cp := *v
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (m memVersions) GetByNumber(_ context.Context, tenantID, workflowID uuid.UUID, number int) (*domain.Version, error) {
	return m.find(tenantID, workflowID, func(v *domain.Version) bool { return v.VersionNumber == number })
}

func (m memVersions) GetLatest(_ context.Context, tenantID, workflowID uuid.UUID) (*domain.Version, error) {
	return m.find(tenantID, workflowID, func(*domain.Version) bool { return true })
}

func (m memVersions) GetPublished(_ context.Context, tenantID, workflowID uuid.UUID) (*domain.Version, error) {
	return m.find(tenantID, workflowID, func(v *domain.Version) bool { return v.IsPublished })
}

func (m memVersions) ListSummaries(_ context.Context, tenantID, workflowID uuid.UUID) ([]domain.VersionSummary, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, err := m.db.workflow(tenantID, workflowID); err != nil {
		return nil, err
	}
	var out []domain.VersionSummary
	for _, v := range m.list(workflowID) {
		out = append(out, summaryOf(v))
	}
	return out, nil
}

func (m memVersions) Publish(_ context.Context, tenantID, workflowID, versionID uuid.UUID, snap domain.TriggerSnapshot) (*domain.Version, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	wf, err := m.db.workflow(tenantID, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.IsArchived() {
		return nil, repo.ErrInvalidState
	}
	target, ok := m.db.versions[versionID]
	if !ok || target.WorkflowID != workflowID {
		return nil, repo.ErrNotFound
	}
	for _, v := range m.list(workflowID) {
		v.IsPublished = false
	}
	now := time.Now()
	target.IsPublished = true
	target.PublishedAt = &now

	wf.Status = domain.WorkflowStatusActive
	wf.TriggerType = snap.TriggerType
	wf.TriggerTypes = snap.TriggerTypes
	wf.TriggerConfig = snap.TriggerConfig

	cp := *target
	return &cp, nil
}

type memRuns struct{ db *memDB }

func (m memRuns) Create(_ context.Context, run *domain.Run) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	cp := *run
	m.db.runs[run.ID] = &cp
	return nil
}

func (m memRuns) CreateWithinLimit(ctx context.Context, run *domain.Run, _ int, _ time.Duration) error {
	if m.db.rateLimitErr != nil {
		return m.db.rateLimitErr
	}
	return m.Create(ctx, run)
}

func (m memRuns) Get(_ context.Context, tenantID, id uuid.UUID) (*domain.Run, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	run, ok := m.db.runs[id]
	if !ok || run.TenantID != tenantID {
		return nil, repo.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m memRuns) List(_ context.Context, filter domain.RunFilter) ([]domain.Run, int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []domain.Run
	for _, run := range m.db.runs {
		if run.TenantID == filter.TenantID {
			out = append(out, *run)
		}
	}
	return out, len(out), nil
}

func (m memRuns) Cancel(_ context.Context, tenantID, id uuid.UUID) (*domain.Run, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	run, ok := m.db.runs[id]
	if !ok || run.TenantID != tenantID {
		return nil, repo.ErrNotFound
	}
	if !run.Status.IsCancellable() {
		return nil, repo.ErrInvalidState
	}
	run.MarkCancelled()
	cp := *run
	return &cp, nil
}

type memResults struct{ db *memDB }

func (m memResults) ListNodeResults(_ context.Context, runID uuid.UUID) ([]domain.RunNodeResult, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.db.results[runID], nil
}

func (m memResults) ListLogs(_ context.Context, runID uuid.UUID) ([]domain.RunLog, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.db.logs[runID], nil
}

// recorder собирает вызовы notifier, jobs и triggers.
type recorder struct {
	mu        sync.Mutex
	pending   []uuid.UUID
	cancelled []uuid.UUID
	jobs      []uuid.UUID
	synced    map[uuid.UUID][]domain.Node
}

func newRecorder() *recorder {
	return &recorder{synced: make(map[uuid.UUID][]domain.Node)}
}

func (r *recorder) RunPending(_ context.Context, runID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, runID)
	return nil
}

func (r *recorder) RunCancelled(_ context.Context, runID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, runID)
	return nil
}

func (r *recorder) CancelForRun(_ context.Context, runID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, runID)
	return nil
}

func (r *recorder) SyncWorkflowTriggers(_ context.Context, wf *domain.Workflow, nodes []domain.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced[wf.ID] = nodes
	return nil
}
