package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/crmflow/internal/domain"
	"github.com/shaiso/crmflow/internal/executor"
	"github.com/shaiso/crmflow/internal/mq"
	"github.com/shaiso/crmflow/internal/repo"
	"github.com/shaiso/crmflow/internal/workflows"
)

// --- fakes ---

// memRuns: RunStore с условными переходами как в repo.RunRepo.
type memRuns struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*domain.Run
}

func newMemRuns() *memRuns {
	return &memRuns{runs: make(map[uuid.UUID]*domain.Run)}
}

func (m *memRuns) add(tenant uuid.UUID, status domain.RunStatus) *domain.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := &domain.Run{
		ID:         uuid.New(),
		TenantID:   tenant,
		WorkflowID: uuid.New(),
		VersionID:  uuid.New(),
		Status:     status,
		CreatedAt:  time.Now(),
	}
	m.runs[run.ID] = run
	return run
}

func (m *memRuns) status(id uuid.UUID) domain.RunStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id].Status
}

func (m *memRuns) setStatus(id uuid.UUID, status domain.RunStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[id].Status = status
}

func (m *memRuns) GetByID(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *memRuns) ListPending(_ context.Context, limit int) ([]domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Run
	for _, run := range m.runs {
		if run.Status == domain.RunStatusPending && len(out) < limit {
			out = append(out, *run)
		}
	}
	return out, nil
}

func (m *memRuns) move(run *domain.Run, from domain.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.runs[run.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if stored.Status != from {
		return repo.ErrInvalidState
	}
	stored.Status = run.Status
	stored.Context = run.Context
	stored.Error = run.Error
	return nil
}

func (m *memRuns) Start(_ context.Context, run *domain.Run) error {
	run.MarkRunning()
	return m.move(run, domain.RunStatusPending)
}

func (m *memRuns) ResumeStart(_ context.Context, run *domain.Run) error {
	run.MarkRunning()
	return m.move(run, domain.RunStatusWaiting)
}

func (m *memRuns) MarkWaiting(_ context.Context, run *domain.Run) error {
	run.MarkWaiting()
	return m.move(run, domain.RunStatusRunning)
}

func (m *memRuns) Finish(_ context.Context, run *domain.Run) error {
	return m.move(run, domain.RunStatusRunning)
}

type memVersions struct {
	missing bool
}

func (v memVersions) Get(_ context.Context, id uuid.UUID) (*domain.Version, error) {
	if v.missing {
		return nil, repo.ErrNotFound
	}
	return &domain.Version{ID: id, VersionNumber: 1}, nil
}

// fakeEngine возвращает outcome из функций; по умолчанию completed.
type fakeEngine struct {
	execute func(ctx context.Context, run *domain.Run) *executor.Outcome
	resume  func(ctx context.Context, run *domain.Run, nodeID string) *executor.Outcome

	mu      sync.Mutex
	resumed []string
}

func (e *fakeEngine) Execute(ctx context.Context, run *domain.Run, _ *domain.Version) (*executor.Outcome, error) {
	if e.execute != nil {
		return e.execute(ctx, run), nil
	}
	return &executor.Outcome{Status: domain.RunStatusCompleted, Context: map[string]any{"done": true}}, nil
}

func (e *fakeEngine) Resume(ctx context.Context, run *domain.Run, _ *domain.Version, nodeID string) (*executor.Outcome, error) {
	e.mu.Lock()
	e.resumed = append(e.resumed, nodeID)
	e.mu.Unlock()
	if e.resume != nil {
		return e.resume(ctx, run, nodeID), nil
	}
	return &executor.Outcome{Status: domain.RunStatusCompleted}, nil
}

func (e *fakeEngine) resumedNodes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.resumed...)
}

// blockUntilCancelled: исполнение, которое ждёт отмены или release.
func blockUntilCancelled(release <-chan struct{}) func(ctx context.Context, run *domain.Run) *executor.Outcome {
	return func(ctx context.Context, _ *domain.Run) *executor.Outcome {
		select {
		case <-ctx.Done():
			return &executor.Outcome{Status: domain.RunStatusCancelled, Error: "run cancelled"}
		case <-release:
			return &executor.Outcome{Status: domain.RunStatusCompleted}
		}
	}
}

type scheduled struct {
	at     time.Time
	runID  uuid.UUID
	nodeID string
}

type fakeScheduler struct {
	mu   sync.Mutex
	jobs []scheduled
}

func (s *fakeScheduler) Schedule(_ context.Context, at time.Time, runID uuid.UUID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, scheduled{at, runID, nodeID})
	return nil
}

func (s *fakeScheduler) list() []scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduled(nil), s.jobs...)
}

type fixture struct {
	runs  *memRuns
	eng   *fakeEngine
	sched *fakeScheduler
	orch  *Orchestrator
}

func newFixture(t *testing.T, maxRuns, perTenant int) *fixture {
	t.Helper()
	f := &fixture{runs: newMemRuns(), eng: &fakeEngine{}, sched: &fakeScheduler{}}
	f.orch = New(Config{
		Runs:                   f.runs,
		Versions:               memVersions{},
		Engine:                 f.eng,
		Scheduler:              f.sched,
		MaxConcurrentRuns:      maxRuns,
		MaxConcurrentPerTenant: perTenant,
		PollInterval:           20 * time.Millisecond,
		DrainTimeout:           time.Second,
		Logger:                 slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(f.orch.Stop)
	return f
}

func (f *fixture) waitStatus(t *testing.T, id uuid.UUID, want domain.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.runs.status(id) == want
	}, 2*time.Second, 5*time.Millisecond, "run %s never reached %s", id, want)
}

// --- slots ---

func TestSlots(t *testing.T) {
	tenantA, tenantB := uuid.New(), uuid.New()
	state := func(tenant uuid.UUID) *RunState {
		return NewRunState(&domain.Run{ID: uuid.New(), TenantID: tenant}, "")
	}

	s := newSlots(3, 2)
	a1, a2, a3 := state(tenantA), state(tenantA), state(tenantA)
	b1, b2 := state(tenantB), state(tenantB)

	require.NoError(t, s.admit(a1))
	assert.ErrorIs(t, s.admit(a1), ErrRunAlreadyActive)
	require.NoError(t, s.admit(a2))
	assert.ErrorIs(t, s.admit(a3), ErrNoCapacity, "tenant ceiling")
	require.NoError(t, s.admit(b1))
	assert.ErrorIs(t, s.admit(b2), ErrNoCapacity, "global ceiling")

	s.release(a1.RunID())
	require.NoError(t, s.admit(b2))

	stats := s.stats()
	assert.Equal(t, 3, stats.Active)
	assert.Equal(t, 1, stats.PerTenant[tenantA])
	assert.Equal(t, 2, stats.PerTenant[tenantB])

	s.release(a2.RunID())
	s.release(a2.RunID())
	_, ok := s.stats().PerTenant[tenantA]
	assert.False(t, ok)
}

// --- orchestration ---

func TestSubmit_Completes(t *testing.T) {
	f := newFixture(t, 5, 5)
	run := f.runs.add(uuid.New(), domain.RunStatusPending)

	require.NoError(t, f.orch.Submit(context.Background(), run.ID))
	f.waitStatus(t, run.ID, domain.RunStatusCompleted)

	stored, err := f.runs.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, true, stored.Context["done"])
	require.Eventually(t, func() bool { return f.orch.ActiveRunsCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSubmit_Rejections(t *testing.T) {
	f := newFixture(t, 5, 5)
	ctx := context.Background()

	done := f.runs.add(uuid.New(), domain.RunStatusCompleted)
	assert.ErrorIs(t, f.orch.Submit(ctx, done.ID), ErrRunNotPending)
	assert.ErrorIs(t, f.orch.Submit(ctx, uuid.New()), ErrRunNotFound)

	// RunPending глотает ошибки занятости, но не отсутствие run
	assert.NoError(t, f.orch.RunPending(ctx, done.ID))
	assert.ErrorIs(t, f.orch.RunPending(ctx, uuid.New()), ErrRunNotFound)
}

func TestConcurrencyCeilings(t *testing.T) {
	f := newFixture(t, 3, 2)
	release := make(chan struct{})
	f.eng.execute = blockUntilCancelled(release)
	ctx := context.Background()

	tenantA, tenantB := uuid.New(), uuid.New()
	a1 := f.runs.add(tenantA, domain.RunStatusPending)
	a2 := f.runs.add(tenantA, domain.RunStatusPending)
	a3 := f.runs.add(tenantA, domain.RunStatusPending)
	b1 := f.runs.add(tenantB, domain.RunStatusPending)
	b2 := f.runs.add(tenantB, domain.RunStatusPending)

	require.NoError(t, f.orch.Submit(ctx, a1.ID))
	require.NoError(t, f.orch.Submit(ctx, a2.ID))
	assert.ErrorIs(t, f.orch.Submit(ctx, a3.ID), ErrNoCapacity)
	require.NoError(t, f.orch.Submit(ctx, b1.ID))
	assert.ErrorIs(t, f.orch.Submit(ctx, b2.ID), ErrNoCapacity)

	assert.Equal(t, 3, f.orch.ActiveRunsCount())
	assert.Equal(t, domain.RunStatusPending, f.runs.status(a3.ID))

	close(release)
	f.waitStatus(t, a1.ID, domain.RunStatusCompleted)
	f.waitStatus(t, b1.ID, domain.RunStatusCompleted)
}

func TestSameRunNeverRunsTwice(t *testing.T) {
	f := newFixture(t, 5, 5)
	release := make(chan struct{})
	f.eng.execute = blockUntilCancelled(release)
	run := f.runs.add(uuid.New(), domain.RunStatusPending)

	require.NoError(t, f.orch.Submit(context.Background(), run.ID))
	err := f.orch.dispatch(run, "")
	assert.ErrorIs(t, err, ErrRunAlreadyActive)

	close(release)
	f.waitStatus(t, run.ID, domain.RunStatusCompleted)
}

func TestPollPicksUpPendingRuns(t *testing.T) {
	f := newFixture(t, 5, 5)
	tenant := uuid.New()
	r1 := f.runs.add(tenant, domain.RunStatusPending)
	r2 := f.runs.add(tenant, domain.RunStatusPending)

	require.NoError(t, f.orch.Start(context.Background()))

	f.waitStatus(t, r1.ID, domain.RunStatusCompleted)
	f.waitStatus(t, r2.ID, domain.RunStatusCompleted)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, 5, 5)
	f.eng.execute = blockUntilCancelled(make(chan struct{}))
	run := f.runs.add(uuid.New(), domain.RunStatusPending)

	require.NoError(t, f.orch.Submit(context.Background(), run.ID))
	f.waitStatus(t, run.ID, domain.RunStatusRunning)

	// сервис уже записал cancelled; исполнитель не должен его перезаписать
	f.runs.setStatus(run.ID, domain.RunStatusCancelled)
	require.NoError(t, f.orch.RunCancelled(context.Background(), run.ID))

	require.Eventually(t, func() bool { return f.orch.ActiveRunsCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.RunStatusCancelled, f.runs.status(run.ID))
	assert.False(t, f.orch.Cancel(run.ID))
}

func TestSuspendAndResume(t *testing.T) {
	f := newFixture(t, 5, 5)
	resumeAt := time.Now().Add(time.Hour)
	f.eng.execute = func(context.Context, *domain.Run) *executor.Outcome {
		return &executor.Outcome{
			Status:        domain.RunStatusWaiting,
			Context:       map[string]any{"trigger": map[string]any{}},
			WaitingNodeID: "delay",
			ResumeAt:      &resumeAt,
		}
	}
	run := f.runs.add(uuid.New(), domain.RunStatusPending)

	require.NoError(t, f.orch.Submit(context.Background(), run.ID))
	f.waitStatus(t, run.ID, domain.RunStatusWaiting)
	require.Eventually(t, func() bool { return len(f.sched.list()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, scheduled{resumeAt, run.ID, "delay"}, f.sched.list()[0])
	require.Eventually(t, func() bool { return f.orch.ActiveRunsCount() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.orch.Resume(context.Background(), run.ID, "delay"))
	f.waitStatus(t, run.ID, domain.RunStatusCompleted)
	assert.Equal(t, []string{"delay"}, f.eng.resumedNodes())
}

func TestResume_SkipsNonWaiting(t *testing.T) {
	f := newFixture(t, 5, 5)
	run := f.runs.add(uuid.New(), domain.RunStatusCancelled)

	require.NoError(t, f.orch.Resume(context.Background(), run.ID, "delay"))
	require.NoError(t, f.orch.Resume(context.Background(), uuid.New(), "delay"))
	assert.Empty(t, f.eng.resumedNodes())
	assert.Equal(t, domain.RunStatusCancelled, f.runs.status(run.ID))
}

func TestResume_DeferredWithoutCapacity(t *testing.T) {
	f := newFixture(t, 1, 1)
	release := make(chan struct{})
	f.eng.execute = blockUntilCancelled(release)
	tenant := uuid.New()

	busy := f.runs.add(tenant, domain.RunStatusPending)
	waiting := f.runs.add(tenant, domain.RunStatusWaiting)
	require.NoError(t, f.orch.Submit(context.Background(), busy.ID))

	require.NoError(t, f.orch.Resume(context.Background(), waiting.ID, "wait"))
	jobs := f.sched.list()
	require.Len(t, jobs, 1)
	assert.Equal(t, waiting.ID, jobs[0].runID)
	assert.True(t, jobs[0].at.After(time.Now()))
	assert.Equal(t, domain.RunStatusWaiting, f.runs.status(waiting.ID))

	close(release)
}

func TestMissingVersionFailsRun(t *testing.T) {
	f := newFixture(t, 5, 5)
	f.orch.versions = memVersions{missing: true}
	run := f.runs.add(uuid.New(), domain.RunStatusPending)

	require.NoError(t, f.orch.Submit(context.Background(), run.ID))
	f.waitStatus(t, run.ID, domain.RunStatusFailed)

	stored, err := f.runs.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Error, ErrVersionNotFound.Error())
}

func TestStopRejectsNewRuns(t *testing.T) {
	f := newFixture(t, 5, 5)
	f.orch.Stop()

	run := f.runs.add(uuid.New(), domain.RunStatusPending)
	assert.ErrorIs(t, f.orch.Submit(context.Background(), run.ID), ErrOrchestratorStopped)
	assert.True(t, f.orch.IsStopped())
}

// --- message handlers ---

func message(t *testing.T, msgType mq.MessageType, payload any) *mq.Message {
	t.Helper()
	msg, err := mq.NewMessage(msgType, payload)
	require.NoError(t, err)
	return msg
}

func TestHandleRunControl(t *testing.T) {
	f := newFixture(t, 5, 5)
	ctx := context.Background()

	err := f.orch.handleRunControl(ctx, message(t, mq.MessageTypeRunPending, mq.RunPayload{RunID: uuid.New()}))
	assert.ErrorIs(t, err, mq.ErrPoison)

	bad := &mq.Message{Type: mq.MessageTypeRunResume, Payload: json.RawMessage(`"oops"`)}
	assert.ErrorIs(t, f.orch.handleRunControl(ctx, bad), mq.ErrPoison)

	run := f.runs.add(uuid.New(), domain.RunStatusWaiting)
	err = f.orch.handleRunControl(ctx, message(t, mq.MessageTypeRunResume,
		mq.RunResumePayload{RunID: run.ID, NodeID: "wait"}))
	require.NoError(t, err)
	f.waitStatus(t, run.ID, domain.RunStatusCompleted)

	err = f.orch.handleRunControl(ctx, message(t, mq.MessageTypeRunCancelled, mq.RunPayload{RunID: uuid.New()}))
	assert.NoError(t, err)
}

func TestHandleRunPending(t *testing.T) {
	f := newFixture(t, 5, 5)
	run := f.runs.add(uuid.New(), domain.RunStatusPending)

	require.NoError(t, f.orch.handleRunPending(context.Background(),
		message(t, mq.MessageTypeRunPending, mq.RunPayload{RunID: run.ID})))
	f.waitStatus(t, run.ID, domain.RunStatusCompleted)

	// неизвестный run подтверждается без повторной доставки
	assert.NoError(t, f.orch.handleRunPending(context.Background(),
		message(t, mq.MessageTypeRunPending, mq.RunPayload{RunID: uuid.New()})))
}

// fakeEvents: EventTrigger с заданным результатом.
type fakeEvents struct {
	runs []domain.Run
	err  error
}

func (e fakeEvents) TriggerEvent(context.Context, uuid.UUID, string, map[string]any) ([]domain.Run, error) {
	return e.runs, e.err
}

func TestHandleEventInbound(t *testing.T) {
	msg := func(t *testing.T) *mq.Message {
		return message(t, mq.MessageTypeEventInbound, mq.EventInboundPayload{
			TenantID: uuid.New(), TriggerType: "message_received_trigger",
			Payload: map[string]any{"channel": "whatsapp"},
		})
	}
	transient := errors.New("db timeout")

	tests := []struct {
		name       string
		events     fakeEvents
		wantErr    bool
		wantPoison bool
	}{
		{"runs created", fakeEvents{runs: []domain.Run{{ID: uuid.New()}}}, false, false},
		{"unknown trigger type", fakeEvents{err: &workflows.ValidationError{Errors: []string{"unknown trigger type"}}}, true, true},
		{"transient failure", fakeEvents{err: transient}, true, false},
		{"partial failure acked", fakeEvents{runs: []domain.Run{{ID: uuid.New()}}, err: transient}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 5, 5)
			f.orch.events = tt.events

			err := f.orch.handleEventInbound(context.Background(), msg(t))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantPoison, errors.Is(err, mq.ErrPoison))
		})
	}
}
