package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/crmflow/internal/domain"
	"github.com/shaiso/crmflow/internal/executor"
	"github.com/shaiso/crmflow/internal/nodes"
	"github.com/shaiso/crmflow/internal/repo"
)

type fixture struct {
	svc    *Service
	db     *memDB
	rec    *recorder
	tenant uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newMemDB()
	rec := newRecorder()
	registry := nodes.DefaultRegistry()
	svc := New(Config{
		Workflows: memWorkflows{db},
		Versions:  memVersions{db},
		Runs:      memRuns{db},
		Results:   memResults{db},
		Jobs:      rec,
		Triggers:  rec,
		Notifier:  rec,
		Executor:  executor.New(executor.Config{Registry: registry}),
		Registry:  registry,
		RateLimit: RateLimit{MaxRuns: 10, Window: time.Minute},
	})
	return &fixture{svc: svc, db: db, rec: rec, tenant: uuid.New()}
}

func graph() GraphInput {
	return GraphInput{
		Nodes: []domain.Node{
			{ID: "trigger", Type: nodes.TypeManualTrigger},
			{ID: "greet", Type: nodes.TypeSetVariable, Data: domain.NodeData{Config: map[string]any{
				"name": "greeting", "value": "Hello {{ trigger.name }}",
			}}},
		},
		Edges: []domain.Edge{{Source: "trigger", Target: "greet"}},
	}
}

// published создаёт и публикует workflow.
func (f *fixture) published(t *testing.T, name string, in GraphInput) *domain.Workflow {
	t.Helper()
	ctx := context.Background()
	detail, err := f.svc.Create(ctx, f.tenant, CreateInput{Name: name, GraphInput: in})
	require.NoError(t, err)
	_, err = f.svc.Publish(ctx, f.tenant, detail.Workflow.ID, detail.Version.ID)
	require.NoError(t, err)
	return detail.Workflow
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	detail, err := f.svc.Create(ctx, f.tenant, CreateInput{Name: "  Welcome  ", GraphInput: graph()})
	require.NoError(t, err)
	assert.Equal(t, "Welcome", detail.Workflow.Name)
	assert.Equal(t, domain.WorkflowStatusDraft, detail.Workflow.Status)
	assert.Equal(t, 1, detail.Version.VersionNumber)
	assert.False(t, detail.Version.IsPublished)

	_, err = f.svc.Create(ctx, f.tenant, CreateInput{Name: "Welcome"})
	assert.ErrorIs(t, err, ErrDuplicateName)
	assert.ErrorIs(t, err, ErrConflict)

	// пустой граф допустим
	_, err = f.svc.Create(ctx, f.tenant, CreateInput{Name: "Empty"})
	assert.NoError(t, err)
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name  string
		input CreateInput
	}{
		{"empty name", CreateInput{Name: " "}},
		{"cycle", CreateInput{Name: "c", GraphInput: GraphInput{
			Nodes: []domain.Node{{ID: "a", Type: nodes.TypeOutput}, {ID: "b", Type: nodes.TypeOutput}},
			Edges: []domain.Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
		}}},
		{"dangling edge", CreateInput{Name: "d", GraphInput: GraphInput{
			Nodes: []domain.Node{{ID: "a", Type: nodes.TypeOutput}},
			Edges: []domain.Edge{{Source: "a", Target: "missing"}},
		}}},
		{"duplicate ids", CreateInput{Name: "dup", GraphInput: GraphInput{
			Nodes: []domain.Node{{ID: "a", Type: nodes.TypeOutput}, {ID: "a", Type: nodes.TypeOutput}},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Create(context.Background(), f.tenant, tt.input)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.NotEmpty(t, verr.Errors)
			assert.Empty(t, f.db.workflows)
		})
	}
}

func TestGet_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	detail, err := f.svc.Create(ctx, f.tenant, CreateInput{Name: "wf", GraphInput: graph()})
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, uuid.New(), detail.Workflow.ID, 0)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := f.svc.Get(ctx, f.tenant, detail.Workflow.ID, 0)
	require.NoError(t, err)
	assert.Len(t, got.Versions, 1)

	_, err = f.svc.Get(ctx, f.tenant, detail.Workflow.ID, 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wf := f.published(t, "wf", graph())

	v2, err := f.svc.SaveVersion(ctx, f.tenant, wf.ID, graph())
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionNumber)
	assert.False(t, v2.IsPublished)

	// черновик без триггера допустим
	_, err = f.svc.SaveVersion(ctx, f.tenant, wf.ID, GraphInput{
		Nodes: []domain.Node{{ID: "o", Type: nodes.TypeOutput}},
	})
	assert.NoError(t, err)

	status := domain.WorkflowStatusArchived
	_, err = f.svc.Update(ctx, f.tenant, wf.ID, UpdateInput{Status: &status})
	require.NoError(t, err)

	_, err = f.svc.SaveVersion(ctx, f.tenant, wf.ID, graph())
	assert.ErrorIs(t, err, ErrArchived)
}

func TestPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := graph()
	in.Nodes = append(in.Nodes, domain.Node{
		ID: "nightly", Type: nodes.TypeScheduleTrigger,
		Data: domain.NodeData{Config: map[string]any{"cron": "0 9 * * *"}},
	})
	in.Edges = append(in.Edges, domain.Edge{Source: "nightly", Target: "greet"})

	detail, err := f.svc.Create(ctx, f.tenant, CreateInput{Name: "wf", GraphInput: in})
	require.NoError(t, err)

	published, err := f.svc.Publish(ctx, f.tenant, detail.Workflow.ID, detail.Version.ID)
	require.NoError(t, err)
	assert.True(t, published.IsPublished)

	wf := f.db.workflows[detail.Workflow.ID]
	assert.Equal(t, domain.WorkflowStatusActive, wf.Status)
	assert.Equal(t, nodes.TypeManualTrigger, wf.TriggerType)
	assert.Equal(t, []string{nodes.TypeManualTrigger, nodes.TypeScheduleTrigger}, wf.TriggerTypes)
	assert.Len(t, f.rec.synced[wf.ID], 3)

	// публикация второй версии оставляет опубликованной только её
	v2, err := f.svc.SaveVersion(ctx, f.tenant, wf.ID, in)
	require.NoError(t, err)
	_, err = f.svc.Publish(ctx, f.tenant, wf.ID, v2.ID)
	require.NoError(t, err)

	count := 0
	for _, v := range f.db.versions {
		if v.WorkflowID == wf.ID && v.IsPublished {
			count++
			assert.Equal(t, v2.ID, v.ID)
		}
	}
	assert.Equal(t, 1, count)
}

func TestSaveVersion_UnpublishesPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := graph()
	in.Nodes = append(in.Nodes, domain.Node{
		ID: "nightly", Type: nodes.TypeScheduleTrigger,
		Data: domain.NodeData{Config: map[string]any{"cron": "0 9 * * *"}},
	})
	wf := f.published(t, "wf", in)
	require.NotEmpty(t, f.rec.synced[wf.ID])

	v2, err := f.svc.SaveVersion(ctx, f.tenant, wf.ID, graph())
	require.NoError(t, err)
	assert.False(t, v2.IsPublished)

	for _, v := range f.db.versions {
		if v.WorkflowID == wf.ID {
			assert.False(t, v.IsPublished, "version %d", v.VersionNumber)
		}
	}
	assert.Equal(t, domain.WorkflowStatusDraft, f.db.workflows[wf.ID].Status)
	assert.Empty(t, f.rec.synced[wf.ID])

	_, err = f.svc.Trigger(ctx, f.tenant, wf.ID, map[string]any{"name": "Ann"})
	assert.ErrorIs(t, err, ErrNotActive)

	_, err = f.svc.Publish(ctx, f.tenant, wf.ID, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusActive, f.db.workflows[wf.ID].Status)
}

func TestPublish_ExpressionConfig(t *testing.T) {
	f := newFixture(t)

	wf := f.published(t, "follow-up", GraphInput{
		Nodes: []domain.Node{
			{ID: "trigger", Type: nodes.TypeManualTrigger},
			{ID: "N1", Type: nodes.TypeSetVariable, Data: domain.NodeData{Config: map[string]any{
				"name": "email", "value": "{{ trigger.email }}",
			}}},
			{ID: "wait", Type: nodes.TypeDelay, Data: domain.NodeData{Config: map[string]any{
				"duration_sec": "{{ trigger.wait_sec }}",
			}}},
			{ID: "remind", Type: nodes.TypeDelay, Data: domain.NodeData{Config: map[string]any{
				"until": "{{ trigger.due }}",
			}}},
			{ID: "shape", Type: nodes.TypeTransform, Data: domain.NodeData{Config: map[string]any{
				"mappings": "{{ N1 }}",
			}}},
		},
		Edges: []domain.Edge{
			{Source: "trigger", Target: "N1"},
			{Source: "N1", Target: "wait"},
			{Source: "wait", Target: "remind"},
			{Source: "remind", Target: "shape"},
		},
	})

	assert.Equal(t, domain.WorkflowStatusActive, f.db.workflows[wf.ID].Status)
}

func TestPublish_InvalidGraphChangesNothing(t *testing.T) {
	tests := []struct {
		name  string
		graph GraphInput
	}{
		{"no trigger", GraphInput{Nodes: []domain.Node{{ID: "o", Type: nodes.TypeOutput}}}},
		{"bad cron", GraphInput{Nodes: []domain.Node{{
			ID: "s", Type: nodes.TypeScheduleTrigger,
			Data: domain.NodeData{Config: map[string]any{"cron": "every day"}},
		}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			detail, err := f.svc.Create(ctx, f.tenant, CreateInput{Name: "wf", GraphInput: tt.graph})
			require.NoError(t, err)

			_, err = f.svc.Publish(ctx, f.tenant, detail.Workflow.ID, detail.Version.ID)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)

			assert.Equal(t, domain.WorkflowStatusDraft, f.db.workflows[detail.Workflow.ID].Status)
			assert.False(t, f.db.versions[detail.Version.ID].IsPublished)
			assert.Empty(t, f.rec.synced)
		})
	}
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	detail, err := f.svc.Create(ctx, f.tenant, CreateInput{Name: "wf", GraphInput: graph()})
	require.NoError(t, err)
	id := detail.Workflow.ID

	active := domain.WorkflowStatusActive
	_, err = f.svc.Update(ctx, f.tenant, id, UpdateInput{Status: &active})
	assert.ErrorIs(t, err, ErrNotPublished)

	name := "renamed"
	wf, err := f.svc.Update(ctx, f.tenant, id, UpdateInput{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", wf.Name)

	archived := domain.WorkflowStatusArchived
	_, err = f.svc.Update(ctx, f.tenant, id, UpdateInput{Status: &archived})
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, f.tenant, id, UpdateInput{Name: &name})
	assert.ErrorIs(t, err, ErrArchived)

	_, err = f.svc.Publish(ctx, f.tenant, id, detail.Version.ID)
	assert.ErrorIs(t, err, ErrArchived)
}

func TestUpdate_ResyncsTriggers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wf := f.published(t, "wf", graph())
	require.NotEmpty(t, f.rec.synced[wf.ID])

	draft := domain.WorkflowStatusDraft
	_, err := f.svc.Update(ctx, f.tenant, wf.ID, UpdateInput{Status: &draft})
	require.NoError(t, err)
	assert.Empty(t, f.rec.synced[wf.ID])

	active := domain.WorkflowStatusActive
	_, err = f.svc.Update(ctx, f.tenant, wf.ID, UpdateInput{Status: &active})
	require.NoError(t, err)
	assert.NotEmpty(t, f.rec.synced[wf.ID])
}

func TestTrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wf := f.published(t, "wf", graph())

	run, err := f.svc.Trigger(ctx, f.tenant, wf.ID, map[string]any{"name": "Ann"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPending, run.Status)
	assert.Equal(t, TriggerTypeManual, run.TriggerType)
	assert.Equal(t, []uuid.UUID{run.ID}, f.rec.pending)

	_, err = f.svc.Trigger(ctx, uuid.New(), wf.ID, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTrigger_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft, err := f.svc.Create(ctx, f.tenant, CreateInput{Name: "draft", GraphInput: graph()})
	require.NoError(t, err)
	_, err = f.svc.Trigger(ctx, f.tenant, draft.Workflow.ID, nil)
	assert.ErrorIs(t, err, ErrNotActive)

	wf := f.published(t, "wf", graph())
	f.db.rateLimitErr = &repo.RateLimitError{Limit: 10, Window: time.Minute, RetryAfter: 30 * time.Second}

	_, err = f.svc.Trigger(ctx, f.tenant, wf.ID, nil)
	var rle *RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, 30*time.Second, rle.RetryAfter)
	assert.Empty(t, f.db.runs)
	assert.Empty(t, f.rec.pending)

	// запуск по расписанию лимитом не ограничен
	run, err := f.svc.TriggerScheduled(ctx, f.tenant, wf.ID, map[string]any{"scheduled_at": "now"})
	require.NoError(t, err)
	assert.Equal(t, nodes.TypeScheduleTrigger, run.TriggerType)
}

func TestTriggerEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	listener := func(channel string) GraphInput {
		return GraphInput{Nodes: []domain.Node{{
			ID: "msg", Type: nodes.TypeMessageReceivedTrigger,
			Data: domain.NodeData{Config: map[string]any{"channel": channel}},
		}}}
	}
	anyChannel := f.published(t, "any", listener(""))
	emailOnly := f.published(t, "email", listener("email"))
	f.published(t, "sms", listener("sms"))
	f.published(t, "manual", graph())

	runs, err := f.svc.TriggerEvent(ctx, f.tenant, nodes.TypeMessageReceivedTrigger, map[string]any{"channel": "email"})
	require.NoError(t, err)

	started := map[uuid.UUID]bool{}
	for _, r := range runs {
		started[r.WorkflowID] = true
		assert.Equal(t, nodes.TypeMessageReceivedTrigger, r.TriggerType)
	}
	assert.Equal(t, map[uuid.UUID]bool{anyChannel.ID: true, emailOnly.ID: true}, started)

	_, err = f.svc.TriggerEvent(ctx, f.tenant, "no_such_trigger", nil)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wf := f.published(t, "wf", graph())
	run, err := f.svc.Trigger(ctx, f.tenant, wf.ID, nil)
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, f.tenant, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, cancelled.Status)
	assert.Equal(t, []uuid.UUID{run.ID}, f.rec.cancelled)
	assert.Equal(t, []uuid.UUID{run.ID}, f.rec.jobs)

	_, err = f.svc.Cancel(ctx, f.tenant, run.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)

	_, err = f.svc.Cancel(ctx, uuid.New(), run.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wf := f.published(t, "wf", graph())
	run, err := f.svc.Trigger(ctx, f.tenant, wf.ID, nil)
	require.NoError(t, err)
	f.db.logs[run.ID] = []domain.RunLog{{RunID: run.ID, Message: "run started"}}

	logs, err := f.svc.RunLogs(ctx, f.tenant, run.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	_, err = f.svc.RunLogs(ctx, uuid.New(), run.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.RunNodeResults(ctx, uuid.New(), run.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	bad := domain.RunStatus("bogus")
	_, _, err = f.svc.ListRuns(ctx, domain.RunFilter{TenantID: f.tenant, Status: &bad})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	runs, total, err := f.svc.ListRuns(ctx, domain.RunFilter{TenantID: f.tenant})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, runs, 1)
}

func TestTestTrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	detail, err := f.svc.Create(ctx, f.tenant, CreateInput{Name: "wf", GraphInput: graph()})
	require.NoError(t, err)

	sim, err := f.svc.TestTrigger(ctx, f.tenant, detail.Workflow.ID, TestTriggerInput{
		TriggerData: map[string]any{"name": "Ann"},
	})
	require.NoError(t, err)
	assert.True(t, sim.Validation.Valid)
	assert.Equal(t, []string{"trigger", "greet"}, sim.ExecutionOrder)
	// никаких run
	assert.Empty(t, f.db.runs)
}

func TestExecuteNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	detail, err := f.svc.Create(ctx, f.tenant, CreateInput{Name: "wf", GraphInput: graph()})
	require.NoError(t, err)
	id := detail.Workflow.ID

	res, err := f.svc.ExecuteNode(ctx, f.tenant, id, ExecuteNodeInput{
		NodeID:          "greet",
		TriggerData:     map[string]any{"name": "Ann"},
		ExecuteUpstream: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"greeting": "Hello Ann"}, res.Output)
	assert.Contains(t, res.UpstreamOutputs, "trigger")

	// несохранённый граф редактора
	res, err = f.svc.ExecuteNode(ctx, f.tenant, id, ExecuteNodeInput{
		NodeID: "only",
		Nodes: []domain.Node{{ID: "only", Type: nodes.TypeSetVariable, Data: domain.NodeData{
			Config: map[string]any{"name": "x", "value": 1},
		}}},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = f.svc.ExecuteNode(ctx, f.tenant, id, ExecuteNodeInput{NodeID: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.ExecuteNode(ctx, f.tenant, id, ExecuteNodeInput{})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestTriggerSchema(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wf := f.published(t, "wf", graph())
	schemas, err := f.svc.TriggerSchema(ctx, f.tenant, wf.ID)
	require.NoError(t, err)
	require.Len(t, schemas, 1)
	assert.Equal(t, nodes.TypeManualTrigger, schemas[0].Type)
	assert.NotEmpty(t, schemas[0].Example)
}
