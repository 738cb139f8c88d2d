package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	query  string
	auth   string
	tenant string
	body   map[string]any
}

// fakeAPI отвечает заранее заданными телами по "METHOD path".
func fakeAPI(t *testing.T, responses map[string]struct {
	status int
	body   string
}) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			auth:   r.Header.Get("Authorization"),
			tenant: r.Header.Get("X-Tenant-ID"),
		}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			assert.NoError(t, json.Unmarshal(data, &rec.body))
		}
		calls = append(calls, rec)

		resp, ok := responses[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":"NOT_FOUND","message":"not found"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		w.Write([]byte(resp.body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestParseGraph(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		nodes   int
	}{
		{
			name: "yaml",
			input: `
name: Welcome
nodes:
  - id: t
    type: manual_trigger
  - id: out
    type: output
    data:
      config:
        value: "{{trigger.name}}"
edges:
  - source: t
    target: out
`,
			nodes: 2,
		},
		{
			name:  "json",
			input: `{"name":"Welcome","nodes":[{"id":"t","type":"manual_trigger"}],"edges":[]}`,
			nodes: 1,
		},
		{
			name:    "node without type",
			input:   "nodes:\n  - id: t\n",
			wantErr: true,
		},
		{
			name:    "not a mapping",
			input:   "- a\n- b\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := ParseGraph([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "Welcome", g.Name)
			assert.Len(t, g.Nodes, tt.nodes)

			_, err = json.Marshal(g)
			assert.NoError(t, err)
		})
	}
}

func TestParseData(t *testing.T) {
	m, err := ParseData(`{"email":"a@b.c","n":2}`)
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", m["email"])

	path := filepath.Join(t.TempDir(), "data.yaml")
	require.NoError(t, os.WriteFile(path, []byte("email: x@y.z\n"), 0o600))
	m, err = ParseData("@" + path)
	require.NoError(t, err)
	assert.Equal(t, "x@y.z", m["email"])

	m, err = ParseData("")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestClient_HeadersAndErrors(t *testing.T) {
	srv, calls := fakeAPI(t, map[string]struct {
		status int
		body   string
	}{
		"GET /api/v1/workflows/runs": {200, `{"data":[{"id":"r1","status":"failed"}],"total":7}`},
		"POST /api/v1/workflows":     {400, `{"error":{"code":"VALIDATION_FAILED","message":"validation failed","details":["cycle detected"]}}`},
	})

	client := NewClient(srv.URL+"/", ClientOptions{Token: "tok", Tenant: "t-1"})

	runs, total, err := client.ListRuns(ListOpts{Status: "failed", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)

	_, err = client.CreateWorkflow(&GraphFile{Name: "x"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Contains(t, err.Error(), "cycle detected")

	require.Len(t, *calls, 2)
	first := (*calls)[0]
	assert.Equal(t, "Bearer tok", first.auth)
	assert.Equal(t, "t-1", first.tenant)
	assert.Contains(t, first.query, "status=failed")
	assert.Contains(t, first.query, "limit=5")
}

func TestClient_ExecuteNodeFailure(t *testing.T) {
	srv, _ := fakeAPI(t, map[string]struct {
		status int
		body   string
	}{
		"POST /api/v1/workflows/w1/execute-node": {400, `{"error":{"code":"NODE_FAILED","message":"boom","details":{"node_id":"b","success":false,"error":"boom","failed_node_id":"b","nodes":[{"node_id":"a","status":"completed"},{"node_id":"b","status":"failed","error":"boom"}],"upstream_outputs":{"a":1}}}}`},
	})

	res, err := NewClient(srv.URL, ClientOptions{}).ExecuteNode("w1", ExecuteNodeRequest{NodeID: "b"})
	require.Error(t, err)
	assert.Equal(t, "b", res.FailedNodeID)
	assert.Len(t, res.Nodes, 2)
	assert.Equal(t, float64(1), res.UpstreamOutputs["a"])
}

func runCmd(t *testing.T, srvURL string, jsonMode bool, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	clientFn := func() *Client { return NewClient(srvURL, ClientOptions{Tenant: "t-1"}) }
	outputFn := func() *Output { return NewOutputTo(&stdout, &stderr, jsonMode) }

	root := &cobra.Command{Use: "crmflow", SilenceUsage: true, SilenceErrors: true}
	root.AddCommand(
		NewWorkflowCmd(clientFn, outputFn),
		NewRunCmd(clientFn, outputFn),
		NewNodeTypesCmd(clientFn, outputFn),
	)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestWorkflowCreateFromFile(t *testing.T) {
	srv, calls := fakeAPI(t, map[string]struct {
		status int
		body   string
	}{
		"POST /api/v1/workflows": {201, `{"data":{"workflow":{"id":"w1","name":"Override","status":"draft"},"versions":[]}}`},
	})

	path := filepath.Join(t.TempDir(), "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: FromFile\nnodes:\n  - id: t\n    type: manual_trigger\n"), 0o600))

	stdout, stderr, err := runCmd(t, srv.URL, false, "workflow", "create", "-f", path, "--name", "Override")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Workflow created: w1")
	assert.Contains(t, stdout, "Override")

	require.Len(t, *calls, 1)
	body := (*calls)[0].body
	assert.Equal(t, "Override", body["name"])
	assert.Len(t, body["nodes"], 1)
}

func TestWorkflowPublishDefaultsToLatest(t *testing.T) {
	srv, calls := fakeAPI(t, map[string]struct {
		status int
		body   string
	}{
		"GET /api/v1/workflows/w1":          {200, `{"data":{"workflow":{"id":"w1"},"version":{"id":"v3","version_number":3},"versions":[]}}`},
		"POST /api/v1/workflows/w1/publish": {200, `{"data":{"id":"v3","version_number":3,"is_published":true}}`},
	})

	_, stderr, err := runCmd(t, srv.URL, false, "workflow", "publish", "w1")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Version 3 published")

	require.Len(t, *calls, 2)
	assert.Equal(t, "v3", (*calls)[1].body["version_id"])
}

func TestWorkflowTrigger_JSONOutput(t *testing.T) {
	srv, calls := fakeAPI(t, map[string]struct {
		status int
		body   string
	}{
		"POST /api/v1/workflows/trigger/w1": {202, `{"data":{"run_id":"r9","status":"pending"}}`},
	})

	stdout, _, err := runCmd(t, srv.URL, true, "workflow", "trigger", "w1", "-d", `{"email":"a@b.c"}`)
	require.NoError(t, err)

	var res TriggerResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, "r9", res.RunID)

	data := (*calls)[0].body["data"].(map[string]any)
	assert.Equal(t, "a@b.c", data["email"])
}

func TestRunCancel_NotCancellable(t *testing.T) {
	srv, _ := fakeAPI(t, map[string]struct {
		status int
		body   string
	}{
		"POST /api/v1/workflows/runs/r1/cancel": {409, `{"error":{"code":"CONFLICT","message":"conflict: run is not cancellable"}}`},
	})

	_, _, err := runCmd(t, srv.URL, false, "run", "cancel", "r1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not cancellable")
}

func TestNodeTypesList(t *testing.T) {
	srv, calls := fakeAPI(t, map[string]struct {
		status int
		body   string
	}{
		"GET /api/v1/workflows/node-definitions": {200, `{"data":[{"type":"manual_trigger","category":"triggers","is_trigger":true,"label":"Manual"}],"total":1}`},
	})

	stdout, _, err := runCmd(t, srv.URL, false, "node-types", "list", "--category", "triggers")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, "TYPE"))
	assert.Contains(t, stdout, "manual_trigger")
	assert.Equal(t, "category=triggers", (*calls)[0].query)
}
