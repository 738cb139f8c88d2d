package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// --- Response types (дублируются из domain, CLI не импортирует internal пакеты) ---

// Workflow: workflow из API.
type Workflow struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Status       string   `json:"status"`
	TriggerType  string   `json:"trigger_type,omitempty"`
	TriggerTypes []string `json:"trigger_types,omitempty"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

// WorkflowSummary: строка списка workflows.
type WorkflowSummary struct {
	Workflow
	LatestVersion int  `json:"latest_version"`
	IsPublished   bool `json:"is_published"`
	RunCount      int  `json:"run_count"`
}

// Version: версия графа.
type Version struct {
	ID            string           `json:"id"`
	WorkflowID    string           `json:"workflow_id"`
	VersionNumber int              `json:"version_number"`
	Nodes         []map[string]any `json:"nodes"`
	Edges         []map[string]any `json:"edges"`
	Variables     map[string]any   `json:"variables,omitempty"`
	Settings      map[string]any   `json:"settings,omitempty"`
	IsPublished   bool             `json:"is_published"`
	PublishedAt   string           `json:"published_at,omitempty"`
	CreatedBy     string           `json:"created_by,omitempty"`
	CreatedAt     string           `json:"created_at"`
}

// VersionSummary: версия без графа.
type VersionSummary struct {
	ID            string `json:"id"`
	VersionNumber int    `json:"version_number"`
	IsPublished   bool   `json:"is_published"`
	PublishedAt   string `json:"published_at,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// WorkflowDetail: workflow с выбранной версией.
type WorkflowDetail struct {
	Workflow *Workflow        `json:"workflow"`
	Version  *Version         `json:"version,omitempty"`
	Versions []VersionSummary `json:"versions"`
}

// Run: run из API.
type Run struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	VersionID   string         `json:"version_id"`
	TriggerType string         `json:"trigger_type"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	Status      string         `json:"status"`
	Error       string         `json:"error,omitempty"`
	StartedAt   string         `json:"started_at,omitempty"`
	CompletedAt string         `json:"completed_at,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

// RunLog: запись лога run.
type RunLog struct {
	NodeID    string         `json:"node_id,omitempty"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// NodeResult: результат узла run.
type NodeResult struct {
	NodeID      string `json:"node_id"`
	NodeType    string `json:"node_type"`
	Status      string `json:"status"`
	Output      any    `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	Attempts    int    `json:"attempts"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at"`
}

// NodeDefinition: тип узла из каталога.
type NodeDefinition struct {
	Type           string           `json:"type"`
	Label          string           `json:"label"`
	Description    string           `json:"description"`
	Category       string           `json:"category"`
	IsTrigger      bool             `json:"is_trigger"`
	Fields         []map[string]any `json:"fields,omitempty"`
	ExamplePayload map[string]any   `json:"example_payload,omitempty"`
}

// Category: категория каталога.
type Category struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TriggerResult: ответ ручного запуска.
type TriggerResult struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// TriggerSchema: пример payload trigger-узла.
type TriggerSchema struct {
	NodeID  string         `json:"node_id"`
	Type    string         `json:"type"`
	Label   string         `json:"label"`
	Example map[string]any `json:"example"`
}

// Simulation: результат dry-run.
type Simulation struct {
	Validation struct {
		Valid  bool     `json:"valid"`
		Errors []string `json:"errors,omitempty"`
	} `json:"validation"`
	ExecutionOrder []string         `json:"execution_order"`
	Nodes          []map[string]any `json:"nodes"`
}

// NodeTestResult: результат execute-node.
type NodeTestResult struct {
	NodeID       string `json:"node_id"`
	Success      bool   `json:"success"`
	Output       any    `json:"output,omitempty"`
	Error        string `json:"error,omitempty"`
	FailedNodeID string `json:"failed_node_id,omitempty"`
	Nodes        []struct {
		NodeID     string `json:"node_id"`
		NodeType   string `json:"node_type"`
		Status     string `json:"status"`
		Error      string `json:"error,omitempty"`
		DurationMs int64  `json:"duration_ms"`
	} `json:"nodes"`
	UpstreamOutputs map[string]any `json:"upstream_outputs"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
}

// --- Request types ---

// UpdateWorkflowRequest: обновление workflow.
type UpdateWorkflowRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
}

// ExecuteNodeRequest: отладочный запуск узла.
type ExecuteNodeRequest struct {
	NodeID          string         `json:"node_id"`
	TriggerData     map[string]any `json:"trigger_data,omitempty"`
	ExecuteUpstream bool           `json:"execute_upstream"`
	VersionID       string         `json:"version_id,omitempty"`
}

// ListOpts: фильтр и пагинация списков.
type ListOpts struct {
	WorkflowID string
	Status     string
	Limit      int
	Offset     int
}

func (o ListOpts) values() url.Values {
	params := url.Values{}
	if o.WorkflowID != "" {
		params.Set("workflow_id", o.WorkflowID)
	}
	if o.Status != "" {
		params.Set("status", o.Status)
	}
	if o.Limit > 0 {
		params.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		params.Set("offset", strconv.Itoa(o.Offset))
	}
	return params
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details,omitempty"`
	} `json:"error"`
}

// APIError: ошибка, возвращённая API.
type APIError struct {
	Status  int
	Code    string
	Message string

	// Details: необработанное поле details (ошибки валидации,
	// результат упавшего узла в execute-node).
	Details json.RawMessage
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	var list []string
	if len(e.Details) > 0 && json.Unmarshal(e.Details, &list) == nil && len(list) > 0 {
		msg += "\n  - " + strings.Join(list, "\n  - ")
	}
	return msg
}

// --- Client ---

// Client: HTTP-клиент для crmflow API.
type Client struct {
	baseURL    string
	token      string
	tenant     string
	httpClient *http.Client
}

// ClientOptions: параметры аутентификации.
// Tenant отправляется в X-Tenant-ID и работает только в dev режиме API.
type ClientOptions struct {
	Token  string
	Tenant string
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string, opts ClientOptions) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   opts.Token,
		tenant:  opts.Tenant,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

const workflowsPath = "/api/v1/workflows"

// --- Workflows ---

// ListWorkflows возвращает workflows и общее количество.
func (c *Client) ListWorkflows(opts ListOpts) ([]WorkflowSummary, int, error) {
	var list []WorkflowSummary
	total, err := c.list(workflowsPath, opts.values(), &list)
	return list, total, err
}

// CreateWorkflow создаёт workflow с первой версией.
func (c *Client) CreateWorkflow(g *GraphFile) (*WorkflowDetail, error) {
	var detail WorkflowDetail
	err := c.post(workflowsPath, g, &detail)
	return &detail, err
}

// GetWorkflow возвращает workflow; при version=0 последнюю версию.
func (c *Client) GetWorkflow(id string, version int) (*WorkflowDetail, error) {
	path := workflowsPath + "/" + url.PathEscape(id)
	if version > 0 {
		path += "?version=" + strconv.Itoa(version)
	}
	var detail WorkflowDetail
	err := c.get(path, &detail)
	return &detail, err
}

// UpdateWorkflow обновляет workflow.
func (c *Client) UpdateWorkflow(id string, req UpdateWorkflowRequest) (*Workflow, error) {
	var wf Workflow
	err := c.put(workflowsPath+"/"+url.PathEscape(id), req, &wf)
	return &wf, err
}

// DeleteWorkflow удаляет workflow.
func (c *Client) DeleteWorkflow(id string) error {
	return c.delete(workflowsPath + "/" + url.PathEscape(id))
}

// SaveVersion сохраняет новую версию графа.
func (c *Client) SaveVersion(id string, g *GraphFile) (*Version, error) {
	var v Version
	err := c.post(workflowsPath+"/"+url.PathEscape(id)+"/versions", g.graphOnly(), &v)
	return &v, err
}

// Publish публикует версию.
func (c *Client) Publish(id, versionID string) (*Version, error) {
	var v Version
	err := c.post(workflowsPath+"/"+url.PathEscape(id)+"/publish", map[string]string{"version_id": versionID}, &v)
	return &v, err
}

// Trigger запускает опубликованную версию.
func (c *Client) Trigger(id string, data map[string]any) (*TriggerResult, error) {
	var res TriggerResult
	err := c.post(workflowsPath+"/trigger/"+url.PathEscape(id), map[string]any{"data": data}, &res)
	return &res, err
}

// TestTrigger выполняет dry-run.
func (c *Client) TestTrigger(id string, data map[string]any, versionID string) (*Simulation, error) {
	body := map[string]any{"data": data}
	if versionID != "" {
		body["version_id"] = versionID
	}
	var sim Simulation
	err := c.post(workflowsPath+"/trigger/"+url.PathEscape(id)+"/test", body, &sim)
	return &sim, err
}

// ExecuteNode выполняет узел на тестовых данных.
// Если упал сам узел, возвращается и результат, и *APIError.
func (c *Client) ExecuteNode(id string, req ExecuteNodeRequest) (*NodeTestResult, error) {
	var res NodeTestResult
	err := c.post(workflowsPath+"/"+url.PathEscape(id)+"/execute-node", req, &res)
	var apiErr *APIError
	if errors.As(err, &apiErr) && len(apiErr.Details) > 0 {
		_ = json.Unmarshal(apiErr.Details, &res)
	}
	return &res, err
}

// TriggerSchema возвращает примеры payload trigger-узлов.
func (c *Client) TriggerSchema(id string) ([]TriggerSchema, error) {
	var schemas []TriggerSchema
	err := c.get(workflowsPath+"/"+url.PathEscape(id)+"/trigger-schema", &schemas)
	return schemas, err
}

// --- Runs ---

// ListRuns возвращает runs и общее количество.
func (c *Client) ListRuns(opts ListOpts) ([]Run, int, error) {
	var runs []Run
	total, err := c.list(workflowsPath+"/runs", opts.values(), &runs)
	return runs, total, err
}

// GetRun возвращает run по ID.
func (c *Client) GetRun(id string) (*Run, error) {
	var run Run
	err := c.get(workflowsPath+"/runs/"+url.PathEscape(id), &run)
	return &run, err
}

// RunLogs возвращает логи run.
func (c *Client) RunLogs(id string) ([]RunLog, error) {
	var logs []RunLog
	_, err := c.list(workflowsPath+"/runs/"+url.PathEscape(id)+"/logs", nil, &logs)
	return logs, err
}

// RunNodes возвращает результаты узлов run.
func (c *Client) RunNodes(id string) ([]NodeResult, error) {
	var results []NodeResult
	_, err := c.list(workflowsPath+"/runs/"+url.PathEscape(id)+"/nodes", nil, &results)
	return results, err
}

// CancelRun отменяет run.
func (c *Client) CancelRun(id string) (*Run, error) {
	var run Run
	err := c.post(workflowsPath+"/runs/"+url.PathEscape(id)+"/cancel", nil, &run)
	return &run, err
}

// --- Node types ---

// NodeDefinitions возвращает каталог; category может быть пустой.
func (c *Client) NodeDefinitions(category string) ([]NodeDefinition, error) {
	params := url.Values{}
	if category != "" {
		params.Set("category", category)
	}
	var defs []NodeDefinition
	_, err := c.list(workflowsPath+"/node-definitions", params, &defs)
	return defs, err
}

// NodeDefinition возвращает описание типа узла.
func (c *Client) NodeDefinition(nodeType string) (*NodeDefinition, error) {
	var def NodeDefinition
	err := c.get(workflowsPath+"/node-definitions/"+url.PathEscape(nodeType), &def)
	return &def, err
}

// NodeCategories возвращает категории каталога.
func (c *Client) NodeCategories() ([]Category, error) {
	var cats []Category
	_, err := c.list(workflowsPath+"/node-definitions/categories/list", nil, &cats)
	return cats, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) (int, error) {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return 0, err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}

	return lr.Total, json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return &APIError{Status: resp.StatusCode}
	}

	return &APIError{
		Status:  resp.StatusCode,
		Code:    er.Error.Code,
		Message: er.Error.Message,
		Details: er.Error.Details,
	}
}
