package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/shaiso/crmflow/internal/auth"
	"github.com/shaiso/crmflow/internal/domain"
	"github.com/shaiso/crmflow/internal/workflows"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// ListWorkflows возвращает workflows tenant.
// GET /api/v1/workflows?status=...&limit=...&offset=...
func (h *Handler) ListWorkflows(c echo.Context) error {
	limit, offset, err := pagination(c)
	if err != nil {
		return err
	}

	filter := domain.WorkflowFilter{
		TenantID: auth.Tenant(c),
		Limit:    limit,
		Offset:   offset,
	}
	if s := c.QueryParam("status"); s != "" {
		status := domain.WorkflowStatus(s)
		if !status.IsValid() {
			return badRequest("invalid status")
		}
		filter.Status = &status
	}

	list, total, err := h.svc.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return List(c, list, total)
}

// CreateWorkflow создаёт workflow и его первую версию.
// POST /api/v1/workflows
func (h *Handler) CreateWorkflow(c echo.Context) error {
	var req CreateWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}

	detail, err := h.svc.Create(c.Request().Context(), auth.Tenant(c), workflows.CreateInput{
		Name:        req.Name,
		Description: req.Description,
		GraphInput:  req.toInput(),
	})
	if err != nil {
		return err
	}
	return Created(c, detail)
}

// GetWorkflow возвращает workflow с версией (?version=N, по умолчанию последняя)
// и списком всех версий.
// GET /api/v1/workflows/{id}
func (h *Handler) GetWorkflow(c echo.Context) error {
	id, err := pathID(c, "workflow")
	if err != nil {
		return err
	}

	var version int
	if v := c.QueryParam("version"); v != "" {
		version, err = strconv.Atoi(v)
		if err != nil || version < 1 {
			return badRequest("invalid version")
		}
	}

	detail, err := h.svc.Get(c.Request().Context(), auth.Tenant(c), id, version)
	if err != nil {
		return err
	}
	return Success(c, detail)
}

// UpdateWorkflow обновляет name, description или status.
// PUT /api/v1/workflows/{id}
func (h *Handler) UpdateWorkflow(c echo.Context) error {
	id, err := pathID(c, "workflow")
	if err != nil {
		return err
	}

	var req UpdateWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}

	wf, err := h.svc.Update(c.Request().Context(), auth.Tenant(c), id, workflows.UpdateInput{
		Name:        req.Name,
		Description: req.Description,
		Status:      req.Status,
	})
	if err != nil {
		return err
	}
	return Success(c, wf)
}

// DeleteWorkflow удаляет workflow вместе с версиями и runs.
// DELETE /api/v1/workflows/{id}
func (h *Handler) DeleteWorkflow(c echo.Context) error {
	id, err := pathID(c, "workflow")
	if err != nil {
		return err
	}

	if err := h.svc.Delete(c.Request().Context(), auth.Tenant(c), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// SaveVersion сохраняет новую версию графа.
// POST /api/v1/workflows/{id}/versions
func (h *Handler) SaveVersion(c echo.Context) error {
	id, err := pathID(c, "workflow")
	if err != nil {
		return err
	}

	var req GraphRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}

	v, err := h.svc.SaveVersion(c.Request().Context(), auth.Tenant(c), id, req.toInput())
	if err != nil {
		return err
	}
	return Created(c, v)
}

// PublishVersion публикует версию.
// POST /api/v1/workflows/{id}/publish
func (h *Handler) PublishVersion(c echo.Context) error {
	id, err := pathID(c, "workflow")
	if err != nil {
		return err
	}

	var req PublishRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.VersionID == uuid.Nil {
		return badRequest("version_id is required")
	}

	v, err := h.svc.Publish(c.Request().Context(), auth.Tenant(c), id, req.VersionID)
	if err != nil {
		return err
	}
	return Success(c, v)
}

// TriggerWorkflow запускает опубликованную версию. Выполнение асинхронное.
// POST /api/v1/workflows/trigger/{id}
func (h *Handler) TriggerWorkflow(c echo.Context) error {
	id, err := pathID(c, "workflow")
	if err != nil {
		return err
	}

	var req TriggerRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}

	run, err := h.svc.Trigger(c.Request().Context(), auth.Tenant(c), id, req.Data)
	if err != nil {
		return err
	}
	return Accepted(c, TriggerResponse{RunID: run.ID, Status: run.Status})
}

// TestTrigger: dry-run: порядок выполнения и config узлов без вызова обработчиков.
// POST /api/v1/workflows/trigger/{id}/test
func (h *Handler) TestTrigger(c echo.Context) error {
	id, err := pathID(c, "workflow")
	if err != nil {
		return err
	}

	var req TestTriggerRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}

	sim, err := h.svc.TestTrigger(c.Request().Context(), auth.Tenant(c), id, workflows.TestTriggerInput{
		TriggerData: req.Data,
		VersionID:   req.VersionID,
	})
	if err != nil {
		return err
	}
	return Success(c, sim)
}

// ExecuteNode выполняет узел (и, при execute_upstream, его предков).
// Ошибка самого узла: 400 с результатами предков в details.
// POST /api/v1/workflows/{id}/execute-node
func (h *Handler) ExecuteNode(c echo.Context) error {
	id, err := pathID(c, "workflow")
	if err != nil {
		return err
	}

	var req ExecuteNodeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}

	result, err := h.svc.ExecuteNode(c.Request().Context(), auth.Tenant(c), id, workflows.ExecuteNodeInput{
		NodeID:          req.NodeID,
		TriggerData:     req.TriggerData,
		ExecuteUpstream: req.ExecuteUpstream,
		VersionID:       req.VersionID,
		Nodes:           req.Nodes,
		Edges:           req.Edges,
	})
	if err != nil {
		return err
	}

	if result.FocalFailed() {
		return Error(c, http.StatusBadRequest, ErrCodeNodeFailed, result.Error, result)
	}
	return Success(c, result)
}

// TriggerSchema возвращает примеры payload для trigger-узлов.
// GET /api/v1/workflows/{id}/trigger-schema
func (h *Handler) TriggerSchema(c echo.Context) error {
	id, err := pathID(c, "workflow")
	if err != nil {
		return err
	}

	schemas, err := h.svc.TriggerSchema(c.Request().Context(), auth.Tenant(c), id)
	if err != nil {
		return err
	}
	return Success(c, schemas)
}

// pathID разбирает :id.
func pathID(c echo.Context, what string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, badRequest("invalid " + what + " id")
	}
	return id, nil
}

// pagination разбирает limit и offset.
func pagination(c echo.Context) (limit, offset int, err error) {
	limit = defaultLimit
	if s := c.QueryParam("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 1 {
			return 0, 0, badRequest("invalid limit")
		}
		limit = min(limit, maxLimit)
	}
	if s := c.QueryParam("offset"); s != "" {
		offset, err = strconv.Atoi(s)
		if err != nil || offset < 0 {
			return 0, 0, badRequest("invalid offset")
		}
	}
	return limit, offset, nil
}
