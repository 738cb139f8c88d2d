package api

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/shaiso/crmflow/internal/auth"
	"github.com/shaiso/crmflow/internal/domain"
)

// ListRuns возвращает историю runs с фильтрацией.
// GET /api/v1/workflows/runs?workflow_id=...&status=...&limit=...&offset=...
func (h *Handler) ListRuns(c echo.Context) error {
	limit, offset, err := pagination(c)
	if err != nil {
		return err
	}

	filter := domain.RunFilter{
		TenantID: auth.Tenant(c),
		Limit:    limit,
		Offset:   offset,
	}

	if s := c.QueryParam("workflow_id"); s != "" {
		workflowID, err := uuid.Parse(s)
		if err != nil {
			return badRequest("invalid workflow_id")
		}
		filter.WorkflowID = &workflowID
	}

	if s := c.QueryParam("status"); s != "" {
		status := domain.RunStatus(s)
		if !status.IsValid() {
			return badRequest("invalid status")
		}
		filter.Status = &status
	}

	runs, total, err := h.svc.ListRuns(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return List(c, runs, total)
}

// GetRun возвращает run по ID.
// GET /api/v1/workflows/runs/{id}
func (h *Handler) GetRun(c echo.Context) error {
	id, err := pathID(c, "run")
	if err != nil {
		return err
	}

	run, err := h.svc.GetRun(c.Request().Context(), auth.Tenant(c), id)
	if err != nil {
		return err
	}
	return Success(c, run)
}

// GetRunLogs возвращает логи run в порядке записи.
// GET /api/v1/workflows/runs/{id}/logs
func (h *Handler) GetRunLogs(c echo.Context) error {
	id, err := pathID(c, "run")
	if err != nil {
		return err
	}

	logs, err := h.svc.RunLogs(c.Request().Context(), auth.Tenant(c), id)
	if err != nil {
		return err
	}
	return List(c, logs, len(logs))
}

// GetRunNodes возвращает результаты узлов run.
// GET /api/v1/workflows/runs/{id}/nodes
func (h *Handler) GetRunNodes(c echo.Context) error {
	id, err := pathID(c, "run")
	if err != nil {
		return err
	}

	results, err := h.svc.RunNodeResults(c.Request().Context(), auth.Tenant(c), id)
	if err != nil {
		return err
	}
	return List(c, results, len(results))
}

// CancelRun отменяет run. Завершённый run отменить нельзя: 409.
// POST /api/v1/workflows/runs/{id}/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	id, err := pathID(c, "run")
	if err != nil {
		return err
	}

	run, err := h.svc.Cancel(c.Request().Context(), auth.Tenant(c), id)
	if err != nil {
		return err
	}
	return Success(c, run)
}
