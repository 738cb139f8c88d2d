package api

import (
	"errors"
	"fmt"

	"github.com/labstack/echo/v4"

	"github.com/shaiso/crmflow/internal/nodes"
	"github.com/shaiso/crmflow/internal/workflows"
)

// ListNodeDefinitions возвращает каталог типов узлов.
// GET /api/v1/workflows/node-definitions?category=...
func (h *Handler) ListNodeDefinitions(c echo.Context) error {
	defs := h.catalog.Definitions(c.QueryParam("category"))
	return List(c, defs, len(defs))
}

// GetNodeDefinition возвращает описание одного типа.
// GET /api/v1/workflows/node-definitions/{type}
func (h *Handler) GetNodeDefinition(c echo.Context) error {
	def, err := h.catalog.Definition(c.Param("type"))
	if errors.Is(err, nodes.ErrNodeTypeNotFound) {
		return fmt.Errorf("%w: %w", workflows.ErrNotFound, err)
	}
	if err != nil {
		return err
	}
	return Success(c, def)
}

// ListNodeCategories возвращает категории с количеством типов.
// GET /api/v1/workflows/node-definitions/categories/list
func (h *Handler) ListNodeCategories(c echo.Context) error {
	cats := h.catalog.Categories()
	return List(c, cats, len(cats))
}
