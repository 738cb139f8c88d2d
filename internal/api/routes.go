package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

// ServiceName: имя сервиса в трейсах API.
const ServiceName = "crmflow-api"

// NewServer создаёт echo с middleware, служебными маршрутами и API.
// tenant: middleware группы /api/v1 (auth.RequireTenant).
func (h *Handler) NewServer(tenant echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler(h.logger)

	e.Use(otelecho.Middleware(ServiceName))
	e.Use(Metrics())
	e.Use(Logging(h.logger))
	e.Use(Recovery(h.logger))

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	g := e.Group("/api/v1")
	if tenant != nil {
		g.Use(tenant)
	}
	h.RegisterRoutes(g)
	return e
}

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	// Workflows
	g.GET("/workflows", h.ListWorkflows)
	g.POST("/workflows", h.CreateWorkflow)
	g.GET("/workflows/:id", h.GetWorkflow)
	g.PUT("/workflows/:id", h.UpdateWorkflow)
	g.DELETE("/workflows/:id", h.DeleteWorkflow)

	// Versions
	g.POST("/workflows/:id/versions", h.SaveVersion)
	g.POST("/workflows/:id/publish", h.PublishVersion)

	// Trigger и отладка
	g.POST("/workflows/trigger/:id", h.TriggerWorkflow)
	g.POST("/workflows/trigger/:id/test", h.TestTrigger)
	g.POST("/workflows/:id/execute-node", h.ExecuteNode)
	g.GET("/workflows/:id/trigger-schema", h.TriggerSchema)

	// Node definitions
	g.GET("/workflows/node-definitions", h.ListNodeDefinitions)
	g.GET("/workflows/node-definitions/categories/list", h.ListNodeCategories)
	g.GET("/workflows/node-definitions/:type", h.GetNodeDefinition)

	// Runs
	g.GET("/workflows/runs", h.ListRuns)
	g.GET("/workflows/runs/:id", h.GetRun)
	g.GET("/workflows/runs/:id/logs", h.GetRunLogs)
	g.GET("/workflows/runs/:id/nodes", h.GetRunNodes)
	g.POST("/workflows/runs/:id/cancel", h.CancelRun)
}
