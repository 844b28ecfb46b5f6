package maintenance

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/arcmirror/arcmirror/internal/progress"
)

// Handlers provides HTTP handlers for maintenance commands.
type Handlers struct {
	engine   *Engine
	progress *progress.Manager
}

// NewHandlers creates new maintenance handlers.
func NewHandlers(engine *Engine, p *progress.Manager) *Handlers {
	return &Handlers{engine: engine, progress: p}
}

// RegisterRoutes registers the maintenance routes.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	g.POST("", h.Run)
	g.GET("/activities", h.Activities)
}

// Run executes one maintenance command. Infrastructure failures come back
// as success=false with a 200 status; only malformed bodies are rejected.
// POST /api/v1/maintenance
func (h *Handlers) Run(c echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Action == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "action is required")
	}
	return c.JSON(http.StatusOK, h.engine.Run(c.Request().Context(), req))
}

// Activities lists running and recently finished passes.
// GET /api/v1/maintenance/activities
func (h *Handlers) Activities(c echo.Context) error {
	if h.progress == nil {
		return c.JSON(http.StatusOK, []progress.Activity{})
	}
	return c.JSON(http.StatusOK, h.progress.List())
}
