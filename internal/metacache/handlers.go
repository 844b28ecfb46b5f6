package metacache

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handlers exposes cache statistics and clearing over HTTP.
type Handlers struct {
	cache *Cache
}

// NewHandlers creates new cache handlers.
func NewHandlers(cache *Cache) *Handlers {
	return &Handlers{cache: cache}
}

// RegisterRoutes registers the cache routes.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	g.GET("/stats", h.Stats)
	g.DELETE("", h.Clear)
}

// Stats returns hit/miss counters.
// GET /api/v1/cache/stats
func (h *Handlers) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.cache.Stats())
}

// Clear empties both cache tiers.
// DELETE /api/v1/cache
func (h *Handlers) Clear(c echo.Context) error {
	if err := h.cache.Clear(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
