package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/arcmirror/arcmirror/internal/config"
	"github.com/arcmirror/arcmirror/internal/queue"
)

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Version       string               `json:"version"`
	StartedAt     time.Time            `json:"startedAt"`
	Uptime        string               `json:"uptime"`
	CacheRoot     string               `json:"cacheRoot"`
	Concurrency   int                  `json:"concurrency"`
	Queue         map[queue.Status]int `json:"queue"`
	SchemaVersion int64                `json:"schemaVersion"`
	Clients       int                  `json:"clients"`
}

func (s *Server) healthCheck(c echo.Context) error {
	if err := s.db.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(c echo.Context) error {
	counts, err := s.queue.Counts(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	version, _ := s.db.Version()

	resp := StatusResponse{
		Version:       config.Version,
		StartedAt:     s.startedAt,
		Uptime:        time.Since(s.startedAt).Truncate(time.Second).String(),
		CacheRoot:     s.cfg.Library.CacheRoot,
		Concurrency:   s.queue.Concurrency(),
		Queue:         counts,
		SchemaVersion: version,
	}
	if s.hub != nil {
		resp.Clients = s.hub.ClientCount()
	}
	return c.JSON(http.StatusOK, resp)
}
