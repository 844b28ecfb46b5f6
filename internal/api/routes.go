package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	apimw "github.com/arcmirror/arcmirror/internal/api/middleware"
	"github.com/arcmirror/arcmirror/internal/maintenance"
	"github.com/arcmirror/arcmirror/internal/metacache"
	"github.com/arcmirror/arcmirror/internal/queue"
	"github.com/arcmirror/arcmirror/internal/scheduler"
)

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
	s.echo.Use(apimw.SecurityHeaders())
	s.echo.Use(middleware.BodyLimit("2M"))
	s.echo.Use(middleware.CORS())

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogMethod:    true,
		LogError:     true,
		LogRequestID: true,
		HandleError:  true,
		Skipper: func(c echo.Context) bool {
			// Polled endpoints would drown the log.
			p := c.Request().URL.Path
			return p == "/health" || p == "/metrics"
		},
		LogValuesFunc: s.logRequest,
	}))

	s.echo.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Level: 5,
		Skipper: func(c echo.Context) bool {
			return strings.EqualFold(c.Request().Header.Get("Upgrade"), "websocket")
		},
	}))
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	if s.hub != nil {
		s.echo.GET("/ws", s.hub.HandleWebSocket)
	}

	api := s.echo.Group("/api/v1")
	api.GET("/status", s.getStatus)

	queue.NewHandlers(s.queue).RegisterRoutes(api.Group("/queue"))
	maintenance.NewHandlers(s.maintenance, s.progress).RegisterRoutes(api.Group("/maintenance"))
	metacache.NewHandlers(s.cache).RegisterRoutes(api.Group("/cache"))
	scheduler.NewHandlers(s.scheduler).RegisterRoutes(api.Group("/scheduler"))
}

// logRequest logs failed requests at error level, mutations at info and
// reads at debug.
func (s *Server) logRequest(_ echo.Context, v middleware.RequestLoggerValues) error {
	var event *zerolog.Event
	switch {
	case v.Error != nil || v.Status >= http.StatusInternalServerError:
		event = s.logger.Error().Err(v.Error)
	case v.Method == http.MethodGet || v.Method == http.MethodHead:
		event = s.logger.Debug()
	default:
		event = s.logger.Info()
	}
	event.
		Str("requestId", v.RequestID).
		Str("method", v.Method).
		Str("uri", v.URI).
		Int("status", v.Status).
		Dur("latency", v.Latency).
		Msg("request")
	return nil
}
