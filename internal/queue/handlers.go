package queue

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Queue command actions.
const (
	ActionQueue     = "queue"
	ActionCancel    = "cancel"
	ActionCancelAll = "cancel-all"
	ActionPauseAll  = "pause-all"
	ActionStartAll  = "start-all"
	ActionStartNext = "start-next"
	ActionRetry     = "retry"
	ActionClear     = "clear"
)

// Handlers provides HTTP handlers for the download queue.
type Handlers struct {
	manager *Manager
}

// NewHandlers creates new queue handlers.
func NewHandlers(manager *Manager) *Handlers {
	return &Handlers{manager: manager}
}

// RegisterRoutes registers the queue routes.
func (h *Handlers) RegisterRoutes(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/export", h.Export)
	g.GET("/:id", h.Get)
	g.POST("/actions", h.Action)
}

// ActionRequest is the body of POST /queue/actions. Records are addressed
// by id, or by identifier and optional file.
type ActionRequest struct {
	Action       string `json:"action"`
	ID           int64  `json:"id"`
	Identifier   string `json:"identifier"`
	Title        string `json:"title"`
	File         string `json:"file"`
	MediaType    string `json:"mediaType"`
	IsDerivative bool   `json:"isDerivative"`
}

// ActionResponse reports the outcome of a queue action.
type ActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Item    *Item  `json:"item,omitempty"`
	Count   int64  `json:"count,omitempty"`
}

// List returns all records in queue order.
// GET /api/v1/queue
func (h *Handlers) List(c echo.Context) error {
	items, err := h.manager.List(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// Get returns one record.
// GET /api/v1/queue/:id
func (h *Handlers) Get(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	item, err := h.manager.Get(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, item)
}

// Export returns the whole queue as a JSON document.
// GET /api/v1/queue/export
func (h *Handlers) Export(c echo.Context) error {
	data, err := h.manager.Export(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="queue.json"`)
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSONCharsetUTF8, data)
}

// Action dispatches one queue command.
// POST /api/v1/queue/actions
func (h *Handlers) Action(c echo.Context) error {
	var req ActionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	m := h.manager

	switch req.Action {
	case ActionQueue:
		item, err := m.Enqueue(ctx, EnqueueRequest{
			Identifier:   req.Identifier,
			Title:        req.Title,
			File:         req.File,
			MediaType:    req.MediaType,
			IsDerivative: req.IsDerivative,
		})
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, ActionResponse{Success: true, Message: "queued", Item: &item})

	case ActionCancel, ActionRetry:
		id, err := h.resolveID(c, req)
		if err != nil {
			return err
		}
		var item Item
		if req.Action == ActionCancel {
			item, err = m.Cancel(ctx, id)
		} else {
			item, err = m.Retry(ctx, id)
		}
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, ActionResponse{Success: true, Message: req.Action, Item: &item})

	case ActionCancelAll:
		n, err := m.CancelAll(ctx)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, ActionResponse{Success: true, Message: fmt.Sprintf("cancelled %d downloads", n), Count: int64(n)})

	case ActionPauseAll:
		n, err := m.PauseAll(ctx)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, ActionResponse{Success: true, Message: fmt.Sprintf("paused %d downloads", n), Count: int64(n)})

	case ActionStartAll:
		n, err := m.StartAll(ctx)
		if err != nil && n == 0 {
			return toHTTPError(err)
		}
		resp := ActionResponse{Success: err == nil, Message: fmt.Sprintf("started %d downloads", n), Count: int64(n)}
		if err != nil {
			resp.Message += ": " + err.Error()
		}
		return c.JSON(http.StatusOK, resp)

	case ActionStartNext:
		item, err := m.StartNext(ctx)
		if err != nil {
			return toHTTPError(err)
		}
		if item == nil {
			return c.JSON(http.StatusOK, ActionResponse{Success: true, Message: "nothing to start"})
		}
		return c.JSON(http.StatusOK, ActionResponse{Success: true, Message: "started", Item: item})

	case ActionClear:
		n, err := m.Clear(ctx)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, ActionResponse{Success: true, Message: fmt.Sprintf("cleared %d downloads", n), Count: n})

	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
	}
}

func (h *Handlers) resolveID(c echo.Context, req ActionRequest) (int64, error) {
	if req.ID > 0 {
		return req.ID, nil
	}
	if req.Identifier == "" {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "id or identifier is required")
	}
	item, err := h.manager.Lookup(c.Request().Context(), req.Identifier, req.File)
	if err != nil {
		return 0, toHTTPError(err)
	}
	return item.ID, nil
}

func toHTTPError(err error) error {
	var vErr *ValidationError
	var pErr *ProcessError
	switch {
	case errors.As(err, &vErr):
		return echo.NewHTTPError(http.StatusBadRequest, vErr.Message)
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrShuttingDown):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &pErr):
		return echo.NewHTTPError(http.StatusInternalServerError, pErr.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
