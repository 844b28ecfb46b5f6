package maintenance

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/arcmirror/arcmirror/internal/progress"
)

func TestHandlers_Run(t *testing.T) {
	env := newTestEnv(t)
	pm := progress.NewManager(nil, zerolog.Nop())
	env.engine.SetProgress(pm)
	h := NewHandlers(env.engine, pm)

	e := echo.New()
	body := `{"action":"verify-files","checkHashes":false}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/maintenance", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	if err := h.Run(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", rec.Code)
	}

	var result Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if !result.Success {
		t.Errorf("Success = false: %s", result.Message)
	}
	if len(result.Issues) != 1 || result.Issues[0].Type != IssueMissingFile {
		t.Errorf("Issues = %+v, want one missing-file", result.Issues)
	}

	actReq := httptest.NewRequest(http.MethodGet, "/api/v1/maintenance/activities", nil)
	actRec := httptest.NewRecorder()
	if err := h.Activities(e.NewContext(actReq, actRec)); err != nil {
		t.Fatalf("Activities() error = %v", err)
	}
	var activities []progress.Activity
	if err := json.Unmarshal(actRec.Body.Bytes(), &activities); err != nil {
		t.Fatalf("Failed to unmarshal activities: %v", err)
	}
	if len(activities) != 1 || activities[0].Type != progress.ActivityVerify {
		t.Errorf("activities = %+v", activities)
	}
}

func TestHandlers_RunRequiresAction(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandlers(env.engine, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/maintenance", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	err := h.Run(e.NewContext(req, rec))
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("Run() error = %v, want 400", err)
	}
}
