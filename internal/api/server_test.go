package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcmirror/arcmirror/internal/config"
	"github.com/arcmirror/arcmirror/internal/maintenance"
	"github.com/arcmirror/arcmirror/internal/queue"
	"github.com/arcmirror/arcmirror/internal/scheduler"
	"github.com/arcmirror/arcmirror/internal/testutil"
)

// instantLauncher simulates workers that succeed immediately.
type instantLauncher struct {
	mu   sync.Mutex
	args [][]string
	pid  int
}

type instantHandle struct {
	pid  int
	done chan struct{}
}

func (h *instantHandle) PID() int              { return h.pid }
func (h *instantHandle) Done() <-chan struct{} { return h.done }
func (h *instantHandle) Terminate() error      { return nil }

func (l *instantLauncher) Launch(_ context.Context, args []string, cb queue.Callbacks) (queue.Handle, error) {
	l.mu.Lock()
	l.pid++
	l.args = append(l.args, args)
	h := &instantHandle{pid: 1000 + l.pid, done: make(chan struct{})}
	l.mu.Unlock()

	go func() {
		cb.OnProgress(100)
		cb.OnExit(0)
		close(h.done)
	}()
	return h, nil
}

func (l *instantLauncher) launched() [][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]string(nil), l.args...)
}

type testServer struct {
	*Server
	launcher *instantLauncher
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	tdb := testutil.NewTestDB(t)

	cfg := config.Default()
	cfg.Library.CacheRoot = t.TempDir()
	cfg.Cache.BucketURL = "mem://"
	cfg.Origin.MetadataURL = "http://127.0.0.1:1/metadata"
	cfg.Origin.DownloadURL = "http://127.0.0.1:1/download"

	launcher := &instantLauncher{}
	server, err := NewServer(context.Background(), tdb.DB, nil, cfg, testutil.NopLogger(), WithLauncher(launcher))
	require.NoError(t, err)
	require.NoError(t, server.Startup(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})

	return &testServer{Server: server, launcher: launcher}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var response map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestGetStatus(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, config.Version, status.Version)
	assert.Equal(t, 3, status.Concurrency)
	assert.Equal(t, ts.cfg.Library.CacheRoot, status.CacheRoot)
	assert.Equal(t, 0, status.Queue[queue.StatusQueued])
	assert.Positive(t, status.SchemaVersion)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestQueueDownloadRunsToCompletion(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/queue/actions", queue.ActionRequest{
		Action:     queue.ActionQueue,
		Identifier: "item1",
		File:       "a.txt",
		MediaType:  "texts",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		rec := ts.do(t, http.MethodGet, "/api/v1/queue", nil)
		var items []queue.Item
		if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil || len(items) != 1 {
			return false
		}
		return items[0].Status == queue.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	launched := ts.launcher.launched()
	require.Len(t, launched, 1)
	assert.Equal(t, []string{"item1", ts.cfg.Library.CacheRoot, "texts", "a.txt"}, launched[0])

	assert.Eventually(t, func() bool {
		rec := ts.do(t, http.MethodGet, "/metrics", nil)
		return strings.Contains(rec.Body.String(), `arcmirror_queue_items{status="completed"} 1`)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMaintenanceOnEmptyLibrary(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/maintenance", maintenance.Request{Action: maintenance.ActionVerifyFiles})
	require.Equal(t, http.StatusOK, rec.Code)

	var result maintenance.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success, result.Message)
	assert.Empty(t, result.Issues)
}

func TestCacheRoutes(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"durable":true`)

	rec = ts.do(t, http.MethodDelete, "/api/v1/cache", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSchedulerRoutes(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/scheduler/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var tasks []scheduler.TaskInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"library-verify", "metadata-refresh", "queue-reconcile"}, ids)

	rec = ts.do(t, http.MethodGet, "/api/v1/scheduler/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDisabledTasksAreNotRegistered(t *testing.T) {
	tdb := testutil.NewTestDB(t)

	cfg := config.Default()
	cfg.Library.CacheRoot = t.TempDir()
	cfg.Cache.BucketURL = ""
	cfg.Scheduler = config.SchedulerConfig{ReconcileCron: "* * * * *"}

	server, err := NewServer(context.Background(), tdb.DB, nil, cfg, testutil.NopLogger(), WithLauncher(&instantLauncher{}))
	require.NoError(t, err)
	require.NoError(t, server.Startup(context.Background()))
	t.Cleanup(func() { _ = server.Shutdown(context.Background()) })

	tasks := server.scheduler.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "queue-reconcile", tasks[0].ID)
}
