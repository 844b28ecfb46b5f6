package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New(zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegisterTask(t *testing.T) {
	s := newTestScheduler(t)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.RegisterTask(TaskConfig{ID: "b", Name: "B", Cron: "0 3 * * *", Func: noop}))
	require.NoError(t, s.RegisterTask(TaskConfig{ID: "a", Name: "A", Cron: "* * * * *", Func: noop}))

	assert.Error(t, s.RegisterTask(TaskConfig{ID: "a", Cron: "* * * * *", Func: noop}), "duplicate id")
	assert.Error(t, s.RegisterTask(TaskConfig{ID: "c", Cron: "not a cron", Func: noop}), "bad cron")
	assert.Error(t, s.RegisterTask(TaskConfig{ID: "d", Cron: "* * * * *"}), "missing func")

	tasks := s.ListTasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].ID)
	assert.Equal(t, "b", tasks[1].ID)
}

func TestRunNow_RecordsOutcome(t *testing.T) {
	s := newTestScheduler(t)
	s.Start()

	release := make(chan struct{})
	require.NoError(t, s.RegisterTask(TaskConfig{
		ID:   "verify",
		Cron: "0 3 * * *",
		Func: func(context.Context) error {
			<-release
			return errors.New("cache root missing")
		},
	}))

	require.NoError(t, s.RunNow("verify"))
	assert.ErrorIs(t, s.RunNow("verify"), ErrTaskRunning)
	assert.ErrorIs(t, s.RunNow("nope"), ErrTaskNotFound)

	close(release)
	waitFor(t, func() bool {
		info, err := s.GetTask("verify")
		return err == nil && !info.Running && info.LastRun != nil
	})

	info, err := s.GetTask("verify")
	require.NoError(t, err)
	assert.Equal(t, "cache root missing", info.LastError)
	assert.NotEmpty(t, info.LastDuration)
}

func TestStop_CancelsRunningTask(t *testing.T) {
	s, err := New(zerolog.Nop())
	require.NoError(t, err)
	s.Start()

	started := make(chan struct{})
	require.NoError(t, s.RegisterTask(TaskConfig{
		ID:   "long",
		Cron: "0 3 * * *",
		Func: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}))
	require.NoError(t, s.RunNow("long"))
	<-started

	require.NoError(t, s.Stop())
	info, err := s.GetTask("long")
	require.NoError(t, err)
	assert.False(t, info.Running)
	assert.Equal(t, context.Canceled.Error(), info.LastError)
}

func TestHandlers_RunTask(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.RegisterTask(TaskConfig{ID: "reconcile", Cron: "* * * * *", Func: func(context.Context) error { return nil }}))
	h := NewHandlers(s)

	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scheduler/tasks/reconcile/run", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("reconcile")
	require.NoError(t, h.RunTask(c))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/scheduler/tasks/missing/run", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("missing")
	err := h.RunTask(c)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusNotFound, he.Code)
}
