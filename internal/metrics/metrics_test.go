package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueCounts(t *testing.T) {
	m := New()
	m.SetQueueCounts(map[string]int{"queued": 2, "downloading": 1})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.queueItems.WithLabelValues("queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueItems.WithLabelValues("downloading")))

	m.SetQueueCounts(map[string]int{"completed": 3})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.queueItems.WithLabelValues("queued")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueItems.WithLabelValues("completed")))
}

func TestCacheAndMaintenanceCounters(t *testing.T) {
	m := New()
	m.CacheHit("memory")
	m.CacheHit("memory")
	m.CacheHit("durable")
	m.CacheMiss()
	m.MaintenanceRun("verify-files", true, map[string]int{"missing-file": 2})
	m.ObserveWorkerExit("completed", 3*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheRequests.WithLabelValues("memory", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheRequests.WithLabelValues("durable", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheRequests.WithLabelValues("all", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.maintenanceRuns.WithLabelValues("verify-files", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.maintenanceIssues.WithLabelValues("missing-file")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workerExits.WithLabelValues("completed")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetQueueCounts(map[string]int{"queued": 1})
		m.CacheHit("memory")
		m.CacheMiss()
		m.ObserveWorkerExit("failed", time.Second)
		m.MaintenanceRun("x", false, nil)
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.CacheMiss()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "arcmirror_cache_requests_total"))
}
