package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sharedrop/sharedrop/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnabledManager(t *testing.T) *metricsManager {
	t.Helper()
	manager, ok := NewManager(config.MetricsConfig{Enable: true, Path: "/metrics"}).(*metricsManager)
	require.True(t, ok)
	return manager
}

func TestNewManager(t *testing.T) {
	manager := NewManager(config.MetricsConfig{Enable: true, Path: "/metrics"})
	require.NotNil(t, manager)

	// Manager is not started yet, so it's not healthy
	assert.False(t, manager.IsHealthy())
}

func TestNewManager_Disabled(t *testing.T) {
	manager := NewManager(config.MetricsConfig{Enable: false})
	require.NotNil(t, manager)

	_, ok := manager.(*noopManager)
	assert.True(t, ok, "disabled manager should be noopManager")
	assert.True(t, manager.IsHealthy())

	rec := httptest.NewRecorder()
	manager.GetMetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManager_StartStop(t *testing.T) {
	manager := newEnabledManager(t)

	require.NoError(t, manager.Start(context.Background()))
	assert.True(t, manager.IsHealthy())
	assert.Error(t, manager.Start(context.Background()))

	require.NoError(t, manager.Stop())
	assert.False(t, manager.IsHealthy())
	assert.Error(t, manager.Stop())
}

func TestRecordShareOperation(t *testing.T) {
	manager := newEnabledManager(t)

	manager.RecordShareOperation("create", "success")
	manager.RecordShareOperation("create", "success")
	manager.RecordShareOperation("retrieve", "expired")

	assert.Equal(t, 2.0, testutil.ToFloat64(manager.shareOperationsTotal.WithLabelValues("create", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(manager.shareOperationsTotal.WithLabelValues("retrieve", "expired")))
}

func TestRecordBackgroundTask(t *testing.T) {
	manager := newEnabledManager(t)

	manager.RecordBackgroundTask("share_sweep", "success", 50*time.Millisecond)
	manager.RecordBackgroundTask("share_sweep", "error", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(manager.backgroundTasksTotal.WithLabelValues("share_sweep", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(manager.backgroundTasksTotal.WithLabelValues("share_sweep", "error")))
}

func TestMiddleware_UsesRouteTemplate(t *testing.T) {
	manager := newEnabledManager(t)

	router := mux.NewRouter()
	router.Use(manager.Middleware())
	router.HandleFunc("/api/v1/shares/{code}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods(http.MethodGet)

	for _, code := range []string{"AAAA1111", "BBBB2222", "CCCC3333"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/shares/"+code, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(
		manager.httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/shares/{code}", "404"),
	))
	assert.Equal(t, 1, testutil.CollectAndCount(manager.httpRequestsTotal), "codes must not become label values")
}

func TestGetMetricsHandler(t *testing.T) {
	manager := newEnabledManager(t)
	manager.RecordShareOperation("create", "success")
	manager.RecordShareUploadSize(2048)

	rec := httptest.NewRecorder()
	manager.GetMetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `sharedrop_share_operations_total{operation="create",outcome="success"} 1`)
	assert.Contains(t, string(body), "sharedrop_share_upload_size_bytes_count 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestRoutePath_Unmatched(t *testing.T) {
	assert.Equal(t, "unmatched", RoutePath(httptest.NewRequest(http.MethodGet, "/x", nil)))
}
