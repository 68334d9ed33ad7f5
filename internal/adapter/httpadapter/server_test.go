package httpadapter_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-data-cache/internal/adapter/httpadapter"
	"github.com/couchcryptid/storm-data-cache/internal/scheduler"
)

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type mockStatus struct {
	status scheduler.Status
}

func (m *mockStatus) Status() scheduler.Status { return m.status }

func newTestServer(readyErr error, status httpadapter.StatusReporter) *httpadapter.Server {
	return httpadapter.NewServer(":0", &mockReadiness{err: readyErr}, status, slog.Default())
}

func serve(srv *httpadapter.Server, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthzReturns200(t *testing.T) {
	rec := serve(newTestServer(nil, nil), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	rec := serve(newTestServer(nil, nil), "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	rec := serve(newTestServer(fmt.Errorf("cache warmup has not finished yet"), nil), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := serve(newTestServer(nil, nil), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestSchedulerStatus(t *testing.T) {
	last := time.Date(2025, 10, 24, 6, 0, 0, 0, time.UTC)
	status := &mockStatus{status: scheduler.Status{
		Running:   true,
		LastRunAt: last,
		NextRunAt: last.Add(24 * time.Hour),
		LastRun:   scheduler.RunReport{Windows: 8, Refreshed: 6, Failed: 1},
		WarmedUp:  true,
	}}

	rec := serve(newTestServer(nil, status), "/scheduler/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["running"])
	assert.Equal(t, "2025-10-24T06:00:00Z", body["last_run_at"])
	assert.Equal(t, "2025-10-25T06:00:00Z", body["next_run_at"])
	assert.NotContains(t, body, "last_eviction_at", "zero times are omitted")
	assert.Equal(t, map[string]any{"windows": 8.0, "refreshed": 6.0, "failed": 1.0}, body["last_run"])
}

func TestSchedulerStatusWithoutScheduler(t *testing.T) {
	rec := serve(newTestServer(nil, nil), "/scheduler/status")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
