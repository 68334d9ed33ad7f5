package service

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-data-cache/internal/config"
	"github.com/couchcryptid/storm-data-cache/internal/domain"
	"github.com/couchcryptid/storm-data-cache/internal/observability"
	"github.com/couchcryptid/storm-data-cache/internal/pipeline"
)

var testNow = time.Date(2025, 10, 24, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func loadConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	t.Setenv("CACHE_DIR", t.TempDir())
	t.Setenv("FETCH_MAX_ATTEMPTS", "1")
	t.Setenv("RETRY_BASE_DELAY", "1ms")
	t.Setenv("RETRY_MAX_DELAY", "1ms")
	t.Setenv("FETCH_TIMEOUT", "2s")
	t.Setenv("UPSTREAM_RATE_LIMIT", "1000")
	for k, v := range env {
		t.Setenv(k, v)
	}
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestAdapters(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want []domain.SourceKind
	}{
		{
			name: "live alerts disabled",
			want: []domain.SourceKind{domain.Authoritative, domain.Preliminary},
		},
		{
			name: "live alerts enabled by user agent",
			env:  map[string]string{"NWS_USER_AGENT": "storm-data-cache (ops@example.com)"},
			want: []domain.SourceKind{domain.Authoritative, domain.Preliminary, domain.LiveAlert},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadConfig(t, tt.env)
			adapters, err := Adapters(cfg, clockwork.NewFakeClockAt(testNow), quietLogger(), observability.NewMetricsForTesting())
			require.NoError(t, err)

			kinds := make([]domain.SourceKind, len(adapters))
			for i, a := range adapters {
				kinds[i] = a.Kind()
			}
			assert.Equal(t, tt.want, kinds)
		})
	}
}

func TestBuild_ResolvesThroughProviders(t *testing.T) {
	var requests atomic.Int32
	spcServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound) // no reports that day
	}))
	defer spcServer.Close()

	cfg := loadConfig(t, map[string]string{"SPC_BASE_URL": spcServer.URL})
	svc, err := Build(cfg, clockwork.NewFakeClockAt(testNow), quietLogger(), observability.NewMetricsForTesting())
	require.NoError(t, err)
	defer func() { require.NoError(t, svc.Close()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Pool.Run(ctx) }()

	req := domain.Period(domain.Date(2025, 10, 10), domain.Date(2025, 10, 20))
	res, err := svc.Pool.Submit(ctx, pipeline.Request{Period: req, AsOf: testNow})
	require.NoError(t, err)

	assert.Empty(t, res.Events)
	assert.InDelta(t, 100, res.Verdict.ServedPercent, 0.01)
	assert.InDelta(t, 0, res.Verdict.CoveragePercent, 0.01, "preliminary reports are not verified")
	assert.False(t, res.Verdict.IsComplete)
	assert.Positive(t, requests.Load())

	keys := svc.Store.ListKeys(domain.Preliminary)
	require.Len(t, keys, 1)
	assert.Equal(t, domain.CacheKey("preliminary_20251001_20251101"), keys[0])
}

func TestBuild_InvalidCacheDir(t *testing.T) {
	cfg := loadConfig(t, nil)
	cfg.CacheDir = "/dev/null/cache"

	_, err := Build(cfg, nil, quietLogger(), observability.NewMetricsForTesting())
	require.Error(t, err)
}
