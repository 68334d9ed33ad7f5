package source

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/storm-data-cache/internal/domain"
	"github.com/couchcryptid/storm-data-cache/internal/observability"
)

var testPeriod = domain.Period(domain.Date(2024, 1, 1), domain.Date(2025, 1, 1))

// scriptedAdapter returns the queued errors in order, then succeeds.
type scriptedAdapter struct {
	mu       sync.Mutex
	errs     []error
	calls    int
	events   []domain.WeatherEvent
	lastResp []domain.WeatherEvent
	block    bool
}

func (a *scriptedAdapter) Kind() domain.SourceKind { return domain.Authoritative }
func (a *scriptedAdapter) LagDays() int            { return 90 }
func (a *scriptedAdapter) Cadence() time.Duration  { return 24 * time.Hour }

func (a *scriptedAdapter) Fetch(ctx context.Context, _ domain.CoveragePeriod) ([]domain.WeatherEvent, error) {
	a.mu.Lock()
	a.calls++
	var err error
	if len(a.errs) > 0 {
		err, a.errs = a.errs[0], a.errs[1:]
	}
	block := a.block
	a.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return a.events, nil
}

func (a *scriptedAdapter) FetchLastResort(_ context.Context, _ domain.CoveragePeriod) ([]domain.WeatherEvent, error) {
	return a.lastResp, nil
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       4 * time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

func newTestRetrying(inner Adapter, cfg RetryConfig) (*Retrying, *observability.Metrics) {
	m := observability.NewMetricsForTesting()
	return NewRetrying(inner, cfg, slog.Default(), m), m
}

func TestRetrying_SucceedsFirstTry(t *testing.T) {
	inner := &scriptedAdapter{events: []domain.WeatherEvent{{ID: "a"}}}
	r, m := newTestRetrying(inner, fastRetryConfig())

	got, err := r.Fetch(context.Background(), testPeriod)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 1, inner.callCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamFetches.WithLabelValues("authoritative", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.UpstreamRetries.WithLabelValues("authoritative")))
}

func TestRetrying_RetriesTransient(t *testing.T) {
	inner := &scriptedAdapter{
		errs: []error{
			Failuref(Unavailable, "status 502"),
			Failuref(Timeout, "read timeout"),
		},
		events: []domain.WeatherEvent{{ID: "a"}},
	}
	r, m := newTestRetrying(inner, fastRetryConfig())

	got, err := r.Fetch(context.Background(), testPeriod)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 3, inner.callCount())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.UpstreamRetries.WithLabelValues("authoritative")))
}

func TestRetrying_GivesUpAfterMaxAttempts(t *testing.T) {
	inner := &scriptedAdapter{
		errs: []error{
			Failuref(Unavailable, "one"),
			Failuref(Unavailable, "two"),
			Failuref(Unavailable, "three"),
			Failuref(Unavailable, "never reached"),
		},
	}
	r, m := newTestRetrying(inner, fastRetryConfig())

	_, err := r.Fetch(context.Background(), testPeriod)
	require.Error(t, err)
	assert.Equal(t, Unavailable, KindOf(err))
	assert.Contains(t, err.Error(), "three")
	assert.Equal(t, 3, inner.callCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamFetches.WithLabelValues("authoritative", "unavailable")))
}

func TestRetrying_SchemaErrorNotRetried(t *testing.T) {
	inner := &scriptedAdapter{errs: []error{Failuref(SchemaError, "missing EVENT_ID column")}}
	r, _ := newTestRetrying(inner, fastRetryConfig())

	_, err := r.Fetch(context.Background(), testPeriod)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, inner.callCount())
}

func TestRetrying_HonorsRetryAfter(t *testing.T) {
	inner := &scriptedAdapter{
		errs:   []error{&FetchError{Kind: RateLimited, RetryAfter: 50 * time.Millisecond, Err: errors.New("429")}},
		events: []domain.WeatherEvent{{ID: "a"}},
	}
	r, _ := newTestRetrying(inner, fastRetryConfig())

	start := time.Now()
	_, err := r.Fetch(context.Background(), testPeriod)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "waited for the provider's delay rather than the 1ms base")
	assert.Equal(t, 2, inner.callCount())
}

func TestRetrying_AttemptTimeout(t *testing.T) {
	inner := &scriptedAdapter{block: true}
	cfg := fastRetryConfig()
	cfg.AttemptTimeout = 5 * time.Millisecond
	r, _ := newTestRetrying(inner, cfg)

	_, err := r.Fetch(context.Background(), testPeriod)
	require.Error(t, err)
	assert.Equal(t, Timeout, KindOf(err))
	assert.Equal(t, 3, inner.callCount())
}

func TestRetrying_CallerCancelStopsRetries(t *testing.T) {
	inner := &scriptedAdapter{block: true}
	cfg := fastRetryConfig()
	cfg.AttemptTimeout = time.Minute
	r, _ := newTestRetrying(inner, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := r.Fetch(ctx, testPeriod)
	require.Error(t, err)
	assert.Equal(t, Timeout, KindOf(err))
	assert.Equal(t, 1, inner.callCount())
}

func TestRetrying_LastResort(t *testing.T) {
	inner := &scriptedAdapter{lastResp: []domain.WeatherEvent{{ID: "old"}}}
	r, _ := newTestRetrying(inner, fastRetryConfig())

	got, err := r.FetchLastResort(context.Background(), testPeriod)
	require.NoError(t, err)
	assert.Equal(t, "old", got[0].ID)
}

// fetchOnly exposes only the Adapter methods of the wrapped fake.
type fetchOnly struct{ inner *scriptedAdapter }

func (f fetchOnly) Kind() domain.SourceKind { return f.inner.Kind() }
func (f fetchOnly) LagDays() int            { return f.inner.LagDays() }
func (f fetchOnly) Cadence() time.Duration  { return f.inner.Cadence() }
func (f fetchOnly) Fetch(ctx context.Context, p domain.CoveragePeriod) ([]domain.WeatherEvent, error) {
	return f.inner.Fetch(ctx, p)
}

func TestRetrying_LastResortUnsupported(t *testing.T) {
	r, _ := newTestRetrying(fetchOnly{inner: &scriptedAdapter{}}, fastRetryConfig())

	_, err := r.FetchLastResort(context.Background(), testPeriod)
	require.Error(t, err)
	assert.Equal(t, Unavailable, KindOf(err))
}

func TestRetryConfigTotalTimeout(t *testing.T) {
	assert.Equal(t, 3*30*time.Second+2*8*time.Second, DefaultRetryConfig().TotalTimeout())
}

func TestFromStatus(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")

	assert.NoError(t, FromStatus(http.StatusOK, nil, "index"))

	err := FromStatus(http.StatusTooManyRequests, h, "index")
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, RateLimited, fe.Kind)
	assert.Equal(t, 7*time.Second, fe.RetryAfter)

	assert.Equal(t, Timeout, KindOf(FromStatus(http.StatusGatewayTimeout, http.Header{}, "index")))
	assert.Equal(t, Unavailable, KindOf(FromStatus(http.StatusBadGateway, http.Header{}, "index")))
	assert.Equal(t, Unavailable, KindOf(FromStatus(http.StatusNotFound, http.Header{}, "index")))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Timeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, Unavailable, KindOf(errors.New("connection refused")))
	assert.Equal(t, SchemaError, KindOf(Failuref(SchemaError, "bad")))

	wrapped := errors.Join(errors.New("outer"), Failuref(RateLimited, "slow down"))
	assert.Equal(t, RateLimited, KindOf(wrapped))

	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(Failuref(Timeout, "x")))
	assert.False(t, IsTransient(Failuref(SchemaError, "x")))
}

func TestClip(t *testing.T) {
	events := []domain.WeatherEvent{
		{ID: "before", Timestamp: domain.Date(2023, 12, 31)},
		{ID: "inside", Timestamp: domain.Date(2024, 6, 1)},
		{ID: "end", Timestamp: domain.Date(2025, 1, 1)},
	}
	got := Clip(events, testPeriod)
	require.Len(t, got, 1)
	assert.Equal(t, "inside", got[0].ID)
}
