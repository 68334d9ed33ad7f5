package source

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/couchcryptid/storm-data-cache/internal/domain"
	"github.com/couchcryptid/storm-data-cache/internal/observability"
)

// RetryConfig bounds how hard a provider is retried.
type RetryConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration

	// RateLimit is the sustained HTTP requests per second allowed against
	// the provider; see Limiter. Zero disables throttling.
	RateLimit float64
	Burst     int
}

// DefaultRetryConfig is 3 attempts, 1s doubling to at most 8s, 30s per
// attempt, 4 requests/second.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		MaxDelay:       8 * time.Second,
		AttemptTimeout: 30 * time.Second,
		RateLimit:      4,
		Burst:          1,
	}
}

// TotalTimeout is the longest a single Fetch through the decorator can take.
func (c RetryConfig) TotalTimeout() time.Duration {
	total := time.Duration(c.MaxAttempts) * c.AttemptTimeout
	for i := 1; i < c.MaxAttempts; i++ {
		total += c.MaxDelay
	}
	return total
}

// Retrying wraps an Adapter with bounded retries. Timeout and Unavailable
// failures back off exponentially, RateLimited failures wait for the
// provider's Retry-After when given, and SchemaError is returned immediately.
// Request throttling lives in the adapters' HTTP clients; see Throttle.
type Retrying struct {
	inner   Adapter
	cfg     RetryConfig
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewRetrying decorates inner.
func NewRetrying(inner Adapter, cfg RetryConfig, logger *slog.Logger, metrics *observability.Metrics) *Retrying {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Retrying{
		inner:   inner,
		cfg:     cfg,
		logger:  logger.With("source", inner.Kind().String()),
		metrics: metrics,
	}
}

func (r *Retrying) Kind() domain.SourceKind { return r.inner.Kind() }
func (r *Retrying) LagDays() int            { return r.inner.LagDays() }
func (r *Retrying) Cadence() time.Duration  { return r.inner.Cadence() }

// Unwrap returns the decorated adapter.
func (r *Retrying) Unwrap() Adapter { return r.inner }

// Fetch calls the inner adapter under the retry policy.
func (r *Retrying) Fetch(ctx context.Context, period domain.CoveragePeriod) ([]domain.WeatherEvent, error) {
	return r.do(ctx, period, r.inner.Fetch)
}

// FetchLastResort runs the inner adapter's last-resort path under the same
// policy. It reports Unavailable when the inner adapter has none.
func (r *Retrying) FetchLastResort(ctx context.Context, period domain.CoveragePeriod) ([]domain.WeatherEvent, error) {
	lr, ok := r.inner.(LastResortFetcher)
	if !ok {
		return nil, Failuref(Unavailable, "%s has no last-resort location", r.inner.Kind())
	}
	return r.do(ctx, period, lr.FetchLastResort)
}

type fetchFunc func(ctx context.Context, period domain.CoveragePeriod) ([]domain.WeatherEvent, error)

func (r *Retrying) do(ctx context.Context, period domain.CoveragePeriod, fetch fetchFunc) ([]domain.WeatherEvent, error) {
	source := r.inner.Kind().String()
	start := time.Now()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.cfg.BaseDelay
	exp.Multiplier = 2
	exp.MaxInterval = r.cfg.MaxDelay
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	policy := &hintedBackOff{BackOff: backoff.WithMaxRetries(exp, uint64(r.cfg.MaxAttempts-1))}

	var events []domain.WeatherEvent
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()

		out, err := fetch(attemptCtx, period)
		if err == nil {
			events = out
			return nil
		}

		err = classify(err)
		if ctx.Err() != nil || IsPermanent(err) {
			return backoff.Permanent(err)
		}
		var fe *FetchError
		if errors.As(err, &fe) && fe.RetryAfter > 0 {
			policy.hint = fe.RetryAfter
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		r.metrics.UpstreamRetries.WithLabelValues(source).Inc()
		r.logger.Warn("upstream fetch failed, retrying",
			"period", period.String(),
			"error", err,
			"retry_in", wait.String(),
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify)
	r.metrics.UpstreamDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())

	if err != nil {
		err = classify(err)
		r.metrics.UpstreamFetches.WithLabelValues(source, KindOf(err).String()).Inc()
		return nil, err
	}
	r.metrics.UpstreamFetches.WithLabelValues(source, "success").Inc()
	return events, nil
}

// classify ensures every error leaving the decorator is a *FetchError.
func classify(err error) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	return Failure(KindOf(err), err)
}

// hintedBackOff substitutes a provider-declared delay for the next
// exponential step, without consuming an extra retry.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	next := h.BackOff.NextBackOff()
	if next == backoff.Stop {
		return backoff.Stop
	}
	if h.hint > 0 {
		next, h.hint = h.hint, 0
	}
	return next
}
