// Package reconcile resolves a requested date range into one merged event
// sequence drawn from the cache and the upstream sources, plus an honest
// freshness verdict.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/couchcryptid/storm-data-cache/internal/coverage"
	"github.com/couchcryptid/storm-data-cache/internal/domain"
	"github.com/couchcryptid/storm-data-cache/internal/freshness"
	"github.com/couchcryptid/storm-data-cache/internal/observability"
	"github.com/couchcryptid/storm-data-cache/internal/source"
	"github.com/couchcryptid/storm-data-cache/internal/store"
)

// LastResortWarning is stamped on segments fetched from the fixed historical
// location after discovery failed.
const LastResortWarning = "Some verified data came from an older archive file because the current one could not be located."

// Publisher receives every segment the engine freshly fetches and stores.
type Publisher interface {
	PublishSegment(ctx context.Context, seg domain.DataSegment) error
}

// Options configures an Engine. Store, Policy and Adapters are required.
type Options struct {
	Store    store.Store
	Policy   *freshness.Policy
	Adapters []source.Adapter

	// FetchTimeout bounds one window's full fetch chain, which keeps running
	// after the caller that started it has given up.
	FetchTimeout time.Duration

	Publisher Publisher
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// Engine is safe for concurrent use.
type Engine struct {
	store        store.Store
	policy       *freshness.Policy
	reporter     *coverage.Reporter
	adapters     map[domain.SourceKind]source.Adapter
	fetchTimeout time.Duration
	publisher    Publisher
	clock        clockwork.Clock
	logger       *slog.Logger
	metrics      *observability.Metrics
	flights      singleflight.Group
}

// Result is the outcome of Resolve.
type Result struct {
	RequestID string
	Events    []domain.WeatherEvent
	Segments  []domain.DataSegment
	Served    []coverage.Served
	Verdict   domain.FreshnessVerdict
}

// New builds an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("reconcile: store is required")
	}
	if opts.Policy == nil {
		return nil, errors.New("reconcile: freshness policy is required")
	}
	adapters := make(map[domain.SourceKind]source.Adapter, len(opts.Adapters))
	for _, a := range opts.Adapters {
		if _, dup := adapters[a.Kind()]; dup {
			return nil, fmt.Errorf("reconcile: duplicate adapter for %s", a.Kind())
		}
		adapters[a.Kind()] = a
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = source.DefaultRetryConfig().TotalTimeout()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetricsForTesting()
	}
	return &Engine{
		store:        opts.Store,
		policy:       opts.Policy,
		reporter:     coverage.New(opts.Policy),
		adapters:     adapters,
		fetchTimeout: opts.FetchTimeout,
		publisher:    opts.Publisher,
		clock:        opts.Clock,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}, nil
}

// Policy returns the freshness policy the engine plans with.
func (e *Engine) Policy() *freshness.Policy { return e.policy }

// Resolve returns the events in req as of asOf. The only error is an invalid
// period; upstream failures degrade the verdict instead. When ctx ends before
// every window is resolved, the unresolved windows are served from stale
// cache or reported as gaps while their fetches finish in the background.
func (e *Engine) Resolve(ctx context.Context, req domain.CoveragePeriod, asOf time.Time) (Result, error) {
	req = domain.Period(req.Start, req.End)
	if err := req.Validate(); err != nil {
		return Result{}, fmt.Errorf("resolve %s: %w", req, err)
	}
	asOf = domain.Day(asOf)
	start := e.clock.Now()

	requestID := uuid.NewString()
	logger := e.logger.With("request_id", requestID)

	windows := e.policy.Plan(req, asOf)
	served := make([]coverage.Served, len(windows))
	var wg sync.WaitGroup
	for i, w := range windows {
		wg.Add(1)
		go func() {
			defer wg.Done()
			served[i] = e.serve(ctx, w, asOf, logger)
		}()
	}
	wg.Wait()

	res := Result{RequestID: requestID, Served: served}
	var events []domain.WeatherEvent
	for _, s := range served {
		if s.Gap() {
			continue
		}
		res.Segments = append(res.Segments, *s.Segment)
		events = append(events, source.Clip(s.Segment.Records, usable(s, req))...)
	}
	res.Events = Merge(events)
	res.Verdict = e.reporter.Summarize(req, asOf, served)

	e.metrics.ResolveDuration.Observe(e.clock.Since(start).Seconds())
	e.metrics.ResolveCoverage.Observe(res.Verdict.CoveragePercent)
	logger.Info("range resolved",
		"period", req.String(),
		"as_of", asOf.Format(time.DateOnly),
		"windows", len(windows),
		"events", len(res.Events),
		"coverage_percent", res.Verdict.CoveragePercent,
		"complete", res.Verdict.IsComplete,
	)
	return res, nil
}

// usable is the part of a served segment whose records may appear in the
// response: from the first day the window was asked for through the end of
// the request or of the fetched days. A trusted source's records past its
// ownership boundary are kept so they can supersede less trusted reports of
// the same event.
func usable(s coverage.Served, req domain.CoveragePeriod) domain.CoveragePeriod {
	end := s.Segment.Covered().End
	if req.End.Before(end) {
		end = req.End
	}
	return domain.CoveragePeriod{Start: s.Window.Requested.Start, End: end}
}

// Refresh fetches w when it is missing or stale, waiting for the result.
// It reports whether a new segment was stored. Windows of a source with no
// adapter are skipped.
func (e *Engine) Refresh(ctx context.Context, w freshness.Window, asOf time.Time) (bool, error) {
	asOf = domain.Day(asOf)
	if _, ok := e.adapters[w.Source]; !ok {
		return false, nil
	}
	if seg, err := e.store.Get(w.Key()); err == nil && !e.policy.IsStale(seg, asOf, e.clock.Now()) {
		return false, nil
	}
	select {
	case res := <-e.startFlight(ctx, w, asOf, e.logger):
		out := res.Val.(outcome)
		return out.stored, out.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Invalidate removes the cached segment for key.
func (e *Engine) Invalidate(key domain.CacheKey) error {
	if err := e.store.Delete(key); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	e.logger.Info("cache entry invalidated", "key", string(key))
	return nil
}

// serve resolves one window from the cache or through a shared fetch.
func (e *Engine) serve(ctx context.Context, w freshness.Window, asOf time.Time, logger *slog.Logger) coverage.Served {
	key := w.Key()
	src := w.Source.String()

	var cached *domain.DataSegment
	seg, err := e.store.Get(key)
	switch {
	case err == nil:
		if !e.policy.IsStale(seg, asOf, e.clock.Now()) {
			e.metrics.CacheLookups.WithLabelValues(src, "hit").Inc()
			return coverage.Served{Window: w, Segment: &seg}
		}
		e.metrics.CacheLookups.WithLabelValues(src, "stale").Inc()
		cached = &seg
	case errors.Is(err, store.ErrCorrupt):
		e.metrics.CacheLookups.WithLabelValues(src, "corrupt").Inc()
		logger.Warn("corrupt cache entry discarded", "key", string(key), "error", err)
	case errors.Is(err, store.ErrNotFound):
		e.metrics.CacheLookups.WithLabelValues(src, "miss").Inc()
	default:
		e.metrics.CacheLookups.WithLabelValues(src, "miss").Inc()
		logger.Warn("cache read failed", "key", string(key), "error", err)
	}

	if _, ok := e.adapters[w.Source]; !ok {
		logger.Debug("no adapter for window", "key", string(key))
		return coverage.Served{Window: w, Segment: cached, Stale: cached != nil}
	}

	select {
	case res := <-e.startFlight(ctx, w, asOf, logger):
		if res.Shared {
			e.metrics.SharedFetches.WithLabelValues(src).Inc()
		}
		out := res.Val.(outcome)
		return coverage.Served{Window: w, Segment: out.segment, Stale: out.stale}
	case <-ctx.Done():
		logger.Warn("deadline reached before window resolved",
			"key", string(key),
			"have_stale", cached != nil,
		)
		if cached != nil {
			e.metrics.Fallbacks.WithLabelValues(src, "stale").Inc()
			return coverage.Served{Window: w, Segment: cached, Stale: true}
		}
		e.metrics.Fallbacks.WithLabelValues(src, "gap").Inc()
		return coverage.Served{Window: w}
	}
}

// outcome is what one shared fetch produced for a window.
type outcome struct {
	segment *domain.DataSegment
	stale   bool
	// err is the upstream failure when the segment is a fallback or absent.
	err    error
	stored bool
}

// startFlight joins or starts the fetch chain for w. There is at most one
// chain per cache key; a caller that joins a chain started for an earlier
// asOf gets that chain's result and finds it stale on its next lookup. The
// chain runs on a context detached from ctx so it completes and populates
// the cache even when every waiting caller has gone.
func (e *Engine) startFlight(ctx context.Context, w freshness.Window, asOf time.Time, logger *slog.Logger) <-chan singleflight.Result {
	period := fetchPeriod(w, asOf)
	detached := context.WithoutCancel(ctx)
	return e.flights.DoChan(string(w.Key()), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(detached, e.fetchTimeout)
		defer cancel()
		return e.fetchChain(fetchCtx, w, period, logger), nil
	})
}

// fetchPeriod is the part of a window worth asking the provider for.
// Preliminary windows are only fetched through the day before asOf.
func fetchPeriod(w freshness.Window, asOf time.Time) domain.CoveragePeriod {
	p := w.Period
	if w.Source == domain.Preliminary && p.End.After(asOf) {
		p.End = asOf
	}
	return p
}

// fetchChain runs the fetch and its fallbacks: stale cache unless the
// provider reported a schema error, then the provider's last-resort
// location, then nothing.
func (e *Engine) fetchChain(ctx context.Context, w freshness.Window, period domain.CoveragePeriod, logger *slog.Logger) outcome {
	key := w.Key()
	src := w.Source.String()
	log := logger.With("source", src, "key", string(key))

	adapter := e.adapters[w.Source]
	events, err := adapter.Fetch(ctx, period)
	if err == nil {
		seg := e.newSegment(w, period, events, "")
		if cerr := e.commit(ctx, seg, log); cerr != nil {
			return outcome{segment: &seg, err: cerr}
		}
		return outcome{segment: &seg, stored: true}
	}
	log.Warn("window fetch failed", "error", err, "kind", source.KindOf(err).String())

	if source.IsPermanent(err) {
		if derr := e.store.Delete(key); derr != nil {
			log.Warn("invalidate after schema error failed", "error", derr)
		} else {
			log.Info("cache entry invalidated after schema error")
		}
	} else if prev, gerr := e.store.Get(key); gerr == nil {
		e.metrics.Fallbacks.WithLabelValues(src, "stale").Inc()
		log.Info("serving stale segment", "fetched_at", prev.FetchedAt)
		return outcome{segment: &prev, stale: true, err: err}
	}

	if lr, ok := adapter.(source.LastResortFetcher); ok {
		events, lerr := lr.FetchLastResort(ctx, period)
		if lerr == nil {
			seg := e.newSegment(w, period, events, LastResortWarning)
			cerr := e.commit(ctx, seg, log)
			e.metrics.Fallbacks.WithLabelValues(src, "last_resort").Inc()
			log.Warn("window served from last-resort location", "events", len(events))
			return outcome{segment: &seg, err: errors.Join(err, cerr), stored: cerr == nil}
		}
		err = errors.Join(err, lerr)
	}

	return e.fallback(w, log, err)
}

func (e *Engine) fallback(w freshness.Window, log *slog.Logger, err error) outcome {
	e.metrics.Fallbacks.WithLabelValues(w.Source.String(), "gap").Inc()
	log.Error("window unavailable from every source", "error", err)
	return outcome{err: source.Failure(source.Unavailable, err)}
}

func (e *Engine) newSegment(w freshness.Window, fetched domain.CoveragePeriod, events []domain.WeatherEvent, warning string) domain.DataSegment {
	if events == nil {
		events = []domain.WeatherEvent{}
	}
	return domain.DataSegment{
		Source:         w.Source,
		Period:         w.Period,
		Records:        events,
		FetchedAt:      e.clock.Now().UTC(),
		FetchedThrough: fetched.End,
		Quality:        domain.QualityFor(w.Source),
		Warning:        warning,
	}
}

// commit stores seg and hands it to the publisher. A store failure is
// returned and the segment is not published; the caller still serves seg.
// Publish failures are only logged.
func (e *Engine) commit(ctx context.Context, seg domain.DataSegment, log *slog.Logger) error {
	if err := e.store.Put(seg); err != nil {
		log.Error("cache write failed", "error", err)
		return fmt.Errorf("store %s: %w", seg.Key(), err)
	}
	log.Info("segment stored", "events", len(seg.Records), "quality", string(seg.Quality))

	if e.publisher == nil {
		return nil
	}
	if err := e.publisher.PublishSegment(ctx, seg); err != nil {
		log.Warn("segment publish failed", "error", err)
		return nil
	}
	e.metrics.EventsPublished.Add(float64(len(seg.Records)))
	return nil
}
