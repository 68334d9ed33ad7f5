// Package scheduler keeps the tracked range of the cache warm in the
// background and evicts entries nobody has used in a while.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/storm-data-cache/internal/domain"
	"github.com/couchcryptid/storm-data-cache/internal/freshness"
	"github.com/couchcryptid/storm-data-cache/internal/observability"
)

// Refresher re-runs the fetch-and-cache path for one window. It is
// implemented by *reconcile.Engine.
type Refresher interface {
	Refresh(ctx context.Context, w freshness.Window, asOf time.Time) (bool, error)
}

// Evictor removes cache entries unused for longer than d.
type Evictor interface {
	EvictOlderThan(d time.Duration) (int, error)
}

// Options configures a Scheduler.
type Options struct {
	Refresher Refresher
	Evictor   Evictor
	Policy    *freshness.Policy

	Interval          time.Duration
	EvictionInterval  time.Duration
	EvictionThreshold time.Duration
	// Parallel bounds how many windows refresh at once. Defaults to 2.
	Parallel int

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// RunReport counts what one refresh or warmup pass did.
type RunReport struct {
	Windows   int `json:"windows"`
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
}

// Status is the scheduler's control-surface snapshot.
type Status struct {
	Running        bool      `json:"running"`
	LastRunAt      time.Time `json:"last_run_at,omitzero"`
	NextRunAt      time.Time `json:"next_run_at,omitzero"`
	LastRun        RunReport `json:"last_run"`
	LastEvictionAt time.Time `json:"last_eviction_at,omitzero"`
	NextEvictionAt time.Time `json:"next_eviction_at,omitzero"`
	LastEvicted    int       `json:"last_evicted"`
	WarmedUp       bool      `json:"warmed_up"`
}

// Scheduler runs the refresh and eviction jobs on their own tickers.
type Scheduler struct {
	refresher Refresher
	evictor   Evictor
	policy    *freshness.Policy

	interval          time.Duration
	evictionInterval  time.Duration
	evictionThreshold time.Duration
	parallel          int

	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	running  atomic.Bool
	warmedUp atomic.Bool

	mu     sync.Mutex
	status Status
}

// New creates a Scheduler. Refresher, Evictor and Policy are required.
func New(opts Options) (*Scheduler, error) {
	if opts.Refresher == nil || opts.Evictor == nil || opts.Policy == nil {
		return nil, errors.New("scheduler: refresher, evictor and policy are required")
	}
	if opts.Interval <= 0 || opts.EvictionInterval <= 0 || opts.EvictionThreshold <= 0 {
		return nil, fmt.Errorf("scheduler: intervals must be positive (refresh %s, eviction %s, threshold %s)",
			opts.Interval, opts.EvictionInterval, opts.EvictionThreshold)
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 2
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
	return &Scheduler{
		refresher:         opts.Refresher,
		evictor:           opts.Evictor,
		policy:            opts.Policy,
		interval:          opts.Interval,
		evictionInterval:  opts.EvictionInterval,
		evictionThreshold: opts.EvictionThreshold,
		parallel:          opts.Parallel,
		clock:             opts.Clock,
		logger:            opts.Logger,
		metrics:           opts.Metrics,
	}, nil
}

// Run ticks the refresh and eviction jobs until ctx is cancelled. Job
// failures are logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already running")
	}
	defer s.running.Store(false)

	refresh := s.clock.NewTicker(s.interval)
	defer refresh.Stop()
	evict := s.clock.NewTicker(s.evictionInterval)
	defer evict.Stop()

	now := s.clock.Now()
	s.update(func(st *Status) {
		st.NextRunAt = now.Add(s.interval)
		st.NextEvictionAt = now.Add(s.evictionInterval)
	})

	s.logger.Info("scheduler started",
		"interval", s.interval.String(),
		"eviction_interval", s.evictionInterval.String(),
		"eviction_threshold", s.evictionThreshold.String(),
	)
	s.metrics.SchedulerRunning.Set(1)
	defer s.metrics.SchedulerRunning.Set(0)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", "reason", ctx.Err())
			return nil
		case <-refresh.Chan():
			_, _ = s.RefreshTracked(ctx)
		case <-evict.Chan():
			_, _ = s.Evict()
		}
	}
}

// RefreshTracked refreshes every window of the tracked range that is
// missing or stale.
func (s *Scheduler) RefreshTracked(ctx context.Context) (RunReport, error) {
	start := s.clock.Now()
	asOf := domain.Today(s.clock)
	report, err := s.refreshWindows(ctx, s.policy.Plan(freshness.Tracked(asOf), asOf), asOf)

	s.update(func(st *Status) {
		st.LastRunAt = start
		st.NextRunAt = start.Add(s.interval)
		st.LastRun = report
	})
	s.recordRun("refresh", err)
	s.logger.Info("scheduled refresh finished",
		"windows", report.Windows,
		"refreshed", report.Refreshed,
		"failed", report.Failed,
		"duration", s.clock.Since(start).String(),
	)
	return report, err
}

// Evict removes entries unused for longer than the eviction threshold.
func (s *Scheduler) Evict() (int, error) {
	start := s.clock.Now()
	n, err := s.evictor.EvictOlderThan(s.evictionThreshold)
	s.metrics.CacheEvicted.Add(float64(n))

	s.update(func(st *Status) {
		st.LastEvictionAt = start
		st.NextEvictionAt = start.Add(s.evictionInterval)
		st.LastEvicted = n
	})
	s.recordRun("evict", err)
	if err != nil {
		s.logger.Error("eviction failed", "error", err, "evicted", n)
		return n, err
	}
	s.logger.Info("eviction finished", "evicted", n, "threshold", s.evictionThreshold.String())
	return n, nil
}

// Warmup refreshes every window of periods that is missing or stale.
// The scheduler counts as warmed up once a warmup pass has completed,
// even if some windows failed.
func (s *Scheduler) Warmup(ctx context.Context, periods []domain.CoveragePeriod) (RunReport, error) {
	start := s.clock.Now()
	asOf := domain.Today(s.clock)

	seen := make(map[domain.CacheKey]struct{})
	var windows []freshness.Window
	for _, p := range periods {
		for _, w := range s.policy.Plan(domain.Period(p.Start, p.End), asOf) {
			if _, dup := seen[w.Key()]; dup {
				continue
			}
			seen[w.Key()] = struct{}{}
			windows = append(windows, w)
		}
	}

	report, err := s.refreshWindows(ctx, windows, asOf)
	if ctx.Err() == nil {
		s.warmedUp.Store(true)
		s.update(func(st *Status) { st.WarmedUp = true })
	}
	s.recordRun("warmup", err)
	s.logger.Info("warmup finished",
		"periods", len(periods),
		"windows", report.Windows,
		"refreshed", report.Refreshed,
		"failed", report.Failed,
		"duration", s.clock.Since(start).String(),
	)
	return report, err
}

// WarmupYears warms whole calendar years.
func (s *Scheduler) WarmupYears(ctx context.Context, years []int) (RunReport, error) {
	periods := make([]domain.CoveragePeriod, 0, len(years))
	for _, y := range years {
		start := domain.Date(y, time.January, 1)
		periods = append(periods, domain.CoveragePeriod{Start: start, End: start.AddDate(1, 0, 0)})
	}
	return s.Warmup(ctx, periods)
}

// WarmedUp reports whether a warmup pass has completed.
func (s *Scheduler) WarmedUp() bool { return s.warmedUp.Load() }

// Status returns a snapshot of the scheduler's state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	st.Running = s.running.Load()
	return st
}

func (s *Scheduler) refreshWindows(ctx context.Context, windows []freshness.Window, asOf time.Time) (RunReport, error) {
	report := RunReport{Windows: len(windows)}
	var (
		mu   sync.Mutex
		errs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for _, w := range windows {
		g.Go(func() error {
			stored, err := s.refresher.Refresh(gctx, w, asOf)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				errs = append(errs, fmt.Errorf("%s: %w", w.Key(), err))
				s.logger.Warn("window refresh failed", "key", string(w.Key()), "error", err)
				return nil
			}
			if stored {
				report.Refreshed++
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, errors.Join(errs...)
}

func (s *Scheduler) update(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}

func (s *Scheduler) recordRun(job string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.metrics.SchedulerRuns.WithLabelValues(job, outcome).Inc()
}
