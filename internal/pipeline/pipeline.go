// Package pipeline runs resolve requests on a fixed pool of workers so a
// burst of report requests cannot fan out into unbounded upstream fetches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/storm-data-cache/internal/domain"
	"github.com/couchcryptid/storm-data-cache/internal/observability"
	"github.com/couchcryptid/storm-data-cache/internal/reconcile"
)

// ErrStopped is returned by Submit once the pool has shut down.
var ErrStopped = errors.New("resolve pool stopped")

// Resolver resolves one requested range. It is implemented by
// *reconcile.Engine.
type Resolver interface {
	Resolve(ctx context.Context, req domain.CoveragePeriod, asOf time.Time) (reconcile.Result, error)
}

// Request is one logical report request. A zero AsOf means today.
type Request struct {
	Period domain.CoveragePeriod
	AsOf   time.Time
}

type job struct {
	ctx  context.Context
	req  Request
	done chan response
}

type response struct {
	result reconcile.Result
	err    error
}

// Pool processes one Resolve call per submitted request.
type Pool struct {
	resolver Resolver
	logger   *slog.Logger
	metrics  *observability.Metrics
	workers  int
	timeout  time.Duration

	jobs    chan job
	stopped chan struct{}
	once    sync.Once
	ready   atomic.Bool
}

// New creates a Pool of workers goroutines. timeout is the deadline applied
// to requests whose context carries none.
func New(r Resolver, logger *slog.Logger, metrics *observability.Metrics, workers int, timeout time.Duration) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		resolver: r,
		logger:   logger,
		metrics:  metrics,
		workers:  workers,
		timeout:  timeout,
		jobs:     make(chan job),
		stopped:  make(chan struct{}),
	}
}

// MarkReady flags the pool as ready to serve. The service calls it once
// startup warmup has finished, or straight away when warmup is disabled.
func (p *Pool) MarkReady() { p.ready.Store(true) }

// CheckReadiness returns nil once MarkReady has been called, or an error
// describing why the service is not yet ready.
func (p *Pool) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("cache warmup has not finished yet")
	}
	return nil
}

// Run starts the workers and blocks until ctx is cancelled. In-flight
// requests finish before Run returns; later submissions fail with ErrStopped.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("resolve pool started", "workers", p.workers, "default_timeout", p.timeout.String())

	var wg sync.WaitGroup
	for i := range p.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx, i)
		}()
	}

	<-ctx.Done()
	p.logger.Info("resolve pool stopping", "reason", ctx.Err())
	wg.Wait()
	p.once.Do(func() { close(p.stopped) })
	return nil
}

func (p *Pool) work(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			res, err := p.resolver.Resolve(j.ctx, j.req.Period, j.req.AsOf)
			if err != nil {
				p.logger.Warn("resolve rejected", "worker", id, "period", j.req.Period.String(), "error", err)
			}
			j.done <- response{result: res, err: err}
		}
	}
}

// Submit queues req and waits for its result. It is the entry point for
// report builders, in process or through cachectl resolve. When ctx has no
// deadline the pool's default timeout is applied; the resolver returns
// best-effort data once it expires.
func (p *Pool) Submit(ctx context.Context, req Request) (reconcile.Result, error) {
	if _, ok := ctx.Deadline(); !ok && p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if req.AsOf.IsZero() {
		req.AsOf = time.Now().UTC()
	}

	j := job{ctx: ctx, req: req, done: make(chan response, 1)}

	p.metrics.PoolQueueDepth.Inc()
	select {
	case p.jobs <- j:
		p.metrics.PoolQueueDepth.Dec()
	case <-p.stopped:
		p.metrics.PoolQueueDepth.Dec()
		return reconcile.Result{}, ErrStopped
	case <-ctx.Done():
		p.metrics.PoolQueueDepth.Dec()
		return reconcile.Result{}, fmt.Errorf("waiting for a resolve worker: %w", ctx.Err())
	}

	r := <-j.done
	return r.result, r.err
}
