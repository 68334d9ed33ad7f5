package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/couchcryptid/storm-data-cache/internal/adapter/httpadapter"
	"github.com/couchcryptid/storm-data-cache/internal/config"
	"github.com/couchcryptid/storm-data-cache/internal/observability"
	"github.com/couchcryptid/storm-data-cache/internal/scheduler"
	"github.com/couchcryptid/storm-data-cache/internal/service"
)

func main() {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()

	svc, err := service.Build(cfg, nil, logger, metrics)
	if err != nil {
		logger.Error("failed to build cache engine", "error", err)
		os.Exit(1)
	}

	pool := svc.Pool

	sched, err := scheduler.New(scheduler.Options{
		Refresher:         svc.Engine,
		Evictor:           svc.Store,
		Policy:            svc.Policy,
		Interval:          cfg.SchedulerInterval,
		EvictionInterval:  cfg.EvictionInterval,
		EvictionThreshold: cfg.EvictionThreshold,
		Logger:            logger,
		Metrics:           metrics,
	})
	if err != nil {
		logger.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, pool, sched, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start HTTP server. Readiness stays false until warmup has finished.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start resolve workers.
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(ctx); err != nil {
			logger.Error("resolve pool error", "error", err)
		}
	}()

	// Warm up, then start the background scheduler.
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if cfg.WarmupOnStartup {
			if _, err := sched.WarmupYears(ctx, cfg.WarmupYears); err != nil {
				logger.Warn("warmup finished with failures", "error", err)
			}
		}
		if ctx.Err() != nil {
			return
		}
		pool.MarkReady()
		if err := sched.Run(ctx); err != nil {
			logger.Error("scheduler error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	for _, done := range []chan struct{}{poolDone, schedDone} {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			logger.Warn("shutdown timeout reached before background work stopped")
		}
	}
	if err := svc.Close(); err != nil {
		logger.Error("cache engine close error", "error", err)
	}

	logger.Info("shutdown complete")
}
