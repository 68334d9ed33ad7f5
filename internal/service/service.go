// Package service assembles the cache engine from configuration. The
// long-running server and the ops CLI share it so both see the same store,
// policy and providers.
package service

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	kafkaadapter "github.com/couchcryptid/storm-data-cache/internal/adapter/kafka"
	"github.com/couchcryptid/storm-data-cache/internal/adapter/ncei"
	"github.com/couchcryptid/storm-data-cache/internal/adapter/nws"
	"github.com/couchcryptid/storm-data-cache/internal/adapter/spc"
	"github.com/couchcryptid/storm-data-cache/internal/config"
	"github.com/couchcryptid/storm-data-cache/internal/freshness"
	"github.com/couchcryptid/storm-data-cache/internal/observability"
	"github.com/couchcryptid/storm-data-cache/internal/pipeline"
	"github.com/couchcryptid/storm-data-cache/internal/reconcile"
	"github.com/couchcryptid/storm-data-cache/internal/source"
	"github.com/couchcryptid/storm-data-cache/internal/store"
)

// Service holds the wired components. Report requests go through Pool,
// which must be running; Close releases the store and the publisher.
type Service struct {
	Config   *config.Config
	Store    *store.FileStore
	Policy   *freshness.Policy
	Adapters []source.Adapter
	Engine   *reconcile.Engine
	Pool     *pipeline.Pool
	Logger   *slog.Logger

	publisher *kafkaadapter.Publisher
}

// Build opens the store and wires every provider and the engine. A nil clock
// uses the real clock.
func Build(cfg *config.Config, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) (*Service, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	policy, err := freshness.New(cfg.Freshness())
	if err != nil {
		return nil, err
	}

	adapters, err := Adapters(cfg, clock, logger, metrics)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(store.Options{
		Dir:     cfg.CacheDir,
		HotSize: cfg.CacheHotSize,
		Clock:   clock,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	svc := &Service{
		Config:   cfg,
		Store:    st,
		Policy:   policy,
		Adapters: adapters,
		Logger:   logger,
	}

	opts := reconcile.Options{
		Store:        st,
		Policy:       policy,
		Adapters:     adapters,
		FetchTimeout: cfg.Retry().TotalTimeout(),
		Clock:        clock,
		Logger:       logger,
		Metrics:      metrics,
	}
	if cfg.KafkaEnabled {
		svc.publisher = kafkaadapter.NewPublisher(cfg, logger)
		opts.Publisher = svc.publisher
		logger.Info("segment publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaSinkTopic)
	}

	svc.Engine, err = reconcile.New(opts)
	if err != nil {
		return nil, errors.Join(err, svc.Close())
	}
	svc.Pool = pipeline.New(svc.Engine, logger, metrics, cfg.ResolveWorkers, cfg.ResolveTimeout)
	return svc, nil
}

// Adapters builds the provider clients, each throttled per request by its
// own limiter and wrapped in the retry decorator. The live-alert provider is
// only included when enabled.
func Adapters(cfg *config.Config, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) ([]source.Adapter, error) {
	retry := cfg.Retry()

	archive := ncei.NewClient(ncei.Options{
		BaseURL:    cfg.NCEIBaseURL,
		UserAgent:  cfg.UserAgent,
		Timeout:    cfg.FetchTimeout,
		LagDays:    cfg.AuthoritativeLagDays,
		LastResort: cfg.NCEILastResort,
		Limiter:    retry.Limiter(),
		Clock:      clock,
		Logger:     logger,
	})
	reports := spc.NewClient(spc.Options{
		BaseURL:   cfg.SPCBaseURL,
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.FetchTimeout,
		Limiter:   retry.Limiter(),
		Logger:    logger,
	})

	adapters := []source.Adapter{
		source.NewRetrying(archive, retry, logger, metrics),
		source.NewRetrying(reports, retry, logger, metrics),
	}

	if !cfg.LiveAlertsEnabled {
		logger.Info("live alerts disabled")
		return adapters, nil
	}
	alerts, err := nws.NewClient(nws.Options{
		BaseURL:   cfg.NWSBaseURL,
		UserAgent: cfg.NWSUserAgent,
		Timeout:   cfg.FetchTimeout,
		Cadence:   cfg.LiveAlertTTL,
		Limiter:   retry.Limiter(),
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("live alert adapter: %w", err)
	}
	return append(adapters, source.NewRetrying(alerts, retry, logger, metrics)), nil
}

// Close flushes the publisher and closes the store.
func (s *Service) Close() error {
	var errs []error
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka publisher close: %w", err))
		}
	}
	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cache store close: %w", err))
	}
	return errors.Join(errs...)
}
