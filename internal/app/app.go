// Package app wires configuration into the pipeline components shared by
// the API server and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kurihiro0119/devcohort/internal/aggregator"
	"github.com/kurihiro0119/devcohort/internal/cache"
	"github.com/kurihiro0119/devcohort/internal/cohort"
	"github.com/kurihiro0119/devcohort/internal/collector"
	"github.com/kurihiro0119/devcohort/internal/config"
	"github.com/kurihiro0119/devcohort/internal/metrics"
	"github.com/kurihiro0119/devcohort/internal/storage"
	"github.com/kurihiro0119/devcohort/internal/storage/postgres"
	"github.com/kurihiro0119/devcohort/internal/storage/sqlite"
	"github.com/kurihiro0119/devcohort/internal/syncjob"
)

// App holds the constructed components
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Store      storage.Storage
	Metrics    *metrics.Metrics
	Aggregator aggregator.Aggregator
	Params     cohort.Params

	// Runner is nil when the app was opened without upstream access
	Runner *syncjob.Runner

	closers []func() error
}

// OpenStorage opens the configured store and applies migrations
func OpenStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.StorageType {
	case "postgres":
		return postgres.NewPostgresStorage(cfg.PostgresURL)
	default:
		return sqlite.NewSQLiteStorage(cfg.SQLitePath)
	}
}

// OpenCache opens the configured response cache
func OpenCache(ctx context.Context, cfg *config.Config) (cache.Store, func() error, error) {
	if cfg.CacheType == "redis" {
		r, err := cache.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	}
	return cache.NewMemoryStore(), func() error { return nil }, nil
}

// UpstreamFactory returns a factory of GitHub clients sharing one governor
// and cache. Each sync gets an executor with its own request policy.
func UpstreamFactory(token string, governor *collector.Governor, store cache.Store, logger *zap.Logger, m *metrics.Metrics) cohort.UpstreamFactory {
	return func(p cohort.Params) cohort.Upstream {
		exec := collector.NewExecutor(governor, store, collector.ExecutorConfig{
			RequestTimeout: p.RequestTimeout.Std(),
			Retry: collector.RetryPolicy{
				Attempts:  p.RetryAttempts,
				BaseDelay: p.RetryBaseDelay.Std(),
				MaxDelay:  p.RetryMaxDelay.Std(),
			},
		}, logger, m)
		return collector.NewGitHubCollector(token, exec, p.GraphQLThrottle.Std(), logger)
	}
}

// New builds the app. withUpstream also builds the sync runner, which
// needs a GitHub token.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, withUpstream bool) (*App, error) {
	validate := cfg.ValidateStorage
	if withUpstream {
		validate = cfg.Validate
	}
	if err := validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(prometheus.NewRegistry()),
		Params:  cohort.DefaultParams(cfg.Sampling, cfg.Upstream),
	}

	store, err := OpenStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s storage: %w", cfg.StorageType, err)
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)
	a.Aggregator = aggregator.NewAggregator(store, aggregator.DefaultPeriods(cfg.Sampling.BaselineYears, cfg.PostPeriodStart))

	if !withUpstream {
		return a, nil
	}

	responses, closeCache, err := OpenCache(ctx, cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeCache)

	governor := collector.NewGovernor(logger, a.Metrics)
	factory := UpstreamFactory(cfg.GitHubToken, governor, responses, logger, a.Metrics)
	builder := cohort.NewBuilder(factory, store, logger, a.Metrics)
	a.Runner = syncjob.NewRunner(store, builder, cfg.SyncLeaseTTL, logger, a.Metrics).WithQuota(governor.Status)
	return a, nil
}

// Close releases the app's resources in reverse order
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
