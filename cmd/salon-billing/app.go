package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/pandasalon/salon-billing/pkg/billing"
	"github.com/pandasalon/salon-billing/pkg/billing/providers"
	"github.com/pandasalon/salon-billing/pkg/config"
	"github.com/pandasalon/salon-billing/pkg/jobs"
	"github.com/pandasalon/salon-billing/pkg/observability"
	"github.com/pandasalon/salon-billing/pkg/storage/memory"
	"github.com/pandasalon/salon-billing/pkg/storage/postgres"
	"github.com/pandasalon/salon-billing/pkg/storage/redislock"
)

// app holds the wired components shared by every subcommand
type app struct {
	cfg    *config.Config
	logger *observability.Logger

	registry *prometheus.Registry
	metrics  *observability.Metrics

	store billing.Store
	db    *postgres.ConnectionManager // nil for the memory store
	redis *redis.Client               // nil when redis is disabled

	provider   billing.Provider
	catalog    *billing.Catalog
	processor  *billing.Processor
	service    *billing.Service
	reconciler *billing.Reconciler
	expiry     *billing.ExpiryJob

	shutdown *observability.ShutdownManager
}

func newLogger(cfg *config.Config) *observability.Logger {
	return observability.NewLoggerWithFormat(cfg.Observability.LogLevel, os.Stdout, cfg.Observability.LogFormat).
		WithField("service", "salon-billing")
}

// newApp connects the store and builds the billing components. Resources it
// opens are registered with the app's shutdown manager.
func newApp(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		shutdown: observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout),
	}

	if cfg.Observability.MetricsEnabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = observability.NewMetrics(a.registry)
	}

	if err := a.openStore(); err != nil {
		return nil, err
	}

	if cfg.Redis.Enabled {
		client, err := redislock.NewRedisClient(redislock.ClientConfig{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			_ = a.shutdown.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redis = client
		a.shutdown.Register("redis", func(context.Context) error { return client.Close() })
	}

	provider, err := providers.New(cfg.Billing)
	if err != nil {
		_ = a.shutdown.Shutdown(ctx)
		return nil, err
	}
	a.provider = provider

	catalog, err := billing.NewCatalog(a.store)
	if err != nil {
		_ = a.shutdown.Shutdown(ctx)
		return nil, err
	}
	a.catalog = catalog

	opts := billing.Options{Logger: logger, Metrics: a.metrics}
	a.processor = billing.NewProcessor(a.store, provider, opts)
	a.service = billing.NewService(a.store, provider, catalog, opts)
	a.reconciler = billing.NewReconciler(a.store, provider, a.processor, reconcilerConfig(cfg.Jobs), opts)
	a.expiry = billing.NewExpiryJob(a.store, opts)

	logger.WithFields(map[string]interface{}{
		"store":    cfg.Database.Store,
		"provider": string(provider.Name()),
		"redis":    cfg.Redis.Enabled,
	}).Info("Billing components initialized")
	return a, nil
}

func (a *app) openStore() error {
	switch a.cfg.Database.Store {
	case config.StoreMemory:
		a.logger.Warn("Using the in-memory store; data is lost on exit")
		a.store = memory.New()
		return nil
	case config.StorePostgres:
		cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
			PrimaryURL:  a.cfg.Database.URL,
			ReplicaURLs: postgres.ParseReplicaURLs(a.cfg.Database.ReplicaURLs),
			MaxConns:    a.cfg.Database.MaxConns,
			MinConns:    a.cfg.Database.MinConns,
			Timeout:     a.cfg.Database.Timeout,
			MaxLifetime: a.cfg.Database.MaxLifetime,
			MaxIdleTime: a.cfg.Database.MaxIdleTime,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		a.db = cm
		a.store = postgres.NewBillingStoreWithManager(cm)
		a.shutdown.Register("database", func(context.Context) error { return cm.Close() })
		return nil
	default:
		return fmt.Errorf("invalid store: %s", a.cfg.Database.Store)
	}
}

func reconcilerConfig(jc config.JobsConfig) billing.ReconcilerConfig {
	rc := billing.DefaultReconcilerConfig()
	if jc.StaleAfter > 0 {
		rc.StaleAfter = jc.StaleAfter
	}
	if jc.AbandonAfter > 0 {
		rc.AbandonAfter = jc.AbandonAfter
	}
	if jc.ProviderTimeout > 0 {
		rc.ProviderTimeout = jc.ProviderTimeout
	}
	if jc.ProviderAttempts > 0 {
		rc.Attempts = jc.ProviderAttempts
	}
	if jc.Workers > 0 {
		rc.Workers = jc.Workers
	}
	if jc.BatchSize > 0 {
		rc.BatchSize = jc.BatchSize
	}
	if jc.MaxReconcileRetries > 0 {
		rc.MaxRetries = jc.MaxReconcileRetries
	}
	return rc
}

// seedPlans loads the configured catalog and upserts it
func (a *app) seedPlans(ctx context.Context) (int, error) {
	plans, err := billing.LoadPlans(a.cfg.Billing.PlansFile)
	if err != nil {
		return 0, err
	}
	if err := billing.SeedPlans(ctx, a.store, plans); err != nil {
		return 0, err
	}
	a.catalog.Purge()
	return len(plans), nil
}

// newScheduler registers the billing sweeps, guarded by the redis lock when
// redis is enabled.
func (a *app) newScheduler() (*jobs.Scheduler, error) {
	opts := []jobs.Option{jobs.WithMetrics(a.metrics)}
	if a.redis != nil {
		opts = append(opts, jobs.WithLocker(redislock.New(a.redis), a.cfg.Redis.LockTTL))
	}

	scheduler := jobs.NewScheduler(a.logger, opts...)
	if err := jobs.RegisterBillingJobs(scheduler, a.cfg.Jobs, a.reconciler, a.expiry); err != nil {
		return nil, err
	}
	return scheduler, nil
}
