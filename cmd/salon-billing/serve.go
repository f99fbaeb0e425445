package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pandasalon/salon-billing/pkg/api"
	"github.com/pandasalon/salon-billing/pkg/async"
	"github.com/pandasalon/salon-billing/pkg/middleware"
	"github.com/pandasalon/salon-billing/pkg/observability"
)

const replicaHealthInterval = 30 * time.Second

func newServeCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled billing jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			return a.serve(ctx)
		},
	}
}

// serve blocks until ctx is cancelled or the HTTP server fails, then runs
// the shutdown hooks.
func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Environment:    cfg.Observability.OTelEnvironment,
		Provider:       string(a.provider.Name()),
		SampleRatio:    cfg.Observability.OTelSampleRatio,
		Insecure:       cfg.Observability.OTelInsecure,
	}, a.logger)
	if err != nil {
		_ = a.shutdown.Shutdown(context.Background())
		return err
	}
	a.shutdown.Register("otel", otelProviders.Shutdown)

	n, err := a.seedPlans(ctx)
	if err != nil {
		_ = a.shutdown.Shutdown(context.Background())
		return fmt.Errorf("failed to seed plans: %w", err)
	}
	a.logger.WithField("plans", n).Info("Plan catalog seeded")

	health := observability.NewHealthChecker(Version)
	if a.db != nil {
		health.AddCritical("database", observability.DatabaseProbe(a.db.Primary()))
		health.AddOptional("reporting_replicas", a.db.ReplicaHealth)
		a.db.StartReplicaPruning(ctx, replicaHealthInterval)
	}
	if a.redis != nil {
		health.AddOptional("redis", observability.RedisProbe(a.redis))
	}

	server := api.NewServer(api.Dependencies{
		Billing:         a.service,
		Recovery:        a.reconciler,
		Webhooks:        a.processor,
		SignatureHeader: a.provider.SignatureHeader(),
		Health:          health,
		RateLimiter:     a.newRateLimiter(ctx),
		Metrics:         a.metrics,
		Registry:        a.registry,
		Logger:          a.logger,
	})

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Jobs.Enabled {
		scheduler, err := a.newScheduler()
		if err != nil {
			_ = a.shutdown.Shutdown(context.Background())
			return err
		}
		scheduler.Start(gctx)
		a.shutdown.Register("scheduler", func(ctx context.Context) error {
			select {
			case <-scheduler.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	} else {
		a.logger.Info("Scheduled jobs are disabled")
	}

	a.shutdown.Register("http", httpServer.Shutdown)

	async.SafeGo(gctx, 10*time.Second, "plan catalog warm", func(ctx context.Context) error {
		_, err := a.catalog.List(ctx)
		return err
	})

	g.Go(func() error {
		a.logger.WithField("addr", httpServer.Addr).Info("Starting salon billing server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down")
		return a.shutdown.Shutdown(context.Background())
	})

	return g.Wait()
}

// newRateLimiter returns nil when per-tenant limiting is off. With Redis
// configured every replica shares one budget.
func (a *app) newRateLimiter(ctx context.Context) middleware.Limiter {
	rl := a.cfg.RateLimit
	if !rl.Enabled {
		return nil
	}
	limits := &middleware.RateLimitConfig{
		RequestsPerWindow: rl.Requests,
		WindowDuration:    rl.Window,
		BurstSize:         rl.Burst,
	}
	if a.redis != nil {
		a.logger.Info("Using Redis tenant rate limiter")
		return middleware.NewDistributedRateLimiter(a.redis, limits, "")
	}
	limiter := middleware.NewRateLimiter(limits)
	limiter.StartCleanup(ctx)
	return limiter
}
