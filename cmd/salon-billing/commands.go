package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pandasalon/salon-billing/pkg/jobs"
	"github.com/pandasalon/salon-billing/pkg/storage/postgres"
)

// withApp loads configuration, builds the app, runs fn and releases resources
func withApp(cmd *cobra.Command, flags *rootFlags, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}

	runErr := fn(ctx, a)
	if err := a.shutdown.Shutdown(context.Background()); err != nil {
		a.logger.WithError(err).Warn("Shutdown completed with errors")
	}
	return runErr
}

func newReconcileCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep over stale payments and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				return a.runJob(ctx, jobs.ReconcileJob)
			})
		},
	}
}

func newExpireCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Run one subscription expiry sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				return a.runJob(ctx, jobs.ExpiryJob)
			})
		},
	}
}

func newSeedPlansCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "seed-plans",
		Short: "Create or update the plan catalog from SALON_PLANS_FILE or the built-in defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				n, err := a.seedPlans(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d plans\n", n)
				return nil
			})
		},
	}
}

func newMigrateCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the billing schema to the postgres database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				return a.migrate(ctx)
			})
		},
	}
}

// runJob executes a scheduled job once, under the same lock the scheduler uses
func (a *app) runJob(ctx context.Context, name string) error {
	scheduler, err := a.newScheduler()
	if err != nil {
		return err
	}
	return scheduler.RunOnce(ctx, name)
}

func (a *app) migrate(ctx context.Context) error {
	if a.db == nil {
		return errors.New("migrate requires the postgres store")
	}
	if err := postgres.Migrate(ctx, a.db.Primary()); err != nil {
		return err
	}
	a.logger.Info("Schema applied")
	return nil
}
