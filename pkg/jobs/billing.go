package jobs

import (
	"context"

	"github.com/pandasalon/salon-billing/pkg/billing"
	"github.com/pandasalon/salon-billing/pkg/config"
)

// Job names
const (
	ReconcileJob = "reconcile"
	ExpiryJob    = "expire"
)

// Reconciler is satisfied by *billing.Reconciler
type Reconciler interface {
	Run(ctx context.Context) (*billing.ReconcileReport, error)
}

// Expirer is satisfied by *billing.ExpiryJob
type Expirer interface {
	Run(ctx context.Context) (*billing.ExpiryReport, error)
}

// RegisterBillingJobs schedules the reconciliation and expiry sweeps
func RegisterBillingJobs(s *Scheduler, cfg config.JobsConfig, reconciler Reconciler, expirer Expirer) error {
	if err := s.Register(Job{
		Name:     ReconcileJob,
		Schedule: cfg.ReconcileSchedule,
		Run: func(ctx context.Context) error {
			_, err := reconciler.Run(ctx)
			return err
		},
	}); err != nil {
		return err
	}

	return s.Register(Job{
		Name:     ExpiryJob,
		Schedule: cfg.ExpirySchedule,
		Run: func(ctx context.Context) error {
			_, err := expirer.Run(ctx)
			return err
		},
	})
}
