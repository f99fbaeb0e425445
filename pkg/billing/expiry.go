package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pandasalon/salon-billing/pkg/observability"
)

// ExpiryReport summarizes one expiry sweep
type ExpiryReport struct {
	TrialsExpired int `json:"trials_expired"`
	EnteredGrace  int `json:"entered_grace"`
	GraceExpired  int `json:"grace_expired"`
	Cancelled     int `json:"cancelled"`
	FreeRenewed   int `json:"free_renewed"`
	Skipped       int `json:"skipped"`
	Errors        int `json:"errors"`
}

// ExpiryJob drives time-based subscription transitions
type ExpiryJob struct {
	store Store
	opts  Options
	log   *observability.Logger
}

// NewExpiryJob creates an expiry job
func NewExpiryJob(store Store, opts Options) *ExpiryJob {
	opts = opts.withDefaults()
	return &ExpiryJob{
		store: store,
		opts:  opts,
		log:   opts.Logger.WithField("component", "expiry_job"),
	}
}

type expiryAction int

const (
	actionExpireTrial expiryAction = iota
	actionEnterGrace
	actionExpireGrace
	actionCancel
	actionRenewFree
)

// Run performs one sweep. Each subscription is handled in its own unit of
// work, guarded on the status it was listed with, so concurrent runs
// resolve to a single transition.
func (j *ExpiryJob) Run(ctx context.Context) (*ExpiryReport, error) {
	ctx, span := tracer().Start(ctx, "billing.ExpireSubscriptions")
	defer span.End()

	now := j.opts.Clock()
	report := &ExpiryReport{}

	trials, err := j.store.ListSubscriptionsEndingBefore(ctx, SubscriptionTrial, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired trials: %w", err)
	}
	for _, sub := range trials {
		j.apply(ctx, sub, actionExpireTrial, now, report)
	}

	active, err := j.store.ListSubscriptionsEndingBefore(ctx, SubscriptionActive, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list lapsed subscriptions: %w", err)
	}
	for _, sub := range active {
		switch {
		case sub.CancelAtPeriodEnd:
			j.apply(ctx, sub, actionCancel, now, report)
		case !sub.Plan.IsPaid():
			j.apply(ctx, sub, actionRenewFree, now, report)
		default:
			j.apply(ctx, sub, actionEnterGrace, now, report)
		}
	}

	grace, err := j.store.ListSubscriptionsEndingBefore(ctx, SubscriptionGrace, now.Add(-GraceWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to list grace subscriptions: %w", err)
	}
	for _, sub := range grace {
		j.apply(ctx, sub, actionExpireGrace, now, report)
	}

	j.log.WithFields(map[string]interface{}{
		"trials_expired": report.TrialsExpired,
		"entered_grace":  report.EnteredGrace,
		"grace_expired":  report.GraceExpired,
		"cancelled":      report.Cancelled,
		"free_renewed":   report.FreeRenewed,
		"skipped":        report.Skipped,
		"errors":         report.Errors,
	}).Info("Expiry sweep finished")

	return report, nil
}

func (j *ExpiryJob) apply(ctx context.Context, sub *Subscription, action expiryAction, now time.Time, report *ExpiryReport) {
	eff := &effects{}
	err := j.store.WithTx(ctx, func(repo Repository) error {
		switch action {
		case actionEnterGrace:
			from := sub.Status
			if err := sub.EnterGrace(now); err != nil {
				return err
			}
			if err := repo.UpdateSubscription(ctx, sub, from); err != nil {
				return err
			}
			eff.transition(from, SubscriptionGrace)
			return nil
		case actionCancel:
			return endWithFallback(ctx, repo, sub, SubscriptionCancelled, now, eff)
		default:
			return endWithFallback(ctx, repo, sub, SubscriptionExpired, now, eff)
		}
	})

	log := j.log.WithFields(map[string]interface{}{
		"subscription_id": sub.ID,
		"tenant_id":       sub.TenantID,
	})
	switch {
	case errors.Is(err, ErrStaleState):
		report.Skipped++
		log.Debug("Subscription changed concurrently, skipping")
		return
	case err != nil:
		report.Errors++
		log.WithError(err).Error("Failed to apply expiry transition")
		return
	}

	eff.publish(j.opts.Metrics)
	switch action {
	case actionExpireTrial:
		report.TrialsExpired++
		log.Info("Trial expired, fell back to free plan")
	case actionEnterGrace:
		report.EnteredGrace++
		log.Info("Subscription entered grace period")
	case actionExpireGrace:
		report.GraceExpired++
		log.Info("Grace period over, fell back to free plan")
	case actionCancel:
		report.Cancelled++
		log.Info("Subscription cancelled at period end")
	case actionRenewFree:
		report.FreeRenewed++
		log.Debug("Free plan term rolled over")
	}
}
