package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pandasalon/salon-billing/pkg/observability"
)

// Service is the tenant-facing side of billing: upgrades, trials,
// cancellation and read models.
type Service struct {
	store    Store
	provider Provider
	catalog  *Catalog
	opts     Options
	log      *observability.Logger
}

// NewService creates a billing service
func NewService(store Store, provider Provider, catalog *Catalog, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		store:    store,
		provider: provider,
		catalog:  catalog,
		opts:     opts,
		log:      opts.Logger.WithField("component", "billing_service"),
	}
}

// CreatePayment records a CREATED transaction, opens a provider checkout and
// moves the transaction to PENDING. If the provider call fails the row stays
// CREATED and ErrCheckoutUnavailable is returned.
func (s *Service) CreatePayment(ctx context.Context, tenantID int64, planType PlanType) (*BillingTransaction, string, error) {
	plan, err := s.catalog.Get(ctx, planType)
	if err != nil {
		return nil, "", err
	}
	if !plan.Type.IsPaid() {
		return nil, "", fmt.Errorf("%w: %s cannot be purchased", ErrInvalidPlan, plan.Type)
	}

	tx := &BillingTransaction{
		TenantID:  tenantID,
		Plan:      plan.Type,
		Amount:    plan.MonthlyPrice,
		Currency:  plan.Currency,
		Status:    TransactionCreated,
		Provider:  s.provider.Name(),
		CreatedAt: s.opts.Clock(),
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, "", fmt.Errorf("failed to create transaction: %w", err)
	}

	log := s.log.WithFields(map[string]interface{}{
		"tx_id":     tx.ID,
		"tenant_id": tenantID,
		"plan":      string(plan.Type),
	})

	start := time.Now()
	checkout, err := s.provider.CreateCheckout(ctx, tenantID, plan, tx)
	s.opts.Metrics.ObserveProviderCall(string(s.provider.Name()), "create_checkout", time.Since(start), err)
	if err != nil {
		log.WithError(err).Warn("Checkout creation failed, transaction left CREATED")
		return tx, "", fmt.Errorf("%w: %w", ErrCheckoutUnavailable, err)
	}

	tx.ExternalOrderID = checkout.ExternalOrderID
	tx.Status = TransactionPending
	if err := s.store.UpdateTransaction(ctx, tx, TransactionCreated); err != nil {
		return nil, "", fmt.Errorf("failed to mark transaction pending: %w", err)
	}

	log.WithField("external_order_id", tx.ExternalOrderID).Info("Checkout created")
	return tx, checkout.CheckoutURL, nil
}

// UpgradePlan validates an upgrade and starts a payment for it
func (s *Service) UpgradePlan(ctx context.Context, tenantID int64, target PlanType) (*BillingTransaction, string, error) {
	pending, err := s.store.HasTransactionWithStatus(ctx, tenantID, TransactionPending)
	if err != nil {
		return nil, "", fmt.Errorf("failed to check pending payments: %w", err)
	}
	if pending {
		return nil, "", ErrPaymentInProgress
	}

	current, err := s.currentOrNil(ctx, tenantID)
	if err != nil {
		return nil, "", err
	}
	if current != nil && current.Status == SubscriptionActive && current.Plan.IsPaid() {
		if current.Plan == target {
			return nil, "", ErrAlreadyOnPlan
		}
		return nil, "", ErrAlreadySubscribed
	}
	if err := ValidateUpgrade(current, target); err != nil {
		return nil, "", err
	}

	return s.CreatePayment(ctx, tenantID, target)
}

// CurrentSubscription returns the tenant's live subscription
func (s *Service) CurrentSubscription(ctx context.Context, tenantID int64) (*Subscription, error) {
	return s.store.CurrentSubscription(ctx, tenantID)
}

// SubscriptionHistory returns every subscription row for a tenant, newest first
func (s *Service) SubscriptionHistory(ctx context.Context, tenantID int64) ([]*Subscription, error) {
	return s.store.SubscriptionHistory(ctx, tenantID)
}

// Lifecycle returns the tenant-facing lifecycle summary
func (s *Service) Lifecycle(ctx context.Context, tenantID int64) (*LifecycleView, error) {
	sub, err := s.store.CurrentSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	view := sub.Lifecycle(s.opts.Clock())
	return &view, nil
}

// ListPlans returns the plan catalog
func (s *Service) ListPlans(ctx context.Context) ([]*Plan, error) {
	return s.catalog.List(ctx)
}

// OnboardTenant creates the first subscription for a new tenant: a trial
// when withTrial is set, otherwise the free plan. Calling it again returns
// the existing current subscription.
func (s *Service) OnboardTenant(ctx context.Context, tenantID int64, withTrial bool) (*Subscription, error) {
	var sub *Subscription
	err := s.store.WithTx(ctx, func(repo Repository) error {
		current, err := repo.CurrentSubscription(ctx, tenantID)
		if err == nil {
			sub = current
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := s.opts.Clock()
		if withTrial {
			sub = NewTrial(tenantID, now)
		} else {
			sub = NewFallback(tenantID, now)
		}
		return repo.CreateSubscription(ctx, sub)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to onboard tenant %d: %w", tenantID, err)
	}
	return sub, nil
}

// StartTrial replaces a free subscription with a one-time trial
func (s *Service) StartTrial(ctx context.Context, tenantID int64) (*Subscription, error) {
	var trial *Subscription
	eff := &effects{}
	err := s.store.WithTx(ctx, func(repo Repository) error {
		used, err := repo.HasUsedTrial(ctx, tenantID)
		if err != nil {
			return err
		}
		if used {
			return ErrTrialAlreadyUsed
		}

		now := s.opts.Clock()
		current, err := repo.CurrentSubscription(ctx, tenantID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if current != nil {
			if current.Plan.IsPaid() {
				return ErrAlreadySubscribed
			}
			from := current.Status
			if err := current.Expire(now); err != nil {
				return err
			}
			if err := repo.UpdateSubscription(ctx, current, from); err != nil {
				return err
			}
			eff.transition(from, SubscriptionExpired)
		}

		trial = NewTrial(tenantID, now)
		if err := repo.CreateSubscription(ctx, trial); err != nil {
			return err
		}
		eff.transition("", SubscriptionTrial)
		return nil
	})
	if err != nil {
		return nil, err
	}

	eff.publish(s.opts.Metrics)
	s.log.WithField("tenant_id", tenantID).Info("Trial started")
	return trial, nil
}

// CancelAtPeriodEnd flags the tenant's paid subscription to end at its
// EndDate instead of entering grace.
func (s *Service) CancelAtPeriodEnd(ctx context.Context, tenantID int64) (*Subscription, error) {
	sub, err := s.store.CurrentSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !sub.Plan.IsPaid() || sub.Status == SubscriptionTrial {
		return nil, fmt.Errorf("%w: no paid subscription to cancel", ErrInvalidStateTransition)
	}
	if sub.CancelAtPeriodEnd {
		return sub, nil
	}

	sub.CancelAtPeriodEnd = true
	sub.UpdatedAt = s.opts.Clock()
	if err := s.store.UpdateSubscription(ctx, sub, sub.Status); err != nil {
		return nil, fmt.Errorf("failed to cancel subscription: %w", err)
	}

	s.log.WithFields(map[string]interface{}{
		"tenant_id":       tenantID,
		"subscription_id": sub.ID,
	}).Info("Subscription set to cancel at period end")
	return sub, nil
}

// Entitlements resolves what the tenant may use. Tenants without a current
// subscription get the free tier.
func (s *Service) Entitlements(ctx context.Context, tenantID int64) (*Entitlements, error) {
	current, err := s.currentOrNil(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	planType := PlanFree
	if current != nil {
		planType = current.Plan
	}
	plan, err := s.catalog.Get(ctx, planType)
	if err != nil {
		return nil, err
	}
	e := EntitlementsFor(current, plan)
	return &e, nil
}

// CreatePortalSession opens the provider's self-service billing portal for
// a tenant whose paid subscription is ACTIVE or in GRACE.
func (s *Service) CreatePortalSession(ctx context.Context, tenantID int64) (string, error) {
	portal, ok := s.provider.(PortalProvider)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPortalUnsupported, s.provider.Name())
	}

	sub, err := s.currentOrNil(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if sub == nil || !sub.Plan.IsPaid() || (sub.Status != SubscriptionActive && sub.Status != SubscriptionGrace) {
		return "", ErrNoActiveSubscription
	}
	if sub.ProviderCustomerID == "" {
		return "", ErrNoBillingCustomer
	}

	start := time.Now()
	url, err := portal.CreatePortalSession(ctx, sub.ProviderCustomerID)
	s.opts.Metrics.ObserveProviderCall(string(s.provider.Name()), "create_portal_session", time.Since(start), err)
	if err != nil {
		s.log.WithField("tenant_id", tenantID).WithError(err).Warn("Billing portal session failed")
		return "", fmt.Errorf("%w: %w", ErrPortalUnavailable, err)
	}

	s.log.WithFields(map[string]interface{}{
		"tenant_id":       tenantID,
		"subscription_id": sub.ID,
	}).Info("Billing portal session created")
	return url, nil
}

// Observability returns the operator view of billing health
func (s *Service) Observability(ctx context.Context) (*ObservabilitySnapshot, error) {
	now := s.opts.Clock()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	pending, err := s.store.CountTransactions(ctx, TransactionPending)
	if err != nil {
		return nil, err
	}
	dead, err := s.store.CountTransactions(ctx, TransactionFailedPermanent)
	if err != nil {
		return nil, err
	}
	recovered, err := s.store.CountRecoveredSince(ctx, startOfDay)
	if err != nil {
		return nil, err
	}
	atRisk, err := s.store.CountAtRiskSubscriptions(ctx)
	if err != nil {
		return nil, err
	}

	return &ObservabilitySnapshot{
		PendingTransactions: pending,
		DeadLetters:         dead,
		RecoveredToday:      recovered,
		RecoveryRate:        RecoveryRate(recovered, dead),
		AtRiskSubscriptions: atRisk,
		GeneratedAt:         now,
	}, nil
}

// RecoveryRate is recovered/(recovered+dead), or 1 when both are zero
func RecoveryRate(recovered, dead int64) float64 {
	total := recovered + dead
	if total == 0 {
		return 1.0
	}
	return float64(recovered) / float64(total)
}

func (s *Service) currentOrNil(ctx context.Context, tenantID int64) (*Subscription, error) {
	sub, err := s.store.CurrentSubscription(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load current subscription: %w", err)
	}
	return sub, nil
}
