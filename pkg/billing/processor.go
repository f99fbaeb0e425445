package billing

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pandasalon/salon-billing/pkg/observability"
)

// Outcome classifies what happened to a webhook delivery
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeReplay   Outcome = "replay"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// Ack is returned for every delivery. The provider is always told the
// event was received; Outcome and Err are for logs and tests.
type Ack struct {
	Outcome Outcome
	Err     error
}

// Processor applies verified provider results to subscriptions and
// transactions, exactly once per provider event id.
type Processor struct {
	store    Store
	provider Provider
	opts     Options
	log      *observability.Logger
}

// NewProcessor creates a webhook result processor
func NewProcessor(store Store, provider Provider, opts Options) *Processor {
	opts = opts.withDefaults()
	return &Processor{
		store:    store,
		provider: provider,
		opts:     opts,
		log:      opts.Logger.WithField("component", "webhook_processor"),
	}
}

// Ingest verifies a raw webhook and applies it
func (p *Processor) Ingest(ctx context.Context, payload []byte, signature string) Ack {
	provider := string(p.provider.Name())

	result, err := p.provider.VerifyWebhook(ctx, payload, signature)
	if err != nil {
		if errors.Is(err, ErrSignatureVerification) {
			p.log.WithFields(map[string]interface{}{
				"security": true,
				"provider": provider,
			}).WithError(err).Warn("Rejected webhook with invalid signature")
			p.opts.Metrics.RecordWebhook(provider, string(OutcomeRejected))
			return Ack{Outcome: OutcomeRejected, Err: err}
		}
		p.log.WithField("provider", provider).WithError(err).Error("Failed to parse webhook")
		p.opts.Metrics.RecordWebhook(provider, string(OutcomeFailed))
		return Ack{Outcome: OutcomeFailed, Err: err}
	}

	return p.HandleResult(ctx, result)
}

// HandleResult applies a normalized result. It never fails towards the
// caller: errors are logged and the ledger row is left unwritten so the
// provider's redelivery gets another chance.
func (p *Processor) HandleResult(ctx context.Context, result *BillingResult) Ack {
	provider := string(p.provider.Name())
	log := p.log.WithFields(map[string]interface{}{
		"provider":   provider,
		"event_id":   result.ProviderEventID,
		"event_type": result.EventType,
	})

	if result.Ignored {
		log.Debug("Ignoring webhook event")
		p.opts.Metrics.RecordWebhook(provider, string(OutcomeIgnored))
		return Ack{Outcome: OutcomeIgnored}
	}
	if !result.Success {
		log.Warn("Provider reported an unsuccessful payment")
	}

	ctx, span := tracer().Start(ctx, "billing.HandleResult", trace.WithAttributes(
		attribute.String("billing.provider", provider),
		attribute.String("billing.event_id", result.ProviderEventID),
		attribute.Bool("billing.recurring", result.IsRecurring()),
	))
	defer span.End()

	ack := p.apply(ctx, result)
	if ack.Err != nil {
		span.RecordError(ack.Err)
		span.SetStatus(codes.Error, ack.Err.Error())
		log.WithError(ack.Err).Error("Failed to process webhook event")
	} else if ack.Outcome == OutcomeReplay {
		log.Info("Webhook event already processed")
	}
	p.opts.Metrics.RecordWebhook(provider, string(ack.Outcome))
	return ack
}

func (p *Processor) apply(ctx context.Context, result *BillingResult) Ack {
	eventID := result.ProviderEventID
	if eventID == "" {
		// Without a ledger key a redelivery would be applied again.
		return Ack{Outcome: OutcomeFailed, Err: ErrMissingEventID}
	}
	seen, err := p.store.WebhookEventExists(ctx, eventID)
	if err != nil {
		return Ack{Outcome: OutcomeFailed, Err: fmt.Errorf("failed to check webhook ledger: %w", err)}
	}
	if seen {
		return Ack{Outcome: OutcomeReplay}
	}

	eff := &effects{}
	err = p.store.WithTx(ctx, func(repo Repository) error {
		if err := p.dispatch(ctx, repo, result, eff); err != nil {
			return err
		}
		return repo.InsertWebhookEvent(ctx, &WebhookEvent{
			EventID:     eventID,
			Provider:    p.provider.Name(),
			ProcessedAt: p.opts.Clock(),
		})
	})
	switch {
	case errors.Is(err, ErrDuplicateEvent):
		// A concurrent delivery of the same event committed first.
		return Ack{Outcome: OutcomeReplay}
	case err != nil:
		return Ack{Outcome: OutcomeFailed, Err: err}
	}

	eff.publish(p.opts.Metrics)
	return Ack{Outcome: OutcomeApplied}
}

func (p *Processor) dispatch(ctx context.Context, repo Repository, r *BillingResult, eff *effects) error {
	if r.IsRecurring() {
		return p.applyRecurring(ctx, repo, r, eff)
	}
	if r.TxID == nil {
		return fmt.Errorf("event %s carries neither a transaction nor a subscription id", r.ProviderEventID)
	}

	tx, err := repo.GetTransaction(ctx, *r.TxID)
	if err != nil {
		return fmt.Errorf("failed to load transaction %d: %w", *r.TxID, err)
	}

	if !r.Success {
		return p.failTransaction(ctx, repo, tx, "provider reported failure: "+r.EventType)
	}

	return p.activate(ctx, repo, tx, Payment{
		ExternalPaymentID:      r.ExternalPaymentID,
		ProviderCustomerID:     r.ProviderCustomerID,
		ProviderSubscriptionID: r.ProviderSubscriptionID,
	}, SourceWebhook, eff)
}

// activate settles tx as PAID and swaps the tenant's current subscription for
// a new ACTIVE one on the purchased plan. A transaction that is already PAID,
// or that another writer settles first, is left alone.
func (p *Processor) activate(ctx context.Context, repo Repository, tx *BillingTransaction, pay Payment, source ActivationSource, eff *effects) error {
	log := p.log.WithFields(map[string]interface{}{
		"tx_id":     tx.ID,
		"tenant_id": tx.TenantID,
		"source":    string(source),
	})

	if tx.Status == TransactionPaid {
		log.Debug("Transaction already paid, skipping activation")
		return nil
	}

	now := p.opts.Clock()
	prev := tx.Status
	tx.Status = TransactionPaid
	tx.CompletedAt = &now
	if pay.ExternalPaymentID != "" {
		tx.ExternalPaymentID = pay.ExternalPaymentID
	}
	if source != SourceWebhook {
		tx.RecoveredAt = &now
	}

	if err := repo.UpdateTransaction(ctx, tx, prev); err != nil {
		if errors.Is(err, ErrStaleState) {
			log.Info("Transaction settled concurrently, skipping activation")
			return nil
		}
		return fmt.Errorf("failed to mark transaction %d paid: %w", tx.ID, err)
	}

	current, err := repo.CurrentSubscription(ctx, tx.TenantID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to load current subscription: %w", err)
	}
	if current != nil {
		from := current.Status
		if err := current.Expire(now); err != nil {
			return err
		}
		if err := repo.UpdateSubscription(ctx, current, from); err != nil {
			return fmt.Errorf("failed to expire subscription %d: %w", current.ID, err)
		}
		eff.transition(from, SubscriptionExpired)
	}

	sub := &Subscription{
		TenantID:               tx.TenantID,
		Plan:                   tx.Plan,
		Status:                 SubscriptionActive,
		StartDate:              now,
		EndDate:                now.Add(PlanDuration(tx.Plan)),
		ProviderCustomerID:     pay.ProviderCustomerID,
		ProviderSubscriptionID: pay.ProviderSubscriptionID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := repo.CreateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	eff.transition("", SubscriptionActive)
	eff.activation(source)

	log.WithField("subscription_id", sub.ID).Infof("Activated %s subscription", sub.Plan)
	return nil
}

func (p *Processor) failTransaction(ctx context.Context, repo Repository, tx *BillingTransaction, reason string) error {
	if tx.Status.IsTerminal() {
		return nil
	}
	prev := tx.Status
	tx.Status = TransactionFailed
	tx.LastFailureReason = reason
	if err := repo.UpdateTransaction(ctx, tx, prev); err != nil {
		if errors.Is(err, ErrStaleState) {
			return nil
		}
		return fmt.Errorf("failed to mark transaction %d failed: %w", tx.ID, err)
	}
	return nil
}

func (p *Processor) applyRecurring(ctx context.Context, repo Repository, r *BillingResult, eff *effects) error {
	sub, err := repo.SubscriptionByProviderID(ctx, r.ProviderSubscriptionID)
	if errors.Is(err, ErrNotFound) {
		p.log.WithField("provider_subscription_id", r.ProviderSubscriptionID).
			Warn("Recurring event for unknown subscription")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load subscription: %w", err)
	}

	log := p.log.WithFields(map[string]interface{}{
		"subscription_id": sub.ID,
		"tenant_id":       sub.TenantID,
	})
	if sub.Status.IsTerminal() {
		log.Debugf("Subscription already %s, ignoring recurring event", sub.Status)
		return nil
	}

	now := p.opts.Clock()
	from := sub.Status

	switch {
	case r.Success && r.ExternalPaymentID == "":
		log.Info("Provider cancelled subscription, falling back to free plan")
		return endWithFallback(ctx, repo, sub, SubscriptionExpired, now, eff)

	case r.Success:
		if err := sub.Renew(PlanDuration(sub.Plan), now); err != nil {
			return err
		}
		log.WithField("end_date", sub.EndDate).Info("Subscription renewed")

	default:
		if err := sub.RecordRenewalFailure(now); err != nil {
			return err
		}
		log.WithFields(map[string]interface{}{
			"retry_count": sub.RetryCount,
			"delinquent":  sub.Delinquent,
		}).Warn("Subscription renewal failed")
	}

	if err := repo.UpdateSubscription(ctx, sub, from); err != nil {
		return fmt.Errorf("failed to update subscription %d: %w", sub.ID, err)
	}
	if sub.Status != from {
		eff.transition(from, sub.Status)
	}
	return nil
}
