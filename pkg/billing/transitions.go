package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/pandasalon/salon-billing/pkg/observability"
)

// ActivationSource records which path settled a transaction
type ActivationSource string

const (
	SourceWebhook        ActivationSource = "webhook"
	SourceReconciliation ActivationSource = "reconciliation"
	SourceManual         ActivationSource = "manual"
)

// Payment carries the provider identifiers attached on activation
type Payment struct {
	ExternalPaymentID      string
	ProviderCustomerID     string
	ProviderSubscriptionID string
}

const noStatus = "NONE"

// effects collects metric events inside a unit of work so they are only
// published after commit.
type effects struct {
	transitions [][2]string
	activations []ActivationSource
}

func (e *effects) transition(from SubscriptionStatus, to SubscriptionStatus) {
	f := string(from)
	if f == "" {
		f = noStatus
	}
	e.transitions = append(e.transitions, [2]string{f, string(to)})
}

func (e *effects) activation(src ActivationSource) {
	e.activations = append(e.activations, src)
}

func (e *effects) publish(m *observability.Metrics) {
	for _, t := range e.transitions {
		m.RecordTransition(t[0], t[1])
	}
	for _, a := range e.activations {
		m.RecordActivation(string(a))
	}
}

// endWithFallback moves sub to a terminal status and inserts the FREE/ACTIVE
// row that keeps the tenant entitled. Both writes go through repo, so they
// share the caller's unit of work.
func endWithFallback(ctx context.Context, repo Repository, sub *Subscription, to SubscriptionStatus, now time.Time, eff *effects) error {
	from := sub.Status

	var err error
	switch to {
	case SubscriptionExpired:
		err = sub.Expire(now)
	case SubscriptionCancelled:
		err = sub.Cancel(now)
	default:
		err = fmt.Errorf("%w: %s is not terminal", ErrInvalidStateTransition, to)
	}
	if err != nil {
		return err
	}

	if err := repo.UpdateSubscription(ctx, sub, from); err != nil {
		return fmt.Errorf("failed to end subscription %d: %w", sub.ID, err)
	}
	eff.transition(from, to)

	// The fallback starts no earlier than the ended row's EndDate.
	start := now
	if sub.EndDate.After(start) {
		start = sub.EndDate
	}
	fallback := NewFallback(sub.TenantID, start)
	fallback.CreatedAt = now
	fallback.UpdatedAt = now
	if err := repo.CreateSubscription(ctx, fallback); err != nil {
		return fmt.Errorf("failed to create fallback subscription: %w", err)
	}
	eff.transition("", SubscriptionActive)

	return nil
}
