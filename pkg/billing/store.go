package billing

import (
	"context"
	"time"
)

// Repository is the persistence contract for billing state.
//
// Guarded updates take the status the caller last observed and fail with
// ErrStaleState if another writer moved the row first.
type Repository interface {
	// Plans
	GetPlan(ctx context.Context, t PlanType) (*Plan, error)
	ListPlans(ctx context.Context) ([]*Plan, error)
	UpsertPlan(ctx context.Context, p *Plan) error

	// Subscriptions
	CurrentSubscription(ctx context.Context, tenantID int64) (*Subscription, error)
	SubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, error)
	SubscriptionHistory(ctx context.Context, tenantID int64) ([]*Subscription, error)
	CreateSubscription(ctx context.Context, sub *Subscription) error
	UpdateSubscription(ctx context.Context, sub *Subscription, expected SubscriptionStatus) error
	ListSubscriptionsEndingBefore(ctx context.Context, status SubscriptionStatus, before time.Time) ([]*Subscription, error)
	HasUsedTrial(ctx context.Context, tenantID int64) (bool, error)
	CountAtRiskSubscriptions(ctx context.Context) (int64, error)

	// Transactions
	CreateTransaction(ctx context.Context, tx *BillingTransaction) error
	GetTransaction(ctx context.Context, id int64) (*BillingTransaction, error)
	UpdateTransaction(ctx context.Context, tx *BillingTransaction, expected TransactionStatus) error
	HasTransactionWithStatus(ctx context.Context, tenantID int64, status TransactionStatus) (bool, error)
	ListTransactionsCreatedBefore(ctx context.Context, status TransactionStatus, before time.Time, limit int) ([]*BillingTransaction, error)
	ListRecentTransactions(ctx context.Context, status TransactionStatus, limit int) ([]*BillingTransaction, error)
	CountTransactions(ctx context.Context, status TransactionStatus) (int64, error)
	CountRecoveredSince(ctx context.Context, since time.Time) (int64, error)

	// Webhook ledger
	WebhookEventExists(ctx context.Context, eventID string) (bool, error)
	InsertWebhookEvent(ctx context.Context, ev *WebhookEvent) error
}

// Store adds a unit of work to Repository. Everything fn writes through the
// supplied Repository commits together, or not at all if fn returns an error.
type Store interface {
	Repository
	WithTx(ctx context.Context, fn func(repo Repository) error) error
}
