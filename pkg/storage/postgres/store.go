package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/pandasalon/salon-billing/pkg/billing"
)

//go:embed schema.sql
var schema string

// Constraint names surfaced by unique violations
const (
	webhookEventsPKey      = "billing_webhook_events_pkey"
	oneCurrentPerTenantIdx = "subscriptions_one_current_per_tenant"
	pqUniqueViolation      = "23505"
	defaultReportRowLimit  = 1000
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// BillingStore implements billing.Store on PostgreSQL
type BillingStore struct {
	repo
	db     *sql.DB
	reader func() *sql.DB
}

// NewBillingStore creates a store that reads and writes through db
func NewBillingStore(db *sql.DB) *BillingStore {
	return &BillingStore{
		repo:   repo{q: db},
		db:     db,
		reader: func() *sql.DB { return db },
	}
}

// NewBillingStoreWithManager creates a store that writes to the primary and
// sends operator reporting queries to the replicas.
func NewBillingStoreWithManager(cm *ConnectionManager) *BillingStore {
	s := NewBillingStore(cm.Primary())
	s.reader = cm.Reporting
	return s
}

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside a database transaction
func (s *BillingStore) WithTx(ctx context.Context, fn func(repo billing.Repository) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&repo{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Reporting queries tolerate replica lag

func (s *BillingStore) ListRecentTransactions(ctx context.Context, status billing.TransactionStatus, limit int) ([]*billing.BillingTransaction, error) {
	return (&repo{q: s.reader()}).ListRecentTransactions(ctx, status, limit)
}

func (s *BillingStore) CountTransactions(ctx context.Context, status billing.TransactionStatus) (int64, error) {
	return (&repo{q: s.reader()}).CountTransactions(ctx, status)
}

func (s *BillingStore) CountRecoveredSince(ctx context.Context, since time.Time) (int64, error) {
	return (&repo{q: s.reader()}).CountRecoveredSince(ctx, since)
}

func (s *BillingStore) CountAtRiskSubscriptions(ctx context.Context) (int64, error) {
	return (&repo{q: s.reader()}).CountAtRiskSubscriptions(ctx)
}

// mapError turns unique violations into the billing sentinels
func mapError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || string(pqErr.Code) != pqUniqueViolation {
		return err
	}
	switch pqErr.Constraint {
	case webhookEventsPKey:
		return fmt.Errorf("%s: %w", pqErr.Detail, billing.ErrDuplicateEvent)
	case oneCurrentPerTenantIdx:
		return fmt.Errorf("%s: %w", pqErr.Detail, billing.ErrStaleState)
	}
	return err
}

type repo struct {
	q querier
}

// Plans

const planColumns = `type, name, max_staff, max_services, max_monthly_bookings, analytics, smart_alerts, monthly_price, currency, created_at`

func scanPlan(row interface{ Scan(...interface{}) error }) (*billing.Plan, error) {
	var p billing.Plan
	err := row.Scan(
		&p.Type,
		&p.Name,
		&p.MaxStaff,
		&p.MaxServices,
		&p.MaxMonthlyBookings,
		&p.Analytics,
		&p.SmartAlerts,
		&p.MonthlyPrice,
		&p.Currency,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repo) GetPlan(ctx context.Context, t billing.PlanType) (*billing.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE type = $1`

	p, err := scanPlan(r.q.QueryRowContext(ctx, query, t))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plan %s: %w", t, billing.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return p, nil
}

func (r *repo) ListPlans(ctx context.Context) ([]*billing.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans ORDER BY monthly_price, type`

	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*billing.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate plans: %w", err)
	}
	return plans, nil
}

func (r *repo) UpsertPlan(ctx context.Context, p *billing.Plan) error {
	query := `
		INSERT INTO plans (type, name, max_staff, max_services, max_monthly_bookings, analytics, smart_alerts, monthly_price, currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (type) DO UPDATE SET
			name = EXCLUDED.name,
			max_staff = EXCLUDED.max_staff,
			max_services = EXCLUDED.max_services,
			max_monthly_bookings = EXCLUDED.max_monthly_bookings,
			analytics = EXCLUDED.analytics,
			smart_alerts = EXCLUDED.smart_alerts,
			monthly_price = EXCLUDED.monthly_price,
			currency = EXCLUDED.currency
		RETURNING created_at
	`

	err := r.q.QueryRowContext(ctx, query,
		p.Type,
		p.Name,
		p.MaxStaff,
		p.MaxServices,
		p.MaxMonthlyBookings,
		p.Analytics,
		p.SmartAlerts,
		p.MonthlyPrice,
		p.Currency,
	).Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert plan: %w", err)
	}
	return nil
}

// Subscriptions

const subscriptionColumns = `id, tenant_id, plan, status, start_date, end_date, provider_customer_id,
	provider_subscription_id, retry_count, last_payment_failure_at, delinquent, cancel_at_period_end,
	is_trial, created_at, updated_at`

func scanSubscription(row interface{ Scan(...interface{}) error }) (*billing.Subscription, error) {
	var s billing.Subscription
	err := row.Scan(
		&s.ID,
		&s.TenantID,
		&s.Plan,
		&s.Status,
		&s.StartDate,
		&s.EndDate,
		&s.ProviderCustomerID,
		&s.ProviderSubscriptionID,
		&s.RetryCount,
		&s.LastPaymentFailureAt,
		&s.Delinquent,
		&s.CancelAtPeriodEnd,
		&s.Trial,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repo) querySubscriptions(ctx context.Context, query string, args ...interface{}) ([]*billing.Subscription, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*billing.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}
	return subs, nil
}

func (r *repo) CurrentSubscription(ctx context.Context, tenantID int64) (*billing.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE tenant_id = $1 AND status IN ('TRIAL', 'ACTIVE', 'GRACE')
		ORDER BY start_date DESC, id DESC
		LIMIT 1`

	s, err := scanSubscription(r.q.QueryRowContext(ctx, query, tenantID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("current subscription for tenant %d: %w", tenantID, billing.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get current subscription: %w", err)
	}
	return s, nil
}

func (r *repo) SubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*billing.Subscription, error) {
	if providerSubscriptionID == "" {
		return nil, fmt.Errorf("empty provider subscription id: %w", billing.ErrNotFound)
	}
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE provider_subscription_id = $1
		ORDER BY start_date DESC, id DESC
		LIMIT 1`

	s, err := scanSubscription(r.q.QueryRowContext(ctx, query, providerSubscriptionID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("subscription %q: %w", providerSubscriptionID, billing.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get subscription by provider id: %w", err)
	}
	return s, nil
}

func (r *repo) SubscriptionHistory(ctx context.Context, tenantID int64) ([]*billing.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE tenant_id = $1
		ORDER BY start_date DESC, id DESC`
	return r.querySubscriptions(ctx, query, tenantID)
}

func (r *repo) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	query := `
		INSERT INTO subscriptions (tenant_id, plan, status, start_date, end_date, provider_customer_id,
			provider_subscription_id, retry_count, last_payment_failure_at, delinquent, cancel_at_period_end,
			is_trial, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, COALESCE($13, NOW()), COALESCE($14, NOW()))
		RETURNING id, created_at, updated_at
	`

	err := r.q.QueryRowContext(ctx, query,
		sub.TenantID,
		sub.Plan,
		sub.Status,
		sub.StartDate,
		sub.EndDate,
		sub.ProviderCustomerID,
		sub.ProviderSubscriptionID,
		sub.RetryCount,
		sub.LastPaymentFailureAt,
		sub.Delinquent,
		sub.CancelAtPeriodEnd,
		sub.Trial,
		nullTime(sub.CreatedAt),
		nullTime(sub.UpdatedAt),
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return mapError(fmt.Errorf("failed to create subscription: %w", err))
	}
	return nil
}

func (r *repo) UpdateSubscription(ctx context.Context, sub *billing.Subscription, expected billing.SubscriptionStatus) error {
	query := `
		UPDATE subscriptions SET
			plan = $3,
			status = $4,
			start_date = $5,
			end_date = $6,
			provider_customer_id = $7,
			provider_subscription_id = $8,
			retry_count = $9,
			last_payment_failure_at = $10,
			delinquent = $11,
			cancel_at_period_end = $12,
			is_trial = $13,
			updated_at = $14
		WHERE id = $1 AND status = $2
	`

	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now().UTC()
	}
	res, err := r.q.ExecContext(ctx, query,
		sub.ID,
		expected,
		sub.Plan,
		sub.Status,
		sub.StartDate,
		sub.EndDate,
		sub.ProviderCustomerID,
		sub.ProviderSubscriptionID,
		sub.RetryCount,
		sub.LastPaymentFailureAt,
		sub.Delinquent,
		sub.CancelAtPeriodEnd,
		sub.Trial,
		sub.UpdatedAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to update subscription: %w", err))
	}
	return checkGuarded(res, "subscription", sub.ID, string(expected))
}

func (r *repo) ListSubscriptionsEndingBefore(ctx context.Context, status billing.SubscriptionStatus, before time.Time) ([]*billing.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE status = $1 AND end_date < $2
		ORDER BY end_date, id`
	return r.querySubscriptions(ctx, query, status, before)
}

func (r *repo) HasUsedTrial(ctx context.Context, tenantID int64) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE tenant_id = $1 AND is_trial)`

	var used bool
	if err := r.q.QueryRowContext(ctx, query, tenantID).Scan(&used); err != nil {
		return false, fmt.Errorf("failed to check trial usage: %w", err)
	}
	return used, nil
}

func (r *repo) CountAtRiskSubscriptions(ctx context.Context) (int64, error) {
	query := `SELECT COUNT(*) FROM subscriptions
		WHERE status IN ('TRIAL', 'ACTIVE', 'GRACE') AND (delinquent OR status = 'GRACE')`
	return r.count(ctx, query)
}

// Transactions

const transactionColumns = `id, tenant_id, plan, amount, currency, status, provider, external_order_id,
	external_payment_id, retry_count, last_retry_at, last_failure_reason, created_at, completed_at, recovered_at`

func scanTransaction(row interface{ Scan(...interface{}) error }) (*billing.BillingTransaction, error) {
	var tx billing.BillingTransaction
	err := row.Scan(
		&tx.ID,
		&tx.TenantID,
		&tx.Plan,
		&tx.Amount,
		&tx.Currency,
		&tx.Status,
		&tx.Provider,
		&tx.ExternalOrderID,
		&tx.ExternalPaymentID,
		&tx.RetryCount,
		&tx.LastRetryAt,
		&tx.LastFailureReason,
		&tx.CreatedAt,
		&tx.CompletedAt,
		&tx.RecoveredAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *repo) queryTransactions(ctx context.Context, query string, args ...interface{}) ([]*billing.BillingTransaction, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []*billing.BillingTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return txs, nil
}

func (r *repo) CreateTransaction(ctx context.Context, tx *billing.BillingTransaction) error {
	query := `
		INSERT INTO billing_transactions (tenant_id, plan, amount, currency, status, provider, external_order_id,
			external_payment_id, retry_count, last_retry_at, last_failure_reason, created_at, completed_at, recovered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, NOW()), $13, $14)
		RETURNING id, created_at
	`

	err := r.q.QueryRowContext(ctx, query,
		tx.TenantID,
		tx.Plan,
		tx.Amount,
		tx.Currency,
		tx.Status,
		tx.Provider,
		tx.ExternalOrderID,
		tx.ExternalPaymentID,
		tx.RetryCount,
		tx.LastRetryAt,
		tx.LastFailureReason,
		nullTime(tx.CreatedAt),
		tx.CompletedAt,
		tx.RecoveredAt,
	).Scan(&tx.ID, &tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (r *repo) GetTransaction(ctx context.Context, id int64) (*billing.BillingTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM billing_transactions WHERE id = $1`

	tx, err := scanTransaction(r.q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transaction %d: %w", id, billing.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (r *repo) UpdateTransaction(ctx context.Context, tx *billing.BillingTransaction, expected billing.TransactionStatus) error {
	query := `
		UPDATE billing_transactions SET
			status = $3,
			external_order_id = $4,
			external_payment_id = $5,
			retry_count = $6,
			last_retry_at = $7,
			last_failure_reason = $8,
			completed_at = $9,
			recovered_at = $10
		WHERE id = $1 AND status = $2
	`

	res, err := r.q.ExecContext(ctx, query,
		tx.ID,
		expected,
		tx.Status,
		tx.ExternalOrderID,
		tx.ExternalPaymentID,
		tx.RetryCount,
		tx.LastRetryAt,
		tx.LastFailureReason,
		tx.CompletedAt,
		tx.RecoveredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	return checkGuarded(res, "transaction", tx.ID, string(expected))
}

func (r *repo) HasTransactionWithStatus(ctx context.Context, tenantID int64, status billing.TransactionStatus) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM billing_transactions WHERE tenant_id = $1 AND status = $2)`

	var exists bool
	if err := r.q.QueryRowContext(ctx, query, tenantID, status).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check transactions: %w", err)
	}
	return exists, nil
}

func (r *repo) ListTransactionsCreatedBefore(ctx context.Context, status billing.TransactionStatus, before time.Time, limit int) ([]*billing.BillingTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM billing_transactions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at, id
		LIMIT $3`
	return r.queryTransactions(ctx, query, status, before, rowLimit(limit))
}

func (r *repo) ListRecentTransactions(ctx context.Context, status billing.TransactionStatus, limit int) ([]*billing.BillingTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM billing_transactions
		WHERE status = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	return r.queryTransactions(ctx, query, status, rowLimit(limit))
}

func (r *repo) CountTransactions(ctx context.Context, status billing.TransactionStatus) (int64, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM billing_transactions WHERE status = $1`, status)
}

func (r *repo) CountRecoveredSince(ctx context.Context, since time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM billing_transactions
		WHERE status = 'PAID' AND recovered_at IS NOT NULL AND recovered_at >= $1`
	return r.count(ctx, query, since)
}

// Webhook ledger

func (r *repo) WebhookEventExists(ctx context.Context, eventID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM billing_webhook_events WHERE event_id = $1)`

	var exists bool
	if err := r.q.QueryRowContext(ctx, query, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check webhook ledger: %w", err)
	}
	return exists, nil
}

func (r *repo) InsertWebhookEvent(ctx context.Context, ev *billing.WebhookEvent) error {
	query := `
		INSERT INTO billing_webhook_events (event_id, provider, processed_at)
		VALUES ($1, $2, COALESCE($3, NOW()))
		RETURNING processed_at
	`

	err := r.q.QueryRowContext(ctx, query, ev.EventID, ev.Provider, nullTime(ev.ProcessedAt)).Scan(&ev.ProcessedAt)
	if err != nil {
		return mapError(fmt.Errorf("failed to record webhook event: %w", err))
	}
	return nil
}

func (r *repo) count(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var n int64
	if err := r.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return n, nil
}

// checkGuarded reports ErrStaleState when a status-guarded update matched nothing
func checkGuarded(res sql.Result, kind string, id int64, expected string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d is no longer %s: %w", kind, id, expected, billing.ErrStaleState)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func rowLimit(limit int) int {
	if limit <= 0 {
		return defaultReportRowLimit
	}
	return limit
}
