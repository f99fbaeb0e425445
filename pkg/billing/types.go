package billing

import (
	"time"
)

// PlanType identifies a plan tier in the catalog
type PlanType string

const (
	PlanFree    PlanType = "FREE"
	PlanPro     PlanType = "PRO"
	PlanPremium PlanType = "PREMIUM"
)

// Rank orders plan tiers for upgrade checks. Unknown plans rank 0.
func (p PlanType) Rank() int {
	switch p {
	case PlanFree:
		return 1
	case PlanPro:
		return 2
	case PlanPremium:
		return 3
	default:
		return 0
	}
}

// Valid reports whether p is a known plan tier
func (p PlanType) Valid() bool {
	return p.Rank() > 0
}

// IsPaid reports whether the plan is billed
func (p PlanType) IsPaid() bool {
	return p == PlanPro || p == PlanPremium
}

// Plan is catalog reference data. Limits of 0 mean unlimited.
type Plan struct {
	Type               PlanType  `json:"type" yaml:"type"`
	Name               string    `json:"name" yaml:"name"`
	MaxStaff           int       `json:"max_staff" yaml:"max_staff"`
	MaxServices        int       `json:"max_services" yaml:"max_services"`
	MaxMonthlyBookings int       `json:"max_monthly_bookings" yaml:"max_monthly_bookings"`
	Analytics          bool      `json:"analytics" yaml:"analytics"`
	SmartAlerts        bool      `json:"smart_alerts" yaml:"smart_alerts"`
	MonthlyPrice       int64     `json:"monthly_price" yaml:"monthly_price"`
	Currency           string    `json:"currency" yaml:"currency"`
	CreatedAt          time.Time `json:"created_at" yaml:"-"`
}

// SubscriptionStatus represents the lifecycle state of a subscription
type SubscriptionStatus string

const (
	SubscriptionTrial     SubscriptionStatus = "TRIAL"
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionGrace     SubscriptionStatus = "GRACE"
	SubscriptionExpired   SubscriptionStatus = "EXPIRED"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
)

// CurrentStatuses are the non-terminal statuses; at most one row per tenant holds one of them.
var CurrentStatuses = []SubscriptionStatus{SubscriptionTrial, SubscriptionActive, SubscriptionGrace}

// IsTerminal reports whether no further transitions are possible
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionExpired || s == SubscriptionCancelled
}

// Subscription is one row of a tenant's entitlement history
type Subscription struct {
	ID                     int64              `json:"id"`
	TenantID               int64              `json:"tenant_id"`
	Plan                   PlanType           `json:"plan"`
	Status                 SubscriptionStatus `json:"status"`
	StartDate              time.Time          `json:"start_date"`
	EndDate                time.Time          `json:"end_date"`
	ProviderCustomerID     string             `json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID string             `json:"provider_subscription_id,omitempty"`
	RetryCount             int                `json:"retry_count"`
	LastPaymentFailureAt   *time.Time         `json:"last_payment_failure_at,omitempty"`
	Delinquent             bool               `json:"delinquent"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	Trial                  bool               `json:"trial"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// TransactionStatus represents the state of a checkout attempt
type TransactionStatus string

const (
	TransactionCreated         TransactionStatus = "CREATED"
	TransactionPending         TransactionStatus = "PENDING"
	TransactionPaid            TransactionStatus = "PAID"
	TransactionFailed          TransactionStatus = "FAILED"
	TransactionFailedPermanent TransactionStatus = "FAILED_PERMANENT"
)

// IsTerminal reports whether the transaction has settled
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionPaid || s == TransactionFailed || s == TransactionFailedPermanent
}

// ProviderType names a billing provider variant
type ProviderType string

const (
	ProviderFake     ProviderType = "FAKE"
	ProviderStripe   ProviderType = "STRIPE"
	ProviderRazorpay ProviderType = "RAZORPAY"
)

// BillingTransaction is a single checkout attempt
type BillingTransaction struct {
	ID                int64             `json:"id"`
	TenantID          int64             `json:"tenant_id"`
	Plan              PlanType          `json:"plan"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	Status            TransactionStatus `json:"status"`
	Provider          ProviderType      `json:"provider"`
	ExternalOrderID   string            `json:"external_order_id,omitempty"`
	ExternalPaymentID string            `json:"external_payment_id,omitempty"`
	RetryCount        int               `json:"retry_count"`
	LastRetryAt       *time.Time        `json:"last_retry_at,omitempty"`
	LastFailureReason string            `json:"last_failure_reason,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	RecoveredAt       *time.Time        `json:"recovered_at,omitempty"`
}

// WebhookEvent records an applied provider event id
type WebhookEvent struct {
	EventID     string       `json:"event_id"`
	Provider    ProviderType `json:"provider"`
	ProcessedAt time.Time    `json:"processed_at"`
}

// BillingResult is the provider-neutral outcome of a verified webhook.
// It is never persisted.
type BillingResult struct {
	TxID                   *int64 `json:"tx_id,omitempty"`
	ExternalPaymentID      string `json:"external_payment_id,omitempty"`
	ProviderCustomerID     string `json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID string `json:"provider_subscription_id,omitempty"`
	ProviderEventID        string `json:"provider_event_id"`
	EventType              string `json:"event_type,omitempty"`
	Success                bool   `json:"success"`
	Ignored                bool   `json:"ignored"`
}

// IsRecurring reports whether the result concerns an existing provider
// subscription rather than the activation of a local transaction.
func (r *BillingResult) IsRecurring() bool {
	return r.TxID == nil && r.ProviderSubscriptionID != ""
}

// Checkout is what a provider returns for a new payment intent
type Checkout struct {
	CheckoutURL     string `json:"checkout_url"`
	ExternalOrderID string `json:"external_order_id"`
}

// CheckoutState is the live provider-side state of a checkout
type CheckoutState string

const (
	CheckoutPending  CheckoutState = "PENDING"
	CheckoutComplete CheckoutState = "COMPLETE"
	CheckoutExpired  CheckoutState = "EXPIRED"
)

// ProviderCheckout is the answer to a live status query
type ProviderCheckout struct {
	State                  CheckoutState
	ExternalPaymentID      string
	ProviderCustomerID     string
	ProviderSubscriptionID string
}

// RecoverySeverity grades how urgently a subscription needs attention
type RecoverySeverity string

const (
	SeverityNone     RecoverySeverity = "NONE"
	SeverityWarning  RecoverySeverity = "WARNING"
	SeverityCritical RecoverySeverity = "CRITICAL"
)

// LifecycleView summarizes the current subscription for tenant-facing screens
type LifecycleView struct {
	Plan             PlanType           `json:"plan"`
	Status           SubscriptionStatus `json:"status"`
	DaysRemaining    int64              `json:"days_remaining"`
	EndingSoon       bool               `json:"ending_soon"`
	InGrace          bool               `json:"in_grace"`
	InTrial          bool               `json:"in_trial"`
	RetryCount       int                `json:"retry_count"`
	Delinquent       bool               `json:"delinquent"`
	RecoverySeverity RecoverySeverity   `json:"recovery_severity"`
	AtRisk           bool               `json:"at_risk"`
}

// ObservabilitySnapshot is the operator view of billing health
type ObservabilitySnapshot struct {
	PendingTransactions int64     `json:"pending_transactions"`
	DeadLetters         int64     `json:"dead_letters"`
	RecoveredToday      int64     `json:"recovered_today"`
	RecoveryRate        float64   `json:"recovery_rate"`
	AtRiskSubscriptions int64     `json:"at_risk_subscriptions"`
	GeneratedAt         time.Time `json:"generated_at"`
}
