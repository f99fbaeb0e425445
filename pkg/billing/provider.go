package billing

import "context"

// Provider is a payment gateway. Implementations translate between the
// gateway's wire format and the types in this package and never touch
// persistence.
type Provider interface {
	Name() ProviderType

	// SignatureHeader is the HTTP header carrying the webhook signature
	SignatureHeader() string

	// CreateCheckout opens a payment session for tx
	CreateCheckout(ctx context.Context, tenantID int64, plan *Plan, tx *BillingTransaction) (*Checkout, error)

	// VerifyWebhook authenticates a payload and normalizes it. Returns
	// ErrSignatureVerification when the signature does not match.
	VerifyWebhook(ctx context.Context, payload []byte, signature string) (*BillingResult, error)

	// CheckoutStatus queries the live state of an order
	CheckoutStatus(ctx context.Context, externalOrderID string) (*ProviderCheckout, error)
}

// PortalProvider is implemented by gateways that host a self-service
// billing portal for an existing customer.
type PortalProvider interface {
	CreatePortalSession(ctx context.Context, customerID string) (string, error)
}
