package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/pandasalon/salon-billing/pkg/billing"
)

// StripeSignatureHeader is the header Stripe signs webhooks with
const StripeSignatureHeader = "Stripe-Signature"

// Metadata keys written on checkout sessions
const (
	metaTxID     = "tx_id"
	metaTenantID = "tenant_id"
)

// StripeConfig configures the Stripe gateway
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	PriceIDs      map[billing.PlanType]string
	SuccessURL    string
	CancelURL     string

	// PortalReturnURL is where the customer portal sends the tenant back to
	PortalReturnURL string
}

// Stripe sells plans as Stripe Checkout subscriptions
type Stripe struct {
	cfg StripeConfig

	createSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	getSession    func(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	createPortal  func(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

// NewStripe creates a Stripe gateway. The secret key is installed globally
// for the stripe-go client.
func NewStripe(cfg StripeConfig) *Stripe {
	stripe.Key = cfg.SecretKey
	return &Stripe{
		cfg:           cfg,
		createSession: stripesession.New,
		getSession:    stripesession.Get,
		createPortal:  portalsession.New,
	}
}

func (s *Stripe) Name() billing.ProviderType { return billing.ProviderStripe }

func (s *Stripe) SignatureHeader() string { return StripeSignatureHeader }

func (s *Stripe) CreateCheckout(_ context.Context, tenantID int64, plan *billing.Plan, tx *billing.BillingTransaction) (*billing.Checkout, error) {
	priceID, ok := s.cfg.PriceIDs[plan.Type]
	if !ok || priceID == "" {
		return nil, fmt.Errorf("no stripe price configured for plan %s", plan.Type)
	}

	txID := strconv.FormatInt(tx.ID, 10)
	tenant := strconv.FormatInt(tenantID, 10)

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(s.cfg.SuccessURL),
		CancelURL:         stripe.String(s.cfg.CancelURL),
		ClientReferenceID: stripe.String(txID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{metaTenantID: tenant},
		},
		Metadata: map[string]string{
			metaTxID:     txID,
			metaTenantID: tenant,
		},
	}

	session, err := s.createSession(params)
	if err != nil {
		return nil, classifyStripeError("create_checkout", err)
	}
	return &billing.Checkout{CheckoutURL: session.URL, ExternalOrderID: session.ID}, nil
}

// stripeSession is the subset of a checkout.session webhook object we read.
// Expandable fields arrive as plain ids.
type stripeSession struct {
	ID            string            `json:"id"`
	Customer      string            `json:"customer"`
	Subscription  string            `json:"subscription"`
	PaymentIntent string            `json:"payment_intent"`
	Invoice       string            `json:"invoice"`
	PaymentStatus string            `json:"payment_status"`
	Metadata      map[string]string `json:"metadata"`
}

func (s stripeSession) paymentID() string {
	switch {
	case s.PaymentIntent != "":
		return s.PaymentIntent
	case s.Invoice != "":
		return s.Invoice
	default:
		return s.ID
	}
}

// stripeInvoice covers both the pre-2025 top level subscription field and
// the parent.subscription_details form.
type stripeInvoice struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	BillingReason string `json:"billing_reason"`
	Subscription  string `json:"subscription"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (i stripeInvoice) subscriptionID() string {
	if i.Subscription != "" {
		return i.Subscription
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return i.Parent.SubscriptionDetails.Subscription
	}
	return ""
}

type stripeSubscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
}

func (s *Stripe) VerifyWebhook(_ context.Context, payload []byte, signature string) (*billing.BillingResult, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrSignatureVerification, err)
	}

	result := &billing.BillingResult{
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var session stripeSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("failed to decode checkout session: %w", err)
		}
		if session.PaymentStatus == "unpaid" {
			// Delayed payment methods settle through async_payment_succeeded
			result.Ignored = true
			return result, nil
		}
		if !applyTxID(result, session.Metadata) {
			return result, nil
		}
		result.Success = true
		result.ExternalPaymentID = session.paymentID()
		result.ProviderCustomerID = session.Customer
		result.ProviderSubscriptionID = session.Subscription

	case "checkout.session.expired", "checkout.session.async_payment_failed":
		var session stripeSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("failed to decode checkout session: %w", err)
		}
		applyTxID(result, session.Metadata)

	case "invoice.paid", "invoice.payment_failed":
		var invoice stripeInvoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, fmt.Errorf("failed to decode invoice: %w", err)
		}
		// The first invoice is settled by the checkout session event
		if invoice.BillingReason == "subscription_create" || invoice.subscriptionID() == "" {
			result.Ignored = true
			return result, nil
		}
		result.ProviderSubscriptionID = invoice.subscriptionID()
		result.ProviderCustomerID = invoice.Customer
		if event.Type == "invoice.paid" {
			result.Success = true
			result.ExternalPaymentID = invoice.ID
		}

	case "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("failed to decode subscription: %w", err)
		}
		result.ProviderSubscriptionID = sub.ID
		result.ProviderCustomerID = sub.Customer
		result.Success = true

	default:
		result.Ignored = true
	}

	return result, nil
}

// applyTxID copies the transaction id from session metadata. Sessions we did
// not create carry none and are ignored.
func applyTxID(result *billing.BillingResult, metadata map[string]string) bool {
	id, err := strconv.ParseInt(metadata[metaTxID], 10, 64)
	if err != nil || id <= 0 {
		result.Ignored = true
		return false
	}
	result.TxID = &id
	return true
}

func (s *Stripe) CheckoutStatus(_ context.Context, externalOrderID string) (*billing.ProviderCheckout, error) {
	session, err := s.getSession(externalOrderID, nil)
	if err != nil {
		return nil, classifyStripeError("checkout_status", err)
	}

	switch session.Status {
	case stripe.CheckoutSessionStatusExpired:
		return &billing.ProviderCheckout{State: billing.CheckoutExpired}, nil
	case stripe.CheckoutSessionStatusComplete:
		if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
			return &billing.ProviderCheckout{State: billing.CheckoutPending}, nil
		}
		out := &billing.ProviderCheckout{State: billing.CheckoutComplete, ExternalPaymentID: session.ID}
		if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
			out.ExternalPaymentID = session.PaymentIntent.ID
		} else if session.Invoice != nil && session.Invoice.ID != "" {
			out.ExternalPaymentID = session.Invoice.ID
		}
		if session.Customer != nil {
			out.ProviderCustomerID = session.Customer.ID
		}
		if session.Subscription != nil {
			out.ProviderSubscriptionID = session.Subscription.ID
		}
		return out, nil
	default:
		return &billing.ProviderCheckout{State: billing.CheckoutPending}, nil
	}
}

// CreatePortalSession opens a Stripe customer portal session for an existing customer
func (s *Stripe) CreatePortalSession(_ context.Context, customerID string) (string, error) {
	session, err := s.createPortal(&stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(s.cfg.PortalReturnURL),
	})
	if err != nil {
		return "", classifyStripeError("create_portal_session", err)
	}
	return session.URL, nil
}

// classifyStripeError marks network failures, rate limits and 5xx responses as transient
func classifyStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= http.StatusInternalServerError || stripeErr.HTTPStatusCode == http.StatusTooManyRequests {
			return billing.NewTransientError(billing.ProviderStripe, op, err)
		}
		return fmt.Errorf("stripe %s failed: %w", op, err)
	}
	return billing.NewTransientError(billing.ProviderStripe, op, err)
}
