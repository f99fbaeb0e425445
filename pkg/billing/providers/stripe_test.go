package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/pandasalon/salon-billing/pkg/billing"
)

const testWebhookSecret = "whsec_test"

func newTestStripe() *Stripe {
	s := NewStripe(StripeConfig{
		SecretKey:     "sk_test",
		WebhookSecret: testWebhookSecret,
		PriceIDs:      map[billing.PlanType]string{billing.PlanPro: "price_pro"},
		SuccessURL:      "http://app/billing/success",
		CancelURL:       "http://app/billing",
		PortalReturnURL: "http://app/billing",
	})
	s.createSession = func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		return nil, errors.New("unexpected call")
	}
	s.getSession = func(string, *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		return nil, errors.New("unexpected call")
	}
	s.createPortal = func(*stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
		return nil, errors.New("unexpected call")
	}
	return s
}

func signedEvent(t *testing.T, id, eventType, object string) ([]byte, string) {
	t.Helper()
	payload := fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"api_version":"2025-03-31.basil","data":{"object":%s}}`, id, eventType, object)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Payload, signed.Header
}

func TestStripeCreateCheckout(t *testing.T) {
	s := newTestStripe()

	var captured *stripe.CheckoutSessionParams
	s.createSession = func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		captured = params
		return &stripe.CheckoutSession{ID: "cs_123", URL: "https://checkout.stripe.com/cs_123"}, nil
	}

	plan := &billing.Plan{Type: billing.PlanPro, MonthlyPrice: 999}
	tx := &billing.BillingTransaction{ID: 42, Amount: 999}

	checkout, err := s.CreateCheckout(context.Background(), 7, plan, tx)
	require.NoError(t, err)
	assert.Equal(t, "cs_123", checkout.ExternalOrderID)
	assert.Equal(t, "https://checkout.stripe.com/cs_123", checkout.CheckoutURL)

	require.NotNil(t, captured)
	assert.Equal(t, string(stripe.CheckoutSessionModeSubscription), *captured.Mode)
	assert.Equal(t, "42", captured.Metadata["tx_id"])
	assert.Equal(t, "7", captured.Metadata["tenant_id"])
	assert.Equal(t, "42", *captured.ClientReferenceID)
	require.Len(t, captured.LineItems, 1)
	assert.Equal(t, "price_pro", *captured.LineItems[0].Price)
}

func TestStripeCreateCheckoutMissingPrice(t *testing.T) {
	s := newTestStripe()

	_, err := s.CreateCheckout(context.Background(), 7, &billing.Plan{Type: billing.PlanPremium}, &billing.BillingTransaction{ID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PREMIUM")
}

func TestStripeCreateCheckoutErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{name: "server error", err: &stripe.Error{HTTPStatusCode: http.StatusBadGateway}, transient: true},
		{name: "rate limited", err: &stripe.Error{HTTPStatusCode: http.StatusTooManyRequests}, transient: true},
		{name: "invalid request", err: &stripe.Error{HTTPStatusCode: http.StatusBadRequest}, transient: false},
		{name: "network failure", err: errors.New("connection reset"), transient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStripe()
			s.createSession = func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
				return nil, tt.err
			}

			_, err := s.CreateCheckout(context.Background(), 1, &billing.Plan{Type: billing.PlanPro}, &billing.BillingTransaction{ID: 1})
			require.Error(t, err)
			assert.Equal(t, tt.transient, billing.IsTransient(err))
		})
	}
}

func TestStripeCreatePortalSession(t *testing.T) {
	s := newTestStripe()

	var captured *stripe.BillingPortalSessionParams
	s.createPortal = func(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
		captured = params
		return &stripe.BillingPortalSession{URL: "https://billing.stripe.com/p/session_1"}, nil
	}

	url, err := s.CreatePortalSession(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "https://billing.stripe.com/p/session_1", url)
	require.NotNil(t, captured)
	assert.Equal(t, "cus_1", *captured.Customer)
	assert.Equal(t, "http://app/billing", *captured.ReturnURL)

	s.createPortal = func(*stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
		return nil, &stripe.Error{HTTPStatusCode: http.StatusServiceUnavailable}
	}
	_, err = s.CreatePortalSession(context.Background(), "cus_1")
	require.Error(t, err)
	assert.True(t, billing.IsTransient(err))
}

func TestStripeVerifyWebhook(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		object    string
		check     func(t *testing.T, r *billing.BillingResult)
	}{
		{
			name:      "checkout completed",
			eventType: "checkout.session.completed",
			object:    `{"id":"cs_1","customer":"cus_1","subscription":"sub_1","invoice":"in_1","payment_status":"paid","metadata":{"tx_id":"42","tenant_id":"7"}}`,
			check: func(t *testing.T, r *billing.BillingResult) {
				require.NotNil(t, r.TxID)
				assert.Equal(t, int64(42), *r.TxID)
				assert.True(t, r.Success)
				assert.False(t, r.Ignored)
				assert.Equal(t, "in_1", r.ExternalPaymentID)
				assert.Equal(t, "cus_1", r.ProviderCustomerID)
				assert.Equal(t, "sub_1", r.ProviderSubscriptionID)
			},
		},
		{
			name:      "checkout completed but unpaid",
			eventType: "checkout.session.completed",
			object:    `{"id":"cs_1","payment_status":"unpaid","metadata":{"tx_id":"42"}}`,
			check: func(t *testing.T, r *billing.BillingResult) {
				assert.True(t, r.Ignored)
			},
		},
		{
			name:      "checkout without our metadata",
			eventType: "checkout.session.completed",
			object:    `{"id":"cs_1","payment_status":"paid","metadata":{}}`,
			check: func(t *testing.T, r *billing.BillingResult) {
				assert.True(t, r.Ignored)
				assert.Nil(t, r.TxID)
			},
		},
		{
			name:      "checkout expired",
			eventType: "checkout.session.expired",
			object:    `{"id":"cs_1","metadata":{"tx_id":"42"}}`,
			check: func(t *testing.T, r *billing.BillingResult) {
				require.NotNil(t, r.TxID)
				assert.False(t, r.Success)
				assert.False(t, r.Ignored)
			},
		},
		{
			name:      "renewal invoice paid",
			eventType: "invoice.paid",
			object:    `{"id":"in_2","customer":"cus_1","billing_reason":"subscription_cycle","parent":{"subscription_details":{"subscription":"sub_1"}}}`,
			check: func(t *testing.T, r *billing.BillingResult) {
				assert.True(t, r.IsRecurring())
				assert.True(t, r.Success)
				assert.Equal(t, "sub_1", r.ProviderSubscriptionID)
				assert.Equal(t, "in_2", r.ExternalPaymentID)
			},
		},
		{
			name:      "first invoice is left to the checkout event",
			eventType: "invoice.paid",
			object:    `{"id":"in_1","billing_reason":"subscription_create","subscription":"sub_1"}`,
			check: func(t *testing.T, r *billing.BillingResult) {
				assert.True(t, r.Ignored)
			},
		},
		{
			name:      "renewal payment failed",
			eventType: "invoice.payment_failed",
			object:    `{"id":"in_3","billing_reason":"subscription_cycle","subscription":"sub_1"}`,
			check: func(t *testing.T, r *billing.BillingResult) {
				assert.True(t, r.IsRecurring())
				assert.False(t, r.Success)
				assert.Empty(t, r.ExternalPaymentID)
			},
		},
		{
			name:      "subscription deleted",
			eventType: "customer.subscription.deleted",
			object:    `{"id":"sub_1","customer":"cus_1"}`,
			check: func(t *testing.T, r *billing.BillingResult) {
				assert.True(t, r.IsRecurring())
				assert.True(t, r.Success)
				assert.Empty(t, r.ExternalPaymentID)
			},
		},
		{
			name:      "unhandled event",
			eventType: "customer.created",
			object:    `{"id":"cus_1"}`,
			check: func(t *testing.T, r *billing.BillingResult) {
				assert.True(t, r.Ignored)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStripe()
			payload, header := signedEvent(t, "evt_"+tt.eventType, tt.eventType, tt.object)

			result, err := s.VerifyWebhook(context.Background(), payload, header)
			require.NoError(t, err)
			assert.Equal(t, "evt_"+tt.eventType, result.ProviderEventID)
			assert.Equal(t, tt.eventType, result.EventType)
			tt.check(t, result)
		})
	}
}

func TestStripeVerifyWebhookBadSignature(t *testing.T) {
	s := newTestStripe()
	payload, _ := signedEvent(t, "evt_1", "checkout.session.completed", `{"id":"cs_1"}`)

	_, err := s.VerifyWebhook(context.Background(), payload, "t=1,v1=deadbeef")
	require.Error(t, err)
	assert.True(t, errors.Is(err, billing.ErrSignatureVerification))
}

func TestStripeCheckoutStatus(t *testing.T) {
	tests := []struct {
		name    string
		session *stripe.CheckoutSession
		want    billing.ProviderCheckout
	}{
		{
			name:    "open",
			session: &stripe.CheckoutSession{Status: stripe.CheckoutSessionStatusOpen},
			want:    billing.ProviderCheckout{State: billing.CheckoutPending},
		},
		{
			name:    "expired",
			session: &stripe.CheckoutSession{Status: stripe.CheckoutSessionStatusExpired},
			want:    billing.ProviderCheckout{State: billing.CheckoutExpired},
		},
		{
			name: "complete but unpaid",
			session: &stripe.CheckoutSession{
				Status:        stripe.CheckoutSessionStatusComplete,
				PaymentStatus: stripe.CheckoutSessionPaymentStatusUnpaid,
			},
			want: billing.ProviderCheckout{State: billing.CheckoutPending},
		},
		{
			name: "complete and paid",
			session: &stripe.CheckoutSession{
				ID:            "cs_1",
				Status:        stripe.CheckoutSessionStatusComplete,
				PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
				Invoice:       &stripe.Invoice{ID: "in_1"},
				Customer:      &stripe.Customer{ID: "cus_1"},
				Subscription:  &stripe.Subscription{ID: "sub_1"},
			},
			want: billing.ProviderCheckout{
				State:                  billing.CheckoutComplete,
				ExternalPaymentID:      "in_1",
				ProviderCustomerID:     "cus_1",
				ProviderSubscriptionID: "sub_1",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStripe()
			s.getSession = func(id string, _ *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
				assert.Equal(t, "cs_1", id)
				return tt.session, nil
			}

			got, err := s.CheckoutStatus(context.Background(), "cs_1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestStripeCheckoutStatusTransientError(t *testing.T) {
	s := newTestStripe()
	s.getSession = func(string, *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		return nil, &stripe.Error{HTTPStatusCode: http.StatusServiceUnavailable}
	}

	_, err := s.CheckoutStatus(context.Background(), "cs_1")
	require.Error(t, err)
	assert.True(t, billing.IsTransient(err))
}
