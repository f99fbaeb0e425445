package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandasalon/salon-billing/pkg/billing"
)

type mockOrders struct {
	createFunc   func(data map[string]interface{}) (map[string]interface{}, error)
	fetchFunc    func(orderID string) (map[string]interface{}, error)
	paymentsFunc func(orderID string) (map[string]interface{}, error)
}

func (m *mockOrders) Create(data map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	if m.createFunc != nil {
		return m.createFunc(data)
	}
	return nil, errors.New("not implemented")
}

func (m *mockOrders) Fetch(orderID string, _ map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	if m.fetchFunc != nil {
		return m.fetchFunc(orderID)
	}
	return nil, errors.New("not implemented")
}

func (m *mockOrders) Payments(orderID string, _ map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	if m.paymentsFunc != nil {
		return m.paymentsFunc(orderID)
	}
	return nil, errors.New("not implemented")
}

const razorpayTestSecret = "rzp_webhook_secret"

func newTestRazorpay(orders *mockOrders) *Razorpay {
	r := NewRazorpay(RazorpayConfig{
		KeyID:         "rzp_test",
		KeySecret:     "secret",
		WebhookSecret: razorpayTestSecret,
		FrontendURL:   "http://app",
	})
	r.orders = orders
	return r
}

func razorpaySign(body string) string {
	mac := hmac.New(sha256.New, []byte(razorpayTestSecret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestRazorpayCreateCheckout(t *testing.T) {
	var captured map[string]interface{}
	r := newTestRazorpay(&mockOrders{
		createFunc: func(data map[string]interface{}) (map[string]interface{}, error) {
			captured = data
			return map[string]interface{}{"id": "order_abc", "status": "created"}, nil
		},
	})

	checkout, err := r.CreateCheckout(context.Background(), 7, &billing.Plan{Type: billing.PlanPro}, &billing.BillingTransaction{ID: 42, Amount: 999})
	require.NoError(t, err)
	assert.Equal(t, "order_abc", checkout.ExternalOrderID)
	assert.Equal(t, "http://app/pay/razorpay?orderId=order_abc", checkout.CheckoutURL)

	assert.Equal(t, int64(999), captured["amount"])
	assert.Equal(t, "INR", captured["currency"])
	assert.Equal(t, "salon_7", captured["receipt"])
	notes := captured["notes"].(map[string]interface{})
	assert.Equal(t, "42", notes["tx_id"])
	assert.Equal(t, "7", notes["tenant_id"])
}

func TestRazorpayCreateCheckoutErrorIsTransient(t *testing.T) {
	r := newTestRazorpay(&mockOrders{
		createFunc: func(map[string]interface{}) (map[string]interface{}, error) {
			return nil, errors.New("gateway timeout")
		},
	})

	_, err := r.CreateCheckout(context.Background(), 7, &billing.Plan{Type: billing.PlanPro}, &billing.BillingTransaction{ID: 42})
	require.Error(t, err)
	assert.True(t, billing.IsTransient(err))
}

func TestRazorpayVerifyWebhook(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		check func(t *testing.T, r *billing.BillingResult)
	}{
		{
			name: "order paid with order notes",
			body: `{"event":"order.paid","payload":{"payment":{"entity":{"id":"pay_1","customer_id":"cust_1","notes":[]}},"order":{"entity":{"id":"order_abc","notes":{"tx_id":"42","tenant_id":"7"}}}}}`,
			check: func(t *testing.T, r *billing.BillingResult) {
				require.NotNil(t, r.TxID)
				assert.Equal(t, int64(42), *r.TxID)
				assert.True(t, r.Success)
				assert.Equal(t, "pay_1", r.ExternalPaymentID)
				assert.Equal(t, "order.paid:pay_1", r.ProviderEventID)
			},
		},
		{
			name: "order paid falls back to payment notes",
			body: `{"event":"order.paid","payload":{"payment":{"entity":{"id":"pay_2","notes":{"tx_id":"43"}}},"order":{"entity":{"id":"order_abc","notes":[]}}}}`,
			check: func(t *testing.T, r *billing.BillingResult) {
				require.NotNil(t, r.TxID)
				assert.Equal(t, int64(43), *r.TxID)
				assert.True(t, r.Success)
			},
		},
		{
			name: "payment failed",
			body: `{"event":"payment.failed","payload":{"payment":{"entity":{"id":"pay_3","notes":{"tx_id":"44"}}}}}`,
			check: func(t *testing.T, r *billing.BillingResult) {
				require.NotNil(t, r.TxID)
				assert.Equal(t, int64(44), *r.TxID)
				assert.False(t, r.Success)
				assert.False(t, r.Ignored)
			},
		},
		{
			name: "payment failed without notes",
			body: `{"event":"payment.failed","payload":{"payment":{"entity":{"id":"pay_4","notes":[]}}}}`,
			check: func(t *testing.T, r *billing.BillingResult) {
				assert.True(t, r.Ignored)
			},
		},
		{
			name: "subscription charged",
			body: `{"event":"subscription.charged","payload":{"subscription":{"entity":{"id":"sub_1","customer_id":"cust_1"}},"payment":{"entity":{"id":"pay_5"}}}}`,
			check: func(t *testing.T, r *billing.BillingResult) {
				assert.True(t, r.IsRecurring())
				assert.True(t, r.Success)
				assert.Equal(t, "pay_5", r.ExternalPaymentID)
				assert.Equal(t, "subscription.charged:pay_5", r.ProviderEventID)
			},
		},
		{
			name: "order paid links the razorpay subscription",
			body: `{"event":"order.paid","payload":{"payment":{"entity":{"id":"pay_6","subscription_id":"sub_9","notes":{"tx_id":"45"}}}}}`,
			check: func(t *testing.T, r *billing.BillingResult) {
				require.NotNil(t, r.TxID)
				assert.False(t, r.IsRecurring())
				assert.Equal(t, "sub_9", r.ProviderSubscriptionID)
			},
		},
		{
			name: "subscription halted",
			body: `{"event":"subscription.halted","created_at":1767225600,"payload":{"subscription":{"entity":{"id":"sub_1"}}}}`,
			check: func(t *testing.T, r *billing.BillingResult) {
				assert.True(t, r.IsRecurring())
				assert.False(t, r.Success)
				assert.Equal(t, "subscription.halted:sub_1:1767225600", r.ProviderEventID)
			},
		},
		{
			name: "subscription pending is a renewal failure",
			body: `{"event":"subscription.pending","created_at":1767225600,"payload":{"subscription":{"entity":{"id":"sub_1"}}}}`,
			check: func(t *testing.T, r *billing.BillingResult) {
				assert.True(t, r.IsRecurring())
				assert.False(t, r.Success)
				assert.False(t, r.Ignored)
				assert.Equal(t, "subscription.pending:sub_1:1767225600", r.ProviderEventID)
			},
		},
		{
			name: "subscription cancelled",
			body: `{"event":"subscription.cancelled","created_at":1767225600,"payload":{"subscription":{"entity":{"id":"sub_1"}}}}`,
			check: func(t *testing.T, r *billing.BillingResult) {
				assert.True(t, r.IsRecurring())
				assert.True(t, r.Success)
				assert.Empty(t, r.ExternalPaymentID)
				assert.Equal(t, "subscription.cancelled:sub_1:1767225600", r.ProviderEventID)
			},
		},
		{
			name: "unhandled event",
			body: `{"event":"refund.created","payload":{}}`,
			check: func(t *testing.T, r *billing.BillingResult) {
				assert.True(t, r.Ignored)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRazorpay(&mockOrders{})
			result, err := r.VerifyWebhook(context.Background(), []byte(tt.body), razorpaySign(tt.body))
			require.NoError(t, err)
			tt.check(t, result)
		})
	}
}

func TestRazorpaySubscriptionEventIDsPerCycle(t *testing.T) {
	r := newTestRazorpay(&mockOrders{})
	verify := func(body string) string {
		result, err := r.VerifyWebhook(context.Background(), []byte(body), razorpaySign(body))
		require.NoError(t, err)
		require.NotEmpty(t, result.ProviderEventID)
		return result.ProviderEventID
	}

	first := `{"event":"subscription.halted","created_at":1767225600,"payload":{"subscription":{"entity":{"id":"sub_X"}}}}`
	second := `{"event":"subscription.halted","created_at":1769904000,"payload":{"subscription":{"entity":{"id":"sub_X"}}}}`

	assert.NotEqual(t, verify(first), verify(second), "halts in different cycles must not collide in the ledger")
	assert.Equal(t, verify(first), verify(first), "a redelivered halt keeps its id")
}

func TestRazorpayVerifyWebhookBadSignature(t *testing.T) {
	r := newTestRazorpay(&mockOrders{})
	body := `{"event":"order.paid","payload":{}}`

	_, err := r.VerifyWebhook(context.Background(), []byte(body), razorpaySign(body+"tampered"))
	assert.ErrorIs(t, err, billing.ErrSignatureVerification)

	_, err = r.VerifyWebhook(context.Background(), []byte(body), "")
	assert.ErrorIs(t, err, billing.ErrSignatureVerification)
}

func TestRazorpayCheckoutStatus(t *testing.T) {
	t.Run("unpaid order is pending", func(t *testing.T) {
		r := newTestRazorpay(&mockOrders{
			fetchFunc: func(string) (map[string]interface{}, error) {
				return map[string]interface{}{"id": "order_abc", "status": "attempted"}, nil
			},
		})

		got, err := r.CheckoutStatus(context.Background(), "order_abc")
		require.NoError(t, err)
		assert.Equal(t, billing.CheckoutPending, got.State)
	})

	t.Run("paid order reports captured payment", func(t *testing.T) {
		r := newTestRazorpay(&mockOrders{
			fetchFunc: func(string) (map[string]interface{}, error) {
				return map[string]interface{}{"id": "order_abc", "status": "paid"}, nil
			},
			paymentsFunc: func(string) (map[string]interface{}, error) {
				return map[string]interface{}{
					"items": []interface{}{
						map[string]interface{}{"id": "pay_failed", "status": "failed"},
						map[string]interface{}{"id": "pay_ok", "status": "captured", "customer_id": "cust_1", "subscription_id": "sub_9"},
					},
				}, nil
			},
		})

		got, err := r.CheckoutStatus(context.Background(), "order_abc")
		require.NoError(t, err)
		assert.Equal(t, billing.CheckoutComplete, got.State)
		assert.Equal(t, "pay_ok", got.ExternalPaymentID)
		assert.Equal(t, "cust_1", got.ProviderCustomerID)
		assert.Equal(t, "sub_9", got.ProviderSubscriptionID)
	})

	t.Run("fetch error is transient", func(t *testing.T) {
		r := newTestRazorpay(&mockOrders{
			fetchFunc: func(string) (map[string]interface{}, error) {
				return nil, errors.New("connection refused")
			},
		})

		_, err := r.CheckoutStatus(context.Background(), "order_abc")
		require.Error(t, err)
		assert.True(t, billing.IsTransient(err))
	})
}
