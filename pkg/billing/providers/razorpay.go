package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	razorpay "github.com/razorpay/razorpay-go"
	"github.com/razorpay/razorpay-go/utils"

	"github.com/pandasalon/salon-billing/pkg/billing"
)

// RazorpaySignatureHeader is the header Razorpay signs webhooks with
const RazorpaySignatureHeader = "X-Razorpay-Signature"

// RazorpayConfig configures the Razorpay gateway
type RazorpayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	FrontendURL   string
	Currency      string
}

// orderAPI is the part of the razorpay-go order resource we call
type orderAPI interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Fetch(orderID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Payments(orderID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// Razorpay sells plans as Razorpay orders paid on the hosted checkout page.
// The razorpay-go client does not expose typed errors, so every API failure
// is reported as transient and left to the reconciliation retry ceiling.
type Razorpay struct {
	cfg    RazorpayConfig
	orders orderAPI
	verify func(body, signature, secret string) bool
}

// NewRazorpay creates a Razorpay gateway
func NewRazorpay(cfg RazorpayConfig) *Razorpay {
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	client := razorpay.NewClient(cfg.KeyID, cfg.KeySecret)
	return &Razorpay{
		cfg:    cfg,
		orders: client.Order,
		verify: utils.VerifyWebhookSignature,
	}
}

func (r *Razorpay) Name() billing.ProviderType { return billing.ProviderRazorpay }

func (r *Razorpay) SignatureHeader() string { return RazorpaySignatureHeader }

func (r *Razorpay) CreateCheckout(_ context.Context, tenantID int64, _ *billing.Plan, tx *billing.BillingTransaction) (*billing.Checkout, error) {
	order, err := r.orders.Create(map[string]interface{}{
		"amount":          tx.Amount,
		"currency":        r.cfg.Currency,
		"receipt":         "salon_" + strconv.FormatInt(tenantID, 10),
		"payment_capture": 1,
		"notes": map[string]interface{}{
			metaTxID:     strconv.FormatInt(tx.ID, 10),
			metaTenantID: strconv.FormatInt(tenantID, 10),
		},
	}, nil)
	if err != nil {
		return nil, billing.NewTransientError(billing.ProviderRazorpay, "create_checkout", err)
	}

	orderID, _ := order["id"].(string)
	if orderID == "" {
		return nil, fmt.Errorf("razorpay order response missing id")
	}

	return &billing.Checkout{
		CheckoutURL:     r.cfg.FrontendURL + "/pay/razorpay?orderId=" + orderID,
		ExternalOrderID: orderID,
	}, nil
}

type razorpayEntity struct {
	ID             string        `json:"id"`
	OrderID        string        `json:"order_id"`
	Status         string        `json:"status"`
	CustomerID     string        `json:"customer_id"`
	SubscriptionID string        `json:"subscription_id"`
	Notes          razorpayNotes `json:"notes"`
}

// razorpayNotes accepts both the object form and the empty array Razorpay
// sends when no notes were attached.
type razorpayNotes map[string]string

func (n *razorpayNotes) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '[' {
		*n = nil
		return nil
	}
	raw := map[string]interface{}{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(razorpayNotes, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		}
	}
	*n = out
	return nil
}

type razorpayEvent struct {
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment *struct {
			Entity razorpayEntity `json:"entity"`
		} `json:"payment"`
		Order *struct {
			Entity razorpayEntity `json:"entity"`
		} `json:"order"`
		Subscription *struct {
			Entity razorpayEntity `json:"entity"`
		} `json:"subscription"`
	} `json:"payload"`
}

func (e *razorpayEvent) payment() *razorpayEntity {
	if e.Payload.Payment == nil {
		return nil
	}
	return &e.Payload.Payment.Entity
}

// subscriptionEventID keys state-change events that carry no payment. The
// same subscription can halt once per billing cycle, so the envelope's
// created_at tells the cycles apart while a redelivery keeps the same id.
func (e *razorpayEvent) subscriptionEventID(subID string) string {
	return e.Event + ":" + subID + ":" + strconv.FormatInt(e.CreatedAt, 10)
}

func (r *Razorpay) VerifyWebhook(_ context.Context, payload []byte, signature string) (*billing.BillingResult, error) {
	if signature == "" || !r.verify(string(payload), signature, r.cfg.WebhookSecret) {
		return nil, billing.ErrSignatureVerification
	}

	var event razorpayEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to decode razorpay webhook: %w", err)
	}

	result := &billing.BillingResult{EventType: event.Event}
	payment := event.payment()

	switch event.Event {
	case "order.paid":
		if payment == nil || payment.ID == "" {
			result.Ignored = true
			return result, nil
		}
		notes := payment.Notes
		if event.Payload.Order != nil && event.Payload.Order.Entity.Notes[metaTxID] != "" {
			notes = event.Payload.Order.Entity.Notes
		}
		result.ProviderEventID = "order.paid:" + payment.ID
		if !applyTxID(result, notes) {
			return result, nil
		}
		result.Success = true
		result.ExternalPaymentID = payment.ID
		result.ProviderCustomerID = payment.CustomerID
		result.ProviderSubscriptionID = payment.SubscriptionID

	case "payment.failed":
		if payment == nil || payment.ID == "" {
			result.Ignored = true
			return result, nil
		}
		result.ProviderEventID = "payment.failed:" + payment.ID
		applyTxID(result, payment.Notes)

	case "subscription.charged", "subscription.pending", "subscription.halted", "subscription.cancelled":
		if event.Payload.Subscription == nil || event.Payload.Subscription.Entity.ID == "" {
			result.Ignored = true
			return result, nil
		}
		sub := event.Payload.Subscription.Entity
		result.ProviderSubscriptionID = sub.ID
		result.ProviderCustomerID = sub.CustomerID
		switch event.Event {
		case "subscription.charged":
			if payment == nil || payment.ID == "" {
				result.Ignored = true
				return result, nil
			}
			result.ProviderEventID = "subscription.charged:" + payment.ID
			result.Success = true
			result.ExternalPaymentID = payment.ID
		case "subscription.pending", "subscription.halted":
			result.ProviderEventID = event.subscriptionEventID(sub.ID)
		case "subscription.cancelled":
			result.ProviderEventID = event.subscriptionEventID(sub.ID)
			result.Success = true
		}

	default:
		result.Ignored = true
	}

	return result, nil
}

func (r *Razorpay) CheckoutStatus(_ context.Context, externalOrderID string) (*billing.ProviderCheckout, error) {
	order, err := r.orders.Fetch(externalOrderID, nil, nil)
	if err != nil {
		return nil, billing.NewTransientError(billing.ProviderRazorpay, "checkout_status", err)
	}

	if status, _ := order["status"].(string); status != "paid" {
		return &billing.ProviderCheckout{State: billing.CheckoutPending}, nil
	}

	payments, err := r.orders.Payments(externalOrderID, nil, nil)
	if err != nil {
		return nil, billing.NewTransientError(billing.ProviderRazorpay, "checkout_payments", err)
	}

	out := &billing.ProviderCheckout{State: billing.CheckoutComplete, ExternalPaymentID: externalOrderID}
	items, _ := payments["items"].([]interface{})
	for _, item := range items {
		p, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if status, _ := p["status"].(string); status == "captured" {
			if id, _ := p["id"].(string); id != "" {
				out.ExternalPaymentID = id
			}
			if customer, _ := p["customer_id"].(string); customer != "" {
				out.ProviderCustomerID = customer
			}
			if sub, _ := p["subscription_id"].(string); sub != "" {
				out.ProviderSubscriptionID = sub
			}
			break
		}
	}
	return out, nil
}
