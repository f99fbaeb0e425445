package providers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"

	"github.com/pandasalon/salon-billing/pkg/billing"
)

// FakeSignatureHeader carries the shared secret on fake webhooks
const FakeSignatureHeader = "X-Fake-Signature"

// Fake is an in-process gateway for development and tests. Webhook payloads
// are JSON-encoded billing.BillingResult values and the signature is the
// shared secret itself.
type Fake struct {
	secret      string
	frontendURL string

	mu        sync.Mutex
	checkouts map[string]*billing.ProviderCheckout
	statusErr error
	createErr error
}

// NewFake creates a fake gateway
func NewFake(secret, frontendURL string) *Fake {
	return &Fake{
		secret:      secret,
		frontendURL: frontendURL,
		checkouts:   make(map[string]*billing.ProviderCheckout),
	}
}

func (f *Fake) Name() billing.ProviderType { return billing.ProviderFake }

func (f *Fake) SignatureHeader() string { return FakeSignatureHeader }

func (f *Fake) CreateCheckout(_ context.Context, _ int64, _ *billing.Plan, _ *billing.BillingTransaction) (*billing.Checkout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return nil, f.createErr
	}

	orderID := "fake_" + uuid.NewString()
	f.checkouts[orderID] = &billing.ProviderCheckout{State: billing.CheckoutPending}

	return &billing.Checkout{
		CheckoutURL:     f.frontendURL + "/fake-success?orderId=" + url.QueryEscape(orderID),
		ExternalOrderID: orderID,
	}, nil
}

func (f *Fake) VerifyWebhook(_ context.Context, payload []byte, signature string) (*billing.BillingResult, error) {
	if subtle.ConstantTimeCompare([]byte(signature), []byte(f.secret)) != 1 {
		return nil, billing.ErrSignatureVerification
	}

	var result billing.BillingResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to decode fake webhook: %w", err)
	}
	return &result, nil
}

func (f *Fake) CheckoutStatus(_ context.Context, externalOrderID string) (*billing.ProviderCheckout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.statusErr != nil {
		return nil, f.statusErr
	}
	c, ok := f.checkouts[externalOrderID]
	if !ok {
		return &billing.ProviderCheckout{State: billing.CheckoutPending}, nil
	}
	cp := *c
	return &cp, nil
}

// CreatePortalSession returns a local page standing in for a hosted billing portal
func (f *Fake) CreatePortalSession(_ context.Context, customerID string) (string, error) {
	return f.frontendURL + "/fake-portal?customer=" + url.QueryEscape(customerID), nil
}

// Complete marks an order as paid on the gateway side without sending a webhook
func (f *Fake) Complete(externalOrderID, paymentID string) {
	f.SetCheckout(externalOrderID, billing.ProviderCheckout{
		State:             billing.CheckoutComplete,
		ExternalPaymentID: paymentID,
	})
}

// SetCheckout overrides the live state reported for an order
func (f *Fake) SetCheckout(externalOrderID string, c billing.ProviderCheckout) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts[externalOrderID] = &c
}

// FailStatus makes CheckoutStatus return err until cleared with nil
func (f *Fake) FailStatus(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErr = err
}

// FailCreate makes CreateCheckout return err until cleared with nil
func (f *Fake) FailCreate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

// Payload encodes a webhook body the fake accepts
func (f *Fake) Payload(result billing.BillingResult) []byte {
	b, _ := json.Marshal(result)
	return b
}

// Secret returns the signature the fake expects
func (f *Fake) Secret() string { return f.secret }
