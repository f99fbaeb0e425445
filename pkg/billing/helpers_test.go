package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pandasalon/salon-billing/pkg/billing"
	"github.com/pandasalon/salon-billing/pkg/billing/providers"
	"github.com/pandasalon/salon-billing/pkg/observability"
	"github.com/pandasalon/salon-billing/pkg/storage/memory"
)

var start = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

// harness wires the billing components over the memory store and the fake
// gateway with a controllable clock.
type harness struct {
	t   *testing.T
	ctx context.Context
	now time.Time

	store      *memory.Store
	fake       *providers.Fake
	catalog    *billing.Catalog
	service    *billing.Service
	processor  *billing.Processor
	reconciler *billing.Reconciler
	expiry     *billing.ExpiryJob
}

func testReconcilerConfig() billing.ReconcilerConfig {
	cfg := billing.DefaultReconcilerConfig()
	cfg.Attempts = 1
	cfg.ProviderTimeout = time.Second
	cfg.RetryInterval = time.Millisecond
	cfg.Workers = 2
	return cfg
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithConfig(t, testReconcilerConfig())
}

func newHarnessWithConfig(t *testing.T, cfg billing.ReconcilerConfig) *harness {
	t.Helper()

	h := &harness{
		t:     t,
		ctx:   context.Background(),
		now:   start,
		store: memory.New(),
		fake:  providers.NewFake("whsec_test", "http://localhost:5173"),
	}
	require.NoError(t, billing.SeedPlans(h.ctx, h.store, billing.DefaultPlans()))

	catalog, err := billing.NewCatalog(h.store)
	require.NoError(t, err)
	h.catalog = catalog

	opts := billing.Options{
		Logger: observability.NewNopLogger(),
		Clock:  func() time.Time { return h.now },
	}
	h.processor = billing.NewProcessor(h.store, h.fake, opts)
	h.service = billing.NewService(h.store, h.fake, catalog, opts)
	h.reconciler = billing.NewReconciler(h.store, h.fake, h.processor, cfg, opts)
	h.expiry = billing.NewExpiryJob(h.store, opts)
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

// deliver sends a signed fake webhook
func (h *harness) deliver(result billing.BillingResult) billing.Ack {
	return h.processor.Ingest(h.ctx, h.fake.Payload(result), h.fake.Secret())
}

// checkout starts an upgrade and returns the PENDING transaction
func (h *harness) checkout(tenantID int64, plan billing.PlanType) *billing.BillingTransaction {
	h.t.Helper()
	tx, url, err := h.service.UpgradePlan(h.ctx, tenantID, plan)
	require.NoError(h.t, err)
	require.NotEmpty(h.t, url)
	require.Equal(h.t, billing.TransactionPending, tx.Status)
	return tx
}

// subscribe onboards a tenant on the free plan and pays for plan through
// the webhook path.
func (h *harness) subscribe(tenantID int64, plan billing.PlanType, providerSubID string) *billing.Subscription {
	h.t.Helper()
	_, err := h.service.OnboardTenant(h.ctx, tenantID, false)
	require.NoError(h.t, err)

	tx := h.checkout(tenantID, plan)
	ack := h.deliver(billing.BillingResult{
		TxID:                   &tx.ID,
		ExternalPaymentID:      "pay_" + providerSubID,
		ProviderSubscriptionID: providerSubID,
		ProviderEventID:        "evt_activate_" + providerSubID,
		Success:                true,
	})
	require.Equal(h.t, billing.OutcomeApplied, ack.Outcome, "activation: %v", ack.Err)

	sub := h.current(tenantID)
	require.Equal(h.t, plan, sub.Plan)
	return sub
}

func (h *harness) current(tenantID int64) *billing.Subscription {
	h.t.Helper()
	sub, err := h.store.CurrentSubscription(h.ctx, tenantID)
	require.NoError(h.t, err)
	return sub
}

func (h *harness) tx(id int64) *billing.BillingTransaction {
	h.t.Helper()
	tx, err := h.store.GetTransaction(h.ctx, id)
	require.NoError(h.t, err)
	return tx
}

func (h *harness) history(tenantID int64) []*billing.Subscription {
	h.t.Helper()
	subs, err := h.store.SubscriptionHistory(h.ctx, tenantID)
	require.NoError(h.t, err)
	return subs
}

func int64Ptr(v int64) *int64 { return &v }
