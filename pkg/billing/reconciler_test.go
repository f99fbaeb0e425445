package billing_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandasalon/salon-billing/pkg/billing"
)

func gatewayDown() error {
	return billing.NewTransientError(billing.ProviderFake, "checkout_status", errors.New("503 service unavailable"))
}

func TestReconciler_RecoversLostWebhook(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.OnboardTenant(h.ctx, 1, false)
	require.NoError(t, err)
	tx := h.checkout(1, billing.PlanPro)

	h.fake.Complete(tx.ExternalOrderID, "pay_lost")
	h.advance(11 * time.Minute)

	report, err := h.reconciler.Run(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Recovered)
	assert.Zero(t, report.Errors)

	recovered := h.tx(tx.ID)
	assert.Equal(t, billing.TransactionPaid, recovered.Status)
	assert.Equal(t, "pay_lost", recovered.ExternalPaymentID)
	require.NotNil(t, recovered.RecoveredAt)
	assert.Equal(t, h.now, *recovered.RecoveredAt)
	assert.Equal(t, billing.PlanPro, h.current(1).Plan)

	// The webhook arriving late does not activate twice
	ack := h.deliver(billing.BillingResult{TxID: &tx.ID, ProviderEventID: "evt_late", Success: true})
	assert.Equal(t, billing.OutcomeApplied, ack.Outcome)
	assert.Len(t, h.history(1), 2)

	snap, err := h.service.Observability(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.RecoveredToday)
	assert.Equal(t, 1.0, snap.RecoveryRate)
}

func TestReconciler_IgnoresFreshTransactions(t *testing.T) {
	h := newHarness(t)
	tx := h.checkout(1, billing.PlanPro)
	h.fake.Complete(tx.ExternalOrderID, "pay_1")

	h.advance(5 * time.Minute)
	report, err := h.reconciler.Run(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Equal(t, billing.TransactionPending, h.tx(tx.ID).Status)
}

func TestReconciler_StillPending(t *testing.T) {
	h := newHarness(t)
	tx := h.checkout(1, billing.PlanPro)

	h.advance(15 * time.Minute)
	report, err := h.reconciler.Run(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StillPending)

	stored := h.tx(tx.ID)
	assert.Equal(t, billing.TransactionPending, stored.Status)
	assert.Zero(t, stored.RetryCount)
}

func TestReconciler_ExpiredCheckoutFails(t *testing.T) {
	h := newHarness(t)
	tx := h.checkout(1, billing.PlanPro)
	h.fake.SetCheckout(tx.ExternalOrderID, billing.ProviderCheckout{State: billing.CheckoutExpired})

	h.advance(15 * time.Minute)
	report, err := h.reconciler.Run(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	failed := h.tx(tx.ID)
	assert.Equal(t, billing.TransactionFailed, failed.Status)
	assert.Equal(t, "checkout expired at provider", failed.LastFailureReason)
}

func TestReconciler_BacksOffWhileProviderIsDown(t *testing.T) {
	h := newHarness(t)
	tx := h.checkout(1, billing.PlanPro)
	h.fake.FailStatus(gatewayDown())

	h.advance(15 * time.Minute)
	report, err := h.reconciler.Run(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)

	stored := h.tx(tx.ID)
	assert.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.LastRetryAt)
	assert.Contains(t, stored.LastFailureReason, "503")

	// The next attempt waits ReconcileBackoff(1)
	h.advance(time.Minute)
	report, err = h.reconciler.Run(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, h.tx(tx.ID).RetryCount)

	h.fake.FailStatus(nil)
	h.fake.Complete(tx.ExternalOrderID, "pay_1")
	h.advance(billing.ReconcileBackoff(1))
	report, err = h.reconciler.Run(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)
	assert.Equal(t, billing.TransactionPaid, h.tx(tx.ID).Status)
}

func TestReconciler_DeadLettersAtRetryCeiling(t *testing.T) {
	cfg := testReconcilerConfig()
	cfg.MaxRetries = 2
	h := newHarnessWithConfig(t, cfg)

	tx := h.checkout(1, billing.PlanPro)
	h.fake.FailStatus(gatewayDown())

	h.advance(15 * time.Minute)
	report, err := h.reconciler.Run(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)

	h.advance(billing.ReconcileBackoff(1))
	report, err = h.reconciler.Run(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadLettered)

	dead := h.tx(tx.ID)
	assert.Equal(t, billing.TransactionFailedPermanent, dead.Status)
	assert.Equal(t, 2, dead.RetryCount)
	assert.Contains(t, dead.LastFailureReason, billing.ErrRetryCeilingExceeded.Error())

	letters, err := h.reconciler.ListDeadLetters(h.ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, tx.ID, letters[0].ID)

	// Dead letters are out of the sweep
	report, err = h.reconciler.Run(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)

	snap, err := h.service.Observability(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.DeadLetters)
	assert.Equal(t, 0.0, snap.RecoveryRate)
}

func TestReconciler_DeadLettersAbandonedCheckouts(t *testing.T) {
	h := newHarness(t)
	h.fake.FailCreate(errors.New("gateway down"))
	tx, _, err := h.service.UpgradePlan(h.ctx, 1, billing.PlanPro)
	require.ErrorIs(t, err, billing.ErrCheckoutUnavailable)
	h.fake.FailCreate(nil)

	h.advance(30 * time.Minute)
	report, err := h.reconciler.Run(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Abandoned)

	h.advance(time.Hour)
	report, err = h.reconciler.Run(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abandoned)
	assert.Equal(t, billing.TransactionFailedPermanent, h.tx(tx.ID).Status)
}

func TestReconciler_ForceRecover(t *testing.T) {
	cfg := testReconcilerConfig()
	cfg.MaxRetries = 1
	h := newHarnessWithConfig(t, cfg)

	_, err := h.service.OnboardTenant(h.ctx, 1, false)
	require.NoError(t, err)
	tx := h.checkout(1, billing.PlanPro)
	h.fake.FailStatus(gatewayDown())
	h.advance(15 * time.Minute)
	_, err = h.reconciler.Run(h.ctx)
	require.NoError(t, err)
	require.Equal(t, billing.TransactionFailedPermanent, h.tx(tx.ID).Status)

	// Provider still unreachable
	_, err = h.reconciler.ForceRecover(h.ctx, tx.ID)
	assert.True(t, billing.IsTransient(err))

	h.fake.FailStatus(nil)
	h.fake.Complete(tx.ExternalOrderID, "pay_manual")
	recovered, err := h.reconciler.ForceRecover(h.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.TransactionPaid, recovered.Status)
	assert.NotNil(t, recovered.RecoveredAt)
	assert.Equal(t, billing.PlanPro, h.current(1).Plan)

	_, err = h.reconciler.ForceRecover(h.ctx, tx.ID)
	assert.ErrorIs(t, err, billing.ErrInvalidStateTransition)
}

func TestReconciler_ForceRecoverRequeuesOpenCheckout(t *testing.T) {
	cfg := testReconcilerConfig()
	cfg.MaxRetries = 1
	h := newHarnessWithConfig(t, cfg)

	tx := h.checkout(1, billing.PlanPro)
	h.fake.FailStatus(gatewayDown())
	h.advance(15 * time.Minute)
	_, err := h.reconciler.Run(h.ctx)
	require.NoError(t, err)

	h.fake.FailStatus(nil)
	requeued, err := h.reconciler.ForceRecover(h.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.TransactionPending, requeued.Status)
	assert.Zero(t, requeued.RetryCount)
	assert.Nil(t, requeued.LastRetryAt)
}

func TestReconciler_ForceRecoverRejections(t *testing.T) {
	h := newHarness(t)

	_, err := h.reconciler.ForceRecover(h.ctx, 404)
	assert.ErrorIs(t, err, billing.ErrNotFound)

	h.fake.FailCreate(errors.New("gateway down"))
	tx, _, err := h.service.UpgradePlan(h.ctx, 1, billing.PlanPro)
	require.Error(t, err)

	_, err = h.reconciler.ForceRecover(h.ctx, tx.ID)
	assert.ErrorIs(t, err, billing.ErrInvalidStateTransition)
}

func TestReconciler_RacesWebhook(t *testing.T) {
	for i := 0; i < 10; i++ {
		h := newHarness(t)
		_, err := h.service.OnboardTenant(h.ctx, 1, false)
		require.NoError(t, err)
		tx := h.checkout(1, billing.PlanPro)
		h.fake.Complete(tx.ExternalOrderID, "pay_1")
		h.advance(11 * time.Minute)

		var (
			wg     sync.WaitGroup
			ack    billing.Ack
			report *billing.ReconcileReport
			runErr error
		)
		release := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-release
			ack = h.processor.HandleResult(h.ctx, &billing.BillingResult{TxID: &tx.ID, ExternalPaymentID: "pay_1", ProviderEventID: "evt_1", Success: true})
		}()
		go func() {
			defer wg.Done()
			<-release
			report, runErr = h.reconciler.Run(h.ctx)
		}()
		close(release)
		wg.Wait()

		require.NoError(t, runErr)
		assert.Zero(t, report.Errors)
		assert.Equal(t, billing.OutcomeApplied, ack.Outcome)
		assert.NoError(t, ack.Err)

		assert.Equal(t, billing.TransactionPaid, h.tx(tx.ID).Status)
		assert.Len(t, h.history(1), 2)
		assert.Equal(t, billing.PlanPro, h.current(1).Plan)
	}
}
