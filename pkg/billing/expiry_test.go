package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandasalon/salon-billing/pkg/billing"
)

func TestExpiry_TrialFallsBackToFree(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.OnboardTenant(h.ctx, 1, true)
	require.NoError(t, err)

	h.advance(billing.TrialDuration - time.Hour)
	report, err := h.expiry.Run(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.TrialsExpired)

	h.advance(2 * time.Hour)
	report, err = h.expiry.Run(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TrialsExpired)

	current := h.current(1)
	assert.Equal(t, billing.PlanFree, current.Plan)
	assert.Equal(t, billing.SubscriptionActive, current.Status)
	assert.Equal(t, h.now, current.StartDate)

	history := h.history(1)
	require.Len(t, history, 2)
	assert.Equal(t, billing.SubscriptionExpired, history[1].Status)
	assert.True(t, history[1].Trial)

	// The trial cannot be restarted
	_, err = h.service.StartTrial(h.ctx, 1)
	assert.ErrorIs(t, err, billing.ErrTrialAlreadyUsed)
}

func TestExpiry_PaidPlanGraceThenExpiry(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(1, billing.PlanPro, "sub_1")

	h.advance(billing.PaidPlanDuration + time.Hour)
	report, err := h.expiry.Run(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.EnteredGrace)

	grace := h.current(1)
	assert.Equal(t, sub.ID, grace.ID)
	assert.Equal(t, billing.SubscriptionGrace, grace.Status)

	view, err := h.service.Lifecycle(h.ctx, 1)
	require.NoError(t, err)
	assert.True(t, view.InGrace)
	assert.True(t, view.AtRisk)
	assert.Equal(t, int64(7), view.DaysRemaining)

	// Still inside the window
	h.advance(billing.GraceWindow - 2*time.Hour)
	report, err = h.expiry.Run(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.GraceExpired)

	h.advance(2 * time.Hour)
	report, err = h.expiry.Run(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.GraceExpired)

	current := h.current(1)
	assert.Equal(t, billing.PlanFree, current.Plan)
	assert.Equal(t, billing.SubscriptionActive, current.Status)
}

func TestExpiry_RenewalDuringGraceKeepsPlan(t *testing.T) {
	h := newHarness(t)
	sub := h.subscribe(1, billing.PlanPro, "sub_1")

	h.advance(billing.PaidPlanDuration + time.Hour)
	_, err := h.expiry.Run(h.ctx)
	require.NoError(t, err)

	ack := h.deliver(billing.BillingResult{ProviderSubscriptionID: "sub_1", ExternalPaymentID: "pay_2", ProviderEventID: "evt_renew", Success: true})
	require.Equal(t, billing.OutcomeApplied, ack.Outcome)

	renewed := h.current(1)
	assert.Equal(t, billing.SubscriptionActive, renewed.Status)
	assert.Equal(t, sub.EndDate.Add(billing.PaidPlanDuration), renewed.EndDate)

	h.advance(billing.GraceWindow)
	report, err := h.expiry.Run(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, report.GraceExpired)
	assert.Zero(t, report.EnteredGrace)
}

func TestExpiry_CancelAtPeriodEnd(t *testing.T) {
	h := newHarness(t)
	h.subscribe(1, billing.PlanPro, "sub_1")
	_, err := h.service.CancelAtPeriodEnd(h.ctx, 1)
	require.NoError(t, err)

	h.advance(billing.PaidPlanDuration + time.Minute)
	report, err := h.expiry.Run(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cancelled)
	assert.Zero(t, report.EnteredGrace)

	assert.Equal(t, billing.PlanFree, h.current(1).Plan)

	var cancelled int
	for _, s := range h.history(1) {
		if s.Status == billing.SubscriptionCancelled {
			cancelled++
			assert.Equal(t, billing.PlanPro, s.Plan)
		}
	}
	assert.Equal(t, 1, cancelled)
}

func TestExpiry_FreePlanRollsOver(t *testing.T) {
	h := newHarness(t)
	first, err := h.service.OnboardTenant(h.ctx, 1, false)
	require.NoError(t, err)

	h.advance(billing.FreePlanDuration + time.Hour)
	report, err := h.expiry.Run(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.FreeRenewed)

	current := h.current(1)
	assert.NotEqual(t, first.ID, current.ID)
	assert.Equal(t, billing.PlanFree, current.Plan)
	assert.Equal(t, h.now.Add(billing.FreePlanDuration), current.EndDate)
}

func TestExpiry_RunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.OnboardTenant(h.ctx, 1, true)
	require.NoError(t, err)
	h.subscribe(2, billing.PlanPro, "sub_2")

	h.advance(billing.PaidPlanDuration + time.Hour)
	first, err := h.expiry.Run(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.TrialsExpired)
	assert.Equal(t, 1, first.EnteredGrace)

	second, err := h.expiry.Run(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, billing.ExpiryReport{}, *second)
}
