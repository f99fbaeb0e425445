package api

import (
	"errors"
	"net/http"

	"github.com/pandasalon/salon-billing/pkg/billing"
	"github.com/pandasalon/salon-billing/pkg/httputil"
	"github.com/pandasalon/salon-billing/pkg/observability"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

// billingErrors is checked in order; the wrapped policy errors come before
// ErrInvalidStateTransition.
var billingErrors = []errorMapping{
	{billing.ErrNotFound, http.StatusNotFound, httputil.CodeNotFound},
	{billing.ErrInvalidPlan, http.StatusBadRequest, "invalid_plan"},
	{billing.ErrPaymentInProgress, http.StatusConflict, "payment_in_progress"},
	{billing.ErrAlreadyOnPlan, http.StatusConflict, "already_on_plan"},
	{billing.ErrAlreadySubscribed, http.StatusConflict, "already_subscribed"},
	{billing.ErrDowngradeNotAllowed, http.StatusConflict, "downgrade_not_allowed"},
	{billing.ErrTrialAlreadyUsed, http.StatusConflict, "trial_already_used"},
	{billing.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition"},
	{billing.ErrStaleState, http.StatusConflict, "concurrent_update"},
	{billing.ErrPlanLimitExceeded, http.StatusForbidden, "plan_limit_exceeded"},
	{billing.ErrUpgradeRequired, http.StatusForbidden, "upgrade_required"},
	{billing.ErrNoActiveSubscription, http.StatusConflict, "no_active_subscription"},
	{billing.ErrNoBillingCustomer, http.StatusConflict, "no_billing_customer"},
	{billing.ErrPortalUnsupported, http.StatusNotImplemented, "portal_unsupported"},
	{billing.ErrPortalUnavailable, http.StatusServiceUnavailable, "portal_unavailable"},
}

// writeBillingError maps domain errors to HTTP responses
func writeBillingError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range billingErrors {
		if errors.Is(err, m.err) {
			httputil.WriteProblem(w, m.status, m.code, err.Error())
			return
		}
	}

	logger := observability.FromContext(r.Context()).WithError(err)
	if errors.Is(err, billing.ErrCheckoutUnavailable) || billing.IsTransient(err) {
		logger.Warn("Payment provider unavailable")
		httputil.WriteProblem(w, http.StatusServiceUnavailable, "checkout_unavailable", "payment provider unavailable, please retry")
		return
	}
	logger.Error("Billing request failed")
	httputil.WriteInternalError(w)
}
