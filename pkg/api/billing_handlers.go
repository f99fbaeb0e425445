package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/pandasalon/salon-billing/pkg/billing"
	"github.com/pandasalon/salon-billing/pkg/httputil"
)

// BillingService is the tenant-facing billing surface
type BillingService interface {
	ListPlans(ctx context.Context) ([]*billing.Plan, error)
	CurrentSubscription(ctx context.Context, tenantID int64) (*billing.Subscription, error)
	SubscriptionHistory(ctx context.Context, tenantID int64) ([]*billing.Subscription, error)
	Lifecycle(ctx context.Context, tenantID int64) (*billing.LifecycleView, error)
	UpgradePlan(ctx context.Context, tenantID int64, target billing.PlanType) (*billing.BillingTransaction, string, error)
	StartTrial(ctx context.Context, tenantID int64) (*billing.Subscription, error)
	CancelAtPeriodEnd(ctx context.Context, tenantID int64) (*billing.Subscription, error)
	Entitlements(ctx context.Context, tenantID int64) (*billing.Entitlements, error)
	CreatePortalSession(ctx context.Context, tenantID int64) (string, error)
	Observability(ctx context.Context) (*billing.ObservabilitySnapshot, error)
}

// BillingHandlers handles plan and subscription requests
type BillingHandlers struct {
	billingService BillingService
}

// NewBillingHandlers creates a new BillingHandlers
func NewBillingHandlers(billingService BillingService) *BillingHandlers {
	return &BillingHandlers{
		billingService: billingService,
	}
}

// RegisterRoutes registers billing routes
func (h *BillingHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/plans", h.ListPlans).Methods("GET")

	router.HandleFunc("/tenants/{tenant_id}/subscription", h.GetSubscription).Methods("GET")
	router.HandleFunc("/tenants/{tenant_id}/subscription/history", h.GetHistory).Methods("GET")
	router.HandleFunc("/tenants/{tenant_id}/subscription/lifecycle", h.GetLifecycle).Methods("GET")
	router.HandleFunc("/tenants/{tenant_id}/subscription/upgrade", h.Upgrade).Methods("POST")
	router.HandleFunc("/tenants/{tenant_id}/subscription/trial", h.StartTrial).Methods("POST")
	router.HandleFunc("/tenants/{tenant_id}/subscription/cancel", h.Cancel).Methods("POST")

	router.HandleFunc("/tenants/{tenant_id}/entitlements", h.GetEntitlements).Methods("GET")
	router.HandleFunc("/tenants/{tenant_id}/entitlements/check", h.CheckEntitlement).Methods("GET")
	router.HandleFunc("/tenants/{tenant_id}/billing/portal", h.CreatePortal).Methods("POST")
}

// SubscriptionResponse pairs the current subscription with its lifecycle view
type SubscriptionResponse struct {
	Subscription *billing.Subscription  `json:"subscription"`
	Lifecycle    *billing.LifecycleView `json:"lifecycle"`
}

// UpgradeRequest is the body of an upgrade request
type UpgradeRequest struct {
	Plan billing.PlanType `json:"plan"`
}

// UpgradeResponse tells the client where to pay
type UpgradeResponse struct {
	TransactionID int64  `json:"transaction_id"`
	CheckoutURL   string `json:"checkout_url"`
}

// EntitlementCheckResponse is returned when a check passes
type EntitlementCheckResponse struct {
	Allowed bool `json:"allowed"`
}

// PortalResponse carries the hosted billing portal URL
type PortalResponse struct {
	URL string `json:"url"`
}

// ListPlans handles GET /plans
func (h *BillingHandlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.billingService.ListPlans(r.Context())
	if err != nil {
		writeBillingError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, plans)
}

// GetSubscription handles GET /tenants/{tenant_id}/subscription
func (h *BillingHandlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.PathID(w, r, "tenant_id")
	if !ok {
		return
	}

	sub, err := h.billingService.CurrentSubscription(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}
	view, err := h.billingService.Lifecycle(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, SubscriptionResponse{Subscription: sub, Lifecycle: view})
}

// GetHistory handles GET /tenants/{tenant_id}/subscription/history
func (h *BillingHandlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.PathID(w, r, "tenant_id")
	if !ok {
		return
	}

	history, err := h.billingService.SubscriptionHistory(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}
	if history == nil {
		history = []*billing.Subscription{}
	}
	httputil.WriteSuccess(w, history)
}

// GetLifecycle handles GET /tenants/{tenant_id}/subscription/lifecycle
func (h *BillingHandlers) GetLifecycle(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.PathID(w, r, "tenant_id")
	if !ok {
		return
	}

	view, err := h.billingService.Lifecycle(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, view)
}

// Upgrade handles POST /tenants/{tenant_id}/subscription/upgrade
func (h *BillingHandlers) Upgrade(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.PathID(w, r, "tenant_id")
	if !ok {
		return
	}

	var req UpgradeRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if !req.Plan.Valid() {
		httputil.WriteBadRequest(w, "plan must be one of FREE, PRO, PREMIUM")
		return
	}

	tx, checkoutURL, err := h.billingService.UpgradePlan(r.Context(), tenantID, req.Plan)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}

	httputil.WriteCreated(w, UpgradeResponse{TransactionID: tx.ID, CheckoutURL: checkoutURL})
}

// StartTrial handles POST /tenants/{tenant_id}/subscription/trial
func (h *BillingHandlers) StartTrial(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.PathID(w, r, "tenant_id")
	if !ok {
		return
	}

	sub, err := h.billingService.StartTrial(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}
	httputil.WriteCreated(w, sub)
}

// Cancel handles POST /tenants/{tenant_id}/subscription/cancel
func (h *BillingHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.PathID(w, r, "tenant_id")
	if !ok {
		return
	}

	sub, err := h.billingService.CancelAtPeriodEnd(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// GetEntitlements handles GET /tenants/{tenant_id}/entitlements
func (h *BillingHandlers) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.PathID(w, r, "tenant_id")
	if !ok {
		return
	}

	e, err := h.billingService.Entitlements(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, e)
}

// CheckEntitlement handles GET /tenants/{tenant_id}/entitlements/check.
// Exactly one of ?plan=, ?feature= or ?limit=&count= is evaluated.
func (h *BillingHandlers) CheckEntitlement(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.PathID(w, r, "tenant_id")
	if !ok {
		return
	}

	q := r.URL.Query()
	var check func(billing.Entitlements) error
	switch {
	case q.Get("plan") != "":
		plan := billing.PlanType(q.Get("plan"))
		if !plan.Valid() {
			httputil.WriteBadRequest(w, "plan must be one of FREE, PRO, PREMIUM")
			return
		}
		check = func(e billing.Entitlements) error { return e.RequirePlan(plan) }
	case q.Get("feature") != "":
		feature := billing.Feature(q.Get("feature"))
		check = func(e billing.Entitlements) error { return e.RequireFeature(feature) }
	case q.Get("limit") != "":
		count, err := strconv.ParseInt(q.Get("count"), 10, 64)
		if err != nil || count < 0 {
			httputil.WriteBadRequest(w, "count must be a non-negative integer")
			return
		}
		limit := billing.Limit(q.Get("limit"))
		check = func(e billing.Entitlements) error { return e.CheckLimit(limit, count) }
	default:
		httputil.WriteBadRequest(w, "one of plan, feature or limit is required")
		return
	}

	e, err := h.billingService.Entitlements(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}
	if err := check(*e); err != nil {
		writeBillingError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, EntitlementCheckResponse{Allowed: true})
}

// CreatePortal handles POST /tenants/{tenant_id}/billing/portal
func (h *BillingHandlers) CreatePortal(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.PathID(w, r, "tenant_id")
	if !ok {
		return
	}

	url, err := h.billingService.CreatePortalSession(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, PortalResponse{URL: url})
}
