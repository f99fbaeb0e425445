package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pandasalon/salon-billing/pkg/billing"
	"github.com/pandasalon/salon-billing/pkg/httputil"
	"github.com/pandasalon/salon-billing/pkg/observability"
)

// RecoveryService exposes dead-letter administration
type RecoveryService interface {
	ListDeadLetters(ctx context.Context) ([]*billing.BillingTransaction, error)
	ForceRecover(ctx context.Context, txID int64) (*billing.BillingTransaction, error)
}

// AdminHandlers serves operator endpoints
type AdminHandlers struct {
	recovery       RecoveryService
	billingService BillingService
}

// NewAdminHandlers creates a new AdminHandlers
func NewAdminHandlers(recovery RecoveryService, billingService BillingService) *AdminHandlers {
	return &AdminHandlers{recovery: recovery, billingService: billingService}
}

// RegisterRoutes registers admin routes
func (h *AdminHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/admin/billing-recovery/dead-letters", h.ListDeadLetters).Methods("GET")
	router.HandleFunc("/admin/billing-recovery/recover/{tx_id}", h.Recover).Methods("POST")
	router.HandleFunc("/admin/billing-observability", h.Observability).Methods("GET")
}

// ListDeadLetters handles GET /admin/billing-recovery/dead-letters
func (h *AdminHandlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	txs, err := h.recovery.ListDeadLetters(r.Context())
	if err != nil {
		writeBillingError(w, r, err)
		return
	}
	if txs == nil {
		txs = []*billing.BillingTransaction{}
	}
	httputil.WriteSuccess(w, txs)
}

// Recover handles POST /admin/billing-recovery/recover/{tx_id}
func (h *AdminHandlers) Recover(w http.ResponseWriter, r *http.Request) {
	txID, ok := httputil.PathID(w, r, "tx_id")
	if !ok {
		return
	}

	observability.FromContext(r.Context()).WithField("tx_id", txID).Info("Manual recovery requested")

	tx, err := h.recovery.ForceRecover(r.Context(), txID)
	if err != nil {
		writeBillingError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, tx)
}

// Observability handles GET /admin/billing-observability
func (h *AdminHandlers) Observability(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.billingService.Observability(r.Context())
	if err != nil {
		writeBillingError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, snapshot)
}
