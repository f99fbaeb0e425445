package api

import (
	"context"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pandasalon/salon-billing/pkg/billing"
	"github.com/pandasalon/salon-billing/pkg/httputil"
	"github.com/pandasalon/salon-billing/pkg/observability"
)

// maxWebhookBytes caps webhook bodies
const maxWebhookBytes = 1 << 20

// WebhookProcessor verifies and applies a raw provider webhook
type WebhookProcessor interface {
	Ingest(ctx context.Context, payload []byte, signature string) billing.Ack
}

// WebhookHandler receives provider webhooks
type WebhookHandler struct {
	processor       WebhookProcessor
	signatureHeader string
}

// NewWebhookHandler creates a webhook handler reading the signature from signatureHeader
func NewWebhookHandler(processor WebhookProcessor, signatureHeader string) *WebhookHandler {
	return &WebhookHandler{processor: processor, signatureHeader: signatureHeader}
}

// RegisterRoutes registers the webhook route
func (h *WebhookHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/billing/webhook", h.HandleWebhook).Methods("POST")
}

// WebhookResponse is returned for every delivery
type WebhookResponse struct {
	Received bool `json:"received"`
}

// HandleWebhook handles POST /billing/webhook. Every delivery is
// acknowledged with 200 so the provider does not retry on our behalf:
// duplicates and bad signatures are final, and transient failures are
// picked up by reconciliation.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	log := observability.FromContext(r.Context())

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		log.WithError(err).Warn("Failed to read webhook body")
		httputil.WriteSuccess(w, WebhookResponse{Received: true})
		return
	}

	ack := h.processor.Ingest(r.Context(), payload, r.Header.Get(h.signatureHeader))
	log.WithField("outcome", string(ack.Outcome)).Debug("Webhook acknowledged")

	httputil.WriteSuccess(w, WebhookResponse{Received: true})
}
