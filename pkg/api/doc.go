// Package api provides the HTTP API of the billing service.
//
// # Routes
//
// Tenant routes, under /api/v1:
//
//	GET  /plans
//	GET  /tenants/{tenant_id}/subscription
//	GET  /tenants/{tenant_id}/subscription/history
//	GET  /tenants/{tenant_id}/subscription/lifecycle
//	POST /tenants/{tenant_id}/subscription/upgrade   {"plan":"PRO"}
//	POST /tenants/{tenant_id}/subscription/trial
//	POST /tenants/{tenant_id}/subscription/cancel
//
// Provider webhooks:
//
//	POST /billing/webhook
//
// The webhook endpoint always answers 200 {"received":true}. Signature
// failures, duplicates and processing errors are logged and counted but
// never surfaced to the provider.
//
// Operator routes:
//
//	GET  /admin/billing-recovery/dead-letters
//	POST /admin/billing-recovery/recover/{tx_id}
//	GET  /admin/billing-observability
//
// Health and metrics are served at the root: /health/live, /health/ready
// and /metrics.
//
// # Errors
//
// Domain errors map to status codes in one place: not found is 404, an
// invalid plan 400, a forbidden transition or in-flight payment 409, and
// an unreachable provider 503.
package api
