// Package billing implements the subscription lifecycle for salon tenants.
//
// # Overview
//
// Tenants hold one current subscription (TRIAL, ACTIVE or GRACE) at a time.
// Older rows stay in the table as EXPIRED or CANCELLED history. Paid plans
// are bought through a BillingTransaction that moves CREATED -> PENDING ->
// PAID, or ends FAILED / FAILED_PERMANENT.
//
// # Plans
//
// FREE:
//   - 2 staff, no analytics
//   - effectively open-ended term
//
// PRO (999/month):
//   - 10 staff, analytics, smart alerts
//
// PREMIUM (2499/month):
//   - 50 staff, analytics, smart alerts
//
// # Components
//
//   - Service: upgrades, trials, cancellation, read models
//   - Processor: applies verified webhooks exactly once per event id
//   - Reconciler: recovers PENDING transactions whose webhook was lost and
//     dead-letters the ones that never settle
//   - ExpiryJob: TRIAL/ACTIVE/GRACE time decay with FREE fallback
//
// # Usage Example
//
//	processor := billing.NewProcessor(store, provider, opts)
//	svc := billing.NewService(store, provider, catalog, opts)
//
//	tx, url, err := svc.UpgradePlan(ctx, tenantID, billing.PlanPro)
//	// redirect the tenant to url; the provider webhook completes activation
//
//	ack := processor.Ingest(ctx, body, r.Header.Get(provider.SignatureHeader()))
//
// # Related Packages
//
//   - pkg/billing/providers: Fake, Stripe and Razorpay gateways
//   - pkg/storage/postgres, pkg/storage/memory: Store implementations
//   - pkg/jobs: cron scheduling for the reconciler and expiry job
package billing
