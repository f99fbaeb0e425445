// Package async provides panic-safe concurrent execution for background work.
//
// SafeGo runs a fire-and-forget task with a timeout. Failures and panics are
// logged, never propagated:
//
//	async.SafeGo(ctx, 10*time.Second, "plan catalog warm", func(ctx context.Context) error {
//		_, err := catalog.List(ctx)
//		return err
//	})
//
// Batch fans a slice out over a bounded number of workers. Each item gets
// its own deadline, and a failing or panicking item does not cancel the
// rest:
//
//	errs := async.Batch(ctx, stale, 4, "reconcile transaction", 30*time.Second,
//		func(ctx context.Context, tx *billing.BillingTransaction) error {
//			return reconcile(ctx, tx)
//		})
package async
