package billing

import "time"

const (
	// MaxReconcileRetries is the dead-letter boundary for stuck transactions
	MaxReconcileRetries = 10

	// DelinquencyThreshold is the number of renewal failures after which a
	// subscription is flagged delinquent.
	DelinquencyThreshold = 3

	reconcileBaseDelay = 60 * time.Second
	reconcileMaxDelay  = 3600 * time.Second
)

// ReconcileBackoff returns min(2^n * 60s, 3600s)
func ReconcileBackoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	// 2^6 * 60s already exceeds the cap
	if n >= 6 {
		return reconcileMaxDelay
	}
	d := reconcileBaseDelay << uint(n)
	if d > reconcileMaxDelay {
		return reconcileMaxDelay
	}
	return d
}

// DueForRetry reports whether reconciliation may query the provider for tx at now
func DueForRetry(tx *BillingTransaction, now time.Time) bool {
	if tx.LastRetryAt == nil {
		return true
	}
	return !tx.LastRetryAt.Add(ReconcileBackoff(tx.RetryCount)).After(now)
}
