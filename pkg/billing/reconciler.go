package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pandasalon/salon-billing/pkg/async"
	"github.com/pandasalon/salon-billing/pkg/observability"
)

const deadLetterListLimit = 50

// ReconcilerConfig tunes the reconciliation sweep
type ReconcilerConfig struct {
	// StaleAfter is how old a PENDING transaction must be before it is swept
	StaleAfter time.Duration
	// AbandonAfter is how old a CREATED transaction must be before it is dead-lettered
	AbandonAfter time.Duration
	// ProviderTimeout bounds each individual status query
	ProviderTimeout time.Duration
	// Attempts is the number of status queries per transaction per sweep
	Attempts int
	// RetryInterval is the initial, jittered delay between attempts
	RetryInterval time.Duration
	Workers       int
	BatchSize     int
	MaxRetries    int
}

// DefaultReconcilerConfig returns production defaults
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		StaleAfter:      10 * time.Minute,
		AbandonAfter:    time.Hour,
		ProviderTimeout: 10 * time.Second,
		Attempts:        3,
		RetryInterval:   500 * time.Millisecond,
		Workers:         4,
		BatchSize:       200,
		MaxRetries:      MaxReconcileRetries,
	}
}

type reconcileOutcome string

const (
	outcomeRecovered    reconcileOutcome = "recovered"
	outcomeStillPending reconcileOutcome = "still_pending"
	outcomeSkipped      reconcileOutcome = "skipped"
	outcomeRetried      reconcileOutcome = "retry_scheduled"
	outcomeDeadLettered reconcileOutcome = "dead_lettered"
	outcomeAbandoned    reconcileOutcome = "abandoned"
	outcomeFailed       reconcileOutcome = "failed"
	outcomeRaced        reconcileOutcome = "settled_elsewhere"
)

// ReconcileReport summarizes one sweep
type ReconcileReport struct {
	Scanned      int `json:"scanned"`
	Recovered    int `json:"recovered"`
	StillPending int `json:"still_pending"`
	Skipped      int `json:"skipped"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"dead_lettered"`
	Abandoned    int `json:"abandoned"`
	Failed       int `json:"failed"`
	Errors       int `json:"errors"`
}

func (r *ReconcileReport) add(o reconcileOutcome) {
	switch o {
	case outcomeRecovered:
		r.Recovered++
	case outcomeStillPending:
		r.StillPending++
	case outcomeSkipped, outcomeRaced:
		r.Skipped++
	case outcomeRetried:
		r.Retried++
	case outcomeDeadLettered:
		r.DeadLettered++
	case outcomeAbandoned:
		r.Abandoned++
	case outcomeFailed:
		r.Failed++
	}
}

// Reconciler recovers transactions whose webhook never arrived
type Reconciler struct {
	store     Store
	provider  Provider
	processor *Processor
	cfg       ReconcilerConfig
	opts      Options
	log       *observability.Logger
}

// NewReconciler creates a reconciler. Activation goes through processor so
// both paths share the same exactly-once rules.
func NewReconciler(store Store, provider Provider, processor *Processor, cfg ReconcilerConfig, opts Options) *Reconciler {
	opts = opts.withDefaults()
	def := DefaultReconcilerConfig()
	if cfg.Attempts < 1 {
		cfg.Attempts = def.Attempts
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = def.ProviderTimeout
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	return &Reconciler{
		store:     store,
		provider:  provider,
		processor: processor,
		cfg:       cfg,
		opts:      opts,
		log:       opts.Logger.WithField("component", "reconciler"),
	}
}

// Run performs one sweep
func (r *Reconciler) Run(ctx context.Context) (*ReconcileReport, error) {
	started := time.Now()
	ctx, span := tracer().Start(ctx, "billing.Reconcile")
	defer span.End()
	defer func() { r.opts.Metrics.ObserveReconcileRun(time.Since(started)) }()

	now := r.opts.Clock()
	report := &ReconcileReport{}

	abandoned, err := r.store.ListTransactionsCreatedBefore(ctx, TransactionCreated, now.Add(-r.cfg.AbandonAfter), r.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list abandoned transactions: %w", err)
	}
	for _, tx := range abandoned {
		outcome, err := r.deadLetter(ctx, tx.ID, TransactionCreated, "abandoned before checkout")
		if err != nil {
			report.Errors++
			r.log.WithField("tx_id", tx.ID).WithError(err).Error("Failed to dead-letter abandoned transaction")
			continue
		}
		if outcome == outcomeDeadLettered {
			outcome = outcomeAbandoned
		}
		report.add(outcome)
		r.opts.Metrics.RecordReconcileOutcome(string(outcome))
	}

	stale, err := r.store.ListTransactionsCreatedBefore(ctx, TransactionPending, now.Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending transactions: %w", err)
	}
	report.Scanned = len(stale)
	span.SetAttributes(attribute.Int("billing.stale_transactions", len(stale)))

	var mu sync.Mutex
	perTx := time.Duration(r.cfg.Attempts)*r.cfg.ProviderTimeout + 10*time.Second
	errs := async.Batch(ctx, stale, r.cfg.Workers, "reconcile transaction", perTx,
		func(ctx context.Context, tx *BillingTransaction) error {
			outcome, err := r.reconcileOne(ctx, tx, now)
			mu.Lock()
			report.add(outcome)
			mu.Unlock()
			r.opts.Metrics.RecordReconcileOutcome(string(outcome))
			if err != nil {
				return fmt.Errorf("transaction %d: %w", tx.ID, err)
			}
			return nil
		})
	for _, err := range errs {
		r.log.WithError(err).Error("Reconciliation failed for transaction")
	}
	report.Errors += len(errs)

	r.log.WithFields(map[string]interface{}{
		"scanned":       report.Scanned,
		"recovered":     report.Recovered,
		"still_pending": report.StillPending,
		"retried":       report.Retried,
		"dead_lettered": report.DeadLettered,
		"abandoned":     report.Abandoned,
		"errors":        report.Errors,
	}).Info("Reconciliation sweep finished")

	return report, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, tx *BillingTransaction, now time.Time) (reconcileOutcome, error) {
	if tx.RetryCount >= r.cfg.MaxRetries {
		reason := fmt.Sprintf("%v after %d attempts: %s", ErrRetryCeilingExceeded, tx.RetryCount, tx.LastFailureReason)
		return r.deadLetter(ctx, tx.ID, TransactionPending, reason)
	}
	if !DueForRetry(tx, now) {
		return outcomeSkipped, nil
	}

	status, err := r.queryProvider(ctx, tx)
	if err != nil {
		return r.recordFailure(ctx, tx.ID, err, now)
	}

	switch status.State {
	case CheckoutComplete:
		return r.settle(ctx, tx.ID, status, SourceReconciliation)
	case CheckoutExpired:
		return r.markFailed(ctx, tx.ID, "checkout expired at provider")
	default:
		return outcomeStillPending, nil
	}
}

// queryProvider asks the provider for the live order state, retrying
// transient failures with jittered backoff. Every attempt gets its own
// timeout so one slow call cannot stall the sweep.
func (r *Reconciler) queryProvider(ctx context.Context, tx *BillingTransaction) (*ProviderCheckout, error) {
	if tx.ExternalOrderID == "" {
		return nil, fmt.Errorf("transaction %d has no external order id", tx.ID)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInterval
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = time.Duration(r.cfg.Attempts) * r.cfg.ProviderTimeout

	var status *ProviderCheckout
	provider := string(r.provider.Name())
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
		defer cancel()

		start := time.Now()
		s, err := r.provider.CheckoutStatus(callCtx, tx.ExternalOrderID)
		r.opts.Metrics.ObserveProviderCall(provider, "checkout_status", time.Since(start), err)
		if err != nil {
			if IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return backoff.Permanent(err)
		}
		status = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.log.WithFields(map[string]interface{}{
			"tx_id": tx.ID,
			"wait":  wait.String(),
		}).WithError(err).Debug("Provider status query failed, retrying")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.Attempts-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return status, nil
}

func (r *Reconciler) settle(ctx context.Context, txID int64, status *ProviderCheckout, source ActivationSource) (reconcileOutcome, error) {
	outcome := outcomeRecovered
	eff := &effects{}
	err := r.store.WithTx(ctx, func(repo Repository) error {
		fresh, err := repo.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if fresh.Status == TransactionPaid {
			outcome = outcomeRaced
			return nil
		}
		return r.processor.activate(ctx, repo, fresh, Payment{
			ExternalPaymentID:      status.ExternalPaymentID,
			ProviderCustomerID:     status.ProviderCustomerID,
			ProviderSubscriptionID: status.ProviderSubscriptionID,
		}, source, eff)
	})
	if err != nil {
		return outcomeFailed, fmt.Errorf("failed to activate: %w", err)
	}

	eff.publish(r.opts.Metrics)
	if outcome == outcomeRecovered {
		r.log.WithFields(map[string]interface{}{
			"tx_id":  txID,
			"source": string(source),
		}).Info("Recovered transaction without webhook")
	}
	return outcome, nil
}

// recordFailure books an exhausted status query. Reaching the ceiling
// dead-letters the transaction in the same write.
func (r *Reconciler) recordFailure(ctx context.Context, txID int64, cause error, now time.Time) (reconcileOutcome, error) {
	outcome := outcomeRetried
	err := r.store.WithTx(ctx, func(repo Repository) error {
		fresh, err := repo.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if fresh.Status != TransactionPending {
			outcome = outcomeRaced
			return nil
		}

		fresh.RetryCount++
		fresh.LastRetryAt = &now
		fresh.LastFailureReason = cause.Error()
		if fresh.RetryCount >= r.cfg.MaxRetries {
			fresh.Status = TransactionFailedPermanent
			fresh.LastFailureReason = fmt.Sprintf("%v: %s", ErrRetryCeilingExceeded, cause.Error())
			outcome = outcomeDeadLettered
		}

		err = repo.UpdateTransaction(ctx, fresh, TransactionPending)
		if errors.Is(err, ErrStaleState) {
			outcome = outcomeRaced
			return nil
		}
		return err
	})
	if err != nil {
		return outcomeFailed, fmt.Errorf("failed to record retry: %w", err)
	}

	log := r.log.WithField("tx_id", txID).WithError(cause)
	if outcome == outcomeDeadLettered {
		log.Warn("Transaction dead-lettered after exhausting retries")
	} else if outcome == outcomeRetried {
		log.Info("Provider unavailable, retry scheduled")
	}
	return outcome, nil
}

func (r *Reconciler) deadLetter(ctx context.Context, txID int64, expected TransactionStatus, reason string) (reconcileOutcome, error) {
	return r.transitionTx(ctx, txID, expected, TransactionFailedPermanent, reason, outcomeDeadLettered)
}

func (r *Reconciler) markFailed(ctx context.Context, txID int64, reason string) (reconcileOutcome, error) {
	return r.transitionTx(ctx, txID, TransactionPending, TransactionFailed, reason, outcomeFailed)
}

func (r *Reconciler) transitionTx(ctx context.Context, txID int64, expected, to TransactionStatus, reason string, ok reconcileOutcome) (reconcileOutcome, error) {
	outcome := ok
	err := r.store.WithTx(ctx, func(repo Repository) error {
		fresh, err := repo.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if fresh.Status != expected {
			outcome = outcomeRaced
			return nil
		}
		fresh.Status = to
		fresh.LastFailureReason = reason
		err = repo.UpdateTransaction(ctx, fresh, expected)
		if errors.Is(err, ErrStaleState) {
			outcome = outcomeRaced
			return nil
		}
		return err
	})
	if err != nil {
		return outcomeFailed, err
	}
	if outcome == ok {
		r.log.WithFields(map[string]interface{}{
			"tx_id":  txID,
			"status": string(to),
			"reason": reason,
		}).Warn("Transaction settled by reconciliation")
	}
	return outcome, nil
}

// ListDeadLetters returns the most recent dead-lettered transactions
func (r *Reconciler) ListDeadLetters(ctx context.Context) ([]*BillingTransaction, error) {
	return r.store.ListRecentTransactions(ctx, TransactionFailedPermanent, deadLetterListLimit)
}

// ForceRecover re-examines a transaction regardless of its retry count.
// A completed checkout is activated; a still-open one is returned to the
// sweep with a fresh retry budget.
func (r *Reconciler) ForceRecover(ctx context.Context, txID int64) (*BillingTransaction, error) {
	ctx, span := tracer().Start(ctx, "billing.ForceRecover", trace.WithAttributes(attribute.Int64("billing.tx_id", txID)))
	defer span.End()

	tx, err := r.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status == TransactionPaid {
		return nil, fmt.Errorf("%w: transaction %d is already paid", ErrInvalidStateTransition, txID)
	}
	if tx.ExternalOrderID == "" {
		return nil, fmt.Errorf("%w: transaction %d never reached checkout", ErrInvalidStateTransition, txID)
	}

	status, err := r.queryProvider(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider: %w", err)
	}

	log := r.log.WithFields(map[string]interface{}{
		"tx_id": txID,
		"admin": true,
	})

	switch status.State {
	case CheckoutComplete:
		if _, err := r.settle(ctx, txID, status, SourceManual); err != nil {
			return nil, err
		}
		log.Info("Force-recovered transaction activated")
	case CheckoutExpired:
		log.Info("Force recovery found an expired checkout")
		if tx.Status != TransactionFailed {
			if _, err := r.transitionTx(ctx, txID, tx.Status, TransactionFailed, "checkout expired at provider", outcomeFailed); err != nil {
				return nil, err
			}
		}
	default:
		prev := tx.Status
		tx.Status = TransactionPending
		tx.RetryCount = 0
		tx.LastRetryAt = nil
		tx.LastFailureReason = "manual recovery requested"
		if err := r.store.UpdateTransaction(ctx, tx, prev); err != nil {
			return nil, fmt.Errorf("failed to requeue transaction: %w", err)
		}
		log.Info("Force recovery requeued transaction for reconciliation")
	}

	return r.store.GetTransaction(ctx, txID)
}
