package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrStaleState is returned by guarded updates when the stored status
	// no longer matches the expected one.
	ErrStaleState = errors.New("stale state")

	// ErrDuplicateEvent is returned when the webhook ledger already holds an event id
	ErrDuplicateEvent = errors.New("duplicate webhook event")

	// ErrMissingEventID is returned for a verified result that carries no
	// provider event id and so cannot be recorded in the webhook ledger
	ErrMissingEventID = errors.New("webhook event has no provider event id")

	// ErrSignatureVerification is returned by providers for payloads that fail verification
	ErrSignatureVerification = errors.New("webhook signature verification failed")

	// ErrInvalidStateTransition is returned for transitions the state machine forbids
	ErrInvalidStateTransition = errors.New("invalid state transition")

	ErrAlreadyOnPlan       = fmt.Errorf("%w: tenant is already on this plan", ErrInvalidStateTransition)
	ErrDowngradeNotAllowed = fmt.Errorf("%w: downgrade is not allowed, let the current term expire", ErrInvalidStateTransition)
	ErrAlreadySubscribed   = fmt.Errorf("%w: tenant already holds an active paid plan", ErrInvalidStateTransition)
	ErrTrialAlreadyUsed    = fmt.Errorf("%w: trial already used", ErrInvalidStateTransition)
	ErrPaymentInProgress   = errors.New("a payment is already in progress")

	// ErrRetryCeilingExceeded marks a transaction dead-lettered by reconciliation
	ErrRetryCeilingExceeded = errors.New("retry ceiling exceeded")

	// ErrCheckoutUnavailable is returned when the provider could not open a checkout.
	// The request may be retried.
	ErrCheckoutUnavailable = errors.New("checkout temporarily unavailable")

	ErrInvalidPlan = errors.New("invalid plan")

	// ErrPlanLimitExceeded is wrapped by PlanLimitError
	ErrPlanLimitExceeded = errors.New("plan limit exceeded")
	// ErrUpgradeRequired is wrapped by UpgradeRequiredError
	ErrUpgradeRequired = errors.New("plan upgrade required")

	ErrNoActiveSubscription = errors.New("no active paid subscription")
	ErrNoBillingCustomer    = errors.New("no billing customer linked to the subscription")
	ErrPortalUnsupported    = errors.New("billing portal is not supported by this provider")
	ErrPortalUnavailable    = errors.New("billing portal temporarily unavailable")
)

// TransientProviderError wraps a network or 5xx failure talking to a provider
type TransientProviderError struct {
	Provider  ProviderType
	Operation string
	Err       error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Operation, e.Err)
}

func (e *TransientProviderError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as a TransientProviderError
func NewTransientError(provider ProviderType, operation string, err error) error {
	return &TransientProviderError{Provider: provider, Operation: operation, Err: err}
}

// IsTransient reports whether err is a TransientProviderError
func IsTransient(err error) bool {
	var te *TransientProviderError
	return errors.As(err, &te)
}
