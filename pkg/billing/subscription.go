package billing

import (
	"fmt"
	"math"
	"time"
)

const endingSoonDays = 3

// IsCurrent reports whether s is the tenant's live entitlement
func (s *Subscription) IsCurrent() bool {
	return !s.Status.IsTerminal()
}

func (s *Subscription) transitionError(to SubscriptionStatus) error {
	return fmt.Errorf("%w: subscription %d %s -> %s", ErrInvalidStateTransition, s.ID, s.Status, to)
}

// Expire ends a non-terminal subscription. EndDate is only pulled in, never pushed out.
func (s *Subscription) Expire(now time.Time) error {
	if s.Status.IsTerminal() {
		return s.transitionError(SubscriptionExpired)
	}
	s.Status = SubscriptionExpired
	if s.EndDate.After(now) {
		s.EndDate = now
	}
	s.UpdatedAt = now
	return nil
}

// Cancel ends a subscription whose cancel-at-period-end has lapsed
func (s *Subscription) Cancel(now time.Time) error {
	if s.Status.IsTerminal() {
		return s.transitionError(SubscriptionCancelled)
	}
	s.Status = SubscriptionCancelled
	if s.EndDate.After(now) {
		s.EndDate = now
	}
	s.UpdatedAt = now
	return nil
}

// EnterGrace moves a lapsed ACTIVE subscription into the grace window
func (s *Subscription) EnterGrace(now time.Time) error {
	if s.Status != SubscriptionActive {
		return s.transitionError(SubscriptionGrace)
	}
	s.Status = SubscriptionGrace
	s.UpdatedAt = now
	return nil
}

// Renew applies a successful recurring payment. The period is added to the
// current EndDate, not to now.
func (s *Subscription) Renew(period time.Duration, now time.Time) error {
	if s.Status.IsTerminal() {
		return s.transitionError(SubscriptionActive)
	}
	s.EndDate = s.EndDate.Add(period)
	s.Status = SubscriptionActive
	s.RetryCount = 0
	s.Delinquent = false
	s.UpdatedAt = now
	return nil
}

// RecordRenewalFailure applies a failed recurring payment
func (s *Subscription) RecordRenewalFailure(now time.Time) error {
	if s.Status.IsTerminal() {
		return s.transitionError(SubscriptionGrace)
	}
	s.RetryCount++
	t := now
	s.LastPaymentFailureAt = &t
	if s.Status == SubscriptionActive {
		s.Status = SubscriptionGrace
	}
	if s.RetryCount >= DelinquencyThreshold {
		s.Delinquent = true
	}
	s.UpdatedAt = now
	return nil
}

// GraceEndsAt returns the instant a GRACE subscription expires
func (s *Subscription) GraceEndsAt() time.Time {
	return s.EndDate.Add(GraceWindow)
}

// NewFallback builds the FREE/ACTIVE row that replaces an ended subscription
func NewFallback(tenantID int64, now time.Time) *Subscription {
	return &Subscription{
		TenantID:  tenantID,
		Plan:      PlanFree,
		Status:    SubscriptionActive,
		StartDate: now,
		EndDate:   now.Add(FreePlanDuration),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewTrial builds a TRIAL row on the trial plan
func NewTrial(tenantID int64, now time.Time) *Subscription {
	return &Subscription{
		TenantID:  tenantID,
		Plan:      TrialPlan,
		Status:    SubscriptionTrial,
		Trial:     true,
		StartDate: now,
		EndDate:   now.Add(TrialDuration),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Severity grades the dunning state
func (s *Subscription) Severity() RecoverySeverity {
	switch {
	case s.Delinquent || s.RetryCount >= DelinquencyThreshold:
		return SeverityCritical
	case s.Status == SubscriptionGrace || s.RetryCount >= 1:
		return SeverityWarning
	default:
		return SeverityNone
	}
}

// AtRisk reports whether the tenant may lose its paid plan
func (s *Subscription) AtRisk() bool {
	return s.Delinquent || s.Status == SubscriptionGrace
}

// Lifecycle builds the tenant-facing summary at now
func (s *Subscription) Lifecycle(now time.Time) LifecycleView {
	end := s.EndDate
	if s.Status == SubscriptionGrace {
		end = s.GraceEndsAt()
	}

	var days int64
	if end.After(now) {
		days = int64(math.Ceil(end.Sub(now).Hours() / 24))
	}

	return LifecycleView{
		Plan:             s.Plan,
		Status:           s.Status,
		DaysRemaining:    days,
		EndingSoon:       s.IsCurrent() && days <= endingSoonDays,
		InGrace:          s.Status == SubscriptionGrace,
		InTrial:          s.Status == SubscriptionTrial,
		RetryCount:       s.RetryCount,
		Delinquent:       s.Delinquent,
		RecoverySeverity: s.Severity(),
		AtRisk:           s.AtRisk(),
	}
}
