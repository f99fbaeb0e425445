package billing

import (
	"fmt"
)

// Feature is a plan feature flag
type Feature string

const (
	FeatureAnalytics   Feature = "analytics"
	FeatureSmartAlerts Feature = "smart_alerts"
)

// Limit is a countable plan allowance
type Limit string

const (
	LimitStaff           Limit = "staff"
	LimitServices        Limit = "services"
	LimitMonthlyBookings Limit = "monthly_bookings"
)

// Entitlements is what a tenant may use right now. Limits of 0 mean
// unlimited, as on Plan.
type Entitlements struct {
	Plan               PlanType           `json:"plan"`
	Status             SubscriptionStatus `json:"status"`
	MaxStaff           int                `json:"max_staff"`
	MaxServices        int                `json:"max_services"`
	MaxMonthlyBookings int                `json:"max_monthly_bookings"`
	Analytics          bool               `json:"analytics"`
	SmartAlerts        bool               `json:"smart_alerts"`
}

// EntitlementsFor derives entitlements from the tenant's current
// subscription and the catalog entry for its plan. A nil or ended
// subscription grants the limits of plan, which the caller resolves to the
// free tier.
func EntitlementsFor(current *Subscription, plan *Plan) Entitlements {
	e := Entitlements{
		Plan:               plan.Type,
		MaxStaff:           plan.MaxStaff,
		MaxServices:        plan.MaxServices,
		MaxMonthlyBookings: plan.MaxMonthlyBookings,
		Analytics:          plan.Analytics,
		SmartAlerts:        plan.SmartAlerts,
	}
	if current != nil && !current.Status.IsTerminal() {
		e.Status = current.Status
	}
	return e
}

// RequirePlan fails unless the entitled plan is at least min
func (e Entitlements) RequirePlan(min PlanType) error {
	if e.Plan.Rank() < min.Rank() {
		return &UpgradeRequiredError{Current: e.Plan, Required: min}
	}
	return nil
}

// RequireFeature fails unless the feature flag is enabled
func (e Entitlements) RequireFeature(f Feature) error {
	var on bool
	switch f {
	case FeatureAnalytics:
		on = e.Analytics
	case FeatureSmartAlerts:
		on = e.SmartAlerts
	default:
		return fmt.Errorf("%w: unknown feature %q", ErrInvalidPlan, f)
	}
	if !on {
		return &UpgradeRequiredError{Current: e.Plan, Required: PlanPro, Feature: f}
	}
	return nil
}

// Max returns the allowance for limit, 0 meaning unlimited
func (e Entitlements) Max(limit Limit) (int, error) {
	switch limit {
	case LimitStaff:
		return e.MaxStaff, nil
	case LimitServices:
		return e.MaxServices, nil
	case LimitMonthlyBookings:
		return e.MaxMonthlyBookings, nil
	default:
		return 0, fmt.Errorf("%w: unknown limit %q", ErrInvalidPlan, limit)
	}
}

// CheckLimit reports whether one more item may be added when count are in
// use already.
func (e Entitlements) CheckLimit(limit Limit, count int64) error {
	allowed, err := e.Max(limit)
	if err != nil {
		return err
	}
	if allowed > 0 && count >= int64(allowed) {
		return &PlanLimitError{Plan: e.Plan, Limit: limit, Max: allowed, Count: count}
	}
	return nil
}

// PlanLimitError is returned when an allowance is used up
type PlanLimitError struct {
	Plan  PlanType
	Limit Limit
	Max   int
	Count int64
}

func (e *PlanLimitError) Error() string {
	return fmt.Sprintf("%s limit reached for the %s plan (%d of %d)", e.Limit, e.Plan, e.Count, e.Max)
}

func (e *PlanLimitError) Unwrap() error { return ErrPlanLimitExceeded }

// UpgradeRequiredError is returned when a higher tier is needed
type UpgradeRequiredError struct {
	Current  PlanType
	Required PlanType
	Feature  Feature
}

func (e *UpgradeRequiredError) Error() string {
	if e.Feature != "" {
		return fmt.Sprintf("%s is not included in the %s plan", e.Feature, e.Current)
	}
	return fmt.Sprintf("%s plan or higher required, tenant is on %s", e.Required, e.Current)
}

func (e *UpgradeRequiredError) Unwrap() error { return ErrUpgradeRequired }
