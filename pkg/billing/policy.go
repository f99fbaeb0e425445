package billing

// ValidateUpgrade checks an upgrade request against the current subscription.
// It only compares plans: any status is acceptable. A nil current
// subscription always passes.
func ValidateUpgrade(current *Subscription, target PlanType) error {
	if !target.Valid() {
		return ErrInvalidPlan
	}
	if current == nil {
		return nil
	}
	if current.Plan == target {
		return ErrAlreadyOnPlan
	}
	if target.Rank() < current.Plan.Rank() {
		return ErrDowngradeNotAllowed
	}
	return nil
}
