package billing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"
)

const (
	day = 24 * time.Hour

	// FreePlanDuration is effectively open-ended
	FreePlanDuration = 3650 * day
	PaidPlanDuration = 30 * day
	TrialDuration    = 14 * day
	GraceWindow      = 7 * day

	// TrialPlan is the tier granted during a trial
	TrialPlan = PlanPro
)

// PlanDuration returns the billing period of a plan
func PlanDuration(p PlanType) time.Duration {
	if p == PlanFree {
		return FreePlanDuration
	}
	return PaidPlanDuration
}

// DefaultPlans returns the seed catalog
func DefaultPlans() []*Plan {
	return []*Plan{
		{
			Type:         PlanFree,
			Name:         "Free",
			MaxStaff:     2,
			MonthlyPrice: 0,
			Currency:     "INR",
		},
		{
			Type:         PlanPro,
			Name:         "Pro",
			MaxStaff:     10,
			Analytics:    true,
			SmartAlerts:  true,
			MonthlyPrice: 999,
			Currency:     "INR",
		},
		{
			Type:         PlanPremium,
			Name:         "Premium",
			MaxStaff:     50,
			Analytics:    true,
			SmartAlerts:  true,
			MonthlyPrice: 2499,
			Currency:     "INR",
		},
	}
}

type planFile struct {
	Plans []*Plan `yaml:"plans"`
}

// LoadPlans reads a YAML catalog override. An empty path yields DefaultPlans.
func LoadPlans(path string) ([]*Plan, error) {
	if path == "" {
		return DefaultPlans(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	var f planFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse plan file: %w", err)
	}

	seen := make(map[PlanType]bool)
	for _, p := range f.Plans {
		if !p.Type.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPlan, p.Type)
		}
		if p.MonthlyPrice < 0 {
			return nil, fmt.Errorf("plan %s: negative price", p.Type)
		}
		seen[p.Type] = true
	}
	for _, p := range DefaultPlans() {
		if !seen[p.Type] {
			return nil, fmt.Errorf("plan file is missing %s", p.Type)
		}
	}

	return f.Plans, nil
}

// SeedPlans creates missing plans and reconciles existing ones
func SeedPlans(ctx context.Context, repo Repository, plans []*Plan) error {
	for _, p := range plans {
		if err := repo.UpsertPlan(ctx, p); err != nil {
			return fmt.Errorf("failed to seed plan %s: %w", p.Type, err)
		}
	}
	return nil
}

// Catalog is a read-through cache over the plans table
type Catalog struct {
	repo  Repository
	cache *lru.Cache[PlanType, *Plan]
}

// NewCatalog creates a plan catalog backed by repo
func NewCatalog(repo Repository) (*Catalog, error) {
	cache, err := lru.New[PlanType, *Plan](16)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan cache: %w", err)
	}
	return &Catalog{repo: repo, cache: cache}, nil
}

// Get returns the plan for a tier
func (c *Catalog) Get(ctx context.Context, t PlanType) (*Plan, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlan, t)
	}
	if p, ok := c.cache.Get(t); ok {
		return p, nil
	}

	p, err := c.repo.GetPlan(ctx, t)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s is not seeded", ErrInvalidPlan, t)
		}
		return nil, err
	}
	c.cache.Add(t, p)
	return p, nil
}

// List returns all plans ordered by rank
func (c *Catalog) List(ctx context.Context) ([]*Plan, error) {
	plans, err := c.repo.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range plans {
		c.cache.Add(p.Type, p)
	}
	return plans, nil
}

// Purge drops cached plans, used after reseeding
func (c *Catalog) Purge() {
	c.cache.Purge()
}
