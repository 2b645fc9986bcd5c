// Package plan holds the read-only catalog of purchasable subscription plans.
package plan

import (
	"sort"

	"github.com/dukerupert/gflix/internal/model"
)

// Catalog maps plan kinds to their price and duration.
type Catalog struct {
	plans map[model.PlanKind]model.Plan
}

// Prices are the configurable amounts, in minor units of Currency.
type Prices struct {
	Currency      string
	Yearly        int64
	Daily         int64
	PremiumYearly int64
}

func NewCatalog(p Prices) *Catalog {
	return &Catalog{plans: map[model.PlanKind]model.Plan{
		model.PlanYearly: {
			Kind:         model.PlanYearly,
			Price:        p.Yearly,
			Currency:     p.Currency,
			DurationDays: 365,
			Description:  "Yearly subscription with ads",
		},
		model.PlanDaily: {
			Kind:         model.PlanDaily,
			Price:        p.Daily,
			Currency:     p.Currency,
			DurationDays: 1,
			Description:  "Daily ad-free pass",
		},
		model.PlanPremiumYearly: {
			Kind:         model.PlanPremiumYearly,
			Price:        p.PremiumYearly,
			Currency:     p.Currency,
			DurationDays: 365,
			Description:  "Yearly premium subscription without ads",
		},
	}}
}

func (c *Catalog) Lookup(kind model.PlanKind) (model.Plan, bool) {
	p, ok := c.plans[kind]
	return p, ok
}

// List returns every plan, cheapest first.
func (c *Catalog) List() []model.Plan {
	plans := make([]model.Plan, 0, len(c.plans))
	for _, p := range c.plans {
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool {
		if plans[i].Price != plans[j].Price {
			return plans[i].Price < plans[j].Price
		}
		return plans[i].Kind < plans[j].Kind
	})
	return plans
}
