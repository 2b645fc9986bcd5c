package model

type PlanKind string

const (
	// PlanYearly is the long-duration plan. It carries ads.
	PlanYearly PlanKind = "yearly"
	// PlanDaily is the short-duration ad-free plan.
	PlanDaily PlanKind = "daily"
	// PlanPremiumYearly is the long-duration ad-free plan.
	PlanPremiumYearly PlanKind = "premium_yearly"
)

// Premium reports whether the plan grants premium status.
func (k PlanKind) Premium() bool {
	return k == PlanPremiumYearly
}

// AdFree reports whether an active payment of this kind suppresses ads.
func (k PlanKind) AdFree() bool {
	return k == PlanDaily || k == PlanPremiumYearly
}

type Plan struct {
	Kind         PlanKind `json:"kind"`
	Price        int64    `json:"price"`
	Currency     string   `json:"currency"`
	DurationDays int      `json:"duration_days"`
	Description  string   `json:"description"`
}
