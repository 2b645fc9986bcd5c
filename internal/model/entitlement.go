package model

import "time"

// Entitlement is the access decision for an account at one instant. It is derived, never stored.
type Entitlement struct {
	CanStream   bool       `json:"can_stream"`
	IsPremium   bool       `json:"is_premium"`
	ShowsAds    bool       `json:"shows_ads"`
	ActiveUntil *time.Time `json:"active_until"`

	InTrial        bool       `json:"in_trial"`
	TrialExpiresAt *time.Time `json:"trial_expires_at"`
	PlanKind       PlanKind   `json:"plan_kind,omitempty"`
	EvaluatedAt    time.Time  `json:"evaluated_at"`
}
