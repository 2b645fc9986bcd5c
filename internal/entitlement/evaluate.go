// Package entitlement decides whether an account may stream and whether it sees ads.
package entitlement

import (
	"time"

	"github.com/dukerupert/gflix/internal/model"
)

// Evaluate derives the entitlement of account at now from its completed payments.
// Every non-expired completed payment counts, not only the most recent row; the
// reported plan and end date come from the payment whose window ends last.
func Evaluate(account *model.Account, payments []model.Payment, now time.Time) model.Entitlement {
	e := model.Entitlement{EvaluatedAt: now}

	var latest *model.Payment
	adFree := false
	for i := range payments {
		p := &payments[i]
		if !p.ActiveAt(now) {
			continue
		}
		if p.PlanKind.Premium() {
			e.IsPremium = true
		}
		if p.PlanKind.AdFree() {
			adFree = true
		}
		if latest == nil || p.SubscriptionEndsAt.After(*latest.SubscriptionEndsAt) {
			latest = p
		}
	}

	inTrial := account.InTrial(now)
	if account.TrialExpiresAt != nil {
		t := *account.TrialExpiresAt
		e.TrialExpiresAt = &t
	}
	e.InTrial = inTrial

	e.CanStream = (account.HasStandingSubscription && latest != nil) || inTrial
	e.ShowsAds = !(e.IsPremium || adFree)

	switch {
	case latest != nil:
		t := *latest.SubscriptionEndsAt
		e.ActiveUntil = &t
		e.PlanKind = latest.PlanKind
	case inTrial:
		t := *account.TrialExpiresAt
		e.ActiveUntil = &t
	}
	return e
}
