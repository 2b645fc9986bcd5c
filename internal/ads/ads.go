// Package ads decides whether ad content may be served to an account.
package ads

import (
	"context"
	"time"

	"github.com/dukerupert/gflix/internal/entitlement"
	"github.com/dukerupert/gflix/internal/model"
)

// ShouldShowAds reports whether the account must see ads at now.
func ShouldShowAds(account *model.Account, payments []model.Payment, now time.Time) bool {
	return entitlement.Evaluate(account, payments, now).ShowsAds
}

type Evaluator interface {
	Evaluate(ctx context.Context, accountID int64) (model.Entitlement, error)
}

// Selector picks the next ad for an account. Ad content and rotation live outside this service.
type Selector interface {
	Next(ctx context.Context, accountID int64) (*Ad, error)
}

type Ad struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Duration int    `json:"duration_seconds"`
}

type Policy struct {
	evaluator Evaluator
}

func NewPolicy(evaluator Evaluator) *Policy {
	return &Policy{evaluator: evaluator}
}

func (p *Policy) ShouldShowAds(ctx context.Context, accountID int64) (bool, error) {
	e, err := p.evaluator.Evaluate(ctx, accountID)
	if err != nil {
		return false, err
	}
	return e.ShowsAds, nil
}

// Gate asks the selector for an ad only when the account must see one.
// It returns nil when the account is ad-free.
func (p *Policy) Gate(ctx context.Context, accountID int64, selector Selector) (*Ad, error) {
	show, err := p.ShouldShowAds(ctx, accountID)
	if err != nil || !show {
		return nil, err
	}
	return selector.Next(ctx, accountID)
}
