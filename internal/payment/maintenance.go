package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/gflix/internal/model"
)

const pendingBatch = 100

// SweepReport summarises one ReconcilePending run.
type SweepReport struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Unsettled int `json:"unsettled"`
	Errors    int `json:"errors"`
}

// ReconcilePending verifies up to one batch of pending rows created more than olderThan
// ago, oldest first. Gateway errors leave the row pending and are counted, not returned.
// Any other per-row error is logged and counted so one bad row cannot stall the rest.
func (r *Reconciler) ReconcilePending(ctx context.Context, olderThan time.Duration) (*SweepReport, error) {
	cutoff := r.clock.Now().Add(-olderThan)
	pending, err := r.ledger.ListPendingBefore(ctx, cutoff, pendingBatch)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}

	report := &SweepReport{}
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		res, err := r.Verify(ctx, p.TransactionID)
		switch {
		case errors.Is(err, ErrGateway):
			report.Unsettled++
			continue
		case err != nil:
			report.Errors++
			r.logger.Error("reconcile pending payment", "transaction_id", p.TransactionID, "error", err)
			continue
		}
		switch res.State {
		case model.PaymentCompleted:
			report.Completed++
		case model.PaymentFailed:
			report.Failed++
		}
	}
	r.logger.Info("pending payments reconciled",
		"checked", report.Checked, "completed", report.Completed,
		"failed", report.Failed, "unsettled", report.Unsettled, "errors", report.Errors)
	return report, nil
}

// ExpireStandingSubscriptions clears the standing-subscription flag on accounts whose
// every completed payment has ended. The trial is never reinstated.
func (r *Reconciler) ExpireStandingSubscriptions(ctx context.Context) (int64, error) {
	n, err := r.accounts.ClearLapsedStanding(ctx, r.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("expire standing subscriptions: %w", err)
	}
	if n > 0 {
		r.logger.Info("standing subscriptions expired", "count", n)
	}
	return n, nil
}

type HistoryPage struct {
	Payments []model.Payment `json:"payments"`
	Total    int64           `json:"total"`
	Limit    int             `json:"limit"`
	Offset   int             `json:"offset"`
}

const (
	defaultHistoryLimit = 15
	maxHistoryLimit     = 100
)

func (r *Reconciler) History(ctx context.Context, accountID int64, limit, offset int) (*HistoryPage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	payments, total, err := r.ledger.ListByAccount(ctx, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("payment history: %w", err)
	}
	if payments == nil {
		payments = []model.Payment{}
	}
	return &HistoryPage{Payments: payments, Total: total, Limit: limit, Offset: offset}, nil
}

// Statistics aggregates the whole ledger. Monthly revenue covers the current UTC month.
func (r *Reconciler) Statistics(ctx context.Context) (*model.PaymentStats, error) {
	now := r.clock.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return r.ledger.Stats(ctx, monthStart)
}
