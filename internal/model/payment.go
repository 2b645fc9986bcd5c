package model

import (
	"encoding/json"
	"time"
)

type PaymentState string

const (
	PaymentPending   PaymentState = "pending"
	PaymentCompleted PaymentState = "completed"
	PaymentFailed    PaymentState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s PaymentState) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

// Payment is one row of the payment ledger: a single purchase attempt.
type Payment struct {
	ID                  int64           `json:"id"`
	TransactionID       string          `json:"transaction_id"`
	AccountID           int64           `json:"account_id"`
	PlanKind            PlanKind        `json:"plan_kind"`
	Amount              int64           `json:"amount"`
	Currency            string          `json:"currency"`
	Gateway             string          `json:"gateway"`
	State               PaymentState    `json:"state"`
	GatewayReference    string          `json:"gateway_reference"`
	PaymentURL          string          `json:"payment_url"`
	VerificationPayload json.RawMessage `json:"verification_payload"`
	SubscriptionEndsAt  *time.Time      `json:"subscription_ends_at"`
	ResolvedAt          *time.Time      `json:"resolved_at"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// ActiveAt reports whether the payment is completed and its window ends strictly after now.
func (p *Payment) ActiveAt(now time.Time) bool {
	return p.State == PaymentCompleted && p.SubscriptionEndsAt != nil && p.SubscriptionEndsAt.After(now)
}

type PaymentStats struct {
	TotalRevenue          int64   `json:"total_revenue"`
	MonthlyRevenue        int64   `json:"monthly_revenue"`
	SuccessRate           float64 `json:"success_rate"`
	TotalTransactions     int64   `json:"total_transactions"`
	CompletedTransactions int64   `json:"completed_transactions"`
	FailedTransactions    int64   `json:"failed_transactions"`
	PendingTransactions   int64   `json:"pending_transactions"`
}
