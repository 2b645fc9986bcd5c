package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukerupert/gflix/internal/model"
)

// PaymentStore is the payment ledger. Rows are created pending and move to a terminal
// state at most once; every state write is conditional on the row still being pending.
type PaymentStore struct {
	db *sql.DB
}

func NewPaymentStore(db *sql.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

func scanPayment(scanner interface{ Scan(...any) error }) (*model.Payment, error) {
	var p model.Payment
	var payload string
	var endsAt, resolvedAt sql.NullTime
	err := scanner.Scan(
		&p.ID, &p.TransactionID, &p.AccountID, &p.PlanKind, &p.Amount, &p.Currency,
		&p.Gateway, &p.State, &p.GatewayReference, &p.PaymentURL, &payload,
		&endsAt, &resolvedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.VerificationPayload = json.RawMessage(payload)
	if endsAt.Valid {
		t := endsAt.Time.UTC()
		p.SubscriptionEndsAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		p.ResolvedAt = &t
	}
	return &p, nil
}

const paymentCols = `id, transaction_id, account_id, plan_kind, amount, currency, gateway, state, gateway_reference, payment_url, verification_payload, subscription_ends_at, resolved_at, created_at, updated_at`

// Create inserts a pending ledger row.
func (s *PaymentStore) Create(ctx context.Context, p model.Payment) (*model.Payment, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO payments
		   (transaction_id, account_id, plan_kind, amount, currency, gateway, state, gateway_reference, payment_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?)`,
		p.TransactionID, p.AccountID, p.PlanKind, p.Amount, p.Currency, p.Gateway,
		p.GatewayReference, p.PaymentURL, p.CreatedAt.UTC(), p.CreatedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = ?`, id)
	created, err := scanPayment(row)
	if err != nil {
		return nil, fmt.Errorf("get created payment: %w", err)
	}
	return created, nil
}

func (s *PaymentStore) GetByTransactionID(ctx context.Context, transactionID string) (*model.Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE transaction_id = ?`, transactionID)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment by transaction id: %w", err)
	}
	return p, nil
}

// ListCompleted returns every completed payment for the account, latest window end first.
// Expiry filtering is left to the caller so it can evaluate against its own clock.
func (s *PaymentStore) ListCompleted(ctx context.Context, accountID int64) ([]model.Payment, error) {
	return s.list(ctx,
		`SELECT `+paymentCols+` FROM payments
		 WHERE account_id = ? AND state = 'completed'
		 ORDER BY subscription_ends_at DESC`,
		accountID,
	)
}

// ListByAccount returns one page of the account's payment history, newest first, and the
// total number of rows.
func (s *PaymentStore) ListByAccount(ctx context.Context, accountID int64, limit, offset int) ([]model.Payment, int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payments WHERE account_id = ?`, accountID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count payments: %w", err)
	}
	payments, err := s.list(ctx,
		`SELECT `+paymentCols+` FROM payments
		 WHERE account_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		accountID, limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	return payments, total, nil
}

// ListPendingBefore returns pending rows created before the cutoff, oldest first.
func (s *PaymentStore) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Payment, error) {
	return s.list(ctx,
		`SELECT `+paymentCols+` FROM payments
		 WHERE state = 'pending' AND created_at < ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		cutoff.UTC(), limit,
	)
}

func (s *PaymentStore) list(ctx context.Context, query string, args ...any) ([]model.Payment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return payments, nil
}

// Complete moves a pending row to completed and activates the owning account in the same
// transaction: the standing-subscription flag is set and the trial is retired.
// It reports false, with nothing written, when the row was no longer pending.
func (s *PaymentStore) Complete(ctx context.Context, transactionID string, endsAt, resolvedAt time.Time, payload json.RawMessage) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin complete payment: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx,
		`UPDATE payments
		 SET state = 'completed',
		     subscription_ends_at = ?,
		     resolved_at = ?,
		     verification_payload = json_insert(verification_payload, '$[#]', json(?)),
		     updated_at = ?
		 WHERE transaction_id = ? AND state = 'pending'`,
		endsAt.UTC(), resolvedAt.UTC(), payloadText(payload), resolvedAt.UTC(), transactionID,
	)
	if err != nil {
		return false, fmt.Errorf("complete payment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts
		 SET has_standing_subscription = 1,
		     trial_expires_at = NULL,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE id = (SELECT account_id FROM payments WHERE transaction_id = ?)`,
		transactionID,
	); err != nil {
		return false, fmt.Errorf("activate account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit complete payment: %w", err)
	}
	return true, nil
}

// Fail moves a pending row to failed. It reports false when the row was no longer pending.
func (s *PaymentStore) Fail(ctx context.Context, transactionID string, resolvedAt time.Time, payload json.RawMessage) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE payments
		 SET state = 'failed',
		     resolved_at = ?,
		     verification_payload = json_insert(verification_payload, '$[#]', json(?)),
		     updated_at = ?
		 WHERE transaction_id = ? AND state = 'pending'`,
		resolvedAt.UTC(), payloadText(payload), resolvedAt.UTC(), transactionID,
	)
	if err != nil {
		return false, fmt.Errorf("fail payment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Stats aggregates the ledger. Monthly revenue counts completed rows created at or after monthStart.
func (s *PaymentStore) Stats(ctx context.Context, monthStart time.Time) (*model.PaymentStats, error) {
	var st model.PaymentStats
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN state = 'completed' THEN amount END), 0),
		   COALESCE(SUM(CASE WHEN state = 'completed' AND created_at >= ? THEN amount END), 0),
		   COUNT(*),
		   COALESCE(SUM(CASE WHEN state = 'completed' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN state = 'pending' THEN 1 ELSE 0 END), 0)
		 FROM payments`,
		monthStart.UTC(),
	).Scan(
		&st.TotalRevenue, &st.MonthlyRevenue, &st.TotalTransactions,
		&st.CompletedTransactions, &st.FailedTransactions, &st.PendingTransactions,
	)
	if err != nil {
		return nil, fmt.Errorf("payment stats: %w", err)
	}
	if st.TotalTransactions > 0 {
		rate := float64(st.CompletedTransactions) / float64(st.TotalTransactions) * 100
		st.SuccessRate = float64(int64(rate*100+0.5)) / 100
	}
	return &st, nil
}

func payloadText(payload json.RawMessage) string {
	if len(payload) == 0 {
		return "{}"
	}
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(string(payload))
		return string(quoted)
	}
	return string(payload)
}
