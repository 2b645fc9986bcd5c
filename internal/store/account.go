package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/gflix/internal/model"
)

type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

func scanAccount(scanner interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	var trial sql.NullTime
	var isAdmin, standing int
	err := scanner.Scan(
		&a.ID, &a.Email, &a.Name, &a.PasswordHash, &a.Status, &isAdmin,
		&trial, &standing, &a.ConnectedDevices, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if trial.Valid {
		t := trial.Time.UTC()
		a.TrialExpiresAt = &t
	}
	a.IsAdmin = isAdmin != 0
	a.HasStandingSubscription = standing != 0
	return &a, nil
}

const accountCols = `id, email, name, password_hash, status, is_admin, trial_expires_at, has_standing_subscription, connected_devices, created_at, updated_at`

// Create inserts an active account whose trial window closes at trialExpiresAt.
func (s *AccountStore) Create(ctx context.Context, email, name, passwordHash string, trialExpiresAt time.Time) (*model.Account, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (email, name, password_hash, trial_expires_at) VALUES (?, ?, ?, ?)`,
		email, name, passwordHash, trialExpiresAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *AccountStore) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *AccountStore) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE email = ?`, email)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return a, nil
}

func (s *AccountStore) UpdateStatus(ctx context.Context, id int64, status model.AccountStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	return nil
}

func (s *AccountStore) SetAdmin(ctx context.Context, id int64, admin bool) error {
	var v int
	if admin {
		v = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET is_admin = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		v, id,
	)
	if err != nil {
		return fmt.Errorf("set admin: %w", err)
	}
	return nil
}

// IncrementDevices takes one device slot if fewer than max are in use.
// The check and the increment are a single statement, so concurrent callers cannot both pass.
func (s *AccountStore) IncrementDevices(ctx context.Context, id int64, max int) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET connected_devices = connected_devices + 1
		 WHERE id = ? AND connected_devices < ?`,
		id, max,
	)
	if err != nil {
		return false, fmt.Errorf("increment devices: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// DecrementDevices frees one device slot. It never takes the counter below zero.
func (s *AccountStore) DecrementDevices(ctx context.Context, id int64) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET connected_devices = connected_devices - 1
		 WHERE id = ? AND connected_devices > 0`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("decrement devices: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ClearLapsedStanding drops the standing-subscription flag on accounts that no longer
// have any completed payment ending after now. The trial is left untouched.
func (s *AccountStore) ClearLapsedStanding(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET has_standing_subscription = 0, updated_at = CURRENT_TIMESTAMP
		 WHERE has_standing_subscription = 1
		   AND NOT EXISTS (
		     SELECT 1 FROM payments p
		     WHERE p.account_id = accounts.id
		       AND p.state = 'completed'
		       AND p.subscription_ends_at > ?
		   )`,
		now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("clear lapsed standing: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
