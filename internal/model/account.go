package model

import "time"

type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountInactive  AccountStatus = "inactive"
	AccountSuspended AccountStatus = "suspended"
)

type Account struct {
	ID                      int64         `json:"id"`
	Email                   string        `json:"email"`
	Name                    string        `json:"name"`
	PasswordHash            string        `json:"-"`
	Status                  AccountStatus `json:"status"`
	IsAdmin                 bool          `json:"is_admin"`
	TrialExpiresAt          *time.Time    `json:"trial_expires_at"`
	HasStandingSubscription bool          `json:"has_standing_subscription"`
	ConnectedDevices        int           `json:"connected_devices"`
	CreatedAt               time.Time     `json:"created_at"`
	UpdatedAt               time.Time     `json:"updated_at"`
}

// CanAuthenticate reports whether the account may log in.
func (a *Account) CanAuthenticate() bool {
	return a.Status == AccountActive
}

// InTrial reports whether the trial window is still open at now.
func (a *Account) InTrial(now time.Time) bool {
	return a.TrialExpiresAt != nil && a.TrialExpiresAt.After(now)
}
