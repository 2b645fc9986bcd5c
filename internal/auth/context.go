package auth

import (
	"context"
	"log/slog"
)

type ctxKey int

const principalKey ctxKey = iota

// AuthContext identifies the caller of an authenticated request: the account and
// the session (device slot) the access token belongs to.
type AuthContext struct {
	AccountID int64
	SessionID int64
	Device    string
	IsAdmin   bool
}

// LogValue keeps request logs to ids.
func (ac AuthContext) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("account_id", ac.AccountID),
		slog.Int64("session_id", ac.SessionID),
	)
}

func WithAuth(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, principalKey, ac)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(principalKey).(AuthContext)
	return ac, ok
}

// AccountID is 0 for anonymous requests.
func AccountID(ctx context.Context) int64 {
	ac, _ := FromContext(ctx)
	return ac.AccountID
}

func IsAdmin(ctx context.Context) bool {
	ac, _ := FromContext(ctx)
	return ac.IsAdmin
}

// CanAccess reports whether the caller owns resources of accountID or is an admin.
func CanAccess(ctx context.Context, accountID int64) bool {
	ac, ok := FromContext(ctx)
	if !ok || ac.AccountID == 0 {
		return false
	}
	return ac.IsAdmin || ac.AccountID == accountID
}
