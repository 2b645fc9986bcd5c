package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/filecoin-project/go-clock"

	"github.com/dukerupert/gflix/internal/auth"
	"github.com/dukerupert/gflix/internal/model"
)

type SessionLookup interface {
	GetByToken(ctx context.Context, token string, now time.Time) (*model.Session, error)
}

type AccountLookup interface {
	GetByID(ctx context.Context, id int64) (*model.Account, error)
}

// RequireAuth validates the bearer access token against its live session and populates
// AuthContext. Browsers opening a websocket cannot set headers, so the token may also
// arrive as the access_token query parameter.
func RequireAuth(issuer *auth.Issuer, sessions SessionLookup, accounts AccountLookup, clk clock.Clock) func(http.Handler) http.Handler {
	if clk == nil {
		clk = clock.New()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := auth.BearerToken(r.Header.Get("Authorization"))
			if raw == "" {
				raw = r.URL.Query().Get("access_token")
			}
			if raw == "" {
				unauthorized(w, "missing access token")
				return
			}

			claims, err := issuer.Parse(raw)
			if err != nil {
				unauthorized(w, "invalid access token")
				return
			}
			accountID, err := claims.AccountID()
			if err != nil {
				unauthorized(w, "invalid access token")
				return
			}

			sess, err := sessions.GetByToken(r.Context(), claims.ID, clk.Now())
			if err != nil || sess == nil || sess.AccountID != accountID {
				unauthorized(w, "session expired")
				return
			}

			account, err := accounts.GetByID(r.Context(), accountID)
			if err != nil || account == nil {
				unauthorized(w, "session expired")
				return
			}
			if !account.CanAuthenticate() {
				writeError(w, http.StatusForbidden, "account is not active")
				return
			}

			ac := auth.AuthContext{
				AccountID: account.ID,
				SessionID: sess.ID,
				Device:    sess.Device,
				IsAdmin:   account.IsAdmin,
			}

			ctx := auth.WithAuth(r.Context(), ac)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin checks that the authenticated account is an administrator.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsAdmin(r.Context()) {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="gflix"`)
	writeError(w, http.StatusUnauthorized, msg)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
