package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/filecoin-project/go-clock"

	"github.com/dukerupert/gflix/internal/auth"
	"github.com/dukerupert/gflix/internal/device"
	"github.com/dukerupert/gflix/internal/model"
)

type AccountStore interface {
	Create(ctx context.Context, email, name, passwordHash string, trialExpiresAt time.Time) (*model.Account, error)
	GetByID(ctx context.Context, id int64) (*model.Account, error)
	GetByEmail(ctx context.Context, email string) (*model.Account, error)
}

type SessionStore interface {
	Create(ctx context.Context, accountID int64, device string, now, expiresAt time.Time) (*model.Session, error)
	Delete(ctx context.Context, id int64) (bool, error)
}

type DeviceLimiter interface {
	TryAcquire(ctx context.Context, accountID int64) error
	Release(ctx context.Context, accountID int64) error
}

type EntitlementEvaluator interface {
	Evaluate(ctx context.Context, accountID int64) (model.Entitlement, error)
}

type AuthHandler struct {
	accounts     AccountStore
	sessions     SessionStore
	devices      DeviceLimiter
	entitlements EntitlementEvaluator
	issuer       *auth.Issuer
	clock        clock.Clock
	trialPeriod  time.Duration
	tokenTTL     time.Duration
	logger       *slog.Logger
}

type AuthConfig struct {
	TrialPeriod time.Duration
	TokenTTL    time.Duration
}

func NewAuthHandler(accounts AccountStore, sessions SessionStore, devices DeviceLimiter, entitlements EntitlementEvaluator, issuer *auth.Issuer, clk clock.Clock, cfg AuthConfig, logger *slog.Logger) *AuthHandler {
	if clk == nil {
		clk = clock.New()
	}
	return &AuthHandler{
		accounts:     accounts,
		sessions:     sessions,
		devices:      devices,
		entitlements: entitlements,
		issuer:       issuer,
		clock:        clk,
		trialPeriod:  cfg.TrialPeriod,
		tokenTTL:     cfg.TokenTTL,
		logger:       logger,
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// Register creates an active account whose free trial starts now.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		writeError(w, http.StatusBadRequest, "valid email is required")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if errors.Is(err, auth.ErrWeakPassword) {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	if err != nil {
		h.logger.Error("hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	existing, err := h.accounts.GetByEmail(r.Context(), email)
	if err != nil {
		h.logger.Error("lookup account", "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}

	trialEnds := h.clock.Now().Add(h.trialPeriod)
	account, err := h.accounts.Create(r.Context(), email, name, hash, trialEnds)
	if err != nil {
		h.logger.Error("create account", "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	h.logger.Info("account registered", "account_id", account.ID)
	writeJSON(w, http.StatusCreated, account)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Device   string `json:"device"`
}

type loginResponse struct {
	AccessToken string         `json:"access_token"`
	TokenType   string         `json:"token_type"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Account     *model.Account `json:"account"`
}

// Login checks the password, takes a device slot and opens a session bound to the
// returned access token. The slot is given back if the session cannot be opened.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ctx := r.Context()

	account, err := h.accounts.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		h.logger.Error("lookup account", "error", err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if account == nil || !auth.CheckPassword(account.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if !account.CanAuthenticate() {
		writeError(w, http.StatusForbidden, "account is not active")
		return
	}

	if err := h.devices.TryAcquire(ctx, account.ID); err != nil {
		if !errors.Is(err, device.ErrAtCapacity) {
			h.logger.Error("acquire device slot", "account_id", account.ID, "error", err)
		}
		writeDomainError(w, err)
		return
	}

	now := h.clock.Now()
	sess, err := h.sessions.Create(ctx, account.ID, strings.TrimSpace(req.Device), now, now.Add(h.tokenTTL))
	if err != nil {
		h.logger.Error("create session", "account_id", account.ID, "error", err)
		h.releaseSlot(account.ID)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	token, err := h.issuer.Issue(account.ID, sess.Token, account.IsAdmin, sess.ExpiresAt)
	if err != nil {
		h.logger.Error("issue token", "account_id", account.ID, "error", err)
		if removed, derr := h.sessions.Delete(context.WithoutCancel(ctx), sess.ID); derr == nil && removed {
			h.releaseSlot(account.ID)
		}
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	h.logger.Info("login", "account_id", account.ID, "session_id", sess.ID)
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   sess.ExpiresAt,
		Account:     account,
	})
}

// Logout ends the caller's session. The device slot is only freed when this call
// actually removed the session, so a repeated logout frees nothing.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	removed, err := h.sessions.Delete(r.Context(), ac.SessionID)
	if err != nil {
		h.logger.Error("delete session", "auth", ac, "error", err)
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	if removed {
		h.releaseSlot(ac.AccountID)
	}

	w.WriteHeader(http.StatusNoContent)
}

type meResponse struct {
	Account     *model.Account    `json:"account"`
	Entitlement model.Entitlement `json:"entitlement"`
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())
	account, err := h.accounts.GetByID(r.Context(), accountID)
	if err != nil {
		h.logger.Error("get account", "account_id", accountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	if account == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}

	e, err := h.entitlements.Evaluate(r.Context(), accountID)
	if err != nil {
		h.logger.Error("evaluate entitlement", "account_id", accountID, "error", err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, meResponse{Account: account, Entitlement: e})
}

func (h *AuthHandler) releaseSlot(accountID int64) {
	if err := h.devices.Release(context.Background(), accountID); err != nil {
		h.logger.Error("release device slot", "account_id", accountID, "error", err)
	}
}
