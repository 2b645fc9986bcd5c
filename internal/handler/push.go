package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/dukerupert/gflix/internal/auth"
	"github.com/dukerupert/gflix/internal/model"
)

type PushSubscriptionStore interface {
	Upsert(ctx context.Context, accountID int64, endpoint, p256dh, auth, deviceName string) (*model.PushSubscription, error)
	ListByAccount(ctx context.Context, accountID int64) ([]model.PushSubscription, error)
	Delete(ctx context.Context, accountID int64, endpoint string) (bool, error)
}

type VAPIDKeySource interface {
	Enabled() bool
	VAPIDPublicKey() string
}

// PushHandler registers browsers for payment notifications.
type PushHandler struct {
	subs    PushSubscriptionStore
	service VAPIDKeySource
	logger  *slog.Logger
}

func NewPushHandler(subs PushSubscriptionStore, service VAPIDKeySource, logger *slog.Logger) *PushHandler {
	return &PushHandler{subs: subs, service: service, logger: logger}
}

type subscribeRequest struct {
	Endpoint   string `json:"endpoint"`
	P256dh     string `json:"p256dh"`
	Auth       string `json:"auth"`
	DeviceName string `json:"device_name"`
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// VAPIDKey handles GET /api/push/vapid-key
func (h *PushHandler) VAPIDKey(w http.ResponseWriter, r *http.Request) {
	if !h.service.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "push notifications are not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.service.VAPIDPublicKey()})
}

// Subscribe handles POST /api/push/subscriptions
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	if !h.service.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "push notifications are not configured")
		return
	}
	accountID := auth.AccountID(r.Context())

	var req subscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Endpoint == "" || req.P256dh == "" || req.Auth == "" {
		writeError(w, http.StatusBadRequest, "endpoint, p256dh, and auth are required")
		return
	}
	if u, err := url.Parse(req.Endpoint); err != nil || u.Scheme != "https" || u.Host == "" {
		writeError(w, http.StatusBadRequest, "endpoint must be an https URL")
		return
	}

	sub, err := h.subs.Upsert(r.Context(), accountID, req.Endpoint, req.P256dh, req.Auth, req.DeviceName)
	if err != nil {
		h.logger.Error("save push subscription", "account_id", accountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// ListSubscriptions handles GET /api/push/subscriptions
func (h *PushHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())
	subs, err := h.subs.ListByAccount(r.Context(), accountID)
	if err != nil {
		h.logger.Error("list push subscriptions", "account_id", accountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if subs == nil {
		subs = []model.PushSubscription{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

// Unsubscribe handles DELETE /api/push/subscriptions
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())

	var req unsubscribeRequest
	if err := decodeJSON(r, &req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	removed, err := h.subs.Delete(r.Context(), accountID, req.Endpoint)
	if err != nil {
		h.logger.Error("delete push subscription", "account_id", accountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
