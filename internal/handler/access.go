package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/gflix/internal/auth"
	"github.com/dukerupert/gflix/internal/model"
)

type AdPolicy interface {
	ShouldShowAds(ctx context.Context, accountID int64) (bool, error)
}

// AccessHandler answers the streaming front end's entitlement questions.
type AccessHandler struct {
	entitlements EntitlementEvaluator
	ads          AdPolicy
	logger       *slog.Logger
}

func NewAccessHandler(entitlements EntitlementEvaluator, ads AdPolicy, logger *slog.Logger) *AccessHandler {
	return &AccessHandler{entitlements: entitlements, ads: ads, logger: logger}
}

type accessDenied struct {
	Error       string            `json:"error"`
	Entitlement model.Entitlement `json:"entitlement"`
}

// Stream grants playback only while a trial or a paid window is open.
func (h *AccessHandler) Stream(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())
	e, err := h.entitlements.Evaluate(r.Context(), accountID)
	if err != nil {
		h.logger.Error("evaluate entitlement", "account_id", accountID, "error", err)
		writeDomainError(w, err)
		return
	}
	if !e.CanStream {
		writeJSON(w, http.StatusForbidden, accessDenied{Error: "subscription required", Entitlement: e})
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *AccessHandler) AdsEligibility(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())
	show, err := h.ads.ShouldShowAds(r.Context(), accountID)
	if err != nil {
		h.logger.Error("ads eligibility", "account_id", accountID, "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"show_ads": show})
}
