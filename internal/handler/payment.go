package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/dukerupert/gflix/internal/auth"
	"github.com/dukerupert/gflix/internal/model"
	"github.com/dukerupert/gflix/internal/payment"
	"github.com/dukerupert/gflix/internal/plan"
)

type PaymentService interface {
	Initialize(ctx context.Context, account *model.Account, kind model.PlanKind) (*payment.Initiation, error)
	Lookup(ctx context.Context, transactionID string) (*model.Payment, error)
	Verify(ctx context.Context, transactionID string) (*payment.Result, error)
	HandleCallback(ctx context.Context, raw []byte) (*payment.Result, error)
	History(ctx context.Context, accountID int64, limit, offset int) (*payment.HistoryPage, error)
	Statistics(ctx context.Context) (*model.PaymentStats, error)
}

type AccountReader interface {
	GetByID(ctx context.Context, id int64) (*model.Account, error)
}

type PaymentHandler struct {
	payments     PaymentService
	plans        *plan.Catalog
	accounts     AccountReader
	entitlements EntitlementEvaluator
	logger       *slog.Logger
}

func NewPaymentHandler(payments PaymentService, plans *plan.Catalog, accounts AccountReader, entitlements EntitlementEvaluator, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{
		payments:     payments,
		plans:        plans,
		accounts:     accounts,
		entitlements: entitlements,
		logger:       logger,
	}
}

func (h *PaymentHandler) Plans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plans": h.plans.List()})
}

type initializeRequest struct {
	PlanKind model.PlanKind `json:"plan_kind"`
}

func (h *PaymentHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

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

	started, err := h.payments.Initialize(r.Context(), account, req.PlanKind)
	if err != nil {
		h.logDomainError("initialize payment", accountID, err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, started)
}

type transactionRequest struct {
	TransactionID string `json:"transaction_id"`
}

// Verify settles one of the caller's transactions with the gateway. Transactions that
// belong to another account are reported as not found.
func (h *PaymentHandler) Verify(w http.ResponseWriter, r *http.Request) {
	h.verifyOwned(w, r)
}

// Cancel is where the gateway sends the buyer after abandoning checkout. The gateway
// is asked for the real outcome, so an abandoned session settles as failed and a
// late success still activates.
func (h *PaymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.verifyOwned(w, r)
}

// billingPage is the front-end page browsers land on after checkout.
const billingPage = "/account/billing"

// Landing handles the browser redirects back from checkout (GET /payments/return and
// GET /payments/cancel). No session token travels with them; the unguessable
// transaction id in the query is verified with the gateway and the browser is sent on
// to the billing page with the resulting state. An unreachable gateway lands as pending.
func (h *PaymentHandler) Landing(w http.ResponseWriter, r *http.Request) {
	txID := strings.TrimSpace(r.URL.Query().Get("transaction_id"))
	if txID == "" {
		writeError(w, http.StatusBadRequest, "transaction_id is required")
		return
	}

	state := string(model.PaymentPending)
	result, err := h.payments.Verify(r.Context(), txID)
	switch {
	case err == nil:
		state = string(result.State)
	case errors.Is(err, payment.ErrGateway):
		h.logger.Warn("checkout landing left pending", "transaction_id", txID, "error", err)
	default:
		h.logDomainError("checkout landing", 0, err)
		writeDomainError(w, err)
		return
	}

	q := url.Values{}
	q.Set("transaction_id", txID)
	q.Set("state", state)
	http.Redirect(w, r, billingPage+"?"+q.Encode(), http.StatusSeeOther)
}

func (h *PaymentHandler) verifyOwned(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	txID := strings.TrimSpace(req.TransactionID)
	if txID == "" {
		writeError(w, http.StatusBadRequest, "transaction_id is required")
		return
	}

	p, err := h.payments.Lookup(r.Context(), txID)
	if err != nil && !errors.Is(err, payment.ErrNotFound) {
		h.logger.Error("lookup payment", "transaction_id", txID, "error", err)
		writeDomainError(w, err)
		return
	}
	if p == nil || !auth.CanAccess(r.Context(), p.AccountID) {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}

	result, err := h.payments.Verify(r.Context(), txID)
	if err != nil {
		h.logDomainError("verify payment", auth.AccountID(r.Context()), err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Callback receives the gateway's server-to-server notification. It is authenticated
// by signature rather than by session.
func (h *PaymentHandler) Callback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	result, err := h.payments.HandleCallback(r.Context(), body)
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			h.logger.Warn("callback for unknown transaction")
		} else if !errors.Is(err, payment.ErrInvalidSignature) {
			h.logger.Error("handle callback", "error", err)
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *PaymentHandler) History(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())
	page, err := h.payments.History(r.Context(), accountID, queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		h.logger.Error("payment history", "account_id", accountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load payment history")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Subscription reports the caller's current entitlement.
func (h *PaymentHandler) Subscription(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountID(r.Context())
	e, err := h.entitlements.Evaluate(r.Context(), accountID)
	if err != nil {
		h.logDomainError("evaluate entitlement", accountID, err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *PaymentHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.payments.Statistics(r.Context())
	if err != nil {
		h.logger.Error("payment stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load statistics")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *PaymentHandler) logDomainError(op string, accountID int64, err error) {
	switch {
	case errors.Is(err, payment.ErrInvalidPlan), errors.Is(err, payment.ErrNotFound):
		return
	case errors.Is(err, payment.ErrGateway):
		h.logger.Warn(op, "account_id", accountID, "error", err)
	default:
		h.logger.Error(op, "account_id", accountID, "error", err)
	}
}
