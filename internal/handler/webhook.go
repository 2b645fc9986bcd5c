package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"

	stripegw "github.com/dukerupert/gflix/internal/gateway/stripe"
	"github.com/dukerupert/gflix/internal/payment"
)

type EventVerifier interface {
	ConstructEvent(payload []byte, sigHeader string) (stripe.Event, error)
}

type TransactionVerifier interface {
	Verify(ctx context.Context, transactionID string) (*payment.Result, error)
}

// WebhookHandler turns Stripe checkout events into verifies. The event body is only
// used to find the transaction; its outcome always comes from the gateway query.
type WebhookHandler struct {
	events   EventVerifier
	verifier TransactionVerifier
	logger   *slog.Logger
}

func NewWebhookHandler(events EventVerifier, verifier TransactionVerifier, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{events: events, verifier: verifier, logger: logger}
}

func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	event, err := h.events.ConstructEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	txID, ok, err := stripegw.TransactionIDFromEvent(event)
	if err != nil {
		h.logger.Warn("webhook: decode event", "event_id", event.ID, "type", event.Type, "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	result, err := h.verifier.Verify(r.Context(), txID)
	switch {
	case errors.Is(err, payment.ErrNotFound):
		h.logger.Warn("webhook: unknown transaction", "event_id", event.ID, "transaction_id", txID)
	case errors.Is(err, payment.ErrGateway):
		// Stripe redelivers on 5xx.
		h.logger.Warn("webhook: gateway not settled", "event_id", event.ID, "transaction_id", txID, "error", err)
		http.Error(w, "retry later", http.StatusServiceUnavailable)
		return
	case err != nil:
		h.logger.Error("webhook: verify", "event_id", event.ID, "transaction_id", txID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	default:
		h.logger.Info("webhook: transaction verified", "event_id", event.ID, "transaction_id", txID, "state", result.State)
	}

	w.WriteHeader(http.StatusOK)
}
