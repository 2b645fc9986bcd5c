package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/dukerupert/gflix/internal/metrics"
)

// Sign returns the callback signature for a transaction: the hex HMAC-SHA256 of the
// JSON-encoded transaction id, keyed by the shared secret.
func Sign(secret, transactionID string) string {
	encoded, _ := json.Marshal(transactionID)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(encoded)
	return hex.EncodeToString(mac.Sum(nil))
}

type callbackPayload struct {
	TransactionID *string `json:"transaction_id"`
	Signature     string  `json:"signature"`
}

// HandleCallback authenticates a gateway notification and re-verifies the transaction
// with the gateway. Any status the body claims is ignored.
func (r *Reconciler) HandleCallback(ctx context.Context, raw []byte) (*Result, error) {
	var cb callbackPayload
	if err := json.Unmarshal(raw, &cb); err != nil || cb.TransactionID == nil || *cb.TransactionID == "" {
		metrics.CallbacksRejected.Inc()
		return nil, ErrInvalidSignature
	}
	if r.cfg.CallbackSecret == "" || !validSignature(r.cfg.CallbackSecret, *cb.TransactionID, cb.Signature) {
		metrics.CallbacksRejected.Inc()
		r.logger.Warn("callback rejected", "transaction_id", *cb.TransactionID)
		return nil, ErrInvalidSignature
	}
	return r.Verify(ctx, *cb.TransactionID)
}

func validSignature(secret, transactionID, signature string) bool {
	expected := Sign(secret, transactionID)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}
