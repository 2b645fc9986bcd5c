package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/dukerupert/gflix/internal/device"
	"github.com/dukerupert/gflix/internal/entitlement"
	"github.com/dukerupert/gflix/internal/payment"
)

// maxBodyBytes bounds every JSON and webhook body read by this package.
const maxBodyBytes = 65536

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

// writeDomainError maps the service sentinels to a status and a client-safe message.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payment.ErrInvalidPlan):
		writeError(w, http.StatusBadRequest, "invalid plan")
	case errors.Is(err, payment.ErrInvalidSignature):
		writeError(w, http.StatusBadRequest, "invalid signature")
	case errors.Is(err, payment.ErrNotFound):
		writeError(w, http.StatusNotFound, "transaction not found")
	case errors.Is(err, entitlement.ErrAccountNotFound), errors.Is(err, device.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, device.ErrAtCapacity):
		writeError(w, http.StatusForbidden, "maximum number of devices reached")
	case errors.Is(err, payment.ErrGateway):
		writeError(w, http.StatusBadGateway, "payment gateway unavailable, try again")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
