// Package gateway defines the contract between the payment reconciler and an
// external payment provider.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrUnavailable wraps transport failures and non-2xx responses from a provider.
var ErrUnavailable = errors.New("payment gateway unavailable")

type Customer struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type InitiateRequest struct {
	Amount        int64
	Currency      string
	TransactionID string
	// CallbackURL receives the provider's server-to-server notification.
	CallbackURL string
	// ReturnURL is where the customer's browser lands after paying.
	ReturnURL string
	CancelURL string
	Customer  Customer
	Metadata  map[string]string
}

type Initiation struct {
	PaymentURL string
	Reference  string
	Raw        json.RawMessage
}

// Outcome is the reconciler's reading of a provider status.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeSucceeded
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

type Verification struct {
	Status string
	Raw    json.RawMessage
}

// Outcome maps the provider status: success succeeds, every other status fails.
// A provider that cannot answer yet must return an error wrapping ErrUnavailable
// instead of a Verification.
func (v *Verification) Outcome() Outcome {
	if strings.EqualFold(strings.TrimSpace(v.Status), StatusSuccess) {
		return OutcomeSucceeded
	}
	return OutcomeFailed
}

type Gateway interface {
	// Name identifies the provider in the ledger.
	Name() string
	InitiateTransaction(ctx context.Context, req InitiateRequest) (*Initiation, error)
	QueryStatus(ctx context.Context, transactionID, reference string) (*Verification, error)
}
