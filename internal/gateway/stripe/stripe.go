// Package stripe adapts Stripe Checkout Sessions to the gateway contract. The checkout
// session id is the gateway reference and our transaction id travels as client_reference_id.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/gflix/internal/gateway"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
}

type Gateway struct {
	cfg        Config
	newSession func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	getSession func(string, *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

func New(cfg Config) *Gateway {
	stripe.Key = strings.TrimSpace(cfg.SecretKey)
	return &Gateway{
		cfg:        cfg,
		newSession: checksession.New,
		getSession: checksession.Get,
	}
}

func (g *Gateway) Name() string { return "stripe" }

// InitiateTransaction creates a one-off payment-mode checkout session for the amount.
func (g *Gateway) InitiateTransaction(ctx context.Context, req gateway.InitiateRequest) (*gateway.Initiation, error) {
	metadata := map[string]string{"transaction_id": req.TransactionID}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.TransactionID),
		SuccessURL:        stripe.String(req.ReturnURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(productName(req.Metadata)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: metadata,
	}
	if req.Customer.Email != "" {
		params.CustomerEmail = stripe.String(req.Customer.Email)
	}
	params.Context = ctx

	sess, err := g.newSession(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w: %v", gateway.ErrUnavailable, err)
	}
	raw, _ := json.Marshal(sess)
	return &gateway.Initiation{PaymentURL: sess.URL, Reference: sess.ID, Raw: raw}, nil
}

// QueryStatus reads the checkout session. A paid session is a success and a closed
// unpaid one a failure. An open session has no answer yet and is reported as
// ErrUnavailable so the row stays pending.
func (g *Gateway) QueryStatus(ctx context.Context, transactionID, reference string) (*gateway.Verification, error) {
	if reference == "" {
		return nil, fmt.Errorf("query checkout session for %s: %w: missing session id", transactionID, gateway.ErrUnavailable)
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := g.getSession(reference, params)
	if err != nil {
		return nil, fmt.Errorf("get checkout session: %w: %v", gateway.ErrUnavailable, err)
	}
	if sess.ClientReferenceID != "" && sess.ClientReferenceID != transactionID {
		return &gateway.Verification{Status: gateway.StatusFailed, Raw: mustJSON(sess)}, nil
	}

	switch {
	case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
		sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return &gateway.Verification{Status: gateway.StatusSuccess, Raw: mustJSON(sess)}, nil
	case sess.Status == stripe.CheckoutSessionStatusExpired:
		return &gateway.Verification{Status: gateway.StatusFailed, Raw: mustJSON(sess)}, nil
	case sess.Status == stripe.CheckoutSessionStatusComplete:
		// Complete but unpaid: an async payment method is still settling.
		return nil, fmt.Errorf("checkout session %s awaiting payment: %w", reference, gateway.ErrUnavailable)
	default:
		return nil, fmt.Errorf("checkout session %s is %s: %w", reference, sess.Status, gateway.ErrUnavailable)
	}
}

// ConstructEvent verifies a webhook signature and returns the parsed event.
func (g *Gateway) ConstructEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, sigHeader, g.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

// TransactionIDFromEvent extracts our transaction id from a checkout.session.* event.
// It reports false for any other event type.
func TransactionIDFromEvent(event stripe.Event) (string, bool, error) {
	if !strings.HasPrefix(string(event.Type), "checkout.session.") {
		return "", false, nil
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return "", false, fmt.Errorf("decode checkout session: %w", err)
	}
	id := sess.ClientReferenceID
	if id == "" {
		id = sess.Metadata["transaction_id"]
	}
	return id, id != "", nil
}

func productName(metadata map[string]string) string {
	if kind := metadata["plan_kind"]; kind != "" {
		return "gflix " + kind
	}
	return "gflix subscription"
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
