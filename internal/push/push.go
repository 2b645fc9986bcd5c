package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/dukerupert/gflix/internal/model"
)

// ErrExpired means the browser dropped the subscription (404 or 410) and it should be deleted.
var ErrExpired = errors.New("push subscription expired")

// StatusError is any other rejection by the push service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("push service returned %d", e.Code)
	}
	return fmt.Sprintf("push service returned %d: %s", e.Code, e.Body)
}

// A payment notice is only useful for a day; push services drop it after that.
const ttlSeconds = 24 * 60 * 60

// Payload is the JSON the service worker receives.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// PaymentPayload describes a resolved payment. The tag is per transaction so a
// repeated notice replaces the earlier one on the device.
func PaymentPayload(p model.Payment) Payload {
	if p.State == model.PaymentCompleted {
		return Payload{
			Title: "Subscription active",
			Body:  fmt.Sprintf("Your %s plan is ready. Enjoy watching.", p.PlanKind),
			URL:   "/",
			Tag:   "payment-" + p.TransactionID,
		}
	}
	return Payload{
		Title: "Payment failed",
		Body:  "Your payment did not go through. You can try again from your account.",
		URL:   "/account/billing",
		Tag:   "payment-" + p.TransactionID,
	}
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subject is the contact the push service sees: an email address or an https: URL.
	Subject string
}

// Service signs and delivers Web Push messages.
type Service struct {
	cfg    Config
	client webpush.HTTPClient
}

type Option func(*Service)

func WithHTTPClient(c webpush.HTTPClient) Option {
	return func(s *Service) { s.client = c }
}

func NewService(cfg Config, opts ...Option) *Service {
	s := &Service{cfg: cfg, client: http.DefaultClient}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled is true when both VAPID keys are set.
func (s *Service) Enabled() bool {
	return s.cfg.VAPIDPublicKey != "" && s.cfg.VAPIDPrivateKey != ""
}

// VAPIDPublicKey is the application server key browsers subscribe with.
func (s *Service) VAPIDPublicKey() string {
	return s.cfg.VAPIDPublicKey
}

// Send encrypts payload for one browser and posts it to the subscription's push service.
func (s *Service) Send(ctx context.Context, sub model.PushSubscription, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	target := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dhKey, Auth: sub.AuthKey},
	}
	resp, err := webpush.SendNotificationWithContext(ctx, body, target, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.cfg.Subject,
		TTL:             ttlSeconds,
		Urgency:         webpush.UrgencyHigh,
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
	})
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return ErrExpired
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return nil
}

// GenerateVAPIDKeys returns a fresh P-256 key pair, base64url encoded: the public
// key as an uncompressed point and the private key as its 32-byte scalar.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate P-256 key: %w", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(key.PublicKey().Bytes()), enc.EncodeToString(key.Bytes()), nil
}
