package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"

	"github.com/dukerupert/gflix/internal/config"
	"github.com/dukerupert/gflix/internal/database"
	"github.com/dukerupert/gflix/internal/gateway"
	"github.com/dukerupert/gflix/internal/model"
	"github.com/dukerupert/gflix/internal/push"
	ws "github.com/dukerupert/gflix/internal/websocket"
)

type okGateway struct{}

func (okGateway) Name() string { return "stub" }

func (okGateway) InitiateTransaction(_ context.Context, req gateway.InitiateRequest) (*gateway.Initiation, error) {
	return &gateway.Initiation{PaymentURL: "https://pay.test/" + req.TransactionID, Reference: "ref"}, nil
}

func (okGateway) QueryStatus(_ context.Context, _, _ string) (*gateway.Verification, error) {
	return &gateway.Verification{Status: gateway.StatusSuccess, Raw: json.RawMessage(`{"status":"success"}`)}, nil
}

func testConfig() config.Config {
	return config.Config{
		BaseURL:              "https://gflix.test",
		JWTSecret:            "jwt-secret",
		TokenTTL:             time.Hour,
		MaxDevices:           2,
		TrialPeriod:          24 * time.Hour,
		Currency:             "XOF",
		YearlyPrice:          10000,
		DailyPrice:           200,
		PremiumYearlyPrice:   15000,
		GatewayTimeout:       time.Second,
		CallbackSecret:       "cb-secret",
		EntitlementCacheTTL:  30 * time.Second,
		EntitlementCacheSize: 100,
	}
}

func setupServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(db, testConfig(), okGateway{}, nil, logger, WithClock(clk))
	return srv, srv.Router()
}

func serve(h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	_, router := setupServer(t)

	rec := serve(router, "GET", "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, router := setupServer(t)

	rec := serve(router, "GET", "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "gflix_ws_clients") {
		t.Error("metrics output missing gflix_ws_clients")
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	_, router := setupServer(t)

	for _, path := range []string{"/api/auth/me", "/api/subscription", "/api/stream/access", "/ws"} {
		rec := serve(router, "GET", path, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s status = %d, want %d", path, rec.Code, http.StatusUnauthorized)
		}
	}
}

func TestStripeWebhookNotMountedForOtherGateways(t *testing.T) {
	_, router := setupServer(t)

	rec := serve(router, "POST", "/webhooks/stripe", "", "{}")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestSnapshotsDisabledWithoutBucket(t *testing.T) {
	srv, _ := setupServer(t)

	if srv.Snapshots().Enabled() {
		t.Error("snapshots should be disabled without a bucket")
	}
}

func TestRouterPurchaseFlow(t *testing.T) {
	_, router := setupServer(t)

	rec := serve(router, "POST", "/api/auth/register", "", `{"email":"alice@example.com","name":"Alice","password":"long enough"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}
	rec = serve(router, "POST", "/api/auth/login", "", `{"email":"alice@example.com","password":"long enough"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var login struct {
		AccessToken string `json:"access_token"`
	}
	json.NewDecoder(rec.Body).Decode(&login)

	rec = serve(router, "POST", "/api/payments/initialize", login.AccessToken, `{"plan_kind":"daily"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("initialize status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var started struct {
		TransactionID string `json:"transaction_id"`
		Amount        int64  `json:"amount"`
	}
	json.NewDecoder(rec.Body).Decode(&started)
	if started.Amount != 200 {
		t.Errorf("amount = %d, want 200", started.Amount)
	}

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(map[string]string{"transaction_id": started.TransactionID})
	rec = serve(router, "POST", "/api/payments/verify", login.AccessToken, buf.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"completed"`) {
		t.Errorf("verify body = %s, want completed", rec.Body.String())
	}
}

type recordingMailer struct {
	mu       sync.Mutex
	receipts []string
	failures []string
	err      error
}

func (m *recordingMailer) Configured() bool { return true }

func (m *recordingMailer) SendReceipt(_ context.Context, to, _ string, p model.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts = append(m.receipts, to+":"+p.TransactionID)
	return m.err
}

func (m *recordingMailer) SendPaymentFailed(_ context.Context, to, _ string, p model.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, to+":"+p.TransactionID)
	return m.err
}

type staticAccounts map[int64]*model.Account

func (s staticAccounts) GetByID(_ context.Context, id int64) (*model.Account, error) {
	return s[id], nil
}

func TestNotifierSendsReceiptAndFailureNotice(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mailer := &recordingMailer{}
	accounts := staticAccounts{7: {ID: 7, Email: "alice@example.com", Name: "Alice"}}
	n := NewNotifier(ws.NewHub(logger), mailer, accounts, logger)

	ends := time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)
	n.PaymentResolved(context.Background(), &model.Payment{ID: 1, TransactionID: "GFLIX-1", AccountID: 7, State: model.PaymentCompleted, SubscriptionEndsAt: &ends})
	n.PaymentResolved(context.Background(), &model.Payment{ID: 2, TransactionID: "GFLIX-2", AccountID: 7, State: model.PaymentFailed})

	if len(mailer.receipts) != 1 || mailer.receipts[0] != "alice@example.com:GFLIX-1" {
		t.Errorf("receipts = %v", mailer.receipts)
	}
	if len(mailer.failures) != 1 || mailer.failures[0] != "alice@example.com:GFLIX-2" {
		t.Errorf("failures = %v", mailer.failures)
	}
}

func TestNotifierToleratesMailFailures(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mailer := &recordingMailer{err: errors.New("smtp down")}
	n := NewNotifier(nil, mailer, staticAccounts{}, logger)

	// Unknown account: nothing is sent and nothing panics.
	n.PaymentResolved(context.Background(), &model.Payment{ID: 1, TransactionID: "GFLIX-1", AccountID: 99, State: model.PaymentCompleted})
	if len(mailer.receipts) != 0 {
		t.Errorf("receipts = %v, want none for unknown account", mailer.receipts)
	}
}

type recordingPusher struct {
	mu      sync.Mutex
	sent    map[string]push.Payload
	expired map[string]bool
}

func (p *recordingPusher) Enabled() bool { return true }

func (p *recordingPusher) Send(_ context.Context, sub model.PushSubscription, payload push.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.expired[sub.Endpoint] {
		return push.ErrExpired
	}
	p.sent[sub.Endpoint] = payload
	return nil
}

type memorySubscriptions struct {
	subs    []model.PushSubscription
	deleted []string
}

func (m *memorySubscriptions) ListByAccount(_ context.Context, accountID int64) ([]model.PushSubscription, error) {
	var out []model.PushSubscription
	for _, s := range m.subs {
		if s.AccountID == accountID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memorySubscriptions) DeleteByEndpoint(_ context.Context, endpoint string) error {
	m.deleted = append(m.deleted, endpoint)
	return nil
}

func TestNotifierPushesAndDropsExpiredSubscriptions(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pusher := &recordingPusher{
		sent:    map[string]push.Payload{},
		expired: map[string]bool{"https://push.example.com/old": true},
	}
	subs := &memorySubscriptions{subs: []model.PushSubscription{
		{ID: 1, AccountID: 7, Endpoint: "https://push.example.com/phone"},
		{ID: 2, AccountID: 7, Endpoint: "https://push.example.com/old"},
		{ID: 3, AccountID: 8, Endpoint: "https://push.example.com/someone-else"},
	}}
	n := NewNotifier(nil, nil, staticAccounts{}, logger).WithPush(pusher, subs)

	n.PaymentResolved(context.Background(), &model.Payment{ID: 1, TransactionID: "GFLIX-1", AccountID: 7, PlanKind: model.PlanYearly, State: model.PaymentCompleted})

	if len(pusher.sent) != 1 {
		t.Fatalf("sent = %v, want one delivery", pusher.sent)
	}
	if got := pusher.sent["https://push.example.com/phone"]; got.Title != "Subscription active" || got.Tag != "payment-GFLIX-1" {
		t.Errorf("payload = %+v", got)
	}
	if len(subs.deleted) != 1 || subs.deleted[0] != "https://push.example.com/old" {
		t.Errorf("deleted = %v, want the expired endpoint", subs.deleted)
	}

	n.PaymentResolved(context.Background(), &model.Payment{ID: 2, TransactionID: "GFLIX-2", AccountID: 7, State: model.PaymentFailed})
	if got := pusher.sent["https://push.example.com/phone"]; got.Title != "Payment failed" {
		t.Errorf("failure payload = %+v", got)
	}
}

func TestOriginPatterns(t *testing.T) {
	tests := []struct {
		baseURL string
		want    []string
	}{
		{"https://gflix.example.com", []string{"gflix.example.com"}},
		{"http://localhost:8080", []string{"localhost:8080"}},
		{"", nil},
	}
	for _, tt := range tests {
		got := originPatterns(tt.baseURL)
		if len(got) != len(tt.want) || (len(got) == 1 && got[0] != tt.want[0]) {
			t.Errorf("originPatterns(%q) = %v, want %v", tt.baseURL, got, tt.want)
		}
	}
}
