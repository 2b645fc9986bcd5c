package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"

	"github.com/dukerupert/gflix/internal/database"
	"github.com/dukerupert/gflix/internal/model"
	"github.com/dukerupert/gflix/internal/store"
)

type testEnv struct {
	svc      *Service
	accounts *store.AccountStore
	payments *store.PaymentStore
	clock    *clock.Mock
}

func setupService(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mock := clock.NewMock()
	mock.Set(now)
	accounts := store.NewAccountStore(db)
	payments := store.NewPaymentStore(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(accounts, payments, logger, WithClock(mock), WithCache(100, time.Minute))
	return &testEnv{svc: svc, accounts: accounts, payments: payments, clock: mock}
}

func (env *testEnv) purchase(t *testing.T, accountID int64, txID string, kind model.PlanKind, d time.Duration) {
	t.Helper()
	ctx := context.Background()
	if _, err := env.payments.Create(ctx, model.Payment{
		TransactionID: txID, AccountID: accountID, PlanKind: kind,
		Amount: 100, Currency: "XOF", Gateway: "test", CreatedAt: env.clock.Now(),
	}); err != nil {
		t.Fatalf("create payment: %v", err)
	}
	ok, err := env.payments.Complete(ctx, txID, env.clock.Now().Add(d), env.clock.Now(), json.RawMessage(`{}`))
	if err != nil || !ok {
		t.Fatalf("complete payment: ok=%v err=%v", ok, err)
	}
	env.svc.Invalidate(accountID)
}

func TestServiceScenarios(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	day := 24 * time.Hour

	a, err := env.accounts.Create(ctx, "alice@example.com", "Alice", "hash", now.Add(day))
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	// Fresh account: trial only.
	e, err := env.svc.Evaluate(ctx, a.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !e.CanStream || !e.ShowsAds || e.IsPremium {
		t.Fatalf("trial entitlement = %+v", e)
	}

	// Long ad-bearing plan.
	env.purchase(t, a.ID, "TX-YEAR", model.PlanYearly, 365*day)
	e, _ = env.svc.Evaluate(ctx, a.ID)
	if !e.CanStream || !e.ShowsAds {
		t.Fatalf("yearly entitlement = %+v", e)
	}
	if e.ActiveUntil == nil || !e.ActiveUntil.Equal(now.Add(365*day)) {
		t.Errorf("ActiveUntil = %v, want %v", e.ActiveUntil, now.Add(365*day))
	}
	acct, _ := env.accounts.GetByID(ctx, a.ID)
	if acct.TrialExpiresAt != nil {
		t.Error("trial should be retired after activation")
	}

	// Short ad-free plan on top.
	env.purchase(t, a.ID, "TX-DAY", model.PlanDaily, day)
	e, _ = env.svc.Evaluate(ctx, a.ID)
	if e.ShowsAds {
		t.Error("daily pass should hide ads")
	}

	// The cached entry must not outlive the daily window.
	env.clock.Add(day + time.Second)
	e, _ = env.svc.Evaluate(ctx, a.ID)
	if !e.ShowsAds {
		t.Error("ads should return once the daily pass lapses")
	}
	if !e.CanStream {
		t.Error("yearly plan should still allow streaming")
	}
}

func TestServiceTrialStaysRetired(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	a, _ := env.accounts.Create(ctx, "bob@example.com", "Bob", "hash", now.Add(24*time.Hour))
	env.purchase(t, a.ID, "TX-DAY", model.PlanDaily, time.Hour)

	env.clock.Add(2 * time.Hour)
	e, err := env.svc.Evaluate(ctx, a.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if e.CanStream {
		t.Error("expired subscription must not fall back to the original trial")
	}
	if e.InTrial || e.TrialExpiresAt != nil {
		t.Errorf("trial should stay cleared, got %+v", e)
	}
}

func TestServiceCachesUntilInvalidated(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	a, _ := env.accounts.Create(ctx, "carol@example.com", "Carol", "hash", now.Add(-time.Hour))
	e, _ := env.svc.Evaluate(ctx, a.ID)
	if e.CanStream {
		t.Fatal("expired trial should not stream")
	}

	// Activate behind the service's back.
	env.payments.Create(ctx, model.Payment{
		TransactionID: "TX-1", AccountID: a.ID, PlanKind: model.PlanPremiumYearly,
		Amount: 1, Currency: "XOF", Gateway: "test", CreatedAt: now,
	})
	env.payments.Complete(ctx, "TX-1", now.Add(time.Hour), now, nil)

	e, _ = env.svc.Evaluate(ctx, a.ID)
	if e.CanStream {
		t.Error("expected cached entitlement before invalidation")
	}

	env.svc.Invalidate(a.ID)
	e, _ = env.svc.Evaluate(ctx, a.ID)
	if !e.CanStream || !e.IsPremium {
		t.Errorf("entitlement after invalidate = %+v", e)
	}
}

// activatingReader completes a purchase and invalidates the service while a load is
// reading payments, then returns the list it read before the purchase.
type activatingReader struct {
	t        *testing.T
	env      *testEnv
	activate bool
}

func (r *activatingReader) ListCompleted(ctx context.Context, accountID int64) ([]model.Payment, error) {
	before, err := r.env.payments.ListCompleted(ctx, accountID)
	if err != nil || !r.activate {
		return before, err
	}
	r.activate = false
	if _, err := r.env.payments.Create(ctx, model.Payment{
		TransactionID: "TX-RACE", AccountID: accountID, PlanKind: model.PlanDaily,
		Amount: 1, Currency: "XOF", Gateway: "test", CreatedAt: now,
	}); err != nil {
		r.t.Fatalf("create payment: %v", err)
	}
	if ok, err := r.env.payments.Complete(ctx, "TX-RACE", now.Add(24*time.Hour), now, nil); err != nil || !ok {
		r.t.Fatalf("complete payment: ok=%v err=%v", ok, err)
	}
	r.env.svc.Invalidate(accountID)
	return before, nil
}

func TestServiceInvalidateDuringLoad(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	a, _ := env.accounts.Create(ctx, "erin@example.com", "Erin", "hash", now.Add(-time.Hour))

	reader := &activatingReader{t: t, env: env, activate: true}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.svc = NewService(env.accounts, reader, logger, WithClock(env.clock), WithCache(100, time.Minute))

	e, err := env.svc.Evaluate(ctx, a.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if e.CanStream {
		t.Fatal("the load read the ledger before the purchase")
	}

	e, err = env.svc.Evaluate(ctx, a.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !e.CanStream || e.ShowsAds {
		t.Errorf("entitlement after concurrent activation = %+v, want streaming without ads", e)
	}
}

func TestServiceCacheTTL(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	a, _ := env.accounts.Create(ctx, "dave@example.com", "Dave", "hash", now.Add(-time.Hour))
	env.svc.Evaluate(ctx, a.ID)

	env.payments.Create(ctx, model.Payment{
		TransactionID: "TX-1", AccountID: a.ID, PlanKind: model.PlanYearly,
		Amount: 1, Currency: "XOF", Gateway: "test", CreatedAt: now,
	})
	env.payments.Complete(ctx, "TX-1", now.Add(48*time.Hour), now, nil)

	env.clock.Add(2 * time.Minute)
	e, _ := env.svc.Evaluate(ctx, a.ID)
	if !e.CanStream {
		t.Error("entry older than the TTL should be re-evaluated")
	}
}

func TestServiceUnknownAccount(t *testing.T) {
	env := setupService(t)

	_, err := env.svc.Evaluate(context.Background(), 42)
	if !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("err = %v, want ErrAccountNotFound", err)
	}
}
