package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/gflix/internal/database"
	"github.com/dukerupert/gflix/internal/model"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupAccountTestDB(t *testing.T) (*AccountStore, *PaymentStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAccountStore(db), NewPaymentStore(db)
}

func createTestAccount(t *testing.T, as *AccountStore, email string) *model.Account {
	t.Helper()
	a, err := as.Create(context.Background(), email, "Test", "hash", testNow.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

func TestAccountCreate(t *testing.T) {
	as, _ := setupAccountTestDB(t)

	a := createTestAccount(t, as, "alice@example.com")
	if a.ID == 0 {
		t.Error("expected non-zero ID")
	}
	if a.Status != model.AccountActive {
		t.Errorf("status = %q, want %q", a.Status, model.AccountActive)
	}
	if a.TrialExpiresAt == nil || !a.TrialExpiresAt.Equal(testNow.Add(24*time.Hour)) {
		t.Errorf("trial_expires_at = %v, want %v", a.TrialExpiresAt, testNow.Add(24*time.Hour))
	}
	if a.HasStandingSubscription {
		t.Error("new account should not have a standing subscription")
	}
	if a.ConnectedDevices != 0 {
		t.Errorf("connected_devices = %d, want 0", a.ConnectedDevices)
	}
}

func TestAccountCreateDuplicateEmail(t *testing.T) {
	as, _ := setupAccountTestDB(t)

	createTestAccount(t, as, "alice@example.com")
	if _, err := as.Create(context.Background(), "alice@example.com", "Other", "hash", testNow); err == nil {
		t.Fatal("expected error for duplicate email, got nil")
	}
}

func TestAccountGetByIDNotFound(t *testing.T) {
	as, _ := setupAccountTestDB(t)

	a, err := as.GetByID(context.Background(), 999)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if a != nil {
		t.Error("expected nil for nonexistent id")
	}
}

func TestAccountGetByEmail(t *testing.T) {
	as, _ := setupAccountTestDB(t)

	created := createTestAccount(t, as, "alice@example.com")
	a, err := as.GetByEmail(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if a == nil || a.ID != created.ID {
		t.Fatalf("got %+v, want account %d", a, created.ID)
	}
}

func TestAccountUpdateStatus(t *testing.T) {
	as, _ := setupAccountTestDB(t)
	ctx := context.Background()

	a := createTestAccount(t, as, "alice@example.com")
	if err := as.UpdateStatus(ctx, a.ID, model.AccountSuspended); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ := as.GetByID(ctx, a.ID)
	if got.Status != model.AccountSuspended {
		t.Errorf("status = %q, want %q", got.Status, model.AccountSuspended)
	}
	if got.CanAuthenticate() {
		t.Error("suspended account should not authenticate")
	}
}

func TestAccountDeviceBounds(t *testing.T) {
	as, _ := setupAccountTestDB(t)
	ctx := context.Background()

	a := createTestAccount(t, as, "alice@example.com")
	for i := 0; i < 2; i++ {
		ok, err := as.IncrementDevices(ctx, a.ID, 2)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("increment %d should succeed", i)
		}
	}
	ok, err := as.IncrementDevices(ctx, a.ID, 2)
	if err != nil {
		t.Fatalf("increment at capacity: %v", err)
	}
	if ok {
		t.Error("third increment should be refused")
	}

	for i := 0; i < 3; i++ {
		if _, err := as.DecrementDevices(ctx, a.ID); err != nil {
			t.Fatalf("decrement %d: %v", i, err)
		}
	}
	got, _ := as.GetByID(ctx, a.ID)
	if got.ConnectedDevices != 0 {
		t.Errorf("connected_devices = %d, want 0", got.ConnectedDevices)
	}
}

func TestAccountConcurrentIncrement(t *testing.T) {
	as, _ := setupAccountTestDB(t)
	ctx := context.Background()
	a := createTestAccount(t, as, "alice@example.com")

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := as.IncrementDevices(ctx, a.ID, 2)
			if err != nil {
				t.Errorf("increment: %v", err)
				return
			}
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 2 {
		t.Errorf("granted = %d, want 2", granted)
	}
	got, _ := as.GetByID(ctx, a.ID)
	if got.ConnectedDevices != 2 {
		t.Errorf("connected_devices = %d, want 2", got.ConnectedDevices)
	}
}

func TestAccountClearLapsedStanding(t *testing.T) {
	as, ps := setupAccountTestDB(t)
	ctx := context.Background()

	lapsed := createTestAccount(t, as, "lapsed@example.com")
	current := createTestAccount(t, as, "current@example.com")

	completeTestPayment(t, ps, lapsed.ID, "TX-LAPSED", testNow.Add(-time.Hour))
	completeTestPayment(t, ps, current.ID, "TX-CURRENT", testNow.Add(time.Hour))

	n, err := as.ClearLapsedStanding(ctx, testNow)
	if err != nil {
		t.Fatalf("clear lapsed: %v", err)
	}
	if n != 1 {
		t.Errorf("cleared = %d, want 1", n)
	}

	got, _ := as.GetByID(ctx, lapsed.ID)
	if got.HasStandingSubscription {
		t.Error("lapsed account should lose standing subscription")
	}
	if got.TrialExpiresAt != nil {
		t.Error("trial must stay retired after the subscription lapses")
	}
	got, _ = as.GetByID(ctx, current.ID)
	if !got.HasStandingSubscription {
		t.Error("current account should keep standing subscription")
	}
}
