package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockDB(t *testing.T) (*PaymentStore, *AccountStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return NewPaymentStore(db), NewAccountStore(db), mock
}

func TestCompleteRollsBackWhenActivationFails(t *testing.T) {
	ps, _, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE payments\s+SET state = 'completed'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE accounts\s+SET has_standing_subscription = 1`).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	ok, err := ps.Complete(context.Background(), "TX-1", time.Now(), time.Now(), json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error when account activation fails")
	}
	if ok {
		t.Error("failed completion must not report a transition")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCompleteNotPendingSkipsActivation(t *testing.T) {
	ps, _, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE payments\s+SET state = 'completed'`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	ok, err := ps.Complete(context.Background(), "TX-1", time.Now(), time.Now(), nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if ok {
		t.Error("expected no transition")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCompleteBeginError(t *testing.T) {
	ps, _, mock := newMockDB(t)

	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))

	if _, err := ps.Complete(context.Background(), "TX-1", time.Now(), time.Now(), nil); err == nil {
		t.Fatal("expected error when begin fails")
	}
}

func TestStatsQueryError(t *testing.T) {
	ps, _, mock := newMockDB(t)

	mock.ExpectQuery(`SELECT\s+COALESCE\(SUM`).WillReturnError(errors.New("boom"))

	if _, err := ps.Stats(context.Background(), time.Now()); err == nil {
		t.Fatal("expected error when stats query fails")
	}
}

func TestStatsEmptyLedger(t *testing.T) {
	ps, _, mock := newMockDB(t)

	rows := sqlmock.NewRows([]string{"total", "monthly", "count", "completed", "failed", "pending"}).
		AddRow(0, 0, 0, 0, 0, 0)
	mock.ExpectQuery(`SELECT\s+COALESCE\(SUM`).WillReturnRows(rows)

	st, err := ps.Stats(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.SuccessRate != 0 {
		t.Errorf("success rate = %v, want 0", st.SuccessRate)
	}
}

func TestIncrementDevicesExecError(t *testing.T) {
	_, as, mock := newMockDB(t)

	mock.ExpectExec(`UPDATE accounts SET connected_devices = connected_devices \+ 1`).
		WithArgs(int64(7), 3).
		WillReturnError(errors.New("boom"))

	ok, err := as.IncrementDevices(context.Background(), 7, 3)
	if err == nil {
		t.Fatal("expected error")
	}
	if ok {
		t.Error("expected no slot on error")
	}
}
