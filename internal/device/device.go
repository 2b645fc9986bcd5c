// Package device bounds the number of concurrent device sessions per account.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/filecoin-project/go-clock"

	"github.com/dukerupert/gflix/internal/metrics"
	"github.com/dukerupert/gflix/internal/model"
)

var (
	ErrAtCapacity      = errors.New("device limit reached")
	ErrAccountNotFound = errors.New("account not found")
)

const DefaultMaxDevices = 2

const reapBatch = 500

type Counter interface {
	GetByID(ctx context.Context, id int64) (*model.Account, error)
	IncrementDevices(ctx context.Context, id int64, max int) (bool, error)
	DecrementDevices(ctx context.Context, id int64) (bool, error)
}

type Sessions interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]model.Session, error)
	Delete(ctx context.Context, id int64) (bool, error)
}

// Limiter enforces the per-account device cap. The count lives on the account row and
// is only changed through conditional updates, so concurrent logins cannot overshoot it.
type Limiter struct {
	counter  Counter
	sessions Sessions
	max      int
	clock    clock.Clock
	logger   *slog.Logger
}

func NewLimiter(counter Counter, sessions Sessions, max int, clk clock.Clock, logger *slog.Logger) *Limiter {
	if max < 1 {
		max = DefaultMaxDevices
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		counter:  counter,
		sessions: sessions,
		max:      max,
		clock:    clk,
		logger:   logger.With("component", "device"),
	}
}

func (l *Limiter) Max() int { return l.max }

// TryAcquire takes a device slot for the account or returns ErrAtCapacity.
func (l *Limiter) TryAcquire(ctx context.Context, accountID int64) error {
	ok, err := l.counter.IncrementDevices(ctx, accountID, l.max)
	if err != nil {
		return fmt.Errorf("acquire device slot: %w", err)
	}
	if ok {
		metrics.DeviceAcquisitions.WithLabelValues("granted").Inc()
		return nil
	}
	a, err := l.counter.GetByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("acquire device slot: %w", err)
	}
	if a == nil {
		return ErrAccountNotFound
	}
	metrics.DeviceAcquisitions.WithLabelValues("at_capacity").Inc()
	return ErrAtCapacity
}

// Release frees a device slot. Releasing with no slot held is a no-op.
func (l *Limiter) Release(ctx context.Context, accountID int64) error {
	if _, err := l.counter.DecrementDevices(ctx, accountID); err != nil {
		return fmt.Errorf("release device slot: %w", err)
	}
	return nil
}

// ReapExpired deletes sessions past their expiry and frees the slot each one held.
// A session removed concurrently by logout is skipped so its slot is not freed twice.
func (l *Limiter) ReapExpired(ctx context.Context) (int, error) {
	reaped := 0
	for {
		expired, err := l.sessions.ListExpired(ctx, l.clock.Now(), reapBatch)
		if err != nil {
			return reaped, fmt.Errorf("list expired sessions: %w", err)
		}
		for _, s := range expired {
			removed, err := l.sessions.Delete(ctx, s.ID)
			if err != nil {
				return reaped, fmt.Errorf("delete expired session: %w", err)
			}
			if !removed {
				continue
			}
			if err := l.Release(ctx, s.AccountID); err != nil {
				return reaped, err
			}
			reaped++
			metrics.SessionsReaped.Inc()
		}
		if len(expired) < reapBatch {
			break
		}
	}
	if reaped > 0 {
		l.logger.Info("reaped expired sessions", "count", reaped)
	}
	return reaped, nil
}
