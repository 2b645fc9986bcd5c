package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dukerupert/gflix/internal/model"
)

var ErrAccountNotFound = errors.New("account not found")

const (
	defaultCacheSize = 10000
	defaultCacheTTL  = 30 * time.Second
)

type AccountReader interface {
	GetByID(ctx context.Context, id int64) (*model.Account, error)
}

type PaymentReader interface {
	ListCompleted(ctx context.Context, accountID int64) ([]model.Payment, error)
}

type cacheEntry struct {
	entitlement model.Entitlement
	storedAt    time.Time
	// next is the earliest trial or subscription end after storedAt, if any.
	next *time.Time
}

// Service evaluates entitlements against the store and caches the result per account.
// A cached entry is reused only while it is younger than the TTL and no trial or
// subscription window it was computed from has ended since.
type Service struct {
	accounts AccountReader
	payments PaymentReader
	clock    clock.Clock
	cache    *lru.Cache[int64, cacheEntry]
	ttl      time.Duration
	logger   *slog.Logger

	// mu orders cache fills against Invalidate. generations counts invalidations per
	// account; a load only fills the cache if no invalidation happened while it ran.
	mu          sync.Mutex
	generations map[int64]uint64
}

type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithCache sets the cache size and TTL. Non-positive values keep the defaults.
func WithCache(size int, ttl time.Duration) Option {
	return func(s *Service) {
		if size > 0 {
			cache, err := lru.New[int64, cacheEntry](size)
			if err == nil {
				s.cache = cache
			}
		}
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func NewService(accounts AccountReader, payments PaymentReader, logger *slog.Logger, opts ...Option) *Service {
	// lru.New only errors on non-positive size.
	cache, _ := lru.New[int64, cacheEntry](defaultCacheSize)
	s := &Service{
		accounts: accounts,
		payments: payments,
		clock:    clock.New(),
		cache:    cache,
		ttl:      defaultCacheTTL,
		logger:   logger.With("component", "entitlement"),

		generations: make(map[int64]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Evaluate returns the entitlement of the account at the service clock's current time.
func (s *Service) Evaluate(ctx context.Context, accountID int64) (model.Entitlement, error) {
	now := s.clock.Now()
	if entry, ok := s.cache.Get(accountID); ok {
		if s.fresh(entry, now) {
			return entry.entitlement, nil
		}
		s.cache.Remove(accountID)
	}

	s.mu.Lock()
	gen := s.generations[accountID]
	s.mu.Unlock()

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return model.Entitlement{}, fmt.Errorf("load account: %w", err)
	}
	if account == nil {
		return model.Entitlement{}, ErrAccountNotFound
	}
	payments, err := s.payments.ListCompleted(ctx, accountID)
	if err != nil {
		return model.Entitlement{}, fmt.Errorf("load payments: %w", err)
	}

	e := Evaluate(account, payments, now)

	s.mu.Lock()
	if s.generations[accountID] == gen {
		s.cache.Add(accountID, cacheEntry{entitlement: e, storedAt: now, next: nextBoundary(account, payments, now)})
	}
	s.mu.Unlock()
	return e, nil
}

// Invalidate drops the cached entitlement so the next Evaluate reads the store. Loads
// already in flight when it runs do not repopulate the cache.
func (s *Service) Invalidate(accountID int64) {
	s.mu.Lock()
	s.generations[accountID]++
	removed := s.cache.Remove(accountID)
	s.mu.Unlock()
	if removed {
		s.logger.Debug("entitlement invalidated", "account_id", accountID)
	}
}

func (s *Service) fresh(entry cacheEntry, now time.Time) bool {
	if now.Before(entry.storedAt) || now.Sub(entry.storedAt) >= s.ttl {
		return false
	}
	return entry.next == nil || entry.next.After(now)
}

func nextBoundary(account *model.Account, payments []model.Payment, now time.Time) *time.Time {
	var next *time.Time
	consider := func(t *time.Time) {
		if t != nil && t.After(now) && (next == nil || t.Before(*next)) {
			next = t
		}
	}
	consider(account.TrialExpiresAt)
	for i := range payments {
		if payments[i].ActiveAt(now) {
			consider(payments[i].SubscriptionEndsAt)
		}
	}
	return next
}
