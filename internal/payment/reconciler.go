// Package payment drives purchase attempts through the ledger's state machine:
// pending rows become completed or failed exactly once, and a completion activates
// the account in the same database transaction.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/dukerupert/gflix/internal/gateway"
	"github.com/dukerupert/gflix/internal/metrics"
	"github.com/dukerupert/gflix/internal/model"
	"github.com/dukerupert/gflix/internal/plan"
)

var (
	ErrInvalidPlan      = errors.New("invalid plan")
	ErrNotFound         = errors.New("transaction not found")
	ErrInvalidSignature = errors.New("invalid callback signature")
	// ErrGateway is transient: the ledger row, if any, is still pending.
	ErrGateway = errors.New("payment gateway error")
)

const (
	transactionPrefix     = "GFLIX-"
	defaultGatewayTimeout = 15 * time.Second
)

// Ledger is the payment table. Complete and Fail only act on pending rows and report
// whether they did.
type Ledger interface {
	Create(ctx context.Context, p model.Payment) (*model.Payment, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*model.Payment, error)
	Complete(ctx context.Context, transactionID string, endsAt, resolvedAt time.Time, payload json.RawMessage) (bool, error)
	Fail(ctx context.Context, transactionID string, resolvedAt time.Time, payload json.RawMessage) (bool, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]model.Payment, error)
	ListByAccount(ctx context.Context, accountID int64, limit, offset int) ([]model.Payment, int64, error)
	Stats(ctx context.Context, monthStart time.Time) (*model.PaymentStats, error)
}

type Accounts interface {
	ClearLapsedStanding(ctx context.Context, now time.Time) (int64, error)
}

// Invalidator drops cached entitlements after an activation.
type Invalidator interface {
	Invalidate(accountID int64)
}

// Notifier is told about every transition this process wins. It runs after commit and
// its failures never affect the ledger.
type Notifier interface {
	PaymentResolved(ctx context.Context, p *model.Payment)
}

type Config struct {
	CallbackURL    string
	ReturnURL      string
	CancelURL      string
	CallbackSecret string
	GatewayTimeout time.Duration
}

type Reconciler struct {
	ledger      Ledger
	accounts    Accounts
	plans       *plan.Catalog
	gateway     gateway.Gateway
	invalidator Invalidator
	notifiers   []Notifier
	clock       clock.Clock
	cfg         Config
	logger      *slog.Logger
	group       singleflight.Group
}

type Option func(*Reconciler)

func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

func WithNotifier(n Notifier) Option {
	return func(r *Reconciler) { r.notifiers = append(r.notifiers, n) }
}

func New(ledger Ledger, accounts Accounts, plans *plan.Catalog, gw gateway.Gateway, invalidator Invalidator, cfg Config, logger *slog.Logger, opts ...Option) *Reconciler {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}
	r := &Reconciler{
		ledger:      ledger,
		accounts:    accounts,
		plans:       plans,
		gateway:     gw,
		invalidator: invalidator,
		clock:       clock.New(),
		cfg:         cfg,
		logger:      logger.With("component", "payment", "gateway", gw.Name()),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type Initiation struct {
	TransactionID string `json:"transaction_id"`
	PaymentURL    string `json:"payment_url"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
}

// Result is the outcome of a verify. AlreadyTerminal is set when the row had been
// resolved before this call, by an earlier call or a concurrent one.
type Result struct {
	TransactionID      string             `json:"transaction_id"`
	State              model.PaymentState `json:"status"`
	Amount             int64              `json:"amount"`
	Currency           string             `json:"currency"`
	PlanKind           model.PlanKind     `json:"plan_kind"`
	SubscriptionEndsAt *time.Time         `json:"subscription_ends_at,omitempty"`
	Details            json.RawMessage    `json:"details"`
	AlreadyTerminal    bool               `json:"already_terminal"`
}

func resultFrom(p *model.Payment, alreadyTerminal bool) *Result {
	return &Result{
		TransactionID:      p.TransactionID,
		State:              p.State,
		Amount:             p.Amount,
		Currency:           p.Currency,
		PlanKind:           p.PlanKind,
		SubscriptionEndsAt: p.SubscriptionEndsAt,
		Details:            p.VerificationPayload,
		AlreadyTerminal:    alreadyTerminal,
	}
}

// Initialize starts a purchase of the plan. The amount is fixed from the catalog now.
// No ledger row is written unless the gateway accepted the transaction.
func (r *Reconciler) Initialize(ctx context.Context, account *model.Account, kind model.PlanKind) (*Initiation, error) {
	p, ok := r.plans.Lookup(kind)
	if !ok {
		return nil, ErrInvalidPlan
	}
	txID := transactionPrefix + uuid.NewString()

	gctx, cancel := context.WithTimeout(ctx, r.cfg.GatewayTimeout)
	defer cancel()
	start := time.Now()
	started, err := r.gateway.InitiateTransaction(gctx, gateway.InitiateRequest{
		Amount:        p.Price,
		Currency:      p.Currency,
		TransactionID: txID,
		CallbackURL:   r.cfg.CallbackURL,
		ReturnURL:     withTransaction(r.cfg.ReturnURL, txID),
		CancelURL:     withTransaction(r.cfg.CancelURL, txID),
		Customer:      gateway.Customer{Email: account.Email, Name: account.Name},
		Metadata: map[string]string{
			"account_id": fmt.Sprint(account.ID),
			"plan_kind":  string(kind),
		},
	})
	metrics.GatewayDuration.WithLabelValues(r.gateway.Name(), "initiate").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PaymentsInitiated.WithLabelValues(string(kind), "gateway_error").Inc()
		r.logger.Warn("gateway initiation failed", "account_id", account.ID, "plan_kind", kind, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	if _, err := r.ledger.Create(ctx, model.Payment{
		TransactionID:    txID,
		AccountID:        account.ID,
		PlanKind:         kind,
		Amount:           p.Price,
		Currency:         p.Currency,
		Gateway:          r.gateway.Name(),
		GatewayReference: started.Reference,
		PaymentURL:       started.PaymentURL,
		CreatedAt:        r.clock.Now(),
	}); err != nil {
		metrics.PaymentsInitiated.WithLabelValues(string(kind), "ledger_error").Inc()
		r.logger.Error("record initiated payment", "transaction_id", txID, "reference", started.Reference, "error", err)
		return nil, fmt.Errorf("record payment: %w", err)
	}

	metrics.PaymentsInitiated.WithLabelValues(string(kind), "ok").Inc()
	r.logger.Info("payment initiated", "transaction_id", txID, "account_id", account.ID, "plan_kind", kind, "amount", p.Price)
	return &Initiation{TransactionID: txID, PaymentURL: started.PaymentURL, Amount: p.Price, Currency: p.Currency}, nil
}

// Lookup returns the ledger row for the transaction or ErrNotFound.
func (r *Reconciler) Lookup(ctx context.Context, transactionID string) (*model.Payment, error) {
	p, err := r.ledger.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	if p == nil {
		return nil, ErrNotFound
	}
	return p, nil
}

// Verify resolves a pending transaction against the gateway. Terminal rows are returned
// as stored without contacting the gateway. Concurrent calls for the same id in this
// process share one gateway query.
func (r *Reconciler) Verify(ctx context.Context, transactionID string) (*Result, error) {
	v, err, _ := r.group.Do(transactionID, func() (any, error) {
		return r.verify(context.WithoutCancel(ctx), transactionID)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*Result)
	return &res, nil
}

func (r *Reconciler) verify(ctx context.Context, transactionID string) (*Result, error) {
	p, err := r.Lookup(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if p.State.Terminal() {
		metrics.VerifyRequests.WithLabelValues("already_terminal").Inc()
		return resultFrom(p, true), nil
	}

	gctx, cancel := context.WithTimeout(ctx, r.cfg.GatewayTimeout)
	defer cancel()
	start := time.Now()
	v, err := r.gateway.QueryStatus(gctx, transactionID, p.GatewayReference)
	metrics.GatewayDuration.WithLabelValues(r.gateway.Name(), "verify").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.VerifyRequests.WithLabelValues("gateway_error").Inc()
		r.logger.Warn("gateway verification failed", "transaction_id", transactionID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	now := r.clock.Now()
	var won bool
	switch v.Outcome() {
	case gateway.OutcomeSucceeded:
		pl, ok := r.plans.Lookup(p.PlanKind)
		if !ok {
			return nil, fmt.Errorf("complete payment %s: %w %q", transactionID, ErrInvalidPlan, p.PlanKind)
		}
		endsAt := now.Add(time.Duration(pl.DurationDays) * 24 * time.Hour)
		won, err = r.ledger.Complete(ctx, transactionID, endsAt, now, v.Raw)
	default:
		won, err = r.ledger.Fail(ctx, transactionID, now, v.Raw)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve payment: %w", err)
	}

	resolved, err := r.Lookup(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !won {
		metrics.VerifyRequests.WithLabelValues("lost_race").Inc()
		r.logger.Info("payment already resolved elsewhere", "transaction_id", transactionID, "state", resolved.State)
		return resultFrom(resolved, true), nil
	}

	r.afterResolve(ctx, resolved)
	return resultFrom(resolved, false), nil
}

func (r *Reconciler) afterResolve(ctx context.Context, p *model.Payment) {
	metrics.VerifyRequests.WithLabelValues(string(p.State)).Inc()
	metrics.PaymentsResolved.WithLabelValues(string(p.PlanKind), string(p.State)).Inc()
	if p.State == model.PaymentCompleted {
		r.invalidator.Invalidate(p.AccountID)
		r.logger.Info("subscription activated",
			"transaction_id", p.TransactionID, "account_id", p.AccountID,
			"plan_kind", p.PlanKind, "ends_at", p.SubscriptionEndsAt)
	} else {
		r.logger.Info("payment failed", "transaction_id", p.TransactionID, "account_id", p.AccountID)
	}
	for _, n := range r.notifiers {
		n.PaymentResolved(ctx, p)
	}
}

func withTransaction(base, txID string) string {
	if base == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "transaction_id=" + url.QueryEscape(txID)
}
