package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dukerupert/gflix/internal/model"
	"github.com/dukerupert/gflix/internal/push"
	ws "github.com/dukerupert/gflix/internal/websocket"
)

const (
	emailTimeout = 10 * time.Second
	pushTimeout  = 10 * time.Second
)

type Mailer interface {
	Configured() bool
	SendReceipt(ctx context.Context, toEmail, name string, p model.Payment) error
	SendPaymentFailed(ctx context.Context, toEmail, name string, p model.Payment) error
}

type AccountReader interface {
	GetByID(ctx context.Context, id int64) (*model.Account, error)
}

type PushSender interface {
	Enabled() bool
	Send(ctx context.Context, sub model.PushSubscription, payload push.Payload) error
}

type PushSubscriptions interface {
	ListByAccount(ctx context.Context, accountID int64) ([]model.PushSubscription, error)
	DeleteByEndpoint(ctx context.Context, endpoint string) error
}

// Notifier fans a resolved payment out to the account's live websocket clients, its
// subscribed browsers and its mailbox. Delivery failures are logged and never reach the
// payment flow.
type Notifier struct {
	hub      *ws.Hub
	mailer   Mailer
	accounts AccountReader
	pusher   PushSender
	subs     PushSubscriptions
	logger   *slog.Logger
}

func NewNotifier(hub *ws.Hub, mailer Mailer, accounts AccountReader, logger *slog.Logger) *Notifier {
	return &Notifier{hub: hub, mailer: mailer, accounts: accounts, logger: logger}
}

// WithPush enables Web Push delivery to the account's registered browsers.
func (n *Notifier) WithPush(pusher PushSender, subs PushSubscriptions) *Notifier {
	n.pusher = pusher
	n.subs = subs
	return n
}

func (n *Notifier) PaymentResolved(ctx context.Context, p *model.Payment) {
	extra := map[string]any{
		"transaction_id": p.TransactionID,
		"plan_kind":      p.PlanKind,
	}
	var msg ws.Message
	if p.State == model.PaymentCompleted {
		extra["subscription_ends_at"] = p.SubscriptionEndsAt
		msg = ws.NewMessage("subscription", "activated", p.ID, extra)
	} else {
		msg = ws.NewMessage("payment", "failed", p.ID, extra)
	}
	if n.hub != nil {
		n.hub.SendTo(p.AccountID, msg)
	}
	n.push(ctx, p)

	if n.mailer == nil || !n.mailer.Configured() {
		return
	}
	account, err := n.accounts.GetByID(ctx, p.AccountID)
	if err != nil || account == nil {
		n.logger.Warn("notify: load account", "account_id", p.AccountID, "error", err)
		return
	}

	mctx, cancel := context.WithTimeout(ctx, emailTimeout)
	defer cancel()
	if p.State == model.PaymentCompleted {
		err = n.mailer.SendReceipt(mctx, account.Email, account.Name, *p)
	} else {
		err = n.mailer.SendPaymentFailed(mctx, account.Email, account.Name, *p)
	}
	if err != nil {
		n.logger.Error("notify: send email", "transaction_id", p.TransactionID, "error", err)
	}
}

func (n *Notifier) push(ctx context.Context, p *model.Payment) {
	if n.pusher == nil || n.subs == nil || !n.pusher.Enabled() {
		return
	}
	subs, err := n.subs.ListByAccount(ctx, p.AccountID)
	if err != nil {
		n.logger.Error("notify: list push subscriptions", "account_id", p.AccountID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload := push.PaymentPayload(*p)
	pctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()
	for _, sub := range subs {
		err := n.pusher.Send(pctx, sub, payload)
		switch {
		case errors.Is(err, push.ErrExpired):
			if err := n.subs.DeleteByEndpoint(pctx, sub.Endpoint); err != nil {
				n.logger.Error("notify: drop expired push subscription", "id", sub.ID, "error", err)
			}
		case err != nil:
			n.logger.Warn("notify: send push", "id", sub.ID, "error", err)
		}
	}
}
