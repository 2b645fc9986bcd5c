package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/gflix/internal/ads"
	"github.com/dukerupert/gflix/internal/auth"
	"github.com/dukerupert/gflix/internal/backup"
	"github.com/dukerupert/gflix/internal/config"
	"github.com/dukerupert/gflix/internal/device"
	"github.com/dukerupert/gflix/internal/email"
	"github.com/dukerupert/gflix/internal/entitlement"
	"github.com/dukerupert/gflix/internal/gateway"
	stripegw "github.com/dukerupert/gflix/internal/gateway/stripe"
	"github.com/dukerupert/gflix/internal/handler"
	"github.com/dukerupert/gflix/internal/middleware"
	"github.com/dukerupert/gflix/internal/payment"
	"github.com/dukerupert/gflix/internal/plan"
	"github.com/dukerupert/gflix/internal/push"
	"github.com/dukerupert/gflix/internal/store"
	ws "github.com/dukerupert/gflix/internal/websocket"
)

type Server struct {
	hub         *ws.Hub
	authH       *handler.AuthHandler
	paymentH    *handler.PaymentHandler
	accessH     *handler.AccessHandler
	pushH       *handler.PushHandler
	webhookH    *handler.WebhookHandler
	issuer      *auth.Issuer
	sessions    *store.SessionStore
	accounts    *store.AccountStore
	limiter     *device.Limiter
	reconciler  *payment.Reconciler
	snapshots   *backup.Manager
	rateLimiter *middleware.RateLimiter
	clock       clock.Clock
	origins     []string
	logger      *slog.Logger
}

type Option func(*options)

type options struct {
	clock clock.Clock
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New wires the stores, services and handlers over one database. The Stripe webhook
// route is only mounted when gw is the Stripe gateway.
func New(db *sql.DB, cfg config.Config, gw gateway.Gateway, mailer *email.Client, logger *slog.Logger, opts ...Option) *Server {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	clk := o.clock

	accounts := store.NewAccountStore(db)
	sessions := store.NewSessionStore(db)
	ledger := store.NewPaymentStore(db)
	catalog := plan.NewCatalog(plan.Prices{
		Currency:      cfg.Currency,
		Yearly:        cfg.YearlyPrice,
		Daily:         cfg.DailyPrice,
		PremiumYearly: cfg.PremiumYearlyPrice,
	})

	hub := ws.NewHub(logger.With("component", "websocket"))
	entitlements := entitlement.NewService(accounts, ledger, logger,
		entitlement.WithClock(clk),
		entitlement.WithCache(cfg.EntitlementCacheSize, cfg.EntitlementCacheTTL),
	)
	limiter := device.NewLimiter(accounts, sessions, cfg.MaxDevices, clk, logger)
	issuer := auth.NewIssuer(cfg.JWTSecret, clk)

	reconcilerOpts := []payment.Option{payment.WithClock(clk)}
	var mail Mailer
	if mailer != nil {
		mail = mailer
	}
	pushService := push.NewService(push.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subject:         cfg.VAPIDSubject,
	})
	pushSubs := store.NewPushStore(db)
	reconcilerOpts = append(reconcilerOpts, payment.WithNotifier(
		NewNotifier(hub, mail, accounts, logger.With("component", "notify")).WithPush(pushService, pushSubs),
	))
	reconciler := payment.New(ledger, accounts, catalog, gw, entitlements, payment.Config{
		CallbackURL:    cfg.BaseURL + "/api/payments/callback",
		ReturnURL:      cfg.BaseURL + "/payments/return",
		CancelURL:      cfg.BaseURL + "/payments/cancel",
		CallbackSecret: cfg.CallbackSecret,
		GatewayTimeout: cfg.GatewayTimeout,
	}, logger, reconcilerOpts...)

	snapshots := backup.NewManager(backup.Config{
		S3: backup.S3Config{
			Endpoint:  cfg.BackupEndpoint,
			Bucket:    cfg.BackupBucket,
			Region:    cfg.BackupRegion,
			AccessKey: cfg.BackupAccessKey,
			SecretKey: cfg.BackupSecretKey,
		},
		Passphrase: cfg.BackupPassphrase,
		Retention:  cfg.BackupRetention,
	}, db, logger.With("component", "backup"), backup.WithClock(clk))

	s := &Server{
		hub: hub,
		authH: handler.NewAuthHandler(accounts, sessions, limiter, entitlements, issuer, clk, handler.AuthConfig{
			TrialPeriod: cfg.TrialPeriod,
			TokenTTL:    cfg.TokenTTL,
		}, logger.With("component", "auth")),
		paymentH:    handler.NewPaymentHandler(reconciler, catalog, accounts, entitlements, logger.With("component", "payment_handler")),
		accessH:     handler.NewAccessHandler(entitlements, ads.NewPolicy(entitlements), logger.With("component", "access")),
		pushH:       handler.NewPushHandler(pushSubs, pushService, logger.With("component", "push")),
		issuer:      issuer,
		sessions:    sessions,
		accounts:    accounts,
		limiter:     limiter,
		reconciler:  reconciler,
		snapshots:   snapshots,
		rateLimiter: middleware.NewRateLimiter(clk),
		clock:       clk,
		origins:     originPatterns(cfg.BaseURL),
		logger:      logger,
	}
	if sg, ok := gw.(*stripegw.Gateway); ok {
		s.webhookH = handler.NewWebhookHandler(sg, reconciler, logger.With("component", "webhook"))
	}
	return s
}

// Limiter returns the device limiter for the session reaper.
func (s *Server) Limiter() *device.Limiter {
	return s.limiter
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Reconciler() *payment.Reconciler {
	return s.reconciler
}

// Snapshots returns the ledger backup manager. It is disabled when no bucket is configured.
func (s *Server) Snapshots() *backup.Manager {
	return s.snapshots
}

func (s *Server) Hub() *ws.Hub {
	return s.hub
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes
	outerMux.HandleFunc("POST /api/auth/register", s.rateLimitedHandler(s.authH.Register, 10))
	outerMux.HandleFunc("POST /api/auth/login", s.rateLimitedHandler(s.authH.Login, 10))
	outerMux.HandleFunc("GET /api/plans", s.paymentH.Plans)
	outerMux.HandleFunc("POST /api/payments/callback", s.rateLimitedHandler(s.paymentH.Callback, 60))
	outerMux.HandleFunc("GET /payments/return", s.rateLimitedHandler(s.paymentH.Landing, 60))
	outerMux.HandleFunc("GET /payments/cancel", s.rateLimitedHandler(s.paymentH.Landing, 60))
	if s.webhookH != nil {
		outerMux.HandleFunc("POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)
	}
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.Handle("GET /metrics", promhttp.Handler())

	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	authMiddleware := middleware.RequireAuth(s.issuer, s.sessions, s.accounts, s.clock)
	outerMux.Handle("/", authMiddleware(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/logout", s.authH.Logout)
	mux.HandleFunc("GET /api/auth/me", s.authH.Me)

	mux.HandleFunc("POST /api/payments/initialize", s.paymentH.Initialize)
	mux.HandleFunc("POST /api/payments/verify", s.paymentH.Verify)
	mux.HandleFunc("POST /api/payments/cancel", s.paymentH.Cancel)
	mux.HandleFunc("GET /api/payments/history", s.paymentH.History)
	mux.HandleFunc("GET /api/subscription", s.paymentH.Subscription)

	mux.HandleFunc("GET /api/stream/access", s.accessH.Stream)
	mux.HandleFunc("GET /api/ads/eligibility", s.accessH.AdsEligibility)

	mux.HandleFunc("GET /api/push/vapid-key", s.pushH.VAPIDKey)
	mux.HandleFunc("GET /api/push/subscriptions", s.pushH.ListSubscriptions)
	mux.HandleFunc("POST /api/push/subscriptions", s.pushH.Subscribe)
	mux.HandleFunc("DELETE /api/push/subscriptions", s.pushH.Unsubscribe)

	mux.Handle("GET /api/admin/payments/stats", middleware.RequireAdmin(http.HandlerFunc(s.paymentH.Stats)))

	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.origins, s.logger.With("component", "websocket")))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc, perMinute int) http.HandlerFunc {
	rl := middleware.RateLimit(s.rateLimiter, middleware.PathAndIP, perMinute, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}

// originPatterns allows websocket upgrades from the public origin's host.
func originPatterns(baseURL string) []string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Host}
}
