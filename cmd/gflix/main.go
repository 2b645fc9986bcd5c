package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dukerupert/gflix/internal/config"
	"github.com/dukerupert/gflix/internal/database"
	"github.com/dukerupert/gflix/internal/email"
	"github.com/dukerupert/gflix/internal/gateway"
	"github.com/dukerupert/gflix/internal/gateway/apaym"
	stripegw "github.com/dukerupert/gflix/internal/gateway/stripe"
	"github.com/dukerupert/gflix/internal/logging"
	"github.com/dukerupert/gflix/internal/server"
)

const (
	reapInterval      = 5 * time.Minute
	reconcileInterval = 15 * time.Minute
	snapshotInterval  = 24 * time.Hour
	// Pending rows younger than this are left to the buyer's own verify and the callback.
	reconcileAge = 30 * time.Minute
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	gw := newGateway(cfg)
	emailClient := email.NewClient(cfg.PostmarkToken, cfg.FromEmail, cfg.BaseURL)
	if !emailClient.Configured() {
		logger.Warn("POSTMARK_TOKEN not set, payment emails disabled")
	}

	srv := server.New(db, cfg, gw, emailClient, logger)
	if !srv.Snapshots().Enabled() {
		logger.Warn("BACKUP_S3_BUCKET not set, ledger snapshots disabled")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.GatewayTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Background maintenance: free the slots of abandoned sessions, settle stale pending
	// payments, keep the standing-subscription flag in step with the ledger and take a
	// daily snapshot when a bucket is configured.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go func() {
		reap := time.NewTicker(reapInterval)
		defer reap.Stop()
		reconcile := time.NewTicker(reconcileInterval)
		defer reconcile.Stop()
		snapshot := time.NewTicker(snapshotInterval)
		defer snapshot.Stop()
		for {
			select {
			case <-reap.C:
				if _, err := srv.Limiter().ReapExpired(bgCtx); err != nil {
					slog.Error("reap expired sessions", "error", err)
				}
				srv.RateLimiter().Cleanup()
			case <-reconcile.C:
				if _, err := srv.Reconciler().ReconcilePending(bgCtx, reconcileAge); err != nil {
					slog.Error("reconcile pending payments", "error", err)
				}
				if _, err := srv.Reconciler().ExpireStandingSubscriptions(bgCtx); err != nil {
					slog.Error("expire standing subscriptions", "error", err)
				}
			case <-snapshot.C:
				if !srv.Snapshots().Enabled() {
					continue
				}
				if _, err := srv.Snapshots().Run(bgCtx); err != nil {
					slog.Error("ledger snapshot", "error", err)
					continue
				}
				if _, err := srv.Snapshots().Prune(bgCtx); err != nil {
					slog.Error("prune ledger snapshots", "error", err)
				}
			case <-bgCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("gflix starting", "addr", ":"+cfg.Port, "gateway", gw.Name())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	bgCancel()
	if n := srv.Hub().CloseAll(); n > 0 {
		slog.Info("closed websocket clients", "count", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func newGateway(cfg config.Config) gateway.Gateway {
	if cfg.GatewayProvider == config.ProviderStripe {
		return stripegw.New(stripegw.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
		})
	}
	return apaym.NewClient(cfg.ApaymAPIKey,
		apaym.WithBaseURL(cfg.ApaymBaseURL),
		apaym.WithTimeout(cfg.GatewayTimeout),
	)
}
