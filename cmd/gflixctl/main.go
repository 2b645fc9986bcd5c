// Command gflixctl runs gflix maintenance jobs and ledger reports against the service database.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dukerupert/gflix/internal/config"
	"github.com/dukerupert/gflix/internal/database"
	"github.com/dukerupert/gflix/internal/email"
	"github.com/dukerupert/gflix/internal/gateway"
	"github.com/dukerupert/gflix/internal/gateway/apaym"
	stripegw "github.com/dukerupert/gflix/internal/gateway/stripe"
	"github.com/dukerupert/gflix/internal/logging"
	"github.com/dukerupert/gflix/internal/plan"
	"github.com/dukerupert/gflix/internal/push"
	"github.com/dukerupert/gflix/internal/server"
	"github.com/dukerupert/gflix/internal/store"
)

var (
	olderThan time.Duration
	asJSON    bool
)

var rootCmd = &cobra.Command{
	Use:           "gflixctl",
	Short:         "Maintenance and reporting for the gflix payment service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Verify pending payments older than --older-than with the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServer(cmd.Context(), func(ctx context.Context, _ *sql.DB, srv *server.Server) error {
			report, err := srv.Reconciler().ReconcilePending(ctx, olderThan)
			if err != nil {
				return err
			}
			return output(report, func() {
				fmt.Printf("checked %d, completed %d, failed %d, unsettled %d, errors %d\n",
					report.Checked, report.Completed, report.Failed, report.Unsettled, report.Errors)
			})
		})
	},
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Clear the standing-subscription flag on accounts whose paid windows have all ended",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServer(cmd.Context(), func(ctx context.Context, _ *sql.DB, srv *server.Server) error {
			n, err := srv.Reconciler().ExpireStandingSubscriptions(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("expired %d standing subscriptions\n", n)
			return nil
		})
	},
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Delete expired device sessions and free their slots",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServer(cmd.Context(), func(ctx context.Context, _ *sql.DB, srv *server.Server) error {
			n, err := srv.Limiter().ReapExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("reaped %d sessions\n", n)
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print ledger revenue and transaction counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServer(cmd.Context(), func(ctx context.Context, _ *sql.DB, srv *server.Server) error {
			st, err := srv.Reconciler().Statistics(ctx)
			if err != nil {
				return err
			}
			return output(st, func() {
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "total revenue\t%d\n", st.TotalRevenue)
				fmt.Fprintf(w, "monthly revenue\t%d\n", st.MonthlyRevenue)
				fmt.Fprintf(w, "transactions\t%d\n", st.TotalTransactions)
				fmt.Fprintf(w, "completed\t%d\n", st.CompletedTransactions)
				fmt.Fprintf(w, "failed\t%d\n", st.FailedTransactions)
				fmt.Fprintf(w, "pending\t%d\n", st.PendingTransactions)
				fmt.Fprintf(w, "success rate\t%.2f%%\n", st.SuccessRate)
				w.Flush()
			})
		})
	},
}

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Print the configured plan catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		plans := plan.NewCatalog(plan.Prices{
			Currency:      cfg.Currency,
			Yearly:        cfg.YearlyPrice,
			Daily:         cfg.DailyPrice,
			PremiumYearly: cfg.PremiumYearlyPrice,
		}).List()
		return output(plans, func() {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tPRICE\tDAYS\tDESCRIPTION")
			for _, p := range plans {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", p.Kind, email.FormatAmount(p.Price, p.Currency), p.DurationDays, p.Description)
			}
			w.Flush()
		})
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Upload an encrypted ledger snapshot and prune snapshots past retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServer(cmd.Context(), func(ctx context.Context, _ *sql.DB, srv *server.Server) error {
			snap, err := srv.Snapshots().Run(ctx)
			if err != nil {
				return err
			}
			pruned, err := srv.Snapshots().Prune(ctx)
			if err != nil {
				return err
			}
			return output(snap, func() {
				fmt.Printf("uploaded %s (%d bytes), pruned %d\n", snap.Key, snap.Size, pruned)
			})
		})
	},
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List ledger snapshots in the backup bucket, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServer(cmd.Context(), func(ctx context.Context, _ *sql.DB, srv *server.Server) error {
			snapshots, err := srv.Snapshots().List(ctx)
			if err != nil {
				return err
			}
			return output(snapshots, func() {
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KEY\tSIZE\tCREATED")
				for _, s := range snapshots {
					fmt.Fprintf(w, "%s\t%d\t%s\n", s.Key, s.Size, s.CreatedAt.Format(time.RFC3339))
				}
				w.Flush()
			})
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore KEY TARGET",
	Short: "Download a ledger snapshot and write it to TARGET, which must not exist",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServer(cmd.Context(), func(ctx context.Context, _ *sql.DB, srv *server.Server) error {
			if err := srv.Snapshots().Restore(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("restored %s to %s\n", args[0], args[1])
			return nil
		})
	},
}

var vapidKeysCmd = &cobra.Command{
	Use:   "vapid-keys",
	Short: "Generate a VAPID key pair for VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY",
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, priv, err := push.GenerateVAPIDKeys()
		if err != nil {
			return err
		}
		keys := map[string]string{"VAPID_PUBLIC_KEY": pub, "VAPID_PRIVATE_KEY": priv}
		return output(keys, func() {
			fmt.Printf("VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", pub, priv)
		})
	},
}

var grantAdminCmd = &cobra.Command{
	Use:   "grant-admin EMAIL",
	Short: "Give an account access to the admin endpoints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServer(cmd.Context(), func(ctx context.Context, db *sql.DB, _ *server.Server) error {
			accounts := store.NewAccountStore(db)
			a, err := accounts.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(args[0])))
			if err != nil {
				return err
			}
			if a == nil {
				return fmt.Errorf("no account with email %q", args[0])
			}
			if err := accounts.SetAdmin(ctx, a.ID, true); err != nil {
				return err
			}
			fmt.Printf("account %d is now an admin\n", a.ID)
			return nil
		})
	},
}

func init() {
	reconcileCmd.Flags().DurationVar(&olderThan, "older-than", 30*time.Minute, "only verify pending payments created before now minus this")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print results as JSON")
	rootCmd.AddCommand(reconcileCmd, expireCmd, reapCmd, statsCmd, plansCmd, backupCmd, snapshotsCmd, restoreCmd, vapidKeysCmd, grantAdminCmd)
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withServer opens the database and builds the same services the HTTP server runs.
func withServer(ctx context.Context, fn func(context.Context, *sql.DB, *server.Server) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var gw gateway.Gateway
	if cfg.GatewayProvider == config.ProviderStripe {
		gw = stripegw.New(stripegw.Config{SecretKey: cfg.StripeSecretKey, WebhookSecret: cfg.StripeWebhookSecret})
	} else {
		gw = apaym.NewClient(cfg.ApaymAPIKey, apaym.WithBaseURL(cfg.ApaymBaseURL), apaym.WithTimeout(cfg.GatewayTimeout))
	}
	mailer := email.NewClient(cfg.PostmarkToken, cfg.FromEmail, cfg.BaseURL)

	return fn(ctx, db, server.New(db, cfg, gw, mailer, logger))
}

func output(v any, text func()) error {
	if !asJSON {
		text()
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
