// escrowctl is the operator CLI: it runs sweeps on demand, works the anomaly
// queue and issues API tokens.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/taskup/backend/internal/app"
	"github.com/taskup/backend/internal/auth"
	"github.com/taskup/backend/internal/config"
	"github.com/taskup/backend/internal/execution"
	"github.com/taskup/backend/internal/ledger"
	"github.com/taskup/backend/internal/models"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "escrowctl",
		Short:         "Operate the escrow service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (defaults to $ESCROW_CONFIG)")
	load := func() (*config.Config, error) { return config.Load(configPath) }

	root.AddCommand(sweepCmd(load))
	root.AddCommand(anomaliesCmd(load))
	root.AddCommand(purgeCmd(load))
	root.AddCommand(tokenCmd(load))
	root.AddCommand(ordersCmd(load))
	root.AddCommand(walletCmd(load))
	return root
}

type loader func() (*config.Config, error)

// withApp connects to the database and assembles the service without
// starting any workers.
func withApp(ctx context.Context, load loader, fn func(a *app.App) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("%w: database_url is required", config.ErrConfig)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()
	a, err := app.New(ctx, cfg, pool, logger, app.Options{})
	if err != nil {
		return err
	}
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// sweepName accepts the dashed CLI spelling of a sweep.
func sweepName(arg string) string {
	return strings.ReplaceAll(strings.ToLower(arg), "-", "_")
}

func sweepCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:       "sweep {auto-complete|expire-unpaid|lock-offers|reconcile}",
		Short:     "Run one scheduler sweep now",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"auto-complete", "expire-unpaid", "lock-offers", "reconcile"},
		RunE: func(cmd *cobra.Command, args []string) error {
			name := sweepName(args[0])
			return withApp(cmd.Context(), load, func(a *app.App) error {
				fn, ok := execution.Sweeps(a.Scheduler)[name]
				if !ok {
					return fmt.Errorf("unknown sweep %q", args[0])
				}
				res, err := fn(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func anomaliesCmd(load loader) *cobra.Command {
	var all bool
	var limit int
	cmd := &cobra.Command{
		Use:   "anomalies",
		Short: "List open anomalies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), load, func(a *app.App) error {
				list, err := a.Anomalies.List(cmd.Context(), all, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), list)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved anomalies")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")

	var by, resolution string
	resolve := &cobra.Command{
		Use:   "resolve [anomaly-id]",
		Short: "Mark an anomaly resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid anomaly id: %w", err)
			}
			if resolution == "" {
				return fmt.Errorf("--resolution is required")
			}
			return withApp(cmd.Context(), load, func(a *app.App) error {
				return a.Anomalies.Resolve(cmd.Context(), id, by, resolution)
			})
		},
	}
	resolve.Flags().StringVar(&by, "by", os.Getenv("USER"), "operator name")
	resolve.Flags().StringVar(&resolution, "resolution", "", "what was done")
	cmd.AddCommand(resolve)
	return cmd
}

func purgeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired idempotency keys and webhook records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), load, func(a *app.App) error {
				n, err := a.Keys.Purge(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d rows\n", n)
				return nil
			})
		},
	}
}

func tokenCmd(load loader) *cobra.Command {
	var subject, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the escrow API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.OperatorJWTSecret == "" {
				return fmt.Errorf("%w: operator.jwt_secret is required", config.ErrConfig)
			}
			sub := uuid.New()
			if subject != "" {
				if sub, err = uuid.Parse(subject); err != nil {
					return fmt.Errorf("invalid subject: %w", err)
				}
			}
			tok, err := auth.NewService(cfg.OperatorJWTSecret).Issue(cmd.Context(), sub, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject uuid (random when empty)")
	cmd.Flags().StringVar(&role, "role", auth.RoleOperator, "user, service or operator")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// orderLedger is one funding attempt with its ledger and running balance.
type orderLedger struct {
	Order    *models.Order        `json:"order"`
	Entries  []models.LedgerEntry `json:"ledger"`
	Balance  ledger.Balance       `json:"balance"`
	Escrowed int64                `json:"escrowed"`
}

type taskOrders struct {
	Task   *models.Task  `json:"task"`
	Orders []orderLedger `json:"orders"`
}

// ledgerView folds each order's entries into a balance, oldest order first as
// listed by the caller.
func ledgerView(ctx context.Context, task *models.Task, orders []*models.Order,
	list func(ctx context.Context, orderID uuid.UUID) ([]models.LedgerEntry, error)) (*taskOrders, error) {
	view := &taskOrders{Task: task, Orders: make([]orderLedger, 0, len(orders))}
	for _, o := range orders {
		entries, err := list(ctx, o.ID)
		if err != nil {
			return nil, fmt.Errorf("ledger for order %s: %w", o.ID, err)
		}
		b := ledger.Summarize(entries)
		view.Orders = append(view.Orders, orderLedger{Order: o, Entries: entries, Balance: b, Escrowed: b.Escrowed()})
	}
	return view, nil
}

func ordersCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "orders [task-id]",
		Short: "Show every funding attempt for a task with its ledger balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task id: %w", err)
			}
			return withApp(cmd.Context(), load, func(a *app.App) error {
				task, err := a.Tasks.GetByID(cmd.Context(), taskID)
				if err != nil {
					return fmt.Errorf("task %s: %w", taskID, err)
				}
				orders, err := a.Orders.ListByTask(cmd.Context(), taskID)
				if err != nil {
					return err
				}
				view, err := ledgerView(cmd.Context(), task, orders, a.Ledger.ListByOrder)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), view)
			})
		},
	}
}

func walletCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "wallet [user-id]",
		Short: "Show a user's cashback entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			return withApp(cmd.Context(), load, func(a *app.App) error {
				entries, err := a.Wallet.ListByUser(cmd.Context(), userID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
}
