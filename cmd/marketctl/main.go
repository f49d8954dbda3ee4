package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/creatorbot/market-engine/internal/app"
	"github.com/creatorbot/market-engine/internal/config"
	"github.com/creatorbot/market-engine/internal/model"
	"github.com/creatorbot/market-engine/internal/orders"
	"github.com/creatorbot/market-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:          "marketctl",
		Short:        "Administer the guild stock market",
		SilenceUsage: true,
	}
	var verbose bool
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at info level")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if verbose {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
		}
	}

	root.AddCommand(
		newMigrateCmd(),
		newExportCmd(),
		newImportCmd(),
		newTickCmd(),
		newDividendsCmd(),
		newExpireCmd(),
		newOrdersCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// withApp builds the app from the environment, runs fn and flushes queued
// notifications before closing it.
func withApp(cmd *cobra.Command, autoMigrate bool, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.AutoMigrate = autoMigrate

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()

	bgCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan error, 1)
	go func() { done <- a.Background(bgCtx) }()

	runErr := fn(ctx, a)
	stop()
	select {
	case err := <-done:
		runErr = errors.Join(runErr, err)
	case <-time.After(cfg.ShutdownTimeout):
		runErr = errors.Join(runErr, errors.New("timed out flushing notifications"))
	}
	return runErr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				if a.Pool == nil {
					return errors.New("DATABASE_URL is required")
				}
				if err := store.Migrate(ctx, a.Pool); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
				return nil
			})
		},
	}
}

func newExportCmd() *cobra.Command {
	var guildID, file string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a guild's listings as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				w := cmd.OutOrStdout()
				if file != "" {
					f, err := os.Create(file)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				return a.Catalog.Export(ctx, guildID, w)
			})
		},
	}
	cmd.Flags().StringVar(&guildID, "guild", "", "guild ID")
	cmd.Flags().StringVarP(&file, "file", "f", "", "output file (default stdout)")
	cmd.MarkFlagRequired("guild")
	return cmd
}

func newImportCmd() *cobra.Command {
	var guildID, file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create or update listings from a YAML document",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				rep, err := a.Catalog.Import(ctx, guildID, f)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "created: %d, updated: %d, failed: %d\n",
					len(rep.Created), len(rep.Updated), len(rep.Failed))
				for sym, err := range rep.Failed {
					fmt.Fprintf(out, "  %s: %v\n", sym, err)
				}
				return rep.Err
			})
		},
	}
	cmd.Flags().StringVar(&guildID, "guild", "", "guild ID")
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML document to import")
	cmd.MarkFlagRequired("guild")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newTickCmd() *cobra.Command {
	var guildID string
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one price tick for a guild",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				rep, err := a.Prices.Tick(ctx, guildID)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
				return rep.Err
			})
		},
	}
	cmd.Flags().StringVar(&guildID, "guild", "", "guild ID")
	cmd.MarkFlagRequired("guild")
	return cmd
}

func newDividendsCmd() *cobra.Command {
	var guildID, stockID string
	cmd := &cobra.Command{
		Use:   "dividends",
		Short: "Pay due dividends for a guild, or one stock's dividend now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				if stockID != "" {
					rep, err := a.Scheduler.PayStockDividend(ctx, guildID, stockID)
					if rep != nil {
						if perr := printJSON(cmd.OutOrStdout(), rep); perr != nil {
							return perr
						}
					}
					return err
				}
				reports, err := a.Scheduler.PayGuildDividends(ctx, guildID, time.Now().UTC())
				if perr := printJSON(cmd.OutOrStdout(), reports); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&guildID, "guild", "", "guild ID")
	cmd.Flags().StringVar(&stockID, "stock", "", "pay this stock immediately instead of the due ones")
	cmd.MarkFlagRequired("guild")
	return cmd
}

func newExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire-events",
		Short: "Deactivate market events whose duration has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				n, err := a.Events.ExpireDue(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired %d events\n", n)
				return nil
			})
		},
	}
}

func newOrdersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Inspect and settle orders interrupted mid-fill",
	}
	cmd.AddCommand(newOrdersStuckCmd(), newOrdersResolveCmd())
	return cmd
}

func newOrdersStuckCmd() *cobra.Command {
	var guildID string
	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "List orders left in the filling state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				stuck, err := a.Orders.Stuck(ctx, guildID)
				if err != nil {
					return err
				}
				if stuck == nil {
					stuck = []model.Order{}
				}
				return printJSON(cmd.OutOrStdout(), stuck)
			})
		},
	}
	cmd.Flags().StringVar(&guildID, "guild", "", "guild ID")
	cmd.MarkFlagRequired("guild")
	return cmd
}

func newOrdersResolveCmd() *cobra.Command {
	var guildID, orderID, status, price, reason string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Settle a stuck order as executed or failed",
		Long: "Settle a stuck order. Check the user's history first: if a trade\n" +
			"transaction exists for the order, resolve it as executed with that price.",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := orders.ResolveInput{
				GuildID: guildID,
				OrderID: orderID,
				Status:  model.OrderStatus(status),
				Reason:  reason,
			}
			if price != "" {
				p, err := decimal.NewFromString(price)
				if err != nil {
					return fmt.Errorf("invalid --price: %w", err)
				}
				in.FillPrice = &p
			}
			return withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				o, err := a.Orders.Resolve(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), o)
			})
		},
	}
	cmd.Flags().StringVar(&guildID, "guild", "", "guild ID")
	cmd.Flags().StringVar(&orderID, "order", "", "order ID")
	cmd.Flags().StringVar(&status, "status", "", "executed or failed")
	cmd.Flags().StringVar(&price, "price", "", "fill price, required for executed")
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	cmd.MarkFlagRequired("guild")
	cmd.MarkFlagRequired("order")
	cmd.MarkFlagRequired("status")
	return cmd
}
