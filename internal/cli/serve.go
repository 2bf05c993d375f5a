package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/karmic-network/karmic/internal/daemon"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(catchUpCmd)
}

// ─── serve ──────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the reconciliation loop",
	Long: `Start the karmic daemon: the HTTP API, the live balance feed and a
reconciliation cycle every [reconcile].interval. Stops on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, err := daemon.New(cfg, cfg.NewLogger(os.Stderr))
	if err != nil {
		return err
	}
	defer d.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "karmic listening on http://%s (data: %s)\n", cfg.Addr(), cfg.DataDir())
	return d.Serve(ctx)
}

// ─── reconcile ──────────────────────────────────────────────────────────────

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation cycle now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			rec, err := d.Reconciler.RunCycle(ctx)
			if rec != nil {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Cycle %s: %s\n", rec.ID, rec.Outcome)
				fmt.Fprintf(out, "  elapsed:   %d min\n", rec.Elapsed)
				fmt.Fprintf(out, "  batched:   %d (%d batches committed)\n", rec.Batched, rec.BatchesCommitted)
				fmt.Fprintf(out, "  caught up: %d (%d failed)\n", rec.CaughtUp, rec.CatchUpFailed)
				fmt.Fprintf(out, "  skipped:   %d\n", rec.Skipped)
			}
			return err
		})
	},
}

// ─── catch-up ───────────────────────────────────────────────────────────────

var catchUpCmd = &cobra.Command{
	Use:   "catch-up ACCOUNT_ID",
	Short: "Bring one account up to date",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			res, err := d.Reconciler.CatchUp(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !res.Applied {
				fmt.Fprintf(out, "%s is up to date\n", res.Account.ID)
			} else {
				fmt.Fprintf(out, "%s caught up %d min\n", res.Account.ID, res.Elapsed)
			}
			printAccount(out, res.Account)
			return nil
		})
	},
}
