package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/karmic-network/karmic/internal/app/transfer"
	"github.com/karmic-network/karmic/internal/daemon"
	"github.com/karmic-network/karmic/internal/domain"
)

func init() {
	rootCmd.AddCommand(transferCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(historyCmd)
	accountCmd.AddCommand(accountCreateCmd)
	accountCmd.AddCommand(accountShowCmd)
	accountCmd.AddCommand(accountListCmd)

	transferCmd.Flags().StringP("reason", "r", "", "Free-text reason recorded with the transfer")
	historyCmd.Flags().IntP("limit", "n", 10, "Number of transfers to show")
}

// ─── transfer ───────────────────────────────────────────────────────────────

var transferCmd = &cobra.Command{
	Use:   "transfer FROM TO AMOUNT",
	Short: "Move accrual from one account to another's reputation",
	Long: `Debit AMOUNT from the sender's accrual balance and credit it to the
receiver's reputation balance in one atomic write.`,
	Args: cobra.ExactArgs(3),
	RunE: runTransfer,
}

func runTransfer(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return fmt.Errorf("amount %q: %w", args[2], domain.ErrInvalidAmount)
	}
	reason, _ := cmd.Flags().GetString("reason")

	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		res, err := d.Transfers.Transfer(ctx, transfer.Request{
			From:   args[0],
			To:     args[1],
			Amount: amount,
			Reason: reason,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		rec := res.Record
		fmt.Fprintf(out, "✅ Transferred %s from %s to %s (id %s)\n",
			formatBalance(rec.Amount), rec.FromAccountID, rec.ToAccountID, rec.ID)
		fmt.Fprintf(out, "   %s accrual:    %s\n", res.From.ID, formatBalance(res.From.AccrualBalance))
		fmt.Fprintf(out, "   %s reputation: %s\n", res.To.ID, formatBalance(res.To.ReputationBalance))
		if res.AuditErr != nil {
			fmt.Fprintf(out, "⚠️  Transfer applied but not recorded in history: %v\n", res.AuditErr)
		}
		return nil
	})
}

// ─── account ────────────────────────────────────────────────────────────────

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage accounts",
}

var accountCreateCmd = &cobra.Command{
	Use:   "create ACCOUNT_ID",
	Short: "Create an account with zero balances",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			a, err := d.Accounts.Create(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Account %q created\n", a.ID)
			return nil
		})
	},
}

var accountShowCmd = &cobra.Command{
	Use:   "show ACCOUNT_ID",
	Short: "Show an account's balances",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			a, err := d.Accounts.Get(ctx, args[0])
			if err != nil {
				return err
			}
			printAccount(cmd.OutOrStdout(), a)
			return nil
		})
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all accounts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			list, err := d.Accounts.List(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No accounts.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tACCRUAL\tREPUTATION\tRECONCILED AT")
			for _, a := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.ID,
					formatBalance(a.AccrualBalance), formatBalance(a.ReputationBalance), formatMillis(a.LastReconciledAt))
			}
			return tw.Flush()
		})
	},
}

// ─── history ────────────────────────────────────────────────────────────────

var historyCmd = &cobra.Command{
	Use:   "history ACCOUNT_ID",
	Short: "Show recent transfers sent or received by an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			records, err := d.Accounts.History(ctx, args[0], limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No transfers.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tFROM\tTO\tAMOUNT\tREASON")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					formatMillis(r.Timestamp), r.FromAccountID, r.ToAccountID, formatBalance(r.Amount), r.Reason)
			}
			return tw.Flush()
		})
	},
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func printAccount(w io.Writer, a *domain.Account) {
	fmt.Fprintf(w, "Account:       %s\n", a.ID)
	fmt.Fprintf(w, "Accrual:       %s\n", formatBalance(a.AccrualBalance))
	fmt.Fprintf(w, "Reputation:    %s\n", formatBalance(a.ReputationBalance))
	fmt.Fprintf(w, "Reconciled at: %s\n", formatMillis(a.LastReconciledAt))
}

func formatBalance(v float64) string {
	return strconv.FormatFloat(v, 'f', domain.BalancePrecision, 64)
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
