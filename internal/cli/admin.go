package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/karmic-network/karmic/internal/daemon"
	"github.com/karmic-network/karmic/internal/infra/accrual"
)

func init() {
	rootCmd.AddCommand(metricsCmd)
	metricsCmd.AddCommand(metricsShowCmd)
	metricsCmd.AddCommand(metricsSetCmd)

	metricsSetCmd.Flags().String("program-start", "", "Program start (RFC 3339)")
	metricsSetCmd.Flags().Float64("accrual-rate", 0, "Accrual gained per minute")
	metricsSetCmd.Flags().Float64("decay-rate", 0, "Reputation decayed per minute")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing config file")
}

// ─── metrics ────────────────────────────────────────────────────────────────

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Inspect or change the global accrual settings",
}

var metricsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show program start, rates and the global reconciliation marker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
			m, err := d.DB.GetMetrics(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Program start:   %s\n", formatMillis(m.ProgramStart))
			fmt.Fprintf(out, "Accrual rate:    %v /min\n", m.AccrualRatePerMinute)
			fmt.Fprintf(out, "Decay rate:      %v /min\n", m.DecayRatePerMinute)
			fmt.Fprintf(out, "Last reconciled: %s\n", formatMillis(m.LastGlobalReconciledAt))
			return nil
		})
	},
}

var metricsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change program start or rates",
	Long: `Update the stored global metrics. Only the flags given are changed.
The global reconciliation marker is never modified.`,
	Args: cobra.NoArgs,
	RunE: runMetricsSet,
}

func runMetricsSet(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	if !flags.Changed("program-start") && !flags.Changed("accrual-rate") && !flags.Changed("decay-rate") {
		return errors.New("nothing to set: pass --program-start, --accrual-rate or --decay-rate")
	}

	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		m, err := d.DB.GetMetrics(ctx)
		if err != nil {
			return err
		}
		start, accrualRate, decayRate := m.ProgramStart, m.AccrualRatePerMinute, m.DecayRatePerMinute

		if flags.Changed("program-start") {
			raw, _ := flags.GetString("program-start")
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return fmt.Errorf("--program-start: %w", err)
			}
			start = accrual.RoundToMinute(t.UnixMilli())
		}
		if flags.Changed("accrual-rate") {
			accrualRate, _ = flags.GetFloat64("accrual-rate")
		}
		if flags.Changed("decay-rate") {
			decayRate, _ = flags.GetFloat64("decay-rate")
		}
		if accrualRate < 0 || decayRate < 0 {
			return errors.New("rates must be >= 0")
		}

		if err := d.DB.UpsertMetricsConfig(ctx, start, accrualRate, decayRate); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Metrics updated: start %s, accrual %v/min, decay %v/min\n",
			formatMillis(start), accrualRate, decayRate)
		return nil
	})
}

// ─── config ─────────────────────────────────────────────────────────────────

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the karmic config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := resolvedConfigPath()
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := daemon.DefaultConfig().Save(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Config written to %s\n", path)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file for errors",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := resolvedConfigPath()
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
		if _, err := daemon.LoadConfig(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ %s is valid\n", path)
		return nil
	},
}
