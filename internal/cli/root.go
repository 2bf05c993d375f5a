// Package cli implements the karmic command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/karmic-network/karmic/internal/api"
	"github.com/karmic-network/karmic/internal/daemon"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "karmic",
	Short: "Accrual and reputation balance service",
	Long: `karmic keeps two balances per account: an accrual balance that grows
every minute and a reputation balance that decays into it. A reconciliation
loop applies elapsed minutes in batches; accounts that fell behind are caught
up individually, and holders can transfer accrual to each other as reputation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $KARMIC_HOME/config.toml)")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the karmic version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "karmic %s\n", api.Version)
	},
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return daemon.DefaultPath()
}

func loadConfig() (daemon.Config, error) {
	return daemon.LoadConfig(resolvedConfigPath())
}

// openDaemon loads config and wires every component against the store. The
// global metrics record is created from config if the store has none.
func openDaemon(ctx context.Context) (*daemon.Daemon, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	d, err := daemon.New(cfg, cfg.NewLogger(os.Stderr))
	if err != nil {
		return nil, err
	}
	if _, err := d.SeedMetrics(ctx, time.Now()); err != nil {
		d.Close()
		return nil, fmt.Errorf("seed metrics: %w", err)
	}
	return d, nil
}

func withDaemon(cmd *cobra.Command, fn func(ctx context.Context, d *daemon.Daemon) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	d, err := openDaemon(ctx)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(ctx, d)
}
