// Command subsyncd receives Paddle webhooks and keeps subscription records in sync.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:     "subsyncd",
	Short:   "Paddle subscription reconciliation daemon",
	Long:    `subsyncd receives Paddle classic webhooks and reconciles them into per-account subscription records.`,
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := LoadConfig(envFile)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runServer(cmd.Context(), cfg)
	},
}

var verifyConfigCmd = &cobra.Command{
	Use:   "verify-config",
	Short: "Validate configuration and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := LoadConfig(envFile)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration ok (storage=%s, addr=%s)\n", cfg.Storage, cfg.Addr)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "subsyncd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(cmd.OutOrStdout(), "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "optional .env file to load before reading the environment")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(verifyConfigCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
