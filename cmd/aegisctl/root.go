package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/aegisai/aegis-oss/pkg/config"
	"github.com/aegisai/aegis-oss/pkg/escalation"
	"github.com/aegisai/aegis-oss/pkg/logging"
	"github.com/aegisai/aegis-oss/pkg/policy"
	"github.com/aegisai/aegis-oss/pkg/storage"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "aegisctl",
	Short: "Operator CLI for the aegis enforcement gateway",
	Long: `Aegisctl manages a running aegis-core deployment through its shared store.

It validates guardian rule files, inspects and changes account suspension
state, shows rate-limit and risk-score state, and reveals the original
values behind privacy tokens.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig reads the shared configuration. Missing files fall back to
// defaults so the CLI works against a local deployment without flags.
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		return config.Load("")
	}
	return config.Load(cfgFile)
}

// connect dials the shared store the gateway writes to.
func connect(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	return storage.NewClient(ctx, cfg.Redis)
}

// suspensionHandler builds the same escalation handler the gateway uses, so
// CLI state changes follow the same transition rules.
func suspensionHandler(ctx context.Context, cfg *config.Config, client *redis.Client) (*escalation.Handler, error) {
	engine, err := policy.NewEngine(ctx, policy.EngineOptions{})
	if err != nil {
		return nil, fmt.Errorf("build policy engine: %w", err)
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	return escalation.NewHandler(client, engine, escalation.Options{
		ViolationWindow:    cfg.Escalate.ViolationWindow,
		SuspensionDuration: cfg.Escalate.SuspensionDuration,
		DefaultThreshold:   cfg.Escalate.DefaultThreshold,
		Logger:             logging.NewLogger(logging.Config{Level: level, Pretty: true}),
	}), nil
}
