package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/aegisai/aegis-oss/internal/governance"
	"github.com/aegisai/aegis-oss/pkg/domain"
)

var limitsFlags struct {
	tier string
}

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Inspect rate-limit and risk-score state",
}

var limitsInspectCmd = &cobra.Command{
	Use:   "inspect <user-id>",
	Short: "Show a user's token bucket and risk score",
	Long: `Inspect reads bucket and risk state without consuming a token, so it is
safe to run against a live user.

Examples:
  aegisctl limits inspect user-123 --tier USER`,
	Args: cobra.ExactArgs(1),
	RunE: runLimitsInspect,
}

func init() {
	rootCmd.AddCommand(limitsCmd)
	limitsCmd.AddCommand(limitsInspectCmd)

	limitsInspectCmd.Flags().StringVar(&limitsFlags.tier, "tier", "USER", "trust tier the bucket is keyed by")
}

func runLimitsInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := connect(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	userID := args[0]
	tier := domain.ParseTrustTier(limitsFlags.tier)
	limit, configured := cfg.Limits.Tiers[tier]

	bucketKey := fmt.Sprintf("aegis:rl:%s:%s", tier, userID)
	bucket, err := client.HGetAll(cmd.Context(), bucketKey).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read bucket: %w", err)
	}

	risk := governance.NewRiskScore(client, cfg.Limits.RiskHalfLife)
	score, err := risk.Current(cmd.Context(), userID)
	if err != nil {
		return fmt.Errorf("read risk score: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "user:   %s\n", userID)
	fmt.Fprintf(out, "tier:   %s\n", tier)
	if configured {
		fmt.Fprintf(out, "limit:  capacity=%d refill=%.2f/s\n", limit.Capacity, limit.RefillPerSec)
	} else {
		fmt.Fprintf(out, "limit:  tier not configured, strictest limit applies\n")
	}
	if len(bucket) == 0 {
		fmt.Fprintf(out, "bucket: empty (full capacity)\n")
	} else {
		tokens, _ := strconv.ParseFloat(bucket["tokens"], 64)
		stampMs, _ := strconv.ParseInt(bucket["last_refill"], 10, 64)
		fmt.Fprintf(out, "bucket: tokens=%.2f refilled=%s\n", tokens,
			time.UnixMilli(stampMs).Format(time.RFC3339))
	}
	fmt.Fprintf(out, "risk:   score=%.2f band=%s\n", score, governance.Band(score))
	return nil
}
