package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aegisai/aegis-oss/pkg/config"
	"github.com/aegisai/aegis-oss/pkg/guardian"
	"github.com/aegisai/aegis-oss/pkg/logging"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage guardian rule files",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a guardian rule file",
	Long: `Validate parses a rule file, checks its structural invariants and compiles
it into a scanning automaton, exactly as aegis-core does on a hot reload.
A file that passes here will be accepted by a running gateway.

Examples:
  aegisctl rules validate rules.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runRulesValidate,
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesValidateCmd)
}

func runRulesValidate(cmd *cobra.Command, args []string) error {
	logger := logging.NewLogger(logging.Config{Level: "error"})
	source, err := config.NewRuleSource(args[0], logger)
	if err != nil {
		return fmt.Errorf("rule file rejected: %w", err)
	}
	defer func() { _ = source.Close() }()

	rules := source.Current()
	if _, err := guardian.NewRuleStore(rules); err != nil {
		return fmt.Errorf("rule file does not compile: %w", err)
	}

	byAction := map[string]int{}
	for _, r := range rules {
		byAction[r.Action]++
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules ok (block=%d flag=%d allow=%d)\n",
		args[0], len(rules), byAction["block"], byAction["flag"], byAction["allow"])
	return nil
}
