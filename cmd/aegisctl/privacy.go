package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aegisai/aegis-oss/pkg/storage"
)

var privacyCmd = &cobra.Command{
	Use:   "privacy",
	Short: "Inspect privacy tokenization state",
}

var privacyRevealCmd = &cobra.Command{
	Use:   "reveal <token>",
	Short: "Reveal the original value behind a privacy token",
	Long: `Reveal looks up a tokenized value in the vault. Tokens expire with the
vault TTL; an expired or unknown token is an error, not an empty result.

The token argument is the full placeholder as it appears in masked text,
for example "{{EMAIL_3f2a9c81}}".`,
	Args: cobra.ExactArgs(1),
	RunE: runPrivacyReveal,
}

func init() {
	rootCmd.AddCommand(privacyCmd)
	privacyCmd.AddCommand(privacyRevealCmd)
}

func runPrivacyReveal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := connect(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	vault := storage.NewRedisTokenVault(client, 0)
	value, err := vault.Reveal(cmd.Context(), args[0])
	if errors.Is(err, storage.ErrTokenNotFound) {
		return fmt.Errorf("token %s is unknown or expired", args[0])
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}
