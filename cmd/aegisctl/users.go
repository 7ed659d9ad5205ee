package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var usersFlags struct {
	reason string
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Inspect and manage account suspension state",
}

var usersStatusCmd = &cobra.Command{
	Use:   "status <user-id>",
	Short: "Show a user's enforcement state",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsersStatus,
}

var usersSuspendCmd = &cobra.Command{
	Use:   "suspend <user-id>",
	Short: "Suspend a user for the configured suspension duration",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsersSuspend,
}

var usersReinstateCmd = &cobra.Command{
	Use:   "reinstate <user-id>",
	Short: "Reinstate a suspended user",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsersReinstate,
}

var usersBanCmd = &cobra.Command{
	Use:   "ban <user-id>",
	Short: "Permanently ban a user",
	Long: `Ban moves the user to the terminal banned state. Banned users are refused
before any other admission stage and cannot be reinstated.`,
	Args: cobra.ExactArgs(1),
	RunE: runUsersBan,
}

func init() {
	rootCmd.AddCommand(usersCmd)
	usersCmd.AddCommand(usersStatusCmd, usersSuspendCmd, usersReinstateCmd, usersBanCmd)

	usersSuspendCmd.Flags().StringVar(&usersFlags.reason, "reason", "manual suspension", "reason recorded on the suspension")
	usersBanCmd.Flags().StringVar(&usersFlags.reason, "reason", "manual ban", "reason recorded on the ban")
}

func runUsersStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := connect(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	handler, err := suspensionHandler(cmd.Context(), cfg, client)
	if err != nil {
		return err
	}

	record, err := handler.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	violations, err := handler.Violations(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := struct {
		UserID     string `json:"user_id"`
		State      string `json:"state"`
		Reason     string `json:"reason,omitempty"`
		Until      string `json:"until,omitempty"`
		Violations int    `json:"open_violations"`
	}{
		UserID:     args[0],
		State:      record.State,
		Reason:     record.Reason,
		Violations: violations,
	}
	if !record.Until.IsZero() {
		out.Until = record.Until.String()
	}

	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
	return nil
}

func runUsersSuspend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := connect(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	handler, err := suspensionHandler(cmd.Context(), cfg, client)
	if err != nil {
		return err
	}

	violations, err := handler.Violations(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := handler.Suspend(cmd.Context(), args[0], usersFlags.reason, violations); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s suspended for %s\n", args[0], cfg.Escalate.SuspensionDuration)
	return nil
}

func runUsersReinstate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := connect(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	handler, err := suspensionHandler(cmd.Context(), cfg, client)
	if err != nil {
		return err
	}

	if err := handler.Reinstate(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s reinstated\n", args[0])
	return nil
}

func runUsersBan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := connect(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	handler, err := suspensionHandler(cmd.Context(), cfg, client)
	if err != nil {
		return err
	}

	if err := handler.Ban(cmd.Context(), args[0], usersFlags.reason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s banned\n", args[0])
	return nil
}
