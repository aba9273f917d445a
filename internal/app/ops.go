package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/uniboxhq/unibox-sync/internal/sync"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one subscription renewal sweep",
	Long:  "Renews every active webhook subscription that expires within the renewal threshold, then exits",
	RunE: func(cmd *cobra.Command, args []string) error {
		svcs, err := buildServices()
		if err != nil {
			return err
		}
		defer svcs.close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		result, err := svcs.subs.SweepAll(ctx, svcs.cfg.ThresholdHours)
		if err != nil {
			return err
		}

		fmt.Printf("sweep complete: %d checked, %d renewed, %d failed\n", result.Checked, result.Renewed, result.Failed)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <connection-id> <workspace-id>",
	Short: "Sync one connection",
	Long:  "Runs a single sync pass for the given connection and prints the counts",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxMessages, _ := cmd.Flags().GetInt("max-messages")
		filter, _ := cmd.Flags().GetString("filter")

		svcs, err := buildServices()
		if err != nil {
			return err
		}
		defer svcs.close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		result, err := svcs.engine.Sync(ctx, args[0], args[1], sync.Options{
			MaxMessages: maxMessages,
			Filter:      filter,
		})
		if err != nil {
			return err
		}

		fmt.Printf("synced %d messages (%d new, %d errors), more available: %v\n",
			result.Synced, result.New, result.Errors, result.HasMore)
		return nil
	},
}

var setupCmd = &cobra.Command{
	Use:   "setup <workspace-id> <name> <plan-tier>",
	Short: "Create the database and a workspace",
	Long:  "Creates the database tables and inserts a workspace record for development and testing",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		svcs, err := buildServices()
		if err != nil {
			return err
		}
		defer svcs.close()

		if err := svcs.store.EnsureWorkspace(context.Background(), args[0], args[1], args[2]); err != nil {
			return fmt.Errorf("create workspace: %w", err)
		}

		fmt.Printf("workspace %s (%s, tier %s) ready\n", args[0], args[1], args[2])
		return nil
	},
}

func init() {
	syncCmd.Flags().Int("max-messages", 0, "Maximum messages to fetch (0 uses the default)")
	syncCmd.Flags().String("filter", "", "Provider-side filter expression")
}
