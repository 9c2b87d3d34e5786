package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// commandTimeout bounds one-shot CLI operations against the billing source.
const commandTimeout = 30 * time.Second

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current entitlement status as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := buildEngine()
		if err != nil {
			return err
		}
		defer e.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()
		e.manager.ForceSync(ctx)

		summary := e.facade.Summarize()
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

var purchaseCmd = &cobra.Command{
	Use:   "purchase <product-id>",
	Short: "Buy a product on the simulated billing platform",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := buildEngine()
		if err != nil {
			return err
		}
		defer e.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()

		ok, err := e.manager.Purchase(ctx, args[0])
		if err != nil {
			return fmt.Errorf("purchase failed: %w", err)
		}
		if !ok {
			return fmt.Errorf("purchase declined for product %q", args[0])
		}
		fmt.Printf("Purchased %s, tier is now %s\n", args[0], e.facade.CurrentTier())
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a previous purchase",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := buildEngine()
		if err != nil {
			return err
		}
		defer e.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()

		ok, err := e.manager.Restore(ctx)
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		if !ok {
			fmt.Println("Nothing to restore")
			return nil
		}
		fmt.Printf("Restored, tier is now %s\n", e.facade.CurrentTier())
		return nil
	},
}

var resetUsageCmd = &cobra.Command{
	Use:   "reset-usage",
	Short: "Zero all usage counters and restart the monthly period",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := buildEngine()
		if err != nil {
			return err
		}
		defer e.close()

		if err := e.usage.ResetAll(); err != nil {
			return fmt.Errorf("reset usage: %w", err)
		}
		fmt.Println("Usage counters reset")
		return nil
	},
}
