package main

import (
	"context"
	"fmt"

	"github.com/burrowhq/burrow/pkg/delivery"
	"github.com/burrowhq/burrow/pkg/dispatcher"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/retry"
	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/spf13/cobra"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run a single dispatch cycle",
	Long: `Run one dispatch cycle against the store and print the outcome.
Useful for cron-style triggering and for draining a backlog by hand.`,
	RunE: runDispatch,
}

func init() {
	dispatchCmd.Flags().StringP("config", "c", "", "YAML config file")
	dispatchCmd.Flags().String("webhook-url", "", "Destination webhook URL (overrides config)")
	dispatchCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
}

func runDispatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	client := delivery.NewClient(cfg.Dispatcher.WebhookURL, cfg.Dispatcher.DeliveryTimeout)
	engine := dispatcher.NewEngine(store, client, dispatcher.Config{
		BatchSize:    cfg.Dispatcher.BatchSize,
		Workers:      cfg.Dispatcher.Workers,
		CycleRetries: cfg.Dispatcher.CycleRetries,
		MaxAttempts:  cfg.Dispatcher.MaxAttempts,
		Backoff:      retry.NewSchedule(cfg.Dispatcher.BackoffBase, cfg.Dispatcher.BackoffMax),
	})

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Dispatcher.Interval)
	defer cancel()

	stats, err := engine.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("dispatch cycle failed: %w", err)
	}

	fmt.Printf("Selected:     %d\n", stats.Selected)
	fmt.Printf("Claimed:      %d\n", stats.Claimed)
	fmt.Printf("Conflicts:    %d\n", stats.Conflicts)
	fmt.Printf("Delivered:    %d\n", stats.Delivered)
	fmt.Printf("Failed:       %d\n", stats.Failed)
	fmt.Printf("Retained:     %d\n", stats.Retained)
	fmt.Printf("Abandoned:    %d\n", stats.Abandoned)
	fmt.Printf("Store errors: %d\n", stats.StoreErrors)
	return nil
}
