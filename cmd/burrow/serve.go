package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/burrowhq/burrow/pkg/api"
	"github.com/burrowhq/burrow/pkg/broadcast"
	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/delivery"
	"github.com/burrowhq/burrow/pkg/dispatcher"
	"github.com/burrowhq/burrow/pkg/health"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/burrowhq/burrow/pkg/metrics"
	"github.com/burrowhq/burrow/pkg/retry"
	"github.com/burrowhq/burrow/pkg/storage"
	"github.com/burrowhq/burrow/pkg/stream"
	"github.com/burrowhq/burrow/pkg/ws"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the full burrow service",
	Long: `Run the ingestion API, dispatch engine, change consumer, and
websocket hub as one process.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "YAML config file")
	serveCmd.Flags().String("webhook-url", "", "Destination webhook URL (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if url, _ := cmd.Flags().GetString("webhook-url"); url != "" {
		cfg.Dispatcher.WebhookURL = url
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("serve")

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	// Delivery engine
	client := delivery.NewClient(cfg.Dispatcher.WebhookURL, cfg.Dispatcher.DeliveryTimeout)
	engine := dispatcher.NewEngine(store, client, dispatcher.Config{
		Interval:     cfg.Dispatcher.Interval,
		BatchSize:    cfg.Dispatcher.BatchSize,
		Workers:      cfg.Dispatcher.Workers,
		CycleRetries: cfg.Dispatcher.CycleRetries,
		MaxAttempts:  cfg.Dispatcher.MaxAttempts,
		Backoff:      retry.NewSchedule(cfg.Dispatcher.BackoffBase, cfg.Dispatcher.BackoffMax),
	})
	engine.Start()
	defer engine.Stop()
	logger.Info().Dur("interval", cfg.Dispatcher.Interval).Msg("dispatcher started")

	// Distribution layer
	hub := ws.NewHub(store, ws.Config{ConnectionTTL: cfg.Broadcast.ConnectionTTL})
	defer hub.Close()

	broadcaster := broadcast.NewBroadcaster(store, hub, broadcast.Config{
		SendTimeout: cfg.Broadcast.SendTimeout,
	})
	consumer := stream.NewConsumer(store, "broadcaster", broadcaster.HandleChanges, stream.Config{
		Window:    cfg.Broadcast.Window,
		BatchSize: cfg.Broadcast.BatchSize,
	})
	consumer.Start()
	defer consumer.Stop()
	logger.Info().Msg("change consumer started")

	// Housekeeping
	sweeper := storage.NewSweeper(store, cfg.Retention.SweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	monitor := health.NewMonitor(
		health.NewHTTPChecker(cfg.Dispatcher.WebhookURL),
		health.DefaultConfig(),
	)
	monitor.Start()
	defer monitor.Stop()

	// HTTP surfaces
	apiServer := api.NewServer(store, api.Config{EventTTL: cfg.Retention.EventTTL})
	wsServer := &http.Server{
		Addr:              cfg.WSAddr,
		Handler:           hub.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := apiServer.Start(cfg.APIAddr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.WSAddr).Msg("websocket hub listening")
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("websocket server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = wsServer.Shutdown(shutdownCtx)
	_ = apiServer.Stop()

	return nil
}
