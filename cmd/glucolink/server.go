package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/sugarmesh/glucolink/internal/alerts"
	"github.com/sugarmesh/glucolink/internal/api"
	"github.com/sugarmesh/glucolink/internal/cgm"
	"github.com/sugarmesh/glucolink/internal/config"
	"github.com/sugarmesh/glucolink/internal/gateway"
	"github.com/sugarmesh/glucolink/internal/metrics"
	"github.com/sugarmesh/glucolink/internal/session"
	"github.com/sugarmesh/glucolink/internal/status"
	"github.com/sugarmesh/glucolink/internal/storage"
	"github.com/sugarmesh/glucolink/internal/storage/bolt"
	"github.com/sugarmesh/glucolink/internal/storage/redis"
	"github.com/sugarmesh/glucolink/internal/systemd"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start GlucoLink server",
	Long:  `Start the GlucoLink daemon with the sync loop, HTTP API and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting GlucoLink")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	ctx := context.Background()

	// Restore durable sessions
	sessions := session.NewManager(store.Sessions(), logger)
	if err := sessions.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to restore sessions, starting clean")
	}

	machine := status.NewMachine(logger)

	// Alert evaluator
	var evaluator *alerts.Evaluator
	if cfg.Alerts.Enabled {
		notifiers := []alerts.Notifier{alerts.NewLogNotifier(logger)}
		if cfg.Alerts.WebhookURL != "" {
			notifiers = append(notifiers, alerts.NewWebhookNotifier(cfg.Alerts.WebhookURL, logger))
		}
		evaluator = alerts.NewEvaluator(cfg.Alerts.LowMgDl, cfg.Alerts.HighMgDl, logger, notifiers...)
		logger.Info().
			Float64("low", cfg.Alerts.LowMgDl).
			Float64("high", cfg.Alerts.HighMgDl).
			Msg("Glucose alerting enabled")
	}

	// Vendor gateway factory: sessions carry their region, so clients are
	// built per connect.
	factory := func(region string) (cgm.VendorClient, error) {
		return gateway.New(gateway.Config{
			Region:          region,
			BaseURL:         cfg.Vendor.BaseURL,
			ClientVersion:   cfg.Vendor.ClientVersion,
			Product:         cfg.Vendor.Product,
			UserAgent:       cfg.Vendor.UserAgent,
			RequestTimeout:  parseDuration(cfg.Vendor.RequestTimeout, 10*time.Second),
			RetryAttempts:   cfg.Vendor.RetryAttempts,
			RetryStep:       parseDuration(cfg.Vendor.RetryStep, time.Second),
			FreshnessWindow: parseDuration(cfg.Sync.FreshnessWindow, 15*time.Minute),
		}, logger)
	}

	// Sync engine
	engine, err := cgm.New(cgm.Config{
		Interval:          parseDuration(cfg.Sync.Interval, 30*time.Second),
		ConnectTimeout:    parseDuration(cfg.Sync.ConnectTimeout, 75*time.Second),
		SimulatedFallback: cfg.Sync.SimulatedFallback,
		Region:            cfg.Vendor.Region,
		ProfileID:         cfg.Sync.ProfileID,
		ClientVersion:     cfg.Vendor.ClientVersion,
		Retention:         parseDuration(cfg.Sync.Retention, 0),
		CleanupInterval:   parseDuration(cfg.Sync.CleanupInterval, time.Hour),
	}, factory, sessions, store.Entries(), machine, evaluator, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize sync engine: %w", err)
	}

	engine.Resume(ctx)
	engine.Start()

	// HTTP API
	apiServer := api.NewServer(api.Config{
		ListenAddr:       fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort),
		DefaultProfileID: cfg.Sync.ProfileID,
	}, engine, store.Entries(), logger)
	if sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	// Metrics
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	}

	logger.Info().Msg("GlucoLink startup complete")
	logger.Info().Msgf("API: http://%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd")
	}

	engine.Stop()

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	logger.Info().Msg("GlucoLink stopped")
	return nil
}

// openStorage opens the configured storage backend
func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "bolt", "":
		return bolt.Open(cfg.Bolt.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
