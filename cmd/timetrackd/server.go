package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/goodtune/timetrack/internal/api"
	"github.com/goodtune/timetrack/internal/browser"
	"github.com/goodtune/timetrack/internal/config"
	"github.com/goodtune/timetrack/internal/metrics"
	"github.com/goodtune/timetrack/internal/scheduler"
	"github.com/goodtune/timetrack/internal/status"
	"github.com/goodtune/timetrack/internal/storage"
	"github.com/goodtune/timetrack/internal/storage/bolt"
	"github.com/goodtune/timetrack/internal/storage/redis"
	"github.com/goodtune/timetrack/internal/systemd"
	"github.com/goodtune/timetrack/internal/usage"
)

// shutdownTimeout bounds the final flush on exit.
const shutdownTimeout = 10 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the timetrackd daemon",
	Long:  `Start the tracking daemon with the extension API and metrics endpoints.`,
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
		Msg("Starting timetrackd")

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

	logStorage(logger, cfg.Storage)

	clock := quartz.NewReal()
	gateway := storage.NewGateway(store, logger)

	registry, err := browser.NewRegistry(cfg.Tracking.TabCacheSize, cfg.Tracking.SkipSchemes, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tab registry: %w", err)
	}

	sched := scheduler.New(clock, logger)
	defer sched.Close()

	// Initialize Usage Tracker
	tracker := usage.NewTracker(gateway, gateway, registry, sched, clock, trackerConfig(cfg.Tracking), logger)

	statusService := status.NewService(gateway, tracker, clock, cfg.Tracking.RetentionDays, logger)
	dispatcher := api.NewDispatcher(tracker, statusService, gateway, logger)

	// Initialize API Server
	apiConfig := api.Config{
		ListenAddr:      fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort),
		RateLimit:       cfg.Server.RateLimit,
		RateLimitWindow: parseDuration(cfg.Server.RateLimitWindow, time.Minute),
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}
	limiter := api.NewRateLimiter(apiConfig.RateLimit, apiConfig.RateLimitWindow, clock)
	apiServer := api.NewServer(apiConfig, dispatcher, tracker, registry, limiter, logger)

	// Use systemd socket-activated listener if available
	if sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 {
		metricsServer = metrics.NewServer(fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort), logger)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
	}

	var startGroup errgroup.Group
	startGroup.Go(apiServer.Start)
	if metricsServer != nil {
		startGroup.Go(metricsServer.Start)
	}
	if err := startGroup.Wait(); err != nil {
		stopServers(logger, apiServer, metricsServer)
		return fmt.Errorf("failed to start servers: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tracker.Start(ctx)

	logger.Info().
		Str("api", apiConfig.ListenAddr).
		Int("metrics_port", cfg.Server.MetricsPort).
		Msg("timetrackd startup complete")

	// Notify systemd that we're ready to serve requests
	if sent, err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else if sent {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	// Wait for signals (shutdown or flush)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		logger.Info().Msg("SIGHUP received, flushing pending time")
		_ = systemd.NotifyReloading()
		if err := tracker.Flush(ctx); err != nil {
			logger.Error().Err(err).Msg("Flush failed")
		}
		_, _ = systemd.NotifyReady()
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// No new signals past this point; then persist what the session accrued.
	stopServers(logger, apiServer, metricsServer)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := tracker.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Msg("Final flush failed")
	}

	cancel()
	sched.Close()

	logger.Info().Msg("timetrackd stopped")

	return nil
}

func stopServers(logger zerolog.Logger, apiServer *api.Server, metricsServer *metrics.Server) {
	var g errgroup.Group
	g.Go(apiServer.Stop)
	if metricsServer != nil {
		g.Go(metricsServer.Stop)
	}
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Error stopping servers")
	}
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

func logStorage(logger zerolog.Logger, cfg config.StorageConfig) {
	event := logger.Info().Str("type", cfg.Type)
	if cfg.Type == "redis" {
		event = event.
			Str("redis_host", cfg.Redis.Host).
			Int("redis_port", cfg.Redis.Port).
			Str("key_prefix", cfg.Redis.KeyPrefix)
	} else {
		event = event.Str("path", cfg.Path)
	}
	event.Msg("Storage initialized")
}
