package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goodtune/kbudget/internal/api"
	"github.com/goodtune/kbudget/internal/calendar"
	"github.com/goodtune/kbudget/internal/config"
	"github.com/goodtune/kbudget/internal/metrics"
	"github.com/goodtune/kbudget/internal/rollover"
	"github.com/goodtune/kbudget/internal/systemd"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the kbudget API daemon",
	Long: `Start the local API, the metrics endpoint and the daily reset scheduler
without a browser attached. Supports systemd socket activation.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger, closeLog, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting kbudget daemon")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	c, err := newCore(cfg, calendar.RealClock{}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Str("redis_host", cfg.Storage.Redis.Host).
		Int("redis_port", cfg.Storage.Redis.Port).
		Msg("Storage initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.aggregator.RollAll(ctx); err != nil {
		logger.Warn().Err(err).Msg("Startup rollover failed")
	}

	// Initialize Reset Scheduler
	resetScheduler, err := rollover.NewResetScheduler(c.aggregator, cfg.Statistics.DailyResetTime, cfg.Statistics.HistoryRetentionDays, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize reset scheduler: %w", err)
	}
	resetScheduler.Start()

	// Initialize API Server
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(api.Config{
			ListenAddr: listenAddr(cfg.Server, cfg.Server.APIPort),
			Token:      cfg.API.Token,
		}, c.store, c.engine, c.aggregator, nil, logger)

		// Use systemd socket-activated listener if available
		if sdListeners.Activated && sdListeners.API != nil {
			apiServer.SetListener(sdListeners.API)
		}

		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API Server: %w", err)
		}
	}

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled || (sdListeners.Activated && sdListeners.Metrics != nil) {
		metricsServer = metrics.NewServer(listenAddr(cfg.Server, cfg.Server.MetricsPort), logger)
		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}
	}

	logger.Info().Msg("kbudget startup complete")
	if apiServer != nil {
		logger.Info().Msgf("API: http://%s/api", listenAddr(cfg.Server, cfg.Server.APIPort))
	}
	if metricsServer != nil {
		logger.Info().Msgf("Metrics: http://%s/metrics", listenAddr(cfg.Server, cfg.Server.MetricsPort))
	}

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}
	go systemd.RunWatchdog(ctx, logger)

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	// Signal handling loop
	for {
		sig := <-sigChan

		switch sig {
		case syscall.SIGHUP:
			logger.Info().Msg("SIGHUP received, rolling over counters...")
			_ = systemd.NotifyReloading()
			if err := c.aggregator.RollAll(ctx); err != nil {
				logger.Error().Err(err).Msg("Failed to roll over counters")
			}
			if _, err := c.aggregator.Prune(ctx, cfg.Statistics.HistoryRetentionDays); err != nil {
				logger.Error().Err(err).Msg("Failed to prune statistics history")
			}
			_ = systemd.NotifyReady()
			// Continue running
			continue

		case os.Interrupt, syscall.SIGTERM:
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			// Break out of loop to shutdown
		}

		// Only reached on shutdown signals
		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	cancel()
	resetScheduler.Stop()

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping API Server")
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("kbudget stopped")

	return nil
}
