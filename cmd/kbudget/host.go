package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/goodtune/kbudget/internal/api"
	"github.com/goodtune/kbudget/internal/calendar"
	"github.com/goodtune/kbudget/internal/config"
	"github.com/goodtune/kbudget/internal/dispatch"
	"github.com/goodtune/kbudget/internal/enforce"
	"github.com/goodtune/kbudget/internal/metrics"
	"github.com/goodtune/kbudget/internal/nativemsg"
	"github.com/goodtune/kbudget/internal/rollover"
	"github.com/goodtune/kbudget/internal/usage"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Run as the browser's native messaging host",
	Long: `Run as the browser's native messaging host. Tab events are read from stdin
and navigation, badge and query messages are written to stdout.`,
	Args:               cobra.ArbitraryArgs,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	RunE:               runHost,
}

func init() {
	rootCmd.AddCommand(hostCmd)
}

func runHost(cmd *cobra.Command, args []string) error {
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
		Strs("args", args).
		Msg("Starting kbudget native messaging host")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
		Msg("Storage initialized")

	// Catch up on day changes missed while the browser was closed
	if err := c.aggregator.RollAll(ctx); err != nil {
		logger.Warn().Err(err).Msg("Startup rollover failed")
	}

	bridge := nativemsg.NewBridge(os.Stdin, os.Stdout, logger)
	tracker := usage.NewTracker(c.store, c.engine, c.aggregator, logger)
	enforcer := enforce.NewEnforcer(c.store.Statistics(), bridge, cfg.Enforcement.FallbackPage, logger)
	dispatcher := dispatch.New(bridge, c.engine, tracker, enforcer, logger)

	resetScheduler, err := rollover.NewResetScheduler(c.aggregator, cfg.Statistics.DailyResetTime, cfg.Statistics.HistoryRetentionDays, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize reset scheduler: %w", err)
	}
	resetScheduler.Start()
	defer resetScheduler.Stop()

	if cfg.API.Enabled {
		apiServer := api.NewServer(api.Config{
			ListenAddr: listenAddr(cfg.Server, cfg.Server.APIPort),
			Token:      cfg.API.Token,
		}, c.store, c.engine, c.aggregator, dispatcher, logger)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer func() { _ = apiServer.Stop() }()
	}

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(listenAddr(cfg.Server, cfg.Server.MetricsPort), logger)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() { _ = metricsServer.Stop() }()
	}

	var wg sync.WaitGroup
	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = dispatcher.Run(dispatchCtx)
	}()

	// stdin reads cannot be interrupted, so the bridge is abandoned on signal
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- bridge.Serve(dispatchCtx, dispatcher)
	}()

	select {
	case err = <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("Native messaging bridge failed")
		}
	case <-ctx.Done():
		logger.Info().Msg("Received shutdown signal")
	}

	cancelDispatch()
	wg.Wait()

	logger.Info().Msg("kbudget native messaging host stopped")
	return err
}
