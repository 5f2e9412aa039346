package main

import (
	"fmt"
	"io"
	"os"

	"github.com/goodtune/kbudget/internal/calendar"
	"github.com/goodtune/kbudget/internal/config"
	"github.com/goodtune/kbudget/internal/policy"
	"github.com/goodtune/kbudget/internal/rollover"
	"github.com/goodtune/kbudget/internal/storage"
	"github.com/goodtune/kbudget/internal/storage/bolt"
	"github.com/goodtune/kbudget/internal/storage/redis"
	"github.com/goodtune/kbudget/internal/target"
	"github.com/rs/zerolog"
)

// core bundles the components every command evaluates budgets with
type core struct {
	store      storage.Store
	aggregator *rollover.Aggregator
	resolver   *target.Resolver
	engine     *policy.Engine
}

// newCore opens storage and builds the policy engine on top of it.
func newCore(cfg *config.Config, clock calendar.Clock, logger zerolog.Logger) (*core, error) {
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	resolver, err := target.NewResolver(cfg.Resolver.CacheSize)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize resolver: %w", err)
	}

	aggregator := rollover.NewAggregator(store, clock, logger)
	engine := policy.NewEngine(store, aggregator, resolver, policy.Options{
		GlobalStatKey: cfg.Enforcement.GlobalStatKey,
	}, logger)
	engine.SetClock(clock)

	return &core{
		store:      store,
		aggregator: aggregator,
		resolver:   resolver,
		engine:     engine,
	}, nil
}

func (c *core) Close() error {
	return c.store.Close()
}

// openStorage opens the configured storage backend
func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "bolt"
	}

	switch storageType {
	case "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (must be 'bolt' or 'redis')", storageType)
	}
}

// setupLogger configures the logger based on configuration. Output goes to
// the configured file or stderr; stdout is reserved for native messaging.
func setupLogger(cfg config.LoggingConfig) (zerolog.Logger, func() error, error) {
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

	var out io.Writer = os.Stderr
	closer := func() error { return nil }
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closer = f.Close
	}

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out, NoColor: cfg.File != ""}).With().Timestamp().Logger(), closer, nil
	}

	// Default to JSON
	return zerolog.New(out).With().Timestamp().Logger(), closer, nil
}

// quietLogger is used by one-shot commands
func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
}

func listenAddr(cfg config.ServerConfig, port int) string {
	return fmt.Sprintf("%s:%d", cfg.BindAddress, port)
}
