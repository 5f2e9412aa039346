package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kbudget/internal/config"
	"github.com/goodtune/kbudget/internal/storage"
	"github.com/redis/go-redis/v9"
)

const openTimeout = 5 * time.Second

// Store implements the storage.Store interface using Redis
type Store struct {
	client      *redis.Client
	budgetStore *budgetStore
	statsStore  *statisticsStore
}

// Open connects to Redis and loads the budget scripts into the server's
// script cache.
func Open(cfg config.RedisConfig) (*Store, error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	store := &Store{
		client:      client,
		budgetStore: newBudgetStore(client),
		statsStore:  newStatisticsStore(client),
	}

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if err := store.loadScripts(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

func clientOptions(cfg config.RedisConfig) (*redis.Options, error) {
	timeouts := make(map[string]time.Duration, 3)
	for name, raw := range map[string]string{
		"dial_timeout":  cfg.DialTimeout,
		"read_timeout":  cfg.ReadTimeout,
		"write_timeout": cfg.WriteTimeout,
	} {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", name, err)
		}
		timeouts[name] = d
	}

	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	return &redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  timeouts["dial_timeout"],
		ReadTimeout:  timeouts["read_timeout"],
		WriteTimeout: timeouts["write_timeout"],
	}, nil
}

// scripts lists every Lua script used by the store.
func (s *Store) scripts() map[string]*redis.Script {
	return map[string]*redis.Script{
		"put_site_rules":   s.budgetStore.putSiteRules,
		"delete_site":      s.budgetStore.deleteSite,
		"put_global_rules": s.budgetStore.putGlobalRules,
		"add_global_site":  s.budgetStore.addGlobalSite,
		"rollover":         s.budgetStore.rollover,
		"add_usage":        s.budgetStore.addUsage,
		"stats_rollover":   s.statsStore.rollover,
		"prune_history":    s.statsStore.prune,
	}
}

func (s *Store) loadScripts(ctx context.Context) error {
	for name, script := range s.scripts() {
		if err := script.Load(ctx, s.client).Err(); err != nil {
			return fmt.Errorf("failed to load %s script: %w", name, err)
		}
	}
	return nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Budgets returns the BudgetStore implementation
func (s *Store) Budgets() storage.BudgetStore {
	return s.budgetStore
}

// Statistics returns the StatisticsStore implementation
func (s *Store) Statistics() storage.StatisticsStore {
	return s.statsStore
}
