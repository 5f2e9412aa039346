package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrInvalidRecord is returned when a stored budget breaks the data model,
// for example a record without timeAllowed.
var ErrInvalidRecord = errors.New("storage: invalid record")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Budgets() BudgetStore
	Statistics() StatisticsStore
}

// BudgetStore manages site budgets and the global budget. Every method is
// a single critical section against the backend.
type BudgetStore interface {
	GetSite(ctx context.Context, site string) (*SiteBudget, error)
	ListSites(ctx context.Context) ([]SiteBudget, error)
	// PutSiteRules creates or reconfigures a site. Existing usage counters
	// are preserved; a new site starts at zero for today.
	PutSiteRules(ctx context.Context, site string, rules BudgetRules, today string) error
	DeleteSite(ctx context.Context, site string) error

	GetGlobal(ctx context.Context) (*GlobalBudget, error)
	PutGlobalRules(ctx context.Context, rules BudgetRules, today string) error
	// AddGlobalWebsite adds site to the global set, creating the default
	// Global Budget if none exists.
	AddGlobalWebsite(ctx context.Context, site string, today string) error
	RemoveGlobalWebsite(ctx context.Context, site string) error

	// Rollover methods reset totalTime and stamp today when the stored day
	// differs. They report whether a reset happened.
	RolloverSite(ctx context.Context, site string, today string) (bool, error)
	RolloverGlobal(ctx context.Context, today string) (bool, error)
	RolloverAllSites(ctx context.Context, today string) (int, error)

	// AddUsage credits one tick to the requested scopes and to the daily
	// restricted-time statistic for the visited site.
	AddUsage(ctx context.Context, inc UsageIncrement) (*UsageTotals, error)
}

// StatisticsStore manages daily and historical statistics.
type StatisticsStore interface {
	GetDaily(ctx context.Context) (*DailyStatistics, error)
	IncrementBlocked(ctx context.Context, key string) error
	// Rollover archives the daily maps under their recorded day and resets
	// them for today. It returns the archived day, or "" when nothing changed.
	Rollover(ctx context.Context, today string) (string, error)
	GetHistory(ctx context.Context) (*HistoricalStatistics, error)
	DeleteHistoryBefore(ctx context.Context, cutoffDay string) (int, error)
}
