// Package rollover resets daily counters and archives daily statistics when
// the calendar day changes.
package rollover

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/kbudget/internal/calendar"
	"github.com/goodtune/kbudget/internal/metrics"
	"github.com/goodtune/kbudget/internal/storage"
	"github.com/rs/zerolog"
)

// Aggregator detects day changes for budgets and statistics. Every method
// computes today from the clock at the moment it runs.
type Aggregator struct {
	budgets storage.BudgetStore
	stats   storage.StatisticsStore
	clock   calendar.Clock
	logger  zerolog.Logger
}

// NewAggregator creates an aggregator over store.
func NewAggregator(store storage.Store, clock calendar.Clock, logger zerolog.Logger) *Aggregator {
	if clock == nil {
		clock = calendar.RealClock{}
	}
	return &Aggregator{
		budgets: store.Budgets(),
		stats:   store.Statistics(),
		clock:   clock,
		logger:  logger.With().Str("component", "rollover").Logger(),
	}
}

// Today returns the current day key.
func (a *Aggregator) Today() string {
	return calendar.Today(a.clock)
}

// Ensure rolls over the statistics, the Global Budget and site, returning
// the day key used. A missing budget is not an error.
func (a *Aggregator) Ensure(ctx context.Context, site string) (string, error) {
	today := a.Today()

	if err := a.EnsureGlobal(ctx, today); err != nil {
		return today, err
	}
	if site != "" {
		if err := a.EnsureSite(ctx, site, today); err != nil {
			return today, err
		}
	}
	return today, nil
}

// EnsureSite resets site's counter when it belongs to another day.
func (a *Aggregator) EnsureSite(ctx context.Context, site, today string) error {
	changed, err := a.budgets.RolloverSite(ctx, site, today)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("rollover site %s: %w", site, err)
	}
	if changed {
		metrics.RolloversTotal.WithLabelValues("site").Inc()
		a.logger.Debug().Str("site", site).Str("day", today).Msg("Site budget rolled over")
	}
	return nil
}

// EnsureGlobal archives statistics and resets the Global Budget when they
// belong to another day.
func (a *Aggregator) EnsureGlobal(ctx context.Context, today string) error {
	if err := a.EnsureStatistics(ctx, today); err != nil {
		return err
	}

	changed, err := a.budgets.RolloverGlobal(ctx, today)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("rollover global budget: %w", err)
	}
	if changed {
		metrics.RolloversTotal.WithLabelValues("global").Inc()
		a.logger.Debug().Str("day", today).Msg("Global budget rolled over")
	}
	return nil
}

// EnsureStatistics archives the daily statistics under their recorded day.
// A fresh archive also resets every site so that sites touched later in
// the day start from zero.
func (a *Aggregator) EnsureStatistics(ctx context.Context, today string) error {
	archived, err := a.stats.Rollover(ctx, today)
	if err != nil {
		return fmt.Errorf("rollover statistics: %w", err)
	}
	if archived == "" {
		return nil
	}

	metrics.RolloversTotal.WithLabelValues("statistics").Inc()

	reset, err := a.budgets.RolloverAllSites(ctx, today)
	if err != nil {
		return fmt.Errorf("rollover sites: %w", err)
	}
	metrics.RolloversTotal.WithLabelValues("site").Add(float64(reset))

	a.logger.Info().
		Str("archived_day", archived).
		Str("day", today).
		Int("sites_reset", reset).
		Msg("Daily statistics archived")

	return nil
}

// RollAll proactively rolls over statistics, the Global Budget and every
// site.
func (a *Aggregator) RollAll(ctx context.Context) error {
	today := a.Today()

	if err := a.EnsureGlobal(ctx, today); err != nil {
		return err
	}

	reset, err := a.budgets.RolloverAllSites(ctx, today)
	if err != nil {
		return fmt.Errorf("rollover sites: %w", err)
	}
	if reset > 0 {
		metrics.RolloversTotal.WithLabelValues("site").Add(float64(reset))
	}
	return nil
}

// Prune deletes archived days older than retentionDays. Zero keeps
// everything.
func (a *Aggregator) Prune(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	cutoff, err := calendar.AddDays(a.Today(), -retentionDays)
	if err != nil {
		return 0, err
	}
	removed, err := a.stats.DeleteHistoryBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune history before %s: %w", cutoff, err)
	}
	if removed > 0 {
		metrics.HistoryDaysPruned.Add(float64(removed))
	}
	return removed, nil
}
