package rollover

import (
	"context"
	"time"

	"github.com/goodtune/kbudget/internal/calendar"
	"github.com/rs/zerolog"
)

// ResetScheduler manages proactive daily rollovers
type ResetScheduler struct {
	aggregator    *Aggregator
	resetMinute   int // minute of day
	retentionDays int
	logger        zerolog.Logger
	stopChan      chan struct{}
	doneChan      chan struct{}
}

// NewResetScheduler creates a new reset scheduler
func NewResetScheduler(aggregator *Aggregator, resetTime string, retentionDays int, logger zerolog.Logger) (*ResetScheduler, error) {
	// Parse reset time (HH:MM format)
	minute, err := calendar.ParseClock(resetTime)
	if err != nil {
		return nil, err
	}

	rs := &ResetScheduler{
		aggregator:    aggregator,
		resetMinute:   minute,
		retentionDays: retentionDays,
		logger:        logger.With().Str("component", "reset-scheduler").Logger(),
		stopChan:      make(chan struct{}),
		doneChan:      make(chan struct{}),
	}

	return rs, nil
}

// Start begins the reset scheduler
func (rs *ResetScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Str("reset_time", calendar.FormatMinute(rs.resetMinute)).
		Int("retention_days", rs.retentionDays).
		Msg("Daily reset scheduler started")
}

// Stop stops the reset scheduler
func (rs *ResetScheduler) Stop() {
	close(rs.stopChan)
	<-rs.doneChan
	rs.logger.Info().Msg("Daily reset scheduler stopped")
}

// run is the main scheduler loop
func (rs *ResetScheduler) run() {
	defer close(rs.doneChan)

	// Catch up on anything missed while not running
	rs.performReset()

	for {
		nextReset := rs.nextReset(rs.aggregator.clock.Now())
		waitDuration := time.Until(nextReset)

		rs.logger.Info().
			Time("next_reset", nextReset).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next daily reset")

		// Wait until reset time or stop signal
		select {
		case <-time.After(waitDuration):
			rs.performReset()
		case <-rs.stopChan:
			return
		}
	}
}

// nextReset calculates the next reset time after now
func (rs *ResetScheduler) nextReset(now time.Time) time.Time {
	todayReset := time.Date(
		now.Year(), now.Month(), now.Day(),
		rs.resetMinute/60, rs.resetMinute%60, 0, 0,
		now.Location(),
	)

	// If we've already passed today's reset time, schedule for tomorrow
	if !now.Before(todayReset) {
		return todayReset.AddDate(0, 0, 1)
	}

	return todayReset
}

// performReset rolls everything over and applies history retention
func (rs *ResetScheduler) performReset() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rs.logger.Info().Msg("Performing daily reset")

	if err := rs.aggregator.RollAll(ctx); err != nil {
		rs.logger.Error().Err(err).Msg("Failed to roll over daily counters")
		return
	}

	removed, err := rs.aggregator.Prune(ctx, rs.retentionDays)
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to prune statistics history")
		return
	}

	rs.logger.Info().
		Int("days_pruned", removed).
		Msg("Daily reset complete")
}
