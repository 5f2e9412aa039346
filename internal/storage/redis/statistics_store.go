package redis

import (
	"context"
	"fmt"

	"github.com/goodtune/kbudget/internal/storage"
	"github.com/redis/go-redis/v9"
)

type statisticsStore struct {
	client *redis.Client

	rollover *redis.Script
	prune    *redis.Script
}

func newStatisticsStore(client *redis.Client) *statisticsStore {
	return &statisticsStore{
		client:   client,
		rollover: redis.NewScript(statsRolloverScript),
		prune:    redis.NewScript(pruneHistoryScript),
	}
}

// GetDaily returns the current day's statistics
func (s *statisticsStore) GetDaily(ctx context.Context) (*storage.DailyStatistics, error) {
	pipe := s.client.Pipeline()
	dayCmd := pipe.HGet(ctx, keyStatsDaily, "day")
	blockedCmd := pipe.HGetAll(ctx, keyStatsBlocked)
	restrictedCmd := pipe.HGetAll(ctx, keyStatsRestrict)

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	blocked, err := parseCounts(blockedCmd.Val())
	if err != nil {
		return nil, err
	}
	restricted, err := parseCounts(restrictedCmd.Val())
	if err != nil {
		return nil, err
	}

	return &storage.DailyStatistics{
		Day:                  dayCmd.Val(),
		BlockedPerDay:        blocked,
		RestrictedTimePerDay: restricted,
	}, nil
}

// IncrementBlocked counts one block against key
func (s *statisticsStore) IncrementBlocked(ctx context.Context, key string) error {
	return s.client.HIncrBy(ctx, keyStatsBlocked, key, 1).Err()
}

// Rollover archives yesterday's maps and starts today's
func (s *statisticsStore) Rollover(ctx context.Context, today string) (string, error) {
	keys := []string{keyStatsDaily, keyStatsBlocked, keyStatsRestrict, keyHistoryDays}
	day, err := s.rollover.Run(ctx, s.client, keys, today, keyHistoryPrefix).Text()
	if err != nil && err != redis.Nil {
		return "", err
	}
	return day, nil
}

// GetHistory returns every archived day
func (s *statisticsStore) GetHistory(ctx context.Context) (*storage.HistoricalStatistics, error) {
	days, err := s.client.SMembers(ctx, keyHistoryDays).Result()
	if err != nil {
		return nil, err
	}

	history := storage.NewHistoricalStatistics()
	if len(days) == 0 {
		return &history, nil
	}

	pipe := s.client.Pipeline()
	blockedCmds := make([]*redis.MapStringStringCmd, len(days))
	restrictedCmds := make([]*redis.MapStringStringCmd, len(days))
	for i, day := range days {
		blockedCmds[i] = pipe.HGetAll(ctx, historyKey("blocked", day))
		restrictedCmds[i] = pipe.HGetAll(ctx, historyKey("restricted", day))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	for i, day := range days {
		blocked, err := parseCounts(blockedCmds[i].Val())
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", day, err)
		}
		restricted, err := parseCounts(restrictedCmds[i].Val())
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", day, err)
		}
		history.HistoricalBlockedPerDay[day] = blocked
		history.HistoricalRestrictedTimePerDay[day] = restricted
	}

	return &history, nil
}

// DeleteHistoryBefore removes archived days before cutoffDay
func (s *statisticsStore) DeleteHistoryBefore(ctx context.Context, cutoffDay string) (int, error) {
	removed, err := s.prune.Run(ctx, s.client, []string{keyHistoryDays}, cutoffDay, keyHistoryPrefix).Int()
	if err != nil {
		return 0, err
	}
	return removed, nil
}
