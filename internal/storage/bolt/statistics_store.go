package bolt

import (
	"context"
	"errors"

	"github.com/goodtune/kbudget/internal/storage"
	"go.etcd.io/bbolt"
)

// archivedDay is the history record stored per day key.
type archivedDay struct {
	Blocked    map[string]int64 `json:"blocked"`
	Restricted map[string]int64 `json:"restricted"`
}

type statisticsStore struct {
	db *bbolt.DB
}

// readDaily loads the daily statistics, starting a record for today when
// none exists yet.
func readDaily(tx *bbolt.Tx, today string) (*storage.DailyStatistics, error) {
	daily, err := readValue[storage.DailyStatistics](tx, bucketStats, keyDaily)
	if errors.Is(err, storage.ErrNotFound) {
		fresh := storage.NewDailyStatistics(today)
		return &fresh, nil
	}
	if err != nil {
		return nil, err
	}
	if daily.BlockedPerDay == nil {
		daily.BlockedPerDay = map[string]int64{}
	}
	if daily.RestrictedTimePerDay == nil {
		daily.RestrictedTimePerDay = map[string]int64{}
	}
	return daily, nil
}

func (s *statisticsStore) GetDaily(ctx context.Context) (*storage.DailyStatistics, error) {
	var daily *storage.DailyStatistics
	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var err error
		daily, err = readDaily(tx, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return daily, nil
}

func (s *statisticsStore) IncrementBlocked(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		daily, err := readDaily(tx, "")
		if err != nil {
			return err
		}
		daily.BlockedPerDay[key]++
		return writeValue(tx, bucketStats, keyDaily, daily)
	})
}

func (s *statisticsStore) Rollover(ctx context.Context, today string) (string, error) {
	archived := ""
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		daily, err := readValue[storage.DailyStatistics](tx, bucketStats, keyDaily)
		if errors.Is(err, storage.ErrNotFound) {
			return writeValue(tx, bucketStats, keyDaily, storage.NewDailyStatistics(today))
		}
		if err != nil {
			return err
		}
		if daily.Day == today {
			return nil
		}

		// Counters recorded before any day was stamped belong to today
		if daily.Day == "" {
			daily.Day = today
			return writeValue(tx, bucketStats, keyDaily, daily)
		}

		record := archivedDay{Blocked: daily.BlockedPerDay, Restricted: daily.RestrictedTimePerDay}
		if record.Blocked == nil {
			record.Blocked = map[string]int64{}
		}
		if record.Restricted == nil {
			record.Restricted = map[string]int64{}
		}
		if err := writeValue(tx, bucketHistory, daily.Day, record); err != nil {
			return err
		}
		archived = daily.Day

		return writeValue(tx, bucketStats, keyDaily, storage.NewDailyStatistics(today))
	})
	if err != nil {
		return "", err
	}
	return archived, nil
}

func (s *statisticsStore) GetHistory(ctx context.Context) (*storage.HistoricalStatistics, error) {
	history := storage.NewHistoricalStatistics()
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketHistory))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var record archivedDay
			if err := unmarshal(v, &record); err != nil {
				return err
			}
			day := string(k)
			history.HistoricalBlockedPerDay[day] = record.Blocked
			history.HistoricalRestrictedTimePerDay[day] = record.Restricted
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &history, nil
}

func (s *statisticsStore) DeleteHistoryBefore(ctx context.Context, cutoffDay string) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketHistory))
		if b == nil {
			return nil
		}
		// Day keys sort lexically in date order
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && string(k) < cutoffDay; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(stale)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
