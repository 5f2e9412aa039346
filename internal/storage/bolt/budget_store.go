package bolt

import (
	"context"
	"errors"
	"slices"
	"sort"

	"github.com/goodtune/kbudget/internal/storage"
	"go.etcd.io/bbolt"
)

type budgetStore struct {
	db *bbolt.DB
}

func (s *budgetStore) GetSite(ctx context.Context, site string) (*storage.SiteBudget, error) {
	return getBucketValue[storage.SiteBudget](ctx, s.db, bucketSites, site)
}

func (s *budgetStore) ListSites(ctx context.Context) ([]storage.SiteBudget, error) {
	sites, err := listBucket[storage.SiteBudget](ctx, s.db, bucketSites)
	if err != nil {
		return nil, err
	}
	sort.Slice(sites, func(i, j int) bool {
		return sites[i].Website < sites[j].Website
	})
	return sites, nil
}

func (s *budgetStore) PutSiteRules(ctx context.Context, site string, rules storage.BudgetRules, today string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		budget := storage.SiteBudget{
			Website: site,
			Usage:   storage.Usage{LastAccessedDate: today},
		}
		// An invalid record is replaced with fresh counters
		existing, err := readValue[storage.SiteBudget](tx, bucketSites, site)
		switch {
		case err == nil:
			budget.Usage = existing.Usage
		case !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrInvalidRecord):
			return err
		}
		budget.BudgetRules = rules
		return writeValue(tx, bucketSites, site, budget)
	})
}

func (s *budgetStore) DeleteSite(ctx context.Context, site string) error {
	return deleteBucketValue(ctx, s.db, bucketSites, site)
}

func (s *budgetStore) GetGlobal(ctx context.Context) (*storage.GlobalBudget, error) {
	global, err := getBucketValue[storage.GlobalBudget](ctx, s.db, bucketGlobal, keyGlobal)
	if err != nil {
		return nil, err
	}
	sort.Strings(global.Websites)
	return global, nil
}

func (s *budgetStore) PutGlobalRules(ctx context.Context, rules storage.BudgetRules, today string) error {
	return s.updateGlobal(ctx, today, func(global *storage.GlobalBudget) (bool, error) {
		global.BudgetRules = rules
		return true, nil
	})
}

func (s *budgetStore) AddGlobalWebsite(ctx context.Context, site string, today string) error {
	return s.updateGlobal(ctx, today, func(global *storage.GlobalBudget) (bool, error) {
		if !slices.Contains(global.Websites, site) {
			global.Websites = append(global.Websites, site)
		}
		return true, nil
	})
}

func (s *budgetStore) RemoveGlobalWebsite(ctx context.Context, site string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		global, err := readValue[storage.GlobalBudget](tx, bucketGlobal, keyGlobal)
		if err != nil {
			return err
		}
		idx := slices.Index(global.Websites, site)
		if idx < 0 {
			return storage.ErrNotFound
		}
		global.Websites = slices.Delete(global.Websites, idx, idx+1)
		return writeValue(tx, bucketGlobal, keyGlobal, global)
	})
}

// updateGlobal applies fn to the Global Budget, creating the default one
// first when it does not exist or is invalid.
func (s *budgetStore) updateGlobal(ctx context.Context, today string, fn func(*storage.GlobalBudget) (bool, error)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		global, err := readValue[storage.GlobalBudget](tx, bucketGlobal, keyGlobal)
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidRecord) {
			created := storage.DefaultGlobalBudget(today)
			global, err = &created, nil
		}
		if err != nil {
			return err
		}
		changed, err := fn(global)
		if err != nil || !changed {
			return err
		}
		return writeValue(tx, bucketGlobal, keyGlobal, global)
	})
}

func (s *budgetStore) RolloverSite(ctx context.Context, site string, today string) (bool, error) {
	changed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		budget, err := readValue[storage.SiteBudget](tx, bucketSites, site)
		if err != nil {
			return err
		}
		if !budget.Stale(today) {
			return nil
		}
		budget.Usage = storage.Usage{LastAccessedDate: today}
		changed = true
		return writeValue(tx, bucketSites, site, budget)
	})
	return changed, err
}

func (s *budgetStore) RolloverGlobal(ctx context.Context, today string) (bool, error) {
	changed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		global, err := readValue[storage.GlobalBudget](tx, bucketGlobal, keyGlobal)
		if err != nil {
			return err
		}
		if !global.Stale(today) {
			return nil
		}
		global.Usage = storage.Usage{LastAccessedDate: today}
		changed = true
		return writeValue(tx, bucketGlobal, keyGlobal, global)
	})
	return changed, err
}

func (s *budgetStore) RolloverAllSites(ctx context.Context, today string) (int, error) {
	reset := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketSites))
		if b == nil {
			return nil
		}

		updates := make(map[string]storage.SiteBudget)
		err := b.ForEach(func(k, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			budget, err := decode[storage.SiteBudget](v)
			if errors.Is(err, storage.ErrInvalidRecord) {
				return nil
			}
			if err != nil {
				return err
			}
			if budget.Stale(today) {
				budget.Usage = storage.Usage{LastAccessedDate: today}
				updates[string(k)] = *budget
			}
			return nil
		})
		if err != nil {
			return err
		}

		// bbolt forbids mutating a bucket while iterating it
		for key, budget := range updates {
			if err := writeValue(tx, bucketSites, key, budget); err != nil {
				return err
			}
		}
		reset = len(updates)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reset, nil
}

func (s *budgetStore) AddUsage(ctx context.Context, inc storage.UsageIncrement) (*storage.UsageTotals, error) {
	totals := &storage.UsageTotals{}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if inc.InSite {
			site, err := readValue[storage.SiteBudget](tx, bucketSites, inc.Site)
			switch {
			case err == nil:
				site.Usage = credit(site.Usage, inc)
				if err := writeValue(tx, bucketSites, inc.Site, site); err != nil {
					return err
				}
				totals.SiteFound = true
				totals.SiteTotal = site.TotalTime
			case !errors.Is(err, storage.ErrNotFound):
				return err
			}
		}

		if inc.InGlobal {
			global, err := readValue[storage.GlobalBudget](tx, bucketGlobal, keyGlobal)
			switch {
			case err == nil:
				global.Usage = credit(global.Usage, inc)
				if err := writeValue(tx, bucketGlobal, keyGlobal, global); err != nil {
					return err
				}
				totals.GlobalFound = true
				totals.GlobalTotal = global.TotalTime
			case !errors.Is(err, storage.ErrNotFound):
				return err
			}
		}

		if !totals.SiteFound && !totals.GlobalFound {
			return nil
		}

		daily, err := readDaily(tx, inc.Today)
		if err != nil {
			return err
		}
		daily.RestrictedTimePerDay[inc.Site] += inc.Seconds
		return writeValue(tx, bucketStats, keyDaily, daily)
	})
	if err != nil {
		return nil, err
	}
	return totals, nil
}

// credit resets a counter from another day before adding the increment.
func credit(usage storage.Usage, inc storage.UsageIncrement) storage.Usage {
	if usage.Stale(inc.Today) {
		usage = storage.Usage{LastAccessedDate: inc.Today}
	}
	usage.TotalTime += inc.Seconds
	return usage
}
