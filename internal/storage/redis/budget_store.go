package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/goodtune/kbudget/internal/storage"
	"github.com/redis/go-redis/v9"
)

type budgetStore struct {
	client *redis.Client

	putSiteRules   *redis.Script
	deleteSite     *redis.Script
	putGlobalRules *redis.Script
	addGlobalSite  *redis.Script
	rollover       *redis.Script
	addUsage       *redis.Script
}

func newBudgetStore(client *redis.Client) *budgetStore {
	return &budgetStore{
		client:         client,
		putSiteRules:   redis.NewScript(putSiteRulesScript),
		deleteSite:     redis.NewScript(deleteSiteScript),
		putGlobalRules: redis.NewScript(putGlobalRulesScript),
		addGlobalSite:  redis.NewScript(addGlobalWebsiteScript),
		rollover:       redis.NewScript(rolloverScript),
		addUsage:       redis.NewScript(addUsageScript),
	}
}

// GetSite retrieves a site budget
func (s *budgetStore) GetSite(ctx context.Context, site string) (*storage.SiteBudget, error) {
	data, err := s.client.HGetAll(ctx, siteKey(site)).Result()
	if err != nil {
		return nil, err
	}
	return parseSiteBudget(data)
}

// ListSites returns every site budget ordered by website
func (s *budgetStore) ListSites(ctx context.Context) ([]storage.SiteBudget, error) {
	sites, err := s.client.SMembers(ctx, keySites).Result()
	if err != nil {
		return nil, err
	}

	if len(sites) == 0 {
		return []storage.SiteBudget{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(sites))
	for i, site := range sites {
		cmds[i] = pipe.HGetAll(ctx, siteKey(site))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	budgets := make([]storage.SiteBudget, 0, len(sites))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		budget, err := parseSiteBudget(data)
		if errors.Is(err, storage.ErrInvalidRecord) {
			continue
		}
		if err != nil {
			return nil, err
		}
		budgets = append(budgets, *budget)
	}

	sort.Slice(budgets, func(i, j int) bool {
		return budgets[i].Website < budgets[j].Website
	})

	return budgets, nil
}

// PutSiteRules creates or reconfigures a site without touching its counters
func (s *budgetStore) PutSiteRules(ctx context.Context, site string, rules storage.BudgetRules, today string) error {
	encoded, err := encodeRules(rules)
	if err != nil {
		return err
	}

	keys := []string{siteKey(site), keySites}
	return s.putSiteRules.Run(ctx, s.client, keys, site, encoded, today).Err()
}

// DeleteSite removes a site budget
func (s *budgetStore) DeleteSite(ctx context.Context, site string) error {
	deleted, err := s.deleteSite.Run(ctx, s.client, []string{siteKey(site), keySites}, site).Int64()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetGlobal retrieves the Global Budget
func (s *budgetStore) GetGlobal(ctx context.Context) (*storage.GlobalBudget, error) {
	pipe := s.client.Pipeline()
	dataCmd := pipe.HGetAll(ctx, keyGlobal)
	websitesCmd := pipe.SMembers(ctx, keyGlobalWebsites)

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	return parseGlobalBudget(dataCmd.Val(), websitesCmd.Val())
}

// PutGlobalRules reconfigures the Global Budget without touching its counter
func (s *budgetStore) PutGlobalRules(ctx context.Context, rules storage.BudgetRules, today string) error {
	encoded, err := encodeRules(rules)
	if err != nil {
		return err
	}
	return s.putGlobalRules.Run(ctx, s.client, []string{keyGlobal}, encoded, today).Err()
}

// AddGlobalWebsite adds a site to the global set
func (s *budgetStore) AddGlobalWebsite(ctx context.Context, site string, today string) error {
	encoded, err := encodeRules(storage.DefaultGlobalBudget(today).BudgetRules)
	if err != nil {
		return err
	}

	keys := []string{keyGlobal, keyGlobalWebsites}
	return s.addGlobalSite.Run(ctx, s.client, keys, site, encoded, today).Err()
}

// RemoveGlobalWebsite removes a site from the global set
func (s *budgetStore) RemoveGlobalWebsite(ctx context.Context, site string) error {
	removed, err := s.client.SRem(ctx, keyGlobalWebsites, site).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RolloverSite resets a site's counter if it belongs to another day
func (s *budgetStore) RolloverSite(ctx context.Context, site string, today string) (bool, error) {
	return s.runRollover(ctx, siteKey(site), today)
}

// RolloverGlobal resets the global counter if it belongs to another day
func (s *budgetStore) RolloverGlobal(ctx context.Context, today string) (bool, error) {
	return s.runRollover(ctx, keyGlobal, today)
}

// RolloverAllSites rolls every site over, returning how many were reset
func (s *budgetStore) RolloverAllSites(ctx context.Context, today string) (int, error) {
	sites, err := s.client.SMembers(ctx, keySites).Result()
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, site := range sites {
		if ctx.Err() != nil {
			return reset, ctx.Err()
		}
		changed, err := s.runRollover(ctx, siteKey(site), today)
		if err != nil && err != storage.ErrNotFound {
			return reset, fmt.Errorf("rollover %s: %w", site, err)
		}
		if changed {
			reset++
		}
	}

	return reset, nil
}

func (s *budgetStore) runRollover(ctx context.Context, key string, today string) (bool, error) {
	result, err := s.rollover.Run(ctx, s.client, []string{key}, today).Int64()
	if err != nil {
		return false, err
	}
	switch result {
	case -1:
		return false, storage.ErrNotFound
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

// AddUsage atomically credits a tick to the active scopes
func (s *budgetStore) AddUsage(ctx context.Context, inc storage.UsageIncrement) (*storage.UsageTotals, error) {
	keys := []string{siteKey(inc.Site), keyGlobal, keyStatsRestrict}
	args := []interface{}{
		inc.Today,
		inc.Site,
		inc.Seconds,
		boolArg(inc.InSite),
		boolArg(inc.InGlobal),
	}

	values, err := s.addUsage.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, err
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("unexpected add usage result: %v", values)
	}

	totals := &storage.UsageTotals{
		SiteTotal:   values[0],
		GlobalTotal: values[1],
		SiteFound:   values[0] >= 0,
		GlobalFound: values[1] >= 0,
	}
	if !totals.SiteFound {
		totals.SiteTotal = 0
	}
	if !totals.GlobalFound {
		totals.GlobalTotal = 0
	}

	return totals, nil
}
