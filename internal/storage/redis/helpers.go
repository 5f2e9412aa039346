package redis

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/goodtune/kbudget/internal/storage"
)

const (
	keySites          = "kbudget:sites"
	keyGlobal         = "kbudget:global"
	keyGlobalWebsites = "kbudget:global:websites"
	keyStatsDaily     = "kbudget:stats:daily"
	keyStatsBlocked   = "kbudget:stats:daily:blocked"
	keyStatsRestrict  = "kbudget:stats:daily:restricted"
	keyHistoryPrefix  = "kbudget:stats:history"
	keyHistoryDays    = "kbudget:stats:history:days"
)

func siteKey(site string) string {
	return "kbudget:site:" + site
}

func historyKey(kind, day string) string {
	return fmt.Sprintf("%s:%s:%s", keyHistoryPrefix, kind, day)
}

// parseUsage reads the counter fields of a budget hash
func parseUsage(data map[string]string) (storage.Usage, error) {
	var usage storage.Usage
	if raw, ok := data["total_time"]; ok && raw != "" {
		total, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return usage, fmt.Errorf("%w: total_time %q", storage.ErrInvalidRecord, raw)
		}
		usage.TotalTime = total
	}
	usage.LastAccessedDate = data["last_accessed_date"]
	usage.Repair()
	return usage, nil
}

// parseRules decodes the rules field of a budget hash
func parseRules(data map[string]string) (storage.BudgetRules, error) {
	var rules storage.BudgetRules
	if err := storage.UnmarshalRecord([]byte(data["rules"]), &rules); err != nil {
		return rules, fmt.Errorf("failed to parse rules: %w", err)
	}
	return rules, nil
}

// parseSiteBudget converts a Redis hash to SiteBudget
func parseSiteBudget(data map[string]string) (*storage.SiteBudget, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	rules, err := parseRules(data)
	if err != nil {
		return nil, err
	}

	usage, err := parseUsage(data)
	if err != nil {
		return nil, err
	}

	return &storage.SiteBudget{
		Website:     data["website"],
		BudgetRules: rules,
		Usage:       usage,
	}, nil
}

// parseGlobalBudget converts the global hash and member set to GlobalBudget
func parseGlobalBudget(data map[string]string, websites []string) (*storage.GlobalBudget, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	rules, err := parseRules(data)
	if err != nil {
		return nil, err
	}

	usage, err := parseUsage(data)
	if err != nil {
		return nil, err
	}

	sort.Strings(websites)
	return &storage.GlobalBudget{
		Websites:    websites,
		BudgetRules: rules,
		Usage:       usage,
	}, nil
}

// parseCounts converts a hash of integer counters
func parseCounts(data map[string]string) (map[string]int64, error) {
	counts := make(map[string]int64, len(data))
	for key, raw := range data {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse counter %s: %w", key, err)
		}
		counts[key] = value
	}
	return counts, nil
}

func encodeRules(rules storage.BudgetRules) (string, error) {
	data, err := json.Marshal(rules)
	if err != nil {
		return "", fmt.Errorf("failed to encode rules: %w", err)
	}
	return string(data), nil
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
