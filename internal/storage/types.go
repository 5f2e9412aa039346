package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/kbudget/internal/calendar"
)

// Unrestricted marks a weekday allowance with no limit.
const Unrestricted int64 = -1

// DefaultGlobalAllowance is the per-day allowance of a freshly created
// Global Budget, in seconds.
const DefaultGlobalAllowance int64 = 300

// Allowance holds allowed seconds per weekday, Monday first.
type Allowance [7]int64

// For returns the allowance for a Monday-based weekday index.
func (a Allowance) For(weekday int) int64 {
	if weekday < 0 || weekday > 6 {
		return Unrestricted
	}
	return a[weekday]
}

// UnmarshalJSON accepts either a 7-element array or an object keyed "0".."6".
func (a *Allowance) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("timeAllowed is required")
	}

	switch data[0] {
	case '[':
		var values []int64
		if err := json.Unmarshal(data, &values); err != nil {
			return fmt.Errorf("invalid timeAllowed: %w", err)
		}
		if len(values) != 7 {
			return fmt.Errorf("timeAllowed must have 7 entries, got %d", len(values))
		}
		copy(a[:], values)
		return nil
	case '{':
		var values map[string]int64
		if err := json.Unmarshal(data, &values); err != nil {
			return fmt.Errorf("invalid timeAllowed: %w", err)
		}
		if len(values) != 7 {
			return fmt.Errorf("timeAllowed must have 7 entries, got %d", len(values))
		}
		var out Allowance
		for key, value := range values {
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx > 6 {
				return fmt.Errorf("invalid timeAllowed weekday %q", key)
			}
			out[idx] = value
		}
		*a = out
		return nil
	default:
		return fmt.Errorf("timeAllowed must be an array or object")
	}
}

// EveryDay returns an allowance with the same value for all weekdays.
func EveryDay(seconds int64) Allowance {
	var a Allowance
	for i := range a {
		a[i] = seconds
	}
	return a
}

// ScheduledBlockRange is a minute-of-day window during which a scope is blocked.
type ScheduledBlockRange struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Days  []bool `json:"days,omitempty"` // Monday first; empty means every day
}

// AppliesOn reports whether the range is active on a Monday-based weekday.
func (r ScheduledBlockRange) AppliesOn(weekday int) bool {
	if len(r.Days) == 0 {
		return true
	}
	return weekday >= 0 && weekday < len(r.Days) && r.Days[weekday]
}

// Contains reports whether t falls inside the range on its weekday.
func (r ScheduledBlockRange) Contains(t time.Time) bool {
	return r.AppliesOn(calendar.WeekdayIndex(t)) &&
		calendar.WithinWindow(r.Start, r.End, calendar.MinuteOfDay(t))
}

// String renders the range as HH:MM-HH:MM.
func (r ScheduledBlockRange) String() string {
	return calendar.FormatWindow(r.Start, r.End)
}

// BudgetRules is the configuration shared by site and global budgets.
type BudgetRules struct {
	TimeAllowed          Allowance             `json:"timeAllowed"`
	BlockIncognito       bool                  `json:"blockIncognito"`
	RedirectURL          string                `json:"redirectUrl"`
	ScheduledBlockRanges []ScheduledBlockRange `json:"scheduledBlockRanges"`
	AllowedPaths         []string              `json:"allowedPaths"`
}

// ActiveRange returns the first scheduled range containing t, or nil.
func (r BudgetRules) ActiveRange(t time.Time) *ScheduledBlockRange {
	for i := range r.ScheduledBlockRanges {
		if r.ScheduledBlockRanges[i].Contains(t) {
			return &r.ScheduledBlockRanges[i]
		}
	}
	return nil
}

// AllowsPath reports whether path is exempt from the budget.
func (r BudgetRules) AllowsPath(path string) bool {
	if path == "" {
		return false
	}
	for _, allowed := range r.AllowedPaths {
		if NormalizePath(allowed) == path {
			return true
		}
	}
	return false
}

// Validate checks allowances and ranges.
func (r BudgetRules) Validate() error {
	for i, seconds := range r.TimeAllowed {
		if seconds < Unrestricted {
			return fmt.Errorf("timeAllowed[%d] must be >= -1, got %d", i, seconds)
		}
	}
	for i, rng := range r.ScheduledBlockRanges {
		if rng.Start < 0 || rng.Start >= calendar.MinutesPerDay {
			return fmt.Errorf("scheduledBlockRanges[%d].start out of range: %d", i, rng.Start)
		}
		if rng.End < 0 || rng.End > calendar.MinutesPerDay {
			return fmt.Errorf("scheduledBlockRanges[%d].end out of range: %d", i, rng.End)
		}
		if len(rng.Days) != 0 && len(rng.Days) != 7 {
			return fmt.Errorf("scheduledBlockRanges[%d].days must have 7 entries", i)
		}
	}
	return nil
}

// Normalize cleans allowed paths in place.
func (r *BudgetRules) Normalize() {
	paths := make([]string, 0, len(r.AllowedPaths))
	for _, p := range r.AllowedPaths {
		if p = NormalizePath(p); p != "" && !slices.Contains(paths, p) {
			paths = append(paths, p)
		}
	}
	r.AllowedPaths = paths
	if r.ScheduledBlockRanges == nil {
		r.ScheduledBlockRanges = []ScheduledBlockRange{}
	}
}

// NormalizePath gives an allowed path a leading slash.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// Usage is the per-day consumption counter of a budget.
type Usage struct {
	TotalTime        int64  `json:"totalTime"`
	LastAccessedDate string `json:"lastAccessedDate"`
}

// Stale reports whether the counter belongs to a day other than today.
func (u Usage) Stale(today string) bool {
	return u.LastAccessedDate != today
}

// Repair clamps a negative total to zero and clears a date that is not a
// calendar day, so the counter reads as stale.
func (u *Usage) Repair() {
	if u.TotalTime < 0 {
		u.TotalTime = 0
	}
	if !calendar.ValidDayKey(u.LastAccessedDate) {
		u.LastAccessedDate = ""
	}
}

// Remaining returns the seconds left under allowed. Unrestricted returns -1.
func (u Usage) Remaining(allowed int64) int64 {
	if allowed == Unrestricted {
		return Unrestricted
	}
	if left := allowed - u.TotalTime; left > 0 {
		return left
	}
	return 0
}

// SiteBudget is the budget for a single normalized hostname.
type SiteBudget struct {
	Website string `json:"website"`
	BudgetRules
	Usage
}

// GlobalBudget is the single budget shared by a set of hostnames.
type GlobalBudget struct {
	Websites []string `json:"websites"`
	BudgetRules
	Usage
}

// Has reports whether site is a member of the global set.
func (g *GlobalBudget) Has(site string) bool {
	return g != nil && slices.Contains(g.Websites, site)
}

// DefaultGlobalBudget returns the Global Budget created on first use.
func DefaultGlobalBudget(today string) GlobalBudget {
	return GlobalBudget{
		Websites: []string{},
		BudgetRules: BudgetRules{
			TimeAllowed:          EveryDay(DefaultGlobalAllowance),
			ScheduledBlockRanges: []ScheduledBlockRange{},
			AllowedPaths:         []string{},
		},
		Usage: Usage{LastAccessedDate: today},
	}
}

// DailyStatistics holds the counters for the current day.
type DailyStatistics struct {
	Day                  string           `json:"day"`
	BlockedPerDay        map[string]int64 `json:"blockedPerDay"`
	RestrictedTimePerDay map[string]int64 `json:"restrictedTimePerDay"`
}

// NewDailyStatistics returns empty statistics for day.
func NewDailyStatistics(day string) DailyStatistics {
	return DailyStatistics{
		Day:                  day,
		BlockedPerDay:        map[string]int64{},
		RestrictedTimePerDay: map[string]int64{},
	}
}

// HistoricalStatistics holds archived daily maps keyed by day.
type HistoricalStatistics struct {
	HistoricalBlockedPerDay        map[string]map[string]int64 `json:"historicalBlockedPerDay"`
	HistoricalRestrictedTimePerDay map[string]map[string]int64 `json:"historicalRestrictedTimePerDay"`
}

// NewHistoricalStatistics returns empty history.
func NewHistoricalStatistics() HistoricalStatistics {
	return HistoricalStatistics{
		HistoricalBlockedPerDay:        map[string]map[string]int64{},
		HistoricalRestrictedTimePerDay: map[string]map[string]int64{},
	}
}

// Days returns the archived day keys in ascending order.
func (h HistoricalStatistics) Days() []string {
	seen := make(map[string]struct{})
	for day := range h.HistoricalBlockedPerDay {
		seen[day] = struct{}{}
	}
	for day := range h.HistoricalRestrictedTimePerDay {
		seen[day] = struct{}{}
	}
	days := make([]string, 0, len(seen))
	for day := range seen {
		days = append(days, day)
	}
	sort.Strings(days)
	return days
}

// UsageIncrement is one tick's worth of consumption.
type UsageIncrement struct {
	Today    string
	Site     string // concrete visited site, also the restricted-time key
	Seconds  int64
	InSite   bool // credit the Site Budget
	InGlobal bool // credit the Global Budget
}

// UsageTotals reports the counters after an increment.
type UsageTotals struct {
	SiteTotal   int64
	GlobalTotal int64
	SiteFound   bool
	GlobalFound bool
}

// UnmarshalRecord decodes a stored budget document into v, which must be a
// *SiteBudget, *GlobalBudget or *BudgetRules. Documents without
// timeAllowed or with out-of-range rules fail with ErrInvalidRecord;
// counters are repaired.
func UnmarshalRecord(data []byte, v any) error {
	var head struct {
		TimeAllowed json.RawMessage `json:"timeAllowed"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if len(head.TimeAllowed) == 0 || bytes.Equal(head.TimeAllowed, []byte("null")) {
		return fmt.Errorf("%w: timeAllowed is required", ErrInvalidRecord)
	}

	var rules *BudgetRules
	var usage *Usage
	switch r := v.(type) {
	case *SiteBudget:
		rules, usage = &r.BudgetRules, &r.Usage
	case *GlobalBudget:
		rules, usage = &r.BudgetRules, &r.Usage
	case *BudgetRules:
		rules = r
	default:
		return fmt.Errorf("unsupported record type %T", v)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := rules.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if usage != nil {
		usage.Repair()
	}
	return nil
}
