package policy

import (
	"testing"
	"time"

	"github.com/goodtune/kbudget/internal/storage"
	"github.com/goodtune/kbudget/internal/target"
)

// 2024-01-01 was a Monday
func mondayAt(h, m int) time.Time {
	return time.Date(2024, 1, 1, h, m, 0, 0, time.Local)
}

func site(name string, allowed, total int64) *storage.SiteBudget {
	return &storage.SiteBudget{
		Website: name,
		BudgetRules: storage.BudgetRules{
			TimeAllowed: storage.EveryDay(allowed),
		},
		Usage: storage.Usage{TotalTime: total, LastAccessedDate: "2024-01-01"},
	}
}

func global(allowed, total int64, websites ...string) *storage.GlobalBudget {
	g := storage.DefaultGlobalBudget("2024-01-01")
	g.TimeAllowed = storage.EveryDay(allowed)
	g.TotalTime = total
	g.Websites = websites
	return &g
}

func tab(site, path string) target.Target {
	return target.Target{URL: "https://" + site + path, Site: site, Path: path}
}

func TestEvaluate(t *testing.T) {
	allDays := []bool{true, true, true, true, true, true, true}
	morning := storage.ScheduledBlockRange{Start: 540, End: 600, Days: allDays}

	withRange := func(s *storage.SiteBudget, r storage.ScheduledBlockRange) *storage.SiteBudget {
		s.ScheduledBlockRanges = []storage.ScheduledBlockRange{r}
		return s
	}
	withPaths := func(s *storage.SiteBudget, paths ...string) *storage.SiteBudget {
		s.AllowedPaths = paths
		return s
	}
	withIncognito := func(s *storage.SiteBudget) *storage.SiteBudget {
		s.BlockIncognito = true
		return s
	}

	tests := []struct {
		name        string
		snap        Snapshot
		target      target.Target
		incognito   bool
		now         time.Time
		wantAction  Action
		wantReason  Reason
		wantScope   Scope
		wantStatKey string
		wantMessage string
		wantScopes  []Scope
	}{
		{
			name:       "no budgets",
			snap:       Snapshot{},
			target:     tab("example.com", "/"),
			now:        mondayAt(12, 0),
			wantAction: ActionAllow,
		},
		{
			name:       "global exists without membership",
			snap:       Snapshot{Global: global(120, 0, "reddit.com")},
			target:     tab("example.com", "/"),
			now:        mondayAt(12, 0),
			wantAction: ActionAllow,
		},
		{
			name:       "site under limit tracks",
			snap:       Snapshot{Site: site("youtube.com", 300, 100)},
			target:     tab("youtube.com", "/"),
			now:        mondayAt(12, 0),
			wantAction: ActionTrack,
			wantScopes: []Scope{ScopeSite},
		},
		{
			name:        "site at limit blocks",
			snap:        Snapshot{Site: site("youtube.com", 300, 300)},
			target:      tab("youtube.com", "/"),
			now:         mondayAt(12, 0),
			wantAction:  ActionBlock,
			wantReason:  ReasonLimitReached,
			wantScope:   ScopeSite,
			wantStatKey: "youtube.com",
			wantMessage: "Time limit reached on youtube.com",
		},
		{
			name:        "scheduled block ignores remaining time",
			snap:        Snapshot{Site: withRange(site("youtube.com", 300, 0), morning)},
			target:      tab("youtube.com", "/"),
			now:         mondayAt(9, 30),
			wantAction:  ActionBlock,
			wantReason:  ReasonScheduledBlock,
			wantScope:   ScopeSite,
			wantStatKey: "youtube.com",
			wantMessage: "Scheduled block between 09:00-10:00 on youtube.com",
		},
		{
			name:       "scheduled range on another weekday",
			snap:       Snapshot{Site: withRange(site("youtube.com", 300, 0), storage.ScheduledBlockRange{Start: 540, End: 600, Days: []bool{false, true, true, true, true, true, true}})},
			target:     tab("youtube.com", "/"),
			now:        mondayAt(9, 30),
			wantAction: ActionTrack,
			wantScopes: []Scope{ScopeSite},
		},
		{
			name:        "scheduled range without days mask applies every day",
			snap:        Snapshot{Site: withRange(site("youtube.com", 300, 0), storage.ScheduledBlockRange{Start: 1320, End: 360})},
			target:      tab("youtube.com", "/"),
			now:         mondayAt(23, 0),
			wantAction:  ActionBlock,
			wantReason:  ReasonScheduledBlock,
			wantScope:   ScopeSite,
			wantStatKey: "youtube.com",
			wantMessage: "Scheduled block between 22:00-06:00 on youtube.com",
		},
		{
			name:       "unrestricted day",
			snap:       Snapshot{Site: site("youtube.com", storage.Unrestricted, 99999)},
			target:     tab("youtube.com", "/"),
			now:        mondayAt(12, 0),
			wantAction: ActionAllow,
		},
		{
			name:       "allowed path exempts site scope",
			snap:       Snapshot{Site: withPaths(site("youtube.com", 300, 300), "/feed/subscriptions")},
			target:     tab("youtube.com", "/feed/subscriptions"),
			now:        mondayAt(12, 0),
			wantAction: ActionAllow,
		},
		{
			name:       "incognito exempt when not blocked",
			snap:       Snapshot{Site: site("youtube.com", 300, 300)},
			target:     tab("youtube.com", "/"),
			incognito:  true,
			now:        mondayAt(12, 0),
			wantAction: ActionAllow,
		},
		{
			name:        "incognito blocked when configured",
			snap:        Snapshot{Site: withIncognito(site("youtube.com", 300, 300))},
			target:      tab("youtube.com", "/"),
			incognito:   true,
			now:         mondayAt(12, 0),
			wantAction:  ActionBlock,
			wantReason:  ReasonLimitReached,
			wantScope:   ScopeSite,
			wantStatKey: "youtube.com",
			wantMessage: "Time limit reached on youtube.com",
		},
		{
			name:       "global only tracks",
			snap:       Snapshot{Global: global(120, 10, "reddit.com")},
			target:     tab("reddit.com", "/r/golang"),
			now:        mondayAt(12, 0),
			wantAction: ActionTrack,
			wantScopes: []Scope{ScopeGlobal},
		},
		{
			name:        "global limit uses global stat key",
			snap:        Snapshot{Global: global(120, 120, "reddit.com")},
			target:      tab("reddit.com", "/"),
			now:         mondayAt(12, 0),
			wantAction:  ActionBlock,
			wantReason:  ReasonLimitReached,
			wantScope:   ScopeGlobal,
			wantStatKey: "Global Budget",
			wantMessage: "Time limit reached on your Global Budget (reddit.com)",
		},
		{
			name: "global schedule counts against site",
			snap: Snapshot{Global: func() *storage.GlobalBudget {
				g := global(120, 0, "reddit.com")
				g.ScheduledBlockRanges = []storage.ScheduledBlockRange{morning}
				return g
			}()},
			target:      tab("reddit.com", "/"),
			now:         mondayAt(9, 0),
			wantAction:  ActionBlock,
			wantReason:  ReasonScheduledBlock,
			wantScope:   ScopeGlobal,
			wantStatKey: "reddit.com",
			wantMessage: "Scheduled block between 09:00-10:00 on Global Budget (reddit.com)",
		},
		{
			name:       "site unrestricted does not exempt global",
			snap:       Snapshot{Site: site("reddit.com", storage.Unrestricted, 0), Global: global(120, 60, "reddit.com")},
			target:     tab("reddit.com", "/"),
			now:        mondayAt(12, 0),
			wantAction: ActionTrack,
			wantScopes: []Scope{ScopeGlobal},
		},
		{
			name:        "site unrestricted global breached",
			snap:        Snapshot{Site: site("reddit.com", storage.Unrestricted, 0), Global: global(120, 120, "reddit.com")},
			target:      tab("reddit.com", "/"),
			now:         mondayAt(12, 0),
			wantAction:  ActionBlock,
			wantReason:  ReasonLimitReached,
			wantScope:   ScopeGlobal,
			wantStatKey: "Global Budget",
			wantMessage: "Time limit reached on your Global Budget (reddit.com)",
		},
		{
			name:        "site block wins over global block",
			snap:        Snapshot{Site: site("reddit.com", 60, 60), Global: global(120, 120, "reddit.com")},
			target:      tab("reddit.com", "/"),
			now:         mondayAt(12, 0),
			wantAction:  ActionBlock,
			wantReason:  ReasonLimitReached,
			wantScope:   ScopeSite,
			wantStatKey: "reddit.com",
			wantMessage: "Time limit reached on reddit.com",
		},
		{
			name:       "both scopes tracked",
			snap:       Snapshot{Site: site("reddit.com", 300, 10), Global: global(120, 10, "reddit.com")},
			target:     tab("reddit.com", "/"),
			now:        mondayAt(12, 0),
			wantAction: ActionTrack,
			wantScopes: []Scope{ScopeSite, ScopeGlobal},
		},
		{
			name:       "incognito skips site but not global",
			snap:       Snapshot{Site: site("reddit.com", 60, 60), Global: global(120, 10, "reddit.com")},
			target:     tab("reddit.com", "/"),
			incognito:  true,
			now:        mondayAt(12, 0),
			wantAction: ActionTrack,
			wantScopes: []Scope{ScopeGlobal},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.snap, tt.target, tt.incognito, tt.now, Options{})
			if got.Action != tt.wantAction {
				t.Fatalf("Evaluate() action = %v, want %v (message: %s)", got.Action, tt.wantAction, got.Message)
			}
			if got.Reason != tt.wantReason || got.Scope != tt.wantScope || got.StatKey != tt.wantStatKey {
				t.Errorf("Evaluate() = reason %q scope %q stat %q, want %q %q %q",
					got.Reason, got.Scope, got.StatKey, tt.wantReason, tt.wantScope, tt.wantStatKey)
			}
			if got.Message != tt.wantMessage {
				t.Errorf("Evaluate() message = %q, want %q", got.Message, tt.wantMessage)
			}
			if len(got.Scopes) != len(tt.wantScopes) {
				t.Fatalf("Evaluate() scopes = %v, want %v", got.Scopes, tt.wantScopes)
			}
			for i := range got.Scopes {
				if got.Scopes[i] != tt.wantScopes[i] {
					t.Errorf("Evaluate() scopes = %v, want %v", got.Scopes, tt.wantScopes)
				}
			}
		})
	}
}

func TestEvaluateRemainingIsSmallest(t *testing.T) {
	snap := Snapshot{Site: site("reddit.com", 300, 10), Global: global(120, 100, "reddit.com")}
	got := Evaluate(snap, tab("reddit.com", "/"), false, mondayAt(12, 0), Options{})
	if got.Remaining != 20 {
		t.Fatalf("Remaining = %d, want 20", got.Remaining)
	}
}

func TestEvaluateRedirectFromBreachedScope(t *testing.T) {
	s := site("reddit.com", 300, 10)
	s.RedirectURL = "example.com"
	g := global(120, 120, "reddit.com")
	g.RedirectURL = "https://focus.example"

	got := Evaluate(Snapshot{Site: s, Global: g}, tab("reddit.com", "/"), false, mondayAt(12, 0), Options{GlobalStatKey: "All"})
	if got.RedirectURL != "https://focus.example" || got.StatKey != "All" {
		t.Fatalf("Unexpected block %+v", got)
	}
}

func TestCheckLimits(t *testing.T) {
	now := mondayAt(12, 0)
	tg := tab("reddit.com", "/")

	if d := CheckLimits(Snapshot{Site: site("reddit.com", 300, 299)}, tg, []Scope{ScopeSite}, now, Options{}); d != nil {
		t.Fatalf("Expected no breach at 299, got %+v", d)
	}

	d := CheckLimits(Snapshot{Site: site("reddit.com", 300, 300)}, tg, []Scope{ScopeSite}, now, Options{})
	if d == nil || d.Reason != ReasonLimitReached || d.Scope != ScopeSite {
		t.Fatalf("Expected site breach, got %+v", d)
	}

	// Untracked scopes are ignored
	if d := CheckLimits(Snapshot{Site: site("reddit.com", 300, 300)}, tg, []Scope{ScopeGlobal}, now, Options{}); d != nil {
		t.Fatalf("Expected untracked scope to be ignored, got %+v", d)
	}

	// Schedules are not rechecked
	s := site("reddit.com", 300, 0)
	s.ScheduledBlockRanges = []storage.ScheduledBlockRange{{Start: 0, End: 1440}}
	if d := CheckLimits(Snapshot{Site: s}, tg, []Scope{ScopeSite}, now, Options{}); d != nil {
		t.Fatalf("Expected schedule to be ignored, got %+v", d)
	}

	both := Snapshot{Site: site("reddit.com", 300, 300), Global: global(120, 120, "reddit.com")}
	d = CheckLimits(both, tg, []Scope{ScopeGlobal, ScopeSite}, now, Options{})
	if d == nil || d.Scope != ScopeSite {
		t.Fatalf("Expected site scope to win, got %+v", d)
	}
}

func TestActionJSON(t *testing.T) {
	var a Action
	if err := a.UnmarshalJSON([]byte(`"track"`)); err != nil || a != ActionTrack {
		t.Fatalf("UnmarshalJSON = %v, %v", a, err)
	}
	if err := a.UnmarshalJSON([]byte(`"bypass"`)); err == nil {
		t.Fatal("Expected error for unknown action")
	}
}
