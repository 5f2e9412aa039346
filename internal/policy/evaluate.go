package policy

import (
	"fmt"
	"time"

	"github.com/goodtune/kbudget/internal/calendar"
	"github.com/goodtune/kbudget/internal/storage"
	"github.com/goodtune/kbudget/internal/target"
)

// Evaluate decides what to do with a tab showing t at now. Site scope
// checks run before global ones so a site block wins.
func Evaluate(snap Snapshot, t target.Target, incognito bool, now time.Time, opts Options) Decision {
	opts = opts.withDefaults()

	inSite := snap.Site != nil
	inGlobal := snap.Global.Has(t.Site)
	if !inSite && !inGlobal {
		return Decision{Action: ActionAllow, Target: t, Remaining: storage.Unrestricted}
	}

	weekday := calendar.WeekdayIndex(now)
	var scopes []Scope

	if inSite && siteApplies(snap.Site, t, incognito, weekday) {
		rules := snap.Site.BudgetRules
		if rng := rules.ActiveRange(now); rng != nil {
			return blocked(t, ScopeSite, ReasonScheduledBlock, rules.RedirectURL, t.Site,
				fmt.Sprintf("Scheduled block between %s on %s", rng, t.Site))
		}
		if breached(snap.Site.Usage, rules.TimeAllowed.For(weekday)) {
			return siteLimit(snap.Site, t)
		}
		scopes = append(scopes, ScopeSite)
	}

	if inGlobal && snap.Global.TimeAllowed.For(weekday) != storage.Unrestricted {
		rules := snap.Global.BudgetRules
		if rng := rules.ActiveRange(now); rng != nil {
			return blocked(t, ScopeGlobal, ReasonScheduledBlock, rules.RedirectURL, t.Site,
				fmt.Sprintf("Scheduled block between %s on Global Budget (%s)", rng, t.Site))
		}
		if breached(snap.Global.Usage, rules.TimeAllowed.For(weekday)) {
			return globalLimit(snap.Global, t, opts)
		}
		scopes = append(scopes, ScopeGlobal)
	}

	if len(scopes) == 0 {
		return Decision{Action: ActionAllow, Target: t, Remaining: storage.Unrestricted}
	}

	return Decision{
		Action:    ActionTrack,
		Target:    t,
		Scopes:    scopes,
		Remaining: remaining(snap, scopes, weekday),
	}
}

// CheckLimits re-runs only the accumulated-time comparison for the tracked
// scopes. It returns nil when no scope is in breach.
func CheckLimits(snap Snapshot, t target.Target, scopes []Scope, now time.Time, opts Options) *Decision {
	opts = opts.withDefaults()
	weekday := calendar.WeekdayIndex(now)

	for _, scope := range []Scope{ScopeSite, ScopeGlobal} {
		if !containsScope(scopes, scope) {
			continue
		}
		switch scope {
		case ScopeSite:
			if snap.Site != nil && breached(snap.Site.Usage, snap.Site.TimeAllowed.For(weekday)) {
				d := siteLimit(snap.Site, t)
				return &d
			}
		case ScopeGlobal:
			if snap.Global != nil && breached(snap.Global.Usage, snap.Global.TimeAllowed.For(weekday)) {
				d := globalLimit(snap.Global, t, opts)
				return &d
			}
		}
	}
	return nil
}

// Remaining returns the smallest allowance left across scopes, or -1 when
// every scope is unrestricted today.
func Remaining(snap Snapshot, scopes []Scope, now time.Time) int64 {
	return remaining(snap, scopes, calendar.WeekdayIndex(now))
}

func remaining(snap Snapshot, scopes []Scope, weekday int) int64 {
	least := storage.Unrestricted
	consider := func(left int64) {
		if left == storage.Unrestricted {
			return
		}
		if least == storage.Unrestricted || left < least {
			least = left
		}
	}
	if containsScope(scopes, ScopeSite) && snap.Site != nil {
		consider(snap.Site.Remaining(snap.Site.TimeAllowed.For(weekday)))
	}
	if containsScope(scopes, ScopeGlobal) && snap.Global != nil {
		consider(snap.Global.Remaining(snap.Global.TimeAllowed.For(weekday)))
	}
	return least
}

// siteApplies applies the exemptions that skip the site scope.
func siteApplies(site *storage.SiteBudget, t target.Target, incognito bool, weekday int) bool {
	switch {
	case site.AllowsPath(t.Path):
		return false
	case site.TimeAllowed.For(weekday) == storage.Unrestricted:
		return false
	case incognito && !site.BlockIncognito:
		return false
	}
	return true
}

func breached(usage storage.Usage, allowed int64) bool {
	return allowed != storage.Unrestricted && usage.TotalTime >= allowed
}

func siteLimit(site *storage.SiteBudget, t target.Target) Decision {
	return blocked(t, ScopeSite, ReasonLimitReached, site.RedirectURL, t.Site,
		"Time limit reached on "+t.Site)
}

func globalLimit(global *storage.GlobalBudget, t target.Target, opts Options) Decision {
	return blocked(t, ScopeGlobal, ReasonLimitReached, global.RedirectURL, opts.GlobalStatKey,
		fmt.Sprintf("Time limit reached on your Global Budget (%s)", t.Site))
}

func blocked(t target.Target, scope Scope, reason Reason, redirectURL, statKey, message string) Decision {
	return Decision{
		Action:      ActionBlock,
		Target:      t,
		Reason:      reason,
		Message:     message,
		RedirectURL: redirectURL,
		StatKey:     statKey,
		Scope:       scope,
		Remaining:   0,
	}
}

func containsScope(scopes []Scope, scope Scope) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func (o Options) withDefaults() Options {
	if o.GlobalStatKey == "" {
		o.GlobalStatKey = DefaultGlobalStatKey
	}
	return o
}
