package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goodtune/kbudget/internal/calendar"
	"github.com/goodtune/kbudget/internal/metrics"
	"github.com/goodtune/kbudget/internal/policy"
	"github.com/goodtune/kbudget/internal/rollover"
	"github.com/goodtune/kbudget/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TickSeconds is the amount credited per tick.
const TickSeconds int64 = 1

// ErrNoSession is returned by Tick when no clock is running.
var ErrNoSession = errors.New("usage: no active session")

// Tracker owns the single tracking session and accumulates its ticks
type Tracker struct {
	budgets    storage.BudgetStore
	engine     *policy.Engine
	aggregator *rollover.Aggregator
	clock      calendar.Clock
	session    *Session
	logger     zerolog.Logger
	mu         sync.Mutex
}

// NewTracker creates a new usage tracker
func NewTracker(store storage.Store, engine *policy.Engine, aggregator *rollover.Aggregator, logger zerolog.Logger) *Tracker {
	return &Tracker{
		budgets:    store.Budgets(),
		engine:     engine,
		aggregator: aggregator,
		clock:      calendar.RealClock{},
		logger:     logger.With().Str("component", "usage-tracker").Logger(),
	}
}

// SetClock sets the clock used for session times and limit checks
func (t *Tracker) SetClock(clock calendar.Clock) {
	t.clock = clock
}

// Start begins a session for a tracked decision, finalizing any previous one
func (t *Tracker) Start(tabID int, decision *policy.Decision) Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session != nil {
		t.finalizeSession()
	}

	now := t.clock.Now()
	t.session = &Session{
		ID:        generateSessionID(),
		TabID:     tabID,
		Target:    decision.Target,
		Scopes:    append([]policy.Scope(nil), decision.Scopes...),
		StartedAt: now,
		LastTick:  now,
		Remaining: decision.Remaining,
	}

	t.logger.Info().
		Str("session_id", t.session.ID).
		Int("tab_id", tabID).
		Str("site", decision.Target.Site).
		Interface("scopes", decision.Scopes).
		Msg("Started tracking session")

	return *t.session
}

// Stop finalizes the running session, if any
func (t *Tracker) Stop() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session == nil {
		return nil
	}
	return t.finalizeSession()
}

// Active returns a copy of the running session
func (t *Tracker) Active() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session == nil {
		return nil
	}
	s := *t.session
	return &s
}

// Tick credits one second to every tracked scope and re-checks the limits
func (t *Tracker) Tick(ctx context.Context) (*TickResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session := t.session
	if session == nil {
		return nil, ErrNoSession
	}

	site := session.Target.Site

	// Midnight may have passed since the last tick
	today, err := t.aggregator.Ensure(ctx, site)
	if err != nil {
		return nil, err
	}

	totals, err := t.budgets.AddUsage(ctx, storage.UsageIncrement{
		Today:    today,
		Site:     site,
		Seconds:  TickSeconds,
		InSite:   containsScope(session.Scopes, policy.ScopeSite),
		InGlobal: containsScope(session.Scopes, policy.ScopeGlobal),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add usage for %s: %w", site, err)
	}

	session.Scopes = creditedScopes(session.Scopes, totals)
	if totals.SiteFound {
		metrics.UsageSecondsTotal.WithLabelValues(string(policy.ScopeSite)).Add(float64(TickSeconds))
	}
	if totals.GlobalFound {
		metrics.UsageSecondsTotal.WithLabelValues(string(policy.ScopeGlobal)).Add(float64(TickSeconds))
	}

	now := t.clock.Now()
	session.LastTick = now
	session.AccumulatedSeconds += TickSeconds

	snap, err := t.engine.Load(ctx, site)
	if err != nil {
		return nil, err
	}

	result := &TickResult{
		Breach:    policy.CheckLimits(snap, session.Target, session.Scopes, now, t.engine.Options()),
		Remaining: policy.Remaining(snap, session.Scopes, now),
	}
	if result.Breach != nil {
		result.Remaining = 0
	}
	result.Untracked = len(session.Scopes) == 0
	result.Badge = calendar.FormatBadge(result.Remaining)
	session.Remaining = result.Remaining

	t.logger.Debug().
		Str("session_id", session.ID).
		Str("site", site).
		Int64("site_total", totals.SiteTotal).
		Int64("global_total", totals.GlobalTotal).
		Int64("remaining", result.Remaining).
		Msg("Tick recorded")

	return result, nil
}

// finalizeSession ends the session (must be called with lock held)
func (t *Tracker) finalizeSession() *Session {
	session := t.session
	t.session = nil

	t.logger.Info().
		Str("session_id", session.ID).
		Str("site", session.Target.Site).
		Int64("total_seconds", session.AccumulatedSeconds).
		Msg("Finalized tracking session")

	return session
}

// creditedScopes drops scopes whose budget disappeared mid-session
func creditedScopes(scopes []policy.Scope, totals *storage.UsageTotals) []policy.Scope {
	kept := make([]policy.Scope, 0, len(scopes))
	for _, scope := range scopes {
		switch {
		case scope == policy.ScopeSite && totals.SiteFound,
			scope == policy.ScopeGlobal && totals.GlobalFound:
			kept = append(kept, scope)
		}
	}
	return kept
}

func containsScope(scopes []policy.Scope, scope policy.Scope) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// generateSessionID generates a unique session ID
func generateSessionID() string {
	return uuid.NewString()
}
