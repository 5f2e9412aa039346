package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/kbudget/internal/calendar"
	"github.com/goodtune/kbudget/internal/metrics"
	"github.com/goodtune/kbudget/internal/rollover"
	"github.com/goodtune/kbudget/internal/storage"
	"github.com/goodtune/kbudget/internal/target"
	"github.com/rs/zerolog"
)

// Request is a tab to be evaluated
type Request struct {
	URL       string
	Incognito bool
}

// Engine loads budget snapshots and evaluates tabs against them
type Engine struct {
	budgets    storage.BudgetStore
	aggregator *rollover.Aggregator
	resolver   *target.Resolver
	clock      calendar.Clock
	opts       Options
	logger     zerolog.Logger
}

// NewEngine creates a new policy engine
func NewEngine(store storage.Store, aggregator *rollover.Aggregator, resolver *target.Resolver, opts Options, logger zerolog.Logger) *Engine {
	return &Engine{
		budgets:    store.Budgets(),
		aggregator: aggregator,
		resolver:   resolver,
		clock:      calendar.RealClock{}, // Use real time by default
		opts:       opts.withDefaults(),
		logger:     logger.With().Str("component", "policy").Logger(),
	}
}

// SetClock sets the clock for time-based policy evaluation (for testing)
func (e *Engine) SetClock(clock calendar.Clock) {
	e.clock = clock
}

// Options returns the decision options in use
func (e *Engine) Options() Options {
	return e.opts
}

// Resolve parses a tab URL into its target
func (e *Engine) Resolve(rawURL string) (target.Target, error) {
	return e.resolver.Resolve(rawURL)
}

// Evaluate resolves req, rolls over stale counters and decides what to do.
// Malformed and non-web URLs return a target error; missing budgets allow.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Decision, error) {
	t, err := e.resolver.Resolve(req.URL)
	if err != nil {
		return nil, err
	}

	snap, err := e.Snapshot(ctx, t.Site)
	if err != nil {
		return nil, err
	}

	decision := Evaluate(snap, t, req.Incognito, e.clock.Now(), e.opts)
	metrics.DecisionsTotal.WithLabelValues(string(decision.Action)).Inc()

	e.logger.Debug().
		Str("site", t.Site).
		Str("path", t.Path).
		Bool("incognito", req.Incognito).
		Str("action", string(decision.Action)).
		Str("reason", string(decision.Reason)).
		Msg("Evaluated tab")

	return &decision, nil
}

// Snapshot rolls site and the Global Budget over to today and loads them.
func (e *Engine) Snapshot(ctx context.Context, site string) (Snapshot, error) {
	if _, err := e.aggregator.Ensure(ctx, site); err != nil {
		return Snapshot{}, err
	}
	return e.Load(ctx, site)
}

// Load reads the budgets for site without rolling them over.
func (e *Engine) Load(ctx context.Context, site string) (Snapshot, error) {
	var snap Snapshot

	siteBudget, err := e.budgets.GetSite(ctx, site)
	switch {
	case err == nil:
		snap.Site = siteBudget
	case !errors.Is(err, storage.ErrNotFound):
		return Snapshot{}, fmt.Errorf("load site budget %s: %w", site, err)
	}

	global, err := e.budgets.GetGlobal(ctx)
	switch {
	case err == nil:
		snap.Global = global
	case !errors.Is(err, storage.ErrNotFound):
		return Snapshot{}, fmt.Errorf("load global budget: %w", err)
	}

	return snap, nil
}
