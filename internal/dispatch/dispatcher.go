// Package dispatch runs the tracking state machine: it turns browser
// triggers into evaluations, drives the 1 s tick while a budgeted tab is in
// focus and hands blocks to the enforcer.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/kbudget/internal/calendar"
	"github.com/goodtune/kbudget/internal/metrics"
	"github.com/goodtune/kbudget/internal/policy"
	"github.com/goodtune/kbudget/internal/target"
	"github.com/goodtune/kbudget/internal/usage"
	"github.com/rs/zerolog"
)

const (
	// DebounceDelay coalesces bursts of tab events into one evaluation.
	DebounceDelay = 200 * time.Millisecond
	// TickInterval is how often a tracked tab is credited.
	TickInterval = time.Second
	// PollInterval is how often window focus is checked while tracking.
	PollInterval = time.Second

	eventBuffer = 64
)

// ErrStopped is returned when posting to a dispatcher that is not running.
var ErrStopped = errors.New("dispatch: dispatcher stopped")

// state is either idle or *tracking
type state interface {
	name() State
}

type idle struct{}

func (idle) name() State { return StateIdle }

type tracking struct {
	tab     Tab
	session usage.Session
	ticker  *time.Ticker
	poller  *time.Ticker
	polling bool // a focus query is in flight
}

// focusResult is a window focus answer for the tracking state that asked
type focusResult struct {
	owner   *tracking
	focused bool
	err     error
}

// activeResult is an active tab answer for a debounce generation
type activeResult struct {
	gen uint64
	tab *Tab
	err error
}

func (*tracking) name() State { return StateTracking }

// Dispatcher is a single-goroutine actor owning the tracking state
type Dispatcher struct {
	browser   Browser
	evaluator Evaluator
	tracker   Accumulator
	enforcer  Enforcer
	logger    zerolog.Logger

	events   chan Event
	statusCh chan chan Status
	fired    chan uint64
	focus    chan focusResult
	active   chan activeResult
	done     chan struct{}

	debounce     time.Duration
	tickInterval time.Duration
	pollInterval time.Duration

	// Owned by the loop goroutine
	state      state
	generation uint64
	pending    *Tab
	timer      *time.Timer
}

// New creates a new dispatcher
func New(browser Browser, evaluator Evaluator, tracker Accumulator, enforcer Enforcer, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		browser:      browser,
		evaluator:    evaluator,
		tracker:      tracker,
		enforcer:     enforcer,
		logger:       logger.With().Str("component", "dispatcher").Logger(),
		events:       make(chan Event, eventBuffer),
		statusCh:     make(chan chan Status),
		fired:        make(chan uint64),
		focus:        make(chan focusResult),
		active:       make(chan activeResult),
		done:         make(chan struct{}),
		debounce:     DebounceDelay,
		tickInterval: TickInterval,
		pollInterval: PollInterval,
		state:        idle{},
	}
}

// Post queues a browser event
func (d *Dispatcher) Post(ctx context.Context, ev Event) error {
	select {
	case d.events <- ev:
		return nil
	case <-d.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the current state
func (d *Dispatcher) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	select {
	case d.statusCh <- reply:
	case <-d.done:
		return Status{State: StateIdle, Remaining: -1}, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}

	select {
	case status := <-reply:
		return status, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Run processes events until ctx is cancelled. Any running clock is
// stopped before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().Msg("Dispatcher started")
	defer close(d.done)

	for {
		var tickC, pollC <-chan time.Time
		if t, ok := d.state.(*tracking); ok {
			tickC = t.ticker.C
			pollC = t.poller.C
		}

		select {
		case <-ctx.Done():
			d.cancelPending()
			d.stop(context.Background())
			d.logger.Info().Msg("Dispatcher stopped")
			return ctx.Err()

		case ev := <-d.events:
			d.handleEvent(ctx, ev)

		case gen := <-d.fired:
			d.handleDebounce(ctx, gen)

		case r := <-d.active:
			d.handleActive(ctx, r)

		case <-tickC:
			d.handleTick(ctx)

		case <-pollC:
			d.handlePoll(ctx)

		case r := <-d.focus:
			d.handleFocus(ctx, r)

		case reply := <-d.statusCh:
			reply <- d.status()
		}
	}
}

func (d *Dispatcher) handleEvent(ctx context.Context, ev Event) {
	d.logger.Debug().
		Str("event", string(ev.Kind)).
		Int("tab_id", ev.TabID).
		Int("window_id", ev.WindowID).
		Msg("Received event")

	switch ev.Kind {
	case EventTabUpdated:
		if ev.Tab == nil || !ev.Tab.Active || ev.Tab.URL == "" {
			return
		}
		d.stop(ctx)
		d.schedule(ev.Tab)

	case EventTabActivated:
		d.stop(ctx)
		if ev.Tab != nil && ev.Tab.Active && ev.Tab.URL != "" {
			d.schedule(ev.Tab)
			return
		}
		d.schedule(nil)

	case EventWindowFocusChanged:
		d.stop(ctx)
		if ev.WindowID == WindowIDNone {
			d.cancelPending()
			return
		}
		d.schedule(nil)

	case EventPopupConnected:
		d.cancelPending()
		d.stop(ctx)

	case EventPopupDisconnected:
		d.schedule(nil)

	default:
		d.logger.Warn().Str("event", string(ev.Kind)).Msg("Ignoring unknown event")
	}
}

// schedule (re)arms the debounce timer. A nil tab means the active tab is
// looked up when the timer fires.
func (d *Dispatcher) schedule(tab *Tab) {
	d.cancelPending()

	if tab != nil {
		copied := *tab
		d.pending = &copied
	}
	gen := d.generation
	d.timer = time.AfterFunc(d.debounce, func() {
		select {
		case d.fired <- gen:
		case <-d.done:
		}
	})
}

// cancelPending invalidates any armed debounce timer
func (d *Dispatcher) cancelPending() {
	d.generation++
	d.pending = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Dispatcher) handleDebounce(ctx context.Context, gen uint64) {
	if gen != d.generation {
		return
	}

	tab := d.pending
	d.pending = nil
	d.timer = nil

	if tab == nil {
		go func() {
			active, err := d.browser.ActiveTab(ctx)
			select {
			case d.active <- activeResult{gen: gen, tab: active, err: err}:
			case <-d.done:
			}
		}()
		return
	}

	d.evaluate(ctx, *tab)
}

// handleActive evaluates the looked-up active tab unless a newer event
// superseded the lookup.
func (d *Dispatcher) handleActive(ctx context.Context, r activeResult) {
	if r.gen != d.generation {
		return
	}
	if r.err != nil {
		d.logger.Warn().Err(r.err).Msg("Failed to query active tab")
		return
	}
	if r.tab == nil || r.tab.URL == "" {
		return
	}
	d.evaluate(ctx, *r.tab)
}

func (d *Dispatcher) evaluate(ctx context.Context, tab Tab) {
	d.stop(ctx)

	decision, err := d.evaluator.Evaluate(ctx, policy.Request{URL: tab.URL, Incognito: tab.Incognito})
	if err != nil {
		if errors.Is(err, target.ErrMalformedURL) || errors.Is(err, target.ErrUnsupportedScheme) {
			d.logger.Debug().Err(err).Int("tab_id", tab.ID).Msg("Skipping tab")
			return
		}
		d.logger.Error().Err(err).Int("tab_id", tab.ID).Msg("Failed to evaluate tab")
		return
	}

	switch decision.Action {
	case policy.ActionTrack:
		d.start(ctx, tab, decision)
	case policy.ActionBlock:
		d.enforce(ctx, tab.ID, decision)
	}
}

func (d *Dispatcher) start(ctx context.Context, tab Tab, decision *policy.Decision) {
	session := d.tracker.Start(tab.ID, decision)
	d.state = &tracking{
		tab:     tab,
		session: session,
		ticker:  time.NewTicker(d.tickInterval),
		poller:  time.NewTicker(d.pollInterval),
	}
	metrics.TrackingActive.Set(1)
	d.setBadge(ctx, calendar.FormatBadge(decision.Remaining))
}

// stop halts the clock and clears the badge when tracking
func (d *Dispatcher) stop(ctx context.Context) {
	t, ok := d.state.(*tracking)
	if !ok {
		return
	}

	t.ticker.Stop()
	t.poller.Stop()
	d.tracker.Stop()
	d.state = idle{}
	metrics.TrackingActive.Set(0)
	d.setBadge(ctx, "")
}

func (d *Dispatcher) handleTick(ctx context.Context) {
	t, ok := d.state.(*tracking)
	if !ok {
		return
	}

	result, err := d.tracker.Tick(ctx)
	if err != nil {
		if errors.Is(err, usage.ErrNoSession) {
			d.stop(ctx)
			return
		}
		d.logger.Error().Err(err).Int("tab_id", t.tab.ID).Msg("Failed to record tick")
		return
	}

	switch {
	case result.Breach != nil:
		d.stop(ctx)
		d.enforce(ctx, t.tab.ID, result.Breach)
	case result.Untracked:
		d.logger.Info().Int("tab_id", t.tab.ID).Msg("Budget removed while tracking")
		d.stop(ctx)
	default:
		d.setBadge(ctx, result.Badge)
	}
}

// handlePoll queries window focus off the loop. The answer arrives on
// d.focus and at most one query is in flight per tracking state.
func (d *Dispatcher) handlePoll(ctx context.Context) {
	t, ok := d.state.(*tracking)
	if !ok || t.polling {
		return
	}

	t.polling = true
	go func() {
		focused, err := d.browser.WindowFocused(ctx)
		select {
		case d.focus <- focusResult{owner: t, focused: focused, err: err}:
		case <-d.done:
		}
	}()
}

func (d *Dispatcher) handleFocus(ctx context.Context, r focusResult) {
	t, ok := d.state.(*tracking)
	if !ok || t != r.owner {
		return
	}

	t.polling = false
	if r.err != nil {
		d.logger.Debug().Err(r.err).Msg("Failed to query window focus")
		return
	}
	if !r.focused {
		d.logger.Debug().Msg("Window lost focus")
		d.stop(ctx)
	}
}

func (d *Dispatcher) enforce(ctx context.Context, tabID int, decision *policy.Decision) {
	if _, err := d.enforcer.Enforce(ctx, tabID, decision); err != nil {
		d.logger.Error().Err(err).Int("tab_id", tabID).Msg("Failed to enforce block")
	}
}

func (d *Dispatcher) setBadge(ctx context.Context, text string) {
	if err := d.browser.SetBadge(ctx, text); err != nil {
		d.logger.Debug().Err(err).Str("text", text).Msg("Failed to set badge")
	}
}

func (d *Dispatcher) status() Status {
	t, ok := d.state.(*tracking)
	if !ok {
		return Status{State: StateIdle, Remaining: -1}
	}

	session := t.session
	if active := d.tracker.Active(); active != nil {
		session = *active
	}
	started := session.StartedAt
	return Status{
		State:          StateTracking,
		TabID:          t.tab.ID,
		Site:           session.Target.Site,
		Scopes:         session.Scopes,
		SessionID:      session.ID,
		StartedAt:      &started,
		TrackedSeconds: session.AccumulatedSeconds,
		Remaining:      session.Remaining,
	}
}
