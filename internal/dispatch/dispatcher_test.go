package dispatch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/kbudget/internal/calendar"
	"github.com/goodtune/kbudget/internal/enforce"
	"github.com/goodtune/kbudget/internal/policy"
	"github.com/goodtune/kbudget/internal/rollover"
	"github.com/goodtune/kbudget/internal/storage"
	"github.com/goodtune/kbudget/internal/storage/bolt"
	"github.com/goodtune/kbudget/internal/target"
	"github.com/goodtune/kbudget/internal/usage"
	"github.com/rs/zerolog"
)

type navigation struct {
	tabID    int
	url      string
	internal bool
}

type fakeBrowser struct {
	mu          sync.Mutex
	active      *Tab
	focused     bool
	navigations []navigation
	badges      []string
	focusQuery  int

	// when set, queries block until the channel is closed
	tabGate   chan struct{}
	focusGate chan struct{}
}

func (b *fakeBrowser) ActiveTab(context.Context) (*Tab, error) {
	if b.tabGate != nil {
		<-b.tabGate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return nil, nil
	}
	tab := *b.active
	return &tab, nil
}

func (b *fakeBrowser) WindowFocused(context.Context) (bool, error) {
	b.mu.Lock()
	b.focusQuery++
	b.mu.Unlock()

	if b.focusGate != nil {
		<-b.focusGate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.focused, nil
}

func (b *fakeBrowser) focusQueries() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.focusQuery
}

func (b *fakeBrowser) Navigate(_ context.Context, tabID int, url string, internal bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.navigations = append(b.navigations, navigation{tabID, url, internal})
	return nil
}

func (b *fakeBrowser) SetBadge(_ context.Context, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.badges = append(b.badges, text)
	return nil
}

func (b *fakeBrowser) setFocused(focused bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.focused = focused
}

func (b *fakeBrowser) navigationCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.navigations)
}

func (b *fakeBrowser) lastBadge() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.badges) == 0 {
		return ""
	}
	return b.badges[len(b.badges)-1]
}

// fakeEvaluator answers by site, defaulting to allow
type fakeEvaluator struct {
	mu        sync.Mutex
	decisions map[string]policy.Action
	requests  []policy.Request
}

func (e *fakeEvaluator) Evaluate(_ context.Context, req policy.Request) (*policy.Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)

	t, err := target.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	action, ok := e.decisions[t.Site]
	if !ok {
		action = policy.ActionAllow
	}

	decision := &policy.Decision{Action: action, Target: t, Remaining: -1}
	switch action {
	case policy.ActionTrack:
		decision.Scopes = []policy.Scope{policy.ScopeSite}
		decision.Remaining = 120
	case policy.ActionBlock:
		decision.Scope = policy.ScopeSite
		decision.Reason = policy.ReasonLimitReached
		decision.StatKey = t.Site
	}
	return decision, nil
}

func (e *fakeEvaluator) calls() []policy.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]policy.Request(nil), e.requests...)
}

type fakeTracker struct {
	mu      sync.Mutex
	session *usage.Session
	starts  int
	stops   int
}

func (f *fakeTracker) Start(tabID int, d *policy.Decision) usage.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.session = &usage.Session{ID: "s", TabID: tabID, Target: d.Target, Scopes: d.Scopes, Remaining: d.Remaining}
	return *f.session
}

func (f *fakeTracker) Tick(context.Context) (*usage.TickResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil, usage.ErrNoSession
	}
	f.session.AccumulatedSeconds++
	f.session.Remaining--
	return &usage.TickResult{Remaining: f.session.Remaining, Badge: calendar.FormatBadge(f.session.Remaining)}, nil
}

func (f *fakeTracker) Stop() *usage.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.session
	if s != nil {
		f.stops++
	}
	f.session = nil
	return s
}

func (f *fakeTracker) Active() *usage.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil
	}
	s := *f.session
	return &s
}

func (f *fakeTracker) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type fakeEnforcer struct {
	mu    sync.Mutex
	tabs  []int
	sites []string
}

func (f *fakeEnforcer) Enforce(_ context.Context, tabID int, d *policy.Decision) (enforce.Redirect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tabs = append(f.tabs, tabID)
	f.sites = append(f.sites, d.Target.Site)
	return enforce.Redirect{}, nil
}

func (f *fakeEnforcer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tabs)
}

// startDispatcher runs d until the test ends
func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})
}

func newFakeDispatcher(t *testing.T, browser *fakeBrowser, evaluator *fakeEvaluator) (*Dispatcher, *fakeTracker, *fakeEnforcer) {
	t.Helper()
	tracker := &fakeTracker{}
	enforcer := &fakeEnforcer{}
	d := New(browser, evaluator, tracker, enforcer, zerolog.Nop())
	d.debounce = 30 * time.Millisecond
	d.tickInterval = time.Hour
	d.pollInterval = time.Hour
	return d, tracker, enforcer
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func post(t *testing.T, d *Dispatcher, ev Event) {
	t.Helper()
	if err := d.Post(context.Background(), ev); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
}

func status(t *testing.T, d *Dispatcher) Status {
	t.Helper()
	s, err := d.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	return s
}

func activeTab(id int, url string) *Tab {
	return &Tab{ID: id, WindowID: 1, URL: url, Active: true}
}

func TestDebounceCoalescesBursts(t *testing.T) {
	evaluator := &fakeEvaluator{}
	d, _, _ := newFakeDispatcher(t, &fakeBrowser{focused: true}, evaluator)
	d.debounce = 100 * time.Millisecond
	startDispatcher(t, d)

	post(t, d, Event{Kind: EventTabUpdated, Tab: activeTab(1, "https://a.com/")})
	post(t, d, Event{Kind: EventTabUpdated, Tab: activeTab(1, "https://b.com/")})
	post(t, d, Event{Kind: EventTabUpdated, Tab: activeTab(1, "https://c.com/")})

	waitFor(t, "evaluation", func() bool { return len(evaluator.calls()) > 0 })
	time.Sleep(250 * time.Millisecond)

	calls := evaluator.calls()
	if len(calls) != 1 {
		t.Fatalf("Expected 1 evaluation, got %d", len(calls))
	}
	if calls[0].URL != "https://c.com/" {
		t.Errorf("Expected last URL evaluated, got %s", calls[0].URL)
	}
}

func TestTabUpdatedIgnoresBackgroundTabs(t *testing.T) {
	evaluator := &fakeEvaluator{}
	d, _, _ := newFakeDispatcher(t, &fakeBrowser{focused: true}, evaluator)
	startDispatcher(t, d)

	post(t, d, Event{Kind: EventTabUpdated, Tab: &Tab{ID: 2, URL: "https://a.com/"}})
	post(t, d, Event{Kind: EventTabUpdated, Tab: &Tab{ID: 3, Active: true}})
	time.Sleep(100 * time.Millisecond)

	if n := len(evaluator.calls()); n != 0 {
		t.Errorf("Expected no evaluations, got %d", n)
	}
}

func TestTrackDecisionStartsClock(t *testing.T) {
	browser := &fakeBrowser{focused: true}
	evaluator := &fakeEvaluator{decisions: map[string]policy.Action{"a.com": policy.ActionTrack}}
	d, tracker, _ := newFakeDispatcher(t, browser, evaluator)
	d.tickInterval = 10 * time.Millisecond
	startDispatcher(t, d)

	post(t, d, Event{Kind: EventTabActivated, TabID: 4, Tab: activeTab(4, "https://a.com/feed")})
	waitFor(t, "tracking", func() bool { return status(t, d).State == StateTracking })
	waitFor(t, "ticks", func() bool { return status(t, d).TrackedSeconds >= 2 })

	s := status(t, d)
	if s.TabID != 4 || s.Site != "a.com" || s.SessionID != "s" {
		t.Errorf("Unexpected status %+v", s)
	}
	if starts, _ := tracker.counts(); starts != 1 {
		t.Errorf("Expected one session, got %d", starts)
	}
	if browser.lastBadge() == "" {
		t.Error("Expected a badge while tracking")
	}
}

func TestEvaluationStopsRunningClockFirst(t *testing.T) {
	browser := &fakeBrowser{focused: true}
	evaluator := &fakeEvaluator{decisions: map[string]policy.Action{
		"a.com": policy.ActionTrack,
		"b.com": policy.ActionTrack,
	}}
	d, tracker, _ := newFakeDispatcher(t, browser, evaluator)
	startDispatcher(t, d)

	post(t, d, Event{Kind: EventTabActivated, Tab: activeTab(1, "https://a.com/")})
	waitFor(t, "tracking a.com", func() bool { return status(t, d).Site == "a.com" })

	post(t, d, Event{Kind: EventTabActivated, Tab: activeTab(2, "https://b.com/")})
	waitFor(t, "tracking b.com", func() bool { return status(t, d).Site == "b.com" })

	starts, stops := tracker.counts()
	if starts != 2 || stops != 1 {
		t.Errorf("Expected 2 starts and 1 stop, got %d and %d", starts, stops)
	}
}

func TestBlockDecisionEnforcesAndStaysIdle(t *testing.T) {
	evaluator := &fakeEvaluator{decisions: map[string]policy.Action{"a.com": policy.ActionBlock}}
	d, tracker, enforcer := newFakeDispatcher(t, &fakeBrowser{focused: true}, evaluator)
	startDispatcher(t, d)

	post(t, d, Event{Kind: EventTabActivated, Tab: activeTab(9, "https://a.com/")})
	waitFor(t, "enforcement", func() bool { return enforcer.count() == 1 })

	if s := status(t, d); s.State != StateIdle {
		t.Errorf("Expected idle, got %s", s.State)
	}
	if starts, _ := tracker.counts(); starts != 0 {
		t.Errorf("Expected no session, got %d", starts)
	}
}

func TestFocusPollStopsTracking(t *testing.T) {
	browser := &fakeBrowser{focused: true}
	evaluator := &fakeEvaluator{decisions: map[string]policy.Action{"a.com": policy.ActionTrack}}
	d, tracker, _ := newFakeDispatcher(t, browser, evaluator)
	d.pollInterval = 10 * time.Millisecond
	startDispatcher(t, d)

	post(t, d, Event{Kind: EventTabActivated, Tab: activeTab(1, "https://a.com/")})
	waitFor(t, "tracking", func() bool { return status(t, d).State == StateTracking })

	browser.setFocused(false)
	waitFor(t, "idle", func() bool { return status(t, d).State == StateIdle })

	if _, stops := tracker.counts(); stops != 1 {
		t.Errorf("Expected 1 stop, got %d", stops)
	}
	if badge := browser.lastBadge(); badge != "" {
		t.Errorf("Expected cleared badge, got %q", badge)
	}
}

func TestSlowFocusQueryDoesNotStallTicks(t *testing.T) {
	gate := make(chan struct{})
	browser := &fakeBrowser{focused: true, focusGate: gate}
	evaluator := &fakeEvaluator{decisions: map[string]policy.Action{"a.com": policy.ActionTrack}}
	d, tracker, _ := newFakeDispatcher(t, browser, evaluator)
	d.tickInterval = 10 * time.Millisecond
	d.pollInterval = 5 * time.Millisecond
	startDispatcher(t, d)

	post(t, d, Event{Kind: EventTabActivated, Tab: activeTab(1, "https://a.com/")})
	waitFor(t, "focus query", func() bool { return browser.focusQueries() == 1 })
	waitFor(t, "ticks while focus query hangs", func() bool {
		s := tracker.Active()
		return s != nil && s.AccumulatedSeconds >= 5
	})

	if n := browser.focusQueries(); n != 1 {
		t.Errorf("Expected 1 focus query in flight, got %d", n)
	}

	browser.setFocused(false)
	close(gate)
	waitFor(t, "idle", func() bool { return status(t, d).State == StateIdle })
}

func TestStaleActiveTabAnswerIsDiscarded(t *testing.T) {
	gate := make(chan struct{})
	browser := &fakeBrowser{focused: true, active: activeTab(5, "https://a.com/"), tabGate: gate}
	evaluator := &fakeEvaluator{decisions: map[string]policy.Action{"a.com": policy.ActionTrack, "b.com": policy.ActionTrack}}
	d, _, _ := newFakeDispatcher(t, browser, evaluator)
	startDispatcher(t, d)

	post(t, d, Event{Kind: EventWindowFocusChanged, WindowID: 2})
	time.Sleep(100 * time.Millisecond)

	// the loop still answers while the lookup hangs
	if s := status(t, d); s.State != StateIdle {
		t.Fatalf("Expected idle during lookup, got %s", s.State)
	}

	post(t, d, Event{Kind: EventTabActivated, Tab: activeTab(7, "https://b.com/")})
	waitFor(t, "tracking", func() bool { return status(t, d).State == StateTracking })

	close(gate)
	time.Sleep(100 * time.Millisecond)

	if s := status(t, d); s.TabID != 7 {
		t.Errorf("Expected tab 7 to stay tracked, got %d", s.TabID)
	}
	if n := len(evaluator.calls()); n != 1 {
		t.Errorf("Expected 1 evaluation, got %d", n)
	}
}

func TestWindowFocusNoneOnlyStops(t *testing.T) {
	browser := &fakeBrowser{focused: true}
	evaluator := &fakeEvaluator{decisions: map[string]policy.Action{"a.com": policy.ActionTrack}}
	d, _, _ := newFakeDispatcher(t, browser, evaluator)
	startDispatcher(t, d)

	post(t, d, Event{Kind: EventTabActivated, Tab: activeTab(1, "https://a.com/")})
	waitFor(t, "tracking", func() bool { return status(t, d).State == StateTracking })

	post(t, d, Event{Kind: EventWindowFocusChanged, WindowID: WindowIDNone})
	waitFor(t, "idle", func() bool { return status(t, d).State == StateIdle })
	time.Sleep(100 * time.Millisecond)

	if n := len(evaluator.calls()); n != 1 {
		t.Errorf("Expected no re-evaluation, got %d evaluations", n)
	}
}

func TestWindowFocusRegainedQueriesActiveTab(t *testing.T) {
	browser := &fakeBrowser{focused: true, active: activeTab(5, "https://a.com/")}
	evaluator := &fakeEvaluator{decisions: map[string]policy.Action{"a.com": policy.ActionTrack}}
	d, _, _ := newFakeDispatcher(t, browser, evaluator)
	startDispatcher(t, d)

	post(t, d, Event{Kind: EventWindowFocusChanged, WindowID: 2})
	waitFor(t, "tracking", func() bool { return status(t, d).State == StateTracking })

	if s := status(t, d); s.TabID != 5 {
		t.Errorf("Expected active tab 5, got %d", s.TabID)
	}
}

func TestPopupLifecycle(t *testing.T) {
	browser := &fakeBrowser{focused: true, active: activeTab(1, "https://a.com/")}
	evaluator := &fakeEvaluator{decisions: map[string]policy.Action{"a.com": policy.ActionTrack}}
	d, _, _ := newFakeDispatcher(t, browser, evaluator)
	startDispatcher(t, d)

	post(t, d, Event{Kind: EventTabActivated, Tab: activeTab(1, "https://a.com/")})
	waitFor(t, "tracking", func() bool { return status(t, d).State == StateTracking })

	post(t, d, Event{Kind: EventPopupConnected})
	waitFor(t, "idle while popup open", func() bool { return status(t, d).State == StateIdle })

	post(t, d, Event{Kind: EventPopupDisconnected})
	waitFor(t, "tracking after popup closed", func() bool { return status(t, d).State == StateTracking })

	if n := len(evaluator.calls()); n != 2 {
		t.Errorf("Expected 2 evaluations, got %d", n)
	}
}

func TestPopupConnectCancelsPendingEvaluation(t *testing.T) {
	evaluator := &fakeEvaluator{}
	d, _, _ := newFakeDispatcher(t, &fakeBrowser{focused: true}, evaluator)
	d.debounce = 80 * time.Millisecond
	startDispatcher(t, d)

	post(t, d, Event{Kind: EventTabUpdated, Tab: activeTab(1, "https://a.com/")})
	post(t, d, Event{Kind: EventPopupConnected})
	time.Sleep(200 * time.Millisecond)

	if n := len(evaluator.calls()); n != 0 {
		t.Errorf("Expected no evaluation, got %d", n)
	}
}

func TestPostAfterStop(t *testing.T) {
	d, _, _ := newFakeDispatcher(t, &fakeBrowser{}, &fakeEvaluator{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	// Fill the buffer so Post must block
	for len(d.events) < eventBuffer {
		d.events <- Event{Kind: EventPopupConnected}
	}
	if err := d.Post(context.Background(), Event{Kind: EventPopupConnected}); err != ErrStopped {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
}

func TestLimitReachedEnforcesExactlyOnce(t *testing.T) {
	ctx := context.Background()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "kbudget.bolt"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	// 2024-01-01 was a Monday
	clock := calendar.NewTestClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local))

	rules := storage.BudgetRules{TimeAllowed: storage.EveryDay(300)}
	if err := store.Budgets().PutSiteRules(ctx, "youtube.com", rules, "2024-01-01"); err != nil {
		t.Fatalf("failed to put site: %v", err)
	}
	if _, err := store.Budgets().AddUsage(ctx, storage.UsageIncrement{
		Today: "2024-01-01", Site: "youtube.com", Seconds: 298, InSite: true,
	}); err != nil {
		t.Fatalf("failed to seed usage: %v", err)
	}

	resolver, err := target.NewResolver(16)
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	agg := rollover.NewAggregator(store, clock, zerolog.Nop())
	engine := policy.NewEngine(store, agg, resolver, policy.Options{}, zerolog.Nop())
	engine.SetClock(clock)
	tracker := usage.NewTracker(store, engine, agg, zerolog.Nop())
	tracker.SetClock(clock)

	browser := &fakeBrowser{focused: true}
	enforcer := enforce.NewEnforcer(store.Statistics(), browser, enforce.DefaultFallbackPage, zerolog.Nop())

	d := New(browser, engine, tracker, enforcer, zerolog.Nop())
	d.debounce = 10 * time.Millisecond
	d.tickInterval = 10 * time.Millisecond
	d.pollInterval = time.Hour
	startDispatcher(t, d)

	post(t, d, Event{Kind: EventTabActivated, Tab: activeTab(7, "https://www.youtube.com/watch?v=1")})
	waitFor(t, "enforcement", func() bool { return browser.navigationCount() == 1 })
	time.Sleep(100 * time.Millisecond)

	browser.mu.Lock()
	navs := append([]navigation(nil), browser.navigations...)
	browser.mu.Unlock()
	if len(navs) != 1 {
		t.Fatalf("Expected exactly one enforcement, got %d", len(navs))
	}
	if navs[0].tabID != 7 || !navs[0].internal {
		t.Errorf("Unexpected navigation %+v", navs[0])
	}
	if !strings.HasPrefix(navs[0].url, "/inspiration.html?reason=Time+limit+reached+on+youtube.com") {
		t.Errorf("Unexpected redirect URL %s", navs[0].url)
	}

	if s := status(t, d); s.State != StateIdle {
		t.Errorf("Expected idle after block, got %s", s.State)
	}

	site, err := store.Budgets().GetSite(ctx, "youtube.com")
	if err != nil {
		t.Fatalf("GetSite failed: %v", err)
	}
	if site.TotalTime != 300 {
		t.Errorf("Expected total 300, got %d", site.TotalTime)
	}

	daily, err := store.Statistics().GetDaily(ctx)
	if err != nil {
		t.Fatalf("GetDaily failed: %v", err)
	}
	if daily.BlockedPerDay["youtube.com"] != 1 {
		t.Errorf("Expected 1 block recorded, got %v", daily.BlockedPerDay)
	}
}
