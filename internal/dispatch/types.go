package dispatch

import (
	"context"
	"time"

	"github.com/goodtune/kbudget/internal/enforce"
	"github.com/goodtune/kbudget/internal/policy"
	"github.com/goodtune/kbudget/internal/usage"
)

// WindowIDNone is the window id reported when no browser window has focus.
const WindowIDNone = -1

// Tab is the browser's view of a tab
type Tab struct {
	ID        int    `json:"id"`
	WindowID  int    `json:"window_id"`
	URL       string `json:"url"`
	Active    bool   `json:"active"`
	Incognito bool   `json:"incognito"`
}

// EventKind identifies a browser trigger
type EventKind string

const (
	EventTabUpdated         EventKind = "tab_updated"
	EventTabActivated       EventKind = "tab_activated"
	EventWindowFocusChanged EventKind = "window_focus_changed"
	EventPopupConnected     EventKind = "popup_connected"
	EventPopupDisconnected  EventKind = "popup_disconnected"
)

// Event is a browser trigger posted to the dispatcher
type Event struct {
	Kind     EventKind `json:"event"`
	Tab      *Tab      `json:"tab,omitempty"`
	TabID    int       `json:"tab_id,omitempty"`
	WindowID int       `json:"window_id,omitempty"`
}

// Browser is the dispatcher's handle on the browser shell
type Browser interface {
	ActiveTab(ctx context.Context) (*Tab, error)
	WindowFocused(ctx context.Context) (bool, error)
	Navigate(ctx context.Context, tabID int, url string, internal bool) error
	SetBadge(ctx context.Context, text string) error
}

// Evaluator decides what to do with a tab
type Evaluator interface {
	Evaluate(ctx context.Context, req policy.Request) (*policy.Decision, error)
}

// Accumulator owns the tracking clock's bookkeeping
type Accumulator interface {
	Start(tabID int, decision *policy.Decision) usage.Session
	Tick(ctx context.Context) (*usage.TickResult, error)
	Stop() *usage.Session
	Active() *usage.Session
}

// Enforcer redirects blocked tabs
type Enforcer interface {
	Enforce(ctx context.Context, tabID int, decision *policy.Decision) (enforce.Redirect, error)
}

// State names the dispatcher state
type State string

const (
	StateIdle     State = "idle"
	StateTracking State = "tracking"
)

// Status is a point-in-time view of the dispatcher
type Status struct {
	State          State          `json:"state"`
	TabID          int            `json:"tab_id,omitempty"`
	Site           string         `json:"site,omitempty"`
	Scopes         []policy.Scope `json:"scopes,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	TrackedSeconds int64          `json:"tracked_seconds"`
	Remaining      int64          `json:"remaining"`
}
