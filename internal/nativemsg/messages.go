package nativemsg

import "github.com/goodtune/kbudget/internal/dispatch"

// Message types
const (
	TypeEvent    = "event"
	TypeReply    = "reply"
	TypeNavigate = "navigate"
	TypeBadge    = "badge"
	TypeQuery    = "query"
)

// Query kinds
const (
	QueryActiveTab     = "active_tab"
	QueryWindowFocused = "window_focused"
)

// Inbound is any message sent by the browser
type Inbound struct {
	Type string `json:"type"`

	// event
	Event    dispatch.EventKind `json:"event,omitempty"`
	TabID    int                `json:"tab_id,omitempty"`
	WindowID int                `json:"window_id,omitempty"`

	// reply
	ID      string `json:"id,omitempty"`
	Focused bool   `json:"focused,omitempty"`
	Error   string `json:"error,omitempty"`

	Tab *dispatch.Tab `json:"tab,omitempty"`
}

// NavigateMessage asks the browser to load url in a tab
type NavigateMessage struct {
	Type     string `json:"type"`
	TabID    int    `json:"tab_id"`
	URL      string `json:"url"`
	Internal bool   `json:"internal"`
}

// BadgeMessage sets the toolbar badge text; empty clears it
type BadgeMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// QueryMessage asks the browser for state; answered by a reply with the same id
type QueryMessage struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Query string `json:"query"`
}
