package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goodtune/kbudget/internal/storage"
	"github.com/goodtune/kbudget/internal/target"
)

// Action represents the policy decision action
type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionBlock Action = "BLOCK"
	ActionTrack Action = "TRACK"
)

// UnmarshalJSON implements json.Unmarshaler to normalize action to uppercase.
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	// Normalize to uppercase
	normalized := Action(strings.ToUpper(s))

	// Validate against known actions
	switch normalized {
	case ActionAllow, ActionBlock, ActionTrack:
		*a = normalized
		return nil
	default:
		return fmt.Errorf("invalid action: %s (must be ALLOW, BLOCK, or TRACK)", s)
	}
}

// MarshalJSON implements json.Marshaler to ensure uppercase output.
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(a))
}

// Scope names the budget a decision applies to
type Scope string

const (
	ScopeSite   Scope = "site"
	ScopeGlobal Scope = "global"
)

// Reason explains a block
type Reason string

const (
	ReasonLimitReached   Reason = "limit reached"
	ReasonScheduledBlock Reason = "scheduled block"
)

// Decision is the result of evaluating a tab against the budgets
type Decision struct {
	Action Action        `json:"action"`
	Target target.Target `json:"target"`

	// Block fields
	Reason      Reason `json:"reason,omitempty"`
	Message     string `json:"message,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
	StatKey     string `json:"stat_key,omitempty"`
	Scope       Scope  `json:"scope,omitempty"`

	// Track fields
	Scopes    []Scope `json:"scopes,omitempty"`
	Remaining int64   `json:"remaining"` // seconds, -1 when unknown
}

// Tracks reports whether scope is among the tracked scopes.
func (d *Decision) Tracks(scope Scope) bool {
	return containsScope(d.Scopes, scope)
}

// Snapshot holds the budgets relevant to one site for one evaluation
type Snapshot struct {
	Site   *storage.SiteBudget
	Global *storage.GlobalBudget // nil when no Global Budget exists
}

// Options tunes decision output
type Options struct {
	GlobalStatKey string // blockedPerDay key for global limit blocks
}

// DefaultGlobalStatKey is the statistics key used for global limit blocks.
const DefaultGlobalStatKey = "Global Budget"
