package usage

import (
	"time"

	"github.com/goodtune/kbudget/internal/policy"
	"github.com/goodtune/kbudget/internal/target"
)

// Session represents an active tracking clock for one tab
type Session struct {
	ID                 string         `json:"id"`
	TabID              int            `json:"tab_id"`
	Target             target.Target  `json:"target"`
	Scopes             []policy.Scope `json:"scopes"`
	StartedAt          time.Time      `json:"started_at"`
	LastTick           time.Time      `json:"last_tick"`
	AccumulatedSeconds int64          `json:"accumulated_seconds"`
	Remaining          int64          `json:"remaining"`
}

// TickResult is the outcome of one accumulation step
type TickResult struct {
	Breach    *policy.Decision // non-nil when a tracked scope reached its limit
	Remaining int64
	Badge     string
	Untracked bool // every tracked budget was removed
}
