// Package enforce redirects blocked tabs and records the block.
package enforce

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goodtune/kbudget/internal/metrics"
	"github.com/goodtune/kbudget/internal/policy"
	"github.com/goodtune/kbudget/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultFallbackPage is the extension page shown when a budget has no
// redirect URL.
const DefaultFallbackPage = "/inspiration.html"

// Navigator changes a tab's location
type Navigator interface {
	Navigate(ctx context.Context, tabID int, url string, internal bool) error
}

// Redirect is where a blocked tab is sent
type Redirect struct {
	URL      string `json:"url"`
	Internal bool   `json:"internal"` // resolved against the extension origin
}

// RedirectTarget computes the destination for a block. An empty redirect
// URL sends the tab to the fallback page carrying reason; a URL without a
// scheme gets https://.
func RedirectTarget(redirectURL, fallbackPage, reason string) Redirect {
	redirectURL = strings.TrimSpace(redirectURL)
	if redirectURL == "" {
		if fallbackPage == "" {
			fallbackPage = DefaultFallbackPage
		}
		if reason == "" {
			return Redirect{URL: fallbackPage, Internal: true}
		}
		return Redirect{
			URL:      fallbackPage + "?reason=" + url.QueryEscape(reason),
			Internal: true,
		}
	}

	if strings.Contains(redirectURL, "https://") || strings.Contains(redirectURL, "http://") {
		return Redirect{URL: redirectURL}
	}
	return Redirect{URL: "https://" + redirectURL}
}

// Enforcer performs redirects for block decisions
type Enforcer struct {
	stats        storage.StatisticsStore
	navigator    Navigator
	fallbackPage string
	logger       zerolog.Logger
}

// NewEnforcer creates a new enforcer
func NewEnforcer(stats storage.StatisticsStore, navigator Navigator, fallbackPage string, logger zerolog.Logger) *Enforcer {
	return &Enforcer{
		stats:        stats,
		navigator:    navigator,
		fallbackPage: fallbackPage,
		logger:       logger.With().Str("component", "enforce").Logger(),
	}
}

// Enforce counts the block against its statistics key and navigates the
// tab away. The tracking clock must already be stopped.
func (e *Enforcer) Enforce(ctx context.Context, tabID int, decision *policy.Decision) (Redirect, error) {
	if decision == nil || decision.Action != policy.ActionBlock {
		return Redirect{}, fmt.Errorf("enforce: decision is not a block")
	}

	// A failed count must not keep the tab on a blocked site
	if err := e.stats.IncrementBlocked(ctx, decision.StatKey); err != nil {
		e.logger.Error().Err(err).Str("stat_key", decision.StatKey).Msg("Failed to record block")
	}
	metrics.BlockedTotal.WithLabelValues(string(decision.Scope), string(decision.Reason)).Inc()

	redirect := RedirectTarget(decision.RedirectURL, e.fallbackPage, decision.Message)

	e.logger.Info().
		Int("tab_id", tabID).
		Str("site", decision.Target.Site).
		Str("scope", string(decision.Scope)).
		Str("reason", string(decision.Reason)).
		Str("redirect", redirect.URL).
		Msg("Blocking tab")

	if err := e.navigator.Navigate(ctx, tabID, redirect.URL, redirect.Internal); err != nil {
		return redirect, fmt.Errorf("failed to redirect tab %d: %w", tabID, err)
	}
	return redirect, nil
}
