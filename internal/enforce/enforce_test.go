package enforce

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/goodtune/kbudget/internal/policy"
	"github.com/goodtune/kbudget/internal/storage/bolt"
	"github.com/goodtune/kbudget/internal/target"
	"github.com/rs/zerolog"
)

type recordingNavigator struct {
	calls []navigation
	err   error
}

type navigation struct {
	tabID    int
	url      string
	internal bool
}

func (n *recordingNavigator) Navigate(_ context.Context, tabID int, url string, internal bool) error {
	n.calls = append(n.calls, navigation{tabID, url, internal})
	return n.err
}

func TestRedirectTarget(t *testing.T) {
	tests := []struct {
		name     string
		redirect string
		reason   string
		want     Redirect
	}{
		{"fallback with reason", "", "Time limit reached on youtube.com", Redirect{URL: "/inspiration.html?reason=Time+limit+reached+on+youtube.com", Internal: true}},
		{"fallback without reason", "", "", Redirect{URL: "/inspiration.html", Internal: true}},
		{"bare host", "example.com", "x", Redirect{URL: "https://example.com"}},
		{"https kept", "https://example.com/focus", "x", Redirect{URL: "https://example.com/focus"}},
		{"http kept", "http://intranet.local", "x", Redirect{URL: "http://intranet.local"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RedirectTarget(tt.redirect, "", tt.reason); got != tt.want {
				t.Errorf("RedirectTarget() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEnforceCountsAndNavigates(t *testing.T) {
	store, err := bolt.Open(filepath.Join(t.TempDir(), "kbudget.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	nav := &recordingNavigator{}
	enforcer := NewEnforcer(store.Statistics(), nav, "/inspiration.html", zerolog.Nop())

	decision := &policy.Decision{
		Action:  policy.ActionBlock,
		Target:  target.Target{Site: "reddit.com", Path: "/"},
		Reason:  policy.ReasonLimitReached,
		Message: "Time limit reached on your Global Budget (reddit.com)",
		StatKey: "Global Budget",
		Scope:   policy.ScopeGlobal,
	}

	redirect, err := enforcer.Enforce(context.Background(), 42, decision)
	if err != nil {
		t.Fatalf("Enforce failed: %v", err)
	}
	if !redirect.Internal {
		t.Errorf("Expected internal redirect, got %+v", redirect)
	}
	if len(nav.calls) != 1 || nav.calls[0].tabID != 42 || nav.calls[0].url != redirect.URL {
		t.Fatalf("Unexpected navigations %+v", nav.calls)
	}

	daily, _ := store.Statistics().GetDaily(context.Background())
	if daily.BlockedPerDay["Global Budget"] != 1 {
		t.Errorf("Expected block counted, got %v", daily.BlockedPerDay)
	}
}

func TestEnforceRejectsNonBlock(t *testing.T) {
	enforcer := NewEnforcer(nil, &recordingNavigator{}, "", zerolog.Nop())
	if _, err := enforcer.Enforce(context.Background(), 1, &policy.Decision{Action: policy.ActionTrack}); err == nil {
		t.Fatal("Expected error for non-block decision")
	}
}

func TestEnforceNavigationError(t *testing.T) {
	store, err := bolt.Open(filepath.Join(t.TempDir(), "kbudget.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	boom := errors.New("tab closed")
	enforcer := NewEnforcer(store.Statistics(), &recordingNavigator{err: boom}, "", zerolog.Nop())

	_, err = enforcer.Enforce(context.Background(), 1, &policy.Decision{Action: policy.ActionBlock, StatKey: "a.com"})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected wrapped navigation error, got %v", err)
	}
}
