// Package target resolves browser tab URLs into the site and path keys
// budgets are configured against.
package target

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/goodtune/kbudget/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/publicsuffix"
)

var (
	// ErrMalformedURL is returned when a URL has no usable hostname.
	ErrMalformedURL = errors.New("target: malformed url")

	// ErrUnsupportedScheme is returned for non-web URLs such as
	// chrome://, about: or file://.
	ErrUnsupportedScheme = errors.New("target: unsupported scheme")
)

// DefaultCacheSize is used when NewResolver is given a non-positive size.
const DefaultCacheSize = 512

// Target is a resolved tab location.
type Target struct {
	URL  string `json:"url"`
	Site string `json:"site"` // lowercased hostname without a leading www.
	Path string `json:"path"` // path plus query, "/" when empty
}

// Resolver parses tab URLs, caching recent results.
type Resolver struct {
	cache *lru.Cache[string, Target]
}

// NewResolver creates a resolver holding up to size entries.
func NewResolver(size int) (*Resolver, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, Target](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver cache: %w", err)
	}
	return &Resolver{cache: cache}, nil
}

// Resolve returns the target for rawURL.
func (r *Resolver) Resolve(rawURL string) (Target, error) {
	if t, ok := r.cache.Get(rawURL); ok {
		metrics.ResolverCacheHits.Inc()
		return t, nil
	}
	metrics.ResolverCacheMisses.Inc()
	t, err := Parse(rawURL)
	if err != nil {
		return Target{}, err
	}
	r.cache.Add(rawURL, t)
	return t, nil
}

// Len returns the number of cached entries.
func (r *Resolver) Len() int {
	return r.cache.Len()
}

// Parse resolves rawURL without caching.
func Parse(rawURL string) (Target, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return Target{}, fmt.Errorf("%w: missing scheme in %q", ErrMalformedURL, rawURL)
	default:
		return Target{}, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}

	site, err := NormalizeSite(u.Hostname())
	if err != nil {
		return Target{}, err
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	return Target{URL: rawURL, Site: site, Path: path}, nil
}

// NormalizeSite lowercases a hostname and strips a leading "www.". IP
// addresses and single-label hosts such as localhost are accepted as-is;
// other names must sit below a public suffix.
func NormalizeSite(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return "", fmt.Errorf("%w: empty hostname", ErrMalformedURL)
	}

	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return ip.String(), nil
	}

	host = strings.TrimPrefix(host, "www.")
	if !strings.Contains(host, ".") {
		return host, nil
	}

	if _, err := publicsuffix.EffectiveTLDPlusOne(host); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	return host, nil
}
