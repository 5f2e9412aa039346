package target

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantSite string
		wantPath string
		wantErr  error
	}{
		{"plain", "https://youtube.com/watch?v=abc", "youtube.com", "/watch?v=abc", nil},
		{"www stripped", "https://WWW.YouTube.com/", "youtube.com", "/", nil},
		{"no path", "http://example.org", "example.org", "/", nil},
		{"subdomain kept", "https://music.youtube.com/explore", "music.youtube.com", "/explore", nil},
		{"port dropped", "http://example.org:8080/a", "example.org", "/a", nil},
		{"localhost", "http://localhost:3000/app", "localhost", "/app", nil},
		{"ip address", "http://192.168.1.1/admin", "192.168.1.1", "/admin", nil},
		{"browser page", "chrome://extensions", "", "", ErrUnsupportedScheme},
		{"file", "file:///tmp/a.html", "", "", ErrUnsupportedScheme},
		{"no scheme", "youtube.com", "", "", ErrMalformedURL},
		{"bare suffix", "https://co.uk/", "", "", ErrMalformedURL},
		{"garbage", "http://%zz", "", "", ErrMalformedURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.url)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Parse(%q) error = %v, want %v", tt.url, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", tt.url, err)
			}
			if got.Site != tt.wantSite || got.Path != tt.wantPath {
				t.Errorf("Parse(%q) = %+v, want site %q path %q", tt.url, got, tt.wantSite, tt.wantPath)
			}
		})
	}
}

func TestResolverCaches(t *testing.T) {
	r, err := NewResolver(2)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve("https://youtube.com/"); err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 cached entry, got %d", r.Len())
	}

	_, _ = r.Resolve("https://a.com/")
	_, _ = r.Resolve("https://b.com/")
	if r.Len() != 2 {
		t.Errorf("Expected cache bounded at 2, got %d", r.Len())
	}

	if _, err := r.Resolve("about:blank"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("Expected unsupported scheme, got %v", err)
	}
	if r.Len() != 2 {
		t.Errorf("Errors must not be cached, got %d entries", r.Len())
	}
}
