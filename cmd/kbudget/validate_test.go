package main

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestGetValidKeys(t *testing.T) {
	keys := getValidKeys()

	for _, key := range []string{
		"server.bind_address",
		"server.api_port",
		"api.token",
		"storage.type",
		"storage.redis.write_timeout",
		"logging.file",
		"enforcement.fallback_page",
		"statistics.daily_reset_time",
		"resolver.cache_size",
	} {
		if !keys[key] {
			t.Errorf("Expected %s to be a valid key", key)
		}
	}

	if keys["storage.redis"] {
		t.Error("Section names must not be reported as keys")
	}
}

func TestFindUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  api_port: 8080
  dns_port: 53
storage:
  type: bolt
  redis:
    hostname: localhost
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	unknown, err := findUnknownKeys(path)
	if err != nil {
		t.Fatalf("findUnknownKeys failed: %v", err)
	}

	slices.Sort(unknown)
	want := []string{"server.dns_port", "storage.redis.hostname"}
	if !slices.Equal(unknown, want) {
		t.Errorf("Expected %v, got %v", want, unknown)
	}
}

func TestFindUnknownKeysMissingFile(t *testing.T) {
	if _, err := findUnknownKeys(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Expected an error for a missing file")
	}
}

func TestRedactPassword(t *testing.T) {
	if got := redactPassword(""); got != "" {
		t.Errorf("Expected empty, got %q", got)
	}
	if got := redactPassword("secret"); got != "***REDACTED***" {
		t.Errorf("Expected redaction, got %q", got)
	}
}
