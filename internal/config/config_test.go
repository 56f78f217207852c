package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Sync.Interval != "30s" {
		t.Fatalf("expected default sync interval 30s, got %s", cfg.Sync.Interval)
	}
	if cfg.Sync.ConnectTimeout != "75s" {
		t.Fatalf("expected default connect timeout 75s, got %s", cfg.Sync.ConnectTimeout)
	}
	if cfg.Vendor.Region != "EU" {
		t.Fatalf("expected default region EU, got %s", cfg.Vendor.Region)
	}
	if cfg.Storage.Type != "bolt" {
		t.Fatalf("expected default storage type bolt, got %s", cfg.Storage.Type)
	}
	if cfg.Sync.SimulatedFallback {
		t.Fatal("simulated fallback should default to off")
	}
}

func TestLoadOverrides(t *testing.T) {
	content := `
vendor:
  region: US
  retry_attempts: 3
sync:
  simulated_fallback: true
  profile_id: alice
storage:
  type: redis
  redis:
    host: redis.local
alerts:
  enabled: true
  low_mg_dl: 65
  high_mg_dl: 200
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Vendor.Region != "US" {
		t.Fatalf("expected region US, got %s", cfg.Vendor.Region)
	}
	if !cfg.Sync.SimulatedFallback {
		t.Fatal("expected simulated fallback enabled")
	}
	if cfg.Sync.ProfileID != "alice" {
		t.Fatalf("expected profile alice, got %s", cfg.Sync.ProfileID)
	}
	if cfg.Storage.Redis.Host != "redis.local" {
		t.Fatalf("expected redis host override, got %s", cfg.Storage.Redis.Host)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"unknown region", "vendor:\n  region: XX\n"},
		{"unknown storage type", "storage:\n  type: sqlite\n"},
		{"missing bolt path", "storage:\n  bolt:\n    path: \"\"\n"},
		{"inverted thresholds", "alerts:\n  enabled: true\n  low_mg_dl: 200\n  high_mg_dl: 70\n"},
		{"zero retries", "vendor:\n  retry_attempts: 0\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestRegionOverrideAllowsUnknownRegion(t *testing.T) {
	content := `
vendor:
  region: custom
  base_url: https://vendor.example.com
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Vendor.BaseURL != "https://vendor.example.com" {
		t.Fatalf("expected base url override, got %s", cfg.Vendor.BaseURL)
	}
}
