package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "timetrack.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, "storage:\n  path: "+filepath.Join(dir, "data", "timetrack.bolt")+"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.BindAddress != "127.0.0.1" {
		t.Errorf("Expected loopback bind address, got %s", cfg.Server.BindAddress)
	}
	if cfg.Server.APIPort != 7474 {
		t.Errorf("Expected API port 7474, got %d", cfg.Server.APIPort)
	}
	if cfg.Tracking.InactivityThreshold != "15s" {
		t.Errorf("Expected 15s inactivity threshold, got %s", cfg.Tracking.InactivityThreshold)
	}
	if cfg.Tracking.RetentionDays != 90 {
		t.Errorf("Expected 90 retention days, got %d", cfg.Tracking.RetentionDays)
	}
	if len(cfg.Tracking.SkipSchemes) == 0 {
		t.Error("Expected default skip schemes")
	}
	if cfg.Storage.Type != "bolt" {
		t.Errorf("Expected bolt storage, got %s", cfg.Storage.Type)
	}

	// Storage directory is created during validation
	if _, err := os.Stat(filepath.Join(dir, "data")); err != nil {
		t.Errorf("Expected storage directory to exist: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  api_port: 8080
  allowed_origins:
    - chrome-extension://abcdef
storage:
  type: redis
  redis:
    host: redis.internal
    key_prefix: "tt:"
tracking:
  inactivity_threshold: 30s
  retention_days: 120
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.APIPort != 8080 {
		t.Errorf("Expected API port 8080, got %d", cfg.Server.APIPort)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "chrome-extension://abcdef" {
		t.Errorf("Unexpected allowed origins: %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Storage.Redis.Host != "redis.internal" || cfg.Storage.Redis.Port != 6379 {
		t.Errorf("Unexpected redis config: %+v", cfg.Storage.Redis)
	}
	if cfg.Storage.Redis.KeyPrefix != "tt:" {
		t.Errorf("Expected key prefix tt:, got %s", cfg.Storage.Redis.KeyPrefix)
	}
	if cfg.Tracking.InactivityThreshold != "30s" {
		t.Errorf("Expected 30s, got %s", cfg.Tracking.InactivityThreshold)
	}
	if cfg.Tracking.RetentionDays != 120 {
		t.Errorf("Expected 120, got %d", cfg.Tracking.RetentionDays)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "storage:\n  path: "+filepath.Join(t.TempDir(), "timetrack.bolt")+"\n")
	t.Setenv("TIMETRACK_SERVER_API_PORT", "9999")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.APIPort != 9999 {
		t.Errorf("Expected env override 9999, got %d", cfg.Server.APIPort)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"bad port", "server:\n  api_port: 70000\n", "invalid API port"},
		{"bad duration", "tracking:\n  flush_interval: soon\n", "tracking.flush_interval"},
		{"zero duration", "tracking:\n  sweep_interval: 0s\n", "must be positive"},
		{"short retention", "tracking:\n  retention_days: 7\n", "retention_days"},
		{"unknown storage", "storage:\n  type: sqlite\n", "unknown storage type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.body + "\n"
			if !strings.Contains(tt.body, "storage:") {
				body += "storage:\n  path: " + filepath.Join(t.TempDir(), "timetrack.bolt") + "\n"
			}
			_, err := Load(writeConfig(t, body))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
