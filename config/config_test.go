package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docutag/capture/db"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != "8080" {
		t.Errorf("Expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Database.Driver != db.DriverSQLite {
		t.Errorf("Expected sqlite driver, got %s", cfg.Database.Driver)
	}
	if cfg.Resolver.FastTimeout != 1200*time.Millisecond || cfg.Resolver.DirectTimeout != 4*time.Second {
		t.Errorf("Unexpected resolver deadlines: %v / %v", cfg.Resolver.FastTimeout, cfg.Resolver.DirectTimeout)
	}
	if cfg.Enrichment.RetryBase != 2*time.Second || cfg.Enrichment.MaxAttempts != 3 {
		t.Errorf("Unexpected retry policy: %v x %d", cfg.Enrichment.RetryBase, cfg.Enrichment.MaxAttempts)
	}
	if cfg.Enrichment.FlashDuration != 1400*time.Millisecond {
		t.Errorf("Expected 1.4s flash, got %v", cfg.Enrichment.FlashDuration)
	}
	if cfg.Enrichment.DuplicateWindow != 10*time.Second {
		t.Errorf("Expected 10s duplicate window, got %v", cfg.Enrichment.DuplicateWindow)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, `
server:
  port: "9090"
  cors_enabled: false
database:
  driver: postgres
  dsn: "host=db user=capture"
resolver:
  fetch_proxy_url: "https://meta.example.com/api/meta"
  fast_timeout: 900ms
enrichment:
  retry_base: 3s
  max_attempts: 5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.CORSEnabled {
		t.Errorf("Unexpected server section: %+v", cfg.Server)
	}
	if cfg.Database.Driver != db.DriverPostgres || cfg.Database.DSN != "host=db user=capture" {
		t.Errorf("Unexpected database section: %+v", cfg.Database)
	}
	if cfg.Resolver.FastTimeout != 900*time.Millisecond {
		t.Errorf("Expected 900ms fast timeout, got %v", cfg.Resolver.FastTimeout)
	}
	if cfg.Enrichment.RetryBase != 3*time.Second || cfg.Enrichment.MaxAttempts != 5 {
		t.Errorf("Unexpected retry policy: %v x %d", cfg.Enrichment.RetryBase, cfg.Enrichment.MaxAttempts)
	}
	// Untouched keys keep their defaults
	if cfg.Resolver.DirectTimeout != 4*time.Second {
		t.Errorf("Expected default direct timeout, got %v", cfg.Resolver.DirectTimeout)
	}

	sc := cfg.ScraperConfig()
	if sc.FetchProxyURL != "https://meta.example.com/api/meta" || sc.FastTimeout != 900*time.Millisecond {
		t.Errorf("ScraperConfig did not carry resolver settings: %+v", sc)
	}
	if ec := cfg.EnrichConfig(); ec.MaxAttempts != 5 {
		t.Errorf("EnrichConfig did not carry max attempts: %+v", ec)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != Default().Server.Port {
		t.Errorf("Expected defaults, got port %s", cfg.Server.Port)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed yaml", "server: [unterminated"},
		{"unknown driver", "database:\n  driver: mysql\n"},
		{"unknown storage", "storage:\n  backend: ftp\n"},
		{"unknown cache", "enrichment:\n  cache: redis\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, tt.content)); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("CORS_ENABLED", "false")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("FETCH_PROXY_URL", "https://proxy.example.com/meta")
	t.Setenv("RETRY_BASE", "500ms")
	t.Setenv("MAX_ATTEMPTS", "not-a-number")
	t.Setenv("TRACING_ENABLED", "true")

	cfg := Default()
	cfg.ApplyEnv()

	if cfg.Server.Port != "7070" || cfg.Server.CORSEnabled {
		t.Errorf("Unexpected server section: %+v", cfg.Server)
	}
	if cfg.Database.Driver != db.DriverPostgres {
		t.Errorf("Expected postgres, got %s", cfg.Database.Driver)
	}
	if cfg.Resolver.FetchProxyURL != "https://proxy.example.com/meta" {
		t.Errorf("Unexpected fetch proxy: %s", cfg.Resolver.FetchProxyURL)
	}
	if cfg.Enrichment.RetryBase != 500*time.Millisecond {
		t.Errorf("Expected 500ms retry base, got %v", cfg.Enrichment.RetryBase)
	}
	if cfg.Enrichment.MaxAttempts != 3 {
		t.Errorf("Expected invalid value to keep default 3, got %d", cfg.Enrichment.MaxAttempts)
	}
	if !cfg.Tracing.Enabled {
		t.Error("Expected tracing to be enabled")
	}
}
