package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTPPort != "8000" {
		t.Errorf("Expected default port 8000, got %s", cfg.HTTPPort)
	}
	if cfg.Database.Path != "hermes.db" {
		t.Errorf("Expected default db path hermes.db, got %s", cfg.Database.Path)
	}
	if cfg.RateLimit.Max != 60 {
		t.Errorf("Expected rate limit 60, got %d", cfg.RateLimit.Max)
	}
	if cfg.RateLimit.Window != 60*time.Second {
		t.Errorf("Expected 60s window, got %v", cfg.RateLimit.Window)
	}
	if cfg.Dispatch.InitialPenalty != 30*time.Minute {
		t.Errorf("Expected 30m initial penalty, got %v", cfg.Dispatch.InitialPenalty)
	}
	if cfg.Dispatch.MaxPenalty != 4*time.Hour {
		t.Errorf("Expected 4h max penalty, got %v", cfg.Dispatch.MaxPenalty)
	}
}

func TestLoadInvalidPort(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	if _, err := Load(); err == nil {
		t.Error("Expected error for invalid PORT")
	}
}

func TestLoadInvalidEncryptionKey(t *testing.T) {
	t.Setenv("HERMES_ENCRYPTION_KEY", "deadbeef")
	if _, err := Load(); err == nil {
		t.Error("Expected error for short encryption key")
	}
}

func TestLoadRateLimitOverride(t *testing.T) {
	t.Setenv("RATE_LIMIT_MAX", "10")
	t.Setenv("RATE_LIMIT_WINDOW", "30")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RateLimit.Max != 10 {
		t.Errorf("Expected 10, got %d", cfg.RateLimit.Max)
	}
	if cfg.RateLimit.Window != 30*time.Second {
		t.Errorf("Expected 30s, got %v", cfg.RateLimit.Window)
	}
}
