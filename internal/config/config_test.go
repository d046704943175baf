package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, http://b.test,,")
	t.Setenv("CONSUME_RATE_WINDOW", "not-a-duration")
	t.Setenv("AUTO_MIGRATE", "true")

	cfg := Load()

	if cfg.Port != "9000" {
		t.Fatalf("expected port 9000, got %s", cfg.Port)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://b.test" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
	if cfg.ConsumeRateWindow != time.Minute {
		t.Fatalf("expected fallback window 1m, got %s", cfg.ConsumeRateWindow)
	}
	if !cfg.AutoMigrate {
		t.Fatal("expected AUTO_MIGRATE to be parsed")
	}
	if cfg.StorageBackend != "postgres" {
		t.Fatalf("expected postgres storage by default, got %s", cfg.StorageBackend)
	}
	if cfg.DefaultTemplateTier != "starter" {
		t.Fatalf("expected default template tier starter, got %s", cfg.DefaultTemplateTier)
	}
}

func TestParseStringSliceEmpty(t *testing.T) {
	if got := parseStringSlice(""); len(got) != 0 {
		t.Fatalf("expected empty slice, got %v", got)
	}
}
