package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"TICK_INTERVAL_MS", "PORTAL_TIMEOUT_SECONDS", "ALLOWED_ORIGINS", "ERROR_REDIRECT_DELAY_SECONDS"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.TickInterval != time.Second {
		t.Fatalf("expected 1s tick, got %v", cfg.TickInterval)
	}
	if cfg.PortalTimeout != 15*time.Second {
		t.Fatalf("expected 15s portal timeout, got %v", cfg.PortalTimeout)
	}
	if cfg.RedirectDelay != 3*time.Second {
		t.Fatalf("expected 3s redirect delay, got %v", cfg.RedirectDelay)
	}
	if cfg.AllowedOrigins != nil {
		t.Fatalf("expected allow-all origins, got %v", cfg.AllowedOrigins)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TICK_INTERVAL_MS", "250")
	t.Setenv("PORTAL_TIMEOUT_SECONDS", "-4")
	t.Setenv("ALLOWED_ORIGINS", " https://tpo.example.edu , ,https://portal.example.edu")

	cfg := Load()
	if cfg.TickInterval != 250*time.Millisecond {
		t.Fatalf("expected 250ms tick, got %v", cfg.TickInterval)
	}
	if cfg.PortalTimeout != 15*time.Second {
		t.Fatalf("expected invalid timeout to fall back, got %v", cfg.PortalTimeout)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://portal.example.edu" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
}

func TestKeys(t *testing.T) {
	if got := CacheKey.AttemptAnswersKey("a1"); got != "attempt:a1:answers" {
		t.Fatalf("expected attempt:a1:answers, got %s", got)
	}
}
