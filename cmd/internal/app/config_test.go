package app

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Fatalf("log defaults = %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if !cfg.OriginRequired {
		t.Fatalf("origin should be required by default")
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.SendQueueSize != 256 || cfg.MaxConnsPerUser != 8 || cfg.ReplayBuffer != 50 {
		t.Fatalf("hub defaults = %d/%d/%d", cfg.SendQueueSize, cfg.MaxConnsPerUser, cfg.ReplayBuffer)
	}
	if cfg.LockTTL != 5*time.Minute || cfg.PresenceDisconnect != 10*time.Minute {
		t.Fatalf("timer defaults = %v/%v", cfg.LockTTL, cfg.PresenceDisconnect)
	}
	if cfg.DatabaseURL != "" || cfg.ReadinessRequireDB {
		t.Fatalf("db should be off by default")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("SLIDEHUB_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("SLIDEHUB_LOCK_TTL", "90s")
	t.Setenv("SLIDEHUB_REPLAY_BUFFER", "5")
	t.Setenv("SLIDEHUB_ALLOWED_ORIGINS", "https://app.example.com, https://staging.example.com")
	t.Setenv("SLIDEHUB_ORIGIN_REQUIRED", "false")

	cfg := LoadConfig()

	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.LockTTL != 90*time.Second {
		t.Fatalf("LockTTL = %v", cfg.LockTTL)
	}
	if cfg.ReplayBuffer != 5 {
		t.Fatalf("ReplayBuffer = %d", cfg.ReplayBuffer)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://staging.example.com" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.OriginRequired {
		t.Fatalf("OriginRequired should be overridden to false")
	}
}

func TestEnvHelpersRejectGarbage(t *testing.T) {
	t.Setenv("SLIDEHUB_TEST_INT", "not-a-number")
	if got := EnvInt("SLIDEHUB_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt = %d", got)
	}

	t.Setenv("SLIDEHUB_TEST_INT", "-3")
	if got := EnvInt("SLIDEHUB_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt negative = %d", got)
	}

	t.Setenv("SLIDEHUB_TEST_DUR", "eleven minutes")
	if got := EnvDuration("SLIDEHUB_TEST_DUR", time.Minute); got != time.Minute {
		t.Fatalf("EnvDuration = %v", got)
	}

	t.Setenv("SLIDEHUB_TEST_BOOL", "si")
	if got := EnvBool("SLIDEHUB_TEST_BOOL", true); got != true {
		t.Fatalf("EnvBool = %v", got)
	}

	t.Setenv("SLIDEHUB_TEST_CSV", " a, ,b ,")
	got := EnvCSV("SLIDEHUB_TEST_CSV", "")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("EnvCSV = %v", got)
	}
}
