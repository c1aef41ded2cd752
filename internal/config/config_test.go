package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/credits")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("port = %q, want 8080", cfg.Port)
	}
	if cfg.InitialGrant != 25 {
		t.Errorf("initial grant = %d, want 25", cfg.InitialGrant)
	}
	if cfg.IdempotencyTTL != 24*time.Hour {
		t.Errorf("idempotency ttl = %v, want 24h", cfg.IdempotencyTTL)
	}
	if cfg.DeviceWindowCap != 10 || cfg.DeviceWindow != time.Hour {
		t.Errorf("device window = %d/%v, want 10/1h", cfg.DeviceWindowCap, cfg.DeviceWindow)
	}
	if cfg.FailureSpikeRatio != 0.5 || cfg.FailureSpikeMinTotal != 4 {
		t.Errorf("failure spike = %v/%d, want 0.5/4", cfg.FailureSpikeRatio, cfg.FailureSpikeMinTotal)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/credits")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("INITIAL_GRANT", "100")
	t.Setenv("DEVICE_WINDOW", "30m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("port = %q, want 9090", cfg.Port)
	}
	if cfg.InitialGrant != 100 {
		t.Errorf("initial grant = %d, want 100", cfg.InitialGrant)
	}
	if cfg.DeviceWindow != 30*time.Minute {
		t.Errorf("device window = %v, want 30m", cfg.DeviceWindow)
	}
}

func TestLoadRequiresDBSource(t *testing.T) {
	// Setenv registers the restore; the variable itself must be absent, not
	// blank, for envconfig to flag it.
	t.Setenv("DB_SOURCE", "placeholder")
	os.Unsetenv("DB_SOURCE")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when DB_SOURCE is unset")
	}
}
