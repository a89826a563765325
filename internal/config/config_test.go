package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.MaxConcurrent != 10 {
		t.Fatalf("expected default max_concurrent 10, got %d", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.Scheduler.MaxAttempts != 3 {
		t.Fatalf("expected default max_attempts 3, got %d", cfg.Scheduler.MaxAttempts)
	}
	if cfg.Window.SlidingWindowSize != 50 {
		t.Fatalf("expected default window size 50, got %d", cfg.Window.SlidingWindowSize)
	}
	if cfg.Scheduler.ReaperSchedule != "*/2 * * * *" {
		t.Fatalf("unexpected reaper schedule %q", cfg.Scheduler.ReaperSchedule)
	}
	if cfg.Tiers["free"].DailyTestLimit != 25 {
		t.Fatalf("expected free tier limit 25, got %d", cfg.Tiers["free"].DailyTestLimit)
	}
}

func TestLoadFromFileOverridesAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	yaml := `
bind_addr: "0.0.0.0:9000"
scheduler:
  max_concurrent: 2
  max_attempts: -1
window:
  sliding_window_size: 5
tiers:
  enterprise:
    daily_test_limit: 10000
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("bind addr not applied: %q", cfg.BindAddr)
	}
	if cfg.Scheduler.MaxConcurrent != 2 {
		t.Fatalf("max_concurrent not applied: %d", cfg.Scheduler.MaxConcurrent)
	}
	// Invalid values fall back to defaults.
	if cfg.Scheduler.MaxAttempts != 3 {
		t.Fatalf("expected normalized max_attempts 3, got %d", cfg.Scheduler.MaxAttempts)
	}
	if cfg.Window.SlidingWindowSize != 5 {
		t.Fatalf("window size not applied: %d", cfg.Window.SlidingWindowSize)
	}
	if cfg.Tiers["enterprise"].DailyTestLimit != 10000 {
		t.Fatalf("tier not applied: %+v", cfg.Tiers)
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TESTBENCH_MAX_CONCURRENT", "7")
	t.Setenv("TESTBENCH_AUTH_TOKEN", "tok-123")
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.MaxConcurrent != 7 {
		t.Fatalf("env override not applied: %d", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.AuthToken != "tok-123" {
		t.Fatalf("auth token override not applied: %q", cfg.AuthToken)
	}
}

func TestFingerprintChangesWithTunables(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a := cfg.Fingerprint()
	cfg.Scheduler.MaxConcurrent = 99
	b := cfg.Fingerprint()
	if a == b {
		t.Fatal("fingerprint did not change with max_concurrent")
	}
	if b != cfg.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
}
