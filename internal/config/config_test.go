package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleYAML = `
bulk:
  max_concurrent: 4
  retry_attempts: 3
  retry_delay_seconds: 1
governance:
  cpu_high_pct: 85
  mem_high_pct: 85
  window_s: 60
  pause_after_error_burst:
    threshold: 5
    duration_s: 30
  human_review_after_pause_bursts: 3
telemetry:
  sample_interval_s: 5
  log_interval_s: 60
persistence:
  db_path: test.db
  gc_completed_after_days: 7
escalation:
  enabled: false
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Bulk.MaxConcurrent != 4 {
		t.Fatalf("expected max_concurrent=4, got %d", cfg.Bulk.MaxConcurrent)
	}
	if cfg.HeartbeatTTL().Seconds() != 20 {
		t.Fatalf("expected default heartbeat ttl = sample_interval_s*4 = 20s, got %v", cfg.HeartbeatTTL())
	}
}

func TestLoadMissingFileIsConfigError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadRejectsInvalidConcurrency(t *testing.T) {
	bad := strings.Replace(sampleYAML, "max_concurrent: 4", "max_concurrent: 0", 1)
	path := writeTempConfig(t, bad)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for max_concurrent=0")
	}
}

func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	t.Setenv("TASKENGINE_BULK_MAX_CONCURRENT", "9")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Bulk.MaxConcurrent != 9 {
		t.Fatalf("expected env override to set max_concurrent=9, got %d", cfg.Bulk.MaxConcurrent)
	}
}

func TestHeartbeatTTLExplicitOverridesDefault(t *testing.T) {
	withTTL := strings.Replace(sampleYAML, "  gc_completed_after_days: 7\n", "  gc_completed_after_days: 7\n  heartbeat_ttl_s: 120\n", 1)
	path := writeTempConfig(t, withTTL)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HeartbeatTTL().Seconds() != 120 {
		t.Fatalf("expected explicit heartbeat_ttl_s to win, got %v", cfg.HeartbeatTTL())
	}
}
