// Package config loads the task engine's configuration from a YAML file,
// with environment variable overrides, the way the original automation
// agent loaded config.yml plus SANAAGENT_* overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BulkConfig governs the concurrency engine.
type BulkConfig struct {
	MaxConcurrent      int `mapstructure:"max_concurrent"`
	RetryAttempts      int `mapstructure:"retry_attempts"`
	RetryDelaySeconds  int `mapstructure:"retry_delay_seconds"`
}

// PauseAfterErrorBurst configures the governance pause rule.
type PauseAfterErrorBurst struct {
	Threshold  int `mapstructure:"threshold"`
	DurationS  int `mapstructure:"duration_s"`
}

// GovernanceConfig governs the closed-loop controller.
type GovernanceConfig struct {
	CPUHighPct                   float64              `mapstructure:"cpu_high_pct"`
	MemHighPct                   float64              `mapstructure:"mem_high_pct"`
	WindowS                      int                  `mapstructure:"window_s"`
	PauseAfterErrorBurst         PauseAfterErrorBurst `mapstructure:"pause_after_error_burst"`
	HumanReviewAfterPauseBursts  int                  `mapstructure:"human_review_after_pause_bursts"`
}

// TelemetryConfig governs the governance sampler cadence.
type TelemetryConfig struct {
	SampleIntervalS int `mapstructure:"sample_interval_s"`
	LogIntervalS    int `mapstructure:"log_interval_s"`
}

// PersistenceConfig governs the task store.
type PersistenceConfig struct {
	DBPath               string `mapstructure:"db_path"`
	GCCompletedAfterDays int    `mapstructure:"gc_completed_after_days"`
	HeartbeatTTLSeconds  int    `mapstructure:"heartbeat_ttl_s"`
}

// EscalationConfig governs the human-review webhook.
type EscalationConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	EmailTo    string `mapstructure:"email_to"`
}

// IngestConfig governs the optional NATS event-driven enqueue bridge.
// SPEC_FULL.md supplement: not present in the original spec's
// configuration surface, added alongside internal/ingest.
type IngestConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

// AgentConfig is the root configuration document.
type AgentConfig struct {
	Bulk        BulkConfig        `mapstructure:"bulk"`
	Governance  GovernanceConfig  `mapstructure:"governance"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Escalation  EscalationConfig  `mapstructure:"escalation"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
}

// HeartbeatTTL returns the configured stale-reservation TTL.
//
// Open question (spec §9): the original source derives this as
// sample_interval_s * 4. That coupling between telemetry cadence and
// crash-recovery window is not inherited; heartbeat_ttl_s is its own
// config field, defaulting to sample_interval_s*4 only when unset so
// existing configs keep working.
func (c AgentConfig) HeartbeatTTL() time.Duration {
	if c.Persistence.HeartbeatTTLSeconds > 0 {
		return time.Duration(c.Persistence.HeartbeatTTLSeconds) * time.Second
	}
	return time.Duration(c.Telemetry.SampleIntervalS*4) * time.Second
}

// RetryDelay returns the configured base retry delay.
func (c AgentConfig) RetryDelay() time.Duration {
	return time.Duration(c.Bulk.RetryDelaySeconds) * time.Second
}

// Load reads the config file at path and applies TASKENGINE_* environment
// overrides. A missing or invalid file is a config error: the caller must
// treat it as fatal-at-startup per spec §7.
func Load(path string) (AgentConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("taskengine")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return AgentConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bulk.max_concurrent", 4)
	v.SetDefault("bulk.retry_attempts", 3)
	v.SetDefault("bulk.retry_delay_seconds", 1)
	v.SetDefault("governance.cpu_high_pct", 85.0)
	v.SetDefault("governance.mem_high_pct", 85.0)
	v.SetDefault("governance.window_s", 60)
	v.SetDefault("governance.pause_after_error_burst.threshold", 5)
	v.SetDefault("governance.pause_after_error_burst.duration_s", 30)
	v.SetDefault("governance.human_review_after_pause_bursts", 3)
	v.SetDefault("telemetry.sample_interval_s", 5)
	v.SetDefault("telemetry.log_interval_s", 60)
	v.SetDefault("persistence.db_path", "taskengine.db")
	v.SetDefault("persistence.gc_completed_after_days", 7)
	v.SetDefault("persistence.heartbeat_ttl_s", 0)
	v.SetDefault("escalation.enabled", false)
	v.SetDefault("escalation.webhook_url", "")
	v.SetDefault("escalation.email_to", "")
	v.SetDefault("ingest.enabled", false)
	v.SetDefault("ingest.nats_url", "")
	v.SetDefault("ingest.subject", "")
}

func validate(cfg AgentConfig) error {
	switch {
	case cfg.Bulk.MaxConcurrent < 1:
		return fmt.Errorf("bulk.max_concurrent must be >= 1")
	case cfg.Bulk.RetryAttempts < 1:
		return fmt.Errorf("bulk.retry_attempts must be >= 1")
	case cfg.Bulk.RetryDelaySeconds < 0:
		return fmt.Errorf("bulk.retry_delay_seconds must be >= 0")
	case cfg.Governance.WindowS < 1:
		return fmt.Errorf("governance.window_s must be >= 1")
	case cfg.Governance.HumanReviewAfterPauseBursts < 1:
		return fmt.Errorf("governance.human_review_after_pause_bursts must be >= 1")
	case cfg.Telemetry.SampleIntervalS < 1:
		return fmt.Errorf("telemetry.sample_interval_s must be >= 1")
	case cfg.Telemetry.LogIntervalS < 1:
		return fmt.Errorf("telemetry.log_interval_s must be >= 1")
	case cfg.Persistence.DBPath == "":
		return fmt.Errorf("persistence.db_path must be set")
	case cfg.Escalation.Enabled && cfg.Escalation.WebhookURL == "" && cfg.Escalation.EmailTo == "":
		return fmt.Errorf("escalation.enabled requires webhook_url or email_to")
	case cfg.Ingest.Enabled && (cfg.Ingest.NATSURL == "" || cfg.Ingest.Subject == ""):
		return fmt.Errorf("ingest.enabled requires nats_url and subject")
	}
	return nil
}
