package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads the YAML config at path, applies defaults, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduling.ready_queue_capacity", 1000)
	v.SetDefault("scheduling.per_drone_queue_capacity", 10)
	v.SetDefault("scheduling.max_in_flight_per_drone", 1)
	v.SetDefault("scheduling.ack_timeout_sec", 20)
	v.SetDefault("scheduling.heartbeat_expect_sec", 30)
	v.SetDefault("scheduling.disconnect_grace_sec", 60)
	v.SetDefault("scheduling.dispatch_loop_delay_ms", 100)
	v.SetDefault("scheduling.persona_missing_max_retries", 5)
	v.SetDefault("scheduling.persona_missing_base_delay_sec", 5)
	v.SetDefault("scheduling.persona_missing_max_backoff_sec", 120)

	v.SetDefault("domain_limits.global_max_concurrent_sessions", 25)
	v.SetDefault("domain_limits.concurrency_per_drone", 1)
	v.SetDefault("domain_limits.qps_per_drone", 2.0)
	v.SetDefault("domain_limits.burst_limit", 3)
	v.SetDefault("domain_limits.cooldown_seconds", 30)
	v.SetDefault("domain_limits.domain_state_ttl_seconds", 600)

	v.SetDefault("intervention.attach_screenshot", true)
	v.SetDefault("intervention.window_ttl_sec", 120)
	v.SetDefault("intervention.step_ttl_sec", 30)
	v.SetDefault("intervention.screenshot_dir", "/tmp/drone-orchd/screenshots")
	v.SetDefault("intervention.browser_url", "about:blank")

	v.SetDefault("server.listen_addr", ":8443")
	v.SetDefault("server.api_key", "")

	v.SetDefault("resources.cpu_threshold_pct", 85.0)
	v.SetDefault("resources.memory_threshold_mb", 2048)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.prometheus_port", 9090)

	v.SetDefault("daemon.pid_file", "/tmp/drone-orchd.pid")
	v.SetDefault("daemon.log_level", "info")
	v.SetDefault("daemon.log_format", "text")

	v.SetDefault("publish_backoff.initial_ms", 1000)
	v.SetDefault("publish_backoff.max_ms", 60000)
	v.SetDefault("publish_backoff.multiplier", 2.0)
	v.SetDefault("publish_backoff.max_attempts", 5)

	v.SetDefault("public_suffix_file", "")
	v.SetDefault("personas_file", "")
	v.SetDefault("dead_letter_db_path", "drone-orchd.db")
}

func validate(cfg *Config) error {
	var errs []string

	s := cfg.Scheduling
	if s.ReadyQueueCapacity <= 0 {
		errs = append(errs, "scheduling.ready_queue_capacity must be > 0")
	}
	if s.PerDroneQueueCapacity <= 0 {
		errs = append(errs, "scheduling.per_drone_queue_capacity must be > 0")
	}
	if s.MaxInFlightPerDrone <= 0 {
		errs = append(errs, "scheduling.max_in_flight_per_drone must be > 0")
	}
	if s.AckTimeoutSec <= 0 {
		errs = append(errs, "scheduling.ack_timeout_sec must be > 0")
	}
	if s.HeartbeatExpectSec <= 0 {
		errs = append(errs, "scheduling.heartbeat_expect_sec must be > 0")
	}
	if s.DisconnectGraceSec <= 0 {
		errs = append(errs, "scheduling.disconnect_grace_sec must be > 0")
	}
	if s.PersonaMissingMaxRetries < 0 {
		errs = append(errs, "scheduling.persona_missing_max_retries must be >= 0")
	}
	if s.PersonaMissingBaseDelaySec <= 0 {
		errs = append(errs, "scheduling.persona_missing_base_delay_sec must be > 0")
	}
	if s.PersonaMissingMaxBackoffSec < s.PersonaMissingBaseDelaySec {
		errs = append(errs, "scheduling.persona_missing_max_backoff_sec must be >= base_delay_sec")
	}

	d := cfg.DomainLimits
	if d.GlobalMaxConcurrentSessions <= 0 {
		errs = append(errs, "domain_limits.global_max_concurrent_sessions must be > 0")
	}
	if d.ConcurrencyPerDrone <= 0 {
		errs = append(errs, "domain_limits.concurrency_per_drone must be > 0")
	}
	if d.QpsPerDrone <= 0 {
		errs = append(errs, "domain_limits.qps_per_drone must be > 0")
	}
	if d.DomainStateTtlSeconds <= 0 {
		errs = append(errs, "domain_limits.domain_state_ttl_seconds must be > 0")
	}

	iv := cfg.Intervention
	if iv.WindowTtlSec <= 0 {
		errs = append(errs, "intervention.window_ttl_sec must be > 0")
	}
	if iv.StepTtlSec <= 0 {
		errs = append(errs, "intervention.step_ttl_sec must be > 0")
	}

	if cfg.Resources.CPUThresholdPct <= 0 || cfg.Resources.CPUThresholdPct > 100 {
		errs = append(errs, "resources.cpu_threshold_pct must be in (0, 100]")
	}

	pb := cfg.PublishBackoff
	if pb.InitialMs <= 0 {
		errs = append(errs, "publish_backoff.initial_ms must be > 0")
	}
	if pb.MaxMs < pb.InitialMs {
		errs = append(errs, "publish_backoff.max_ms must be >= initial_ms")
	}
	if pb.Multiplier <= 1 {
		errs = append(errs, "publish_backoff.multiplier must be > 1")
	}
	if pb.MaxAttempts <= 0 {
		errs = append(errs, "publish_backoff.max_attempts must be > 0")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Daemon.LogLevel] {
		errs = append(errs, fmt.Sprintf("daemon.log_level must be one of debug|info|warn|error, got %q", cfg.Daemon.LogLevel))
	}

	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[cfg.Daemon.LogFormat] {
		errs = append(errs, fmt.Sprintf("daemon.log_format must be text|json, got %q", cfg.Daemon.LogFormat))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
