package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "*.yaml")
	if err != nil {
		t.Fatalf("creating temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const minimalValidYAML = `
daemon:
  log_level: info
  log_format: text
`

func TestLoad_Valid(t *testing.T) {
	path := writeTemp(t, minimalValidYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Daemon.LogLevel != "info" {
		t.Errorf("daemon.log_level = %q, want %q", cfg.Daemon.LogLevel, "info")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeTemp(t, minimalValidYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Scheduling.ReadyQueueCapacity != 1000 {
		t.Errorf("scheduling.ready_queue_capacity = %d, want 1000", cfg.Scheduling.ReadyQueueCapacity)
	}
	if cfg.Scheduling.PerDroneQueueCapacity != 10 {
		t.Errorf("scheduling.per_drone_queue_capacity = %d, want 10", cfg.Scheduling.PerDroneQueueCapacity)
	}
	if cfg.Scheduling.MaxInFlightPerDrone != 1 {
		t.Errorf("scheduling.max_in_flight_per_drone = %d, want 1", cfg.Scheduling.MaxInFlightPerDrone)
	}
	if cfg.Scheduling.AckTimeoutSec != 20 {
		t.Errorf("scheduling.ack_timeout_sec = %d, want 20", cfg.Scheduling.AckTimeoutSec)
	}
	if cfg.Scheduling.PersonaMissingMaxRetries != 5 {
		t.Errorf("scheduling.persona_missing_max_retries = %d, want 5", cfg.Scheduling.PersonaMissingMaxRetries)
	}
	if cfg.DomainLimits.GlobalMaxConcurrentSessions != 25 {
		t.Errorf("domain_limits.global_max_concurrent_sessions = %d, want 25", cfg.DomainLimits.GlobalMaxConcurrentSessions)
	}
	if cfg.DomainLimits.ConcurrencyPerDrone != 1 {
		t.Errorf("domain_limits.concurrency_per_drone = %d, want 1", cfg.DomainLimits.ConcurrencyPerDrone)
	}
	if cfg.DomainLimits.QpsPerDrone != 2.0 {
		t.Errorf("domain_limits.qps_per_drone = %v, want 2.0", cfg.DomainLimits.QpsPerDrone)
	}
	if cfg.Intervention.WindowTtlSec != 120 {
		t.Errorf("intervention.window_ttl_sec = %d, want 120", cfg.Intervention.WindowTtlSec)
	}
	if cfg.Intervention.StepTtlSec != 30 {
		t.Errorf("intervention.step_ttl_sec = %d, want 30", cfg.Intervention.StepTtlSec)
	}
	if cfg.Metrics.PrometheusPort != 9090 {
		t.Errorf("metrics.prometheus_port = %d, want 9090", cfg.Metrics.PrometheusPort)
	}
	if cfg.PublishBackoff.InitialMs != 1000 {
		t.Errorf("publish_backoff.initial_ms = %d, want 1000", cfg.PublishBackoff.InitialMs)
	}
	if cfg.PublishBackoff.MaxAttempts != 5 {
		t.Errorf("publish_backoff.max_attempts = %d, want 5", cfg.PublishBackoff.MaxAttempts)
	}
}

func TestLoad_InvalidPublishBackoffMultiplier(t *testing.T) {
	yaml := minimalValidYAML + "\npublish_backoff:\n  multiplier: 1\n"
	path := writeTemp(t, yaml)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for publish_backoff.multiplier <= 1, got nil")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	yaml := "daemon:\n  log_level: verbose\n  log_format: text\n"
	path := writeTemp(t, yaml)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestLoad_InvalidAckTimeout(t *testing.T) {
	yaml := minimalValidYAML + "\nscheduling:\n  ack_timeout_sec: 0\n"
	path := writeTemp(t, yaml)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for zero ack_timeout_sec, got nil")
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
scheduling:
  ready_queue_capacity: 50
  per_drone_queue_capacity: 4
domain_limits:
  concurrency_per_drone: 3
daemon:
  log_level: debug
  log_format: json
`
	path := writeTemp(t, yaml)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Scheduling.ReadyQueueCapacity != 50 {
		t.Errorf("ready_queue_capacity = %d, want 50", cfg.Scheduling.ReadyQueueCapacity)
	}
	if cfg.Scheduling.PerDroneQueueCapacity != 4 {
		t.Errorf("per_drone_queue_capacity = %d, want 4", cfg.Scheduling.PerDroneQueueCapacity)
	}
	if cfg.DomainLimits.ConcurrencyPerDrone != 3 {
		t.Errorf("concurrency_per_drone = %d, want 3", cfg.DomainLimits.ConcurrencyPerDrone)
	}
	if cfg.Daemon.LogFormat != "json" {
		t.Errorf("log_format = %q, want json", cfg.Daemon.LogFormat)
	}
}
