package config

// Config is the root configuration structure for the orchestrator daemon.
type Config struct {
	Scheduling       SchedulingConfig   `mapstructure:"scheduling"`
	DomainLimits     DomainLimitsConfig `mapstructure:"domain_limits"`
	Intervention     InterventionConfig `mapstructure:"intervention"`
	Server           ServerConfig       `mapstructure:"server"`
	Resources        ResourcesConfig    `mapstructure:"resources"`
	Metrics          MetricsConfig      `mapstructure:"metrics"`
	Daemon           DaemonConfig       `mapstructure:"daemon"`
	PublishBackoff   PublishBackoffConfig `mapstructure:"publish_backoff"`
	PersonasFile     string             `mapstructure:"personas_file"`
	PublicSuffixFile string             `mapstructure:"public_suffix_file"`
	DeadLetterDBPath string             `mapstructure:"dead_letter_db_path"`
}

// PublishBackoffConfig controls the decorrelated-jitter backoff applied after
// a transport publish failure, keyed by the task's domain (or by drone when
// the task has none), before the task is requeued on the drone's queue.
type PublishBackoffConfig struct {
	InitialMs   int     `mapstructure:"initial_ms"`
	MaxMs       int     `mapstructure:"max_ms"`
	Multiplier  float64 `mapstructure:"multiplier"`
	MaxAttempts int     `mapstructure:"max_attempts"`
}

// SchedulingConfig controls the ready queue, per-drone queues, pacing, and
// persona-missing backoff.
type SchedulingConfig struct {
	ReadyQueueCapacity          int     `mapstructure:"ready_queue_capacity"`
	PerDroneQueueCapacity       int     `mapstructure:"per_drone_queue_capacity"`
	MaxInFlightPerDrone         int     `mapstructure:"max_in_flight_per_drone"`
	AckTimeoutSec               int     `mapstructure:"ack_timeout_sec"`
	HeartbeatExpectSec          int     `mapstructure:"heartbeat_expect_sec"`
	DisconnectGraceSec          int     `mapstructure:"disconnect_grace_sec"`
	DispatchLoopDelayMs         int     `mapstructure:"dispatch_loop_delay_ms"`
	PersonaMissingMaxRetries    int     `mapstructure:"persona_missing_max_retries"`
	PersonaMissingBaseDelaySec  int     `mapstructure:"persona_missing_base_delay_sec"`
	PersonaMissingMaxBackoffSec int     `mapstructure:"persona_missing_max_backoff_sec"`
}

// DomainLimitsConfig bundles the global and per-domain-per-drone limiter
// knobs plus the domain-state sweep TTL.
type DomainLimitsConfig struct {
	GlobalMaxConcurrentSessions int     `mapstructure:"global_max_concurrent_sessions"`
	ConcurrencyPerDrone         int     `mapstructure:"concurrency_per_drone"`
	QpsPerDrone                 float64 `mapstructure:"qps_per_drone"`
	BurstLimit                  int     `mapstructure:"burst_limit"`
	CooldownSeconds             int     `mapstructure:"cooldown_seconds"`
	DomainStateTtlSeconds       int     `mapstructure:"domain_state_ttl_seconds"`
}

// InterventionConfig controls the intervention state machine's timeouts.
type InterventionConfig struct {
	AttachScreenshot bool   `mapstructure:"attach_screenshot"`
	WindowTtlSec     int    `mapstructure:"window_ttl_sec"`
	StepTtlSec       int    `mapstructure:"step_ttl_sec"`
	ScreenshotDir    string `mapstructure:"screenshot_dir"`
	BrowserURL       string `mapstructure:"browser_url"`
}

// ServerConfig holds the transport-facing settings: the listen address and
// the required drone authentication header value.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	ApiKey     string `mapstructure:"api_key"`
}

// ResourcesConfig controls the scheduler's CPU/memory self-throttle gate.
type ResourcesConfig struct {
	CPUThresholdPct   float64 `mapstructure:"cpu_threshold_pct"`
	MemoryThresholdMB uint64  `mapstructure:"memory_threshold_mb"`
}

// MetricsConfig controls Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// DaemonConfig holds daemon/process settings.
type DaemonConfig struct {
	PIDFile   string `mapstructure:"pid_file"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}
