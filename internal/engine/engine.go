package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lewta/drone-orchd/internal/config"
	"github.com/lewta/drone-orchd/internal/domain"
	"github.com/lewta/drone-orchd/internal/lifecycle"
	"github.com/lewta/drone-orchd/internal/metrics"
	"github.com/lewta/drone-orchd/internal/persona"
	"github.com/lewta/drone-orchd/internal/ratelimit"
	"github.com/lewta/drone-orchd/internal/registry"
	"github.com/lewta/drone-orchd/internal/resource"
	"github.com/lewta/drone-orchd/internal/sink"
	"github.com/lewta/drone-orchd/internal/task"
)

// Engine wires the scheduler to the drone registry, domain limiter,
// persona store, resource monitor, and metrics, and owns the top-level
// Run/Stop lifecycle.
type Engine struct {
	cfg       *config.Config
	Scheduler *Scheduler
	Registry  *registry.Registry
	Limiter   *domain.Limiter
	SuffixIdx *domain.PublicSuffixIndex
	Tracker   *lifecycle.Tracker
	monitor   *resource.Monitor
	metrics   *metrics.Metrics
}

// New creates an Engine wired with all dependencies. personas and
// suffixIdx are built by the caller (from PersonasFile / PublicSuffixFile)
// since their sources are external collaborators.
func New(
	cfg *config.Config,
	personas persona.Store,
	suffixIdx *domain.PublicSuffixIndex,
	transport Transport,
	m *metrics.Metrics,
	deadLetter sink.DeadLetterSink,
	notifier sink.InterventionNotifier,
) *Engine {
	reg := registry.New()
	tracker := lifecycle.New()

	limiter := domain.NewLimiter(
		domain.GlobalConfig{MaxConcurrentSessions: cfg.DomainLimits.GlobalMaxConcurrentSessions},
		domain.PerDomainConfig{
			ConcurrencyPerDrone: cfg.DomainLimits.ConcurrencyPerDrone,
			QpsPerDrone:         int(cfg.DomainLimits.QpsPerDrone),
			BurstLimit:          cfg.DomainLimits.BurstLimit,
			CooldownSeconds:     cfg.DomainLimits.CooldownSeconds,
		},
		time.Duration(cfg.DomainLimits.DomainStateTtlSeconds)*time.Second,
		nil,
	)

	schedCfg := Config{
		ReadyQueueCapacity:    cfg.Scheduling.ReadyQueueCapacity,
		PerDroneQueueCapacity: cfg.Scheduling.PerDroneQueueCapacity,
		MaxInFlightPerDrone:   cfg.Scheduling.MaxInFlightPerDrone,
		AckTimeoutSec:         cfg.Scheduling.AckTimeoutSec,
		DispatchLoopDelayMs:   cfg.Scheduling.DispatchLoopDelayMs,
		PersonaMissing: persona.BackoffConfig{
			MaxRetries:    cfg.Scheduling.PersonaMissingMaxRetries,
			BaseDelaySec:  cfg.Scheduling.PersonaMissingBaseDelaySec,
			MaxBackoffSec: cfg.Scheduling.PersonaMissingMaxBackoffSec,
		},
	}

	publishBackoff := ratelimit.NewBackoffRegistry(
		cfg.PublishBackoff.InitialMs,
		cfg.PublishBackoff.MaxMs,
		cfg.PublishBackoff.Multiplier,
		cfg.PublishBackoff.MaxAttempts,
	)

	sched := NewScheduler(schedCfg, reg, limiter, suffixIdx, personas, tracker, transport, m, deadLetter, notifier, publishBackoff)

	return &Engine{
		cfg:       cfg,
		Scheduler: sched,
		Registry:  reg,
		Limiter:   limiter,
		SuffixIdx: suffixIdx,
		Tracker:   tracker,
		monitor:   resource.New(cfg.Resources.CPUThresholdPct, cfg.Resources.MemoryThresholdMB),
		metrics:   m,
	}
}

// Run starts the engine's background fibers and blocks until ctx is
// cancelled: the resource monitor, the scheduler's ready loop and
// persona-retry loop, the heartbeat-expiry sweep, and the domain-state
// sweep.
func (e *Engine) Run(ctx context.Context) {
	e.monitor.Start(ctx)
	e.Scheduler.Start(ctx)

	go e.heartbeatSweepLoop(ctx)
	e.Limiter.StartSweep(ctx, e.domainSweepInterval())

	log.Info().
		Int("ready_queue_capacity", e.cfg.Scheduling.ReadyQueueCapacity).
		Int("per_drone_queue_capacity", e.cfg.Scheduling.PerDroneQueueCapacity).
		Msg("engine started")

	<-ctx.Done()
	log.Info().Msg("engine shutting down")
	e.Scheduler.Stop()
}

// Submit validates and enqueues a task on the ready queue. It first waits
// on the CPU/memory self-throttle gate until usage is below threshold, and
// returns ctx's error if ctx ends while waiting.
func (e *Engine) Submit(ctx context.Context, t task.Task) error {
	if err := e.monitor.Admit(ctx); err != nil {
		return err
	}
	return e.Scheduler.Submit(ctx, t)
}

// RegisterDrone enrolls a drone into the registry and starts its
// supervised per-drone worker.
func (e *Engine) RegisterDrone(ctx context.Context, info registry.DroneInfo) {
	e.Registry.Register(info)
	go e.Scheduler.RunDroneWorker(ctx, info.DroneID)
}

func (e *Engine) heartbeatSweepLoop(ctx context.Context) {
	interval := time.Duration(e.cfg.Scheduling.HeartbeatExpectSec) * time.Second
	grace := time.Duration(e.cfg.Scheduling.DisconnectGraceSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, droneID := range e.Registry.ExpiredHeartbeats(grace) {
				log.Warn().Str("drone_id", droneID).Msg("engine: heartbeat expired, disconnecting drone")
				e.Registry.Disconnect(droneID)
				e.Tracker.FailAll(droneID, "drone_disconnected")
			}
		}
	}
}

// domainSweepInterval computes the domain-limiter sweep cadence per
// spec.md §4.2: at least every min(DomainStateTtl/4, 60s).
func (e *Engine) domainSweepInterval() time.Duration {
	interval := time.Duration(e.cfg.DomainLimits.DomainStateTtlSeconds) * time.Second / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return interval
}
