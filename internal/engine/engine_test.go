package engine

import (
	"context"
	"testing"
	"time"

	"github.com/lewta/drone-orchd/internal/config"
	"github.com/lewta/drone-orchd/internal/domain"
	"github.com/lewta/drone-orchd/internal/metrics"
	"github.com/lewta/drone-orchd/internal/paramtree"
	"github.com/lewta/drone-orchd/internal/persona"
	"github.com/lewta/drone-orchd/internal/registry"
	"github.com/lewta/drone-orchd/internal/task"
)

func testEngineConfig() *config.Config {
	return &config.Config{
		Scheduling: config.SchedulingConfig{
			ReadyQueueCapacity:          100,
			PerDroneQueueCapacity:       10,
			MaxInFlightPerDrone:         1,
			AckTimeoutSec:               1,
			HeartbeatExpectSec:          1,
			DisconnectGraceSec:          2,
			DispatchLoopDelayMs:         10,
			PersonaMissingMaxRetries:    2,
			PersonaMissingBaseDelaySec:  1,
			PersonaMissingMaxBackoffSec: 2,
		},
		DomainLimits: config.DomainLimitsConfig{
			GlobalMaxConcurrentSessions: 25,
			ConcurrencyPerDrone:         1,
			QpsPerDrone:                 2,
			BurstLimit:                  3,
			CooldownSeconds:             30,
			DomainStateTtlSeconds:       600,
		},
		Resources: config.ResourcesConfig{CPUThresholdPct: 95, MemoryThresholdMB: 65536},
		Daemon:    config.DaemonConfig{LogLevel: "info", LogFormat: "text"},
	}
}

func TestEngine_New_WiresScheduler(t *testing.T) {
	cfg := testEngineConfig()
	personas := persona.NewMapStore(map[string]paramtree.Value{"p1": paramtree.String("trait")})
	suffixIdx := domain.NewFallbackPublicSuffixIndex()
	transport := &fakeTransport{}

	e := New(cfg, personas, suffixIdx, transport, metrics.Noop(), nil, &fakeNotifier{})
	if e.Scheduler == nil || e.Registry == nil || e.Limiter == nil || e.Tracker == nil {
		t.Fatal("expected New to wire all collaborators")
	}
}

func TestEngine_RegisterDrone_AndSubmit(t *testing.T) {
	cfg := testEngineConfig()
	personas := persona.NewMapStore(map[string]paramtree.Value{"p1": paramtree.String("trait")})
	suffixIdx := domain.NewFallbackPublicSuffixIndex()
	transport := &fakeTransport{}

	e := New(cfg, personas, suffixIdx, transport, metrics.Noop(), nil, &fakeNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.RegisterDrone(ctx, registry.DroneInfo{DroneID: "d1", Status: registry.Idle})

	if err := e.Submit(ctx, task.Task{CommandID: "c1", Type: "navigate", PersonaID: "p1", TimeoutSec: 5}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		transport.mu.Lock()
		n := len(transport.published)
		transport.mu.Unlock()
		if n == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected command to be published within 1s")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
