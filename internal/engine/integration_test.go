//go:build integration

package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/lewta/drone-orchd/internal/config"
	"github.com/lewta/drone-orchd/internal/domain"
	"github.com/lewta/drone-orchd/internal/engine"
	"github.com/lewta/drone-orchd/internal/metrics"
	"github.com/lewta/drone-orchd/internal/paramtree"
	"github.com/lewta/drone-orchd/internal/persona"
	"github.com/lewta/drone-orchd/internal/registry"
	"github.com/lewta/drone-orchd/internal/task"
)

func testCfg() *config.Config {
	return &config.Config{
		Scheduling: config.SchedulingConfig{
			ReadyQueueCapacity:          100,
			PerDroneQueueCapacity:       10,
			MaxInFlightPerDrone:         1,
			AckTimeoutSec:               1,
			HeartbeatExpectSec:          30,
			DisconnectGraceSec:          60,
			DispatchLoopDelayMs:         50,
			PersonaMissingMaxRetries:    2,
			PersonaMissingBaseDelaySec:  1,
			PersonaMissingMaxBackoffSec: 2,
		},
		DomainLimits: config.DomainLimitsConfig{
			GlobalMaxConcurrentSessions: 25,
			ConcurrencyPerDrone:         5,
			QpsPerDrone:                 100,
			BurstLimit:                  0,
			CooldownSeconds:             1,
			DomainStateTtlSeconds:       600,
		},
		Resources:      config.ResourcesConfig{CPUThresholdPct: 100, MemoryThresholdMB: 999999},
		Daemon:         config.DaemonConfig{LogLevel: "info", LogFormat: "text"},
		PublishBackoff: config.PublishBackoffConfig{InitialMs: 1, MaxMs: 10, Multiplier: 2.0, MaxAttempts: 3},
	}
}

type recordingTransport struct {
	ch chan task.CommandPayload
}

func (r *recordingTransport) PublishCommand(ctx context.Context, droneID string, payload task.CommandPayload) error {
	r.ch <- payload
	return nil
}

// TestIntegration_HappyPath exercises submit → dispatch → publish →
// acknowledge → complete against a real Engine with a fake transport in
// place of the drone-side bus.
func TestIntegration_HappyPath(t *testing.T) {
	transport := &recordingTransport{ch: make(chan task.CommandPayload, 4)}
	personas := persona.NewMapStore(map[string]paramtree.Value{"p1": paramtree.String("trait")})
	suffixIdx := domain.NewFallbackPublicSuffixIndex()

	e := engine.New(testCfg(), personas, suffixIdx, transport, metrics.Noop(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go e.Run(ctx)

	e.RegisterDrone(ctx, registry.DroneInfo{
		DroneID:            "d1",
		StaticCapabilities: map[string]struct{}{"navigate": {}},
		Status:             registry.Idle,
	})

	if err := e.Submit(ctx, task.Task{
		CommandID:            "c1",
		Type:                 "navigate",
		PersonaID:            "p1",
		RequiredCapabilities: map[string]struct{}{"navigate": {}},
		TimeoutSec:           5,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case payload := <-transport.ch:
		if payload.CommandID != "c1" {
			t.Fatalf("expected commandId c1, got %s", payload.CommandID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected command to be published within 2s")
	}

	e.Tracker.MarkAcknowledged("c1", "d1")
	e.Tracker.Complete("c1", "d1")

	if info, ok := e.Registry.Get("d1"); !ok {
		t.Fatal("expected drone d1 to still be registered")
	} else if info.DroneID != "d1" {
		t.Fatalf("unexpected drone info: %+v", info)
	}
}

// TestIntegration_AckTimeout_RequeuesTask verifies that a command that
// never receives an acknowledgement is failed and its task is re-enqueued.
func TestIntegration_AckTimeout_RequeuesTask(t *testing.T) {
	transport := &recordingTransport{ch: make(chan task.CommandPayload, 4)}
	personas := persona.NewMapStore(map[string]paramtree.Value{"p1": paramtree.String("trait")})
	suffixIdx := domain.NewFallbackPublicSuffixIndex()

	e := engine.New(testCfg(), personas, suffixIdx, transport, metrics.Noop(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go e.Run(ctx)

	e.RegisterDrone(ctx, registry.DroneInfo{DroneID: "d1", Status: registry.Idle})

	if err := e.Submit(ctx, task.Task{CommandID: "c2", Type: "navigate", PersonaID: "p1", TimeoutSec: 5}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-transport.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("expected first dispatch to be published within 2s")
	}

	// No acknowledgement is sent; the ack-timeout watcher should fail the
	// command and re-enqueue the task, which dispatches again.
	select {
	case payload := <-transport.ch:
		if payload.CommandID != "c2" {
			t.Fatalf("expected requeued commandId c2, got %s", payload.CommandID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected task to be re-dispatched after ack timeout")
	}
}
