// Package bddsteps wires godog to the spec.md §8 literal scenarios,
// driving a real engine.Engine (the same wiring cmd/drone-orchd builds)
// against fakes standing in for the transport, dead-letter sink, and
// intervention notifier.
package bddsteps

import (
	"context"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/lewta/drone-orchd/internal/browserctl"
	"github.com/lewta/drone-orchd/internal/config"
	"github.com/lewta/drone-orchd/internal/domain"
	"github.com/lewta/drone-orchd/internal/engine"
	"github.com/lewta/drone-orchd/internal/intervention"
	"github.com/lewta/drone-orchd/internal/metrics"
	"github.com/lewta/drone-orchd/internal/paramtree"
	"github.com/lewta/drone-orchd/internal/persona"
	"github.com/lewta/drone-orchd/internal/registry"
	"github.com/lewta/drone-orchd/internal/sink"
	"github.com/lewta/drone-orchd/internal/task"
)

// recordingTransport captures every published command so steps can assert
// on dispatch without a real drone connection.
type recordingTransport struct {
	mu        sync.Mutex
	published []task.CommandPayload
	ch        chan task.CommandPayload
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{ch: make(chan task.CommandPayload, 32)}
}

func (r *recordingTransport) PublishCommand(ctx context.Context, droneID string, payload task.CommandPayload) error {
	r.mu.Lock()
	r.published = append(r.published, payload)
	r.mu.Unlock()
	r.ch <- payload
	return nil
}

func (r *recordingTransport) waitForPublish(d time.Duration) (task.CommandPayload, bool) {
	select {
	case p := <-r.ch:
		return p, true
	case <-time.After(d):
		return task.CommandPayload{}, false
	}
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.published)
}

// fakeSink is an in-memory stand-in for the dead-letter/artifact/notifier
// external collaborators, recording every call for assertions.
type fakeSink struct {
	mu             sync.Mutex
	deadLetters    []sink.DeadLetterRecord
	notifiedDead   int
	notifiedInterv int
}

func (f *fakeSink) Record(ctx context.Context, rec sink.DeadLetterRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetters = append(f.deadLetters, rec)
	return nil
}

func (f *fakeSink) NotifyDeadLetter(ctx context.Context, rec sink.DeadLetterRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifiedDead++
}

func (f *fakeSink) NotifyInterventionRequired(ctx context.Context, commandID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifiedInterv++
}

func (f *fakeSink) deadLetterCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deadLetters)
}

func (f *fakeSink) lastDeadLetter() (sink.DeadLetterRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deadLetters) == 0 {
		return sink.DeadLetterRecord{}, false
	}
	return f.deadLetters[len(f.deadLetters)-1], true
}

// fakeArtifacts records stored facts/snippets/artifacts by command id.
type fakeArtifacts struct {
	mu       sync.Mutex
	facts    map[string][]paramtree.Value
	snippets map[string][]paramtree.Value
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{
		facts:    make(map[string][]paramtree.Value),
		snippets: make(map[string][]paramtree.Value),
	}
}

func (a *fakeArtifacts) StoreFacts(ctx context.Context, commandID string, facts []paramtree.Value) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.facts[commandID] = append(a.facts[commandID], facts...)
	return nil
}

func (a *fakeArtifacts) StoreSnippets(ctx context.Context, commandID string, snippets []paramtree.Value) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snippets[commandID] = append(a.snippets[commandID], snippets...)
	return nil
}

func (a *fakeArtifacts) StoreArtifact(ctx context.Context, commandID string, art sink.Artifact) error {
	return nil
}

func (a *fakeArtifacts) factsFor(commandID string) []paramtree.Value {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.facts[commandID]
}

// recordingExecutor stands in for the intervention manager's command
// executor, recording what it was asked to replay/forward.
type recordingExecutor struct {
	mu       sync.Mutex
	executed []task.CommandPayload
}

func (e *recordingExecutor) Execute(ctx context.Context, droneID string, cmd task.CommandPayload) (task.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, cmd)
	return task.Result{CommandID: cmd.CommandID, Success: true}, nil
}

func (e *recordingExecutor) executedIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, len(e.executed))
	for i, c := range e.executed {
		ids[i] = c.CommandID
	}
	return ids
}

// fakeBroadcaster records operator broadcasts without a real websocket hub.
type fakeBroadcaster struct {
	mu        sync.Mutex
	broadcast []string
}

func (b *fakeBroadcaster) BroadcastOperators(ctx context.Context, msgType string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcast = append(b.broadcast, msgType)
}

func (b *fakeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.broadcast)
}

// world holds the per-scenario fixture godog resets between scenarios.
type world struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg       *config.Config
	personas  map[string]paramtree.Value
	personaSt *persona.MapStore
	suffixIdx *domain.PublicSuffixIndex
	metrics   *metrics.Metrics
	transport *recordingTransport
	sinks     *fakeSink
	artifacts *fakeArtifacts

	eng  *engine.Engine
	mgr  *intervention.Manager
	exec *recordingExecutor
	bcast *fakeBroadcaster

	lastErr          error
	lastPublish      task.CommandPayload
	lastHandleResult task.Result
	lastResume       intervention.ResumeResult
	lastDeniedCount  int
	lastDenyReason   string
}

func newWorld() *world {
	ctx, cancel := context.WithCancel(context.Background())
	w := &world{
		ctx:       ctx,
		cancel:    cancel,
		personas:  make(map[string]paramtree.Value),
		metrics:   metrics.Noop(),
		transport: newRecordingTransport(),
		sinks:     &fakeSink{},
		artifacts: newFakeArtifacts(),
		suffixIdx: domain.NewFallbackPublicSuffixIndex(),
	}
	w.cfg = defaultCfg()
	return w
}

func defaultCfg() *config.Config {
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
			ConcurrencyPerDrone:         1,
			QpsPerDrone:                 100,
			BurstLimit:                  3,
			CooldownSeconds:             5,
			DomainStateTtlSeconds:       600,
		},
		Intervention: config.InterventionConfig{
			AttachScreenshot: false,
			WindowTtlSec:     60,
			StepTtlSec:       30,
		},
		Resources:      config.ResourcesConfig{CPUThresholdPct: 100, MemoryThresholdMB: 999999},
		Daemon:         config.DaemonConfig{LogLevel: "info", LogFormat: "text"},
		PublishBackoff: config.PublishBackoffConfig{InitialMs: 1, MaxMs: 10, Multiplier: 2.0, MaxAttempts: 3},
	}
}

func (w *world) startEngine() {
	w.personaSt = persona.NewMapStore(w.personas)
	w.eng = engine.New(w.cfg, w.personaSt, w.suffixIdx, w.transport, w.metrics, w.sinks, w.sinks)
	go w.eng.Run(w.ctx)
}

func (w *world) stopEngine() {
	w.cancel()
}

// enableIntervention wires an InterventionManager into the scheduler, as
// cmd/drone-orchd does at startup, backed by a no-op browser controller
// and a recording executor/broadcaster for assertions.
func (w *world) enableIntervention() {
	w.exec = &recordingExecutor{}
	w.bcast = &fakeBroadcaster{}
	w.mgr = intervention.NewManager(browserctl.Noop{}, w.exec, w.metrics, w.sinks, intervention.Config{
		AttachScreenshot: w.cfg.Intervention.AttachScreenshot,
		WindowTTL:        time.Duration(w.cfg.Intervention.WindowTtlSec) * time.Second,
		StepTTL:          time.Duration(w.cfg.Intervention.StepTtlSec) * time.Second,
	})
	w.eng.Scheduler.SetIntervention(w.mgr, w.bcast)
}

func (w *world) registerIdleDrone(droneID string, caps ...string) {
	capSet := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		capSet[c] = struct{}{}
	}
	w.eng.RegisterDrone(w.ctx, registry.DroneInfo{
		DroneID:            droneID,
		StaticCapabilities: capSet,
		Status:             registry.Idle,
	})
}

// reportAck simulates an inbound AcknowledgeCommand message, mirroring
// droneio.Hub's dispatch of that message type to the tracker.
func (w *world) reportAck(commandID, droneID string) {
	w.eng.Tracker.MarkAcknowledged(commandID, droneID)
}

// reportResult simulates an inbound ReportResult message carrying "facts"
// artifacts, mirroring droneio.Hub.handleResult: store the facts, complete
// the command in the tracker, free the drone's load/status, and record the
// completion counter.
func (w *world) reportResult(commandID, droneID string, facts []paramtree.Value) {
	if len(facts) > 0 {
		_ = w.artifacts.StoreFacts(w.ctx, commandID, facts)
	}
	w.eng.Tracker.Complete(commandID, droneID)
	w.eng.Registry.IncrementLoad(droneID, -1)
	w.eng.Registry.SetStatus(droneID, registry.Idle, "")
	w.metrics.CommandsCompletedTotal.WithLabelValues(droneID).Inc()
}

func counterValue(c interface{ Write(*dto.Metric) error }) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	return 0
}
