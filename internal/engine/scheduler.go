package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lewta/drone-orchd/internal/domain"
	"github.com/lewta/drone-orchd/internal/intervention"
	"github.com/lewta/drone-orchd/internal/lifecycle"
	"github.com/lewta/drone-orchd/internal/metrics"
	"github.com/lewta/drone-orchd/internal/paramtree"
	"github.com/lewta/drone-orchd/internal/persona"
	"github.com/lewta/drone-orchd/internal/queue"
	"github.com/lewta/drone-orchd/internal/ratelimit"
	"github.com/lewta/drone-orchd/internal/registry"
	"github.com/lewta/drone-orchd/internal/sink"
	"github.com/lewta/drone-orchd/internal/task"
)

var errMissingPersonaID = errors.New("task: personaId is required")

// Transport publishes a command to a drone's group on the message bus.
type Transport interface {
	PublishCommand(ctx context.Context, droneID string, payload task.CommandPayload) error
}

// Config bundles the scheduling knobs read from configuration.
type Config struct {
	ReadyQueueCapacity    int
	PerDroneQueueCapacity int
	MaxInFlightPerDrone   int
	AckTimeoutSec         int
	DispatchLoopDelayMs   int
	PersonaMissing        persona.BackoffConfig
}

// Scheduler implements the ready loop, per-drone dispatch, capability
// matching, drone selection, and persona-missing backoff: a caller submits
// a Task, it moves through the ready queue to a per-drone queue, a
// per-drone worker dispatches it and hands ownership of its pacing token
// and domain lease to the lifecycle tracker.
type Scheduler struct {
	cfg    Config
	readyQ *queue.ReadyQueue
	pacing *PacingPool

	droneQueuesMu sync.Mutex
	droneQueues   map[string]*queue.DroneQueue

	registry  *registry.Registry
	limiter   *domain.Limiter
	suffixIdx *domain.PublicSuffixIndex
	personas  persona.Store
	retryQ    *persona.RetryQueue

	pendingRetryMu sync.Mutex
	pendingRetry   map[string]task.Task

	tracker   *lifecycle.Tracker
	transport Transport
	metrics   *metrics.Metrics

	deadLetter sink.DeadLetterSink
	notifier   sink.InterventionNotifier

	publishBackoff *ratelimit.BackoffRegistry

	intervention *intervention.Manager
	broadcaster  OperatorBroadcaster
}

// OperatorBroadcaster sends an out-of-band notification to every connected
// operator; satisfied by droneio.Hub.
type OperatorBroadcaster interface {
	BroadcastOperators(ctx context.Context, msgType string, data any)
}

// InterventionPayload is the RequireIntervention/InterventionRequested wire
// shape broadcast to operators when a dispatch is diverted into a human
// hand-off instead of running automatically.
type InterventionPayload struct {
	CommandID      string          `json:"commandId"`
	DroneID        string          `json:"droneId"`
	Type           string          `json:"type"`
	Reason         string          `json:"reason"`
	RequestedAtUTC time.Time       `json:"requestedAtUtc"`
	Metadata       paramtree.Value `json:"metadata"`
	ResumeToken    string          `json:"resumeToken"`
}

// SetIntervention wires the scheduler to check each dispatch's persona
// traits and destination against the intervention rules before publishing,
// diverting matches to mgr and notifying operators over broadcaster instead
// of running the command automatically. Called once at startup; nil-safe
// when not set (the happy-path dispatch behaves exactly as before).
func (s *Scheduler) SetIntervention(mgr *intervention.Manager, broadcaster OperatorBroadcaster) {
	s.intervention = mgr
	s.broadcaster = broadcaster
}

// NewScheduler wires a Scheduler from its collaborators.
func NewScheduler(
	cfg Config,
	reg *registry.Registry,
	limiter *domain.Limiter,
	suffixIdx *domain.PublicSuffixIndex,
	personas persona.Store,
	tracker *lifecycle.Tracker,
	transport Transport,
	m *metrics.Metrics,
	deadLetter sink.DeadLetterSink,
	notifier sink.InterventionNotifier,
	publishBackoff *ratelimit.BackoffRegistry,
) *Scheduler {
	return &Scheduler{
		cfg:            cfg,
		readyQ:         queue.NewReadyQueue(cfg.ReadyQueueCapacity),
		pacing:         NewPacingPool(cfg.MaxInFlightPerDrone),
		droneQueues:    make(map[string]*queue.DroneQueue),
		registry:       reg,
		limiter:        limiter,
		suffixIdx:      suffixIdx,
		personas:       personas,
		retryQ:         persona.NewRetryQueue(),
		pendingRetry:   make(map[string]task.Task),
		tracker:        tracker,
		transport:      transport,
		metrics:        m,
		deadLetter:     deadLetter,
		notifier:       notifier,
		publishBackoff: publishBackoff,
	}
}

// Start launches the ready loop and the persona-retry fiber. Both observe
// ctx cancellation as the scheduler's stop-token.
func (s *Scheduler) Start(ctx context.Context) {
	go s.readyLoop(ctx)
	go s.personaRetryLoop(ctx)
}

// Submit validates and enqueues t on the ready queue.
func (s *Scheduler) Submit(ctx context.Context, t task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.PersonaID == "" {
		return errMissingPersonaID
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if err := s.readyQ.Enqueue(ctx, t); err != nil {
		return err
	}
	s.metrics.TasksEnqueuedTotal.Inc()
	return nil
}

// Stop closes the ready queue and every per-drone queue, cascading the
// stop-token through every blocked enqueue/dequeue.
func (s *Scheduler) Stop() {
	s.readyQ.Complete()
	s.droneQueuesMu.Lock()
	for _, dq := range s.droneQueues {
		dq.Close()
	}
	s.droneQueuesMu.Unlock()
}

func (s *Scheduler) readyLoop(ctx context.Context) {
	for {
		t, ok := s.readyQ.Dequeue(ctx)
		if !ok {
			return
		}
		eligible := s.registry.Eligible(t.RequiredCapabilities)
		if len(eligible) == 0 {
			s.sleepOrDone(ctx, time.Second)
			if ctx.Err() != nil {
				return
			}
			_ = s.readyQ.Enqueue(ctx, t)
			continue
		}
		chosen := selectDrone(eligible, t)
		dq := s.droneQueueFor(chosen.DroneID)
		s.metrics.TasksQueuedTotal.WithLabelValues(chosen.DroneID).Inc()
		_ = dq.Enqueue(ctx, t)
	}
}

func (s *Scheduler) sleepOrDone(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// selectDrone implements the capability-matched fairness/score selection:
// ascending currentLoad, then ascending lastTaskAssignedAt (idle longest
// first), then descending tiebreak score.
func selectDrone(eligible []registry.DroneInfo, t task.Task) registry.DroneInfo {
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.CurrentLoad != b.CurrentLoad {
			return a.CurrentLoad < b.CurrentLoad
		}
		if !a.LastTaskAssignedAt.Equal(b.LastTaskAssignedAt) {
			return a.LastTaskAssignedAt.Before(b.LastTaskAssignedAt)
		}
		return droneScore(a, t) > droneScore(b, t)
	})
	return eligible[0]
}

func droneScore(d registry.DroneInfo, t task.Task) float64 {
	overlap := 0
	for c := range t.RequiredCapabilities {
		if _, ok := d.StaticCapabilities[c]; ok {
			overlap++
		}
	}
	idleMinutes := 0.0
	if !d.LastTaskAssignedAt.IsZero() {
		idleMinutes = time.Since(d.LastTaskAssignedAt).Minutes()
	}
	idleBonus := 0.01 * idleMinutes
	if idleBonus > 0.5 {
		idleBonus = 0.5
	}
	return 1 + 0.1*float64(overlap) + idleBonus - 0.2*float64(d.CurrentLoad) + 0.3*float64(t.Priority)
}

func (s *Scheduler) droneQueueFor(droneID string) *queue.DroneQueue {
	s.droneQueuesMu.Lock()
	defer s.droneQueuesMu.Unlock()
	dq, ok := s.droneQueues[droneID]
	if ok {
		return dq
	}
	dq = queue.NewDroneQueue(s.cfg.PerDroneQueueCapacity)
	s.droneQueues[droneID] = dq
	return dq
}

// RunDroneWorker starts the supervised worker loop for droneID's queue. It
// should be called once per known drone, typically on registration.
func (s *Scheduler) RunDroneWorker(ctx context.Context, droneID string) {
	dq := s.droneQueueFor(droneID)
	w := queue.NewWorker(droneID, dq, func(ctx context.Context, t task.Task) {
		s.dispatch(ctx, droneID, t)
	})
	w.Run(ctx)
}

func (s *Scheduler) requeueReady(ctx context.Context, t task.Task) {
	t.EnqueuedAt = time.Now()
	s.metrics.TasksRequeuedTotal.Inc()
	_ = s.readyQ.Enqueue(ctx, t)
}

func (s *Scheduler) requeueDrone(ctx context.Context, droneID string, t task.Task) {
	dq := s.droneQueueFor(droneID)
	_ = dq.Enqueue(ctx, t)
}

// dispatch implements the per-drone worker's per-task sequence: pacing
// token, fresh drone check, domain lease, persona load, publish,
// registration, and ack-timeout watcher.
func (s *Scheduler) dispatch(ctx context.Context, droneID string, t task.Task) {
	tok, ok := s.pacing.TryAcquire(droneID)
	if !ok {
		s.requeueDrone(ctx, droneID, t)
		return
	}

	info, ok := s.registry.Get(droneID)
	if !ok {
		tok.Release()
		s.teardownDrone(droneID)
		s.requeueReady(ctx, t)
		return
	}
	if info.Status != registry.Idle {
		tok.Release()
		s.requeueReady(ctx, t)
		return
	}

	var lease *domain.Lease
	if t.Domain != "" {
		registrable := s.suffixIdx.Registrable(t.Domain)
		l, reason := s.limiter.TryAcquire(droneID, registrable)
		if l == nil {
			tok.Release()
			log.Debug().Str("drone_id", droneID).Str("domain", registrable).Str("reason", reason).
				Msg("scheduler: domain lease denied, requeueing on per-drone queue")
			s.sleepOrDone(ctx, time.Second)
			s.requeueDrone(ctx, droneID, t)
			return
		}
		lease = l
	}

	traits, found := s.personas.Load(t.PersonaID)
	if !found {
		tok.Release()
		if lease != nil {
			lease.Release()
		}
		s.personaMissingBackoff(ctx, t)
		return
	}

	payload := task.CommandPayload{
		CommandID:  t.CommandID,
		Type:       t.Type,
		Parameters: t.Parameters,
		Persona:    traits,
		Session:    t.Session,
		TimeoutSec: t.TimeoutSec,
	}

	if s.intervention != nil && intervention.CheckForIntervention(t.Domain, traits) {
		s.divertToIntervention(ctx, droneID, t, payload, tok, lease)
		return
	}

	backoffKey := t.Domain
	if backoffKey == "" {
		backoffKey = "drone:" + droneID
	}

	if err := s.transport.PublishCommand(ctx, droneID, payload); err != nil {
		tok.Release()
		if lease != nil {
			lease.Release()
		}
		switch ratelimit.ClassifyError(err) {
		case ratelimit.ErrorClassFatal:
			// ctx cancelled mid-publish: shutdown, not a failure worth requeueing noise over.
			return
		default:
			delay := s.publishBackoff.RecordError(backoffKey)
			log.Warn().Err(err).Str("command_id", t.CommandID).Str("drone_id", droneID).
				Dur("backoff", delay).Msg("scheduler: publish failed, requeueing after backoff")
			s.sleepOrDone(ctx, delay)
			s.requeueDrone(ctx, droneID, t)
			return
		}
	}
	s.publishBackoff.RecordSuccess(backoffKey)

	s.registry.SetStatus(droneID, registry.Busy, t.CommandID)
	s.registry.MarkAssigned(droneID, time.Now())
	s.registry.IncrementLoad(droneID, 1)
	s.metrics.TasksDispatchedTotal.WithLabelValues(droneID).Inc()

	if err := s.tracker.RegisterDispatch(t.CommandID, droneID, tok, leaseOrNil(lease)); err != nil {
		// commandId already tracked: the unique-commandId invariant was
		// violated upstream. Release defensively rather than leak.
		tok.Release()
		if lease != nil {
			lease.Release()
		}
		log.Error().Err(err).Str("command_id", t.CommandID).Msg("scheduler: duplicate dispatch registration")
		return
	}

	go s.ackWatcher(ctx, droneID, t)
}

// divertToIntervention hands a dispatch off to the intervention manager
// instead of publishing it: it releases the pacing token and domain lease
// this scheduling attempt acquired (interventions run outside the
// scheduler's own pacing/tracking) and notifies operators.
func (s *Scheduler) divertToIntervention(ctx context.Context, droneID string, t task.Task, payload task.CommandPayload, tok *pacingToken, lease *domain.Lease) {
	defer tok.Release()
	if lease != nil {
		defer lease.Release()
	}

	ic, err := s.intervention.Initiate(ctx, "persona_rule", payload, droneID)
	if err != nil {
		log.Warn().Err(err).Str("command_id", t.CommandID).Msg("scheduler: intervention already active, requeueing")
		s.sleepOrDone(ctx, time.Second)
		s.requeueDrone(ctx, droneID, t)
		return
	}

	s.registry.SetStatus(droneID, registry.Busy, t.CommandID)

	if s.broadcaster != nil {
		s.broadcaster.BroadcastOperators(ctx, "RequireIntervention", InterventionPayload{
			CommandID:      t.CommandID,
			DroneID:        droneID,
			Type:           "intervention_required",
			Reason:         "persona_rule",
			RequestedAtUTC: time.Now().UTC(),
			Metadata:       payload.Persona,
			ResumeToken:    ic.ResumeToken,
		})
	}
}

func leaseOrNil(l *domain.Lease) lifecycle.DomainLease {
	if l == nil {
		return nil
	}
	return l
}

func (s *Scheduler) ackWatcher(ctx context.Context, droneID string, t task.Task) {
	res := s.tracker.WaitForAcknowledgement(ctx, t.CommandID, time.Duration(s.cfg.AckTimeoutSec)*time.Second)
	switch res.Outcome {
	case lifecycle.Acknowledged:
		s.metrics.CommandsAcknowledgedTotal.WithLabelValues(droneID).Inc()
	case lifecycle.Failed:
		if res.Reason == "drone_disconnected" {
			s.requeueReady(ctx, t)
		}
	case lifecycle.Timeout:
		if ctx.Err() != nil {
			return
		}
		log.Warn().Str("command_id", t.CommandID).Str("drone_id", droneID).Msg("scheduler: ack timeout")
		s.tracker.Fail(t.CommandID, droneID, "ack_timeout")
		s.metrics.CommandsAckTimeoutTotal.WithLabelValues(droneID).Inc()
		s.registry.IncrementErrorCount(droneID)
		s.registry.IncrementLoad(droneID, -1)
		s.registry.SetStatus(droneID, registry.Idle, "")
		s.requeueReady(ctx, t)
	}
}

// teardownDrone removes a disconnected drone's queue, pacing slot, and
// tracked commands.
func (s *Scheduler) teardownDrone(droneID string) {
	s.droneQueuesMu.Lock()
	dq, ok := s.droneQueues[droneID]
	delete(s.droneQueues, droneID)
	s.droneQueuesMu.Unlock()
	if ok {
		dq.Close()
	}
	s.pacing.Forget(droneID)
	s.tracker.FailAll(droneID, "drone_disconnected")
}

// personaMissingBackoff schedules a retry with capped exponential backoff
// and jitter, or dead-letters the task once its retry budget is exhausted.
func (s *Scheduler) personaMissingBackoff(ctx context.Context, t task.Task) {
	t.PersonaRetryCount++
	if t.PersonaRetryCount > s.cfg.PersonaMissing.MaxRetries {
		s.metrics.TasksPersonaMissingFailedTotal.Inc()
		rec := sink.DeadLetterRecord{
			CommandID:  t.CommandID,
			PersonaID:  t.PersonaID,
			Reason:     "missing_persona",
			Attempts:   t.PersonaRetryCount,
			EnqueuedAt: t.EnqueuedAt,
			RecordedAt: time.Now(),
		}
		if s.deadLetter != nil {
			if err := s.deadLetter.Record(ctx, rec); err != nil {
				log.Error().Err(err).Str("command_id", t.CommandID).Msg("scheduler: dead-letter record failed")
			}
		}
		if s.notifier != nil {
			s.notifier.NotifyDeadLetter(ctx, rec)
		}
		return
	}

	delay := s.cfg.PersonaMissing.Delay(t.PersonaRetryCount)
	s.metrics.TasksPersonaMissingRetryTotal.Inc()
	s.pendingRetryMu.Lock()
	s.pendingRetry[t.CommandID] = t
	s.pendingRetryMu.Unlock()
	s.retryQ.Schedule(t.CommandID, delay)
}

func (s *Scheduler) personaRetryLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.DispatchLoopDelayMs) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range s.retryQ.Ready() {
				s.pendingRetryMu.Lock()
				t, ok := s.pendingRetry[e.CommandID]
				delete(s.pendingRetry, e.CommandID)
				s.pendingRetryMu.Unlock()
				if !ok {
					continue
				}
				if _, found := s.personas.Load(t.PersonaID); found {
					s.metrics.TasksPersonaMissingRequeuedTotal.Inc()
				}
				s.requeueReady(ctx, t)
			}
		}
	}
}

// ReadyQueueLen reports the ready queue depth, for metrics reporting.
func (s *Scheduler) ReadyQueueLen() int { return s.readyQ.Len() }
