// Package intervention implements the hand-off to a human operator when a
// drone hits a site that demands manual steps: it freezes the automated
// command pipeline for one command at a time, hands the operator a live
// browser session, whitelists what they're allowed to do through it, and
// replays the interrupted command once they resume.
package intervention

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lewta/drone-orchd/internal/browserctl"
	"github.com/lewta/drone-orchd/internal/metrics"
	"github.com/lewta/drone-orchd/internal/paramtree"
	"github.com/lewta/drone-orchd/internal/sink"
	"github.com/lewta/drone-orchd/internal/task"
)

// Executor runs a command to completion, whether an intervention-whitelisted
// command forwarded from an operator or a replayable action on resume. It is
// satisfied by whatever actually dispatches to the drone side (the
// transport, or a direct browser-backed path during an intervention).
type Executor interface {
	Execute(ctx context.Context, droneID string, cmd task.CommandPayload) (task.Result, error)
}

// State is the InterventionManager's two-state machine.
type State int

const (
	Idle State = iota
	Active
)

// Step records one operator-driven command accepted during an intervention.
type Step struct {
	CommandType string
	Timestamp   time.Time
	Command     task.CommandPayload
}

// Context is the live state of an in-progress intervention.
type Context struct {
	CommandID        string // == ParentCommandID
	ParentCommandID  string
	DroneID          string
	Reason           string
	ResumeToken      string
	StartTime        time.Time
	WindowTTL        time.Duration
	StepTTL          time.Duration
	LastStepTime     time.Time
	ParentCommand    task.CommandPayload
	ReplayableAction task.CommandPayload
	ScreenshotPath   string
	URL              string
	DOMContext       paramtree.Value
	Steps            []Step
}

// Config holds the tunables from config.InterventionConfig.
type Config struct {
	AttachScreenshot bool
	WindowTTL        time.Duration
	StepTTL          time.Duration
}

// ResumeOptions optionally overrides the stored replayable action. Token, if
// non-empty, must match the active Context's ResumeToken: it guards against a
// stale operator UI resuming an intervention that has since ended and
// restarted for a different command.
type ResumeOptions struct {
	ActionOverride *task.CommandPayload
	Token          string `json:"resumeToken,omitempty"`
}

// ResumeResult is returned to the caller of Resume.
type ResumeResult struct {
	Resumed         bool
	ParentCommandID string
	Duration        time.Duration
}

// CurrentResumeToken returns the active Context's ResumeToken, or "" when
// Idle. Exposed so callers handling an inbound drone-reported intervention
// request can echo the token the operator UI must present back on Resume.
func (m *Manager) CurrentResumeToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.ResumeToken
}

// Manager serialises all Idle/Active transitions behind a single mutex, per
// the exclusivity invariant: at most one active Context at any time.
type Manager struct {
	mu sync.Mutex

	state   State
	current *Context

	windowTimer *time.Timer
	stepTimer   *time.Timer

	controller browserctl.Controller
	executor   Executor
	metrics    *metrics.Metrics
	notifier   sink.InterventionNotifier
	cfg        Config
}

// NewManager wires a Manager against the browser controller and command
// executor an intervention drives, plus the metrics/notifier sinks it
// reports through.
func NewManager(controller browserctl.Controller, executor Executor, m *metrics.Metrics, notifier sink.InterventionNotifier, cfg Config) *Manager {
	return &Manager{
		state:      Idle,
		controller: controller,
		executor:   executor,
		metrics:    m,
		notifier:   notifier,
		cfg:        cfg,
	}
}

var errAlreadyActive = fmt.Errorf("intervention: %s", "intervention_active")

// GetCurrentIntervention returns the active Context, or nil when Idle.
func (m *Manager) GetCurrentIntervention() *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Initiate transitions Idle→Active for the given parent command, arming the
// window/step timers and deep-cloning the parent as a replayable action.
// droneID identifies which drone's session the operator is taking over —
// not named in the originating system's signature, but required here since
// the command executor must know where to route the replay.
func (m *Manager) Initiate(ctx context.Context, reason string, parentCommand task.CommandPayload, droneID string) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Active {
		return nil, errAlreadyActive
	}

	replay := parentCommand
	replay.CommandID = parentCommand.CommandID + "_replay"

	ic := &Context{
		CommandID:        parentCommand.CommandID,
		ParentCommandID:  parentCommand.CommandID,
		DroneID:          droneID,
		Reason:           reason,
		StartTime:        time.Now(),
		WindowTTL:        m.cfg.WindowTTL,
		StepTTL:          m.cfg.StepTTL,
		LastStepTime:     time.Now(),
		ParentCommand:    parentCommand,
		ReplayableAction: replay,
		ResumeToken:      uuid.NewString(),
	}

	if m.controller != nil {
		if m.cfg.AttachScreenshot {
			if path, err := m.controller.Screenshot(ctx); err != nil {
				log.Warn().Err(err).Msg("intervention: screenshot failed")
			} else {
				ic.ScreenshotPath = path
			}
		}
		if url, err := m.controller.CurrentURL(ctx); err != nil {
			log.Warn().Err(err).Msg("intervention: current url failed")
		} else {
			ic.URL = url
		}
		if dom, err := m.controller.DOMContext(ctx); err != nil {
			log.Warn().Err(err).Msg("intervention: dom context failed")
		} else {
			ic.DOMContext = dom
		}
		if err := m.controller.EnableInteraction(ctx); err != nil {
			log.Warn().Err(err).Msg("intervention: enable interaction failed")
		}
	}

	m.current = ic
	m.state = Active

	m.windowTimer = time.AfterFunc(ic.WindowTTL, m.onWindowTimeout)
	m.stepTimer = time.AfterFunc(ic.StepTTL, m.onStepTimeout)

	if m.metrics != nil {
		m.metrics.DroneInterventionsTotal.WithLabelValues(reason).Inc()
	}
	if m.notifier != nil {
		m.notifier.NotifyInterventionRequired(ctx, parentCommand.CommandID, reason)
	}

	return ic, nil
}

// HandleCommand evaluates a command submitted while Active against the
// intervention whitelist, forwarding accepted commands to the executor.
func (m *Manager) HandleCommand(ctx context.Context, cmd task.CommandPayload) task.Result {
	m.mu.Lock()
	if m.state != Active || m.current == nil {
		m.mu.Unlock()
		return task.Result{CommandID: cmd.CommandID, Success: false, Reason: "invalid_in_intervention_mode"}
	}

	if !inInterventionMode(cmd, m.current.ParentCommandID) || !whitelisted(cmd) {
		m.mu.Unlock()
		return task.Result{CommandID: cmd.CommandID, Success: false, Reason: "invalid_in_intervention_mode"}
	}

	m.current.Steps = append(m.current.Steps, Step{
		CommandType: cmd.Type,
		Timestamp:   time.Now(),
		Command:     cmd,
	})
	m.current.LastStepTime = time.Now()

	if m.stepTimer != nil {
		m.stepTimer.Stop()
	}
	m.stepTimer = time.AfterFunc(m.current.StepTTL, m.onStepTimeout)
	droneID := m.current.DroneID
	m.mu.Unlock()

	result, err := m.executor.Execute(ctx, droneID, cmd)
	if err != nil {
		return task.Result{CommandID: cmd.CommandID, Success: false, Reason: err.Error(), Error: err}
	}
	return result
}

// Resume transitions Active→Idle: cancels both timers, disables operator
// interaction, replays the stored (or overridden) action, and records the
// intervention window's duration.
func (m *Manager) Resume(ctx context.Context, opts ResumeOptions) (ResumeResult, error) {
	m.mu.Lock()
	if m.state != Active || m.current == nil {
		m.mu.Unlock()
		return ResumeResult{}, fmt.Errorf("intervention: not active")
	}
	ic := m.current
	if opts.Token != "" && opts.Token != ic.ResumeToken {
		m.mu.Unlock()
		return ResumeResult{}, fmt.Errorf("intervention: stale resume token")
	}
	m.stopTimersLocked()

	action := ic.ReplayableAction
	if opts.ActionOverride != nil {
		action = *opts.ActionOverride
	}

	if m.controller != nil {
		if err := m.controller.DisableInteraction(ctx); err != nil {
			log.Warn().Err(err).Msg("intervention: disable interaction failed")
		}
	}

	m.state = Idle
	m.current = nil
	m.mu.Unlock()

	if _, err := m.executor.Execute(ctx, ic.DroneID, action); err != nil {
		log.Warn().Err(err).Str("command_id", action.CommandID).Msg("intervention: replay failed")
	}

	duration := time.Since(ic.StartTime)
	if m.metrics != nil {
		m.metrics.DroneInterventionWindowMs.Observe(float64(duration.Milliseconds()))
	}

	return ResumeResult{Resumed: true, ParentCommandID: ic.ParentCommandID, Duration: duration}, nil
}

func (m *Manager) stopTimersLocked() {
	if m.windowTimer != nil {
		m.windowTimer.Stop()
		m.windowTimer = nil
	}
	if m.stepTimer != nil {
		m.stepTimer.Stop()
		m.stepTimer = nil
	}
}

func (m *Manager) onWindowTimeout() {
	m.mu.Lock()
	if m.state != Active {
		m.mu.Unlock()
		return
	}
	m.stopTimersLocked()
	if m.controller != nil {
		if err := m.controller.DisableInteraction(context.Background()); err != nil {
			log.Warn().Err(err).Msg("intervention: disable interaction on window timeout failed")
		}
	}
	m.state = Idle
	m.current = nil
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.DroneInterventionTimeouts.Inc()
	}
}

func (m *Manager) onStepTimeout() {
	m.mu.Lock()
	if m.state != Active || m.current == nil {
		m.mu.Unlock()
		return
	}
	if time.Since(m.current.LastStepTime) < m.current.StepTTL {
		// A step landed between the timer firing and acquiring the lock;
		// the reset in HandleCommand already rearmed the timer.
		m.mu.Unlock()
		return
	}
	m.stopTimersLocked()
	if m.controller != nil {
		if err := m.controller.DisableInteraction(context.Background()); err != nil {
			log.Warn().Err(err).Msg("intervention: disable interaction on step timeout failed")
		}
	}
	m.state = Idle
	m.current = nil
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.DroneInterventionStepTimeouts.Inc()
	}
}

// inInterventionMode checks parameters.mode == "intervention" (case
// insensitive) and parameters.parentCommandId == parentCommandID.
func inInterventionMode(cmd task.CommandPayload, parentCommandID string) bool {
	mode, ok := cmd.Parameters.Get("mode")
	if !ok {
		return false
	}
	modeStr, ok := mode.String()
	if !ok || !strings.EqualFold(modeStr, "intervention") {
		return false
	}
	parent, ok := cmd.Parameters.Get("parentCommandId")
	if !ok {
		return false
	}
	parentStr, ok := parent.String()
	return ok && parentStr == parentCommandID
}

// whitelisted applies the command-kind whitelist from the intervention
// handling rules: Navigate/Type/Click/WaitForElement always, ExecuteScript
// only when parameters.safe == true, ManageCookies only for Import/Export,
// and anything whose type name contains Wait/Scroll/MouseMove.
func whitelisted(cmd task.CommandPayload) bool {
	switch {
	case strings.EqualFold(cmd.Type, "Navigate"),
		strings.EqualFold(cmd.Type, "Type"),
		strings.EqualFold(cmd.Type, "Click"),
		strings.EqualFold(cmd.Type, "WaitForElement"):
		return true
	case strings.EqualFold(cmd.Type, "ExecuteScript"):
		safe, ok := cmd.Parameters.Get("safe")
		if !ok {
			return false
		}
		b, ok := safe.Bool()
		return ok && b
	case strings.EqualFold(cmd.Type, "ManageCookies"):
		action, ok := cmd.Parameters.Get("action")
		if !ok {
			return false
		}
		a, ok := action.String()
		return ok && (strings.EqualFold(a, "Import") || strings.EqualFold(a, "Export"))
	}

	lower := strings.ToLower(cmd.Type)
	return strings.Contains(lower, "wait") || strings.Contains(lower, "scroll") || strings.Contains(lower, "mousemove")
}
