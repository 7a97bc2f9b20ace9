// Package droneio is the group-based pub/sub message bus between the
// orchestrator and the drone fleet: it accepts inbound WebSocket
// connections, authenticates them against the configured API key, and
// routes ExecuteCommand publishes out to a drone's group while dispatching
// the drone's AcknowledgeCommand/ReportResult/ReportError/ReportStatus
// messages back into the registry, lifecycle tracker, and artifact sink.
package droneio

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"

	"github.com/lewta/drone-orchd/internal/intervention"
	"github.com/lewta/drone-orchd/internal/metrics"
	"github.com/lewta/drone-orchd/internal/paramtree"
	"github.com/lewta/drone-orchd/internal/registry"
	"github.com/lewta/drone-orchd/internal/sink"
	"github.com/lewta/drone-orchd/internal/task"
)

// envelope is the wire shape every message over the bus is wrapped in; Type
// dispatches to the right payload decode.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type registrationPayload struct {
	DroneID            string   `json:"droneId"`
	Version            string   `json:"version"`
	StaticCapabilities []string `json:"staticCapabilities"`
}

type ackPayload struct {
	CommandID string `json:"commandId"`
}

type resultPayload struct {
	CommandID      string          `json:"commandId"`
	Result         paramtree.Value `json:"result"`
	Artifacts      []artifactWire  `json:"artifacts"`
	SessionLeaseID string          `json:"sessionLeaseId"`
	SessionState   string          `json:"sessionState"`
}

type artifactWire struct {
	Type string          `json:"type"`
	Data paramtree.Value `json:"data"`
}

type errorPayload struct {
	CommandID string `json:"commandId"`
	Error     string `json:"error"`
	ErrorType string `json:"errorType"`
	CanRetry  bool    `json:"canRetry"`
}

type statusPayload struct {
	Status         string  `json:"status"`
	CurrentCommand string  `json:"currentCommand"`
	Progress       float64 `json:"progress"`
	MemoryUsage    float64 `json:"memoryUsage"`
	CPUUsage       float64 `json:"cpuUsage"`
}

// DroneStatusUpdate is broadcast to operators whenever a drone reports its
// status, so an operator-side "probe" loop can observe a single drone
// interactively without polling the registry directly.
type DroneStatusUpdate struct {
	DroneID        string    `json:"droneId"`
	Status         string    `json:"status"`
	CurrentCommand string    `json:"currentCommand"`
	Progress       float64   `json:"progress"`
	MemoryUsage    float64   `json:"memoryUsage"`
	CPUUsage       float64   `json:"cpuUsage"`
	ObservedAtUTC  time.Time `json:"observedAtUtc"`
}

// Tracker is the subset of lifecycle.Tracker the hub drives from inbound
// drone events.
type Tracker interface {
	MarkAcknowledged(commandID, droneID string)
	Complete(commandID, droneID string)
	Fail(commandID, droneID, reason string)
	FailAll(droneID, reason string) []string
}

// Collaborators bundles the hub's dependencies on the rest of the
// orchestrator, so Hub itself stays free of import-cycle-prone references
// to the engine package.
type Collaborators struct {
	Registry   *registry.Registry
	Tracker    Tracker
	Artifacts  sink.ArtifactSink
	Sessions   sink.SessionRegistry
	Metrics    *metrics.Metrics
	OnRegister func(ctx context.Context, info registry.DroneInfo)
}

type droneConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *droneConn) writeJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, v)
}

// Hub is the live set of connected drone sessions plus the operator
// broadcast group.
type Hub struct {
	apiKey string
	collab Collaborators

	mu        sync.Mutex
	drones    map[string]*droneConn
	operators map[*websocket.Conn]struct{}

	pendingMu sync.Mutex
	pending   map[string]chan task.Result // keyed by commandId, for Execute() waiters

	interventionMu  sync.RWMutex
	interventionMgr *intervention.Manager
}

// Collaborators exposes the hub's collaborator bundle for post-construction
// wiring (e.g. setting OnRegister once the engine exists).
func (h *Hub) Collaborators() *Collaborators { return &h.collab }

// SetInterventionManager wires the manager that operator-forwarded
// ExecuteCommand and ResumeIntervention messages are routed to.
func (h *Hub) SetInterventionManager(mgr *intervention.Manager) {
	h.interventionMu.Lock()
	h.interventionMgr = mgr
	h.interventionMu.Unlock()
}

// NewHub creates a Hub. apiKey, if non-empty, must match the X-API-Key
// header on every inbound connection.
func NewHub(apiKey string, collab Collaborators) *Hub {
	return &Hub{
		apiKey:    apiKey,
		collab:    collab,
		drones:    make(map[string]*droneConn),
		operators: make(map[*websocket.Conn]struct{}),
		pending:   make(map[string]chan task.Result),
	}
}

// ServeHTTP upgrades an inbound connection. Drones connect to /drone,
// operators to /operators; both paths require the configured API key.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.apiKey != "" && r.Header.Get("X-API-Key") != h.apiKey {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("droneio: accept failed")
		return
	}

	if r.URL.Path == "/operators" {
		h.serveOperator(r.Context(), conn)
		return
	}
	h.serveDrone(r.Context(), conn)
}

func (h *Hub) serveOperator(ctx context.Context, conn *websocket.Conn) {
	h.mu.Lock()
	h.operators[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.operators, conn)
		h.mu.Unlock()
		conn.CloseNow() //nolint:errcheck
	}()

	// Operators mostly receive broadcasts, but during an active
	// intervention they forward whitelisted commands and the resume
	// signal; both are routed to the intervention manager.
	for {
		var env envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}

		h.interventionMu.RLock()
		mgr := h.interventionMgr
		h.interventionMu.RUnlock()
		if mgr == nil {
			continue
		}

		switch env.Type {
		case "ExecuteCommand":
			var cmd task.CommandPayload
			if err := json.Unmarshal(env.Data, &cmd); err != nil {
				log.Warn().Err(err).Msg("droneio: bad operator ExecuteCommand payload")
				continue
			}
			res := mgr.HandleCommand(ctx, cmd)
			if err := wsjson.Write(ctx, conn, envelope{Type: "CommandResult", Data: mustMarshal(res)}); err != nil {
				return
			}

		case "ResumeIntervention":
			var opts intervention.ResumeOptions
			if err := json.Unmarshal(env.Data, &opts); err != nil {
				log.Warn().Err(err).Msg("droneio: bad ResumeIntervention payload")
				continue
			}
			result, err := mgr.Resume(ctx, opts)
			if err != nil {
				log.Warn().Err(err).Msg("droneio: resume failed")
				continue
			}
			if err := wsjson.Write(ctx, conn, envelope{Type: "ResumeResult", Data: mustMarshal(result)}); err != nil {
				return
			}

		default:
			log.Warn().Str("type", env.Type).Msg("droneio: unrecognised operator message type")
		}
	}
}

func (h *Hub) serveDrone(ctx context.Context, conn *websocket.Conn) {
	var droneID string
	dc := &droneConn{conn: conn}

	defer func() {
		conn.CloseNow() //nolint:errcheck
		if droneID == "" {
			return
		}
		h.mu.Lock()
		delete(h.drones, droneID)
		h.mu.Unlock()

		log.Warn().Str("drone_id", droneID).Msg("droneio: connection closed, disconnecting drone")
		h.collab.Registry.Disconnect(droneID)
		for _, commandID := range h.collab.Tracker.FailAll(droneID, "drone_disconnected") {
			log.Info().Str("command_id", commandID).Str("drone_id", droneID).Msg("droneio: command failed on disconnect")
		}
	}()

	for {
		var env envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}

		switch env.Type {
		case "RegisterDrone":
			var reg registrationPayload
			if err := json.Unmarshal(env.Data, &reg); err != nil {
				log.Error().Err(err).Msg("droneio: bad RegisterDrone payload")
				continue
			}
			droneID = reg.DroneID
			h.mu.Lock()
			h.drones[droneID] = dc
			h.mu.Unlock()

			caps := make(map[string]struct{}, len(reg.StaticCapabilities))
			for _, c := range reg.StaticCapabilities {
				caps[c] = struct{}{}
			}
			info := registry.DroneInfo{
				DroneID:            droneID,
				Version:            reg.Version,
				StaticCapabilities: caps,
				Status:             registry.Idle,
				LastHeartbeat:      time.Now(),
			}
			if h.collab.OnRegister != nil {
				h.collab.OnRegister(ctx, info)
			}

		case "AcknowledgeCommand":
			var p ackPayload
			if err := json.Unmarshal(env.Data, &p); err == nil {
				h.collab.Tracker.MarkAcknowledged(p.CommandID, droneID)
			}

		case "ReportResult":
			h.handleResult(ctx, droneID, env.Data)

		case "ReportError":
			var p errorPayload
			if err := json.Unmarshal(env.Data, &p); err == nil {
				reason := p.ErrorType
				if reason == "" {
					reason = p.Error
				}
				h.collab.Tracker.Fail(p.CommandID, droneID, reason)
				h.collab.Registry.IncrementErrorCount(droneID)
				h.collab.Registry.IncrementLoad(droneID, -1)
				h.collab.Registry.SetStatus(droneID, registry.Idle, "")
				if h.collab.Metrics != nil {
					h.collab.Metrics.CommandsFailedTotal.WithLabelValues(droneID).Inc()
				}
				h.resolvePending(p.CommandID, task.Result{CommandID: p.CommandID, Success: false, Reason: reason})
			}

		case "ReportStatus":
			var p statusPayload
			if err := json.Unmarshal(env.Data, &p); err == nil {
				h.collab.Registry.Touch(droneID)
				if status, ok := parseStatus(p.Status); ok {
					h.collab.Registry.SetStatus(droneID, status, p.CurrentCommand)
				}
				h.BroadcastOperators(ctx, "DroneStatusUpdate", DroneStatusUpdate{
					DroneID:        droneID,
					Status:         p.Status,
					CurrentCommand: p.CurrentCommand,
					Progress:       p.Progress,
					MemoryUsage:    p.MemoryUsage,
					CPUUsage:       p.CPUUsage,
					ObservedAtUTC:  time.Now().UTC(),
				})
			}

		case "QueryResponse":
			// Out of scope beyond acknowledging receipt.

		default:
			log.Warn().Str("type", env.Type).Msg("droneio: unrecognised inbound message type")
		}
	}
}

func (h *Hub) handleResult(ctx context.Context, droneID string, raw json.RawMessage) {
	var p resultPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error().Err(err).Msg("droneio: bad ReportResult payload")
		return
	}

	if h.collab.Artifacts != nil {
		var facts, snippets []paramtree.Value
		for _, a := range p.Artifacts {
			switch a.Type {
			case "facts":
				if arr, ok := a.Data.Array(); ok {
					facts = append(facts, arr...)
				}
			case "snippets":
				if arr, ok := a.Data.Array(); ok {
					snippets = append(snippets, arr...)
				}
			default:
				if err := h.collab.Artifacts.StoreArtifact(ctx, p.CommandID, sink.Artifact{Type: a.Type, Data: a.Data}); err != nil {
					log.Warn().Err(err).Msg("droneio: storing artifact failed")
				}
			}
		}
		if len(facts) > 0 {
			if err := h.collab.Artifacts.StoreFacts(ctx, p.CommandID, facts); err != nil {
				log.Warn().Err(err).Msg("droneio: storing facts failed")
			}
		}
		if len(snippets) > 0 {
			if err := h.collab.Artifacts.StoreSnippets(ctx, p.CommandID, snippets); err != nil {
				log.Warn().Err(err).Msg("droneio: storing snippets failed")
			}
		}
	}

	if p.SessionLeaseID != "" && h.collab.Sessions != nil {
		if _, _, ok := h.collab.Sessions.Lookup(ctx, p.SessionLeaseID); !ok {
			log.Warn().Str("lease_id", p.SessionLeaseID).Msg("droneio: unknown session lease reported")
		}
	}

	h.collab.Tracker.Complete(p.CommandID, droneID)
	h.collab.Registry.IncrementLoad(droneID, -1)
	h.collab.Registry.SetStatus(droneID, registry.Idle, "")
	if h.collab.Metrics != nil {
		h.collab.Metrics.CommandsCompletedTotal.WithLabelValues(droneID).Inc()
	}
	h.resolvePending(p.CommandID, task.Result{CommandID: p.CommandID, Success: true})
}

// PublishCommand implements engine.Transport: it sends ExecuteCommand to
// the named drone's connection.
func (h *Hub) PublishCommand(ctx context.Context, droneID string, payload task.CommandPayload) error {
	h.mu.Lock()
	dc, ok := h.drones[droneID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("droneio: drone %s not connected", droneID)
	}
	return dc.writeJSON(ctx, envelope{Type: "ExecuteCommand", Data: mustMarshal(payload)})
}

// Execute implements intervention.Executor: it publishes the command to
// droneID and blocks until a matching ReportResult/ReportError arrives or
// ctx is cancelled.
func (h *Hub) Execute(ctx context.Context, droneID string, cmd task.CommandPayload) (task.Result, error) {
	waiter := make(chan task.Result, 1)
	h.pendingMu.Lock()
	h.pending[cmd.CommandID] = waiter
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		delete(h.pending, cmd.CommandID)
		h.pendingMu.Unlock()
	}()

	if err := h.PublishCommand(ctx, droneID, cmd); err != nil {
		return task.Result{}, err
	}

	select {
	case res := <-waiter:
		return res, nil
	case <-ctx.Done():
		return task.Result{}, ctx.Err()
	}
}

func (h *Hub) resolvePending(commandID string, res task.Result) {
	h.pendingMu.Lock()
	waiter, ok := h.pending[commandID]
	h.pendingMu.Unlock()
	if ok {
		select {
		case waiter <- res:
		default:
		}
	}
}

// BroadcastOperators sends a message to every connected operator, e.g. a
// RequireIntervention / InterventionRequested notification.
func (h *Hub) BroadcastOperators(ctx context.Context, msgType string, data any) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.operators))
	for c := range h.operators {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	env := envelope{Type: msgType, Data: mustMarshal(data)}
	for _, c := range conns {
		if err := wsjson.Write(ctx, c, env); err != nil {
			log.Warn().Err(err).Msg("droneio: broadcasting to operator failed")
		}
	}
}

func parseStatus(s string) (registry.Status, bool) {
	switch s {
	case "idle", "Idle":
		return registry.Idle, true
	case "busy", "Busy":
		return registry.Busy, true
	case "error", "Error":
		return registry.Error, true
	default:
		return registry.Idle, false
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("droneio: marshalling payload failed")
		return json.RawMessage("null")
	}
	return b
}
