// Package task defines the unit of dispatchable work and its lifecycle
// envelope as it moves from submission through the ready queue, per-drone
// queue, and lifecycle tracker.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/lewta/drone-orchd/internal/paramtree"
)

// Priority ranks tasks in the ready queue. Higher values are served first.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Score returns the ready-queue ordering key's priority component: lower
// scores dequeue first, so score is the negation of the ordinal.
func (p Priority) Score() int { return -int(p) }

// ParsePriority maps a case-insensitive label to a Priority, defaulting to
// Normal when the label is empty or unrecognized.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "high":
		return High
	case "low":
		return Low
	default:
		return Normal
	}
}

// Session is the opaque lease/site/identity bundle a task carries; it is
// forwarded verbatim in the dispatched CommandPayload.
type Session struct {
	LeaseID  string
	Site     string
	Identity string
}

// Task is a single unit of work submitted for dispatch to a capable drone.
// It is immutable except for PersonaRetryCount, EnqueuedAt, and Priority,
// which the scheduler updates as the task moves through backoff and
// requeue cycles.
type Task struct {
	CommandID            string
	Type                 string
	PersonaID            string
	RequiredCapabilities map[string]struct{}
	Domain               string // optional: source URL or host
	Parameters           paramtree.Value
	Session              Session
	TimeoutSec           int
	Priority             Priority
	EnqueuedAt           time.Time
	PersonaRetryCount    int

	// Seq is assigned by the ready queue on enqueue to break ties between
	// tasks with equal priority and equal EnqueuedAt.
	Seq uint64
}

// Validate reports whether the task carries the minimum fields a scheduler
// can act on. It does not check persona/capability existence — that is the
// registry's job.
func (t Task) Validate() error {
	if t.CommandID == "" {
		return fmt.Errorf("task: commandId is required")
	}
	if t.Type == "" {
		return fmt.Errorf("task %s: type is required", t.CommandID)
	}
	if t.TimeoutSec <= 0 {
		return fmt.Errorf("task %s: timeoutSec must be > 0", t.CommandID)
	}
	return nil
}

// HasCapabilities reports whether static contains every label in
// t.RequiredCapabilities.
func (t Task) HasCapabilities(static map[string]struct{}) bool {
	for c := range t.RequiredCapabilities {
		if _, ok := static[c]; !ok {
			return false
		}
	}
	return true
}

// CommandPayload is the wire envelope published to a drone's group on the
// transport bus once a task has been dispatched.
type CommandPayload struct {
	CommandID  string          `json:"commandId"`
	Type       string          `json:"type"`
	Parameters paramtree.Value `json:"parameters"`
	Persona    paramtree.Value `json:"persona"`
	Session    Session         `json:"session"`
	TimeoutSec int             `json:"timeoutSec"`
}

// QueryPayload is a read-only request published to a drone that does not
// enter the lifecycle tracker or consume a pacing token.
type QueryPayload struct {
	QueryID    string          `json:"queryId"`
	Type       string          `json:"type"`
	Parameters paramtree.Value `json:"parameters"`
}

// Result holds the terminal outcome of a dispatched command, as reported
// back by the lifecycle tracker to whatever submitted the task.
type Result struct {
	CommandID string
	Success   bool
	Reason    string
	Duration  time.Duration
	Error     error
}
