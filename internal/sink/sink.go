// Package sink defines the external-collaborator contracts the scheduler
// and intervention manager publish to: dead-letter records, stored
// artifacts, and session/registry lookups. These are out-of-scope systems
// referenced only by their interfaces; concrete implementations (e.g. the
// sqlite-backed dead-letter sink) live in subpackages.
package sink

import (
	"context"
	"time"

	"github.com/lewta/drone-orchd/internal/paramtree"
)

// DeadLetterRecord captures a task that could not be completed after
// exhausting retries.
type DeadLetterRecord struct {
	CommandID  string
	PersonaID  string
	Reason     string
	Attempts   int
	EnqueuedAt time.Time
	RecordedAt time.Time
}

// DeadLetterSink persists tasks that have exhausted their retry budget.
type DeadLetterSink interface {
	Record(ctx context.Context, rec DeadLetterRecord) error
}

// Artifact is a single piece of data a drone reports back from a command
// (e.g. scraped facts, a screenshot reference).
type Artifact struct {
	Type string
	Data paramtree.Value
}

// ArtifactSink stores artifacts reported by drones against a command.
type ArtifactSink interface {
	StoreFacts(ctx context.Context, commandID string, facts []paramtree.Value) error
	StoreSnippets(ctx context.Context, commandID string, snippets []paramtree.Value) error
	StoreArtifact(ctx context.Context, commandID string, a Artifact) error
}

// SessionRegistry resolves and persists session/identity leases referenced
// by Task.Session. Only the contract is defined here; the module has no
// implementation of it.
type SessionRegistry interface {
	Lookup(ctx context.Context, leaseID string) (site, identity string, ok bool)
}

// InterventionNotifier is notified when a command is dead-lettered or an
// intervention is required, so an operator-facing surface can react.
type InterventionNotifier interface {
	NotifyDeadLetter(ctx context.Context, rec DeadLetterRecord)
	NotifyInterventionRequired(ctx context.Context, commandID, reason string)
}
