// Package sqlitesink is a modernc.org/sqlite-backed reference
// implementation of the dead-letter and artifact sink contracts: a
// dependency-free on-disk store suitable for a single orchestrator
// instance. Every write runs synchronously on the caller's goroutine over a
// single database connection; there is no background writer or buffering.
package sqlitesink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/rs/zerolog/log"

	"github.com/lewta/drone-orchd/internal/paramtree"
	"github.com/lewta/drone-orchd/internal/sink"
)

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	command_id  TEXT NOT NULL,
	persona_id  TEXT,
	reason      TEXT NOT NULL,
	attempts    INTEGER NOT NULL,
	enqueued_at TEXT,
	recorded_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS artifacts (
	command_id TEXT NOT NULL,
	type       TEXT NOT NULL,
	data       TEXT NOT NULL,
	stored_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS facts (
	command_id TEXT NOT NULL,
	data       TEXT NOT NULL,
	stored_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS snippets (
	command_id TEXT NOT NULL,
	data       TEXT NOT NULL,
	stored_at  TEXT NOT NULL
);
`

// Sink persists dead-letter records and artifacts to a SQLite database.
// It implements sink.DeadLetterSink and sink.ArtifactSink.
type Sink struct {
	db *sql.DB
}

// Open creates (if needed) and opens the SQLite database at path, applying
// the schema.
func Open(path string) (*Sink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitesink: opening %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serialises writers; avoid lock contention

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitesink: applying schema: %w", err)
	}
	return &Sink{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Sink) Close() error {
	return s.db.Close()
}

// Record persists a dead-lettered command.
func (s *Sink) Record(ctx context.Context, rec sink.DeadLetterRecord) error {
	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (command_id, persona_id, reason, attempts, enqueued_at, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.CommandID, rec.PersonaID, rec.Reason, rec.Attempts, rec.EnqueuedAt.Format(time.RFC3339Nano), recordedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlitesink: recording dead letter %s: %w", rec.CommandID, err)
	}
	return nil
}

// StoreFacts persists a batch of scraped facts against a command.
func (s *Sink) StoreFacts(ctx context.Context, commandID string, facts []paramtree.Value) error {
	raw, err := json.Marshal(facts)
	if err != nil {
		return fmt.Errorf("sqlitesink: marshalling facts: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO facts (command_id, data, stored_at) VALUES (?, ?, ?)`,
		commandID, string(raw), time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlitesink: storing facts for %s: %w", commandID, err)
	}
	return nil
}

// StoreSnippets persists a batch of reported content snippets against a
// command, separately from facts and from free-form artifacts.
func (s *Sink) StoreSnippets(ctx context.Context, commandID string, snippets []paramtree.Value) error {
	raw, err := json.Marshal(snippets)
	if err != nil {
		return fmt.Errorf("sqlitesink: marshalling snippets: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snippets (command_id, data, stored_at) VALUES (?, ?, ?)`,
		commandID, string(raw), time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlitesink: storing snippets for %s: %w", commandID, err)
	}
	return nil
}

// StoreArtifact persists a single artifact against a command.
func (s *Sink) StoreArtifact(ctx context.Context, commandID string, a sink.Artifact) error {
	raw, err := json.Marshal(a.Data)
	if err != nil {
		return fmt.Errorf("sqlitesink: marshalling artifact: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts (command_id, type, data, stored_at) VALUES (?, ?, ?, ?)`,
		commandID, a.Type, string(raw), time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlitesink: storing artifact for %s: %w", commandID, err)
	}
	return nil
}

// DeadLetters returns at most limit recorded dead letters, newest first,
// for diagnostics.
func (s *Sink) DeadLetters(ctx context.Context, limit int) ([]sink.DeadLetterRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT command_id, persona_id, reason, attempts, enqueued_at, recorded_at FROM dead_letters ORDER BY recorded_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitesink: querying dead letters: %w", err)
	}
	defer rows.Close()

	var out []sink.DeadLetterRecord
	for rows.Next() {
		var rec sink.DeadLetterRecord
		var enqueuedAt, recordedAt string
		if err := rows.Scan(&rec.CommandID, &rec.PersonaID, &rec.Reason, &rec.Attempts, &enqueuedAt, &recordedAt); err != nil {
			return nil, fmt.Errorf("sqlitesink: scanning dead letter row: %w", err)
		}
		rec.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
		rec.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// NotifyDeadLetter implements a best-effort sink.InterventionNotifier by
// logging — a reference deployment would forward this to an operator chat
// channel or paging system.
func (s *Sink) NotifyDeadLetter(ctx context.Context, rec sink.DeadLetterRecord) {
	log.Warn().Str("command_id", rec.CommandID).Str("reason", rec.Reason).Int("attempts", rec.Attempts).Msg("sqlitesink: command dead-lettered")
}

// NotifyInterventionRequired logs that an intervention was requested.
func (s *Sink) NotifyInterventionRequired(ctx context.Context, commandID, reason string) {
	log.Warn().Str("command_id", commandID).Str("reason", reason).Msg("sqlitesink: intervention required")
}
