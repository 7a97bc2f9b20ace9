// Package lifecycle implements the command lifecycle tracker: it
// correlates dispatch with acknowledgement and completion/failure, and
// guarantees that the pacing token and domain lease held for a command are
// released exactly once regardless of which path the command terminates
// through.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Outcome is the resolved value of a command's ack/completion future.
type Outcome int

const (
	Acknowledged Outcome = iota
	Failed
	Timeout
)

// Result is the terminal (or ack) outcome posted for a command.
type Result struct {
	Outcome Outcome
	Reason  string
}

// PacingToken is a one-permit counter acquired for a dispatched command and
// released exactly once when the command terminates.
type PacingToken interface {
	Release()
}

// DomainLease is released exactly once when the command terminates.
type DomainLease interface {
	Release()
}

type commandState struct {
	commandID string
	droneID   string
	token     PacingToken
	lease     DomainLease
	once      sync.Once

	mu       sync.Mutex
	resolved bool
	result   Result
	waiters  []chan Result
}

func (s *commandState) resolve(r Result) {
	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		return
	}
	s.resolved = true
	s.result = r
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()
	for _, w := range waiters {
		w <- r
		close(w)
	}
}

func (s *commandState) subscribe() <-chan Result {
	ch := make(chan Result, 1)
	s.mu.Lock()
	if s.resolved {
		r := s.result
		s.mu.Unlock()
		ch <- r
		close(ch)
		return ch
	}
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()
	return ch
}

func (s *commandState) release() {
	s.once.Do(func() {
		if s.lease != nil {
			s.lease.Release()
		}
		if s.token != nil {
			s.token.Release()
		}
	})
}

// Tracker owns in-flight CommandState for every dispatched command.
type Tracker struct {
	mu       sync.Mutex
	states   map[string]*commandState
	lateDone map[string]Result
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		states:   make(map[string]*commandState),
		lateDone: make(map[string]Result),
	}
}

// RegisterDispatch stores state for commandId. It fails if commandId is
// already tracked.
func (t *Tracker) RegisterDispatch(commandID, droneID string, token PacingToken, lease DomainLease) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.states[commandID]; ok {
		return fmt.Errorf("lifecycle: commandId %s already tracked", commandID)
	}
	delete(t.lateDone, commandID)
	t.states[commandID] = &commandState{
		commandID: commandID,
		droneID:   droneID,
		token:     token,
		lease:     lease,
	}
	return nil
}

// WaitForAcknowledgement races the ack future for commandId against timeout.
// If no state exists and a completion was already posted, it returns that
// result immediately. If no state exists at all, the command is treated as
// Acknowledged (a late caller arriving after cleanup).
func (t *Tracker) WaitForAcknowledgement(ctx context.Context, commandID string, timeout time.Duration) Result {
	t.mu.Lock()
	st, ok := t.states[commandID]
	if !ok {
		if r, done := t.lateDone[commandID]; done {
			t.mu.Unlock()
			return r
		}
		t.mu.Unlock()
		return Result{Outcome: Acknowledged}
	}
	t.mu.Unlock()

	ch := st.subscribe()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r
	case <-timer.C:
		return Result{Outcome: Timeout}
	case <-ctx.Done():
		return Result{Outcome: Timeout, Reason: ctx.Err().Error()}
	}
}

// MarkAcknowledged resolves the ack future as Acknowledged. It logs a
// warning if droneID disagrees with the recorded dispatch drone.
func (t *Tracker) MarkAcknowledged(commandID, droneID string) {
	t.mu.Lock()
	st, ok := t.states[commandID]
	t.mu.Unlock()
	if !ok {
		return
	}
	if st.droneID != droneID {
		log.Warn().Str("command_id", commandID).Str("expected_drone", st.droneID).
			Str("acking_drone", droneID).Msg("lifecycle: ack from unexpected drone")
	}
	st.resolve(Result{Outcome: Acknowledged})
}

// Complete removes state for commandId, releases its held resources exactly
// once, and resolves its ack future (as Acknowledged if still pending).
func (t *Tracker) Complete(commandID, droneID string) {
	t.terminal(commandID, Result{Outcome: Acknowledged})
}

// Fail removes state for commandId, releases its held resources exactly
// once, and resolves its ack future as Failed(reason).
func (t *Tracker) Fail(commandID, droneID, reason string) {
	t.terminal(commandID, Result{Outcome: Failed, Reason: reason})
}

func (t *Tracker) terminal(commandID string, r Result) {
	t.mu.Lock()
	st, ok := t.states[commandID]
	if ok {
		delete(t.states, commandID)
	}
	t.lateDone[commandID] = r
	t.mu.Unlock()
	if !ok {
		return
	}
	st.resolve(r)
	st.release()
}

// FailAll fails every command currently tracked for droneID, used on
// drone disconnect.
func (t *Tracker) FailAll(droneID, reason string) []string {
	t.mu.Lock()
	var ids []string
	for id, st := range t.states {
		if st.droneID == droneID {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.Fail(id, droneID, reason)
	}
	return ids
}

// InFlight reports the number of commands currently tracked, for metrics.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
