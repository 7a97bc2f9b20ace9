package queue

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lewta/drone-orchd/internal/task"
)

// DroneQueue is a bounded FIFO of tasks for one drone, built on a buffered
// channel the same way the dispatch engine's worker pool gates concurrency
// with a buffered semaphore: capacity is enforced by the channel itself, so
// Enqueue blocks when full and Dequeue blocks when empty, both honoring
// context cancellation.
type DroneQueue struct {
	ch     chan task.Task
	closed chan struct{}
	once   sync.Once
}

// NewDroneQueue creates a DroneQueue with the given capacity.
func NewDroneQueue(capacity int) *DroneQueue {
	return &DroneQueue{
		ch:     make(chan task.Task, capacity),
		closed: make(chan struct{}),
	}
}

// Enqueue adds t to the queue, blocking while full.
func (q *DroneQueue) Enqueue(ctx context.Context, t task.Task) error {
	select {
	case q.ch <- t:
		return nil
	case <-q.closed:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue removes the next task, blocking while empty.
func (q *DroneQueue) Dequeue(ctx context.Context) (task.Task, bool) {
	select {
	case t, ok := <-q.ch:
		return t, ok
	case <-q.closed:
		// Drain whatever remains before reporting closed.
		select {
		case t, ok := <-q.ch:
			return t, ok
		default:
			return task.Task{}, false
		}
	case <-ctx.Done():
		return task.Task{}, false
	}
}

// Close marks the queue closed; in-flight Enqueue/Dequeue callers unblock.
// Safe to call more than once.
func (q *DroneQueue) Close() {
	q.once.Do(func() { close(q.closed) })
}

// DispatchFunc processes a single task dequeued from a DroneQueue.
type DispatchFunc func(ctx context.Context, t task.Task)

// Worker runs DispatchFunc for every task dequeued from its DroneQueue,
// restarting itself on panic as long as the queue is still open and ctx is
// not cancelled — mirroring a supervised worker loop.
type Worker struct {
	droneID string
	queue   *DroneQueue
	dispatch DispatchFunc
}

// NewWorker creates a Worker bound to the given drone's queue.
func NewWorker(droneID string, q *DroneQueue, dispatch DispatchFunc) *Worker {
	return &Worker{droneID: droneID, queue: q, dispatch: dispatch}
}

// Run drives the worker loop until ctx is cancelled or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		t, ok := w.dequeueSafely(ctx)
		if !ok {
			return
		}
		w.runOnce(ctx, t)
	}
}

func (w *Worker) dequeueSafely(ctx context.Context) (task.Task, bool) {
	return w.queue.Dequeue(ctx)
}

// runOnce executes dispatch for a single task, recovering from panics so a
// single bad task cannot kill the worker loop — the supervisor restarts
// the same queue's consumption on the next iteration of Run.
func (w *Worker) runOnce(ctx context.Context, t task.Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("drone_id", w.droneID).Str("command_id", t.CommandID).
				Interface("panic", r).Msg("drone worker: recovered from panic in dispatch")
		}
	}()
	w.dispatch(ctx, t)
}
