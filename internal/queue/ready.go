// Package queue implements the two queueing stages a task passes through:
// the global PriorityReadyQueue and the per-drone bounded FIFO queues fed
// by it.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/lewta/drone-orchd/internal/task"
)

// item is a heap entry ordered by (priorityScore, enqueuedAt, sequence).
type item struct {
	task task.Task
}

type priorityHeap []item

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	a, b := h[i].task, h[j].task
	if a.Priority.Score() != b.Priority.Score() {
		return a.Priority.Score() < b.Priority.Score()
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.Seq < b.Seq
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *priorityHeap) Push(x any) { *h = append(*h, x.(item)) }

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// ReadyQueue is a bounded priority queue ordered by
// (priorityScore, enqueuedAt, monotonic sequence). enqueue blocks
// (respecting context cancellation) when full; dequeue blocks when empty.
// complete wakes all blocked callers so they can drain and return.
type ReadyQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	h        priorityHeap
	capacity int
	seq      uint64
	closed   bool
}

// NewReadyQueue creates a ReadyQueue with the given capacity.
func NewReadyQueue(capacity int) *ReadyQueue {
	q := &ReadyQueue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds t to the queue, blocking while the queue is full. It assigns
// a fresh monotonic sequence number. Returns ctx.Err() if cancelled, or an
// error if the queue has been closed via Complete.
func (q *ReadyQueue) Enqueue(ctx context.Context, t task.Task) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notFull.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.h) >= q.capacity && !q.closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.notFull.Wait()
	}
	if q.closed {
		return fmt.Errorf("queue: closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q.seq++
	t.Seq = q.seq
	heap.Push(&q.h, item{task: t})
	q.notEmpty.Signal()
	return nil
}

// Dequeue removes and returns the highest-priority task, blocking while
// empty. Returns ok=false once the queue is closed and drained.
func (q *ReadyQueue) Dequeue(ctx context.Context) (task.Task, bool) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.h) == 0 {
		if q.closed {
			return task.Task{}, false
		}
		if ctx.Err() != nil {
			return task.Task{}, false
		}
		q.notEmpty.Wait()
	}
	it := heap.Pop(&q.h).(item)
	q.notFull.Signal()
	return it.task, true
}

// Len reports the current queue depth, for metrics and bound checks.
func (q *ReadyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Complete closes the queue and wakes every blocked Enqueue/Dequeue caller.
// Blocked dequeuers drain remaining items by continuing to call Dequeue
// until it returns ok=false.
func (q *ReadyQueue) Complete() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}
