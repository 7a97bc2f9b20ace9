package queue

import (
	"context"
	"testing"
	"time"

	"github.com/lewta/drone-orchd/internal/task"
)

func TestReadyQueue_PriorityOrdering(t *testing.T) {
	q := NewReadyQueue(10)
	ctx := context.Background()
	base := time.Now()

	_ = q.Enqueue(ctx, task.Task{CommandID: "low", Priority: task.Low, EnqueuedAt: base})
	_ = q.Enqueue(ctx, task.Task{CommandID: "high", Priority: task.High, EnqueuedAt: base.Add(time.Millisecond)})
	_ = q.Enqueue(ctx, task.Task{CommandID: "normal", Priority: task.Normal, EnqueuedAt: base.Add(2 * time.Millisecond)})

	first, _ := q.Dequeue(ctx)
	if first.CommandID != "high" {
		t.Errorf("first = %s, want high", first.CommandID)
	}
	second, _ := q.Dequeue(ctx)
	if second.CommandID != "normal" {
		t.Errorf("second = %s, want normal", second.CommandID)
	}
	third, _ := q.Dequeue(ctx)
	if third.CommandID != "low" {
		t.Errorf("third = %s, want low", third.CommandID)
	}
}

func TestReadyQueue_FIFOWithinPriority(t *testing.T) {
	q := NewReadyQueue(10)
	ctx := context.Background()
	now := time.Now()

	_ = q.Enqueue(ctx, task.Task{CommandID: "a", Priority: task.Normal, EnqueuedAt: now})
	_ = q.Enqueue(ctx, task.Task{CommandID: "b", Priority: task.Normal, EnqueuedAt: now})
	_ = q.Enqueue(ctx, task.Task{CommandID: "c", Priority: task.Normal, EnqueuedAt: now})

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Dequeue(ctx)
		if !ok || got.CommandID != want {
			t.Errorf("got %s ok=%v, want %s", got.CommandID, ok, want)
		}
	}
}

func TestReadyQueue_CapacityBlocksEnqueue(t *testing.T) {
	q := NewReadyQueue(1)
	ctx := context.Background()
	_ = q.Enqueue(ctx, task.Task{CommandID: "a"})

	done := make(chan struct{})
	go func() {
		_ = q.Enqueue(ctx, task.Task{CommandID: "b"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("enqueue should have blocked while queue is full")
	case <-time.After(30 * time.Millisecond):
	}

	q.Dequeue(ctx)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue did not unblock after dequeue freed capacity")
	}
}

func TestReadyQueue_EnqueueRespectsContextCancellation(t *testing.T) {
	q := NewReadyQueue(1)
	_ = q.Enqueue(context.Background(), task.Task{CommandID: "a"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, task.Task{CommandID: "b"})
	if err == nil {
		t.Fatal("expected context error, got nil")
	}
}

func TestReadyQueue_CompleteWakesDequeue(t *testing.T) {
	q := NewReadyQueue(1)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue(context.Background())
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	q.Complete()
	select {
	case ok := <-done:
		if ok {
			t.Error("expected ok=false after Complete on empty queue")
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake after Complete")
	}
}
