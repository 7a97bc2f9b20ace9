package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lewta/drone-orchd/internal/task"
)

func TestDroneQueue_EnqueueDequeue(t *testing.T) {
	q := NewDroneQueue(2)
	ctx := context.Background()
	_ = q.Enqueue(ctx, task.Task{CommandID: "a"})
	got, ok := q.Dequeue(ctx)
	if !ok || got.CommandID != "a" {
		t.Errorf("got %v ok=%v, want a", got, ok)
	}
}

func TestDroneQueue_CapacityBlocks(t *testing.T) {
	q := NewDroneQueue(1)
	ctx := context.Background()
	_ = q.Enqueue(ctx, task.Task{CommandID: "a"})

	done := make(chan struct{})
	go func() {
		_ = q.Enqueue(ctx, task.Task{CommandID: "b"})
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("expected enqueue to block at capacity")
	case <-time.After(30 * time.Millisecond):
	}
	q.Dequeue(ctx)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue never unblocked")
	}
}

func TestWorker_DispatchesEachTask(t *testing.T) {
	q := NewDroneQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	var count int32
	w := NewWorker("d1", q, func(_ context.Context, _ task.Task) {
		atomic.AddInt32(&count, 1)
	})
	go w.Run(ctx)

	for i := 0; i < 3; i++ {
		_ = q.Enqueue(ctx, task.Task{CommandID: "c"})
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	if got := atomic.LoadInt32(&count); got != 3 {
		t.Errorf("dispatched %d tasks, want 3", got)
	}
}

func TestWorker_RecoversFromPanic(t *testing.T) {
	q := NewDroneQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var count int32
	w := NewWorker("d1", q, func(_ context.Context, tk task.Task) {
		if tk.CommandID == "bad" {
			panic("boom")
		}
		atomic.AddInt32(&count, 1)
	})
	go w.Run(ctx)

	_ = q.Enqueue(ctx, task.Task{CommandID: "bad"})
	_ = q.Enqueue(ctx, task.Task{CommandID: "good"})
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("dispatched %d good tasks, want 1", got)
	}
}
