package workers

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

func setupTestPool(t *testing.T, n int) *WorkerPool {
	t.Helper()
	wp := NewWorkerPool(context.Background(), n, utils.NewLogsManagerWithWriter(io.Discard, "error"))
	wp.Start()
	t.Cleanup(wp.Stop)
	return wp
}

func TestRunAllWaitsAndCountsFailures(t *testing.T) {
	wp := setupTestPool(t, 3)

	var done atomic.Int32
	tasks := make([]Task, 0, 10)
	for i := 0; i < 10; i++ {
		i := i
		tasks = append(tasks, func(ctx context.Context) error {
			done.Add(1)
			if i%4 == 0 {
				return errors.New("boom")
			}
			return nil
		})
	}

	failed, err := wp.RunAll(context.Background(), "test", tasks)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if done.Load() != 10 {
		t.Errorf("Expected 10 tasks to run, got %d", done.Load())
	}
	if failed != 3 {
		t.Errorf("Expected 3 failures, got %d", failed)
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	wp := setupTestPool(t, 1)

	var ran atomic.Bool
	_, err := wp.RunAll(context.Background(), "test", []Task{
		func(ctx context.Context) error { panic("bad task") },
		func(ctx context.Context) error { ran.Store(true); return nil },
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !ran.Load() {
		t.Error("Expected the worker to survive a panicking task")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	wp := NewWorkerPool(context.Background(), 1, utils.NewLogsManagerWithWriter(io.Discard, "error"))
	wp.Start()
	wp.Stop()
	wp.Stop()

	if err := wp.Submit(func() {}); err == nil {
		// the buffered channel may still accept one task; a second must fail
		if err := wp.Submit(func() {}); err == nil {
			t.Error("Expected submit to fail after stop")
		}
	}
}
