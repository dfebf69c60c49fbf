package workers

import (
	"context"
	"fmt"
	"sync"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

const category = "workers"

// Task is one unit of background work. A failing task never affects its siblings.
type Task func(ctx context.Context) error

// WorkerPool runs background tasks on a fixed number of goroutines
type WorkerPool struct {
	ctx        context.Context
	cancel     context.CancelFunc
	numWorkers int
	workerChan chan func()
	wg         sync.WaitGroup
	logger     *utils.LogsManager
	startOnce  sync.Once
	stopOnce   sync.Once
}

// NewWorkerPool creates a new worker pool; call Start before submitting.
func NewWorkerPool(ctx context.Context, numWorkers int, logger *utils.LogsManager) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	poolCtx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		ctx:        poolCtx,
		cancel:     cancel,
		numWorkers: numWorkers,
		workerChan: make(chan func(), numWorkers),
		logger:     logger,
	}
}

// Start initializes and starts all workers in the pool
func (wp *WorkerPool) Start() {
	wp.startOnce.Do(func() {
		wp.logger.Debug(fmt.Sprintf("Starting worker pool with %d workers", wp.numWorkers), category)
		for i := 0; i < wp.numWorkers; i++ {
			wp.wg.Add(1)
			go wp.work(i)
		}
	})
}

func (wp *WorkerPool) work(id int) {
	defer wp.wg.Done()
	for {
		select {
		case task := <-wp.workerChan:
			wp.runSafely(id, task)
		case <-wp.ctx.Done():
			return
		}
	}
}

func (wp *WorkerPool) runSafely(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error(fmt.Sprintf("Worker %d panic recovered: %v", id, r), category)
		}
	}()
	task()
}

// Submit queues a task, blocking while every worker is busy.
func (wp *WorkerPool) Submit(task func()) error {
	select {
	case wp.workerChan <- task:
		return nil
	case <-wp.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	}
}

// RunAll runs tasks on the pool and waits for all of them. Task errors are logged
// under label and counted, never returned; the error result only reports shutdown.
func (wp *WorkerPool) RunAll(ctx context.Context, label string, tasks []Task) (failed int, err error) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, t := range tasks {
		t := t
		wg.Add(1)
		submitErr := wp.Submit(func() {
			defer wg.Done()
			if err := t(ctx); err != nil {
				wp.logger.Debug(fmt.Sprintf("%s task failed: %v", label, err), category)
				mu.Lock()
				failed++
				mu.Unlock()
			}
		})
		if submitErr != nil {
			wg.Done()
			wg.Wait()
			return failed, submitErr
		}
	}
	wg.Wait()
	return failed, nil
}

// Stop gracefully stops the worker pool; queued tasks that have not started are dropped.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.cancel()
		wp.wg.Wait()
		wp.logger.Debug("Worker pool stopped", category)
	})
}

// GetActiveWorkers returns the number of active workers
func (wp *WorkerPool) GetActiveWorkers() int {
	return wp.numWorkers
}
