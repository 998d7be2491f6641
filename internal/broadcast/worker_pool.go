package broadcast

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/odin-broadcast/internal/monitoring"
	"github.com/rs/zerolog"
)

// Task is a unit of work executed asynchronously by a pool worker.
type Task func()

// WorkerPool runs tasks on a fixed set of goroutines with a bounded queue.
//
// Backpressure is drop-on-full: when the queue is at capacity, Submit drops
// the task and increments a counter instead of blocking or spawning
// goroutines. Dropping work keeps the process alive under overload; the
// dropped counter is the signal that the pool is undersized.
//
// The broadcaster runs two of these: one for batch preparation, one for
// delivery, so a slow transport cannot stall batching.
type WorkerPool struct {
	name        string // metrics label
	workerCount int
	taskQueue   chan Task
	ctx         context.Context
	wg          sync.WaitGroup
	dropped     int64
	logger      zerolog.Logger

	// stopMu fences Submit's channel send against Stop's close. Submit holds
	// the read side only for the non-blocking send, so Stop never waits on a
	// full queue.
	stopMu  sync.RWMutex
	stopped bool
}

// NewWorkerPool creates a pool with workerCount goroutines and a queue of
// queueSize pending tasks. The name labels the pool's metrics.
func NewWorkerPool(name string, workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		name:        name,
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger.With().Str("worker_pool", name).Logger(),
	}
}

// Start launches the workers. Must be called before Submit, exactly once.
// Workers exit when the context is cancelled or Stop is called.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx = ctx
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// worker pulls and executes tasks until shutdown. Panics in tasks are caught
// and logged with stack traces; the worker survives the panic.
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case task, ok := <-wp.taskQueue:
			if !ok {
				return
			}
			wp.run(task)
		case <-wp.ctx.Done():
			wp.logger.Debug().Msg("Worker shutting down")
			return
		}
	}
}

func (wp *WorkerPool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("Worker panic recovered - task failed but worker continues")
		}
	}()
	task()
	monitoring.SetWorkerQueueDepth(wp.name, len(wp.taskQueue))
}

// Submit enqueues a task. Returns false when the queue is full and the task
// was dropped, or when the pool has stopped. Safe to call concurrently with
// Stop; a submission racing the stop is counted as dropped, never a panic.
func (wp *WorkerPool) Submit(task Task) bool {
	wp.stopMu.RLock()
	defer wp.stopMu.RUnlock()
	if wp.stopped {
		atomic.AddInt64(&wp.dropped, 1)
		monitoring.IncrementWorkerTasksDropped(wp.name)
		return false
	}
	select {
	case wp.taskQueue <- task:
		monitoring.SetWorkerQueueDepth(wp.name, len(wp.taskQueue))
		return true
	default:
		atomic.AddInt64(&wp.dropped, 1)
		monitoring.IncrementWorkerTasksDropped(wp.name)
		return false
	}
}

// Stop closes the queue and waits for workers to drain remaining tasks.
// Idempotent.
func (wp *WorkerPool) Stop() {
	wp.stopMu.Lock()
	if wp.stopped {
		wp.stopMu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.taskQueue)
	wp.stopMu.Unlock()
	wp.wg.Wait()
}

// DroppedTasks returns how many tasks were dropped because the queue was full.
func (wp *WorkerPool) DroppedTasks() int64 {
	return atomic.LoadInt64(&wp.dropped)
}

// QueueDepth returns the number of tasks currently waiting.
func (wp *WorkerPool) QueueDepth() int {
	return len(wp.taskQueue)
}
