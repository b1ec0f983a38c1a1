// Package queue implements the bounded FIFO job queue with admission
// control and a concurrency gate described in spec.md §4.2.
package queue

import (
	"sync"

	"github.com/invulnerable/scancore/internal/models"
	"go.uber.org/zap"
)

// Processor is invoked fire-and-forget, on its own goroutine, for each
// dispatched job; the queue does not await it and relies on exactly one later
// OnJobComplete call to release the slot.
type Processor func(models.Job)

// Config bounds the queue.
type Config struct {
	MaxQueued     int
	MaxConcurrent int
}

// Queue is safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger

	pending     []models.Job
	activeCount int
	processor   Processor

	// onPanic is called, on the goroutine that ran the processor, when a processor
	// invocation panics synchronously, so callers can surface the job as
	// UNKNOWN per spec.md §7.
	onPanic func(models.Job, any)
}

// New constructs an empty queue. onPanic may be nil.
func New(cfg Config, logger *zap.Logger, onPanic func(models.Job, any)) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:     cfg,
		logger:  logger,
		onPanic: onPanic,
	}
}

// SetProcessor installs the processor and immediately drains as much as
// capacity allows.
func (q *Queue) SetProcessor(p Processor) {
	q.mu.Lock()
	q.processor = p
	q.mu.Unlock()
	q.drain()
}

// Enqueue admits job if the pending queue is not already at MaxQueued, then
// attempts to drain. Returns false when admission is rejected.
func (q *Queue) Enqueue(job models.Job) bool {
	q.mu.Lock()
	if len(q.pending) >= q.cfg.MaxQueued {
		q.mu.Unlock()
		q.logger.Warn("queue full, rejecting job", zap.String("scan_id", job.ScanID))
		return false
	}
	q.pending = append(q.pending, job)
	q.mu.Unlock()

	q.drain()
	return true
}

// OnJobComplete releases one concurrency slot (floored at zero) and
// attempts to drain more pending work.
func (q *Queue) OnJobComplete() {
	q.mu.Lock()
	if q.activeCount > 0 {
		q.activeCount--
	}
	q.mu.Unlock()
	q.drain()
}

// Pending returns the number of jobs waiting to be dispatched.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Active returns the number of jobs currently dispatched.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeCount
}

// IsFull reports whether the pending queue is at MaxQueued.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) >= q.cfg.MaxQueued
}

// drain pops and dispatches jobs while a processor is installed, there is
// spare concurrency, and jobs are pending. Each dispatch is wrapped so a
// synchronous panic in the processor cannot leak a slot.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if q.processor == nil || q.activeCount >= q.cfg.MaxConcurrent || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		job := q.pending[0]
		q.pending = q.pending[1:]
		q.activeCount++
		proc := q.processor
		q.mu.Unlock()

		go q.dispatch(proc, job)
	}
}

func (q *Queue) dispatch(proc Processor, job models.Job) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("processor panicked, releasing slot",
				zap.String("scan_id", job.ScanID),
				zap.Any("panic", r))
			q.OnJobComplete()
			if q.onPanic != nil {
				q.onPanic(job, r)
			}
		}
	}()
	proc(job)
}
