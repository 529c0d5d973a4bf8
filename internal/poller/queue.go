package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/sift/internal/types"
)

// Batch is one admitted set of notifications awaiting classification.
type Batch struct {
	Notifications []types.Notification
}

// RunQueue executes classification batches with a global concurrency
// semaphore, so a slow run never blocks the poll cycle that produced it.
// Batches are dispatched FIFO; up to maxConcurrent run at once.
type RunQueue struct {
	sem       *semaphore.Weighted
	logger    *slog.Logger
	processor func(context.Context, *Batch)
	queue     chan *Batch
	active    atomic.Int64 // batches accepted and not yet finished

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunQueue creates a queue allowing up to maxConcurrent simultaneous runs.
func NewRunQueue(maxConcurrent int64, logger *slog.Logger) *RunQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &RunQueue{
		sem:    semaphore.NewWeighted(maxConcurrent),
		logger: logger.With("component", "runqueue"),
		queue:  make(chan *Batch, 100),
	}
}

// SetProcessor installs the function that handles each batch. Must be called
// before Start.
func (q *RunQueue) SetProcessor(fn func(context.Context, *Batch)) {
	q.processor = fn
}

// Start launches the dispatch loop. Must be called before Enqueue.
func (q *RunQueue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.dispatch()
}

// Stop cancels in-flight runs and waits for them to finish.
func (q *RunQueue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Enqueue adds a batch for classification. Returns an error if the buffer is
// full; the caller decides whether to drop or retry next cycle. The batch
// counts as pending before Enqueue returns, so WaitIdle cannot observe an
// accepted batch as idle.
func (q *RunQueue) Enqueue(b *Batch) error {
	q.active.Add(1)
	select {
	case q.queue <- b:
		return nil
	default:
		q.active.Add(-1)
		return fmt.Errorf("run queue full, dropping batch of %d", len(b.Notifications))
	}
}

func (q *RunQueue) dispatch() {
	defer q.wg.Done()
	for {
		select {
		case batch := <-q.queue:
			if err := q.sem.Acquire(q.ctx, 1); err != nil {
				q.active.Add(-1)
				return
			}
			q.wg.Add(1)
			go func(b *Batch) {
				defer q.wg.Done()
				defer q.sem.Release(1)
				defer q.active.Add(-1)
				if q.processor != nil {
					q.processor(q.ctx, b)
				}
			}(batch)
		case <-q.ctx.Done():
			return
		}
	}
}

// WaitIdle blocks until no batch is queued or running, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *RunQueue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
}
