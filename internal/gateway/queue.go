package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/askstream/internal/turn"
	"github.com/user/askstream/internal/types"
)

// ErrQueueStopped completes runs that were still waiting when the queue
// stopped.
var ErrQueueStopped = errors.New("gateway stopped")

// Queue manages per-thread lanes with a global concurrency semaphore.
// Each thread gets its own FIFO lane so questions within a thread are
// answered one after the other, while the semaphore bounds how many
// answer streams are open across all threads.
type Queue struct {
	lanes     map[types.ThreadKey]chan *Run
	semaphore *semaphore.Weighted
	processor func(*Run) error
	active    atomic.Int64
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewQueue creates a Queue that allows up to maxConcurrent runs to execute
// simultaneously across all thread lanes.
func NewQueue(maxConcurrent int64) *Queue {
	return &Queue{
		lanes:     make(map[types.ThreadKey]chan *Run),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// processors to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		for _, lane := range q.lanes {
			close(lane)
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a Run to the thread's lane, creating the lane (and its
// goroutine) on first use. Returns an error if the lane's buffer is full.
func (q *Queue) Enqueue(run *Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || (q.ctx != nil && q.ctx.Err() != nil) {
		return ErrQueueStopped
	}
	lane, exists := q.lanes[run.ThreadKey]
	if !exists {
		lane = make(chan *Run, 100)
		q.lanes[run.ThreadKey] = lane
		q.wg.Add(1)
		go q.processLane(run.ThreadKey, lane)
	}

	select {
	case lane <- run:
		return nil
	default:
		return fmt.Errorf("queue full for thread %s", run.ThreadKey)
	}
}

// processLane drains a single thread lane, acquiring a semaphore slot
// before running the processor synchronously. Runs left in the lane when
// the queue stops are completed as failed.
func (q *Queue) processLane(key types.ThreadKey, lane chan *Run) {
	defer q.wg.Done()
	for {
		select {
		case run, ok := <-lane:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				q.drop(append([]*Run{run}, q.drain(lane)...))
				return
			}
			if q.processor != nil {
				q.active.Add(1)
				run.Ctx = q.ctx
				if err := q.processor(run); err != nil {
					slog.Error("run failed", "run_id", string(run.ID), "thread_key", string(key), "error", err)
					fail(run, err)
				}
				q.active.Add(-1)
			}
			q.semaphore.Release(1)
		case <-q.ctx.Done():
			q.drop(q.drain(lane))
			return
		}
	}
}

// drain empties a lane without blocking. Holding mu means no Enqueue is
// half-way through, and Enqueue refuses runs once the context is done.
func (q *Queue) drain(lane chan *Run) []*Run {
	q.mu.Lock()
	defer q.mu.Unlock()
	var runs []*Run
	for {
		select {
		case run, ok := <-lane:
			if !ok {
				return runs
			}
			runs = append(runs, run)
		default:
			return runs
		}
	}
}

func (q *Queue) drop(runs []*Run) {
	for _, run := range runs {
		fail(run, ErrQueueStopped)
	}
}

func fail(run *Run, err error) {
	run.Status = RunStatusFailed
	run.Error = err
	run.complete(turn.Snapshot{
		Phase:        turn.PhaseErrored,
		Query:        run.text(),
		ErrorMessage: err.Error(),
	})
}

// WaitIdle blocks until no runs are actively being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued Run.
func (q *Queue) SetProcessor(fn func(*Run) error) {
	q.processor = fn
}
