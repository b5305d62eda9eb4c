package audit

import (
	"context"
	"fmt"
	"sync"
)

// Policy decides what happens when the executor queue is full.
type Policy string

const (
	// PolicyCallerRuns runs the task on the submitting goroutine.
	PolicyCallerRuns Policy = "caller-runs"
	// PolicyBlock waits for queue space.
	PolicyBlock Policy = "block"
	// PolicyDropOldest evicts the oldest queued task to make room.
	PolicyDropOldest Policy = "drop-oldest"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyCallerRuns, PolicyBlock, PolicyDropOldest:
		return p, nil
	default:
		return "", fmt.Errorf("unknown backpressure policy %q", s)
	}
}

// Outcome tells how a submitted task was handled.
type Outcome string

const (
	OutcomeQueued     Outcome = "queued"
	OutcomeCallerRuns Outcome = "caller_runs"
	OutcomeBlocked    Outcome = "blocked"
	OutcomeDropped    Outcome = "dropped" // an older task was evicted
	OutcomeRejected   Outcome = "rejected"
)

// Executor runs tasks asynchronously.
type Executor interface {
	Submit(task func()) Outcome
	Shutdown(ctx context.Context) error
}

// WorkQueue is a bounded queue drained by a fixed set of workers.
type WorkQueue struct {
	tasks  chan func()
	policy Policy
	wg     sync.WaitGroup

	// mu guards closed against concurrent Submit/Shutdown.
	mu     sync.RWMutex
	closed bool
}

// NewWorkQueue starts workers goroutines draining a queue of size capacity.
func NewWorkQueue(workers, capacity int, policy Policy) *WorkQueue {
	if workers < 1 {
		workers = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	if policy == "" {
		policy = PolicyCallerRuns
	}

	q := &WorkQueue{
		tasks:  make(chan func(), capacity),
		policy: policy,
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.work()
	}
	return q
}

func (q *WorkQueue) work() {
	defer q.wg.Done()
	for task := range q.tasks {
		task()
	}
}

// Submit enqueues task, applying the backpressure policy when the queue is
// full. After Shutdown, tasks run on the caller so nothing is lost.
func (q *WorkQueue) Submit(task func()) Outcome {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		task()
		return OutcomeRejected
	}

	select {
	case q.tasks <- task:
		return OutcomeQueued
	default:
	}

	switch q.policy {
	case PolicyBlock:
		q.tasks <- task
		return OutcomeBlocked
	case PolicyDropOldest:
		for {
			select {
			case <-q.tasks:
			default:
			}
			select {
			case q.tasks <- task:
				return OutcomeDropped
			default:
			}
		}
	default:
		task()
		return OutcomeCallerRuns
	}
}

// Len returns the number of queued tasks.
func (q *WorkQueue) Len() int { return len(q.tasks) }

// Shutdown stops accepting work and waits for queued tasks to finish.
func (q *WorkQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit queue drain interrupted: %w", ctx.Err())
	}
}
