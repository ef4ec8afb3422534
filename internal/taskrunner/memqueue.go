package taskrunner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
)

type delayedJob struct {
	runAt time.Time
	job   Job
}

// MemoryQueue is the in-process transport for dev mode and tests. It
// keeps the at-least-once shape of the redis transport: jobs move
// ready -> inflight on Dequeue and leave only on Ack.
type MemoryQueue struct {
	clk clock.Clock

	mu       sync.Mutex
	ready    []Job
	delayed  []delayedJob
	inflight map[string]Job
	wake     chan struct{}
}

func NewMemoryQueue(clk clock.Clock) *MemoryQueue {
	return &MemoryQueue{
		clk:      clk,
		inflight: make(map[string]Job),
		wake:     make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	q.mu.Lock()
	if delay > 0 {
		q.delayed = append(q.delayed, delayedJob{runAt: q.clk.Now().Add(delay), job: job})
		sort.Slice(q.delayed, func(i, j int) bool { return q.delayed[i].runAt.Before(q.delayed[j].runAt) })
	} else {
		q.ready = append(q.ready, job)
	}
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// promoteDue moves delayed jobs whose time has come onto the ready list.
// force ignores the schedule, which is how Drain runs backoff queues to
// empty under a fixed test clock.
func (q *MemoryQueue) promoteDue(force bool) {
	now := q.clk.Now()
	kept := q.delayed[:0]
	for _, d := range q.delayed {
		if force || !d.runAt.After(now) {
			q.ready = append(q.ready, d.job)
		} else {
			kept = append(kept, d)
		}
	}
	q.delayed = kept
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		q.mu.Lock()
		q.promoteDue(false)
		if len(q.ready) > 0 {
			job := q.ready[0]
			q.ready = q.ready[1:]
			q.inflight[job.ID] = job
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-q.wake:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// TryDequeue takes the next job without blocking, promoting delayed jobs
// regardless of their schedule. Test-oriented.
func (q *MemoryQueue) TryDequeue(ctx context.Context) (Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteDue(true)
	if len(q.ready) == 0 {
		return Job{}, false, nil
	}
	job := q.ready[0]
	q.ready = q.ready[1:]
	q.inflight[job.ID] = job
	return job, true, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, job.ID)
	return nil
}

// Requeue puts an unacknowledged job back on the ready list, simulating
// re-delivery after a worker crash.
func (q *MemoryQueue) Requeue(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.inflight[jobID]
	if !ok {
		return false
	}
	delete(q.inflight, jobID)
	q.ready = append(q.ready, job)
	return true
}

func (q *MemoryQueue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.delayed) + len(q.inflight), nil
}
