package taskrunner

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/metrics"
)

type Handler func(ctx context.Context, job Job) error

// Runner dispatches jobs to registered handlers under each job type's
// retry policy. A handler error that is not Terminal re-enqueues the job
// with exponential backoff until the budget runs out; Terminal errors and
// exhausted budgets both hand the job to the onExhausted hook, which marks
// the payout FAILED.
type Runner struct {
	clk     clock.Clock
	logger  *zap.Logger
	queue   Queue
	metrics *metrics.Metrics

	mu          sync.RWMutex
	handlers    map[string]Handler
	policies    map[string]Policy
	onRetry     func(ctx context.Context, job Job, err error)
	onExhausted func(ctx context.Context, job Job, err error)
}

func NewRunner(clk clock.Clock, logger *zap.Logger, queue Queue, m *metrics.Metrics) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		clk:      clk,
		logger:   logger,
		queue:    queue,
		metrics:  m,
		handlers: make(map[string]Handler),
		policies: make(map[string]Policy),
	}
}

func (r *Runner) Register(jobType string, h Handler, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
	r.policies[jobType] = p
}

// SetHooks installs the retry and exhaustion observers. onRetry fires
// before a re-enqueue; onExhausted fires once per job that will never run
// again.
func (r *Runner) SetHooks(onRetry, onExhausted func(ctx context.Context, job Job, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRetry = onRetry
	r.onExhausted = onExhausted
}

// Enqueue submits a fresh job for a payout aggregate.
func (r *Runner) Enqueue(ctx context.Context, jobType, aggregateID string, extra map[string]string) error {
	job := Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		AggregateID: aggregateID,
		Extra:       extra,
		Attempt:     0,
	}
	if err := r.queue.Enqueue(ctx, job, 0); err != nil {
		return err
	}
	if depth, err := r.queue.Depth(ctx); err == nil {
		r.metrics.SetQueueDepth(depth)
	}
	return nil
}

// Run consumes jobs with n workers until ctx is cancelled.
func (r *Runner) Run(ctx context.Context, workers int) error {
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := r.queue.Dequeue(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					r.logger.Error("dequeue failed", zap.Error(err))
					continue
				}
				r.dispatch(ctx, job)
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Drain runs jobs synchronously until the queue is empty, promoting
// delayed jobs past their backoff. Only transports that expose
// TryDequeue (the memory queue) support it; tests use this to run a
// payout to its terminal state without waiting out real backoff.
func (r *Runner) Drain(ctx context.Context) error {
	td, ok := r.queue.(interface {
		TryDequeue(ctx context.Context) (Job, bool, error)
	})
	if !ok {
		return fmt.Errorf("queue transport does not support draining")
	}
	for {
		job, found, err := td.TryDequeue(ctx)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		r.dispatch(ctx, job)
	}
}

func (r *Runner) dispatch(ctx context.Context, job Job) {
	r.mu.RLock()
	h, ok := r.handlers[job.Type]
	policy := r.policies[job.Type]
	onRetry := r.onRetry
	onExhausted := r.onExhausted
	r.mu.RUnlock()

	if !ok {
		r.logger.Error("no handler for job type", zap.String("job_type", job.Type))
		_ = r.queue.Ack(ctx, job)
		return
	}

	err := h(ctx, job)
	switch {
	case err == nil:

	case IsTerminal(err):
		r.metrics.ObserveExhausted(job.Type)
		r.logger.Warn("job failed terminally",
			zap.String("job_type", job.Type),
			zap.String("aggregate_id", job.AggregateID),
			zap.Error(err),
		)
		if onExhausted != nil {
			onExhausted(ctx, job, err)
		}

	case job.Attempt >= policy.MaxRetries:
		r.metrics.ObserveExhausted(job.Type)
		r.logger.Warn("retry budget exhausted",
			zap.String("job_type", job.Type),
			zap.String("aggregate_id", job.AggregateID),
			zap.Int("attempts", job.Attempt+1),
			zap.Error(err),
		)
		if onExhausted != nil {
			onExhausted(ctx, job, err)
		}

	default:
		retry := job
		retry.Attempt++
		delay := policy.Backoff(retry.Attempt)
		r.metrics.ObserveRetry(job.Type)
		r.logger.Info("job retrying",
			zap.String("job_type", job.Type),
			zap.String("aggregate_id", job.AggregateID),
			zap.Int("attempt", retry.Attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if onRetry != nil {
			onRetry(ctx, retry, err)
		}
		if enqErr := r.queue.Enqueue(ctx, retry, delay); enqErr != nil {
			r.logger.Error("re-enqueue failed", zap.Error(enqErr))
		}
	}

	// Late ack: the original delivery leaves the queue only after the
	// outcome (including any re-enqueue) is durable.
	if err := r.queue.Ack(ctx, job); err != nil {
		r.logger.Error("ack failed", zap.Error(err))
	}
	if depth, err := r.queue.Depth(ctx); err == nil {
		r.metrics.SetQueueDepth(depth)
	}
}
