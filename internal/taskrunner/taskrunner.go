// Package taskrunner drives payouts forward asynchronously. Delivery is
// at-least-once over a pluggable queue transport; every handler is
// idempotent against payout state, so re-delivery is safe and
// acknowledgement happens only after the handler's work has committed.
package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	JobProcessPayout    = "process_payout"
	JobInitiateExternal = "initiate_external_payout"
	JobCompleteExternal = "complete_external_payout"
)

type Job struct {
	ID          string            `json:"id"`
	Type        string            `json:"job_type"`
	AggregateID string            `json:"aggregate_id"`
	Extra       map[string]string `json:"extra,omitempty"`
	Attempt     int               `json:"attempt"`
}

// Queue is the at-least-once transport. Dequeue blocks until a job is
// available or ctx is done; a dequeued job stays in flight until Ack.
type Queue interface {
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
	Dequeue(ctx context.Context) (Job, error)
	Ack(ctx context.Context, job Job) error
	Depth(ctx context.Context) (int, error)
}

// Policy is the retry envelope for one job type.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// Per-job budgets. Process is slow-moving and expensive to repeat;
// completion polls fast.
var DefaultPolicies = map[string]Policy{
	JobProcessPayout:    {MaxRetries: 3, BaseDelay: 60 * time.Second},
	JobInitiateExternal: {MaxRetries: 5, BaseDelay: 30 * time.Second},
	JobCompleteExternal: {MaxRetries: 3, BaseDelay: 10 * time.Second},
}

// Backoff returns the delay before attempt n (1-based) re-runs:
// exponential doubling from the policy's base.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

type terminalError struct{ err error }

func (t terminalError) Error() string { return t.err.Error() }
func (t terminalError) Unwrap() error { return t.err }

// Terminal wraps an error so the runner marks the payout FAILED instead
// of retrying: provider rejections, unknown operational accounts,
// invariant violations.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return terminalError{err: err}
}

func IsTerminal(err error) bool {
	var t terminalError
	return errors.As(err, &t)
}

// ErrStillPending is the retryable signal a completion handler returns
// while the provider has not resolved the payout yet.
var ErrStillPending = fmt.Errorf("external payout still pending")
