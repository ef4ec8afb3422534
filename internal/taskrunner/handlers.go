package taskrunner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger"
	"github.com/wizardbeardstudio/open-ledger-go/internal/payout"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/metrics"
)

// payoutHandlers binds the three pipeline stages to the engine and the
// provider. Each stage re-reads payout state first and no-ops when the
// payout is already past it, so duplicate delivery converges instead of
// repeating side effects.
type payoutHandlers struct {
	engine   *payout.Engine
	provider payout.Provider
	runner   *Runner
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// WirePayouts registers the payout pipeline on the runner with the
// default retry budgets and installs the retry/exhaustion hooks.
func WirePayouts(r *Runner, engine *payout.Engine, provider payout.Provider, m *metrics.Metrics, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &payoutHandlers{
		engine:   engine,
		provider: provider,
		runner:   r,
		logger:   logger,
		metrics:  m,
	}
	r.Register(JobProcessPayout, h.processPayout, DefaultPolicies[JobProcessPayout])
	r.Register(JobInitiateExternal, h.initiateExternal, DefaultPolicies[JobInitiateExternal])
	r.Register(JobCompleteExternal, h.completeExternal, DefaultPolicies[JobCompleteExternal])
	r.SetHooks(h.recordRetry, h.markFailed)
}

// classifyLedger separates logical ledger failures, which no amount of
// retrying fixes, from infrastructure errors.
func classifyLedger(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrUnknownAccount),
		errors.Is(err, ledger.ErrUnbalanced),
		errors.Is(err, ledger.ErrEntryCount),
		errors.Is(err, ledger.ErrSignConvention):
		return Terminal(err)
	default:
		return err
	}
}

func (h *payoutHandlers) processPayout(ctx context.Context, job Job) error {
	p, _, err := h.engine.StartProcessing(ctx, job.AggregateID)
	if err != nil {
		if errors.Is(err, payout.ErrNotFound) {
			return Terminal(err)
		}
		return err
	}
	if p.Status.Terminal() {
		return nil
	}
	if _, err := h.engine.PostLedger(ctx, job.AggregateID); err != nil {
		return classifyLedger(err)
	}
	return h.runner.Enqueue(ctx, JobInitiateExternal, job.AggregateID, nil)
}

func (h *payoutHandlers) initiateExternal(ctx context.Context, job Job) error {
	p, err := h.engine.Get(ctx, job.AggregateID)
	if err != nil {
		if errors.Is(err, payout.ErrNotFound) {
			return Terminal(err)
		}
		return err
	}
	if p.Status.Terminal() {
		return nil
	}
	if p.Status != payout.StatusProcessing {
		return fmt.Errorf("payout %s not yet processing", p.ID)
	}
	if p.ExternalPayoutID == "" {
		// The provider call runs outside any DB transaction; on timeout the
		// outcome is unknown and the idempotency key resolves it on retry.
		res, err := h.provider.Initiate(ctx, payout.InitiateRequest{
			Amount:           p.Amount,
			Currency:         p.Currency,
			RecipientAccount: p.RecipientAccount,
			RecipientName:    p.RecipientName,
			IdempotencyKey:   p.IdempotencyKey,
		})
		if err != nil {
			if errors.Is(err, payout.ErrProviderRejected) {
				h.metrics.ObserveProviderCall("rejected")
				return Terminal(err)
			}
			h.metrics.ObserveProviderCall("error")
			return err
		}
		h.metrics.ObserveProviderCall("initiated")
		if _, err := h.engine.AttachExternal(ctx, job.AggregateID, res.ExternalPayoutID); err != nil {
			return err
		}
	}
	return h.runner.Enqueue(ctx, JobCompleteExternal, job.AggregateID, nil)
}

func (h *payoutHandlers) completeExternal(ctx context.Context, job Job) error {
	p, err := h.engine.Get(ctx, job.AggregateID)
	if err != nil {
		if errors.Is(err, payout.ErrNotFound) {
			return Terminal(err)
		}
		return err
	}
	if p.Status.Terminal() {
		return nil
	}
	if p.ExternalPayoutID == "" {
		return fmt.Errorf("payout %s has no external payout yet", p.ID)
	}
	st, err := h.provider.Status(ctx, p.ExternalPayoutID)
	if err != nil {
		h.metrics.ObserveProviderCall("error")
		return err
	}
	switch st.Status {
	case payout.ProviderStatusCompleted:
		h.metrics.ObserveProviderCall("completed")
		_, err := h.engine.CompleteExternal(ctx, job.AggregateID, p.ExternalPayoutID)
		return err
	case payout.ProviderStatusFailed:
		h.metrics.ObserveProviderCall("failed")
		return Terminal(fmt.Errorf("%w: %s", payout.ErrProviderRejected, st.FailureReason))
	default:
		return ErrStillPending
	}
}

func (h *payoutHandlers) recordRetry(ctx context.Context, job Job, err error) {
	if recErr := h.engine.RecordRetry(ctx, job.AggregateID, job.Type, job.Attempt, err.Error()); recErr != nil {
		h.logger.Error("recording retry failed",
			zap.String("payout_id", job.AggregateID),
			zap.Error(recErr),
		)
	}
}

func (h *payoutHandlers) markFailed(ctx context.Context, job Job, err error) {
	if _, failErr := h.engine.Fail(ctx, job.AggregateID, err.Error()); failErr != nil {
		h.logger.Error("marking payout failed failed",
			zap.String("payout_id", job.AggregateID),
			zap.Error(failErr),
		)
	}
}
