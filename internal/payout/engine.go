package payout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-ledger-go/internal/eventlog"
	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/metrics"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/money"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/store"
	"github.com/wizardbeardstudio/open-ledger-go/internal/projector"
)

// Operational accounts every payout moves money between. Seeded at
// bootstrap; a missing one is a terminal configuration failure, not a
// retryable error.
const (
	CashAccountCode      = "CASH_001"
	LiabilityAccountCode = "PAYOUT_LIABILITY_001"
)

// Engine is thread-safe and, like the other services, memory-authoritative
// without a database.
type Engine struct {
	clk     clock.Clock
	logger  *zap.Logger
	db      *store.DB
	events  *eventlog.Log
	ledger  *ledger.Service
	views   *projector.Service
	metrics *metrics.Metrics

	mu    sync.Mutex
	byID  map[string]Payout
	byKey map[string]string
	trail map[string][]TrailEvent
}

func NewEngine(clk clock.Clock, logger *zap.Logger, db *store.DB, events *eventlog.Log, lg *ledger.Service, views *projector.Service, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		clk:     clk,
		logger:  logger,
		db:      db,
		events:  events,
		ledger:  lg,
		views:   views,
		metrics: m,
		byID:    make(map[string]Payout),
		byKey:   make(map[string]string),
		trail:   make(map[string][]TrailEvent),
	}
}

func validateAdmit(in AdmitInput) (AdmitInput, error) {
	if in.IdempotencyKey == "" {
		return in, ErrEmptyIdempotencyKey
	}
	if len(in.IdempotencyKey) > maxIdempotencyKeyLen {
		return in, ErrKeyTooLong
	}
	if in.RecipientAccount == "" {
		return in, ErrEmptyRecipient
	}
	if err := money.CheckScale(in.Amount); err != nil {
		return in, err
	}
	if in.Amount.Sign() <= 0 {
		return in, money.ErrNotPositive
	}
	cur, err := money.NormalizeCurrency(in.Currency)
	if err != nil {
		return in, err
	}
	in.Currency = cur
	return in, nil
}

// Admit creates the payout for an idempotency key, or returns the
// existing one. Exactly one caller observes created=true no matter how
// many race on the same key; only that caller's transaction emits the
// CREATED trail row and the PAYOUT_CREATED event.
func (e *Engine) Admit(ctx context.Context, in AdmitInput) (Payout, bool, error) {
	in, err := validateAdmit(in)
	if err != nil {
		return Payout{}, false, err
	}
	var (
		p       Payout
		created bool
		ev      eventlog.Event
	)
	if e.db != nil {
		p, created, ev, err = e.admitDB(ctx, in)
	} else {
		p, created, ev, err = e.admitMem(ctx, in)
	}
	if err != nil {
		return Payout{}, false, err
	}
	e.metrics.ObserveAdmission(created)
	if created {
		e.events.Publish(ev)
		e.logger.Info("payout admitted",
			zap.String("payout_id", p.ID),
			zap.String("idempotency_key", p.IdempotencyKey),
			zap.String("amount", money.Format(p.Amount)),
		)
	}
	return p, created, nil
}

func (e *Engine) admitMem(ctx context.Context, in AdmitInput) (Payout, bool, eventlog.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.byKey[in.IdempotencyKey]; ok {
		return e.byID[id], false, eventlog.Event{}, nil
	}
	now := e.clk.Now()
	p := Payout{
		ID:               uuid.New().String(),
		IdempotencyKey:   in.IdempotencyKey,
		Amount:           in.Amount,
		Currency:         in.Currency,
		RecipientAccount: in.RecipientAccount,
		RecipientName:    in.RecipientName,
		Description:      in.Description,
		Status:           StatusPending,
		Metadata:         in.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	ev, err := e.events.Append(ctx, nil, admitEventInput(p))
	if err != nil {
		return Payout{}, false, eventlog.Event{}, err
	}
	e.byID[p.ID] = p
	e.byKey[p.IdempotencyKey] = p.ID
	e.appendTrailLocked(p.ID, TrailCreated, map[string]string{
		"idempotency_key": p.IdempotencyKey,
		"amount":          money.Format(p.Amount),
	}, now)
	if err := e.views.UpsertPayoutSummary(ctx, nil, p.ID, p.IdempotencyKey, p.Amount, string(p.Status), p.RecipientAccount, now); err != nil {
		return Payout{}, false, eventlog.Event{}, err
	}
	return p, true, ev, nil
}

func admitEventInput(p Payout) eventlog.AppendInput {
	return eventlog.AppendInput{
		EventID:       fmt.Sprintf("payout_created_%s_%s", p.IdempotencyKey, uuid.New().String()),
		Type:          eventlog.TypePayoutCreated,
		AggregateType: "Payout",
		AggregateID:   p.ID,
		Data: eventlog.PayoutCreated{
			IdempotencyKey:   p.IdempotencyKey,
			Amount:           money.Format(p.Amount),
			RecipientAccount: p.RecipientAccount,
		},
	}
}

func (e *Engine) Get(ctx context.Context, id string) (Payout, error) {
	if e.db != nil {
		return e.getDB(ctx, "id", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.byID[id]
	if !ok {
		return Payout{}, ErrNotFound
	}
	return p, nil
}

func (e *Engine) GetByKey(ctx context.Context, key string) (Payout, error) {
	if e.db != nil {
		return e.getDB(ctx, "idempotency_key", key)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byKey[key]
	if !ok {
		return Payout{}, ErrNotFound
	}
	return e.byID[id], nil
}

// Trail returns the payout's audit rows in append order.
func (e *Engine) Trail(ctx context.Context, payoutID string) ([]TrailEvent, error) {
	if e.db != nil {
		return e.trailDB(ctx, payoutID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.byID[payoutID]; !ok {
		return nil, ErrNotFound
	}
	rows := e.trail[payoutID]
	out := make([]TrailEvent, len(rows))
	copy(out, rows)
	return out, nil
}

// StartProcessing moves PENDING to PROCESSING under a row lock. Any other
// starting status is a no-op returning the current payout, which makes the
// worker entry point safe against queue re-delivery.
func (e *Engine) StartProcessing(ctx context.Context, id string) (Payout, bool, error) {
	var (
		p       Payout
		started bool
		ev      eventlog.Event
		err     error
	)
	if e.db != nil {
		p, started, ev, err = e.startProcessingDB(ctx, id)
	} else {
		p, started, ev, err = e.startProcessingMem(ctx, id)
	}
	if err != nil {
		return Payout{}, false, err
	}
	if started {
		e.events.Publish(ev)
		e.logger.Info("payout processing started", zap.String("payout_id", p.ID))
	}
	return p, started, nil
}

func (e *Engine) startProcessingMem(ctx context.Context, id string) (Payout, bool, eventlog.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.byID[id]
	if !ok {
		return Payout{}, false, eventlog.Event{}, ErrNotFound
	}
	if p.Status != StatusPending {
		return p, false, eventlog.Event{}, nil
	}
	ev, err := e.events.Append(ctx, nil, processingEventInput(p))
	if err != nil {
		return Payout{}, false, eventlog.Event{}, err
	}
	now := e.clk.Now()
	p.Status = StatusProcessing
	p.UpdatedAt = now
	e.byID[id] = p
	e.appendTrailLocked(id, TrailProcessingStarted, nil, now)
	if err := e.views.UpsertPayoutSummary(ctx, nil, p.ID, p.IdempotencyKey, p.Amount, string(p.Status), p.RecipientAccount, p.CreatedAt); err != nil {
		return Payout{}, false, eventlog.Event{}, err
	}
	return p, true, ev, nil
}

func processingEventInput(p Payout) eventlog.AppendInput {
	return eventlog.AppendInput{
		EventID:       fmt.Sprintf("payout_processing_%s_%s", p.IdempotencyKey, uuid.New().String()),
		Type:          eventlog.TypePayoutProcessing,
		AggregateType: "Payout",
		AggregateID:   p.ID,
		Data: eventlog.PayoutProcessing{
			IdempotencyKey: p.IdempotencyKey,
			Amount:         money.Format(p.Amount),
		},
	}
}

// LedgerTransactionID derives the deterministic ledger key for an
// idempotency key. The uniqueness of ledger transaction_ids is what turns
// crash re-delivery into "already posted" instead of double movement.
func LedgerTransactionID(idempotencyKey string) string {
	return "payout_" + idempotencyKey
}

// PostLedger records the monetary movement for a PROCESSING payout:
// debit the payout liability, credit cash. A unique-key collision on the
// deterministic transaction id means a previous attempt already posted;
// it is treated as success and the transaction is attached.
func (e *Engine) PostLedger(ctx context.Context, id string) (Payout, error) {
	p, err := e.Get(ctx, id)
	if err != nil {
		return Payout{}, err
	}
	if p.Status != StatusProcessing {
		if p.Status.Terminal() {
			return p, nil
		}
		return Payout{}, fmt.Errorf("%w: ledger post requires PROCESSING, got %s", ErrWrongState, p.Status)
	}
	if p.LedgerTransactionID != "" {
		return p, nil
	}

	cash, err := e.ledger.GetAccountByCode(ctx, CashAccountCode)
	if err != nil {
		return Payout{}, err
	}
	liability, err := e.ledger.GetAccountByCode(ctx, LiabilityAccountCode)
	if err != nil {
		return Payout{}, err
	}

	txnID := LedgerTransactionID(p.IdempotencyKey)
	entries := []ledger.EntryInput{
		{
			AccountID:   liability.ID,
			Amount:      p.Amount,
			Type:        ledger.EntryDebit,
			Description: "payout to " + p.RecipientAccount,
		},
		{
			AccountID:   cash.ID,
			Amount:      p.Amount.Neg(),
			Type:        ledger.EntryCredit,
			Description: "cash out for payout " + p.IdempotencyKey,
		},
	}
	meta := map[string]string{
		"payout_id":       p.ID,
		"idempotency_key": p.IdempotencyKey,
	}
	_, err = e.ledger.PostTransaction(ctx, txnID, "payout "+p.IdempotencyKey, entries, meta)
	if err != nil && !errors.Is(err, ledger.ErrDuplicateTransaction) {
		return Payout{}, err
	}
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		e.logger.Info("ledger transaction already posted, attaching",
			zap.String("payout_id", p.ID),
			zap.String("transaction_id", txnID),
		)
	}
	return e.attachLedger(ctx, id, txnID)
}

func (e *Engine) attachLedger(ctx context.Context, id, txnID string) (Payout, error) {
	if e.db != nil {
		return e.attachLedgerDB(ctx, id, txnID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.byID[id]
	if !ok {
		return Payout{}, ErrNotFound
	}
	if p.LedgerTransactionID == txnID {
		return p, nil
	}
	if p.LedgerTransactionID != "" {
		return Payout{}, fmt.Errorf("payout %s already attached to %s", id, p.LedgerTransactionID)
	}
	now := e.clk.Now()
	p.LedgerTransactionID = txnID
	p.UpdatedAt = now
	e.byID[id] = p
	e.appendTrailLocked(id, TrailLedgerEntry, map[string]string{"transaction_id": txnID}, now)
	return p, nil
}

// AttachExternal persists the provider's reference after a successful
// initiation. Re-attaching the same id is a no-op; a different id on an
// already-attached payout is a provider contract violation.
func (e *Engine) AttachExternal(ctx context.Context, id, externalPayoutID string) (Payout, error) {
	if externalPayoutID == "" {
		return Payout{}, errors.New("external_payout_id must not be empty")
	}
	if e.db != nil {
		return e.attachExternalDB(ctx, id, externalPayoutID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.byID[id]
	if !ok {
		return Payout{}, ErrNotFound
	}
	if p.ExternalPayoutID == externalPayoutID {
		return p, nil
	}
	if p.ExternalPayoutID != "" {
		return Payout{}, ErrExternalMismatch
	}
	if p.Status != StatusProcessing {
		return Payout{}, fmt.Errorf("%w: external attach requires PROCESSING, got %s", ErrWrongState, p.Status)
	}
	now := e.clk.Now()
	p.ExternalPayoutID = externalPayoutID
	p.UpdatedAt = now
	e.byID[id] = p
	e.appendTrailLocked(id, TrailExternalInitiated, map[string]string{"external_payout_id": externalPayoutID}, now)
	return p, nil
}

// CompleteExternal transitions PROCESSING to COMPLETED once the provider
// confirms. The provider id must match what was initiated. Already
// COMPLETED is a no-op, so re-delivered completions emit nothing twice.
func (e *Engine) CompleteExternal(ctx context.Context, id, externalPayoutID string) (Payout, error) {
	var (
		p         Payout
		completed bool
		ev        eventlog.Event
		err       error
	)
	if e.db != nil {
		p, completed, ev, err = e.completeDB(ctx, id, externalPayoutID)
	} else {
		p, completed, ev, err = e.completeMem(ctx, id, externalPayoutID)
	}
	if err != nil {
		return Payout{}, err
	}
	if completed {
		e.metrics.ObserveTerminal(string(StatusCompleted))
		e.events.Publish(ev)
		e.logger.Info("payout completed",
			zap.String("payout_id", p.ID),
			zap.String("external_payout_id", externalPayoutID),
		)
	}
	return p, nil
}

func (e *Engine) completeMem(ctx context.Context, id, externalPayoutID string) (Payout, bool, eventlog.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.byID[id]
	if !ok {
		return Payout{}, false, eventlog.Event{}, ErrNotFound
	}
	if p.Status == StatusCompleted {
		return p, false, eventlog.Event{}, nil
	}
	if p.Status != StatusProcessing {
		return Payout{}, false, eventlog.Event{}, fmt.Errorf("%w: completion requires PROCESSING, got %s", ErrWrongState, p.Status)
	}
	if p.ExternalPayoutID == "" || p.ExternalPayoutID != externalPayoutID {
		return Payout{}, false, eventlog.Event{}, ErrExternalMismatch
	}
	ev, err := e.events.Append(ctx, nil, completedEventInput(p, externalPayoutID))
	if err != nil {
		return Payout{}, false, eventlog.Event{}, err
	}
	now := e.clk.Now()
	p.Status = StatusCompleted
	p.UpdatedAt = now
	p.CompletedAt = &now
	e.byID[id] = p
	e.appendTrailLocked(id, TrailExternalCompleted, map[string]string{"external_payout_id": externalPayoutID}, now)
	e.appendTrailLocked(id, TrailCompleted, nil, now)
	if err := e.views.FinalizePayoutSummary(ctx, nil, p.ID, string(p.Status), externalPayoutID); err != nil {
		return Payout{}, false, eventlog.Event{}, err
	}
	return p, true, ev, nil
}

func completedEventInput(p Payout, externalPayoutID string) eventlog.AppendInput {
	return eventlog.AppendInput{
		EventID:       fmt.Sprintf("payout_completed_%s_%s", p.IdempotencyKey, uuid.New().String()),
		Type:          eventlog.TypePayoutCompleted,
		AggregateType: "Payout",
		AggregateID:   p.ID,
		Data: eventlog.PayoutCompleted{
			IdempotencyKey:   p.IdempotencyKey,
			ExternalPayoutID: externalPayoutID,
		},
	}
}

// Fail transitions a non-terminal payout to FAILED with the last error.
// Terminal payouts are left untouched.
func (e *Engine) Fail(ctx context.Context, id, msg string) (Payout, error) {
	var (
		p      Payout
		failed bool
		ev     eventlog.Event
		err    error
	)
	if e.db != nil {
		p, failed, ev, err = e.failDB(ctx, id, msg)
	} else {
		p, failed, ev, err = e.failMem(ctx, id, msg)
	}
	if err != nil {
		return Payout{}, err
	}
	if failed {
		e.metrics.ObserveTerminal(string(StatusFailed))
		e.events.Publish(ev)
		e.logger.Warn("payout failed",
			zap.String("payout_id", p.ID),
			zap.String("error_message", msg),
			zap.Int("retry_count", p.RetryCount),
		)
	}
	return p, nil
}

func (e *Engine) failMem(ctx context.Context, id, msg string) (Payout, bool, eventlog.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.byID[id]
	if !ok {
		return Payout{}, false, eventlog.Event{}, ErrNotFound
	}
	if p.Status.Terminal() {
		return p, false, eventlog.Event{}, nil
	}
	p.RetryCount++
	ev, err := e.events.Append(ctx, nil, failedEventInput(p, msg))
	if err != nil {
		return Payout{}, false, eventlog.Event{}, err
	}
	now := e.clk.Now()
	p.Status = StatusFailed
	p.ErrorMessage = msg
	p.UpdatedAt = now
	e.byID[id] = p
	e.appendTrailLocked(id, TrailFailed, map[string]string{"error_message": msg}, now)
	if err := e.views.FinalizePayoutSummary(ctx, nil, p.ID, string(p.Status), p.ExternalPayoutID); err != nil {
		return Payout{}, false, eventlog.Event{}, err
	}
	return p, true, ev, nil
}

func failedEventInput(p Payout, msg string) eventlog.AppendInput {
	return eventlog.AppendInput{
		EventID:       fmt.Sprintf("payout_failed_%s_%s", p.IdempotencyKey, uuid.New().String()),
		Type:          eventlog.TypePayoutFailed,
		AggregateType: "Payout",
		AggregateID:   p.ID,
		Data: eventlog.PayoutFailed{
			IdempotencyKey: p.IdempotencyKey,
			ErrorMessage:   msg,
			RetryCount:     p.RetryCount,
		},
	}
}

// Cancel withdraws a PENDING payout before any money moved. Once a ledger
// transaction is attached or processing began, cancellation is refused.
func (e *Engine) Cancel(ctx context.Context, id string) (Payout, error) {
	var (
		p         Payout
		cancelled bool
		ev        eventlog.Event
		err       error
	)
	if e.db != nil {
		p, cancelled, ev, err = e.cancelDB(ctx, id)
	} else {
		p, cancelled, ev, err = e.cancelMem(ctx, id)
	}
	if err != nil {
		return Payout{}, err
	}
	if cancelled {
		e.metrics.ObserveTerminal(string(StatusCancelled))
		e.events.Publish(ev)
		e.logger.Info("payout cancelled", zap.String("payout_id", p.ID))
	}
	return p, nil
}

func (e *Engine) cancelMem(ctx context.Context, id string) (Payout, bool, eventlog.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.byID[id]
	if !ok {
		return Payout{}, false, eventlog.Event{}, ErrNotFound
	}
	if p.Status == StatusCancelled {
		return p, false, eventlog.Event{}, nil
	}
	if p.Status != StatusPending || p.LedgerTransactionID != "" {
		return Payout{}, false, eventlog.Event{}, ErrNotCancellable
	}
	ev, err := e.events.Append(ctx, nil, cancelledEventInput(p))
	if err != nil {
		return Payout{}, false, eventlog.Event{}, err
	}
	now := e.clk.Now()
	p.Status = StatusCancelled
	p.UpdatedAt = now
	e.byID[id] = p
	e.appendTrailLocked(id, TrailCancelled, nil, now)
	if err := e.views.FinalizePayoutSummary(ctx, nil, p.ID, string(p.Status), ""); err != nil {
		return Payout{}, false, eventlog.Event{}, err
	}
	return p, true, ev, nil
}

func cancelledEventInput(p Payout) eventlog.AppendInput {
	return eventlog.AppendInput{
		EventID:       fmt.Sprintf("payout_cancelled_%s_%s", p.IdempotencyKey, uuid.New().String()),
		Type:          eventlog.TypePayoutCancelled,
		AggregateType: "Payout",
		AggregateID:   p.ID,
		Data: eventlog.PayoutCancelled{
			IdempotencyKey: p.IdempotencyKey,
		},
	}
}

// RecordRetry appends a RETRY trail row before a job is re-enqueued. It
// does not change status; the attempt counter on the payout moves only
// when the payout finally fails.
func (e *Engine) RecordRetry(ctx context.Context, id, jobType string, attempt int, errMsg string) error {
	data := map[string]string{
		"job_type": jobType,
		"attempt":  fmt.Sprintf("%d", attempt),
	}
	if errMsg != "" {
		data["error_message"] = errMsg
	}
	if e.db != nil {
		return e.recordRetryDB(ctx, id, data)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.byID[id]; !ok {
		return ErrNotFound
	}
	e.appendTrailLocked(id, TrailRetry, data, e.clk.Now())
	return nil
}

// appendTrailLocked requires e.mu held.
func (e *Engine) appendTrailLocked(payoutID string, typ TrailEventType, data map[string]string, now time.Time) {
	e.trail[payoutID] = append(e.trail[payoutID], TrailEvent{
		ID:        uuid.New().String(),
		PayoutID:  payoutID,
		Type:      typ,
		Data:      data,
		CreatedAt: now,
	})
}
