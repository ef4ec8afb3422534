package payout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-ledger-go/internal/eventlog"
)

const payoutColumns = `
id, idempotency_key, amount, currency, recipient_account, recipient_name,
description, status, COALESCE(ledger_transaction_id, ''), COALESCE(external_payout_id, ''),
COALESCE(error_message, ''), retry_count, metadata, created_at, updated_at, completed_at
`

func scanPayout(row interface{ Scan(...any) error }) (Payout, error) {
	var (
		p         Payout
		amt       string
		metaJSON  []byte
		completed sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.IdempotencyKey, &amt, &p.Currency, &p.RecipientAccount, &p.RecipientName,
		&p.Description, &p.Status, &p.LedgerTransactionID, &p.ExternalPayoutID,
		&p.ErrorMessage, &p.RetryCount, &metaJSON, &p.CreatedAt, &p.UpdatedAt, &completed,
	)
	if err != nil {
		return Payout{}, err
	}
	if p.Amount, err = decimal.NewFromString(amt); err != nil {
		return Payout{}, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &p.Metadata); err != nil {
			return Payout{}, err
		}
	}
	if completed.Valid {
		t := completed.Time
		p.CompletedAt = &t
	}
	return p, nil
}

// lockPayout takes the row lock that serializes all state transitions for
// one payout.
func lockPayout(ctx context.Context, tx *sql.Tx, column, value string) (Payout, error) {
	q := fmt.Sprintf(`SELECT %s FROM payouts WHERE %s = $1 FOR UPDATE`, payoutColumns, column)
	p, err := scanPayout(tx.QueryRowContext(ctx, q, value))
	if errors.Is(err, sql.ErrNoRows) {
		return Payout{}, ErrNotFound
	}
	return p, err
}

func (e *Engine) insertTrail(ctx context.Context, tx *sql.Tx, payoutID string, typ TrailEventType, data map[string]string, now time.Time) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if data == nil {
		dataJSON = []byte(`{}`)
	}
	const q = `
INSERT INTO payout_events (id, payout_id, event_type, event_data, created_at)
VALUES ($1, $2, $3, $4::jsonb, $5)
`
	_, err = tx.ExecContext(ctx, q, uuid.New().String(), payoutID, string(typ), string(dataJSON), now)
	return err
}

func (e *Engine) admitDB(ctx context.Context, in AdmitInput) (Payout, bool, eventlog.Event, error) {
	var (
		p       Payout
		created bool
		ev      eventlog.Event
	)
	err := e.db.WithTx(ctx, nil, func(tx *sql.Tx) error {
		existing, err := lockPayout(ctx, tx, "idempotency_key", in.IdempotencyKey)
		if err == nil {
			p = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := e.clk.Now()
		p = Payout{
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
		metaJSON, err := json.Marshal(in.Metadata)
		if err != nil {
			return err
		}
		if in.Metadata == nil {
			metaJSON = []byte(`{}`)
		}
		const ins = `
INSERT INTO payouts (
  id, idempotency_key, amount, currency, recipient_account, recipient_name,
  description, status, retry_count, metadata, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9::jsonb,$10,$11)
ON CONFLICT (idempotency_key) DO NOTHING
`
		res, err := tx.ExecContext(ctx, ins,
			p.ID, p.IdempotencyKey, p.Amount.StringFixed(2), p.Currency, p.RecipientAccount,
			p.RecipientName, p.Description, string(p.Status), string(metaJSON), now, now,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the insert race; the winner has committed by the time the
			// conflict resolved, so the re-read sees its row.
			p, err = lockPayout(ctx, tx, "idempotency_key", in.IdempotencyKey)
			return err
		}
		created = true
		if err := e.insertTrail(ctx, tx, p.ID, TrailCreated, map[string]string{
			"idempotency_key": p.IdempotencyKey,
			"amount":          p.Amount.StringFixed(2),
		}, now); err != nil {
			return err
		}
		if ev, err = e.events.Append(ctx, tx, admitEventInput(p)); err != nil {
			return err
		}
		return e.views.UpsertPayoutSummary(ctx, tx, p.ID, p.IdempotencyKey, p.Amount, string(p.Status), p.RecipientAccount, now)
	})
	if err != nil {
		return Payout{}, false, eventlog.Event{}, err
	}
	return p, created, ev, nil
}

func (e *Engine) getDB(ctx context.Context, column, value string) (Payout, error) {
	q := fmt.Sprintf(`SELECT %s FROM payouts WHERE %s = $1`, payoutColumns, column)
	p, err := scanPayout(e.db.SQL().QueryRowContext(ctx, q, value))
	if errors.Is(err, sql.ErrNoRows) {
		return Payout{}, ErrNotFound
	}
	return p, err
}

func (e *Engine) trailDB(ctx context.Context, payoutID string) ([]TrailEvent, error) {
	if _, err := e.getDB(ctx, "id", payoutID); err != nil {
		return nil, err
	}
	const q = `
SELECT id, payout_id, event_type, event_data, created_at
FROM payout_events
WHERE payout_id = $1
ORDER BY created_at ASC, id ASC
`
	rows, err := e.db.SQL().QueryContext(ctx, q, payoutID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]TrailEvent, 0)
	for rows.Next() {
		var (
			t        TrailEvent
			dataJSON []byte
		)
		if err := rows.Scan(&t.ID, &t.PayoutID, &t.Type, &dataJSON, &t.CreatedAt); err != nil {
			return nil, err
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &t.Data); err != nil {
				return nil, err
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (e *Engine) startProcessingDB(ctx context.Context, id string) (Payout, bool, eventlog.Event, error) {
	var (
		p       Payout
		started bool
		ev      eventlog.Event
	)
	err := e.db.WithTx(ctx, nil, func(tx *sql.Tx) error {
		var err error
		if p, err = lockPayout(ctx, tx, "id", id); err != nil {
			return err
		}
		if p.Status != StatusPending {
			return nil
		}
		if ev, err = e.events.Append(ctx, tx, processingEventInput(p)); err != nil {
			return err
		}
		now := e.clk.Now()
		if _, err = tx.ExecContext(ctx,
			`UPDATE payouts SET status = $2, updated_at = $3 WHERE id = $1`,
			id, string(StatusProcessing), now,
		); err != nil {
			return err
		}
		if err = e.insertTrail(ctx, tx, id, TrailProcessingStarted, nil, now); err != nil {
			return err
		}
		p.Status = StatusProcessing
		p.UpdatedAt = now
		started = true
		return e.views.UpsertPayoutSummary(ctx, tx, p.ID, p.IdempotencyKey, p.Amount, string(p.Status), p.RecipientAccount, p.CreatedAt)
	})
	if err != nil {
		return Payout{}, false, eventlog.Event{}, err
	}
	return p, started, ev, nil
}

func (e *Engine) attachLedgerDB(ctx context.Context, id, txnID string) (Payout, error) {
	var p Payout
	err := e.db.WithTx(ctx, nil, func(tx *sql.Tx) error {
		var err error
		if p, err = lockPayout(ctx, tx, "id", id); err != nil {
			return err
		}
		if p.LedgerTransactionID == txnID {
			return nil
		}
		if p.LedgerTransactionID != "" {
			return fmt.Errorf("payout %s already attached to %s", id, p.LedgerTransactionID)
		}
		now := e.clk.Now()
		if _, err = tx.ExecContext(ctx,
			`UPDATE payouts SET ledger_transaction_id = $2, updated_at = $3 WHERE id = $1`,
			id, txnID, now,
		); err != nil {
			return err
		}
		p.LedgerTransactionID = txnID
		p.UpdatedAt = now
		return e.insertTrail(ctx, tx, id, TrailLedgerEntry, map[string]string{"transaction_id": txnID}, now)
	})
	if err != nil {
		return Payout{}, err
	}
	return p, nil
}

func (e *Engine) attachExternalDB(ctx context.Context, id, externalPayoutID string) (Payout, error) {
	var p Payout
	err := e.db.WithTx(ctx, nil, func(tx *sql.Tx) error {
		var err error
		if p, err = lockPayout(ctx, tx, "id", id); err != nil {
			return err
		}
		if p.ExternalPayoutID == externalPayoutID {
			return nil
		}
		if p.ExternalPayoutID != "" {
			return ErrExternalMismatch
		}
		if p.Status != StatusProcessing {
			return fmt.Errorf("%w: external attach requires PROCESSING, got %s", ErrWrongState, p.Status)
		}
		now := e.clk.Now()
		if _, err = tx.ExecContext(ctx,
			`UPDATE payouts SET external_payout_id = $2, updated_at = $3 WHERE id = $1`,
			id, externalPayoutID, now,
		); err != nil {
			return err
		}
		p.ExternalPayoutID = externalPayoutID
		p.UpdatedAt = now
		return e.insertTrail(ctx, tx, id, TrailExternalInitiated, map[string]string{"external_payout_id": externalPayoutID}, now)
	})
	if err != nil {
		return Payout{}, err
	}
	return p, nil
}

func (e *Engine) completeDB(ctx context.Context, id, externalPayoutID string) (Payout, bool, eventlog.Event, error) {
	var (
		p         Payout
		completed bool
		ev        eventlog.Event
	)
	err := e.db.WithTx(ctx, nil, func(tx *sql.Tx) error {
		var err error
		if p, err = lockPayout(ctx, tx, "id", id); err != nil {
			return err
		}
		if p.Status == StatusCompleted {
			return nil
		}
		if p.Status != StatusProcessing {
			return fmt.Errorf("%w: completion requires PROCESSING, got %s", ErrWrongState, p.Status)
		}
		if p.ExternalPayoutID == "" || p.ExternalPayoutID != externalPayoutID {
			return ErrExternalMismatch
		}
		if ev, err = e.events.Append(ctx, tx, completedEventInput(p, externalPayoutID)); err != nil {
			return err
		}
		now := e.clk.Now()
		if _, err = tx.ExecContext(ctx,
			`UPDATE payouts SET status = $2, completed_at = $3, updated_at = $3 WHERE id = $1`,
			id, string(StatusCompleted), now,
		); err != nil {
			return err
		}
		if err = e.insertTrail(ctx, tx, id, TrailExternalCompleted, map[string]string{"external_payout_id": externalPayoutID}, now); err != nil {
			return err
		}
		if err = e.insertTrail(ctx, tx, id, TrailCompleted, nil, now); err != nil {
			return err
		}
		p.Status = StatusCompleted
		p.UpdatedAt = now
		p.CompletedAt = &now
		completed = true
		return e.views.FinalizePayoutSummary(ctx, tx, p.ID, string(p.Status), externalPayoutID)
	})
	if err != nil {
		return Payout{}, false, eventlog.Event{}, err
	}
	return p, completed, ev, nil
}

func (e *Engine) failDB(ctx context.Context, id, msg string) (Payout, bool, eventlog.Event, error) {
	var (
		p      Payout
		failed bool
		ev     eventlog.Event
	)
	err := e.db.WithTx(ctx, nil, func(tx *sql.Tx) error {
		var err error
		if p, err = lockPayout(ctx, tx, "id", id); err != nil {
			return err
		}
		if p.Status.Terminal() {
			return nil
		}
		p.RetryCount++
		if ev, err = e.events.Append(ctx, tx, failedEventInput(p, msg)); err != nil {
			return err
		}
		now := e.clk.Now()
		if _, err = tx.ExecContext(ctx,
			`UPDATE payouts SET status = $2, error_message = $3, retry_count = $4, updated_at = $5 WHERE id = $1`,
			id, string(StatusFailed), msg, p.RetryCount, now,
		); err != nil {
			return err
		}
		if err = e.insertTrail(ctx, tx, id, TrailFailed, map[string]string{"error_message": msg}, now); err != nil {
			return err
		}
		p.Status = StatusFailed
		p.ErrorMessage = msg
		p.UpdatedAt = now
		failed = true
		return e.views.FinalizePayoutSummary(ctx, tx, p.ID, string(p.Status), p.ExternalPayoutID)
	})
	if err != nil {
		return Payout{}, false, eventlog.Event{}, err
	}
	return p, failed, ev, nil
}

func (e *Engine) cancelDB(ctx context.Context, id string) (Payout, bool, eventlog.Event, error) {
	var (
		p         Payout
		cancelled bool
		ev        eventlog.Event
	)
	err := e.db.WithTx(ctx, nil, func(tx *sql.Tx) error {
		var err error
		if p, err = lockPayout(ctx, tx, "id", id); err != nil {
			return err
		}
		if p.Status == StatusCancelled {
			return nil
		}
		if p.Status != StatusPending || p.LedgerTransactionID != "" {
			return ErrNotCancellable
		}
		if ev, err = e.events.Append(ctx, tx, cancelledEventInput(p)); err != nil {
			return err
		}
		now := e.clk.Now()
		if _, err = tx.ExecContext(ctx,
			`UPDATE payouts SET status = $2, updated_at = $3 WHERE id = $1`,
			id, string(StatusCancelled), now,
		); err != nil {
			return err
		}
		if err = e.insertTrail(ctx, tx, id, TrailCancelled, nil, now); err != nil {
			return err
		}
		p.Status = StatusCancelled
		p.UpdatedAt = now
		cancelled = true
		return e.views.FinalizePayoutSummary(ctx, tx, p.ID, string(p.Status), "")
	})
	if err != nil {
		return Payout{}, false, eventlog.Event{}, err
	}
	return p, cancelled, ev, nil
}

func (e *Engine) recordRetryDB(ctx context.Context, id string, data map[string]string) error {
	return e.db.WithTx(ctx, nil, func(tx *sql.Tx) error {
		if _, err := lockPayout(ctx, tx, "id", id); err != nil {
			return err
		}
		return e.insertTrail(ctx, tx, id, TrailRetry, data, e.clk.Now())
	})
}
