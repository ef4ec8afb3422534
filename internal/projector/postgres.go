package projector

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger"
)

func (s *Service) applyEntryDB(ctx context.Context, tx *sql.Tx, acct ledger.Account, delta decimal.Decimal, seq int64) error {
	const q = `
INSERT INTO account_balances (account_id, account_code, account_type, balance, entry_count, last_event_sequence, last_updated_at)
VALUES ($1, $2, $3, $4, 1, $5, $6)
ON CONFLICT (account_id) DO UPDATE SET
  balance             = account_balances.balance + EXCLUDED.balance,
  entry_count         = account_balances.entry_count + 1,
  last_event_sequence = GREATEST(account_balances.last_event_sequence, EXCLUDED.last_event_sequence),
  last_updated_at     = EXCLUDED.last_updated_at
`
	_, err := tx.ExecContext(ctx, q,
		acct.ID, acct.Code, string(acct.Type), delta.StringFixed(2), seq, s.clk.Now(),
	)
	return err
}

func (s *Service) balanceDB(ctx context.Context, acct ledger.Account) (AccountBalance, error) {
	const q = `
SELECT account_id, account_code, account_type, balance, entry_count, last_event_sequence, last_updated_at
FROM account_balances
WHERE account_id = $1
`
	var (
		b   AccountBalance
		bal string
	)
	err := s.db.SQL().QueryRowContext(ctx, q, acct.ID).Scan(
		&b.AccountID, &b.AccountCode, &b.AccountType, &bal, &b.EntryCount, &b.LastSequence, &b.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return AccountBalance{
			AccountID:   acct.ID,
			AccountCode: acct.Code,
			AccountType: acct.Type,
			Balance:     decimal.Zero,
		}, nil
	}
	if err != nil {
		return AccountBalance{}, err
	}
	if b.Balance, err = decimal.NewFromString(bal); err != nil {
		return AccountBalance{}, err
	}
	return b, nil
}

func (s *Service) rebuildDB(ctx context.Context, b AccountBalance) error {
	const q = `
INSERT INTO account_balances (account_id, account_code, account_type, balance, entry_count, last_event_sequence, last_updated_at)
VALUES ($1, $2, $3, $4, $5, 0, $6)
ON CONFLICT (account_id) DO UPDATE SET
  balance         = EXCLUDED.balance,
  entry_count     = EXCLUDED.entry_count,
  last_updated_at = EXCLUDED.last_updated_at
`
	_, err := s.db.SQL().ExecContext(ctx, q,
		b.AccountID, b.AccountCode, string(b.AccountType), b.Balance.StringFixed(2), b.EntryCount, b.UpdatedAt,
	)
	return err
}

func execer(tx *sql.Tx, s *Service) interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
} {
	if tx != nil {
		return tx
	}
	return s.db.SQL()
}

func (s *Service) upsertPayoutDB(ctx context.Context, tx *sql.Tx, payoutID, idempotencyKey string, amount decimal.Decimal, status, recipient string, createdAt time.Time) error {
	const q = `
INSERT INTO payout_summaries (payout_id, idempotency_key, amount, status, recipient_account, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (payout_id) DO UPDATE SET
  status     = EXCLUDED.status,
  updated_at = EXCLUDED.updated_at
`
	_, err := execer(tx, s).ExecContext(ctx, q,
		payoutID, idempotencyKey, amount.StringFixed(2), status, recipient, createdAt, s.clk.Now(),
	)
	return err
}

func (s *Service) finalizePayoutDB(ctx context.Context, tx *sql.Tx, payoutID, status, externalPayoutID string) error {
	const q = `
UPDATE payout_summaries
SET status             = $2,
    external_payout_id = COALESCE(NULLIF($3, ''), external_payout_id),
    updated_at         = $4
WHERE payout_id = $1
`
	_, err := execer(tx, s).ExecContext(ctx, q, payoutID, status, externalPayoutID, s.clk.Now())
	return err
}

func (s *Service) getPayoutDB(ctx context.Context, payoutID string) (PayoutSummary, bool, error) {
	const q = `
SELECT payout_id, idempotency_key, amount, status, recipient_account,
       COALESCE(external_payout_id, ''), created_at, updated_at
FROM payout_summaries
WHERE payout_id = $1
`
	var (
		row PayoutSummary
		amt string
	)
	err := s.db.SQL().QueryRowContext(ctx, q, payoutID).Scan(
		&row.PayoutID, &row.IdempotencyKey, &amt, &row.Status, &row.RecipientAccount,
		&row.ExternalPayoutID, &row.CreatedAt, &row.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return PayoutSummary{}, false, nil
	}
	if err != nil {
		return PayoutSummary{}, false, err
	}
	if row.Amount, err = decimal.NewFromString(amt); err != nil {
		return PayoutSummary{}, false, err
	}
	return row, true, nil
}

func (s *Service) upsertTransactionDB(ctx context.Context, tx *sql.Tx, transactionID string, total decimal.Decimal, entryCount int, status string, createdAt time.Time) error {
	const q = `
INSERT INTO ledger_transaction_summaries (transaction_id, total_amount, entry_count, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (transaction_id) DO UPDATE SET
  total_amount = EXCLUDED.total_amount,
  entry_count  = EXCLUDED.entry_count,
  status       = EXCLUDED.status,
  updated_at   = EXCLUDED.updated_at
`
	_, err := execer(tx, s).ExecContext(ctx, q,
		transactionID, total.StringFixed(2), entryCount, status, createdAt, s.clk.Now(),
	)
	return err
}

func (s *Service) getTransactionDB(ctx context.Context, transactionID string) (TransactionSummary, bool, error) {
	const q = `
SELECT transaction_id, total_amount, entry_count, status, created_at, updated_at
FROM ledger_transaction_summaries
WHERE transaction_id = $1
`
	var (
		row TransactionSummary
		amt string
	)
	err := s.db.SQL().QueryRowContext(ctx, q, transactionID).Scan(
		&row.TransactionID, &amt, &row.EntryCount, &row.Status, &row.CreatedAt, &row.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return TransactionSummary{}, false, nil
	}
	if err != nil {
		return TransactionSummary{}, false, err
	}
	if row.TotalAmount, err = decimal.NewFromString(amt); err != nil {
		return TransactionSummary{}, false, err
	}
	return row, true, nil
}
