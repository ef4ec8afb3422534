package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-ledger-go/internal/eventlog"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/store"
)

func (s *Service) createAccountDB(ctx context.Context, code, name string, typ AccountType) (Account, bool, error) {
	id := uuid.New().String()
	const ins = `
INSERT INTO ledger_accounts (id, account_code, name, account_type, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (account_code) DO NOTHING
`
	res, err := s.db.SQL().ExecContext(ctx, ins, id, code, name, string(typ), s.clk.Now())
	if err != nil {
		return Account{}, false, err
	}
	n, _ := res.RowsAffected()
	acct, err := s.getAccountDB(ctx, "account_code", code)
	if err != nil {
		return Account{}, false, err
	}
	return acct, n > 0, nil
}

func (s *Service) getAccountDB(ctx context.Context, column, value string) (Account, error) {
	q := fmt.Sprintf(`
SELECT id, account_code, name, account_type, created_at
FROM ledger_accounts
WHERE %s = $1
`, column)
	var a Account
	err := s.db.SQL().QueryRowContext(ctx, q, value).Scan(&a.ID, &a.Code, &a.Name, &a.Type, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrUnknownAccount
	}
	if err != nil {
		return Account{}, err
	}
	return a, nil
}

func (s *Service) postDB(ctx context.Context, transactionID, description string, entries []EntryInput, metadata map[string]string) (Transaction, eventlog.Event, error) {
	var (
		txn Transaction
		ev  eventlog.Event
	)
	err := s.db.WithTx(ctx, nil, func(tx *sql.Tx) error {
		accts := make([]Account, len(entries))
		for i, e := range entries {
			var a Account
			err := tx.QueryRowContext(ctx, `
SELECT id, account_code, name, account_type, created_at
FROM ledger_accounts
WHERE id = $1
`, e.AccountID).Scan(&a.ID, &a.Code, &a.Name, &a.Type, &a.CreatedAt)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrUnknownAccount
			}
			if err != nil {
				return err
			}
			accts[i] = a
		}

		now := s.clk.Now()
		txn = Transaction{
			ID:            uuid.New().String(),
			TransactionID: transactionID,
			Description:   description,
			Status:        TransactionCompleted,
			Metadata:      metadata,
			CreatedAt:     now,
		}
		metaJSON, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		if metadata == nil {
			metaJSON = []byte(`{}`)
		}
		const insTxn = `
INSERT INTO ledger_transactions (id, transaction_id, description, status, metadata, created_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6)
`
		if _, err := tx.ExecContext(ctx, insTxn,
			txn.ID, txn.TransactionID, txn.Description, string(txn.Status), string(metaJSON), now,
		); err != nil {
			if store.IsUniqueViolation(err) {
				return ErrDuplicateTransaction
			}
			return err
		}

		rows := make([]Entry, len(entries))
		const insEntry = `
INSERT INTO ledger_entries (id, transaction_id, account_id, amount, entry_type, description, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
		for i, e := range entries {
			rows[i] = Entry{
				ID:            uuid.New().String(),
				TransactionID: transactionID,
				AccountID:     e.AccountID,
				Amount:        e.Amount,
				Type:          e.Type,
				Description:   e.Description,
				CreatedAt:     now,
			}
			if _, err := tx.ExecContext(ctx, insEntry,
				rows[i].ID, transactionID, e.AccountID, e.Amount.StringFixed(2), string(e.Type), e.Description, now,
			); err != nil {
				return err
			}
		}

		// Re-read the committed-to-be rows and re-verify zero sum inside the
		// same transaction before anything becomes visible.
		var total decimal.Decimal
		var totalStr string
		if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(SUM(amount), 0)
FROM ledger_entries
WHERE transaction_id = $1
`, transactionID).Scan(&totalStr); err != nil {
			return err
		}
		total, err = decimal.NewFromString(totalStr)
		if err != nil {
			return err
		}
		if !total.IsZero() {
			return fmt.Errorf("%w: post-insert verification total %s", ErrUnbalanced, totalStr)
		}

		ev, err = s.events.Append(ctx, tx, appendInputFor(txn, rows, metadata))
		if err != nil {
			return err
		}

		for i, r := range rows {
			if err := s.applier.ApplyEntry(ctx, tx, accts[i], r, ev.Sequence); err != nil {
				return err
			}
		}
		return s.applier.UpsertTransactionSummary(ctx, tx, transactionID, totalDebits(rows), len(rows), string(txn.Status), now)
	})
	if err != nil {
		return Transaction{}, eventlog.Event{}, err
	}
	return txn, ev, nil
}

func (s *Service) getTransactionDB(ctx context.Context, transactionID string) (Transaction, error) {
	const q = `
SELECT id, transaction_id, description, status, metadata, created_at
FROM ledger_transactions
WHERE transaction_id = $1
`
	var (
		t        Transaction
		metaJSON []byte
	)
	err := s.db.SQL().QueryRowContext(ctx, q, transactionID).Scan(
		&t.ID, &t.TransactionID, &t.Description, &t.Status, &metaJSON, &t.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &t.Metadata); err != nil {
			return Transaction{}, err
		}
	}
	return t, nil
}

func (s *Service) entriesDB(ctx context.Context, column, value string) ([]Entry, error) {
	q := fmt.Sprintf(`
SELECT id, transaction_id, account_id, amount, entry_type, description, created_at
FROM ledger_entries
WHERE %s = $1
ORDER BY created_at ASC, id ASC
`, column)
	rows, err := s.db.SQL().QueryContext(ctx, q, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var (
			e   Entry
			amt string
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &amt, &e.Type, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if column == "transaction_id" && len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}
