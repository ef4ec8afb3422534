// Package ledger implements the double-entry ledger: accounts,
// transactions, and immutable entries under the zero-sum invariant.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type AccountType string

const (
	AccountAsset     AccountType = "ASSET"
	AccountLiability AccountType = "LIABILITY"
	AccountEquity    AccountType = "EQUITY"
	AccountRevenue   AccountType = "REVENUE"
	AccountExpense   AccountType = "EXPENSE"
)

type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "PENDING"
	TransactionCompleted TransactionStatus = "COMPLETED"
	TransactionFailed    TransactionStatus = "FAILED"
)

var (
	ErrEmptyAccountCode     = errors.New("account_code must not be empty")
	ErrEmptyTransactionID   = errors.New("transaction_id must not be empty")
	ErrEntryCount           = errors.New("double-entry ledger requires exactly 2 entries per transaction")
	ErrUnbalanced           = errors.New("transaction entries must balance to zero")
	ErrSignConvention       = errors.New("entry amount sign does not match entry type")
	ErrUnknownAccount       = errors.New("account does not exist")
	ErrDuplicateTransaction = errors.New("transaction_id already exists")
	ErrNotFound             = errors.New("not found")
)

type Account struct {
	ID        string
	Code      string
	Name      string
	Type      AccountType
	CreatedAt time.Time
}

// Transaction is immutable once COMPLETED. It owns exactly two entries.
type Transaction struct {
	ID            string
	TransactionID string
	Description   string
	Status        TransactionStatus
	Metadata      map[string]string
	CreatedAt     time.Time
}

// Entry is append-only: the repository exposes no update or delete for it,
// and the schema backs that with a trigger.
type Entry struct {
	ID            string
	TransactionID string
	AccountID     string
	Amount        decimal.Decimal
	Type          EntryType
	Description   string
	CreatedAt     time.Time
}

type EntryInput struct {
	AccountID   string
	Amount      decimal.Decimal
	Type        EntryType
	Description string
}

// BalanceApplier is the projector's in-transaction surface: incremental
// balance application and transaction summary upkeep, both of which must
// commit atomically with the posting that caused them.
type BalanceApplier interface {
	ApplyEntry(ctx context.Context, tx *sql.Tx, acct Account, e Entry, seq int64) error
	UpsertTransactionSummary(ctx context.Context, tx *sql.Tx, transactionID string, total decimal.Decimal, entryCount int, status string, createdAt time.Time) error
}
