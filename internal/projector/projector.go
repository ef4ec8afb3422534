// Package projector maintains the read models: per-account balances and
// the payout / transaction summaries. Everything here is derived data.
// Incremental updates ride inside the transaction that changes the source
// aggregate; RebuildForAccount recomputes a balance from the entries alone.
package projector

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-ledger-go/internal/ledger"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/money"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/store"
)

// EntrySource is the rebuild feed: all entries touching an account, in
// created_at order. The ledger service implements it.
type EntrySource interface {
	AccountEntries(ctx context.Context, accountID string) ([]ledger.Entry, error)
}

type AccountBalance struct {
	AccountID    string
	AccountCode  string
	AccountType  ledger.AccountType
	Balance      decimal.Decimal
	EntryCount   int64
	LastSequence int64
	UpdatedAt    time.Time
}

type PayoutSummary struct {
	PayoutID         string
	IdempotencyKey   string
	Amount           decimal.Decimal
	Status           string
	RecipientAccount string
	ExternalPayoutID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type TransactionSummary struct {
	TransactionID string
	TotalAmount   decimal.Decimal
	EntryCount    int
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Contribution maps one entry onto the signed balance delta for its
// account. Asset and expense accounts grow on the debit side, the rest on
// the credit side; the fold runs over magnitudes so the stored sign
// convention on credit amounts never double-negates.
func Contribution(accountType ledger.AccountType, entryType ledger.EntryType, amount decimal.Decimal) decimal.Decimal {
	mag := amount.Abs()
	debitPositive := accountType == ledger.AccountAsset || accountType == ledger.AccountExpense
	if (entryType == ledger.EntryDebit) == debitPositive {
		return mag
	}
	return mag.Neg()
}

// Service is thread-safe. As elsewhere, a nil *store.DB means the in-memory
// maps are authoritative.
type Service struct {
	clk    clock.Clock
	logger *zap.Logger
	db     *store.DB
	source EntrySource

	mu       sync.Mutex
	balances map[string]AccountBalance
	payouts  map[string]PayoutSummary
	txns     map[string]TransactionSummary
}

func NewService(clk clock.Clock, logger *zap.Logger, db *store.DB) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		clk:      clk,
		logger:   logger,
		db:       db,
		balances: make(map[string]AccountBalance),
		payouts:  make(map[string]PayoutSummary),
		txns:     make(map[string]TransactionSummary),
	}
}

// SetEntrySource breaks the construction cycle with the ledger service,
// which itself needs the projector as its balance applier.
func (s *Service) SetEntrySource(src EntrySource) {
	s.source = src
}

// ApplyEntry folds one freshly inserted entry into the account's balance
// row. In database mode it runs on the caller's open transaction so the
// balance commits or rolls back with the entry that caused it.
func (s *Service) ApplyEntry(ctx context.Context, tx *sql.Tx, acct ledger.Account, e ledger.Entry, seq int64) error {
	delta := Contribution(acct.Type, e.Type, e.Amount)
	if s.db != nil {
		return s.applyEntryDB(ctx, tx, acct, delta, seq)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[acct.ID]
	if !ok {
		b = AccountBalance{
			AccountID:   acct.ID,
			AccountCode: acct.Code,
			AccountType: acct.Type,
			Balance:     decimal.Zero,
		}
	}
	b.Balance = money.RoundAggregate(b.Balance.Add(delta))
	b.EntryCount++
	if seq > b.LastSequence {
		b.LastSequence = seq
	}
	b.UpdatedAt = s.clk.Now()
	s.balances[acct.ID] = b
	return nil
}

// Balance reads the current balance row for an account. A row that was
// never written reads as zero rather than as an error; an account with no
// entries has a zero balance either way.
func (s *Service) Balance(ctx context.Context, acct ledger.Account) (AccountBalance, error) {
	if s.db != nil {
		return s.balanceDB(ctx, acct)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.balances[acct.ID]; ok {
		return b, nil
	}
	return AccountBalance{
		AccountID:   acct.ID,
		AccountCode: acct.Code,
		AccountType: acct.Type,
		Balance:     decimal.Zero,
	}, nil
}

// ResetBalance drops the balance row so a rebuild starts from nothing.
func (s *Service) ResetBalance(ctx context.Context, accountID string) error {
	if s.db != nil {
		_, err := s.db.SQL().ExecContext(ctx, `DELETE FROM account_balances WHERE account_id = $1`, accountID)
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.balances, accountID)
	return nil
}

// RebuildForAccount recomputes the balance purely from the account's
// entries and overwrites the stored row. Running it twice yields the same
// row as running it once; the fold depends only on the entries.
func (s *Service) RebuildForAccount(ctx context.Context, acct ledger.Account) (AccountBalance, error) {
	entries, err := s.source.AccountEntries(ctx, acct.ID)
	if err != nil {
		return AccountBalance{}, err
	}
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(Contribution(acct.Type, e.Type, e.Amount))
	}
	b := AccountBalance{
		AccountID:   acct.ID,
		AccountCode: acct.Code,
		AccountType: acct.Type,
		Balance:     money.RoundAggregate(total),
		EntryCount:  int64(len(entries)),
		UpdatedAt:   s.clk.Now(),
	}
	if s.db != nil {
		if err := s.rebuildDB(ctx, b); err != nil {
			return AccountBalance{}, err
		}
		s.logger.Info("account balance rebuilt",
			zap.String("account_code", acct.Code),
			zap.String("balance", money.Format(b.Balance)),
			zap.Int64("entries", b.EntryCount),
		)
		return s.balanceDB(ctx, acct)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// The sequence watermark is not derivable from entries; keep whatever
	// the incremental path last recorded.
	if prev, ok := s.balances[acct.ID]; ok {
		b.LastSequence = prev.LastSequence
	}
	s.balances[acct.ID] = b
	return b, nil
}

// UpsertPayoutSummary writes or refreshes a payout's projection row. It
// takes plain fields so the payout package stays the only owner of its
// aggregate types.
func (s *Service) UpsertPayoutSummary(ctx context.Context, tx *sql.Tx, payoutID, idempotencyKey string, amount decimal.Decimal, status, recipient string, createdAt time.Time) error {
	if s.db != nil {
		return s.upsertPayoutDB(ctx, tx, payoutID, idempotencyKey, amount, status, recipient, createdAt)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.payouts[payoutID]
	if !ok {
		row = PayoutSummary{
			PayoutID:         payoutID,
			IdempotencyKey:   idempotencyKey,
			Amount:           amount,
			RecipientAccount: recipient,
			CreatedAt:        createdAt,
		}
	}
	row.Status = status
	row.UpdatedAt = s.clk.Now()
	s.payouts[payoutID] = row
	return nil
}

// FinalizePayoutSummary stamps the terminal status and, when known, the
// provider's reference onto the projection row.
func (s *Service) FinalizePayoutSummary(ctx context.Context, tx *sql.Tx, payoutID, status, externalPayoutID string) error {
	if s.db != nil {
		return s.finalizePayoutDB(ctx, tx, payoutID, status, externalPayoutID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.payouts[payoutID]
	if !ok {
		return nil
	}
	row.Status = status
	if externalPayoutID != "" {
		row.ExternalPayoutID = externalPayoutID
	}
	row.UpdatedAt = s.clk.Now()
	s.payouts[payoutID] = row
	return nil
}

func (s *Service) GetPayoutSummary(ctx context.Context, payoutID string) (PayoutSummary, bool, error) {
	if s.db != nil {
		return s.getPayoutDB(ctx, payoutID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.payouts[payoutID]
	return row, ok, nil
}

// UpsertTransactionSummary satisfies ledger.BalanceApplier's second half.
func (s *Service) UpsertTransactionSummary(ctx context.Context, tx *sql.Tx, transactionID string, total decimal.Decimal, entryCount int, status string, createdAt time.Time) error {
	if s.db != nil {
		return s.upsertTransactionDB(ctx, tx, transactionID, total, entryCount, status, createdAt)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txns[transactionID] = TransactionSummary{
		TransactionID: transactionID,
		TotalAmount:   total,
		EntryCount:    entryCount,
		Status:        status,
		CreatedAt:     createdAt,
		UpdatedAt:     s.clk.Now(),
	}
	return nil
}

func (s *Service) GetTransactionSummary(ctx context.Context, transactionID string) (TransactionSummary, bool, error) {
	if s.db != nil {
		return s.getTransactionDB(ctx, transactionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.txns[transactionID]
	return row, ok, nil
}
