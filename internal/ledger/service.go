package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-ledger-go/internal/eventlog"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/metrics"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/money"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/store"
)

// Service is thread-safe. Without a database it keeps authoritative state
// in memory under s.mu; with one, the database rows are authoritative and
// the mutex guards nothing that matters across processes.
type Service struct {
	clk     clock.Clock
	logger  *zap.Logger
	db      *store.DB
	events  *eventlog.Log
	applier BalanceApplier
	metrics *metrics.Metrics

	mu             sync.Mutex
	accountsByCode map[string]Account
	accountsByID   map[string]Account
	txns           map[string]Transaction
	entriesByTxn   map[string][]Entry
	entriesByAcct  map[string][]Entry
}

func NewService(clk clock.Clock, logger *zap.Logger, db *store.DB, events *eventlog.Log, applier BalanceApplier, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		clk:            clk,
		logger:         logger,
		db:             db,
		events:         events,
		applier:        applier,
		metrics:        m,
		accountsByCode: make(map[string]Account),
		accountsByID:   make(map[string]Account),
		txns:           make(map[string]Transaction),
		entriesByTxn:   make(map[string][]Entry),
		entriesByAcct:  make(map[string][]Entry),
	}
}

// CreateAccount gets or creates an account by code. Account type is
// immutable after creation; an existing account is returned as-is even if
// the requested type differs.
func (s *Service) CreateAccount(ctx context.Context, code, name string, typ AccountType) (Account, bool, error) {
	if code == "" {
		return Account{}, false, ErrEmptyAccountCode
	}
	if s.db != nil {
		return s.createAccountDB(ctx, code, name, typ)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct, ok := s.accountsByCode[code]; ok {
		return acct, false, nil
	}
	acct := Account{
		ID:        uuid.New().String(),
		Code:      code,
		Name:      name,
		Type:      typ,
		CreatedAt: s.clk.Now(),
	}
	s.accountsByCode[code] = acct
	s.accountsByID[acct.ID] = acct
	return acct, true, nil
}

func (s *Service) GetAccountByCode(ctx context.Context, code string) (Account, error) {
	if s.db != nil {
		return s.getAccountDB(ctx, "account_code", code)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accountsByCode[code]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return acct, nil
}

func (s *Service) GetAccountByID(ctx context.Context, id string) (Account, error) {
	if s.db != nil {
		return s.getAccountDB(ctx, "id", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accountsByID[id]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return acct, nil
}

// validatePost runs every check that needs no storage: cardinality, scale,
// sign convention, and the zero-sum invariant over signed amounts.
func validatePost(transactionID string, entries []EntryInput) error {
	if transactionID == "" {
		return ErrEmptyTransactionID
	}
	if len(entries) != 2 {
		return ErrEntryCount
	}
	sum := decimal.Zero
	for _, e := range entries {
		if err := money.CheckScale(e.Amount); err != nil {
			return err
		}
		switch e.Type {
		case EntryDebit:
			if e.Amount.Sign() < 0 {
				return ErrSignConvention
			}
		case EntryCredit:
			if e.Amount.Sign() > 0 {
				return ErrSignConvention
			}
		default:
			return fmt.Errorf("unknown entry type %q", e.Type)
		}
		sum = sum.Add(e.Amount)
	}
	if !sum.IsZero() {
		return fmt.Errorf("%w: total %s", ErrUnbalanced, money.Format(sum))
	}
	return nil
}

// PostTransaction commits a balanced transaction: the transaction row, its
// two entries, the balance and summary projections, and the
// LEDGER_TRANSACTION_CREATED event, all in one database transaction. The
// layer is strict: a duplicate transaction_id is an error here; idempotency
// belongs to the payout layer.
func (s *Service) PostTransaction(ctx context.Context, transactionID, description string, entries []EntryInput, metadata map[string]string) (Transaction, error) {
	if err := validatePost(transactionID, entries); err != nil {
		s.metrics.ObserveLedgerRejection(rejectionReason(err))
		return Transaction{}, err
	}
	var (
		txn Transaction
		ev  eventlog.Event
		err error
	)
	if s.db != nil {
		txn, ev, err = s.postDB(ctx, transactionID, description, entries, metadata)
	} else {
		txn, ev, err = s.postMem(ctx, transactionID, description, entries, metadata)
	}
	if err != nil {
		s.metrics.ObserveLedgerRejection(rejectionReason(err))
		return Transaction{}, err
	}
	s.metrics.ObserveLedgerTransaction()
	s.events.Publish(ev)
	s.logger.Info("ledger transaction posted",
		zap.String("transaction_id", transactionID),
		zap.Int64("sequence", ev.Sequence),
	)
	return txn, nil
}

func (s *Service) postMem(ctx context.Context, transactionID, description string, entries []EntryInput, metadata map[string]string) (Transaction, eventlog.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txns[transactionID]; ok {
		return Transaction{}, eventlog.Event{}, ErrDuplicateTransaction
	}
	accts := make([]Account, len(entries))
	for i, e := range entries {
		acct, ok := s.accountsByID[e.AccountID]
		if !ok {
			return Transaction{}, eventlog.Event{}, ErrUnknownAccount
		}
		accts[i] = acct
	}

	now := s.clk.Now()
	txn := Transaction{
		ID:            uuid.New().String(),
		TransactionID: transactionID,
		Description:   description,
		Status:        TransactionCompleted,
		Metadata:      metadata,
		CreatedAt:     now,
	}
	rows := make([]Entry, len(entries))
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
	}

	// Re-verify from the rows about to be committed.
	sum := decimal.Zero
	for _, r := range rows {
		sum = sum.Add(r.Amount)
	}
	if !sum.IsZero() {
		return Transaction{}, eventlog.Event{}, ErrUnbalanced
	}

	ev, err := s.events.Append(ctx, nil, appendInputFor(txn, rows, metadata))
	if err != nil {
		return Transaction{}, eventlog.Event{}, err
	}

	s.txns[transactionID] = txn
	for i, r := range rows {
		s.entriesByTxn[transactionID] = append(s.entriesByTxn[transactionID], r)
		s.entriesByAcct[r.AccountID] = append(s.entriesByAcct[r.AccountID], r)
		if err := s.applier.ApplyEntry(ctx, nil, accts[i], r, ev.Sequence); err != nil {
			return Transaction{}, eventlog.Event{}, err
		}
	}
	if err := s.applier.UpsertTransactionSummary(ctx, nil, transactionID, totalDebits(rows), len(rows), string(txn.Status), now); err != nil {
		return Transaction{}, eventlog.Event{}, err
	}
	return txn, ev, nil
}

func appendInputFor(txn Transaction, rows []Entry, metadata map[string]string) eventlog.AppendInput {
	data := eventlog.LedgerTransactionCreated{
		TransactionID: txn.TransactionID,
		Description:   txn.Description,
		Metadata:      metadata,
	}
	for _, r := range rows {
		data.Entries = append(data.Entries, eventlog.EntryData{
			AccountID: r.AccountID,
			Amount:    money.Format(r.Amount),
			EntryType: string(r.Type),
		})
	}
	return eventlog.AppendInput{
		EventID:       fmt.Sprintf("ledger_txn_%s_%s", txn.TransactionID, uuid.New().String()),
		Type:          eventlog.TypeLedgerTransactionCreated,
		AggregateType: "Transaction",
		AggregateID:   txn.ID,
		Data:          data,
	}
}

// totalDebits is the reporting total for a balanced transaction: the sum
// of the debit side, which equals the magnitude moved.
func totalDebits(rows []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rows {
		if r.Type == EntryDebit {
			total = total.Add(r.Amount)
		}
	}
	return money.RoundAggregate(total)
}

// VerifyBalance re-checks the zero-sum invariant for one transaction.
func (s *Service) VerifyBalance(ctx context.Context, transactionID string) (bool, error) {
	entries, err := s.Entries(ctx, transactionID)
	if err != nil {
		return false, err
	}
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}
	return sum.IsZero(), nil
}

func (s *Service) GetTransaction(ctx context.Context, transactionID string) (Transaction, error) {
	if s.db != nil {
		return s.getTransactionDB(ctx, transactionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.txns[transactionID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return txn, nil
}

// Entries returns the entries owned by a transaction. Callers ask the
// repository for related rows; there is no lazy traversal.
func (s *Service) Entries(ctx context.Context, transactionID string) ([]Entry, error) {
	if s.db != nil {
		return s.entriesDB(ctx, "transaction_id", transactionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.entriesByTxn[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Entry, len(rows))
	copy(out, rows)
	return out, nil
}

// AccountEntries returns all entries touching an account in created_at
// order. This is the projector's rebuild source.
func (s *Service) AccountEntries(ctx context.Context, accountID string) ([]Entry, error) {
	if s.db != nil {
		return s.entriesDB(ctx, "account_id", accountID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.entriesByAcct[accountID]
	out := make([]Entry, len(rows))
	copy(out, rows)
	return out, nil
}

func rejectionReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrUnbalanced):
		return "unbalanced"
	case errors.Is(err, ErrEntryCount):
		return "entry_count"
	case errors.Is(err, ErrUnknownAccount):
		return "unknown_account"
	case errors.Is(err, ErrDuplicateTransaction):
		return "duplicate"
	case errors.Is(err, ErrSignConvention):
		return "sign_convention"
	default:
		return "other"
	}
}
