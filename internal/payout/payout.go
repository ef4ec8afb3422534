// Package payout owns the payout aggregate and its state machine. All
// externally visible effect goes through idempotency keys: admission is
// keyed on the caller's token, the ledger post on a deterministic
// transaction id, and the provider call on the same token again.
package payout

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type TrailEventType string

const (
	TrailCreated           TrailEventType = "CREATED"
	TrailProcessingStarted TrailEventType = "PROCESSING_STARTED"
	TrailLedgerEntry       TrailEventType = "LEDGER_ENTRY_CREATED"
	TrailExternalInitiated TrailEventType = "EXTERNAL_PAYOUT_INITIATED"
	TrailExternalCompleted TrailEventType = "EXTERNAL_PAYOUT_COMPLETED"
	TrailExternalFailed    TrailEventType = "EXTERNAL_PAYOUT_FAILED"
	TrailCompleted         TrailEventType = "COMPLETED"
	TrailFailed            TrailEventType = "FAILED"
	TrailRetry             TrailEventType = "RETRY"
	TrailCancelled         TrailEventType = "CANCELLED"
)

const maxIdempotencyKeyLen = 255

var (
	ErrEmptyIdempotencyKey = errors.New("idempotency_key must not be empty")
	ErrKeyTooLong          = errors.New("idempotency_key exceeds 255 characters")
	ErrEmptyRecipient      = errors.New("recipient_account must not be empty")
	ErrNotFound            = errors.New("payout not found")
	ErrNotCancellable      = errors.New("payout cannot be cancelled in its current state")
	ErrExternalMismatch    = errors.New("external_payout_id does not match the initiated payout")
	ErrWrongState          = errors.New("payout is not in the required state")
)

type Payout struct {
	ID                  string
	IdempotencyKey      string
	Amount              decimal.Decimal
	Currency            string
	RecipientAccount    string
	RecipientName       string
	Description         string
	Status              Status
	LedgerTransactionID string
	ExternalPayoutID    string
	ErrorMessage        string
	RetryCount          int
	Metadata            map[string]string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	CompletedAt         *time.Time
}

// TrailEvent is one row of the per-payout audit trail. Append-only, like
// everything else in the audit path.
type TrailEvent struct {
	ID        string
	PayoutID  string
	Type      TrailEventType
	Data      map[string]string
	CreatedAt time.Time
}

type AdmitInput struct {
	IdempotencyKey   string
	Amount           decimal.Decimal
	Currency         string
	RecipientAccount string
	RecipientName    string
	Description      string
	Metadata         map[string]string
}
