// Package eventlog is the append-only log of record. Every externally
// visible state change lands here, in the same database transaction as the
// change itself, under a single strictly monotonic sequence.
package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

type Type string

const (
	TypeLedgerTransactionCreated Type = "LEDGER_TRANSACTION_CREATED"
	TypePayoutCreated            Type = "PAYOUT_CREATED"
	TypePayoutProcessing         Type = "PAYOUT_PROCESSING"
	TypePayoutCompleted          Type = "PAYOUT_COMPLETED"
	TypePayoutFailed             Type = "PAYOUT_FAILED"
	TypePayoutCancelled          Type = "PAYOUT_CANCELLED"
	TypeAccountBalanceUpdated    Type = "ACCOUNT_BALANCE_UPDATED"
)

var (
	ErrEmptyEventID       = errors.New("event_id must not be empty")
	ErrSequenceViolation  = errors.New("sequence acquisition did not exceed stored maximum")
	ErrChainCorrupt       = errors.New("event hash chain corruption detected")
	ErrImmutableViolation = errors.New("events are append-only")
)

// genesisHash anchors the chain before any event exists.
const genesisHash = "GENESIS"

// Event is an immutable record. There is no update or delete API anywhere
// in this package; ErrImmutableViolation exists only for the DB trigger's
// application-side counterpart in tests.
type Event struct {
	EventID       string          `json:"event_id"`
	Type          Type            `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"event_data"`
	Metadata      json.RawMessage `json:"metadata"`
	Sequence      int64           `json:"sequence_number"`
	HashPrev      string          `json:"-"`
	HashCurr      string          `json:"-"`
	CreatedAt     time.Time       `json:"created_at"`
}

// chainHash links an event to its predecessor. Sequence, identity, and the
// serialized payload all participate, so any rewrite breaks the chain.
func chainHash(prev string, e Event) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|" + e.EventID))
	_, _ = h.Write([]byte("|" + string(e.Type)))
	_, _ = h.Write([]byte("|" + e.AggregateType + "|" + e.AggregateID))
	_, _ = h.Write([]byte("|" + strconv.FormatInt(e.Sequence, 10) + "|"))
	_, _ = h.Write(e.Data)
	return hex.EncodeToString(h.Sum(nil))
}
