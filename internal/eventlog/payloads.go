package eventlog

import (
	"encoding/json"
	"fmt"
)

// Payload variants are the typed in-memory shapes of event_data. The DB
// column stays schemaless JSON; these structs are the serialization
// boundary (one tagged variant per event type).

type Payload interface {
	EventType() Type
}

type EntryData struct {
	AccountID string `json:"account_id"`
	Amount    string `json:"amount"`
	EntryType string `json:"entry_type"`
}

type LedgerTransactionCreated struct {
	TransactionID string            `json:"transaction_id"`
	Description   string            `json:"description"`
	Entries       []EntryData       `json:"entries"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (LedgerTransactionCreated) EventType() Type { return TypeLedgerTransactionCreated }

type PayoutCreated struct {
	IdempotencyKey   string `json:"idempotency_key"`
	Amount           string `json:"amount"`
	RecipientAccount string `json:"recipient_account"`
}

func (PayoutCreated) EventType() Type { return TypePayoutCreated }

type PayoutProcessing struct {
	IdempotencyKey string `json:"idempotency_key"`
	Amount         string `json:"amount"`
}

func (PayoutProcessing) EventType() Type { return TypePayoutProcessing }

type PayoutCompleted struct {
	IdempotencyKey   string `json:"idempotency_key"`
	ExternalPayoutID string `json:"external_payout_id"`
}

func (PayoutCompleted) EventType() Type { return TypePayoutCompleted }

type PayoutFailed struct {
	IdempotencyKey string `json:"idempotency_key"`
	ErrorMessage   string `json:"error_message"`
	RetryCount     int    `json:"retry_count"`
}

func (PayoutFailed) EventType() Type { return TypePayoutFailed }

type PayoutCancelled struct {
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason,omitempty"`
}

func (PayoutCancelled) EventType() Type { return TypePayoutCancelled }

type AccountBalanceUpdated struct {
	AccountCode string `json:"account_code"`
	Balance     string `json:"balance"`
}

func (AccountBalanceUpdated) EventType() Type { return TypeAccountBalanceUpdated }

// EncodePayload marshals a typed payload for the event_data blob.
func EncodePayload(p Payload) (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// DecodePayload restores the typed variant from a stored event.
func DecodePayload(e Event) (Payload, error) {
	var p Payload
	switch e.Type {
	case TypeLedgerTransactionCreated:
		p = &LedgerTransactionCreated{}
	case TypePayoutCreated:
		p = &PayoutCreated{}
	case TypePayoutProcessing:
		p = &PayoutProcessing{}
	case TypePayoutCompleted:
		p = &PayoutCompleted{}
	case TypePayoutFailed:
		p = &PayoutFailed{}
	case TypePayoutCancelled:
		p = &PayoutCancelled{}
	case TypeAccountBalanceUpdated:
		p = &AccountBalanceUpdated{}
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	if err := json.Unmarshal(e.Data, p); err != nil {
		return nil, err
	}
	return p, nil
}
