package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/metrics"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/store"
)

// advisory lock key serializing appends so the hash chain links to the
// true predecessor under concurrent writers.
const appendLockKey = 0x4c454447 // "LEDG"

type AppendInput struct {
	EventID       string
	Type          Type
	AggregateType string
	AggregateID   string
	Data          Payload
	Metadata      map[string]string
}

// Log is thread-safe. With a database attached the database is
// authoritative; without one it runs fully in memory (dev, tests).
type Log struct {
	clk     clock.Clock
	logger  *zap.Logger
	db      *store.DB
	metrics *metrics.Metrics

	notifyMu sync.RWMutex
	notify   func(Event)

	mu    sync.Mutex
	mem   []Event
	byID  map[string]int
	seq   int64
	last  string
}

func New(clk clock.Clock, logger *zap.Logger, db *store.DB, m *metrics.Metrics) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		clk:     clk,
		logger:  logger,
		db:      db,
		metrics: m,
		byID:    make(map[string]int),
		last:    genesisHash,
	}
}

// SetNotify installs the post-commit observer (the websocket broadcaster).
func (l *Log) SetNotify(fn func(Event)) {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	l.notify = fn
}

// Publish hands committed events to the observer. Callers invoke it only
// after the enclosing database transaction has committed; the stream is a
// projection, never a source of truth.
func (l *Log) Publish(events ...Event) {
	l.notifyMu.RLock()
	fn := l.notify
	l.notifyMu.RUnlock()
	if fn == nil {
		return
	}
	for _, e := range events {
		fn(e)
	}
}

// Append records an event inside the caller's transaction. Idempotent on
// EventID: an existing id returns the stored row unchanged. The sequence is
// acquired last so the lock window stays small; a value not strictly above
// the stored maximum is a bug surfaced as ErrSequenceViolation.
func (l *Log) Append(ctx context.Context, tx *sql.Tx, in AppendInput) (Event, error) {
	if in.EventID == "" {
		return Event{}, ErrEmptyEventID
	}
	data, err := EncodePayload(in.Data)
	if err != nil {
		return Event{}, err
	}
	meta, err := json.Marshal(in.Metadata)
	if err != nil {
		return Event{}, err
	}
	if in.Metadata == nil {
		meta = []byte(`{}`)
	}
	ev := Event{
		EventID:       in.EventID,
		Type:          in.Type,
		AggregateType: in.AggregateType,
		AggregateID:   in.AggregateID,
		Data:          data,
		Metadata:      meta,
		CreatedAt:     l.clk.Now(),
	}
	if l.db == nil {
		return l.appendMem(ev)
	}
	return l.appendTx(ctx, tx, ev)
}

func (l *Log) appendMem(ev Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx, ok := l.byID[ev.EventID]; ok {
		l.metrics.ObserveEventAppended(true)
		return l.mem[idx], nil
	}
	next := l.seq + 1
	if next <= l.seq {
		return Event{}, ErrSequenceViolation
	}
	ev.Sequence = next
	ev.HashPrev = l.last
	ev.HashCurr = chainHash(l.last, ev)
	l.seq = next
	l.last = ev.HashCurr
	l.byID[ev.EventID] = len(l.mem)
	l.mem = append(l.mem, ev)
	l.metrics.ObserveEventAppended(false)
	return ev, nil
}

// ReadAfter returns up to limit events with sequence > after, ascending.
// Read-only; no side effects.
func (l *Log) ReadAfter(ctx context.Context, after int64, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	if l.db == nil {
		return l.readAfterMem(after, limit), nil
	}
	return l.readAfterDB(ctx, after, limit)
}

func (l *Log) readAfterMem(after int64, limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, 0, limit)
	for _, e := range l.mem {
		if e.Sequence > after {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

// VerifyChain recomputes the hash chain over the whole log. It returns the
// sequence number of the first corrupt event, or 0 if the chain holds.
func (l *Log) VerifyChain(ctx context.Context) (int64, error) {
	const page = 500
	prev := genesisHash
	var after int64
	for {
		batch, err := l.ReadAfter(ctx, after, page)
		if err != nil {
			return 0, err
		}
		if len(batch) == 0 {
			return 0, nil
		}
		for _, e := range batch {
			if e.HashPrev != prev || chainHash(prev, e) != e.HashCurr {
				return e.Sequence, ErrChainCorrupt
			}
			prev = e.HashCurr
			after = e.Sequence
		}
	}
}
