package eventlog

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"
)

const selectEventByID = `
SELECT event_id, event_type, aggregate_type, aggregate_id, event_data, metadata,
       sequence_number, hash_prev, hash_curr, created_at
FROM events
WHERE event_id = $1
`

func scanEvent(row interface{ Scan(...any) error }) (Event, error) {
	var e Event
	err := row.Scan(
		&e.EventID, &e.Type, &e.AggregateType, &e.AggregateID, &e.Data, &e.Metadata,
		&e.Sequence, &e.HashPrev, &e.HashCurr, &e.CreatedAt,
	)
	return e, err
}

func (l *Log) appendTx(ctx context.Context, tx *sql.Tx, ev Event) (Event, error) {
	if tx == nil {
		return Event{}, errors.New("eventlog: Append requires an open transaction")
	}

	existing, err := scanEvent(tx.QueryRowContext(ctx, selectEventByID, ev.EventID))
	if err == nil {
		l.metrics.ObserveEventAppended(true)
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Event{}, err
	}

	// Serialize appends for the remainder of the transaction; the lock is
	// taken as late as possible and released at commit.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return Event{}, err
	}

	var maxSeq int64
	prev := genesisHash
	err = tx.QueryRowContext(ctx, `
SELECT sequence_number, hash_curr
FROM events
ORDER BY sequence_number DESC
LIMIT 1
`).Scan(&maxSeq, &prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Event{}, err
	}

	if err := tx.QueryRowContext(ctx, `SELECT nextval('events_sequence_number_seq')`).Scan(&ev.Sequence); err != nil {
		return Event{}, err
	}
	if ev.Sequence <= maxSeq {
		return Event{}, ErrSequenceViolation
	}
	ev.HashPrev = prev
	ev.HashCurr = chainHash(prev, ev)

	const insEvent = `
INSERT INTO events (
  event_id, event_type, aggregate_type, aggregate_id, event_data, metadata,
  sequence_number, hash_prev, hash_curr, created_at
) VALUES ($1,$2,$3,$4,$5::jsonb,$6::jsonb,$7,$8,$9,$10)
ON CONFLICT (event_id) DO NOTHING
`
	res, err := tx.ExecContext(ctx, insEvent,
		ev.EventID, string(ev.Type), ev.AggregateType, ev.AggregateID,
		string(ev.Data), string(ev.Metadata), ev.Sequence, ev.HashPrev, ev.HashCurr, ev.CreatedAt,
	)
	if err != nil {
		return Event{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost an event_id race inside another committed transaction.
		l.metrics.ObserveEventAppended(true)
		return scanEvent(tx.QueryRowContext(ctx, selectEventByID, ev.EventID))
	}
	l.metrics.ObserveEventAppended(false)
	l.logger.Debug("event appended",
		zap.String("event_id", ev.EventID),
		zap.String("event_type", string(ev.Type)),
		zap.Int64("sequence", ev.Sequence),
	)
	return ev, nil
}

func (l *Log) readAfterDB(ctx context.Context, after int64, limit int) ([]Event, error) {
	const q = `
SELECT event_id, event_type, aggregate_type, aggregate_id, event_data, metadata,
       sequence_number, hash_prev, hash_curr, created_at
FROM events
WHERE sequence_number > $1
ORDER BY sequence_number ASC
LIMIT $2
`
	rows, err := l.db.SQL().QueryContext(ctx, q, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Event, 0, limit)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
