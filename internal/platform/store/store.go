// Package store wraps the shared *sql.DB with the transaction and error
// classification helpers every component builds on. The database is the
// only authoritative synchronizer between workers; nothing here caches.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

type DB struct {
	sql *sql.DB
}

// Open connects and pings. The pool is shared by every worker goroutine.
func Open(ctx context.Context, databaseURL string) (*DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{sql: db}, nil
}

// Wrap adopts an existing handle, for tests and initaccounts.
func Wrap(db *sql.DB) *DB {
	if db == nil {
		return nil
	}
	return &DB{sql: db}
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// SQL exposes the raw handle for reads that need no transaction.
func (d *DB) SQL() *sql.DB {
	if d == nil {
		return nil
	}
	return d.sql
}

// WithTx runs fn inside one database transaction and commits only if fn
// returns nil. Default isolation is READ COMMITTED; callers that need
// stricter guarantees pass explicit options. This is the single unit of
// atomicity: everything a state change requires must happen inside fn.
func (d *DB) WithTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := d.sql.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// IsUniqueViolation reports whether err is a unique-constraint conflict.
// Callers resolve these by re-reading the existing row (idempotent success).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// IsSerializationFailure reports a retryable concurrency error: a
// serialization failure, deadlock, or lock timeout.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return true
	}
	return false
}
