// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sqlite implements storage.Store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/stacklok/authbridge/pkg/clock"
	"github.com/stacklok/authbridge/pkg/storage"
)

// Store implements storage.Store using SQLite.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path, applies pending
// migrations, and returns the store. An empty path opens a private in-memory
// database, which is what tests use.
func Open(ctx context.Context, path string, clk clock.Clock) (*Store, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if path == "" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// modernc/sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY between our short-lived transactions and keeps in-memory
	// databases coherent.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, clock: clk}, nil
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &tx{tx: sqlTx, clock: s.clock}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// tx implements storage.Tx over a *sql.Tx.
type tx struct {
	tx    *sql.Tx
	clock clock.Clock
}

var _ storage.Tx = (*tx)(nil)

// Commit commits the transaction.
func (t *tx) Commit() error {
	return t.tx.Commit()
}

// Rollback rolls the transaction back. Safe to call after Commit.
func (t *tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// ensureOneRow maps a guarded-update result to the storage error contract:
// exactly one affected row is success, anything else is ErrInconsistency.
func ensureOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: expected 1 affected row, got %d", storage.ErrInconsistency, n)
	}
	return nil
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// Timestamps are persisted as integer unix milliseconds so they round-trip
// identically across drivers.

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := fromMillis(v.Int64)
	return &ts
}
