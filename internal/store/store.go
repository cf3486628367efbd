// Package store is the single embedded relational store of §4.2: one
// sqlite file holding the per-source caches and the reconciliation
// table. Every exported method acquires its own connection and
// releases it on every exit path; writes are serialized by sqlite's
// own transaction discipline. This generalizes the teacher's
// mutex-guarded in-memory maps into real per-operation transactions
// over a persisted file.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the embedded sqlite database and exposes typed
// repository functions. No component outside this package opens a raw
// connection (§4.2).
type Store struct {
	db *sqlx.DB
}

// Open creates or attaches to the embedded database file at path and
// runs any pending additive migrations (§4.2, §6).
func Open(ctx context.Context, path string, connectTimeout time.Duration) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite serializes writers; one writer connection avoids SQLITE_BUSY storms

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withConn runs fn with a dedicated connection acquired from the pool,
// guaranteeing release on every exit path (§4.2).
func (s *Store) withConn(ctx context.Context, fn func(*sqlx.Conn) error) error {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()
	return fn(conn)
}

// withTx runs fn inside a transaction on its own connection, committing
// on success and rolling back on any error or panic (§4.2, §4.5 "single
// transaction per NVC").
func (s *Store) withTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	return s.withConn(ctx, func(conn *sqlx.Conn) error {
		tx, txErr := conn.BeginTxx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("begin tx: %w", txErr)
		}
		defer func() {
			if p := recover(); p != nil {
				tx.Rollback()
				panic(p)
			}
		}()
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func nowUTC() time.Time { return time.Now().UTC() }
