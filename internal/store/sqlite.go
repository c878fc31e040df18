package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrPersistence marks storage failures. The failed transaction has been
// rolled back when it is returned.
var ErrPersistence = errors.New("persistence error")

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "store")}
}

// Open opens the sqlite database at path with foreign keys, WAL and a busy
// timeout enabled on every pooled connection. Write transactions take the
// lock up front so overlapping runs wait instead of failing.
func Open(path string) (*sql.DB, error) {
	if path == ":memory:" {
		db, err := sql.Open("sqlite", "file::memory:?_pragma=foreign_keys(1)&_time_format=sqlite")
		if err != nil {
			return nil, err
		}
		// each connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
		return db, nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")
	q.Set("_time_format", "sqlite")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, committing on success and rolling back on
// any error. Errors are wrapped in ErrPersistence.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: begin: %w", ErrPersistence, op, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "op", op, "error", rbErr)
		}
		return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %s: commit: %w", ErrPersistence, op, err)
	}
	return nil
}

// TableCounts returns the number of rows in each data table.
func (s *Store) TableCounts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, table := range []string{"locations", "observations", "forecasts", "collection_logs", "raw_payloads"} {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// Reset deletes all collected data. Observations and forecasts go with their
// locations through ON DELETE CASCADE.
func (s *Store) Reset(ctx context.Context) error {
	return s.withTx(ctx, "reset", func(tx *sql.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM locations",
			"DELETE FROM collection_logs",
			"DELETE FROM raw_payloads",
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("%s: %w", stmt, err)
			}
		}
		return nil
	})
}

// DeleteLocation removes one location and, by cascade, its records.
func (s *Store) DeleteLocation(ctx context.Context, id string) error {
	return s.withTx(ctx, "delete location", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM locations WHERE id = ?", id)
		return err
	})
}
