package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/langplay/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writes to avoid SQLITE_BUSY under WAL
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS session_values (
		scope TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (scope, key)
	);
	CREATE INDEX IF NOT EXISTS idx_session_values_updated ON session_values(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get returns the stored value for scope/key.
func (s *SQLiteStore) Get(ctx context.Context, scope, key string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value FROM session_values WHERE scope = ? AND key = ?`, scope, key)

	var value string
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("scan session value: %w", err)
	}
	return value, true, nil
}

// Set upserts the value for scope/key.
func (s *SQLiteStore) Set(ctx context.Context, scope, key, value string) error {
	query := `
	INSERT INTO session_values (scope, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(scope, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	return s.execWithRetry(ctx, "set", func() error {
		_, err := s.db.ExecContext(ctx, query, scope, key, value, time.Now().Unix())
		return err
	})
}

// Remove deletes scope/key.
func (s *SQLiteStore) Remove(ctx context.Context, scope, key string) error {
	return s.execWithRetry(ctx, "remove", func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM session_values WHERE scope = ? AND key = ?`, scope, key)
		return err
	})
}

// DeleteScope removes every value in scope.
func (s *SQLiteStore) DeleteScope(ctx context.Context, scope string) (int64, error) {
	var rows int64
	err := s.execWithRetry(ctx, "delete scope", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM session_values WHERE scope = ?`, scope)
		if err != nil {
			return err
		}
		rows, err = res.RowsAffected()
		return err
	})
	return rows, err
}

// CleanupStale removes every scope whose newest value is older than ttl.
// Scopes are purged whole so a long-lived session never loses the keys
// that were written only once.
func (s *SQLiteStore) CleanupStale(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `
	DELETE FROM session_values WHERE scope IN (
		SELECT scope FROM session_values GROUP BY scope HAVING MAX(updated_at) < ?
	)`
	var rows int64
	err := s.execWithRetry(ctx, "cleanup", func() error {
		res, err := s.db.ExecContext(ctx, query, threshold)
		if err != nil {
			return err
		}
		rows, err = res.RowsAffected()
		return err
	})
	return rows, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// execWithRetry runs a write with exponential backoff on SQLITE_BUSY.
func (s *SQLiteStore) execWithRetry(ctx context.Context, op string, fn func() error) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		s.writeMu.Lock()
		err := fn()
		s.writeMu.Unlock()
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
			slog.Debug("SQLite write busy, retrying", "op", op, "attempt", i+1, "delay", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return fmt.Errorf("%s session value: %w", op, ctx.Err())
			}
		}

		return fmt.Errorf("%s session value: %w", op, err)
	}

	return nil
}
