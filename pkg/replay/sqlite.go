// Package replay implements the nonce store backing the authentication
// guard's replay protection. A nonce is accepted exactly once within the
// retention horizon; the check-and-set is a single INSERT so the race window
// between "seen?" and "record" does not exist.
package replay

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store records seen nonces durably.
type Store interface {
	// CheckAndSet returns true when the nonce is new and has been recorded,
	// false when it was already seen within the retention horizon.
	CheckAndSet(ctx context.Context, nonce string) (bool, error)
	// Cleanup removes nonces older than the retention horizon and returns
	// the number removed.
	Cleanup(ctx context.Context) (int64, error)
	Close() error
}

// SQLiteStore persists nonces in a local SQLite database (WAL mode).
type SQLiteStore struct {
	db        *sql.DB
	retention time.Duration
}

// NewSQLiteStore opens (creating if needed) the nonce database at path.
func NewSQLiteStore(path string, retention time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("replay: open %s: %w", path, err)
	}
	s := &SQLiteStore{db: db, retention: retention}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreFromDB wraps an existing handle; used by tests.
func NewSQLiteStoreFromDB(db *sql.DB, retention time.Duration) *SQLiteStore {
	return &SQLiteStore{db: db, retention: retention}
}

func (s *SQLiteStore) migrate() error {
	ctx := context.Background()
	for _, stmt := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=NORMAL`,
		`CREATE TABLE IF NOT EXISTS replay_nonces (
			nonce TEXT PRIMARY KEY,
			created_at REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_replay_created_at ON replay_nonces(created_at)`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("replay: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) CheckAndSet(ctx context.Context, nonce string) (bool, error) {
	now := float64(time.Now().UnixNano()) / 1e9
	cutoff := now - s.retention.Seconds()

	// Expired nonces may be reused; purge them before the insert attempt.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM replay_nonces WHERE created_at < ?`, cutoff); err != nil {
		return false, fmt.Errorf("replay: purge expired: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO replay_nonces(nonce, created_at) VALUES(?, ?)`, nonce, now)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("replay: record nonce: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) Cleanup(ctx context.Context) (int64, error) {
	cutoff := float64(time.Now().UnixNano())/1e9 - s.retention.Seconds()
	res, err := s.db.ExecContext(ctx, `DELETE FROM replay_nonces WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("replay: cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT in the error text.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "constraint")
}
