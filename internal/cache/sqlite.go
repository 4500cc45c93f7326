package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"
)

const (
	sqliteDriver = "sqlite"
	sqliteDSNOpt = "?_pragma=busy_timeout(3000)&_pragma=journal_mode(WAL)"

	// readCacheSize bounds the hot-entry cache; eviction only costs a
	// re-read from disk.
	readCacheSize = 256
)

// SQLiteStore persists entries in a local SQLite database with an LRU read
// cache in front of it.
type SQLiteStore struct {
	db    *sql.DB
	reads *lru.Cache[string, *Entry]
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("session cache: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("session cache: create dir: %w", err)
	}
	db, err := sql.Open(sqliteDriver, path+sqliteDSNOpt)
	if err != nil {
		return nil, fmt.Errorf("session cache: open db: %w", err)
	}
	reads, err := lru.New[string, *Entry](readCacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &SQLiteStore{db: db, reads: reads}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS session_cache (
	session_id TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_cache_updated_at ON session_cache (updated_at);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("session cache: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*Entry, error) {
	if entry, ok := s.reads.Get(sessionID); ok {
		return entry.Clone(), nil
	}
	const q = `SELECT payload FROM session_cache WHERE session_id = ?`
	var payload []byte
	err := s.db.QueryRowContext(ctx, q, sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session cache: get %s: %w", sessionID, err)
	}
	entry := &Entry{}
	if err := json.Unmarshal(payload, entry); err != nil {
		return nil, fmt.Errorf("session cache: decode %s: %w", sessionID, err)
	}
	s.reads.Add(sessionID, entry.Clone())
	return entry, nil
}

func (s *SQLiteStore) Put(ctx context.Context, entry *Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("session cache: encode %s: %w", entry.SessionID, err)
	}
	const q = `
INSERT INTO session_cache (session_id, payload, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	payload = excluded.payload,
	updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, entry.SessionID, payload, entry.UpdatedAt); err != nil {
		return fmt.Errorf("session cache: put %s: %w", entry.SessionID, err)
	}
	s.reads.Add(entry.SessionID, entry.Clone())
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	s.reads.Remove(sessionID)
	const q = `DELETE FROM session_cache WHERE session_id = ?`
	if _, err := s.db.ExecContext(ctx, q, sessionID); err != nil {
		return fmt.Errorf("session cache: delete %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Entry, error) {
	const q = `SELECT payload FROM session_cache ORDER BY updated_at DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("session cache: list: %w", err)
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("session cache: list scan: %w", err)
		}
		entry := &Entry{}
		if err := json.Unmarshal(payload, entry); err != nil {
			return nil, fmt.Errorf("session cache: list decode: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
