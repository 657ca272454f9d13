package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	serializer "github.com/always-cache/precache/pkg/response-serializer"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, fmt.Errorf("cache: sqlite open: %w", err)
	}
	statements := []string{
		"PRAGMA journal_mode=WAL",
		`CREATE TABLE IF NOT EXISTS namespaces (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			status INTEGER,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (namespace, key)
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("cache: sqlite init: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Open(ctx context.Context, name string) (*Namespace, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO namespaces (name, created_at) VALUES (?, ?)",
		name, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("cache: sqlite open namespace %s: %w", name, err)
	}
	return NewNamespace(s, name), nil
}

func (s SQLiteCache) Get(ctx context.Context, namespace, key string) (Entry, bool, error) {
	var bytes []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE namespace = ? AND key = ?",
		namespace, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	} else if err != nil {
		return Entry{}, false, fmt.Errorf("cache: sqlite get: %w", err)
	}
	sRes, err := serializer.BytesToStoredResponse(bytes)
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: sqlite decode %s: %w", key, err)
	}
	return Entry{
		Key:      key,
		Status:   sRes.StatusCode,
		Header:   sRes.Header,
		Body:     sRes.Body,
		StoredAt: sRes.StoredAt,
	}, true, nil
}

// Put writes the entry in a single statement which only inserts
// if the namespace row exists, so a write can never resurrect a deleted namespace.
func (s SQLiteCache) Put(ctx context.Context, namespace string, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now()
	}
	bytes, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		StatusCode: entry.Status,
		Header:     entry.Header,
		Body:       entry.Body,
		StoredAt:   entry.StoredAt,
	})
	if err != nil {
		return fmt.Errorf("cache: sqlite encode %s: %w", entry.Key, err)
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(namespace, key, status, stored_at, bytes)
		SELECT ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM namespaces WHERE name = ?)`,
		namespace, entry.Key, entry.Status, entry.StoredAt.Unix(), bytes, namespace)
	if err != nil {
		return fmt.Errorf("cache: sqlite put: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("cache: sqlite put: %w", err)
	}
	if rows == 0 {
		return ErrNamespaceNotFound
	}
	return nil
}

func (s SQLiteCache) DeleteNamespace(ctx context.Context, name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache: sqlite delete namespace: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE namespace = ?", name); err != nil {
		return fmt.Errorf("cache: sqlite delete entries of %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM namespaces WHERE name = ?", name); err != nil {
		return fmt.Errorf("cache: sqlite delete namespace %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache: sqlite delete namespace %s: %w", name, err)
	}
	return nil
}

func (s SQLiteCache) Namespaces(ctx context.Context) ([]string, error) {
	return s.strings(ctx, "SELECT name FROM namespaces ORDER BY name")
}

func (s SQLiteCache) Keys(ctx context.Context, namespace string) ([]string, error) {
	return s.strings(ctx, "SELECT key FROM entries WHERE namespace = ? ORDER BY key", namespace)
}

func (s SQLiteCache) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cache: sqlite query: %w", err)
	}
	defer rows.Close()

	values := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("cache: sqlite scan: %w", err)
		}
		values = append(values, value)
	}
	return values, rows.Err()
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}
