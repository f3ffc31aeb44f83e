package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// KV is the persistent key-value capability every durable piece of state
// (schedule, last result, history, pending intent) goes through. Values are
// JSON documents; writers are last-writer-wins with no multi-key
// transaction guarantee, so compound updates must read-modify-write.
type KV interface {
	// Get returns the values for the requested keys. Missing keys are
	// absent from the returned map, not an error.
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)

	// Set writes every entry in values.
	Set(ctx context.Context, values map[string]json.RawMessage) error

	// Remove deletes the given keys. Deleting a missing key is a no-op.
	Remove(ctx context.Context, keys ...string) error
}

// SQLiteKV implements KV on a local SQLite file.
type SQLiteKV struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteKV opens (or creates) the store at dbPath.
func NewSQLiteKV(logger *zap.Logger, dbPath string) (*SQLiteKV, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	kv := &SQLiteKV{
		logger: logger.Named("kv"),
		db:     db,
	}

	if err := kv.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return kv, nil
}

func (s *SQLiteKV) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Get implements KV.Get.
func (s *SQLiteKV) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	if len(keys) == 0 {
		return map[string]json.RawMessage{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT key, value FROM kv_store WHERE key IN (%s)", placeholders),
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read keys: %w", err)
	}
	defer rows.Close()

	values := make(map[string]json.RawMessage, len(keys))
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		values[key] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return values, nil
}

// Set implements KV.Set.
func (s *SQLiteKV) Set(ctx context.Context, values map[string]json.RawMessage) error {
	now := time.Now()
	for key, value := range values {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, string(value), now)
		if err != nil {
			return fmt.Errorf("failed to write key %q: %w", key, err)
		}
	}
	return nil
}

// Remove implements KV.Remove.
func (s *SQLiteKV) Remove(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM kv_store WHERE key = ?", key); err != nil {
			return fmt.Errorf("failed to remove key %q: %w", key, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteKV) Close() error {
	return s.db.Close()
}
