package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/sudoku-sync/internal/shared"
	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"
)

// Options configures a SQLiteStore.
type Options struct {
	// Prefix is prepended to every key. Defaults to DefaultPrefix.
	Prefix string
	// QuotaBytes caps the total size of stored values. Zero means no cap.
	QuotaBytes int64
	// Clock stamps writes and ages entries. Defaults to the real clock.
	Clock clockwork.Clock
}

// SQLiteStore is the durable key/value backend for the local cache.
type SQLiteStore struct {
	db     *sql.DB
	prefix string
	quota  int64
	clock  clockwork.Clock
	mu     sync.Mutex // serializes quota check + write
}

type kvRow struct {
	key   string
	value string
}

// NewSQLite opens (creating if needed) the cache database at dbPath.
func NewSQLite(dbPath string, opts Options) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	s := &SQLiteStore{db: db, prefix: opts.Prefix, quota: opts.QuotaBytes, clock: opts.Clock}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		last_updated INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_kv_last_updated ON kv(last_updated);

	CREATE TABLE IF NOT EXISTS auth_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		state_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Prefix returns the key prefix.
func (s *SQLiteStore) Prefix() string { return s.prefix }

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query value: %w", err)
	}
	return value, true, nil
}

func (s *SQLiteStore) put(ctx context.Context, key, value string, lastUpdated int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quota > 0 {
		var used int64
		err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(LENGTH(value)), 0) FROM kv WHERE key != ?`, key).Scan(&used)
		if err != nil {
			return fmt.Errorf("measure usage: %w", err)
		}
		if used+int64(len(value)) > s.quota {
			return ErrQuotaExceeded
		}
	}

	query := `
	INSERT INTO kv (key, value, last_updated) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		last_updated = excluded.last_updated`

	return shared.RetryOnConflict(ctx, "put "+key, 3, 50*time.Millisecond, func() error {
		if _, err := s.db.ExecContext(ctx, query, key, value, lastUpdated); err != nil {
			return fmt.Errorf("upsert value: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) list(ctx context.Context) ([]kvRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query values: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close kv rows", "error", closeErr)
		}
	}()

	var out []kvRow
	for rows.Next() {
		var r kvRow
		if err := rows.Scan(&r.key, &r.value); err != nil {
			return nil, fmt.Errorf("scan value row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate values: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete value: %w", err)
	}
	return nil
}

// cleanup frees space under the prefix. Entries older than cleanupAge and
// entries that cannot be decoded are removed; if none qualified, the oldest
// half of the remaining entries is evicted instead.
func (s *SQLiteStore) cleanup(ctx context.Context) error {
	rows, err := s.list(ctx)
	if err != nil {
		return err
	}

	type aged struct {
		key         string
		lastUpdated int64
	}
	threshold := s.clock.Now().Add(-cleanupAge).UnixMilli()
	removed := false
	var remaining []aged

	for _, row := range rows {
		if !strings.HasPrefix(row.key, s.prefix) {
			continue
		}
		var envelope struct {
			LastUpdated int64 `json:"lastUpdated"`
		}
		if err := json.Unmarshal([]byte(row.value), &envelope); err != nil {
			slog.Info("Removing corrupted item", "key", row.key)
			if err := s.delete(ctx, row.key); err != nil {
				return err
			}
			removed = true
			continue
		}
		if envelope.LastUpdated != 0 && envelope.LastUpdated < threshold {
			slog.Info("Removing old item", "key", row.key)
			if err := s.delete(ctx, row.key); err != nil {
				return err
			}
			removed = true
			continue
		}
		if envelope.LastUpdated != 0 {
			remaining = append(remaining, aged{key: row.key, lastUpdated: envelope.LastUpdated})
		}
	}

	if removed || len(remaining) == 0 {
		return nil
	}

	sort.Slice(remaining, func(i, j int) bool { return remaining[i].lastUpdated < remaining[j].lastUpdated })
	toRemove := (len(remaining) + 1) / 2
	for _, item := range remaining[:toRemove] {
		slog.Info("Removing item to free space", "key", item.key)
		if err := s.delete(ctx, item.key); err != nil {
			return err
		}
	}
	return nil
}

// Purge deletes prefixed entries last written before now-olderThan and
// returns how many were removed.
func (s *SQLiteStore) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	threshold := s.clock.Now().Add(-olderThan).UnixMilli()
	var n int64
	err := shared.RetryOnConflict(ctx, "purge", 3, 50*time.Millisecond, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM kv WHERE key LIKE ? ESCAPE '\' AND last_updated < ?`,
			escapeLike(s.prefix)+"%", threshold)
		if err != nil {
			return fmt.Errorf("purge values: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Clear removes every cached entry under the prefix and the auth bundle.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key LIKE ? ESCAPE '\'`, escapeLike(s.prefix)+"%"); err != nil {
		return fmt.Errorf("clear values: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_state`); err != nil {
		return fmt.Errorf("clear auth state: %w", err)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
