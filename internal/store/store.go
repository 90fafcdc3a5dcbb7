// Package store provides the durable local cache for puzzle and timer state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Kind separates the different state records kept for one session.
type Kind string

const (
	// KindPuzzle is the primary kind and carries no key suffix.
	KindPuzzle Kind = "PUZZLE"
	// KindTimer is stored under "<prefix><id>-TIMER".
	KindTimer Kind = "TIMER"
)

const (
	// DefaultPrefix is prepended to every cache key.
	DefaultPrefix = "sudoku-"
	// MaxAge is how long an entry stays visible to ListValues.
	MaxAge = 30 * 24 * time.Hour
	// cleanupAge is the age beyond which entries are dropped when the quota is hit.
	cleanupAge = 3 * 24 * time.Hour
)

var (
	// ErrIDRequired is returned when a keyed operation has no id.
	ErrIDRequired = errors.New("id required")
	// ErrQuotaExceeded is returned by the backend when a write would exceed the quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// Result is a stored value with the time it was written.
type Result[T any] struct {
	LastUpdated int64 `json:"lastUpdated"`
	State       T     `json:"state"`
}

// UpdatedAt converts LastUpdated from epoch milliseconds.
func (r *Result[T]) UpdatedAt() time.Time {
	return time.UnixMilli(r.LastUpdated)
}

// Entry is a listed value together with its session id.
type Entry[T any] struct {
	Result[T]
	SessionID string `json:"sessionId"`
}

// Key derives the storage key for id under kind.
func Key(prefix string, kind Kind, id string) (string, error) {
	if id == "" {
		return "", ErrIDRequired
	}
	key := prefix + id
	if kind != KindPuzzle {
		key = key + "-" + string(kind)
	}
	return key, nil
}

// matchesKind reports whether key belongs to kind under prefix.
func matchesKind(prefix string, kind Kind, key string) bool {
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	if kind != KindPuzzle {
		return strings.HasSuffix(key, "-"+string(kind))
	}
	return !hasKindSuffix(key)
}

// hasKindSuffix reports whether key ends in "-" followed by upper-case letters.
func hasKindSuffix(key string) bool {
	i := strings.LastIndexByte(key, '-')
	if i < 0 || i == len(key)-1 {
		return false
	}
	for _, r := range key[i+1:] {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// sessionIDFor strips the kind suffix, leaving "<prefix><id>".
func sessionIDFor(kind Kind, key string) string {
	if kind == KindPuzzle {
		return key
	}
	return strings.TrimSuffix(key, "-"+string(kind))
}

// Local is a typed view over the store for one kind, bound to an
// optional default id.
type Local[T any] struct {
	s    *SQLiteStore
	kind Kind
	id   string
}

// NewLocal returns a typed view of s for kind. id may be empty, in which
// case every keyed call must pass an override id.
func NewLocal[T any](s *SQLiteStore, kind Kind, id string) *Local[T] {
	return &Local[T]{s: s, kind: kind, id: id}
}

// Prefix returns the key prefix of the underlying store.
func (l *Local[T]) Prefix() string { return l.s.prefix }

func (l *Local[T]) key(overrideID string) (string, error) {
	id := overrideID
	if id == "" {
		id = l.id
	}
	return Key(l.s.prefix, l.kind, id)
}

// GetValue returns the stored value, or nil if it is missing or cannot
// be decoded. Only a missing id is reported as an error.
func (l *Local[T]) GetValue(ctx context.Context, overrideID string) (*Result[T], error) {
	key, err := l.key(overrideID)
	if err != nil {
		return nil, err
	}

	raw, ok, err := l.s.get(ctx, key)
	if err != nil {
		slog.Error("Failed to read local value", "key", key, "error", err)
		return nil, nil
	}
	if !ok {
		return nil, nil
	}

	var result Result[T]
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		slog.Error("Failed to decode local value", "key", key, "error", err)
		return nil, nil
	}
	return &result, nil
}

// SaveValue stores state stamped with the current time. Quota exhaustion
// triggers a cleanup and one retry; storage and encoding failures are
// logged and the returned result is simply not persisted.
func (l *Local[T]) SaveValue(ctx context.Context, state T, overrideID string) (*Result[T], error) {
	key, err := l.key(overrideID)
	if err != nil {
		return nil, err
	}

	result := &Result[T]{LastUpdated: l.s.clock.Now().UnixMilli(), State: state}
	data, err := json.Marshal(result)
	if err != nil {
		slog.Error("Failed to encode local value", "key", key, "error", err)
		return result, nil
	}

	err = l.s.put(ctx, key, string(data), result.LastUpdated)
	if errors.Is(err, ErrQuotaExceeded) {
		slog.Error("Local storage quota exceeded, attempting to clear old data", "key", key)
		if cleanupErr := l.s.cleanup(ctx); cleanupErr != nil {
			slog.Error("Failed to clean up local storage", "error", cleanupErr)
		}
		err = l.s.put(ctx, key, string(data), result.LastUpdated)
		if err != nil {
			slog.Error("Failed to save local value even after cleanup", "key", key, "error", err)
		}
		return result, nil
	}
	if err != nil {
		slog.Error("Failed to save local value", "key", key, "error", err)
	}
	return result, nil
}

// ListValues returns every entry of this kind updated within MaxAge.
// Entries that fail to decode are skipped.
func (l *Local[T]) ListValues(ctx context.Context) ([]Entry[T], error) {
	rows, err := l.s.list(ctx)
	if err != nil {
		return nil, fmt.Errorf("list local values: %w", err)
	}

	cutoff := l.s.clock.Now().Add(-MaxAge).UnixMilli()
	var out []Entry[T]
	for _, row := range rows {
		if !matchesKind(l.s.prefix, l.kind, row.key) {
			continue
		}
		var result Result[T]
		if err := json.Unmarshal([]byte(row.value), &result); err != nil {
			slog.Warn("Skipping corrupted local value", "key", row.key, "error", err)
			continue
		}
		if result.LastUpdated != 0 && result.LastUpdated <= cutoff {
			continue
		}
		out = append(out, Entry[T]{Result: result, SessionID: sessionIDFor(l.kind, row.key)})
	}
	return out, nil
}

// Delete removes the value for id.
func (l *Local[T]) Delete(ctx context.Context, overrideID string) error {
	key, err := l.key(overrideID)
	if err != nil {
		return err
	}
	return l.s.delete(ctx, key)
}
