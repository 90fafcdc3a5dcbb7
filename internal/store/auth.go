package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/sudoku-sync/internal/domain"
)

// LoadAuthState returns the persisted token bundle, or nil if none is saved.
func (s *SQLiteStore) LoadAuthState(ctx context.Context) (*domain.AuthState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM auth_state WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query auth state: %w", err)
	}

	var state domain.AuthState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode auth state: %w", err)
	}
	return &state, nil
}

// SaveAuthState replaces the persisted token bundle.
func (s *SQLiteStore) SaveAuthState(ctx context.Context, state *domain.AuthState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode auth state: %w", err)
	}

	query := `
	INSERT INTO auth_state (id, state_json, updated_at) VALUES (1, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		state_json = excluded.state_json,
		updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, string(data), s.clock.Now().Unix()); err != nil {
		return fmt.Errorf("upsert auth state: %w", err)
	}
	return nil
}
