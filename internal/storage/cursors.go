package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SyncState is the persisted cursor of one subscription
type SyncState struct {
	Key       string `db:"key"`
	Since     int64  `db:"since"`
	UpdatedAt int64  `db:"updated_at"`
}

// GetSyncState returns the cursor for key, or sql.ErrNoRows
func (s *Storage) GetSyncState(ctx context.Context, key string) (*SyncState, error) {
	var state SyncState
	err := s.db.GetContext(ctx, &state, `SELECT key, since, updated_at FROM sync_state WHERE key = ?`, key)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// GetAllSyncStates returns every cursor
func (s *Storage) GetAllSyncStates(ctx context.Context) ([]SyncState, error) {
	var states []SyncState
	if err := s.db.SelectContext(ctx, &states, `SELECT key, since, updated_at FROM sync_state ORDER BY key`); err != nil {
		return nil, fmt.Errorf("failed to list sync states: %w", err)
	}
	return states, nil
}

// UpdateSyncCursor advances the cursor for key; older values never move it back
func (s *Storage) UpdateSyncCursor(ctx context.Context, key string, since int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, since, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			since = MAX(sync_state.since, excluded.since),
			updated_at = excluded.updated_at`,
		key, since, s.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}
	return nil
}

// Cursor returns the stored time for key; zero when none exists
func (s *Storage) Cursor(ctx context.Context, key string) (time.Time, error) {
	state, err := s.GetSyncState(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(state.Since, 0), nil
}

// SetCursor advances the cursor for key
func (s *Storage) SetCursor(ctx context.Context, key string, at time.Time) error {
	return s.UpdateSyncCursor(ctx, key, at.Unix())
}
