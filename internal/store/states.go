package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const DefaultStateTTL = 5 * time.Minute

type StateOption func(*StateStore)

func WithStateTTL(ttl time.Duration) StateOption {
	return func(s *StateStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func withStateClock(now func() time.Time) StateOption {
	return func(s *StateStore) { s.now = now }
}

// StateStore holds one-time OAuth state values binding an authorization
// round trip to the user who started it.
type StateStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// SaveState records state for userID. Reusing an existing state is an error.
func (s *StateStore) SaveState(ctx context.Context, state, userID string) error {
	if state == "" || userID == "" {
		return errors.New("state and user id are required")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO oauth_states (state, user_id, expires_at) VALUES (?, ?, ?)",
		state, userID, s.now().Add(s.ttl).UTC())
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// ConsumeState validates and deletes state. ok is false when the state is
// unknown or expired.
func (s *StateStore) ConsumeState(ctx context.Context, state string) (userID string, ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var expiresAt time.Time
	err = tx.QueryRowContext(ctx,
		"SELECT user_id, expires_at FROM oauth_states WHERE state = ?", state).Scan(&userID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM oauth_states WHERE state = ?", state); err != nil {
		return "", false, fmt.Errorf("failed to delete state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("failed to commit state: %w", err)
	}

	if !s.now().Before(expiresAt) {
		return "", false, nil
	}
	return userID, true, nil
}

// PurgeExpired removes states past their TTL.
func (s *StateStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM oauth_states WHERE expires_at <= ?", s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge states: %w", err)
	}
	return res.RowsAffected()
}
