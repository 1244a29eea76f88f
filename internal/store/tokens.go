package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"calnotify/internal/domain"
)

var timeNow = time.Now

// TokenStore persists one OAuth token per user.
type TokenStore struct {
	db *sql.DB
}

func (s *TokenStore) GetToken(ctx context.Context, userID string) (domain.Token, error) {
	var tok domain.Token
	var expiry sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, access_token, refresh_token, expiry
		FROM tokens WHERE user_id = ?
	`, userID).Scan(&tok.UserID, &tok.AccessToken, &tok.RefreshToken, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Token{}, fmt.Errorf("token for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return domain.Token{}, fmt.Errorf("failed to get token: %w", err)
	}
	if expiry.Valid {
		tok.Expiry = expiry.Time
	}
	return tok, nil
}

// SaveToken inserts or replaces the user's token.
func (s *TokenStore) SaveToken(ctx context.Context, tok domain.Token) error {
	if tok.UserID == "" {
		return errors.New("token user id is required")
	}
	now := timeNow()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (user_id, access_token, refresh_token, expiry, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expiry = excluded.expiry,
			updated_at = excluded.updated_at
	`, tok.UserID, tok.AccessToken, tok.RefreshToken, nullTime(tok.Expiry), now, now)
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// UpdateToken writes a rotated access token. The refresh token and expiry
// are only overwritten when the update carries them.
func (s *TokenStore) UpdateToken(ctx context.Context, upd domain.TokenUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tokens SET
			access_token = ?,
			refresh_token = CASE WHEN ? = '' THEN refresh_token ELSE ? END,
			expiry = COALESCE(?, expiry),
			updated_at = ?
		WHERE user_id = ?
	`, upd.AccessToken, upd.RefreshToken, upd.RefreshToken, nullTime(upd.Expiry), timeNow(), upd.UserID)
	if err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("token for %s: %w", upd.UserID, ErrNotFound)
	}
	return nil
}

func (s *TokenStore) DeleteToken(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM tokens WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

func (s *TokenStore) ListTokens(ctx context.Context) ([]domain.Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, access_token, refresh_token, expiry
		FROM tokens ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []domain.Token
	for rows.Next() {
		var tok domain.Token
		var expiry sql.NullTime
		if err := rows.Scan(&tok.UserID, &tok.AccessToken, &tok.RefreshToken, &expiry); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if expiry.Valid {
			tok.Expiry = expiry.Time
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
