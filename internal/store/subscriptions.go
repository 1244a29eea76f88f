package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"calnotify/internal/domain"
)

// SubscriptionStore records which calendars each user follows, keyed by
// (user, calendar id).
type SubscriptionStore struct {
	db *sql.DB
}

func (s *SubscriptionStore) AddSubscription(ctx context.Context, userID string, ref domain.CalendarRef) error {
	if ref.ID == "" {
		return errors.New("calendar id is required")
	}
	now := timeNow()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_calendars (user_id, calendar_id, calendar_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, calendar_id) DO UPDATE SET
			calendar_name = excluded.calendar_name,
			updated_at = excluded.updated_at
	`, userID, ref.ID, ref.Name, now, now)
	if err != nil {
		return fmt.Errorf("failed to add subscription: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) RemoveSubscription(ctx context.Context, userID, calendarID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM user_calendars WHERE user_id = ? AND calendar_id = ?", userID, calendarID)
	if err != nil {
		return fmt.Errorf("failed to remove subscription: %w", err)
	}
	return nil
}

// RemoveAllSubscriptions drops every calendar the user follows and reports how many.
func (s *SubscriptionStore) RemoveAllSubscriptions(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM user_calendars WHERE user_id = ?", userID)
	if err != nil {
		return 0, fmt.Errorf("failed to remove subscriptions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SubscriptionStore) ListSubscriptions(ctx context.Context, userID string) ([]domain.CalendarRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT calendar_id, calendar_name FROM user_calendars
		WHERE user_id = ? ORDER BY created_at, calendar_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var refs []domain.CalendarRef
	for rows.Next() {
		var ref domain.CalendarRef
		if err := rows.Scan(&ref.ID, &ref.Name); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
