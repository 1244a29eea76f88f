package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

var timeNow = time.Now

// Message is an undelivered digest waiting for another push attempt.
type Message struct {
	ID          int64
	RetryKey    string
	UserID      string
	Text        string
	Retries     int
	MaxRetries  int
	NextRetryAt time.Time
	CreatedAt   time.Time
	LastError   string
}

// Config holds queue configuration
type Config struct {
	Path           string        // Path to SQLite database file
	MaxRetries     int           // Maximum number of retries per message
	InitialBackoff time.Duration // Delay before the first retry
	MaxBackoff     time.Duration // Upper bound for the retry delay
	BackoffFactor  float64       // Multiplier for exponential backoff
}

// DefaultConfig returns sensible default configuration
func DefaultConfig(basePath string) Config {
	return Config{
		Path:           filepath.Join(basePath, "outbox.db"),
		MaxRetries:     5,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     1 * time.Hour,
		BackoffFactor:  2.0,
	}
}

// Queue persists digests whose push failed.
type Queue struct {
	db     *sql.DB
	config Config
	mu     sync.RWMutex
}

// New opens the outbox database, creating it if needed.
func New(cfg Config) (*Queue, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox database: %w", err)
	}

	q := &Queue{
		db:     db,
		config: cfg,
	}

	if err := q.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize outbox: %w", err)
	}

	return q, nil
}

func (q *Queue) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		retry_key TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL,
		text TEXT NOT NULL,
		retries INTEGER DEFAULT 0,
		max_retries INTEGER NOT NULL,
		next_retry_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_next_retry_at ON outbox(next_retry_at);
	`

	if _, err := q.db.Exec(schema); err != nil {
		return err
	}
	return q.addColumnIfMissing("retry_key", "TEXT NOT NULL DEFAULT ''")
}

// addColumnIfMissing upgrades outbox tables created before the column existed.
func (q *Queue) addColumnIfMissing(name, def string) error {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('outbox') WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = q.db.Exec(fmt.Sprintf("ALTER TABLE outbox ADD COLUMN %s %s", name, def))
	return err
}

// Enqueue stores a digest for a later push attempt under retryKey.
func (q *Queue) Enqueue(ctx context.Context, retryKey, userID, text, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := timeNow().UTC()
	nextRetry := now.Add(q.config.InitialBackoff)

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO outbox (retry_key, user_id, text, max_retries, next_retry_at, created_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, retryKey, userID, text, q.config.MaxRetries, nextRetry, now, lastError)
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	log.Debug().
		Str("user", userID).
		Time("next_retry", nextRetry).
		Msg("Digest queued for retry")

	return nil
}

// Pending returns messages whose retry time has come.
func (q *Queue) Pending(ctx context.Context, limit int) ([]Message, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, retry_key, user_id, text, retries, max_retries, next_retry_at, created_at, COALESCE(last_error, '')
		FROM outbox
		WHERE next_retry_at <= ? AND retries < max_retries
		ORDER BY next_retry_at ASC, id ASC
		LIMIT ?
	`, timeNow().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID,
			&m.RetryKey,
			&m.UserID,
			&m.Text,
			&m.Retries,
			&m.MaxRetries,
			&m.NextRetryAt,
			&m.CreatedAt,
			&m.LastError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		msgs = append(msgs, m)
	}

	return msgs, rows.Err()
}

// MarkSent removes a delivered message.
func (q *Queue) MarkSent(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.db.ExecContext(ctx, "DELETE FROM outbox WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	log.Debug().Int64("id", id).Msg("Queued digest delivered")
	return nil
}

// MarkFailed records a failed attempt and schedules the next one.
func (q *Queue) MarkFailed(ctx context.Context, id int64, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var retries int
	err := q.db.QueryRowContext(ctx, "SELECT retries FROM outbox WHERE id = ?", id).Scan(&retries)
	if err != nil {
		return fmt.Errorf("failed to get retry count: %w", err)
	}

	newRetries := retries + 1
	backoff := q.calculateBackoff(newRetries)
	nextRetry := timeNow().UTC().Add(backoff)

	_, err = q.db.ExecContext(ctx, `
		UPDATE outbox
		SET retries = ?, next_retry_at = ?, last_error = ?
		WHERE id = ?
	`, newRetries, nextRetry, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}

	log.Debug().
		Int64("id", id).
		Int("retries", newRetries).
		Dur("backoff", backoff).
		Time("next_retry", nextRetry).
		Msg("Digest retry scheduled")

	return nil
}

func (q *Queue) calculateBackoff(retries int) time.Duration {
	backoff := float64(q.config.InitialBackoff)
	for i := 0; i < retries; i++ {
		backoff *= q.config.BackoffFactor
	}

	if backoff > float64(q.config.MaxBackoff) {
		return q.config.MaxBackoff
	}

	return time.Duration(backoff)
}

// PurgeExpired drops messages that used up their retries.
func (q *Queue) PurgeExpired(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	result, err := q.db.ExecContext(ctx, `DELETE FROM outbox WHERE retries >= max_retries`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired messages: %w", err)
	}

	count, _ := result.RowsAffected()
	if count > 0 {
		log.Warn().Int64("count", count).Msg("Dropped undeliverable digests")
	}

	return count, nil
}

// Stats returns queue statistics
type Stats struct {
	PendingCount int64
	ExpiredCount int64
	NextRetry    *time.Time
}

func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := &Stats{}

	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox WHERE retries < max_retries
	`).Scan(&stats.PendingCount)
	if err != nil {
		return nil, err
	}

	err = q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox WHERE retries >= max_retries
	`).Scan(&stats.ExpiredCount)
	if err != nil {
		return nil, err
	}

	var next time.Time
	err = q.db.QueryRowContext(ctx, `
		SELECT next_retry_at FROM outbox
		WHERE retries < max_retries
		ORDER BY next_retry_at ASC
		LIMIT 1
	`).Scan(&next)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, err
	default:
		stats.NextRetry = &next
	}

	return stats, nil
}

// Close closes the database connection
func (q *Queue) Close() error {
	return q.db.Close()
}
