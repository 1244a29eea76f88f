package outbox

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"calnotify/internal/line"
)

type fakePusher struct {
	mu   sync.Mutex
	err  error
	keys []string
	sent []string
}

func (f *fakePusher) Push(_ context.Context, retryKey, userID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, retryKey)
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, userID+":"+text)
	return nil
}

func setClock(t *testing.T, now *time.Time) {
	t.Helper()
	prev := timeNow
	timeNow = func() time.Time { return *now }
	t.Cleanup(func() { timeNow = prev })
}

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.MaxRetries = 2
	q, err := New(cfg)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestQueueBackoffAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	setClock(t, &now)
	q := openTestQueue(t)

	if err := q.Enqueue(ctx, "key-1", "U1", "digest", "boom"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := q.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("message must wait for the initial backoff, got %d", len(msgs))
	}

	now = now.Add(30 * time.Second)
	msgs, err = q.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(msgs) != 1 || msgs[0].UserID != "U1" || msgs[0].RetryKey != "key-1" || msgs[0].Text != "digest" || msgs[0].LastError != "boom" {
		t.Fatalf("unexpected pending: %+v", msgs)
	}

	if err := q.MarkFailed(ctx, msgs[0].ID, "again"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PendingCount != 1 || stats.NextRetry == nil || !stats.NextRetry.Equal(now.Add(60*time.Second)) {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	now = now.Add(60 * time.Second)
	if err := q.MarkFailed(ctx, msgs[0].ID, "again"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	n, err := q.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
}

func TestCalculateBackoffCapped(t *testing.T) {
	q := &Queue{config: Config{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, BackoffFactor: 2}}
	if got := q.calculateBackoff(1); got != 2*time.Second {
		t.Fatalf("expected 2s, got %v", got)
	}
	if got := q.calculateBackoff(10); got != 5*time.Second {
		t.Fatalf("expected cap at 5s, got %v", got)
	}
}

func TestDispatcherQueuesOnFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	setClock(t, &now)
	q := openTestQueue(t)
	sender := &fakePusher{err: errors.New("line down")}
	d := &Dispatcher{Pusher: sender, Queue: q}

	if err := d.Send(ctx, "U1", "digest"); err != nil {
		t.Fatalf("queued send must succeed, got %v", err)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PendingCount != 1 {
		t.Fatalf("expected 1 pending, got %d", stats.PendingCount)
	}

	// Once LINE recovers the processor delivers and clears the row.
	sender.err = nil
	now = now.Add(time.Minute)
	p := NewProcessor(q, sender, DefaultProcessorConfig())
	p.ProcessNow(ctx)

	if len(sender.sent) != 1 || sender.sent[0] != "U1:digest" {
		t.Fatalf("unexpected deliveries: %v", sender.sent)
	}
	if len(sender.keys) != 2 || sender.keys[0] == "" || sender.keys[0] != sender.keys[1] {
		t.Fatalf("retry must reuse the first retry key, got %v", sender.keys)
	}
	stats, err = q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PendingCount != 0 || stats.NextRetry != nil {
		t.Fatalf("expected empty outbox, got %+v", stats)
	}
}

func TestDispatcherWithoutQueue(t *testing.T) {
	sendErr := errors.New("line down")
	d := &Dispatcher{Pusher: &fakePusher{err: sendErr}}
	if err := d.Send(context.Background(), "U1", "x"); !errors.Is(err, sendErr) {
		t.Fatalf("expected send error, got %v", err)
	}
}

func TestDispatcherEnqueueFailure(t *testing.T) {
	q, err := New(DefaultConfig(filepath.Join(t.TempDir(), "closed")))
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	q.Close()

	d := &Dispatcher{Pusher: &fakePusher{err: errors.New("line down")}, Queue: q}
	if err := d.Send(context.Background(), "U1", "x"); err == nil {
		t.Fatal("expected an error when the digest cannot be queued")
	}
}

func TestRetryReusesLineRetryKey(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	setClock(t, &now)
	q := openTestQueue(t)

	var mu sync.Mutex
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, r.Header.Get("X-Line-Retry-Key"))
		if len(keys) == 1 {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("{}"))
	}))
	defer srv.Close()

	client := line.NewClient(srv.URL, "token")
	d := &Dispatcher{Pusher: client, Queue: q}
	if err := d.Send(ctx, "U1", "digest"); err != nil {
		t.Fatalf("send: %v", err)
	}

	now = now.Add(time.Minute)
	NewProcessor(q, client, DefaultProcessorConfig()).ProcessNow(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(keys) != 2 || keys[0] == "" || keys[0] != keys[1] {
		t.Fatalf("both pushes must carry one retry key, got %q", keys)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PendingCount != 0 {
		t.Fatalf("expected delivered digest to leave the outbox, got %+v", stats)
	}
}

func TestProcessorLogsStats(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	setClock(t, &now)
	q := openTestQueue(t)
	if err := q.Enqueue(ctx, "key-1", "U1", "digest", "boom"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	now = now.Add(time.Minute)
	NewProcessor(q, &fakePusher{err: errors.New("line down")}, DefaultProcessorConfig()).ProcessNow(ctx)

	out := buf.String()
	if !strings.Contains(out, `"message":"Outbox status"`) || !strings.Contains(out, `"pending":1`) {
		t.Fatalf("expected outbox status in log, got:\n%s", out)
	}
}

func TestNewUpgradesOldSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		text TEXT NOT NULL,
		retries INTEGER DEFAULT 0,
		max_retries INTEGER NOT NULL,
		next_retry_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		last_error TEXT
	)`)
	if err != nil {
		t.Fatalf("create old table: %v", err)
	}
	db.Close()

	cfg := DefaultConfig(t.TempDir())
	cfg.Path = path
	q, err := New(cfg)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q.Close()
	if err := q.Enqueue(context.Background(), "key-1", "U1", "digest", ""); err != nil {
		t.Fatalf("enqueue after upgrade: %v", err)
	}
}
