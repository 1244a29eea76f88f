package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Dispatcher pushes directly and falls back to the queue when the push fails.
// The queued retry reuses the first attempt's retry key. A nil Queue makes
// push failures surface to the caller.
type Dispatcher struct {
	Pusher Pusher
	Queue  *Queue
}

func (d *Dispatcher) Send(ctx context.Context, userID, text string) error {
	key := uuid.NewString()
	err := d.Pusher.Push(ctx, key, userID, text)
	if err == nil {
		return nil
	}
	if d.Queue == nil {
		return err
	}
	if qerr := d.Queue.Enqueue(ctx, key, userID, text, err.Error()); qerr != nil {
		return fmt.Errorf("push failed (%v) and could not be queued: %w", err, qerr)
	}
	log.Warn().Err(err).Str("user", userID).Msg("Push failed, digest queued for retry")
	return nil
}
