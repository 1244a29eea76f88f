package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Pusher pushes a text message to a chat user. Pushes sharing a retry key
// are delivered at most once.
type Pusher interface {
	Push(ctx context.Context, retryKey, userID, text string) error
}

// Processor retries queued digests in the background.
type Processor struct {
	queue         *Queue
	pusher        Pusher
	checkInterval time.Duration
	batchSize     int
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	CheckInterval time.Duration // How often to check for due messages
	BatchSize     int           // How many messages to push per cycle
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		CheckInterval: time.Minute,
		BatchSize:     20,
	}
}

func NewProcessor(queue *Queue, pusher Pusher, cfg ProcessorConfig) *Processor {
	return &Processor{
		queue:         queue,
		pusher:        pusher,
		checkInterval: cfg.CheckInterval,
		batchSize:     cfg.BatchSize,
	}
}

// Run drains due messages every interval until ctx is done.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", p.checkInterval).
		Int("batch_size", p.batchSize).
		Msg("Outbox processor started")
	p.logStats(ctx)

	p.processQueue(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Outbox processor stopped")
			return
		case <-ticker.C:
			p.processQueue(ctx)
		}
	}
}

// ProcessNow drains due messages once.
func (p *Processor) ProcessNow(ctx context.Context) {
	p.processQueue(ctx)
}

func (p *Processor) processQueue(ctx context.Context) {
	if _, err := p.queue.PurgeExpired(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to purge expired messages")
	}

	msgs, err := p.queue.Pending(ctx, p.batchSize)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get pending messages")
		return
	}

	if len(msgs) == 0 {
		return
	}

	log.Info().Int("count", len(msgs)).Msg("Retrying queued digests")

	successCount := 0
	failCount := 0

	for _, m := range msgs {
		if ctx.Err() != nil {
			return
		}

		if err := p.pusher.Push(ctx, m.RetryKey, m.UserID, m.Text); err != nil {
			log.Warn().
				Err(err).
				Int64("id", m.ID).
				Str("user", m.UserID).
				Int("retries", m.Retries+1).
				Msg("Queued digest failed")

			if err := p.queue.MarkFailed(ctx, m.ID, err.Error()); err != nil {
				log.Error().Err(err).Int64("id", m.ID).Msg("Failed to mark message as failed")
			}
			failCount++
			continue
		}
		if err := p.queue.MarkSent(ctx, m.ID); err != nil {
			log.Error().Err(err).Int64("id", m.ID).Msg("Failed to mark message as sent")
		}
		successCount++
	}

	log.Info().
		Int("success", successCount).
		Int("failed", failCount).
		Msg("Outbox processing complete")
	p.logStats(ctx)
}

func (p *Processor) logStats(ctx context.Context) {
	stats, err := p.queue.Stats(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read outbox stats")
		return
	}
	ev := log.Info().
		Int64("pending", stats.PendingCount).
		Int64("expired", stats.ExpiredCount)
	if stats.NextRetry != nil {
		ev = ev.Time("next_retry", *stats.NextRetry)
	}
	ev.Msg("Outbox status")
}
