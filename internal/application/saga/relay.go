package saga

import (
	"context"
	"time"

	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/outbox"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/infrastructure/observability"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/transport"
	"github.com/rs/zerolog"
)

// Relay re-publishes status events parked in the outbox.
type Relay struct {
	outbox    outbox.Repository
	tx        TransactionManager
	publisher transport.Publisher
	batchSize int
	interval  time.Duration
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewRelay(
	repo outbox.Repository,
	tx TransactionManager,
	publisher transport.Publisher,
	batchSize int,
	interval time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Relay {
	return &Relay{
		outbox:    repo,
		tx:        tx,
		publisher: publisher,
		batchSize: batchSize,
		interval:  interval,
		metrics:   metrics,
		logger:    logger.With().Str("component", "outbox-relay").Logger(),
	}
}

// RelayOnce publishes one batch of pending entries and returns how many
// made it to the broker.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	published := 0
	err := r.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		entries, err := r.outbox.GetPending(txCtx, r.batchSize)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			id := entry.Headers[transport.HeaderMessageID]
			if id == "" {
				id = entry.ID.String()
			}
			pubCtx := transport.ExtractTrace(ctx, entry.Headers)
			if err := r.publisher.Publish(pubCtx, transport.Message{
				ID:      id,
				Topic:   entry.Topic,
				Key:     entry.Key,
				Body:    entry.Payload,
				Headers: transport.CloneHeaders(entry.Headers),
			}); err != nil {
				r.metrics.OutboxRelayed.WithLabelValues("failure").Inc()
				r.logger.Error().Err(err).Str("outbox_id", entry.ID.String()).Msg("Failed to publish outbox event")
				if err := r.outbox.MarkFailed(txCtx, entry.ID, err.Error()); err != nil {
					return err
				}
				continue
			}
			if err := r.outbox.MarkPublished(txCtx, entry.ID); err != nil {
				return err
			}
			r.metrics.OutboxRelayed.WithLabelValues("success").Inc()
			published++
		}
		return nil
	})
	return published, err
}

// Run polls the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := r.RelayOnce(ctx); err != nil {
			r.logger.Error().Err(err).Msg("Outbox processor error")
		}
	}
}
