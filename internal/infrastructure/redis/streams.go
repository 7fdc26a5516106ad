package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/transport"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Stream entry fields.
const (
	fieldMessageID = "message_id"
	fieldKey       = "key"
	fieldBody      = "body"
	fieldHeaders   = "headers"
	fieldReason    = "reason"

	dlqSuffix = ".dlq"
)

type StreamBusConfig struct {
	Group         string
	Consumer      string
	BatchSize     int64
	BlockDuration time.Duration
	ClaimMinIdle  time.Duration
	MaxDeliveries int64
}

// StreamBus is a transport.Bus over Redis Streams. Each topic is a stream
// consumed through one consumer group; messages a handler rejects stay
// pending and are reclaimed once idle, until MaxDeliveries moves them to
// <topic>.dlq.
type StreamBus struct {
	client redis.Cmdable
	cfg    StreamBusConfig
	logger zerolog.Logger
	seq    atomic.Int64
}

var _ transport.Bus = (*StreamBus)(nil)

func NewStreamBus(client redis.Cmdable, cfg StreamBusConfig, logger zerolog.Logger) *StreamBus {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = time.Second
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = time.Minute
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 3
	}
	return &StreamBus{client: client, cfg: cfg, logger: logger.With().Str("transport", "redis").Logger()}
}

func (b *StreamBus) Publish(ctx context.Context, msg transport.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Headers = transport.InjectTrace(ctx, transport.CloneHeaders(msg.Headers))

	values, err := encodeValues(msg)
	if err != nil {
		return err
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: msg.Topic, Values: values}).Err(); err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", msg.Topic, err)
	}
	return nil
}

// Subscribe reads new entries and reclaims idle pending ones until ctx is done.
func (b *StreamBus) Subscribe(ctx context.Context, topics []string, h transport.Handler) error {
	consumer := fmt.Sprintf("%s-%d", b.cfg.Consumer, b.seq.Add(1))
	for _, topic := range topics {
		if err := b.createGroup(ctx, topic); err != nil {
			return err
		}
	}

	streams := make([]string, 0, len(topics)*2)
	streams = append(streams, topics...)
	for range topics {
		streams = append(streams, ">")
	}

	lastClaim := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(lastClaim) >= b.cfg.ClaimMinIdle/2 {
			for _, topic := range topics {
				b.reclaim(ctx, topic, consumer, h)
			}
			lastClaim = time.Now()
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: consumer,
			Streams:  streams,
			Count:    b.cfg.BatchSize,
			Block:    b.cfg.BlockDuration,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Error().Err(err).Msg("failed to read from streams")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(b.cfg.BlockDuration):
			}
			continue
		}

		for _, stream := range res {
			for _, xm := range stream.Messages {
				b.handle(ctx, stream.Stream, xm, 1, h)
			}
		}
	}
}

func (b *StreamBus) createGroup(ctx context.Context, stream string) error {
	// Create stream if it doesn't exist
	const busyGroupMsg = "BUSYGROUP"
	err := b.client.XGroupCreateMkStream(ctx, stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), busyGroupMsg) {
		return fmt.Errorf("failed to create consumer group on %s: %w", stream, err)
	}
	return nil
}

func (b *StreamBus) handle(ctx context.Context, stream string, xm redis.XMessage, attempt int, h transport.Handler) {
	msg, err := decodeMessage(stream, xm)
	if err != nil {
		b.logger.Error().Err(err).Str("stream", stream).Str("entry_id", xm.ID).Msg("undecodable stream entry, dead-lettering")
		b.deadLetter(ctx, stream, xm, err.Error())
		return
	}
	msg.Attempt = attempt

	if err := h(transport.ExtractTrace(ctx, msg.Headers), msg); err != nil {
		b.logger.Warn().Err(err).Str("stream", stream).Str("message_id", msg.ID).Int("attempt", attempt).
			Msg("handler rejected message, leaving it pending")
		return
	}
	if err := b.client.XAck(ctx, stream, b.cfg.Group, xm.ID).Err(); err != nil {
		b.logger.Error().Err(err).Str("stream", stream).Str("entry_id", xm.ID).Msg("failed to ack message")
	}
}

// reclaim takes over entries idle for ClaimMinIdle. Entries already delivered
// MaxDeliveries times go to the dead-letter stream instead.
func (b *StreamBus) reclaim(ctx context.Context, stream, consumer string, h transport.Handler) {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  b.cfg.Group,
		Idle:   b.cfg.ClaimMinIdle,
		Start:  "-",
		End:    "+",
		Count:  b.cfg.BatchSize,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Error().Err(err).Str("stream", stream).Msg("failed to list pending entries")
		}
		return
	}
	if len(pending) == 0 {
		return
	}

	deliveries := make(map[string]int64, len(pending))
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		deliveries[p.ID] = p.RetryCount
		ids = append(ids, p.ID)
	}

	claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    b.cfg.Group,
		Consumer: consumer,
		MinIdle:  b.cfg.ClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		b.logger.Error().Err(err).Str("stream", stream).Msg("failed to claim pending entries")
		return
	}

	for _, xm := range claimed {
		delivered := deliveries[xm.ID]
		if delivered >= b.cfg.MaxDeliveries {
			b.deadLetter(ctx, stream, xm, fmt.Sprintf("delivered %d times", delivered))
			continue
		}
		b.handle(ctx, stream, xm, int(delivered)+1, h)
	}
}

func (b *StreamBus) deadLetter(ctx context.Context, stream string, xm redis.XMessage, reason string) {
	values := make(map[string]any, len(xm.Values)+1)
	for k, v := range xm.Values {
		values[k] = v
	}
	values[fieldReason] = reason

	if err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: stream + dlqSuffix, Values: values}).Err(); err != nil {
		b.logger.Error().Err(err).Str("stream", stream).Str("entry_id", xm.ID).Msg("failed to publish to DLQ")
		return
	}
	if err := b.client.XAck(ctx, stream, b.cfg.Group, xm.ID).Err(); err != nil {
		b.logger.Error().Err(err).Str("stream", stream).Str("entry_id", xm.ID).Msg("failed to ack dead-lettered entry")
	}
	b.logger.Warn().Str("stream", stream).Str("entry_id", xm.ID).Str("reason", reason).Msg("message dead-lettered")
}

// Close is a no-op: the Redis client is owned by the caller.
func (b *StreamBus) Close() error {
	return nil
}

func encodeValues(msg transport.Message) (map[string]any, error) {
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal headers: %w", err)
	}
	return map[string]any{
		fieldMessageID: msg.ID,
		fieldKey:       msg.Key,
		fieldBody:      string(msg.Body),
		fieldHeaders:   string(headers),
	}, nil
}

func decodeMessage(stream string, xm redis.XMessage) (transport.Message, error) {
	body, ok := xm.Values[fieldBody].(string)
	if !ok {
		return transport.Message{}, fmt.Errorf("stream entry %s has no body", xm.ID)
	}
	msg := transport.Message{
		ID:    stringField(xm.Values, fieldMessageID),
		Topic: stream,
		Key:   stringField(xm.Values, fieldKey),
		Body:  []byte(body),
	}
	if msg.ID == "" {
		msg.ID = xm.ID
	}
	if raw := stringField(xm.Values, fieldHeaders); raw != "" {
		if err := json.Unmarshal([]byte(raw), &msg.Headers); err != nil {
			return transport.Message{}, fmt.Errorf("stream entry %s has invalid headers: %w", xm.ID, err)
		}
	}
	return msg, nil
}

func stringField(values map[string]any, key string) string {
	s, _ := values[key].(string)
	return s
}
