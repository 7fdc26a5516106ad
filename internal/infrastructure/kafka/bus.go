// Package kafka implements transport.Bus with sarama.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/transport"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	headerMessageID = "message-id"
	headerAttempt   = "attempt"
	headerReason    = "dlq-reason"
	dlqSuffix       = ".dlq"
)

type Config struct {
	Brokers       []string
	ClientID      string
	Group         string
	MaxDeliveries int
	// RetryBackoff is the pause between in-process redeliveries.
	RetryBackoff time.Duration
}

// Bus publishes through a SyncProducer and consumes through a consumer
// group. Kafka has no per-message redelivery, so a rejected message is
// retried in-process and then copied to <topic>.dlq before its offset is
// marked.
type Bus struct {
	producer sarama.SyncProducer
	cfg      Config
	logger   zerolog.Logger
}

var _ transport.Bus = (*Bus)(nil)

func NewConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Version = sarama.V3_0_0_0
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.BalanceStrategyRoundRobin}
	return config
}

func New(cfg Config, logger zerolog.Logger) (*Bus, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewConfig(cfg.ClientID))
	if err != nil {
		return nil, fmt.Errorf("error creating producer: %w", err)
	}
	return NewWithProducer(producer, cfg, logger), nil
}

// NewWithProducer wires an existing producer, e.g. a sarama mock.
func NewWithProducer(producer sarama.SyncProducer, cfg Config, logger zerolog.Logger) *Bus {
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 3
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	return &Bus{producer: producer, cfg: cfg, logger: logger.With().Str("transport", "kafka").Logger()}
}

func (b *Bus) Publish(ctx context.Context, msg transport.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	headers := transport.InjectTrace(ctx, transport.CloneHeaders(msg.Headers))
	headers[headerMessageID] = msg.ID

	_, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
		Topic:   msg.Topic,
		Key:     sarama.StringEncoder(msg.Key),
		Value:   sarama.ByteEncoder(msg.Body),
		Headers: recordHeaders(headers),
	})
	if err != nil {
		return fmt.Errorf("error sending message to %s: %w", msg.Topic, err)
	}
	return nil
}

// Subscribe joins the consumer group and consumes until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, topics []string, h transport.Handler) error {
	group, err := sarama.NewConsumerGroup(b.cfg.Brokers, b.cfg.Group, NewConfig(b.cfg.ClientID))
	if err != nil {
		return fmt.Errorf("error creating consumer group: %w", err)
	}
	defer func() {
		if err := group.Close(); err != nil {
			b.logger.Error().Err(err).Msg("error closing consumer group")
		}
	}()

	go func() {
		for err := range group.Errors() {
			b.logger.Error().Err(err).Msg("consumer group error")
		}
	}()

	handler := &groupHandler{bus: b, handler: h}
	for {
		if err := group.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			b.logger.Error().Err(err).Msg("error consuming in consumer loop")
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// process delivers one record, retrying in-process up to MaxDeliveries.
func (b *Bus) process(ctx context.Context, rec *sarama.ConsumerMessage, h transport.Handler) {
	headers := mapHeaders(rec.Headers)
	msg := transport.Message{
		ID:      headers[headerMessageID],
		Topic:   rec.Topic,
		Key:     string(rec.Key),
		Body:    rec.Value,
		Headers: headers,
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("%s-%d-%d", rec.Topic, rec.Partition, rec.Offset)
	}
	hctx := transport.ExtractTrace(ctx, headers)

	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxDeliveries; attempt++ {
		msg.Attempt = attempt
		if lastErr = h(hctx, msg); lastErr == nil {
			return
		}
		b.logger.Warn().Err(lastErr).Str("topic", rec.Topic).Str("message_id", msg.ID).
			Int("attempt", attempt).Msg("handler rejected message")
		if attempt < b.cfg.MaxDeliveries && b.cfg.RetryBackoff > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.cfg.RetryBackoff):
			}
		}
	}

	b.deadLetter(ctx, msg, lastErr)
}

func (b *Bus) deadLetter(ctx context.Context, msg transport.Message, cause error) {
	headers := transport.CloneHeaders(msg.Headers)
	headers[headerAttempt] = fmt.Sprint(msg.Attempt)
	if cause != nil {
		headers[headerReason] = cause.Error()
	}
	err := b.Publish(ctx, transport.Message{
		ID:      msg.ID,
		Topic:   msg.Topic + dlqSuffix,
		Key:     msg.Key,
		Body:    msg.Body,
		Headers: headers,
	})
	if err != nil {
		b.logger.Error().Err(err).Str("topic", msg.Topic).Str("message_id", msg.ID).Msg("failed to publish to DLQ")
		return
	}
	b.logger.Warn().Str("topic", msg.Topic).Str("message_id", msg.ID).Msg("message dead-lettered")
}

func (b *Bus) Close() error {
	return b.producer.Close()
}

type groupHandler struct {
	bus     *Bus
	handler transport.Handler
}

func (g *groupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (g *groupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (g *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for rec := range claim.Messages() {
		g.bus.process(session.Context(), rec, g.handler)
		session.MarkMessage(rec, "")
	}
	return nil
}

func recordHeaders(headers map[string]string) []sarama.RecordHeader {
	out := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return out
}

func mapHeaders(headers []*sarama.RecordHeader) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		if h == nil {
			continue
		}
		out[string(h.Key)] = string(h.Value)
	}
	return out
}
