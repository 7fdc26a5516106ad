// Package rabbitmq implements transport.Bus on a RabbitMQ topic exchange
// with quorum queues and a dead-letter exchange.
package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/transport"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/pkg/retry"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	headerDeliveryCount = "x-delivery-count"
	headerMessageKey    = "x-message-key"
)

type Config struct {
	URL                string
	Exchange           string
	DeadLetterExchange string
	// Group names the queues, one per topic: <group>.<topic>.
	Group         string
	Prefetch      int
	MaxDeliveries int
}

type Bus struct {
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	pubMu  sync.Mutex
	cfg    Config
	logger zerolog.Logger
}

var _ transport.Bus = (*Bus)(nil)

// Dial connects with backoff and declares the exchanges.
func Dial(ctx context.Context, cfg Config, logger zerolog.Logger) (*Bus, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 3
	}

	conn, err := retry.DoWithResult(ctx, retry.Config{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
	}, func() (*amqp.Connection, error) {
		return amqp.Dial(cfg.URL)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	for _, name := range []string{cfg.Exchange, cfg.DeadLetterExchange} {
		if err := ch.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to declare exchange %s: %w", name, err)
		}
	}

	return &Bus{
		conn:   conn,
		pubCh:  ch,
		cfg:    cfg,
		logger: logger.With().Str("transport", "rabbitmq").Logger(),
	}, nil
}

// Publish sends msg persistently with the topic as routing key.
func (b *Bus) Publish(ctx context.Context, msg transport.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	headers := transport.InjectTrace(ctx, transport.CloneHeaders(msg.Headers))

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	err := b.pubCh.PublishWithContext(ctx, b.cfg.Exchange, msg.Topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now().UTC(),
		Headers:      toTable(headers, msg.Key),
		Body:         msg.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe declares one quorum queue per topic on a dedicated channel and
// consumes them until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, topics []string, h transport.Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	var wg sync.WaitGroup
	for _, topic := range topics {
		queue, err := b.declareQueue(ch, topic)
		if err != nil {
			return err
		}
		deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("failed to consume %s: %w", queue, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					b.handle(ctx, topic, d, h)
				}
			}
		}()
	}

	<-ctx.Done()
	ch.Close()
	wg.Wait()
	return nil
}

func (b *Bus) declareQueue(ch *amqp.Channel, topic string) (string, error) {
	queue := b.cfg.Group + "." + topic
	if _, err := ch.QueueDeclare(queue, true, false, false, false, queueArgs(b.cfg.DeadLetterExchange, topic)); err != nil {
		return "", fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, topic, b.cfg.Exchange, false, nil); err != nil {
		return "", fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}

	dlq := queue + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, amqp.Table{"x-queue-type": "quorum"}); err != nil {
		return "", fmt.Errorf("failed to declare queue %s: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, topic, b.cfg.DeadLetterExchange, false, nil); err != nil {
		return "", fmt.Errorf("failed to bind queue %s: %w", dlq, err)
	}
	return queue, nil
}

func (b *Bus) handle(ctx context.Context, topic string, d amqp.Delivery, h transport.Handler) {
	headers, key := fromTable(d.Headers)
	msg := transport.Message{
		ID:      d.MessageId,
		Topic:   topic,
		Key:     key,
		Body:    d.Body,
		Headers: headers,
		Attempt: deliveryAttempt(d.Headers),
	}

	if err := h(transport.ExtractTrace(ctx, headers), msg); err != nil {
		requeue := msg.Attempt < b.cfg.MaxDeliveries
		b.logger.Warn().Err(err).Str("topic", topic).Str("message_id", msg.ID).
			Int("attempt", msg.Attempt).Bool("requeue", requeue).Msg("handler rejected message")
		if nackErr := d.Nack(false, requeue); nackErr != nil {
			b.logger.Error().Err(nackErr).Str("message_id", msg.ID).Msg("failed to nack message")
		}
		return
	}
	if err := d.Ack(false); err != nil {
		b.logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to ack message")
	}
}

func (b *Bus) Close() error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	return b.conn.Close()
}

func queueArgs(deadLetterExchange, topic string) amqp.Table {
	return amqp.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    deadLetterExchange,
		"x-dead-letter-routing-key": topic,
	}
}

// deliveryAttempt turns the broker-tracked x-delivery-count (absent on the
// first delivery) into a 1-based attempt number.
func deliveryAttempt(headers amqp.Table) int {
	switch v := headers[headerDeliveryCount].(type) {
	case int:
		return v + 1
	case int32:
		return int(v) + 1
	case int64:
		return int(v) + 1
	}
	return 1
}

func toTable(headers map[string]string, key string) amqp.Table {
	t := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		t[k] = v
	}
	if key != "" {
		t[headerMessageKey] = key
	}
	return t
}

func fromTable(t amqp.Table) (map[string]string, string) {
	headers := make(map[string]string, len(t))
	var key string
	for k, v := range t {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if k == headerMessageKey {
			key = s
			continue
		}
		headers[k] = s
	}
	return headers, key
}
