// Package memory provides an in-process transport.Bus for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/transport"
	"github.com/google/uuid"
)

const queueSize = 1024

// Bus delivers each message to exactly one subscriber of its topic. Failed
// deliveries are requeued until maxDeliveries, then kept as dead letters.
type Bus struct {
	mu            sync.Mutex
	queues        map[string]chan transport.Message
	published     []transport.Message
	deadLetters   []transport.Message
	maxDeliveries int

	closed    chan struct{}
	closeOnce sync.Once
}

var _ transport.Bus = (*Bus)(nil)

func NewBus(maxDeliveries int) *Bus {
	if maxDeliveries <= 0 {
		maxDeliveries = 3
	}
	return &Bus{
		queues:        make(map[string]chan transport.Message),
		maxDeliveries: maxDeliveries,
		closed:        make(chan struct{}),
	}
}

func (b *Bus) queue(topic string) chan transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[topic]
	if !ok {
		q = make(chan transport.Message, queueSize)
		b.queues[topic] = q
	}
	return q
}

func (b *Bus) Publish(ctx context.Context, msg transport.Message) error {
	select {
	case <-b.closed:
		return transport.ErrClosed
	default:
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Attempt = 1
	msg.Headers = transport.InjectTrace(ctx, transport.CloneHeaders(msg.Headers))
	msg.Body = append([]byte(nil), msg.Body...)

	b.mu.Lock()
	b.published = append(b.published, msg)
	b.mu.Unlock()

	select {
	case b.queue(msg.Topic) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closed:
		return transport.ErrClosed
	}
}

func (b *Bus) Subscribe(ctx context.Context, topics []string, h transport.Handler) error {
	var wg sync.WaitGroup
	for _, topic := range topics {
		q := b.queue(topic)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-b.closed:
					return
				case msg := <-q:
					b.deliver(ctx, q, msg, h)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (b *Bus) deliver(ctx context.Context, q chan transport.Message, msg transport.Message, h transport.Handler) {
	err := h(transport.ExtractTrace(ctx, msg.Headers), msg)
	if err == nil {
		return
	}
	if msg.Attempt >= b.maxDeliveries {
		b.mu.Lock()
		b.deadLetters = append(b.deadLetters, msg)
		b.mu.Unlock()
		return
	}
	msg.Attempt++
	go func() {
		select {
		case q <- msg:
		case <-b.closed:
		}
	}()
}

// Published returns every message accepted by Publish, in order.
func (b *Bus) Published() []transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transport.Message(nil), b.published...)
}

// PublishedTo returns the accepted messages for one topic.
func (b *Bus) PublishedTo(topic string) []transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []transport.Message
	for _, m := range b.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (b *Bus) DeadLetters() []transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transport.Message(nil), b.deadLetters...)
}

func (b *Bus) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}
