// Package transport defines the broker-neutral messaging contract used by
// the saga coordinator. Backends live under internal/infrastructure.
package transport

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var ErrClosed = errors.New("transport closed")

// Header keys set by every backend.
const (
	HeaderEventType = "event-type"
	HeaderMessageID = "message-id"
)

// Message is one delivery. Attempt starts at 1 and grows with each
// redelivery of the same message.
type Message struct {
	ID      string
	Topic   string
	Key     string
	Body    []byte
	Headers map[string]string
	Attempt int
}

// Handler processes a delivery. A nil return acknowledges the message; an
// error asks the backend to redeliver it until its delivery limit.
type Handler func(ctx context.Context, msg Message) error

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

type Subscriber interface {
	// Subscribe consumes topics as one member of the configured consumer
	// group and blocks until ctx is cancelled or the bus is closed.
	Subscribe(ctx context.Context, topics []string, h Handler) error
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Topics holds the resolved topic names for one deployment.
type Topics struct {
	UserRegistered     string
	UserDeleted        string
	Status             string
	CompensationStatus string
}

func NewTopics(prefix string) Topics {
	return Topics{
		UserRegistered:     TopicFor(prefix, "USER_REGISTERED"),
		UserDeleted:        TopicFor(prefix, "USER_DELETED"),
		Status:             TopicFor(prefix, "USER_MANAGEMENT_STATUS"),
		CompensationStatus: TopicFor(prefix, "USER_MANAGEMENT_COMPENSATION_STATUS"),
	}
}

// Inbound lists the topics the coordinator consumes.
func (t Topics) Inbound() []string {
	return []string{t.UserRegistered, t.UserDeleted}
}

// TopicFor maps an event type to its topic, e.g. skishop.user_registered.
func TopicFor(prefix, eventType string) string {
	return prefix + "." + strings.ToLower(eventType)
}

// InjectTrace writes the trace context of ctx into headers, allocating the
// map when needed.
func InjectTrace(ctx context.Context, headers map[string]string) map[string]string {
	if headers == nil {
		headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

// ExtractTrace returns ctx carrying the remote span context found in headers.
func ExtractTrace(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// CloneHeaders returns a copy of h that callers may mutate.
func CloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
