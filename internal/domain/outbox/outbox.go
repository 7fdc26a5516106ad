package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Entry is a message that failed to reach the broker and is waiting for the
// relay to publish it.
type Entry struct {
	ID          uuid.UUID
	Topic       string
	Key         string
	EventType   string
	Payload     []byte
	Headers     map[string]string
	Status      Status
	RetryCount  int
	MaxRetries  int
	LastError   string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

func NewEntry(topic, key, eventType string, payload []byte, headers map[string]string, now time.Time) *Entry {
	return &Entry{
		ID:         uuid.New(),
		Topic:      topic,
		Key:        key,
		EventType:  eventType,
		Payload:    payload,
		Headers:    headers,
		Status:     StatusPending,
		RetryCount: 0,
		MaxRetries: 5,
		CreatedAt:  now,
	}
}

// Exhausted reports whether the relay should stop retrying this entry.
func (e *Entry) Exhausted() bool {
	return e.RetryCount >= e.MaxRetries
}
