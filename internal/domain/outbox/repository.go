package outbox

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Insert stores a new pending entry
	Insert(ctx context.Context, entry *Entry) error

	// GetPending returns pending outbox entries up to the given limit, oldest first
	GetPending(ctx context.Context, limit int) ([]*Entry, error)

	// MarkPublished marks an outbox entry as published
	MarkPublished(ctx context.Context, id uuid.UUID) error

	// MarkFailed increments the retry count and records the error; the entry
	// flips to failed once its retries are used up
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}
