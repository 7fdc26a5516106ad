package saga

import (
	"context"
	"time"
)

// Repository persists sagas and their transition history.
type Repository interface {
	// Create stores a new saga and its creation transition. A second saga for
	// the same (type, original event) fails with ErrDuplicateSaga.
	Create(ctx context.Context, s *Saga, t Transition) error
	// Update writes s if the stored version still equals s.Version, appends t
	// (when non-nil) in the same transaction and bumps s.Version. A stale
	// version fails with ErrOptimisticLockFailed and changes nothing.
	Update(ctx context.Context, s *Saga, t *Transition) error

	GetByID(ctx context.Context, id string) (*Saga, error)
	GetByOriginalEvent(ctx context.Context, sagaType Type, eventID string) (*Saga, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (*Saga, error)
	ListByUserID(ctx context.Context, userID string) ([]*Saga, error)
	History(ctx context.Context, sagaID string) ([]Transition, error)

	// FindTimedOut returns non-terminal sagas past their deadline and TIMEOUT
	// sagas whose compensation never started.
	FindTimedOut(ctx context.Context, now time.Time, limit int) ([]*Saga, error)
	// FindRetryable returns STEP_FAILED sagas with a transient error, retries
	// left and a deadline still ahead of now.
	FindRetryable(ctx context.Context, now time.Time, limit int) ([]*Saga, error)
	// FindExhausted returns STEP_FAILED sagas that can no longer be retried.
	FindExhausted(ctx context.Context, limit int) ([]*Saga, error)
	ListRecentFailed(ctx context.Context, since time.Time, limit int) ([]*Saga, error)

	CountActive(ctx context.Context) (map[Type]int64, error)
	Statistics(ctx context.Context) ([]Stat, error)
	// DeleteTerminalBefore removes terminal sagas (and their history) created before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
