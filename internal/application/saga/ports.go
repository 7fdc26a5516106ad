package saga

import (
	"context"
	"time"

	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/outbox"
	domainSaga "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/saga"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/transport"
)

// TransactionManager defines the interface for transaction management.
// This is an application-layer port, not a domain concern.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Locker hands out named cluster-wide locks for the monitor sweeps.
// ok is false when another instance holds the lock.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// OutboxWriter stores status events the broker refused.
type OutboxWriter interface {
	Insert(ctx context.Context, entry *outbox.Entry) error
}

// Config holds the saga timing policy shared by the orchestrator,
// compensator and monitor.
type Config struct {
	RegistrationTimeout time.Duration
	DeletionTimeout     time.Duration
	MaxRetryCount       int
	// RetrySweepInterval is added to the deadline of a failed step so the
	// retry sweep sees the saga before the timeout sweep does.
	RetrySweepInterval time.Duration
	Topics             transport.Topics
}

func (c Config) timeoutFor(t domainSaga.Type) time.Duration {
	if t == domainSaga.TypeDeletion {
		return c.DeletionTimeout
	}
	return c.RegistrationTimeout
}
