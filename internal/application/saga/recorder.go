package saga

import (
	"context"
	"errors"

	domainErrors "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/errors"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/idempotency"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/profile"
	domainSaga "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/saga"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/infrastructure/observability"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/pkg/clock"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/pkg/idgen"
	"github.com/rs/zerolog"
)

// Deps are the collaborators shared by the orchestrator, the compensator
// and the monitor.
type Deps struct {
	Sagas    domainSaga.Repository
	Ledger   idempotency.Ledger
	Profiles profile.Service
	Tx       TransactionManager
	Feedback *FeedbackPublisher
	Clock    clock.Clock
	IDs      idgen.Generator
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
}

// recorder persists saga changes and keeps the transition metrics in step
// with what was actually written.
type recorder struct {
	sagas   domainSaga.Repository
	clock   clock.Clock
	metrics *observability.Metrics
}

func newRecorder(d Deps) recorder {
	return recorder{sagas: d.Sagas, clock: d.Clock, metrics: d.Metrics}
}

// save writes s through the versioned update. t may be nil for a
// heartbeat-only write.
func (r recorder) save(ctx context.Context, s *domainSaga.Saga, t *domainSaga.Transition, op string) error {
	if err := r.sagas.Update(ctx, s, t); err != nil {
		if isConflict(err) {
			r.metrics.VersionConflicts.WithLabelValues(op).Inc()
		}
		return err
	}
	if t == nil {
		return nil
	}
	r.metrics.SagaTransitions.WithLabelValues(string(s.Type), string(t.From), string(t.To)).Inc()
	if t.To.IsTerminal() {
		r.metrics.SagaDuration.WithLabelValues(string(s.Type), string(t.To)).
			Observe(s.Duration(r.clock.Now()).Seconds())
	}
	return nil
}

func isConflict(err error) bool {
	return errors.Is(err, domainErrors.ErrOptimisticLockFailed)
}
