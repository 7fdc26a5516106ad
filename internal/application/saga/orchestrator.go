package saga

import (
	"context"
	"errors"
	"fmt"

	domainErrors "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/errors"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/event"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/idempotency"
	domainSaga "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/saga"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/transport"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/pkg/idgen"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type eventHandler func(ctx context.Context, env *event.Envelope) error

// Orchestrator starts sagas from inbound events and drives their steps.
type Orchestrator struct {
	recorder
	ledger   idempotency.Ledger
	tx       TransactionManager
	steps    *steps
	feedback *FeedbackPublisher
	ids      idgen.Generator
	cfg      Config
	logger   zerolog.Logger
	tracer   trace.Tracer
	handlers map[event.Type]eventHandler
}

func NewOrchestrator(d Deps, cfg Config) *Orchestrator {
	o := &Orchestrator{
		recorder: newRecorder(d),
		ledger:   d.Ledger,
		tx:       d.Tx,
		steps:    newSteps(d.Profiles),
		feedback: d.Feedback,
		ids:      d.IDs,
		cfg:      cfg,
		logger:   d.Logger.With().Str("component", "orchestrator").Logger(),
		tracer:   otel.Tracer("user-saga/orchestrator"),
	}
	o.handlers = map[event.Type]eventHandler{
		event.TypeUserRegistered: func(ctx context.Context, env *event.Envelope) error {
			_, err := o.StartRegistrationSaga(ctx, env)
			return err
		},
		event.TypeUserDeleted: func(ctx context.Context, env *event.Envelope) error {
			_, err := o.StartDeletionSaga(ctx, env)
			return err
		},
	}
	return o
}

// HandleMessage is the transport handler. Only infrastructure failures that
// happen before a saga exists are returned, so the broker redelivers them;
// malformed events and step failures are acknowledged.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg transport.Message) error {
	began := o.clock.Now()

	env, err := event.Decode(msg.Body)
	if err != nil {
		o.logger.Warn().Err(err).Str("message_id", msg.ID).Str("topic", msg.Topic).Msg("malformed event acknowledged")
		o.metrics.EventsProcessed.WithLabelValues("unknown", "malformed").Inc()
		return nil
	}
	eventType := string(env.EventType)

	handle, ok := o.handlers[env.EventType]
	if !ok {
		o.logger.Warn().Str("event_id", env.EventID).Str("event_type", eventType).Msg("unknown event type acknowledged")
		o.metrics.EventsProcessed.WithLabelValues(eventType, "ignored").Inc()
		return nil
	}

	ctx, span := o.tracer.Start(ctx, "saga.handle "+eventType, trace.WithAttributes(
		attribute.String("event.id", env.EventID),
		attribute.String("event.type", eventType),
		attribute.Int("message.attempt", msg.Attempt),
	))
	defer span.End()

	err = handle(ctx, env)
	o.metrics.MessageDuration.WithLabelValues(eventType).Observe(o.clock.Now().Sub(began).Seconds())

	switch {
	case err == nil:
		o.metrics.EventsProcessed.WithLabelValues(eventType, "success").Inc()
		return nil
	case errors.Is(err, domainErrors.ErrMalformedEvent):
		o.logger.Warn().Err(err).Str("event_id", env.EventID).Msg("malformed payload acknowledged")
		o.metrics.EventsProcessed.WithLabelValues(eventType, "malformed").Inc()
		return nil
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error().Err(err).Str("event_id", env.EventID).Int("attempt", msg.Attempt).Msg("event handling failed, requesting redelivery")
		o.metrics.EventsProcessed.WithLabelValues(eventType, "error").Inc()
		return err
	}
}

// StartRegistrationSaga runs a registration saga for env. A redelivered
// event returns the saga created by the first delivery and does nothing else.
func (o *Orchestrator) StartRegistrationSaga(ctx context.Context, env *event.Envelope) (*domainSaga.Saga, error) {
	p, err := event.DecodeRegistration(env)
	if err != nil {
		return nil, err
	}
	return o.start(ctx, env, domainSaga.TypeRegistration, p.UserID, func(s *domainSaga.Saga) {
		seedRegistration(s, p)
	})
}

func (o *Orchestrator) StartDeletionSaga(ctx context.Context, env *event.Envelope) (*domainSaga.Saga, error) {
	p, err := event.DecodeDeletion(env)
	if err != nil {
		return nil, err
	}
	return o.start(ctx, env, domainSaga.TypeDeletion, p.UserID, func(s *domainSaga.Saga) {
		seedDeletion(s, p)
	})
}

func (o *Orchestrator) start(
	ctx context.Context,
	env *event.Envelope,
	sagaType domainSaga.Type,
	userID string,
	seed func(*domainSaga.Saga),
) (*domainSaga.Saga, error) {
	began := o.clock.Now()
	logger := o.logger.With().Str("event_id", env.EventID).Str("saga_type", string(sagaType)).Logger()

	var (
		s         *domainSaga.Saga
		duplicate bool
	)
	err := o.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		already, prior, err := o.ledger.TryBeginProcessing(txCtx, env.EventID, string(env.EventType))
		if err != nil {
			return fmt.Errorf("claim event: %w", err)
		}
		if already {
			duplicate = true
			if prior != nil {
				logger.Info().Bool("processed", prior.Processed).Bool("success", prior.Success).
					Str("node", prior.ProcessingNode).Msg("duplicate event skipped")
			}
			return nil
		}

		correlationID := env.CorrelationID
		if correlationID == "" {
			correlationID = env.EventID
		}
		var created domainSaga.Transition
		s, created = domainSaga.New(
			o.ids.NewSagaID(), sagaType, userID, correlationID, env.EventID,
			o.cfg.MaxRetryCount, o.cfg.timeoutFor(sagaType), began,
		)
		seed(s)
		return o.sagas.Create(txCtx, s, created)
	})
	if err != nil {
		if !errors.Is(err, domainErrors.ErrDuplicateSaga) {
			return nil, err
		}
		duplicate = true
	}
	if duplicate {
		o.metrics.DuplicateEvents.WithLabelValues(string(env.EventType)).Inc()
		prior, err := o.sagas.GetByOriginalEvent(ctx, sagaType, env.EventID)
		if err != nil {
			if errors.Is(err, domainErrors.ErrSagaNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return prior, nil
	}

	logger = logger.With().Str("saga_id", s.ID).Logger()
	o.metrics.SagasStarted.WithLabelValues(string(sagaType)).Inc()
	logger.Info().Str("user_id", userID).Msg("saga started")

	runErr := o.begin(ctx, s)
	if runErr != nil {
		logger.Error().Err(runErr).Msg("saga interrupted, leaving it to the monitor")
	}

	errMsg := s.ErrorReason
	if runErr != nil {
		errMsg = runErr.Error()
	}
	elapsed := o.clock.Now().Sub(began).Milliseconds()
	if err := o.ledger.MarkProcessed(ctx, env.EventID, s.Status == domainSaga.StatusCompleted, elapsed, errMsg); err != nil {
		logger.Error().Err(err).Msg("failed to mark event processed")
	}
	return s, nil
}

func (o *Orchestrator) begin(ctx context.Context, s *domainSaga.Saga) error {
	t, err := s.TransitionTo(domainSaga.StatusInProgress, "processing started", o.clock.Now())
	if err != nil {
		return err
	}
	if err := o.save(ctx, s, &t, "start"); err != nil {
		if isConflict(err) {
			return nil
		}
		return err
	}
	return o.drive(ctx, s, "")
}

// ResumeStep re-runs an IN_PROGRESS saga from its current step. The retry
// sweep calls it after moving the saga back to IN_PROGRESS.
func (o *Orchestrator) ResumeStep(ctx context.Context, sagaID string) error {
	s, err := o.sagas.GetByID(ctx, sagaID)
	if err != nil {
		return err
	}
	if s.Status != domainSaga.StatusInProgress {
		o.logger.Debug().Str("saga_id", s.ID).Str("status", string(s.Status)).Msg("resume skipped")
		return nil
	}
	from := s.CurrentStep
	if o.steps.flowFor(s.Type).Index(from) < 0 {
		from = ""
	}
	return o.drive(ctx, s, from)
}

// stepWriteError marks a failure to persist CurrentStep, as opposed to a
// failure of the step itself.
type stepWriteError struct{ err error }

func (e *stepWriteError) Error() string { return "record current step: " + e.err.Error() }
func (e *stepWriteError) Unwrap() error { return e.err }

func (o *Orchestrator) drive(ctx context.Context, s *domainSaga.Saga, from string) error {
	r := &run{s: s}
	r.onStep = func(ctx context.Context, name string) error {
		if s.CurrentStep == name {
			return nil
		}
		s.CurrentStep = name
		s.UpdatedAt = o.clock.Now()
		if err := o.save(ctx, s, nil, "step"); err != nil {
			return &stepWriteError{err: err}
		}
		return nil
	}
	r.onCreated = func(ctx context.Context) error {
		s.UpdatedAt = o.clock.Now()
		if err := o.save(ctx, s, nil, "profile_created"); err != nil {
			return &stepWriteError{err: err}
		}
		return nil
	}

	def := o.steps.flowFor(s.Type)
	failed, err := def.Execute(ctx, from, r)
	if err != nil {
		var writeErr *stepWriteError
		switch {
		case errors.As(err, &writeErr):
			if isConflict(err) {
				return o.runLost(ctx, s)
			}
			return writeErr.err
		case failed < 0:
			return err
		}
		return o.failStep(ctx, s, def.StepNames()[failed], err)
	}
	return o.complete(ctx, r)
}

func (o *Orchestrator) failStep(ctx context.Context, s *domainSaga.Saga, step string, stepErr error) error {
	now := o.clock.Now()
	errType, reason := classify(stepErr)

	t, err := s.Fail(errType, reason, now)
	if err != nil {
		return err
	}
	s.CurrentStep = step
	s.Heartbeat(now, o.cfg.RetrySweepInterval+o.cfg.timeoutFor(s.Type))
	if err := o.save(ctx, s, &t, "step_failed"); err != nil {
		if isConflict(err) {
			o.logger.Info().Str("saga_id", s.ID).Msg("saga moved on before the failure was recorded")
			return nil
		}
		return err
	}

	o.logger.Warn().Err(stepErr).Str("saga_id", s.ID).Str("step", step).
		Str("error_type", string(errType)).Int("retry_count", s.RetryCount).Msg("saga step failed")
	if !errType.Retryable() {
		o.feedback.PublishOutcome(ctx, s, false, reason)
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, r *run) error {
	s := r.s
	reason := "saga completed"
	if r.outcome != "" {
		s.CurrentStep = r.outcome
		reason = r.outcome
	}

	t, err := s.TransitionTo(domainSaga.StatusCompleted, reason, o.clock.Now())
	if err != nil {
		return err
	}
	if err := o.save(ctx, s, &t, "complete"); err != nil {
		if isConflict(err) {
			return o.runLost(ctx, s)
		}
		return err
	}

	o.logger.Info().Str("saga_id", s.ID).Str("user_id", s.UserID).Msg("saga completed")
	o.feedback.PublishOutcome(ctx, s, true, r.outcome)
	return nil
}

// runLost handles a write of this run that lost the version race. If the
// winner already finished the saga without knowing about the profile this
// run created, that profile would be orphaned, so it is removed. A winner
// that is still running finds the profile by its saga id.
func (o *Orchestrator) runLost(ctx context.Context, s *domainSaga.Saga) error {
	current, err := o.sagas.GetByID(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("reload saga after conflict: %w", err)
	}
	logger := o.logger.With().Str("saga_id", s.ID).Str("status", string(current.Status)).Logger()
	switch current.Status {
	case domainSaga.StatusCompleted:
		logger.Info().Msg("saga already completed by another run")
		return nil
	case domainSaga.StatusStarted, domainSaga.StatusInProgress, domainSaga.StatusStepFailed:
		logger.Info().Msg("saga moved on concurrently, dropping this run")
		return nil
	}
	if s.Type != domainSaga.TypeRegistration ||
		!s.Context.Has(domainSaga.CtxCreatedProfileID) ||
		current.Context.Has(domainSaga.CtxCreatedProfileID) {
		logger.Info().Msg("saga moved on, nothing left behind")
		return nil
	}

	if err := o.steps.profiles.DeleteProfile(ctx, s.UserID); err != nil && !errors.Is(err, domainErrors.ErrProfileNotFound) {
		return fmt.Errorf("delete orphaned profile: %w", err)
	}
	logger.Warn().Str("user_id", s.UserID).Msg("saga moved on, orphaned profile deleted")
	return nil
}
