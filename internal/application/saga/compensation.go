package saga

import (
	"context"
	"fmt"

	domainErrors "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/errors"
	domainSaga "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/saga"
	"github.com/rs/zerolog"
)

// Reason says why a saga is being compensated.
type Reason string

const (
	ReasonTimeout          Reason = "TIMEOUT"
	ReasonMaxRetryExceeded Reason = "MAX_RETRY_EXCEEDED"
	ReasonNonRetryable     Reason = "NON_RETRYABLE_FAILURE"
	ReasonManual           Reason = "MANUAL"
)

// Compensator undoes the completed steps of a failed or timed-out saga.
type Compensator struct {
	recorder
	steps    *steps
	feedback *FeedbackPublisher
	cfg      Config
	logger   zerolog.Logger
}

func NewCompensator(d Deps, cfg Config) *Compensator {
	return &Compensator{
		recorder: newRecorder(d),
		steps:    newSteps(d.Profiles),
		feedback: d.Feedback,
		cfg:      cfg,
		logger:   d.Logger.With().Str("component", "compensator").Logger(),
	}
}

// Compensate moves a STEP_FAILED or TIMEOUT saga through COMPENSATING and
// runs the compensating actions in reverse step order. The outcome is
// recorded on the saga and reported on the compensation status topic;
// a failed compensation is not retried.
func (c *Compensator) Compensate(ctx context.Context, sagaID string, reason Reason) error {
	s, err := c.sagas.GetByID(ctx, sagaID)
	if err != nil {
		return err
	}
	if err := c.checkCompensatable(s, reason); err != nil {
		return err
	}

	logger := c.logger.With().Str("saga_id", s.ID).Str("reason", string(reason)).Logger()

	t, err := s.TransitionTo(domainSaga.StatusCompensating, "compensation started: "+string(reason), c.clock.Now())
	if err != nil {
		return err
	}
	s.Context.Set(domainSaga.CtxCompensationReason, string(reason))
	s.Heartbeat(c.clock.Now(), c.cfg.timeoutFor(s.Type))
	if err := c.save(ctx, s, &t, "compensate"); err != nil {
		return err
	}
	logger.Info().Str("from", string(t.From)).Msg("compensation started")

	r := &run{s: s}
	def := c.steps.flowFor(s.Type)
	through := s.CurrentStep
	if def.Index(through) < 0 {
		through = ""
	}
	compErr := def.Compensate(ctx, through, r)
	if r.action == "" {
		r.action = defaultAction(s.Type)
	}
	s.Context.Set(domainSaga.CtxCompensationAction, r.action)

	if compErr != nil {
		return c.fail(ctx, s, reason, compErr)
	}

	next := domainSaga.StatusCompensated
	if reason == ReasonTimeout {
		next = domainSaga.StatusTimeout
	}
	t, err = s.TransitionTo(next, r.action, c.clock.Now())
	if err != nil {
		return err
	}
	if err := c.save(ctx, s, &t, "compensate"); err != nil {
		return err
	}

	c.metrics.Compensations.WithLabelValues(string(s.Type), string(reason), "success").Inc()
	logger.Info().Str("action", r.action).Str("status", string(s.Status)).Msg("compensation finished")
	c.feedback.PublishCompensation(ctx, s, true, string(reason))
	return nil
}

func (c *Compensator) checkCompensatable(s *domainSaga.Saga, reason Reason) error {
	if reason == ReasonManual && s.Status != domainSaga.StatusStepFailed {
		return domainErrors.NewDomainError(
			"not_compensatable",
			fmt.Sprintf("saga %s is %s; manual compensation needs STEP_FAILED", s.ID, s.Status),
			domainErrors.ErrInvalidStateTransition,
		)
	}
	if s.CanTransitionTo(domainSaga.StatusCompensating) &&
		(s.Status == domainSaga.StatusStepFailed || s.Status == domainSaga.StatusTimeout) {
		return nil
	}
	sentinel := domainErrors.ErrInvalidStateTransition
	if s.Status.IsTerminal() {
		sentinel = domainErrors.ErrSagaTerminal
	}
	return domainErrors.NewDomainError(
		"not_compensatable",
		fmt.Sprintf("saga %s cannot be compensated from %s", s.ID, s.Status),
		sentinel,
	)
}

func (c *Compensator) fail(ctx context.Context, s *domainSaga.Saga, reason Reason, compErr error) error {
	msg := compErr.Error()
	t, err := s.TransitionTo(domainSaga.StatusCompensationFailed, msg, c.clock.Now())
	if err != nil {
		return err
	}
	s.ErrorType = domainSaga.ErrorCompensationFailed
	s.ErrorReason = msg
	t.ErrorMessage = msg
	if err := c.save(ctx, s, &t, "compensate"); err != nil {
		return err
	}

	c.metrics.Compensations.WithLabelValues(string(s.Type), string(reason), "failure").Inc()
	c.logger.Error().Err(compErr).Str("saga_id", s.ID).Str("reason", string(reason)).
		Msg("compensation failed, manual intervention required")
	c.feedback.PublishCompensation(ctx, s, false, fmt.Sprintf("%s: %s", reason, msg))
	return nil
}

// Abandon gives up on a saga still COMPENSATING after its deadline.
func (c *Compensator) Abandon(ctx context.Context, s *domainSaga.Saga, reason string) error {
	t, err := s.TransitionTo(domainSaga.StatusCompensationFailed, reason, c.clock.Now())
	if err != nil {
		return err
	}
	s.ErrorType = domainSaga.ErrorCompensationFailed
	s.ErrorReason = reason
	t.ErrorMessage = reason
	if err := c.save(ctx, s, &t, "abandon"); err != nil {
		return err
	}

	c.metrics.Compensations.WithLabelValues(string(s.Type), s.Context.Value(domainSaga.CtxCompensationReason), "failure").Inc()
	c.logger.Error().Str("saga_id", s.ID).Msg("compensation abandoned after deadline")
	c.feedback.PublishCompensation(ctx, s, false, reason)
	return nil
}
