package saga

import (
	"time"

	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/errors"
)

// Type identifies the cross-service operation a saga coordinates.
type Type string

const (
	TypeRegistration Type = "REGISTRATION"
	TypeDeletion     Type = "DELETION"
)

// Status represents the saga status in the state machine
type Status string

const (
	StatusStarted            Status = "STARTED"
	StatusInProgress         Status = "IN_PROGRESS"
	StatusCompleted          Status = "COMPLETED"
	StatusStepFailed         Status = "STEP_FAILED"
	StatusCompensating       Status = "COMPENSATING"
	StatusCompensated        Status = "COMPENSATED"
	StatusCompensationFailed Status = "COMPENSATION_FAILED"
	StatusTimeout            Status = "TIMEOUT"
)

// IsTerminal reports whether no further automatic transition happens from s.
// TIMEOUT is terminal but may still move into compensation once.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusCompensationFailed, StatusTimeout:
		return true
	}
	return false
}

// ActiveStatuses lists the non-terminal statuses.
func ActiveStatuses() []Status {
	return []Status{StatusStarted, StatusInProgress, StatusStepFailed, StatusCompensating}
}

func TerminalStatuses() []Status {
	return []Status{StatusCompleted, StatusCompensated, StatusCompensationFailed, StatusTimeout}
}

// ErrorType classifies the failure recorded on a saga.
type ErrorType string

const (
	ErrorNone               ErrorType = ""
	ErrorTransient          ErrorType = "TRANSIENT"
	ErrorValidation         ErrorType = "VALIDATION"
	ErrorDuplicateUser      ErrorType = "DUPLICATE_USER"
	ErrorMalformedEvent     ErrorType = "MALFORMED_EVENT"
	ErrorTimeout            ErrorType = "TIMEOUT"
	ErrorMaxRetryExceeded   ErrorType = "MAX_RETRY_EXCEEDED"
	ErrorCompensationFailed ErrorType = "COMPENSATION_FAILED"
	ErrorConcurrency        ErrorType = "CONCURRENCY"
)

// Retryable reports whether a failure of this type may resolve itself.
func (t ErrorType) Retryable() bool {
	return t == ErrorTransient
}

var transitions = map[Status][]Status{
	StatusStarted:      {StatusInProgress, StatusTimeout},
	StatusInProgress:   {StatusCompleted, StatusStepFailed, StatusTimeout},
	StatusStepFailed:   {StatusInProgress, StatusCompensating, StatusTimeout},
	StatusCompensating: {StatusCompensated, StatusCompensationFailed, StatusTimeout},
	StatusTimeout:      {StatusCompensating},
}

// Saga is the durable record of one cross-service operation.
type Saga struct {
	ID              string
	Type            Type
	Status          Status
	CurrentStep     string
	UserID          string
	CorrelationID   string
	OriginalEventID string
	Context         Context
	RetryCount      int
	MaxRetryCount   int
	StartTime       time.Time
	EndTime         *time.Time
	TimeoutAt       time.Time
	LastHeartbeat   time.Time
	ErrorType       ErrorType
	ErrorReason     string
	// Version is the optimistic-concurrency token read from the store.
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// New creates a saga in STARTED together with its creation transition.
func New(
	id string,
	sagaType Type,
	userID string,
	correlationID string,
	originalEventID string,
	maxRetryCount int,
	timeout time.Duration,
	now time.Time,
) (*Saga, Transition) {
	s := &Saga{
		ID:              id,
		Type:            sagaType,
		Status:          StatusStarted,
		UserID:          userID,
		CorrelationID:   correlationID,
		OriginalEventID: originalEventID,
		MaxRetryCount:   maxRetryCount,
		StartTime:       now,
		TimeoutAt:       now.Add(timeout),
		LastHeartbeat:   now,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return s, Transition{
		SagaID: id,
		To:     StatusStarted,
		At:     now,
		Reason: "saga created",
	}
}

// CanTransitionTo checks if the saga can transition to the given status
func (s *Saga) CanTransitionTo(next Status) bool {
	if s.Status == StatusTimeout && next == StatusCompensating {
		return !s.CompensationStarted()
	}
	for _, allowed := range transitions[s.Status] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionTo moves the saga to next and returns the history row for it.
// The saga is left untouched when the move is not in the transition table.
func (s *Saga) TransitionTo(next Status, reason string, now time.Time) (Transition, error) {
	if !s.CanTransitionTo(next) {
		return Transition{}, errors.NewDomainError(
			"invalid_transition",
			"cannot transition saga "+s.ID+" from "+string(s.Status)+" to "+string(next),
			errors.ErrInvalidStateTransition,
		)
	}

	t := Transition{
		SagaID:           s.ID,
		From:             s.Status,
		To:               next,
		At:               now,
		Reason:           reason,
		RetryCount:       s.RetryCount,
		ProcessingTimeMs: now.Sub(s.StartTime).Milliseconds(),
	}

	s.Status = next
	s.UpdatedAt = now
	s.LastHeartbeat = now
	if next.IsTerminal() {
		end := now
		s.EndTime = &end
	} else {
		s.EndTime = nil
	}
	return t, nil
}

// Fail records a step failure and moves the saga to STEP_FAILED.
func (s *Saga) Fail(errType ErrorType, reason string, now time.Time) (Transition, error) {
	t, err := s.TransitionTo(StatusStepFailed, reason, now)
	if err != nil {
		return Transition{}, err
	}
	s.ErrorType = errType
	s.ErrorReason = reason
	t.ErrorMessage = reason
	return t, nil
}

// Retryable reports whether the retry sweep may re-run the failed step.
func (s *Saga) Retryable() bool {
	return s.Status == StatusStepFailed && s.ErrorType.Retryable() && s.RetryCount < s.MaxRetryCount
}

func (s *Saga) RetriesExhausted() bool {
	return s.RetryCount >= s.MaxRetryCount
}

// PrepareRetry counts a retry attempt, clears the recorded error and moves
// the saga back to IN_PROGRESS. The deadline is refreshed for the new attempt.
func (s *Saga) PrepareRetry(now time.Time, timeout time.Duration) (Transition, error) {
	if s.Status != StatusStepFailed {
		return Transition{}, errors.NewDomainError(
			"not_retryable",
			"saga "+s.ID+" is "+string(s.Status)+", not STEP_FAILED",
			errors.ErrInvalidStateTransition,
		)
	}
	if s.RetriesExhausted() {
		return Transition{}, errors.ErrMaxRetriesExceeded
	}

	s.RetryCount++
	t, err := s.TransitionTo(StatusInProgress, "retry attempt", now)
	if err != nil {
		s.RetryCount--
		return Transition{}, err
	}
	t.RetryCount = s.RetryCount
	s.ErrorType = ErrorNone
	s.ErrorReason = ""
	s.Heartbeat(now, timeout)
	return t, nil
}

// Heartbeat extends the saga deadline. It must be persisted through the
// versioned update like any other change.
func (s *Saga) Heartbeat(now time.Time, extendBy time.Duration) {
	s.LastHeartbeat = now
	s.TimeoutAt = now.Add(extendBy)
	s.UpdatedAt = now
}

// CompensationStarted reports whether compensation was ever entered.
func (s *Saga) CompensationStarted() bool {
	return s.Context.Has(CtxCompensationReason)
}

// IsTimedOut reports whether the deadline passed while the saga still needs driving.
func (s *Saga) IsTimedOut(now time.Time) bool {
	if s.Status == StatusTimeout {
		return !s.CompensationStarted()
	}
	return !s.Status.IsTerminal() && now.After(s.TimeoutAt)
}

// Duration returns the wall time between start and end (or now when running).
func (s *Saga) Duration(now time.Time) time.Duration {
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	return now.Sub(s.StartTime)
}

// Clone returns a deep copy.
func (s *Saga) Clone() *Saga {
	c := *s
	c.Context = s.Context.Clone()
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	return &c
}
