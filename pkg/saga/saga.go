package saga

import (
	"context"
	"errors"
	"fmt"
)

// ErrHalt ends a run early without failing it. A step returns it when the
// remaining steps have nothing left to do.
var ErrHalt = errors.New("saga halted")

// ErrUnknownStep is returned when a run is resumed from a step the saga does not define.
var ErrUnknownStep = errors.New("unknown saga step")

// Step represents a single step in a saga with an execute and compensate function.
type Step[T any] struct {
	Name       string
	Execute    func(ctx context.Context, state T) error
	Compensate func(ctx context.Context, state T) error
}

// Saga is an ordered list of named steps operating on a shared state.
// It keeps no run state itself, so one definition can drive many runs.
type Saga[T any] struct {
	name       string
	steps      []Step[T]
	beforeStep func(ctx context.Context, name string, state T) error
}

// New creates a new saga with the given name.
func New[T any](name string) *Saga[T] {
	return &Saga[T]{name: name}
}

// AddStep adds a step to the saga.
func (s *Saga[T]) AddStep(step Step[T]) *Saga[T] {
	s.steps = append(s.steps, step)
	return s
}

// BeforeStep registers a hook that runs before every step. A hook error
// stops the run and is reported against that step.
func (s *Saga[T]) BeforeStep(fn func(ctx context.Context, name string, state T) error) *Saga[T] {
	s.beforeStep = fn
	return s
}

func (s *Saga[T]) Name() string {
	return s.name
}

// StepNames returns the step names in execution order.
func (s *Saga[T]) StepNames() []string {
	names := make([]string, len(s.steps))
	for i, step := range s.steps {
		names[i] = step.Name
	}
	return names
}

// Index returns the position of the named step, or -1.
func (s *Saga[T]) Index(name string) int {
	for i, step := range s.steps {
		if step.Name == name {
			return i
		}
	}
	return -1
}

// Execute runs the steps sequentially starting at the step named from
// (the first step when from is empty). It does not compensate: callers
// decide between retry and compensation.
// Returns the index of the failed step and the error, or -1 and nil on success.
func (s *Saga[T]) Execute(ctx context.Context, from string, state T) (failedStep int, err error) {
	start := 0
	if from != "" {
		start = s.Index(from)
		if start < 0 {
			return -1, fmt.Errorf("saga %s: %w: %q", s.name, ErrUnknownStep, from)
		}
	}

	for i := start; i < len(s.steps); i++ {
		step := s.steps[i]
		if s.beforeStep != nil {
			if err := s.beforeStep(ctx, step.Name, state); err != nil {
				return i, fmt.Errorf("saga %s: before step %q: %w", s.name, step.Name, err)
			}
		}
		if err := step.Execute(ctx, state); err != nil {
			if errors.Is(err, ErrHalt) {
				return -1, nil
			}
			return i, fmt.Errorf("saga %s: step %q failed: %w", s.name, step.Name, err)
		}
	}

	return -1, nil
}

// Compensate runs the compensating action of every step up to and including
// the step named through (all steps when empty), in reverse order.
// Every compensation is attempted; errors are joined.
func (s *Saga[T]) Compensate(ctx context.Context, through string, state T) error {
	last := len(s.steps) - 1
	if through != "" {
		last = s.Index(through)
		if last < 0 {
			return fmt.Errorf("saga %s: %w: %q", s.name, ErrUnknownStep, through)
		}
	}

	var errs []error
	for i := last; i >= 0; i-- {
		step := s.steps[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx, state); err != nil {
			errs = append(errs, fmt.Errorf("compensate step %q: %w", step.Name, err))
		}
	}
	return errors.Join(errs...)
}
