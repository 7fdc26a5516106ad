// Package profile guards calls to the profile collaborator with a circuit
// breaker and bounded retries.
package profile

import (
	"context"
	"errors"
	"time"

	domainerrors "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/errors"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/profile"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/infrastructure/observability"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

const breakerName = "profile-service"

type GuardConfig struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
	RetryAttempts    uint
	RetryDelay       time.Duration
}

// Guard decorates a profile.Service. Business outcomes (not found,
// duplicate) pass through untouched and do not count against the breaker.
type Guard struct {
	next    profile.Service
	breaker *gobreaker.CircuitBreaker[any]
	retry   retry.Config
	metrics *observability.Metrics
}

var _ profile.Service = (*Guard)(nil)

func NewGuard(next profile.Service, cfg GuardConfig, metrics *observability.Metrics, logger zerolog.Logger) *Guard {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 1
	}

	g := &Guard{
		next:    next,
		metrics: metrics,
		retry: retry.Config{
			MaxAttempts:  cfg.RetryAttempts,
			InitialDelay: cfg.RetryDelay,
			MaxDelay:     cfg.RetryDelay * 10,
			RetryIf:      domainerrors.IsTransient,
		},
	}
	g.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isBusinessOutcome(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
			if metrics != nil {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
			}
		},
	})
	return g
}

func (g *Guard) CreateProfile(ctx context.Context, p *profile.Profile) (*profile.Profile, error) {
	out, err := call(ctx, g, "create_profile", func() (any, error) {
		return g.next.CreateProfile(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	created, _ := out.(*profile.Profile)
	return created, nil
}

func (g *Guard) DeleteProfile(ctx context.Context, userID string) error {
	_, err := call(ctx, g, "delete_profile", func() (any, error) {
		return nil, g.next.DeleteProfile(ctx, userID)
	})
	return err
}

func (g *Guard) GetByUserID(ctx context.Context, userID string) (*profile.Profile, error) {
	out, err := call(ctx, g, "get_by_user_id", func() (any, error) {
		return g.next.GetByUserID(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	p, _ := out.(*profile.Profile)
	return p, nil
}

func (g *Guard) ExistsByUserID(ctx context.Context, userID string) (bool, error) {
	out, err := call(ctx, g, "exists_by_user_id", func() (any, error) {
		return g.next.ExistsByUserID(ctx, userID)
	})
	if err != nil {
		return false, err
	}
	exists, _ := out.(bool)
	return exists, nil
}

func (g *Guard) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	out, err := call(ctx, g, "exists_by_email", func() (any, error) {
		return g.next.ExistsByEmail(ctx, email)
	})
	if err != nil {
		return false, err
	}
	exists, _ := out.(bool)
	return exists, nil
}

// State reports the breaker state for health checks.
func (g *Guard) State() gobreaker.State {
	return g.breaker.State()
}

func call(ctx context.Context, g *Guard, op string, fn func() (any, error)) (any, error) {
	return retry.DoWithResult(ctx, g.retry, func() (any, error) {
		out, err := g.breaker.Execute(func() (any, error) {
			out, err := fn()
			if err != nil && !isBusinessOutcome(err) && !domainerrors.IsTransient(err) {
				err = domainerrors.NewTransientError(op, err)
			}
			return out, err
		})
		g.record(err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domainerrors.NewTransientError(op, errors.Join(domainerrors.ErrCollaboratorUnavailable, err))
		}
		return out, err
	})
}

func (g *Guard) record(err error) {
	if g.metrics == nil {
		return
	}
	result := "success"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		result = "rejected"
	case err != nil && !isBusinessOutcome(err):
		result = "failure"
	}
	g.metrics.CircuitBreakerRequests.WithLabelValues(breakerName, result).Inc()
}

func isBusinessOutcome(err error) bool {
	return errors.Is(err, domainerrors.ErrProfileNotFound) || errors.Is(err, domainerrors.ErrDuplicateProfile)
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
