package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/idempotency"
	domainSaga "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/saga"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Sweep names, also used as lock names.
const (
	SweepTimeout    = "timeout"
	SweepRetry      = "retry"
	SweepMetrics    = "metrics"
	SweepStatistics = "statistics"
	SweepCleanup    = "cleanup"
)

type MonitorConfig struct {
	TimeoutSweepInterval time.Duration
	RetrySweepInterval   time.Duration
	MetricsInterval      time.Duration
	StatisticsInterval   time.Duration
	CleanupInterval      time.Duration
	RetentionPeriod      time.Duration
	IdempotencyTTL       time.Duration
	BatchSize            int
	LockTTL              time.Duration
}

// Monitor recovers stalled sagas and retries failed steps. Each sweep runs
// under a named lock when a Locker is configured, so only one instance
// sweeps at a time.
type Monitor struct {
	recorder
	ledger       idempotency.Ledger
	orchestrator *Orchestrator
	compensator  *Compensator
	locker       Locker
	sagaCfg      Config
	cfg          MonitorConfig
	logger       zerolog.Logger
}

// NewMonitor builds a monitor. locker may be nil for a single instance.
func NewMonitor(
	d Deps,
	sagaCfg Config,
	cfg MonitorConfig,
	orchestrator *Orchestrator,
	compensator *Compensator,
	locker Locker,
) *Monitor {
	return &Monitor{
		recorder:     newRecorder(d),
		ledger:       d.Ledger,
		orchestrator: orchestrator,
		compensator:  compensator,
		locker:       locker,
		sagaCfg:      sagaCfg,
		cfg:          cfg,
		logger:       d.Logger.With().Str("component", "monitor").Logger(),
	}
}

// Run drives every sweep on its own ticker until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.every(ctx, SweepTimeout, m.cfg.TimeoutSweepInterval, func(ctx context.Context) error {
			_, err := m.SweepTimeouts(ctx)
			return err
		})
	})
	g.Go(func() error {
		return m.every(ctx, SweepRetry, m.cfg.RetrySweepInterval, func(ctx context.Context) error {
			_, err := m.SweepRetries(ctx)
			return err
		})
	})
	g.Go(func() error {
		return m.every(ctx, SweepMetrics, m.cfg.MetricsInterval, m.RefreshActiveGauge)
	})
	g.Go(func() error {
		return m.every(ctx, SweepStatistics, m.cfg.StatisticsInterval, func(ctx context.Context) error {
			_, err := m.LogStatistics(ctx)
			return err
		})
	})
	g.Go(func() error {
		return m.every(ctx, SweepCleanup, m.cfg.CleanupInterval, func(ctx context.Context) error {
			_, _, err := m.Cleanup(ctx)
			return err
		})
	})
	return g.Wait()
}

func (m *Monitor) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 {
		m.logger.Info().Str("sweep", name).Msg("sweep disabled")
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := fn(ctx); err != nil {
			m.logger.Error().Err(err).Str("sweep", name).Msg("sweep failed")
		}
	}
}

func (m *Monitor) locked(ctx context.Context, name string, fn func(context.Context) error) error {
	if m.locker == nil {
		return fn(ctx)
	}
	release, ok, err := m.locker.TryLock(ctx, name, m.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire %s sweep lock: %w", name, err)
	}
	if !ok {
		m.logger.Debug().Str("sweep", name).Msg("sweep lock held elsewhere, skipping")
		return nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn().Err(err).Str("sweep", name).Msg("failed to release sweep lock")
		}
	}()
	return fn(ctx)
}

// SweepTimeouts moves sagas past their deadline to TIMEOUT and compensates
// them. Sagas still COMPENSATING after their refreshed deadline are marked
// COMPENSATION_FAILED. It returns how many sagas were handled.
func (m *Monitor) SweepTimeouts(ctx context.Context) (int, error) {
	handled := 0
	err := m.locked(ctx, SweepTimeout, func(ctx context.Context) error {
		now := m.clock.Now()
		stalled, err := m.sagas.FindTimedOut(ctx, now, m.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("find timed out sagas: %w", err)
		}
		for _, s := range stalled {
			if err := m.expire(ctx, s, now); err != nil {
				m.logSkip(s, SweepTimeout, err)
				continue
			}
			handled++
		}
		return nil
	})
	return handled, err
}

func (m *Monitor) expire(ctx context.Context, s *domainSaga.Saga, now time.Time) error {
	switch s.Status {
	case domainSaga.StatusCompensating:
		return m.compensator.Abandon(ctx, s, "compensation timed out")
	case domainSaga.StatusTimeout:
		return m.compensator.Compensate(ctx, s.ID, ReasonTimeout)
	}

	reason := fmt.Sprintf("saga timed out in %s", s.Status)
	t, err := s.TransitionTo(domainSaga.StatusTimeout, reason, now)
	if err != nil {
		return err
	}
	s.ErrorType = domainSaga.ErrorTimeout
	s.ErrorReason = reason
	t.ErrorMessage = reason
	if err := m.save(ctx, s, &t, SweepTimeout); err != nil {
		return err
	}
	m.logger.Warn().Str("saga_id", s.ID).Str("from", string(t.From)).Str("step", s.CurrentStep).Msg("saga timed out")
	return m.compensator.Compensate(ctx, s.ID, ReasonTimeout)
}

// SweepRetries re-runs retryable failed steps and hands exhausted or
// non-retryable sagas to compensation.
func (m *Monitor) SweepRetries(ctx context.Context) (int, error) {
	handled := 0
	err := m.locked(ctx, SweepRetry, func(ctx context.Context) error {
		now := m.clock.Now()
		retryable, err := m.sagas.FindRetryable(ctx, now, m.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("find retryable sagas: %w", err)
		}
		for _, s := range retryable {
			if err := m.retry(ctx, s, now); err != nil {
				m.logSkip(s, SweepRetry, err)
				continue
			}
			handled++
		}

		exhausted, err := m.sagas.FindExhausted(ctx, m.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("find exhausted sagas: %w", err)
		}
		for _, s := range exhausted {
			reason := ReasonNonRetryable
			if s.ErrorType.Retryable() {
				reason = ReasonMaxRetryExceeded
			}
			if err := m.compensator.Compensate(ctx, s.ID, reason); err != nil {
				m.logSkip(s, SweepRetry, err)
				continue
			}
			handled++
		}
		return nil
	})
	return handled, err
}

func (m *Monitor) retry(ctx context.Context, s *domainSaga.Saga, now time.Time) error {
	t, err := s.PrepareRetry(now, m.sagaCfg.timeoutFor(s.Type))
	if err != nil {
		return err
	}
	if err := m.save(ctx, s, &t, SweepRetry); err != nil {
		return err
	}
	m.metrics.SagaRetries.WithLabelValues(string(s.Type)).Inc()
	m.logger.Info().Str("saga_id", s.ID).Str("step", s.CurrentStep).Int("retry_count", s.RetryCount).Msg("retrying saga step")
	return m.orchestrator.ResumeStep(ctx, s.ID)
}

func (m *Monitor) logSkip(s *domainSaga.Saga, sweep string, err error) {
	if isConflict(err) {
		m.logger.Debug().Str("saga_id", s.ID).Str("sweep", sweep).Msg("saga changed concurrently, skipped")
		return
	}
	m.logger.Error().Err(err).Str("saga_id", s.ID).Str("sweep", sweep).Msg("saga sweep failed")
}

// RefreshActiveGauge publishes the number of non-terminal sagas per type.
func (m *Monitor) RefreshActiveGauge(ctx context.Context) error {
	return m.locked(ctx, SweepMetrics, func(ctx context.Context) error {
		counts, err := m.sagas.CountActive(ctx)
		if err != nil {
			return fmt.Errorf("count active sagas: %w", err)
		}
		for sagaType, n := range counts {
			m.metrics.ActiveSagas.WithLabelValues(string(sagaType)).Set(float64(n))
		}
		return nil
	})
}

// LogStatistics logs saga counts by type and status.
func (m *Monitor) LogStatistics(ctx context.Context) ([]domainSaga.Stat, error) {
	var stats []domainSaga.Stat
	err := m.locked(ctx, SweepStatistics, func(ctx context.Context) error {
		var err error
		stats, err = m.sagas.Statistics(ctx)
		if err != nil {
			return fmt.Errorf("saga statistics: %w", err)
		}
		for _, st := range stats {
			m.logger.Info().Str("saga_type", string(st.Type)).Str("status", string(st.Status)).
				Int64("count", st.Count).Msg("saga statistics")
		}
		return nil
	})
	return stats, err
}

// Cleanup deletes terminal sagas past the retention period and ledger rows
// past the idempotency TTL.
func (m *Monitor) Cleanup(ctx context.Context) (sagas int64, events int64, err error) {
	err = m.locked(ctx, SweepCleanup, func(ctx context.Context) error {
		now := m.clock.Now()
		var err error
		if sagas, err = m.sagas.DeleteTerminalBefore(ctx, now.Add(-m.cfg.RetentionPeriod)); err != nil {
			return fmt.Errorf("delete old sagas: %w", err)
		}
		if events, err = m.ledger.Cleanup(ctx, now.Add(-m.cfg.IdempotencyTTL)); err != nil {
			return fmt.Errorf("cleanup ledger: %w", err)
		}
		m.logger.Info().Int64("sagas", sagas).Int64("events", events).Msg("retention cleanup finished")
		return nil
	})
	return sagas, events, err
}
