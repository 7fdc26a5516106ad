package bootstrap

import (
	"context"
	"fmt"
	"os"

	appSaga "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/application/saga"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/profile"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/infrastructure/config"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/infrastructure/observability"
	infraProfile "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/infrastructure/profile"
	infraRedis "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/infrastructure/redis"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/repository/postgres"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/transport"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/pkg/clock"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/pkg/idgen"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// App holds the infrastructure shared by the worker and the admin API.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics
	Clock   clock.Clock
	IDs     idgen.Generator

	Tx       *postgres.TxManager
	Sagas    *postgres.SagaRepository
	Ledger   *postgres.LedgerRepository
	Outbox   *postgres.OutboxRepository
	Profiles profile.Service
	Bus      transport.Bus
	Locker   appSaga.Locker
	Topics   transport.Topics

	shutdownTracer func(context.Context) error
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.ForComponent(
		observability.InitLogger(cfg.Observability.LogLevel, os.Stdout), serviceName, cfg.InstanceID)
	logger.Info().Str("backend", cfg.Transport.Backend).Msg("Starting")

	shutdownTracer, err := observability.InitTracer(
		serviceName, cfg.InstanceID, cfg.Observability.JaegerEndpoint, cfg.Observability.EnableTracing)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		shutdownTracer = func(context.Context) error { return nil }
	} else if cfg.Observability.EnableTracing {
		logger.Info().Msg("Tracing enabled")
	}

	metrics := observability.NewMetrics(metricsNamespace, nil)
	logger.Info().Msg("Metrics initialized")

	pool, err := postgres.NewPool(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("Connected to PostgreSQL")

	redisClient, err := infraRedis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Msg("Connected to Redis")

	bus, err := NewBus(ctx, cfg, redisClient, logger)
	if err != nil {
		redisClient.Close()
		pool.Close()
		return nil, fmt.Errorf("open %s transport: %w", cfg.Transport.Backend, err)
	}

	clk := clock.System()
	tx := postgres.NewTxManager(pool)
	profiles := infraProfile.NewGuard(
		postgres.NewProfileRepository(pool, clk),
		infraProfile.GuardConfig{
			FailureThreshold: uint32(cfg.Profile.CircuitBreakerThreshold),
			OpenTimeout:      cfg.Profile.CircuitBreakerTimeout,
			RetryAttempts:    cfg.Profile.RetryAttempts,
			RetryDelay:       cfg.Profile.RetryDelay,
		},
		metrics,
		logger,
	)

	return &App{
		Config:         cfg,
		Logger:         logger,
		Pool:           pool,
		Redis:          redisClient,
		Metrics:        metrics,
		Clock:          clk,
		IDs:            idgen.Default(),
		Tx:             tx,
		Sagas:          postgres.NewSagaRepository(pool, tx),
		Ledger:         postgres.NewLedgerRepository(pool, cfg.InstanceID, clk),
		Outbox:         postgres.NewOutboxRepository(pool, clk),
		Profiles:       profiles,
		Bus:            bus,
		Locker:         infraRedis.NewSweepLocker(redisClient),
		Topics:         transport.NewTopics(cfg.Transport.TopicPrefix),
		shutdownTracer: shutdownTracer,
	}, nil
}

// SagaConfig maps the saga settings onto the application config.
func (a *App) SagaConfig() appSaga.Config {
	return appSaga.Config{
		RegistrationTimeout: a.Config.Saga.RegistrationTimeout,
		DeletionTimeout:     a.Config.Saga.DeletionTimeout,
		MaxRetryCount:       a.Config.Saga.MaxRetryCount,
		RetrySweepInterval:  a.Config.Saga.RetrySweepInterval,
		Topics:              a.Topics,
	}
}

func (a *App) MonitorConfig() appSaga.MonitorConfig {
	s := a.Config.Saga
	return appSaga.MonitorConfig{
		TimeoutSweepInterval: s.TimeoutSweepInterval,
		RetrySweepInterval:   s.RetrySweepInterval,
		MetricsInterval:      s.MetricsInterval,
		StatisticsInterval:   s.StatisticsInterval,
		CleanupInterval:      s.CleanupInterval,
		RetentionPeriod:      s.RetentionPeriod,
		IdempotencyTTL:       a.Config.Worker.IdempotencyTTL,
		BatchSize:            s.SweepBatchSize,
		LockTTL:              s.LockTTL,
	}
}

// SagaDeps builds the collaborators shared by orchestrator, compensator
// and monitor.
func (a *App) SagaDeps() appSaga.Deps {
	return appSaga.Deps{
		Sagas:    a.Sagas,
		Ledger:   a.Ledger,
		Profiles: a.Profiles,
		Tx:       a.Tx,
		Feedback: appSaga.NewFeedbackPublisher(a.Bus, a.Outbox, a.Topics, a.Clock, a.IDs, a.Metrics, a.Logger),
		Clock:    a.Clock,
		IDs:      a.IDs,
		Metrics:  a.Metrics,
		Logger:   a.Logger,
	}
}

func (a *App) Close() {
	if err := a.Bus.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to close transport")
	}
	if err := a.shutdownTracer(context.Background()); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to flush traces")
	}
	a.Redis.Close()
	a.Pool.Close()
}
