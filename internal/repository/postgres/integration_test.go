//go:build integration

package postgres_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	domainErrors "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/errors"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/outbox"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/profile"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/saga"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/repository/postgres"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/pkg/clock"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type RepositorySuite struct {
	suite.Suite
	ctx       context.Context
	container *tcpostgres.PostgresContainer
	pool      *pgxpool.Pool
	clock     *clock.Manual

	sagas   *postgres.SagaRepository
	ledger  *postgres.LedgerRepository
	profile *postgres.ProfileRepository
	outbox  *postgres.OutboxRepository
	tx      *postgres.TxManager
}

func TestRepositorySuite(t *testing.T) {
	suite.Run(t, new(RepositorySuite))
}

func (s *RepositorySuite) SetupSuite() {
	s.ctx = context.Background()

	var err error
	s.container, err = tcpostgres.Run(s.ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("usersaga"),
		tcpostgres.WithUsername("usersaga"),
		tcpostgres.WithPassword("usersaga"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)

	connStr, err := s.container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	absPath, err := filepath.Abs("migrations")
	s.Require().NoError(err)
	m, err := migrate.New("file://"+absPath, connStr)
	s.Require().NoError(err)
	s.Require().NoError(m.Up())

	s.pool, err = pgxpool.New(s.ctx, connStr)
	s.Require().NoError(err)

	s.clock = clock.NewManual(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	s.tx = postgres.NewTxManager(s.pool)
	s.sagas = postgres.NewSagaRepository(s.pool, s.tx)
	s.ledger = postgres.NewLedgerRepository(s.pool, "node-a", s.clock)
	s.profile = postgres.NewProfileRepository(s.pool, s.clock)
	s.outbox = postgres.NewOutboxRepository(s.pool, s.clock)
}

func (s *RepositorySuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *RepositorySuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, "TRUNCATE sagas, saga_transitions, processed_events, user_profiles, outbox CASCADE")
	s.Require().NoError(err)
}

func (s *RepositorySuite) newSaga(id, eventID string) (*saga.Saga, saga.Transition) {
	sg, t := saga.New(id, saga.TypeRegistration, "user-"+id, "corr-"+id, eventID, 3, 30*time.Second, s.clock.Now())
	sg.Context.Set(saga.CtxEmail, id+"@example.com")
	return sg, t
}

func (s *RepositorySuite) TestSaga_CreateAndGet() {
	sg, t := s.newSaga("s1", "e1")
	s.Require().NoError(s.sagas.Create(s.ctx, sg, t))

	got, err := s.sagas.GetByID(s.ctx, "s1")
	s.Require().NoError(err)
	s.Equal(saga.StatusStarted, got.Status)
	s.Equal("s1@example.com", got.Context.Value(saga.CtxEmail))
	s.Equal(1, got.Version)

	byEvent, err := s.sagas.GetByOriginalEvent(s.ctx, saga.TypeRegistration, "e1")
	s.Require().NoError(err)
	s.Equal("s1", byEvent.ID)

	byCorr, err := s.sagas.GetByCorrelationID(s.ctx, "corr-s1")
	s.Require().NoError(err)
	s.Equal("s1", byCorr.ID)

	_, err = s.sagas.GetByID(s.ctx, "missing")
	s.ErrorIs(err, domainErrors.ErrSagaNotFound)
}

func (s *RepositorySuite) TestSaga_DuplicateOriginalEvent() {
	sg, t := s.newSaga("s1", "e1")
	s.Require().NoError(s.sagas.Create(s.ctx, sg, t))

	dup, t2 := s.newSaga("s2", "e1")
	err := s.sagas.Create(s.ctx, dup, t2)
	s.ErrorIs(err, domainErrors.ErrDuplicateSaga)
}

func (s *RepositorySuite) TestSaga_OptimisticLock() {
	sg, t := s.newSaga("s1", "e1")
	s.Require().NoError(s.sagas.Create(s.ctx, sg, t))

	a, err := s.sagas.GetByID(s.ctx, "s1")
	s.Require().NoError(err)
	b, err := s.sagas.GetByID(s.ctx, "s1")
	s.Require().NoError(err)

	ta, err := a.TransitionTo(saga.StatusInProgress, "a", s.clock.Now())
	s.Require().NoError(err)
	s.Require().NoError(s.sagas.Update(s.ctx, a, &ta))
	s.Equal(2, a.Version)

	tb, err := b.TransitionTo(saga.StatusTimeout, "b", s.clock.Now())
	s.Require().NoError(err)
	err = s.sagas.Update(s.ctx, b, &tb)
	s.ErrorIs(err, domainErrors.ErrOptimisticLockFailed)
	s.Equal(1, b.Version)

	history, err := s.sagas.History(s.ctx, "s1")
	s.Require().NoError(err)
	s.Require().Len(history, 2)
	s.Equal(saga.Status(""), history[0].From)
	s.Equal(saga.StatusStarted, history[0].To)
	s.Equal(saga.StatusInProgress, history[1].To)
}

func (s *RepositorySuite) TestSaga_Sweeps() {
	now := s.clock.Now()

	stalled, t := s.newSaga("stalled", "e1")
	s.Require().NoError(s.sagas.Create(s.ctx, stalled, t))

	retry, t := s.newSaga("retry", "e2")
	retry.Status = saga.StatusStepFailed
	retry.ErrorType = saga.ErrorTransient
	retry.TimeoutAt = now.Add(time.Hour)
	s.Require().NoError(s.sagas.Create(s.ctx, retry, t))

	exhausted, t := s.newSaga("exhausted", "e3")
	exhausted.Status = saga.StatusStepFailed
	exhausted.ErrorType = saga.ErrorTransient
	exhausted.RetryCount = 3
	exhausted.TimeoutAt = now.Add(time.Hour)
	s.Require().NoError(s.sagas.Create(s.ctx, exhausted, t))

	timedOut, t := s.newSaga("timedout", "e4")
	timedOut.Status = saga.StatusTimeout
	timedOut.TimeoutAt = now.Add(time.Hour)
	s.Require().NoError(s.sagas.Create(s.ctx, timedOut, t))

	later := now.Add(time.Minute)

	found, err := s.sagas.FindTimedOut(s.ctx, later, 10)
	s.Require().NoError(err)
	s.ElementsMatch([]string{"stalled", "timedout"}, ids(found))

	found, err = s.sagas.FindRetryable(s.ctx, later, 10)
	s.Require().NoError(err)
	s.Equal([]string{"retry"}, ids(found))

	found, err = s.sagas.FindExhausted(s.ctx, 10)
	s.Require().NoError(err)
	s.Equal([]string{"exhausted"}, ids(found))

	active, err := s.sagas.CountActive(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(3), active[saga.TypeRegistration])

	stats, err := s.sagas.Statistics(s.ctx)
	s.Require().NoError(err)
	s.NotEmpty(stats)

	timedOut.Context.Set(saga.CtxCompensationReason, "TIMEOUT")
	s.Require().NoError(s.sagas.Update(s.ctx, timedOut, nil))
	found, err = s.sagas.FindTimedOut(s.ctx, later, 10)
	s.Require().NoError(err)
	s.Equal([]string{"stalled"}, ids(found))

	deleted, err := s.sagas.DeleteTerminalBefore(s.ctx, now.Add(time.Hour))
	s.Require().NoError(err)
	s.Equal(int64(1), deleted)
}

func (s *RepositorySuite) TestLedger_ExactlyOneWinner() {
	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			already, _, err := s.ledger.TryBeginProcessing(s.ctx, "evt-1", "USER_REGISTERED")
			s.NoError(err)
			if !already {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Equal(1, winners)

	s.Require().NoError(s.ledger.MarkProcessed(s.ctx, "evt-1", true, 42, ""))
	already, prior, err := s.ledger.TryBeginProcessing(s.ctx, "evt-1", "USER_REGISTERED")
	s.Require().NoError(err)
	s.True(already)
	s.Require().NotNil(prior)
	s.True(prior.Processed)
	s.True(prior.Success)
	s.Equal(int64(42), prior.ProcessingTimeMs)
	s.Equal("node-a", prior.ProcessingNode)

	removed, err := s.ledger.Cleanup(s.ctx, s.clock.Now().Add(time.Second))
	s.Require().NoError(err)
	s.Equal(int64(1), removed)
}

func (s *RepositorySuite) TestProfile_Lifecycle() {
	created, err := s.profile.CreateProfile(s.ctx, &profile.Profile{
		UserID:     "user-1",
		SagaID:     "saga-1",
		Email:      "taro@example.com",
		Attributes: map[string]string{"tier": "gold"},
	})
	s.Require().NoError(err)
	s.NotEmpty(created.ID)

	found, err := s.profile.GetByUserID(s.ctx, "user-1")
	s.Require().NoError(err)
	s.Equal(created.ID, found.ID)
	s.Equal("saga-1", found.SagaID)
	s.Equal(map[string]string{"tier": "gold"}, found.Attributes)

	_, err = s.profile.CreateProfile(s.ctx, &profile.Profile{UserID: "user-2", Email: "TARO@example.com"})
	s.ErrorIs(err, domainErrors.ErrDuplicateProfile)

	exists, err := s.profile.ExistsByEmail(s.ctx, "Taro@Example.com")
	s.Require().NoError(err)
	s.True(exists)

	s.Require().NoError(s.profile.DeleteProfile(s.ctx, "user-1"))
	s.ErrorIs(s.profile.DeleteProfile(s.ctx, "user-1"), domainErrors.ErrProfileNotFound)

	exists, err = s.profile.ExistsByUserID(s.ctx, "user-1")
	s.Require().NoError(err)
	s.False(exists)

	_, err = s.profile.GetByUserID(s.ctx, "user-1")
	s.ErrorIs(err, domainErrors.ErrProfileNotFound)
}

func (s *RepositorySuite) TestOutbox_PendingAndRetries() {
	entry := outbox.NewEntry("skishop.user_management_status", "user-1", "USER_MANAGEMENT_STATUS",
		[]byte(`{"eventId":"x"}`), map[string]string{"traceparent": "00-abc"}, s.clock.Now())
	entry.MaxRetries = 2
	s.Require().NoError(s.outbox.Insert(s.ctx, entry))

	var pending []*outbox.Entry
	s.Require().NoError(s.tx.WithTransaction(s.ctx, func(ctx context.Context) error {
		var err error
		pending, err = s.outbox.GetPending(ctx, 10)
		return err
	}))
	s.Require().Len(pending, 1)
	s.Equal("00-abc", pending[0].Headers["traceparent"])

	s.Require().NoError(s.outbox.MarkFailed(s.ctx, entry.ID, "broker down"))
	s.Require().NoError(s.outbox.MarkFailed(s.ctx, entry.ID, "broker down"))

	pending, err := s.outbox.GetPending(s.ctx, 10)
	s.Require().NoError(err)
	s.Empty(pending)
}

func ids(sagas []*saga.Saga) []string {
	out := make([]string, 0, len(sagas))
	for _, s := range sagas {
		out = append(out, s.ID)
	}
	return out
}
