package saga_test

import (
	"testing"
	"time"

	appSaga "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/application/saga"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/event"
	domainSaga "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/saga"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/infrastructure/observability"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/testutil"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/transport"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/transport/memory"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/pkg/clock"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/pkg/idgen"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type harness struct {
	clock        *clock.Manual
	sagas        *testutil.MockSagaRepository
	ledger       *testutil.MockLedger
	profiles     *testutil.MockProfileService
	outbox       *testutil.MockOutboxRepository
	tx           *testutil.MockTransactionManager
	locker       *testutil.MockLocker
	bus          *memory.Bus
	metrics      *observability.Metrics
	topics       transport.Topics
	cfg          appSaga.Config
	feedback     *appSaga.FeedbackPublisher
	orchestrator *appSaga.Orchestrator
	compensator  *appSaga.Compensator
	monitor      *appSaga.Monitor
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clock:    clock.NewManual(testutil.FixedTime),
		sagas:    testutil.NewMockSagaRepository(),
		profiles: testutil.NewMockProfileService(),
		outbox:   testutil.NewMockOutboxRepository(),
		locker:   testutil.NewMockLocker(),
		bus:      memory.NewBus(3),
		metrics:  observability.NewMetrics("test", prometheus.NewRegistry()),
		topics:   transport.NewTopics("skishop"),
	}
	h.ledger = testutil.NewMockLedger(h.clock)
	h.tx = testutil.NewMockTransactionManager(h.sagas, h.ledger)
	h.cfg = appSaga.Config{
		RegistrationTimeout: 30 * time.Second,
		DeletionTimeout:     60 * time.Second,
		MaxRetryCount:       3,
		RetrySweepInterval:  10 * time.Minute,
		Topics:              h.topics,
	}

	logger := zerolog.Nop()
	ids := idgen.Default()
	h.feedback = appSaga.NewFeedbackPublisher(h.bus, h.outbox, h.topics, h.clock, ids, h.metrics, logger)
	deps := appSaga.Deps{
		Sagas:    h.sagas,
		Ledger:   h.ledger,
		Profiles: h.profiles,
		Tx:       h.tx,
		Feedback: h.feedback,
		Clock:    h.clock,
		IDs:      ids,
		Metrics:  h.metrics,
		Logger:   logger,
	}
	h.orchestrator = appSaga.NewOrchestrator(deps, h.cfg)
	h.compensator = appSaga.NewCompensator(deps, h.cfg)
	h.monitor = appSaga.NewMonitor(deps, h.cfg, appSaga.MonitorConfig{
		TimeoutSweepInterval: 30 * time.Second,
		RetrySweepInterval:   10 * time.Minute,
		MetricsInterval:      time.Minute,
		StatisticsInterval:   time.Hour,
		CleanupInterval:      24 * time.Hour,
		RetentionPeriod:      30 * 24 * time.Hour,
		IdempotencyTTL:       7 * 24 * time.Hour,
		BatchSize:            100,
		LockTTL:              30 * time.Second,
	}, h.orchestrator, h.compensator, h.locker)

	t.Cleanup(func() { _ = h.bus.Close() })
	return h
}

// statusEvents decodes everything published to topic.
func (h *harness) statusEvents(t *testing.T, topic string) []*event.StatusFeedbackPayload {
	t.Helper()
	var out []*event.StatusFeedbackPayload
	for _, msg := range h.bus.PublishedTo(topic) {
		env, err := event.Decode(msg.Body)
		require.NoError(t, err)
		p, err := event.DecodeStatusFeedback(env)
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func (h *harness) saga(t *testing.T, id string) *domainSaga.Saga {
	t.Helper()
	s, err := h.sagas.GetByID(t.Context(), id)
	require.NoError(t, err)
	return s
}

func (h *harness) history(t *testing.T, id string) []domainSaga.Status {
	t.Helper()
	transitions, err := h.sagas.History(t.Context(), id)
	require.NoError(t, err)
	out := make([]domainSaga.Status, len(transitions))
	for i, tr := range transitions {
		out[i] = tr.To
	}
	return out
}

// seed stores s with a creation history row.
func (h *harness) seed(t *testing.T, s *domainSaga.Saga) {
	t.Helper()
	require.NoError(t, h.sagas.Create(t.Context(), s, domainSaga.Transition{SagaID: s.ID, To: s.Status, At: s.StartTime}))
}
