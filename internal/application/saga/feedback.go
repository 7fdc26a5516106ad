package saga

import (
	"context"

	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/event"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/outbox"
	domainSaga "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/saga"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/infrastructure/observability"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/transport"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/pkg/clock"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/pkg/idgen"
	"github.com/rs/zerolog"
)

// FeedbackPublisher reports saga outcomes back to the identity service.
// Publishing never fails the caller: a refused message is parked in the
// outbox for the relay.
type FeedbackPublisher struct {
	publisher transport.Publisher
	outbox    OutboxWriter
	topics    transport.Topics
	clock     clock.Clock
	ids       idgen.Generator
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewFeedbackPublisher(
	publisher transport.Publisher,
	outboxWriter OutboxWriter,
	topics transport.Topics,
	clk clock.Clock,
	ids idgen.Generator,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *FeedbackPublisher {
	return &FeedbackPublisher{
		publisher: publisher,
		outbox:    outboxWriter,
		topics:    topics,
		clock:     clk,
		ids:       ids,
		metrics:   metrics,
		logger:    logger.With().Str("component", "feedback").Logger(),
	}
}

func (f *FeedbackPublisher) PublishOutcome(ctx context.Context, s *domainSaga.Saga, success bool, reason string) {
	status := event.StatusFailed
	if success {
		status = event.StatusSuccess
	}
	f.publish(ctx, s, event.TypeUserManagementStatus, f.topics.Status, status, reason)
}

func (f *FeedbackPublisher) PublishCompensation(ctx context.Context, s *domainSaga.Saga, success bool, reason string) {
	status := event.StatusCompensationFailed
	if success {
		status = event.StatusCompensationSuccess
	}
	f.publish(ctx, s, event.TypeUserManagementCompensationStatus, f.topics.CompensationStatus, status, reason)
}

func (f *FeedbackPublisher) publish(
	ctx context.Context,
	s *domainSaga.Saga,
	eventType event.Type,
	topic string,
	status event.ProcessingStatus,
	reason string,
) {
	logger := f.logger.With().Str("saga_id", s.ID).Str("event_type", string(eventType)).Logger()

	env, err := event.New(eventType, event.ProducerUserManagement, s.CorrelationID, s.ID, event.StatusFeedbackPayload{
		UserID:          s.UserID,
		OriginalEventID: s.OriginalEventID,
		Status:          status,
		Reason:          reason,
		ProcessingTime:  s.Duration(f.clock.Now()).Milliseconds(),
	}, f.clock, f.ids)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build status event")
		return
	}
	env.RetryCount = s.RetryCount
	body, err := env.Marshal()
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode status event")
		return
	}

	headers := map[string]string{
		transport.HeaderEventType: string(eventType),
		transport.HeaderMessageID: env.EventID,
	}
	err = f.publisher.Publish(ctx, transport.Message{
		ID:      env.EventID,
		Topic:   topic,
		Key:     s.UserID,
		Body:    body,
		Headers: headers,
	})
	if err == nil {
		logger.Debug().Str("status", string(status)).Msg("status event published")
		return
	}

	f.metrics.StatusPublishFailures.WithLabelValues(string(eventType)).Inc()
	logger.Warn().Err(err).Msg("status publish failed, parking in outbox")
	if f.outbox == nil {
		return
	}
	entry := outbox.NewEntry(topic, s.UserID, string(eventType), body, transport.InjectTrace(ctx, headers), f.clock.Now())
	if err := f.outbox.Insert(ctx, entry); err != nil {
		logger.Error().Err(err).Msg("failed to park status event in outbox")
	}
}
