package testutil

import (
	"encoding/json"
	"time"

	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/event"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/saga"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/transport"
)

// FixedTime is the start of every manual clock in tests.
var FixedTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func NewRegistrationEnvelope(eventID, userID, email string) *event.Envelope {
	env, err := newEnvelope(event.TypeUserRegistered, eventID, event.RegistrationPayload{
		UserID:      userID,
		Email:       email,
		FirstName:   "Yuki",
		LastName:    "Tanaka",
		PhoneNumber: "+81-90-0000-0000",
		Status:      "ACTIVE",
		CreatedAt:   event.Time{Time: FixedTime},
		AdditionalAttributes: map[string]any{
			"skiLevel": "intermediate",
		},
	})
	if err != nil {
		panic(err)
	}
	return env
}

func NewDeletionEnvelope(eventID, userID string) *event.Envelope {
	env, err := newEnvelope(event.TypeUserDeleted, eventID, event.DeletionPayload{
		UserID:    userID,
		Reason:    "user request",
		DeletedAt: event.Time{Time: FixedTime},
	})
	if err != nil {
		panic(err)
	}
	return env
}

func newEnvelope(eventType event.Type, eventID string, payload any) (*event.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &event.Envelope{
		EventID:       eventID,
		EventType:     eventType,
		Timestamp:     event.Time{Time: FixedTime},
		SchemaVersion: event.SchemaVersion,
		Producer:      "user-service",
		Payload:       raw,
		CorrelationID: "corr-" + eventID,
	}, nil
}

// MessageFor wraps an envelope the way a backend delivers it.
func MessageFor(env *event.Envelope, topic string) transport.Message {
	body, err := env.Marshal()
	if err != nil {
		panic(err)
	}
	return transport.Message{
		ID:      env.EventID,
		Topic:   topic,
		Body:    body,
		Headers: map[string]string{transport.HeaderEventType: string(env.EventType)},
		Attempt: 1,
	}
}

// NewTestSaga builds a saga at the given status with a matching version 1 record.
func NewTestSaga(id string, sagaType saga.Type, status saga.Status, now time.Time) *saga.Saga {
	s, _ := saga.New(id, sagaType, "user-"+id, "corr-"+id, "evt-"+id, 3, 30*time.Second, now)
	s.Status = status
	return s
}
