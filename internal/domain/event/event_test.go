package event_test

import (
	"encoding/json"
	"testing"
	"time"

	domainErrors "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/errors"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/event"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedIDs struct{}

func (fixedIDs) NewSagaID() string  { return "01HZXSAGA00000000000000000" }
func (fixedIDs) NewEventID() string { return "8f1d8c1e-0b7a-4c55-9a43-3b1f8b2d1e10" }

func TestNew_WireFormat(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	payload := event.StatusFeedbackPayload{
		UserID:          "user-1",
		OriginalEventID: "evt-1",
		Status:          event.StatusSuccess,
		ProcessingTime:  42,
	}

	env, err := event.New(event.TypeUserManagementStatus, event.ProducerUserManagement, "corr-1", "saga-1", payload, clk, fixedIDs{})
	require.NoError(t, err)

	raw, err := env.Marshal()
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "8f1d8c1e-0b7a-4c55-9a43-3b1f8b2d1e10", fields["eventId"])
	assert.Equal(t, "USER_MANAGEMENT_STATUS", fields["eventType"])
	assert.Equal(t, "2024-05-01T12:00:00Z", fields["timestamp"])
	assert.Equal(t, "1.0", fields["version"])
	assert.Equal(t, "user-management-service", fields["producer"])
	assert.Equal(t, "corr-1", fields["correlationId"])
	assert.Equal(t, "saga-1", fields["sagaId"])
	assert.EqualValues(t, 0, fields["retry"])

	inner, ok := fields["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "evt-1", inner["originalEventId"])
	assert.Equal(t, "SUCCESS", inner["status"])
	assert.EqualValues(t, 42, inner["processingTime"])
}

func TestDecode_Registration(t *testing.T) {
	raw := []byte(`{
		"eventId": "evt-1",
		"eventType": "USER_REGISTERED",
		"timestamp": "2024-05-01T12:00:00",
		"version": "1.0",
		"producer": "authentication-service",
		"correlationId": "corr-1",
		"payload": {
			"userId": "user-1",
			"email": "taro@example.com",
			"firstName": "Taro",
			"lastName": "Yamada",
			"phoneNumber": "090-0000-0000",
			"status": "ACTIVE",
			"createdAt": "2024-05-01T11:59:59.123",
			"additionalAttributes": {"locale": "ja-JP"}
		}
	}`)

	env, err := event.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, event.TypeUserRegistered, env.EventType)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), env.Timestamp.Time)

	p, err := event.DecodeRegistration(env)
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.UserID)
	assert.Equal(t, "taro@example.com", p.Email)
	assert.Equal(t, "ja-JP", p.AdditionalAttributes["locale"])
	assert.NoError(t, p.Validate())
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{not json`},
		{"missing event id", `{"eventType":"USER_DELETED","payload":{"userId":"u"}}`},
		{"missing event type", `{"eventId":"e1","payload":{"userId":"u"}}`},
		{"missing payload", `{"eventId":"e1","eventType":"USER_DELETED"}`},
		{"bad timestamp", `{"eventId":"e1","eventType":"USER_DELETED","timestamp":"yesterday","payload":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := event.Decode([]byte(tt.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, domainErrors.ErrMalformedEvent)
			assert.False(t, domainErrors.IsTransient(err))
		})
	}
}

func TestDecodePayload_WrongVariant(t *testing.T) {
	env := &event.Envelope{
		EventID:   "e1",
		EventType: event.TypeUserDeleted,
		Payload:   json.RawMessage(`{"userId":"u1"}`),
	}

	_, err := event.DecodeRegistration(env)
	assert.ErrorIs(t, err, domainErrors.ErrMalformedEvent)

	p, err := event.DecodeDeletion(env)
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)
}

func TestDecodePayload_BadPayloadShape(t *testing.T) {
	env := &event.Envelope{
		EventID:   "e1",
		EventType: event.TypeUserRegistered,
		Payload:   json.RawMessage(`{"userId": 12}`),
	}

	_, err := event.DecodeRegistration(env)
	assert.ErrorIs(t, err, domainErrors.ErrMalformedEvent)
}

func TestRegistrationPayload_Validate(t *testing.T) {
	tests := []struct {
		name    string
		payload event.RegistrationPayload
		field   string
	}{
		{"valid", event.RegistrationPayload{UserID: "u1", Email: "a@example.com"}, ""},
		{"missing user id", event.RegistrationPayload{Email: "a@example.com"}, "userId"},
		{"missing email", event.RegistrationPayload{UserID: "u1"}, "email"},
		{"invalid email", event.RegistrationPayload{UserID: "u1", Email: "nope"}, "email"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *domainErrors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestDeletionPayload_Validate(t *testing.T) {
	assert.NoError(t, (&event.DeletionPayload{UserID: "u1"}).Validate())
	assert.ErrorIs(t, (&event.DeletionPayload{}).Validate(), domainErrors.ErrValidationFailed)
}

func TestDecodeStatusFeedback(t *testing.T) {
	env := &event.Envelope{
		EventID:   "e2",
		EventType: event.TypeUserManagementCompensationStatus,
		Payload:   json.RawMessage(`{"userId":"u1","originalEventId":"e1","status":"COMPENSATION_SUCCESS","reason":"TIMEOUT","processingTime":10}`),
	}

	p, err := event.DecodeStatusFeedback(env)
	require.NoError(t, err)
	assert.Equal(t, event.StatusCompensationSuccess, p.Status)
	assert.Equal(t, "TIMEOUT", p.Reason)
}
