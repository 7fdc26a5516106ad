package event

import (
	"encoding/json"
	"fmt"
	"time"

	domainErrors "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/errors"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/pkg/clock"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/pkg/idgen"
)

// Type discriminates the payload carried by an Envelope.
type Type string

const (
	TypeUserRegistered                   Type = "USER_REGISTERED"
	TypeUserDeleted                      Type = "USER_DELETED"
	TypeUserManagementStatus             Type = "USER_MANAGEMENT_STATUS"
	TypeUserManagementCompensationStatus Type = "USER_MANAGEMENT_COMPENSATION_STATUS"
)

const (
	SchemaVersion = "1.0"
	// ProducerUserManagement is the producer name stamped on every outbound event.
	ProducerUserManagement = "user-management-service"
)

// Envelope is the wire format of every cross-service message. Redelivery
// resends the identical envelope, so EventID is never reused for new content.
type Envelope struct {
	EventID       string            `json:"eventId"`
	EventType     Type              `json:"eventType"`
	Timestamp     Time              `json:"timestamp"`
	SchemaVersion string            `json:"version"`
	Producer      string            `json:"producer"`
	Payload       json.RawMessage   `json:"payload"`
	CorrelationID string            `json:"correlationId,omitempty"`
	SagaID        string            `json:"sagaId,omitempty"`
	RetryCount    int               `json:"retry"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// New builds an envelope around a typed payload.
func New(
	eventType Type,
	producer string,
	correlationID string,
	sagaID string,
	payload any,
	clk clock.Clock,
	ids idgen.Generator,
) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Envelope{
		EventID:       ids.NewEventID(),
		EventType:     eventType,
		Timestamp:     Time{Time: clk.Now()},
		SchemaVersion: SchemaVersion,
		Producer:      producer,
		Payload:       raw,
		CorrelationID: correlationID,
		SagaID:        sagaID,
	}, nil
}

func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a raw message body into an envelope.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, domainErrors.NewMalformedEventError("unknown", "envelope decode failed", err)
	}
	if env.EventID == "" {
		return nil, domainErrors.NewMalformedEventError(string(env.EventType), "missing eventId", nil)
	}
	if env.EventType == "" {
		return nil, domainErrors.NewMalformedEventError("unknown", "missing eventType", nil)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, domainErrors.NewMalformedEventError(string(env.EventType), "missing payload", nil)
	}
	return &env, nil
}

func decodePayload[T any](env *Envelope, want Type) (*T, error) {
	if env.EventType != want {
		return nil, domainErrors.NewMalformedEventError(
			string(env.EventType),
			fmt.Sprintf("expected %s payload", want),
			nil,
		)
	}
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, domainErrors.NewMalformedEventError(string(want), "payload decode failed", err)
	}
	return &p, nil
}

func DecodeRegistration(env *Envelope) (*RegistrationPayload, error) {
	return decodePayload[RegistrationPayload](env, TypeUserRegistered)
}

func DecodeDeletion(env *Envelope) (*DeletionPayload, error) {
	return decodePayload[DeletionPayload](env, TypeUserDeleted)
}

// DecodeStatusFeedback accepts both status and compensation-status envelopes.
func DecodeStatusFeedback(env *Envelope) (*StatusFeedbackPayload, error) {
	if env.EventType == TypeUserManagementCompensationStatus {
		return decodePayload[StatusFeedbackPayload](env, TypeUserManagementCompensationStatus)
	}
	return decodePayload[StatusFeedbackPayload](env, TypeUserManagementStatus)
}

// Time accepts RFC 3339 timestamps as well as the zone-less local
// date-times emitted by the identity service.
type Time struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Time) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}
