package controller

import (
	"time"

	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/idempotency"
	domainSaga "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/domain/saga"
)

// --- Request DTOs ---

// CompensateRequest is the body of a manual compensation. The operator is
// recorded in the logs only.
type CompensateRequest struct {
	Operator string `json:"operator" validate:"required,max=64"`
	Note     string `json:"note,omitempty" validate:"max=500"`
}

// --- Response DTOs ---

type ContextEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SagaResponse represents a saga in API responses.
type SagaResponse struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Status          string         `json:"status"`
	CurrentStep     string         `json:"current_step,omitempty"`
	UserID          string         `json:"user_id"`
	CorrelationID   string         `json:"correlation_id"`
	OriginalEventID string         `json:"original_event_id"`
	Context         []ContextEntry `json:"context"`
	RetryCount      int            `json:"retry_count"`
	MaxRetryCount   int            `json:"max_retry_count"`
	StartTime       time.Time      `json:"start_time"`
	EndTime         *time.Time     `json:"end_time,omitempty"`
	TimeoutAt       time.Time      `json:"timeout_at"`
	LastHeartbeat   time.Time      `json:"last_heartbeat"`
	ErrorType       string         `json:"error_type,omitempty"`
	ErrorReason     string         `json:"error_reason,omitempty"`
	Version         int            `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// TransitionResponse is one row of a saga's history.
type TransitionResponse struct {
	From             string    `json:"from,omitempty"`
	To               string    `json:"to"`
	At               time.Time `json:"at"`
	Reason           string    `json:"reason,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	RetryCount       int       `json:"retry_count"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	TraceID          string    `json:"trace_id,omitempty"`
}

type StatisticResponse struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// EventRecordResponse is the idempotency ledger row for one event.
type EventRecordResponse struct {
	EventID          string     `json:"event_id"`
	EventType        string     `json:"event_type"`
	Processed        bool       `json:"processed"`
	Success          bool       `json:"success"`
	ProcessingTimeMs int64      `json:"processing_time_ms"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	ProcessingNode   string     `json:"processing_node"`
	CreatedAt        time.Time  `json:"created_at"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// --- Conversion helpers ---

func toSagaResponse(s *domainSaga.Saga) SagaResponse {
	entries := make([]ContextEntry, 0, s.Context.Len())
	for _, k := range s.Context.Keys() {
		entries = append(entries, ContextEntry{Key: k, Value: s.Context.Value(k)})
	}
	return SagaResponse{
		ID:              s.ID,
		Type:            string(s.Type),
		Status:          string(s.Status),
		CurrentStep:     s.CurrentStep,
		UserID:          s.UserID,
		CorrelationID:   s.CorrelationID,
		OriginalEventID: s.OriginalEventID,
		Context:         entries,
		RetryCount:      s.RetryCount,
		MaxRetryCount:   s.MaxRetryCount,
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		TimeoutAt:       s.TimeoutAt,
		LastHeartbeat:   s.LastHeartbeat,
		ErrorType:       string(s.ErrorType),
		ErrorReason:     s.ErrorReason,
		Version:         s.Version,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func toSagaResponses(sagas []*domainSaga.Saga) []SagaResponse {
	out := make([]SagaResponse, len(sagas))
	for i, s := range sagas {
		out[i] = toSagaResponse(s)
	}
	return out
}

func toTransitionResponses(transitions []domainSaga.Transition) []TransitionResponse {
	out := make([]TransitionResponse, len(transitions))
	for i, t := range transitions {
		out[i] = TransitionResponse{
			From:             string(t.From),
			To:               string(t.To),
			At:               t.At,
			Reason:           t.Reason,
			ErrorMessage:     t.ErrorMessage,
			RetryCount:       t.RetryCount,
			ProcessingTimeMs: t.ProcessingTimeMs,
			TraceID:          t.TraceID,
		}
	}
	return out
}

func toEventRecordResponse(r *idempotency.Record) EventRecordResponse {
	return EventRecordResponse{
		EventID:          r.EventID,
		EventType:        r.EventType,
		Processed:        r.Processed,
		Success:          r.Success,
		ProcessingTimeMs: r.ProcessingTimeMs,
		ErrorMessage:     r.ErrorMessage,
		ProcessingNode:   r.ProcessingNode,
		CreatedAt:        r.CreatedAt,
		ProcessedAt:      r.ProcessedAt,
	}
}
