package idempotency

import (
	"context"
	"time"
)

// Record is the ledger row for one inbound event id. A record with
// Processed=false is still in flight on ProcessingNode.
type Record struct {
	EventID          string
	EventType        string
	Processed        bool
	Success          bool
	ProcessingTimeMs int64
	ErrorMessage     string
	ProcessingNode   string
	CreatedAt        time.Time
	ProcessedAt      *time.Time
}

// Ledger records which events were already handled so that redelivered
// events never start a second saga.
type Ledger interface {
	// TryBeginProcessing claims eventID. Exactly one concurrent caller gets
	// alreadyProcessed=false; every other caller gets the stored record.
	TryBeginProcessing(ctx context.Context, eventID, eventType string) (alreadyProcessed bool, prior *Record, err error)
	MarkProcessed(ctx context.Context, eventID string, success bool, durationMs int64, errMsg string) error
	Get(ctx context.Context, eventID string) (*Record, error)
	// Cleanup deletes records created before olderThan.
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}
