package saga

import "time"

// Transition is one append-only history row describing a status change.
// From is empty for the creation row.
type Transition struct {
	ID               int64
	SagaID           string
	From             Status
	To               Status
	At               time.Time
	Reason           string
	ErrorMessage     string
	RetryCount       int
	ProcessingTimeMs int64
	TraceID          string
}

// Stat is a saga count for one type and status.
type Stat struct {
	Type   Type
	Status Status
	Count  int64
}
