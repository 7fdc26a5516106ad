package idgen

import (
	"github.com/cloudresty/ulid"
	"github.com/google/uuid"
)

// Generator produces identifiers for sagas and events.
type Generator interface {
	NewSagaID() string
	NewEventID() string
}

type defaultGenerator struct{}

// Default returns a Generator that issues ULID saga ids and UUIDv4 event ids.
func Default() Generator {
	return defaultGenerator{}
}

// NewSagaID returns a lexicographically sortable ULID. If the ULID source
// fails the id falls back to a random UUID so saga creation never stalls.
func (defaultGenerator) NewSagaID() string {
	id, err := ulid.New()
	if err != nil {
		return uuid.NewString()
	}
	return id
}

func (defaultGenerator) NewEventID() string {
	return uuid.NewString()
}
