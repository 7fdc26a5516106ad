package idgen_test

import (
	"testing"

	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/pkg/idgen"
	"github.com/cloudresty/ulid"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_SagaIDIsULID(t *testing.T) {
	gen := idgen.Default()

	id := gen.NewSagaID()
	_, err := ulid.Parse(id)
	require.NoError(t, err)
	assert.Len(t, id, 26)
}

func TestDefault_EventIDIsUUID(t *testing.T) {
	gen := idgen.Default()

	id := gen.NewEventID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
}

func TestDefault_IDsAreUnique(t *testing.T) {
	gen := idgen.Default()
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := gen.NewSagaID()
		_, dup := seen[id]
		require.False(t, dup, "duplicate saga id %s", id)
		seen[id] = struct{}{}
	}
}
