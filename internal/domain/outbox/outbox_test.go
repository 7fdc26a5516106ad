package outbox

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntry(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	payload := []byte(`{"eventId":"e-1"}`)
	headers := map[string]string{"traceparent": "00-abc"}

	entry := NewEntry("skishop.events.user_registration_completed", "user-1", "USER_REGISTRATION_COMPLETED", payload, headers, now)

	require.NotNil(t, entry)
	assert.NotEqual(t, uuid.Nil, entry.ID)
	assert.Equal(t, "skishop.events.user_registration_completed", entry.Topic)
	assert.Equal(t, "user-1", entry.Key)
	assert.Equal(t, payload, entry.Payload)
	assert.Equal(t, headers, entry.Headers)
	assert.Equal(t, StatusPending, entry.Status)
	assert.Equal(t, 0, entry.RetryCount)
	assert.Equal(t, 5, entry.MaxRetries)
	assert.Equal(t, now, entry.CreatedAt)
	assert.Nil(t, entry.PublishedAt)
}

func TestStatus_Constants(t *testing.T) {
	assert.Equal(t, Status("pending"), StatusPending)
	assert.Equal(t, Status("published"), StatusPublished)
	assert.Equal(t, Status("failed"), StatusFailed)
}

func TestEntry_UniqueIDs(t *testing.T) {
	entry1 := NewEntry("t", "k", "E", nil, nil, time.Now())
	entry2 := NewEntry("t", "k", "E", nil, nil, time.Now())

	assert.NotEqual(t, entry1.ID, entry2.ID)
}

func TestEntry_Exhausted(t *testing.T) {
	entry := NewEntry("t", "k", "E", nil, nil, time.Now())
	assert.False(t, entry.Exhausted())

	entry.RetryCount = 5
	assert.True(t, entry.Exhausted())
}
