package redis

import (
	"testing"

	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/transport"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	msg := transport.Message{
		ID:      "m-1",
		Topic:   "skishop.user_registered",
		Key:     "user-1",
		Body:    []byte(`{"eventId":"e-1"}`),
		Headers: map[string]string{"traceparent": "00-abc"},
	}

	values, err := encodeValues(msg)
	require.NoError(t, err)

	got, err := decodeMessage("skishop.user_registered", redis.XMessage{ID: "1-0", Values: values})
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.Topic, got.Topic)
	assert.Equal(t, msg.Key, got.Key)
	assert.Equal(t, msg.Body, got.Body)
	assert.Equal(t, msg.Headers, got.Headers)
}

func TestDecodeMessage_FallsBackToEntryID(t *testing.T) {
	got, err := decodeMessage("s", redis.XMessage{ID: "1700000000000-0", Values: map[string]any{"body": "{}"}})
	require.NoError(t, err)
	assert.Equal(t, "1700000000000-0", got.ID)
	assert.Nil(t, got.Headers)
}

func TestDecodeMessage_Invalid(t *testing.T) {
	_, err := decodeMessage("s", redis.XMessage{ID: "1-0", Values: map[string]any{}})
	assert.Error(t, err)

	_, err = decodeMessage("s", redis.XMessage{ID: "1-0", Values: map[string]any{"body": "{}", "headers": "not-json"}})
	assert.Error(t, err)
}

func TestNewDistributedLock_Key(t *testing.T) {
	lock := NewDistributedLock(nil, "saga-sweep:timeout", 0)
	assert.Equal(t, "lock:saga-sweep:timeout", lock.Key())
}
