package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/transport"
	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewConfig("test"))
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		if m.Topic != "skishop.user_management_status" {
			return errors.New("unexpected topic " + m.Topic)
		}
		headers := map[string]string{}
		for _, h := range m.Headers {
			headers[string(h.Key)] = string(h.Value)
		}
		if headers["message-id"] != "m-1" {
			return errors.New("message id header missing")
		}
		return nil
	})

	bus := NewWithProducer(producer, Config{Group: "g"}, zerolog.Nop())
	err := bus.Publish(context.Background(), transport.Message{
		ID:    "m-1",
		Topic: "skishop.user_management_status",
		Key:   "user-1",
		Body:  []byte("{}"),
	})
	require.NoError(t, err)
	require.NoError(t, bus.Close())
}

func TestProcess_SucceedsAfterRetry(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewConfig("test"))
	bus := NewWithProducer(producer, Config{MaxDeliveries: 3}, zerolog.Nop())

	var attempts []int
	h := func(_ context.Context, msg transport.Message) error {
		attempts = append(attempts, msg.Attempt)
		if msg.Attempt < 2 {
			return errors.New("transient")
		}
		return nil
	}

	bus.process(context.Background(), &sarama.ConsumerMessage{
		Topic: "skishop.user_registered", Partition: 0, Offset: 7, Key: []byte("user-1"), Value: []byte("{}"),
	}, h)

	assert.Equal(t, []int{1, 2}, attempts)
	require.NoError(t, producer.Close())
}

func TestProcess_DeadLettersAfterMaxDeliveries(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewConfig("test"))
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		if m.Topic != "skishop.user_registered.dlq" {
			return errors.New("unexpected topic " + m.Topic)
		}
		return nil
	})
	bus := NewWithProducer(producer, Config{MaxDeliveries: 2}, zerolog.Nop())

	calls := 0
	bus.process(context.Background(), &sarama.ConsumerMessage{
		Topic: "skishop.user_registered", Offset: 3, Value: []byte("{}"),
		Headers: []*sarama.RecordHeader{{Key: []byte("message-id"), Value: []byte("m-9")}},
	}, func(context.Context, transport.Message) error {
		calls++
		return errors.New("boom")
	})

	assert.Equal(t, 2, calls)
	require.NoError(t, producer.Close())
}

func TestMapHeaders(t *testing.T) {
	out := mapHeaders([]*sarama.RecordHeader{{Key: []byte("a"), Value: []byte("1")}, nil})
	assert.Equal(t, map[string]string{"a": "1"}, out)
	assert.Len(t, recordHeaders(out), 1)
}
