package bootstrap

import (
	"context"
	"fmt"

	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/infrastructure/config"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/infrastructure/kafka"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/infrastructure/rabbitmq"
	infraRedis "github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/infrastructure/redis"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/transport"
	"github.com/Yuto0419/GitHub-Copilot-Agent-Workshop-with-Enterprise-Microservices-sub000/internal/transport/memory"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// NewBus opens the transport backend selected by transport.backend.
func NewBus(ctx context.Context, cfg *config.Config, rdb redis.Cmdable, logger zerolog.Logger) (transport.Bus, error) {
	tc := cfg.Transport
	switch tc.Backend {
	case config.BackendRedis:
		return infraRedis.NewStreamBus(rdb, infraRedis.StreamBusConfig{
			Group:         tc.ConsumerGroup,
			Consumer:      cfg.InstanceID,
			BatchSize:     tc.BatchSize,
			BlockDuration: tc.BlockDuration,
			ClaimMinIdle:  tc.ClaimMinIdle,
			MaxDeliveries: tc.MaxDeliveries,
		}, logger), nil
	case config.BackendRabbitMQ:
		return rabbitmq.Dial(ctx, rabbitmq.Config{
			URL:                cfg.RabbitMQ.URL,
			Exchange:           cfg.RabbitMQ.Exchange,
			DeadLetterExchange: cfg.RabbitMQ.DeadLetterExchange,
			Group:              tc.ConsumerGroup,
			Prefetch:           cfg.RabbitMQ.Prefetch,
			MaxDeliveries:      cfg.RabbitMQ.MaxDeliveries,
		}, logger)
	case config.BackendKafka:
		return kafka.New(kafka.Config{
			Brokers:       cfg.Kafka.Brokers,
			ClientID:      cfg.Kafka.ClientID,
			Group:         tc.ConsumerGroup,
			MaxDeliveries: cfg.Kafka.MaxDeliveries,
		}, logger)
	case config.BackendMemory:
		return memory.NewBus(int(tc.MaxDeliveries)), nil
	default:
		return nil, fmt.Errorf("unknown transport backend %q", tc.Backend)
	}
}
