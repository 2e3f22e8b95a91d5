package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mattjoyce/conductor/internal/log"
)

// DefaultChannelPrefix namespaces pub/sub channels in a shared Redis.
const DefaultChannelPrefix = "conductor:"

const publishTimeout = 2 * time.Second

// RedisPublisher forwards events to Redis pub/sub, one channel per topic.
// Delivery is best effort; failures are logged and dropped.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

var _ Broadcaster = (*RedisPublisher)(nil)

func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{
		client: client,
		prefix: prefix,
		logger: log.WithComponent("events"),
	}
}

// Channel returns the Redis channel a topic is published on.
func (p *RedisPublisher) Channel(topic string) string {
	return p.prefix + topic
}

func (p *RedisPublisher) Publish(topic string, data any) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.client.Publish(ctx, p.Channel(topic), []byte(encode(data))).Err(); err != nil {
		p.logger.Warn("redis publish failed", "topic", topic, "error", err)
	}
}
