package events

import (
	"context"
	"encoding/json"

	"github.com/shadowhunter/core/internal/infra"
)

// RedisFanoutBus wraps the in-memory Bus and additionally republishes every
// local envelope on a Redis Pub/Sub channel per topic, and relays anything
// received from other instances back into the local Bus — giving every
// process in a horizontally-scaled deployment the same alert/graph-change
// stream. Optional: constructed only when Broker.RedisAddr is configured,
// falling back to the plain in-memory Bus otherwise (same graceful-fallback
// shape the teacher applies to Redis and Pub/Sub throughout cmd/api/main.go).
type RedisFanoutBus struct {
	*Bus
	redis  *infra.GoRedisAdapter
	logger *telemetryLogger
}

// NewRedisFanoutBus subscribes to the given topics on Redis and relays
// messages between the local Bus and the shared Redis channels.
func NewRedisFanoutBus(ctx context.Context, redisAdapter *infra.GoRedisAdapter, bufferSize int, topics ...string) (*RedisFanoutBus, error) {
	rb := &RedisFanoutBus{
		Bus:    New(bufferSize),
		redis:  redisAdapter,
		logger: &logAdapter{prefix: "BROKER-REDIS"},
	}

	for _, topic := range topics {
		topic := topic
		_, err := rb.redis.Subscribe(ctx, channelFor(topic), func(payload []byte) {
			var env Envelope
			if err := json.Unmarshal(payload, &env); err != nil {
				rb.logger.Printf("failed to decode redis message on %s: %v", topic, err)
				return
			}
			rb.Bus.deliver(&env)
		})
		if err != nil {
			return nil, err
		}
	}
	return rb, nil
}

// Publish delivers locally and republishes on the matching Redis channel so
// other instances subscribed to the same topic observe it too.
func (rb *RedisFanoutBus) Publish(topic, source string, data interface{}) {
	env := newEnvelope(topic, source, data)
	rb.Bus.deliver(env)

	payload, err := env.JSON()
	if err != nil {
		rb.logger.Printf("failed to marshal envelope %s: %v", env.ID, err)
		return
	}
	if err := rb.redis.Publish(context.Background(), channelFor(topic), payload); err != nil {
		rb.logger.Printf("redis publish failed for topic %s: %v", topic, err)
	}
}

func channelFor(topic string) string { return "shadowhunter:" + topic }

var _ Emitter = (*RedisFanoutBus)(nil)
