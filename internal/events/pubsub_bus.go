package events

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
)

// DurableBus wraps the in-memory Bus and also publishes every event to a
// Google Cloud Pub/Sub topic for durable, cross-process delivery to
// consumers beyond this instance's WebSocket subscribers. Adapted from the
// teacher's PubSubEventBus: same create-topic-if-absent, ordering-key,
// non-blocking-result-check shape; the ordering key here is the topic name
// itself (flow-event ordering is per-topic, not per-tenant).
type DurableBus struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *telemetryLogger
}

// NewDurableBus creates a Pub/Sub-backed bus, creating the topic if absent.
func NewDurableBus(ctx context.Context, projectID, topicID string, bufferSize int) (*DurableBus, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}
	topic.EnableMessageOrdering = true

	db := &DurableBus{
		Bus:    New(bufferSize),
		client: client,
		topic:  topic,
		logger: &logAdapter{prefix: "PUBSUB"},
	}
	db.logger.Printf("connected to Pub/Sub topic projects/%s/topics/%s", projectID, topicID)
	return db, nil
}

// Publish pushes to Pub/Sub (durable, best-effort result logging) and fans
// out to in-memory subscribers in the same call.
func (db *DurableBus) Publish(topic, source string, data interface{}) {
	env := newEnvelope(topic, source, data)
	db.publishToPubSub(env)
	db.Bus.deliver(env)
}

func (db *DurableBus) publishToPubSub(env *Envelope) {
	payload, err := env.JSON()
	if err != nil {
		db.logger.Printf("failed to marshal envelope %s: %v", env.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": env.SpecVersion,
			"ce-type":        env.Type,
			"ce-source":      env.Source,
			"ce-id":          env.ID,
			"ce-time":        env.Time.Format(time.RFC3339Nano),
		},
		OrderingKey: env.Type,
	}

	result := db.topic.Publish(context.Background(), msg)
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			db.logger.Printf("pub/sub publish failed for %s: %v", env.ID, err)
		}
	}()
}

// Close shuts down the Pub/Sub client.
func (db *DurableBus) Close() error {
	db.topic.Stop()
	if err := db.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// TopicPath returns the fully-qualified Pub/Sub topic path.
func (db *DurableBus) TopicPath() string { return db.topic.String() }

// HealthCheck verifies the Pub/Sub topic is reachable.
func (db *DurableBus) HealthCheck(ctx context.Context) error {
	exists, err := db.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

var _ Emitter = (*DurableBus)(nil)
