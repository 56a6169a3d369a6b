// Package events implements the event broker (C2): an in-process,
// topic-based pub/sub bus with per-subscriber bounded queues, so one slow
// subscriber can never stall delivery to another. Adapted from the teacher's
// internal/events/bus.go — same CloudEvents-style envelope, same
// non-blocking select/default publish with per-subscriber drop counting,
// generalized from a single implicit bus to named topics.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shadowhunter/core/internal/telemetry"
)

// Canonical topics used by the core pipeline.
const (
	TopicTraffic      = "sh.telemetry.traffic.v1"
	TopicAlerts       = "sh.alerts.v1"
	TopicGraphChanges = "sh.graph_changes.v1"
	TopicResponses    = "sh.responses.v1"
)

// Envelope is the CloudEvents-1.0-flavored wrapper around every published
// payload, matching the teacher's CloudEvent shape.
type Envelope struct {
	SpecVersion string      `json:"specversion"`
	Type        string      `json:"type"`
	Source      string      `json:"source"`
	ID          string      `json:"id"`
	Time        time.Time   `json:"time"`
	Data        interface{} `json:"data"`
}

// JSON serializes the envelope.
func (e *Envelope) JSON() ([]byte, error) {
	return json.Marshal(e)
}

func newEnvelope(topic, source string, data interface{}) *Envelope {
	return &Envelope{
		SpecVersion: "1.0",
		Type:        topic,
		Source:      source,
		ID:          uuid.NewString(),
		Time:        time.Now().UTC(),
		Data:        data,
	}
}

// Emitter is satisfied by both the in-memory Bus and any durable-backed
// wrapper (Pub/Sub, Redis fan-out), mirroring the teacher's EventEmitter
// interface-assertion idiom so callers don't care which backend is active.
type Emitter interface {
	Publish(topic, source string, data interface{})
}

type subscription struct {
	token string
	topic string
	ch    chan *Envelope
}

// Bus is the in-process event broker. Zero value is not usable; use New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscription // topic -> subs
	bufferSize  int
	dropped     atomic.Int64
	published   atomic.Int64
	logger      *telemetryLogger
}

type telemetryLogger = logAdapter

type logAdapter struct{ prefix string }

func (l *logAdapter) Printf(format string, args ...interface{}) {
	telemetry.Component(l.prefix).Printf(format, args...)
}

// New creates a Bus whose per-subscriber queues hold bufferSize messages
// before newly published messages are dropped for that subscriber.
// bufferSize <= 0 defaults to 4096, the spec's default FIFO depth.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 4096
	}
	return &Bus{
		subscribers: make(map[string][]*subscription),
		bufferSize:  bufferSize,
		logger:      &logAdapter{prefix: "BROKER"},
	}
}

// Subscribe registers a new bounded-queue subscriber for topic and returns
// a token (for Unsubscribe) and the receive channel.
func (b *Bus) Subscribe(topic string) (string, <-chan *Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		token: uuid.NewString(),
		topic: topic,
		ch:    make(chan *Envelope, b.bufferSize),
	}
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	return sub.token, sub.ch
}

// Unsubscribe removes the subscription identified by token and closes its
// queue; envelopes already queued can still be read from the closed channel.
func (b *Bus) Unsubscribe(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		filtered := subs[:0:0]
		for _, s := range subs {
			if s.token == token {
				close(s.ch)
				continue
			}
			filtered = append(filtered, s)
		}
		b.subscribers[topic] = filtered
	}
}

// Publish fans out data to every subscriber of topic. Non-blocking: a full
// subscriber queue causes that message to be dropped for that subscriber
// only, counted, and never blocks the publisher or other subscribers.
func (b *Bus) Publish(topic, source string, data interface{}) {
	b.deliver(newEnvelope(topic, source, data))
}

// deliver fans out a pre-built envelope, used directly by Publish and by
// DurableBus after it has also pushed the envelope to its durable backend.
func (b *Bus) deliver(env *Envelope) {
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[env.Type] {
		select {
		case sub.ch <- env:
		default:
			b.dropped.Add(1)
			b.logger.Printf("dropped message for slow subscriber on topic %s", env.Type)
		}
	}
}

// SubscriberCount returns the number of active subscriptions across all topics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Stats summarizes broker activity for the metrics/status endpoints.
type Stats struct {
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

// Stats returns a point-in-time snapshot of bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: b.SubscriberCount(),
	}
}

var _ Emitter = (*Bus)(nil)
