package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(8)
	_, ch := b.Subscribe(TopicAlerts)

	b.Publish(TopicAlerts, "test", map[string]string{"hello": "world"})

	select {
	case env := <-ch:
		assert.Equal(t, TopicAlerts, env.Type)
	case <-time.After(time.Second):
		t.Fatal("expected to receive envelope")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(8)
	token, ch := b.Subscribe(TopicAlerts)
	b.Unsubscribe(token)

	b.Publish(TopicAlerts, "test", nil)

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestSlowSubscriberDropsWithoutBlockingOthers(t *testing.T) {
	b := New(1)
	_, slow := b.Subscribe(TopicTraffic)
	_, fast := b.Subscribe(TopicTraffic)

	// fill the slow subscriber's single-slot queue
	b.Publish(TopicTraffic, "t", 1)
	// neither queue was drained, so the second publish is dropped for both
	// subscribers and returns without blocking
	b.Publish(TopicTraffic, "t", 2)

	require.Len(t, slow, 1)
	assert.Len(t, fast, 1)
	stats := b.Stats()
	assert.Equal(t, int64(2), stats.Dropped)
}
