package source

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowhunter/core/internal/flow"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []*flow.Event
}

func (c *captureEmitter) Publish(topic, source string, data interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, data.(*flow.Event))
}

func (c *captureEmitter) snapshot() []*flow.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*flow.Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestGeneratorEmitsClampedEventCount(t *testing.T) {
	e := &captureEmitter{}
	g := NewGenerator(1, 5, nil, e) // below the 10 floor
	g.emitSecond()
	assert.Len(t, e.snapshot(), 10)

	e2 := &captureEmitter{}
	g2 := NewGenerator(1, 1000, nil, e2) // above the 30 ceiling
	g2.emitSecond()
	assert.Len(t, e2.snapshot(), 30)
}

func TestGeneratorIsDeterministicForFixedSeed(t *testing.T) {
	e1 := &captureEmitter{}
	NewGenerator(42, 20, nil, e1).emitSecond()

	e2 := &captureEmitter{}
	NewGenerator(42, 20, nil, e2).emitSecond()

	a, b := e1.snapshot(), e2.snapshot()
	require.Len(t, b, len(a))
	for i := range a {
		assert.Equal(t, a[i].SourceIP, b[i].SourceIP)
		assert.Equal(t, a[i].DestinationIP, b[i].DestinationIP)
		assert.Equal(t, a[i].DestPort, b[i].DestPort)
		assert.Equal(t, a[i].BytesSent, b[i].BytesSent)
	}
}

func TestGeneratorEventsAreAlwaysValid(t *testing.T) {
	e := &captureEmitter{}
	NewGenerator(7, 30, nil, e).emitSecond()
	for _, ev := range e.snapshot() {
		assert.NoError(t, flow.Validate(ev))
	}
}

func TestGeneratorProducesShadowAIDestinations(t *testing.T) {
	e := &captureEmitter{}
	g := NewGenerator(3, 30, nil, e)
	for i := 0; i < 50; i++ {
		g.emitSecond()
	}

	foundShadow := false
	for _, ev := range e.snapshot() {
		if ev.Meta(flow.MetaSNI) == "api.openai.com" || ev.Meta(flow.MetaSNI) == "api.anthropic.com" {
			foundShadow = true
			break
		}
	}
	assert.True(t, foundShadow, "expected at least one shadow-AI destination across 50 simulated seconds")
}

func TestGeneratorRunRespectsContextCancellation(t *testing.T) {
	e := &captureEmitter{}
	g := NewGenerator(1, 10, nil, e)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx, time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	assert.NotEmpty(t, e.snapshot())
}
