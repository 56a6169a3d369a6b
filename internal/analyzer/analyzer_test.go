package analyzer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowhunter/core/internal/detect"
	"github.com/shadowhunter/core/internal/events"
	"github.com/shadowhunter/core/internal/flow"
	"github.com/shadowhunter/core/internal/graph"
	"github.com/shadowhunter/core/internal/intel"
)

type fakeProbes struct{ scheduled []string }

func (f *fakeProbes) Schedule(ip string) { f.scheduled = append(f.scheduled, ip) }

type fakeResponses struct{ blocked []string }

func (f *fakeResponses) AutoBlock(ip, reason string) bool {
	f.blocked = append(f.blocked, ip)
	return true
}

func newTestAnalyzer(t *testing.T) (*Analyzer, *events.Bus, *graph.Store, *fakeProbes, *fakeResponses) {
	t.Helper()
	bus := events.New(16)
	store := graph.OpenMemory()
	probes := &fakeProbes{}
	responses := &fakeResponses{}
	a := New(bus, store, intel.Default(), nil, probes, responses, Config{
		WorkerCount:    1,
		ProbingEnabled: true,
		CriticalRisk:   95,
		QueueDepth:     16,
	})
	return a, bus, store, probes, responses
}

func TestAnalyzerEmitsAlertAndUpsertsGraph(t *testing.T) {
	a, bus, store, _, _ := newTestAnalyzer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx, time.Second)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond) // let Run subscribe before publishing

	ev := &flow.Event{
		Timestamp:     time.Now(),
		SourceIP:      "10.0.0.5",
		DestinationIP: "104.18.32.7",
		DestPort:      443,
		Protocol:      flow.HTTPS,
		BytesSent:     1024,
		Metadata:      map[string]string{flow.MetaSNI: "api.openai.com"},
	}
	bus.Publish(events.TopicTraffic, "test", ev)

	require.Eventually(t, func() bool { return len(a.Alerts()) == 1 }, time.Second, 10*time.Millisecond)

	alerts := a.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, detect.HIGH, alerts[0].Severity)
	assert.Contains(t, alerts[0].MatchedRules, "ai_domain:openai.com")

	node, ok, err := store.GetNode("api.openai.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, graph.NodeShadow, node.Type)

	cancel()
	<-done
}

func TestAnalyzerAutoBlocksOnPolicyBlockRule(t *testing.T) {
	a, bus, _, _, responses := newTestAnalyzer(t)
	a.SetPolicyRules([]detect.PolicyRule{
		{ID: "r-block", Name: "block exfil", Action: detect.ActionBlock, Service: "203.0.113", Severity: detect.HIGH, Enabled: true},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx, time.Second)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	ev := &flow.Event{
		Timestamp:     time.Now(),
		SourceIP:      "10.0.0.9",
		DestinationIP: "203.0.113.9",
		DestPort:      443,
		Protocol:      flow.HTTPS,
	}
	bus.Publish(events.TopicTraffic, "test", ev)

	require.Eventually(t, func() bool { return len(responses.blocked) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "203.0.113.9", responses.blocked[0])

	cancel()
	<-done
}

func TestKillChainStageMapping(t *testing.T) {
	assert.Equal(t, "exfiltration", killChainStage([]string{"ai_domain:openai.com"}, nil))
	assert.Equal(t, "reconnaissance", killChainStage(nil, []string{"port scan detected"}))
	assert.Equal(t, "unknown", killChainStage(nil, nil))
}

func TestAlertRingBufferWrapsAtCapacity(t *testing.T) {
	rb := NewAlertRingBuffer(3)
	for i := 0; i < 5; i++ {
		rb.Push(Alert{ID: string(rune('a' + i))})
	}
	snap := rb.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "c", snap[0].ID)
	assert.Equal(t, "e", snap[2].ID)
}

func TestStateTrackerTransitions(t *testing.T) {
	st := NewStateTracker()
	now := time.Now()
	assert.Equal(t, StateObserved, st.Touch("10.0.0.1"))
	assert.Equal(t, StateFlagged, st.Flag("10.0.0.1", now))
	st.Quarantine("10.0.0.1")
	assert.Equal(t, StateQuarantined, st.Get("10.0.0.1"))
	st.Clear("10.0.0.1")
	assert.Equal(t, StateObserved, st.Get("10.0.0.1"))
}
