// Package scenarios drives the full C1->C8 pipeline end to end for each of
// the detection scenarios: a flow event goes in through the bus and an
// alert, graph mutation, or policy-endpoint response comes out the other
// side. internal/detect and internal/analyzer/analyzer_test.go already
// cover the rule-matching and single-alert-path logic in isolation; these
// tests exist to catch wiring regressions between the orchestrator, the
// intelligence engine, active defense and the REST layer that unit tests in
// any one package can't see.
package scenarios

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowhunter/core/internal/analyzer"
	"github.com/shadowhunter/core/internal/analytics"
	"github.com/shadowhunter/core/internal/api"
	"github.com/shadowhunter/core/internal/defense"
	"github.com/shadowhunter/core/internal/detect"
	"github.com/shadowhunter/core/internal/events"
	"github.com/shadowhunter/core/internal/flow"
	"github.com/shadowhunter/core/internal/graph"
	"github.com/shadowhunter/core/internal/intel"
	"github.com/shadowhunter/core/internal/intelligence"
	"github.com/shadowhunter/core/internal/websocket"
)

// fixedScorer is a Scorer stub that always returns the same verdict,
// letting S5 push risk past the auto-block threshold without waiting on the
// anomaly model's warm-up window.
type fixedScorer struct{ verdict intelligence.Verdict }

func (f fixedScorer) Score(*flow.Event, intelligence.EndpointFlags, time.Time) intelligence.Verdict {
	return f.verdict
}

func harness(t *testing.T, engine analyzer.Scorer, responses analyzer.ResponseManager) (*analyzer.Analyzer, *events.Bus, *graph.Store, func()) {
	t.Helper()
	bus := events.New(16)
	store := graph.OpenMemory()
	a := analyzer.New(bus, store, intel.Default(), engine, nil, responses, analyzer.Config{
		WorkerCount:    1,
		ProbingEnabled: false,
		CriticalRisk:   95,
		QueueDepth:     16,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx, time.Second)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond) // let Run subscribe before publishing

	return a, bus, store, func() {
		cancel()
		<-done
	}
}

// S2 — a connection from an internal host to an IRC-range port with no
// shadow-AI signal still produces a MEDIUM policy alert, and the
// destination is graphed as external rather than shadow.
func TestS2AbnormalOutboundPortEndToEnd(t *testing.T) {
	a, bus, store, stop := harness(t, nil, nil)
	defer stop()

	bus.Publish(events.TopicTraffic, "test", &flow.Event{
		Timestamp:     time.Now(),
		SourceIP:      "192.168.1.20",
		DestinationIP: "203.0.113.5",
		DestPort:      6667,
		Protocol:      flow.TCP,
	})

	require.Eventually(t, func() bool { return len(a.Alerts()) == 1 }, time.Second, 10*time.Millisecond)
	alert := a.Alerts()[0]
	assert.Equal(t, detect.MEDIUM, alert.Severity)
	assert.Contains(t, alert.MatchedRules, "abnormal_outbound_port")

	node, ok, err := store.GetNode("203.0.113.5")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, graph.NodeExternal, node.Type)
}

// S3 — DNS payloads at the 500-byte boundary: exactly 500 bytes draws no
// alert, 501 draws a MEDIUM tunneling alert.
func TestS3DNSTunnelingBoundaryEndToEnd(t *testing.T) {
	a, bus, _, stop := harness(t, nil, nil)
	defer stop()

	bus.Publish(events.TopicTraffic, "test", &flow.Event{
		Timestamp:     time.Now(),
		SourceIP:      "10.0.0.1",
		DestinationIP: "8.8.8.8",
		Protocol:      flow.DNS,
		BytesSent:     300,
		BytesReceived: 200,
	})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, a.Alerts(), "exactly 500 bytes must not be flagged")

	bus.Publish(events.TopicTraffic, "test", &flow.Event{
		Timestamp:     time.Now(),
		SourceIP:      "10.0.0.1",
		DestinationIP: "8.8.8.8",
		Protocol:      flow.DNS,
		BytesSent:     300,
		BytesReceived: 201,
	})
	require.Eventually(t, func() bool { return len(a.Alerts()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "dns_tunneling", a.Alerts()[0].MatchedRules[0])
	assert.Equal(t, detect.MEDIUM, a.Alerts()[0].Severity)
}

// S4 — a client claiming to be a browser over a JA3 fingerprint known to
// belong to a scripting library is flagged as identity spoofing.
func TestS4JA3SpoofingEndToEnd(t *testing.T) {
	a, bus, _, stop := harness(t, nil, nil)
	defer stop()

	bus.Publish(events.TopicTraffic, "test", &flow.Event{
		Timestamp:     time.Now(),
		SourceIP:      "10.0.0.9",
		DestinationIP: "203.0.113.9",
		DestPort:      443,
		Protocol:      flow.HTTPS,
		JA3Hash:       "e7d705a3286e19ea42f587b344ee6865",
		Metadata:      map[string]string{flow.MetaUserAgent: "Mozilla/5.0 Chrome/120.0"},
	})

	require.Eventually(t, func() bool { return len(a.Alerts()) == 1 }, time.Second, 10*time.Millisecond)
	alert := a.Alerts()[0]
	assert.Equal(t, detect.HIGH, alert.Severity)
	assert.Contains(t, alert.MatchedRules, "identity_spoofing")
}

// S5 — five high-confidence shadow-AI flows from the same source should
// auto-block the destination within the first two, well before all five
// have been seen, and the block should be visible through the REST API.
func TestS5AutoBlockOnCriticalRiskEndToEnd(t *testing.T) {
	scorer := fixedScorer{verdict: intelligence.Verdict{Classification: intelligence.ClassShadowAI, Confidence: 0.95, Risk: 97}}
	bl := defense.NewBlocklist(3600*time.Second, nil)
	responses := defense.NewResponseManager(bl, 3600*time.Second, 95, nil)

	a, bus, store, stop := harness(t, scorer, responses)
	defer stop()

	streamer := websocket.NewStreamer()
	srv := api.NewAPIServer(api.ModeDemo, store, a, responses, streamer, []string{"*"})

	for i := 0; i < 5; i++ {
		bus.Publish(events.TopicTraffic, "test", &flow.Event{
			Timestamp:     time.Now(),
			SourceIP:      "10.0.0.5",
			DestinationIP: "198.51.100.9",
			DestPort:      443,
			Protocol:      flow.HTTPS,
			BytesSent:     2048,
			Metadata:      map[string]string{flow.MetaSNI: "api.openai.com"},
		})
		if i == 1 {
			// by the second flow the destination must already be blocked
			require.Eventually(t, func() bool { return responses.IsBlocked("198.51.100.9") }, time.Second, 10*time.Millisecond)
		}
	}

	entries := responses.ListBlocked()
	require.Len(t, entries, 1)
	assert.Equal(t, "198.51.100.9", entries[0].IP)
	assert.WithinDuration(t, time.Now().Add(3600*time.Second), entries[0].ExpiresAt, 5*time.Second)

	req := httptest.NewRequest(http.MethodGet, "/v1/policy/blocked", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var blocked []defense.BlocklistEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &blocked))
	require.Len(t, blocked, 1)
	assert.Equal(t, "198.51.100.9", blocked[0].IP)
}

// S6 — alerts from one source cluster into sessions with a 5-minute gap: a
// run of three flows thirty seconds apart and a run of two flows thirty seconds
// apart form two sessions; a sixth, isolated alert 20 minutes out is not a
// session on its own and must not appear in /policy/sessions.
func TestS6SessionReconstructionEndToEnd(t *testing.T) {
	a, bus, store, stop := harness(t, nil, nil)
	defer stop()

	streamer := websocket.NewStreamer()
	responses := defense.NewResponseManager(defense.NewBlocklist(3600*time.Second, nil), 3600*time.Second, 95, nil)
	srv := api.NewAPIServer(api.ModeDemo, store, a, responses, streamer, []string{"*"})

	base := time.Now()
	offsets := []time.Duration{0, 30 * time.Second, 60 * time.Second, 7 * time.Minute, 7*time.Minute + 30*time.Second, 20 * time.Minute}
	dests := []string{"203.0.113.11", "203.0.113.11", "203.0.113.11", "203.0.113.12", "203.0.113.12", "203.0.113.13"}
	for i, off := range offsets {
		bus.Publish(events.TopicTraffic, "test", &flow.Event{
			Timestamp:     base.Add(off),
			SourceIP:      "10.0.0.5",
			DestinationIP: dests[i],
			DestPort:      6667,
			Protocol:      flow.TCP,
		})
	}
	require.Eventually(t, func() bool { return len(a.Alerts()) == 6 }, time.Second, 10*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/v1/policy/sessions", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var sessions []analytics.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 2)
	assert.Len(t, sessions[0].Timeline, 3)
	assert.Len(t, sessions[1].Timeline, 2)
}
