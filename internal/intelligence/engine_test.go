package intelligence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowhunter/core/internal/flow"
)

func TestColdEngineReturnsNeutralVerdict(t *testing.T) {
	e := NewColdEngine()
	v := e.Score(&flow.Event{SourceIP: "10.0.0.1", DestinationIP: "8.8.8.8"}, EndpointFlags{}, time.Now())
	assert.Equal(t, ClassNormal, v.Classification)
	assert.Zero(t, v.Confidence)
	assert.Zero(t, v.Anomaly)
	assert.Zero(t, v.Risk)
}

func TestNilEngineIsCold(t *testing.T) {
	var e *Engine
	v := e.Score(&flow.Event{}, EndpointFlags{}, time.Now())
	assert.Equal(t, ClassNormal, v.Classification)
}

func TestRiskIsClampedWithinRange(t *testing.T) {
	e := NewEngine()
	now := time.Now()
	for i := 0; i < 20; i++ {
		v := e.Score(&flow.Event{
			SourceIP:      "10.0.0.9",
			DestinationIP: "203.0.113.9",
			DestPort:      443,
			BytesSent:     int64(1000 * i),
			Protocol:      flow.HTTPS,
			Metadata:      map[string]string{flow.MetaSNI: "x7f9q2.suspicious.cloud"},
		}, EndpointFlags{HadRuleHit: true}, now.Add(time.Duration(i)*time.Second))
		require.GreaterOrEqual(t, v.Risk, 0.0)
		require.LessOrEqual(t, v.Risk, 100.0)
	}
}

func TestSessionTrackerDecaysAndEvicts(t *testing.T) {
	tr := NewSessionTracker()
	t0 := time.Now()
	s1 := tr.Touch("10.0.0.5", "1.1.1.1", 10*1024*1024, 1, t0)
	require.Greater(t, s1, 0.0)

	decayed := tr.Score("10.0.0.5", t0.Add(10*time.Minute))
	assert.InDelta(t, s1/2, decayed, 0.01, "score should halve after one half-life")

	removed := tr.Evict(t0.Add(31 * time.Minute))
	assert.Equal(t, 1, removed)
	assert.Zero(t, tr.Score("10.0.0.5", t0.Add(31*time.Minute)))
}

func TestShadowAIClassificationOnHighEntropyHost(t *testing.T) {
	fv := Extract(&flow.Event{
		DestPort: 443,
		Protocol: flow.HTTPS,
		Metadata: map[string]string{flow.MetaSNI: "zq8x2n4f.randomsvc.cloud"},
	})
	class, confidence := classify(fv, 0)
	assert.Equal(t, ClassShadowAI, class)
	assert.Greater(t, confidence, 0.0)
}

func TestEntropyOfEmptyStringIsZero(t *testing.T) {
	assert.Equal(t, 0.0, shannonEntropy(""))
}
