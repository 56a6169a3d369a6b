package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowhunter/core/internal/flow"
	"github.com/shadowhunter/core/internal/intel"
)

func baseCtx() *Context {
	return &Context{Intel: intel.Default()}
}

// S1 — Shadow-AI domain match.
func TestS1ShadowAIDomainMatch(t *testing.T) {
	e := &flow.Event{
		Timestamp:     time.Now(),
		SourceIP:      "10.0.0.5",
		DestinationIP: "104.18.32.7",
		DestPort:      443,
		Protocol:      flow.HTTPS,
		BytesSent:     2048,
		Metadata:      map[string]string{flow.MetaSNI: "api.openai.com"},
	}
	hits := Detect(e, EndpointInfo{SourceInternal: true, DestinationLabel: "api.openai.com"}, baseCtx())
	require.NotEmpty(t, hits)
	assert.Equal(t, HIGH, hits[0].Severity)
	assert.Equal(t, "LLM", hits[0].Category)
	assert.Equal(t, "ai_domain:openai.com", hits[0].MatchedRule)
}

// S2 — Abnormal port.
func TestS2AbnormalPort(t *testing.T) {
	e := &flow.Event{
		SourceIP:      "192.168.1.20",
		DestinationIP: "203.0.113.5",
		DestPort:      6667,
		Protocol:      flow.TCP,
	}
	hits := Detect(e, EndpointInfo{SourceInternal: true, DestinationLabel: "203.0.113.5"}, baseCtx())
	require.Len(t, hits, 1)
	assert.Equal(t, MEDIUM, hits[0].Severity)
	assert.Equal(t, "abnormal_outbound_port", hits[0].MatchedRule)
}

// S3 — DNS tunneling boundary.
func TestS3DNSTunnelingBoundary(t *testing.T) {
	under := &flow.Event{SourceIP: "10.0.0.1", DestinationIP: "8.8.8.8", Protocol: flow.DNS, BytesSent: 300, BytesReceived: 200}
	hits := Detect(under, EndpointInfo{SourceInternal: true}, baseCtx())
	assert.Empty(t, hits, "exactly 500 bytes must not be flagged")

	over := &flow.Event{SourceIP: "10.0.0.1", DestinationIP: "8.8.8.8", Protocol: flow.DNS, BytesSent: 300, BytesReceived: 201}
	hits = Detect(over, EndpointInfo{SourceInternal: true}, baseCtx())
	require.Len(t, hits, 1)
	assert.Equal(t, "dns_tunneling", hits[0].MatchedRule)
	assert.Equal(t, MEDIUM, hits[0].Severity)
}

// S4 — JA3 spoofing.
func TestS4JA3Spoofing(t *testing.T) {
	e := &flow.Event{
		SourceIP:      "10.0.0.9",
		DestinationIP: "203.0.113.9",
		Protocol:      flow.HTTPS,
		DestPort:      443,
		JA3Hash:       "e7d705a3286e19ea42f587b344ee6865",
		Metadata:      map[string]string{flow.MetaUserAgent: "Mozilla/5.0 Chrome/120.0"},
	}
	hits := Detect(e, EndpointInfo{SourceInternal: true}, baseCtx())
	var spoof *RuleHit
	for i := range hits {
		if hits[i].MatchedRule == "identity_spoofing" {
			spoof = &hits[i]
		}
	}
	require.NotNil(t, spoof)
	assert.Equal(t, HIGH, spoof.Severity)
}

func TestWhitelistShortCircuit(t *testing.T) {
	e := &flow.Event{SourceIP: "10.0.0.1", DestinationIP: "10.0.0.2", Protocol: flow.TCP, DestPort: 9999}
	hits := Detect(e, EndpointInfo{SourceInternal: true}, baseCtx())
	assert.Empty(t, hits)
}

func TestEmptyServicePolicyRuleMatchesNothing(t *testing.T) {
	ctx := baseCtx()
	ctx.PolicyRules = []PolicyRule{{ID: "r1", Enabled: true, Service: "", Severity: LOW}}
	e := &flow.Event{SourceIP: "10.0.0.1", DestinationIP: "203.0.113.1", Protocol: flow.TCP, DestPort: 443}
	hits := Detect(e, EndpointInfo{SourceInternal: true, DestinationLabel: "203.0.113.1"}, ctx)
	for _, h := range hits {
		assert.NotEqual(t, "r1", h.MatchedRule)
	}
}
