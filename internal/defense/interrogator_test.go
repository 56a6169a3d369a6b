package defense

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardsRejectInternalAndMulticastTargets(t *testing.T) {
	ir := NewInterrogator(NewBlocklist(time.Hour, nil), nil, Config{})
	defer ir.blocklist.Close()
	assert.False(t, ir.guardsPass("10.0.0.5"))
	assert.False(t, ir.guardsPass("239.255.255.250"))
	assert.False(t, ir.guardsPass("127.0.0.1"))
}

func TestGuardsRejectBlockedTarget(t *testing.T) {
	bl := NewBlocklist(time.Hour, nil)
	defer bl.Close()
	bl.Block("203.0.113.9", "prior alert", "", 0, time.Now())
	ir := NewInterrogator(bl, nil, Config{})
	assert.False(t, ir.guardsPass("203.0.113.9"))
}

func TestCooldownBlocksRepeatProbes(t *testing.T) {
	ir := NewInterrogator(NewBlocklist(time.Hour, nil), nil, Config{Cooldown: time.Minute})
	defer ir.blocklist.Close()
	require.True(t, ir.guardsPass("203.0.113.9"))
	ir.markAttempt("203.0.113.9")
	assert.False(t, ir.guardsPass("203.0.113.9"))
}

func TestGlobalRateLimitCapsProbesPerMinute(t *testing.T) {
	ir := NewInterrogator(NewBlocklist(time.Hour, nil), nil, Config{ProbesPerMinute: 2})
	defer ir.blocklist.Close()
	assert.True(t, ir.guardsPass("203.0.113.1"))
	ir.markAttempt("203.0.113.1")
	assert.True(t, ir.guardsPass("203.0.113.2"))
	ir.markAttempt("203.0.113.2")
	assert.False(t, ir.guardsPass("203.0.113.3"))
}

func TestLooksLikeModelsListDetectsOpenAIShape(t *testing.T) {
	body := []byte(`{"data":[{"id":"gpt-4","object":"model"},{"id":"gpt-3.5-turbo","object":"model"}]}`)
	assert.True(t, looksLikeModelsList(body))
}

func TestLooksLikeModelsListRejectsPlainArray(t *testing.T) {
	body := []byte(`[1,2,3]`)
	assert.False(t, looksLikeModelsList(body))
}

func TestLooksLikeModelsListHandlesHTTPPreamble(t *testing.T) {
	body := []byte("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n[{\"id\":\"claude-3\"}]")
	assert.True(t, looksLikeModelsList(body))
}

func TestHasVendorMarkerDetectsOpenAIHeader(t *testing.T) {
	h := map[string][]string{"Openai-Processing-Ms": {"12"}}
	assert.True(t, hasVendorMarker(h))
}
