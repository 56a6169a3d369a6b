package intel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchAIDomainSuffixBoundary(t *testing.T) {
	s := Default()

	category, domain, ok := s.MatchAIDomain("api.openai.com")
	assert.True(t, ok)
	assert.Equal(t, "LLM", category)
	assert.Equal(t, "openai.com", domain)

	_, _, ok = s.MatchAIDomain("notopenai.com")
	assert.False(t, ok, "must match at a dot boundary, not a bare substring")

	_, _, ok = s.MatchAIDomain("openai.com")
	assert.True(t, ok, "full equality must match")
}

func TestMatchCIDR(t *testing.T) {
	s := build(tables{
		MaliciousCIDRs: []MaliciousCIDR{
			{CIDR: "198.51.100.0/24", Severity: "HIGH", Description: "known C2 range"},
		},
	})

	row, ok := s.MatchCIDR("198.51.100.9")
	assert.True(t, ok)
	assert.Equal(t, "HIGH", row.Severity)

	_, ok = s.MatchCIDR("8.8.8.8")
	assert.False(t, ok)
}

func TestMatchJA3(t *testing.T) {
	s := Default()
	label, ok := s.MatchJA3("e7d705a3286e19ea42f587b344ee6865")
	assert.True(t, ok)
	assert.Equal(t, "python-requests", label)
}
