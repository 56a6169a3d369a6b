package defense

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocklistRefusesSafeListTargets(t *testing.T) {
	bl := NewBlocklist(time.Hour, nil)
	defer bl.Close()
	assert.False(t, bl.Block("8.8.8.8", "test", "", 0, time.Now()))
	assert.False(t, bl.Block("127.0.0.1", "test", "", 0, time.Now()))
}

func TestBlocklistBlockAndExpire(t *testing.T) {
	bl := NewBlocklist(time.Hour, nil)
	defer bl.Close()
	now := time.Now()
	require.True(t, bl.Block("203.0.113.9", "critical risk", "alert-1", 10*time.Second, now))
	assert.True(t, bl.IsBlocked("203.0.113.9", now))
	assert.False(t, bl.IsBlocked("203.0.113.9", now.Add(11*time.Second)))
}

func TestBlocklistListAndUnblock(t *testing.T) {
	bl := NewBlocklist(time.Hour, nil)
	defer bl.Close()
	now := time.Now()
	bl.Block("203.0.113.1", "r1", "", 0, now)
	bl.Block("203.0.113.2", "r2", "", 0, now)
	assert.Len(t, bl.ListBlocked(now), 2)

	bl.Unblock("203.0.113.1")
	assert.Len(t, bl.ListBlocked(now), 1)
	assert.False(t, bl.IsBlocked("203.0.113.1", now))
}

func TestBlocklistExtraSafeList(t *testing.T) {
	bl := NewBlocklist(time.Hour, []string{"10.0.0.1"})
	defer bl.Close()
	assert.False(t, bl.Block("10.0.0.1", "test", "", 0, time.Now()))
}
