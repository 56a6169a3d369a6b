package defense

import (
	"context"
	"log"
	"time"

	"github.com/shadowhunter/core/internal/infra"
	"github.com/shadowhunter/core/internal/telemetry"
)

// sharedBlocklistSet is the Redis set key that AutoBlock adds to and
// Unblock removes from. Nothing reads the set back: IsBlocked and
// ListBlocked consult only this process's local blocklist.
const sharedBlocklistSet = "shadowhunter:blocklist"

// ResponseManager owns the Blocklist and blocks whichever IP its caller
// names; the analyzer passes an alert's block target, or its destination
// when no rule named one. It satisfies analyzer.ResponseManager
// (AutoBlock(ip, reason string) bool).
type ResponseManager struct {
	blocklist    *Blocklist
	defaultTTL   time.Duration
	criticalRisk float64
	redis        *infra.GoRedisAdapter
	logger       *log.Logger
}

// NewResponseManager builds a ResponseManager. redis may be nil: without it
// the blocklist is purely in-process, matching the spec's "graceful
// in-memory fallback" when no broker address is configured.
func NewResponseManager(bl *Blocklist, defaultTTL time.Duration, criticalRisk float64, redis *infra.GoRedisAdapter) *ResponseManager {
	if criticalRisk <= 0 {
		criticalRisk = 95
	}
	return &ResponseManager{
		blocklist:    bl,
		defaultTTL:   defaultTTL,
		criticalRisk: criticalRisk,
		redis:        redis,
		logger:       telemetry.Component("DEFENSE"),
	}
}

// AutoBlock inserts ip into the blocklist under reason, fanning the decision
// out to Redis when configured. Returns whether the entry was actually
// installed (false if ip is safe-listed).
func (m *ResponseManager) AutoBlock(ip, reason string) bool {
	ok := m.blocklist.Block(ip, reason, "", m.defaultTTL, time.Now())
	if ok && m.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.redis.SAdd(ctx, sharedBlocklistSet, ip); err != nil {
			m.logger.Printf("redis blocklist fan-out for %s failed: %v", ip, err)
		}
	}
	return ok
}

// ShouldAutoBlock implements the spec's §4.7 trigger: severity HIGH with
// risk >= criticalRisk, or any matched rule whose action is block.
func (m *ResponseManager) ShouldAutoBlock(severityHigh bool, risk float64, anyPolicyBlock bool) bool {
	if anyPolicyBlock {
		return true
	}
	return severityHigh && risk >= m.criticalRisk
}

// IsBlocked reports whether ip is currently blocked.
func (m *ResponseManager) IsBlocked(ip string) bool { return m.blocklist.IsBlocked(ip, time.Now()) }

// ListBlocked returns every live blocklist entry.
func (m *ResponseManager) ListBlocked() []BlocklistEntry { return m.blocklist.ListBlocked(time.Now()) }

// Unblock removes ip from the blocklist, local and shared.
func (m *ResponseManager) Unblock(ip string) {
	m.blocklist.Unblock(ip)
	if m.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.redis.SRem(ctx, sharedBlocklistSet, ip); err != nil {
			m.logger.Printf("redis blocklist removal for %s failed: %v", ip, err)
		}
	}
}
