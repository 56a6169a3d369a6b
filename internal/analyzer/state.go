package analyzer

import (
	"sync"
	"time"
)

// NodeState is the per-source lifecycle state driven by the orchestrator,
// independent of the graph's internal/external/shadow address
// classification.
type NodeState string

const (
	StateNew         NodeState = "NEW"
	StateObserved    NodeState = "OBSERVED"
	StateFlagged     NodeState = "FLAGGED"
	StateQuarantined NodeState = "QUARANTINED"
)

type trackedState struct {
	state     NodeState
	flaggedAt time.Time
}

// StateTracker holds the NEW -> OBSERVED -> FLAGGED -> QUARANTINED machine
// for every source IP the analyzer has seen.
type StateTracker struct {
	mu     sync.Mutex
	states map[string]*trackedState
}

// NewStateTracker returns an empty tracker.
func NewStateTracker() *StateTracker {
	return &StateTracker{states: make(map[string]*trackedState)}
}

// Touch records a source's first flow, transitioning NEW -> OBSERVED. A
// source already past NEW is left untouched.
func (t *StateTracker) Touch(ip string) NodeState {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.states[ip]
	if !ok {
		s = &trackedState{state: StateObserved}
		t.states[ip] = s
		return s.state
	}
	return s.state
}

// Flag transitions OBSERVED -> FLAGGED on a rule or ML alert. It has no
// effect on a source already QUARANTINED.
func (t *StateTracker) Flag(ip string, now time.Time) NodeState {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.states[ip]
	if !ok {
		s = &trackedState{}
		t.states[ip] = s
	}
	if s.state != StateQuarantined {
		s.state = StateFlagged
		s.flaggedAt = now
	}
	return s.state
}

// Quarantine transitions to QUARANTINED when C8 installs a blocklist entry.
func (t *StateTracker) Quarantine(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.states[ip]
	if !ok {
		s = &trackedState{}
		t.states[ip] = s
	}
	s.state = StateQuarantined
}

// Clear transitions QUARANTINED -> OBSERVED when the blocklist entry for ip
// expires. No-op for any other state.
func (t *StateTracker) Clear(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.states[ip]; ok && s.state == StateQuarantined {
		s.state = StateObserved
	}
}

// Get returns the current state for ip, StateNew if never seen.
func (t *StateTracker) Get(ip string) NodeState {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.states[ip]; ok {
		return s.state
	}
	return StateNew
}

// DecaySweep drops FLAGGED sources back to OBSERVED once ttl has elapsed
// since they were flagged, with no further alert in the interim.
func (t *StateTracker) DecaySweep(now time.Time, ttl time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	decayed := 0
	for _, s := range t.states {
		if s.state == StateFlagged && now.Sub(s.flaggedAt) > ttl {
			s.state = StateObserved
			decayed++
		}
	}
	return decayed
}
