package api

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/shadowhunter/core/internal/detect"
)

// ruleStore owns the runtime-editable PolicyRule table. Writers rebuild the
// slice and atomically publish it to the analyzer, matching the
// copy-on-write policy rule table the orchestrator expects.
type ruleStore struct {
	mu    sync.RWMutex
	rules map[string]detect.PolicyRule
	onSet func([]detect.PolicyRule)
}

func newRuleStore(onSet func([]detect.PolicyRule)) *ruleStore {
	return &ruleStore{rules: make(map[string]detect.PolicyRule), onSet: onSet}
}

func (rs *ruleStore) list() []detect.PolicyRule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]detect.PolicyRule, 0, len(rs.rules))
	for _, r := range rs.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// errRuleConflict is returned by create when a rule with the same
// name+service already exists, per spec's 409 error model.
var errRuleConflict = fmt.Errorf("policy rule with this name and service already exists")

func (rs *ruleStore) create(r detect.PolicyRule) (detect.PolicyRule, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for _, existing := range rs.rules {
		if existing.Name == r.Name && existing.Service == r.Service {
			return detect.PolicyRule{}, errRuleConflict
		}
	}

	r.ID = uuid.NewString()
	rs.rules[r.ID] = r
	rs.publishLocked()
	return r, nil
}

func (rs *ruleStore) toggle(id string) (detect.PolicyRule, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	r, ok := rs.rules[id]
	if !ok {
		return detect.PolicyRule{}, false
	}
	r.Enabled = !r.Enabled
	rs.rules[id] = r
	rs.publishLocked()
	return r, true
}

func (rs *ruleStore) delete(id string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if _, ok := rs.rules[id]; !ok {
		return false
	}
	delete(rs.rules, id)
	rs.publishLocked()
	return true
}

// publishLocked must be called with rs.mu held; it snapshots the table and
// hands it to the analyzer.
func (rs *ruleStore) publishLocked() {
	if rs.onSet == nil {
		return
	}
	out := make([]detect.PolicyRule, 0, len(rs.rules))
	for _, r := range rs.rules {
		out = append(out, r)
	}
	rs.onSet(out)
}
