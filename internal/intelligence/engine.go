// Package intelligence implements the intelligence engine (C6): feature
// extraction, an online anomaly detector, a classifier, and a per-source
// session tracker, fused into a single risk Verdict that augments C5's
// deterministic rules. It exposes the same contract whether or not a
// scoring model is loaded, per SPEC_FULL.md's cold-start requirement.
package intelligence

import (
	"time"

	"github.com/shadowhunter/core/internal/flow"
)

// Verdict is the C6 engine's full output for one event.
type Verdict struct {
	Classification Classification
	Confidence     float64
	Anomaly        float64
	Risk           float64
}

// highSeverityWeight is the weight Score passes into Touch when C5 produced
// a hit for the event, so session_score reacts to recent rule hits.
const highSeverityWeight = 1.0

// Engine fuses anomaly, classification, and session scoring into a Verdict.
// The zero value, like NewColdEngine's result, is a valid cold-start engine:
// Score always returns the neutral {normal, 0, 0, 0} verdict, matching the
// "no models loaded" fallback path the orchestrator falls back to. Only an
// engine built by NewEngine scores events.
type Engine struct {
	model    *AnomalyModel
	sessions *SessionTracker
	loaded   bool
}

// NewColdEngine returns an engine with no scoring model loaded: every call
// to Score returns the neutral verdict. Used when the deployment has not
// configured a knowledge base mature enough to score against, or in tests
// that want the rule engine to run in isolation.
func NewColdEngine() *Engine {
	return &Engine{}
}

// NewEngine returns a ready-to-score engine with its online anomaly model
// and session tracker initialized.
func NewEngine() *Engine {
	return &Engine{
		model:    newAnomalyModel(),
		sessions: NewSessionTracker(),
		loaded:   true,
	}
}

// EndpointFlags carries what the orchestrator already knows about the
// event's source, analogous to detect.EndpointInfo, so the engine doesn't
// re-derive it.
type EndpointFlags struct {
	HadRuleHit bool // true if C5 produced any hit for this event
}

// Score computes the Verdict for event. now is passed explicitly (rather
// than read from time.Now internally) so the session tracker is
// deterministic under test and under the synthetic generator's seeded
// clock.
func (e *Engine) Score(event *flow.Event, ep EndpointFlags, now time.Time) Verdict {
	if e == nil || !e.loaded {
		return Verdict{Classification: ClassNormal}
	}

	fv := Extract(event)
	anomaly := e.model.Score(fv)
	classification, confidence := classify(fv, anomaly)

	severityWeight := 0.0
	if ep.HadRuleHit {
		severityWeight = highSeverityWeight
	}
	sessionScore := e.sessions.Touch(event.SourceIP, event.DestinationIP, event.BytesSent, severityWeight, now)

	shadowConfidence := 0.0
	if classification == ClassShadowAI {
		shadowConfidence = confidence
	}
	risk := clamp01((40*anomaly+40*shadowConfidence+20*sessionScore)/100) * 100

	return Verdict{
		Classification: classification,
		Confidence:     confidence,
		Anomaly:        anomaly,
		Risk:           risk,
	}
}

// EvictSessions sweeps out sessions inactive for more than 30 minutes.
func (e *Engine) EvictSessions(now time.Time) int {
	if e == nil || e.sessions == nil {
		return 0
	}
	return e.sessions.Evict(now)
}
