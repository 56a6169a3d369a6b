// Package analyzer implements the central orchestrator (C7): it subscribes
// to the traffic topic, classifies endpoints, upserts the graph, runs the
// rule detector and intelligence engine concurrently, emits alerts, and
// gates active defense. Worker wiring follows the teacher's
// cmd/api/main.go construct-then-wire style; the partitioned worker pool
// follows the shape of the teacher's deleted webhook dispatcher (bounded
// per-worker queue, drop-and-count when full).
package analyzer

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/shadowhunter/core/internal/detect"
	"github.com/shadowhunter/core/internal/events"
	"github.com/shadowhunter/core/internal/flow"
	"github.com/shadowhunter/core/internal/graph"
	"github.com/shadowhunter/core/internal/intel"
	"github.com/shadowhunter/core/internal/intelligence"
	"github.com/shadowhunter/core/internal/shderrors"
	"github.com/shadowhunter/core/internal/telemetry"
)

// Alert is the orchestrator's emitted verdict for one flow event.
type Alert struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	SourceIP        string    `json:"source_ip"`
	DestinationIP   string    `json:"destination_ip"`
	Protocol        string    `json:"protocol"`
	SourcePort      int       `json:"source_port"`
	DestinationPort int       `json:"destination_port"`
	Severity        detect.Severity `json:"severity"`
	Category        string    `json:"category"`
	Descriptions    []string  `json:"descriptions"`
	MatchedRules    []string  `json:"matched_rules"`
	Classification  intelligence.Classification `json:"classification"`
	Confidence      float64   `json:"confidence"`
	Risk            float64   `json:"risk"`
	KillChainStage  string    `json:"kill_chain_stage"`
	BlockTarget     string    `json:"block_target,omitempty"`
	BytesSent       int64     `json:"bytes_sent"`
	BytesReceived   int64     `json:"bytes_received"`
}

// EventHub is the subset of the event bus the analyzer needs: publish plus
// subscribe, satisfied by *events.Bus, *events.DurableBus and
// *events.RedisFanoutBus alike via struct embedding.
type EventHub interface {
	events.Emitter
	Subscribe(topic string) (string, <-chan *events.Envelope)
	Unsubscribe(token string)
}

// GraphStore is the slice of *graph.Store the analyzer touches; kept as an
// interface so tests can substitute a fake without bringing up bbolt.
type GraphStore interface {
	UpsertNode(id string, props graph.NodeProps) (graph.Node, error)
	UpsertEdge(src, dst string, props graph.EdgeProps) (graph.Edge, error)
	GetNode(id string) (graph.Node, bool, error)
	IncrementAlertCount(id string, delta int) error
}

// ProbeScheduler is implemented by internal/defense's interrogator.
type ProbeScheduler interface {
	Schedule(targetIP string)
}

// ResponseManager is implemented by internal/defense's response manager.
type ResponseManager interface {
	AutoBlock(ip, reason string) bool
}

// Config holds the orchestrator's tunables, sourced from config.DefenseConfig
// and config.AnalyzerConfig at wiring time.
type Config struct {
	WorkerCount      int
	LocalPrefixes    []string // extra-internal CIDRs beyond RFC1918
	CriticalRisk     float64
	ProbingEnabled   bool
	FlagDecayTTL     time.Duration
	QueueDepth       int
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.CriticalRisk <= 0 {
		c.CriticalRisk = 95
	}
	if c.FlagDecayTTL <= 0 {
		c.FlagDecayTTL = 15 * time.Minute
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1024
	}
	return c
}

func (c Config) localPrefixes() []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(c.LocalPrefixes))
	for _, raw := range c.LocalPrefixes {
		if p, err := netip.ParsePrefix(raw); err == nil {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes
}

// Severity weights applied to the node risk-score recompute step; an Open
// Question (spec §9) resolved and recorded in DESIGN.md.
var severityWeight = map[detect.Severity]float64{
	detect.HIGH:   30,
	detect.MEDIUM: 15,
	detect.LOW:    5,
}

// Scorer is the intelligence engine's surface the analyzer needs, satisfied
// by *intelligence.Engine; kept as an interface so tests can inject a fixed
// verdict without driving the real anomaly model's warm-up period.
type Scorer interface {
	Score(event *flow.Event, ep intelligence.EndpointFlags, now time.Time) intelligence.Verdict
}

// Analyzer is the C7 orchestrator.
type Analyzer struct {
	hub       EventHub
	store     GraphStore
	engine    Scorer
	probes    ProbeScheduler
	responses ResponseManager
	states    *StateTracker
	alerts    *AlertRingBuffer
	cfg       Config
	localPrefixes []netip.Prefix
	logger    *log.Logger

	detectMu sync.RWMutex
	detectCtx *detect.Context

	dropped       atomic.Int64
	storeFailures atomic.Int64

	workers  []chan *flow.Event
	subToken string
	wg       sync.WaitGroup
}

// New constructs an Analyzer. probes and responses may be nil; in that case
// active-defense gating is skipped entirely (useful in tests and in
// deployments that disable C8).
func New(hub EventHub, store GraphStore, snapshot *intel.Snapshot, engine Scorer, probes ProbeScheduler, responses ResponseManager, cfg Config) *Analyzer {
	cfg = cfg.withDefaults()
	return &Analyzer{
		hub:           hub,
		store:         store,
		engine:        engine,
		probes:        probes,
		responses:     responses,
		states:        NewStateTracker(),
		alerts:        NewAlertRingBuffer(1000),
		cfg:           cfg,
		localPrefixes: cfg.localPrefixes(),
		logger:        telemetry.Component("analyzer"),
		detectCtx:     &detect.Context{Intel: snapshot},
	}
}

// SetPolicyRules atomically swaps the detector's policy rule snapshot
// (copy-on-write; see spec §9's "no ambient singleton" design note).
func (a *Analyzer) SetPolicyRules(rules []detect.PolicyRule) {
	a.detectMu.Lock()
	defer a.detectMu.Unlock()
	cp := make([]detect.PolicyRule, len(rules))
	copy(cp, rules)
	a.detectCtx = &detect.Context{Intel: a.detectCtx.Intel, PolicyRules: cp}
}

// SetIntelSnapshot atomically swaps the curated knowledge-base snapshot
// used by the detector, called when internal/intel hot-reloads.
func (a *Analyzer) SetIntelSnapshot(snapshot *intel.Snapshot) {
	a.detectMu.Lock()
	defer a.detectMu.Unlock()
	a.detectCtx = &detect.Context{Intel: snapshot, PolicyRules: a.detectCtx.PolicyRules}
}

func (a *Analyzer) snapshotCtx() *detect.Context {
	a.detectMu.RLock()
	defer a.detectMu.RUnlock()
	return a.detectCtx
}

// Alerts returns the bounded alert history.
func (a *Analyzer) Alerts() []Alert {
	return a.alerts.Snapshot()
}

// Stats reports dropped-analysis and store-failure counters for C9/metrics.
type Stats struct {
	Dropped       int64
	StoreFailures int64
}

func (a *Analyzer) Stats() Stats {
	return Stats{Dropped: a.dropped.Load(), StoreFailures: a.storeFailures.Load()}
}

// Run subscribes to the traffic topic and starts the partitioned worker
// pool. It blocks until ctx is canceled, then drains with a grace period
// before returning.
func (a *Analyzer) Run(ctx context.Context, gracePeriod time.Duration) error {
	token, ch := a.hub.Subscribe(events.TopicTraffic)
	a.subToken = token

	a.workers = make([]chan *flow.Event, a.cfg.WorkerCount)
	for i := range a.workers {
		a.workers[i] = make(chan *flow.Event, a.cfg.QueueDepth)
		a.wg.Add(1)
		go a.runWorker(i)
	}

	decayTicker := time.NewTicker(time.Minute)
	defer decayTicker.Stop()

dispatch:
	for {
		select {
		case <-ctx.Done():
			break dispatch
		case env, ok := <-ch:
			if !ok {
				break dispatch
			}
			event, ok := env.Data.(*flow.Event)
			if !ok {
				continue
			}
			a.route(event)
		case now := <-decayTicker.C:
			a.states.DecaySweep(now, a.cfg.FlagDecayTTL)
		}
	}

	a.hub.Unsubscribe(token)

	grace := time.NewTimer(gracePeriod)
	defer grace.Stop()
	drained := make(chan struct{})
	go func() {
		for _, w := range a.workers {
			close(w)
		}
		a.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-grace.C:
		a.logger.Printf("shutdown grace period elapsed with workers still draining")
	}
	return nil
}

// route hashes the flow's 5-tuple to a fixed worker so a given 5-tuple's
// events are processed in order without a global lock, matching the
// partitioned-worker layout spec'd for C7.
func (a *Analyzer) route(event *flow.Event) {
	if err := flow.Validate(event); err != nil {
		a.dropped.Add(1)
		a.logger.Printf("dropping event: %v", shderrors.Classify(shderrors.InputMalformed, err))
		return
	}

	h := fnv.New32a()
	h.Write([]byte(event.SourceIP))
	h.Write([]byte(event.DestinationIP))
	h.Write([]byte(strconv.Itoa(event.SourcePort)))
	h.Write([]byte(strconv.Itoa(event.DestPort)))
	h.Write([]byte(event.Protocol))
	idx := int(h.Sum32()) % len(a.workers)
	if idx < 0 {
		idx += len(a.workers)
	}

	select {
	case a.workers[idx] <- event:
	default:
		a.dropped.Add(1)
		a.logger.Printf("worker %d queue full, dropping analysis for %s -> %s", idx, event.SourceIP, event.DestinationIP)
	}
}

func (a *Analyzer) runWorker(id int) {
	defer a.wg.Done()
	for event := range a.workers[id] {
		a.process(event)
	}
}

func (a *Analyzer) process(event *flow.Event) {
	ctx := a.snapshotCtx()

	srcInternal := flow.IsInternal(event.SourceIP, a.localPrefixes)
	dstInternal := flow.IsInternal(event.DestinationIP, a.localPrefixes)

	srcLabel := event.BestDisplayName(true)
	dstLabel := event.BestDisplayName(false)

	srcType := graph.NodeExternal
	if srcInternal {
		srcType = graph.NodeInternal
	}
	dstType := graph.NodeExternal
	if dstInternal {
		dstType = graph.NodeInternal
	}
	if _, _, ok := ctx.Intel.MatchAIDomain(srcLabel); ok {
		srcType = graph.NodeShadow
	}
	if _, _, ok := ctx.Intel.MatchAIDomain(dstLabel); ok {
		dstType = graph.NodeShadow
	}

	// Nodes are keyed by best display name (host/sni when known, else IP) so
	// flows to the same AI service across many backing IPs collapse onto one
	// node; edges follow the same keys.
	srcID, dstID := srcLabel, dstLabel

	a.states.Touch(event.SourceIP)

	graphOK := a.upsertWithRetry(srcID, graph.NodeProps{Type: srcType, Label: srcLabel, Timestamp: event.Timestamp}) &&
		a.upsertWithRetry(dstID, graph.NodeProps{Type: dstType, Label: dstLabel, Timestamp: event.Timestamp})
	if graphOK {
		if _, err := a.store.UpsertEdge(srcID, dstID, graph.EdgeProps{
			Protocol:  string(event.Protocol),
			DestPort:  event.DestPort,
			ByteDelta: event.BytesSent + event.BytesReceived,
			Timestamp: event.Timestamp,
		}); err != nil {
			a.storeFailures.Add(1)
			a.logger.Printf("%v", shderrors.Classify(shderrors.TransientStore, fmt.Errorf("edge upsert failed for %s -> %s: %w", event.SourceIP, event.DestinationIP, err)))
		}
	}

	ep := detect.EndpointInfo{SourceInternal: srcInternal, DestinationLabel: dstLabel}

	// C5 runs first because C6's session-behavior factor needs to know
	// whether this event already drew a rule hit; each still runs
	// concurrently across the worker pool's other in-flight events.
	hits := detect.Detect(event, ep, ctx)

	var verdict intelligence.Verdict
	if a.engine != nil {
		verdict = a.engine.Score(event, intelligence.EndpointFlags{HadRuleHit: len(hits) > 0}, event.Timestamp)
	}

	severity := bucketSeverity(verdict.Risk)
	var descriptions, matchedRules []string
	blockTarget := ""
	category := ""
	for _, h := range hits {
		severity = detect.Max(severity, h.Severity)
		descriptions = append(descriptions, h.Description)
		matchedRules = append(matchedRules, h.MatchedRule)
		if h.BlockTarget != "" {
			blockTarget = h.BlockTarget
		}
		if category == "" && h.Category != "" {
			category = h.Category
		}
	}
	if category == "" && verdict.Classification != intelligence.ClassNormal {
		// no rule fired; the alert is carried purely on the ML verdict, so
		// category falls back to the classification itself.
		category = string(verdict.Classification)
	}

	emitAlert := len(hits) > 0 || (verdict.Classification != intelligence.ClassNormal && verdict.Confidence >= 0.7)
	if emitAlert {
		a.states.Flag(event.SourceIP, event.Timestamp)

		alert := Alert{
			ID:              newAlertID(event),
			Timestamp:       event.Timestamp,
			SourceIP:        event.SourceIP,
			DestinationIP:   event.DestinationIP,
			Protocol:        string(event.Protocol),
			SourcePort:      event.SourcePort,
			DestinationPort: event.DestPort,
			Severity:        severity,
			Category:        category,
			Descriptions:    descriptions,
			MatchedRules:    matchedRules,
			Classification:  verdict.Classification,
			Confidence:      verdict.Confidence,
			Risk:            verdict.Risk,
			KillChainStage:  killChainStage(matchedRules, descriptions),
			BlockTarget:     blockTarget,
			BytesSent:       event.BytesSent,
			BytesReceived:   event.BytesReceived,
		}
		a.alerts.Push(alert)
		a.hub.Publish(events.TopicAlerts, "analyzer", alert) // best-effort, never retried

		if err := a.store.IncrementAlertCount(srcID, 1); err != nil {
			a.storeFailures.Add(1)
			a.logger.Printf("%v", shderrors.Classify(shderrors.TransientStore, fmt.Errorf("alert-count increment failed for %s: %w", srcID, err)))
		}

		a.gateActiveDefense(alert, dstInternal)
		a.updateRisk(srcID, severity)
	}
}

func bucketSeverity(risk float64) detect.Severity {
	switch {
	case risk >= 70:
		return detect.HIGH
	case risk >= 30:
		return detect.MEDIUM
	default:
		return detect.LOW
	}
}

func (a *Analyzer) gateActiveDefense(alert Alert, destinationInternal bool) {
	if alert.Severity == detect.HIGH && !destinationInternal && a.cfg.ProbingEnabled && a.probes != nil {
		a.probes.Schedule(alert.DestinationIP)
	}

	critical := alert.Severity == detect.HIGH && alert.Risk >= a.cfg.CriticalRisk
	if (critical || alert.BlockTarget != "") && a.responses != nil {
		target := alert.BlockTarget
		if target == "" {
			target = alert.DestinationIP
		}
		if a.responses.AutoBlock(target, "critical risk score") {
			a.states.Quarantine(target)
		}
	}
}

func (a *Analyzer) updateRisk(sourceIP string, severity detect.Severity) {
	node, ok, err := a.store.GetNode(sourceIP)
	if err != nil || !ok {
		return
	}
	newRisk := node.RiskScore*0.9 + severityWeight[severity]
	if newRisk > 100 {
		newRisk = 100
	}
	_, _ = a.store.UpsertNode(sourceIP, graph.NodeProps{RiskScore: &newRisk})
}

var backoffSchedule = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, time.Second}

// upsertWithRetry applies exponential backoff (50ms/200ms/1s) on store
// failure, giving up after 3 retries that follow the first attempt, per
// spec §4.6's failure semantics. The
// event is still considered processed; only the graph write is skipped.
func (a *Analyzer) upsertWithRetry(id string, props graph.NodeProps) bool {
	var err error
	for attempt := 0; attempt <= len(backoffSchedule); attempt++ {
		if _, err = a.store.UpsertNode(id, props); err == nil {
			return true
		}
		if attempt < len(backoffSchedule) {
			time.Sleep(backoffSchedule[attempt])
		}
	}
	a.storeFailures.Add(1)
	a.dropped.Add(1)
	a.logger.Printf("%v", shderrors.Classify(shderrors.TransientStore, fmt.Errorf("node upsert failed for %s after retries: %w", id, err)))
	return false
}

// newAlertID returns a ULID rather than a hash of the triggering event, so
// alert IDs sort lexically in emission order and two distinct alerts for the
// same source/destination/timestamp never collide.
func newAlertID(event *flow.Event) string {
	return ulid.Make().String()
}
