package defense

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shadowhunter/core/internal/circuitbreaker"
	"github.com/shadowhunter/core/internal/graph"
	"github.com/shadowhunter/core/internal/middleware"
	"github.com/shadowhunter/core/internal/telemetry"
)

// vendorHeaderMarkers are response header fingerprints published by known AI
// API vendors, checked as a fallback when the response body isn't a
// recognizable models list.
var vendorHeaderMarkers = []string{"openai-", "anthropic-request-id", "x-anthropic-", "cf-ai-"}

// Result is what the interrogator learned about a target, written back onto
// the triggering alert by the caller.
type Result struct {
	TargetIP  string
	Confirmed bool
	Attempted bool
	Err       error
}

// GraphRelabeler is the narrow graph.Store slice the interrogator needs to
// relabel a confirmed target as shadow.
type GraphRelabeler interface {
	UpsertNode(id string, props graph.NodeProps) (graph.Node, error)
}

// Interrogator is the probe scheduler ("interrogator" in the spec): given a
// target IP, it issues OPTIONS / then GET /v1/models and classifies the
// target as a confirmed AI service from the response shape or vendor
// headers. Every dispatch passes through safety guards (not
// internal/multicast/loopback, not blocklisted, per-target cooldown, global
// rolling rate limit) before a single byte is sent.
type Interrogator struct {
	client      *http.Client
	blocklist   *Blocklist
	graph       GraphRelabeler
	breakers    *circuitbreaker.ProbeBreakers
	globalLimit *middleware.RateLimiter
	logger      *log.Logger

	cooldown time.Duration

	mu       sync.Mutex
	lastHit  map[string]time.Time
	inFlight chan struct{}

	skipped atomic.Int64
	failed  atomic.Int64
	probed  atomic.Int64
}

// Config controls the interrogator's guard thresholds.
type Config struct {
	Cooldown        time.Duration // per-target minimum interval between probes
	ProbesPerMinute int           // global rolling-window token bucket
	Timeout         time.Duration // total per-probe timeout (OPTIONS + GET)
	MaxInFlight     int           // probe worker pool size
	LocalPrefixes   []netip.Prefix
}

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = 300 * time.Second
	}
	if c.ProbesPerMinute <= 0 {
		c.ProbesPerMinute = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 2
	}
	return c
}

// NewInterrogator wires a probe scheduler against the shared blocklist and
// graph store. graph may be nil in tests that don't care about relabeling.
func NewInterrogator(bl *Blocklist, g GraphRelabeler, cfg Config) *Interrogator {
	cfg = cfg.withDefaults()
	return &Interrogator{
		client:      &http.Client{Timeout: cfg.Timeout},
		blocklist:   bl,
		graph:       g,
		breakers:    circuitbreaker.NewProbeBreakers(),
		globalLimit: middleware.NewRateLimiter(middleware.RateLimitConfig{MaxCallsPerMinute: cfg.ProbesPerMinute, BurstSize: cfg.ProbesPerMinute}),
		logger:      telemetry.Component("DEFENSE"),
		cooldown:    cfg.Cooldown,
		lastHit:     make(map[string]time.Time),
		inFlight:    make(chan struct{}, cfg.MaxInFlight),
	}
}

// Counters reports the skipped/failed/attempted probe counts for metrics.
type Counters struct {
	Skipped, Failed, Probed int64
}

func (ir *Interrogator) Counters() Counters {
	return Counters{Skipped: ir.skipped.Load(), Failed: ir.failed.Load(), Probed: ir.probed.Load()}
}

// Schedule dispatches an asynchronous probe of target, satisfying
// analyzer.ProbeScheduler. All guard checks and the HTTP round trips happen
// off the caller's goroutine.
func (ir *Interrogator) Schedule(target string) {
	go ir.run(target)
}

func (ir *Interrogator) run(target string) {
	if !ir.guardsPass(target) {
		ir.skipped.Add(1)
		return
	}

	select {
	case ir.inFlight <- struct{}{}:
		defer func() { <-ir.inFlight }()
	default:
		ir.skipped.Add(1)
		return
	}

	ir.markAttempt(target)

	breaker := ir.breakers.For(target)
	if err := breaker.Allow(); err != nil {
		ir.skipped.Add(1)
		return
	}

	ir.probed.Add(1)
	confirmed, err := ir.probe(target)
	if err != nil {
		ir.failed.Add(1)
		breaker.Execute(func() (interface{}, error) { return nil, err })
		ir.logger.Printf("probe of %s failed: %v", target, err)
		return
	}
	breaker.Execute(func() (interface{}, error) { return nil, nil })

	if confirmed && ir.graph != nil {
		if _, err := ir.graph.UpsertNode(target, graph.NodeProps{Type: graph.NodeShadow}); err != nil {
			ir.logger.Printf("relabel %s as shadow failed: %v", target, err)
		}
	}
}

// guardsPass runs every safety guard in order; all must pass before the
// interrogator sends a single byte.
func (ir *Interrogator) guardsPass(target string) bool {
	addr, err := netip.ParseAddr(target)
	if err != nil {
		return false
	}
	if addr.IsLoopback() || addr.IsMulticast() || isInternal(addr) {
		return false
	}
	if ir.blocklist != nil && ir.blocklist.IsBlocked(target, time.Now()) {
		return false
	}
	if !ir.cooldownOK(target) {
		return false
	}
	if !ir.globalLimit.Allow("global-probes") {
		return false
	}
	return true
}

func isInternal(addr netip.Addr) bool {
	for _, p := range []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
	} {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (ir *Interrogator) cooldownOK(target string) bool {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	if last, ok := ir.lastHit[target]; ok && time.Since(last) < ir.cooldown {
		return false
	}
	return true
}

func (ir *Interrogator) markAttempt(target string) {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	ir.lastHit[target] = time.Now()
}

// probe performs the OPTIONS / then GET /v1/models sequence and classifies
// the target. Both requests share ir.client's overall Timeout.
func (ir *Interrogator) probe(target string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ir.client.Timeout)
	defer cancel()

	optsReq, err := http.NewRequestWithContext(ctx, http.MethodOptions, "https://"+net.JoinHostPort(target, "443")+"/", nil)
	if err != nil {
		return false, err
	}
	optsResp, err := ir.client.Do(optsReq)
	if err != nil {
		return false, err
	}
	optsResp.Body.Close()
	if hasVendorMarker(optsResp.Header) {
		return true, nil
	}

	modelsReq, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+net.JoinHostPort(target, "443")+"/v1/models", nil)
	if err != nil {
		return false, err
	}
	modelsResp, err := ir.client.Do(modelsReq)
	if err != nil {
		return false, err
	}
	defer modelsResp.Body.Close()

	if hasVendorMarker(modelsResp.Header) {
		return true, nil
	}

	body := make([]byte, 64*1024)
	n, _ := modelsResp.Body.Read(body)
	return looksLikeModelsList(body[:n]), nil
}

func hasVendorMarker(h http.Header) bool {
	for key := range h {
		lower := strings.ToLower(key)
		for _, marker := range vendorHeaderMarkers {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}

// looksLikeModelsList reports whether payload is a JSON array of objects
// each carrying an "id" field (OpenAI/Anthropic-style /v1/models shape), or
// an object wrapping such an array under a "data" key.
func looksLikeModelsList(payload []byte) bool {
	start := findJSONStart(payload)
	if start < 0 {
		return false
	}
	payload = payload[start:]

	var arr []map[string]interface{}
	if err := json.Unmarshal(payload, &arr); err == nil {
		return arrayHasIDs(arr)
	}

	var wrapped struct {
		Data []map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil {
		return arrayHasIDs(wrapped.Data)
	}
	return false
}

func arrayHasIDs(items []map[string]interface{}) bool {
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if _, ok := item["id"]; !ok {
			return false
		}
	}
	return true
}

// findJSONStart scans payload for the start of a JSON object or array,
// skipping any HTTP header preamble a raw probe capture might carry.
func findJSONStart(data []byte) int {
	if len(data) > 0 && (data[0] == '{' || data[0] == '[') {
		return 0
	}
	if idx := bytes.Index(data, []byte("\r\n\r\n")); idx >= 0 {
		bodyStart := idx + 4
		if bodyStart < len(data) && (data[bodyStart] == '{' || data[bodyStart] == '[') {
			return bodyStart
		}
	}
	for i, b := range data {
		if b == '{' || b == '[' {
			return i
		}
	}
	return -1
}
