// Package detect implements the rule-based detector (C5): a pure function
// over a FlowEvent and a context snapshot, evaluating every deterministic
// rule in order and accumulating hits. Each rule is a plain function that
// Detect calls in a fixed sequence; there is no Detector interface or
// registry, so adding a rule means adding a call to Detect.
package detect

import (
	"strconv"
	"strings"

	"github.com/shadowhunter/core/internal/flow"
	"github.com/shadowhunter/core/internal/intel"
)

// Severity is the RuleHit/Alert severity scale.
type Severity string

const (
	HIGH   Severity = "HIGH"
	MEDIUM Severity = "MEDIUM"
	LOW    Severity = "LOW"
)

func (s Severity) rank() int {
	switch s {
	case HIGH:
		return 3
	case MEDIUM:
		return 2
	case LOW:
		return 1
	}
	return 0
}

// Max returns the higher-ranked of a and b.
func Max(a, b Severity) Severity {
	if a.rank() >= b.rank() {
		return a
	}
	return b
}

// RuleHit is one detector's verdict on a single event.
type RuleHit struct {
	Severity    Severity
	Category    string
	MatchedRule string
	Description string
	// BlockTarget is set when a matched policy rule's action is "block";
	// it names which endpoint (source or destination) C8 should act on.
	BlockTarget string
}

// PolicyAction is the action a PolicyRule takes when matched.
type PolicyAction string

const (
	ActionBlock   PolicyAction = "block"
	ActionAllow   PolicyAction = "allow"
	ActionMonitor PolicyAction = "monitor"
)

// PolicyRule is editable at runtime; see spec §3 for the full field set.
type PolicyRule struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Action      PolicyAction `json:"action"`
	Service     string       `json:"service"`
	Department  string       `json:"department"`
	Severity    Severity     `json:"severity"`
	Enabled     bool         `json:"enabled"`
	Description string       `json:"description"`
}

// EndpointInfo carries what the orchestrator already resolved about an
// event's endpoints before calling Detect, so rules don't re-derive it.
type EndpointInfo struct {
	SourceInternal      bool
	SourceDepartment    string
	DestinationLabel    string // best display name: host, sni, else IP
}

// Context is an immutable snapshot of loaded rule tables and enabled policy
// rules, passed by reference to every detector call — no ambient singleton.
type Context struct {
	Intel        *intel.Snapshot
	PolicyRules  []PolicyRule // copy-on-write snapshot, see internal/analyzer
}

// interestingInternalServices lists internal endpoints exempted from the
// whitelist short-circuit even though both ends are RFC1918 — placeholder
// hook for future configuration; empty by default.
var interestingInternalServices = map[string]bool{}

// Detect runs every deterministic rule over event in spec order and
// accumulates all hits. Pure: never mutates event or ctx.
func Detect(event *flow.Event, ep EndpointInfo, ctx *Context) []RuleHit {
	// Rule 1: whitelist short-circuit.
	if whitelisted(event, ep) {
		return nil
	}

	var hits []RuleHit

	// Rule 2: AI domain match.
	if hit, ok := matchAIDomain(event, ctx); ok {
		hits = append(hits, hit)
	}

	// Rule 3: malicious CIDR match.
	if hit, ok := matchMaliciousCIDR(event, ctx); ok {
		hits = append(hits, hit)
	}

	// Rule 4: JA3 match / identity spoofing.
	hits = append(hits, matchJA3(event, ctx)...)

	// Rule 5: abnormal outbound port.
	if hit, ok := matchAbnormalPort(event, ep); ok {
		hits = append(hits, hit)
	}

	// Rule 6: DNS tunneling.
	if hit, ok := matchDNSTunneling(event); ok {
		hits = append(hits, hit)
	}

	// Rule 7: policy-rule match.
	hits = append(hits, matchPolicyRules(event, ep, ctx)...)

	return hits
}

func whitelisted(event *flow.Event, ep EndpointInfo) bool {
	if flow.IsMulticastOrBroadcast(event.DestinationIP) || flow.IsSSDP(event.DestinationIP) {
		return true
	}
	bothInternal := ep.SourceInternal && flow.IsInternal(event.DestinationIP, nil)
	if bothInternal && !interestingInternalServices[event.SourceIP] && !interestingInternalServices[event.DestinationIP] {
		return true
	}
	return false
}

func matchAIDomain(event *flow.Event, ctx *Context) (RuleHit, bool) {
	host := event.Meta(flow.MetaHost)
	sni := event.Meta(flow.MetaSNI)
	for _, candidate := range []string{host, sni} {
		if candidate == "" {
			continue
		}
		if category, baseDomain, ok := ctx.Intel.MatchAIDomain(candidate); ok {
			return RuleHit{
				Severity:    HIGH,
				Category:    category,
				MatchedRule: "ai_domain:" + baseDomain,
				Description: "flow to known AI domain " + candidate + " (" + category + ")",
			}, true
		}
	}
	return RuleHit{}, false
}

func matchMaliciousCIDR(event *flow.Event, ctx *Context) (RuleHit, bool) {
	row, ok := ctx.Intel.MatchCIDR(event.DestinationIP)
	if !ok {
		return RuleHit{}, false
	}
	sev := Severity(strings.ToUpper(row.Severity))
	if sev == "" {
		sev = MEDIUM
	}
	return RuleHit{
		Severity:    sev,
		Category:    "threat_intel",
		MatchedRule: "malicious_cidr:" + row.CIDR,
		Description: "destination in known-bad range " + row.CIDR + ": " + row.Description,
	}, true
}

func matchJA3(event *flow.Event, ctx *Context) []RuleHit {
	if event.JA3Hash == "" {
		return nil
	}
	var hits []RuleHit
	if label, ok := ctx.Intel.MatchJA3(event.JA3Hash); ok {
		hits = append(hits, RuleHit{
			Severity:    HIGH,
			Category:    "client_fingerprint",
			MatchedRule: "ja3_match:" + label,
			Description: "JA3 fingerprint matches known tool " + label,
		})
		if claimsBrowser(event.Meta(flow.MetaUserAgent)) && isScriptingClient(label) {
			hits = append(hits, RuleHit{
				Severity:    HIGH,
				Category:    "identity_spoofing",
				MatchedRule: "identity_spoofing",
				Description: "user-agent claims browser but JA3 matches " + label,
			})
		}
	}
	return hits
}

func claimsBrowser(ua string) bool {
	ua = strings.ToLower(ua)
	for _, b := range []string{"mozilla", "chrome", "safari", "firefox", "edge"} {
		if strings.Contains(ua, b) {
			return true
		}
	}
	return false
}

func isScriptingClient(label string) bool {
	label = strings.ToLower(label)
	for _, s := range []string{"python-requests", "curl", "wget", "go-http-client"} {
		if strings.Contains(label, s) {
			return true
		}
	}
	return false
}

var allowedOutboundPorts = map[int]bool{53: true, 80: true, 443: true, 8080: true, 22: true}

func matchAbnormalPort(event *flow.Event, ep EndpointInfo) (RuleHit, bool) {
	if !ep.SourceInternal {
		return RuleHit{}, false
	}
	if flow.IsInternal(event.DestinationIP, nil) {
		return RuleHit{}, false
	}
	if event.Protocol != flow.TCP && event.Protocol != flow.UDP {
		return RuleHit{}, false
	}
	if allowedOutboundPorts[event.DestPort] {
		return RuleHit{}, false
	}
	return RuleHit{
		Severity:    MEDIUM,
		Category:    "policy",
		MatchedRule: "abnormal_outbound_port",
		Description: "outbound connection to unusual port " + strconv.Itoa(event.DestPort),
	}, true
}

func matchDNSTunneling(event *flow.Event) (RuleHit, bool) {
	if event.Protocol != flow.DNS {
		return RuleHit{}, false
	}
	if event.BytesSent+event.BytesReceived <= 500 {
		return RuleHit{}, false
	}
	return RuleHit{
		Severity:    MEDIUM,
		Category:    "exfiltration",
		MatchedRule: "dns_tunneling",
		Description: "oversized DNS payload suggests tunneling",
	}, true
}

func matchPolicyRules(event *flow.Event, ep EndpointInfo, ctx *Context) []RuleHit {
	var hits []RuleHit
	haystack := strings.ToLower(ep.DestinationLabel + "|" + event.Meta(flow.MetaHost) + "|" + event.Meta(flow.MetaSNI))
	for _, r := range ctx.PolicyRules {
		if !r.Enabled {
			continue
		}
		if r.Service == "" {
			continue // empty service matches nothing, per spec boundary behavior
		}
		if !strings.Contains(haystack, strings.ToLower(r.Service)) {
			continue
		}
		if r.Department != "" && r.Department != "All" && r.Department != ep.SourceDepartment {
			continue
		}
		target := ""
		if r.Action == ActionBlock {
			if flow.IsInternal(event.DestinationIP, nil) {
				target = event.SourceIP
			} else {
				target = event.DestinationIP
			}
		}
		hits = append(hits, RuleHit{
			Severity:    r.Severity,
			Category:    "policy",
			MatchedRule: r.ID,
			Description: "matched policy rule " + r.Name,
			BlockTarget: target,
		})
	}
	return hits
}
