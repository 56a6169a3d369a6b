package analyzer

import "strings"

// killChainKeywords maps a description substring to the kill-chain stage it
// implies. Checked in order; the first match wins.
var killChainKeywords = []struct {
	keyword string
	stage   string
}{
	{"scan", "reconnaissance"},
	{"malicious_cidr", "initial_access"},
	{"c2", "initial_access"},
	{"identity_spoofing", "execution"},
	{"ja3_match", "execution"},
	{"dns_tunneling", "exfiltration"},
	{"tunneling", "exfiltration"},
	{"upload", "exfiltration"},
	{"exfil", "exfiltration"},
	{"ai_domain", "exfiltration"},
	{"abnormal_outbound_port", "impact"},
	{"policy", "policy_violation"},
}

// killChainStage returns the first kill-chain stage implied by any matched
// rule name or description fragment in descriptions, "unknown" if none.
func killChainStage(matchedRules []string, descriptions []string) string {
	haystack := strings.ToLower(strings.Join(matchedRules, " ") + " " + strings.Join(descriptions, " "))
	for _, k := range killChainKeywords {
		if strings.Contains(haystack, k.keyword) {
			return k.stage
		}
	}
	return "unknown"
}
