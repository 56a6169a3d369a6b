package analytics

import (
	"strings"

	"github.com/shadowhunter/core/internal/analyzer"
	"github.com/shadowhunter/core/internal/detect"
)

// CheckStatus is the tri-state outcome of one compliance check.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckWarn CheckStatus = "warn"
	CheckFail CheckStatus = "fail"
)

// Check is one named compliance control and its computed status.
type Check struct {
	Name   string      `json:"name"`
	Status CheckStatus `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

// Framework is one compliance framework's scored check set.
type Framework struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Checks []Check `json:"checks"`
}

// ComplianceReport bundles all three frameworks plus the overall average.
type ComplianceReport struct {
	Frameworks []Framework `json:"frameworks"`
	Overall    float64     `json:"overall"`
}

// isShadowAIAlert reports whether a carries an ai_domain rule hit — the
// threat-intel signal for unsanctioned AI traffic — rather than relying on
// the ML engine's shadow_ai classification alone, which fires on behavioral
// anomaly scores and can diverge from the known-domain signal.
func isShadowAIAlert(a analyzer.Alert) bool {
	for _, r := range a.MatchedRules {
		if strings.HasPrefix(r, "ai_domain:") {
			return true
		}
	}
	return false
}

func hasBlockRule(rules []detect.PolicyRule) bool {
	for _, r := range rules {
		if r.Action == detect.ActionBlock && r.Enabled {
			return true
		}
	}
	return false
}

// Compliance scores SOC2, GDPR and HIPAA from the alert snapshot's counters.
func Compliance(s Snapshot) ComplianceReport {
	shadowAICount := 0
	highCount := 0
	dlpCount := len(DLPIncidents(s))
	for _, a := range s.Alerts {
		if isShadowAIAlert(a) {
			shadowAICount++
		}
		if a.Severity == detect.HIGH {
			highCount++
		}
	}
	blockRuleConfigured := hasBlockRule(s.Rules)

	soc2 := Framework{Name: "SOC2", Checks: []Check{
		checkShadowAIMonitoring(shadowAICount, blockRuleConfigured),
		{Name: "Access logging", Status: CheckPass, Detail: "flow telemetry captured for every connection"},
		{Name: "Incident response", Status: statusFromCount(highCount, 20, 50), Detail: "open HIGH-severity alert volume"},
	}}
	gdpr := Framework{Name: "GDPR", Checks: []Check{
		{Name: "Data minimization", Status: statusFromCount(dlpCount, 5, 15), Detail: "DLP incidents involving PII or documents"},
		{Name: "Cross-border transfer visibility", Status: statusFromCount(shadowAICount, 10, 30), Detail: "unsanctioned external AI destinations"},
	}}
	hipaa := Framework{Name: "HIPAA", Checks: []Check{
		{Name: "PHI exfiltration controls", Status: checkPHI(dlpCount, blockRuleConfigured)},
		{Name: "Audit trail completeness", Status: CheckPass, Detail: "every alert retained in the ring buffer with full timeline"},
	}}

	frameworks := []Framework{soc2, gdpr, hipaa}
	for i := range frameworks {
		frameworks[i].Score = scoreChecks(frameworks[i].Checks)
	}

	overall := 0.0
	for _, f := range frameworks {
		overall += f.Score
	}
	overall /= float64(len(frameworks))

	return ComplianceReport{Frameworks: frameworks, Overall: overall}
}

func checkShadowAIMonitoring(shadowAICount int, blockRuleConfigured bool) Check {
	if shadowAICount > 10 && !blockRuleConfigured {
		return Check{Name: "Shadow AI monitoring", Status: CheckFail, Detail: "over 10 shadow AI alerts with no block rule in place"}
	}
	if shadowAICount > 0 {
		return Check{Name: "Shadow AI monitoring", Status: CheckWarn, Detail: "shadow AI traffic observed"}
	}
	return Check{Name: "Shadow AI monitoring", Status: CheckPass}
}

func checkPHI(dlpCount int, blockRuleConfigured bool) Check {
	if dlpCount > 5 && !blockRuleConfigured {
		return Check{Name: "PHI exfiltration controls", Status: CheckFail, Detail: "DLP incidents with no enforcement rule"}
	}
	if dlpCount > 0 {
		return Check{Name: "PHI exfiltration controls", Status: CheckWarn}
	}
	return Check{Name: "PHI exfiltration controls", Status: CheckPass}
}

func statusFromCount(count, warnAt, failAt int) CheckStatus {
	switch {
	case count >= failAt:
		return CheckFail
	case count >= warnAt:
		return CheckWarn
	default:
		return CheckPass
	}
}

func scoreChecks(checks []Check) float64 {
	if len(checks) == 0 {
		return 100
	}
	passCount := 0
	for _, c := range checks {
		if c.Status == CheckPass {
			passCount++
		}
	}
	return 100 * float64(passCount) / float64(len(checks))
}
