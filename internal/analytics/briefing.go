package analytics

import (
	"fmt"
	"strings"

	"github.com/shadowhunter/core/internal/detect"
)

// ThreatLevel is the briefing's headline risk bucket.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "LOW"
	ThreatElevated ThreatLevel = "ELEVATED"
	ThreatHigh     ThreatLevel = "HIGH"
	ThreatCritical ThreatLevel = "CRITICAL"
)

// Briefing is the deterministic executive summary template.
type Briefing struct {
	ThreatLevel     ThreatLevel `json:"threat_level"`
	Overview        string      `json:"overview"`
	ShadowAI        string      `json:"shadow_ai"`
	Actor           string      `json:"actor"`
	Recommendations string      `json:"recommendations"`
	Status          string      `json:"status"`
}

// ExecutiveBriefing fills the briefing template from the snapshot's derived
// stats: kill-chain completion, shadow AI alert count, and the top actor by
// alert volume.
func ExecutiveBriefing(s Snapshot) Briefing {
	chain := KillChainSummary(s)

	shadowAICount := 0
	highCount := 0
	for _, a := range s.Alerts {
		if isShadowAIAlert(a) {
			shadowAICount++
		}
		if a.Severity == detect.HIGH {
			highCount++
		}
	}

	profiles := Profiles(s)
	topActor, topActorAlerts := "none observed", 0
	for _, p := range profiles {
		if p.AlertCount > topActorAlerts {
			topActor, topActorAlerts = p.SourceIP, p.AlertCount
		}
	}

	level := threatLevel(chain.ChainCompletion, shadowAICount)

	return Briefing{
		ThreatLevel: level,
		Overview: fmt.Sprintf(
			"%d alerts observed across %d sources in the current window, %d at HIGH severity.",
			len(s.Alerts), len(profiles), highCount,
		),
		ShadowAI: fmt.Sprintf(
			"%d alerts classified as shadow AI traffic. Kill-chain completion is %d%% across stages: %s.",
			shadowAICount, chain.ChainCompletion, strings.Join(orUnknown(chain.ActiveStages), ", "),
		),
		Actor: fmt.Sprintf(
			"Most active source is %s with %d alerts.", topActor, topActorAlerts,
		),
		Recommendations: recommendationsFor(level),
		Status:          fmt.Sprintf("Threat level assessed as %s.", level),
	}
}

func orUnknown(stages []string) []string {
	if len(stages) == 0 {
		return []string{"none active"}
	}
	return stages
}

func threatLevel(chainCompletion, shadowAICount int) ThreatLevel {
	switch {
	case chainCompletion >= 80 || shadowAICount >= 20:
		return ThreatCritical
	case chainCompletion >= 40 || shadowAICount >= 10:
		return ThreatHigh
	case chainCompletion > 0 || shadowAICount > 0:
		return ThreatElevated
	default:
		return ThreatLow
	}
}

func recommendationsFor(level ThreatLevel) string {
	switch level {
	case ThreatCritical:
		return "Enable active blocking for flagged destinations and review policy rules immediately."
	case ThreatHigh:
		return "Schedule active probing for flagged destinations and tighten relevant policy rules."
	case ThreatElevated:
		return "Continue monitoring; no immediate policy change indicated."
	default:
		return "No action required."
	}
}
