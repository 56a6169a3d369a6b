package analytics

// canonicalStages is the 5 kill-chain stages chain_completion scores over,
// exactly the killchain_stage enum from spec.md §3. "policy_violation" and
// "unknown" (the orchestrator's two extra killChainStage outputs) are real
// alert tags but aren't part of the 5-stage kill chain itself, so they're
// excluded here — an Open Question decision, see DESIGN.md.
var canonicalStages = []string{
	"reconnaissance",
	"initial_access",
	"execution",
	"exfiltration",
	"impact",
}

// KillChain summarizes which of the 5 canonical stages have fired and the
// resulting completion percentage.
type KillChain struct {
	ActiveStages     []string `json:"active_stages"`
	ChainCompletion  int      `json:"chain_completion"`
	StageAlertCounts map[string]int `json:"stage_alert_counts"`
}

// KillChainSummary maps every alert to its stage (already computed by the
// orchestrator and carried on Alert.KillChainStage) and derives
// chain_completion = 20 * len(active canonical stages).
func KillChainSummary(s Snapshot) KillChain {
	counts := make(map[string]int, len(canonicalStages))
	for _, stage := range canonicalStages {
		counts[stage] = 0
	}
	for _, a := range s.Alerts {
		if _, canonical := counts[a.KillChainStage]; canonical {
			counts[a.KillChainStage]++
		}
	}

	var active []string
	for _, stage := range canonicalStages {
		if counts[stage] > 0 {
			active = append(active, stage)
		}
	}

	return KillChain{
		ActiveStages:     active,
		ChainCompletion:  20 * len(active),
		StageAlertCounts: counts,
	}
}
