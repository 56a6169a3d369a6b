package analytics

import (
	"github.com/shadowhunter/core/internal/detect"
	"github.com/shadowhunter/core/internal/graph"
)

// NodeRisk is the computed risk percentage for one internal IP.
type NodeRisk struct {
	IP        string  `json:"ip"`
	RiskPct   float64 `json:"risk_pct"`
	AlertHigh int     `json:"alerts_high"`
	AlertMed  int     `json:"alerts_medium"`
	AlertLow  int     `json:"alerts_low"`
	EdgeCount int     `json:"edge_count"`
}

// RiskScores computes risk_pct = min(100, 5*high + 2*medium + low +
// 0.05*edge_count) for every internal node in the snapshot.
func RiskScores(s Snapshot) []NodeRisk {
	edgeCount := make(map[string]int, len(s.Edges))
	for _, e := range s.Edges {
		edgeCount[e.SourceID]++
	}

	out := make([]NodeRisk, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.Type != graph.NodeInternal {
			continue
		}
		high, medium, low := countBySeverity(s.Alerts, n.ID)
		weighted := severityWeight(detect.HIGH)*float64(high) + severityWeight(detect.MEDIUM)*float64(medium) + severityWeight(detect.LOW)*float64(low)
		pct := clamp(weighted+0.05*float64(edgeCount[n.ID]), 0, 100)
		out = append(out, NodeRisk{
			IP:        n.ID,
			RiskPct:   pct,
			AlertHigh: high,
			AlertMed:  medium,
			AlertLow:  low,
			EdgeCount: edgeCount[n.ID],
		})
	}
	return out
}
