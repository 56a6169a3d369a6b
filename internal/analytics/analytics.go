// Package analytics computes the derived-analytics views (C9): pure
// functions over a snapshot of (graph, alert ring buffer, policy rules).
// Nothing here mutates graph or analyzer state; every exported function
// takes its inputs as plain slices so callers (the API handlers) control
// snapshot timing.
package analytics

import (
	"time"

	"github.com/shadowhunter/core/internal/analyzer"
	"github.com/shadowhunter/core/internal/detect"
	"github.com/shadowhunter/core/internal/graph"
)

// Snapshot bundles the inputs every derivation reads from. Built once per
// API request (or cached briefly) by the caller.
type Snapshot struct {
	Alerts []analyzer.Alert
	Nodes  []graph.Node
	Edges  []graph.Edge
	Rules  []detect.PolicyRule
	Now    time.Time
}

func severityWeight(s detect.Severity) float64 {
	switch s {
	case detect.HIGH:
		return 5
	case detect.MEDIUM:
		return 2
	case detect.LOW:
		return 1
	default:
		return 0
	}
}

func countBySeverity(alerts []analyzer.Alert, source string) (high, medium, low int) {
	for _, a := range alerts {
		if a.SourceIP != source {
			continue
		}
		switch a.Severity {
		case detect.HIGH:
			high++
		case detect.MEDIUM:
			medium++
		case detect.LOW:
			low++
		}
	}
	return
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
