package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowhunter/core/internal/analyzer"
	"github.com/shadowhunter/core/internal/detect"
	"github.com/shadowhunter/core/internal/graph"
)

func mkAlert(source, dest string, sev detect.Severity, at time.Time) analyzer.Alert {
	return analyzer.Alert{ID: source + "-" + at.String(), SourceIP: source, DestinationIP: dest, Severity: sev, Timestamp: at}
}

func TestRiskScoresOnlyCoverInternalNodes(t *testing.T) {
	now := time.Now()
	s := Snapshot{
		Nodes: []graph.Node{{ID: "10.0.0.5", Type: graph.NodeInternal}, {ID: "104.18.32.7", Type: graph.NodeExternal}},
		Alerts: []analyzer.Alert{
			mkAlert("10.0.0.5", "104.18.32.7", detect.HIGH, now),
		},
	}
	risks := RiskScores(s)
	require.Len(t, risks, 1)
	assert.Equal(t, "10.0.0.5", risks[0].IP)
	assert.Equal(t, 5.0, risks[0].RiskPct)
}

func TestSessionReconstructionMatchesSpecExample(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := Snapshot{Alerts: []analyzer.Alert{
		mkAlert("10.0.0.5", "d1", detect.LOW, base),
		mkAlert("10.0.0.5", "d1", detect.LOW, base.Add(30*time.Second)),
		mkAlert("10.0.0.5", "d1", detect.LOW, base.Add(60*time.Second)),
		mkAlert("10.0.0.5", "d2", detect.LOW, base.Add(7*time.Minute)),
		mkAlert("10.0.0.5", "d2", detect.LOW, base.Add(7*time.Minute+30*time.Second)),
		mkAlert("10.0.0.5", "d3", detect.LOW, base.Add(20*time.Minute)),
	}}
	sessions := Sessions(s)
	require.Len(t, sessions, 2)
	assert.Len(t, sessions[0].Timeline, 3)
	assert.Len(t, sessions[1].Timeline, 2)
}

func TestKillChainSummaryExcludesNonCanonicalStages(t *testing.T) {
	s := Snapshot{Alerts: []analyzer.Alert{
		{KillChainStage: "reconnaissance"},
		{KillChainStage: "exfiltration"},
		{KillChainStage: "policy_violation"},
		{KillChainStage: "unknown"},
	}}
	chain := KillChainSummary(s)
	assert.Equal(t, 40, chain.ChainCompletion)
	assert.ElementsMatch(t, []string{"reconnaissance", "exfiltration"}, chain.ActiveStages)
}

func TestDLPFlagsOversizedTransferAndKeywordMatch(t *testing.T) {
	s := Snapshot{Alerts: []analyzer.Alert{
		{ID: "a1", BytesSent: 2 << 20},
		{ID: "a2", Descriptions: []string{"leaked api_key in outbound payload"}},
		{ID: "a3", BytesSent: 10},
	}}
	incidents := DLPIncidents(s)
	require.Len(t, incidents, 2)
}

func TestProfileBehaviorFlagsSingleTargetFocus(t *testing.T) {
	base := time.Date(2026, 1, 1, 14, 0, 0, 0, time.UTC)
	s := Snapshot{Alerts: []analyzer.Alert{
		mkAlert("10.0.0.9", "203.0.113.9", detect.HIGH, base),
		mkAlert("10.0.0.9", "203.0.113.9", detect.HIGH, base.Add(time.Minute)),
		mkAlert("10.0.0.9", "203.0.113.9", detect.HIGH, base.Add(2*time.Minute)),
	}}
	profiles := Profiles(s)
	require.Len(t, profiles, 1)
	assert.True(t, profiles[0].Behavior.SingleTargetFocus)
	assert.True(t, profiles[0].Behavior.HighSeverityRatio)
}

func TestThreatLevelThresholds(t *testing.T) {
	assert.Equal(t, ThreatLow, threatLevel(0, 0))
	assert.Equal(t, ThreatElevated, threatLevel(20, 1))
	assert.Equal(t, ThreatHigh, threatLevel(40, 0))
	assert.Equal(t, ThreatCritical, threatLevel(100, 0))
}

func TestComplianceShadowAIMonitoringFailsOverThresholdWithNoBlockRule(t *testing.T) {
	var alerts []analyzer.Alert
	for i := 0; i < 11; i++ {
		alerts = append(alerts, analyzer.Alert{Category: "LLM", MatchedRules: []string{"ai_domain:openai.com"}})
	}
	report := Compliance(Snapshot{Alerts: alerts})
	soc2 := report.Frameworks[0]
	assert.Equal(t, CheckFail, soc2.Checks[0].Status)
}

func TestTimelineBucketsCoverSixtyMinutes(t *testing.T) {
	now := time.Now()
	s := Snapshot{Now: now, Alerts: []analyzer.Alert{mkAlert("10.0.0.1", "d", detect.HIGH, now.Add(-30*time.Minute))}}
	buckets := Timeline(s)
	assert.Len(t, buckets, 60)
	total := 0
	for _, b := range buckets {
		total += b.High
	}
	assert.Equal(t, 1, total)
}
