package analytics

import (
	"sort"
	"time"

	"github.com/shadowhunter/core/internal/analyzer"
	"github.com/shadowhunter/core/internal/detect"
)

const sessionGap = 5 * time.Minute

// Session is a maximal run of alerts from one source where consecutive
// alerts are at most sessionGap apart.
type Session struct {
	SourceIP     string            `json:"source_ip"`
	Destinations []string          `json:"destinations"`
	Start        time.Time         `json:"start"`
	End          time.Time         `json:"end"`
	DurationSec  float64           `json:"duration_seconds"`
	HighCount    int               `json:"high_count"`
	MediumCount  int               `json:"medium_count"`
	LowCount     int               `json:"low_count"`
	RiskScore    float64           `json:"risk_score"`
	Timeline     []analyzer.Alert  `json:"timeline"`
}

// Sessions reconstructs sessions per source IP from s.Alerts. A run of a
// single isolated alert (no neighbor within sessionGap on either side) is
// not a session and is excluded from the result.
func Sessions(s Snapshot) []Session {
	bySource := make(map[string][]analyzer.Alert)
	for _, a := range s.Alerts {
		bySource[a.SourceIP] = append(bySource[a.SourceIP], a)
	}

	var out []Session
	for source, alerts := range bySource {
		sort.Slice(alerts, func(i, j int) bool { return alerts[i].Timestamp.Before(alerts[j].Timestamp) })

		var run []analyzer.Alert
		flush := func() {
			if len(run) < 2 {
				run = nil
				return
			}
			out = append(out, buildSession(source, run))
			run = nil
		}

		for i, a := range alerts {
			if i > 0 && a.Timestamp.Sub(alerts[i-1].Timestamp) > sessionGap {
				flush()
			}
			run = append(run, a)
		}
		flush()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func buildSession(source string, run []analyzer.Alert) Session {
	destSet := make(map[string]struct{})
	sess := Session{SourceIP: source, Start: run[0].Timestamp, End: run[len(run)-1].Timestamp, Timeline: run}

	for _, a := range run {
		destSet[a.DestinationIP] = struct{}{}
		switch a.Severity {
		case detect.HIGH:
			sess.HighCount++
		case detect.MEDIUM:
			sess.MediumCount++
		case detect.LOW:
			sess.LowCount++
		}
	}
	for ip := range destSet {
		sess.Destinations = append(sess.Destinations, ip)
	}
	sort.Strings(sess.Destinations)

	sess.DurationSec = sess.End.Sub(sess.Start).Seconds()
	sess.RiskScore = clamp(10*float64(sess.HighCount)+4*float64(sess.MediumCount)+float64(sess.LowCount), 0, 100)
	return sess
}
