package analytics

import (
	"sort"

	"github.com/shadowhunter/core/internal/analyzer"
	"github.com/shadowhunter/core/internal/detect"
)

// BehaviorFlags names the per-source anomaly signals a profile can carry.
type BehaviorFlags struct {
	UnusualHours      bool `json:"unusual_hours"`
	SingleTargetFocus bool `json:"single_target_focus"`
	HighSeverityRatio bool `json:"high_severity_ratio"`
}

// Profile summarizes one source IP's alert history.
type Profile struct {
	SourceIP        string           `json:"source_ip"`
	AlertCount      int              `json:"alert_count"`
	HighCount       int              `json:"high_count"`
	MediumCount     int              `json:"medium_count"`
	LowCount        int              `json:"low_count"`
	TopDestinations []Destination    `json:"top_destinations"`
	HourHistogram   [24]int          `json:"hour_histogram"`
	FirstSeen       string           `json:"first_seen"`
	LastSeen        string           `json:"last_seen"`
	Behavior        BehaviorFlags    `json:"behavior"`
}

// Destination is one entry in a profile's top-destinations-by-count list.
type Destination struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

// Profiles groups s.Alerts by source IP and computes each source's
// behavioral summary, per spec §4.8's user-profile derivation.
func Profiles(s Snapshot) []Profile {
	bySource := make(map[string][]analyzer.Alert)
	for _, a := range s.Alerts {
		bySource[a.SourceIP] = append(bySource[a.SourceIP], a)
	}

	out := make([]Profile, 0, len(bySource))
	for source, alerts := range bySource {
		p := Profile{SourceIP: source, AlertCount: len(alerts)}
		destCounts := make(map[string]int)

		for _, a := range alerts {
			switch a.Severity {
			case detect.HIGH:
				p.HighCount++
			case detect.MEDIUM:
				p.MediumCount++
			case detect.LOW:
				p.LowCount++
			}
			destCounts[a.DestinationIP]++
			hour := a.Timestamp.Hour()
			p.HourHistogram[hour]++

			ts := a.Timestamp.Format("2006-01-02T15:04:05Z07:00")
			if p.FirstSeen == "" || ts < p.FirstSeen {
				p.FirstSeen = ts
			}
			if ts > p.LastSeen {
				p.LastSeen = ts
			}
		}

		for ip, count := range destCounts {
			p.TopDestinations = append(p.TopDestinations, Destination{IP: ip, Count: count})
		}
		sort.Slice(p.TopDestinations, func(i, j int) bool {
			return p.TopDestinations[i].Count > p.TopDestinations[j].Count
		})

		p.Behavior = behaviorFlags(p, destCounts)
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].SourceIP < out[j].SourceIP })
	return out
}

func behaviorFlags(p Profile, destCounts map[string]int) BehaviorFlags {
	if p.AlertCount == 0 {
		return BehaviorFlags{}
	}

	outsideBusinessHours := 0
	for hour, count := range p.HourHistogram {
		if hour < 8 || hour >= 20 {
			outsideBusinessHours += count
		}
	}

	maxDest := 0
	for _, c := range destCounts {
		if c > maxDest {
			maxDest = c
		}
	}

	return BehaviorFlags{
		UnusualHours:      float64(outsideBusinessHours)/float64(p.AlertCount) >= 0.3,
		SingleTargetFocus: float64(maxDest)/float64(p.AlertCount) >= 0.7,
		HighSeverityRatio: float64(p.HighCount)/float64(p.AlertCount) >= 0.3,
	}
}
