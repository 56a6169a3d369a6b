package analytics

import (
	"sort"

	"github.com/shadowhunter/core/internal/detect"
	"github.com/shadowhunter/core/internal/graph"
)

// TrafficStats is the SPEC_FULL addition backing /discovery/traffic-stats:
// top talkers, protocol distribution and severity distribution.
type TrafficStats struct {
	TopTalkers           []Talker       `json:"top_talkers"`
	ProtocolDistribution map[string]int64 `json:"protocol_distribution"`
	SeverityDistribution map[string]int   `json:"severity_distribution"`
}

// Talker is one internal IP ranked by total bytes sent across its edges.
type Talker struct {
	IP        string `json:"ip"`
	BytesSent int64  `json:"bytes_sent"`
}

// TrafficStatistics computes the top-talkers ranking and the protocol and
// severity histograms over the snapshot.
func TrafficStatistics(s Snapshot) TrafficStats {
	bytesBySource := make(map[string]int64)
	protoDist := make(map[string]int64)
	for _, e := range s.Edges {
		bytesBySource[e.SourceID] += e.ByteCount
		protoDist[e.Protocol] += e.ByteCount
	}

	internal := make(map[string]struct{}, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.Type == graph.NodeInternal {
			internal[n.ID] = struct{}{}
		}
	}

	var talkers []Talker
	for ip, bytes := range bytesBySource {
		if _, ok := internal[ip]; !ok {
			continue
		}
		talkers = append(talkers, Talker{IP: ip, BytesSent: bytes})
	}
	sort.Slice(talkers, func(i, j int) bool { return talkers[i].BytesSent > talkers[j].BytesSent })

	severityDist := map[string]int{string(detect.HIGH): 0, string(detect.MEDIUM): 0, string(detect.LOW): 0}
	for _, a := range s.Alerts {
		severityDist[string(a.Severity)]++
	}

	return TrafficStats{TopTalkers: talkers, ProtocolDistribution: protoDist, SeverityDistribution: severityDist}
}
