package intelligence

import (
	"math"
	"strings"

	"github.com/shadowhunter/core/internal/flow"
)

// tldRank is a curated commonality ranking: low values are ubiquitous TLDs,
// high values are rare or AI-associated ones. Unknown TLDs rank highest.
var tldRank = map[string]float64{
	"com": 1, "net": 2, "org": 3, "io": 10, "co": 15,
	"ai": 40, "app": 20, "dev": 25, "cloud": 30,
}

const unknownTLDRank = 100

func tldOf(host string) string {
	host = strings.TrimSuffix(host, ".")
	parts := strings.Split(host, ".")
	if len(parts) == 0 {
		return ""
	}
	return strings.ToLower(parts[len(parts)-1])
}

func rankForTLD(host string) float64 {
	if host == "" {
		return 0
	}
	if r, ok := tldRank[tldOf(host)]; ok {
		return r
	}
	return unknownTLDRank
}

// protocolOneHot indexes match spec's protocol_onehot feature group in a
// fixed, stable order.
var protocolOrder = []flow.Protocol{flow.TCP, flow.UDP, flow.ICMP, flow.HTTP, flow.HTTPS, flow.DNS, flow.OTHER}

// FeatureVector is the fixed feature layout consumed by the anomaly model.
// Changing its shape requires retraining, so it is never extended in place.
type FeatureVector struct {
	DestPort       float64
	BytesSent      float64
	BytesReceived  float64
	LogDuration    float64
	SNIEntropy     float64
	TLDRank        float64
	ProtocolOneHot [7]float64
}

// Extract builds the feature vector for a single event.
func Extract(event *flow.Event) FeatureVector {
	host := event.Meta(flow.MetaSNI)
	if host == "" {
		host = event.Meta(flow.MetaHost)
	}

	fv := FeatureVector{
		DestPort:      float64(event.DestPort),
		BytesSent:     float64(event.BytesSent),
		BytesReceived: float64(event.BytesReceived),
		LogDuration:   math.Log1p(float64(event.DurationMillis)),
		SNIEntropy:    shannonEntropy(host),
		TLDRank:       rankForTLD(host),
	}
	for i, p := range protocolOrder {
		if event.Protocol == p {
			fv.ProtocolOneHot[i] = 1
		}
	}
	return fv
}
