package intelligence

// Classification is the ML engine's label for a single event.
type Classification string

const (
	ClassNormal     Classification = "normal"
	ClassSuspicious Classification = "suspicious"
	ClassShadowAI   Classification = "shadow_ai"
)

// classify turns a feature vector and its anomaly score into a
// classification plus confidence, entirely from features the model owns —
// it never consults C5's curated domain tables, so it can catch AI traffic
// C5's lists haven't been updated to include yet.
func classify(fv FeatureVector, anomaly float64) (Classification, float64) {
	// High-entropy hostnames paired with an uncommon TLD are the clearest
	// ML-visible signature of an AI SaaS endpoint not yet in the curated
	// domain table: these services tend to front long, hashed subdomains
	// on low-prevalence TLDs (api-gen.<random>.cloud and similar).
	shadowSignal := 0.0
	if fv.SNIEntropy > 3.2 {
		shadowSignal += 0.5
	}
	if fv.TLDRank >= 20 {
		shadowSignal += 0.3
	}
	if fv.DestPort == 443 {
		shadowSignal += 0.2
	}

	switch {
	case shadowSignal >= 0.7:
		confidence := clamp01(shadowSignal)
		return ClassShadowAI, confidence
	case anomaly >= 0.5:
		return ClassSuspicious, clamp01(anomaly)
	default:
		return ClassNormal, 0
	}
}
