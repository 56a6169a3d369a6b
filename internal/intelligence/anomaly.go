package intelligence

import (
	"math"
	"sync"
)

// runningStat is a Welford online mean/variance accumulator, one per
// numeric feature. This is the "isolation-style outlier detector" referred
// to by the fusion rule: each feature's deviation from its running mean,
// in standard-deviation units, contributes to the overall anomaly score. It
// needs no offline training pass and degrades gracefully on sparse data,
// the same incremental-stats idiom the teacher's entropy auditor uses for
// its jitter history.
type runningStat struct {
	n     float64
	mean  float64
	m2    float64
}

func (r *runningStat) observe(x float64) {
	r.n++
	d := x - r.mean
	r.mean += d / r.n
	d2 := x - r.mean
	r.m2 += d * d2
}

func (r *runningStat) stddev() float64 {
	if r.n < 2 {
		return 0
	}
	return math.Sqrt(r.m2 / (r.n - 1))
}

// zscore returns how many standard deviations x is from the running mean.
// Before at least 5 observations it returns 0: too little history to judge.
func (r *runningStat) zscore(x float64) float64 {
	if r.n < 5 {
		return 0
	}
	sd := r.stddev()
	if sd == 0 {
		return 0
	}
	return math.Abs(x-r.mean) / sd
}

// AnomalyModel scores how unusual a feature vector is relative to
// everything it has seen so far.
type AnomalyModel struct {
	mu       sync.Mutex
	bytes    runningStat
	duration runningStat
	entropy  runningStat
}

func newAnomalyModel() *AnomalyModel {
	return &AnomalyModel{}
}

// Score returns an anomaly score in [0, 1] and updates the running stats
// with fv so later events are judged against an up-to-date baseline.
func (m *AnomalyModel) Score(fv FeatureVector) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	totalBytes := fv.BytesSent + fv.BytesReceived
	zBytes := m.bytes.zscore(totalBytes)
	zDuration := m.duration.zscore(fv.LogDuration)
	zEntropy := m.entropy.zscore(fv.SNIEntropy)

	m.bytes.observe(totalBytes)
	m.duration.observe(fv.LogDuration)
	m.entropy.observe(fv.SNIEntropy)

	// 3 standard deviations saturates the score; this mirrors a common
	// isolation-forest calibration where z >= 3 is treated as fully
	// anomalous.
	combined := (zBytes + zDuration + zEntropy) / 3
	return clamp01(combined / 3)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
