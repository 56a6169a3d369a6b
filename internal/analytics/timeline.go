package analytics

import (
	"time"

	"github.com/shadowhunter/core/internal/detect"
)

const timelineWindow = 60 * time.Minute

// TimelineBucket counts alerts, split by severity, within one 1-minute
// window.
type TimelineBucket struct {
	BucketStart time.Time `json:"bucket_start"`
	High        int       `json:"high"`
	Medium      int       `json:"medium"`
	Low         int       `json:"low"`
}

// Timeline buckets every alert in the last 60 minutes (relative to s.Now)
// into 1-minute windows, oldest first; the newest bucket is the minute that
// holds s.Now. Buckets with no alerts still appear, zero-filled, so callers
// can render a continuous 60-point series.
func Timeline(s Snapshot) []TimelineBucket {
	start := s.Now.Truncate(time.Minute).Add(-timelineWindow + time.Minute)
	buckets := make([]TimelineBucket, 60)
	for i := range buckets {
		buckets[i].BucketStart = start.Add(time.Duration(i) * time.Minute)
	}

	for _, a := range s.Alerts {
		if a.Timestamp.Before(start) || a.Timestamp.After(s.Now) {
			continue
		}
		idx := int(a.Timestamp.Sub(start) / time.Minute)
		if idx < 0 || idx >= len(buckets) {
			continue
		}
		switch a.Severity {
		case detect.HIGH:
			buckets[idx].High++
		case detect.MEDIUM:
			buckets[idx].Medium++
		case detect.LOW:
			buckets[idx].Low++
		}
	}
	return buckets
}
