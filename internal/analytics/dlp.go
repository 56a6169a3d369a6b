package analytics

import "strings"

const dlpByteThreshold = 1 << 20 // 1 MB

// dlpPatterns maps a DLP incident type to the description substrings (case
// folded) that imply it. Checked in order; first match wins per alert.
var dlpPatterns = []struct {
	typ     string
	label   string
	matches []string
}{
	{"pii", "Personally identifiable information", []string{"ssn", "social security", "passport", "date of birth", "pii"}},
	{"secret", "Credential or secret material", []string{"api_key", "api key", "secret", "password", "token", "private_key"}},
	{"code", "Proprietary source code", []string{"source code", "repository", "proprietary code", ".go\"", ".py\""}},
	{"document", "Internal document", []string{"confidential", "internal use only", "nda", "contract"}},
}

// Incident is one DLP-flagged alert.
type Incident struct {
	AlertID string `json:"alert_id"`
	SourceIP string `json:"source_ip"`
	DestinationIP string `json:"destination_ip"`
	Type    string `json:"type"`
	Label   string `json:"label"`
	BytesSent int64 `json:"bytes_sent"`
}

// DLPIncidents flags every alert whose bytes_sent exceeds 1 MB or whose
// descriptions match a PII/secret/code/document pattern.
func DLPIncidents(s Snapshot) []Incident {
	var out []Incident
	for _, a := range s.Alerts {
		typ, label, matched := classifyDLP(a.Descriptions)
		oversized := a.BytesSent > dlpByteThreshold
		if !matched && !oversized {
			continue
		}
		if !matched {
			typ, label = "volume", "Large outbound transfer"
		}
		out = append(out, Incident{
			AlertID:        a.ID,
			SourceIP:       a.SourceIP,
			DestinationIP:  a.DestinationIP,
			Type:           typ,
			Label:          label,
			BytesSent:      a.BytesSent,
		})
	}
	return out
}

func classifyDLP(descriptions []string) (typ, label string, matched bool) {
	haystack := strings.ToLower(strings.Join(descriptions, " "))
	for _, p := range dlpPatterns {
		for _, m := range p.matches {
			if strings.Contains(haystack, m) {
				return p.typ, p.label, true
			}
		}
	}
	return "", "", false
}
