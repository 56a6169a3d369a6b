// Package flow defines the canonical FlowEvent record produced by every
// source adapter (live sniffer or synthetic generator) and consumed by the
// analyzer orchestrator.
package flow

import (
	"fmt"
	"net/netip"
	"time"
)

// Protocol enumerates the recognized transport/application protocols.
type Protocol string

const (
	TCP   Protocol = "TCP"
	UDP   Protocol = "UDP"
	ICMP  Protocol = "ICMP"
	HTTP  Protocol = "HTTP"
	HTTPS Protocol = "HTTPS"
	DNS   Protocol = "DNS"
	OTHER Protocol = "OTHER"
)

func (p Protocol) valid() bool {
	switch p {
	case TCP, UDP, ICMP, HTTP, HTTPS, DNS, OTHER:
		return true
	}
	return false
}

// Recognized metadata keys. The map itself is open — any key is permitted on
// the wire — but the pipeline only interprets these.
const (
	MetaHost      = "host"
	MetaSNI       = "sni"
	MetaDNSQuery  = "dns_query"
	MetaUserAgent = "user_agent"
	MetaPersona   = "persona"
)

// Event is the canonical FlowEvent: an immutable, fully-formed record of one
// observed (possibly aggregated) flow.
type Event struct {
	Timestamp      time.Time         `json:"timestamp"`
	SourceIP       string            `json:"source_ip"`
	DestinationIP  string            `json:"destination_ip"`
	SourcePort     int               `json:"source_port"`
	DestPort       int               `json:"destination_port"`
	Protocol       Protocol          `json:"protocol"`
	BytesSent      int64             `json:"bytes_sent"`
	BytesReceived  int64             `json:"bytes_received"`
	JA3Hash        string            `json:"ja3_hash,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	DurationMillis int64             `json:"duration_ms,omitempty"`
}

// Validate enforces the invariants from the FlowEvent data model: syntactically
// valid IP literals, a recognized protocol, and ports in range. 0 is allowed
// for either port ("n/a", e.g. pure DNS).
func Validate(e *Event) error {
	if _, err := netip.ParseAddr(e.SourceIP); err != nil {
		return fmt.Errorf("source_ip %q: %w", e.SourceIP, err)
	}
	if _, err := netip.ParseAddr(e.DestinationIP); err != nil {
		return fmt.Errorf("destination_ip %q: %w", e.DestinationIP, err)
	}
	if !e.Protocol.valid() {
		return fmt.Errorf("protocol %q not recognized", e.Protocol)
	}
	if e.SourcePort < 0 || e.SourcePort > 65535 {
		return fmt.Errorf("source_port %d out of range", e.SourcePort)
	}
	if e.DestPort < 0 || e.DestPort > 65535 {
		return fmt.Errorf("destination_port %d out of range", e.DestPort)
	}
	if e.BytesSent < 0 || e.BytesReceived < 0 {
		return fmt.Errorf("negative byte count")
	}
	return nil
}

// Meta returns metadata[key], or "" if absent or the event has no metadata.
func (e *Event) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// BestDisplayName resolves the best label for one endpoint of the flow:
// host, then sni, else the raw IP. Host/SNI metadata always describes the
// destination service, so the source side only ever falls back to its IP.
func (e *Event) BestDisplayName(isSource bool) string {
	if isSource {
		return e.SourceIP
	}
	if h := e.Meta(MetaHost); h != "" {
		return h
	}
	if s := e.Meta(MetaSNI); s != "" {
		return s
	}
	return e.DestinationIP
}

// IsInternal reports whether ip falls in RFC1918 space or is loopback.
func IsInternal(ip string, extraPrefixes []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	if addr.IsLoopback() {
		return true
	}
	for _, p := range rfc1918 {
		if p.Contains(addr) {
			return true
		}
	}
	for _, p := range extraPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

var rfc1918 = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

// IsMulticastOrBroadcast reports whether ip is in the special ranges the
// live sniffer drops at the source and the detector whitelists unconditionally.
func IsMulticastOrBroadcast(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	if addr.IsMulticast() {
		return true
	}
	if ip == "255.255.255.255" {
		return true
	}
	return false
}

// IsSSDP reports whether ip is the SSDP multicast address.
func IsSSDP(ip string) bool {
	return ip == "239.255.255.250"
}
