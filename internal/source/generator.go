// Package source implements the two interchangeable flow producers (C4):
// the live eBPF sniffer and the synthetic persona-driven generator. Neither
// adapter is aware of downstream analysis; both only know how to build and
// publish flow.Event onto the traffic topic.
package source

import (
	"context"
	"math/rand"
	"time"

	"github.com/shadowhunter/core/internal/events"
	"github.com/shadowhunter/core/internal/flow"
)

// Destination is one weighted access target a persona may reach.
type Destination struct {
	Host        string
	SNI         string // defaults to Host when empty
	Category    string
	Protocol    flow.Protocol
	Port        int
	Probability float64 // relative weight, not required to sum to 1
	MinBytes    int64
	MaxBytes    int64
}

// Persona is one simulated user archetype: a source IP and a mix of normal,
// internal, and shadow-AI destinations it reaches at different rates.
type Persona struct {
	Name           string
	SourceIP       string
	Department     string
	NormalDests    []Destination
	InternalDests  []Destination
	ShadowAIDests  []Destination
}

// allDestinations returns every destination this persona can reach, each
// keeping its own Probability weight.
func (p Persona) allDestinations() []Destination {
	out := make([]Destination, 0, len(p.NormalDests)+len(p.InternalDests)+len(p.ShadowAIDests))
	out = append(out, p.NormalDests...)
	out = append(out, p.InternalDests...)
	out = append(out, p.ShadowAIDests...)
	return out
}

// DefaultPersonas returns the five canonical personas (Dev, Designer,
// Manager, DataSci, Intern) used when GeneratorConfig.PersonasFile is
// unset, per spec §4.3's example roster.
func DefaultPersonas() []Persona {
	return []Persona{
		{
			Name: "Dev", SourceIP: "10.0.1.11", Department: "Engineering",
			NormalDests: []Destination{
				{Host: "github.com", Protocol: flow.HTTPS, Port: 443, Probability: 5, MinBytes: 2000, MaxBytes: 40000},
				{Host: "pypi.org", Protocol: flow.HTTPS, Port: 443, Probability: 3, MinBytes: 1000, MaxBytes: 20000},
			},
			InternalDests: []Destination{
				{Host: "10.0.0.5", Protocol: flow.TCP, Port: 5432, Probability: 4, MinBytes: 500, MaxBytes: 5000},
			},
			ShadowAIDests: []Destination{
				{Host: "api.openai.com", SNI: "api.openai.com", Category: "LLM", Protocol: flow.HTTPS, Port: 443, Probability: 2, MinBytes: 1500, MaxBytes: 8000},
			},
		},
		{
			Name: "Designer", SourceIP: "10.0.1.22", Department: "Design",
			NormalDests: []Destination{
				{Host: "figma.com", Protocol: flow.HTTPS, Port: 443, Probability: 6, MinBytes: 3000, MaxBytes: 60000},
			},
			InternalDests: []Destination{
				{Host: "10.0.0.7", Protocol: flow.TCP, Port: 445, Probability: 2, MinBytes: 500, MaxBytes: 5000},
			},
			ShadowAIDests: []Destination{
				{Host: "midjourney.com", SNI: "midjourney.com", Category: "image-gen", Protocol: flow.HTTPS, Port: 443, Probability: 3, MinBytes: 4000, MaxBytes: 25000},
			},
		},
		{
			Name: "Manager", SourceIP: "10.0.1.33", Department: "Operations",
			NormalDests: []Destination{
				{Host: "outlook.office.com", Protocol: flow.HTTPS, Port: 443, Probability: 6, MinBytes: 1000, MaxBytes: 15000},
			},
			InternalDests: []Destination{
				{Host: "10.0.0.9", Protocol: flow.TCP, Port: 443, Probability: 3, MinBytes: 500, MaxBytes: 4000},
			},
			ShadowAIDests: []Destination{
				{Host: "chat.openai.com", SNI: "chat.openai.com", Category: "LLM", Protocol: flow.HTTPS, Port: 443, Probability: 1, MinBytes: 500, MaxBytes: 3000},
			},
		},
		{
			Name: "DataSci", SourceIP: "10.0.1.44", Department: "Data",
			NormalDests: []Destination{
				{Host: "huggingface.co", Protocol: flow.HTTPS, Port: 443, Probability: 3, MinBytes: 5000, MaxBytes: 200000},
			},
			InternalDests: []Destination{
				{Host: "10.0.0.12", Protocol: flow.TCP, Port: 5432, Probability: 5, MinBytes: 2000, MaxBytes: 50000},
			},
			ShadowAIDests: []Destination{
				{Host: "api.anthropic.com", SNI: "api.anthropic.com", Category: "LLM", Protocol: flow.HTTPS, Port: 443, Probability: 4, MinBytes: 3000, MaxBytes: 80000},
			},
		},
		{
			Name: "Intern", SourceIP: "10.0.1.55", Department: "All",
			NormalDests: []Destination{
				{Host: "docs.google.com", Protocol: flow.HTTPS, Port: 443, Probability: 4, MinBytes: 1000, MaxBytes: 10000},
			},
			InternalDests: []Destination{
				{Host: "10.0.0.20", Protocol: flow.TCP, Port: 80, Probability: 2, MinBytes: 500, MaxBytes: 3000},
			},
			ShadowAIDests: []Destination{
				{Host: "character.ai", SNI: "character.ai", Category: "companion", Protocol: flow.HTTPS, Port: 443, Probability: 3, MinBytes: 1000, MaxBytes: 6000},
				{Host: "perplexity.ai", SNI: "perplexity.ai", Category: "search-LLM", Protocol: flow.HTTPS, Port: 443, Probability: 2, MinBytes: 1000, MaxBytes: 6000},
			},
		},
	}
}

// Generator emits a realistic synthetic flow.Event stream composed from a
// persona roster. It is deterministic for a given seed: the same seed and
// persona set always produce the same event sequence.
type Generator struct {
	rng          *rand.Rand
	personas     []Persona
	eventsPerSec int
	emitter      events.Emitter
}

// NewGenerator builds a Generator. personas defaults to DefaultPersonas
// when nil. eventsPerSec is clamped to the spec's 10-30 range if outside it.
func NewGenerator(seed int64, eventsPerSec int, personas []Persona, emitter events.Emitter) *Generator {
	if personas == nil {
		personas = DefaultPersonas()
	}
	if eventsPerSec < 10 {
		eventsPerSec = 10
	}
	if eventsPerSec > 30 {
		eventsPerSec = 30
	}
	return &Generator{
		rng:          rand.New(rand.NewSource(seed)),
		personas:     personas,
		eventsPerSec: eventsPerSec,
		emitter:      emitter,
	}
}

// Run emits one simulated second's worth of events every tick until ctx is
// canceled. tick defaults to a wall-clock second; tests pass a much shorter
// tick to avoid waiting on real time while keeping the emitted sequence
// identical given the same seed.
func (g *Generator) Run(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.emitSecond()
		}
	}
}

// emitSecond publishes eventsPerSec events for this tick, each from a
// randomly chosen persona and destination weighted by Probability.
func (g *Generator) emitSecond() {
	for i := 0; i < g.eventsPerSec; i++ {
		persona := g.personas[g.rng.Intn(len(g.personas))]
		dest := g.pickDestination(persona)
		event := g.buildEvent(persona, dest)
		g.emitter.Publish(events.TopicTraffic, "source-generator", event)
	}
}

func (g *Generator) pickDestination(p Persona) Destination {
	dests := p.allDestinations()
	total := 0.0
	for _, d := range dests {
		total += d.Probability
	}
	r := g.rng.Float64() * total
	for _, d := range dests {
		r -= d.Probability
		if r <= 0 {
			return d
		}
	}
	return dests[len(dests)-1]
}

func (g *Generator) buildEvent(p Persona, d Destination) *flow.Event {
	sni := d.SNI
	if sni == "" && d.Protocol == flow.HTTPS {
		sni = d.Host
	}
	meta := map[string]string{"persona": p.Name}
	if d.Protocol == flow.HTTP || d.Protocol == flow.HTTPS {
		meta[flow.MetaHost] = d.Host
	}
	if sni != "" {
		meta[flow.MetaSNI] = sni
	}

	byteRange := d.MaxBytes - d.MinBytes
	bytesSent := d.MinBytes
	if byteRange > 0 {
		bytesSent += g.rng.Int63n(byteRange)
	}

	return &flow.Event{
		Timestamp:     time.Now().UTC(),
		SourceIP:      p.SourceIP,
		DestinationIP: resolveDestIP(d),
		SourcePort:    1024 + g.rng.Intn(64511),
		DestPort:      d.Port,
		Protocol:      d.Protocol,
		BytesSent:     bytesSent,
		BytesReceived: bytesSent / 3,
		Metadata:      meta,
	}
}

// resolveDestIP maps a persona destination to an address. Internal
// destinations already carry an IP literal in Host; external destinations
// carry a domain name, so they're given a stable synthetic public address
// derived from a simple hash so the same host always resolves the same way
// within one process lifetime.
func resolveDestIP(d Destination) string {
	if looksLikeIP(d.Host) {
		return d.Host
	}
	h := fnv32(d.Host)
	return formatPublicIP(h)
}

func looksLikeIP(s string) bool {
	dots := 0
	for _, c := range s {
		if c == '.' {
			dots++
		} else if c < '0' || c > '9' {
			return false
		}
	}
	return dots == 3
}

func fnv32(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func formatPublicIP(h uint32) string {
	b := [4]byte{byte(h >> 24), byte(h >> 16), byte(h >> 8), byte(h)}
	// Force into a non-reserved public-looking /8 so this never collides
	// with RFC1918 or loopback space flow.IsInternal would misclassify.
	if b[0] < 100 || b[0] > 223 || b[0] == 127 || b[0] == 172 || b[0] == 192 {
		b[0] = 104
	}
	return ipString(b)
}

func ipString(b [4]byte) string {
	const digits = "0123456789"
	buf := make([]byte, 0, 15)
	for i, part := range b {
		if i > 0 {
			buf = append(buf, '.')
		}
		buf = appendUint8(buf, part, digits)
	}
	return string(buf)
}

func appendUint8(buf []byte, v byte, digits string) []byte {
	if v >= 100 {
		buf = append(buf, digits[v/100])
	}
	if v >= 10 {
		buf = append(buf, digits[(v/10)%10])
	}
	buf = append(buf, digits[v%10])
	return buf
}
