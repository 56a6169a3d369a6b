// Package intel holds the curated knowledge bases C1 contracts: AI domain
// categories, malicious CIDR ranges, and JA3 fingerprint labels. Tables are
// loaded from YAML and hot-reloaded on file change, the same
// watch-and-reload shape the teacher's config layer uses for its own
// settings file.
package intel

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

// AIDomain is one row of the AI-domain table.
type AIDomain struct {
	Domain   string `yaml:"domain"`
	Category string `yaml:"category"`
}

// MaliciousCIDR is one row of the threat-intel CIDR table.
type MaliciousCIDR struct {
	CIDR        string `yaml:"cidr"`
	Severity    string `yaml:"severity"`
	Description string `yaml:"description"`
}

// JA3Fingerprint is one row of the JA3 label table.
type JA3Fingerprint struct {
	Hash  string `yaml:"hash"`
	Label string `yaml:"label"`
}

type tables struct {
	AIDomains      []AIDomain       `yaml:"ai_domains"`
	MaliciousCIDRs []MaliciousCIDR  `yaml:"malicious_cidrs"`
	JA3             []JA3Fingerprint `yaml:"ja3_fingerprints"`
}

type cidrEntry struct {
	prefix netip.Prefix
	row    MaliciousCIDR
}

// KnowledgeBase is a snapshot-swappable set of lookup tables. Readers call
// Snapshot() and use the returned immutable view; reloads atomically publish
// a new one.
type KnowledgeBase struct {
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	path    string
}

// Snapshot is an immutable, ready-to-query view of all three tables.
type Snapshot struct {
	aiDomains map[string]string // domain -> category
	cidrs     []cidrEntry
	ja3       map[string]string // hash -> label
}

// Default seeds a snapshot with the canonical entries named in SPEC_FULL.md
// §3.1, used when no knowledge-base file is configured (e.g. in tests).
func Default() *Snapshot {
	return build(tables{
		AIDomains: []AIDomain{
			{Domain: "openai.com", Category: "LLM"},
			{Domain: "anthropic.com", Category: "LLM"},
			{Domain: "midjourney.com", Category: "image-gen"},
			{Domain: "huggingface.co", Category: "LLM"},
			{Domain: "stability.ai", Category: "image-gen"},
			{Domain: "character.ai", Category: "companion"},
			{Domain: "perplexity.ai", Category: "search-LLM"},
		},
		MaliciousCIDRs: []MaliciousCIDR{},
		JA3: []JA3Fingerprint{
			{Hash: "e7d705a3286e19ea42f587b344ee6865", Label: "python-requests"},
			{Hash: "c376b1403107a5e36ff96ee1428e337e", Label: "curl"},
		},
	})
}

func build(t tables) *Snapshot {
	s := &Snapshot{
		aiDomains: make(map[string]string, len(t.AIDomains)),
		ja3:       make(map[string]string, len(t.JA3)),
	}
	for _, d := range t.AIDomains {
		s.aiDomains[strings.ToLower(d.Domain)] = d.Category
	}
	for _, j := range t.JA3 {
		s.ja3[j.Hash] = j.Label
	}
	for _, c := range t.MaliciousCIDRs {
		p, err := netip.ParsePrefix(c.CIDR)
		if err != nil {
			continue
		}
		s.cidrs = append(s.cidrs, cidrEntry{prefix: p, row: c})
	}
	return s
}

// New creates a KnowledgeBase. If path is empty, it carries only the Default
// snapshot with no file watch.
func New(path string) (*KnowledgeBase, error) {
	kb := &KnowledgeBase{path: path}
	if path == "" {
		kb.current.Store(Default())
		return kb, nil
	}
	if err := kb.reload(); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("intel: create watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("intel: watch %s: %w", path, err)
	}
	kb.watcher = w
	go kb.watchLoop()
	return kb, nil
}

func (kb *KnowledgeBase) reload() error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	raw, err := os.ReadFile(kb.path)
	if err != nil {
		return fmt.Errorf("intel: read %s: %w", kb.path, err)
	}
	var t tables
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return fmt.Errorf("intel: parse %s: %w", kb.path, err)
	}
	kb.current.Store(build(t))
	return nil
}

func (kb *KnowledgeBase) watchLoop() {
	for {
		select {
		case ev, ok := <-kb.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				_ = kb.reload()
			}
		case _, ok := <-kb.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the file watcher, if any.
func (kb *KnowledgeBase) Close() {
	if kb.watcher != nil {
		kb.watcher.Close()
	}
}

// Snapshot returns the current immutable table snapshot.
func (kb *KnowledgeBase) Snapshot() *Snapshot {
	return kb.current.Load()
}

// MatchAIDomain returns (category, matchedBaseDomain, true) if host ends with
// a known AI domain at a dot boundary or by full equality, case-insensitive.
// When multiple base domains could match, the longest (most specific) wins.
func (s *Snapshot) MatchAIDomain(host string) (string, string, bool) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	bestDomain, bestCategory, bestLen := "", "", -1
	for domain, category := range s.aiDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			if len(domain) > bestLen {
				bestDomain, bestCategory, bestLen = domain, category, len(domain)
			}
		}
	}
	if bestLen < 0 {
		return "", "", false
	}
	return bestCategory, bestDomain, true
}

// MatchCIDR returns the first matching threat-intel CIDR row for ip, if any.
func (s *Snapshot) MatchCIDR(ip string) (MaliciousCIDR, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return MaliciousCIDR{}, false
	}
	for _, e := range s.cidrs {
		if e.prefix.Contains(addr) {
			return e.row, true
		}
	}
	return MaliciousCIDR{}, false
}

// MatchJA3 returns the label for a known fingerprint hash.
func (s *Snapshot) MatchJA3(hash string) (string, bool) {
	label, ok := s.ja3[hash]
	return label, ok
}
