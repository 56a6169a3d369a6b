// Package graph implements the persistent directed graph store (C3): two
// keyed collections (nodes, edges) backed by a single embedded bbolt
// container, with per-key write serialization and lock-free snapshot reads.
// bbolt is chosen over the teacher's remote-Postgres/Supabase persistence
// (internal/database/supabase.go) because the spec requires a single
// on-disk container created at mode 0600 with idempotent crash recovery —
// exactly bbolt's single-file, flush-on-commit shape. Concurrency texture
// (RWMutex-protected maps, atomic counters) follows the teacher's
// internal/fabric/hub.go.
package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var (
	nodesBucket = []byte("nodes")
	edgesBucket = []byte("edges")
)

// NodeType classifies a vertex.
type NodeType string

const (
	NodeInternal NodeType = "internal"
	NodeExternal NodeType = "external"
	NodeShadow   NodeType = "shadow"
)

// Node is a graph vertex, identified by a case-folded id (IP literal or domain).
type Node struct {
	ID         string    `json:"id"`
	Type       NodeType  `json:"type"`
	Label      string    `json:"label"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	RiskScore  float64   `json:"risk_score"`
	AlertCount int       `json:"alert_count"`
	Department string    `json:"department,omitempty"`
}

// Edge is a directed edge, identified by (source_id, target_id).
type Edge struct {
	SourceID   string    `json:"source_id"`
	TargetID   string    `json:"target_id"`
	Protocol   string    `json:"protocol"`
	DestPort   int       `json:"dst_port"`
	ByteCount  int64     `json:"byte_count"`
	FlowCount  int64     `json:"flow_count"`
	LastSeen   time.Time `json:"last_seen"`
}

func edgeKey(src, dst string) string { return src + "\x00" + dst }

// NodeProps is the partial-update payload for UpsertNode: only non-zero
// fields are applied.
type NodeProps struct {
	Type       NodeType
	Label      string
	RiskScore  *float64
	Department string
	Timestamp  time.Time
}

// EdgeProps is the partial-update payload for UpsertEdge.
type EdgeProps struct {
	Protocol  string
	DestPort  int
	ByteDelta int64
	Timestamp time.Time
}

// keyLocks serializes same-key upserts while letting different keys proceed
// concurrently — the "writes serialized per key, reads lock-free" model §4.2
// demands.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks { return &keyLocks{locks: make(map[string]*sync.Mutex)} }

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Store is the graph store. Construct with Open (persistent) or OpenMemory
// (non-persistent, for --inmemory and tests).
type Store struct {
	db        *bbolt.DB
	mem       *memBackend // non-nil when running in-memory
	nodeLocks *keyLocks
	edgeLocks *keyLocks
}

// Open opens (creating if absent) a bbolt database at path, mode 0600, with
// the nodes/edges buckets created if missing. Re-opening after a crash
// surfaces the last-committed state with no replay log required.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("graph: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(nodesBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(edgesBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("graph: init buckets: %w", err)
	}
	return &Store{db: db, nodeLocks: newKeyLocks(), edgeLocks: newKeyLocks()}, nil
}

// OpenMemory returns a non-persistent Store for --inmemory mode and tests.
func OpenMemory() *Store {
	return &Store{mem: newMemBackend(), nodeLocks: newKeyLocks(), edgeLocks: newKeyLocks()}
}

// Close releases the underlying database handle. No-op for in-memory stores.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// UpsertNode creates id if absent, else merges props; last_seen/label/type/
// risk_score/department are updated. Atomic per node.
func (s *Store) UpsertNode(id string, props NodeProps) (Node, error) {
	id = strings.ToLower(id)
	unlock := s.nodeLocks.lock(id)
	defer unlock()

	existing, found, err := s.getNode(id)
	if err != nil {
		return Node{}, err
	}

	ts := props.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	n := existing
	if !found {
		n = Node{ID: id, Type: NodeInternal, Label: id, FirstSeen: ts}
	}
	n.ID = id
	n.LastSeen = ts
	if props.Label != "" {
		n.Label = props.Label
	}
	if props.Type != "" {
		// once shadow, always shadow until Reset — §9 open-question decision
		if n.Type == NodeShadow {
			// keep shadow
		} else {
			n.Type = props.Type
		}
	}
	if props.RiskScore != nil {
		n.RiskScore = *props.RiskScore
	}
	if props.Department != "" {
		n.Department = props.Department
	}

	if err := s.putNode(n); err != nil {
		return Node{}, err
	}
	return n, nil
}

// IncrementAlertCount bumps alert_count for id by delta, used by the
// orchestrator on the source node of each alert it emits.
func (s *Store) IncrementAlertCount(id string, delta int) error {
	id = strings.ToLower(id)
	unlock := s.nodeLocks.lock(id)
	defer unlock()

	n, found, err := s.getNode(id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("graph: node %s not found", id)
	}
	n.AlertCount += delta
	return s.putNode(n)
}

// UpsertEdge requires both endpoints to already exist; aggregates byte_count,
// updates last_seen, and overwrites the last-observed protocol/port.
func (s *Store) UpsertEdge(src, dst string, props EdgeProps) (Edge, error) {
	src, dst = strings.ToLower(src), strings.ToLower(dst)
	key := edgeKey(src, dst)
	unlock := s.edgeLocks.lock(key)
	defer unlock()

	if _, found, err := s.getNode(src); err != nil {
		return Edge{}, err
	} else if !found {
		return Edge{}, fmt.Errorf("graph: source node %s does not exist", src)
	}
	if _, found, err := s.getNode(dst); err != nil {
		return Edge{}, err
	} else if !found {
		return Edge{}, fmt.Errorf("graph: target node %s does not exist", dst)
	}

	e, found, err := s.getEdge(src, dst)
	if err != nil {
		return Edge{}, err
	}
	ts := props.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if !found {
		e = Edge{SourceID: src, TargetID: dst}
	}
	e.Protocol = props.Protocol
	e.DestPort = props.DestPort
	e.ByteCount += props.ByteDelta
	e.FlowCount++
	e.LastSeen = ts

	if err := s.putEdge(e); err != nil {
		return Edge{}, err
	}
	return e, nil
}

// GetNode returns a snapshot copy of node id.
func (s *Store) GetNode(id string) (Node, bool, error) {
	return s.getNode(strings.ToLower(id))
}

// NodeFilter narrows ListNodes results. Zero value matches everything.
type NodeFilter struct {
	Type NodeType
}

// ListNodes returns a snapshot of all nodes matching filter, sorted by id.
func (s *Store) ListNodes(filter NodeFilter) ([]Node, error) {
	all, err := s.allNodes()
	if err != nil {
		return nil, err
	}
	out := make([]Node, 0, len(all))
	for _, n := range all {
		if filter.Type != "" && n.Type != filter.Type {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// EdgeFilter narrows ListEdges results.
type EdgeFilter struct {
	SourceID string
}

// ListEdges returns a snapshot of all edges matching filter.
func (s *Store) ListEdges(filter EdgeFilter) ([]Edge, error) {
	all, err := s.allEdges()
	if err != nil {
		return nil, err
	}
	out := make([]Edge, 0, len(all))
	for _, e := range all {
		if filter.SourceID != "" && e.SourceID != strings.ToLower(filter.SourceID) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].TargetID < out[j].TargetID
	})
	return out, nil
}

// Neighbors returns the direct out-edges of id.
func (s *Store) Neighbors(id string) ([]Edge, error) {
	return s.ListEdges(EdgeFilter{SourceID: id})
}

// Reset empties both collections.
func (s *Store) Reset() error {
	if s.mem != nil {
		s.mem.reset()
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(nodesBucket); err != nil {
			return err
		}
		if err := tx.DeleteBucket(edgesBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(nodesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(edgesBucket)
		return err
	})
}

// --- storage backends ---

func (s *Store) getNode(id string) (Node, bool, error) {
	if s.mem != nil {
		return s.mem.getNode(id)
	}
	var n Node
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(nodesBucket).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &n)
	})
	return n, found, err
}

func (s *Store) putNode(n Node) error {
	if s.mem != nil {
		s.mem.putNode(n)
		return nil
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(nodesBucket).Put([]byte(n.ID), raw)
	})
}

func (s *Store) getEdge(src, dst string) (Edge, bool, error) {
	key := edgeKey(src, dst)
	if s.mem != nil {
		return s.mem.getEdge(key)
	}
	var e Edge
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(edgesBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &e)
	})
	return e, found, err
}

func (s *Store) putEdge(e Edge) error {
	key := edgeKey(e.SourceID, e.TargetID)
	if s.mem != nil {
		s.mem.putEdge(key, e)
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(edgesBucket).Put([]byte(key), raw)
	})
}

func (s *Store) allNodes() ([]Node, error) {
	if s.mem != nil {
		return s.mem.allNodes(), nil
	}
	var out []Node
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(nodesBucket).ForEach(func(_, v []byte) error {
			var n Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			out = append(out, n)
			return nil
		})
	})
	return out, err
}

func (s *Store) allEdges() ([]Edge, error) {
	if s.mem != nil {
		return s.mem.allEdges(), nil
	}
	var out []Edge
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(edgesBucket).ForEach(func(_, v []byte) error {
			var e Edge
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}
