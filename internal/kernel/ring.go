package kernel

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// RingConfig controls the bounded telemetry store's eviction policy.
type RingConfig struct {
	MaxEntries int           // N, default 1000
	MaxAge     time.Duration // T, default 5 minutes
}

// DefaultRingConfig returns the spec's documented defaults (N=1000,
// T=300000ms).
func DefaultRingConfig() RingConfig {
	return RingConfig{MaxEntries: 1000, MaxAge: 5 * time.Minute}
}

// OnEvict, if set, receives entries as they're evicted from the live
// buffer — used to feed an optional archive (internal/persist) before
// they're gone for good.
type OnEvict func(e *Envelope)

// RingBuffer is a bounded, insertion-ordered telemetry store. Eviction
// only happens when BOTH the count exceeds MaxEntries AND the oldest
// entry is older than MaxAge (spec §4.3) — a burst can legitimately grow
// the buffer well past MaxEntries; it collapses back as older entries
// age out, never while they're still within MaxAge.
type RingBuffer struct {
	mu      sync.Mutex
	cfg     RingConfig
	now     Clock
	entries []*Envelope
	onEvict OnEvict
}

// NewRingBuffer creates a ring buffer with the given config and clock
// (time.Now if clock is nil).
func NewRingBuffer(cfg RingConfig, clock Clock, onEvict OnEvict) *RingBuffer {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultRingConfig().MaxEntries
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultRingConfig().MaxAge
	}
	if clock == nil {
		clock = time.Now
	}
	return &RingBuffer{cfg: cfg, now: clock, onEvict: onEvict}
}

// Insert appends e and then evicts from the front while the buffer is
// both over-count and over-age. Telemetry failures must never propagate
// to the dispatcher (spec §4.3) — Insert cannot fail.
func (r *RingBuffer) Insert(e *Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, e)

	nowMs := r.now().UnixMilli()
	maxAgeMs := r.cfg.MaxAge.Milliseconds()
	for len(r.entries) > r.cfg.MaxEntries {
		oldest := r.entries[0]
		if nowMs-oldest.Timestamp <= maxAgeMs {
			break
		}
		if r.onEvict != nil {
			r.onEvict(oldest)
		}
		r.entries = r.entries[1:]
	}
}

// Size returns the current number of buffered entries.
func (r *RingBuffer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Reset clears the buffer.
func (r *RingBuffer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

// Query selects and filters ring-buffer entries.
type Query struct {
	CorrelationID string
	RecipientID   string
	Type          string   // exact type, or "prefix.*"
	Types         []string // exact types or "prefix.*" patterns; OR'd together
	Since         int64    // inclusive, ms since epoch; 0 = no lower bound
	Until         int64    // inclusive, ms since epoch; 0 = no upper bound
	Limit         int      // 0 = unlimited
}

func typeMatches(pattern, eventType string) bool {
	if strings.HasSuffix(pattern, ".*") {
		return matchPrefix(strings.TrimSuffix(pattern, ".*"), eventType)
	}
	return pattern == eventType
}

// Query returns matching entries newest-first, honoring Limit (spec
// §4.3, §8 "a ring buffer query with limit=k returns at most k entries").
func (r *RingBuffer) Query(q Query) []*Envelope {
	r.mu.Lock()
	snapshot := append([]*Envelope(nil), r.entries...)
	r.mu.Unlock()

	var patterns []string
	if q.Type != "" {
		patterns = append(patterns, q.Type)
	}
	patterns = append(patterns, q.Types...)

	var out []*Envelope
	for i := len(snapshot) - 1; i >= 0; i-- {
		e := snapshot[i]
		if q.CorrelationID != "" && e.CorrelationID != q.CorrelationID {
			continue
		}
		if q.RecipientID != "" && e.RecipientID != q.RecipientID {
			continue
		}
		if len(patterns) > 0 {
			matched := false
			for _, p := range patterns {
				if typeMatches(p, e.Type) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		if q.Since != 0 && e.Timestamp < q.Since {
			continue
		}
		if q.Until != 0 && e.Timestamp > q.Until {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// causationNode is one entry in the causation DAG built during traversal.
type causationNode struct {
	envelope *Envelope
	children []*causationNode
}

// CausationChain returns all events sharing correlationID, topologically
// traversed: roots (causationId unset) sorted by timestamp; each node's children sorted by timestamp; any
// orphan (non-empty causationId that names an eventId not present in the
// chain) appended at the end (spec §4.3).
func (r *RingBuffer) CausationChain(correlationID string) []*Envelope {
	chain := r.Query(Query{CorrelationID: correlationID})
	// Query returns newest-first; restore insertion order for stable
	// tie-breaking before the topological sort below.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	byID := make(map[string]*causationNode, len(chain))
	for _, e := range chain {
		byID[e.EventID] = &causationNode{envelope: e}
	}

	var roots []*causationNode
	var orphans []*causationNode
	for _, e := range chain {
		node := byID[e.EventID]
		if e.CausationID == "" {
			roots = append(roots, node)
			continue
		}
		parent, ok := byID[e.CausationID]
		if !ok {
			orphans = append(orphans, node)
			continue
		}
		parent.children = append(parent.children, node)
	}

	sortNodes := func(nodes []*causationNode) {
		sort.SliceStable(nodes, func(i, j int) bool {
			return nodes[i].envelope.Timestamp < nodes[j].envelope.Timestamp
		})
	}
	sortNodes(roots)
	sortNodes(orphans)

	var out []*Envelope
	var visit func(*causationNode)
	visit = func(n *causationNode) {
		out = append(out, n.envelope)
		sortNodes(n.children)
		for _, c := range n.children {
			visit(c)
		}
	}
	for _, root := range roots {
		visit(root)
	}
	for _, orphan := range orphans {
		out = append(out, orphan.envelope)
	}
	return out
}
