package kernel

import (
	"testing"
	"time"
)

func envAt(seq uint64, ms int64, typ, corr, causation string) *Envelope {
	return &Envelope{EventID: "e" + string(rune('0'+seq)), Sequence: seq, Timestamp: ms, Type: typ, CorrelationID: corr, CausationID: causation}
}

func TestRingBuffer_SizeGrowsOnInsert(t *testing.T) {
	r := NewRingBuffer(RingConfig{MaxEntries: 10, MaxAge: 0}, fixedClock(time.Unix(0, 0)), nil)
	r.Insert(envAt(1, 0, "a", "c", ""))
	r.Insert(envAt(2, 0, "a", "c", ""))
	if r.Size() != 2 {
		t.Errorf("Size() = %d, want 2", r.Size())
	}
}

func TestRingBuffer_BurstGrowsPastMaxEntriesWhileWithinMaxAge(t *testing.T) {
	now := int64(0)
	clock := func() time.Time { return time.UnixMilli(now) }
	r := NewRingBuffer(RingConfig{MaxEntries: 3, MaxAge: time.Minute}, clock, nil)

	for i := uint64(1); i <= 10; i++ {
		r.Insert(envAt(i, now, "a", "c", ""))
	}
	if r.Size() != 10 {
		t.Errorf("Size() = %d, want 10 (burst should not evict within MaxAge)", r.Size())
	}
}

func TestRingBuffer_EvictsOnceOverCountAndOverAge(t *testing.T) {
	now := int64(0)
	clock := func() time.Time { return time.UnixMilli(now) }
	var evicted []*Envelope
	r := NewRingBuffer(RingConfig{MaxEntries: 2, MaxAge: 100 * time.Millisecond}, clock,
		func(e *Envelope) { evicted = append(evicted, e) })

	r.Insert(envAt(1, 0, "a", "c", ""))
	r.Insert(envAt(2, 0, "a", "c", ""))
	now = 500 // now well past MaxAge for entries 1 and 2
	r.Insert(envAt(3, now, "a", "c", ""))

	if len(evicted) == 0 {
		t.Fatal("expected at least one eviction once both over-count and over-age")
	}
	if evicted[0].Sequence != 1 {
		t.Errorf("first evicted sequence = %d, want 1 (oldest first)", evicted[0].Sequence)
	}
}

func TestRingBuffer_QueryFiltersByRecipientAndType(t *testing.T) {
	r := NewRingBuffer(RingConfig{MaxEntries: 100, MaxAge: time.Hour}, fixedClock(time.Unix(0, 0)), nil)
	r.Insert(&Envelope{EventID: "1", Sequence: 1, RecipientID: "pane-1", Type: "inject.requested"})
	r.Insert(&Envelope{EventID: "2", Sequence: 2, RecipientID: "pane-2", Type: "inject.requested"})
	r.Insert(&Envelope{EventID: "3", Sequence: 3, RecipientID: "pane-1", Type: "resize.requested"})

	got := r.Query(Query{RecipientID: "pane-1", Type: "inject.requested"})
	if len(got) != 1 || got[0].EventID != "1" {
		t.Errorf("Query = %+v, want exactly event 1", got)
	}
}

func TestRingBuffer_QueryRespectsLimit(t *testing.T) {
	r := NewRingBuffer(RingConfig{MaxEntries: 100, MaxAge: time.Hour}, fixedClock(time.Unix(0, 0)), nil)
	for i := uint64(1); i <= 5; i++ {
		r.Insert(&Envelope{EventID: string(rune('0' + i)), Sequence: i})
	}
	got := r.Query(Query{Limit: 2})
	if len(got) != 2 {
		t.Fatalf("len(Query) = %d, want 2", len(got))
	}
	// newest-first
	if got[0].Sequence != 5 || got[1].Sequence != 4 {
		t.Errorf("got sequences %d, %d, want 5, 4", got[0].Sequence, got[1].Sequence)
	}
}

func TestRingBuffer_QueryWildcardType(t *testing.T) {
	r := NewRingBuffer(RingConfig{MaxEntries: 100, MaxAge: time.Hour}, fixedClock(time.Unix(0, 0)), nil)
	r.Insert(&Envelope{EventID: "1", Sequence: 1, Type: "contract.violation"})
	r.Insert(&Envelope{EventID: "2", Sequence: 2, Type: "contract.shadow.violation"})
	r.Insert(&Envelope{EventID: "3", Sequence: 3, Type: "pane.state.changed"})

	got := r.Query(Query{Type: "contract.*"})
	if len(got) != 2 {
		t.Errorf("len(Query) = %d, want 2 matching contract.*", len(got))
	}
}

func TestRingBuffer_CausationChainOrdersRootsAndChildrenByTimestamp(t *testing.T) {
	r := NewRingBuffer(RingConfig{MaxEntries: 100, MaxAge: time.Hour}, fixedClock(time.Unix(0, 0)), nil)
	root := &Envelope{EventID: "root", Sequence: 1, Timestamp: 0, CorrelationID: "corr"}
	child1 := &Envelope{EventID: "child1", Sequence: 2, Timestamp: 10, CorrelationID: "corr", CausationID: "root"}
	child2 := &Envelope{EventID: "child2", Sequence: 3, Timestamp: 5, CorrelationID: "corr", CausationID: "root"}
	r.Insert(root)
	r.Insert(child1)
	r.Insert(child2)

	chain := r.CausationChain("corr")
	if len(chain) != 3 {
		t.Fatalf("len(chain) = %d, want 3", len(chain))
	}
	if chain[0].EventID != "root" {
		t.Errorf("chain[0] = %q, want root", chain[0].EventID)
	}
	if chain[1].EventID != "child2" || chain[2].EventID != "child1" {
		t.Errorf("children not sorted by timestamp: got %q, %q", chain[1].EventID, chain[2].EventID)
	}
}

func TestRingBuffer_CausationChainAppendsOrphansAtEnd(t *testing.T) {
	r := NewRingBuffer(RingConfig{MaxEntries: 100, MaxAge: time.Hour}, fixedClock(time.Unix(0, 0)), nil)
	root := &Envelope{EventID: "root", Sequence: 1, Timestamp: 0, CorrelationID: "corr"}
	orphan := &Envelope{EventID: "orphan", Sequence: 2, Timestamp: 1, CorrelationID: "corr", CausationID: "missing-parent"}
	r.Insert(root)
	r.Insert(orphan)

	chain := r.CausationChain("corr")
	if len(chain) != 2 {
		t.Fatalf("len(chain) = %d, want 2", len(chain))
	}
	if chain[len(chain)-1].EventID != "orphan" {
		t.Errorf("orphan should be last, got %q", chain[len(chain)-1].EventID)
	}
}

func TestRingBuffer_ResetClearsEntries(t *testing.T) {
	r := NewRingBuffer(RingConfig{MaxEntries: 100, MaxAge: time.Hour}, fixedClock(time.Unix(0, 0)), nil)
	r.Insert(&Envelope{EventID: "1", Sequence: 1})
	r.Reset()
	if r.Size() != 0 {
		t.Errorf("Size() after Reset = %d, want 0", r.Size())
	}
}
