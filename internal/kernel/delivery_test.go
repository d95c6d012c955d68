package kernel

import (
	"testing"
	"time"
)

func newTestTracker(clock Clock, ackTimeout time.Duration, onTimeout func(*Pending), onSkip func(string, uint64, string)) *Tracker {
	return NewTracker(TrackerConfig{AckTimeout: ackTimeout}, clock, onTimeout, onSkip)
}

func TestTracker_StartAssignsSequentialSequences(t *testing.T) {
	tr := newTestTracker(fixedClock(time.Unix(0, 0)), time.Minute, nil, nil)
	_, seq1 := tr.Start("coordinator", []string{"pane-1"}, "broadcast", "enforced")
	_, seq2 := tr.Start("coordinator", []string{"pane-1"}, "broadcast", "enforced")
	if seq1 != 1 || seq2 != 2 {
		t.Errorf("seq1=%d seq2=%d, want 1, 2", seq1, seq2)
	}
}

func TestTracker_AckVerifiedCommitsWhenFullyAcked(t *testing.T) {
	tr := newTestTracker(fixedClock(time.Unix(0, 0)), time.Minute, nil, nil)
	id, _ := tr.Start("coordinator", []string{"pane-1", "pane-2"}, "broadcast", "enforced")

	tr.AckVerified(id, "pane-1")
	if tr.Metrics().Delivered != 0 {
		t.Fatal("should not commit until every expected recipient acks")
	}
	tr.AckVerified(id, "pane-2")
	if tr.Metrics().Delivered != 1 {
		t.Errorf("Delivered = %d, want 1 once fully verified-acked", tr.Metrics().Delivered)
	}
	if tr.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0 after commit", tr.PendingCount())
	}
}

func TestTracker_AckVerifiedAdvancesLastSeenOnCommit(t *testing.T) {
	tr := newTestTracker(fixedClock(time.Unix(0, 0)), time.Minute, nil, nil)
	id, seq := tr.Start("coordinator", []string{"pane-1"}, "direct", "enforced")
	tr.AckVerified(id, "pane-1")

	if got := tr.LastSeen("coordinator", "pane-1"); got != seq {
		t.Errorf("LastSeen = %d, want %d", got, seq)
	}
}

func TestTracker_AckUnverifiedNeverCommits(t *testing.T) {
	tr := newTestTracker(fixedClock(time.Unix(0, 0)), time.Minute, nil, nil)
	id, _ := tr.Start("coordinator", []string{"pane-1"}, "direct", "enforced")
	tr.AckUnverified(id, "pane-1")

	if tr.Metrics().Delivered != 0 {
		t.Error("an unverified ack must never commit the delivery")
	}
	if tr.Metrics().Failed != 1 {
		t.Errorf("Failed = %d, want 1", tr.Metrics().Failed)
	}
	if got := tr.LastSeen("coordinator", "pane-1"); got != 0 {
		t.Errorf("LastSeen = %d, want 0 (never committed)", got)
	}
}

func TestTracker_CheckDuplicateSkipsAlreadyCommittedSequence(t *testing.T) {
	var skips int
	tr := newTestTracker(fixedClock(time.Unix(0, 0)), time.Minute, nil,
		func(sender string, seq uint64, recipient string) { skips++ })
	id, seq := tr.Start("coordinator", []string{"pane-1"}, "direct", "enforced")
	tr.AckVerified(id, "pane-1")

	if dup := tr.CheckDuplicate("coordinator", seq, "pane-1"); !dup {
		t.Error("expected a duplicate for an already-committed sequence")
	}
	if skips != 1 {
		t.Errorf("skips = %d, want 1", skips)
	}
	if tr.Metrics().Skipped != 1 {
		t.Errorf("Skipped metric = %d, want 1", tr.Metrics().Skipped)
	}
}

func TestTracker_CheckDuplicateAllowsHigherSequence(t *testing.T) {
	tr := newTestTracker(fixedClock(time.Unix(0, 0)), time.Minute, nil, nil)
	id, seq := tr.Start("coordinator", []string{"pane-1"}, "direct", "enforced")
	tr.AckVerified(id, "pane-1")

	if dup := tr.CheckDuplicate("coordinator", seq+1, "pane-1"); dup {
		t.Error("a higher sequence must not be treated as a duplicate")
	}
}

func TestTracker_ResetLastSeenClearsCommittedSequence(t *testing.T) {
	tr := newTestTracker(fixedClock(time.Unix(0, 0)), time.Minute, nil, nil)
	id, _ := tr.Start("coordinator", []string{"pane-1"}, "direct", "enforced")
	tr.AckVerified(id, "pane-1")

	tr.ResetLastSeen("coordinator", "pane-1")
	if got := tr.LastSeen("coordinator", "pane-1"); got != 0 {
		t.Errorf("LastSeen after reset = %d, want 0", got)
	}
}

func TestTracker_ExpireFiresOnTimeoutAndDropsFromPending(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	timedOut := make(chan *Pending, 1)
	tr := newTestTracker(clock, 10*time.Millisecond, func(p *Pending) { timedOut <- p }, nil)

	tr.Start("coordinator", []string{"pane-1"}, "direct", "enforced")

	select {
	case p := <-timedOut:
		if p.Sender != "coordinator" {
			t.Errorf("timed-out pending Sender = %q, want coordinator", p.Sender)
		}
	case <-time.After(time.Second):
		t.Fatal("onTimeout was not called within 1s")
	}
	if tr.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0 after expiry", tr.PendingCount())
	}
}

func TestTracker_StateSnapshotRoundTrips(t *testing.T) {
	tr := newTestTracker(fixedClock(time.Unix(0, 0)), time.Minute, nil, nil)
	id, _ := tr.Start("coordinator", []string{"pane-1"}, "direct", "enforced")
	tr.AckVerified(id, "pane-1")

	snapshot := tr.StateSnapshot()

	tr2 := newTestTracker(fixedClock(time.Unix(0, 0)), time.Minute, nil, nil)
	tr2.LoadStateSnapshot(snapshot)

	if got := tr2.LastSeen("coordinator", "pane-1"); got == 0 {
		t.Error("LoadStateSnapshot should restore committed lastSeen")
	}
	if got := tr2.NextSequence("coordinator"); got != tr.NextSequence("coordinator") {
		t.Errorf("NextSequence after restore = %d, want %d", got, tr.NextSequence("coordinator"))
	}
}

func TestTracker_MetricsTracksByModeAndByType(t *testing.T) {
	tr := newTestTracker(fixedClock(time.Unix(0, 0)), time.Minute, nil, nil)
	tr.Start("coordinator", []string{"pane-1"}, "direct", "enforced")
	tr.Start("coordinator", []string{"pane-2"}, "broadcast", "shadow")

	m := tr.Metrics()
	if m.ByMode["enforced"] != 1 || m.ByMode["shadow"] != 1 {
		t.Errorf("ByMode = %+v, want 1 each", m.ByMode)
	}
	if m.ByType["direct"] != 1 || m.ByType["broadcast"] != 1 {
		t.Errorf("ByType = %+v, want 1 each", m.ByType)
	}
}
