package kernel

import (
	"testing"
	"time"
)

func TestDeferred_PushIncrementsLen(t *testing.T) {
	d := NewDeferred(time.Second, fixedClock(time.Unix(0, 0)))
	d.Push("pane-1", &Envelope{EventID: "1"}, "focus-lock-guard", 0)
	d.Push("pane-1", &Envelope{EventID: "2"}, "focus-lock-guard", 0)
	if d.Len("pane-1") != 2 {
		t.Errorf("Len = %d, want 2", d.Len("pane-1"))
	}
}

func TestDeferred_DrainResumesWhenCheckPasses(t *testing.T) {
	d := NewDeferred(time.Minute, fixedClock(time.Unix(0, 0)))
	d.Push("pane-1", &Envelope{EventID: "1"}, "focus-lock-guard", 0)

	var resumed []Entry
	d.Drain("pane-1", nil, func(e Entry) bool {
		resumed = append(resumed, e)
		return true
	})

	if len(resumed) != 1 {
		t.Fatalf("resumed = %d entries, want 1", len(resumed))
	}
	if d.Len("pane-1") != 0 {
		t.Errorf("Len after drain = %d, want 0", d.Len("pane-1"))
	}
}

func TestDeferred_DrainKeepsEntryWhenCheckFails(t *testing.T) {
	d := NewDeferred(time.Minute, fixedClock(time.Unix(0, 0)))
	d.Push("pane-1", &Envelope{EventID: "1"}, "focus-lock-guard", 0)

	d.Drain("pane-1", nil, func(e Entry) bool { return false })

	if d.Len("pane-1") != 1 {
		t.Errorf("Len after failed resume check = %d, want 1 (still deferred)", d.Len("pane-1"))
	}
}

func TestDeferred_DrainExpiresTTLBeforeResumeCheck(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	d := NewDeferred(time.Second, clock)
	d.Push("pane-1", &Envelope{EventID: "1"}, "focus-lock-guard", 0)

	now = now.Add(2 * time.Second) // past the 1s TTL

	var expired []Entry
	checkCalled := false
	d.Drain("pane-1",
		func(e Entry) { expired = append(expired, e) },
		func(e Entry) bool { checkCalled = true; return true })

	if len(expired) != 1 {
		t.Fatalf("expired = %d, want 1", len(expired))
	}
	if checkCalled {
		t.Error("an expired entry must never reach onResumeCheck")
	}
	if d.ExpiredCount() != 1 {
		t.Errorf("ExpiredCount = %d, want 1", d.ExpiredCount())
	}
}

func TestDeferred_DrainKeepsOriginalDeferredAtForSurvivors(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	d := NewDeferred(time.Minute, clock)
	d.Push("pane-1", &Envelope{EventID: "1"}, "c", 0)

	now = now.Add(5 * time.Second)
	d.Drain("pane-1", nil, func(e Entry) bool { return false })

	d.mu.Lock()
	got := d.queues["pane-1"][0].DeferredAt
	d.mu.Unlock()
	if !got.Equal(time.Unix(0, 0)) {
		t.Errorf("DeferredAt = %v, want unchanged at original push time", got)
	}
}

func TestDeferred_ResetClearsAllQueuesAndCounters(t *testing.T) {
	d := NewDeferred(time.Second, fixedClock(time.Unix(0, 0)))
	d.Push("pane-1", &Envelope{EventID: "1"}, "c", 0)
	d.Reset()
	if d.Len("pane-1") != 0 || d.ExpiredCount() != 0 {
		t.Error("Reset should clear queues and expired counter")
	}
}
