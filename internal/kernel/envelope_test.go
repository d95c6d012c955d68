package kernel

import (
	"testing"
	"time"
)

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func sequentialIDs(prefix string) IDGenerator {
	n := 0
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}

func TestBuilder_BuildAssignsSequencePerSource(t *testing.T) {
	b := NewBuilder(sequentialIDs("id"), fixedClock(time.Unix(100, 0)))

	e1 := b.Build(BuildParams{Type: "a", Source: "agent-1"})
	e2 := b.Build(BuildParams{Type: "b", Source: "agent-1"})
	e3 := b.Build(BuildParams{Type: "c", Source: "agent-2"})

	if e1.Sequence != 1 || e2.Sequence != 2 {
		t.Errorf("agent-1 sequences = %d, %d, want 1, 2", e1.Sequence, e2.Sequence)
	}
	if e3.Sequence != 1 {
		t.Errorf("agent-2 sequence = %d, want 1 (independent source counter)", e3.Sequence)
	}
}

func TestBuilder_BuildMintsCorrelationWhenNoneSet(t *testing.T) {
	b := NewBuilder(sequentialIDs("id"), fixedClock(time.Unix(100, 0)))
	e := b.Build(BuildParams{Type: "a", Source: "s"})
	if e.CorrelationID == "" {
		t.Fatal("expected a minted correlation id")
	}
}

func TestBuilder_BuildInheritsCurrentCorrelation(t *testing.T) {
	b := NewBuilder(sequentialIDs("id"), fixedClock(time.Unix(100, 0)))
	b.SetCurrentCorrelation("corr-root")

	e := b.Build(BuildParams{Type: "a", Source: "s"})
	if e.CorrelationID != "corr-root" {
		t.Errorf("CorrelationID = %q, want %q", e.CorrelationID, "corr-root")
	}
}

func TestBuilder_BuildExplicitCorrelationWins(t *testing.T) {
	b := NewBuilder(sequentialIDs("id"), fixedClock(time.Unix(100, 0)))
	b.SetCurrentCorrelation("corr-root")

	e := b.Build(BuildParams{Type: "a", Source: "s", CorrelationID: "corr-explicit"})
	if e.CorrelationID != "corr-explicit" {
		t.Errorf("CorrelationID = %q, want %q", e.CorrelationID, "corr-explicit")
	}
}

func TestBuilder_BuildRedactsBodyAndMessageByDefault(t *testing.T) {
	b := NewBuilder(sequentialIDs("id"), fixedClock(time.Unix(100, 0)))
	e := b.Build(BuildParams{Type: "a", Source: "s", Payload: map[string]any{
		"body":  "secret text",
		"other": "kept",
	}})

	redacted, ok := e.Payload["body"].(redactionPlaceholder)
	if !ok {
		t.Fatalf("body = %#v, want redactionPlaceholder", e.Payload["body"])
	}
	if !redacted.Redacted || redacted.Length != len("secret text") {
		t.Errorf("redacted = %+v, want Redacted=true Length=%d", redacted, len("secret text"))
	}
	if e.Payload["other"] != "kept" {
		t.Errorf("other = %v, want unmodified", e.Payload["other"])
	}
}

func TestBuilder_BuildDevModeSkipsRedaction(t *testing.T) {
	b := NewBuilder(sequentialIDs("id"), fixedClock(time.Unix(100, 0)))
	b.SetDevMode(true)

	e := b.Build(BuildParams{Type: "a", Source: "s", Payload: map[string]any{"body": "secret"}})
	if e.Payload["body"] != "secret" {
		t.Errorf("body = %v, want unredacted in dev mode", e.Payload["body"])
	}
}

func TestBuilder_IngestAdvancesSequenceWithoutRegressing(t *testing.T) {
	b := NewBuilder(sequentialIDs("id"), fixedClock(time.Unix(100, 0)))
	b.Build(BuildParams{Type: "a", Source: "bridge-1"}) // sequence 1

	b.Ingest(&Envelope{Source: "bridge-1", Sequence: 5})
	if got := b.LastSequence("bridge-1"); got != 5 {
		t.Errorf("LastSequence after ingest = %d, want 5", got)
	}

	b.Ingest(&Envelope{Source: "bridge-1", Sequence: 2})
	if got := b.LastSequence("bridge-1"); got != 5 {
		t.Errorf("LastSequence after lower ingest = %d, want unchanged 5", got)
	}
}

func TestEnvelope_WithSkippedDoesNotMutateOriginal(t *testing.T) {
	e := &Envelope{Type: "a"}
	skipped := e.WithSkipped(true)

	if e.Skipped != nil {
		t.Error("original envelope must not be mutated")
	}
	if skipped.Skipped == nil || !*skipped.Skipped {
		t.Error("copy should have Skipped=true")
	}
}
