// Package kernel implements the event kernel at the heart of the
// orchestrator: envelope minting, per-recipient state vectors, a bounded
// ring buffer, a dispatcher, a contract engine, deferred-queue resume, a
// sequencing and delivery tracker, and shadow-to-enforced contract
// promotion. The kernel is process-local, single-owner, and effectively a
// single-writer loop: emission, contract evaluation, dispatch, and
// ring-buffer append happen as one sequential step per event.
package kernel

import (
	"sync"
	"time"
)

// Envelope is the immutable event record that flows through the kernel.
// Once dispatched, subscribers receive a read-only reference and must not
// mutate it — only the kernel itself (via Builder) constructs one.
type Envelope struct {
	EventID       string         `json:"eventId"`
	CorrelationID string         `json:"correlationId"`
	CausationID   string         `json:"causationId,omitempty"`
	Type          string         `json:"type"`
	Source        string         `json:"source"`
	RecipientID   string         `json:"recipientId"`
	Timestamp     int64          `json:"timestamp"`
	Sequence      uint64         `json:"sequence"`
	Payload       map[string]any `json:"payload,omitempty"`
	// Skipped is set only when a contract action was "skip"; nil otherwise
	// so a JSON-encoded envelope omits the field entirely.
	Skipped *bool `json:"skipped,omitempty"`
}

// redactedFields are payload keys replaced by a length-only placeholder
// unless developer mode is active. The kernel is payload-agnostic except
// for this one redaction rule (spec §9).
var redactedFields = map[string]struct{}{
	"body":    {},
	"message": {},
}

// redactionPlaceholder is what a redacted field becomes.
type redactionPlaceholder struct {
	Redacted bool `json:"redacted"`
	Length   int  `json:"length"`
}

// IDGenerator mints globally unique ids. Swappable for tests.
type IDGenerator func() string

// Clock returns the current time. Swappable for tests so timer-bearing
// behavior (deferred TTL, ack timeout, safe-mode window/cooldown) can be
// driven deterministically without sleeping.
type Clock func() time.Time

// Builder assigns ids, timestamps, sequences, and correlation/causation
// chains to new envelopes. It is the only place payload redaction runs,
// so every consumer (subscribers, ring buffer, disk artefacts) shares the
// same view (spec §9).
type Builder struct {
	mu       sync.Mutex
	newID    IDGenerator
	now      Clock
	devMode  bool
	sequence map[string]uint64 // source -> last assigned sequence

	// current is the process-wide "current correlation", used as the
	// default correlationId for emissions that don't specify one.
	current string
}

// NewBuilder creates an envelope builder. newID and clock default to
// uuid-based ids and time.Now when nil.
func NewBuilder(newID IDGenerator, clock Clock) *Builder {
	if newID == nil {
		newID = defaultIDGenerator
	}
	if clock == nil {
		clock = time.Now
	}
	return &Builder{
		newID:    newID,
		now:      clock,
		sequence: make(map[string]uint64),
	}
}

// SetDevMode toggles whether payload redaction is applied. Developer mode
// off (the default) means body/message fields are always redacted.
func (b *Builder) SetDevMode(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devMode = on
}

// DevMode reports the current developer-mode setting.
func (b *Builder) DevMode() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devMode
}

// SetCurrentCorrelation sets the process-wide default correlation id used
// when an emission does not specify one explicitly. Pass "" to clear it.
func (b *Builder) SetCurrentCorrelation(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = id
}

// CurrentCorrelation returns the process-wide default correlation id.
func (b *Builder) CurrentCorrelation() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// BuildParams are the inputs to Build.
type BuildParams struct {
	Type          string
	RecipientID   string
	Payload       map[string]any
	CorrelationID string // optional; inherited or minted if empty
	CausationID   string // optional; "" means a root event
	Source        string
}

// Build mints a fresh envelope: new eventId, source-scoped sequence
// advanced by one, current timestamp, inherited-or-minted correlationId,
// and redacted payload.
func (b *Builder) Build(p BuildParams) *Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq := b.sequence[p.Source] + 1
	b.sequence[p.Source] = seq

	corr := p.CorrelationID
	if corr == "" {
		corr = b.current
	}
	if corr == "" {
		corr = b.newID()
	}

	return &Envelope{
		EventID:       b.newID(),
		CorrelationID: corr,
		CausationID:   p.CausationID,
		Type:          p.Type,
		Source:        p.Source,
		RecipientID:   p.RecipientID,
		Timestamp:     b.now().UnixMilli(),
		Sequence:      seq,
		Payload:       redactPayload(p.Payload, b.devMode),
	}
}

// Ingest accepts a fully-formed envelope from an external bridge. It
// preserves the given ids and timestamp, but advances the source's
// sequence counter to max(current, incoming.Sequence) so later Build
// calls for that source never regress or collide. Ingested envelopes
// bypass the contract engine entirely (spec §4.1); the caller is
// responsible for handing the result straight to the dispatcher/ring
// buffer via the kernel's internal emission path.
func (b *Builder) Ingest(e *Envelope) *Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e.Sequence > b.sequence[e.Source] {
		b.sequence[e.Source] = e.Sequence
	}
	copied := *e
	copied.Payload = redactPayload(e.Payload, b.devMode)
	return &copied
}

// LastSequence returns the last sequence assigned (or ingested) for a
// source, or 0 if the source has never been seen.
func (b *Builder) LastSequence(source string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sequence[source]
}

func redactPayload(payload map[string]any, devMode bool) map[string]any {
	if payload == nil {
		return nil
	}
	if devMode {
		out := make(map[string]any, len(payload))
		for k, v := range payload {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if _, redacted := redactedFields[k]; redacted {
			out[k] = redactionPlaceholder{Redacted: true, Length: payloadLength(v)}
			continue
		}
		out[k] = v
	}
	return out
}

func payloadLength(v any) int {
	switch t := v.(type) {
	case string:
		return len(t)
	case []byte:
		return len(t)
	default:
		return 0
	}
}

// WithSkipped returns a shallow copy of the envelope with Skipped set.
// Used by the contract engine when an action is "skip" (spec §4.5); the
// original envelope already dispatched elsewhere is never mutated.
func (e *Envelope) WithSkipped(skipped bool) *Envelope {
	copied := *e
	copied.Skipped = &skipped
	return &copied
}
