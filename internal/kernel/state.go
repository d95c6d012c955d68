package kernel

import "sync"

// Activity is the recipient's current high-level activity.
type Activity string

const (
	ActivityIdle       Activity = "idle"
	ActivityInjecting  Activity = "injecting"
	ActivityResizing   Activity = "resizing"
	ActivityRecovering Activity = "recovering"
	ActivityError      Activity = "error"
)

// CompactingState describes tmux/pane history-compaction suspicion.
type CompactingState string

const (
	CompactingNone      CompactingState = "none"
	CompactingSuspected CompactingState = "suspected"
	CompactingConfirmed CompactingState = "confirmed"
	CompactingCooldown  CompactingState = "cooldown"
)

// LinkState is a simple up/down connectivity reading.
type LinkState string

const (
	LinkUp   LinkState = "up"
	LinkDown LinkState = "down"
)

// Gates holds the boolean/enum gates a recipient can have set.
type Gates struct {
	FocusLocked bool            `json:"focusLocked"`
	Compacting  CompactingState `json:"compacting"`
	SafeMode    bool            `json:"safeMode"`
}

// Connectivity tracks bridge/pty transport health for a recipient.
type Connectivity struct {
	Bridge LinkState `json:"bridge"`
	Pty    LinkState `json:"pty"`
}

// Overlay tracks whether a UI overlay is open for a recipient.
type Overlay struct {
	Open bool `json:"open"`
}

// Vector is one recipient's full state, with the spec's documented
// defaults (idle activity, gates cleared, links up, overlay closed).
type Vector struct {
	Activity     Activity     `json:"activity"`
	Gates        Gates        `json:"gates"`
	Connectivity Connectivity `json:"connectivity"`
	Overlay      Overlay      `json:"overlay"`
}

func defaultVector() Vector {
	return Vector{
		Activity: ActivityIdle,
		Gates: Gates{
			FocusLocked: false,
			Compacting:  CompactingNone,
			SafeMode:    false,
		},
		Connectivity: Connectivity{Bridge: LinkUp, Pty: LinkUp},
		Overlay:      Overlay{Open: false},
	}
}

// Patch is a partial update to a Vector. Each pointer field left nil is
// not touched; this gives "partial merge, one level of nesting" (spec
// §4.2) for the named substructures.
type Patch struct {
	Activity     *Activity
	FocusLocked  *bool
	Compacting   *CompactingState
	SafeMode     *bool
	Bridge       *LinkState
	Pty          *LinkState
	OverlayOpen  *bool
}

// apply returns a new Vector with the patch merged over v.
func (p Patch) apply(v Vector) Vector {
	out := v
	if p.Activity != nil {
		out.Activity = *p.Activity
	}
	if p.FocusLocked != nil {
		out.Gates.FocusLocked = *p.FocusLocked
	}
	if p.Compacting != nil {
		out.Gates.Compacting = *p.Compacting
	}
	if p.SafeMode != nil {
		out.Gates.SafeMode = *p.SafeMode
	}
	if p.Bridge != nil {
		out.Connectivity.Bridge = *p.Bridge
	}
	if p.Pty != nil {
		out.Connectivity.Pty = *p.Pty
	}
	if p.OverlayOpen != nil {
		out.Overlay.Open = *p.OverlayOpen
	}
	return out
}

// clearsGate reports whether this patch clears focus-lock, clears
// compacting=confirmed, or clears safe-mode — any of which must trigger a
// deferred-queue drain for the affected recipient (spec §4.2, §4.6).
func (p Patch) clearsGate(before Vector) bool {
	if p.FocusLocked != nil && before.Gates.FocusLocked && !*p.FocusLocked {
		return true
	}
	if p.Compacting != nil && before.Gates.Compacting == CompactingConfirmed && *p.Compacting != CompactingConfirmed {
		return true
	}
	if p.SafeMode != nil && before.Gates.SafeMode && !*p.SafeMode {
		return true
	}
	return false
}

// StateChange is what a state update emits when before != after.
type StateChange struct {
	RecipientID string `json:"recipientId"`
	Before      Vector `json:"before"`
	After       Vector `json:"after"`
}

// Vectors holds one Vector per recipient, lazily defaulted, guarded by a
// single mutex (the kernel is a single-writer loop; this lock also
// serializes the rare concurrent reader).
type Vectors struct {
	mu   sync.Mutex
	data map[string]Vector
}

// NewVectors creates an empty state-vector table.
func NewVectors() *Vectors {
	return &Vectors{data: make(map[string]Vector)}
}

// Get returns a deep copy of the recipient's state, lazily defaulting
// recipients never seen before (spec §4.2). Vector is a plain value type
// so a copy is implicit.
func (s *Vectors) Get(recipientID string) Vector {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[recipientID]
	if !ok {
		v = defaultVector()
		s.data[recipientID] = v
	}
	return v
}

// Update applies patch to recipientID's vector and reports the resulting
// StateChange plus whether the gate-clearing condition that should
// trigger a deferred-queue drain fired. The caller (Kernel) is
// responsible for emitting pane.state.changed and triggering the drain;
// Update itself only computes state, matching the rest of the kernel's
// separation of pure state transition from side-effecting emission.
func (s *Vectors) Update(recipientID string, patch Patch) (change StateChange, changed bool, drain bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, ok := s.data[recipientID]
	if !ok {
		before = defaultVector()
	}
	after := patch.apply(before)
	s.data[recipientID] = after

	if before == after {
		return StateChange{}, false, false
	}
	return StateChange{RecipientID: recipientID, Before: before, After: after}, true, patch.clearsGate(before)
}

// Known returns the recipient ids that have an entry (i.e. have been read
// or updated at least once). Used by safe-mode entry, which must set
// gates.safeMode on every known recipient (spec §4.5).
func (s *Vectors) Known() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	return ids
}

// Reset clears all recipient state.
func (s *Vectors) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]Vector)
}
