package kernel

import (
	"sync"
	"time"
)

// Action is the dispatch outcome a contract selects on violation.
type Action string

const (
	ActionDefer    Action = "defer"
	ActionBlock    Action = "block"
	ActionDrop     Action = "drop"
	ActionSkip     Action = "skip"
	ActionContinue Action = "continue"
)

// Severity classifies how serious a precondition failure is.
type Severity string

const (
	SeverityWarn  Severity = "warn"
	SeverityBlock Severity = "block"
)

// Mode is a contract's evaluation mode: shadow observes without altering
// delivery, enforced acts (spec GLOSSARY).
type Mode string

const (
	ModeEnforced Mode = "enforced"
	ModeShadow   Mode = "shadow"
)

// Predicate is a boolean precondition over an event and the current
// recipient state vector.
type Predicate func(e *Envelope, state Vector) bool

// Contract is a named precondition bundle with a policy outcome on
// failure (spec §3, GLOSSARY).
type Contract struct {
	ID            string
	Version       int
	Owner         string
	AppliesTo     []string // exact types or "prefix.*" patterns
	Preconditions []Predicate
	Severity      Severity
	Action        Action
	Mode          Mode
	// EmitOnViolation is the event type published on violation. Defaults
	// to "contract.violation" (enforced) or "contract.shadow.violation"
	// (shadow) when empty.
	EmitOnViolation string
}

func (c *Contract) appliesTo(eventType string) bool {
	for _, pattern := range c.AppliesTo {
		if typeMatches(pattern, eventType) {
			return true
		}
	}
	return false
}

func (c *Contract) violationEventType() string {
	if c.EmitOnViolation != "" {
		return c.EmitOnViolation
	}
	if c.Mode == ModeShadow {
		return "contract.shadow.violation"
	}
	return "contract.violation"
}

// Decision is the result of evaluating all contracts against one event.
type Decision struct {
	Action     Action // ActionContinue if no enforced contract fired
	ContractID string
}

// emitFunc is the kernel's internal emission path: engine-originated
// events (contract.checked, contract.violation, contract.shadow.violation)
// bypass the contract engine itself and go straight to dispatch + ring
// buffer (spec §9 "cyclic concerns").
type emitFunc func(eventType, recipientID string, payload map[string]any, causationID string)

// Engine evaluates contracts for each emission and tracks the sliding
// window of enforced violations that can trip safe mode.
type Engine struct {
	mu        sync.Mutex
	byID      map[string]*Contract
	order     []string // registration order of ids, for snapshot iteration
	emit      emitFunc
	now       Clock
	violation struct {
		window    time.Duration
		threshold int
		times     []time.Time
	}
	safeModeActive bool
	onSafeMode     func(enter bool)

	violationCount uint64
	droppedCount   uint64
}

// EngineConfig controls the safe-mode sliding window.
type EngineConfig struct {
	SafeModeWindow    time.Duration // default 10s
	SafeModeThreshold int           // default 3
}

// DefaultEngineConfig returns the spec's documented defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{SafeModeWindow: 10 * time.Second, SafeModeThreshold: 3}
}

// NewEngine creates a contract engine. emit is the kernel's internal
// emission path; onSafeMode is called (enter=true) when the violation
// window crosses the threshold, and (enter=false) is never called by the
// engine itself — cooldown-driven exit is the kernel's responsibility via
// ClearSafeMode.
func NewEngine(cfg EngineConfig, clock Clock, emit emitFunc, onSafeMode func(enter bool)) *Engine {
	if cfg.SafeModeWindow <= 0 {
		cfg = DefaultEngineConfig()
	}
	if clock == nil {
		clock = time.Now
	}
	e := &Engine{
		byID:       make(map[string]*Contract),
		emit:       emit,
		now:        clock,
		onSafeMode: onSafeMode,
	}
	e.violation.window = cfg.SafeModeWindow
	e.violation.threshold = cfg.SafeModeThreshold
	return e
}

// Register adds or replaces a contract. Re-registration with an
// identical id replaces the prior definition in place, preserving its
// position in the registration order (spec §4.5, Law: "two concurrent
// registerContract calls result in exactly one active definition" — the
// engine's mutex serializes them).
func (e *Engine) Register(c *Contract) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.byID[c.ID]; !exists {
		e.order = append(e.order, c.ID)
	}
	e.byID[c.ID] = c
}

// Get returns a contract by id, or nil if unregistered.
func (e *Engine) Get(id string) *Contract {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byID[id]
}

// snapshot returns contracts in registration order. The contract engine
// iterates over a snapshot for each emission (spec §9 open question:
// "current convention: iterate over a snapshot") so a Register call from
// inside a handler invoked mid-evaluation never affects the in-flight
// iteration.
func (e *Engine) snapshot() []*Contract {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Contract, 0, len(e.order))
	for _, id := range e.order {
		if c, ok := e.byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Evaluate runs every contract matching e.Type, in registration order.
// isRecheck must be true when called from the deferred-queue drain's
// re-evaluation (spec §4.6); recheck-driven violations never count
// toward the safe-mode window or the violation counter (spec §4.5).
func (e *Engine) Evaluate(env *Envelope, state Vector, isRecheck bool) Decision {
	for _, c := range e.snapshot() {
		if !c.appliesTo(env.Type) {
			continue
		}
		e.emit("contract.checked", env.RecipientID, map[string]any{
			"contractId": c.ID,
			"eventType":  env.Type,
		}, env.EventID)

		if e.holds(c, env, state) {
			continue
		}

		// First failing precondition for this contract.
		e.emit(c.violationEventType(), env.RecipientID, map[string]any{
			"contractId": c.ID,
			"action":     string(c.Action),
			"severity":   string(c.Severity),
			"isRecheck":  isRecheck,
		}, env.EventID)

		if c.Mode == ModeShadow {
			// Shadow contracts never alter delivery; keep iterating.
			continue
		}

		if !isRecheck {
			e.countViolation()
			e.recordEnforcedViolation()
		}
		return Decision{Action: c.Action, ContractID: c.ID}
	}
	return Decision{Action: ActionContinue}
}

// holds reports whether every precondition of c passes for env/state.
func (e *Engine) holds(c *Contract, env *Envelope, state Vector) bool {
	for _, p := range c.Preconditions {
		if !p(env, state) {
			return false
		}
	}
	return true
}

func (e *Engine) countViolation() {
	e.mu.Lock()
	e.violationCount++
	e.mu.Unlock()
}

// CountDropped increments the aggregate dropped counter. Exported so the
// kernel can call it for block/drop outcomes without the engine needing
// to know about dispatch.
func (e *Engine) CountDropped() {
	e.mu.Lock()
	e.droppedCount++
	e.mu.Unlock()
}

// ViolationCount and DroppedCount expose the aggregate counters (spec §8
// end-to-end scenario 2: "aggregate dropped counter incremented by 1").
func (e *Engine) ViolationCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.violationCount
}

func (e *Engine) DroppedCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.droppedCount
}

// recordEnforcedViolation appends to the sliding window and trips safe
// mode once the threshold is crossed. A fourth violation during an
// already-active safe mode does not rearm the cooldown (spec §8 boundary
// behavior) because onSafeMode only fires on the active=false -> true
// transition.
func (e *Engine) recordEnforcedViolation() {
	e.mu.Lock()
	now := e.now()
	e.violation.times = append(e.violation.times, now)
	cutoff := now.Add(-e.violation.window)
	kept := e.violation.times[:0]
	for _, t := range e.violation.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.violation.times = kept

	trip := len(e.violation.times) >= e.violation.threshold && !e.safeModeActive
	if trip {
		e.safeModeActive = true
	}
	e.mu.Unlock()

	if trip && e.onSafeMode != nil {
		e.onSafeMode(true)
	}
}

// ClearSafeMode resets the engine's safe-mode latch (called by the
// kernel when the cooldown timer fires) and discards the violation
// window so stale violations don't immediately re-trip it.
func (e *Engine) ClearSafeMode() {
	e.mu.Lock()
	e.safeModeActive = false
	e.violation.times = nil
	e.mu.Unlock()
}

// SafeModeActive reports whether safe mode is currently latched.
func (e *Engine) SafeModeActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.safeModeActive
}

// Reset clears all contracts and counters.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byID = make(map[string]*Contract)
	e.order = nil
	e.violation.times = nil
	e.safeModeActive = false
	e.violationCount = 0
	e.droppedCount = 0
}
