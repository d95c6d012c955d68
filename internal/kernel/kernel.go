package kernel

import (
	"log/slog"
	"sync"
	"time"
)

// Config bundles every kernel knob (spec §6).
type Config struct {
	Ring             RingConfig
	DeferTTL         time.Duration
	Engine           EngineConfig
	SafeModeCooldown time.Duration
	AckTimeout       time.Duration
	DevMode          bool
	// OnRingEvict, if set, receives entries evicted from the ring buffer —
	// the hook internal/persist uses to feed the optional SQLite archive.
	OnRingEvict OnEvict
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Ring:             DefaultRingConfig(),
		DeferTTL:         DefaultDeferTTL,
		Engine:           DefaultEngineConfig(),
		SafeModeCooldown: 30 * time.Second,
		AckTimeout:       DefaultAckTimeout,
	}
}

// kernelSource is the source id stamped on engine-originated events
// (contract.checked/violation, safemode.*, pane.state.changed, deferred
// drain resumed/dropped, contract.promoted).
const kernelSource = "kernel"

// Kernel wires the envelope builder, state vectors, ring buffer,
// dispatcher, contract engine, deferred queue, delivery tracker, and
// promotion engine into one single-writer processing loop (spec §5): the
// kernel mutex serializes every public entry point so emission, contract
// evaluation, dispatch, and ring-buffer append happen as one sequential
// step, and so timers (safe-mode cooldown, delivery ack timeout) contend
// for the same exclusion as synchronous emissions.
type Kernel struct {
	mu sync.Mutex

	logger *slog.Logger
	clock  Clock
	cfg    Config

	builder   *Builder
	vectors   *Vectors
	ring      *RingBuffer
	dispatch  *Dispatcher
	engine    *Engine
	deferred  *Deferred
	tracker   *Tracker
	promotion *Promotion

	safeModeTimer *time.Timer
}

// New assembles a Kernel. logger, newID, and clock default to
// slog.Default, a uuid-v7 generator, and time.Now respectively.
func New(cfg Config, logger *slog.Logger, newID IDGenerator, clock Clock) *Kernel {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = time.Now
	}
	if cfg.SafeModeCooldown <= 0 {
		cfg.SafeModeCooldown = DefaultConfig().SafeModeCooldown
	}

	k := &Kernel{
		logger: logger,
		clock:  clock,
		cfg:    cfg,
	}

	k.builder = NewBuilder(newID, clock)
	k.builder.SetDevMode(cfg.DevMode)
	k.vectors = NewVectors()
	k.ring = NewRingBuffer(cfg.Ring, clock, cfg.OnRingEvict)
	k.dispatch = NewDispatcher(logger)
	k.deferred = NewDeferred(cfg.DeferTTL, clock)
	k.tracker = NewTracker(TrackerConfig{AckTimeout: cfg.AckTimeout}, clock, k.onAckTimeout, k.onDuplicateSkip)
	k.engine = NewEngine(cfg.Engine, clock, k.internalEmit, k.onSafeMode)
	k.promotion = NewPromotion(k.engine, k.internalEmit, clock)

	return k
}

// Logger, Builder, Vectors, Ring, Dispatcher, Engine, Deferred, Tracker,
// and Promotion expose the collaborators directly: trigger ingestion
// (internal/trigger) and persistence (internal/persist) operate on them
// without needing the kernel's own single-writer serialization for
// operations that don't touch contract evaluation or dispatch.
func (k *Kernel) Logger() *slog.Logger   { return k.logger }
func (k *Kernel) Builder() *Builder      { return k.builder }
func (k *Kernel) Vectors() *Vectors      { return k.vectors }
func (k *Kernel) Ring() *RingBuffer      { return k.ring }
func (k *Kernel) Dispatcher() *Dispatcher { return k.dispatch }
func (k *Kernel) Engine() *Engine        { return k.engine }
func (k *Kernel) Deferred() *Deferred    { return k.deferred }
func (k *Kernel) Tracker() *Tracker      { return k.tracker }
func (k *Kernel) Promotion() *Promotion  { return k.promotion }

// internalEmit is the kernel's internal emission path (the emitFunc
// contract): it builds an envelope from the kernel's own source, appends
// it to the ring buffer, and dispatches it, bypassing the contract engine
// entirely (spec §9 "cyclic concerns" — engine-originated events never
// re-enter contract evaluation). Callers must already hold k.mu.
func (k *Kernel) internalEmit(eventType, recipientID string, payload map[string]any, causationID string) {
	env := k.builder.Build(BuildParams{
		Type:        eventType,
		RecipientID: recipientID,
		Payload:     payload,
		CausationID: causationID,
		Source:      kernelSource,
	})
	k.ring.Insert(env)
	k.dispatch.Dispatch(env)
}

// Emit is the normal send path (spec §4.1, §4.5): build an envelope, run
// it through the contract engine, and act on the resulting decision.
func (k *Kernel) Emit(p BuildParams) *Envelope {
	k.mu.Lock()
	defer k.mu.Unlock()
	env := k.builder.Build(p)
	return k.processLocked(env, false)
}

// Ingest accepts a fully-formed envelope from an external bridge. It
// bypasses the contract engine (spec §4.1) and goes straight to the ring
// buffer and dispatcher.
func (k *Kernel) Ingest(e *Envelope) *Envelope {
	k.mu.Lock()
	defer k.mu.Unlock()
	env := k.builder.Ingest(e)
	k.ring.Insert(env)
	k.dispatch.Dispatch(env)
	return env
}

// processLocked runs env through the contract engine and acts on the
// decision (spec §4.5). Every envelope reaches the ring buffer regardless
// of dispatch outcome, so causation-chain queries (§4.3) see deferred and
// blocked events too; only continue/skip outcomes reach subscribers.
func (k *Kernel) processLocked(env *Envelope, isRecheck bool) *Envelope {
	state := k.vectors.Get(env.RecipientID)
	decision := k.engine.Evaluate(env, state, isRecheck)

	switch decision.Action {
	case ActionDefer:
		k.deferred.Push(env.RecipientID, env, decision.ContractID, 0)
		k.ring.Insert(env)
		return env
	case ActionBlock, ActionDrop:
		k.engine.CountDropped()
		k.ring.Insert(env)
		return env
	case ActionSkip:
		out := env.WithSkipped(true)
		k.ring.Insert(out)
		k.dispatch.Dispatch(out)
		return out
	default: // ActionContinue
		k.ring.Insert(env)
		k.dispatch.Dispatch(env)
		return env
	}
}

// UpdateState applies a state patch and, if it changes the vector, emits
// pane.state.changed before draining the affected recipient's deferred
// queue when the patch cleared a gate (spec §4.2, §5 ordering guarantee:
// "pane.state.changed is published before any subsequent emission caused
// by deferred-queue drain").
func (k *Kernel) UpdateState(recipientID string, patch Patch) StateChange {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.updateVectorLocked(recipientID, patch)
}

func (k *Kernel) updateVectorLocked(recipientID string, patch Patch) StateChange {
	change, changed, drain := k.vectors.Update(recipientID, patch)
	if changed {
		k.internalEmit("pane.state.changed", recipientID, map[string]any{
			"before": change.Before,
			"after":  change.After,
		}, "")
	}
	if drain {
		k.drainLocked(recipientID)
	}
	return change
}

// State returns a deep copy of recipientID's current state vector.
func (k *Kernel) State(recipientID string) Vector {
	return k.vectors.Get(recipientID)
}

// drainLocked walks recipientID's deferred queue (spec §4.6). Called with
// k.mu already held, either from a state update that cleared a gate or
// from safe-mode exit.
func (k *Kernel) drainLocked(recipientID string) {
	k.deferred.Drain(recipientID,
		func(entry Entry) {
			k.internalEmit(typeRoot(entry.Envelope.Type)+".dropped", recipientID, map[string]any{
				"reason":  "ttl_expired",
				"eventId": entry.Envelope.EventID,
			}, entry.Envelope.EventID)
		},
		func(entry Entry) bool {
			state := k.vectors.Get(recipientID)
			decision := k.engine.Evaluate(entry.Envelope, state, true)
			if decision.Action == ActionDefer || decision.Action == ActionBlock {
				return false
			}

			k.internalEmit(typeRoot(entry.Envelope.Type)+".resumed", recipientID, map[string]any{
				"eventId": entry.Envelope.EventID,
			}, entry.Envelope.EventID)

			out := entry.Envelope
			if decision.Action == ActionSkip {
				out = out.WithSkipped(true)
			}
			if decision.Action == ActionDrop {
				k.engine.CountDropped()
				k.ring.Insert(out)
				return true
			}
			k.ring.Insert(out)
			k.dispatch.Dispatch(out)
			return true
		},
	)
}

// onSafeMode is the contract engine's trip callback (spec §4.5): on the
// false->true transition it marks gates.safeMode on every known
// recipient, emits safemode.entered, and arms the cooldown timer. It runs
// synchronously inside Engine.Evaluate, itself inside processLocked, so
// k.mu is already held — it must not lock again.
func (k *Kernel) onSafeMode(enter bool) {
	if !enter {
		return
	}
	for _, id := range k.vectors.Known() {
		on := true
		k.updateVectorLocked(id, Patch{SafeMode: &on})
	}
	k.internalEmit("safemode.entered", "system", nil, "")
	k.scheduleCooldownLocked()
}

// scheduleCooldownLocked arms the safe-mode cooldown (Config.SafeModeCooldown, 30s by default). A
// violation arriving while the cooldown is already running never rearms
// it (Engine.recordEnforcedViolation only calls onSafeMode on the
// false->true transition), so at most one timer is ever outstanding.
func (k *Kernel) scheduleCooldownLocked() {
	k.safeModeTimer = time.AfterFunc(k.cfg.SafeModeCooldown, func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		k.exitSafeModeLocked()
	})
}

func (k *Kernel) exitSafeModeLocked() {
	k.engine.ClearSafeMode()
	for _, id := range k.vectors.Known() {
		off := false
		k.updateVectorLocked(id, Patch{SafeMode: &off})
	}
	k.internalEmit("safemode.exited", "system", nil, "")
}

// onAckTimeout fires when a pending delivery's ack window elapses before
// resolution. It re-enters the loop under k.mu per the resource model's
// "timers ... must contend for the same exclusion as synchronous
// emissions" (spec §5); the tracker's own mutex is already released by
// the time this runs (Tracker.expire unlocks before invoking the
// callback), so no lock-ordering cycle is possible.
func (k *Kernel) onAckTimeout(p *Pending) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.internalEmit("delivery.timed_out", p.Recipient, map[string]any{
		"deliveryId": p.DeliveryID,
		"sender":     p.Sender,
		"sequence":   p.Sequence,
	}, "")
}

// onDuplicateSkip fires when the tracker suppresses a duplicate send.
func (k *Kernel) onDuplicateSkip(sender string, seq uint64, recipient string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.internalEmit("delivery.skip", recipient, map[string]any{
		"sender":   sender,
		"sequence": seq,
		"reason":   "duplicate",
	}, "")
}

// CheckAndPromote runs the promotion engine's readiness check and
// re-registers every ready contract as enforced (spec §4.9).
func (k *Kernel) CheckAndPromote() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.promotion.CheckAndPromote()
}

// Reset tears every collaborator down to its zero state. Used between
// test cases.
func (k *Kernel) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.safeModeTimer != nil {
		k.safeModeTimer.Stop()
	}
	k.vectors.Reset()
	k.ring.Reset()
	k.dispatch.Reset()
	k.engine.Reset()
	k.deferred.Reset()
	k.tracker.Reset()
	k.promotion.Reset()
}
