package kernel

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultAckTimeout is the spec's documented default delivery-verification
// window (spec §4.7).
const DefaultAckTimeout = 65 * time.Second

const (
	latencyReservoirSize = 256
	eventLogCap          = 2000
	window15m            = 15 * time.Minute
	window1h             = time.Hour
)

// createDeliveryId mints the delivery id threaded through fan-out for one
// sequenced send (spec §4.7).
func createDeliveryId(sender string, seq uint64, recipient string) string {
	return fmt.Sprintf("%s:%d:%s", sender, seq, recipient)
}

// Pending is one in-flight delivery's bookkeeping (spec §3 "Pending
// delivery").
type Pending struct {
	DeliveryID string
	Sender     string
	Sequence   uint64
	Recipient  string
	Expected   map[string]struct{}
	Acked      map[string]struct{}
	Unverified map[string]struct{}
	Failed     map[string]string // recipient -> reason
	SentAt     time.Time
	MsgType    string
	Mode       string
	timeout    time.Duration
	timer      *time.Timer
}

func (p *Pending) resolved() bool {
	return len(p.Acked)+len(p.Unverified)+len(p.Failed) >= len(p.Expected)
}

func (p *Pending) committable() bool {
	return len(p.Acked) == len(p.Expected) && len(p.Failed) == 0
}

// sample is one completed delivery's latency datum.
type sample struct {
	recipient string
	msgType   string
	mode      string
	latency   time.Duration
	at        time.Time
}

// Metrics is the reliability-counter snapshot (spec §4.7).
type Metrics struct {
	Sent        uint64
	Delivered   uint64
	Failed      uint64
	TimedOut    uint64
	Skipped     uint64
	Retries     uint64
	ByMode      map[string]uint64
	ByRecipient map[string]uint64
	ByType      map[string]uint64
	Last15m     int
	Last1h      int
}

// logEntry is one append-only record feeding the rolling-window counts.
type logEntry struct {
	at      time.Time
	outcome string // "delivered", "failed", "timedOut", "skipped"
}

// Tracker implements message sequencing and the per-delivery
// acknowledgement state machine (spec §4.7). Grounded on the bounded-queue
// idiom used elsewhere in the kernel (ring buffer, deferred FIFO): fixed
// caps plus a clock seam, no background goroutines other than the
// per-delivery ack-timeout timer.
type Tracker struct {
	mu sync.Mutex

	now         Clock
	ackTimeout  time.Duration
	onTimeout   func(p *Pending)
	onSkip      func(sender string, seq uint64, recipient string)
	onResolved  func(p *Pending)

	outbound map[string]uint64            // sender -> next sequence
	lastSeen map[string]map[string]uint64 // sender -> recipient -> last committed seq

	pending map[string]*Pending // deliveryId -> pending

	sent, delivered, failed, timedOut, skipped, retries uint64
	byMode, byRecipient, byType                         map[string]uint64

	latency []sample // bounded ring, most-recent overwrite
	latHead int

	eventLog []logEntry
}

// TrackerConfig controls the ack timeout; zero uses DefaultAckTimeout.
type TrackerConfig struct {
	AckTimeout time.Duration
}

// NewTracker creates a sequencing and delivery tracker. onTimeout fires
// when a pending delivery's ack window elapses before resolution; onSkip
// fires when a duplicate is suppressed.
func NewTracker(cfg TrackerConfig, clock Clock, onTimeout func(*Pending), onSkip func(sender string, seq uint64, recipient string)) *Tracker {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		now:         clock,
		ackTimeout:  cfg.AckTimeout,
		onTimeout:   onTimeout,
		onSkip:      onSkip,
		outbound:    make(map[string]uint64),
		lastSeen:    make(map[string]map[string]uint64),
		pending:     make(map[string]*Pending),
		byMode:      make(map[string]uint64),
		byRecipient: make(map[string]uint64),
		byType:      make(map[string]uint64),
	}
}

// SetOnResolved installs a callback invoked whenever a pending delivery
// resolves (committed, failed, or partially failed) — distinct from
// onTimeout, which fires only when the ack window elapses first.
func (t *Tracker) SetOnResolved(fn func(*Pending)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onResolved = fn
}

// NextSequence returns sender's next outbound sequence without consuming
// it (consumption happens in Start).
func (t *Tracker) NextSequence(sender string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outbound[sender] + 1
}

// LastSeen returns the last committed sequence sender has delivered to
// recipient, or 0.
func (t *Tracker) LastSeen(sender, recipient string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen[sender][recipient]
}

// ResetLastSeen zeroes sender's committed sequence for recipient — used
// when a session-reset marker accompanies sequence N=1 (spec §4.7).
func (t *Tracker) ResetLastSeen(sender, recipient string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.lastSeen[sender]; ok {
		delete(m, recipient)
	}
}

// CheckDuplicate reports whether (sender, seq, recipient) has already been
// committed (seq <= lastSeen), and if so increments the skipped counter
// and fires onSkip (spec §4.7 "duplicate suppression").
func (t *Tracker) CheckDuplicate(sender string, seq uint64, recipient string) bool {
	t.mu.Lock()
	last := t.lastSeen[sender][recipient]
	dup := seq <= last && last > 0
	if dup {
		t.skipped++
	}
	t.mu.Unlock()
	if dup && t.onSkip != nil {
		t.onSkip(sender, seq, recipient)
	}
	return dup
}

// Start begins tracking a new delivery: consumes sender's next sequence,
// records the expected recipient set, and schedules the ack-timeout
// timer. Returns the minted delivery id.
func (t *Tracker) Start(sender string, recipients []string, msgType, mode string) (deliveryID string, seq uint64) {
	t.mu.Lock()
	seq = t.outbound[sender] + 1
	t.outbound[sender] = seq
	t.sent++
	t.byMode[mode]++
	t.byType[msgType]++
	for _, r := range recipients {
		t.byRecipient[r]++
	}

	expected := make(map[string]struct{}, len(recipients))
	for _, r := range recipients {
		expected[r] = struct{}{}
	}
	deliveryID = createDeliveryId(sender, seq, recipients0(recipients))

	p := &Pending{
		DeliveryID: deliveryID,
		Sender:     sender,
		Sequence:   seq,
		Expected:   expected,
		Acked:      make(map[string]struct{}),
		Unverified: make(map[string]struct{}),
		Failed:     make(map[string]string),
		SentAt:     t.now(),
		MsgType:    msgType,
		Mode:       mode,
		timeout:    t.ackTimeout,
	}
	t.pending[deliveryID] = p
	if t.ackTimeout > 0 {
		p.timer = time.AfterFunc(t.ackTimeout, func() { t.expire(deliveryID) })
	}
	t.mu.Unlock()
	return deliveryID, seq
}

// recipients0 returns the first recipient for delivery-id minting
// (spec §4.7's createDeliveryId takes a single recipient; multi-recipient
// sends mint one id per recipient via StartOne).
func recipients0(recipients []string) string {
	if len(recipients) == 0 {
		return ""
	}
	return recipients[0]
}

// StartOne begins tracking a single-recipient delivery, the common case
// for a per-recipient inject.requested emission (spec §4.8 item 8).
func (t *Tracker) StartOne(sender string, seq uint64, recipient, msgType, mode string) string {
	t.mu.Lock()
	t.sent++
	t.byMode[mode]++
	t.byType[msgType]++
	t.byRecipient[recipient]++

	deliveryID := createDeliveryId(sender, seq, recipient)
	p := &Pending{
		DeliveryID: deliveryID,
		Sender:     sender,
		Sequence:   seq,
		Recipient:  recipient,
		Expected:   map[string]struct{}{recipient: {}},
		Acked:      make(map[string]struct{}),
		Unverified: make(map[string]struct{}),
		Failed:     make(map[string]string),
		SentAt:     t.now(),
		MsgType:    msgType,
		Mode:       mode,
		timeout:    t.ackTimeout,
	}
	t.pending[deliveryID] = p
	if t.ackTimeout > 0 {
		p.timer = time.AfterFunc(t.ackTimeout, func() { t.expire(deliveryID) })
	}
	t.mu.Unlock()
	return deliveryID
}

// AckVerified records a verified-accepted ack for recipient. When the
// pending delivery becomes fully verified-acked it commits: lastSeen is
// advanced, the timer is stopped, and a latency sample is recorded (spec
// §4.7).
func (t *Tracker) AckVerified(deliveryID, recipient string) {
	t.mu.Lock()
	p, ok := t.pending[deliveryID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if _, expected := p.Expected[recipient]; !expected {
		t.mu.Unlock()
		return // outside the expected set: ignored no-op (Open Question resolved in design notes)
	}
	p.Acked[recipient] = struct{}{}

	var commit bool
	if p.committable() {
		commit = true
		current := t.lastSeen[p.Sender]
		if current == nil {
			current = make(map[string]uint64)
			t.lastSeen[p.Sender] = current
		}
		if p.Sequence > current[recipient] {
			current[recipient] = p.Sequence
		}
	}
	resolved := p.resolved()
	if commit || resolved {
		t.stopTimer(p)
		delete(t.pending, deliveryID)
	}
	if commit {
		t.delivered++
		t.appendLog(logEntry{at: t.now(), outcome: "delivered"})
		t.recordLatency(sample{
			recipient: recipient,
			msgType:   p.MsgType,
			mode:      p.Mode,
			latency:   t.now().Sub(p.SentAt),
			at:        t.now(),
		})
	}
	t.mu.Unlock()

	if resolved && t.onResolved != nil {
		t.onResolved(p)
	}
}

// AckUnverified records an accepted-but-unverified ack; it never commits
// the sequence (spec §4.7).
func (t *Tracker) AckUnverified(deliveryID, recipient string) {
	t.mu.Lock()
	p, ok := t.pending[deliveryID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if _, expected := p.Expected[recipient]; !expected {
		t.mu.Unlock()
		return
	}
	p.Unverified[recipient] = struct{}{}
	resolved := p.resolved()
	if resolved {
		t.stopTimer(p)
		delete(t.pending, deliveryID)
		t.failed++
		t.appendLog(logEntry{at: t.now(), outcome: "failed"})
	}
	t.mu.Unlock()
	if resolved && t.onResolved != nil {
		t.onResolved(p)
	}
}

// AckFailed records a non-accepted outcome with a reason.
func (t *Tracker) AckFailed(deliveryID, recipient, reason string) {
	t.mu.Lock()
	p, ok := t.pending[deliveryID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if _, expected := p.Expected[recipient]; !expected {
		t.mu.Unlock()
		return
	}
	p.Failed[recipient] = reason
	resolved := p.resolved()
	if resolved {
		t.stopTimer(p)
		delete(t.pending, deliveryID)
		t.failed++
		t.appendLog(logEntry{at: t.now(), outcome: "failed"})
	}
	t.mu.Unlock()
	if resolved && t.onResolved != nil {
		t.onResolved(p)
	}
}

func (t *Tracker) stopTimer(p *Pending) {
	if p.timer != nil {
		p.timer.Stop()
	}
}

func (t *Tracker) expire(deliveryID string) {
	t.mu.Lock()
	p, ok := t.pending[deliveryID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.pending, deliveryID)
	t.timedOut++
	t.appendLog(logEntry{at: t.now(), outcome: "timedOut"})
	t.mu.Unlock()

	if t.onTimeout != nil {
		t.onTimeout(p)
	}
}

func (t *Tracker) recordLatency(s sample) {
	if len(t.latency) < latencyReservoirSize {
		t.latency = append(t.latency, s)
		return
	}
	t.latency[t.latHead] = s
	t.latHead = (t.latHead + 1) % latencyReservoirSize
}

func (t *Tracker) appendLog(e logEntry) {
	t.eventLog = append(t.eventLog, e)
	if len(t.eventLog) > eventLogCap {
		t.eventLog = t.eventLog[len(t.eventLog)-eventLogCap:]
	}
}

// Metrics returns the aggregate and breakdown counters plus the 15-minute
// and 1-hour rolling delivered counts (spec §4.7).
func (t *Tracker) Metrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cut15 := now.Add(-window15m)
	cut1h := now.Add(-window1h)
	var last15, last1h int
	for _, e := range t.eventLog {
		if e.outcome != "delivered" {
			continue
		}
		if e.at.After(cut15) {
			last15++
		}
		if e.at.After(cut1h) {
			last1h++
		}
	}

	return Metrics{
		Sent:        t.sent,
		Delivered:   t.delivered,
		Failed:      t.failed,
		TimedOut:    t.timedOut,
		Skipped:     t.skipped,
		Retries:     t.retries,
		ByMode:      copyCounts(t.byMode),
		ByRecipient: copyCounts(t.byRecipient),
		ByType:      copyCounts(t.byType),
		Last15m:     last15,
		Last1h:      last1h,
	}
}

func copyCounts(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// LatencySamples returns a copy of the bounded latency reservoir, oldest
// first among currently held samples.
func (t *Tracker) LatencySamples() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Duration, len(t.latency))
	samples := append([]sample(nil), t.latency...)
	sort.Slice(samples, func(i, j int) bool { return samples[i].at.Before(samples[j].at) })
	for i, s := range samples {
		out[i] = s.latency
	}
	return out
}

// SenderState is one sender's persisted sequencing state: the next
// outbound sequence and the last committed sequence per recipient (spec
// §6 message-state.json shape).
type SenderState struct {
	Outbound uint64
	LastSeen map[string]uint64
}

// StateSnapshot returns a copy of every sender's sequencing state, for
// internal/persist to serialize to message-state.json.
func (t *Tracker) StateSnapshot() map[string]SenderState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]SenderState, len(t.outbound))
	for sender, outbound := range t.outbound {
		lastSeen := make(map[string]uint64, len(t.lastSeen[sender]))
		for recipient, seq := range t.lastSeen[sender] {
			lastSeen[recipient] = seq
		}
		out[sender] = SenderState{Outbound: outbound, LastSeen: lastSeen}
	}
	for sender, lastSeen := range t.lastSeen {
		if _, ok := out[sender]; ok {
			continue
		}
		copied := make(map[string]uint64, len(lastSeen))
		for recipient, seq := range lastSeen {
			copied[recipient] = seq
		}
		out[sender] = SenderState{LastSeen: copied}
	}
	return out
}

// LoadStateSnapshot restores sender sequencing state (outbound counters
// and committed lastSeen), used when resuming from message-state.json at
// startup.
func (t *Tracker) LoadStateSnapshot(snapshot map[string]SenderState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sender, state := range snapshot {
		t.outbound[sender] = state.Outbound
		lastSeen := make(map[string]uint64, len(state.LastSeen))
		for recipient, seq := range state.LastSeen {
			lastSeen[recipient] = seq
		}
		t.lastSeen[sender] = lastSeen
	}
}

// PendingCount returns the number of in-flight deliveries.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Reset clears all tracker state, stopping any outstanding timers.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pending {
		t.stopTimer(p)
	}
	t.outbound = make(map[string]uint64)
	t.lastSeen = make(map[string]map[string]uint64)
	t.pending = make(map[string]*Pending)
	t.sent, t.delivered, t.failed, t.timedOut, t.skipped, t.retries = 0, 0, 0, 0, 0, 0
	t.byMode = make(map[string]uint64)
	t.byRecipient = make(map[string]uint64)
	t.byType = make(map[string]uint64)
	t.latency = nil
	t.latHead = 0
	t.eventLog = nil
}
