package kernel

import (
	"log/slog"
	"strings"
	"sync"
)

// Handler receives a dispatched envelope. Implementations must not mutate
// the envelope and must not block for long — the dispatcher invokes
// handlers inline, in the same single-writer step as emission (spec §5).
type Handler func(e *Envelope)

// subscriber is the capability record described in spec §9: an onEvent
// callback plus an optional onCancel invoked from Unsubscribe.
type subscriber struct {
	id       uint64
	pattern  string
	onEvent  Handler
	onCancel func()
}

// Dispatcher fans envelopes out to exact and prefix-wildcard subscribers.
// Grounded on the teacher's events.Bus (nil-safe, non-blocking, map of
// channels) but generalized from broadcast-only to pattern matching, and
// from channel delivery to direct inline invocation so handler failures
// can be isolated without dropping events for slow consumers.
type Dispatcher struct {
	mu       sync.Mutex
	nextID   uint64
	exact    map[string][]*subscriber // type -> subscribers, registration order
	wildcard []*subscriber            // prefix subscribers ("a.b.*"), registration order
	logger   *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		exact:  make(map[string][]*subscriber),
		logger: logger,
	}
}

// Subscription is an opaque handle returned by Subscribe, passed back to
// Unsubscribe.
type Subscription struct {
	id      uint64
	pattern string
}

// Subscribe registers handler for an exact type (e.g. "inject.requested")
// or a prefix-wildcard pattern ending in ".*" (e.g. "inject.*", which
// matches "inject", "inject.requested", and "inject.requested.retry").
// onCancel, if non-nil, runs when the subscription is later removed.
func (d *Dispatcher) Subscribe(pattern string, onEvent Handler, onCancel func()) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	sub := &subscriber{id: d.nextID, pattern: pattern, onEvent: onEvent, onCancel: onCancel}

	if strings.HasSuffix(pattern, ".*") {
		d.wildcard = append(d.wildcard, sub)
	} else {
		d.exact[pattern] = append(d.exact[pattern], sub)
	}
	return Subscription{id: sub.id, pattern: pattern}
}

// Unsubscribe removes a subscription. Safe to call more than once with
// the same handle (second call is a no-op).
func (d *Dispatcher) Unsubscribe(sub Subscription) {
	d.mu.Lock()
	var removed *subscriber
	if strings.HasSuffix(sub.pattern, ".*") {
		for i, s := range d.wildcard {
			if s.id == sub.id {
				removed = s
				d.wildcard = append(d.wildcard[:i], d.wildcard[i+1:]...)
				break
			}
		}
	} else {
		list := d.exact[sub.pattern]
		for i, s := range list {
			if s.id == sub.id {
				removed = s
				d.exact[sub.pattern] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	d.mu.Unlock()

	if removed != nil && removed.onCancel != nil {
		removed.onCancel()
	}
}

// matchPrefix reports whether eventType matches a wildcard pattern's
// prefix (pattern has its trailing ".*" already stripped): "a.b" matches
// "a.b", "a.b.c", and "a.b.c.d" (spec §4.4).
func matchPrefix(prefix, eventType string) bool {
	if eventType == prefix {
		return true
	}
	return strings.HasPrefix(eventType, prefix+".")
}

// Dispatch fans e out to matching subscribers: exact subscribers first,
// then wildcard subscribers, each group in registration order (spec §4.4,
// §5). A handler panic is recovered and logged; it never interrupts
// delivery to the remaining handlers (spec §4.4, §7 "handler-faulted").
func (d *Dispatcher) Dispatch(e *Envelope) {
	d.mu.Lock()
	exactSubs := append([]*subscriber(nil), d.exact[e.Type]...)
	wildcardSubs := make([]*subscriber, 0, len(d.wildcard))
	for _, s := range d.wildcard {
		prefix := strings.TrimSuffix(s.pattern, ".*")
		if matchPrefix(prefix, e.Type) {
			wildcardSubs = append(wildcardSubs, s)
		}
	}
	d.mu.Unlock()

	for _, s := range exactSubs {
		d.invoke(s, e)
	}
	for _, s := range wildcardSubs {
		d.invoke(s, e)
	}
}

func (d *Dispatcher) invoke(s *subscriber, e *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("subscriber handler panicked",
				"pattern", s.pattern, "type", e.Type, "recover", r)
		}
	}()
	s.onEvent(e)
}

// Reset removes every subscription without invoking onCancel callbacks
// (used by Kernel.Reset, which is a hard teardown, not a graceful one).
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exact = make(map[string][]*subscriber)
	d.wildcard = nil
}
