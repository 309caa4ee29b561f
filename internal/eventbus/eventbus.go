// Package eventbus implements the typed publish/subscribe bus that is the
// only component allowed to cross ChargePoint/Connector/ScenarioExecutor
// boundaries. Dispatch is synchronous, in registration order, and a
// listener panic or the bus never blocks a publisher.
package eventbus

import (
	"log/slog"
	"sync"
)

// Event is a single published occurrence. Subject identifies the topic,
// e.g. "connector.statusChange" or "reservation.created"; Data carries
// event-specific fields.
type Event struct {
	Subject string
	Data    map[string]interface{}
}

// Listener receives events for a subscription.
type Listener func(Event)

// Unsubscribe removes a previously registered listener.
type Unsubscribe func()

// Bus is a synchronous pub/sub dispatcher with wildcard subjects.
// A subscription subject ending in ".*" matches any subject sharing its
// prefix up to and including the dot; the literal subject "*" matches
// everything.
type Bus struct {
	mu        sync.Mutex
	listeners map[string][]entry
	seq       uint64
	logger    *slog.Logger
}

type entry struct {
	id uint64
	fn Listener
}

// New creates an empty event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		listeners: make(map[string][]entry),
		logger:    logger,
	}
}

// Subscribe registers fn for subject and returns a function that removes
// the registration. Subject may be an exact topic or a wildcard ending in
// ".*".
func (b *Bus) Subscribe(subject string, fn Listener) Unsubscribe {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.listeners[subject] = append(b.listeners[subject], entry{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.listeners[subject]
		for i, e := range entries {
			if e.id == id {
				b.listeners[subject] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
		if len(b.listeners[subject]) == 0 {
			delete(b.listeners, subject)
		}
	}
}

// Publish dispatches an event synchronously to every matching listener in
// registration order. A panicking listener is recovered and logged; it
// never prevents later listeners from running and never propagates to the
// caller.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	matched := make([]entry, 0, 4)
	matched = append(matched, b.listeners[evt.Subject]...)
	matched = append(matched, b.listeners["*"]...)
	for subject, entries := range b.listeners {
		if isWildcard(subject) && wildcardMatches(subject, evt.Subject) {
			matched = append(matched, entries...)
		}
	}
	b.mu.Unlock()

	for _, e := range matched {
		b.dispatch(e, evt)
	}
}

func (b *Bus) dispatch(e entry, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus listener panicked", "subject", evt.Subject, "recover", r)
		}
	}()
	e.fn(evt)
}

func isWildcard(subject string) bool {
	return len(subject) > 2 && subject[len(subject)-2:] == ".*"
}

func wildcardMatches(pattern, subject string) bool {
	prefix := pattern[:len(pattern)-1] // keep trailing dot
	return len(subject) > len(prefix) && subject[:len(prefix)] == prefix
}
