// internal/event/log.go
package event

import (
	"log/slog"
	"sync"
	"time"

	"github.com/user/chatfold/internal/types"
)

// DefaultHistoryLimit bounds the in-memory log. When the limit is exceeded
// the oldest entries are dropped first.
const DefaultHistoryLimit = 1000

// Handler receives a single event. Subscription handlers run synchronously
// on the publishing goroutine; a panicking handler is recovered and logged
// and never affects other subscribers or the publisher.
type Handler func(*Event)

// Filter selects events by field equality. Zero-valued fields match
// everything, so the zero Filter matches the whole log.
type Filter struct {
	Type      Type
	UserID    types.UserID
	ChatID    types.ChatID
	MessageID types.MessageID
}

// Matches reports whether the event satisfies every set field.
func (f Filter) Matches(ev *Event) bool {
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.UserID != "" && ev.UserID != f.UserID {
		return false
	}
	if f.ChatID != "" && ev.ChatID != f.ChatID {
		return false
	}
	if f.MessageID != "" && ev.MessageID != f.MessageID {
		return false
	}
	return true
}

type subscription struct {
	id      int
	types   map[Type]bool // nil means all types
	userID  types.UserID  // "" means all users
	handler Handler
}

func (s *subscription) matches(ev *Event) bool {
	if s.types != nil && !s.types[ev.Type] {
		return false
	}
	if s.userID != "" && s.userID != ev.UserID {
		return false
	}
	return true
}

// SubscribeOption narrows a subscription.
type SubscribeOption func(*subscription)

// ForTypes limits the subscription to the given event types. Without it the
// subscription receives every type.
func ForTypes(ts ...Type) SubscribeOption {
	return func(s *subscription) {
		s.types = make(map[Type]bool, len(ts))
		for _, t := range ts {
			s.types[t] = true
		}
	}
}

// ForUser limits the subscription to events for a single user.
func ForUser(id types.UserID) SubscribeOption {
	return func(s *subscription) { s.userID = id }
}

// Log is the bounded append-only event log with pub/sub dispatch and atomic
// claim-and-remove consumption. A single mutex guards the event slice and
// the subscription table; handlers always run outside the lock.
type Log struct {
	mu     sync.Mutex
	events []*Event
	subs   map[int]*subscription
	nextID int
	limit  int
	logger *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithHistoryLimit overrides the default history bound.
func WithHistoryLimit(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.limit = n
		}
	}
}

// WithLogger sets the slog logger used for subscriber failures.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Log) { l.logger = lg }
}

// NewLog creates an empty log.
func NewLog(opts ...Option) *Log {
	l := &Log{
		subs:   make(map[int]*subscription),
		limit:  DefaultHistoryLimit,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Publish assigns an id and timestamp if absent, appends the event, trims
// the log to the history limit, and synchronously notifies every matching
// subscriber. Publish never returns an error to the producer; subscriber
// failures are logged per subscriber.
func (l *Log) Publish(ev *Event) {
	if ev.ID == "" {
		ev.ID = types.NewEventID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	l.mu.Lock()
	l.events = append(l.events, ev)
	if len(l.events) > l.limit {
		// Drop oldest first. Copy so consumed slices never alias the tail.
		trimmed := make([]*Event, l.limit)
		copy(trimmed, l.events[len(l.events)-l.limit:])
		l.events = trimmed
	}
	matched := make([]*subscription, 0, len(l.subs))
	for _, s := range l.subs {
		if s.matches(ev) {
			matched = append(matched, s)
		}
	}
	l.mu.Unlock()

	for _, s := range matched {
		l.dispatch(s, ev)
	}
}

// dispatch runs a single subscriber, recovering panics so one failing
// handler cannot abort the publish or starve other subscribers.
func (l *Log) dispatch(s *subscription, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event subscriber panicked",
				"subscription", s.id, "event_type", ev.Type, "panic", r)
		}
	}()
	s.handler(ev)
}

// Subscribe registers a handler and returns an unsubscribe closure. Without
// options the handler receives every event.
func (l *Log) Subscribe(h Handler, opts ...SubscribeOption) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	s := &subscription{id: l.nextID, handler: h}
	for _, opt := range opts {
		opt(s)
	}
	l.subs[s.id] = s

	id := s.id
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
	}
}

// Consume atomically removes every event matching the filter from the log,
// then invokes the handler once per claimed event (in log order) and
// returns the count. The snapshot-filter-remove step is a single critical
// section: an event published concurrently either stays in the log for the
// next cycle or is claimed here, never both, and no event can be claimed
// twice.
func (l *Log) Consume(f Filter, h Handler) int {
	l.mu.Lock()
	var claimed, rest []*Event
	for _, ev := range l.events {
		if f.Matches(ev) {
			claimed = append(claimed, ev)
		} else {
			rest = append(rest, ev)
		}
	}
	l.events = rest
	l.mu.Unlock()

	for _, ev := range claimed {
		h(ev)
	}
	return len(claimed)
}

// Events returns a read-only snapshot of log entries matching the filter.
// When limit > 0 only the most recent matches are kept; the result is
// always in log order.
func (l *Log) Events(f Filter, limit int) []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*Event
	for _, ev := range l.events {
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Len returns the current number of events in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
