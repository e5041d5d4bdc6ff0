// internal/notify/registry.go

// Package notify pushes completed assistant replies to out-of-band
// channels. Destinations are strings with a channel prefix (for example
// "telegram:123456"); the registry routes each delivery to the handler
// registered for its prefix.
package notify

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/chatfold/internal/event"
	"github.com/user/chatfold/internal/types"
)

// Handler delivers a message to a destination (without its prefix).
type Handler func(destination, message string) error

// Registry routes deliveries by destination prefix and watches the event
// log for completed assistant messages.
type Registry struct {
	mu           sync.RWMutex
	handlers     map[string]Handler
	destinations map[types.UserID]string
}

// NewRegistry creates an empty notifier registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:     make(map[string]Handler),
		destinations: make(map[types.UserID]string),
	}
}

// Register adds a handler for destinations starting with prefix (including
// the colon, e.g. "telegram:").
func (r *Registry) Register(prefix string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = h
}

// SetDestination routes a user's notifications to the given destination.
// An empty destination removes the route.
func (r *Registry) SetDestination(uid types.UserID, destination string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if destination == "" {
		delete(r.destinations, uid)
		return
	}
	r.destinations[uid] = destination
}

// Deliver routes one message to the user's destination, if any.
func (r *Registry) Deliver(uid types.UserID, message string) error {
	r.mu.RLock()
	dest, ok := r.destinations[uid]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for prefix, h := range r.handlers {
		if strings.HasPrefix(dest, prefix) {
			return h(strings.TrimPrefix(dest, prefix), message)
		}
	}
	return fmt.Errorf("no notify handler for destination %q", dest)
}

// Watch subscribes the registry to message.completed events. The final
// assistant text is resolved through lookup. Returns the unsubscribe
// closure.
func (r *Registry) Watch(log *event.Log, lookup func(uid types.UserID, chatID types.ChatID, messageID types.MessageID) (string, error)) func() {
	return log.Subscribe(func(ev *event.Event) {
		text, err := lookup(ev.UserID, ev.ChatID, ev.MessageID)
		if err != nil {
			slog.Warn("notify lookup failed", "chat_id", ev.ChatID, "error", err)
			return
		}
		if text == "" {
			return
		}
		if err := r.Deliver(ev.UserID, text); err != nil {
			slog.Warn("notify delivery failed", "user_id", ev.UserID, "error", err)
		}
	}, event.ForTypes(event.TypeMessageCompleted))
}
