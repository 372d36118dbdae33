// Package broadcast delivers realtime notifications to subscribers. Events
// are published to a scope: either every subscriber (ScopeAll) or the
// subscribers of one conversation or one session.
package broadcast

import (
	"strings"
	"sync"
	"time"
)

// Scope addresses a set of subscribers.
type Scope string

// ScopeAll reaches every subscriber of the global set.
const ScopeAll Scope = "all"

// ConversationScope returns the scope of one conversation.
func ConversationScope(conversationID string) Scope {
	return Scope("conversation:" + conversationID)
}

// SessionScope returns the scope of one channel session.
func SessionScope(kind, account string) Scope {
	return Scope("session:" + kind + ":" + account)
}

// ParseScope validates a scope received from a client.
func ParseScope(raw string) (Scope, bool) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "" || raw == string(ScopeAll):
		return ScopeAll, true
	case strings.HasPrefix(raw, "conversation:") && len(raw) > len("conversation:"):
		return Scope(raw), true
	case strings.HasPrefix(raw, "session:") && strings.Count(raw, ":") == 2:
		return Scope(raw), true
	}
	return "", false
}

// Publisher is the realtime broadcast collaborator.
type Publisher interface {
	Publish(scope Scope, event string, payload any)
}

// Envelope is one published event as delivered to subscribers.
type Envelope struct {
	Scope   Scope     `json:"scope"`
	Event   string    `json:"event"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Scope, string, any) {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *Recorder) Publish(scope Scope, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Envelope{Scope: scope, Event: event, Payload: payload, At: time.Now()})
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.events...)
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(event string) []Envelope {
	var out []Envelope
	for _, e := range r.Events() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}
