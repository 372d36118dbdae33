package session

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
)

// ErrSessionNotFound is returned for an unknown (kind, account) pair.
var ErrSessionNotFound = errors.New("session not found")

// Registry holds at most one session per (provider kind, account key).
//
// Register and Remove on the same key are serialized by a per-key lock held
// for the whole replace: the previous session is detached, its connection
// closed, and only then the new session becomes visible. Operations on
// different keys never wait on each other.
type Registry struct {
	mu       sync.RWMutex
	sessions map[Key]*Session
	keyLocks map[Key]*keyLock

	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[Key]*Session),
		keyLocks: make(map[Key]*keyLock),
		logger:   logger.With("component", "registry"),
		now:      time.Now,
	}
}

// keyLock is a per-key mutex, dropped from the registry once no caller
// holds or waits on it.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (r *Registry) lockKey(k Key) func() {
	r.mu.Lock()
	l, ok := r.keyLocks[k]
	if !ok {
		l = &keyLock{}
		r.keyLocks[k] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(r.keyLocks, k)
		}
		r.mu.Unlock()
	}
}

// Register installs s, closing and replacing any existing session for the
// same key. It returns the replaced session, if any.
func (r *Registry) Register(ctx context.Context, s *Session) *Session {
	key := s.Key()
	unlock := r.lockKey(key)
	defer unlock()

	r.mu.RLock()
	prev := r.sessions[key]
	r.mu.RUnlock()

	if prev != nil && prev != s {
		if h := prev.detach(r.now()); h != nil {
			if err := h.Close(ctx); err != nil {
				r.logger.Warn("registry: closing replaced connection failed", "session", key, "error", err)
			}
		}
		r.logger.Info("registry: session replaced", "session", key)
	}

	r.mu.Lock()
	r.sessions[key] = s
	r.mu.Unlock()
	return prev
}

// Lookup finds the session of account, normalizing the account key first.
func (r *Registry) Lookup(kind channels.ProviderKind, account string) (*Session, bool) {
	key := NewKey(kind, account)
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Remove clears the session's timers, deletes its auth while the connection
// is still open (so providers can log the device out), closes the
// connection and drops the session from the registry.
func (r *Registry) Remove(ctx context.Context, kind channels.ProviderKind, account string) (*Session, error) {
	key := NewKey(kind, account)
	unlock := r.lockKey(key)
	defer unlock()

	r.mu.RLock()
	s, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	var errs []error
	h := s.detach(r.now())
	if s.adapter != nil {
		if err := s.adapter.ClearAuth(ctx, s.Account); err != nil {
			errs = append(errs, err)
		}
	}
	if h != nil {
		if err := h.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	r.mu.Lock()
	delete(r.sessions, key)
	r.mu.Unlock()

	r.logger.Info("registry: session removed", "session", key)
	return s, errors.Join(errs...)
}

// Sessions returns the registered sessions sorted by key.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

// ListActive yields the account keys of kind whose session is connected.
// Registry contents are read when the sequence is ranged over, so the same
// sequence can be ranged over repeatedly and reflects the current state.
func (r *Registry) ListActive(kind channels.ProviderKind) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, s := range r.Sessions() {
			if s.Kind != kind || s.State() != StateConnected {
				continue
			}
			if !yield(s.Account) {
				return
			}
		}
	}
}
