package session

import (
	"sync"
	"time"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
)

// Key identifies a session in the registry.
type Key struct {
	Kind    channels.ProviderKind
	Account string
}

// NewKey builds a key with a normalized account.
func NewKey(kind channels.ProviderKind, account string) Key {
	return Key{Kind: kind, Account: channels.NormalizeAccountKey(account)}
}

func (k Key) String() string { return channels.ChannelID(k.Kind, k.Account) }

// Stopper cancels a pending timer.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it once adapted.
type AfterFunc func(d time.Duration, f func()) Stopper

func realAfterFunc(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }

// Info is a point-in-time view of a session.
type Info struct {
	Kind            channels.ProviderKind `json:"kind"`
	Account         string                `json:"account"`
	State           State                 `json:"state"`
	Attempts        int                   `json:"reconnect_attempts"`
	LastCloseReason channels.CloseReason  `json:"last_close_reason,omitempty"`
	QRDelivered     bool                  `json:"qr_delivered"`
	Degraded        bool                  `json:"degraded,omitempty"`
	Pairing         *Pairing              `json:"pairing,omitempty"`
	SelfID          string                `json:"self_id,omitempty"`
	DisplayName     string                `json:"display_name,omitempty"`
	NextRetryAt     *time.Time            `json:"next_retry_at,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// Update is a typed event published on a session's subscription channel.
type Update struct {
	Event   string               `json:"event"`
	Info    Info                 `json:"info"`
	Attempt int                  `json:"attempt,omitempty"`
	Delay   time.Duration        `json:"delay,omitempty"`
	Reason  channels.CloseReason `json:"reason,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// Session is one live connection to one provider account. All mutable
// fields are guarded by mu; every state change happens in a single critical
// section without I/O.
type Session struct {
	Kind    channels.ProviderKind
	Account string

	adapter channels.Adapter

	mu             sync.Mutex
	state          State
	attempts       int
	lastReason     channels.CloseReason
	streakReason   channels.CloseReason
	streak         int
	clearOnRetry   bool
	reactivating   bool
	qrRenderedOnce bool
	degraded       bool
	pairing        *Pairing
	selfID         string
	displayName    string
	handle         channels.Handle
	timer          Stopper
	nextRetryAt    *time.Time
	gen            uint64
	completion     *completion
	updatedAt      time.Time

	subsMu sync.Mutex
	subs   []chan Update
}

func newSession(key Key, adapter channels.Adapter, now time.Time) *Session {
	return &Session{
		Kind:      key.Kind,
		Account:   key.Account,
		adapter:   adapter,
		state:     StateDisconnected,
		updatedAt: now,
	}
}

// Key returns the registry key of the session.
func (s *Session) Key() Key { return Key{Kind: s.Kind, Account: s.Account} }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the current reconnect attempt counter.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() Info {
	return Info{
		Kind:            s.Kind,
		Account:         s.Account,
		State:           s.state,
		Attempts:        s.attempts,
		LastCloseReason: s.lastReason,
		QRDelivered:     s.qrRenderedOnce,
		Degraded:        s.degraded,
		Pairing:         s.pairing,
		SelfID:          s.selfID,
		DisplayName:     s.displayName,
		NextRetryAt:     s.nextRetryAt,
		UpdatedAt:       s.updatedAt,
	}
}

// setStateLocked applies a transition. Callers hold mu.
func (s *Session) setStateLocked(next State, now time.Time) error {
	if !s.state.CanTransition(next) {
		return &transitionError{from: s.state, to: next}
	}
	s.state = next
	s.updatedAt = now
	return nil
}

// currentLocked reports whether gen still identifies the live connection
// attempt of this session.
func (s *Session) currentLocked(gen uint64) bool {
	return gen == s.gen && !s.state.Final()
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.nextRetryAt = nil
	s.clearOnRetry = false
}

// detach moves the session to stopped, invalidates its connection attempt
// and pending timer, and hands back the connection handle for closing.
func (s *Session) detach(now time.Time) channels.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.stopTimerLocked()
	_ = s.setStateLocked(StateStopped, now)
	s.completion.resolve(Outcome{Err: ErrSessionStopped})
	h := s.handle
	s.handle = nil
	return h
}

// Subscribe returns a channel receiving the session's updates and a
// function that cancels the subscription. Slow subscribers miss updates.
func (s *Session) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 16)

	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()

	// A late subscriber still gets the pending QR code.
	s.mu.Lock()
	info := s.infoLocked()
	s.mu.Unlock()
	if info.State == StateQRPending && info.Pairing != nil {
		select {
		case ch <- Update{Event: EventQR, Info: info}:
		default:
		}
	}

	return ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (s *Session) notify(u Update) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- u:
		default:
		}
	}
}
