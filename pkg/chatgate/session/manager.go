package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/chatgate/pkg/chatgate/broadcast"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
)

// Broadcast event names.
const (
	EventStatus    = "session.status"
	EventQR        = "session.qr"
	EventReady     = "session.ready"
	EventClosed    = "session.closed"
	EventPushState = "session.push_state"
	EventDegraded  = "session.degraded"
	EventRemoved   = "session.removed"
)

var (
	ErrUnknownProvider = errors.New("unknown provider kind")
	ErrInvalidAccount  = errors.New("invalid account key")
	ErrStartTimeout    = errors.New("session start timed out")
	ErrSessionStopped  = errors.New("session stopped before it connected")

	// ErrPairingRequired is returned by Reactivate when stored auth is gone
	// and the provider asks for a new QR pairing.
	ErrPairingRequired = errors.New("pairing required")
)

// Config holds session manager settings.
type Config struct {
	// Reconnect holds the backoff profiles.
	Reconnect ReconnectConfig `yaml:"reconnect"`

	// StartTimeout bounds how long Start waits for a QR code or readiness.
	StartTimeout time.Duration `yaml:"start_timeout"`

	// QRSize is the pixel size of rendered pairing codes.
	QRSize int `yaml:"qr_size"`
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		Reconnect:    DefaultReconnectConfig(),
		StartTimeout: 45 * time.Second,
		QRSize:       256,
	}
}

// Manager drives sessions through their lifecycle: it starts connections,
// reacts to adapter events, schedules reconnects, persists status and
// broadcasts every change.
type Manager struct {
	cfg       Config
	registry  *Registry
	store     SessionStore
	publisher broadcast.Publisher
	sink      MessageSink
	renderer  QRRenderer
	logger    *slog.Logger

	now       func() time.Time
	afterFunc AfterFunc

	adaptersMu sync.RWMutex
	adapters   map[channels.ProviderKind]channels.Adapter

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a manager. sink may be nil when inbound messages are
// not consumed.
func NewManager(cfg Config, registry *Registry, store SessionStore, publisher broadcast.Publisher, sink MessageSink, logger *slog.Logger) *Manager {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultConfig().StartTimeout
	}
	if publisher == nil {
		publisher = broadcast.Nop{}
	}
	renderer := DefaultQRRenderer()
	if cfg.QRSize > 0 {
		renderer.Size = cfg.QRSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		registry:  registry,
		store:     store,
		publisher: publisher,
		sink:      sink,
		renderer:  renderer,
		logger:    logger.With("component", "sessions"),
		now:       time.Now,
		afterFunc: realAfterFunc,
		adapters:  make(map[channels.ProviderKind]channels.Adapter),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// RegisterAdapter makes a provider available to sessions.
func (m *Manager) RegisterAdapter(a channels.Adapter) {
	m.adaptersMu.Lock()
	defer m.adaptersMu.Unlock()
	m.adapters[a.Kind()] = a
}

// Adapter returns the adapter of kind.
func (m *Manager) Adapter(kind channels.ProviderKind) (channels.Adapter, bool) {
	m.adaptersMu.RLock()
	defer m.adaptersMu.RUnlock()
	a, ok := m.adapters[kind]
	return a, ok
}

// Registry returns the session registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Start creates a session for account, replacing any existing one, and
// waits for the first outcome: a QR code to scan, readiness, or a terminal
// failure. When ctx or the start timeout expires first the session keeps
// running and ErrStartTimeout (or the ctx error) is returned.
func (m *Manager) Start(ctx context.Context, kind channels.ProviderKind, account string) (Outcome, error) {
	s, comp, err := m.open(ctx, kind, account, false)
	if err != nil {
		return Outcome{}, err
	}
	return m.await(ctx, s, comp)
}

// Restart is the operator path out of stopped and terminal_failed: the
// session is replaced by a fresh one with a zero attempt counter.
func (m *Manager) Restart(ctx context.Context, kind channels.ProviderKind, account string) (Outcome, error) {
	return m.Start(ctx, kind, account)
}

func (m *Manager) open(ctx context.Context, kind channels.ProviderKind, account string, reactivating bool) (*Session, *completion, error) {
	adapter, ok := m.Adapter(kind)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownProvider, kind)
	}
	key := NewKey(kind, account)
	if key.Account == "" {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidAccount, account)
	}

	s := newSession(key, adapter, m.now())
	comp := newCompletion()
	s.completion = comp
	s.reactivating = reactivating

	m.registry.Register(ctx, s)
	m.logger.Info("sessions: starting", "session", key)
	m.connect(s)
	return s, comp, nil
}

func (m *Manager) await(ctx context.Context, s *Session, comp *completion) (Outcome, error) {
	timeout := time.NewTimer(m.cfg.StartTimeout)
	defer timeout.Stop()

	select {
	case o := <-comp.done():
		return o, o.Err
	case <-timeout.C:
		return Outcome{}, fmt.Errorf("%w: %s", ErrStartTimeout, s.Key())
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// connect opens a new connection attempt for s.
func (m *Manager) connect(s *Session) {
	s.mu.Lock()
	if s.state.Final() {
		s.mu.Unlock()
		return
	}
	if err := s.setStateLocked(StateConnecting, m.now()); err != nil {
		s.mu.Unlock()
		m.logger.Warn("sessions: cannot connect", "session", s.Key(), "error", err)
		return
	}
	s.gen++
	gen := s.gen
	s.pairing = nil
	info := s.infoLocked()
	s.mu.Unlock()

	m.changed(s, Update{Event: EventStatus, Info: info, Attempt: info.Attempts}, nil)

	handle, err := s.adapter.Connect(m.ctx, s.Account, m.emitter(s, gen))
	if err != nil {
		m.logger.Warn("sessions: connect failed", "session", s.Key(), "error", err)
		m.onClosed(s, gen, channels.ClosedEvent{Reason: channels.ReasonFromError(err), Err: err})
		return
	}

	s.mu.Lock()
	if s.currentLocked(gen) && s.state.Live() && s.handle == nil {
		s.handle = handle
		handle = nil
	}
	s.mu.Unlock()

	// The attempt was superseded while the adapter was connecting.
	if handle != nil {
		if err := handle.Close(m.ctx); err != nil {
			m.logger.Debug("sessions: closing stale connection failed", "session", s.Key(), "error", err)
		}
	}
}

func (m *Manager) emitter(s *Session, gen uint64) channels.Emitter {
	return func(ev channels.Event) {
		switch e := ev.(type) {
		case channels.QREvent:
			m.onQR(s, gen, e)
		case channels.ReadyEvent:
			m.onReady(s, gen, e)
		case channels.MessageEvent:
			m.onMessage(s, gen, e)
		case channels.ClosedEvent:
			m.onClosed(s, gen, e)
		case channels.PushStateEvent:
			m.onPushState(s, gen, e)
		default:
			m.logger.Debug("sessions: ignoring event", "session", s.Key(), "event", ev.EventName())
		}
	}
}

func (m *Manager) onQR(s *Session, gen uint64, e channels.QREvent) {
	p := m.renderer.Render(e.Code, e.ExpiresIn, m.now())
	if p.Format == FormatRaw {
		m.logger.Warn("sessions: QR rendering failed, delivering raw token", "session", s.Key(), "length", len(e.Code))
	}

	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		return
	}
	if err := s.setStateLocked(StateQRPending, m.now()); err != nil {
		s.mu.Unlock()
		m.logger.Warn("sessions: unexpected QR", "session", s.Key(), "error", err)
		return
	}
	s.qrRenderedOnce = true
	s.pairing = &p
	info := s.infoLocked()
	comp := s.completion
	s.mu.Unlock()

	comp.resolve(Outcome{Pairing: &p})
	m.changed(s, Update{Event: EventQR, Info: info}, nil)
}

func (m *Manager) onReady(s *Session, gen uint64, e channels.ReadyEvent) {
	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		return
	}
	if err := s.setStateLocked(StateConnected, m.now()); err != nil {
		s.mu.Unlock()
		m.logger.Warn("sessions: unexpected ready", "session", s.Key(), "error", err)
		return
	}
	s.attempts = 0
	s.streak = 0
	s.streakReason = ""
	s.reactivating = false
	s.stopTimerLocked()
	s.pairing = nil
	s.degraded = false
	s.selfID = e.SelfID
	s.displayName = e.DisplayName
	info := s.infoLocked()
	comp := s.completion
	s.mu.Unlock()

	// After a QR was delivered this is a no-op: the requester already got
	// its answer and only the broadcast below reports the connection.
	comp.resolve(Outcome{Ready: true})

	m.logger.Info("sessions: connected", "session", s.Key(), "self_id", e.SelfID)
	m.changed(s, Update{Event: EventReady, Info: info}, map[string]any{
		"self_id":      e.SelfID,
		"display_name": e.DisplayName,
	})
}

func (m *Manager) onMessage(s *Session, gen uint64, e channels.MessageEvent) {
	s.mu.Lock()
	ok := s.currentLocked(gen)
	s.mu.Unlock()
	if !ok || m.sink == nil {
		return
	}
	if err := m.sink.Submit(m.ctx, s.Kind, s.Account, e); err != nil {
		m.logger.Warn("sessions: message not ingested", "session", s.Key(), "native_id", e.Message.NativeID, "error", err)
	}
}

func (m *Manager) onPushState(s *Session, gen uint64, e channels.PushStateEvent) {
	s.mu.Lock()
	ok := s.currentLocked(gen)
	s.mu.Unlock()
	if !ok {
		return
	}
	payload := map[string]any{"kind": s.Kind, "account": s.Account, "active": e.Active}
	if e.Err != nil {
		payload["error"] = e.Err.Error()
	}
	m.publisher.Publish(broadcast.SessionScope(string(s.Kind), s.Account), EventPushState, payload)
	m.publisher.Publish(broadcast.ScopeAll, EventPushState, payload)
}

// changed notifies subscribers, persists the session status and broadcasts
// the update to the session scope and to everyone.
func (m *Manager) changed(s *Session, u Update, extra map[string]any) {
	s.notify(u)
	m.persist(s.Kind, s.Account, string(u.Info.State), extra)
	m.publisher.Publish(broadcast.SessionScope(string(s.Kind), s.Account), u.Event, u)
	m.publisher.Publish(broadcast.ScopeAll, u.Event, u)
}

func (m *Manager) persist(kind channels.ProviderKind, account, status string, extra map[string]any) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.UpsertStatus(ctx, kind, account, status, extra); err != nil {
		m.logger.Error("sessions: persisting status failed", "kind", kind, "account", account, "status", status, "error", err)
	}
}

// Stop closes the session's connection and leaves it in the stopped state.
// Auth is preserved.
func (m *Manager) Stop(ctx context.Context, kind channels.ProviderKind, account string) (Info, error) {
	s, ok := m.registry.Lookup(kind, account)
	if !ok {
		return Info{}, ErrSessionNotFound
	}
	return m.stopSession(ctx, s), nil
}

func (m *Manager) stopSession(ctx context.Context, s *Session) Info {
	if h := s.detach(m.now()); h != nil {
		if err := h.Close(ctx); err != nil {
			m.logger.Warn("sessions: closing connection failed", "session", s.Key(), "error", err)
		}
	}
	info := s.Info()
	m.logger.Info("sessions: stopped", "session", s.Key())
	m.changed(s, Update{Event: EventStatus, Info: info, Reason: channels.ReasonStopped}, nil)
	return info
}

// Remove closes the session, deletes its auth and forgets it. Accounts
// without a live session still get their auth cleared.
func (m *Manager) Remove(ctx context.Context, kind channels.ProviderKind, account string) error {
	key := NewKey(kind, account)

	_, err := m.registry.Remove(ctx, kind, account)
	if errors.Is(err, ErrSessionNotFound) {
		adapter, ok := m.Adapter(kind)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownProvider, kind)
		}
		err = adapter.ClearAuth(ctx, key.Account)
	}

	m.persist(kind, key.Account, StatusRemoved, nil)
	payload := map[string]any{"kind": kind, "account": key.Account}
	m.publisher.Publish(broadcast.SessionScope(string(kind), key.Account), EventRemoved, payload)
	m.publisher.Publish(broadcast.ScopeAll, EventRemoved, payload)
	m.logger.Info("sessions: removed", "session", key)
	return err
}

// Get returns the session of account.
func (m *Manager) Get(kind channels.ProviderKind, account string) (Info, error) {
	s, ok := m.registry.Lookup(kind, account)
	if !ok {
		return Info{}, ErrSessionNotFound
	}
	return s.Info(), nil
}

// List returns every registered session.
func (m *Manager) List() []Info {
	sessions := m.registry.Sessions()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Subscribe attaches to the updates of a registered session.
func (m *Manager) Subscribe(kind channels.ProviderKind, account string) (<-chan Update, func(), error) {
	s, ok := m.registry.Lookup(kind, account)
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	ch, cancel := s.Subscribe()
	return ch, cancel, nil
}

// Live reports whether account has a connected session whose adapter
// passes the liveness probe.
func (m *Manager) Live(kind channels.ProviderKind, account string) bool {
	s, ok := m.registry.Lookup(kind, account)
	if !ok || s.State() != StateConnected {
		return false
	}
	return s.adapter.Ready(s.Account)
}

// Reactivate re-runs the connect sequence with stored auth. The first close
// of the attempt fails it instead of scheduling a retry, and being asked for
// a QR code counts as failure too (ErrPairingRequired). A failed session is
// stopped so nothing keeps retrying behind the caller.
func (m *Manager) Reactivate(ctx context.Context, kind channels.ProviderKind, account string) error {
	s, comp, err := m.open(ctx, kind, account, true)
	if err != nil {
		return err
	}
	o, err := m.await(ctx, s, comp)
	if err != nil {
		if !s.State().Final() {
			m.stopSession(context.WithoutCancel(ctx), s)
		}
		return err
	}
	if o.Pairing != nil {
		m.stopSession(ctx, s)
		return fmt.Errorf("%w: %s", ErrPairingRequired, s.Key())
	}
	return nil
}

// MarkDegraded flags a session whose adapters could not deliver and
// persists the degraded status.
func (m *Manager) MarkDegraded(kind channels.ProviderKind, account, reason string) {
	key := NewKey(kind, account)
	if s, ok := m.registry.Lookup(kind, account); ok {
		s.mu.Lock()
		s.degraded = true
		s.mu.Unlock()
	}
	m.persist(kind, key.Account, StatusDegraded, map[string]any{"reason": reason})

	payload := map[string]any{"kind": kind, "account": key.Account, "reason": reason}
	m.publisher.Publish(broadcast.SessionScope(string(kind), key.Account), EventDegraded, payload)
	m.publisher.Publish(broadcast.ScopeAll, EventDegraded, payload)
	m.logger.Warn("sessions: degraded", "session", key, "reason", reason)
}

// Close detaches every session and shuts down adapter connections without
// touching persisted status, so connected sessions are restored by the
// reconciler on the next start.
func (m *Manager) Close(ctx context.Context) {
	for _, s := range m.registry.Sessions() {
		if h := s.detach(m.now()); h != nil {
			if err := h.Close(ctx); err != nil {
				m.logger.Debug("sessions: close failed", "session", s.Key(), "error", err)
			}
		}
		if err := s.adapter.Shutdown(ctx, s.Account); err != nil {
			m.logger.Warn("sessions: adapter shutdown failed", "session", s.Key(), "error", err)
		}
	}
	m.cancel()
	m.logger.Info("sessions: closed")
}
