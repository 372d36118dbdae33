package session

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/chatgate/pkg/chatgate/broadcast"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
)

// fakeAdapter records every call and lets tests drive connection events
// through the emitter of the latest Connect.
type fakeAdapter struct {
	kind channels.ProviderKind

	mu         sync.Mutex
	calls      []string
	emitters   map[string]channels.Emitter
	ready      map[string]bool
	connectErr error
	onConnect  func(account string, emit channels.Emitter)
}

func newFakeAdapter(kind channels.ProviderKind) *fakeAdapter {
	return &fakeAdapter{kind: kind, emitters: map[string]channels.Emitter{}, ready: map[string]bool{}}
}

func (a *fakeAdapter) record(call string) {
	a.mu.Lock()
	a.calls = append(a.calls, call)
	a.mu.Unlock()
}

func (a *fakeAdapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *fakeAdapter) count(call string) int {
	n := 0
	for _, c := range a.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (a *fakeAdapter) emit(account string, ev channels.Event) {
	a.mu.Lock()
	e := a.emitters[account]
	a.mu.Unlock()
	e(ev)
}

func (a *fakeAdapter) Kind() channels.ProviderKind { return a.kind }

func (a *fakeAdapter) Connect(_ context.Context, account string, emit channels.Emitter) (channels.Handle, error) {
	a.record("connect")
	a.mu.Lock()
	a.emitters[account] = emit
	err := a.connectErr
	hook := a.onConnect
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if hook != nil {
		hook(account, emit)
	}
	return channels.HandleFunc(func(context.Context) error {
		a.record("close")
		return nil
	}), nil
}

func (a *fakeAdapter) SendText(context.Context, string, string, string) (channels.Ack, error) {
	return channels.Ack{}, nil
}

func (a *fakeAdapter) SendMedia(context.Context, string, string, channels.Media) (channels.Ack, error) {
	return channels.Ack{}, nil
}

func (a *fakeAdapter) Ready(account string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready[account]
}

func (a *fakeAdapter) Shutdown(context.Context, string) error {
	a.record("shutdown")
	return nil
}

func (a *fakeAdapter) ClearAuth(context.Context, string) error {
	a.record("clear_auth")
	return nil
}

func (a *fakeAdapter) ListActive() iter.Seq[string] {
	return func(func(string) bool) {}
}

// fakeTimers captures scheduled reconnects; tests fire them by hand.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// AfterFunc never runs f itself: the manager calls it with the session
// lock held.
func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) Stopper {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) last() *fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.timers) == 0 {
		return nil
	}
	return ft.timers[len(ft.timers)-1]
}

func (ft *fakeTimers) fireLast(t *testing.T) time.Duration {
	t.Helper()
	timer := ft.last()
	if timer == nil {
		t.Fatal("no timer scheduled")
	}
	timer.fired = true
	timer.f()
	return timer.d
}

func (ft *fakeTimers) len() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.timers)
}

type memSessionStore struct {
	mu      sync.Mutex
	records map[Key]StatusRecord
	history []string
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{records: map[Key]StatusRecord{}}
}

func (m *memSessionStore) UpsertStatus(_ context.Context, kind channels.ProviderKind, account, status string, extra map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[Key{kind, account}] = StatusRecord{Kind: kind, Account: account, Status: status, Extra: extra, UpdatedAt: time.Now()}
	m.history = append(m.history, status)
	return nil
}

func (m *memSessionStore) ListByStatus(_ context.Context, status string) ([]StatusRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StatusRecord
	for _, r := range m.records {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memSessionStore) status(kind channels.ProviderKind, account string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[Key{kind, account}].Status
}

type testEnv struct {
	manager *Manager
	adapter *fakeAdapter
	timers  *fakeTimers
	store   *memSessionStore
	rec     *broadcast.Recorder
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{
		adapter: newFakeAdapter(channels.KindWhatsmeow),
		timers:  &fakeTimers{},
		store:   newMemSessionStore(),
		rec:     &broadcast.Recorder{},
	}
	env.manager = NewManager(cfg, NewRegistry(testLogger()), env.store, env.rec, nil, testLogger())
	env.manager.afterFunc = env.timers.AfterFunc
	env.manager.RegisterAdapter(env.adapter)
	t.Cleanup(func() { env.manager.Close(context.Background()) })
	return env
}

// startConnected starts account with an adapter that reports ready at once.
func (env *testEnv) startConnected(t *testing.T, account string) *Session {
	t.Helper()
	env.adapter.mu.Lock()
	env.adapter.onConnect = func(acct string, emit channels.Emitter) {
		emit(channels.ReadyEvent{SelfID: acct + "@s.whatsapp.net"})
	}
	env.adapter.mu.Unlock()

	o, err := env.manager.Start(context.Background(), channels.KindWhatsmeow, account)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !o.Ready {
		t.Fatalf("start: expected ready outcome, got %+v", o)
	}

	env.adapter.mu.Lock()
	env.adapter.onConnect = nil
	env.adapter.mu.Unlock()

	s, _ := env.manager.Registry().Lookup(channels.KindWhatsmeow, account)
	return s
}

func (env *testEnv) close(account string, reason channels.CloseReason) {
	env.adapter.emit(channels.NormalizeAccountKey(account), channels.ClosedEvent{Reason: reason})
}
