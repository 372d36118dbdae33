package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
)

const account = "5511999990000"

func TestProfileDelay(t *testing.T) {
	cfg := DefaultReconnectConfig()

	var generic []time.Duration
	for attempt := 1; attempt <= 6; attempt++ {
		generic = append(generic, cfg.Generic.Delay(attempt))
	}
	assert.Equal(t, []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 40 * time.Second, 40 * time.Second,
	}, generic)

	assert.Equal(t, 3*time.Second, cfg.Transient.Delay(1))
	assert.Equal(t, 24*time.Second, cfg.Transient.Delay(9))

	capped := Profile{Base: 5 * time.Second, MaxDelay: 60 * time.Second, CapExponent: 10}
	assert.Equal(t, 60*time.Second, capped.Delay(8))
	assert.Equal(t, 5*time.Second, capped.Delay(0))
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateDisconnected, StateConnecting, true},
		{StateConnecting, StateQRPending, true},
		{StateConnecting, StateConnected, true},
		{StateQRPending, StateConnected, true},
		{StateConnected, StateClosing, true},
		{StateClosing, StateReconnecting, true},
		{StateClosing, StateTerminalFailed, true},
		{StateReconnecting, StateConnecting, true},
		{StateConnected, StateReconnecting, false},
		{StateReconnecting, StateConnected, false},
		{StateTerminalFailed, StateReconnecting, false},
		{StateConnected, StateStopped, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestQRRender(t *testing.T) {
	r := DefaultQRRenderer()
	now := time.Now()

	p := r.Render("2@abcdef,ghijkl,mnopqr", 20*time.Second, now)
	assert.Equal(t, FormatPNG, p.Format)
	assert.True(t, strings.HasPrefix(p.Image, "data:image/png;base64,"))

	huge := strings.Repeat("x", 5000)
	p = r.Render(huge, 0, now)
	assert.Equal(t, FormatRaw, p.Format)
	assert.Empty(t, p.Image)
	assert.Equal(t, huge, p.Raw)
}

func TestStartDeliversQRThenConnectsWithoutRefiring(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.adapter.onConnect = func(acct string, emit channels.Emitter) {
		emit(channels.QREvent{Code: "2@token", ExpiresIn: 20 * time.Second})
	}

	o, err := env.manager.Start(context.Background(), channels.KindWhatsmeow, account)
	require.NoError(t, err)
	require.NotNil(t, o.Pairing)
	assert.Equal(t, FormatPNG, o.Pairing.Format)

	s, ok := env.manager.Registry().Lookup(channels.KindWhatsmeow, account)
	require.True(t, ok)
	assert.Equal(t, StateQRPending, s.State())

	updates, cancel := s.Subscribe()
	defer cancel()
	replay := <-updates
	assert.Equal(t, EventQR, replay.Event, "late subscribers get the pending QR")

	// A refreshed code does not reach the original requester again.
	env.adapter.emit(account, channels.QREvent{Code: "2@token2"})
	env.adapter.emit(account, channels.ReadyEvent{SelfID: account + "@s.whatsapp.net"})

	assert.Equal(t, StateConnected, s.State())
	assert.Empty(t, s.completion.done(), "completion fires at most once")
	assert.True(t, s.Info().QRDelivered)
	assert.Nil(t, s.Info().Pairing)

	var events []string
	for len(updates) > 0 {
		events = append(events, (<-updates).Event)
	}
	assert.Equal(t, []string{EventQR, EventReady}, events)
	assert.Equal(t, string(StateConnected), env.store.status(channels.KindWhatsmeow, account))
	assert.NotEmpty(t, env.rec.Named(EventReady))
}

func TestStartReady(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	s := env.startConnected(t, "+5511999990000")
	assert.Equal(t, "5511999990000", s.Account)
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, account+"@s.whatsapp.net", s.Info().SelfID)
}

func TestStartTerminalFailure(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.adapter.onConnect = func(acct string, emit channels.Emitter) {
		emit(channels.ClosedEvent{Reason: channels.ReasonUnauthorized, Err: channels.ErrTerminalAuth})
	}

	_, err := env.manager.Start(context.Background(), channels.KindWhatsmeow, account)
	require.Error(t, err)
	var ce *channels.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, channels.ReasonUnauthorized, ce.Reason)
	assert.ErrorIs(t, err, channels.ErrTerminalAuth)

	info, err := env.manager.Get(channels.KindWhatsmeow, account)
	require.NoError(t, err)
	assert.Equal(t, StateTerminalFailed, info.State)
	assert.Equal(t, 1, env.adapter.count("clear_auth"))
}

func TestStartConnectErrorSchedulesRetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartTimeout = 20 * time.Millisecond
	env := newTestEnv(t, cfg)
	env.adapter.connectErr = channels.ErrNetwork

	_, err := env.manager.Start(context.Background(), channels.KindWhatsmeow, account)
	assert.ErrorIs(t, err, ErrStartTimeout)

	info, err := env.manager.Get(channels.KindWhatsmeow, account)
	require.NoError(t, err)
	assert.Equal(t, StateReconnecting, info.State)
	assert.Equal(t, 1, info.Attempts)
	assert.Equal(t, channels.ReasonConnectionLost, info.LastCloseReason)
	require.NotNil(t, info.NextRetryAt)
	assert.Equal(t, 5*time.Second, env.timers.last().d)
}

func TestGenericBackoffSequence(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	s := env.startConnected(t, account)

	var delays []time.Duration
	prev := 0
	for i := 0; i < 5; i++ {
		env.close(account, channels.ReasonConnectionLost)
		require.Equal(t, StateReconnecting, s.State())
		assert.GreaterOrEqual(t, s.Attempts(), prev, "attempts never decrease while disconnected")
		prev = s.Attempts()
		delays = append(delays, env.timers.fireLast(t))
		require.Equal(t, StateConnecting, s.State())
	}
	assert.Equal(t, []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 40 * time.Second,
	}, delays)
	assert.Equal(t, 5, s.Attempts())

	var scheduled []Update
	for _, ev := range env.rec.Named(EventStatus) {
		if u := ev.Payload.(Update); u.Delay > 0 {
			scheduled = append(scheduled, u)
		}
	}
	require.NotEmpty(t, scheduled)
	last := scheduled[len(scheduled)-1]
	assert.Equal(t, 5, last.Attempt)
	assert.Equal(t, 40*time.Second, last.Delay)

	env.close(account, channels.ReasonTimeout)
	env.adapter.emit(account, channels.ReadyEvent{})
	assert.Equal(t, StateReconnecting, s.State(), "ready of a closed attempt is ignored")

	env.timers.fireLast(t)
	env.adapter.emit(account, channels.ReadyEvent{})
	assert.Equal(t, StateConnected, s.State())
	assert.Zero(t, s.Attempts())
	assert.Zero(t, env.adapter.count("clear_auth"), "generic closes preserve auth")
}

func TestConnectedCancelsPendingTimer(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	s := env.startConnected(t, account)

	env.close(account, channels.ReasonConnectionLost)
	env.timers.fireLast(t)
	env.close(account, channels.ReasonConnectionLost)
	timer := env.timers.last()

	// The provider reconnects on its own before the timer fires.
	s.mu.Lock()
	gen := s.gen
	s.state = StateConnecting
	s.mu.Unlock()
	env.manager.onReady(s, gen, channels.ReadyEvent{})

	assert.True(t, timer.stopped)
	assert.Zero(t, s.Attempts())
	assert.Nil(t, s.Info().NextRetryAt)
}

func TestRetriesExhaustedIsTerminal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reconnect.Generic.MaxAttempts = 2
	env := newTestEnv(t, cfg)
	s := env.startConnected(t, account)

	for i := 0; i < 2; i++ {
		env.close(account, channels.ReasonConnectionLost)
		env.timers.fireLast(t)
	}
	timers := env.timers.len()
	env.close(account, channels.ReasonConnectionLost)

	assert.Equal(t, StateTerminalFailed, s.State())
	assert.Equal(t, timers, env.timers.len(), "no retry after exhaustion")
	assert.Zero(t, env.adapter.count("clear_auth"), "exhaustion keeps auth")

	closed := env.rec.Named(EventClosed)
	require.NotEmpty(t, closed)
	assert.Contains(t, closed[len(closed)-1].Payload.(Update).Error, "max reconnect attempts")
}

func TestTerminalLogout(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	s := env.startConnected(t, account)

	env.close(account, channels.ReasonConnectionLost)
	env.timers.fireLast(t)
	require.Equal(t, 1, s.Attempts())
	timers := env.timers.len()

	env.close(account, channels.ReasonLoggedOut)

	info := s.Info()
	assert.Equal(t, StateTerminalFailed, info.State)
	assert.Equal(t, 1, info.Attempts, "attempts unchanged")
	assert.Nil(t, info.NextRetryAt)
	assert.Equal(t, timers, env.timers.len(), "no timer scheduled")
	assert.Equal(t, 1, env.adapter.count("clear_auth"))
	assert.Equal(t, string(StateTerminalFailed), env.store.status(channels.KindWhatsmeow, account))

	// Further events for the failed session are ignored until a restart.
	env.close(account, channels.ReasonConnectionLost)
	assert.Equal(t, StateTerminalFailed, s.State())
}

func TestTransientClearsAuthOnSecondOccurrence(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.startConnected(t, account)

	env.close(account, channels.ReasonStreamError)
	assert.Equal(t, 3*time.Second, env.timers.fireLast(t))
	assert.Zero(t, env.adapter.count("clear_auth"), "first occurrence preserves auth")

	mark := len(env.adapter.Calls())
	env.close(account, channels.ReasonStreamError)
	assert.Equal(t, 6*time.Second, env.timers.fireLast(t))

	assert.Equal(t, []string{"clear_auth", "connect"}, env.adapter.Calls()[mark:], "auth cleared before the next connect")
}

func TestTransientStreakResetsOnOtherReason(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.startConnected(t, account)

	env.close(account, channels.ReasonStreamError)
	env.timers.fireLast(t)
	env.close(account, channels.ReasonConnectionLost)
	env.timers.fireLast(t)
	env.close(account, channels.ReasonStreamError)
	env.timers.fireLast(t)

	assert.Zero(t, env.adapter.count("clear_auth"))
}

func TestCorruptAuthWipedBeforeRetry(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.startConnected(t, account)

	mark := len(env.adapter.Calls())
	env.close(account, channels.ReasonCorruptAuth)
	assert.Equal(t, 5*time.Second, env.timers.fireLast(t))
	assert.Equal(t, []string{"clear_auth", "connect"}, env.adapter.Calls()[mark:])
}

func TestStopCancelsTimer(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	s := env.startConnected(t, account)

	env.close(account, channels.ReasonConnectionLost)
	timer := env.timers.last()

	info, err := env.manager.Stop(context.Background(), channels.KindWhatsmeow, account)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, info.State)
	assert.True(t, timer.stopped)

	connects := env.adapter.count("connect")
	timer.f()
	assert.Equal(t, connects, env.adapter.count("connect"), "a stale timer does not reconnect")
	assert.Equal(t, StateStopped, s.State())
	assert.Zero(t, env.adapter.count("clear_auth"), "stop keeps auth")
}

func TestRegisterReplacesPreviousSession(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	first := env.startConnected(t, account)
	second := env.startConnected(t, account+":4@s.whatsapp.net")

	assert.Equal(t, StateStopped, first.State())
	assert.Equal(t, StateConnected, second.State())
	assert.Equal(t, 1, env.adapter.count("close"), "previous connection closed")

	got, ok := env.manager.Registry().Lookup(channels.KindWhatsmeow, "+"+account)
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestConcurrentStartsLeaveOneSession(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.adapter.onConnect = func(acct string, emit channels.Emitter) {
		emit(channels.ReadyEvent{})
	}

	forms := []string{account, "+" + account, account + ":2@s.whatsapp.net", account + "@s.whatsapp.net"}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(raw string) {
			defer wg.Done()
			_, _ = env.manager.Start(context.Background(), channels.KindWhatsmeow, raw)
		}(forms[i%len(forms)])
	}
	wg.Wait()

	sessions := env.manager.Registry().Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, account, sessions[0].Account)
}

func TestRegistryKeyedByKind(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	cloud := newFakeAdapter(channels.KindCloudAPI)
	cloud.onConnect = func(acct string, emit channels.Emitter) { emit(channels.ReadyEvent{}) }
	env.manager.RegisterAdapter(cloud)

	env.startConnected(t, account)
	_, err := env.manager.Start(context.Background(), channels.KindCloudAPI, account)
	require.NoError(t, err)

	assert.Len(t, env.manager.List(), 2)
	assert.Zero(t, env.adapter.count("close"))
}

func TestListActiveIsLazy(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.startConnected(t, "111")
	env.startConnected(t, "222")

	seq := env.manager.Registry().ListActive(channels.KindWhatsmeow)
	collect := func() []string {
		var out []string
		for k := range seq {
			out = append(out, k)
		}
		return out
	}
	assert.Equal(t, []string{"111", "222"}, collect())

	env.close("222", channels.ReasonConnectionLost)
	assert.Equal(t, []string{"111"}, collect(), "the same sequence reflects the current state")

	for range seq {
		break
	}
	assert.Empty(t, collectKind(env.manager.Registry(), channels.KindCloudAPI))
}

func collectKind(r *Registry, kind channels.ProviderKind) []string {
	var out []string
	for k := range r.ListActive(kind) {
		out = append(out, k)
	}
	return out
}

func TestRemove(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.startConnected(t, account)
	env.close(account, channels.ReasonConnectionLost)
	timer := env.timers.last()

	require.NoError(t, env.manager.Remove(context.Background(), channels.KindWhatsmeow, account))

	assert.True(t, timer.stopped)
	assert.Equal(t, 1, env.adapter.count("clear_auth"))
	_, err := env.manager.Get(channels.KindWhatsmeow, account)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, StatusRemoved, env.store.status(channels.KindWhatsmeow, account))
	assert.NotEmpty(t, env.rec.Named(EventRemoved))

	// Removing an account without a session still clears its auth.
	require.NoError(t, env.manager.Remove(context.Background(), channels.KindWhatsmeow, "999"))
	assert.Equal(t, 2, env.adapter.count("clear_auth"))
}

func TestRemoveClearsAuthBeforeClosing(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.startConnected(t, account)

	require.NoError(t, env.manager.Remove(context.Background(), channels.KindWhatsmeow, account))

	calls := env.adapter.Calls()
	cleared := slices.Index(calls, "clear_auth")
	closed := slices.Index(calls, "close")
	require.NotEqual(t, -1, cleared)
	require.NotEqual(t, -1, closed)
	assert.Less(t, cleared, closed, "auth is cleared while the connection can still log out")
}

func TestRegistryReleasesKeyLocks(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	for _, acct := range []string{"111", "222", "333"} {
		env.startConnected(t, acct)
		require.NoError(t, env.manager.Remove(context.Background(), channels.KindWhatsmeow, acct))
	}

	r := env.manager.Registry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Empty(t, r.keyLocks)
	assert.Empty(t, r.sessions)
}

func TestUnknownProviderAndAccount(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	_, err := env.manager.Start(context.Background(), channels.KindDiscord, "bot")
	assert.ErrorIs(t, err, ErrUnknownProvider)
	_, err = env.manager.Start(context.Background(), channels.KindWhatsmeow, "  ")
	assert.ErrorIs(t, err, ErrInvalidAccount)
	_, err = env.manager.Stop(context.Background(), channels.KindWhatsmeow, "404")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMessagesReachSink(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	sink := &recordingSink{}
	env.manager.sink = sink
	env.startConnected(t, account)

	env.adapter.emit(account, channels.MessageEvent{Message: channels.InboundMessage{NativeID: "A1"}})
	require.Len(t, sink.events, 1)
	assert.Equal(t, account, sink.accounts[0])

	env.close(account, channels.ReasonConnectionLost)
	env.adapter.emit(account, channels.MessageEvent{Message: channels.InboundMessage{NativeID: "A2"}})
	assert.Len(t, sink.events, 2, "same attempt still delivers until it is superseded")

	env.timers.fireLast(t)
	stale := env.manager.emitter(env.manager.mustLookup(t, account), 0)
	stale(channels.MessageEvent{Message: channels.InboundMessage{NativeID: "A3"}})
	assert.Len(t, sink.events, 2, "superseded attempts are ignored")
}

type recordingSink struct {
	mu       sync.Mutex
	events   []channels.MessageEvent
	accounts []string
}

func (r *recordingSink) Submit(_ context.Context, _ channels.ProviderKind, account string, ev channels.MessageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	r.accounts = append(r.accounts, account)
	return nil
}

func (m *Manager) mustLookup(t *testing.T, acct string) *Session {
	t.Helper()
	s, ok := m.Registry().Lookup(channels.KindWhatsmeow, acct)
	if !ok {
		t.Fatalf("no session for %s", acct)
	}
	return s
}

func TestMarkDegraded(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	s := env.startConnected(t, account)

	env.manager.MarkDegraded(channels.KindWhatsmeow, account, "no adapter ready")
	assert.True(t, s.Info().Degraded)
	assert.Equal(t, StatusDegraded, env.store.status(channels.KindWhatsmeow, account))
	assert.NotEmpty(t, env.rec.Named(EventDegraded))
}

func TestReconciler(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	env.startConnected(t, "111")
	env.adapter.ready["111"] = true

	env.store.UpsertStatus(ctx, channels.KindWhatsmeow, "222", string(StateConnected), nil)
	env.store.UpsertStatus(ctx, channels.KindWhatsmeow, "333", string(StateConnected), nil)
	env.store.UpsertStatus(ctx, channels.KindWhatsmeow, "444", string(StateDisconnected), nil)

	env.adapter.onConnect = func(acct string, emit channels.Emitter) {
		switch acct {
		case "222":
			emit(channels.ReadyEvent{})
		case "333":
			emit(channels.QREvent{Code: "2@pair"})
		}
	}

	r := NewReconciler(DefaultReconcilerConfig(), env.manager, env.store, env.rec, testLogger())
	sum, err := r.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, SweepSummary{Checked: 3, Reconnected: 1, Disconnected: 1}, sum)
	assert.Equal(t, string(StateConnected), env.store.status(channels.KindWhatsmeow, "222"))
	assert.Equal(t, string(StateDisconnected), env.store.status(channels.KindWhatsmeow, "333"))
	assert.Equal(t, string(StateDisconnected), env.store.status(channels.KindWhatsmeow, "444"))

	info, err := env.manager.Get(channels.KindWhatsmeow, "333")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, info.State, "a session demanding pairing is not left running")

	reconciled := env.rec.Named(EventReconciled)
	require.Len(t, reconciled, 1)
	assert.Equal(t, sum, reconciled[0].Payload)
}

func TestReconcilerFailedConnectStopsSession(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	env.store.UpsertStatus(ctx, channels.KindWhatsmeow, "555", string(StateConnected), nil)
	env.adapter.connectErr = channels.ErrNetwork

	cfg := DefaultReconcilerConfig()
	cfg.ReactivateTimeout = 5 * time.Second
	r := NewReconciler(cfg, env.manager, env.store, env.rec, testLogger())

	start := time.Now()
	sum, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "a failed connect resolves at once")

	assert.Equal(t, SweepSummary{Checked: 1, Disconnected: 1}, sum)
	assert.Equal(t, string(StateDisconnected), env.store.status(channels.KindWhatsmeow, "555"))
	assert.Zero(t, env.timers.len(), "no retry is left behind")

	info, err := env.manager.Get(channels.KindWhatsmeow, "555")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, info.State)
	assert.Equal(t, 1, env.adapter.count("connect"))
}

func TestReactivatedSessionRetriesAfterLaterClose(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.adapter.onConnect = func(_ string, emit channels.Emitter) { emit(channels.ReadyEvent{}) }

	require.NoError(t, env.manager.Reactivate(context.Background(), channels.KindWhatsmeow, "666"))

	env.close("666", channels.ReasonConnectionLost)
	info, err := env.manager.Get(channels.KindWhatsmeow, "666")
	require.NoError(t, err)
	assert.Equal(t, StateReconnecting, info.State)
	assert.Equal(t, 1, env.timers.len())
}

func TestReconcilerStoreFailure(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	r := NewReconciler(DefaultReconcilerConfig(), env.manager, failingStore{}, env.rec, testLogger())
	_, err := r.Sweep(context.Background())
	assert.Error(t, err)
	assert.Empty(t, env.rec.Named(EventReconciled))
}

type failingStore struct{}

func (failingStore) UpsertStatus(context.Context, channels.ProviderKind, string, string, map[string]any) error {
	return errors.New("db down")
}

func (failingStore) ListByStatus(context.Context, string) ([]StatusRecord, error) {
	return nil, errors.New("db down")
}
