package instagram

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/chatgate/pkg/chatgate/authstore"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
	"github.com/jholhewres/chatgate/pkg/chatgate/ingest"
)

const (
	testAccount = "acme.store"
	testUser    = "17841400000000001"
	testPage    = "104000000000001"
	testThread  = "t_100"
)

type fakeGraph struct {
	mu       sync.Mutex
	threads  bool
	sent     []map[string]any
	uploads  int
	sendCode int
}

func (f *fakeGraph) handler() http.Handler {
	mux := http.NewServeMux()
	authorized := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Authorization") == "Bearer good-token" {
			return true
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Error validating access token","type":"OAuthException","code":190}}`)
		return false
	}

	mux.HandleFunc("GET /"+testUser, func(w http.ResponseWriter, r *http.Request) {
		if authorized(w, r) {
			_, _ = io.WriteString(w, `{"id":"`+testUser+`","username":"acme.store","name":"Acme"}`)
		}
	})
	mux.HandleFunc("GET /"+testPage+"/conversations", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		f.mu.Lock()
		threads := f.threads
		f.mu.Unlock()
		if !threads || r.URL.Query().Get("platform") != "instagram" {
			_, _ = io.WriteString(w, `{"data":[]}`)
			return
		}
		_, _ = io.WriteString(w, `{"data":[{"id":"`+testThread+`","updated_time":"2024-05-01T10:02:00+0000"}]}`)
	})
	mux.HandleFunc("GET /"+testThread, func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		_, _ = io.WriteString(w, `{"messages":{"data":[
			{"id":"m_3","created_time":"2024-05-01T10:02:00+0000","from":{"id":"`+testUser+`","username":"acme.store"},"message":"how can we help?"},
			{"id":"m_2","created_time":"2024-05-01T10:01:00+0000","from":{"id":"901","username":"maria"},"message":"","attachments":{"data":[{"mime_type":"image/jpeg","image_data":{"url":"https://cdn.example/p.jpg"}}]}},
			{"id":"m_1","created_time":"2024-05-01T10:00:00+0000","from":{"id":"901","username":"maria"},"message":"hello"}
		]},"id":"`+testThread+`"}`)
	})
	mux.HandleFunc("POST /"+testPage+"/messages", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.sendCode != 0 {
			w.WriteHeader(f.sendCode)
			_, _ = io.WriteString(w, `{"error":{"message":"Calls to this api have exceeded the rate limit.","type":"OAuthException","code":613}}`)
			return
		}
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.uploads++
			f.sent = append(f.sent, map[string]any{"message": r.FormValue("message"), "recipient": r.FormValue("recipient")})
		} else {
			var payload map[string]any
			_ = json.NewDecoder(r.Body).Decode(&payload)
			f.sent = append(f.sent, payload)
		}
		_, _ = io.WriteString(w, `{"recipient_id":"901","message_id":"mid.out"}`)
	})
	return mux
}

type testEnv struct {
	adapter *Adapter
	graph   *fakeGraph
	cursors *ingest.MemoryCursors
	events  chan channels.Event
}

func newTestEnv(t *testing.T, token string, configure func(*Config)) *testEnv {
	t.Helper()
	fg := &fakeGraph{threads: true}
	srv := httptest.NewServer(fg.handler())
	t.Cleanup(srv.Close)

	auth, err := authstore.New(t.TempDir(), nil)
	require.NoError(t, err)
	if token != "" {
		require.NoError(t, SaveCredentials(auth, testAccount, Credentials{UserID: testUser, PageID: testPage, AccessToken: token}))
	}

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.PollInterval = time.Hour
	cfg.RateLimit = 100
	if configure != nil {
		configure(&cfg)
	}
	cursors := ingest.NewMemoryCursors()
	a := New(cfg, auth, cursors, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = a.Shutdown(context.Background(), testAccount) })
	return &testEnv{adapter: a, graph: fg, cursors: cursors, events: make(chan channels.Event, 32)}
}

func (env *testEnv) emit(ev channels.Event) { env.events <- ev }

func (env *testEnv) next(t *testing.T) channels.Event {
	t.Helper()
	select {
	case ev := <-env.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return nil
	}
}

func (env *testEnv) connect(t *testing.T) {
	t.Helper()
	_, err := env.adapter.Connect(context.Background(), testAccount, env.emit)
	require.NoError(t, err)
	ready, ok := env.next(t).(channels.ReadyEvent)
	require.True(t, ok, "expected ready")
	assert.Equal(t, testUser, ready.SelfID)
	assert.Equal(t, "acme.store", ready.DisplayName)
}

func TestConnectPollsThreads(t *testing.T) {
	env := newTestEnv(t, "good-token", nil)
	env.connect(t)

	first, ok := env.next(t).(channels.MessageEvent)
	require.True(t, ok)
	assert.Equal(t, "m_1", first.Message.NativeID)
	assert.Equal(t, "hello", first.Message.Body)
	assert.Equal(t, testThread, first.Message.ThreadID)
	assert.Equal(t, "maria", first.Message.FromName)
	assert.True(t, first.Message.History, "first scan of a thread is history")

	second := env.next(t).(channels.MessageEvent)
	assert.Equal(t, "m_2", second.Message.NativeID)
	assert.Equal(t, channels.MessageImage, second.Message.Kind)
	assert.Equal(t, "https://cdn.example/p.jpg", second.Message.MediaRef)

	// m_3 is self-sent: not emitted, but the cursor moves past it.
	require.Eventually(t, func() bool {
		cur, err := env.cursors.Cursor(context.Background(), channels.ChannelID(channels.KindInstagram, testAccount), testThread)
		return err == nil && cur.NativeID == "m_3"
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case ev := <-env.events:
		t.Fatalf("unexpected event %T", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectUnauthorized(t *testing.T) {
	env := newTestEnv(t, "revoked-token", nil)
	_, err := env.adapter.Connect(context.Background(), testAccount, env.emit)
	require.NoError(t, err)

	closed, ok := env.next(t).(channels.ClosedEvent)
	require.True(t, ok)
	assert.Equal(t, channels.ReasonUnauthorized, closed.Reason)
	assert.ErrorIs(t, closed.Err, channels.ErrTerminalAuth)
	assert.False(t, env.adapter.Ready(testAccount))
}

func TestConnectWithoutCredentials(t *testing.T) {
	env := newTestEnv(t, "", nil)
	_, err := env.adapter.Connect(context.Background(), testAccount, env.emit)
	assert.ErrorIs(t, err, channels.ErrTerminalAuth)
}

func TestSend(t *testing.T) {
	env := newTestEnv(t, "good-token", nil)
	env.graph.threads = false

	_, err := env.adapter.SendText(context.Background(), testAccount, "901", "hi")
	assert.ErrorIs(t, err, channels.ErrProviderUnavailable)

	env.connect(t)

	ack, err := env.adapter.SendText(context.Background(), testAccount, "901", "hi")
	require.NoError(t, err)
	assert.Equal(t, channels.KindInstagram, ack.Provider)
	assert.Equal(t, "mid.out", ack.MessageID)

	_, err = env.adapter.SendText(context.Background(), testAccount, "maria", "hi")
	assert.ErrorIs(t, err, channels.ErrInvalidDestination)

	_, err = env.adapter.SendMedia(context.Background(), testAccount, "901", channels.Media{Data: []byte("%PDF"), MimeType: "application/pdf"})
	assert.ErrorIs(t, err, channels.ErrMediaNotSupported)

	_, err = env.adapter.SendMedia(context.Background(), testAccount, "901", channels.Media{Data: []byte{0xff, 0xd8}, MimeType: "image/jpeg", Caption: "look"})
	require.NoError(t, err)

	env.graph.mu.Lock()
	assert.Equal(t, 1, env.graph.uploads)
	require.Len(t, env.graph.sent, 3, "text, attachment, caption")
	assert.Contains(t, env.graph.sent[1]["message"], `"type":"image"`)
	assert.Equal(t, map[string]any{"text": "look"}, env.graph.sent[2]["message"])
	env.graph.sendCode = http.StatusBadRequest
	env.graph.mu.Unlock()

	_, err = env.adapter.SendText(context.Background(), testAccount, "901", "again")
	assert.ErrorIs(t, err, channels.ErrProviderUnavailable, "throttled by the platform")
}

func TestRealtimeTakesOverPolling(t *testing.T) {
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-token" || r.URL.Query().Get("account") != testUser {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteJSON(map[string]any{"type": "typing"})
		_ = c.WriteJSON(map[string]any{
			"type":      "message",
			"thread_id": "t_200",
			"message": map[string]any{
				"id":           "m_9",
				"created_time": "2024-05-01T11:00:00+0000",
				"from":         map[string]string{"id": "902", "username": "joao"},
				"message":      "pushed",
			},
		})
		<-release
	}))
	t.Cleanup(ws.Close)

	env := newTestEnv(t, "good-token", func(c *Config) {
		c.Realtime.URL = "ws" + strings.TrimPrefix(ws.URL, "http")
		c.Realtime.RetryDelay = time.Hour
	})
	env.graph.threads = false
	env.connect(t)

	state, ok := env.next(t).(channels.PushStateEvent)
	require.True(t, ok, "expected push state")
	assert.True(t, state.Active)

	msg, ok := env.next(t).(channels.MessageEvent)
	require.True(t, ok)
	assert.Equal(t, "pushed", msg.Message.Body)
	assert.Equal(t, "t_200", msg.Message.ThreadID)
	assert.False(t, msg.Message.History)

	cur, err := env.cursors.Cursor(context.Background(), channels.ChannelID(channels.KindInstagram, testAccount), "t_200")
	require.NoError(t, err)
	assert.Equal(t, "m_9", cur.NativeID)
	assert.True(t, env.adapter.PushActive(testAccount))
	assert.True(t, env.adapter.live(testAccount).poller.Paused())

	close(release)

	down, ok := env.next(t).(channels.PushStateEvent)
	require.True(t, ok)
	assert.False(t, down.Active)
	assert.Error(t, down.Err)
	assert.False(t, env.adapter.PushActive(testAccount))
	assert.False(t, env.adapter.live(testAccount).poller.Paused(), "polling resumes")
}

func TestInbound(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind channels.MessageKind
		body string
		ref  string
	}{
		{"text", `{"id":"1","message":"oi"}`, channels.MessageText, "oi", ""},
		{"video", `{"id":"2","attachments":{"data":[{"video_data":{"url":"v.mp4"}}]}}`, channels.MessageVideo, "", "v.mp4"},
		{"file", `{"id":"3","attachments":{"data":[{"name":"a.pdf","file_url":"f"}]}}`, channels.MessageDocument, "[document: a.pdf]", "f"},
		{"share", `{"id":"4","attachments":{"data":[{"mime_type":"x"}]}}`, channels.MessageUnsupported, "[attachment]", ""},
		{"empty", `{"id":"5"}`, channels.MessageUnsupported, "[unsupported message type]", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m graphMessage
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &m))
			in := m.inbound("t", testUser)
			assert.Equal(t, tt.kind, in.Kind)
			assert.Equal(t, tt.body, in.Body)
			assert.Equal(t, tt.ref, in.MediaRef)
		})
	}

	ts := parseCreatedTime("2024-05-01T10:00:00+0000")
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), ts)
}
