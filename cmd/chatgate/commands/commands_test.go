package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
	"github.com/jholhewres/chatgate/pkg/chatgate/config"
	"github.com/jholhewres/chatgate/pkg/chatgate/database"
	"github.com/jholhewres/chatgate/pkg/chatgate/session"
)

// fakeServer answers the API routes used by the CLI.
func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{"sessions": []session.Info{{
			Kind: channels.KindWhatsmeow, Account: "5511999990000", State: session.StateConnected,
			UpdatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		}}})
	})
	mux.HandleFunc("POST /api/sessions/whatsmeow/5511999990000/start", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "pairing",
			"pairing": session.Pairing{Format: session.FormatRaw, Raw: "2@abc"},
		})
	})
	mux.HandleFunc("POST /api/queue/deadletter/{id}/replay", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"message":"job not found","code":404}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	root := NewRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSessionsList(t *testing.T) {
	srv := fakeServer(t)
	out, err := run(t, "sessions", "list", "--server", srv.URL, "--token", "secret")
	require.NoError(t, err)
	assert.Contains(t, out, "5511999990000")
	assert.Contains(t, out, "connected")
}

func TestSessionsStartPairing(t *testing.T) {
	srv := fakeServer(t)
	out, err := run(t, "sessions", "start", "whatsmeow", "5511999990000", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "waiting for pairing")
	assert.Contains(t, out, "pairing code: 2@abc")
}

func TestDeadLetterReplayNotFound(t *testing.T) {
	srv := fakeServer(t)
	_, err := run(t, "deadletter", "replay", "job-1", "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found (HTTP 404)")
}

func TestCredsSetWithFlags(t *testing.T) {
	out, err := run(t, "creds", "set", "discord", "Support-Bot", "--token", "bot-token")
	require.NoError(t, err)
	assert.Contains(t, out, "stored discord credentials for support-bot")

	_, err = os.Stat(filepath.Join("data", "credentials", "discord", "support-bot"))
	assert.NoError(t, err)
}

func TestCredsSetRejectsWhatsmeow(t *testing.T) {
	_, err := run(t, "creds", "set", "whatsmeow", "5511999990000", "--token", "x")
	assert.ErrorContains(t, err, "QR code")
}

func TestApplySetup(t *testing.T) {
	cfg := config.DefaultConfig()
	applySetup(cfg, []string{"cloudapi", "discord"}, "+5511999990000, ,5511888880000", "postgresql", true)

	assert.False(t, cfg.Channels.WhatsApp.Enabled)
	assert.True(t, cfg.Channels.CloudAPI.Enabled)
	assert.False(t, cfg.Channels.Instagram.Enabled)
	assert.True(t, cfg.Channels.Discord.Enabled)
	assert.Equal(t, []string{"5511999990000", "5511888880000"}, cfg.Channels.WhatsApp.Accounts)
	assert.Equal(t, database.BackendPostgreSQL, cfg.Database.Backend)
	assert.True(t, cfg.Vault.Enabled)
}

func TestEnabled(t *testing.T) {
	on := config.Provider{Enabled: true}
	off := config.Provider{}

	assert.True(t, enabled(channels.KindWhatsmeow, on, nil))
	assert.False(t, enabled(channels.KindDiscord, off, nil))
	assert.True(t, enabled(channels.KindDiscord, off, []string{"discord"}), "the flag overrides the file")
	assert.False(t, enabled(channels.KindWhatsmeow, on, []string{"discord"}))
}

func TestOriginChecker(t *testing.T) {
	assert.Nil(t, originChecker(nil))
	assert.Nil(t, originChecker([]string{"*"}))

	check := originChecker([]string{"https://ops.example.com"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://ops.example.com")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))
}
