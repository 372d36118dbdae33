package discord

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/chatgate/pkg/chatgate/authstore"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
)

const (
	testAccount = "support-bot"
	botID       = "1100000000000000001"
	channelID   = "1200000000000000001"
)

type recorder struct {
	events []channels.Event
}

func (r *recorder) emit(ev channels.Event) { r.events = append(r.events, ev) }

func newTestAdapter(t *testing.T, cfg Config) *Adapter {
	t.Helper()
	auth, err := authstore.New(t.TempDir(), nil)
	require.NoError(t, err)
	return New(cfg, auth, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// attachOffline registers a conn whose session is never opened.
func attachOffline(t *testing.T, a *Adapter, rec *recorder) *conn {
	t.Helper()
	s, err := discordgo.New("Bot test-token")
	require.NoError(t, err)
	c := a.attach(testAccount, s, rec.emit)
	c.onReady(s, &discordgo.Ready{User: &discordgo.User{ID: botID, Username: "support"}})
	return c
}

func message(content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "1300000000000000001",
		ChannelID: channelID,
		GuildID:   "1400000000000000001",
		Content:   content,
		Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Author:    &discordgo.User{ID: "1500000000000000001", Username: "maria"},
	}}
}

func TestReadyAndMessages(t *testing.T) {
	a := newTestAdapter(t, DefaultConfig())
	rec := &recorder{}
	c := attachOffline(t, a, rec)

	require.Len(t, rec.events, 1)
	ready := rec.events[0].(channels.ReadyEvent)
	assert.Equal(t, botID, ready.SelfID)
	assert.True(t, a.Ready(testAccount))

	c.onMessageCreate(c.session, message("hello"))
	require.Len(t, rec.events, 2)
	ev := rec.events[1].(channels.MessageEvent)
	assert.Equal(t, "hello", ev.Message.Body)
	assert.Equal(t, channelID, ev.Message.ThreadID)
	assert.True(t, ev.Message.IsGroup)
	assert.False(t, ev.IsSelf())

	own := message("from the bot")
	own.Author = &discordgo.User{ID: botID, Bot: true}
	c.onMessageCreate(c.session, own)
	require.Len(t, rec.events, 3)
	assert.True(t, rec.events[2].(channels.MessageEvent).IsSelf())

	other := message("beep")
	other.Author = &discordgo.User{ID: "1600000000000000001", Bot: true}
	c.onMessageCreate(c.session, other)
	assert.Len(t, rec.events, 3, "other bots are ignored")
}

func TestMessageFilters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedChannels = []string{"1999999999999999999"}
	a := newTestAdapter(t, cfg)
	rec := &recorder{}
	c := attachOffline(t, a, rec)

	c.onMessageCreate(c.session, message("hello"))
	assert.Len(t, rec.events, 1, "only the ready event")
}

func TestDisconnectFailsOnce(t *testing.T) {
	a := newTestAdapter(t, DefaultConfig())
	rec := &recorder{}
	c := attachOffline(t, a, rec)

	c.onDisconnect(c.session, &discordgo.Disconnect{})
	c.onDisconnect(c.session, &discordgo.Disconnect{})
	require.Len(t, rec.events, 2)
	closed := rec.events[1].(channels.ClosedEvent)
	assert.Equal(t, channels.ReasonConnectionLost, closed.Reason)
	assert.ErrorIs(t, closed.Err, channels.ErrNetwork)
	assert.False(t, a.Ready(testAccount))

	c.onMessageCreate(c.session, message("late"))
	assert.Len(t, rec.events, 2)
}

func TestShutdownIsSilent(t *testing.T) {
	a := newTestAdapter(t, DefaultConfig())
	rec := &recorder{}
	c := attachOffline(t, a, rec)

	require.NoError(t, a.Shutdown(context.Background(), testAccount))
	c.onDisconnect(c.session, &discordgo.Disconnect{})
	assert.Len(t, rec.events, 1)
	assert.Empty(t, slices.Collect(a.ListActive()))
}

func TestToInbound(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*discordgo.Message)
		kind  channels.MessageKind
		body  string
		media string
	}{
		{"text", func(*discordgo.Message) {}, channels.MessageText, "hi", ""},
		{"image", func(m *discordgo.Message) {
			m.Content = ""
			m.Attachments = []*discordgo.MessageAttachment{{URL: "https://cdn/x.png", ContentType: "image/png"}}
		}, channels.MessageImage, "", "https://cdn/x.png"},
		{"pdf", func(m *discordgo.Message) {
			m.Content = ""
			m.Attachments = []*discordgo.MessageAttachment{{URL: "u", Filename: "a.pdf", ContentType: "application/pdf"}}
		}, channels.MessageDocument, "[document: a.pdf]", "u"},
		{"sticker", func(m *discordgo.Message) {
			m.Content = ""
			m.StickerItems = []*discordgo.StickerItem{{ID: "1"}}
		}, channels.MessageUnsupported, "[sticker]", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := message("hi").Message
			tt.edit(m)
			in := toInbound(m)
			assert.Equal(t, tt.kind, in.Kind)
			assert.Equal(t, tt.body, in.Body)
			assert.Equal(t, tt.media, in.MediaRef)
		})
	}
}

func TestCloseReason(t *testing.T) {
	assert.Equal(t, channels.ReasonUnauthorized, closeReason(&websocket.CloseError{Code: 4004}))
	assert.Equal(t, channels.ReasonRateLimited, closeReason(&websocket.CloseError{Code: 4008}))
	assert.Equal(t, channels.ReasonConnectionLost, closeReason(&websocket.CloseError{Code: 1006}))
	assert.Equal(t, channels.ReasonUnauthorized, closeReason(&discordgo.RESTError{Response: &http.Response{StatusCode: 401}}))
	assert.Equal(t, channels.ReasonConnectionLost, closeReason(errors.New("dial tcp: refused")))
}

func TestSendErrors(t *testing.T) {
	a := newTestAdapter(t, DefaultConfig())

	_, err := a.SendText(context.Background(), testAccount, channelID, "hi")
	assert.ErrorIs(t, err, channels.ErrProviderUnavailable)

	attachOffline(t, a, &recorder{})
	_, err = a.SendText(context.Background(), testAccount, "general", "hi")
	assert.ErrorIs(t, err, channels.ErrInvalidDestination)

	c := a.live(testAccount)
	require.NotNil(t, c)
	err = c.sendError(&discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}})
	assert.ErrorIs(t, err, channels.ErrProviderUnavailable)
	err = c.sendError(&discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusInternalServerError}})
	assert.NotErrorIs(t, err, channels.ErrProviderUnavailable)
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))

	text := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	chunks := splitMessage(text, 10)
	assert.Equal(t, []string{strings.Repeat("a", 8) + "\n", strings.Repeat("b", 8)}, chunks)
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestConnectWithoutToken(t *testing.T) {
	a := newTestAdapter(t, DefaultConfig())
	_, err := a.Connect(context.Background(), testAccount, (&recorder{}).emit)
	assert.ErrorIs(t, err, channels.ErrTerminalAuth)

	assert.Error(t, SaveCredentials(a.auth, testAccount, Credentials{Token: " "}))
}
