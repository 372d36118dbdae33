// Package discord implements the Discord channel using discordgo.
//
// Accounts are bot tokens stored in the auth store. Inbound messages are
// pushed over the gateway websocket; reconnection is left to the session
// manager, so discordgo's own reconnect loop is disabled.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"

	"github.com/jholhewres/chatgate/pkg/chatgate/authstore"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
	"github.com/jholhewres/chatgate/pkg/chatgate/media"
)

// maxMessageLen is the Discord content limit per message.
const maxMessageLen = 2000

// Config holds Discord channel configuration.
type Config struct {
	// AllowedGuilds restricts which guild (server) IDs are ingested.
	// Empty means all guilds.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channel IDs are ingested.
	// Empty means all channels.
	AllowedChannels []string `yaml:"allowed_channels"`

	// IgnoreBots drops messages authored by other bots.
	IgnoreBots bool `yaml:"ignore_bots"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{IgnoreBots: true}
}

// Credentials is the auth blob of one bot account.
type Credentials struct {
	Token string `json:"token"`
}

// SaveCredentials stores the bot token of account in auth.
func SaveCredentials(auth *authstore.Store, account string, creds Credentials) error {
	if strings.TrimSpace(creds.Token) == "" {
		return errors.New("discord: bot token is required")
	}
	return auth.Save(account, creds)
}

// Adapter is the Discord channel adapter.
type Adapter struct {
	cfg    Config
	auth   *authstore.Store
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

var _ channels.Adapter = (*Adapter)(nil)

// New creates the adapter.
func New(cfg Config, auth *authstore.Store, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		auth:   auth,
		logger: logger.With("component", "discord"),
		conns:  make(map[string]*conn),
	}
}

// Kind implements channels.Adapter.
func (a *Adapter) Kind() channels.ProviderKind { return channels.KindDiscord }

// conn is one gateway session.
type conn struct {
	adapter *Adapter
	account string
	session *discordgo.Session
	emit    channels.Emitter
	logger  *slog.Logger

	selfMu sync.RWMutex
	selfID string

	ready  atomic.Bool
	closed atomic.Bool
}

// Connect opens the gateway in the background. The outcome is reported as
// ReadyEvent or ClosedEvent.
func (a *Adapter) Connect(_ context.Context, account string, emit channels.Emitter) (channels.Handle, error) {
	key := channels.NormalizeAccountKey(account)
	if key == "" {
		return nil, fmt.Errorf("discord: %w: empty account", channels.ErrUnknownAccount)
	}

	var creds Credentials
	if err := a.auth.Load(key, &creds); err != nil {
		if errors.Is(err, authstore.ErrNotFound) {
			return nil, fmt.Errorf("discord: %w: no token stored for %s", channels.ErrTerminalAuth, key)
		}
		return nil, fmt.Errorf("discord: loading credentials: %w", err)
	}
	if creds.Token == "" {
		return nil, fmt.Errorf("discord: %w: empty token", channels.ErrCorruptAuthState)
	}

	session, err := discordgo.New("Bot " + creds.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: creating session: %w", err)
	}
	session.ShouldReconnectOnError = false
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	c := a.attach(key, session, emit)
	session.AddHandler(c.onReady)
	session.AddHandler(c.onMessageCreate)
	session.AddHandler(c.onDisconnect)

	go func() {
		if err := session.Open(); err != nil {
			c.fail(closeReason(err), err)
		}
	}()

	return channels.HandleFunc(func(context.Context) error {
		a.remove(c)
		return nil
	}), nil
}

func (a *Adapter) attach(key string, session *discordgo.Session, emit channels.Emitter) *conn {
	c := &conn{
		adapter: a,
		account: key,
		session: session,
		emit:    emit,
		logger:  a.logger.With("account", key),
	}
	a.mu.Lock()
	old := a.conns[key]
	a.conns[key] = c
	a.mu.Unlock()
	if old != nil {
		old.stop()
	}
	return c
}

func (a *Adapter) remove(c *conn) {
	a.unlink(c)
	c.stop()
}

func (a *Adapter) unlink(c *conn) {
	a.mu.Lock()
	if a.conns[c.account] == c {
		delete(a.conns, c.account)
	}
	a.mu.Unlock()
}

func (a *Adapter) live(account string) *conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.conns[channels.NormalizeAccountKey(account)]
	if c == nil || !c.ready.Load() || c.closed.Load() {
		return nil
	}
	return c
}

// stop closes the gateway without reporting.
func (c *conn) stop() {
	if c.closed.Swap(true) {
		return
	}
	c.closeGateway()
}

func (c *conn) closeGateway() {
	c.ready.Store(false)
	go func() {
		if err := c.session.Close(); err != nil {
			c.logger.Debug("discord: closing gateway", "error", err)
		}
	}()
}

// fail closes c once and reports reason.
func (c *conn) fail(reason channels.CloseReason, err error) {
	if c.closed.Swap(true) {
		return
	}
	c.adapter.unlink(c)
	c.closeGateway()
	if reason == channels.ReasonUnauthorized {
		err = fmt.Errorf("%w: %v", channels.ErrTerminalAuth, err)
	}
	c.logger.Warn("discord: connection closed", "reason", reason, "error", err)
	c.emit(channels.ClosedEvent{Reason: reason, Err: err})
}

func (c *conn) self() string {
	c.selfMu.RLock()
	defer c.selfMu.RUnlock()
	return c.selfID
}

func (c *conn) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if c.closed.Load() || r.User == nil {
		return
	}
	c.selfMu.Lock()
	c.selfID = r.User.ID
	c.selfMu.Unlock()
	c.ready.Store(true)

	c.logger.Info("discord: connected", "bot", r.User.Username, "id", r.User.ID, "guilds", len(r.Guilds))
	c.emit(channels.ReadyEvent{SelfID: r.User.ID, DisplayName: r.User.Username})
}

func (c *conn) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	c.fail(channels.ReasonConnectionLost, fmt.Errorf("discord: %w: gateway disconnected", channels.ErrNetwork))
}

func (c *conn) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if c.closed.Load() || m.Message == nil || m.Author == nil {
		return
	}
	cfg := c.adapter.cfg
	if cfg.IgnoreBots && m.Author.Bot && m.Author.ID != c.self() {
		return
	}
	if len(cfg.AllowedGuilds) > 0 && m.GuildID != "" && !slices.Contains(cfg.AllowedGuilds, m.GuildID) {
		return
	}
	if len(cfg.AllowedChannels) > 0 && !slices.Contains(cfg.AllowedChannels, m.ChannelID) {
		return
	}
	c.emit(channels.MessageEvent{Message: toInbound(m.Message), SelfID: c.self()})
}

// toInbound maps a gateway message onto the channel fields.
func toInbound(m *discordgo.Message) channels.InboundMessage {
	msg := channels.InboundMessage{
		ThreadID: m.ChannelID,
		FromID:   m.Author.ID,
		FromName: m.Author.Username,
		IsGroup:  m.GuildID != "",
		Body:     m.Content,
		Kind:     channels.MessageText,
		NativeID: m.ID,
		SentAt:   m.Timestamp.UTC(),
	}
	if m.Author.GlobalName != "" {
		msg.FromName = m.Author.GlobalName
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}

	if len(m.Attachments) > 0 {
		att := m.Attachments[0]
		msg.MediaRef = att.URL
		switch media.Categorize(att.ContentType) {
		case media.CategoryImage:
			msg.Kind = channels.MessageImage
		case media.CategoryVideo:
			msg.Kind = channels.MessageVideo
		case media.CategoryAudio:
			msg.Kind = channels.MessageUnsupported
			if msg.Body == "" {
				msg.Body = "[audio]"
			}
		default:
			msg.Kind = channels.MessageDocument
			if msg.Body == "" {
				msg.Body = fmt.Sprintf("[document: %s]", att.Filename)
			}
		}
		return msg
	}

	if msg.Body == "" {
		msg.Kind = channels.MessageUnsupported
		switch {
		case len(m.StickerItems) > 0:
			msg.Body = "[sticker]"
		case len(m.Embeds) > 0:
			msg.Body = "[embed]"
		default:
			msg.Body = "[unsupported message type]"
		}
	}
	return msg
}

// closeReason maps a gateway failure onto a close reason.
func closeReason(err error) channels.CloseReason {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case 4004:
			return channels.ReasonUnauthorized
		case 4008:
			return channels.ReasonRateLimited
		case 4007, 4009:
			return channels.ReasonStreamError
		}
		return channels.ReasonConnectionLost
	}
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) && rerr.Response != nil && rerr.Response.StatusCode == http.StatusUnauthorized {
		return channels.ReasonUnauthorized
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return channels.ReasonTimeout
	}
	return channels.ReasonConnectionLost
}

// Ready implements channels.Adapter.
func (a *Adapter) Ready(account string) bool { return a.live(account) != nil }

// SendText sends text to a channel id, split into 2000-character chunks.
// The ack carries the id of the last chunk.
func (a *Adapter) SendText(ctx context.Context, account, destination, text string) (channels.Ack, error) {
	c, err := a.sender(account, destination)
	if err != nil {
		return channels.Ack{}, err
	}

	var last *discordgo.Message
	for i, chunk := range splitMessage(text, maxMessageLen) {
		m, err := c.session.ChannelMessageSendComplex(destination, &discordgo.MessageSend{Content: chunk}, discordgo.WithContext(ctx))
		if err != nil {
			if i > 0 {
				// Part of the text is out: never report it as unsent.
				return channels.Ack{}, fmt.Errorf("discord: send chunk %d: %w", i, err)
			}
			return channels.Ack{}, c.sendError(err)
		}
		last = m
	}
	return ack(last), nil
}

// SendMedia uploads the payload as an attachment.
func (a *Adapter) SendMedia(ctx context.Context, account, destination string, m channels.Media) (channels.Ack, error) {
	c, err := a.sender(account, destination)
	if err != nil {
		return channels.Ack{}, err
	}
	filename := m.Filename
	if filename == "" {
		filename = "file"
	}
	send := &discordgo.MessageSend{
		Content: m.Caption,
		Files:   []*discordgo.File{{Name: filename, ContentType: m.MimeType, Reader: bytes.NewReader(m.Data)}},
	}
	msg, err := c.session.ChannelMessageSendComplex(destination, send, discordgo.WithContext(ctx))
	if err != nil {
		return channels.Ack{}, c.sendError(err)
	}
	return ack(msg), nil
}

func (a *Adapter) sender(account, destination string) (*conn, error) {
	c := a.live(account)
	if c == nil {
		return nil, fmt.Errorf("discord: %w: %s not connected", channels.ErrProviderUnavailable, account)
	}
	if !snowflake(destination) {
		return nil, fmt.Errorf("discord: %w: %q", channels.ErrInvalidDestination, destination)
	}
	return c, nil
}

// sendError classifies a failed first send. Token rejection and rate
// limiting mean nothing was posted.
func (c *conn) sendError(err error) error {
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) && rerr.Response != nil {
		switch rerr.Response.StatusCode {
		case http.StatusUnauthorized:
			go c.fail(channels.ReasonUnauthorized, err)
			return fmt.Errorf("discord: %w: %w", channels.ErrProviderUnavailable, err)
		case http.StatusTooManyRequests:
			return fmt.Errorf("discord: %w: %w", channels.ErrProviderUnavailable, err)
		case http.StatusNotFound:
			return fmt.Errorf("discord: %w: %w", channels.ErrInvalidDestination, err)
		}
	}
	return fmt.Errorf("discord: send: %w", err)
}

func ack(m *discordgo.Message) channels.Ack {
	a := channels.Ack{Provider: channels.KindDiscord, SentAt: time.Now().UTC()}
	if m != nil {
		a.MessageID = m.ID
		if !m.Timestamp.IsZero() {
			a.SentAt = m.Timestamp.UTC()
		}
	}
	return a
}

// Shutdown implements channels.Adapter.
func (a *Adapter) Shutdown(_ context.Context, account string) error {
	a.mu.Lock()
	c := a.conns[channels.NormalizeAccountKey(account)]
	a.mu.Unlock()
	if c != nil {
		a.remove(c)
	}
	return nil
}

// ClearAuth removes the stored token of account.
func (a *Adapter) ClearAuth(ctx context.Context, account string) error {
	_ = a.Shutdown(ctx, account)
	if err := a.auth.Wipe(account); err != nil {
		return fmt.Errorf("discord: clearing auth: %w", err)
	}
	return nil
}

// ListActive implements channels.Adapter.
func (a *Adapter) ListActive() iter.Seq[string] {
	return func(yield func(string) bool) {
		a.mu.Lock()
		keys := make([]string, 0, len(a.conns))
		for k, c := range a.conns {
			if c.ready.Load() {
				keys = append(keys, k)
			}
		}
		a.mu.Unlock()
		slices.Sort(keys)
		for _, k := range keys {
			if !yield(k) {
				return
			}
		}
	}
}

func snowflake(id string) bool {
	if len(id) < 15 {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// splitMessage splits text into chunks of at most maxLen bytes, preferring
// newline boundaries.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}
