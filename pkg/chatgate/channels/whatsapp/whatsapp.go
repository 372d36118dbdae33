// Package whatsapp implements the WhatsApp multi-device channel using
// whatsmeow (go.mau.fi/whatsmeow).
//
// Every account owns a whatsmeow device store (SQLite) inside its
// credential directory. New devices pair by scanning a QR code; paired
// devices reconnect with the stored keys. whatsmeow's own reconnect loop is
// disabled: every close is reported to the session layer, which owns the
// retry policy.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/chatgate/pkg/chatgate/authstore"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
	"github.com/jholhewres/chatgate/pkg/chatgate/media"

	// SQLite driver for the whatsmeow device store.
	_ "github.com/mattn/go-sqlite3"
)

const deviceFile = "device.db"

// Config holds the adapter configuration.
type Config struct {
	// SyncHistory delivers the history sync backlog sent after pairing.
	SyncHistory bool `yaml:"sync_history"`

	// Health configures the per-connection health monitor.
	Health HealthConfig `yaml:"health"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		SyncHistory: true,
		Health:      DefaultHealthConfig(),
	}
}

// authMeta is the metadata blob kept next to the device store.
type authMeta struct {
	JID      string    `json:"jid"`
	PushName string    `json:"push_name,omitempty"`
	Platform string    `json:"platform,omitempty"`
	PairedAt time.Time `json:"paired_at"`
}

// Adapter is the whatsmeow channel adapter. It serves every account.
type Adapter struct {
	cfg    Config
	auth   *authstore.Store
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

var _ channels.Adapter = (*Adapter)(nil)

// New creates the adapter. auth is the whatsmeow credential root.
func New(cfg Config, auth *authstore.Store, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		auth:   auth,
		logger: logger.With("component", "whatsapp"),
		conns:  make(map[string]*conn),
	}
}

// Kind implements channels.Adapter.
func (a *Adapter) Kind() channels.ProviderKind { return channels.KindWhatsmeow }

// Connect opens the device store of account and starts connecting. A device
// without an identity pairs through QR codes delivered as QREvents.
func (a *Adapter) Connect(ctx context.Context, account string, emit channels.Emitter) (channels.Handle, error) {
	key := channels.NormalizeAccountKey(account)
	if key == "" {
		return nil, fmt.Errorf("whatsapp: %w: empty account", channels.ErrUnknownAccount)
	}

	// A newer attempt always replaces the previous connection.
	if old := a.take(key, nil); old != nil {
		old.teardown()
	}

	dir := a.auth.Dir(key)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("whatsapp: creating credential dir: %w", err)
	}

	dsn := "file:" + filepath.Join(dir, deviceFile) + "?_foreign_keys=on&_journal_mode=WAL"
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: opening device store: %w: %v", channels.ErrCorruptAuthState, err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("whatsapp: loading device: %w: %v", channels.ErrCorruptAuthState, err)
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.EnableAutoReconnect = false

	c := a.attach(key, client, container, emit)

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(c.ctx)
		if err != nil {
			a.take(key, c)
			c.teardown()
			return nil, fmt.Errorf("whatsapp: getting QR channel: %w", err)
		}
		go c.watchQR(qrChan)
		c.logger.Info("whatsapp: no paired device, waiting for QR scan")
	}

	if err := client.Connect(); err != nil {
		a.take(key, c)
		c.teardown()
		return nil, fmt.Errorf("whatsapp: connecting: %w: %v", channels.ErrNetwork, err)
	}

	go c.monitor(a.cfg.Health)

	return channels.HandleFunc(func(context.Context) error {
		if a.take(key, c) != nil {
			c.teardown()
		}
		return nil
	}), nil
}

// attach registers a connection for key around an existing client.
func (a *Adapter) attach(key string, client *whatsmeow.Client, container *sqlstore.Container, emit channels.Emitter) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		adapter:   a,
		account:   key,
		client:    client,
		container: container,
		emit:      emit,
		logger:    a.logger.With("account", key),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.touch()
	client.AddEventHandler(c.handleEvent)

	a.mu.Lock()
	a.conns[key] = c
	a.mu.Unlock()
	return c
}

// take removes the connection of key from the adapter. When want is not nil
// only that exact connection is removed. It returns the removed connection.
func (a *Adapter) take(key string, want *conn) *conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conns[key]
	if !ok || (want != nil && c != want) {
		return nil
	}
	delete(a.conns, key)
	return c
}

func (a *Adapter) get(account string) *conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns[channels.NormalizeAccountKey(account)]
}

// live returns the connection of account when it can send.
func (a *Adapter) live(account string) *conn {
	c := a.get(account)
	if c == nil || !c.usable() {
		return nil
	}
	return c
}

// Ready implements channels.Adapter.
func (a *Adapter) Ready(account string) bool {
	return a.live(account) != nil
}

// SendText implements channels.Adapter.
func (a *Adapter) SendText(ctx context.Context, account, destination, text string) (channels.Ack, error) {
	c := a.live(account)
	if c == nil {
		return channels.Ack{}, fmt.Errorf("whatsapp: %w: %s not connected", channels.ErrProviderUnavailable, account)
	}
	jid, err := parseJID(destination)
	if err != nil {
		return channels.Ack{}, fmt.Errorf("whatsapp: %w: %v", channels.ErrInvalidDestination, err)
	}
	return c.send(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
}

// SendMedia uploads the payload and sends it as an image, video, audio or
// document message depending on its MIME type.
func (a *Adapter) SendMedia(ctx context.Context, account, destination string, m channels.Media) (channels.Ack, error) {
	c := a.live(account)
	if c == nil {
		return channels.Ack{}, fmt.Errorf("whatsapp: %w: %s not connected", channels.ErrProviderUnavailable, account)
	}
	jid, err := parseJID(destination)
	if err != nil {
		return channels.Ack{}, fmt.Errorf("whatsapp: %w: %v", channels.ErrInvalidDestination, err)
	}

	category := media.Categorize(m.MimeType)
	mediaType, ok := uploadType(category)
	if !ok {
		return channels.Ack{}, fmt.Errorf("whatsapp: %w: %s", channels.ErrMediaNotSupported, m.MimeType)
	}

	uploaded, err := c.client.Upload(ctx, m.Data, mediaType)
	if err != nil {
		if errors.Is(err, whatsmeow.ErrNotConnected) {
			return channels.Ack{}, fmt.Errorf("whatsapp: upload: %w: %v", channels.ErrProviderUnavailable, err)
		}
		return channels.Ack{}, fmt.Errorf("whatsapp: upload: %w", err)
	}
	return c.send(ctx, jid, buildMediaMessage(category, uploaded, m))
}

// Shutdown implements channels.Adapter.
func (a *Adapter) Shutdown(_ context.Context, account string) error {
	if c := a.take(channels.NormalizeAccountKey(account), nil); c != nil {
		c.teardown()
	}
	return nil
}

// ClearAuth logs the device out when it is still logged in, closes the
// connection and wipes the account directory including the device store.
func (a *Adapter) ClearAuth(ctx context.Context, account string) error {
	key := channels.NormalizeAccountKey(account)
	if c := a.take(key, nil); c != nil {
		c.closed.Store(true)
		if c.client.IsLoggedIn() {
			if err := c.client.Logout(ctx); err != nil {
				c.logger.Warn("whatsapp: logout failed, wiping anyway", "error", err)
			}
		}
		c.teardown()
	}
	if err := a.auth.Wipe(key); err != nil {
		return fmt.Errorf("whatsapp: clearing auth: %w", err)
	}
	a.logger.Info("whatsapp: auth cleared", "account", key)
	return nil
}

// ListActive yields the accounts whose connection is ready, sorted.
func (a *Adapter) ListActive() iter.Seq[string] {
	return func(yield func(string) bool) {
		a.mu.Lock()
		keys := make([]string, 0, len(a.conns))
		for k, c := range a.conns {
			if c.usable() {
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

// conn is one live whatsmeow client of an account.
type conn struct {
	adapter   *Adapter
	account   string
	client    *whatsmeow.Client
	container *sqlstore.Container
	emit      channels.Emitter
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ready        atomic.Bool
	closed       atomic.Bool
	lastActivity atomic.Int64
	torn         sync.Once
}

func (c *conn) usable() bool {
	return c.ready.Load() && !c.closed.Load() && c.client.IsConnected() && c.client.IsLoggedIn()
}

func (c *conn) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

func (c *conn) silentFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

func (c *conn) send(ctx context.Context, to types.JID, msg *waE2E.Message) (channels.Ack, error) {
	resp, err := c.client.SendMessage(ctx, to, msg)
	if err != nil {
		if errors.Is(err, whatsmeow.ErrNotConnected) {
			return channels.Ack{}, fmt.Errorf("whatsapp: send: %w: %v", channels.ErrProviderUnavailable, err)
		}
		return channels.Ack{}, fmt.Errorf("whatsapp: send: %w", err)
	}
	c.touch()
	return channels.Ack{
		Provider:  channels.KindWhatsmeow,
		MessageID: string(resp.ID),
		SentAt:    resp.Timestamp,
	}, nil
}

// fail closes the connection once and reports reason to the session layer.
func (c *conn) fail(reason channels.CloseReason, err error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.ready.Store(false)
	c.adapter.take(c.account, c)
	// Event handlers run on whatsmeow's own goroutines; disconnecting from
	// one of them would block.
	go c.teardown()

	c.logger.Warn("whatsapp: connection closed", "reason", reason, "error", err)
	c.emit(channels.ClosedEvent{Reason: reason, Err: err})
}

// teardown disconnects the client and releases the device store.
func (c *conn) teardown() {
	c.torn.Do(func() {
		c.closed.Store(true)
		c.ready.Store(false)
		c.cancel()
		c.client.Disconnect()
		if c.container != nil {
			if err := c.container.Close(); err != nil {
				c.logger.Debug("whatsapp: closing device store failed", "error", err)
			}
		}
	})
}

func (c *conn) saveMeta() {
	if c.client.Store.ID == nil {
		return
	}
	meta := authMeta{
		JID:      c.client.Store.ID.String(),
		PushName: c.client.Store.PushName,
		Platform: c.client.Store.Platform,
		PairedAt: time.Now().UTC(),
	}
	var prev authMeta
	if err := c.adapter.auth.Load(c.account, &prev); err == nil && !prev.PairedAt.IsZero() && prev.JID == meta.JID {
		meta.PairedAt = prev.PairedAt
	}
	if err := c.adapter.auth.Save(c.account, meta); err != nil {
		c.logger.Warn("whatsapp: saving auth metadata failed", "error", err)
	}
}
