// Package cloudapi implements the WhatsApp Business Cloud API channel.
//
// Accounts authenticate with a long-lived access token bound to a phone
// number id; there is no pairing step. Outbound messages go through the
// Graph API over HTTPS, inbound messages arrive on the webhook served by
// Adapter.ServeHTTP.
package cloudapi

import (
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

	"golang.org/x/time/rate"

	"github.com/jholhewres/chatgate/pkg/chatgate/authstore"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels/graphapi"
	"github.com/jholhewres/chatgate/pkg/chatgate/media"
)

// Config holds the Cloud API adapter configuration.
type Config struct {
	// BaseURL is the Graph API root including the version.
	BaseURL string `yaml:"base_url"`

	// VerifyToken answers the webhook subscription handshake.
	VerifyToken string `yaml:"verify_token"`

	// AppSecret signs webhook payloads (X-Hub-Signature-256). Empty
	// disables signature checks.
	AppSecret string `yaml:"app_secret"`

	// RateLimit is the sustained send rate per account in messages per
	// second; Burst is the bucket size.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`

	// Timeout bounds every Graph API request.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:   graphapi.DefaultBaseURL,
		RateLimit: 20,
		Burst:     5,
		Timeout:   30 * time.Second,
	}
}

// Credentials is the auth blob of one Cloud API account.
type Credentials struct {
	PhoneNumberID     string `json:"phone_number_id"`
	AccessToken       string `json:"access_token"`
	BusinessAccountID string `json:"business_account_id,omitempty"`
}

// SaveCredentials stores the credentials of account in auth.
func SaveCredentials(auth *authstore.Store, account string, creds Credentials) error {
	if creds.PhoneNumberID == "" || creds.AccessToken == "" {
		return errors.New("cloudapi: phone number id and access token are required")
	}
	return auth.Save(account, creds)
}

// Adapter is the Cloud API channel adapter.
type Adapter struct {
	cfg    Config
	auth   *authstore.Store
	graph  *graphapi.Client
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

var (
	_ channels.Adapter = (*Adapter)(nil)
	_ http.Handler     = (*Adapter)(nil)
)

// New creates the adapter. auth is the Cloud API credential root.
func New(cfg Config, auth *authstore.Store, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Adapter{
		cfg:    cfg,
		auth:   auth,
		graph:  graphapi.New(cfg.BaseURL, cfg.Timeout),
		logger: logger.With("component", "cloudapi"),
		conns:  make(map[string]*conn),
	}
}

// Kind implements channels.Adapter.
func (a *Adapter) Kind() channels.ProviderKind { return channels.KindCloudAPI }

// conn is the connection state of one account.
type conn struct {
	account string
	creds   Credentials
	emit    channels.Emitter
	limiter *rate.Limiter
	logger  *slog.Logger

	selfID string
	ready  atomic.Bool
	closed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Connect loads the stored credentials and verifies the token in the
// background. The outcome is reported as ReadyEvent or ClosedEvent.
func (a *Adapter) Connect(_ context.Context, account string, emit channels.Emitter) (channels.Handle, error) {
	key := channels.NormalizeAccountKey(account)
	if key == "" {
		return nil, fmt.Errorf("cloudapi: %w: empty account", channels.ErrUnknownAccount)
	}

	var creds Credentials
	if err := a.auth.Load(key, &creds); err != nil {
		if errors.Is(err, authstore.ErrNotFound) {
			return nil, fmt.Errorf("cloudapi: %w: no credentials stored for %s", channels.ErrTerminalAuth, key)
		}
		return nil, fmt.Errorf("cloudapi: loading credentials: %w", err)
	}
	if creds.PhoneNumberID == "" || creds.AccessToken == "" {
		return nil, fmt.Errorf("cloudapi: %w: incomplete credentials", channels.ErrCorruptAuthState)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		account: key,
		creds:   creds,
		emit:    emit,
		limiter: rate.NewLimiter(rate.Limit(a.cfg.RateLimit), a.cfg.Burst),
		logger:  a.logger.With("account", key),
		ctx:     ctx,
		cancel:  cancel,
	}

	a.mu.Lock()
	if old := a.conns[key]; old != nil {
		old.stop()
	}
	a.conns[key] = c
	a.mu.Unlock()

	go a.verify(c)

	return channels.HandleFunc(func(context.Context) error {
		a.remove(c)
		return nil
	}), nil
}

// verify checks the token against the phone number node.
func (a *Adapter) verify(c *conn) {
	info, err := phoneNumber(c.ctx, a.graph, c.creds)
	if c.ctx.Err() != nil {
		return
	}
	if err != nil {
		a.fail(c, err)
		return
	}

	c.selfID = channels.NormalizeAccountKey(digits(info.DisplayPhoneNumber))
	if c.selfID == "" {
		c.selfID = c.account
	}
	c.ready.Store(true)
	c.logger.Info("cloudapi: connected", "phone_number_id", info.ID, "name", info.VerifiedName)
	c.emit(channels.ReadyEvent{SelfID: c.selfID, DisplayName: info.VerifiedName})
}

// fail closes c once and reports the classified reason.
func (a *Adapter) fail(c *conn, err error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	a.remove(c)

	reason := graphapi.Classify(err)
	if reason == channels.ReasonUnauthorized {
		err = fmt.Errorf("%w: %v", channels.ErrTerminalAuth, err)
	}
	c.logger.Warn("cloudapi: connection closed", "reason", reason, "error", err)
	c.emit(channels.ClosedEvent{Reason: reason, Err: err})
}

func (c *conn) stop() {
	c.closed.Store(true)
	c.ready.Store(false)
	c.cancel()
}

func (a *Adapter) remove(c *conn) {
	a.mu.Lock()
	if a.conns[c.account] == c {
		delete(a.conns, c.account)
	}
	a.mu.Unlock()
	c.stop()
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

// Ready implements channels.Adapter.
func (a *Adapter) Ready(account string) bool { return a.live(account) != nil }

// SendText implements channels.Adapter.
func (a *Adapter) SendText(ctx context.Context, account, destination, text string) (channels.Ack, error) {
	return a.send(ctx, account, destination, func(context.Context, *conn) (map[string]any, error) {
		return map[string]any{
			"type": "text",
			"text": map[string]any{"body": text, "preview_url": false},
		}, nil
	})
}

// SendMedia uploads the payload and sends it by media id.
func (a *Adapter) SendMedia(ctx context.Context, account, destination string, m channels.Media) (channels.Ack, error) {
	return a.send(ctx, account, destination, func(ctx context.Context, c *conn) (map[string]any, error) {
		id, err := uploadMedia(ctx, a.graph, c.creds, m)
		if err != nil {
			return nil, err
		}
		kind := string(media.Categorize(m.MimeType))
		object := map[string]any{"id": id}
		if m.Caption != "" && kind != string(media.CategoryAudio) {
			object["caption"] = m.Caption
		}
		if kind == string(media.CategoryDocument) && m.Filename != "" {
			object["filename"] = m.Filename
		}
		return map[string]any{"type": kind, kind: object}, nil
	})
}

// send throttles, builds and posts one message. Rejections that guarantee
// nothing was delivered (bad token, throttling) are reported as
// ErrProviderUnavailable so the dispatcher may fall back.
func (a *Adapter) send(ctx context.Context, account, destination string, build func(context.Context, *conn) (map[string]any, error)) (channels.Ack, error) {
	c := a.live(account)
	if c == nil {
		return channels.Ack{}, fmt.Errorf("cloudapi: %w: %s not connected", channels.ErrProviderUnavailable, account)
	}
	to := recipient(destination)
	if to == "" {
		return channels.Ack{}, fmt.Errorf("cloudapi: %w: %q", channels.ErrInvalidDestination, destination)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return channels.Ack{}, fmt.Errorf("cloudapi: %w: throttled: %v", channels.ErrProviderUnavailable, err)
	}

	payload, err := build(ctx, c)
	if err == nil {
		payload["to"] = to
		var id string
		id, err = sendMessage(ctx, a.graph, c.creds, payload)
		if err == nil {
			return channels.Ack{Provider: channels.KindCloudAPI, MessageID: id, SentAt: time.Now().UTC()}, nil
		}
	}

	if graphapi.Rejected(err) {
		if graphapi.Unauthorized(err) {
			go a.fail(c, err)
		}
		return channels.Ack{}, fmt.Errorf("cloudapi: %w: %w", channels.ErrProviderUnavailable, err)
	}
	return channels.Ack{}, fmt.Errorf("cloudapi: send: %w", err)
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
		return fmt.Errorf("cloudapi: clearing auth: %w", err)
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

// byPhoneNumberID finds the ready connection serving a phone number id.
func (a *Adapter) byPhoneNumberID(id string) *conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.conns {
		if c.creds.PhoneNumberID == id && c.ready.Load() {
			return c
		}
	}
	return nil
}

// recipient turns a destination into the digits-only wa_id the API wants.
func recipient(destination string) string {
	d := destination
	if i := strings.IndexByte(d, '@'); i >= 0 {
		d = d[:i]
	}
	d = digits(d)
	if len(d) < 8 {
		return ""
	}
	return d
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
