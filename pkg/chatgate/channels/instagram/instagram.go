// Package instagram implements the Instagram messaging channel.
//
// Inbound messages are read by polling the Graph API conversations of the
// linked page, thread by thread, behind a per-thread cursor. When a
// realtime endpoint is configured, a websocket push channel takes over
// while it is up and polling resumes as soon as it drops.
package instagram

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/jholhewres/chatgate/pkg/chatgate/authstore"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels/graphapi"
	"github.com/jholhewres/chatgate/pkg/chatgate/ingest"
)

// Config holds the Instagram adapter configuration.
type Config struct {
	// BaseURL is the Graph API root including the version.
	BaseURL string `yaml:"base_url"`

	// PollInterval is the time between two conversation scans.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ThreadLimit caps the conversations listed per scan and MessageLimit
	// the messages read per conversation.
	ThreadLimit  int `yaml:"thread_limit"`
	MessageLimit int `yaml:"message_limit"`

	// RateLimit is the sustained send rate per account in messages per
	// second; Burst is the bucket size.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`

	// Timeout bounds every Graph API request.
	Timeout time.Duration `yaml:"timeout"`

	Realtime RealtimeConfig `yaml:"realtime"`
}

// RealtimeConfig configures the websocket push channel.
type RealtimeConfig struct {
	// URL is the websocket endpoint. Empty disables push.
	URL string `yaml:"url"`

	// RetryDelay is the first redial delay, doubled up to MaxRetryDelay.
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:      graphapi.DefaultBaseURL,
		PollInterval: 30 * time.Second,
		ThreadLimit:  25,
		MessageLimit: 20,
		RateLimit:    5,
		Burst:        2,
		Timeout:      30 * time.Second,
		Realtime: RealtimeConfig{
			RetryDelay:    5 * time.Second,
			MaxRetryDelay: 5 * time.Minute,
		},
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.BaseURL == "" {
		c.BaseURL = def.BaseURL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.ThreadLimit <= 0 {
		c.ThreadLimit = def.ThreadLimit
	}
	if c.MessageLimit <= 0 {
		c.MessageLimit = def.MessageLimit
	}
	if c.RateLimit <= 0 {
		c.RateLimit = def.RateLimit
	}
	if c.Burst <= 0 {
		c.Burst = def.Burst
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.Realtime.RetryDelay <= 0 {
		c.Realtime.RetryDelay = def.Realtime.RetryDelay
	}
	if c.Realtime.MaxRetryDelay < c.Realtime.RetryDelay {
		c.Realtime.MaxRetryDelay = max(def.Realtime.MaxRetryDelay, c.Realtime.RetryDelay)
	}
}

// Credentials is the auth blob of one Instagram account.
type Credentials struct {
	// UserID is the Instagram professional account id.
	UserID string `json:"user_id"`

	// PageID is the Facebook page linked to the account.
	PageID string `json:"page_id"`

	// AccessToken is a page access token with instagram_manage_messages.
	AccessToken string `json:"access_token"`
}

// SaveCredentials stores the credentials of account in auth.
func SaveCredentials(auth *authstore.Store, account string, creds Credentials) error {
	if creds.UserID == "" || creds.PageID == "" || creds.AccessToken == "" {
		return errors.New("instagram: user id, page id and access token are required")
	}
	return auth.Save(account, creds)
}

// Adapter is the Instagram channel adapter.
type Adapter struct {
	cfg     Config
	auth    *authstore.Store
	cursors ingest.CursorStore
	graph   *graphapi.Client
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

var _ channels.Adapter = (*Adapter)(nil)

// New creates the adapter. cursors persists the per-thread poll position.
func New(cfg Config, auth *authstore.Store, cursors ingest.CursorStore, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cursors == nil {
		cursors = ingest.NewMemoryCursors()
	}
	cfg.applyDefaults()
	return &Adapter{
		cfg:     cfg,
		auth:    auth,
		cursors: cursors,
		graph:   graphapi.New(cfg.BaseURL, cfg.Timeout),
		logger:  logger.With("component", "instagram"),
		conns:   make(map[string]*conn),
	}
}

// Kind implements channels.Adapter.
func (a *Adapter) Kind() channels.ProviderKind { return channels.KindInstagram }

// conn is the connection state of one account.
type conn struct {
	account string
	channel string
	creds   Credentials
	emit    channels.Emitter
	limiter *rate.Limiter
	poller  *ingest.Poller
	logger  *slog.Logger

	ready      atomic.Bool
	closed     atomic.Bool
	pushActive atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Connect loads the stored credentials, verifies them in the background
// and then starts polling (and the push channel when configured).
func (a *Adapter) Connect(_ context.Context, account string, emit channels.Emitter) (channels.Handle, error) {
	key := channels.NormalizeAccountKey(account)
	if key == "" {
		return nil, fmt.Errorf("instagram: %w: empty account", channels.ErrUnknownAccount)
	}

	var creds Credentials
	if err := a.auth.Load(key, &creds); err != nil {
		if errors.Is(err, authstore.ErrNotFound) {
			return nil, fmt.Errorf("instagram: %w: no credentials stored for %s", channels.ErrTerminalAuth, key)
		}
		return nil, fmt.Errorf("instagram: loading credentials: %w", err)
	}
	if creds.UserID == "" || creds.PageID == "" || creds.AccessToken == "" {
		return nil, fmt.Errorf("instagram: %w: incomplete credentials", channels.ErrCorruptAuthState)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		account: key,
		channel: channels.ChannelID(channels.KindInstagram, key),
		creds:   creds,
		emit:    emit,
		limiter: rate.NewLimiter(rate.Limit(a.cfg.RateLimit), a.cfg.Burst),
		logger:  a.logger.With("account", key),
		ctx:     ctx,
		cancel:  cancel,
	}
	src := &graphSource{
		graph:    a.graph,
		creds:    creds,
		threads:  a.cfg.ThreadLimit,
		messages: a.cfg.MessageLimit,
		onAuth:   func(err error) { go a.fail(c, err) },
	}
	c.poller = ingest.NewPoller(c.channel, a.cfg.PollInterval, src, a.cursors, func(ev channels.MessageEvent) {
		if !c.closed.Load() {
			c.emit(ev)
		}
	}, c.logger)
	c.poller.SetSelfID(creds.UserID)

	a.mu.Lock()
	if old := a.conns[key]; old != nil {
		old.stop()
	}
	a.conns[key] = c
	a.mu.Unlock()

	go a.start(c)

	return channels.HandleFunc(func(context.Context) error {
		a.remove(c)
		return nil
	}), nil
}

// start verifies the token, reports readiness and runs the producers.
func (a *Adapter) start(c *conn) {
	me, err := profile(c.ctx, a.graph, c.creds)
	if c.ctx.Err() != nil {
		return
	}
	if err != nil {
		a.fail(c, err)
		return
	}

	c.ready.Store(true)
	c.logger.Info("instagram: connected", "username", me.Username)
	c.emit(channels.ReadyEvent{SelfID: c.creds.UserID, DisplayName: me.Username})

	if a.cfg.Realtime.URL != "" {
		go a.realtime(c)
	}
	c.poller.Run(c.ctx)
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
	c.logger.Warn("instagram: connection closed", "reason", reason, "error", err)
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

// SendText implements channels.Adapter. destination is the Instagram-scoped
// id of the recipient.
func (a *Adapter) SendText(ctx context.Context, account, destination, text string) (channels.Ack, error) {
	return a.send(ctx, account, destination, func(ctx context.Context, c *conn) (string, error) {
		return sendText(ctx, a.graph, c.creds, destination, text)
	})
}

// SendMedia sends images, videos and audio as attachments. Documents are
// not supported by Instagram messaging.
func (a *Adapter) SendMedia(ctx context.Context, account, destination string, m channels.Media) (channels.Ack, error) {
	kind, ok := attachmentType(m.MimeType)
	if !ok {
		return channels.Ack{}, fmt.Errorf("instagram: %w: %s", channels.ErrMediaNotSupported, m.MimeType)
	}
	return a.send(ctx, account, destination, func(ctx context.Context, c *conn) (string, error) {
		id, err := sendAttachment(ctx, a.graph, c.creds, destination, kind, m)
		if err != nil || m.Caption == "" {
			return id, err
		}
		if _, err := sendText(ctx, a.graph, c.creds, destination, m.Caption); err != nil {
			c.logger.Warn("instagram: caption not sent", "error", err)
		}
		return id, nil
	})
}

// send throttles and performs one delivery. Token and throttling
// rejections mean nothing was delivered and are reported as
// ErrProviderUnavailable.
func (a *Adapter) send(ctx context.Context, account, destination string, do func(context.Context, *conn) (string, error)) (channels.Ack, error) {
	c := a.live(account)
	if c == nil {
		return channels.Ack{}, fmt.Errorf("instagram: %w: %s not connected", channels.ErrProviderUnavailable, account)
	}
	if !validRecipient(destination) {
		return channels.Ack{}, fmt.Errorf("instagram: %w: %q", channels.ErrInvalidDestination, destination)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return channels.Ack{}, fmt.Errorf("instagram: %w: throttled: %v", channels.ErrProviderUnavailable, err)
	}

	id, err := do(ctx, c)
	if err == nil {
		return channels.Ack{Provider: channels.KindInstagram, MessageID: id, SentAt: time.Now().UTC()}, nil
	}
	if graphapi.Rejected(err) {
		if graphapi.Unauthorized(err) {
			go a.fail(c, err)
		}
		return channels.Ack{}, fmt.Errorf("instagram: %w: %w", channels.ErrProviderUnavailable, err)
	}
	return channels.Ack{}, fmt.Errorf("instagram: send: %w", err)
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
		return fmt.Errorf("instagram: clearing auth: %w", err)
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

// PushActive reports whether the realtime channel of account is up.
func (a *Adapter) PushActive(account string) bool {
	c := a.live(account)
	return c != nil && c.pushActive.Load()
}

func validRecipient(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
