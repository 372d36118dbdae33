// Package gateway provides the HTTP control surface of chatgate: session
// management, outbound messages, queue inspection, provider webhooks and the
// realtime websocket.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
	"github.com/jholhewres/chatgate/pkg/chatgate/dispatch"
	"github.com/jholhewres/chatgate/pkg/chatgate/queue"
	"github.com/jholhewres/chatgate/pkg/chatgate/session"
)

// Config configures the HTTP server.
type Config struct {
	// Address is the listen address.
	Address string `yaml:"address" validate:"required"`

	// AuthToken, when set, is required as a Bearer token on /api and /ws.
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists the allowed browser origins ("*" for any).
	CORSOrigins []string `yaml:"cors_origins"`

	// StartTimeout bounds a session start request.
	StartTimeout time.Duration `yaml:"start_timeout" validate:"gte=0"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Address:      "127.0.0.1:8086",
		StartTimeout: 45 * time.Second,
	}
}

// Sessions is the session manager surface used by the gateway.
type Sessions interface {
	Start(ctx context.Context, kind channels.ProviderKind, account string) (session.Outcome, error)
	Restart(ctx context.Context, kind channels.ProviderKind, account string) (session.Outcome, error)
	Stop(ctx context.Context, kind channels.ProviderKind, account string) (session.Info, error)
	Remove(ctx context.Context, kind channels.ProviderKind, account string) error
	Get(kind channels.ProviderKind, account string) (session.Info, error)
	List() []session.Info
}

// Dispatcher sends or queues outbound messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.AuditRecord, error)
	Enqueue(ctx context.Context, jobs dispatch.Enqueuer, req dispatch.Request) (*queue.Job, error)
}

// Jobs is the job queue surface used by the gateway.
type Jobs interface {
	dispatch.Enqueuer
	Stats(ctx context.Context) (queue.Stats, error)
	DeadLetters(ctx context.Context) ([]*queue.Job, error)
	Replay(ctx context.Context, id string) (*queue.Job, error)
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators served by the gateway. Webhook, Realtime and
// Database are optional.
type Deps struct {
	Sessions   Sessions
	Dispatcher Dispatcher
	Jobs       Jobs
	Database   Pinger

	// Webhook receives Cloud API notifications.
	Webhook http.Handler

	// Realtime upgrades /ws subscribers.
	Realtime http.Handler
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	cfg       Config
	deps      Deps
	validate  *validator.Validate
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a new Gateway.
func New(cfg Config, deps Deps, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultConfig().Address
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultConfig().StartTimeout
	}
	return &Gateway{
		cfg:       cfg,
		deps:      deps,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// Handler builds the router.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(g.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(g.securityHeaders)
	r.Use(g.cors)

	r.Get("/health", g.handleHealth)

	if g.deps.Webhook != nil {
		r.Method(http.MethodGet, "/webhooks/cloudapi", g.deps.Webhook)
		r.Method(http.MethodPost, "/webhooks/cloudapi", g.deps.Webhook)
	}

	r.Group(func(r chi.Router) {
		r.Use(g.auth)

		if g.deps.Realtime != nil {
			r.Method(http.MethodGet, "/ws", g.deps.Realtime)
		}

		r.Route("/api", func(r chi.Router) {
			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", g.handleListSessions)
				r.Route("/{kind}/{account}", func(r chi.Router) {
					r.Get("/", g.handleGetSession)
					r.Delete("/", g.handleRemoveSession)
					r.Post("/start", g.handleStartSession)
					r.Post("/stop", g.handleStopSession)
					r.Post("/restart", g.handleRestartSession)
				})
			})
			r.Post("/messages", g.handleSendMessage)
			r.Route("/queue", func(r chi.Router) {
				r.Get("/", g.handleQueueStats)
				r.Get("/deadletter", g.handleListDeadLetters)
				r.Post("/deadletter/{id}/replay", g.handleReplayDeadLetter)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		g.writeError(w, "not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}

// Start starts the HTTP server in the background.
func (g *Gateway) Start(_ context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:              g.cfg.Address,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if g.cfg.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.cfg.Address)
		if host == "" {
			host = "0.0.0.0"
		}
		ip := net.ParseIP(host)
		if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			g.logger.Warn("gateway: no auth token and bound to a non-loopback address, anyone on the network can manage sessions",
				"address", g.cfg.Address)
		}
	}

	ln, err := net.Listen("tcp", g.cfg.Address)
	if err != nil {
		return err
	}
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway: server error", "error", err)
		}
	}()
	g.logger.Info("gateway: started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway: stopping")
	return g.server.Shutdown(ctx)
}
