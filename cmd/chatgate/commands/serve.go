package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/chatgate/pkg/chatgate/authstore"
	"github.com/jholhewres/chatgate/pkg/chatgate/broadcast"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels/cloudapi"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels/discord"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels/instagram"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels/whatsapp"
	"github.com/jholhewres/chatgate/pkg/chatgate/config"
	"github.com/jholhewres/chatgate/pkg/chatgate/database"
	"github.com/jholhewres/chatgate/pkg/chatgate/dispatch"
	"github.com/jholhewres/chatgate/pkg/chatgate/gateway"
	"github.com/jholhewres/chatgate/pkg/chatgate/ingest"
	"github.com/jholhewres/chatgate/pkg/chatgate/queue"
	"github.com/jholhewres/chatgate/pkg/chatgate/scheduler"
	"github.com/jholhewres/chatgate/pkg/chatgate/session"
)

const shutdownTimeout = 30 * time.Second

// newServeCmd creates the `chatgate serve` command that runs the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway with every enabled channel",
		Long: `Start chatgate as a daemon: open the database, start the job queue
and scheduler, register the enabled channel adapters, start the configured
accounts and serve the HTTP API until SIGINT or SIGTERM.

Examples:
  chatgate serve
  chatgate serve --channel whatsmeow --channel cloudapi
  chatgate serve --config ./chatgate.yaml`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("channel", nil, "provider kinds to enable (whatsmeow, cloudapi, instagram, discord)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	filter, _ := cmd.Flags().GetStringSlice("channel")
	for _, k := range filter {
		if !channels.ProviderKind(k).Valid() {
			return fmt.Errorf("unknown provider kind %q", k)
		}
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Workers outlive the signal until the sessions are closed.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	// ── Persistence ──
	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(sigCtx); err != nil {
		return err
	}

	hub := broadcast.NewHub(originChecker(cfg.Gateway.CORSOrigins), logger)
	defer hub.Close()

	// ── Job queue ──
	store, limiter, closeStore, err := openQueueStore(sigCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	jobs := queue.New(cfg.Queue, store, limiter, hub, logger)

	pipeline := ingest.New(cfg.Ingest, db, db, hub, jobs, logger)
	jobs.Handle(ingest.JobKind, pipeline.HandleJob)

	// ── Sessions and adapters ──
	sealer, err := vaultSealer(cfg, logger)
	if err != nil {
		return err
	}
	if sealer != nil {
		logger.Info("vault enabled, auth blobs are sealed")
	}

	manager := session.NewManager(cfg.Session(), session.NewRegistry(logger), db, hub, pipeline, logger)
	webhook, err := registerAdapters(cfg, filter, manager, sealer, db, logger)
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(cfg.Dispatch, manager, db, db, hub, logger)
	jobs.Handle(dispatch.JobKind, dispatcher.HandleJob)

	// ── Periodic tasks ──
	reconciler := session.NewReconciler(cfg.Reconciler, manager, db, hub, logger)
	sched := scheduler.New(logger)
	if err := sched.Add("queue.promote", cfg.Queue.PromoteSchedule, 0, func(ctx context.Context) error {
		_, err := jobs.PromoteDue(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := sched.Add("sessions.reconcile", cfg.Reconciler.Schedule, 0, reconciler.Run); err != nil {
		return err
	}

	go pipeline.Run(runCtx)
	jobs.Start(runCtx)
	sched.Start(runCtx)

	// ── HTTP ──
	deps := gateway.Deps{
		Sessions:   manager,
		Dispatcher: dispatcher,
		Jobs:       jobs,
		Database:   db,
		Webhook:    webhook,
		Realtime:   hub,
	}
	gw := gateway.New(cfg.Gateway, deps, logger)
	if err := gw.Start(sigCtx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	startAccounts(sigCtx, cfg, filter, manager, logger)

	logger.Info("chatgate running. Press Ctrl+C to stop.",
		"gateway", cfg.Gateway.Address,
		"database", db.Backend(),
	)
	<-sigCtx.Done()
	logger.Info("shutdown signal received, stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Warn("gateway stop failed", "error", err)
	}
	sched.Stop(10 * time.Second)
	manager.Close(shutdownCtx)
	if err := jobs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("queue shutdown incomplete", "error", err)
	}
	cancelRun()

	logger.Info("chatgate stopped")
	return nil
}

// openQueueStore selects Redis when redis.url is set, memory otherwise.
func openQueueStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Store, queue.Limiter, func(), error) {
	if cfg.Redis.URL == "" {
		logger.Info("queue: using in-memory store")
		return queue.NewMemoryStore(), queue.NewSlidingWindow(), func() {}, nil
	}
	rdb, err := queue.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Info("queue: using redis store", "prefix", cfg.Redis.Prefix)
	closeFn := func() {
		if err := rdb.Close(); err != nil {
			logger.Debug("redis close failed", "error", err)
		}
	}
	return queue.NewRedisStore(rdb, cfg.Redis.Prefix), queue.NewRedisLimiter(rdb, cfg.Redis.Prefix), closeFn, nil
}

// registerAdapters creates the adapter of every enabled provider. It returns
// the Cloud API webhook handler when that provider is enabled.
func registerAdapters(cfg *config.Config, filter []string, manager *session.Manager, sealer *authstore.Sealer, cursors ingest.CursorStore, logger *slog.Logger) (http.Handler, error) {
	var webhook http.Handler
	providers := cfg.Providers()

	for _, kind := range []channels.ProviderKind{
		channels.KindWhatsmeow,
		channels.KindCloudAPI,
		channels.KindInstagram,
		channels.KindDiscord,
	} {
		p := providers[kind]
		if !enabled(kind, p, filter) {
			continue
		}
		auth, err := authstore.New(p.CredentialRoot, sealer)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}

		var adapter channels.Adapter
		switch kind {
		case channels.KindWhatsmeow:
			adapter = whatsapp.New(cfg.Channels.WhatsApp.Config, auth, logger)
		case channels.KindCloudAPI:
			ca := cloudapi.New(cfg.Channels.CloudAPI.Config, auth, logger)
			webhook = ca
			adapter = ca
		case channels.KindInstagram:
			adapter = instagram.New(cfg.Channels.Instagram.Config, auth, cursors, logger)
		case channels.KindDiscord:
			adapter = discord.New(cfg.Channels.Discord.Config, auth, logger)
		}
		manager.RegisterAdapter(adapter)
		logger.Info("channel registered", "kind", kind, "credential_root", p.CredentialRoot)
	}
	return webhook, nil
}

func enabled(kind channels.ProviderKind, p config.Provider, filter []string) bool {
	if len(filter) > 0 {
		return slices.Contains(filter, string(kind))
	}
	return p.Enabled
}

// startAccounts starts the configured accounts in the background. A start
// that ends in pairing is reported; the QR code is served by the API.
func startAccounts(ctx context.Context, cfg *config.Config, filter []string, manager *session.Manager, logger *slog.Logger) {
	for kind, p := range cfg.Providers() {
		if !enabled(kind, p, filter) {
			continue
		}
		for _, account := range p.Accounts {
			go func() {
				outcome, err := manager.Start(ctx, kind, account)
				switch {
				case errors.Is(err, context.Canceled):
				case err != nil:
					logger.Warn("account start failed", "kind", kind, "account", account, "error", err)
				case outcome.Pairing != nil:
					logger.Info("account needs pairing, fetch the QR code from the API",
						"kind", kind, "account", account,
						"endpoint", fmt.Sprintf("POST /api/sessions/%s/%s/start", kind, channels.NormalizeAccountKey(account)))
				default:
					logger.Info("account ready", "kind", kind, "account", account)
				}
			}()
		}
	}
}

func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}
