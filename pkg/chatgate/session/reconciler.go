package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/chatgate/pkg/chatgate/broadcast"
)

// EventReconciled is broadcast after every reconciler sweep.
const EventReconciled = "sessions.reconciled"

// ReconcilerConfig configures the health reconciler.
type ReconcilerConfig struct {
	// Schedule is the cron spec of the sweep.
	Schedule string `yaml:"schedule"`

	// ReactivateTimeout bounds each reactivation attempt.
	ReactivateTimeout time.Duration `yaml:"reactivate_timeout"`
}

// DefaultReconcilerConfig sweeps every minute.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Schedule:          "@every 1m",
		ReactivateTimeout: 30 * time.Second,
	}
}

// SweepSummary counts the outcome of one sweep.
type SweepSummary struct {
	Checked      int `json:"checked"`
	Reconnected  int `json:"reconnected"`
	Disconnected int `json:"disconnected"`
}

// Reconciler corrects drift between persisted "connected" statuses and the
// sessions that are actually live.
type Reconciler struct {
	cfg       ReconcilerConfig
	manager   *Manager
	store     SessionStore
	publisher broadcast.Publisher
	logger    *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(cfg ReconcilerConfig, manager *Manager, store SessionStore, publisher broadcast.Publisher, logger *slog.Logger) *Reconciler {
	if cfg.ReactivateTimeout <= 0 {
		cfg.ReactivateTimeout = DefaultReconcilerConfig().ReactivateTimeout
	}
	if publisher == nil {
		publisher = broadcast.Nop{}
	}
	return &Reconciler{
		cfg:       cfg,
		manager:   manager,
		store:     store,
		publisher: publisher,
		logger:    logger.With("component", "reconciler"),
	}
}

// Sweep checks every account persisted as connected. Accounts that are not
// live are reactivated with their stored auth; when that fails they are
// persisted as disconnected.
func (r *Reconciler) Sweep(ctx context.Context) (SweepSummary, error) {
	var sum SweepSummary

	records, err := r.store.ListByStatus(ctx, string(StateConnected))
	if err != nil {
		return sum, fmt.Errorf("list connected sessions: %w", err)
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Checked++
		if r.manager.Live(rec.Kind, rec.Account) {
			continue
		}

		log := r.logger.With("kind", rec.Kind, "account", rec.Account)
		log.Info("reconciler: persisted connected but not live, reactivating")

		rctx, cancel := context.WithTimeout(ctx, r.cfg.ReactivateTimeout)
		err := r.manager.Reactivate(rctx, rec.Kind, rec.Account)
		cancel()

		if err == nil {
			sum.Reconnected++
			continue
		}

		sum.Disconnected++
		log.Warn("reconciler: reactivation failed", "error", err)
		if uerr := r.store.UpsertStatus(ctx, rec.Kind, rec.Account, string(StateDisconnected), map[string]any{"error": err.Error()}); uerr != nil {
			log.Error("reconciler: persisting disconnected failed", "error", uerr)
		}
	}

	r.publisher.Publish(broadcast.ScopeAll, EventReconciled, sum)
	if sum.Reconnected > 0 || sum.Disconnected > 0 {
		r.logger.Info("reconciler: sweep done", "checked", sum.Checked, "reconnected", sum.Reconnected, "disconnected", sum.Disconnected)
	}
	return sum, nil
}

// Run is the scheduler task form of Sweep.
func (r *Reconciler) Run(ctx context.Context) error {
	_, err := r.Sweep(ctx)
	return err
}
