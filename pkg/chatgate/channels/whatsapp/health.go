package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/whatsmeow/types"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
)

// HealthConfig configures the per-connection health monitor, which detects
// silent disconnects that whatsmeow does not report.
type HealthConfig struct {
	// CheckInterval is how often a connection is checked.
	CheckInterval time.Duration `yaml:"check_interval"`

	// MaxSilentDuration is how long a connection may go without any event
	// before it is probed with a presence update.
	MaxSilentDuration time.Duration `yaml:"max_silent_duration"`

	// ForceReconnectAfter closes a connection that stayed silent this long
	// even when the socket still looks connected (half-open TCP).
	// 0 disables it.
	ForceReconnectAfter time.Duration `yaml:"force_reconnect_after"`
}

// DefaultHealthConfig returns the default health monitor configuration.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckInterval:       30 * time.Second,
		MaxSilentDuration:   5 * time.Minute,
		ForceReconnectAfter: 15 * time.Minute,
	}
}

var (
	errSocketGone = errors.New("client reports disconnected on a ready connection")
	errStale      = errors.New("connection silent for too long")
)

// monitor runs health checks until the connection is torn down.
func (c *conn) monitor(cfg HealthConfig) {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultHealthConfig().CheckInterval
	}
	if cfg.MaxSilentDuration <= 0 {
		cfg.MaxSilentDuration = DefaultHealthConfig().MaxSilentDuration
	}

	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.check(c.ctx, cfg)
		}
	}
}

// check closes a ready connection whose socket is gone or that has been
// silent for too long. A connection silent past MaxSilentDuration is probed
// with a presence update first.
func (c *conn) check(ctx context.Context, cfg HealthConfig) {
	if !c.ready.Load() || c.closed.Load() {
		return
	}

	if !c.client.IsConnected() {
		c.fail(channels.ReasonConnectionLost, fmt.Errorf("%w: %w", channels.ErrNetwork, errSocketGone))
		return
	}

	silent := c.silentFor()
	if silent < cfg.MaxSilentDuration {
		return
	}

	if cfg.ForceReconnectAfter > 0 && silent > cfg.ForceReconnectAfter {
		c.logger.Warn("whatsapp: forcing reconnect after silence", "silent", silent)
		c.fail(channels.ReasonConnectionLost, fmt.Errorf("%w: %w", channels.ErrNetwork, errStale))
		return
	}

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.client.SendPresence(pctx, types.PresenceAvailable); err != nil {
		c.logger.Warn("whatsapp: presence probe failed", "silent", silent, "error", err)
		c.fail(channels.ReasonConnectionLost, fmt.Errorf("%w: presence probe: %v", channels.ErrNetwork, err))
		return
	}
	c.touch()
}
