// Package config holds the chatgate configuration: the structs of every
// subsystem, their defaults, and loading from YAML with environment
// variable expansion.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels/cloudapi"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels/discord"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels/instagram"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels/whatsapp"
	"github.com/jholhewres/chatgate/pkg/chatgate/database"
	"github.com/jholhewres/chatgate/pkg/chatgate/dispatch"
	"github.com/jholhewres/chatgate/pkg/chatgate/gateway"
	"github.com/jholhewres/chatgate/pkg/chatgate/ingest"
	"github.com/jholhewres/chatgate/pkg/chatgate/logging"
	"github.com/jholhewres/chatgate/pkg/chatgate/queue"
	"github.com/jholhewres/chatgate/pkg/chatgate/session"
)

// DataDir is the default root of every on-disk path.
const DataDir = "./data"

// Config is the complete chatgate configuration.
type Config struct {
	// Name identifies this instance in logs.
	Name string `yaml:"name"`

	Logging    logging.Config           `yaml:"logging"`
	Database   database.Config          `yaml:"database"`
	Redis      queue.RedisConfig        `yaml:"redis"`
	Queue      queue.Config             `yaml:"queue"`
	Reconnect  session.ReconnectConfig  `yaml:"reconnect"`
	Pairing    PairingConfig            `yaml:"pairing"`
	Reconciler session.ReconcilerConfig `yaml:"reconciler"`
	Ingest     ingest.Config            `yaml:"ingest"`
	Dispatch   dispatch.Config          `yaml:"dispatch"`
	Gateway    gateway.Config           `yaml:"gateway"`
	Vault      VaultConfig              `yaml:"vault"`
	Channels   ChannelsConfig           `yaml:"channels"`
}

// PairingConfig configures session starts and QR pairing.
type PairingConfig struct {
	// QRSize is the pixel size of rendered pairing codes.
	QRSize int `yaml:"qr_size" validate:"gte=64,lte=1024"`

	// StartTimeout bounds how long a start waits for a QR code or readiness.
	StartTimeout time.Duration `yaml:"start_timeout" validate:"gt=0"`
}

// VaultConfig enables at-rest encryption of auth blobs.
type VaultConfig struct {
	Enabled bool `yaml:"enabled"`

	// RememberPassphrase saves a prompted passphrase in the OS keyring.
	RememberPassphrase bool `yaml:"remember_passphrase"`
}

// ChannelsConfig holds one section per provider kind.
type ChannelsConfig struct {
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	CloudAPI  CloudAPIConfig  `yaml:"cloudapi"`
	Instagram InstagramConfig `yaml:"instagram"`
	Discord   DiscordConfig   `yaml:"discord"`
}

// Provider is the part shared by every channel section.
type Provider struct {
	Enabled bool `yaml:"enabled"`

	// CredentialRoot is the directory holding one auth blob per account.
	CredentialRoot string `yaml:"credential_root" validate:"required_if=Enabled true"`

	// Accounts are started when the server boots.
	Accounts []string `yaml:"accounts"`
}

type WhatsAppConfig struct {
	Provider        `yaml:",inline"`
	whatsapp.Config `yaml:",inline"`
}

type CloudAPIConfig struct {
	Provider        `yaml:",inline"`
	cloudapi.Config `yaml:",inline"`
}

type InstagramConfig struct {
	Provider         `yaml:",inline"`
	instagram.Config `yaml:",inline"`
}

type DiscordConfig struct {
	Provider       `yaml:",inline"`
	discord.Config `yaml:",inline"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	mgr := session.DefaultConfig()
	return &Config{
		Name:       "chatgate",
		Logging:    logging.DefaultConfig(),
		Database:   database.DefaultConfig(),
		Redis:      queue.RedisConfig{Prefix: "chatgate"},
		Queue:      queue.DefaultConfig(),
		Reconnect:  session.DefaultReconnectConfig(),
		Pairing:    PairingConfig{QRSize: mgr.QRSize, StartTimeout: mgr.StartTimeout},
		Reconciler: session.DefaultReconcilerConfig(),
		Ingest:     ingest.DefaultConfig(),
		Dispatch:   dispatch.DefaultConfig(),
		Gateway:    gateway.DefaultConfig(),
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				Provider: Provider{Enabled: true, CredentialRoot: credentialRoot(channels.KindWhatsmeow)},
				Config:   whatsapp.DefaultConfig(),
			},
			CloudAPI: CloudAPIConfig{
				Provider: Provider{CredentialRoot: credentialRoot(channels.KindCloudAPI)},
				Config:   cloudapi.DefaultConfig(),
			},
			Instagram: InstagramConfig{
				Provider: Provider{CredentialRoot: credentialRoot(channels.KindInstagram)},
				Config:   instagram.DefaultConfig(),
			},
			Discord: DiscordConfig{
				Provider: Provider{CredentialRoot: credentialRoot(channels.KindDiscord)},
				Config:   discord.DefaultConfig(),
			},
		},
	}
}

func credentialRoot(kind channels.ProviderKind) string {
	return filepath.Join(DataDir, "credentials", string(kind))
}

// Session returns the session manager configuration.
func (c *Config) Session() session.Config {
	return session.Config{
		Reconnect:    c.Reconnect,
		StartTimeout: c.Pairing.StartTimeout,
		QRSize:       c.Pairing.QRSize,
	}
}

// Providers lists the provider sections by kind.
func (c *Config) Providers() map[channels.ProviderKind]Provider {
	return map[channels.ProviderKind]Provider{
		channels.KindWhatsmeow: c.Channels.WhatsApp.Provider,
		channels.KindCloudAPI:  c.Channels.CloudAPI.Provider,
		channels.KindInstagram: c.Channels.Instagram.Provider,
		channels.KindDiscord:   c.Channels.Discord.Provider,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the rules spanning sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var errs []error
	for lane := range c.Queue.RateLimits {
		if !lane.Valid() {
			errs = append(errs, fmt.Errorf("queue.rate_limits: %w %q", queue.ErrInvalidLane, lane))
		}
	}
	for family, kinds := range c.Dispatch.Fallback {
		if len(kinds) == 0 {
			errs = append(errs, fmt.Errorf("dispatch.fallback.%s: empty", family))
		}
		for _, k := range kinds {
			if !k.Valid() {
				errs = append(errs, fmt.Errorf("dispatch.fallback.%s: unknown provider kind %q", family, k))
			}
		}
	}
	if c.Database.Backend == database.BackendPostgreSQL &&
		c.Database.PostgreSQL.URL == "" && c.Database.PostgreSQL.Host == "" {
		errs = append(errs, errors.New("database.postgresql: url or host is required"))
	}
	for kind, p := range c.Providers() {
		for _, acct := range p.Accounts {
			if channels.NormalizeAccountKey(acct) == "" {
				errs = append(errs, fmt.Errorf("channels.%s.accounts: empty account", kind))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
