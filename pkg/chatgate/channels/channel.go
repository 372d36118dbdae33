// Package channels defines the contract shared by every chat-provider
// integration. Each provider (WhatsApp multi-device, WhatsApp Cloud API,
// Instagram, Discord) implements Adapter so the session layer, the ingestion
// pipeline and the outbound dispatcher can drive them without knowing which
// provider sits behind an account.
package channels

import (
	"context"
	"errors"
	"iter"
	"time"
)

// ProviderKind identifies one provider integration.
type ProviderKind string

const (
	// KindWhatsmeow is the WhatsApp multi-device protocol client (QR paired).
	KindWhatsmeow ProviderKind = "whatsmeow"

	// KindCloudAPI is the WhatsApp Business Cloud API client (token auth).
	KindCloudAPI ProviderKind = "cloudapi"

	// KindInstagram is the Instagram messaging client (polling + realtime).
	KindInstagram ProviderKind = "instagram"

	// KindDiscord is the Discord bot client.
	KindDiscord ProviderKind = "discord"
)

// Family groups provider kinds that reach the same destination space.
// Kinds in one family can stand in for each other when dispatching.
func (k ProviderKind) Family() string {
	switch k {
	case KindWhatsmeow, KindCloudAPI:
		return "whatsapp"
	default:
		return string(k)
	}
}

// Valid reports whether k is a known provider kind.
func (k ProviderKind) Valid() bool {
	switch k {
	case KindWhatsmeow, KindCloudAPI, KindInstagram, KindDiscord:
		return true
	}
	return false
}

// MessageKind is the canonical content kind of an inbound message.
type MessageKind string

const (
	MessageText        MessageKind = "text"
	MessageImage       MessageKind = "image"
	MessageVideo       MessageKind = "video"
	MessageDocument    MessageKind = "document"
	MessageUnsupported MessageKind = "unsupported"
)

// Adapter is implemented once per provider. A single Adapter value serves
// every account of its provider; per-account state lives inside the adapter
// keyed by the normalized account key.
type Adapter interface {
	// Kind returns the provider this adapter implements.
	Kind() ProviderKind

	// Connect opens a connection for accountKey. Lifecycle, QR and message
	// notifications are delivered through emit until the returned Handle is
	// closed. Connect returns once the connection attempt is underway; the
	// outcome arrives as a QREvent, ReadyEvent or ClosedEvent.
	Connect(ctx context.Context, accountKey string, emit Emitter) (Handle, error)

	// SendText sends a text message to destination.
	SendText(ctx context.Context, accountKey, destination, text string) (Ack, error)

	// SendMedia sends a media message to destination.
	SendMedia(ctx context.Context, accountKey, destination string, media Media) (Ack, error)

	// Ready is the liveness probe used before sending.
	Ready(accountKey string) bool

	// Shutdown closes every connection of accountKey, keeping its auth.
	Shutdown(ctx context.Context, accountKey string) error

	// ClearAuth deletes the persisted credential material of accountKey.
	ClearAuth(ctx context.Context, accountKey string) error

	// ListActive yields the account keys that currently hold a connection.
	// The sequence is evaluated lazily and may be ranged over repeatedly.
	ListActive() iter.Seq[string]
}

// Handle is one live connection instance returned by Adapter.Connect.
// Closing a handle only affects that instance, never a newer connection
// of the same account.
type Handle interface {
	Close(ctx context.Context) error
}

// HandleFunc adapts a function to the Handle interface.
type HandleFunc func(ctx context.Context) error

// Close calls f(ctx).
func (f HandleFunc) Close(ctx context.Context) error { return f(ctx) }

// Emitter receives the typed events of one connection.
type Emitter func(Event)

// Ack confirms that a provider accepted an outbound message.
type Ack struct {
	// Provider is the kind that accepted the message.
	Provider ProviderKind `json:"provider"`

	// MessageID is the provider-native id of the sent message.
	MessageID string `json:"message_id"`

	// SentAt is when the provider acknowledged the message.
	SentAt time.Time `json:"sent_at"`
}

// Media is an outbound media payload.
type Media struct {
	Data     []byte
	MimeType string
	Caption  string
	Filename string
}

// InboundMessage is a provider-native message already mapped onto the
// canonical fields. The ingestion pipeline completes it with the channel id.
type InboundMessage struct {
	// ThreadID is the provider chat/thread identifier.
	ThreadID string

	// FromID is the sender identifier on the provider.
	FromID string

	// FromName is the sender display name, if known.
	FromName string

	// FromMe is set when the provider itself flags the message as sent by
	// the connected account.
	FromMe bool

	// IsGroup is true for group threads.
	IsGroup bool

	// Body is the text content or caption.
	Body string

	// MediaRef is an opaque provider reference to attached media.
	MediaRef string

	// Kind is the canonical content kind.
	Kind MessageKind

	// NativeID is the provider message id used for de-duplication.
	NativeID string

	// SentAt is the provider timestamp of the message.
	SentAt time.Time

	// History marks messages delivered as part of a backlog or history sync.
	History bool
}

// Sentinel errors. The first five form the connection error taxonomy.
var (
	// ErrTerminalAuth means the provider rejected the credentials or the
	// account logged out. Auth is cleared and the session is not retried.
	ErrTerminalAuth = errors.New("terminal auth failure")

	// ErrTransientProtocol is a provider stream-level fault.
	ErrTransientProtocol = errors.New("transient protocol error")

	// ErrNetwork covers dial failures, timeouts and dropped connections.
	ErrNetwork = errors.New("network error")

	// ErrProviderUnavailable means the adapter cannot send for the account
	// right now; the dispatcher falls back to the next adapter.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrCorruptAuthState means stored credentials exist but are unusable.
	ErrCorruptAuthState = errors.New("corrupt auth state")

	ErrUnknownAccount     = errors.New("unknown account")
	ErrMediaNotSupported  = errors.New("media not supported by this channel")
	ErrInvalidDestination = errors.New("invalid destination")
)
