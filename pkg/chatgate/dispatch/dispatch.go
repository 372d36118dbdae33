// Package dispatch sends outbound messages through the first ready adapter
// of a destination family, falling back in a fixed priority order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jholhewres/chatgate/pkg/chatgate/broadcast"
	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
	"github.com/jholhewres/chatgate/pkg/chatgate/ingest"
	"github.com/jholhewres/chatgate/pkg/chatgate/media"
)

// EventAudit is broadcast for every dispatch call.
const EventAudit = "dispatch.audit"

var (
	// ErrNoAdapterAvailable means no candidate adapter was ready. The
	// primary session has been marked degraded.
	ErrNoAdapterAvailable = errors.New("no adapter available")

	ErrInvalidRequest = errors.New("invalid dispatch request")
	ErrUnknownFamily  = errors.New("unknown destination family")
)

// Config configures the dispatcher.
type Config struct {
	// Fallback lists, per destination family, the provider kinds to try in
	// priority order.
	Fallback map[string][]channels.ProviderKind `yaml:"fallback"`

	// MediaLimits bounds outbound media sizes.
	MediaLimits media.Limits `yaml:"media_limits"`
}

// DefaultConfig prefers the multi-device client over the Cloud API.
func DefaultConfig() Config {
	return Config{
		Fallback: map[string][]channels.ProviderKind{
			"whatsapp":  {channels.KindWhatsmeow, channels.KindCloudAPI},
			"instagram": {channels.KindInstagram},
			"discord":   {channels.KindDiscord},
		},
		MediaLimits: media.DefaultLimits(),
	}
}

// Media is an outbound attachment.
type Media struct {
	Data     []byte `json:"data" validate:"required"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Request is one outbound message. Either Family, Account and To, or a
// ConversationID to resolve them from, must be set.
type Request struct {
	Family         string `json:"family,omitempty"`
	Account        string `json:"account,omitempty"`
	To             string `json:"to,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`

	Text  string `json:"text,omitempty" validate:"required_without=Media"`
	Media *Media `json:"media,omitempty"`

	// RequestedBy identifies the caller in audit records.
	RequestedBy string `json:"requested_by,omitempty"`
}

// Sessions is the view of the session manager the dispatcher needs.
type Sessions interface {
	Adapter(kind channels.ProviderKind) (channels.Adapter, bool)
	Live(kind channels.ProviderKind, account string) bool
	MarkDegraded(kind channels.ProviderKind, account, reason string)
}

// ConversationLookup resolves a conversation id to its channel and contact.
type ConversationLookup interface {
	GetConversation(ctx context.Context, id string) (*ingest.Conversation, error)
}

// Store records sent messages as outbound entries of their conversation.
type Store interface {
	ingest.ConversationStore
	ingest.MessageStore
}

// Dispatcher routes outbound messages to adapters.
type Dispatcher struct {
	cfg           Config
	sessions      Sessions
	conversations ConversationLookup
	store         Store
	publisher     broadcast.Publisher
	validate      *validator.Validate
	logger        *slog.Logger
	now           func() time.Time
}

// New creates a dispatcher. conversations and store may be nil.
func New(cfg Config, sessions Sessions, conversations ConversationLookup, store Store, publisher broadcast.Publisher, logger *slog.Logger) *Dispatcher {
	if len(cfg.Fallback) == 0 {
		cfg.Fallback = DefaultConfig().Fallback
	}
	if publisher == nil {
		publisher = broadcast.Nop{}
	}
	return &Dispatcher{
		cfg:           cfg,
		sessions:      sessions,
		conversations: conversations,
		store:         store,
		publisher:     publisher,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		logger:        logger.With("component", "dispatch"),
		now:           time.Now,
	}
}

// Candidates returns the provider kinds tried for family, in order.
func (d *Dispatcher) Candidates(family string) []channels.ProviderKind {
	if kinds, ok := d.cfg.Fallback[family]; ok {
		return kinds
	}
	// A single kind can be addressed directly.
	if k := channels.ProviderKind(family); k.Valid() {
		return []channels.ProviderKind{k}
	}
	return nil
}

// Dispatch sends req through the first ready candidate. At most one adapter
// send call can succeed per Dispatch: adapters are only tried again after
// one reports channels.ErrProviderUnavailable, which means nothing was sent.
// The returned audit record is never nil.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*AuditRecord, error) {
	rec := &AuditRecord{
		ID:          uuid.NewString(),
		RequestedBy: req.RequestedBy,
		Content:     "text",
		StartedAt:   d.now(),
	}
	if req.Media != nil {
		rec.Content = "media"
	}

	err := d.dispatch(ctx, &req, rec)
	rec.FinishedAt = d.now()
	if err != nil {
		rec.Error = err.Error()
	}
	d.audit(rec)
	return rec, err
}

func (d *Dispatcher) dispatch(ctx context.Context, req *Request, rec *AuditRecord) error {
	if err := d.resolve(ctx, req); err != nil {
		rec.Outcome = OutcomeRejected
		return err
	}
	rec.Family = req.Family
	rec.Account = req.Account
	rec.Destination = req.To
	rec.ConversationID = req.ConversationID

	var payload channels.Media
	if req.Media != nil {
		res, err := media.Validate(req.Media.Data, req.Media.Filename, req.Media.MimeType, d.cfg.MediaLimits)
		if err != nil {
			rec.Outcome = OutcomeRejected
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		req.Media.MimeType = res.MimeType
		payload = channels.Media{Data: req.Media.Data, MimeType: res.MimeType, Caption: req.Media.Caption, Filename: req.Media.Filename}
	}

	candidates := d.Candidates(req.Family)
	if len(candidates) == 0 {
		rec.Outcome = OutcomeRejected
		return fmt.Errorf("%w: %s", ErrUnknownFamily, req.Family)
	}

	for _, kind := range candidates {
		adapter, ok := d.sessions.Adapter(kind)
		if !ok || !d.sessions.Live(kind, req.Account) {
			rec.attempt(kind, ResultNotReady, nil)
			continue
		}

		var (
			ack channels.Ack
			err error
		)
		if req.Media != nil {
			ack, err = adapter.SendMedia(ctx, req.Account, req.To, payload)
		} else {
			ack, err = adapter.SendText(ctx, req.Account, req.To, req.Text)
		}

		if errors.Is(err, channels.ErrProviderUnavailable) {
			rec.attempt(kind, ResultUnavailable, err)
			d.logger.Warn("dispatch: provider unavailable, falling back", "provider", kind, "account", req.Account, "error", err)
			continue
		}
		if err != nil {
			// The provider may have accepted the message; trying another
			// adapter could deliver it twice.
			rec.attempt(kind, ResultFailed, err)
			rec.Provider = kind
			rec.Outcome = OutcomeFailed
			return fmt.Errorf("send via %s: %w", kind, err)
		}

		rec.attempt(kind, ResultSent, nil)
		rec.Provider = kind
		rec.MessageID = ack.MessageID
		rec.Outcome = OutcomeSent
		d.record(ctx, req, kind, ack)
		return nil
	}

	rec.Outcome = OutcomeNoAdapter
	primary := candidates[0]
	d.sessions.MarkDegraded(primary, req.Account, "no adapter ready for "+req.Family)
	return fmt.Errorf("%w: %s/%s", ErrNoAdapterAvailable, req.Family, req.Account)
}

// resolve fills the destination from the conversation when needed and
// validates the request.
func (d *Dispatcher) resolve(ctx context.Context, req *Request) error {
	if req.ConversationID != "" && req.To == "" {
		if d.conversations == nil {
			return fmt.Errorf("%w: conversation lookup not configured", ErrInvalidRequest)
		}
		conv, err := d.conversations.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		kind, account, ok := channels.ParseChannelID(conv.Channel)
		if !ok {
			return fmt.Errorf("%w: bad channel %q", ErrInvalidRequest, conv.Channel)
		}
		req.Family = kind.Family()
		req.Account = account
		req.To = conv.ExternalContactID
	}

	req.Account = channels.NormalizeAccountKey(req.Account)
	req.To = strings.TrimSpace(req.To)
	if req.Family == "" || req.Account == "" || req.To == "" {
		return fmt.Errorf("%w: family, account and destination are required", ErrInvalidRequest)
	}
	if err := d.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// record appends a sent message to its conversation.
func (d *Dispatcher) record(ctx context.Context, req *Request, kind channels.ProviderKind, ack channels.Ack) {
	if d.store == nil {
		return
	}
	now := d.now()
	msg := &ingest.Message{
		ID:         uuid.NewString(),
		Channel:    channels.ChannelID(kind, req.Account),
		Provider:   kind,
		Account:    req.Account,
		ThreadID:   req.To,
		ContactID:  req.To,
		FromID:     req.Account,
		Body:       req.Text,
		Kind:       channels.MessageText,
		NativeID:   ack.MessageID,
		Direction:  ingest.Outbound,
		SentAt:     ack.SentAt,
		ObservedAt: now,
	}
	if req.Media != nil {
		msg.Body = req.Media.Caption
		msg.Kind = mediaKind(req.Media.MimeType)
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = now
	}
	if msg.NativeID == "" {
		msg.NativeID = "local-" + msg.ID
	}

	convID, err := d.store.FindOrCreateByExternalContact(ctx, msg.Channel, msg.ContactID)
	if err != nil {
		d.logger.Warn("dispatch: resolving conversation failed", "channel", msg.Channel, "error", err)
		return
	}
	if _, err := d.store.Append(ctx, convID, msg); err != nil {
		d.logger.Warn("dispatch: recording outbound message failed", "channel", msg.Channel, "error", err)
		return
	}
	d.publisher.Publish(broadcast.ConversationScope(convID), ingest.EventMessageCreated, msg)
}

func (d *Dispatcher) audit(rec *AuditRecord) {
	attrs := []any{
		"audit_id", rec.ID,
		"family", rec.Family,
		"account", rec.Account,
		"destination", rec.Destination,
		"outcome", rec.Outcome,
		"attempts", len(rec.Attempts),
	}
	if rec.Provider != "" {
		attrs = append(attrs, "provider", rec.Provider)
	}
	if rec.Outcome == OutcomeSent {
		d.logger.Info("dispatch: sent", attrs...)
	} else {
		d.logger.Warn("dispatch: not sent", append(attrs, "error", rec.Error)...)
	}
	d.publisher.Publish(broadcast.ScopeAll, EventAudit, rec)
}

func mediaKind(mimeType string) channels.MessageKind {
	switch media.Categorize(mimeType) {
	case media.CategoryImage:
		return channels.MessageImage
	case media.CategoryVideo:
		return channels.MessageVideo
	case media.CategoryDocument:
		return channels.MessageDocument
	default:
		return channels.MessageUnsupported
	}
}
