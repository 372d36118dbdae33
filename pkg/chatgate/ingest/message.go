// Package ingest turns provider-native inbound messages into canonical
// messages, files them under their conversation and broadcasts them.
//
// Messages reach the pipeline from two kinds of producers: push-style
// adapters emit them as they arrive, poll-style adapters scan their threads
// with a Poller. Both feed the same consumer, so everything downstream of
// Normalize is provider-agnostic.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
)

// Direction of a stored message relative to the connected account.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Message is the canonical message model.
type Message struct {
	ID             string                `json:"id"`
	ConversationID string                `json:"conversation_id,omitempty"`
	Channel        string                `json:"channel"`
	Provider       channels.ProviderKind `json:"provider"`
	Account        string                `json:"account"`
	ThreadID       string                `json:"thread_id"`
	ContactID      string                `json:"contact_id"`
	FromID         string                `json:"from_id"`
	FromName       string                `json:"from_name,omitempty"`
	Body           string                `json:"body,omitempty"`
	MediaRef       string                `json:"media_ref,omitempty"`
	Kind           channels.MessageKind  `json:"kind"`
	NativeID       string                `json:"native_id"`
	Direction      Direction             `json:"direction"`
	IsGroup        bool                  `json:"is_group,omitempty"`
	SentAt         time.Time             `json:"sent_at"`
	ObservedAt     time.Time             `json:"observed_at"`
}

// DedupeKey identifies a message for at-most-once ingestion.
func (m *Message) DedupeKey() string {
	return m.Channel + "\x00" + m.ThreadID + "\x00" + m.NativeID
}

// Conversation is the record a message is filed under.
type Conversation struct {
	ID                string    `json:"id"`
	Channel           string    `json:"channel"`
	ExternalContactID string    `json:"external_contact_id"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ConversationStore resolves conversations by their external contact.
type ConversationStore interface {
	FindOrCreateByExternalContact(ctx context.Context, channel, externalContactID string) (string, error)
}

// MessageStore persists canonical messages. Append reports inserted=false
// when a message with the same (channel, thread, native id) already exists.
type MessageStore interface {
	Append(ctx context.Context, conversationID string, msg *Message) (inserted bool, err error)
}

// Cursor marks the last processed item of a polled thread. SentAt orders
// the window when NativeID is no longer part of it (an unsent message, or
// a cursor set by a push the page does not contain).
type Cursor struct {
	NativeID string
	SentAt   time.Time
}

// CursorStore remembers the last processed item per polled thread.
type CursorStore interface {
	Cursor(ctx context.Context, channel, threadID string) (Cursor, error)
	SetCursor(ctx context.Context, channel, threadID string, cursor Cursor) error
}

// ErrNoCursor is returned by CursorStore.Cursor for a thread never polled.
var ErrNoCursor = errors.New("ingest: no cursor")

// Normalize maps a provider message received by account onto the canonical
// model. Group messages are filed under the group thread, direct messages
// under the sender.
func Normalize(kind channels.ProviderKind, account string, in channels.InboundMessage, now time.Time) *Message {
	account = channels.NormalizeAccountKey(account)

	msg := &Message{
		ID:         uuid.NewString(),
		Channel:    channels.ChannelID(kind, account),
		Provider:   kind,
		Account:    account,
		ThreadID:   in.ThreadID,
		FromID:     in.FromID,
		FromName:   in.FromName,
		Body:       in.Body,
		MediaRef:   in.MediaRef,
		Kind:       in.Kind,
		NativeID:   in.NativeID,
		Direction:  Inbound,
		IsGroup:    in.IsGroup,
		SentAt:     in.SentAt,
		ObservedAt: now,
	}

	msg.ContactID = in.FromID
	if in.IsGroup || msg.ContactID == "" {
		msg.ContactID = in.ThreadID
	}
	if msg.Kind == "" {
		msg.Kind = channels.MessageText
		if msg.Body == "" && msg.MediaRef != "" {
			msg.Kind = channels.MessageUnsupported
		}
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = now
	}
	// Without a provider id the message cannot be deduplicated; give it a
	// local one so the store's unique key still holds.
	if msg.NativeID == "" {
		msg.NativeID = "local-" + msg.ID
	}
	return msg
}
