package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
	"github.com/jholhewres/chatgate/pkg/chatgate/ingest"
)

var (
	_ ingest.ConversationStore = (*DB)(nil)
	_ ingest.MessageStore      = (*DB)(nil)
)

// FindOrCreateByExternalContact returns the conversation of contact on
// channel, creating it on first contact. Concurrent callers converge on the
// same row through the unique (channel, external_contact_id) key.
func (d *DB) FindOrCreateByExternalContact(ctx context.Context, channel, externalContactID string) (string, error) {
	now := d.now()
	_, err := d.exec(ctx, `
		INSERT INTO conversations (id, channel, external_contact_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (channel, external_contact_id) DO NOTHING`,
		uuid.NewString(), channel, externalContactID, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}

	var id string
	err = d.queryRow(ctx,
		"SELECT id FROM conversations WHERE channel = ? AND external_contact_id = ?",
		channel, externalContactID,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("find conversation: %w", err)
	}
	return id, nil
}

// GetConversation loads one conversation.
func (d *DB) GetConversation(ctx context.Context, id string) (*ingest.Conversation, error) {
	var c ingest.Conversation
	err := d.queryRow(ctx, `
		SELECT id, channel, external_contact_id, created_at, updated_at
		FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Channel, &c.ExternalContactID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// Append stores msg under conversationID. It reports false, without error,
// when the (channel, thread, native id) triple is already stored.
func (d *DB) Append(ctx context.Context, conversationID string, msg *ingest.Message) (bool, error) {
	msg.ConversationID = conversationID

	res, err := d.exec(ctx, `
		INSERT INTO messages (
			id, conversation_id, channel, provider, account, thread_id, contact_id,
			from_id, from_name, body, media_ref, kind, native_id, direction,
			is_group, sent_at, observed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel, thread_id, native_id) DO NOTHING`,
		msg.ID, conversationID, msg.Channel, string(msg.Provider), msg.Account, msg.ThreadID, msg.ContactID,
		msg.FromID, msg.FromName, msg.Body, msg.MediaRef, string(msg.Kind), msg.NativeID, string(msg.Direction),
		msg.IsGroup, msg.SentAt.UTC(), msg.ObservedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("append message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append message: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := d.exec(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", d.now(), conversationID); err != nil {
		d.logger.Warn("database: touching conversation failed", "conversation", conversationID, "error", err)
	}
	return true, nil
}

// ListMessages returns the newest messages of a conversation, oldest first.
func (d *DB) ListMessages(ctx context.Context, conversationID string, limit int) ([]ingest.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.query(ctx, `
		SELECT id, conversation_id, channel, provider, account, thread_id, contact_id,
			from_id, from_name, body, media_ref, kind, native_id, direction,
			is_group, sent_at, observed_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at DESC, id DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []ingest.Message
	for rows.Next() {
		var (
			m                         ingest.Message
			provider, kind, direction string
		)
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.Channel, &provider, &m.Account, &m.ThreadID, &m.ContactID,
			&m.FromID, &m.FromName, &m.Body, &m.MediaRef, &kind, &m.NativeID, &direction,
			&m.IsGroup, &m.SentAt, &m.ObservedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Provider = channels.ProviderKind(provider)
		m.Kind = channels.MessageKind(kind)
		m.Direction = ingest.Direction(direction)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
