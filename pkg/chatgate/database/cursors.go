package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jholhewres/chatgate/pkg/chatgate/ingest"
)

var _ ingest.CursorStore = (*DB)(nil)

// Cursor returns the last processed item of a polled thread.
func (d *DB) Cursor(ctx context.Context, channel, threadID string) (ingest.Cursor, error) {
	var (
		c      ingest.Cursor
		sentAt sql.NullTime
	)
	err := d.queryRow(ctx,
		"SELECT native_id, sent_at FROM poll_cursors WHERE channel = ? AND thread_id = ?",
		channel, threadID,
	).Scan(&c.NativeID, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ingest.Cursor{}, ingest.ErrNoCursor
	}
	if err != nil {
		return ingest.Cursor{}, fmt.Errorf("read cursor: %w", err)
	}
	if sentAt.Valid {
		c.SentAt = sentAt.Time
	}
	return c, nil
}

// SetCursor moves the cursor of a polled thread.
func (d *DB) SetCursor(ctx context.Context, channel, threadID string, cursor ingest.Cursor) error {
	var sentAt sql.NullTime
	if !cursor.SentAt.IsZero() {
		sentAt = sql.NullTime{Time: cursor.SentAt.UTC(), Valid: true}
	}
	_, err := d.exec(ctx, `
		INSERT INTO poll_cursors (channel, thread_id, native_id, sent_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (channel, thread_id) DO UPDATE SET
			native_id = excluded.native_id,
			sent_at = excluded.sent_at,
			updated_at = excluded.updated_at`,
		channel, threadID, cursor.NativeID, sentAt, d.now(),
	)
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}
