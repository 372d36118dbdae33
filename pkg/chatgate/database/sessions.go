package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
	"github.com/jholhewres/chatgate/pkg/chatgate/session"
)

var _ session.SessionStore = (*DB)(nil)

// UpsertStatus records the latest status of a session.
func (d *DB) UpsertStatus(ctx context.Context, kind channels.ProviderKind, account, status string, extra map[string]any) error {
	blob := []byte("{}")
	if len(extra) > 0 {
		var err error
		if blob, err = json.Marshal(extra); err != nil {
			return fmt.Errorf("encode session extra: %w", err)
		}
	}

	_, err := d.exec(ctx, `
		INSERT INTO channel_sessions (provider, account_key, status, extra, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (provider, account_key) DO UPDATE SET
			status = excluded.status,
			extra = excluded.extra,
			updated_at = excluded.updated_at`,
		string(kind), account, status, string(blob), d.now(),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s:%s: %w", kind, account, err)
	}
	return nil
}

// ListByStatus returns the sessions whose last status is status.
func (d *DB) ListByStatus(ctx context.Context, status string) ([]session.StatusRecord, error) {
	return d.listSessions(ctx, "WHERE status = ?", status)
}

// ListSessions returns every persisted session status.
func (d *DB) ListSessions(ctx context.Context) ([]session.StatusRecord, error) {
	return d.listSessions(ctx, "")
}

func (d *DB) listSessions(ctx context.Context, where string, args ...any) ([]session.StatusRecord, error) {
	rows, err := d.query(ctx, `
		SELECT provider, account_key, status, extra, updated_at
		FROM channel_sessions `+where+`
		ORDER BY provider, account_key`, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.StatusRecord
	for rows.Next() {
		var (
			rec       session.StatusRecord
			kind      string
			extra     string
			updatedAt time.Time
		)
		if err := rows.Scan(&kind, &rec.Account, &rec.Status, &extra, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.Kind = channels.ProviderKind(kind)
		rec.UpdatedAt = updatedAt
		if extra != "" && extra != "{}" {
			if err := json.Unmarshal([]byte(extra), &rec.Extra); err != nil {
				d.logger.Warn("database: bad session extra", "kind", kind, "account", rec.Account, "error", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
