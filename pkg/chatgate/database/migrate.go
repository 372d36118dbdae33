package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// migration is one forward-only schema step.
type migration struct {
	version    int
	sqlite     string
	postgresql string
}

var migrations = []migration{
	{
		version: 1,
		sqlite: `
CREATE TABLE IF NOT EXISTS channel_sessions (
    provider    TEXT NOT NULL,
    account_key TEXT NOT NULL,
    status      TEXT NOT NULL,
    extra       TEXT NOT NULL DEFAULT '{}',
    updated_at  DATETIME NOT NULL,
    PRIMARY KEY (provider, account_key)
);

CREATE TABLE IF NOT EXISTS conversations (
    id                  TEXT PRIMARY KEY,
    channel             TEXT NOT NULL,
    external_contact_id TEXT NOT NULL,
    created_at          DATETIME NOT NULL,
    updated_at          DATETIME NOT NULL,
    UNIQUE (channel, external_contact_id)
);

CREATE TABLE IF NOT EXISTS messages (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    channel         TEXT NOT NULL,
    provider        TEXT NOT NULL,
    account         TEXT NOT NULL,
    thread_id       TEXT NOT NULL,
    contact_id      TEXT NOT NULL,
    from_id         TEXT NOT NULL DEFAULT '',
    from_name       TEXT NOT NULL DEFAULT '',
    body            TEXT NOT NULL DEFAULT '',
    media_ref       TEXT NOT NULL DEFAULT '',
    kind            TEXT NOT NULL,
    native_id       TEXT NOT NULL,
    direction       TEXT NOT NULL,
    is_group        INTEGER NOT NULL DEFAULT 0,
    sent_at         DATETIME NOT NULL,
    observed_at     DATETIME NOT NULL,
    UNIQUE (channel, thread_id, native_id)
);

CREATE TABLE IF NOT EXISTS poll_cursors (
    channel    TEXT NOT NULL,
    thread_id  TEXT NOT NULL,
    native_id  TEXT NOT NULL,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (channel, thread_id)
);`,
		postgresql: `
CREATE TABLE IF NOT EXISTS channel_sessions (
    provider    TEXT NOT NULL,
    account_key TEXT NOT NULL,
    status      TEXT NOT NULL,
    extra       TEXT NOT NULL DEFAULT '{}',
    updated_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (provider, account_key)
);

CREATE TABLE IF NOT EXISTS conversations (
    id                  TEXT PRIMARY KEY,
    channel             TEXT NOT NULL,
    external_contact_id TEXT NOT NULL,
    created_at          TIMESTAMPTZ NOT NULL,
    updated_at          TIMESTAMPTZ NOT NULL,
    UNIQUE (channel, external_contact_id)
);

CREATE TABLE IF NOT EXISTS messages (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    channel         TEXT NOT NULL,
    provider        TEXT NOT NULL,
    account         TEXT NOT NULL,
    thread_id       TEXT NOT NULL,
    contact_id      TEXT NOT NULL,
    from_id         TEXT NOT NULL DEFAULT '',
    from_name       TEXT NOT NULL DEFAULT '',
    body            TEXT NOT NULL DEFAULT '',
    media_ref       TEXT NOT NULL DEFAULT '',
    kind            TEXT NOT NULL,
    native_id       TEXT NOT NULL,
    direction       TEXT NOT NULL,
    is_group        BOOLEAN NOT NULL DEFAULT FALSE,
    sent_at         TIMESTAMPTZ NOT NULL,
    observed_at     TIMESTAMPTZ NOT NULL,
    UNIQUE (channel, thread_id, native_id)
);

CREATE TABLE IF NOT EXISTS poll_cursors (
    channel    TEXT NOT NULL,
    thread_id  TEXT NOT NULL,
    native_id  TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (channel, thread_id)
);`,
	},
	{
		version: 2,
		sqlite: `
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, sent_at);
CREATE INDEX IF NOT EXISTS idx_channel_sessions_status ON channel_sessions(status);`,
		postgresql: `
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, sent_at);
CREATE INDEX IF NOT EXISTS idx_channel_sessions_status ON channel_sessions(status);`,
	},
	{
		version:    3,
		sqlite:     `ALTER TABLE poll_cursors ADD COLUMN sent_at DATETIME;`,
		postgresql: `ALTER TABLE poll_cursors ADD COLUMN IF NOT EXISTS sent_at TIMESTAMPTZ;`,
	},
}

// LatestVersion is the schema version Migrate brings a database to.
func LatestVersion() int { return migrations[len(migrations)-1].version }

// CurrentVersion returns the applied schema version, 0 for an empty database.
func (d *DB) CurrentVersion(ctx context.Context) (int, error) {
	if err := d.ensureVersionTable(ctx); err != nil {
		return 0, err
	}
	var version int
	err := d.queryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// Migrate applies every pending migration, each in its own transaction.
func (d *DB) Migrate(ctx context.Context) error {
	current, err := d.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		ddl := m.sqlite
		if d.backend == BackendPostgreSQL {
			ddl = m.postgresql
		}
		if err := d.apply(ctx, m.version, ddl); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		d.logger.Info("database: migration applied", "version", m.version)
	}
	return nil
}

func (d *DB) apply(ctx context.Context, version int, ddl string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, d.rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"), version, d.now()); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *DB) ensureVersionTable(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL
)`
	if d.backend == BackendPostgreSQL {
		ddl = `CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL
)`
	}
	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}
	return nil
}
