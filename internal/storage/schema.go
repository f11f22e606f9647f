package storage

import (
	"database/sql"
	"fmt"

	"chatserver/pkg/types"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT    NOT NULL UNIQUE COLLATE NOCASE,
	password_hash TEXT    NOT NULL,
	created_at    TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS channels (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT    NOT NULL UNIQUE COLLATE NOCASE,
	description TEXT    DEFAULT '',
	created_by  INTEGER REFERENCES users(id),
	created_at  TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id  INTEGER NOT NULL REFERENCES channels(id),
	user_id     INTEGER NOT NULL REFERENCES users(id),
	content     TEXT    NOT NULL,
	msg_type    TEXT    NOT NULL DEFAULT 'message',
	created_at  TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_messages_channel_time
	ON messages(channel_id, created_at);

CREATE TABLE IF NOT EXISTS sessions (
	token      TEXT    PRIMARY KEY,
	user_id    INTEGER NOT NULL REFERENCES users(id),
	created_at TEXT    NOT NULL DEFAULT (datetime('now')),
	expires_at TEXT    NOT NULL
);
`

// initSchema creates the schema if absent and seeds the default channel.
// Both operations are idempotent and safe to run on every startup.
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	_, err := db.Exec(
		"INSERT OR IGNORE INTO channels (name, description) VALUES (?, ?)",
		types.DefaultChannelName, "General discussion",
	)
	if err != nil {
		return fmt.Errorf("seed default channel: %w", err)
	}
	return nil
}
