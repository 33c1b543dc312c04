package store

import (
	"context"
	"database/sql"
)

// schemaVersion is bumped whenever applyMigrations grows. Version 1 is the
// initial four-store layout; version 2 added user status text plus message
// reactions; version 3 moved channel seq/rev assignment onto counter rows.
const schemaVersion = 3

func initSchema(ctx context.Context, db *sql.DB, driver string) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			avatar_url TEXT,
			last_seen_ms BIGINT NOT NULL DEFAULT 0,
			is_online INTEGER NOT NULL DEFAULT 0,
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_email ON users(email);`,

		`CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			added_at_ms BIGINT NOT NULL,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_user_id ON contacts(user_id);`,

		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			participant_ids TEXT NOT NULL,
			participants_hash TEXT,
			name TEXT,
			avatar_url TEXT,
			last_message_at_ms BIGINT NOT NULL,
			created_at_ms BIGINT NOT NULL
		);`,
		// NULL hashes (groups) never collide, so the unique index only
		// constrains direct conversations.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_participants_hash ON conversations(participants_hash);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_last_message_at ON conversations(last_message_at_ms);`,

		`CREATE TABLE IF NOT EXISTS messages (
			seq ` + autoIncPK(driver) + `,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			type TEXT NOT NULL,
			media_url TEXT,
			reply_to_id TEXT,
			status TEXT NOT NULL,
			created_at_ms BIGINT NOT NULL,
			FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id, created_at_ms, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at_ms, seq);`,

		`CREATE TABLE IF NOT EXISTS channel_values (
			name TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			origin TEXT NOT NULL,
			timestamp_ms BIGINT NOT NULL,
			rev BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_channel_values_rev ON channel_values(rev);`,

		// seq is assigned from the frame_seq counter row inside the writing
		// transaction, never from an autoincrement sequence: sequence values
		// become visible in commit order only when writers serialize on the
		// counter row, and a strict seq-cursor poller depends on that.
		`CREATE TABLE IF NOT EXISTS channel_frames (
			seq BIGINT PRIMARY KEY,
			name TEXT NOT NULL,
			payload TEXT NOT NULL,
			origin TEXT NOT NULL,
			timestamp_ms BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_channel_frames_name_seq ON channel_frames(name, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_channel_frames_timestamp ON channel_frames(timestamp_ms);`,

		`CREATE TABLE IF NOT EXISTS channel_counters (
			name TEXT PRIMARY KEY,
			value BIGINT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func autoIncPK(driver string) string {
	if driver == "pgx" {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}
