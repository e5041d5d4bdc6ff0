// internal/storage/migrations.go
package storage

import "database/sql"

// migrate creates the schema. Every statement is idempotent so reopening a
// database is always safe.
func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			name          TEXT NOT NULL DEFAULT '',
			shared        INTEGER NOT NULL DEFAULT 0,
			deleted       INTEGER NOT NULL DEFAULT 0,
			branched_from TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			chat_id  TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			id       TEXT NOT NULL,
			role     TEXT NOT NULL,
			text     TEXT NOT NULL DEFAULT '',
			time     INTEGER NOT NULL,
			finished INTEGER NOT NULL DEFAULT 0,
			extra    TEXT NOT NULL DEFAULT '{}',
			ord      INTEGER NOT NULL,
			PRIMARY KEY (chat_id, id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_chats_user ON chats(user_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, ord)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
