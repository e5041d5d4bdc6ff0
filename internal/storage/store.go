// internal/storage/store.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/chatfold/internal/chat"
	"github.com/user/chatfold/internal/projector"
	"github.com/user/chatfold/internal/types"
)

// ErrNotFound is returned when a chat does not exist or is soft-deleted.
var ErrNotFound = errors.New("chat not found")

// Store is the SQLite-backed storage gateway.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The driver serializes writes; a single connection avoids SQLITE_BUSY
	// under concurrent flushes.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// messageExtra is the JSON blob holding the assistant-only message fields.
type messageExtra struct {
	ToolInvocations []chat.ToolInvocation `json:"tool_invocations,omitempty"`
	Usage           *chat.Usage           `json:"usage,omitempty"`
	Reasoning       string                `json:"reasoning,omitempty"`
	Files           []chat.File           `json:"files,omitempty"`
	References      []chat.Reference      `json:"references,omitempty"`
	Provider        string                `json:"provider,omitempty"`
	Model           string                `json:"model,omitempty"`
	HasAudio        bool                  `json:"has_audio,omitempty"`
	Audio           string                `json:"audio,omitempty"`
}

// ApplyIncrements persists one flushed increment tree in a single
// transaction. It tolerates partially-formed increments: a chat with zero
// messages, additions to a message that was never inserted, and so on.
func (s *Store) ApplyIncrements(ctx context.Context, userID types.UserID, inc *projector.UserIncrement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for chatID, ci := range inc.Chats {
		if err := s.applyChatIncrement(ctx, tx, userID, chatID, ci); err != nil {
			return fmt.Errorf("chat %s: %w", chatID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) applyChatIncrement(ctx context.Context, tx *sql.Tx, userID types.UserID, chatID types.ChatID, ci *projector.ChatIncrement) error {
	if ci.Chat != nil {
		return writeChatTx(ctx, tx, ci.Chat)
	}

	if ci.BranchedFrom != "" {
		// The branching front end usually writes the clone on the cold path
		// before the event reaches a flush; only materialize the branch here
		// if that write never happened.
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM chats WHERE id = ?`, chatID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			src, err := s.readChatTx(ctx, tx, userID, ci.BranchedFrom)
			if err != nil {
				return fmt.Errorf("branch source %s: %w", ci.BranchedFrom, err)
			}
			branch := src.Clone()
			branch.ID = chatID
			branch.BranchedFromID = ci.BranchedFrom
			branch.CreatedAt = ci.LatestUpdate
			branch.UpdatedAt = ci.LatestUpdate
			if err := writeChatTx(ctx, tx, branch); err != nil {
				return err
			}
		}
	}

	if ci.Deleted {
		if _, err := tx.ExecContext(ctx,
			`UPDATE chats SET deleted = 1, updated_at = ? WHERE id = ?`,
			ci.LatestUpdate.UnixMilli(), chatID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID)
		return err
	}

	if ci.Truncate != nil {
		if err := truncateTx(ctx, tx, chatID, ci.Truncate); err != nil {
			return err
		}
	}
	if ci.Name != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE chats SET name = ? WHERE id = ?`, *ci.Name, chatID); err != nil {
			return err
		}
	}
	if ci.Shared != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE chats SET shared = ? WHERE id = ?`, boolInt(*ci.Shared), chatID); err != nil {
			return err
		}
	}

	for _, mi := range sortedMessages(ci) {
		if err := applyMessageIncrement(ctx, tx, chatID, mi); err != nil {
			return fmt.Errorf("message %s: %w", mi.MessageID, err)
		}
	}

	if !ci.LatestUpdate.IsZero() {
		if _, err := tx.ExecContext(ctx,
			`UPDATE chats SET updated_at = ? WHERE id = ? AND updated_at < ?`,
			ci.LatestUpdate.UnixMilli(), chatID, ci.LatestUpdate.UnixMilli()); err != nil {
			return err
		}
	}
	return nil
}

// sortedMessages orders the increment's messages by creation time so ord
// assignment is deterministic.
func sortedMessages(ci *projector.ChatIncrement) []*projector.MessageIncrement {
	out := make([]*projector.MessageIncrement, 0, len(ci.Messages))
	for _, mi := range ci.Messages {
		out = append(out, mi)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := time.Time{}, time.Time{}
		if out[i].Message != nil {
			ti = out[i].Message.Time
		}
		if out[j].Message != nil {
			tj = out[j].Message.Time
		}
		if ti.Equal(tj) {
			return out[i].MessageID < out[j].MessageID
		}
		return ti.Before(tj)
	})
	return out
}

func applyMessageIncrement(ctx context.Context, tx *sql.Tx, chatID types.ChatID, mi *projector.MessageIncrement) error {
	if mi.Message != nil {
		return insertMessageTx(ctx, tx, chatID, mi.Message, -1)
	}

	var text, extraRaw string
	var finished bool
	err := tx.QueryRowContext(ctx,
		`SELECT text, extra, finished FROM messages WHERE chat_id = ? AND id = ?`,
		chatID, mi.MessageID).Scan(&text, &extraRaw, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		// Additions for a message whose creation was flushed in an earlier
		// cycle but then truncated, or never seen. Materialize a bare row
		// so the data is not lost.
		m := &chat.Message{ID: mi.MessageID, Role: chat.RoleAssistant}
		mergeInto(m, mi)
		return insertMessageTx(ctx, tx, chatID, m, -1)
	}
	if err != nil {
		return err
	}

	var extra messageExtra
	if err := json.Unmarshal([]byte(extraRaw), &extra); err != nil {
		extra = messageExtra{}
	}

	text += mi.Text
	extra.Files = append(extra.Files, mi.Files...)
	extra.References = append(extra.References, mi.References...)
	for _, inv := range mi.ToolInvocations {
		extra.ToolInvocations = mergeInvocation(extra.ToolInvocations, inv)
	}
	if mi.Usage != nil {
		extra.Usage = mi.Usage
	}
	if mi.Reasoning != nil {
		extra.Reasoning = *mi.Reasoning
	}
	if mi.HasAudio {
		extra.HasAudio = true
	}
	if mi.Audio != nil {
		extra.Audio = *mi.Audio
	}
	if mi.Finished {
		finished = true
	}

	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("marshal extra: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE messages SET text = ?, extra = ?, finished = ? WHERE chat_id = ? AND id = ?`,
		text, string(extraJSON), boolInt(finished), chatID, mi.MessageID)
	return err
}

// mergeInto applies an add-to-message increment onto a fresh message.
func mergeInto(m *chat.Message, mi *projector.MessageIncrement) {
	m.Text = mi.Text
	m.Files = append(m.Files, mi.Files...)
	m.References = append(m.References, mi.References...)
	m.ToolInvocations = append(m.ToolInvocations, mi.ToolInvocations...)
	if mi.Usage != nil {
		u := *mi.Usage
		m.Usage = &u
	}
	if mi.Reasoning != nil {
		m.Reasoning = *mi.Reasoning
	}
	m.HasAudio = mi.HasAudio
	m.Finished = mi.Finished
}

func mergeInvocation(list []chat.ToolInvocation, inv chat.ToolInvocation) []chat.ToolInvocation {
	for i := range list {
		if list[i].ID == inv.ID {
			if inv.Finished {
				list[i].Result = inv.Result
				list[i].Finished = true
			}
			return list
		}
	}
	return append(list, inv)
}

func truncateTx(ctx context.Context, tx *sql.Tx, chatID types.ChatID, tr *projector.Truncation) error {
	var pivot int64
	err := tx.QueryRowContext(ctx,
		`SELECT ord FROM messages WHERE chat_id = ? AND id = ?`,
		chatID, tr.AfterMessageID).Scan(&pivot)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("truncate pivot %s not found", tr.AfterMessageID)
	}
	if err != nil {
		return err
	}
	op := ">"
	if tr.Exclusive {
		op = ">="
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM messages WHERE chat_id = ? AND ord `+op+` ?`, chatID, pivot)
	return err
}

// insertMessageTx inserts a message row. ord < 0 assigns the next ordinal.
func insertMessageTx(ctx context.Context, tx *sql.Tx, chatID types.ChatID, m *chat.Message, ord int64) error {
	if ord < 0 {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(ord), -1) + 1 FROM messages WHERE chat_id = ?`,
			chatID).Scan(&ord); err != nil {
			return err
		}
	}
	extra := messageExtra{
		ToolInvocations: m.ToolInvocations,
		Usage:           m.Usage,
		Reasoning:       m.Reasoning,
		Files:           m.Files,
		References:      m.References,
		Provider:        m.Provider,
		Model:           m.Model,
		HasAudio:        m.HasAudio,
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("marshal extra: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (chat_id, id, role, text, time, finished, extra, ord)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (chat_id, id) DO UPDATE SET
			text = excluded.text, finished = excluded.finished, extra = excluded.extra`,
		chatID, m.ID, string(m.Role), m.Text, m.Time.UnixMilli(),
		boolInt(m.Finished), string(extraJSON), ord)
	return err
}

// writeChatTx replaces the chat row and its entire history.
func writeChatTx(ctx context.Context, tx *sql.Tx, c *chat.Chat) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO chats (id, user_id, name, shared, deleted, branched_from, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, shared = excluded.shared, deleted = excluded.deleted,
			branched_from = excluded.branched_from, updated_at = excluded.updated_at`,
		c.ID, c.UserID, c.Name, boolInt(c.Shared), boolInt(c.Deleted),
		string(c.BranchedFromID), c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli())
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, c.ID); err != nil {
		return err
	}
	for i, m := range c.History {
		if err := insertMessageTx(ctx, tx, c.ID, m, int64(i)); err != nil {
			return err
		}
	}
	return nil
}

// WriteChatContext persists a full aggregate on the cold path, bypassing
// the increment pipeline. Used for branching.
func (s *Store) WriteChatContext(ctx context.Context, c *chat.Chat) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if err := writeChatTx(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

// ReadChatContext loads a full aggregate including history. Soft-deleted
// chats are reported as not found.
func (s *Store) ReadChatContext(ctx context.Context, userID types.UserID, chatID types.ChatID) (*chat.Chat, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	return s.readChatTx(ctx, tx, userID, chatID)
}

func (s *Store) readChatTx(ctx context.Context, tx *sql.Tx, userID types.UserID, chatID types.ChatID) (*chat.Chat, error) {
	c := &chat.Chat{}
	var shared, deleted int
	var branchedFrom string
	var createdAt, updatedAt int64
	err := tx.QueryRowContext(ctx,
		`SELECT id, user_id, name, shared, deleted, branched_from, created_at, updated_at
		 FROM chats WHERE id = ? AND user_id = ?`,
		chatID, userID).Scan(&c.ID, &c.UserID, &c.Name, &shared, &deleted,
		&branchedFrom, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if deleted != 0 {
		return nil, ErrNotFound
	}
	c.Shared = shared != 0
	c.BranchedFromID = types.ChatID(branchedFrom)
	c.CreatedAt = time.UnixMilli(createdAt)
	c.UpdatedAt = time.UnixMilli(updatedAt)

	rows, err := tx.QueryContext(ctx,
		`SELECT id, role, text, time, finished, extra FROM messages
		 WHERE chat_id = ? ORDER BY ord`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		m := &chat.Message{}
		var role, extraRaw string
		var ts int64
		var finished int
		if err := rows.Scan(&m.ID, &role, &m.Text, &ts, &finished, &extraRaw); err != nil {
			return nil, err
		}
		m.Role = chat.Role(role)
		m.Time = time.UnixMilli(ts)
		m.Finished = finished != 0
		var extra messageExtra
		if err := json.Unmarshal([]byte(extraRaw), &extra); err == nil {
			m.ToolInvocations = extra.ToolInvocations
			m.Usage = extra.Usage
			m.Reasoning = extra.Reasoning
			m.Files = extra.Files
			m.References = extra.References
			m.Provider = extra.Provider
			m.Model = extra.Model
			m.HasAudio = extra.HasAudio
		}
		c.History = append(c.History, m)
	}
	return c, rows.Err()
}

// GetUserChats lists a user's chats without history, newest first. When
// since is non-zero only chats updated after it are returned.
func (s *Store) GetUserChats(ctx context.Context, userID types.UserID, since time.Time) ([]*chat.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, shared, branched_from, created_at, updated_at
		 FROM chats WHERE user_id = ? AND deleted = 0 AND updated_at > ?
		 ORDER BY updated_at DESC`,
		userID, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*chat.Chat
	for rows.Next() {
		c := &chat.Chat{UserID: userID}
		var shared int
		var branchedFrom string
		var createdAt, updatedAt int64
		if err := rows.Scan(&c.ID, &c.Name, &shared, &branchedFrom, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		c.Shared = shared != 0
		c.BranchedFromID = types.ChatID(branchedFrom)
		c.CreatedAt = time.UnixMilli(createdAt)
		c.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// PurgeDeleted removes soft-deleted chats whose last update is older than
// cutoff. Returns the number of chats removed.
func (s *Store) PurgeDeleted(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chats WHERE deleted = 1 AND updated_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
