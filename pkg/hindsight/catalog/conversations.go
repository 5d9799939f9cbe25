package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jamesainslie/hindsight/pkg/hindsight/types"
)

// Conversation is one logical session.
type Conversation struct {
	ID           string    `json:"id" yaml:"id"`
	SessionID    string    `json:"session_id" yaml:"session_id"`
	Agent        string    `json:"agent" yaml:"agent"`
	SourcePath   string    `json:"source_path" yaml:"source_path"`
	ContentHash  string    `json:"content_hash" yaml:"content_hash"`
	MessageCount int64     `json:"message_count" yaml:"message_count"`
	StartedAt    time.Time `json:"started_at" yaml:"started_at"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"updated_at"`
}

// Tx exposes the statements ingestion runs inside one transaction.
type Tx struct {
	tx *sql.Tx
}

const conversationColumns = `id, session_id, agent, source_path, content_hash, message_count, started_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c                          Conversation
		started, created, updated string
	)
	err := row.Scan(&c.ID, &c.SessionID, &c.Agent, &c.SourcePath, &c.ContentHash, &c.MessageCount, &started, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.StartedAt = parseTime(started)
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

// ConversationByHash resolves a content digest through the identity table.
func (t *Tx) ConversationByHash(ctx context.Context, hash types.Digest) (*Conversation, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+prefixed("c.", conversationColumns)+`
		 FROM content_hashes h JOIN conversations c ON c.id = h.conversation_id
		 WHERE h.hash = ?`, string(hash))
	return scanConversation(row)
}

// ConversationBySession looks up a conversation by session identity.
func (t *Tx) ConversationBySession(ctx context.Context, sessionID string) (*Conversation, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE session_id = ?`, sessionID)
	return scanConversation(row)
}

// ConversationByID looks up a conversation by ID.
func (t *Tx) ConversationByID(ctx context.Context, id string) (*Conversation, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// InsertConversation creates c.
func (t *Tx) InsertConversation(ctx context.Context, c *Conversation) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.Agent, c.SourcePath, c.ContentHash, c.MessageCount,
		formatTime(c.StartedAt), formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert conversation %s: %w", c.SessionID, err)
	}
	return nil
}

// UpdateConversation overwrites the mutable columns of c.
func (t *Tx) UpdateConversation(ctx context.Context, c *Conversation) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE conversations
		 SET agent = ?, source_path = ?, content_hash = ?, message_count = ?, started_at = ?, updated_at = ?
		 WHERE id = ?`,
		c.Agent, c.SourcePath, c.ContentHash, c.MessageCount, formatTime(c.StartedAt), formatTime(c.UpdatedAt), c.ID)
	if err != nil {
		return fmt.Errorf("update conversation %s: %w", c.ID, err)
	}
	return nil
}

// PutContentHash maps hash to conversationID. An existing mapping is kept,
// which preserves the uniqueness of content identity.
func (t *Tx) PutContentHash(ctx context.Context, hash types.Digest, conversationID string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO content_hashes (hash, conversation_id, created_at) VALUES (?, ?, ?)`,
		string(hash), conversationID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("put content hash: %w", err)
	}
	return nil
}

// DeleteContentHashes removes every identity row for conversationID.
func (t *Tx) DeleteContentHashes(ctx context.Context, conversationID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM content_hashes WHERE conversation_id = ?`, conversationID)
	return err
}

// DeleteMessages removes every message of conversationID.
func (t *Tx) DeleteMessages(ctx context.Context, conversationID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	return err
}

// NextSeq returns the sequence number after the last stored message.
func (t *Tx) NextSeq(ctx context.Context, conversationID string) (int64, error) {
	var next int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&next)
	return next, err
}

// HasMessageUUID reports whether conversationID already holds a message with
// uuid.
func (t *Tx) HasMessageUUID(ctx context.Context, conversationID, uuid string) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE conversation_id = ? AND uuid = ? LIMIT 1`, conversationID, uuid).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// InsertMessages stores msgs with consecutive sequence numbers starting at
// seq and returns the next free sequence number.
func (t *Tx) InsertMessages(ctx context.Context, conversationID string, seq int64, msgs []types.Message) (int64, error) {
	if len(msgs) == 0 {
		return seq, nil
	}
	stmt, err := t.tx.PrepareContext(ctx,
		`INSERT INTO messages (conversation_id, seq, line, uuid, type, role, timestamp, raw)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return seq, fmt.Errorf("prepare insert messages: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, conversationID, seq, m.Line, m.UUID, m.Type, m.Role,
			formatTime(m.Timestamp), string(m.Raw)); err != nil {
			return seq, fmt.Errorf("insert message %d: %w", seq, err)
		}
		seq++
	}
	return seq, nil
}

// Conversation returns the conversation with id.
func (c *Catalog) Conversation(ctx context.Context, id string) (*Conversation, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// ConversationBySession returns the conversation for sessionID.
func (c *Catalog) ConversationBySession(ctx context.Context, sessionID string) (*Conversation, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE session_id = ?`, sessionID)
	return scanConversation(row)
}

// ListConversations returns the most recently updated conversations.
func (c *Catalog) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

// Messages returns every message of conversationID in sequence order.
func (c *Catalog) Messages(ctx context.Context, conversationID string) ([]types.Message, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT seq, line, uuid, type, role, timestamp, raw FROM messages WHERE conversation_id = ? ORDER BY seq`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var (
			m       types.Message
			ts, raw string
		)
		if err := rows.Scan(&m.Seq, &m.Line, &m.UUID, &m.Type, &m.Role, &ts, &raw); err != nil {
			return nil, err
		}
		m.Timestamp = parseTime(ts)
		m.Raw = []byte(raw)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ConversationCount returns the number of conversations.
func (c *Catalog) ConversationCount(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&n)
	return n, err
}

func prefixed(prefix, columns string) string {
	out := make([]byte, 0, len(columns)*2)
	out = append(out, prefix...)
	for i := 0; i < len(columns); i++ {
		out = append(out, columns[i])
		if columns[i] == ',' {
			// Skip the following space, then add the prefix.
			if i+1 < len(columns) && columns[i+1] == ' ' {
				out = append(out, ' ')
				i++
			}
			out = append(out, prefix...)
		}
	}
	return string(out)
}
