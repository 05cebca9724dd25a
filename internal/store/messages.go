package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/internal/common/sqlite"
)

// Message is one chat message ingested from or sent to a channel (§3).
type Message struct {
	ID        string    `db:"id"`
	ChatID    string    `db:"chat_id"`
	Sender    string    `db:"sender"`
	Body      string    `db:"body"`
	Timestamp int64     `db:"timestamp"`
	FromSelf  bool      `db:"from_self"`
	CreatedAt time.Time `db:"created_at"`
}

type messageRow struct {
	ID        string `db:"id"`
	ChatID    string `db:"chat_id"`
	Sender    string `db:"sender"`
	Body      string `db:"body"`
	Timestamp int64  `db:"timestamp"`
	FromSelf  int    `db:"from_self"`
	CreatedAt int64  `db:"created_at"`
}

func (r messageRow) toMessage() Message {
	return Message{
		ID:        r.ID,
		ChatID:    r.ChatID,
		Sender:    r.Sender,
		Body:      r.Body,
		Timestamp: r.Timestamp,
		FromSelf:  r.FromSelf != 0,
		CreatedAt: time.Unix(r.CreatedAt, 0).UTC(),
	}
}

// InsertMessage records a newly observed message, ignoring a duplicate id
// (a channel adapter may redeliver the same message).
func (s *Store) InsertMessage(ctx context.Context, msg Message) error {
	now := time.Now().UTC()
	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.writer.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (id, chat_id, sender, body, timestamp, from_self, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, msg.ChatID, msg.Sender, msg.Body, msg.Timestamp, sqlite.BoolToInt(msg.FromSelf), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetNewMessages returns, for the given set of registered chat jids, every
// message with timestamp > sinceTs, ordered oldest-first, and the new high
// watermark to persist as the router cursor (§4.1, §4.8). Messages
// whose sender equals selfName are excluded when selfName is non-empty,
// so the agent's own replies never come back as new input. Messages are
// returned oldest-first so the caller can replay them in order.
func (s *Store) GetNewMessages(chatJIDs []string, sinceTs int64, selfName string) ([]Message, int64, error) {
	if len(chatJIDs) == 0 {
		return nil, sinceTs, nil
	}

	query := `
		SELECT m.id, m.chat_id, m.sender, m.body, m.timestamp, m.from_self, m.created_at
		FROM messages m
		JOIN chats c ON c.chat_id = m.chat_id
		WHERE c.jid IN (?) AND m.timestamp > ?`
	extra := []any{sinceTs}
	if selfName != "" {
		query += ` AND m.sender != ?`
		extra = append(extra, selfName)
	}
	query += ` ORDER BY m.timestamp ASC`

	built, builtArgs, err := inQuery(query, chatJIDs, extra...)
	if err != nil {
		return nil, sinceTs, fmt.Errorf("build new-messages query: %w", err)
	}

	var rows []messageRow
	if err := s.reader.Select(&rows, built, builtArgs...); err != nil {
		return nil, sinceTs, fmt.Errorf("query new messages: %w", err)
	}

	maxTs := sinceTs
	msgs := make([]Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.toMessage())
		if r.Timestamp > maxTs {
			maxTs = r.Timestamp
		}
	}
	return msgs, maxTs, nil
}

// GetMessagesSince returns every message in a single chat newer than
// sinceTs, oldest-first, for building one agent invocation's stdin
// envelope (§6.1).
func (s *Store) GetMessagesSince(ctx context.Context, chatID string, sinceTs int64, selfName string) ([]Message, error) {
	query := `
		SELECT id, chat_id, sender, body, timestamp, from_self, created_at
		FROM messages
		WHERE chat_id = ? AND timestamp > ?`
	args := []any{chatID, sinceTs}
	if selfName != "" {
		query += ` AND sender != ?`
		args = append(args, selfName)
	}
	query += ` ORDER BY timestamp ASC`

	var rows []messageRow
	if err := s.reader.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query messages since: %w", err)
	}

	msgs := make([]Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.toMessage())
	}
	return msgs, nil
}
