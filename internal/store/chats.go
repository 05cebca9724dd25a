package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Chat is a channel-native conversation the router has observed (§3).
type Chat struct {
	ChatID    string    `db:"chat_id"`
	JID       string    `db:"jid"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

type chatRow struct {
	ChatID    string `db:"chat_id"`
	JID       string `db:"jid"`
	Name      string `db:"name"`
	CreatedAt int64  `db:"created_at"`
}

func (r chatRow) toChat() Chat {
	return Chat{ChatID: r.ChatID, JID: r.JID, Name: r.Name, CreatedAt: time.Unix(r.CreatedAt, 0).UTC()}
}

// UpsertChat records a chat the first time it is seen, or updates its
// display name on subsequent sightings.
func (s *Store) UpsertChat(ctx context.Context, chatID, jid, name string) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO chats (chat_id, jid, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET name = excluded.name`,
		chatID, jid, name, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

// ChatByJID looks up a chat by its channel-native identifier.
func (s *Store) ChatByJID(ctx context.Context, jid string) (*Chat, error) {
	var row chatRow
	err := s.reader.GetContext(ctx, &row, `SELECT chat_id, jid, name, created_at FROM chats WHERE jid = ?`, jid)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get chat by jid: %w", err)
	}
	chat := row.toChat()
	return &chat, nil
}
