package store

import (
	"context"
	"database/sql"
	"fmt"
)

// RouterCursor is the Message Loop's per-workspace watermark (§3, §4.8):
// lastTimestamp gates which new chat messages are new, lastAgentTimestamp
// gates how far an agent has actually consumed.
type RouterCursor struct {
	WorkspaceFolder     string `db:"workspace_folder"`
	LastTimestamp       int64  `db:"last_timestamp"`
	LastAgentTimestamp  int64  `db:"last_agent_timestamp"`
}

// GetCursor returns a workspace's router cursor, defaulting to zero values
// if the workspace has never been advanced.
func (s *Store) GetCursor(ctx context.Context, workspaceFolder string) (RouterCursor, error) {
	var cursor RouterCursor
	err := s.reader.GetContext(ctx, &cursor, `
		SELECT workspace_folder, last_timestamp, last_agent_timestamp
		FROM router_state WHERE workspace_folder = ?`, workspaceFolder)
	if err != nil {
		if err == sql.ErrNoRows {
			return RouterCursor{WorkspaceFolder: workspaceFolder}, nil
		}
		return RouterCursor{}, fmt.Errorf("get cursor for %s: %w", workspaceFolder, err)
	}
	return cursor, nil
}

// SaveCursor persists a workspace's router cursor after a successful poll
// tick (§4.8).
func (s *Store) SaveCursor(ctx context.Context, cursor RouterCursor) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO router_state (workspace_folder, last_timestamp, last_agent_timestamp)
		VALUES (?, ?, ?)
		ON CONFLICT(workspace_folder) DO UPDATE SET
			last_timestamp = excluded.last_timestamp,
			last_agent_timestamp = excluded.last_agent_timestamp`,
		cursor.WorkspaceFolder, cursor.LastTimestamp, cursor.LastAgentTimestamp,
	)
	if err != nil {
		return fmt.Errorf("save cursor for %s: %w", cursor.WorkspaceFolder, err)
	}
	return nil
}

// RollbackAgentTimestamp resets lastAgentTimestamp to before the message
// that triggered a run whose terminal result was an error, so the next
// tick redelivers it (§4.8 at-least-once delivery, P3).
func (s *Store) RollbackAgentTimestamp(ctx context.Context, workspaceFolder string, to int64) error {
	_, err := s.writer.ExecContext(ctx, `
		UPDATE router_state SET last_agent_timestamp = ? WHERE workspace_folder = ?`,
		to, workspaceFolder,
	)
	if err != nil {
		return fmt.Errorf("rollback agent timestamp for %s: %w", workspaceFolder, err)
	}
	return nil
}
