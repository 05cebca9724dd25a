package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Session holds the agent CLI's own session identifier for a workspace, so
// a new invocation can resume the same conversation (§3, §4.5 session
// propagation ordering).
type Session struct {
	WorkspaceFolder string    `db:"workspace_folder"`
	AgentCLI        string    `db:"agent_cli"`
	SessionID       string    `db:"session_id"`
	UpdatedAt       time.Time `db:"updated_at"`
}

type sessionRow struct {
	WorkspaceFolder string `db:"workspace_folder"`
	AgentCLI        string `db:"agent_cli"`
	SessionID       string `db:"session_id"`
	UpdatedAt       int64  `db:"updated_at"`
}

func (r sessionRow) toSession() Session {
	return Session{
		WorkspaceFolder: r.WorkspaceFolder,
		AgentCLI:        r.AgentCLI,
		SessionID:       r.SessionID,
		UpdatedAt:       time.Unix(r.UpdatedAt, 0).UTC(),
	}
}

// SaveSession records the session id an agent run reported, overwriting any
// previous session for the workspace (a new agent_cli starts a fresh
// session lineage).
func (s *Store) SaveSession(ctx context.Context, workspaceFolder, agentCLI, sessionID string) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO sessions (workspace_folder, agent_cli, session_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workspace_folder) DO UPDATE SET
			agent_cli = excluded.agent_cli,
			session_id = excluded.session_id,
			updated_at = excluded.updated_at`,
		workspaceFolder, agentCLI, sessionID, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save session for %s: %w", workspaceFolder, err)
	}
	return nil
}

// GetSession returns the last known session for a workspace, or nil if the
// workspace has never completed a run.
func (s *Store) GetSession(ctx context.Context, workspaceFolder string) (*Session, error) {
	var row sessionRow
	err := s.reader.GetContext(ctx, &row, `
		SELECT workspace_folder, agent_cli, session_id, updated_at
		FROM sessions WHERE workspace_folder = ?`, workspaceFolder)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get session for %s: %w", workspaceFolder, err)
	}
	session := row.toSession()
	return &session, nil
}
