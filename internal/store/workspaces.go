package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/common/sqlite"
)

// RegisteredGroup is a workspace bound to a chat (§3). The folder name is
// the workspace's identity everywhere outside the store — on disk under
// workspaces/<folder>, sessions/<folder>, ipc/<folder> (§6.5).
type RegisteredGroup struct {
	Folder         string    `db:"folder"`
	ChatJID        string    `db:"chat_jid"`
	Privileged     bool      `db:"privileged"`
	SandboxEngine  string    `db:"sandbox_engine"`
	AgentCLI       string    `db:"agent_cli"`
	TriggerPattern string    `db:"trigger_pattern"`
	CreatedAt      time.Time `db:"created_at"`
}

type registeredGroupRow struct {
	Folder         string `db:"folder"`
	ChatJID        string `db:"chat_jid"`
	Privileged     int    `db:"privileged"`
	SandboxEngine  string `db:"sandbox_engine"`
	AgentCLI       string `db:"agent_cli"`
	TriggerPattern string `db:"trigger_pattern"`
	CreatedAt      int64  `db:"created_at"`
}

func (r registeredGroupRow) toRegisteredGroup() RegisteredGroup {
	return RegisteredGroup{
		Folder:         r.Folder,
		ChatJID:        r.ChatJID,
		Privileged:     r.Privileged != 0,
		SandboxEngine:  r.SandboxEngine,
		AgentCLI:       r.AgentCLI,
		TriggerPattern: r.TriggerPattern,
		CreatedAt:      time.Unix(r.CreatedAt, 0).UTC(),
	}
}

// RegisterGroup creates (or reconfigures) a workspace binding, as driven by
// the register_group IPC request (§4.6, §12).
func (s *Store) RegisterGroup(ctx context.Context, g RegisteredGroup) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO registered_groups (folder, chat_jid, privileged, sandbox_engine, agent_cli, trigger_pattern, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(folder) DO UPDATE SET
			chat_jid = excluded.chat_jid,
			privileged = excluded.privileged,
			sandbox_engine = excluded.sandbox_engine,
			agent_cli = excluded.agent_cli,
			trigger_pattern = excluded.trigger_pattern`,
		g.Folder, g.ChatJID, sqlite.BoolToInt(g.Privileged), g.SandboxEngine, g.AgentCLI, g.TriggerPattern, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("register group %s: %w", g.Folder, err)
	}
	return nil
}

// Workspace looks up a registered group by folder.
func (s *Store) Workspace(ctx context.Context, folder string) (*RegisteredGroup, error) {
	var row registeredGroupRow
	err := s.reader.GetContext(ctx, &row, `
		SELECT folder, chat_jid, privileged, sandbox_engine, agent_cli, trigger_pattern, created_at
		FROM registered_groups WHERE folder = ?`, folder)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get workspace %s: %w", folder, err)
	}
	g := row.toRegisteredGroup()
	return &g, nil
}

// Workspaces lists every registered group, for startup and for the Message
// Loop's per-tick poll set.
func (s *Store) Workspaces(ctx context.Context) ([]RegisteredGroup, error) {
	var rows []registeredGroupRow
	err := s.reader.SelectContext(ctx, &rows, `
		SELECT folder, chat_jid, privileged, sandbox_engine, agent_cli, trigger_pattern, created_at
		FROM registered_groups`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	out := make([]RegisteredGroup, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRegisteredGroup())
	}
	return out, nil
}
